package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ORIGIN", "https://social.example.com/")

	cfg := Load()
	assert.Equal(t, "https://social.example.com", cfg.Origin, "trailing slash is trimmed")
	assert.Equal(t, "8000", cfg.Port)
	assert.Equal(t, "fedbox.db", cfg.DatabaseURL)
	assert.Equal(t, "memory", cfg.QueueURL)
	assert.Equal(t, "fedbox", cfg.Username)
	assert.Equal(t, "fedbox", cfg.DisplayName, "display name defaults to the username")
	assert.True(t, cfg.SignFetch)
	assert.True(t, cfg.PreferSharedInbox)
	assert.False(t, cfg.AllowPrivateAddrs)
	assert.Equal(t, time.Hour, cfg.SignatureWindow)
	assert.Equal(t, 4, cfg.QueueWorkers)
	assert.Empty(t, cfg.UserAgent, "loader default applies when unset")
	assert.Equal(t, time.Minute, cfg.RetryInitialDelay)
	assert.Equal(t, 10, cfg.InboxRetryAttempts)
	assert.Equal(t, 10, cfg.OutboxRetryAttempts)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ORIGIN", "https://social.example.com")
	t.Setenv("PORT", "9000")
	t.Setenv("USERNAME", "alice")
	t.Setenv("SIGN_FETCH", "false")
	t.Setenv("SIGNATURE_TIME_WINDOW", "30m")
	t.Setenv("QUEUE_WORKERS", "8")
	t.Setenv("USER_AGENT", "myserver/2.0")
	t.Setenv("RETRY_INITIAL_DELAY", "30s")
	t.Setenv("INBOX_RETRY_ATTEMPTS", "5")
	t.Setenv("OUTBOX_RETRY_ATTEMPTS", "12")

	cfg := Load()
	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, "alice", cfg.Username)
	assert.Equal(t, "alice", cfg.DisplayName)
	assert.False(t, cfg.SignFetch)
	assert.Equal(t, 30*time.Minute, cfg.SignatureWindow)
	assert.Equal(t, 8, cfg.QueueWorkers)
	assert.Equal(t, "myserver/2.0", cfg.UserAgent)
	assert.Equal(t, 30*time.Second, cfg.RetryInitialDelay)
	assert.Equal(t, 5, cfg.InboxRetryAttempts)
	assert.Equal(t, 12, cfg.OutboxRetryAttempts)
}

func TestBaseURL(t *testing.T) {
	t.Setenv("ORIGIN", "https://social.example.com")
	cfg := Load()
	assert.Equal(t, "https://social.example.com/users/alice", cfg.BaseURL("/users/alice"))

	u := cfg.URL()
	require.NotNil(t, u)
	assert.Equal(t, "social.example.com", u.Host)
}

func TestParseFallbacks(t *testing.T) {
	assert.Equal(t, 4, parseInt("", 4))
	assert.Equal(t, 4, parseInt("not a number", 4))
	assert.Equal(t, 7, parseInt("7", 4))

	assert.Equal(t, time.Hour, parseDuration("", time.Hour))
	assert.Equal(t, time.Hour, parseDuration("bogus", time.Hour))
	assert.Equal(t, 90*time.Second, parseDuration("90s", time.Hour))
}

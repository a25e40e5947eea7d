package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration loaded from environment variables.
type Config struct {
	// Origin is the canonical base URL this server federates as, e.g.
	// "https://social.example.com".
	Origin string
	Port   string

	// DatabaseURL selects the KV backend: a postgres:// URL, a file path
	// (SQLite) or "memory".
	DatabaseURL string
	// QueueURL selects the queue backend: a postgres:// URL, a redis://
	// URL or "memory".
	QueueURL string
	// RedisURL, when set, backs the KV store instead of DatabaseURL.
	RedisURL string

	// Username of the single demo actor served by cmd/fedbox.
	Username    string
	DisplayName string
	Summary     string

	RSAPrivateKeyPath string
	Ed25519SeedPath   string
	SignFetch         bool
	PreferSharedInbox bool
	AllowPrivateAddrs bool
	SignatureWindow   time.Duration
	QueueWorkers      int

	// UserAgent is sent on remote document fetches; empty means the
	// loader's default.
	UserAgent string
	// Retry knobs for the pipeline backoff: the first delay and the
	// total attempts per pipeline.
	RetryInitialDelay   time.Duration
	InboxRetryAttempts  int
	OutboxRetryAttempts int
}

// Load reads configuration from environment variables.
// Exits if required variables (ORIGIN) are missing or malformed.
func Load() *Config {
	origin := os.Getenv("ORIGIN")
	if origin == "" {
		fmt.Fprintln(os.Stderr, "ERROR: ORIGIN is not set!")
		fmt.Fprintln(os.Stderr, "Set it to the public base URL of this server, e.g. https://social.example.com")
		os.Exit(1)
	}
	if u, err := url.Parse(origin); err != nil || u.Scheme == "" || u.Host == "" {
		fmt.Fprintf(os.Stderr, "ERROR: ORIGIN %q is not an absolute URL\n", origin)
		os.Exit(1)
	}

	username := getEnv("USERNAME", "fedbox")
	displayName := getEnv("DISPLAY_NAME", username)

	return &Config{
		Origin:            strings.TrimRight(origin, "/"),
		Port:              getEnv("PORT", "8000"),
		DatabaseURL:       getEnv("DATABASE_URL", "fedbox.db"),
		QueueURL:          getEnv("QUEUE_URL", "memory"),
		RedisURL:          os.Getenv("REDIS_URL"),
		Username:          username,
		DisplayName:       displayName,
		Summary:           os.Getenv("SUMMARY"),
		RSAPrivateKeyPath: getEnv("RSA_PRIVATE_KEY_PATH", "private.pem"),
		Ed25519SeedPath:   getEnv("ED25519_SEED_PATH", "ed25519.seed"),
		SignFetch:         getEnv("SIGN_FETCH", "true") != "false",
		PreferSharedInbox: getEnv("PREFER_SHARED_INBOX", "true") != "false",
		AllowPrivateAddrs: os.Getenv("ALLOW_PRIVATE_ADDRESS") == "true",
		SignatureWindow:   parseDuration(os.Getenv("SIGNATURE_TIME_WINDOW"), time.Hour),
		QueueWorkers:      parseInt(os.Getenv("QUEUE_WORKERS"), 4),

		UserAgent:           os.Getenv("USER_AGENT"),
		RetryInitialDelay:   parseDuration(os.Getenv("RETRY_INITIAL_DELAY"), time.Minute),
		InboxRetryAttempts:  parseInt(os.Getenv("INBOX_RETRY_ATTEMPTS"), 10),
		OutboxRetryAttempts: parseInt(os.Getenv("OUTBOX_RETRY_ATTEMPTS"), 10),
	}
}

// URL returns the parsed origin as a *url.URL.
func (c *Config) URL() *url.URL {
	u, _ := url.Parse(c.Origin)
	return u
}

// BaseURL constructs an absolute URL from a path.
func (c *Config) BaseURL(path string) string {
	return c.Origin + path
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

package routes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouterRoute(t *testing.T) {
	r := NewRouter()
	vars, err := r.Add("/users/{identifier}", "actor")
	require.NoError(t, err)
	assert.Equal(t, []string{"identifier"}, vars)
	_, err = r.Add("/users/{identifier}/inbox", "inbox")
	require.NoError(t, err)
	_, err = r.Add("/inbox", "sharedInbox")
	require.NoError(t, err)

	m, ok := r.Route("/users/alice")
	require.True(t, ok)
	assert.Equal(t, "actor", m.Name)
	assert.Equal(t, "alice", m.Variables["identifier"])

	m, ok = r.Route("/users/alice/inbox")
	require.True(t, ok)
	assert.Equal(t, "inbox", m.Name)

	m, ok = r.Route("/inbox")
	require.True(t, ok)
	assert.Equal(t, "sharedInbox", m.Name)

	_, ok = r.Route("/nope")
	assert.False(t, ok)
}

func TestRouterRegistrationOrderWins(t *testing.T) {
	r := NewRouter()
	_, err := r.Add("/x/{a}", "first")
	require.NoError(t, err)
	_, err = r.Add("/x/{b}", "second")
	require.NoError(t, err)

	m, ok := r.Route("/x/value")
	require.True(t, ok)
	assert.Equal(t, "first", m.Name)
}

func TestRouterReplaceByName(t *testing.T) {
	r := NewRouter()
	_, err := r.Add("/old/{identifier}", "actor")
	require.NoError(t, err)
	_, err = r.Add("/new/{identifier}", "actor")
	require.NoError(t, err)

	_, ok := r.Route("/old/alice")
	assert.False(t, ok)
	m, ok := r.Route("/new/alice")
	require.True(t, ok)
	assert.Equal(t, "actor", m.Name)
}

func TestRouterBuild(t *testing.T) {
	r := NewRouter()
	_, err := r.Add("/users/{identifier}", "actor")
	require.NoError(t, err)

	path, err := r.Build("actor", map[string]string{"identifier": "alice"})
	require.NoError(t, err)
	assert.Equal(t, "/users/alice", path)

	_, err = r.Build("missing", nil)
	assert.ErrorIs(t, err, ErrUnknownRoute)
}

func TestRouterTrailingSlashInsensitive(t *testing.T) {
	r := NewRouter()
	r.TrailingSlashInsensitive = true
	_, err := r.Add("/users/{identifier}", "actor")
	require.NoError(t, err)

	for _, path := range []string{"/users/alice", "/users/alice/"} {
		m, ok := r.Route(path)
		require.True(t, ok, "path %q should match", path)
		assert.Equal(t, "alice", m.Variables["identifier"])
	}
}

func TestRouterClone(t *testing.T) {
	r := NewRouter()
	_, err := r.Add("/users/{identifier}", "actor")
	require.NoError(t, err)

	c := r.Clone()
	_, err = c.Add("/inbox", "sharedInbox")
	require.NoError(t, err)

	assert.True(t, c.Has("sharedInbox"))
	assert.False(t, r.Has("sharedInbox"))
	assert.True(t, r.Has("actor"))
}

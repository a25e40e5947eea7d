package kv

import (
	"context"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets the contract tests cross TTL boundaries without
// sleeping.
type fakeClock struct{ t time.Time }

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1700000000, 0)} }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

// runStoreContract exercises the Store semantics every backend must
// satisfy.
func runStoreContract(t *testing.T, store Store, clock *fakeClock) {
	ctx := context.Background()

	t.Run("get absent returns nil", func(t *testing.T) {
		v, err := store.Get(ctx, Key{"nope"})
		require.NoError(t, err)
		assert.Nil(t, v)
	})

	t.Run("set then get", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, Key{"a", "b"}, []byte("v1"), nil))
		v, err := store.Get(ctx, Key{"a", "b"})
		require.NoError(t, err)
		assert.Equal(t, []byte("v1"), v)
	})

	t.Run("set replaces", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, Key{"a", "b"}, []byte("v2"), nil))
		v, err := store.Get(ctx, Key{"a", "b"})
		require.NoError(t, err)
		assert.Equal(t, []byte("v2"), v)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, Key{"del"}, []byte("x"), nil))
		require.NoError(t, store.Delete(ctx, Key{"del"}))
		v, err := store.Get(ctx, Key{"del"})
		require.NoError(t, err)
		assert.Nil(t, v)
		// Deleting an absent key is not an error.
		require.NoError(t, store.Delete(ctx, Key{"del"}))
	})

	t.Run("ttl hides expired entries", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, Key{"ttl"}, []byte("x"), &SetOptions{TTL: time.Minute}))
		v, err := store.Get(ctx, Key{"ttl"})
		require.NoError(t, err)
		assert.Equal(t, []byte("x"), v)

		clock.advance(2 * time.Minute)
		v, err = store.Get(ctx, Key{"ttl"})
		require.NoError(t, err)
		assert.Nil(t, v, "expired entry must be invisible")
	})

	t.Run("cas on absent key", func(t *testing.T) {
		ok, err := store.CAS(ctx, Key{"cas", "absent"}, nil, []byte("first"), nil)
		require.NoError(t, err)
		assert.True(t, ok)

		// A second nil-expected CAS must lose.
		ok, err = store.CAS(ctx, Key{"cas", "absent"}, nil, []byte("second"), nil)
		require.NoError(t, err)
		assert.False(t, ok)

		v, err := store.Get(ctx, Key{"cas", "absent"})
		require.NoError(t, err)
		assert.Equal(t, []byte("first"), v)
	})

	t.Run("cas with expected value", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, Key{"cas", "v"}, []byte("old"), nil))

		ok, err := store.CAS(ctx, Key{"cas", "v"}, []byte("wrong"), []byte("new"), nil)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = store.CAS(ctx, Key{"cas", "v"}, []byte("old"), []byte("new"), nil)
		require.NoError(t, err)
		assert.True(t, ok)

		v, err := store.Get(ctx, Key{"cas", "v"})
		require.NoError(t, err)
		assert.Equal(t, []byte("new"), v)
	})

	t.Run("cas treats expired as absent", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, Key{"cas", "exp"}, []byte("x"), &SetOptions{TTL: time.Minute}))
		clock.advance(2 * time.Minute)

		ok, err := store.CAS(ctx, Key{"cas", "exp"}, []byte("x"), []byte("y"), nil)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = store.CAS(ctx, Key{"cas", "exp"}, nil, []byte("y"), nil)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("list is segment-wise", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, Key{"list", "a"}, []byte("1"), nil))
		require.NoError(t, store.Set(ctx, Key{"list", "a", "x"}, []byte("2"), nil))
		require.NoError(t, store.Set(ctx, Key{"list", "ab"}, []byte("3"), nil))
		require.NoError(t, store.Set(ctx, Key{"listother"}, []byte("4"), nil))

		entries, err := store.List(ctx, Key{"list", "a"})
		require.NoError(t, err)
		var keys []string
		for _, e := range entries {
			keys = append(keys, e.Key.String())
		}
		sort.Strings(keys)
		// ["list","ab"] shares a string prefix with ["list","a"] but is
		// not a segment-wise extension of it.
		assert.Equal(t, []string{"list/a", "list/a/x"}, keys)
	})

	t.Run("list skips expired entries", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, Key{"lexp", "live"}, []byte("1"), nil))
		require.NoError(t, store.Set(ctx, Key{"lexp", "dead"}, []byte("2"), &SetOptions{TTL: time.Minute}))
		clock.advance(2 * time.Minute)

		entries, err := store.List(ctx, Key{"lexp"})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "lexp/live", entries[0].Key.String())
	})
}

func TestMemoryStore(t *testing.T) {
	clock := newFakeClock()
	store := NewMemory()
	store.now = clock.now
	runStoreContract(t, store, clock)
}

func TestSQLStoreSQLite(t *testing.T) {
	clock := newFakeClock()
	store, err := OpenSQL(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Migrate())
	store.now = clock.now

	assert.Equal(t, "sqlite", store.Driver())
	runStoreContract(t, store, clock)
}

func TestDetectDriver(t *testing.T) {
	tests := []struct {
		url, driver, dsn string
	}{
		{"postgres://u:p@host/db", "postgres", "postgres://u:p@host/db"},
		{"postgresql://u:p@host/db", "postgres", "postgresql://u:p@host/db"},
		{"sqlite:///tmp/x.db", "sqlite", "/tmp/x.db"},
		{"fedbox.db", "sqlite", "fedbox.db"},
	}
	for _, tt := range tests {
		driver, dsn := detectDriver(tt.url)
		assert.Equal(t, tt.driver, driver, tt.url)
		assert.Equal(t, tt.dsn, dsn, tt.url)
	}
}

func TestKeyEncoding(t *testing.T) {
	k := Key{"a", "b", "c"}
	assert.Equal(t, "a\x1fb\x1fc", k.encode())
	assert.Equal(t, k, decodeKey(k.encode()))

	assert.True(t, Key{"a", "b"}.hasPrefix(Key{"a"}))
	assert.True(t, Key{"a", "b"}.hasPrefix(Key{"a", "b"}))
	assert.False(t, Key{"ab"}.hasPrefix(Key{"a"}))
	assert.False(t, Key{"a"}.hasPrefix(Key{"a", "b"}))
}

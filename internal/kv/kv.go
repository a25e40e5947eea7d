// Package kv defines the key-value store contract the federation engine
// persists its idempotency and delivery state in, plus the built-in
// backends: in-memory (default for tests), database/sql (SQLite or
// PostgreSQL, selected by URL) and Redis.
//
// Keys are ordered tuples of string segments. Prefix listing matches
// segment-wise, not by string prefix: ["a"] is a prefix of ["a","b"] but
// not of ["ab"]. Values are opaque byte slices; callers typically store
// JSON. An entry may carry a TTL; expired entries are invisible to Get,
// CAS and List.
package kv

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrStore wraps transport-level failures of a backend. Callers treat it
// as retriable.
var ErrStore = errors.New("kv: store error")

// Key is an ordered tuple of segments identifying a value.
type Key []string

// String renders the key for logs.
func (k Key) String() string { return strings.Join(k, "/") }

// encode joins segments with the ASCII unit separator so that
// segment-wise prefix matching reduces to string prefix matching on the
// encoded form.
func (k Key) encode() string { return strings.Join(k, "\x1f") }

// hasPrefix reports whether k begins with prefix, segment-wise.
func (k Key) hasPrefix(prefix Key) bool {
	if len(prefix) > len(k) {
		return false
	}
	for i, seg := range prefix {
		if k[i] != seg {
			return false
		}
	}
	return true
}

func decodeKey(s string) Key { return Key(strings.Split(s, "\x1f")) }

// Entry is one key/value pair yielded by List.
type Entry struct {
	Key   Key
	Value []byte
}

// SetOptions carries per-write options.
type SetOptions struct {
	// TTL, when positive, makes the entry expire after the given duration.
	TTL time.Duration
}

// Store is the key-value store contract. Individual operations are
// atomic; compound invariants are built from CAS.
type Store interface {
	// Get returns the value for key, or nil when the key is absent or
	// expired.
	Get(ctx context.Context, key Key) ([]byte, error)
	// Set writes value under key, replacing any existing entry.
	Set(ctx context.Context, key Key, value []byte, opts *SetOptions) error
	// Delete removes the entry for key. Deleting an absent key is not an
	// error.
	Delete(ctx context.Context, key Key) error
	// CAS replaces the value under key with next only when the current
	// value equals expected; a nil expected means "key absent". It reports
	// whether the swap happened.
	CAS(ctx context.Context, key Key, expected, next []byte, opts *SetOptions) (bool, error)
	// List yields all live entries whose key begins with prefix,
	// segment-wise, including the exact-match entry. Ordering is
	// unspecified.
	List(ctx context.Context, prefix Key) ([]Entry, error)
}

// bytesEqual treats nil and empty as distinct only on the absent side:
// a stored empty value is still "present".
func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

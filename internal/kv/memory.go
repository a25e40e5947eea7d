package kv

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Store. It is safe for concurrent use and is the
// backend of choice for tests and single-process deployments that can
// afford to lose idempotency state on restart.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	value   []byte
	expires time.Time // zero means no expiry
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{entries: map[string]memEntry{}, now: time.Now}
}

func (m *Memory) live(e memEntry) bool {
	return e.expires.IsZero() || m.now().Before(e.expires)
}

func (m *Memory) Get(_ context.Context, key Key) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key.encode()]
	if !ok || !m.live(e) {
		delete(m.entries, key.encode())
		return nil, nil
	}
	return append([]byte(nil), e.value...), nil
}

func (m *Memory) Set(_ context.Context, key Key, value []byte, opts *SetOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key.encode()] = memEntry{
		value:   append([]byte(nil), value...),
		expires: m.expiry(opts),
	}
	return nil
}

func (m *Memory) Delete(_ context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key.encode())
	return nil
}

func (m *Memory) CAS(_ context.Context, key Key, expected, next []byte, opts *SetOptions) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key.encode()]
	if ok && !m.live(e) {
		delete(m.entries, key.encode())
		ok = false
	}
	if !ok {
		if expected != nil {
			return false, nil
		}
	} else if expected == nil || !bytesEqual(e.value, expected) {
		return false, nil
	}
	m.entries[key.encode()] = memEntry{
		value:   append([]byte(nil), next...),
		expires: m.expiry(opts),
	}
	return true, nil
}

func (m *Memory) List(_ context.Context, prefix Key) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for enc, e := range m.entries {
		if !m.live(e) {
			continue
		}
		k := decodeKey(enc)
		if !k.hasPrefix(prefix) {
			continue
		}
		out = append(out, Entry{Key: k, Value: append([]byte(nil), e.value...)})
	}
	return out, nil
}

func (m *Memory) expiry(opts *SetOptions) time.Time {
	if opts != nil && opts.TTL > 0 {
		return m.now().Add(opts.TTL)
	}
	return time.Time{}
}

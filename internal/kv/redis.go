package kv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Store backed by a Redis server. Every key is stored under a
// configurable namespace prefix so several engines can share one server.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis wraps an existing client. keyPrefix namespaces all keys, e.g.
// "fedbox:".
func NewRedis(client *redis.Client, keyPrefix string) *Redis {
	return &Redis{client: client, prefix: keyPrefix}
}

func (r *Redis) redisKey(key Key) string { return r.prefix + key.encode() }

func (r *Redis) Get(ctx context.Context, key Key) ([]byte, error) {
	v, err := r.client.Get(ctx, r.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", ErrStore, key, err)
	}
	return v, nil
}

func (r *Redis) Set(ctx context.Context, key Key, value []byte, opts *SetOptions) error {
	var ttl = ttlOf(opts)
	if err := r.client.Set(ctx, r.redisKey(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("%w: set %s: %v", ErrStore, key, err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, key Key) error {
	if err := r.client.Del(ctx, r.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrStore, key, err)
	}
	return nil
}

func (r *Redis) CAS(ctx context.Context, key Key, expected, next []byte, opts *SetOptions) (bool, error) {
	swapped := false
	// Optimistic transaction: WATCH the key, compare, then MULTI/SET.
	// TxFailedErr means another writer won the race, which is a clean
	// "no swap", not an error.
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, r.redisKey(key)).Bytes()
		absent := errors.Is(err, redis.Nil)
		if err != nil && !absent {
			return err
		}
		if absent {
			if expected != nil {
				return nil
			}
		} else if expected == nil || !bytesEqual(current, expected) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, r.redisKey(key), next, ttlOf(opts))
			return nil
		})
		if err == nil {
			swapped = true
		}
		return err
	}, r.redisKey(key))
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: cas %s: %v", ErrStore, key, err)
	}
	return swapped, nil
}

func (r *Redis) List(ctx context.Context, prefix Key) ([]Entry, error) {
	var out []Entry

	// The exact-match entry, if present.
	if v, err := r.Get(ctx, prefix); err != nil {
		return nil, err
	} else if v != nil {
		out = append(out, Entry{Key: append(Key(nil), prefix...), Value: v})
	}

	// Everything one or more segments deeper.
	iter := r.client.Scan(ctx, 0, globEscape(r.redisKey(prefix))+"\x1f*", 100).Iterator()
	for iter.Next(ctx) {
		full := iter.Val()
		v, err := r.client.Get(ctx, full).Bytes()
		if errors.Is(err, redis.Nil) {
			continue // expired between SCAN and GET
		}
		if err != nil {
			return nil, fmt.Errorf("%w: list %s: %v", ErrStore, prefix, err)
		}
		out = append(out, Entry{Key: decodeKey(strings.TrimPrefix(full, r.prefix)), Value: v})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", ErrStore, prefix, err)
	}
	return out, nil
}

func ttlOf(opts *SetOptions) time.Duration {
	if opts != nil && opts.TTL > 0 {
		return opts.TTL
	}
	return 0
}

// globEscape escapes Redis SCAN MATCH metacharacters in a literal key.
func globEscape(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}

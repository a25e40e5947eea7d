package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisQueue is a Queue backed by a Redis sorted set scored by due time,
// with a pub/sub channel nudging listeners on enqueue. A claimed member
// is not removed: its score is pushed to a lease horizon, so it stays
// invisible while the handler runs and becomes due again if the worker
// dies before acknowledging. Ordering keys are serialized via NX lock
// keys with a safety TTL.
type RedisQueue struct {
	client  *redis.Client
	key     string // sorted set key
	channel string // pub/sub nudge channel
	lockTTL time.Duration
	lease   time.Duration
	poll    time.Duration
}

// NewRedis wraps an existing client. key namespaces the sorted set and
// derived lock keys, e.g. "fedbox:queue".
func NewRedis(client *redis.Client, key string) *RedisQueue {
	return &RedisQueue{
		client:  client,
		key:     key,
		channel: key + ":notify",
		lockTTL: 5 * time.Minute,
		lease:   5 * time.Minute,
		poll:    time.Second,
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, body []byte, opts *EnqueueOptions) error {
	return q.add(ctx, &Message{
		ID:          uuid.NewString(),
		Body:        body,
		OrderingKey: orderingKeyOf(opts),
		NotBefore:   time.Now().Add(delayOf(opts)),
	})
}

func (q *RedisQueue) EnqueueMany(ctx context.Context, bodies [][]byte, opts *EnqueueOptions) error {
	for _, body := range bodies {
		if err := q.Enqueue(ctx, body, opts); err != nil {
			return err
		}
	}
	return nil
}

func (q *RedisQueue) add(ctx context.Context, msg *Message) error {
	member, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", ErrQueue, err)
	}
	err = q.client.ZAdd(ctx, q.key, redis.Z{
		Score:  float64(msg.NotBefore.UnixMilli()),
		Member: string(member),
	}).Err()
	if err != nil {
		return fmt.Errorf("%w: enqueue: %v", ErrQueue, err)
	}
	// Best-effort nudge; listeners also poll.
	q.client.Publish(ctx, q.channel, msg.ID)
	return nil
}

// Listen consumes messages until ctx is cancelled.
func (q *RedisQueue) Listen(ctx context.Context, handler Handler) error {
	sub := q.client.Subscribe(ctx, q.channel)
	defer sub.Close()
	nudges := sub.Channel()

	for {
		msg, member, err := q.claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("redis queue claim failed", "key", q.key, "error", err)
		}
		if msg == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-nudges:
			case <-time.After(q.poll):
			}
			continue
		}

		handlerErr := handler(ctx, msg)

		// The ack must land even when ctx was cancelled mid-handler. If
		// it fails, the leased member simply becomes due again when the
		// lease expires.
		ackCtx := context.WithoutCancel(ctx)
		if handlerErr != nil {
			retry := *msg
			retry.Attempt++
			retry.NotBefore = time.Now().Add(redeliveryDelay)
			if err := q.reschedule(ackCtx, member, &retry); err != nil {
				slog.Error("failed to requeue message", "id", msg.ID, "error", err)
			}
		} else if err := q.client.ZRem(ackCtx, q.key, member).Err(); err != nil {
			slog.Error("failed to acknowledge message", "id", msg.ID, "error", err)
		}
		if msg.OrderingKey != "" {
			// Exactly one release per claimed lock.
			q.client.Del(ackCtx, q.lockKey(msg.OrderingKey))
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}

// leaseScript claims a due member by pushing its score to the lease
// horizon in one atomic step. A member that is gone or no longer due was
// claimed by another listener.
var leaseScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score or tonumber(score) > tonumber(ARGV[2]) then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return 1
`)

// claim leases the first eligible member whose ordering key lock (if
// any) can be taken, and returns it with the raw member used to
// acknowledge it later. Members skipped because their key is held stay
// in the set.
func (q *RedisQueue) claim(ctx context.Context) (*Message, string, error) {
	now := time.Now().UnixMilli()
	members, err := q.client.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
		Min: "-inf", Max: fmt.Sprintf("%d", now), Count: 16,
	}).Result()
	if err != nil {
		return nil, "", err
	}

	for _, member := range members {
		var msg Message
		if err := json.Unmarshal([]byte(member), &msg); err != nil {
			// Poison member; drop it rather than loop forever.
			q.client.ZRem(ctx, q.key, member)
			slog.Error("dropping malformed queue member", "key", q.key, "error", err)
			continue
		}
		locked := false
		if msg.OrderingKey != "" {
			ok, err := q.client.SetNX(ctx, q.lockKey(msg.OrderingKey), "1", q.lockTTL).Result()
			if err != nil {
				return nil, "", err
			}
			if !ok {
				continue // ordering key in flight elsewhere
			}
			locked = true
		}
		leaseUntil := time.Now().Add(q.lease).UnixMilli()
		claimed, err := leaseScript.Run(ctx, q.client, []string{q.key}, member, now, leaseUntil).Int()
		if err != nil || claimed == 0 {
			// Lost the race for this member; release the lock we took for it.
			if locked {
				q.client.Del(ctx, q.lockKey(msg.OrderingKey))
			}
			if err != nil {
				return nil, "", err
			}
			continue
		}
		return &msg, member, nil
	}
	return nil, "", nil
}

// reschedule swaps a leased member for its retry atomically, so the
// message exists in the set throughout.
func (q *RedisQueue) reschedule(ctx context.Context, member string, retry *Message) error {
	next, err := json.Marshal(retry)
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", ErrQueue, err)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.key, member)
		pipe.ZAdd(ctx, q.key, redis.Z{
			Score:  float64(retry.NotBefore.UnixMilli()),
			Member: string(next),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: requeue: %v", ErrQueue, err)
	}
	return nil
}

func (q *RedisQueue) lockKey(orderingKey string) string {
	return q.key + ":lock:" + orderingKey
}

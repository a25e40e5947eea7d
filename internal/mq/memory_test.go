package mq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collect runs n listeners until the queue has delivered want successful
// messages, then cancels them and returns the bodies in delivery order.
func collect(t *testing.T, q *Memory, listeners, want int, handler Handler) []string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < listeners; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Listen(ctx, func(ctx context.Context, msg *Message) error {
				if handler != nil {
					if err := handler(ctx, msg); err != nil {
						return err
					}
				}
				mu.Lock()
				got = append(got, string(msg.Body))
				if len(got) == want {
					close(done)
				}
				mu.Unlock()
				return nil
			})
		}()
	}

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("timed out waiting for deliveries")
	}
	cancel()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	return got
}

func TestMemoryDeliversEnqueued(t *testing.T) {
	q := NewMemory()
	require.NoError(t, q.Enqueue(context.Background(), []byte("one"), nil))
	require.NoError(t, q.Enqueue(context.Background(), []byte("two"), nil))

	got := collect(t, q, 1, 2, nil)
	assert.ElementsMatch(t, []string{"one", "two"}, got)
}

func TestMemoryEnqueueMany(t *testing.T) {
	q := NewMemory()
	bodies := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	require.NoError(t, q.EnqueueMany(context.Background(), bodies, nil))

	got := collect(t, q, 2, 3, nil)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, got)
}

func TestMemoryDelayedDelivery(t *testing.T) {
	q := NewMemory()
	start := time.Now()
	delay := 150 * time.Millisecond
	require.NoError(t, q.Enqueue(context.Background(), []byte("later"), &EnqueueOptions{Delay: delay}))

	var deliveredAt time.Time
	collect(t, q, 1, 1, func(_ context.Context, _ *Message) error {
		deliveredAt = time.Now()
		return nil
	})
	assert.GreaterOrEqual(t, deliveredAt.Sub(start), delay)
}

func TestMemoryRedeliversOnError(t *testing.T) {
	q := NewMemory()
	require.NoError(t, q.Enqueue(context.Background(), []byte("flaky"), nil))

	var attempts []int
	collect(t, q, 1, 1, func(_ context.Context, msg *Message) error {
		attempts = append(attempts, msg.Attempt)
		if msg.Attempt == 0 {
			return errors.New("transient")
		}
		return nil
	})
	assert.Equal(t, []int{0, 1}, attempts)
}

func TestMemoryOrderingKeyExclusive(t *testing.T) {
	q := NewMemory()
	opts := &EnqueueOptions{OrderingKey: "inbox-1"}
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(context.Background(), []byte{byte('a' + i)}, opts))
	}

	var mu sync.Mutex
	inflight, maxInflight := 0, 0
	collect(t, q, 4, 5, func(_ context.Context, _ *Message) error {
		mu.Lock()
		inflight++
		if inflight > maxInflight {
			maxInflight = inflight
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		inflight--
		mu.Unlock()
		return nil
	})
	assert.Equal(t, 1, maxInflight, "messages sharing an ordering key must never overlap")
}

func TestMemoryDistinctKeysRunConcurrently(t *testing.T) {
	q := NewMemory()
	block := make(chan struct{})
	require.NoError(t, q.Enqueue(context.Background(), []byte("slow"), &EnqueueOptions{OrderingKey: "k1"}))
	require.NoError(t, q.Enqueue(context.Background(), []byte("fast"), &EnqueueOptions{OrderingKey: "k2"}))

	got := collect(t, q, 2, 2, func(_ context.Context, msg *Message) error {
		if string(msg.Body) == "slow" {
			<-block
		} else {
			// The k2 message must be deliverable while k1 is held.
			close(block)
		}
		return nil
	})
	assert.ElementsMatch(t, []string{"slow", "fast"}, got)
}

// The ordering-key gate must balance acquires and releases even when the
// handler fails, otherwise the key wedges permanently. This is the
// in-memory analogue of leaking a session advisory lock.
func TestMemoryOrderingKeyNeverLeaks(t *testing.T) {
	q := NewMemory()
	opts := &EnqueueOptions{OrderingKey: "leaky"}
	require.NoError(t, q.Enqueue(context.Background(), []byte("x"), opts))
	require.NoError(t, q.Enqueue(context.Background(), []byte("y"), opts))

	collect(t, q, 2, 2, func(_ context.Context, msg *Message) error {
		if msg.Attempt == 0 {
			return errors.New("fail first attempt")
		}
		return nil
	})

	acquired, released := q.keyBalance("leaky")
	assert.Equal(t, acquired, released, "every claim must release the key exactly once")
	assert.Equal(t, 4, acquired, "two messages, two attempts each")
}

func TestMemoryClosedQueueRejectsEnqueue(t *testing.T) {
	q := NewMemory()
	q.Drop()
	err := q.Enqueue(context.Background(), []byte("x"), nil)
	assert.ErrorIs(t, err, ErrClosed)
}

package mq

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Queue. Listeners share one pending list guarded
// by a mutex; a broadcast channel nudges them whenever the eligible set
// may have changed.
type Memory struct {
	mu       sync.Mutex
	pending  []*Message
	inflight map[string]struct{} // ordering keys currently dispatched
	closed   bool
	wake     chan struct{}

	// Acquire/release bookkeeping for the ordering-key gate. The counts
	// must stay equal once the queue is idle; the shared-backend
	// equivalent (advisory locks) stalls permanently when they drift.
	keyAcquires map[string]int
	keyReleases map[string]int
}

// NewMemory returns an empty in-memory queue.
func NewMemory() *Memory {
	return &Memory{
		inflight:    map[string]struct{}{},
		wake:        make(chan struct{}, 1),
		keyAcquires: map[string]int{},
		keyReleases: map[string]int{},
	}
}

func (m *Memory) Enqueue(_ context.Context, body []byte, opts *EnqueueOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.pending = append(m.pending, &Message{
		ID:          uuid.NewString(),
		Body:        append([]byte(nil), body...),
		OrderingKey: orderingKeyOf(opts),
		NotBefore:   time.Now().Add(delayOf(opts)),
	})
	m.nudge()
	return nil
}

func (m *Memory) EnqueueMany(ctx context.Context, bodies [][]byte, opts *EnqueueOptions) error {
	for _, body := range bodies {
		if err := m.Enqueue(ctx, body, opts); err != nil {
			return err
		}
	}
	return nil
}

// Drop empties the queue and rejects further enqueues. Test teardown only.
func (m *Memory) Drop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = nil
	m.closed = true
	m.nudge()
}

// Listen consumes messages until ctx is cancelled, then returns after the
// in-flight handler (if any) settles.
func (m *Memory) Listen(ctx context.Context, handler Handler) error {
	for {
		msg, wait := m.claim()
		if msg == nil {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-m.wake:
				timer.Stop()
			case <-timer.C:
			}
			continue
		}

		err := handler(ctx, msg)
		m.release(msg, err)

		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

// claim removes and returns the next eligible message, or (nil, wait)
// where wait is how long the caller may sleep before re-checking.
func (m *Memory) claim() (*Message, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	wait := time.Second
	for i, msg := range m.pending {
		if msg.NotBefore.After(now) {
			if d := msg.NotBefore.Sub(now); d < wait {
				wait = d
			}
			continue
		}
		if msg.OrderingKey != "" {
			if _, held := m.inflight[msg.OrderingKey]; held {
				continue
			}
			m.inflight[msg.OrderingKey] = struct{}{}
			m.keyAcquires[msg.OrderingKey]++
		}
		m.pending = append(m.pending[:i], m.pending[i+1:]...)
		return msg, 0
	}
	return nil, wait
}

// release returns the ordering key to the pool and, on handler failure,
// schedules a redelivery. The key is released exactly once per claim.
func (m *Memory) release(msg *Message, handlerErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.OrderingKey != "" {
		delete(m.inflight, msg.OrderingKey)
		m.keyReleases[msg.OrderingKey]++
	}
	if handlerErr != nil && !m.closed {
		retry := *msg
		retry.Attempt++
		retry.NotBefore = time.Now().Add(redeliveryDelay)
		m.pending = append(m.pending, &retry)
	}
	m.nudge()
}

func (m *Memory) nudge() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// keyBalance reports acquire and release counts for an ordering key.
// Exposed for tests asserting the gate never leaks holds.
func (m *Memory) keyBalance(key string) (acquired, released int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keyAcquires[key], m.keyReleases[key]
}

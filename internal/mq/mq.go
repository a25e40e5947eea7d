// Package mq defines the message queue contract underpinning both
// federation pipelines, plus the built-in backends: in-memory channel,
// PostgreSQL (SKIP LOCKED rows with advisory locks for ordering keys) and
// Redis (sorted set by due time with a pub/sub nudge).
//
// Delivery is at-least-once: a handler that returns an error causes the
// message to be redelivered with an incremented attempt counter. When a
// message carries an ordering key, at most one message bearing that key
// is in flight across all listeners sharing the queue; other messages
// with the same key wait.
package mq

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrClosed is returned by Enqueue after the queue has been dropped.
	ErrClosed = errors.New("mq: closed")
	// ErrQueue wraps transport-level failures of a backend.
	ErrQueue = errors.New("mq: queue error")
)

// Message is one queue item as seen by a handler.
type Message struct {
	// ID is a backend-assigned identifier, stable across redeliveries.
	ID string `json:"id"`
	// Body is the opaque payload.
	Body []byte `json:"body"`
	// OrderingKey, when non-empty, serializes in-flight dispatch with all
	// other messages carrying the same key.
	OrderingKey string `json:"orderingKey,omitempty"`
	// NotBefore is the earliest eligible delivery instant.
	NotBefore time.Time `json:"notBefore,omitempty"`
	// Attempt counts redeliveries; 0 on first dispatch.
	Attempt int `json:"attempt"`
}

// EnqueueOptions carries per-enqueue options.
type EnqueueOptions struct {
	// Delay defers eligibility for delivery by the given duration.
	Delay time.Duration
	// OrderingKey tags the message for serialized dispatch.
	OrderingKey string
}

// Handler consumes one message. Returning nil acknowledges it; returning
// an error schedules a redelivery.
type Handler func(ctx context.Context, msg *Message) error

// Queue is the message queue contract. Fan-out across listeners delivers
// each message to exactly one of them.
type Queue interface {
	// Enqueue adds one message.
	Enqueue(ctx context.Context, body []byte, opts *EnqueueOptions) error
	// EnqueueMany adds a batch of messages sharing the same options.
	EnqueueMany(ctx context.Context, bodies [][]byte, opts *EnqueueOptions) error
	// Listen pulls messages and invokes handler until ctx is cancelled.
	// It returns after in-flight handlers settle. Attaching multiple
	// listeners (possibly in other processes for shared backends) is how
	// concurrency is scaled.
	Listen(ctx context.Context, handler Handler) error
}

// redeliveryDelay is the queue-level pause before a failed message
// becomes eligible again. Pipeline-level retry backoff is applied by the
// handlers themselves via delayed re-enqueue.
const redeliveryDelay = time.Second

func delayOf(opts *EnqueueOptions) time.Duration {
	if opts == nil {
		return 0
	}
	return opts.Delay
}

func orderingKeyOf(opts *EnqueueOptions) string {
	if opts == nil {
		return ""
	}
	return opts.OrderingKey
}

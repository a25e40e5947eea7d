package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/sync/errgroup"

	"github.com/fedbox/fedbox/internal/mq"
)

const (
	taskInbound  = "inbound"
	taskOutbound = "outbound"
)

// OutboundTask is one queued delivery: a rendered activity bound for a
// single inbox.
type OutboundTask struct {
	Sender      string   `json:"sender"`
	Activity    []byte   `json:"activity"`
	ActivityID  string   `json:"activityId"`
	Inbox       string   `json:"inbox"`
	ActorIDs    []string `json:"actorIds"`
	SharedInbox bool     `json:"sharedInbox,omitempty"`
}

// InboundTask is one queued inbound activity awaiting listener dispatch.
type InboundTask struct {
	// Recipient is the local identifier whose inbox received the
	// activity; empty for the shared inbox.
	Recipient string `json:"recipient,omitempty"`
	Activity  []byte `json:"activity"`
	// SigningKeyID records which remote key authenticated the request.
	SigningKeyID string `json:"signingKeyId,omitempty"`
	Shared       bool   `json:"shared,omitempty"`
}

// taskEnvelope is the wire format of queue messages. Attempt counts
// pipeline-level failures; queue-level redelivery does not bump it.
type taskEnvelope struct {
	Kind         string            `json:"kind"`
	Attempt      int               `json:"attempt,omitempty"`
	TraceContext map[string]string `json:"traceContext,omitempty"`
	Outbound     *OutboundTask     `json:"outbound,omitempty"`
	Inbound      *InboundTask      `json:"inbound,omitempty"`
}

// enqueueTask serializes an envelope, injecting the current trace context
// so queue workers continue the span.
func (f *Federation) enqueueTask(ctx context.Context, env *taskEnvelope, opts *mq.EnqueueOptions) error {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) > 0 {
		env.TraceContext = carrier
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if opts == nil {
		opts = &mq.EnqueueOptions{}
	}
	if err := f.queue.Enqueue(ctx, body, opts); err != nil {
		return fmt.Errorf("enqueue %s task: %w", env.Kind, err)
	}
	return nil
}

// StartQueue runs `workers` queue listeners until ctx is cancelled. data
// becomes the Data field of the contexts handed to listeners and error
// handlers.
func (f *Federation) StartQueue(ctx context.Context, data interface{}, workers int) error {
	if workers < 1 {
		workers = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			err := f.queue.Listen(ctx, func(ctx context.Context, msg *mq.Message) error {
				return f.ProcessQueuedTask(ctx, data, msg.Body)
			})
			if err != nil && ctx.Err() == nil {
				return fmt.Errorf("queue listener: %w", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// ProcessQueuedTask handles one raw queue message. Exposed so hosts
// running workers in a separate process can feed messages in themselves.
func (f *Federation) ProcessQueuedTask(ctx context.Context, data interface{}, body []byte) error {
	var env taskEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		// A malformed message will never parse; surfacing an error would
		// redeliver it forever.
		slog.Error("dropping malformed queue message", "error", err)
		return nil
	}
	if len(env.TraceContext) > 0 {
		ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(env.TraceContext))
	}

	switch env.Kind {
	case taskOutbound:
		if env.Outbound == nil {
			slog.Error("outbound task missing payload")
			return nil
		}
		return f.processOutbound(ctx, data, env.Outbound, env.Attempt)
	case taskInbound:
		if env.Inbound == nil {
			slog.Error("inbound task missing payload")
			return nil
		}
		return f.processInbound(ctx, data, env.Inbound, env.Attempt)
	default:
		slog.Error("dropping queue message of unknown kind", "kind", env.Kind)
		return nil
	}
}

package federation

import (
	"context"
	"log/slog"

	"github.com/fedbox/fedbox/internal/vocab"
)

// Observer is notified of activities flowing through the engine.
// Inbound observers fire once per accepted activity, on its first
// successful dispatch; retried attempts do not re-notify. Outbound
// observers fire once at enqueue time, before delivery fan-out.
// A panicking observer is recovered and logged; it never disturbs the
// pipelines.
type Observer interface {
	ActivityReceived(ctx context.Context, activity *vocab.Activity)
	ActivitySent(ctx context.Context, activity *vocab.Activity)
}

// AddObserver registers an observer. Not safe to call once traffic flows.
func (f *Federation) AddObserver(o Observer) { f.observers = append(f.observers, o) }

func (f *Federation) notifyInbound(ctx context.Context, activity *vocab.Activity) {
	for _, o := range f.observers {
		safeNotify(func() { o.ActivityReceived(ctx, activity) })
	}
}

func (f *Federation) notifyOutbound(ctx context.Context, activity *vocab.Activity) {
	for _, o := range f.observers {
		safeNotify(func() { o.ActivitySent(ctx, activity) })
	}
}

func safeNotify(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("observer panicked", "panic", r)
		}
	}()
	fn()
}

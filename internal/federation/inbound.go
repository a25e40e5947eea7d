package federation

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/fedbox/fedbox/internal/httpsig"
	"github.com/fedbox/fedbox/internal/kv"
	"github.com/fedbox/fedbox/internal/mq"
	"github.com/fedbox/fedbox/internal/vocab"
)

// Inbound requests larger than this are rejected outright.
const maxInboxBodySize = 1 << 20

// dedupTTL bounds how long an activity id blocks redelivery. Long enough
// that ordinary retry storms collapse, short enough that the store does
// not grow without bound.
const dedupTTL = 30 * 24 * time.Hour

// receiveInbox handles POST to a personal or shared inbox: authenticate,
// deduplicate, enqueue, 202.
func (f *Federation) receiveInbox(w http.ResponseWriter, r *http.Request, data interface{}, recipient string, shared bool) {
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxInboxBodySize+1))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if len(body) > maxInboxBodySize {
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	activity, err := vocab.ParseActivity(body)
	if err != nil {
		http.Error(w, "malformed activity", http.StatusBadRequest)
		return
	}
	if activity.Actor == "" {
		http.Error(w, "activity has no actor", http.StatusBadRequest)
		return
	}

	signingKeyID := ""
	if !f.skipVerification {
		keyID, err := f.authenticate(ctx, r, activity)
		if err != nil {
			slog.Info("rejected inbound activity",
				"id", activity.ID, "actor", activity.Actor, "error", err)
			http.Error(w, "signature verification failed", http.StatusUnauthorized)
			return
		}
		signingKeyID = keyID
	}

	// Idempotence: the first CAS for an activity id wins; replays are
	// acknowledged without re-enqueueing.
	scope := recipient
	if shared {
		scope = "~shared"
	}
	dedupKey := kv.Key{"activity-idempotence", scope, activity.ID}
	fresh, err := f.store.CAS(ctx, dedupKey, nil, []byte("1"), &kv.SetOptions{TTL: dedupTTL})
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !fresh {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	task := &InboundTask{
		Recipient:    recipient,
		Activity:     body,
		SigningKeyID: signingKeyID,
		Shared:       shared,
	}
	if err := f.enqueueTask(ctx, &taskEnvelope{Kind: taskInbound, Inbound: task}, nil); err != nil {
		slog.Error("failed to enqueue inbound activity", "id", activity.ID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// authenticate verifies the request signature, falling back to an
// embedded integrity proof, then checks that the authenticated key is
// actually owned by the activity's actor.
func (f *Federation) authenticate(ctx context.Context, r *http.Request, activity *vocab.Activity) (string, error) {
	opts := &httpsig.VerifyOptions{
		Loader:     f.loader,
		KeyCache:   f.store,
		TimeWindow: f.timeWindow,
	}

	key, sigErr := httpsig.VerifyRequest(ctx, r, opts)
	if sigErr == nil {
		if err := httpsig.VerifyKeyOwnership(ctx, f.loader, activity.Actor, key); err != nil {
			return "", err
		}
		return key.KeyID, nil
	}

	// A document-level integrity proof authenticates the activity even
	// when the transport signature is absent or broken (relayed
	// deliveries).
	proof := httpsig.ExtractProof(activity.Raw)
	if proof == nil {
		return "", sigErr
	}
	proofKey, err := httpsig.VerifyProof(ctx, opts, activity.Raw)
	if err != nil {
		return "", fmt.Errorf("signature failed (%v) and proof failed: %w", sigErr, err)
	}
	if err := httpsig.VerifyKeyOwnership(ctx, f.loader, activity.Actor, proofKey); err != nil {
		return "", err
	}
	return proofKey.KeyID, nil
}

// processInbound dispatches one queued inbound activity to its listener.
func (f *Federation) processInbound(ctx context.Context, data interface{}, task *InboundTask, attempt int) error {
	activity, err := vocab.ParseActivity(task.Activity)
	if err != nil {
		slog.Error("dropping unparseable queued activity", "error", err)
		return nil
	}

	ctx, span := f.tracer.Start(ctx, "activitypub.dispatch_inbox")
	defer span.End()
	span.SetAttributes(
		attribute.String("activitypub.activity.id", activity.ID),
		attribute.String("activitypub.activity.type", activity.Type),
		attribute.Int("activitypub.attempt", attempt),
	)

	listener, ok := f.listenerFor(activity.Type)
	if !ok {
		slog.Debug("no listener for activity type", "type", activity.Type, "id", activity.ID)
		return nil
	}

	c := &Context{Context: ctx, fed: f, Data: data, rawActivity: task.Activity}
	if err := listener(c, activity); err != nil {
		return f.retryInbound(ctx, c, task, activity, attempt, err)
	}

	// Delivery succeeds at most once per activity, so this fires exactly
	// once however many attempts it took.
	f.notifyInbound(ctx, activity)
	return nil
}

func (f *Federation) retryInbound(ctx context.Context, c *Context, task *InboundTask, activity *vocab.Activity, attempt int, cause error) error {
	failures := attempt + 1
	if f.inboxRetry.Exhausted(failures) {
		slog.Error("inbound dispatch failed permanently",
			"id", activity.ID, "type", activity.Type, "attempts", failures, "error", cause)
		if f.inboxErrorHandler != nil {
			f.inboxErrorHandler(c, activity, cause)
		}
		return nil
	}
	delay := f.inboxRetry.Delay(failures)
	slog.Warn("inbound dispatch failed, retrying",
		"id", activity.ID, "type", activity.Type, "attempt", failures, "delay", delay, "error", cause)
	env := &taskEnvelope{Kind: taskInbound, Attempt: failures, Inbound: task}
	return f.enqueueTask(ctx, env, &mq.EnqueueOptions{Delay: delay})
}

// SignActivity attaches an eddsa-jcs-2022 integrity proof to an outgoing
// document using the sender's Ed25519 key, when one exists.
func (c *Context) SignActivity(sender string, doc map[string]interface{}) (map[string]interface{}, error) {
	keys, err := c.KeyPairs(sender)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		if k.Profile() == httpsig.ProfileRFC9421 {
			return httpsig.SignDocument(doc, k, time.Now().UTC().Format(time.RFC3339))
		}
	}
	return doc, nil
}

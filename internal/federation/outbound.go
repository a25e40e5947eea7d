package federation

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fedbox/fedbox/internal/httpsig"
	"github.com/fedbox/fedbox/internal/kv"
	"github.com/fedbox/fedbox/internal/mq"
	"github.com/fedbox/fedbox/internal/vocab"
)

// Recipient is one target of SendActivity: either a pre-resolved actor,
// or a URL that will be dereferenced (an actor or a collection, expanded
// one level).
type Recipient struct {
	Actor *vocab.Actor
	URL   string
}

// SendOptions configures one outbound send.
type SendOptions struct {
	// PreferSharedInbox coalesces recipients sharing an origin onto that
	// origin's shared inbox. Zero value inherits the facade's default.
	PreferSharedInbox *bool
	// ExcludeBaseURIs drops inboxes whose origin matches any of these
	// base URIs; used to avoid echoing an activity back to its source.
	ExcludeBaseURIs []string
	// Ordered serializes deliveries to the same inbox for the same
	// signing key through the queue's ordering-key mechanism.
	Ordered bool
}

// InboxTarget describes one delivery destination computed by
// ExtractInboxes.
type InboxTarget struct {
	// ActorIDs are the recipients reached through this inbox.
	ActorIDs []string
	// SharedInbox is true when the inbox is a per-origin shared inbox.
	SharedInbox bool
}

// ExtractOptions configures ExtractInboxes.
type ExtractOptions struct {
	PreferSharedInbox bool
	ExcludeBaseURIs   []string
}

// ExtractInboxes computes the inbox set for a list of resolved actors.
// The result maps inbox URL to the recipients it covers. Coalescing onto
// shared inboxes happens per origin; actors without a shared inbox
// always use their personal inbox even when coalescing is enabled. The
// mapping is invariant under recipient-order permutation.
func ExtractInboxes(actors []*vocab.Actor, opts ExtractOptions) map[string]*InboxTarget {
	excluded := func(inbox string) bool {
		for _, base := range opts.ExcludeBaseURIs {
			if originOf(inbox) == originOf(base) {
				return true
			}
		}
		return false
	}

	targets := make(map[string]*InboxTarget)
	for _, actor := range actors {
		if actor == nil || actor.ID == "" {
			continue
		}
		inbox := actor.Inbox
		shared := false
		if opts.PreferSharedInbox {
			if si := actor.SharedInboxURL(); si != "" {
				inbox = si
				shared = true
			}
		}
		if inbox == "" || excluded(inbox) {
			continue
		}
		t, ok := targets[inbox]
		if !ok {
			t = &InboxTarget{SharedInbox: shared}
			targets[inbox] = t
		}
		if !containsString(t.ActorIDs, actor.ID) {
			t.ActorIDs = append(t.ActorIDs, actor.ID)
		}
	}
	// Sort actor ids so the mapping is stable regardless of input order.
	for _, t := range targets {
		sort.Strings(t.ActorIDs)
	}
	return targets
}

// SendActivity renders, fans out and enqueues an activity on behalf of
// the local identifier `sender`. Recipients that are URLs are
// dereferenced; collections are expanded one level.
func (c *Context) SendActivity(sender string, recipients []Recipient, activity map[string]interface{}, opts *SendOptions) error {
	if opts == nil {
		opts = &SendOptions{}
	}
	f := c.fed

	ctx, span := f.tracer.Start(c.Context, "activitypub.send_activity")
	defer span.End()

	keys, err := c.KeyPairs(sender)
	if err != nil {
		return fmt.Errorf("resolve keys for %s: %w", sender, err)
	}
	if len(keys) == 0 {
		return fmt.Errorf("no signing keys registered for %s", sender)
	}

	doc := prepareOutgoing(activity, c.ActorURI(sender), keys[0].KeyID)
	parsed := vocab.ActivityFromMap(doc)
	span.SetAttributes(
		attribute.String("activitypub.activity.id", parsed.ID),
		attribute.String("activitypub.activity.type", parsed.Type),
	)
	if canonical, err := httpsig.Canonicalize(parsed.WireDocument()); err == nil {
		span.AddEvent("activitypub.activity", trace.WithAttributes(
			attribute.String("activitypub.activity.json", string(canonical))))
	}

	actors, err := c.resolveRecipients(ctx, recipients)
	if err != nil {
		return err
	}

	prefer := f.preferSharedInbox
	if opts.PreferSharedInbox != nil {
		prefer = *opts.PreferSharedInbox
	}
	targets := ExtractInboxes(actors, ExtractOptions{
		PreferSharedInbox: prefer,
		ExcludeBaseURIs:   opts.ExcludeBaseURIs,
	})
	if len(targets) == 0 {
		slog.Debug("activity has no reachable inboxes", "id", parsed.ID)
		return nil
	}

	body, err := json.Marshal(parsed.WireDocument())
	if err != nil {
		return fmt.Errorf("marshal activity: %w", err)
	}

	for inbox, target := range targets {
		task := &OutboundTask{
			Sender:      sender,
			Activity:    body,
			ActivityID:  parsed.ID,
			Inbox:       inbox,
			ActorIDs:    target.ActorIDs,
			SharedInbox: target.SharedInbox,
		}
		var enqOpts mq.EnqueueOptions
		if opts.Ordered {
			enqOpts.OrderingKey = deliveryOrderingKey(keys[0].KeyID, inbox)
		}
		if err := f.enqueueTask(ctx, &taskEnvelope{Kind: taskOutbound, Outbound: task}, &enqOpts); err != nil {
			return err
		}
	}

	// Observers see each outbound activity once, at enqueue time.
	f.notifyOutbound(ctx, parsed)
	return nil
}

// ForwardActivity re-delivers the raw inbound document (preserving its
// original signature material, including any integrity proof) to further
// recipients. Only available inside inbound dispatch.
func (c *Context) ForwardActivity(sender string, recipients []Recipient, opts *SendOptions) error {
	if c.rawActivity == nil {
		return fmt.Errorf("no inbound activity to forward")
	}
	if opts == nil {
		opts = &SendOptions{}
	}
	f := c.fed

	parsed, err := vocab.ParseActivity(c.rawActivity)
	if err != nil {
		return err
	}
	actors, err := c.resolveRecipients(c.Context, recipients)
	if err != nil {
		return err
	}
	prefer := f.preferSharedInbox
	if opts.PreferSharedInbox != nil {
		prefer = *opts.PreferSharedInbox
	}
	targets := ExtractInboxes(actors, ExtractOptions{
		PreferSharedInbox: prefer,
		ExcludeBaseURIs:   opts.ExcludeBaseURIs,
	})
	for inbox, target := range targets {
		task := &OutboundTask{
			Sender:      sender,
			Activity:    c.rawActivity,
			ActivityID:  parsed.ID,
			Inbox:       inbox,
			ActorIDs:    target.ActorIDs,
			SharedInbox: target.SharedInbox,
		}
		if err := f.enqueueTask(c.Context, &taskEnvelope{Kind: taskOutbound, Outbound: task}, nil); err != nil {
			return err
		}
	}
	return nil
}

// resolveRecipients turns Recipient values into actors. URLs pointing at
// collections are expanded one level; nested collections are not
// followed.
func (c *Context) resolveRecipients(ctx context.Context, recipients []Recipient) ([]*vocab.Actor, error) {
	var actors []*vocab.Actor
	for _, r := range recipients {
		if r.Actor != nil {
			actors = append(actors, r.Actor)
			continue
		}
		if r.URL == "" || r.URL == vocab.PublicURI {
			continue
		}
		doc, err := c.fed.loader.Fetch(ctx, r.URL)
		if err != nil {
			slog.Debug("failed to resolve recipient", "url", r.URL, "error", err)
			continue
		}
		docType, _ := doc["type"].(string)
		if vocab.IsActorType(docType) {
			actors = append(actors, vocab.ActorFromMap(doc))
			continue
		}
		// One level of collection expansion.
		for _, itemID := range collectionItems(doc) {
			itemDoc, err := c.fed.loader.Fetch(ctx, itemID)
			if err != nil {
				slog.Debug("failed to resolve collection item", "url", itemID, "error", err)
				continue
			}
			if t, _ := itemDoc["type"].(string); vocab.IsActorType(t) {
				actors = append(actors, vocab.ActorFromMap(itemDoc))
			}
		}
	}
	return actors, nil
}

// collectionItems extracts item ids from a (possibly ordered) collection
// document, first page only.
func collectionItems(doc map[string]interface{}) []string {
	for _, field := range []string{"orderedItems", "items"} {
		if items, ok := doc[field].([]interface{}); ok {
			var out []string
			for _, item := range items {
				switch t := item.(type) {
				case string:
					out = append(out, t)
				case map[string]interface{}:
					if id, _ := t["id"].(string); id != "" {
						out = append(out, id)
					}
				}
			}
			return out
		}
	}
	return nil
}

// prepareOutgoing fills in the fields every outgoing activity must have:
// actor, a stable id and the default @context.
func prepareOutgoing(activity map[string]interface{}, actorURI, keyID string) map[string]interface{} {
	doc := make(map[string]interface{}, len(activity)+2)
	for k, v := range activity {
		doc[k] = v
	}
	if _, ok := doc["actor"]; !ok {
		doc["actor"] = actorURI
	}
	if _, ok := doc["id"]; !ok {
		doc["id"] = actorURI + "#activity/" + hashFragment(doc, keyID)
	}
	if _, ok := doc["@context"]; !ok {
		doc["@context"] = vocab.DefaultContext
	}
	return doc
}

// hashFragment derives a deterministic fragment for activities the host
// did not assign an id to.
func hashFragment(doc map[string]interface{}, salt string) string {
	raw, _ := json.Marshal(doc)
	sum := sha256.Sum256(append(raw, salt...))
	return hex.EncodeToString(sum[:8])
}

// deliveryOrderingKey serializes deliveries per (signing key, inbox).
func deliveryOrderingKey(keyID, inbox string) string {
	sum := sha256.Sum256([]byte(keyID + "\x00" + inbox))
	return hex.EncodeToString(sum[:16])
}

// deliveryRecord is the persisted state of one outbound delivery.
type deliveryRecord struct {
	Attempts  int       `json:"attempts"`
	NextRetry time.Time `json:"nextRetry,omitempty"`
	Status    string    `json:"status"` // "pending", "retrying"
}

func deliveryKey(keyID, activityID, inbox string) kv.Key {
	return kv.Key{"delivery", keyID, activityID, inbox}
}

// serverAlgoKey remembers which signature profile an origin accepted.
func serverAlgoKey(origin string) kv.Key { return kv.Key{"server-algo", origin} }

// processOutbound performs one delivery attempt for a queued task.
func (f *Federation) processOutbound(ctx context.Context, data interface{}, task *OutboundTask, attempt int) error {
	c := f.CreateContext(ctx, data)
	keys, err := c.KeyPairs(task.Sender)
	if err != nil || len(keys) == 0 {
		return fmt.Errorf("resolve keys for %s: %w", task.Sender, err)
	}
	key := f.selectKey(ctx, keys, task.Inbox)

	ctx, span := f.tracer.Start(ctx, "activitypub.deliver_activity")
	defer span.End()
	span.SetAttributes(
		attribute.String("activitypub.activity.id", task.ActivityID),
		attribute.String("activitypub.inbox", task.Inbox),
		attribute.Bool("activitypub.shared_inbox", task.SharedInbox),
	)

	recKey := deliveryKey(key.KeyID, task.ActivityID, task.Inbox)
	f.storeDeliveryRecord(ctx, recKey, attempt, time.Time{}, "pending")

	status, body, err := f.postActivity(ctx, task, key)
	if err == nil && status >= 200 && status < 300 {
		f.rememberAlgo(ctx, task.Inbox, key.Profile())
		if derr := f.store.Delete(ctx, recKey); derr != nil {
			slog.Warn("failed to delete delivery record", "key", recKey, "error", derr)
		}
		slog.Debug("delivered activity", "inbox", task.Inbox, "status", status, "attempt", attempt)
		return nil
	}

	failures := attempt + 1
	if f.outboxRetry.Exhausted(failures) {
		slog.Error("outbound delivery failed permanently",
			"id", task.ActivityID, "inbox", task.Inbox, "attempts", failures, "status", status)
		if derr := f.store.Delete(ctx, recKey); derr != nil {
			slog.Warn("failed to delete delivery record", "key", recKey, "error", derr)
		}
		if f.outboxErrorHandler != nil {
			f.outboxErrorHandler(c, task, status, body)
		}
		return nil
	}

	delay := f.outboxRetry.Delay(failures)
	f.storeDeliveryRecord(ctx, recKey, failures, time.Now().Add(delay), "retrying")
	slog.Warn("outbound delivery failed, retrying",
		"id", task.ActivityID, "inbox", task.Inbox, "attempt", failures, "delay", delay,
		"status", status, "error", err)
	env := &taskEnvelope{Kind: taskOutbound, Attempt: failures, Outbound: task}
	return f.enqueueTask(ctx, env, &mq.EnqueueOptions{
		Delay:       delay,
		OrderingKey: deliveryOrderingKey(key.KeyID, task.Inbox),
	})
}

// selectKey picks the signing key for a destination: the first key whose
// profile the origin accepted before, else the first declared key.
func (f *Federation) selectKey(ctx context.Context, keys []*httpsig.KeyPair, inbox string) *httpsig.KeyPair {
	raw, err := f.store.Get(ctx, serverAlgoKey(originOf(inbox)))
	if err == nil && raw != nil {
		accepted := httpsig.Profile(raw)
		for _, k := range keys {
			if k.Profile() == accepted {
				return k
			}
		}
	}
	return keys[0]
}

func (f *Federation) rememberAlgo(ctx context.Context, inbox string, p httpsig.Profile) {
	err := f.store.Set(ctx, serverAlgoKey(originOf(inbox)), []byte(p), nil)
	if err != nil {
		slog.Warn("failed to record accepted algorithm", "inbox", inbox, "error", err)
	}
}

func (f *Federation) storeDeliveryRecord(ctx context.Context, key kv.Key, attempts int, next time.Time, status string) {
	raw, _ := json.Marshal(deliveryRecord{Attempts: attempts, NextRetry: next, Status: status})
	if err := f.store.Set(ctx, key, raw, nil); err != nil {
		slog.Warn("failed to store delivery record", "key", key, "error", err)
	}
}

// postActivity signs and POSTs the activity to the inbox. It returns the
// HTTP status (0 on transport error) and up to 4 KiB of the response
// body.
func (f *Federation) postActivity(ctx context.Context, task *OutboundTask, key *httpsig.KeyPair) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, "POST", task.Inbox, bytes.NewReader(task.Activity))
	if err != nil {
		return 0, "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))

	if err := httpsig.SignRequest(req, task.Activity, key, nil); err != nil {
		return 0, "", fmt.Errorf("sign request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("deliver to %s: %w", task.Inbox, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, string(body), fmt.Errorf("deliver to %s: HTTP %d", task.Inbox, resp.StatusCode)
	}
	return resp.StatusCode, string(body), nil
}

func originOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" {
		return rawURL
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

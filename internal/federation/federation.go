// Package federation implements the engine facade: it owns the route
// table, the dispatcher and listener registries, the inbound and
// outbound pipelines and the queue workers, and drives the injected
// key-value store, message queue and document loader.
package federation

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/fedbox/fedbox/internal/docloader"
	"github.com/fedbox/fedbox/internal/httpsig"
	"github.com/fedbox/fedbox/internal/kv"
	"github.com/fedbox/fedbox/internal/mq"
	"github.com/fedbox/fedbox/internal/routes"
	"github.com/fedbox/fedbox/internal/vocab"
)

// Route names used by the router and the URI builders.
const (
	routeActor        = "actor"
	routeInbox        = "inbox"
	routeSharedInbox  = "sharedInbox"
	routeOutbox       = "outbox"
	routeFollowing    = "following"
	routeFollowers    = "followers"
	routeLiked        = "liked"
	routeFeatured     = "featured"
	routeFeaturedTags = "featuredTags"
	routeObject       = "object"
	routeWebFinger    = "webfinger"
	routeNodeInfo     = "nodeinfo"
	routeNodeInfoDoc  = "nodeinfoDoc"
)

// Dispatcher callbacks. Each receives the per-request context and returns
// the model object to render; returning (nil, nil) yields a 404.
type (
	// ActorDispatcher produces the actor document for an identifier. The
	// returned actor's ID must equal ctx.ActorURI(identifier); a mismatch
	// is a programmer error and renders as a 500.
	ActorDispatcher func(ctx *Context, identifier string) (*vocab.Actor, error)
	// KeyPairsDispatcher produces the signing key pairs for an
	// identifier, in declaration order.
	KeyPairsDispatcher func(ctx *Context, identifier string) ([]*httpsig.KeyPair, error)
	// ObjectDispatcher produces an arbitrary object document from the
	// route variables.
	ObjectDispatcher func(ctx *Context, values map[string]string) (map[string]interface{}, error)
	// CollectionDispatcher produces a collection page for an identifier.
	CollectionDispatcher func(ctx *Context, identifier string) (*Collection, error)
	// NodeInfoDispatcher produces the NodeInfo 2.1 document.
	NodeInfoDispatcher func(ctx *Context) (*NodeInfo, error)
	// WebFingerLinksDispatcher produces extra WebFinger links for a
	// resource; the actor self-link is added by the engine.
	WebFingerLinksDispatcher func(ctx *Context, resource string) ([]WebFingerLink, error)
	// InboxListener handles one inbound activity.
	InboxListener func(ctx *Context, activity *vocab.Activity) error
	// InboxErrorHandler is called when inbound dispatch exhausts its
	// retries.
	InboxErrorHandler func(ctx *Context, activity *vocab.Activity, err error)
	// OutboxErrorHandler is called when an outbound delivery exhausts its
	// retries. lastStatus is the final HTTP status (0 on transport error)
	// and lastBody the final response body.
	OutboxErrorHandler func(ctx *Context, task *OutboundTask, lastStatus int, lastBody string)
)

// Collection is the model for outbox/followers/following/liked/featured
// dispatchers. Items may be URLs or inlined objects.
type Collection struct {
	Type       string        // "OrderedCollection" by default
	TotalItems int
	Items      []interface{}
	Next       string // URL of the next page, if paged
}

// NodeInfo is the subset of the NodeInfo 2.1 schema the engine renders.
type NodeInfo struct {
	SoftwareName     string
	SoftwareVersion  string
	TotalUsers       int
	LocalPosts       int
	OpenRegistration bool
}

// WebFingerLink is one entry of a WebFinger JRD response.
type WebFingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type,omitempty"`
	Href string `json:"href,omitempty"`
}

// Options configures a Federation. Store, Queue and Loader are injected;
// the facade guarantees shutdown ordering (workers before queue before
// store) but does not own their resources.
type Options struct {
	// Origin is the canonical base URL of this server, e.g.
	// "https://example.com".
	Origin string
	Store  kv.Store
	Queue  mq.Queue
	Loader *docloader.Loader

	// HTTPClient is used for outbound deliveries; nil means a default
	// client with a 30 second timeout.
	HTTPClient *http.Client

	// PreferSharedInbox coalesces deliveries onto per-origin shared
	// inboxes by default.
	PreferSharedInbox bool
	// SkipSignatureVerification accepts unsigned inbound activities.
	// Test use only.
	SkipSignatureVerification bool
	// SignatureTimeWindow is the allowed skew around a signature's
	// creation instant; zero means one hour.
	SignatureTimeWindow time.Duration
	// TrailingSlashInsensitive makes route matching ignore trailing
	// slashes.
	TrailingSlashInsensitive bool

	InboxRetryPolicy  *RetryPolicy
	OutboxRetryPolicy *RetryPolicy
}

// Federation is the engine facade. Configure it fully before serving;
// the registries are read-only once traffic flows.
type Federation struct {
	origin string
	router *routes.Router
	store  kv.Store
	queue  mq.Queue
	loader *docloader.Loader
	client *http.Client
	tracer trace.Tracer

	preferSharedInbox bool
	skipVerification  bool
	timeWindow        time.Duration
	inboxRetry        *RetryPolicy
	outboxRetry       *RetryPolicy

	actorDispatcher    ActorDispatcher
	keyPairsDispatcher KeyPairsDispatcher
	objectDispatcher   ObjectDispatcher
	collections        map[string]collectionEntry // route name → dispatcher
	nodeInfoDispatcher NodeInfoDispatcher
	webFingerLinks     WebFingerLinksDispatcher

	inboxListeners     map[string]InboxListener // activity type → listener
	inboxErrorHandler  InboxErrorHandler
	outboxErrorHandler OutboxErrorHandler

	observers []Observer
}

// New creates a Federation.
func New(opts Options) (*Federation, error) {
	if opts.Origin == "" {
		return nil, fmt.Errorf("federation: Origin is required")
	}
	if opts.Store == nil || opts.Queue == nil || opts.Loader == nil {
		return nil, fmt.Errorf("federation: Store, Queue and Loader are required")
	}
	f := &Federation{
		origin:            trimRightSlash(opts.Origin),
		store:             opts.Store,
		queue:             opts.Queue,
		loader:            opts.Loader,
		client:            opts.HTTPClient,
		tracer:            otel.Tracer("fedbox"),
		preferSharedInbox: opts.PreferSharedInbox,
		skipVerification:  opts.SkipSignatureVerification,
		timeWindow:        opts.SignatureTimeWindow,
		inboxRetry:        opts.InboxRetryPolicy,
		outboxRetry:       opts.OutboxRetryPolicy,
		collections:       map[string]collectionEntry{},
		inboxListeners:    map[string]InboxListener{},
	}
	if f.inboxRetry == nil {
		f.inboxRetry = DefaultRetryPolicy()
	}
	if f.outboxRetry == nil {
		f.outboxRetry = DefaultRetryPolicy()
	}
	if f.client == nil {
		f.client = &http.Client{Timeout: 30 * time.Second}
	}
	f.router = routes.NewRouter()
	f.router.TrailingSlashInsensitive = opts.TrailingSlashInsensitive

	// Discovery routes are fixed; everything else is registered with its
	// dispatcher.
	f.mustAdd("/.well-known/webfinger", routeWebFinger)
	f.mustAdd("/.well-known/nodeinfo", routeNodeInfo)
	f.mustAdd("/nodeinfo/2.1", routeNodeInfoDoc)
	return f, nil
}

func (f *Federation) mustAdd(template, name string) {
	if _, err := f.router.Add(template, name); err != nil {
		panic(err) // fixed templates are compile-time constants
	}
}

// Router exposes a clone of the route table for diagnostics.
func (f *Federation) Router() *routes.Router { return f.router.Clone() }

// SetActorDispatcher registers the actor route, e.g.
// "/users/{identifier}", and its dispatcher.
func (f *Federation) SetActorDispatcher(template string, d ActorDispatcher) error {
	if _, err := f.router.Add(template, routeActor); err != nil {
		return err
	}
	f.actorDispatcher = d
	return nil
}

// SetKeyPairsDispatcher registers the signing keys source for local
// actors.
func (f *Federation) SetKeyPairsDispatcher(d KeyPairsDispatcher) {
	f.keyPairsDispatcher = d
}

// SetObjectDispatcher registers the object route, e.g.
// "/users/{identifier}/{type}/{id}", and its dispatcher.
func (f *Federation) SetObjectDispatcher(template string, d ObjectDispatcher) error {
	if _, err := f.router.Add(template, routeObject); err != nil {
		return err
	}
	f.objectDispatcher = d
	return nil
}

// SetOutboxDispatcher registers the outbox collection route.
func (f *Federation) SetOutboxDispatcher(template string, d CollectionDispatcher) error {
	return f.setCollection(routeOutbox, template, d, "OrderedCollection")
}

// SetFollowersDispatcher registers the followers collection route.
func (f *Federation) SetFollowersDispatcher(template string, d CollectionDispatcher) error {
	return f.setCollection(routeFollowers, template, d, "OrderedCollection")
}

// SetFollowingDispatcher registers the following collection route.
func (f *Federation) SetFollowingDispatcher(template string, d CollectionDispatcher) error {
	return f.setCollection(routeFollowing, template, d, "OrderedCollection")
}

// SetLikedDispatcher registers the liked collection route.
func (f *Federation) SetLikedDispatcher(template string, d CollectionDispatcher) error {
	return f.setCollection(routeLiked, template, d, "OrderedCollection")
}

// SetFeaturedDispatcher registers the featured collection route.
func (f *Federation) SetFeaturedDispatcher(template string, d CollectionDispatcher) error {
	return f.setCollection(routeFeatured, template, d, "OrderedCollection")
}

// SetFeaturedTagsDispatcher registers the featured tags collection route.
func (f *Federation) SetFeaturedTagsDispatcher(template string, d CollectionDispatcher) error {
	return f.setCollection(routeFeaturedTags, template, d, "OrderedCollection")
}

// SetInboxDispatcher makes GET on the personal inbox route render the
// inbox as an OrderedCollection. template must be the same one given to
// SetInboxListeners when both are used; POST delivery is unaffected.
func (f *Federation) SetInboxDispatcher(template string, d CollectionDispatcher) error {
	return f.setCollection(routeInbox, template, d, "OrderedCollection")
}

// SetCollectionDispatcher registers a custom collection route, rendered
// as a plain Collection unless the dispatcher sets a type. name
// identifies the route for replacement and must not collide with an
// engine-owned route.
func (f *Federation) SetCollectionDispatcher(name, template string, d CollectionDispatcher) error {
	if reservedRouteName(name) {
		return fmt.Errorf("federation: route name %q is reserved", name)
	}
	return f.setCollection(name, template, d, "Collection")
}

// SetOrderedCollectionDispatcher is SetCollectionDispatcher rendering an
// OrderedCollection by default.
func (f *Federation) SetOrderedCollectionDispatcher(name, template string, d CollectionDispatcher) error {
	if reservedRouteName(name) {
		return fmt.Errorf("federation: route name %q is reserved", name)
	}
	return f.setCollection(name, template, d, "OrderedCollection")
}

// collectionEntry pairs a collection dispatcher with the type rendered
// when the dispatcher leaves Collection.Type empty.
type collectionEntry struct {
	dispatch    CollectionDispatcher
	defaultType string
}

func (f *Federation) setCollection(name, template string, d CollectionDispatcher, defaultType string) error {
	if _, err := f.router.Add(template, name); err != nil {
		return err
	}
	f.collections[name] = collectionEntry{dispatch: d, defaultType: defaultType}
	return nil
}

func reservedRouteName(name string) bool {
	switch name {
	case routeActor, routeInbox, routeSharedInbox, routeOutbox, routeFollowing,
		routeFollowers, routeLiked, routeFeatured, routeFeaturedTags,
		routeObject, routeWebFinger, routeNodeInfo, routeNodeInfoDoc:
		return true
	}
	return false
}

// SetNodeInfoDispatcher registers the NodeInfo source.
func (f *Federation) SetNodeInfoDispatcher(d NodeInfoDispatcher) { f.nodeInfoDispatcher = d }

// SetWebFingerLinksDispatcher registers extra WebFinger links.
func (f *Federation) SetWebFingerLinksDispatcher(d WebFingerLinksDispatcher) { f.webFingerLinks = d }

// SetInboxErrorHandler registers the permanent-failure handler for
// inbound dispatch.
func (f *Federation) SetInboxErrorHandler(h InboxErrorHandler) { f.inboxErrorHandler = h }

// SetOutboxPermanentFailureHandler registers the permanent-failure
// handler for outbound delivery.
func (f *Federation) SetOutboxPermanentFailureHandler(h OutboxErrorHandler) { f.outboxErrorHandler = h }

// InboxListenerSet registers per-type inbox listeners. Returned by
// SetInboxListeners so registrations chain.
type InboxListenerSet struct{ fed *Federation }

// SetInboxListeners registers the personal inbox route, e.g.
// "/users/{identifier}/inbox", and optionally the shared inbox route,
// e.g. "/inbox" (empty string disables it).
func (f *Federation) SetInboxListeners(template, sharedTemplate string) (*InboxListenerSet, error) {
	if _, err := f.router.Add(template, routeInbox); err != nil {
		return nil, err
	}
	if sharedTemplate != "" {
		if _, err := f.router.Add(sharedTemplate, routeSharedInbox); err != nil {
			return nil, err
		}
	}
	return &InboxListenerSet{fed: f}, nil
}

// On registers a listener for an activity type. Dispatch walks the
// type's ancestor chain, so a listener on "Activity" is the catch-all.
// Registering an unknown type that is also not a URI is a programmer
// error caught here.
func (s *InboxListenerSet) On(activityType string, l InboxListener) *InboxListenerSet {
	if !knownActivityType(activityType) {
		panic(fmt.Sprintf("federation: inbox listener registered for unknown type %q", activityType))
	}
	if _, dup := s.fed.inboxListeners[activityType]; dup {
		slog.Warn("inbox listener replaced", "type", activityType)
	}
	s.fed.inboxListeners[activityType] = l
	return s
}

func knownActivityType(t string) bool {
	if vocab.IsSubtype(t, "Object") {
		return true
	}
	// Extension types are addressed by full URI.
	return len(t) > 8 && (t[:8] == "https://" || t[:7] == "http://")
}

// listenerFor walks the ancestor chain until a registered listener is
// found.
func (f *Federation) listenerFor(activityType string) (InboxListener, bool) {
	for _, t := range vocab.AncestorChain(activityType) {
		if l, ok := f.inboxListeners[t]; ok {
			return l, true
		}
	}
	return nil, false
}

func trimRightSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

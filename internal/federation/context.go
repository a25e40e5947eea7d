package federation

import (
	"context"
	"net/http"

	"github.com/fedbox/fedbox/internal/httpsig"
)

// Context is the per-request context handed to dispatchers and
// listeners. It carries the host application's context data, builds the
// canonical URIs for this server, and exposes the outbound entry point.
type Context struct {
	context.Context

	fed *Federation
	// Data is the host application's context data, opaque to the engine.
	Data interface{}

	// request is set for contexts created inside fetch; nil for contexts
	// created by CreateContext or the queue workers.
	request *http.Request
	// rawActivity is set during inbound dispatch; it is the exact wire
	// document, used by ForwardActivity.
	rawActivity []byte
}

// CreateContext returns a context outside any HTTP request, e.g. for
// sending activities from a background job.
func (f *Federation) CreateContext(ctx context.Context, data interface{}) *Context {
	return &Context{Context: ctx, fed: f, Data: data}
}

// Origin returns the canonical base URL of this server.
func (c *Context) Origin() string { return c.fed.origin }

// build renders a named route into an absolute URL.
func (c *Context) build(name string, values map[string]string) (string, error) {
	path, err := c.fed.router.Build(name, values)
	if err != nil {
		return "", err
	}
	return c.fed.origin + path, nil
}

func (c *Context) identifierURI(name, identifier string) string {
	uri, err := c.build(name, map[string]string{"identifier": identifier})
	if err != nil {
		return ""
	}
	return uri
}

// ActorURI returns the canonical actor URL for an identifier. An actor
// dispatcher must use exactly this value as the actor's id.
func (c *Context) ActorURI(identifier string) string {
	return c.identifierURI(routeActor, identifier)
}

// InboxURI returns the personal inbox URL for an identifier.
func (c *Context) InboxURI(identifier string) string {
	return c.identifierURI(routeInbox, identifier)
}

// SharedInboxURI returns the shared inbox URL, or "" when none is
// registered.
func (c *Context) SharedInboxURI() string {
	if !c.fed.router.Has(routeSharedInbox) {
		return ""
	}
	uri, err := c.build(routeSharedInbox, nil)
	if err != nil {
		return ""
	}
	return uri
}

// OutboxURI returns the outbox collection URL for an identifier.
func (c *Context) OutboxURI(identifier string) string {
	return c.identifierURI(routeOutbox, identifier)
}

// FollowersURI returns the followers collection URL for an identifier.
func (c *Context) FollowersURI(identifier string) string {
	return c.identifierURI(routeFollowers, identifier)
}

// FollowingURI returns the following collection URL for an identifier.
func (c *Context) FollowingURI(identifier string) string {
	return c.identifierURI(routeFollowing, identifier)
}

// LikedURI returns the liked collection URL for an identifier.
func (c *Context) LikedURI(identifier string) string {
	return c.identifierURI(routeLiked, identifier)
}

// FeaturedURI returns the featured collection URL for an identifier.
func (c *Context) FeaturedURI(identifier string) string {
	return c.identifierURI(routeFeatured, identifier)
}

// FeaturedTagsURI returns the featured tags collection URL for an
// identifier.
func (c *Context) FeaturedTagsURI(identifier string) string {
	return c.identifierURI(routeFeaturedTags, identifier)
}

// ObjectURI returns the object URL for the given route variables.
func (c *Context) ObjectURI(values map[string]string) (string, error) {
	return c.build(routeObject, values)
}

// KeyPairs resolves the signing key pairs for a local identifier through
// the registered dispatcher.
func (c *Context) KeyPairs(identifier string) ([]*httpsig.KeyPair, error) {
	if c.fed.keyPairsDispatcher == nil {
		return nil, nil
	}
	return c.fed.keyPairsDispatcher(c, identifier)
}

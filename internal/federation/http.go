package federation

import (
	"crypto/ed25519"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/fedbox/fedbox/internal/httpsig"
	"github.com/fedbox/fedbox/internal/routes"
	"github.com/fedbox/fedbox/internal/vocab"
)

const nodeInfoRel = "http://nodeinfo.diaspora.software/ns/schema/2.1"

// Handler returns the HTTP surface of the engine. data becomes the Data
// field of every dispatcher context. Requests that match no federation
// route, and GET requests that do not accept ActivityPub media types,
// are handed to next; a nil next turns those into 404 and 406.
func (f *Federation) Handler(data interface{}, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m, ok := f.router.Route(r.URL.Path)
		if !ok {
			if next != nil {
				next.ServeHTTP(w, r)
				return
			}
			http.NotFound(w, r)
			return
		}
		f.serve(w, r, data, next, m)
	})
}

func (f *Federation) serve(w http.ResponseWriter, r *http.Request, data interface{}, next http.Handler, m routes.Match) {
	c := &Context{Context: r.Context(), fed: f, Data: data, request: r}

	switch m.Name {
	case routeInbox:
		if r.Method == http.MethodPost {
			f.receiveInbox(w, r, data, m.Variables["identifier"], false)
			return
		}
		// GET renders the inbox collection, but only when a dispatcher
		// was registered for it.
		if _, ok := f.collections[routeInbox]; !ok {
			w.Header().Set("Allow", "POST")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "POST, GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
	case routeSharedInbox:
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", "POST")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		f.receiveInbox(w, r, data, "", true)
		return
	}

	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	switch m.Name {
	case routeWebFinger:
		f.serveWebFinger(w, r, c)
		return
	case routeNodeInfo:
		writeJSON(w, "application/json", map[string]interface{}{
			"links": []map[string]string{{"rel": nodeInfoRel, "href": f.origin + "/nodeinfo/2.1"}},
		})
		return
	case routeNodeInfoDoc:
		f.serveNodeInfo(w, c)
		return
	}

	// The remaining routes serve ActivityPub documents only.
	if !acceptsActivityJSON(r) {
		if next != nil {
			next.ServeHTTP(w, r)
			return
		}
		http.Error(w, "not acceptable", http.StatusNotAcceptable)
		return
	}

	switch m.Name {
	case routeActor:
		f.serveActor(w, c, m.Variables["identifier"])
	case routeObject:
		f.serveObject(w, c, m.Variables)
	default:
		// Everything else with a registered dispatcher is a collection:
		// the engine-owned ones, the inbox on GET and custom routes.
		if _, ok := f.collections[m.Name]; ok {
			f.serveCollection(w, c, m.Name, m.Variables["identifier"])
			return
		}
		http.NotFound(w, c.request)
	}
}

func (f *Federation) serveActor(w http.ResponseWriter, c *Context, identifier string) {
	if f.actorDispatcher == nil {
		http.NotFound(w, c.request)
		return
	}
	actor, err := f.actorDispatcher(c, identifier)
	if err != nil {
		slog.Error("actor dispatcher failed", "identifier", identifier, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if actor == nil {
		http.NotFound(w, c.request)
		return
	}

	// The actor id is the canonical URL of this route; anything else
	// breaks remote key-ownership checks, so fail loudly.
	want := c.ActorURI(identifier)
	if !urlPathEqual(actor.ID, want) {
		slog.Error("actor dispatcher returned a foreign id",
			"identifier", identifier, "got", actor.ID, "want", want)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	f.completeActor(c, actor, identifier)
	writeJSON(w, "application/activity+json", actor)
}

// completeActor fills in the engine-owned parts of an actor document:
// the default context, the route-derived endpoints and the published
// keys.
func (f *Federation) completeActor(c *Context, actor *vocab.Actor, identifier string) {
	if actor.Context == nil {
		actor.Context = vocab.DefaultContext
	}
	if actor.Inbox == "" {
		actor.Inbox = c.InboxURI(identifier)
	}
	if actor.Outbox == "" && f.router.Has(routeOutbox) {
		actor.Outbox = c.OutboxURI(identifier)
	}
	if actor.Followers == "" && f.router.Has(routeFollowers) {
		actor.Followers = c.FollowersURI(identifier)
	}
	if actor.Following == "" && f.router.Has(routeFollowing) {
		actor.Following = c.FollowingURI(identifier)
	}
	if actor.Liked == "" && f.router.Has(routeLiked) {
		actor.Liked = c.LikedURI(identifier)
	}
	if actor.Featured == "" && f.router.Has(routeFeatured) {
		actor.Featured = c.FeaturedURI(identifier)
	}
	if actor.FeaturedTags == "" && f.router.Has(routeFeaturedTags) {
		actor.FeaturedTags = c.FeaturedTagsURI(identifier)
	}
	if actor.Endpoints == nil {
		if shared := c.SharedInboxURI(); shared != "" {
			actor.Endpoints = &vocab.Endpoints{SharedInbox: shared}
		}
	}

	keys, err := c.KeyPairs(identifier)
	if err != nil {
		slog.Warn("failed to resolve keys for actor document",
			"identifier", identifier, "error", err)
		return
	}
	for _, k := range keys {
		switch k.Profile() {
		case httpsig.ProfileRFC9421:
			if actorListsAssertionMethod(actor, k.KeyID) {
				continue
			}
			edPub, ok := k.Public().(ed25519.PublicKey)
			if !ok {
				slog.Warn("rfc9421 key is not ed25519", "keyId", k.KeyID)
				continue
			}
			actor.AssertionMethods = append(actor.AssertionMethods, vocab.Multikey{
				ID:                 k.KeyID,
				Type:               "Multikey",
				Controller:         actor.ID,
				PublicKeyMultibase: httpsig.ExportMultibase(edPub),
			})
		default:
			if actorListsPublicKey(actor, k.KeyID) {
				continue
			}
			pem, err := httpsig.ExportPublicPEM(k.Public())
			if err != nil {
				slog.Warn("failed to export key", "keyId", k.KeyID, "error", err)
				continue
			}
			actor.PublicKeys = append(actor.PublicKeys, vocab.PublicKey{
				ID:           k.KeyID,
				Owner:        actor.ID,
				PublicKeyPem: pem,
			})
		}
	}
}

func (f *Federation) serveObject(w http.ResponseWriter, c *Context, values map[string]string) {
	if f.objectDispatcher == nil {
		http.NotFound(w, c.request)
		return
	}
	doc, err := f.objectDispatcher(c, values)
	if err != nil {
		slog.Error("object dispatcher failed", "values", values, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if doc == nil {
		http.NotFound(w, c.request)
		return
	}
	if _, ok := doc["@context"]; !ok {
		out := make(map[string]interface{}, len(doc)+1)
		for k, v := range doc {
			out[k] = v
		}
		out["@context"] = vocab.DefaultContext
		doc = out
	}
	writeJSON(w, "application/activity+json", doc)
}

func (f *Federation) serveCollection(w http.ResponseWriter, c *Context, name, identifier string) {
	entry, ok := f.collections[name]
	if !ok {
		http.NotFound(w, c.request)
		return
	}
	col, err := entry.dispatch(c, identifier)
	if err != nil {
		slog.Error("collection dispatcher failed",
			"route", name, "identifier", identifier, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if col == nil {
		http.NotFound(w, c.request)
		return
	}
	colType := col.Type
	if colType == "" {
		colType = entry.defaultType
	}
	if colType == "" {
		colType = "OrderedCollection"
	}
	doc := map[string]interface{}{
		"@context":   vocab.DefaultContext,
		"id":         f.origin + c.request.URL.Path,
		"type":       colType,
		"totalItems": col.TotalItems,
	}
	itemsField := "orderedItems"
	if colType == "Collection" || colType == "CollectionPage" {
		itemsField = "items"
	}
	doc[itemsField] = col.Items
	if col.Next != "" {
		doc["next"] = col.Next
	}
	writeJSON(w, "application/activity+json", doc)
}

func (f *Federation) serveWebFinger(w http.ResponseWriter, r *http.Request, c *Context) {
	resource := r.URL.Query().Get("resource")
	if resource == "" {
		http.Error(w, "missing resource parameter", http.StatusBadRequest)
		return
	}
	identifier, ok := f.resolveResource(c, resource)
	if !ok {
		http.NotFound(w, r)
		return
	}
	if f.actorDispatcher == nil {
		http.NotFound(w, r)
		return
	}
	actor, err := f.actorDispatcher(c, identifier)
	if err != nil || actor == nil {
		http.NotFound(w, r)
		return
	}

	actorURI := c.ActorURI(identifier)
	links := []WebFingerLink{{
		Rel:  "self",
		Type: "application/activity+json",
		Href: actorURI,
	}}
	if f.webFingerLinks != nil {
		extra, err := f.webFingerLinks(c, resource)
		if err != nil {
			slog.Warn("webfinger links dispatcher failed", "resource", resource, "error", err)
		} else {
			links = append(links, extra...)
		}
	}
	writeJSON(w, "application/jrd+json", map[string]interface{}{
		"subject": resource,
		"aliases": []string{actorURI},
		"links":   links,
	})
}

// resolveResource maps a WebFinger resource to a local identifier.
// Supported forms: acct:user@host (host must be ours) and the actor URL
// itself.
func (f *Federation) resolveResource(c *Context, resource string) (string, bool) {
	if strings.HasPrefix(resource, "acct:") {
		rest := resource[len("acct:"):]
		at := strings.LastIndex(rest, "@")
		if at <= 0 {
			return "", false
		}
		user, host := rest[:at], rest[at+1:]
		originURL, err := url.Parse(f.origin)
		if err != nil || !strings.EqualFold(host, originURL.Host) {
			return "", false
		}
		return user, true
	}
	// An actor URL resource resolves by matching the actor route.
	u, err := url.Parse(resource)
	if err != nil || f.origin != strings.ToLower(u.Scheme)+"://"+strings.ToLower(u.Host) {
		return "", false
	}
	if m, ok := f.router.Route(u.Path); ok && m.Name == routeActor {
		return m.Variables["identifier"], true
	}
	return "", false
}

func (f *Federation) serveNodeInfo(w http.ResponseWriter, c *Context) {
	if f.nodeInfoDispatcher == nil {
		http.NotFound(w, c.request)
		return
	}
	info, err := f.nodeInfoDispatcher(c)
	if err != nil || info == nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, `application/json; profile="http://nodeinfo.diaspora.software/ns/schema/2.1#"`, map[string]interface{}{
		"version": "2.1",
		"software": map[string]interface{}{
			"name":    info.SoftwareName,
			"version": info.SoftwareVersion,
		},
		"protocols": []string{"activitypub"},
		"services":  map[string]interface{}{"inbound": []string{}, "outbound": []string{}},
		"usage": map[string]interface{}{
			"users":      map[string]interface{}{"total": info.TotalUsers},
			"localPosts": info.LocalPosts,
		},
		"openRegistrations": info.OpenRegistration,
		"metadata":          map[string]interface{}{},
	})
}

// acceptsActivityJSON implements the slice of content negotiation the
// engine needs: JSON-ish Accept values and wildcards pass, an explicit
// HTML-only Accept does not.
func acceptsActivityJSON(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	if accept == "" {
		return true
	}
	for _, part := range strings.Split(accept, ",") {
		mediaType := strings.TrimSpace(strings.SplitN(part, ";", 2)[0])
		switch mediaType {
		case "application/activity+json", "application/ld+json",
			"application/json", "*/*", "application/*":
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, contentType string, v interface{}) {
	w.Header().Set("Content-Type", contentType)
	enc := json.NewEncoder(w)
	if err := enc.Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// urlPathEqual compares two URLs treating a trailing slash difference in
// the path as equal, matching the router's optional slash insensitivity.
func urlPathEqual(a, b string) bool {
	trim := func(s string) string { return strings.TrimRight(s, "/") }
	return trim(a) == trim(b)
}

func actorListsPublicKey(actor *vocab.Actor, keyID string) bool {
	for _, k := range actor.PublicKeys {
		if k.ID == keyID {
			return true
		}
	}
	return false
}

func actorListsAssertionMethod(actor *vocab.Actor, keyID string) bool {
	for _, m := range actor.AssertionMethods {
		if m.ID == keyID {
			return true
		}
	}
	return false
}

// Package vocab models the slice of the ActivityStreams vocabulary the
// engine actually needs. Activities are kept as raw JSON-LD maps plus the
// handful of extracted fields the pipelines route on; the engine never
// interprets the rest of the document.
package vocab

import (
	"encoding/json"
	"fmt"
)

const (
	// PublicURI is the special collection meaning "everyone".
	PublicURI         = "https://www.w3.org/ns/activitystreams#Public"
	ActivityStreamsNS = "https://www.w3.org/ns/activitystreams"
	SecurityNS        = "https://w3id.org/security/v1"
	DataIntegrityNS   = "https://w3id.org/security/data-integrity/v1"
)

// DefaultContext is the standard JSON-LD @context attached to rendered
// documents.
var DefaultContext = []interface{}{
	ActivityStreamsNS,
	SecurityNS,
	DataIntegrityNS,
}

// StringOrArray deserialises a field that may be either a JSON string or
// a JSON array of strings (both are valid per the AP spec).
type StringOrArray []string

func (s *StringOrArray) UnmarshalJSON(data []byte) error {
	var arr []string
	if err := json.Unmarshal(data, &arr); err == nil {
		*s = arr
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = []string{str}
		return nil
	}
	// Arrays of objects (e.g. inlined recipients) collapse to their ids.
	var objs []map[string]interface{}
	if err := json.Unmarshal(data, &objs); err == nil {
		for _, o := range objs {
			if id := getString(o, "id"); id != "" {
				*s = append(*s, id)
			}
		}
		return nil
	}
	return fmt.Errorf("cannot unmarshal %s into string or []string", data)
}

// Activity is one incoming or outgoing activity. Raw preserves the full
// document; the named fields are what the pipelines route on. The id is
// the idempotency key for inbound dedup and outbound delivery records.
type Activity struct {
	ID       string
	Type     string
	Actor    string
	Object   json.RawMessage
	To       []string
	CC       []string
	BTo      []string
	BCC      []string
	Audience []string

	Raw map[string]interface{}
}

// ParseActivity decodes a JSON-LD document into an Activity. It fails on
// documents that are not objects or lack an id or type.
func ParseActivity(data []byte) (*Activity, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse activity: %w", err)
	}
	a := ActivityFromMap(raw)
	if a.ID == "" {
		return nil, fmt.Errorf("parse activity: missing id")
	}
	if a.Type == "" {
		return nil, fmt.Errorf("parse activity: missing type")
	}
	return a, nil
}

// ActivityFromMap extracts the routed fields from a raw JSON-LD map.
func ActivityFromMap(raw map[string]interface{}) *Activity {
	a := &Activity{
		ID:       getString(raw, "id"),
		Type:     getString(raw, "type"),
		Actor:    getActorID(raw["actor"]),
		To:       getStringList(raw, "to"),
		CC:       getStringList(raw, "cc"),
		BTo:      getStringList(raw, "bto"),
		BCC:      getStringList(raw, "bcc"),
		Audience: getStringList(raw, "audience"),
		Raw:      raw,
	}
	if obj, ok := raw["object"]; ok {
		a.Object, _ = json.Marshal(obj)
	}
	return a
}

// Recipients returns the union of to/cc/bto/bcc/audience, deduplicated,
// preserving first-seen order.
func (a *Activity) Recipients() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range [][]string{a.To, a.CC, a.BTo, a.BCC, a.Audience} {
		for _, r := range list {
			if _, dup := seen[r]; dup {
				continue
			}
			seen[r] = struct{}{}
			out = append(out, r)
		}
	}
	return out
}

// IsPublic reports whether the activity is addressed to the public
// collection.
func (a *Activity) IsPublic() bool {
	for _, r := range a.To {
		if r == PublicURI {
			return true
		}
	}
	for _, r := range a.CC {
		if r == PublicURI {
			return true
		}
	}
	return false
}

// WireDocument returns the activity document ready for delivery: the
// default @context is ensured and blind-copy fields are stripped, since
// bto/bcc must never appear on the wire.
func (a *Activity) WireDocument() map[string]interface{} {
	doc := make(map[string]interface{}, len(a.Raw)+1)
	for k, v := range a.Raw {
		if k == "bto" || k == "bcc" {
			continue
		}
		doc[k] = v
	}
	if _, ok := doc["@context"]; !ok {
		doc["@context"] = DefaultContext
	}
	return doc
}

// Actor is a federated identity document.
type Actor struct {
	Context           interface{}   `json:"@context,omitempty"`
	ID                string        `json:"id"`
	Type              string        `json:"type"`
	Name              string        `json:"name,omitempty"`
	PreferredUsername string        `json:"preferredUsername,omitempty"`
	Summary           string        `json:"summary,omitempty"`
	Inbox             string        `json:"inbox"`
	Outbox            string        `json:"outbox,omitempty"`
	Followers         string        `json:"followers,omitempty"`
	Following         string        `json:"following,omitempty"`
	Liked             string        `json:"liked,omitempty"`
	Featured          string        `json:"featured,omitempty"`
	FeaturedTags      string        `json:"featuredTags,omitempty"`
	URL               string        `json:"url,omitempty"`
	PublicKeys        []PublicKey   `json:"publicKey,omitempty"`
	AssertionMethods  []Multikey    `json:"assertionMethod,omitempty"`
	Endpoints         *Endpoints    `json:"endpoints,omitempty"`
	Extra             []interface{} `json:"-"`
}

// PublicKey is a PEM-encoded key attached to an actor, used by the
// draft-cavage signature profile.
type PublicKey struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

// Multikey is a multibase-encoded key attached to an actor, used by the
// RFC 9421 signature profile.
type Multikey struct {
	ID                 string `json:"id"`
	Type               string `json:"type"`
	Controller         string `json:"controller"`
	PublicKeyMultibase string `json:"publicKeyMultibase"`
}

// Endpoints holds the shared inbox and other per-origin endpoints.
type Endpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

// SharedInboxURL returns the actor's shared inbox, or "".
func (a *Actor) SharedInboxURL() string {
	if a.Endpoints == nil {
		return ""
	}
	return a.Endpoints.SharedInbox
}

// ActorFromMap extracts an Actor from a raw JSON-LD map. publicKey and
// assertionMethod accept both single objects and arrays.
func ActorFromMap(m map[string]interface{}) *Actor {
	if m == nil {
		return nil
	}
	actor := &Actor{
		ID:                getString(m, "id"),
		Type:              getString(m, "type"),
		Name:              getString(m, "name"),
		PreferredUsername: getString(m, "preferredUsername"),
		Summary:           getString(m, "summary"),
		Inbox:             getString(m, "inbox"),
		Outbox:            getString(m, "outbox"),
		Followers:         getString(m, "followers"),
		Following:         getString(m, "following"),
		Liked:             getString(m, "liked"),
		Featured:          getString(m, "featured"),
		FeaturedTags:      getString(m, "featuredTags"),
		URL:               getString(m, "url"),
	}

	for _, pk := range asObjectList(m["publicKey"]) {
		actor.PublicKeys = append(actor.PublicKeys, PublicKey{
			ID:           getString(pk, "id"),
			Owner:        getString(pk, "owner"),
			PublicKeyPem: getString(pk, "publicKeyPem"),
		})
	}
	for _, am := range asObjectList(m["assertionMethod"]) {
		actor.AssertionMethods = append(actor.AssertionMethods, Multikey{
			ID:                 getString(am, "id"),
			Type:               getString(am, "type"),
			Controller:         getString(am, "controller"),
			PublicKeyMultibase: getString(am, "publicKeyMultibase"),
		})
	}
	if ep, ok := m["endpoints"].(map[string]interface{}); ok {
		actor.Endpoints = &Endpoints{SharedInbox: getString(ep, "sharedInbox")}
	}
	return actor
}

// IsActorType reports whether an ActivityStreams type names an actor.
func IsActorType(t string) bool {
	switch t {
	case "Person", "Service", "Application", "Group", "Organization":
		return true
	}
	return false
}

// getActorID accepts "actor" as a string id or an inlined object.
func getActorID(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]interface{}:
		return getString(t, "id")
	}
	return ""
}

func asObjectList(v interface{}) []map[string]interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return []map[string]interface{}{t}
	case []interface{}:
		var out []map[string]interface{}
		for _, item := range t {
			if m, ok := item.(map[string]interface{}); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func getStringList(m map[string]interface{}, key string) []string {
	switch v := m[key].(type) {
	case string:
		return []string{v}
	case []interface{}:
		var out []string
		for _, item := range v {
			switch t := item.(type) {
			case string:
				out = append(out, t)
			case map[string]interface{}:
				if id := getString(t, "id"); id != "" {
					out = append(out, id)
				}
			}
		}
		return out
	}
	return nil
}

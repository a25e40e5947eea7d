package httpsig

import (
	"context"
	"crypto"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fedbox/fedbox/internal/kv"
	"github.com/fedbox/fedbox/internal/vocab"
)

// DocumentLoader fetches a remote JSON-LD document. Satisfied by
// docloader.Loader.
type DocumentLoader interface {
	Fetch(ctx context.Context, url string) (map[string]interface{}, error)
}

// DefaultTimeWindow is the tolerance applied to a signature's creation
// instant.
const DefaultTimeWindow = time.Hour

// keyCacheTTL bounds how long resolved public keys are reused before
// refetching.
const keyCacheTTL = time.Hour

// SignOptions carries optional signing parameters.
type SignOptions struct {
	// Created overrides the signature creation instant (RFC 9421 only).
	Created time.Time
}

// SignRequest signs req in place with the profile matching the key's
// algorithm: RSA keys sign draft-cavage, Ed25519 keys sign RFC 9421.
// body must be the exact request payload, or nil for bodyless requests.
func SignRequest(req *http.Request, body []byte, key *KeyPair, opts *SignOptions) error {
	switch key.Profile() {
	case ProfileRFC9421:
		created := time.Now()
		if opts != nil && !opts.Created.IsZero() {
			created = opts.Created
		}
		return signRFC9421(req, body, key, created)
	default:
		return signCavage(req, body, key)
	}
}

// VerifyOptions configures VerifyRequest.
type VerifyOptions struct {
	Loader   DocumentLoader
	KeyCache kv.Store
	// Profiles restricts which profiles are accepted; empty means both.
	Profiles []Profile
	// Now overrides the clock in tests.
	Now func() time.Time
	// TimeWindow is the allowed skew around the signature's creation
	// instant; zero means DefaultTimeWindow.
	TimeWindow time.Duration
}

// VerifiedKey is the successful result of VerifyRequest.
type VerifiedKey struct {
	KeyID   string
	Owner   string
	Public  crypto.PublicKey
	Profile Profile
}

// VerifyRequest authenticates an incoming request. When both profiles are
// present the RFC 9421 signature is preferred. On a verification failure
// the cached key is invalidated and fetched fresh once, so rotated keys
// recover without manual intervention.
func VerifyRequest(ctx context.Context, req *http.Request, opts *VerifyOptions) (*VerifiedKey, error) {
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	window := opts.TimeWindow
	if window == 0 {
		window = DefaultTimeWindow
	}

	profile := selectProfile(req, opts.Profiles)
	if profile == "" {
		return nil, fmt.Errorf("request carries no acceptable signature")
	}

	var (
		keyID   string
		created time.Time
		parsed  *rfc9421Signature
		err     error
	)
	switch profile {
	case ProfileRFC9421:
		parsed, err = parseRFC9421(req)
		if err != nil {
			return nil, err
		}
		keyID = parsed.keyID
		created = parsed.created
	default:
		keyID, err = cavageKeyID(req)
		if err != nil {
			return nil, err
		}
		created, err = cavageCreated(req)
		if err != nil {
			return nil, err
		}
	}

	if created.Before(now().Add(-window)) || created.After(now().Add(window)) {
		return nil, fmt.Errorf("signature created outside the allowed time window: %s", created)
	}

	verify := func(pub crypto.PublicKey) error {
		if profile == ProfileRFC9421 {
			return verifyRFC9421(req, parsed, pub)
		}
		return verifyCavage(req, pub)
	}

	resolved, err := resolveKey(ctx, keyID, opts, false)
	if err != nil {
		return nil, err
	}
	if verifyErr := verify(resolved.Public); verifyErr != nil {
		// The signer may have rotated keys since we cached theirs.
		fresh, refetchErr := resolveKey(ctx, keyID, opts, true)
		if refetchErr != nil {
			return nil, verifyErr
		}
		if err := verify(fresh.Public); err != nil {
			return nil, err
		}
		resolved = fresh
	}
	resolved.Profile = profile
	return resolved, nil
}

// selectProfile inspects the request headers. RFC 9421 wins when both
// are present.
func selectProfile(req *http.Request, allowed []Profile) Profile {
	has := func(p Profile) bool {
		if len(allowed) == 0 {
			return true
		}
		for _, a := range allowed {
			if a == p {
				return true
			}
		}
		return false
	}
	if req.Header.Get("Signature-Input") != "" && has(ProfileRFC9421) {
		return ProfileRFC9421
	}
	if req.Header.Get("Signature") != "" && has(ProfileDraftCavage) {
		return ProfileDraftCavage
	}
	return ""
}

// cachedKey is the KV representation of a resolved public key.
type cachedKey struct {
	Kind  string `json:"kind"` // "pem" or "multibase"
	Key   string `json:"key"`
	Owner string `json:"owner,omitempty"`
}

// resolveKey fetches the public key behind keyID, consulting the KV cache
// unless refresh is set.
func resolveKey(ctx context.Context, keyID string, opts *VerifyOptions, refresh bool) (*VerifiedKey, error) {
	cacheKey := kv.Key{"public-key", keyID}
	if !refresh && opts.KeyCache != nil {
		if raw, err := opts.KeyCache.Get(ctx, cacheKey); err == nil && raw != nil {
			var c cachedKey
			if json.Unmarshal(raw, &c) == nil {
				if pub, err := decodeCachedKey(&c); err == nil {
					return &VerifiedKey{KeyID: keyID, Owner: c.Owner, Public: pub}, nil
				}
			}
		}
	}
	if refresh && opts.KeyCache != nil {
		if err := opts.KeyCache.Delete(ctx, cacheKey); err != nil {
			slog.Warn("failed to invalidate key cache", "keyId", keyID, "error", err)
		}
	}

	// The key document is either the key object itself or the actor
	// carrying it; fetch the document URL (keyID without fragment).
	doc, err := opts.Loader.Fetch(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("fetch key %s: %w", keyID, err)
	}
	c, pub, err := extractKey(doc, keyID)
	if err != nil {
		return nil, err
	}

	if opts.KeyCache != nil {
		if raw, err := json.Marshal(c); err == nil {
			if err := opts.KeyCache.Set(ctx, cacheKey, raw, &kv.SetOptions{TTL: keyCacheTTL}); err != nil {
				slog.Warn("failed to cache public key", "keyId", keyID, "error", err)
			}
		}
	}
	return &VerifiedKey{KeyID: keyID, Owner: c.Owner, Public: pub}, nil
}

func decodeCachedKey(c *cachedKey) (crypto.PublicKey, error) {
	if c.Kind == "multibase" {
		return ParseMultibase(c.Key)
	}
	return ParsePublicPEM(c.Key)
}

// extractKey locates the key with the given id inside a fetched document,
// which may be the key object itself or an actor listing it. A document
// listing exactly one key of a kind is accepted even when that key's id
// differs from keyID: some servers publish the key under a URL that is
// not the id the key declares, and with a single candidate there is no
// ambiguity. Documents listing several keys require an exact id match.
func extractKey(doc map[string]interface{}, keyID string) (*cachedKey, crypto.PublicKey, error) {
	actor := vocab.ActorFromMap(doc)
	for _, pk := range actor.PublicKeys {
		if !urlEquivalent(pk.ID, keyID) && len(actor.PublicKeys) > 1 {
			continue
		}
		pub, err := ParsePublicPEM(pk.PublicKeyPem)
		if err != nil {
			return nil, nil, fmt.Errorf("parse key %s: %w", keyID, err)
		}
		return &cachedKey{Kind: "pem", Key: pk.PublicKeyPem, Owner: pk.Owner}, pub, nil
	}
	for _, am := range actor.AssertionMethods {
		if !urlEquivalent(am.ID, keyID) && len(actor.AssertionMethods) > 1 {
			continue
		}
		pub, err := ParseMultibase(am.PublicKeyMultibase)
		if err != nil {
			return nil, nil, fmt.Errorf("parse key %s: %w", keyID, err)
		}
		return &cachedKey{Kind: "multibase", Key: am.PublicKeyMultibase, Owner: am.Controller}, pub, nil
	}

	// The document may be a bare key object rather than an actor.
	if pem, ok := doc["publicKeyPem"].(string); ok {
		pub, err := ParsePublicPEM(pem)
		if err != nil {
			return nil, nil, fmt.Errorf("parse key %s: %w", keyID, err)
		}
		owner, _ := doc["owner"].(string)
		return &cachedKey{Kind: "pem", Key: pem, Owner: owner}, pub, nil
	}
	if mb, ok := doc["publicKeyMultibase"].(string); ok {
		pub, err := ParseMultibase(mb)
		if err != nil {
			return nil, nil, fmt.Errorf("parse key %s: %w", keyID, err)
		}
		owner, _ := doc["controller"].(string)
		return &cachedKey{Kind: "multibase", Key: mb, Owner: owner}, pub, nil
	}
	return nil, nil, fmt.Errorf("no key material found for %s", keyID)
}

// VerifyKeyOwnership checks that actorID transitively owns the signing
// key: the key's owner must be the actor, and the actor must list the key
// under publicKey or assertionMethod.
func VerifyKeyOwnership(ctx context.Context, loader DocumentLoader, actorID string, key *VerifiedKey) error {
	ctx, span := otel.Tracer("fedbox").Start(ctx, "activitypub.verify_key_ownership")
	defer span.End()
	span.SetAttributes(
		attribute.String("activitypub.actor", actorID),
		attribute.String("http_signatures.key_id", key.KeyID),
	)

	if key.Owner != "" && !urlEquivalent(key.Owner, actorID) {
		return fmt.Errorf("key %s is owned by %s, not %s", key.KeyID, key.Owner, actorID)
	}

	doc, err := loader.Fetch(ctx, actorID)
	if err != nil {
		return fmt.Errorf("fetch actor %s: %w", actorID, err)
	}
	actor := vocab.ActorFromMap(doc)
	for _, pk := range actor.PublicKeys {
		if urlEquivalent(pk.ID, key.KeyID) {
			return nil
		}
	}
	for _, am := range actor.AssertionMethods {
		if urlEquivalent(am.ID, key.KeyID) {
			return nil
		}
	}
	return fmt.Errorf("actor %s does not list key %s", actorID, key.KeyID)
}

// urlEquivalent compares two URLs ignoring scheme/host case, default
// ports and empty fragments.
func urlEquivalent(a, b string) bool {
	if a == b {
		return true
	}
	ua, errA := url.Parse(a)
	ub, errB := url.Parse(b)
	if errA != nil || errB != nil {
		return false
	}
	normalize := func(u *url.URL) string {
		host := strings.ToLower(u.Host)
		host = strings.TrimSuffix(host, ":443")
		host = strings.TrimSuffix(host, ":80")
		return strings.ToLower(u.Scheme) + "://" + host + u.Path + "#" + u.Fragment
	}
	return normalize(ua) == normalize(ub)
}

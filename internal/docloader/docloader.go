// Package docloader fetches remote JSON-LD documents — actor descriptors,
// keys, collections — with content negotiation, a KV-backed TTL cache,
// request coalescing, bounded redirects and a guard against requests to
// private address ranges.
package docloader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/fedbox/fedbox/internal/kv"
)

// ErrGone is returned when a remote resource responds with HTTP 410.
// This typically means the actor or object has been deleted.
var ErrGone = errors.New("docloader: resource gone (410)")

// ErrPrivateAddress is returned for URLs resolving to loopback, private
// or link-local addresses when those are not explicitly permitted.
var ErrPrivateAddress = errors.New("docloader: refusing to fetch a private address")

const (
	defaultCacheTTL     = time.Hour
	defaultMaxRedirects = 5
	defaultUserAgent    = "fedbox/1.0 (+https://github.com/fedbox/fedbox)"

	acceptHeader = `application/activity+json, application/ld+json; profile="https://www.w3.org/ns/activitystreams"`
)

// RemoteDocument is a loaded JSON-LD document. DocumentURL is the final
// URL after redirects; ContextURL is set when the @context arrived via a
// Link header (rare; usually empty).
type RemoteDocument struct {
	DocumentURL string                 `json:"documentUrl"`
	ContextURL  string                 `json:"contextUrl,omitempty"`
	Document    map[string]interface{} `json:"document"`
}

// Options configures a Loader.
type Options struct {
	// Cache, when set, stores documents under the "remote-document" prefix.
	Cache kv.Store
	// CacheTTL bounds cache entries; zero means one hour.
	CacheTTL time.Duration
	// UserAgent overrides the default User-Agent header.
	UserAgent string
	// AllowPrivateAddress disables the private address range guard.
	// Test and development use only.
	AllowPrivateAddress bool
	// MaxRedirects bounds redirect following; zero means 5.
	MaxRedirects int
	// HTTPClient overrides the default client. Its CheckRedirect policy
	// is replaced.
	HTTPClient *http.Client
	// SignRequest, when set, signs outgoing GET requests (authenticated
	// document loader).
	SignRequest func(req *http.Request) error
}

// Loader fetches and caches remote JSON-LD documents.
type Loader struct {
	client       *http.Client
	cache        kv.Store
	cacheTTL     time.Duration
	userAgent    string
	allowPrivate bool
	sign         func(req *http.Request) error
	group        singleflight.Group
}

// New creates a document loader.
func New(opts Options) *Loader {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	maxRedirects := opts.MaxRedirects
	if maxRedirects == 0 {
		maxRedirects = defaultMaxRedirects
	}
	l := &Loader{
		cache:        opts.Cache,
		cacheTTL:     opts.CacheTTL,
		userAgent:    opts.UserAgent,
		allowPrivate: opts.AllowPrivateAddress,
		sign:         opts.SignRequest,
	}
	if l.cacheTTL == 0 {
		l.cacheTTL = defaultCacheTTL
	}
	if l.userAgent == "" {
		l.userAgent = defaultUserAgent
	}

	// Copy the client so the redirect policy doesn't leak to other users
	// of the same client.
	c := *client
	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		return l.checkAddress(req.URL)
	}
	l.client = &c
	return l
}

// NewAuthenticated returns a loader that signs its GET requests with the
// given signer, for servers enforcing authorized fetch.
func NewAuthenticated(opts Options, sign func(req *http.Request) error) *Loader {
	opts.SignRequest = sign
	return New(opts)
}

// Load fetches a document, consulting the cache first. Concurrent loads
// of the same URL are collapsed to a single upstream fetch.
func (l *Loader) Load(ctx context.Context, rawURL string) (*RemoteDocument, error) {
	if l.cache != nil {
		if raw, err := l.cache.Get(ctx, l.cacheKey(rawURL)); err == nil && raw != nil {
			var doc RemoteDocument
			if json.Unmarshal(raw, &doc) == nil {
				return &doc, nil
			}
		}
	}

	v, err, _ := l.group.Do(rawURL, func() (interface{}, error) {
		doc, err := l.fetch(ctx, rawURL)
		if err != nil {
			return nil, err
		}
		if l.cache != nil {
			if raw, err := json.Marshal(doc); err == nil {
				_ = l.cache.Set(ctx, l.cacheKey(rawURL), raw, &kv.SetOptions{TTL: l.cacheTTL})
			}
		}
		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*RemoteDocument), nil
}

// Fetch returns just the document body. Satisfies httpsig.DocumentLoader.
func (l *Loader) Fetch(ctx context.Context, rawURL string) (map[string]interface{}, error) {
	doc, err := l.Load(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return doc.Document, nil
}

// Invalidate removes a URL from the cache.
func (l *Loader) Invalidate(ctx context.Context, rawURL string) {
	if l.cache != nil {
		_ = l.cache.Delete(ctx, l.cacheKey(rawURL))
	}
}

func (l *Loader) cacheKey(rawURL string) kv.Key {
	return kv.Key{"remote-document", rawURL}
}

func (l *Loader) fetch(ctx context.Context, rawURL string) (*RemoteDocument, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url %s: %w", rawURL, err)
	}
	if err := l.checkAddress(u); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("User-Agent", l.userAgent)
	if l.sign != nil {
		if err := l.sign(req); err != nil {
			return nil, fmt.Errorf("sign fetch of %s: %w", rawURL, err)
		}
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone {
		return nil, ErrGone
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: HTTP %d", rawURL, resp.StatusCode)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode response from %s: %w", rawURL, err)
	}

	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	return &RemoteDocument{DocumentURL: finalURL, Document: body}, nil
}

// checkAddress refuses URLs whose host resolves to a non-public address
// unless private addresses are explicitly permitted.
func (l *Loader) checkAddress(u *url.URL) error {
	if l.allowPrivate {
		return nil
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: empty host", ErrPrivateAddress)
	}

	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ips = []net.IP{ip}
	} else {
		if host == "localhost" {
			return fmt.Errorf("%w: %s", ErrPrivateAddress, host)
		}
		resolved, err := net.LookupIP(host)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", host, err)
		}
		ips = resolved
	}
	for _, ip := range ips {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() ||
			ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("%w: %s resolves to %s", ErrPrivateAddress, host, ip)
		}
	}
	return nil
}

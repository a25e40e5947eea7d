package federation

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedbox/fedbox/internal/docloader"
	"github.com/fedbox/fedbox/internal/httpsig"
	"github.com/fedbox/fedbox/internal/kv"
	"github.com/fedbox/fedbox/internal/mq"
	"github.com/fedbox/fedbox/internal/vocab"
)

const testOrigin = "https://local.example"

type testEnv struct {
	fed     *Federation
	store   *kv.Memory
	queue   *mq.Memory
	keys    []*httpsig.KeyPair
	handler http.Handler
}

// fastRetry keeps retry-path tests quick.
func fastRetry(attempts int) *RetryPolicy {
	return &RetryPolicy{Initial: time.Millisecond, Factor: 1, Cap: time.Millisecond, MaxAttempts: attempts}
}

func newTestEnv(t *testing.T, mutate func(*Options)) *testEnv {
	t.Helper()
	store := kv.NewMemory()
	queue := mq.NewMemory()
	loader := docloader.New(docloader.Options{Cache: store, AllowPrivateAddress: true})

	opts := Options{
		Origin:                    testOrigin,
		Store:                     store,
		Queue:                     queue,
		Loader:                    loader,
		SkipSignatureVerification: true,
		InboxRetryPolicy:          fastRetry(10),
		OutboxRetryPolicy:         fastRetry(10),
	}
	if mutate != nil {
		mutate(&opts)
	}
	fed, err := New(opts)
	require.NoError(t, err)

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	keys := []*httpsig.KeyPair{
		{KeyID: testOrigin + "/users/alice#main-key", Private: rsaKey},
	}

	require.NoError(t, fed.SetActorDispatcher("/users/{identifier}", func(ctx *Context, identifier string) (*vocab.Actor, error) {
		if identifier != "alice" {
			return nil, nil
		}
		return &vocab.Actor{
			ID:                ctx.ActorURI(identifier),
			Type:              "Person",
			PreferredUsername: identifier,
		}, nil
	}))
	fed.SetKeyPairsDispatcher(func(_ *Context, identifier string) ([]*httpsig.KeyPair, error) {
		if identifier != "alice" {
			return nil, nil
		}
		return keys, nil
	})

	return &testEnv{fed: fed, store: store, queue: queue, keys: keys, handler: fed.Handler(nil, nil)}
}

// runWorkers runs queue workers until stop is called.
func (e *testEnv) runWorkers(t *testing.T) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.fed.StartQueue(ctx, nil, 2)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("workers did not stop")
		}
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting: " + msg)
}

func getJSON(t *testing.T, h http.Handler, path, accept string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var body map[string]interface{}
	if rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestActorEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	rec, body := getJSON(t, env.handler, "/users/alice", "application/activity+json")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/activity+json", rec.Header().Get("Content-Type"))
	assert.Equal(t, testOrigin+"/users/alice", body["id"])
	assert.Equal(t, "Person", body["type"])
	// Engine-owned fields are filled in.
	assert.NotNil(t, body["@context"])
	keysList, ok := body["publicKey"].([]interface{})
	require.True(t, ok, "actor must publish its RSA key")
	require.Len(t, keysList, 1)
	pk := keysList[0].(map[string]interface{})
	assert.Equal(t, env.keys[0].KeyID, pk["id"])
	assert.Equal(t, testOrigin+"/users/alice", pk["owner"])
	assert.Contains(t, pk["publicKeyPem"], "BEGIN PUBLIC KEY")
}

func TestActorNotFound(t *testing.T) {
	env := newTestEnv(t, nil)
	rec, _ := getJSON(t, env.handler, "/users/nobody", "application/activity+json")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestActorContentNegotiation(t *testing.T) {
	env := newTestEnv(t, nil)
	rec, _ := getJSON(t, env.handler, "/users/alice", "text/html")
	assert.Equal(t, http.StatusNotAcceptable, rec.Code)

	// A fallback handler receives the request instead.
	fallback := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := env.fed.Handler(nil, fallback)
	req := httptest.NewRequest("GET", "/users/alice", nil)
	req.Header.Set("Accept", "text/html")
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusOK, rec2.Code)
}

// A dispatcher returning an actor whose id is not the canonical route URL
// is a programmer error and must surface as a 500, never as a document
// that would poison remote caches.
func TestActorForeignIDRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.fed.SetActorDispatcher("/users/{identifier}", func(ctx *Context, identifier string) (*vocab.Actor, error) {
		return &vocab.Actor{ID: "https://elsewhere.example/users/x", Type: "Person"}, nil
	}))
	rec, _ := getJSON(t, env.handler, "/users/alice", "application/activity+json")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestWebFinger(t *testing.T) {
	env := newTestEnv(t, nil)

	rec, body := getJSON(t, env.handler, "/.well-known/webfinger?resource=acct:alice@local.example", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/jrd+json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "acct:alice@local.example", body["subject"])
	links := body["links"].([]interface{})
	require.NotEmpty(t, links)
	self := links[0].(map[string]interface{})
	assert.Equal(t, "self", self["rel"])
	assert.Equal(t, testOrigin+"/users/alice", self["href"])

	rec, _ = getJSON(t, env.handler, "/.well-known/webfinger?resource=acct:alice@other.example", "")
	assert.Equal(t, http.StatusNotFound, rec.Code, "foreign host must not resolve")

	rec, _ = getJSON(t, env.handler, "/.well-known/webfinger", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebFingerByActorURL(t *testing.T) {
	env := newTestEnv(t, nil)
	rec, body := getJSON(t, env.handler, "/.well-known/webfinger?resource="+testOrigin+"/users/alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, testOrigin+"/users/alice", body["aliases"].([]interface{})[0])
}

func TestNodeInfo(t *testing.T) {
	env := newTestEnv(t, nil)
	env.fed.SetNodeInfoDispatcher(func(_ *Context) (*NodeInfo, error) {
		return &NodeInfo{SoftwareName: "fedbox", SoftwareVersion: "1.0.0", TotalUsers: 1}, nil
	})

	rec, body := getJSON(t, env.handler, "/.well-known/nodeinfo", "")
	require.Equal(t, http.StatusOK, rec.Code)
	links := body["links"].([]interface{})
	require.Len(t, links, 1)
	assert.Equal(t, testOrigin+"/nodeinfo/2.1", links[0].(map[string]interface{})["href"])

	rec, body = getJSON(t, env.handler, "/nodeinfo/2.1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "2.1", body["version"])
	software := body["software"].(map[string]interface{})
	assert.Equal(t, "fedbox", software["name"])
}

func TestCollectionEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.fed.SetFollowersDispatcher("/users/{identifier}/followers", func(_ *Context, identifier string) (*Collection, error) {
		if identifier != "alice" {
			return nil, nil
		}
		return &Collection{
			TotalItems: 2,
			Items:      []interface{}{"https://a.example/u/1", "https://b.example/u/2"},
		}, nil
	}))

	rec, body := getJSON(t, env.handler, "/users/alice/followers", "application/activity+json")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OrderedCollection", body["type"])
	assert.EqualValues(t, 2, body["totalItems"])
	assert.Len(t, body["orderedItems"], 2)
	assert.Equal(t, testOrigin+"/users/alice/followers", body["id"])
}

func postActivity(t *testing.T, h http.Handler, path string, activity map[string]interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(activity)
	require.NoError(t, err)
	req := httptest.NewRequest("POST", path, strings.NewReader(string(raw)))
	req.Header.Set("Content-Type", "application/activity+json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func followActivity(id string) map[string]interface{} {
	return map[string]interface{}{
		"id":     id,
		"type":   "Follow",
		"actor":  "https://remote.example/users/bob",
		"object": testOrigin + "/users/alice",
	}
}

func TestInboxAcceptsAndDispatches(t *testing.T) {
	env := newTestEnv(t, nil)
	var calls int32
	listeners, err := env.fed.SetInboxListeners("/users/{identifier}/inbox", "/inbox")
	require.NoError(t, err)
	listeners.On("Follow", func(_ *Context, activity *vocab.Activity) error {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "https://remote.example/users/bob", activity.Actor)
		return nil
	})

	stop := env.runWorkers(t)
	defer stop()

	rec := postActivity(t, env.handler, "/users/alice/inbox", followActivity("https://remote.example/activities/f1"))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	waitFor(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, "listener dispatch")
}

// Redelivering the same activity id must be acknowledged but dispatched
// only once.
func TestInboxDeduplicates(t *testing.T) {
	env := newTestEnv(t, nil)
	var calls int32
	listeners, err := env.fed.SetInboxListeners("/users/{identifier}/inbox", "")
	require.NoError(t, err)
	listeners.On("Follow", func(_ *Context, _ *vocab.Activity) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	stop := env.runWorkers(t)
	defer stop()

	activity := followActivity("https://remote.example/activities/dup")
	for i := 0; i < 3; i++ {
		rec := postActivity(t, env.handler, "/users/alice/inbox", activity)
		assert.Equal(t, http.StatusAccepted, rec.Code, "replays are still acknowledged")
	}
	waitFor(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, "first dispatch")
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "duplicate deliveries must not re-dispatch")
}

func TestInboxListenerTypeHierarchy(t *testing.T) {
	env := newTestEnv(t, nil)
	var got []string
	var mu sync.Mutex
	listeners, err := env.fed.SetInboxListeners("/users/{identifier}/inbox", "")
	require.NoError(t, err)
	listeners.
		On("Follow", func(_ *Context, a *vocab.Activity) error {
			mu.Lock()
			got = append(got, "follow:"+a.ID)
			mu.Unlock()
			return nil
		}).
		On("Activity", func(_ *Context, a *vocab.Activity) error {
			mu.Lock()
			got = append(got, "catchall:"+a.ID)
			mu.Unlock()
			return nil
		})

	stop := env.runWorkers(t)
	defer stop()

	postActivity(t, env.handler, "/users/alice/inbox", followActivity("https://remote.example/activities/h1"))
	like := map[string]interface{}{
		"id":    "https://remote.example/activities/h2",
		"type":  "Like",
		"actor": "https://remote.example/users/bob",
	}
	postActivity(t, env.handler, "/users/alice/inbox", like)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, "both dispatches")
	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, got, "follow:https://remote.example/activities/h1")
	assert.Contains(t, got, "catchall:https://remote.example/activities/h2", "Like falls through to the Activity listener")
}

func TestInboxListenerUnknownTypePanics(t *testing.T) {
	env := newTestEnv(t, nil)
	listeners, err := env.fed.SetInboxListeners("/users/{identifier}/inbox", "")
	require.NoError(t, err)
	assert.Panics(t, func() {
		listeners.On("Folow", func(_ *Context, _ *vocab.Activity) error { return nil })
	})
	assert.NotPanics(t, func() {
		listeners.On("https://example.com/ns#Custom", func(_ *Context, _ *vocab.Activity) error { return nil })
	})
}

func TestInboxRetryExhaustion(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.InboxRetryPolicy = fastRetry(3)
	})
	var calls, failures int32
	listeners, err := env.fed.SetInboxListeners("/users/{identifier}/inbox", "")
	require.NoError(t, err)
	listeners.On("Follow", func(_ *Context, _ *vocab.Activity) error {
		atomic.AddInt32(&calls, 1)
		return assert.AnError
	})
	env.fed.SetInboxErrorHandler(func(_ *Context, activity *vocab.Activity, err error) {
		atomic.AddInt32(&failures, 1)
		assert.Equal(t, "https://remote.example/activities/bad", activity.ID)
		assert.Error(t, err)
	})

	stop := env.runWorkers(t)
	defer stop()

	postActivity(t, env.handler, "/users/alice/inbox", followActivity("https://remote.example/activities/bad"))
	waitFor(t, func() bool { return atomic.LoadInt32(&failures) == 1 }, "permanent failure handler")
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls), "listener runs once per attempt")
}

func TestInboxRejectsMalformedActivity(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.fed.SetInboxListeners("/users/{identifier}/inbox", "")
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/users/alice/inbox", strings.NewReader("not json"))
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postActivity(t, env.handler, "/users/alice/inbox", map[string]interface{}{"type": "Follow"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing id")
}

func TestInboxRequiresSignatureWhenVerifying(t *testing.T) {
	env := newTestEnv(t, func(o *Options) {
		o.SkipSignatureVerification = false
	})
	_, err := env.fed.SetInboxListeners("/users/{identifier}/inbox", "")
	require.NoError(t, err)

	rec := postActivity(t, env.handler, "/users/alice/inbox", followActivity("https://remote.example/activities/unsigned"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestInboxGetNotAllowed(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.fed.SetInboxListeners("/users/{identifier}/inbox", "/inbox")
	require.NoError(t, err)

	rec, _ := getJSON(t, env.handler, "/users/alice/inbox", "application/activity+json")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

// With an inbox dispatcher registered, GET renders the inbox collection
// while POST delivery keeps working on the same route.
func TestInboxDispatcherRendersCollection(t *testing.T) {
	env := newTestEnv(t, nil)
	var calls int32
	listeners, err := env.fed.SetInboxListeners("/users/{identifier}/inbox", "")
	require.NoError(t, err)
	listeners.On("Follow", func(_ *Context, _ *vocab.Activity) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	require.NoError(t, env.fed.SetInboxDispatcher("/users/{identifier}/inbox", func(_ *Context, identifier string) (*Collection, error) {
		if identifier != "alice" {
			return nil, nil
		}
		return &Collection{
			TotalItems: 1,
			Items:      []interface{}{"https://remote.example/activities/f1"},
		}, nil
	}))

	rec, body := getJSON(t, env.handler, "/users/alice/inbox", "application/activity+json")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OrderedCollection", body["type"])
	assert.EqualValues(t, 1, body["totalItems"])
	assert.Len(t, body["orderedItems"], 1)

	stop := env.runWorkers(t)
	defer stop()
	rec2 := postActivity(t, env.handler, "/users/alice/inbox", followActivity("https://remote.example/activities/f2"))
	assert.Equal(t, http.StatusAccepted, rec2.Code)
	waitFor(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, "listener dispatch")

	req := httptest.NewRequest("DELETE", "/users/alice/inbox", nil)
	rec3 := httptest.NewRecorder()
	env.handler.ServeHTTP(rec3, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec3.Code)
	assert.Equal(t, "POST, GET, HEAD", rec3.Header().Get("Allow"))
}

func TestCustomCollectionDispatchers(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.fed.SetCollectionDispatcher("bookmarks", "/users/{identifier}/bookmarks", func(_ *Context, identifier string) (*Collection, error) {
		return &Collection{TotalItems: 1, Items: []interface{}{"https://remote.example/notes/1"}}, nil
	}))
	require.NoError(t, env.fed.SetOrderedCollectionDispatcher("pinned", "/users/{identifier}/pinned", func(_ *Context, identifier string) (*Collection, error) {
		return &Collection{TotalItems: 2, Items: []interface{}{"a", "b"}}, nil
	}))

	rec, body := getJSON(t, env.handler, "/users/alice/bookmarks", "application/activity+json")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Collection", body["type"])
	assert.Len(t, body["items"], 1)
	assert.Equal(t, testOrigin+"/users/alice/bookmarks", body["id"])

	rec, body = getJSON(t, env.handler, "/users/alice/pinned", "application/activity+json")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OrderedCollection", body["type"])
	assert.Len(t, body["orderedItems"], 2)
}

// Custom collection names must not shadow engine-owned routes.
func TestCustomCollectionReservedNames(t *testing.T) {
	env := newTestEnv(t, nil)
	d := func(_ *Context, _ string) (*Collection, error) { return &Collection{}, nil }
	assert.Error(t, env.fed.SetCollectionDispatcher("outbox", "/users/{identifier}/custom", d))
	assert.Error(t, env.fed.SetOrderedCollectionDispatcher("inbox", "/users/{identifier}/custom", d))
	assert.NoError(t, env.fed.SetCollectionDispatcher("albums", "/users/{identifier}/albums", d))
}

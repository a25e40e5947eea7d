// fedbox is a small single-actor federation server built on the engine
// packages under internal/. It serves one ActivityPub actor, accepts
// follows, and federates its posts, with SQLite by default so
// self-hosted deployments need no external database.
//
// Usage:
//
//	export ORIGIN=https://yourdomain.com
//	export USERNAME=alice
//	./fedbox
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/fedbox/fedbox/internal/config"
	"github.com/fedbox/fedbox/internal/docloader"
	"github.com/fedbox/fedbox/internal/federation"
	"github.com/fedbox/fedbox/internal/httpsig"
	"github.com/fedbox/fedbox/internal/kv"
	"github.com/fedbox/fedbox/internal/mq"
	"github.com/fedbox/fedbox/internal/vocab"
)

const version = "1.0.0"

func main() {
	// Structured JSON logging by default — easy to parse with any log aggregator.
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	slog.Info("starting fedbox", "version", version)

	cfg := config.Load()
	slog.Info("config loaded",
		"origin", cfg.Origin,
		"username", cfg.Username,
		"database", cfg.DatabaseURL,
		"queue", cfg.QueueURL,
	)

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := openStore(cfg)
	if err != nil {
		slog.Error("failed to open store", "error", err, "url", cfg.DatabaseURL)
		os.Exit(1)
	}
	defer closeStore()

	queue, err := openQueue(ctx, cfg)
	if err != nil {
		slog.Error("failed to open queue", "error", err, "url", cfg.QueueURL)
		os.Exit(1)
	}

	// Two key pairs per actor: RSA for the draft-cavage profile most
	// servers still require, Ed25519 for RFC 9421 and integrity proofs.
	rsaKey, err := httpsig.LoadOrGenerateRSA(cfg.RSAPrivateKeyPath)
	if err != nil {
		slog.Error("failed to load/generate RSA key pair", "error", err)
		os.Exit(1)
	}
	edKey, err := httpsig.LoadOrGenerateEd25519(cfg.Ed25519SeedPath)
	if err != nil {
		slog.Error("failed to load/generate ed25519 key", "error", err)
		os.Exit(1)
	}
	slog.Info("key pairs ready")

	actorURI := cfg.BaseURL("/users/" + cfg.Username)
	keyPairs := []*httpsig.KeyPair{
		{KeyID: actorURI + "#main-key", Private: rsaKey},
		{KeyID: actorURI + "#ed25519-key", Private: edKey},
	}

	loaderOpts := docloader.Options{
		Cache:               store,
		AllowPrivateAddress: cfg.AllowPrivateAddrs,
		UserAgent:           cfg.UserAgent,
	}
	var loader *docloader.Loader
	if cfg.SignFetch {
		loader = docloader.NewAuthenticated(loaderOpts, func(req *http.Request) error {
			return httpsig.SignRequest(req, nil, keyPairs[0], nil)
		})
	} else {
		loader = docloader.New(loaderOpts)
	}

	fed, err := federation.New(federation.Options{
		Origin:              cfg.Origin,
		Store:               store,
		Queue:               queue,
		Loader:              loader,
		PreferSharedInbox:   cfg.PreferSharedInbox,
		SignatureTimeWindow: cfg.SignatureWindow,
		InboxRetryPolicy:    retryPolicy(cfg.RetryInitialDelay, cfg.InboxRetryAttempts),
		OutboxRetryPolicy:   retryPolicy(cfg.RetryInitialDelay, cfg.OutboxRetryAttempts),
	})
	if err != nil {
		slog.Error("failed to create federation", "error", err)
		os.Exit(1)
	}
	app := &app{cfg: cfg, store: store, keyPairs: keyPairs}
	if err := app.register(fed); err != nil {
		slog.Error("failed to register dispatchers", "error", err)
		os.Exit(1)
	}

	go func() {
		if err := fed.StartQueue(ctx, app, cfg.QueueWorkers); err != nil {
			slog.Error("queue workers stopped", "error", err)
			cancel()
		}
	}()

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	r.Mount("/", fed.Handler(app, nil))

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Error("server shutdown failed", "error", err)
		}
	}()

	slog.Info("listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("fedbox stopped")
}

func retryPolicy(initial time.Duration, attempts int) *federation.RetryPolicy {
	p := federation.DefaultRetryPolicy()
	if initial > 0 {
		p.Initial = initial
	}
	if attempts > 0 {
		p.MaxAttempts = attempts
	}
	return p
}

func openStore(cfg *config.Config) (kv.Store, func(), error) {
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		return kv.NewRedis(client, "fedbox:"), func() { client.Close() }, nil
	}
	if cfg.DatabaseURL == "memory" {
		return kv.NewMemory(), func() {}, nil
	}
	store, err := kv.OpenSQL(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return store, func() { store.Close() }, nil
}

func openQueue(ctx context.Context, cfg *config.Config) (mq.Queue, error) {
	switch {
	case cfg.QueueURL == "memory":
		return mq.NewMemory(), nil
	case strings.HasPrefix(cfg.QueueURL, "redis://"), strings.HasPrefix(cfg.QueueURL, "rediss://"):
		opts, err := redis.ParseURL(cfg.QueueURL)
		if err != nil {
			return nil, fmt.Errorf("parse QUEUE_URL: %w", err)
		}
		return mq.NewRedis(redis.NewClient(opts), "fedbox:queue"), nil
	case strings.HasPrefix(cfg.QueueURL, "postgres://"), strings.HasPrefix(cfg.QueueURL, "postgresql://"):
		db, err := sql.Open("postgres", cfg.QueueURL)
		if err != nil {
			return nil, fmt.Errorf("open queue database: %w", err)
		}
		q := mq.NewPostgres(db, "fedbox_queue")
		if err := q.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate queue: %w", err)
		}
		return q, nil
	default:
		return nil, fmt.Errorf("unsupported QUEUE_URL %q", cfg.QueueURL)
	}
}

// app wires the engine callbacks to the single configured actor.
type app struct {
	cfg      *config.Config
	store    kv.Store
	keyPairs []*httpsig.KeyPair
}

func (a *app) register(fed *federation.Federation) error {
	if err := fed.SetActorDispatcher("/users/{identifier}", a.dispatchActor); err != nil {
		return err
	}
	fed.SetKeyPairsDispatcher(func(_ *federation.Context, identifier string) ([]*httpsig.KeyPair, error) {
		if identifier != a.cfg.Username {
			return nil, nil
		}
		return a.keyPairs, nil
	})
	if err := fed.SetFollowersDispatcher("/users/{identifier}/followers", a.dispatchFollowers); err != nil {
		return err
	}
	if err := fed.SetOutboxDispatcher("/users/{identifier}/outbox", a.dispatchOutbox); err != nil {
		return err
	}
	fed.SetNodeInfoDispatcher(func(ctx *federation.Context) (*federation.NodeInfo, error) {
		return &federation.NodeInfo{
			SoftwareName:    "fedbox",
			SoftwareVersion: version,
			TotalUsers:      1,
		}, nil
	})

	listeners, err := fed.SetInboxListeners("/users/{identifier}/inbox", "/inbox")
	if err != nil {
		return err
	}
	listeners.
		On("Follow", a.onFollow).
		On("Undo", a.onUndo).
		On("Activity", func(_ *federation.Context, activity *vocab.Activity) error {
			slog.Debug("unhandled activity", "type", activity.Type, "id", activity.ID)
			return nil
		})
	return nil
}

func (a *app) dispatchActor(ctx *federation.Context, identifier string) (*vocab.Actor, error) {
	if identifier != a.cfg.Username {
		return nil, nil
	}
	return &vocab.Actor{
		ID:                ctx.ActorURI(identifier),
		Type:              "Person",
		Name:              a.cfg.DisplayName,
		PreferredUsername: a.cfg.Username,
		Summary:           a.cfg.Summary,
	}, nil
}

func followerKey(username, actorID string) kv.Key {
	return kv.Key{"followers", username, actorID}
}

func (a *app) dispatchFollowers(ctx *federation.Context, identifier string) (*federation.Collection, error) {
	if identifier != a.cfg.Username {
		return nil, nil
	}
	entries, err := a.store.List(ctx, kv.Key{"followers", identifier})
	if err != nil {
		return nil, err
	}
	col := &federation.Collection{Type: "OrderedCollection", TotalItems: len(entries)}
	for _, e := range entries {
		col.Items = append(col.Items, e.Key[len(e.Key)-1])
	}
	return col, nil
}

func (a *app) dispatchOutbox(ctx *federation.Context, identifier string) (*federation.Collection, error) {
	if identifier != a.cfg.Username {
		return nil, nil
	}
	entries, err := a.store.List(ctx, kv.Key{"outbox", identifier})
	if err != nil {
		return nil, err
	}
	col := &federation.Collection{Type: "OrderedCollection", TotalItems: len(entries)}
	for _, e := range entries {
		var doc map[string]interface{}
		if json.Unmarshal(e.Value, &doc) == nil {
			col.Items = append(col.Items, doc)
		}
	}
	return col, nil
}

// onFollow records the follower and replies with an Accept.
func (a *app) onFollow(ctx *federation.Context, activity *vocab.Activity) error {
	var objectID string
	if json.Unmarshal(activity.Object, &objectID) != nil {
		var obj map[string]interface{}
		if json.Unmarshal(activity.Object, &obj) == nil {
			objectID, _ = obj["id"].(string)
		}
	}
	if !strings.EqualFold(strings.TrimRight(objectID, "/"),
		strings.TrimRight(ctx.ActorURI(a.cfg.Username), "/")) {
		slog.Debug("follow for unknown actor", "object", objectID)
		return nil
	}

	if err := a.store.Set(ctx, followerKey(a.cfg.Username, activity.Actor), []byte(activity.ID), nil); err != nil {
		return fmt.Errorf("record follower: %w", err)
	}
	slog.Info("new follower", "actor", activity.Actor)

	return ctx.SendActivity(a.cfg.Username,
		[]federation.Recipient{{URL: activity.Actor}},
		map[string]interface{}{
			"type":   "Accept",
			"object": activity.Raw,
			"to":     []string{activity.Actor},
		}, nil)
}

// onUndo removes a follower when the undone object is a Follow.
func (a *app) onUndo(ctx *federation.Context, activity *vocab.Activity) error {
	var obj map[string]interface{}
	if json.Unmarshal(activity.Object, &obj) != nil {
		return nil
	}
	if t, _ := obj["type"].(string); t != "Follow" {
		return nil
	}
	if err := a.store.Delete(ctx, followerKey(a.cfg.Username, activity.Actor)); err != nil {
		return fmt.Errorf("remove follower: %w", err)
	}
	slog.Info("follower left", "actor", activity.Actor)
	return nil
}

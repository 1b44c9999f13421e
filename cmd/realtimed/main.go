package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"

	"github.com/example/chat-realtime/internal/auth"
	"github.com/example/chat-realtime/internal/bridge"
	"github.com/example/chat-realtime/internal/config"
	"github.com/example/chat-realtime/internal/gateway"
	"github.com/example/chat-realtime/internal/presence"
	"github.com/example/chat-realtime/internal/ratelimit"
	"github.com/example/chat-realtime/internal/store"
	"github.com/example/chat-realtime/pkg/otelhelper"
)

func main() {
	ctx := context.Background()

	otelShutdown, err := otelhelper.Init(ctx, "chat-realtime")
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	serverID := cfg.ServerID
	if serverID == "" {
		serverID = uuid.NewString()
	}
	slog.Info("Starting realtime server", "listen", cfg.ListenAddr, "server_id", serverID, "presence_backend", cfg.PresenceBackend)

	// Connect to NATS with retry.
	var nc *nats.Conn
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(cfg.NATSURL,
			nats.UserInfo(cfg.NATSUser, cfg.NATSPass),
			nats.Name("chat-realtime"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				slog.Warn("NATS disconnected", "error", err)
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
			}),
		)
		if err == nil {
			break
		}
		slog.Warn("NATS connection failed, retrying", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		slog.Error("Could not connect to NATS, running with local-only fanout", "error", err)
		nc = nil
	}

	// Message persistence.
	var messages store.MessageStore
	var cache *store.CacheNotifier
	if cfg.DatabaseURL != "" {
		db, dbErr := openPostgres(ctx, cfg.DatabaseURL)
		if dbErr != nil {
			slog.Error("Failed to connect to Postgres", "error", dbErr)
			os.Exit(1)
		}
		defer db.Close()
		pg := store.NewPostgresStore(db)
		if err := pg.EnsureSchema(ctx); err != nil {
			slog.Error("Failed to ensure schema", "error", err)
			os.Exit(1)
		}
		messages = pg
		cache = store.NewCacheNotifier(nc)
	} else {
		slog.Warn("DATABASE_URL not set, message persistence disabled")
		messages = store.NoopStore{}
		cache = store.NewCacheNotifier(nil)
	}

	// Presence storage.
	var storage presence.Storage
	var refresher presence.Refresher
	if cfg.PresenceBackend == config.PresenceKV && nc != nil {
		js, jsErr := nc.JetStream()
		if jsErr != nil {
			slog.Error("Failed to get JetStream context", "error", jsErr)
			os.Exit(1)
		}
		kv, kvErr := presence.NewKVStorage(js)
		if kvErr != nil {
			slog.Error("Failed to create presence KV buckets", "error", kvErr)
			os.Exit(1)
		}
		storage = kv
		refresher = kv
	} else {
		if cfg.PresenceBackend == config.PresenceKV {
			slog.Warn("KV presence requires NATS, falling back to in-memory storage")
		}
		storage = presence.NewMemoryStorage()
	}

	// Token verification.
	var verifier gateway.TokenVerifier
	switch cfg.AuthMode {
	case config.AuthHMAC:
		verifier = auth.NewHMACVerifier([]byte(cfg.AuthSecret), cfg.AuthIssuer)
	default:
		jwks, jwksErr := auth.NewJWKSVerifier(cfg.JWKSURL, cfg.AuthIssuer)
		if jwksErr != nil {
			slog.Error("Failed to fetch JWKS", "url", cfg.JWKSURL, "error", jwksErr)
			os.Exit(1)
		}
		defer jwks.Close()
		verifier = jwks
	}

	limiter := ratelimit.NewLimiter()

	gw := gateway.New(gateway.Config{
		MaxMessageLength: cfg.MaxMessageLength,
		TypingTTL:        cfg.TypingTTL,
	}, limiter, messages, cache)

	pm := presence.NewManager(storage, gw, presence.WithDebounce(cfg.PresenceDebounce))
	defer pm.Close()

	var bus bridge.Bus
	if nc != nil {
		bus = bridge.NewNATSBus(nc)
	}
	br := bridge.New(bus, serverID, gw.BridgeHandlers())
	if err := br.Start(); err != nil {
		slog.Error("Failed to start bridge", "error", err)
		os.Exit(1)
	}
	defer br.Close()

	gw.Bind(pm, br)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go limiter.Run(runCtx)
	go gw.Run(runCtx)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Handle("/ws", gateway.NewHandler(gw, verifier, limiter, refresher))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()
	slog.Info("Realtime server ready", "listen", cfg.ListenAddr)

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	slog.Info("Shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}
	if nc != nil {
		nc.Drain()
	}
	slog.Info("Shutdown complete")
}

// openPostgres pings with retry so the server survives a database that is
// still starting.
func openPostgres(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	for attempt := 1; attempt <= 30; attempt++ {
		if err = db.PingContext(ctx); err == nil {
			return db, nil
		}
		slog.Warn("Postgres ping failed, retrying", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	db.Close()
	return nil, err
}

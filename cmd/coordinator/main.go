package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/observer/coordinator/internal/auth"
	"github.com/observer/coordinator/internal/config"
	"github.com/observer/coordinator/internal/lobby"
	"github.com/observer/coordinator/internal/metrics"
	"github.com/observer/coordinator/internal/pubsub"
	"github.com/observer/coordinator/internal/ratelimit"
	"github.com/observer/coordinator/internal/server"
	"github.com/observer/coordinator/internal/session"
	"github.com/observer/coordinator/internal/signaling"
	"github.com/observer/coordinator/internal/store"
	"github.com/observer/coordinator/internal/transport"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("connected to database")

	pemBytes, err := loadPublicKeyPEM(cfg)
	if err != nil {
		slog.Error("failed to load JWT public key", "error", err)
		os.Exit(1)
	}
	verifier, err := auth.NewVerifier(pemBytes)
	if err != nil {
		slog.Error("failed to construct token verifier", "error", err)
		os.Exit(1)
	}

	channelLookup := store.NewChannelLookup(db)
	messageStore := store.NewMessageStore(db)

	ps, err := newPubSub(cfg)
	if err != nil {
		slog.Error("failed to construct pubsub", "pubsub_type", cfg.PubSubType, "error", err)
		os.Exit(1)
	}
	defer ps.Close()

	registry := session.NewRegistry(ps)
	defer registry.Close()

	lobbyCfg := lobby.Config{
		TickInterval:        time.Duration(cfg.LobbyTickIntervalMS) * time.Millisecond,
		ExpirySeconds:       cfg.PresenceExpirySeconds,
		PingIntervalSeconds: cfg.PresencePingIntervalSeconds,
		EmptyGraceSeconds:   cfg.RoomEmptyGraceSeconds,
	}
	lobbyManager := lobby.NewManager(lobbyCfg, channelLookup, registry, logger)

	relay := signaling.New(lobbyManager, registry, messageStore, logger)

	upgradeLimiter := ratelimit.New(cfg.UpgradeRatePerMin)
	envelopeLimiter := ratelimit.New(cfg.EnvelopeRatePerMin)

	wsHandler := transport.Accept(logger, upgradeLimiter, func(sess *transport.Session) {
		connCtx, connCancel := context.WithCancel(context.Background())
		defer connCancel()

		controller := session.NewController(verifier, registry, lobbyManager, relay, envelopeLimiter, sess, logger)

		sess.SetOnPong(func() {
			if id, ok := controller.ConnectionID(); ok {
				lobbyManager.OnPong(id)
			}
		})

		go sess.WritePump(connCtx)
		controller.Run(connCtx)
	})

	deps := &server.Dependencies{
		DB:        db,
		WSHandler: wsHandler,
		Logger:    logger,
	}
	srv := server.New(cfg, deps)

	metricsSrv := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}

	lobbyCtx, lobbyCancel := context.WithCancel(context.Background())
	go lobbyManager.Run(lobbyCtx)

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("starting server", "addr", cfg.ServerAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	go func() {
		slog.Info("starting metrics server", "addr", cfg.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", "error", err)
		}
	}()

	<-shutdownCtx.Done()
	slog.Info("shutting down gracefully...")

	lobbyManager.Shutdown()
	lobbyCancel()

	timeoutCtx, timeoutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer timeoutCancel()

	if err := srv.Shutdown(timeoutCtx); err != nil {
		slog.Error("forced shutdown", "error", err)
	}
	_ = metricsSrv.Shutdown(timeoutCtx)

	slog.Info("server stopped")
}

func loadPublicKeyPEM(cfg *config.Config) ([]byte, error) {
	if cfg.JWTPublicKeyPEM != "" {
		return []byte(cfg.JWTPublicKeyPEM), nil
	}
	return os.ReadFile(cfg.JWTPublicKeyPath)
}

// newPubSub selects the PubSub backend per PUBSUB_TYPE: MemoryPubSub for
// a single instance, RedisPubSub once the deployment is horizontally
// scaled (config.validate already rejects any other value).
func newPubSub(cfg *config.Config) (pubsub.PubSub, error) {
	if cfg.PubSubType == "redis" {
		return pubsub.NewRedisPubSub(cfg.RedisURL)
	}
	return pubsub.NewMemoryPubSub(), nil
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/example/tow-dispatch/internal/config"
	httpapi "github.com/example/tow-dispatch/internal/http"
	"github.com/example/tow-dispatch/internal/identity"
	"github.com/example/tow-dispatch/internal/jobs"
	"github.com/example/tow-dispatch/internal/logging"
	"github.com/example/tow-dispatch/internal/payments"
	"github.com/example/tow-dispatch/internal/presence"
	"github.com/example/tow-dispatch/internal/store"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	var st store.Store
	var closeStore func() error
	switch {
	case cfg.RedisAddr != "":
		rs := store.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisPrefix, logging.Component(logger, "store"))
		st, closeStore = rs, rs.Close
		logger.Info("using redis store", "addr", cfg.RedisAddr)
	case cfg.PGDSN != "":
		ps, err := store.NewPostgres(cfg.PGDSN, logging.Component(logger, "store"))
		if err != nil {
			logger.Error("postgres store init failed", "error", err)
			os.Exit(1)
		}
		st, closeStore = ps, ps.Close
		logger.Info("using postgres store")
	default:
		st = store.NewMemory()
		logger.Info("using in-memory store")
	}
	if closeStore != nil {
		defer func() { _ = closeStore() }()
	}

	var producer *presence.LocationProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = presence.NewLocationProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer func() { _ = producer.Close() }()
		logger.Info("location stream enabled", "topic", cfg.KafkaTopic)
	}

	provider := identity.NewStoreProvider(st, []byte(cfg.JWTSecret), cfg.SessionTTL)
	gate := &identity.Gate{Provider: provider, Store: st, Logger: logging.Component(logger, "identity")}

	adapter := &jobs.Adapter{Store: st, Logger: logging.Component(logger, "jobs")}
	if cfg.StripeAPIKey != "" {
		adapter.Payments = payments.NewStripeClient(cfg.StripeAPIKey)
		logger.Info("payments enabled")
	}

	srv := httpapi.NewServer(gate, provider, adapter, st, producer, logging.Component(logger, "http"))

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("tow-dispatch listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

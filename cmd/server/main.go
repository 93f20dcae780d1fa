package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/example/bagmatch/internal/auth"
	"github.com/example/bagmatch/internal/booking"
	"github.com/example/bagmatch/internal/config"
	"github.com/example/bagmatch/internal/delivery"
	"github.com/example/bagmatch/internal/dispatch"
	"github.com/example/bagmatch/internal/events"
	httpapi "github.com/example/bagmatch/internal/http"
	"github.com/example/bagmatch/internal/lifecycle"
	"github.com/example/bagmatch/internal/logging"
	"github.com/example/bagmatch/internal/payments"
	"github.com/example/bagmatch/internal/storage"
)

func main() {
	app := &cli.App{
		Name:  "bagmatch-server",
		Usage: "match lifecycle and delivery PIN API",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "http-addr", Usage: "listen address", EnvVars: []string{"HTTP_ADDR"}},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error", EnvVars: []string{"LOG_LEVEL"}},
			&cli.BoolFlag{Name: "migrate", Usage: "apply database migrations on start", EnvVars: []string{"MIGRATE"}},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if c.IsSet("http-addr") {
		cfg.HTTPAddr = c.String("http-addr")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.IsSet("migrate") {
		cfg.RunMigrations = c.Bool("migrate")
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	hub := dispatch.NewHub(logger)
	defer hub.Close()

	// Only the in-process ring is written inline; network sinks get a queue
	// each so a slow broker or peer never holds up a transition.
	ring := events.NewMemoryRing(cfg.EventRetention)
	wsQueue := events.NewAsync("websocket", hub, cfg.EventQueueSize, logger)
	defer wsQueue.Close()
	fanout := events.NewFanout(logger).Add("memory", ring).Add("websocket", wsQueue)
	var history events.History = ring

	if len(cfg.KafkaBrokers) > 0 {
		ks := events.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer ks.Close()
		kq := events.NewAsync("kafka", ks, cfg.EventQueueSize, logger)
		defer kq.Close()
		fanout.Add("kafka", kq)
		logger.Info("kafka event sink enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}
	if cfg.RedisAddr != "" {
		rc := events.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword)
		defer rc.Close()
		timeline := events.NewRedisTimeline(rc, cfg.RedisEventsKey, cfg.EventRetention)
		rq := events.NewAsync("redis", timeline, cfg.EventQueueSize, logger)
		defer rq.Close()
		fanout.Add("redis", rq)
		history = timeline
		logger.Info("redis timeline enabled", "addr", cfg.RedisAddr)
	}

	svc := booking.NewService(store, lifecycle.New(cfg.Cooldown), delivery.New(cfg.PinTTL, cfg.PinMaxAttempts))
	svc.Events = fanout
	svc.History = history
	svc.Logger = logger
	if cfg.StripeAPIKey != "" {
		svc.Payments = payments.NewStripeClient(cfg.StripeAPIKey)
		logger.Info("stripe capture enabled")
	}

	api := httpapi.NewServer(svc, auth.NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer), hub, logger)
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("bagmatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	api.SetReady(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func openStore(cfg config.ServerConfig, logger *slog.Logger) (storage.Store, error) {
	if cfg.PGDSN == "" {
		logger.Warn("PG_DSN not set; using in-memory store")
		return storage.NewMemoryStore(), nil
	}
	pg, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.RunMigrations {
		if err := pg.Migrate(); err != nil {
			pg.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info("migrations applied")
	}
	return pg, nil
}

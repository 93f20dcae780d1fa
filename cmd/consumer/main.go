package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"
	"github.com/urfave/cli/v2"

	"github.com/example/bagmatch/internal/config"
	"github.com/example/bagmatch/internal/events"
	"github.com/example/bagmatch/internal/logging"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total match event messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	timelineAppends = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_timeline_appends_total",
		Help: "Total events appended to the redis timeline",
	})
	timelineErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_timeline_errors_total",
		Help: "Total redis timeline append failures",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, timelineAppends, timelineErrors)
}

func main() {
	app := &cli.App{
		Name:  "bagmatch-consumer",
		Usage: "fold the match event stream into per-match redis timelines",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "metrics-addr", Usage: "address to serve prometheus metrics on", EnvVars: []string{"METRICS_ADDR"}},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if c.IsSet("metrics-addr") {
		cfg.MetricsAddr = c.String("metrics-addr")
	}
	logger := logging.NewLogger(cfg.LogLevel, "json")

	rc := events.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword)
	timeline := events.NewRedisTimeline(rc, cfg.RedisEventsKey, cfg.EventRetention)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := timeline.Ping(r.Context()); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)
	consume(ctx, r, timeline, logger)
	return nil
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// TimelineAppender is the subset of the redis timeline the consumer writes to.
type TimelineAppender interface {
	Publish(ctx context.Context, ev events.Event) error
}

func consume(ctx context.Context, r messageReader, tl TimelineAppender, logger *slog.Logger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			if !sleep(ctx, backoff) {
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		ev, err := events.Decode(m)
		if err != nil || ev.MatchID == "" {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "error", err, "offset", m.Offset)
			continue
		}

		if err := appendWithRetry(ctx, tl, ev, 3, 200*time.Millisecond); err != nil {
			timelineErrors.Inc()
			logger.Error("timeline append failed", "match_id", ev.MatchID, "event_id", ev.ID, "error", err)
			continue
		}
		timelineAppends.Inc()
	}
}

// appendWithRetry appends ev with exponential backoff between attempts.
func appendWithRetry(ctx context.Context, tl TimelineAppender, ev events.Event, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = tl.Publish(ctx, ev); err == nil {
			return nil
		}
		if i == attempts-1 || !sleep(ctx, delay) {
			break
		}
		delay *= 2
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

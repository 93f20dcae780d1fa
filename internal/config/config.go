package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally against in-memory storage.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	PGDSN         string
	RunMigrations bool

	RedisAddr      string
	RedisPassword  string
	RedisEventsKey string
	EventRetention int
	EventQueueSize int

	KafkaBrokers []string
	KafkaTopic   string

	JWTSecret string
	JWTIssuer string

	Cooldown       time.Duration
	PinTTL         time.Duration
	PinMaxAttempts int

	StripeAPIKey string

	LogLevel  string
	LogFormat string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RedisEventsKey:  "match_events",
		EventRetention:  1000,
		EventQueueSize:  1024,
		KafkaTopic:      "match-events",
		JWTIssuer:       "bagmatch",
		Cooldown:        24 * time.Hour,
		PinTTL:          15 * time.Minute,
		PinMaxAttempts:  5,
		LogLevel:        "info",
		LogFormat:       "json",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisEventsKey, "REDIS_EVENTS_KEY")
	setIntFromEnv(&cfg.EventRetention, "EVENT_RETENTION", &errs)
	setIntFromEnv(&cfg.EventQueueSize, "EVENT_QUEUE_SIZE", &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.JWTSecret = os.Getenv("AUTH_JWT_SECRET")
	setStringFromEnv(&cfg.JWTIssuer, "AUTH_JWT_ISSUER")

	setDurationFromEnv(&cfg.Cooldown, "MATCH_COOLDOWN", &errs)
	setDurationFromEnv(&cfg.PinTTL, "PIN_TTL", &errs)
	setIntFromEnv(&cfg.PinMaxAttempts, "PIN_MAX_ATTEMPTS", &errs)

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c ServerConfig) validate() []error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("AUTH_JWT_SECRET must be set"))
	}
	if c.Cooldown <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_COOLDOWN must be > 0"))
	}
	if c.PinTTL <= 0 {
		errs = append(errs, fmt.Errorf("PIN_TTL must be > 0"))
	}
	if c.PinMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("PIN_MAX_ATTEMPTS must be > 0"))
	}
	if c.EventRetention <= 0 {
		errs = append(errs, fmt.Errorf("EVENT_RETENTION must be > 0"))
	}
	if c.EventQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("EVENT_QUEUE_SIZE must be > 0"))
	}
	return errs
}

// ConsumerConfig drives cmd/consumer, which folds the Kafka event stream
// into the per-match Redis timeline.
type ConsumerConfig struct {
	KafkaBrokers   []string
	KafkaTopic     string
	KafkaGroup     string
	RedisAddr      string
	RedisPassword  string
	RedisEventsKey string
	EventRetention int
	MetricsAddr    string
	LogLevel       string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		KafkaBrokers:   []string{"localhost:9092"},
		KafkaTopic:     "match-events",
		KafkaGroup:     "bagmatch-timeline",
		RedisAddr:      "localhost:6379",
		RedisEventsKey: "match_events",
		EventRetention: 1000,
		MetricsAddr:    ":2112",
		LogLevel:       "info",
	}
	var errs []error
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisEventsKey, "REDIS_EVENTS_KEY")
	setIntFromEnv(&cfg.EventRetention, "EVENT_RETENTION", &errs)
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	if cfg.EventRetention <= 0 {
		errs = append(errs, fmt.Errorf("EVENT_RETENTION must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}

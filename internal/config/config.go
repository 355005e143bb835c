package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// MaxFanOut bounds how many drivers receive a single ride offer.
const MaxFanOut = 20

// ServerConfig captures all tunable parameters for the dispatch server.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	PresenceTTL   time.Duration
	InstanceID    string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN         string
	RunMigrations bool

	// SeedFile, when set and PG_DSN is not, preloads the memory store.
	SeedFile string

	FanOutLimit     int
	OTPTTL          time.Duration
	OTPMaxAttempts  int
	SettleAttempts  int
	SettleBaseDelay time.Duration

	Environment string
	LogLevel    string
}

// Production reports whether internal error detail must be hidden from
// callers.
func (c ServerConfig) Production() bool { return c.Environment == "production" }

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		PresenceTTL:     2 * time.Minute,
		InstanceID:      hostname(),
		KafkaTopic:      "ride-events",
		FanOutLimit:     MaxFanOut,
		OTPTTL:          10 * time.Minute,
		OTPMaxAttempts:  3,
		SettleAttempts:  3,
		SettleBaseDelay: 200 * time.Millisecond,
		Environment:     "development",
		LogLevel:        "info",
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

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setDurationFromEnv(&cfg.PresenceTTL, "PRESENCE_TTL", &errs)
	setStringFromEnv(&cfg.InstanceID, "INSTANCE_ID")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")
	setStringFromEnv(&cfg.SeedFile, "SEED_FILE")

	setIntFromEnv(&cfg.FanOutLimit, "DISPATCH_FANOUT_LIMIT", &errs)
	setDurationFromEnv(&cfg.OTPTTL, "OTP_TTL", &errs)
	setIntFromEnv(&cfg.OTPMaxAttempts, "OTP_MAX_ATTEMPTS", &errs)
	setIntFromEnv(&cfg.SettleAttempts, "SETTLE_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.SettleBaseDelay, "SETTLE_BASE_DELAY", &errs)

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.Environment = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.FanOutLimit <= 0 || cfg.FanOutLimit > MaxFanOut {
		errs = append(errs, fmt.Errorf("DISPATCH_FANOUT_LIMIT must be in 1..%d", MaxFanOut))
	}
	if cfg.OTPMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("OTP_MAX_ATTEMPTS must be > 0"))
	}
	if cfg.OTPTTL <= 0 {
		errs = append(errs, fmt.Errorf("OTP_TTL must be > 0"))
	}
	if cfg.SettleAttempts <= 0 {
		errs = append(errs, fmt.Errorf("SETTLE_ATTEMPTS must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// ReconcilerConfig configures the out-of-band completion reconciler.
type ReconcilerConfig struct {
	MetricsAddr string

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	PGDSN string

	SweepInterval   time.Duration
	SweepBatch      int
	SettleAttempts  int
	SettleBaseDelay time.Duration

	LogLevel string
}

func LoadReconcilerConfig() (ReconcilerConfig, error) {
	cfg := ReconcilerConfig{
		MetricsAddr:     ":2112",
		KafkaBrokers:    []string{"localhost:9092"},
		KafkaTopic:      "ride-events",
		KafkaGroup:      "ride-dispatch-reconciler",
		SweepInterval:   time.Minute,
		SweepBatch:      100,
		SettleAttempts:  3,
		SettleBaseDelay: 200 * time.Millisecond,
		LogLevel:        "info",
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	cfg.PGDSN = os.Getenv("PG_DSN")
	setDurationFromEnv(&cfg.SweepInterval, "SWEEP_INTERVAL", &errs)
	setIntFromEnv(&cfg.SweepBatch, "SWEEP_BATCH", &errs)
	setIntFromEnv(&cfg.SettleAttempts, "SETTLE_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.SettleBaseDelay, "SETTLE_BASE_DELAY", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.PGDSN == "" {
		errs = append(errs, fmt.Errorf("PG_DSN is required"))
	}
	if cfg.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("SWEEP_INTERVAL must be > 0"))
	}
	if cfg.SettleAttempts <= 0 {
		errs = append(errs, fmt.Errorf("SETTLE_ATTEMPTS must be > 0"))
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

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "dispatch-local"
	}
	return h
}

package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadServerConfig_Defaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.FanOutLimit != MaxFanOut || cfg.OTPTTL != 10*time.Minute || cfg.OTPMaxAttempts != 3 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Production() {
		t.Fatalf("default environment must not be production")
	}
}

func TestLoadServerConfig_FromEnv(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", " k1:9092, ,k2:9092 ")
	t.Setenv("OTP_TTL", "5m")
	t.Setenv("DISPATCH_FANOUT_LIMIT", "5")
	t.Setenv("APP_ENV", "Production")
	t.Setenv("SEED_FILE", "fixtures/parties.json")

	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if cfg.OTPTTL != 5*time.Minute || cfg.FanOutLimit != 5 || !cfg.Production() || cfg.SeedFile != "fixtures/parties.json" {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestLoadServerConfig_RejectsFanOutAboveCap(t *testing.T) {
	t.Setenv("DISPATCH_FANOUT_LIMIT", "21")
	t.Setenv("HTTP_READ_TIMEOUT", "soon")

	_, err := LoadServerConfig()
	if err == nil {
		t.Fatalf("expected error")
	}
	for _, want := range []string{"DISPATCH_FANOUT_LIMIT", "HTTP_READ_TIMEOUT"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %s in %v", want, err)
		}
	}
}

func TestLoadReconcilerConfig_RequiresDSN(t *testing.T) {
	t.Setenv("PG_DSN", "")
	if _, err := LoadReconcilerConfig(); err == nil {
		t.Fatalf("expected error without PG_DSN")
	}
	t.Setenv("PG_DSN", "postgres://localhost/rides")
	cfg, err := LoadReconcilerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.KafkaGroup != "ride-dispatch-reconciler" {
		t.Fatalf("unexpected group %q", cfg.KafkaGroup)
	}
}

package config

import (
	"testing"
)

func Test_Load_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load err: %v", err)
	}
	if cfg.BrokerKind != "asynq" {
		t.Fatalf("expected default broker kind asynq, got %q", cfg.BrokerKind)
	}
	if cfg.VerifyProgressFlushEvery != 10 {
		t.Fatalf("expected default verify flush of 10, got %d", cfg.VerifyProgressFlushEvery)
	}
	if cfg.ScrapeProgressFlushEvery != 50 {
		t.Fatalf("expected default scrape flush of 50, got %d", cfg.ScrapeProgressFlushEvery)
	}
	if !cfg.IsDev() {
		t.Fatalf("expected IsDev true by default")
	}
}

func Test_Load_Overrides(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("BROKER_KIND", "redpanda")
	t.Setenv("KAFKA_BROKERS", "broker1:9092,broker2:9092")
	t.Setenv("VERIFIER_API_KEY", "test-key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load err: %v", err)
	}
	if !cfg.IsProd() {
		t.Fatalf("expected IsProd true")
	}
	if cfg.BrokerKind != "redpanda" {
		t.Fatalf("expected broker kind redpanda, got %q", cfg.BrokerKind)
	}
	if len(cfg.KafkaBrokers) != 2 {
		t.Fatalf("expected 2 kafka brokers, got %+v", cfg.KafkaBrokers)
	}
	if cfg.VerifierAPIKey != "test-key" {
		t.Fatalf("expected verifier API key to be set")
	}
}

func Test_GetVerifierBackoffConfig(t *testing.T) {
	t.Setenv("APP_ENV", "test")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load err: %v", err)
	}
	delay, retries := cfg.GetVerifierBackoffConfig()
	if delay != 1_000_000 { // 1ms in nanoseconds, avoids importing time just for the literal
		t.Fatalf("expected 1ms test delay, got %v", delay)
	}
	if retries != 2 {
		t.Fatalf("expected 2 max retries, got %d", retries)
	}
}

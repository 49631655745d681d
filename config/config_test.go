package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "DATABASE_DRIVER", "AUTO_MIGRATE", "OTEL_ENABLED",
		"OTEL_SAMPLING_RATE", "OTEL_INSECURE", "LEDGER_BLOCK_INTERVAL", "FHE_SECRET_BITS",
		"APP_ENV",
	} {
		t.Setenv(key, "")
	}

	cfg := Load()

	if cfg.Port != "8080" {
		t.Errorf("want port 8080, got %s", cfg.Port)
	}
	if cfg.DatabaseDriver != "mysql" {
		t.Errorf("want driver mysql, got %s", cfg.DatabaseDriver)
	}
	if cfg.AutoMigrate || cfg.OtelEnabled {
		t.Error("want AutoMigrate and OtelEnabled disabled by default")
	}
	if cfg.OtelSamplingRate != 1.0 {
		t.Errorf("want sampling rate 1.0, got %v", cfg.OtelSamplingRate)
	}
	if !cfg.OtelInsecure {
		t.Error("want plaintext OTLP by default")
	}
	if cfg.AppEnv != "development" {
		t.Errorf("want env development, got %s", cfg.AppEnv)
	}
	if cfg.LedgerBlockInterval != 200*time.Millisecond {
		t.Errorf("want block interval 200ms, got %v", cfg.LedgerBlockInterval)
	}
	if cfg.FHESecretBits != 1024 {
		t.Errorf("want 1024 secret bits, got %d", cfg.FHESecretBits)
	}
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("AUTO_MIGRATE", "true")
	t.Setenv("OTEL_ENABLED", "1")
	t.Setenv("OTEL_SAMPLING_RATE", "0.25")
	t.Setenv("LEDGER_BLOCK_INTERVAL", "50ms")
	t.Setenv("FHE_SECRET_BITS", "512")
	t.Setenv("OTEL_INSECURE", "false")
	t.Setenv("APP_ENV", "production")

	cfg := Load()

	if cfg.OtelInsecure || cfg.AppEnv != "production" {
		t.Errorf("want secure OTLP in production, got insecure=%v env=%s", cfg.OtelInsecure, cfg.AppEnv)
	}

	if cfg.DatabaseDriver != "sqlite" || !cfg.AutoMigrate || !cfg.OtelEnabled {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if cfg.OtelSamplingRate != 0.25 {
		t.Errorf("want sampling rate 0.25, got %v", cfg.OtelSamplingRate)
	}
	if cfg.LedgerBlockInterval != 50*time.Millisecond {
		t.Errorf("want 50ms, got %v", cfg.LedgerBlockInterval)
	}
	if cfg.FHESecretBits != 512 {
		t.Errorf("want 512, got %d", cfg.FHESecretBits)
	}
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("AUTO_MIGRATE", "maybe")
	t.Setenv("LEDGER_BLOCK_INTERVAL", "-1s")
	t.Setenv("FHE_SECRET_BITS", "many")

	cfg := Load()

	if cfg.AutoMigrate {
		t.Error("want AutoMigrate false for invalid value")
	}
	if cfg.LedgerBlockInterval != 200*time.Millisecond {
		t.Errorf("want default interval, got %v", cfg.LedgerBlockInterval)
	}
	if cfg.FHESecretBits != 1024 {
		t.Errorf("want default bits, got %d", cfg.FHESecretBits)
	}
}

func TestConfig_SlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"DEBUG", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		cfg := &Config{LogLevel: tt.level}
		if got := cfg.SlogLevel(); got != tt.want {
			t.Errorf("%q: want %v, got %v", tt.level, tt.want, got)
		}
	}
}

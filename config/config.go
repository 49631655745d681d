// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション設定を表す。
type Config struct {
	Port               string
	DatabaseDriver     string
	DatabaseURL        string
	AutoMigrate        bool
	KMSKeyName         string
	LocalWrapKey       string
	GoogleCloudProject string
	LogLevel           string
	AppEnv             string

	OtelEnabled      bool
	OtelEndpoint     string
	OtelInsecure     bool
	OtelServiceName  string
	OtelSamplingRate float64

	JWTSecret           string
	LedgerBlockInterval time.Duration
	FHESecretBits       int
}

// Load は環境変数から設定を読み込む。
func Load() *Config {
	return &Config{
		Port:               getEnv("PORT", "8080"),
		DatabaseDriver:     getEnv("DATABASE_DRIVER", "mysql"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		AutoMigrate:        getEnvBool("AUTO_MIGRATE", false),
		KMSKeyName:         os.Getenv("KMS_KEY_NAME"),
		LocalWrapKey:       os.Getenv("LOCAL_WRAP_KEY"),
		GoogleCloudProject: os.Getenv("GOOGLE_CLOUD_PROJECT"),
		LogLevel:           getEnv("LOG_LEVEL", "INFO"),
		AppEnv:             getEnv("APP_ENV", "development"),

		OtelEnabled:      getEnvBool("OTEL_ENABLED", false),
		OtelEndpoint:     getEnv("OTEL_ENDPOINT", "localhost:4317"),
		OtelInsecure:     getEnvBool("OTEL_INSECURE", true),
		OtelServiceName:  getEnv("OTEL_SERVICE_NAME", "vehicle-loan-ledger"),
		OtelSamplingRate: getEnvFloat("OTEL_SAMPLING_RATE", 1.0),

		JWTSecret:           os.Getenv("JWT_SECRET"),
		LedgerBlockInterval: getEnvDuration("LEDGER_BLOCK_INTERVAL", 200*time.Millisecond),
		FHESecretBits:       getEnvInt("FHE_SECRET_BITS", 1024),
	}
}

// SlogLevel は LOG_LEVEL を slog.Level に変換する。
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return defaultVal
}

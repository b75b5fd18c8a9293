// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config はアプリケーション設定を表す。
type Config struct {
	Port               string
	LogLevel           string
	DatabaseURL        string
	AutoMigrate        bool
	FlushQueueSize     int
	MaxBodyBytes       int64
	ShutdownTimeout    time.Duration
	GoogleCloudProject string

	OtelEnabled      bool
	OtelEndpoint     string
	OtelInsecure     bool
	OtelServiceName  string
	OtelSamplingRate float64
}

// Load は環境変数から設定を読み込む。
// 数値や真偽値として解釈できない値があればまとめてエラーを返す。
func Load() (*Config, error) {
	p := &parser{}
	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		LogLevel:           getEnv("LOG_LEVEL", "INFO"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		AutoMigrate:        p.bool("AUTO_MIGRATE", false),
		FlushQueueSize:     p.int("FLUSH_QUEUE_SIZE", 1024),
		MaxBodyBytes:       int64(p.int("MAX_BODY_BYTES", 64*1024)),
		ShutdownTimeout:    p.duration("SHUTDOWN_TIMEOUT", 30*time.Second),
		GoogleCloudProject: os.Getenv("GOOGLE_CLOUD_PROJECT"),

		OtelEnabled:      p.bool("OTEL_ENABLED", false),
		OtelEndpoint:     getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OtelInsecure:     p.bool("OTEL_EXPORTER_OTLP_INSECURE", false),
		OtelServiceName:  getEnv("OTEL_SERVICE_NAME", "credential-registry"),
		OtelSamplingRate: p.float("OTEL_SAMPLING_RATE", 1.0),
	}

	if cfg.FlushQueueSize < 1 {
		p.errs = append(p.errs, fmt.Errorf("FLUSH_QUEUE_SIZE must be positive: %d", cfg.FlushQueueSize))
	}
	if cfg.MaxBodyBytes < 1 {
		p.errs = append(p.errs, fmt.Errorf("MAX_BODY_BYTES must be positive: %d", cfg.MaxBodyBytes))
	}
	if cfg.OtelSamplingRate < 0 || cfg.OtelSamplingRate > 1 {
		p.errs = append(p.errs, fmt.Errorf("OTEL_SAMPLING_RATE must be between 0 and 1: %v", cfg.OtelSamplingRate))
	}
	if err := errors.Join(p.errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// parser は型付きの環境変数を読み、失敗を蓄積する。
type parser struct {
	errs []error
}

func (p *parser) bool(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s: %w", key, err))
		return defaultVal
	}
	return b
}

func (p *parser) int(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s: %w", key, err))
		return defaultVal
	}
	return n
}

func (p *parser) float(key string, defaultVal float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s: %w", key, err))
		return defaultVal
	}
	return f
}

func (p *parser) duration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s: %w", key, err))
		return defaultVal
	}
	return d
}

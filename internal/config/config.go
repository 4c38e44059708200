// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"golang.org/x/crypto/bcrypt"
)

// ストレージドライバー。
const (
	StorageDriverPostgres = "postgres"
	StorageDriverMemory   = "memory"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Server
	BaseURL    string `envconfig:"BASE_URL" required:"true"`
	ServerPort string `envconfig:"SERVER_PORT" default:"8080"`

	// Storage
	StorageDriver string `envconfig:"STORAGE_DRIVER" default:"postgres"`
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	SeedFile      string `envconfig:"SEED_FILE"`

	// Session
	SessionMaxAge   int    `envconfig:"SESSION_MAX_AGE" default:"86400"`
	SessionRoleMode string `envconfig:"SESSION_ROLE_MODE" default:"snapshot"`
	BcryptCost      int    `envconfig:"BCRYPT_COST" default:"10"`

	// Comment
	AllowCommentsOnClosed bool `envconfig:"ALLOW_COMMENTS_ON_CLOSED" default:"true"`

	// Rate Limit（1分あたりのリクエスト数）
	RateLimitGeneral int `envconfig:"RATE_LIMIT_GENERAL" default:"120"`
	RateLimitLogin   int `envconfig:"RATE_LIMIT_LOGIN" default:"10"`

	// Background jobs
	StatsInterval          time.Duration `envconfig:"STATS_INTERVAL" default:"30m"`
	SessionCleanupInterval time.Duration `envconfig:"SESSION_CLEANUP_INTERVAL" default:"1h"`

	// Import
	ImportTimeout time.Duration `envconfig:"IMPORT_TIMEOUT" default:"10s"`
	ImportMaxSize int64         `envconfig:"IMPORT_MAX_SIZE" default:"5242880"`
	ImportRetries int           `envconfig:"IMPORT_RETRIES" default:"2"`

	// Cookie
	CookieDomain string `envconfig:"COOKIE_DOMAIN"`
	CookieSecure bool   `ignored:"true"`

	// CORS
	CORSAllowedOrigin string `envconfig:"CORS_ALLOWED_ORIGIN"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// Tracing
	TracesExporter string `envconfig:"OTEL_TRACES_EXPORTER" default:"none"`
	ServiceName    string `envconfig:"OTEL_SERVICE_NAME" default:"issuedesk"`
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合や値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	return cfg, nil
}

func (c *Config) validate() error {
	// 空文字列で設定された場合はenvconfigのrequiredを通過するため個別に確認する
	if c.BaseURL == "" {
		return fmt.Errorf("required environment variables are not set: [BASE_URL]")
	}
	switch c.StorageDriver {
	case StorageDriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("required environment variables are not set: [DATABASE_URL]")
		}
	case StorageDriverMemory:
	default:
		return fmt.Errorf("STORAGE_DRIVER must be %q or %q, got %q", StorageDriverPostgres, StorageDriverMemory, c.StorageDriver)
	}

	if c.SessionRoleMode != "snapshot" && c.SessionRoleMode != "strict" {
		return fmt.Errorf("SESSION_ROLE_MODE must be \"snapshot\" or \"strict\", got %q", c.SessionRoleMode)
	}
	if c.SessionMaxAge <= 0 {
		return fmt.Errorf("SESSION_MAX_AGE must be positive, got %d", c.SessionMaxAge)
	}
	if c.BcryptCost < bcrypt.MinCost || c.BcryptCost > bcrypt.MaxCost {
		return fmt.Errorf("BCRYPT_COST must be between %d and %d, got %d", bcrypt.MinCost, bcrypt.MaxCost, c.BcryptCost)
	}
	if c.RateLimitGeneral <= 0 || c.RateLimitLogin <= 0 {
		return fmt.Errorf("RATE_LIMIT_GENERAL and RATE_LIMIT_LOGIN must be positive")
	}
	if c.StatsInterval <= 0 || c.SessionCleanupInterval <= 0 || c.ImportTimeout <= 0 {
		return fmt.Errorf("STATS_INTERVAL, SESSION_CLEANUP_INTERVAL and IMPORT_TIMEOUT must be positive")
	}
	if c.ImportMaxSize <= 0 {
		return fmt.Errorf("IMPORT_MAX_SIZE must be positive, got %d", c.ImportMaxSize)
	}
	if c.ImportRetries < 0 {
		return fmt.Errorf("IMPORT_RETRIES must not be negative, got %d", c.ImportRetries)
	}
	switch c.TracesExporter {
	case "none", "stdout", "otlp":
	default:
		return fmt.Errorf("OTEL_TRACES_EXPORTER must be one of none, stdout, otlp, got %q", c.TracesExporter)
	}
	return nil
}

// Package config defines the triggerbot configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration. Fields come from a TOML file and are
// then overridden by TRIGGERBOT_* environment variables.
type Config struct {
	Engine    EngineConfig    `toml:"engine"`
	Executor  ExecutorConfig  `toml:"executor"`
	CopyTrade CopyTradeConfig `toml:"copy_trade"`
	Ledger    LedgerConfig    `toml:"ledger"`
	Feed      FeedConfig      `toml:"feed"`
	Wallet    WalletConfig    `toml:"wallet"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// EngineConfig drives the scheduler loop.
type EngineConfig struct {
	TickInterval duration `toml:"tick_interval"`
	MaxParallel  int      `toml:"max_parallel"`
	// PriceBucket is the price granularity folded into idempotency keys.
	PriceBucket   float64  `toml:"price_bucket"`
	StalePriceAge duration `toml:"stale_price_age"`
}

// ExecutorConfig holds the retry policy and submission limits.
type ExecutorConfig struct {
	MaxAttempts   int      `toml:"max_attempts"`
	BaseDelay     duration `toml:"base_delay"`
	Multiplier    float64  `toml:"multiplier"`
	MaxDelay      duration `toml:"max_delay"`
	SubmitTimeout duration `toml:"submit_timeout"`
	WalletLockTTL duration `toml:"wallet_lock_ttl"`
}

// CopyTradeConfig controls mirror order sizing.
type CopyTradeConfig struct {
	LotSize        string `toml:"lot_size"`
	ClipPolicy     string `toml:"clip_policy"`
	MirrorExisting bool   `toml:"mirror_existing"`
}

// LedgerConfig selects the submitter.
type LedgerConfig struct {
	Mode      string   `toml:"mode"`
	Endpoint  string   `toml:"endpoint"`
	APIKey    string   `toml:"api_key"`
	APISecret string   `toml:"api_secret"`
	ProgramID string   `toml:"program_id"`
	Timeout   duration `toml:"timeout"`
}

// FeedConfig selects how prices and leader positions reach the caches.
type FeedConfig struct {
	// Source is "bus" (SignalBus channels), "websocket" or "none".
	Source      string   `toml:"source"`
	WSURL       string   `toml:"ws_url"`
	PairRefresh duration `toml:"pair_refresh"`
}

// WalletConfig holds the engine's ed25519 signing key.
type WalletConfig struct {
	SecretKey        string `toml:"secret_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// PostgresConfig holds PostgreSQL connection parameters. When disabled the
// in-memory stores are used.
type PostgresConfig struct {
	Enabled       bool   `toml:"enabled"`
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. When disabled the
// in-process caches and bus are used.
type RedisConfig struct {
	Enabled      bool     `toml:"enabled"`
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PoolSize     int      `toml:"pool_size"`
	MaxRetries   int      `toml:"max_retries"`
	TLSEnabled   bool     `toml:"tls_enabled"`
	PriceTTL     duration `toml:"price_ttl"`
	StreamMaxLen int64    `toml:"stream_max_len"`
}

// S3Config holds the archive bucket settings.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `toml:"port"`
	APIKey      string   `toml:"api_key"`
	CORSOrigins []string `toml:"cors_origins"`
	// RateLimit is requests per minute per client; zero disables it.
	RateLimit int `toml:"rate_limit"`
}

// NotifyConfig configures owner alerts.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Engine: EngineConfig{
			TickInterval:  duration{time.Second},
			MaxParallel:   8,
			PriceBucket:   0.01,
			StalePriceAge: duration{30 * time.Second},
		},
		Executor: ExecutorConfig{
			MaxAttempts:   5,
			BaseDelay:     duration{500 * time.Millisecond},
			Multiplier:    2,
			MaxDelay:      duration{30 * time.Second},
			SubmitTimeout: duration{10 * time.Second},
			WalletLockTTL: duration{2 * time.Minute},
		},
		CopyTrade: CopyTradeConfig{
			LotSize:    "0.000001",
			ClipPolicy: "clip",
		},
		Ledger: LedgerConfig{
			Mode:    "paper",
			Timeout: duration{10 * time.Second},
		},
		Feed: FeedConfig{
			Source:      "bus",
			PairRefresh: duration{30 * time.Second},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "triggerbot",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			PriceTTL:     duration{5 * time.Minute},
			StreamMaxLen: 10000,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "triggerbot-archive",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   600,
		},
		Notify: NotifyConfig{
			Events: []string{"strategy.executed", "strategy.failed"},
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"engine": true,
	"server": true,
	"full":   true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// RunsEngine reports whether the mode starts the scheduler loop.
func (c *Config) RunsEngine() bool {
	return c.Mode == "engine" || c.Mode == "full"
}

// RunsServer reports whether the mode starts the HTTP API.
func (c *Config) RunsServer() bool {
	return c.Mode == "server" || c.Mode == "full"
}

// Validate checks the configuration and returns every problem at once.
func (c *Config) Validate() error {
	var errs []string

	c.Mode = strings.ToLower(c.Mode)
	if !validModes[c.Mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: engine, server, full)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Engine.TickInterval.Duration <= 0 {
		errs = append(errs, "engine: tick_interval must be positive")
	}
	if c.Engine.MaxParallel <= 0 {
		errs = append(errs, "engine: max_parallel must be positive")
	}
	if c.Engine.PriceBucket < 0 {
		errs = append(errs, "engine: price_bucket must not be negative")
	}

	if c.Executor.MaxAttempts <= 0 {
		errs = append(errs, "executor: max_attempts must be positive")
	}
	if c.Executor.BaseDelay.Duration <= 0 {
		errs = append(errs, "executor: base_delay must be positive")
	}
	if c.Executor.Multiplier < 1 {
		errs = append(errs, "executor: multiplier must be at least 1")
	}
	if c.Executor.SubmitTimeout.Duration <= 0 {
		errs = append(errs, "executor: submit_timeout must be positive")
	}

	if lot, err := decimal.NewFromString(c.CopyTrade.LotSize); err != nil || !lot.IsPositive() {
		errs = append(errs, fmt.Sprintf("copy_trade: lot_size %q must be a positive decimal", c.CopyTrade.LotSize))
	}
	switch c.CopyTrade.ClipPolicy {
	case "clip", "reject":
	default:
		errs = append(errs, fmt.Sprintf("copy_trade: unknown clip_policy %q (valid: clip, reject)", c.CopyTrade.ClipPolicy))
	}

	switch c.Ledger.Mode {
	case "paper":
	case "http":
		if c.Ledger.Endpoint == "" {
			errs = append(errs, "ledger: endpoint is required for mode http")
		}
		if c.Wallet.SecretKey == "" && c.Wallet.EncryptedKeyPath == "" {
			errs = append(errs, "wallet: secret_key or encrypted_key_path is required for ledger mode http")
		}
	default:
		errs = append(errs, fmt.Sprintf("ledger: unknown mode %q (valid: paper, http)", c.Ledger.Mode))
	}
	if c.Wallet.EncryptedKeyPath != "" && c.Wallet.KeyPassword == "" {
		errs = append(errs, "wallet: key_password is required when encrypted_key_path is set")
	}

	switch c.Feed.Source {
	case "bus", "none":
	case "websocket":
		if c.Feed.WSURL == "" {
			errs = append(errs, "feed: ws_url is required for source websocket")
		}
	default:
		errs = append(errs, fmt.Sprintf("feed: unknown source %q (valid: bus, websocket, none)", c.Feed.Source))
	}

	if c.Postgres.Enabled && c.Postgres.DSN == "" && c.Postgres.Host == "" {
		errs = append(errs, "postgres: dsn or host is required")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, "redis: addr is required")
	}
	if c.S3.Enabled && c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket is required")
	}
	if c.RunsServer() && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Sprintf("server: invalid port %d", c.Server.Port))
	}
	if c.Notify.TelegramToken != "" && c.Notify.TelegramChatID == "" {
		errs = append(errs, "notify: telegram_chat_id is required when telegram_token is set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

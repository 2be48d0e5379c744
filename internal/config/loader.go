package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TRIGGERBOT_"

// Load merges the TOML file at path over Defaults, loads .env if present and
// applies TRIGGERBOT_* overrides. A missing file at path is not an error so
// the binary can run from environment alone. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// Parse decodes TOML text over Defaults without touching the environment.
func Parse(text string) (*Config, error) {
	cfg := Defaults()
	if _, err := toml.Decode(text, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	return &cfg, nil
}

// applyEnvOverrides lets operators inject secrets and endpoints at deploy
// time without touching the TOML file. Unset or empty variables are ignored.
func applyEnvOverrides(cfg *Config) {
	// engine
	setDuration(&cfg.Engine.TickInterval, "ENGINE_TICK_INTERVAL")
	setInt(&cfg.Engine.MaxParallel, "ENGINE_MAX_PARALLEL")
	setFloat64(&cfg.Engine.PriceBucket, "ENGINE_PRICE_BUCKET")
	setDuration(&cfg.Engine.StalePriceAge, "ENGINE_STALE_PRICE_AGE")

	// executor
	setInt(&cfg.Executor.MaxAttempts, "EXECUTOR_MAX_ATTEMPTS")
	setDuration(&cfg.Executor.BaseDelay, "EXECUTOR_BASE_DELAY")
	setFloat64(&cfg.Executor.Multiplier, "EXECUTOR_MULTIPLIER")
	setDuration(&cfg.Executor.MaxDelay, "EXECUTOR_MAX_DELAY")
	setDuration(&cfg.Executor.SubmitTimeout, "EXECUTOR_SUBMIT_TIMEOUT")
	setDuration(&cfg.Executor.WalletLockTTL, "EXECUTOR_WALLET_LOCK_TTL")

	// copy trade
	setStr(&cfg.CopyTrade.LotSize, "COPY_TRADE_LOT_SIZE")
	setStr(&cfg.CopyTrade.ClipPolicy, "COPY_TRADE_CLIP_POLICY")
	setBool(&cfg.CopyTrade.MirrorExisting, "COPY_TRADE_MIRROR_EXISTING")

	// ledger
	setStr(&cfg.Ledger.Mode, "LEDGER_MODE")
	setStr(&cfg.Ledger.Endpoint, "LEDGER_ENDPOINT")
	setStr(&cfg.Ledger.APIKey, "LEDGER_API_KEY")
	setStr(&cfg.Ledger.APISecret, "LEDGER_API_SECRET")
	setStr(&cfg.Ledger.ProgramID, "LEDGER_PROGRAM_ID")
	setDuration(&cfg.Ledger.Timeout, "LEDGER_TIMEOUT")

	// feed
	setStr(&cfg.Feed.Source, "FEED_SOURCE")
	setStr(&cfg.Feed.WSURL, "FEED_WS_URL")
	setDuration(&cfg.Feed.PairRefresh, "FEED_PAIR_REFRESH")

	// wallet
	setStr(&cfg.Wallet.SecretKey, "WALLET_SECRET_KEY")
	setStr(&cfg.Wallet.EncryptedKeyPath, "WALLET_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Wallet.KeyPassword, "WALLET_KEY_PASSWORD")

	// postgres
	setBool(&cfg.Postgres.Enabled, "POSTGRES_ENABLED")
	setStr(&cfg.Postgres.DSN, "POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "POSTGRES_RUN_MIGRATIONS")

	// redis
	setBool(&cfg.Redis.Enabled, "REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "REDIS_ADDR")
	setStr(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.PriceTTL, "REDIS_PRICE_TTL")
	setInt64(&cfg.Redis.StreamMaxLen, "REDIS_STREAM_MAX_LEN")

	// s3
	setBool(&cfg.S3.Enabled, "S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "S3_ENDPOINT")
	setStr(&cfg.S3.Region, "S3_REGION")
	setStr(&cfg.S3.Bucket, "S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "S3_FORCE_PATH_STYLE")

	// server
	setInt(&cfg.Server.Port, "SERVER_PORT")
	setStr(&cfg.Server.APIKey, "SERVER_API_KEY")
	setStringSlice(&cfg.Server.CORSOrigins, "SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "SERVER_RATE_LIMIT")

	// notify
	setStr(&cfg.Notify.TelegramToken, "NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "NOTIFY_EVENTS")

	setStr(&cfg.Mode, "MODE")
	setStr(&cfg.LogLevel, "LOG_LEVEL")
}

func lookup(key string) (string, bool) {
	v := os.Getenv(EnvPrefix + key)
	return v, v != ""
}

func setStr(dst *string, key string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := lookup(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v, ok := lookup(key); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v, ok := lookup(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := lookup(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v, ok := lookup(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	parts := strings.Split(v, ",")
	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	if len(cleaned) > 0 {
		*dst = cleaned
	}
}

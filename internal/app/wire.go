package app

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	s3blob "github.com/alanyoungcy/triggerbot/internal/blob/s3"
	"github.com/alanyoungcy/triggerbot/internal/cache/redis"
	"github.com/alanyoungcy/triggerbot/internal/config"
	"github.com/alanyoungcy/triggerbot/internal/crypto"
	"github.com/alanyoungcy/triggerbot/internal/domain"
	"github.com/alanyoungcy/triggerbot/internal/ledger"
	"github.com/alanyoungcy/triggerbot/internal/notify"
	"github.com/alanyoungcy/triggerbot/internal/observability"
	"github.com/alanyoungcy/triggerbot/internal/server/handler"
	"github.com/alanyoungcy/triggerbot/internal/store/memory"
	"github.com/alanyoungcy/triggerbot/internal/store/postgres"
)

// PositionStore is both where leader snapshots are written and where the
// replicator reads them.
type PositionStore interface {
	domain.PositionCache
	domain.PositionSource
}

// Dependencies bundles the concrete adapters the run modes need. It is
// built by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	Strategies domain.StrategyStore
	Executions domain.ExecutionStore
	Cursors    domain.CopyCursorStore
	Audit      domain.AuditStore

	// Caches and bus
	Prices      domain.PriceCache
	Positions   PositionStore
	SignalBus   domain.SignalBus
	Locks       domain.LockManager // nil without Redis
	RateLimiter domain.RateLimiter

	// Archive, nil when S3 is disabled
	Archiver *s3blob.Archiver

	// Ledger
	Submitter domain.LedgerSubmitter
	Capacity  domain.CapacityChecker // nil when the ledger cannot report balances
	Signer    *crypto.Signer         // nil when no wallet key is configured

	Notifier *notify.Notifier
	Metrics  *observability.Metrics
	Checks   map[string]handler.Check
}

// Wire constructs every adapter from cfg. Postgres, Redis and S3 are used
// when enabled; otherwise the in-memory implementations stand in.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	deps := &Dependencies{
		Metrics: observability.NewMetrics(reg),
		Checks:  make(map[string]handler.Check),
	}

	// --- PostgreSQL ---
	if cfg.Postgres.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		pool := pgClient.Pool()
		deps.Strategies = postgres.NewStrategyStore(pool)
		deps.Executions = postgres.NewExecutionStore(pool)
		deps.Cursors = postgres.NewCopyCursorStore(pool)
		deps.Audit = postgres.NewAuditStore(pool)
		deps.Checks["postgres"] = pgClient.Ping
	} else {
		logger.Warn("postgres disabled, strategies live in memory only")
		deps.Strategies = memory.NewStrategyStore()
		deps.Executions = memory.NewExecutionStore()
		deps.Cursors = memory.NewCopyCursorStore()
		deps.Audit = memory.NewAuditStore()
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Prices = redis.NewPriceCache(redisClient, cfg.Redis.PriceTTL.Duration)
		deps.Positions = redis.NewPositionCache(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient, cfg.Redis.StreamMaxLen)
		deps.Locks = redis.NewLockManager(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.Checks["redis"] = redisClient.Ping
	} else {
		deps.Prices = memory.NewPriceBook()
		deps.Positions = memory.NewPositionBook()
		deps.SignalBus = memory.NewSignalBus()
		deps.RateLimiter = memory.NewRateLimiter()
	}

	// --- S3 archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		if err := s3Client.EnsureBucket(ctx); err != nil {
			return fail(fmt.Errorf("wire: s3 bucket: %w", err))
		}
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client), s3blob.NewReader(s3Client))
		deps.Checks["s3"] = s3Client.Health
	}

	// --- Signing key ---
	key, err := loadWalletKey(cfg.Wallet)
	if err != nil {
		return fail(fmt.Errorf("wire: wallet: %w", err))
	}
	if key != nil {
		deps.Signer, err = crypto.NewSigner(key)
		if err != nil {
			return fail(fmt.Errorf("wire: signer: %w", err))
		}
		logger.Info("instruction signing enabled", slog.String("address", deps.Signer.Address()))
	}

	// --- Ledger ---
	switch cfg.Ledger.Mode {
	case "http":
		var auth *crypto.HMACAuth
		if cfg.Ledger.APISecret != "" {
			auth = &crypto.HMACAuth{Key: cfg.Ledger.APIKey, Secret: cfg.Ledger.APISecret}
		}
		deps.Submitter = ledger.NewHTTPSubmitter(ledger.HTTPConfig{
			Endpoint: cfg.Ledger.Endpoint,
			APIKey:   cfg.Ledger.APIKey,
			Timeout:  cfg.Ledger.Timeout.Duration,
			Auth:     auth,
		}, logger)
	default:
		paper := ledger.NewPaperSubmitter(logger)
		deps.Submitter = paper
		deps.Capacity = paper
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

// loadWalletKey returns nil when no key is configured.
func loadWalletKey(cfg config.WalletConfig) (ed25519.PrivateKey, error) {
	if cfg.SecretKey == "" && cfg.EncryptedKeyPath == "" {
		return nil, nil
	}
	return crypto.LoadKey(crypto.KeyConfig{
		RawSecretKey:     cfg.SecretKey,
		EncryptedKeyPath: cfg.EncryptedKeyPath,
		KeyPassword:      cfg.KeyPassword,
	})
}

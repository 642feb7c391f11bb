package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/piron-finance/piron-backend/internal/blob/s3"
	"github.com/piron-finance/piron-backend/internal/cache/redis"
	"github.com/piron-finance/piron-backend/internal/config"
	"github.com/piron-finance/piron-backend/internal/domain"
	"github.com/piron-finance/piron-backend/internal/ledger/evm"
	"github.com/piron-finance/piron-backend/internal/notify"
	"github.com/piron-finance/piron-backend/internal/store/postgres"

	"github.com/ethereum/go-ethereum/common"
)

// Dependencies bundles every domain-level dependency that the application
// modes need to operate. It is constructed by Wire and torn down by the
// returned cleanup function.
type Dependencies struct {
	// Stores
	PoolStore       domain.PoolStore
	WithdrawalStore domain.WithdrawalStore
	OperationStore  domain.OperationStore
	TierStore       domain.TierStore
	PositionStore   domain.PositionStore
	AuditStore      domain.AuditStore

	// Redis-backed coordination
	LockManager domain.LockManager
	RateLimiter domain.RateLimiter
	SignalBus   domain.SignalBus
	HealthCache domain.HealthCache

	// Ledger
	Gateway domain.LedgerGateway

	// Blob storage
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	// Notifications
	Notifier *notify.Notifier
}

// needsS3 returns true for modes that run the cold-archive worker and so
// require object storage. The pure API server never touches S3.
func needsS3(mode string) bool {
	switch mode {
	case "workers", "full":
		return true
	default:
		return false
	}
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- PostgreSQL ---
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
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.PoolStore = postgres.NewPoolStore(pool)
	deps.WithdrawalStore = postgres.NewWithdrawalStore(pool)
	deps.OperationStore = postgres.NewOperationStore(pool)
	deps.TierStore = postgres.NewTierStore(pool)
	deps.PositionStore = postgres.NewPositionStore(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	deps.LockManager = redis.NewLockManager(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	deps.SignalBus = redis.NewSignalBus(redisClient)
	deps.HealthCache = redis.NewHealthCache(redisClient)

	// --- EVM ledger gateway ---
	gateway, err := evm.New(ctx, evm.Config{
		RPCURL:   cfg.Ledger.RPCURL,
		ChainID:  cfg.Ledger.ChainID,
		Registry: common.HexToAddress(cfg.Ledger.Registry),
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: ledger gateway: %w", err)
	}
	deps.Gateway = gateway

	// --- S3 blob storage (only for modes that run the archive worker) ---
	if needsS3(cfg.Mode) {
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
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = s3Client.Close() })

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Archiver = s3blob.NewArchiver(deps.BlobWriter, deps.WithdrawalStore, deps.AuditStore)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

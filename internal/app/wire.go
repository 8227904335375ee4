package app

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	s3blob "github.com/alanyoungcy/betledger/internal/blob/s3"
	"github.com/alanyoungcy/betledger/internal/cache/redis"
	"github.com/alanyoungcy/betledger/internal/config"
	"github.com/alanyoungcy/betledger/internal/crypto"
	"github.com/alanyoungcy/betledger/internal/domain"
	"github.com/alanyoungcy/betledger/internal/notify"
	"github.com/alanyoungcy/betledger/internal/platform/ethereum"
	"github.com/alanyoungcy/betledger/internal/service"
	"github.com/alanyoungcy/betledger/internal/store/postgres"
	"github.com/alanyoungcy/betledger/internal/store/sqlite"
)

// Dependencies bundles everything the modes need. Optional collaborators
// are nil when not configured.
type Dependencies struct {
	// Stores
	Pools    domain.PoolStore
	Balances domain.BalanceStore
	Audit    domain.AuditStore

	// Authoritative ledger
	Ledger domain.LedgerClient

	// Redis (optional)
	SignalBus   domain.SignalBus
	LockManager domain.LockManager
	RateLimiter domain.RateLimiter

	// Blob storage (optional)
	BlobReader domain.BlobReader
	BlobWriter domain.BlobWriter
	Archiver   domain.Archiver

	Notifier *notify.Notifier
	Bets     *service.BetService

	// Checks are the named readiness probes served on /api/health.
	Checks map[string]func(context.Context) error
}

// needsS3 reports whether object storage must be wired.
func needsS3(cfg *config.Config) bool {
	return cfg.Archive.Enabled || strings.EqualFold(cfg.Mode, "archive")
}

// Wire builds every dependency from cfg. The returned cleanup releases them
// in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(what string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", what, err)
	}

	deps := &Dependencies{Checks: make(map[string]func(context.Context) error)}

	// --- Pool, balance and audit stores ---
	switch cfg.Store.Backend {
	case "postgres":
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
			return fail("postgres", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail("postgres migrations", err)
			}
		}

		pool := pgClient.Pool()
		deps.Pools = postgres.NewPoolStore(pool)
		deps.Balances = postgres.NewBalanceStore(pool)
		deps.Audit = postgres.NewAuditStore(pool)
		deps.Checks["store"] = pgClient.Ping

	case "sqlite":
		db, err := sqlite.Open(ctx, cfg.Store.SQLitePath)
		if err != nil {
			return fail("sqlite", err)
		}
		closers = append(closers, func() { _ = db.Close() })

		deps.Pools = sqlite.NewPoolStore(db)
		deps.Balances = sqlite.NewBalanceStore(db)
		deps.Audit = sqlite.NewAuditStore(db)
		deps.Checks["store"] = db.Ping

	default:
		return fail("store", fmt.Errorf("unknown backend %q", cfg.Store.Backend))
	}

	// --- Redis ---
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		var err error
		redisClient, err = redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail("redis", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.SignalBus = redis.NewSignalBus(redisClient, 0)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.Checks["redis"] = redisClient.Ping
	}

	// --- Ledger ---
	switch cfg.Ledger.Backend {
	case "ethereum":
		key, err := crypto.LoadECDSA(crypto.KeyConfig{
			RawPrivateKey:    cfg.Ledger.PrivateKey,
			EncryptedKeyPath: cfg.Ledger.EncryptedKeyPath,
			KeyPassword:      cfg.Ledger.KeyPassword,
		})
		if err != nil {
			return fail("ledger key", err)
		}
		signer, err := crypto.NewTxSigner(key, big.NewInt(cfg.Ledger.ChainID))
		if err != nil {
			return fail("ledger signer", err)
		}
		eth, err := ethereum.Dial(ctx, cfg.Ledger.RPCURL)
		if err != nil {
			return fail("ledger rpc", err)
		}
		closers = append(closers, eth.Close)

		ledger, err := ethereum.New(eth, signer, ethereum.Config{
			Contract:       common.HexToAddress(cfg.Ledger.ContractAddress),
			GasLimit:       cfg.Ledger.GasLimit,
			ReceiptTimeout: cfg.Ledger.ReceiptTimeout.Duration,
			ReceiptPoll:    cfg.Ledger.ReceiptPoll.Duration,
		}, logger)
		if err != nil {
			return fail("ledger", err)
		}
		deps.Ledger = ledger
		deps.Checks["ledger"] = func(ctx context.Context) error {
			_, err := eth.ChainID(ctx)
			return err
		}
		logger.InfoContext(ctx, "wire: contract ledger",
			slog.String("contract", cfg.Ledger.ContractAddress),
			slog.String("sender", signer.Address().Hex()),
		)

	case "redis":
		if redisClient == nil {
			return fail("ledger", fmt.Errorf("backend redis requires redis.enabled"))
		}
		deps.Ledger = redis.NewStreamLedger(redisClient, cfg.Ledger.Stream)

	default:
		return fail("ledger", fmt.Errorf("unknown backend %q", cfg.Ledger.Backend))
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
	if deps.Notifier.Enabled(notify.EventLedgerOrphan) {
		deps.Audit = notify.NewAlertingAuditStore(deps.Audit, deps.Notifier, logger)
	}

	// --- S3 archive ---
	if needsS3(cfg) {
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
			return fail("s3", err)
		}
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.Archiver = s3blob.NewPoolArchiver(deps.Pools, deps.BlobReader, deps.BlobWriter, deps.Audit, logger)
		deps.Checks["s3"] = s3Client.Health
	}

	// --- Bet service ---
	deps.Bets = service.NewBetService(deps.Pools, deps.Balances, deps.Ledger, deps.Audit, service.BetConfig{
		BalanceFloor:      cfg.Betting.BalanceFloor,
		HouseLiquidity:    cfg.Betting.HouseLiquidity,
		MaxStoreRetries:   cfg.Betting.MaxStoreRetries,
		SettleConcurrency: cfg.Betting.SettleConcurrency,
		SettleLockTTL:     cfg.Betting.SettleLockTTL.Duration,
	}, logger)
	if deps.SignalBus != nil {
		deps.Bets.WithSignalBus(deps.SignalBus)
	}
	if deps.LockManager != nil {
		deps.Bets.WithLockManager(deps.LockManager)
	}

	return deps, cleanup, nil
}

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads the TOML file at path over the built-in defaults and applies
// BETLEDGER_* environment overrides. An empty path skips the file. The
// result has not been validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// A missing .env is fine.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// ── Betting ──
	setInt64(&cfg.Betting.BalanceFloor, "BETLEDGER_BETTING_BALANCE_FLOOR")
	setInt64(&cfg.Betting.HouseLiquidity, "BETLEDGER_BETTING_HOUSE_LIQUIDITY")
	setInt(&cfg.Betting.MaxStoreRetries, "BETLEDGER_BETTING_MAX_STORE_RETRIES")
	setInt(&cfg.Betting.SettleConcurrency, "BETLEDGER_BETTING_SETTLE_CONCURRENCY")
	setDuration(&cfg.Betting.SettleLockTTL, "BETLEDGER_BETTING_SETTLE_LOCK_TTL")

	// ── Store ──
	setStr(&cfg.Store.Backend, "BETLEDGER_STORE_BACKEND")
	setStr(&cfg.Store.SQLitePath, "BETLEDGER_STORE_SQLITE_PATH")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "BETLEDGER_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "BETLEDGER_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "BETLEDGER_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "BETLEDGER_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "BETLEDGER_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "BETLEDGER_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "BETLEDGER_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "BETLEDGER_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "BETLEDGER_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "BETLEDGER_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "BETLEDGER_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "BETLEDGER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "BETLEDGER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "BETLEDGER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "BETLEDGER_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "BETLEDGER_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "BETLEDGER_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "BETLEDGER_REDIS_KEY_PREFIX")

	// ── Ledger ──
	setStr(&cfg.Ledger.Backend, "BETLEDGER_LEDGER_BACKEND")
	setStr(&cfg.Ledger.RPCURL, "BETLEDGER_LEDGER_RPC_URL")
	setStr(&cfg.Ledger.ContractAddress, "BETLEDGER_LEDGER_CONTRACT_ADDRESS")
	setInt64(&cfg.Ledger.ChainID, "BETLEDGER_LEDGER_CHAIN_ID")
	setStr(&cfg.Ledger.PrivateKey, "BETLEDGER_LEDGER_PRIVATE_KEY")
	setStr(&cfg.Ledger.EncryptedKeyPath, "BETLEDGER_LEDGER_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Ledger.KeyPassword, "BETLEDGER_LEDGER_KEY_PASSWORD")
	setUint64(&cfg.Ledger.GasLimit, "BETLEDGER_LEDGER_GAS_LIMIT")
	setDuration(&cfg.Ledger.ReceiptTimeout, "BETLEDGER_LEDGER_RECEIPT_TIMEOUT")
	setDuration(&cfg.Ledger.ReceiptPoll, "BETLEDGER_LEDGER_RECEIPT_POLL")
	setStr(&cfg.Ledger.Stream, "BETLEDGER_LEDGER_STREAM")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "BETLEDGER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "BETLEDGER_S3_REGION")
	setStr(&cfg.S3.Bucket, "BETLEDGER_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "BETLEDGER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "BETLEDGER_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "BETLEDGER_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "BETLEDGER_S3_FORCE_PATH_STYLE")

	// ── Archive ──
	setBool(&cfg.Archive.Enabled, "BETLEDGER_ARCHIVE_ENABLED")
	setInt(&cfg.Archive.RetentionDays, "BETLEDGER_ARCHIVE_RETENTION_DAYS")
	setDuration(&cfg.Archive.Interval, "BETLEDGER_ARCHIVE_INTERVAL")

	// ── Server ──
	setInt(&cfg.Server.Port, "BETLEDGER_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "BETLEDGER_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "BETLEDGER_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "BETLEDGER_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "BETLEDGER_SERVER_RATE_WINDOW")
	setStr(&cfg.Server.SigningSecret, "BETLEDGER_SERVER_SIGNING_SECRET")
	setDuration(&cfg.Server.SignatureMaxAge, "BETLEDGER_SERVER_SIGNATURE_MAX_AGE")
	setBool(&cfg.Server.WebSocket, "BETLEDGER_SERVER_WEBSOCKET")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "BETLEDGER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "BETLEDGER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "BETLEDGER_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "BETLEDGER_NOTIFY_EVENTS")
	setInt(&cfg.Notify.LeaderboardSize, "BETLEDGER_NOTIFY_LEADERBOARD_SIZE")

	// ── Top-level ──
	setStr(&cfg.Mode, "BETLEDGER_MODE")
	setStr(&cfg.LogLevel, "BETLEDGER_LOG_LEVEL")
}

// Each helper only mutates the target when the variable is set and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
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
}

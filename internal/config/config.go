// Package config defines the bet ledger configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration. Fields are populated from a TOML file and
// then optionally overridden by BETLEDGER_* environment variables.
type Config struct {
	Betting  BettingConfig  `toml:"betting"`
	Store    StoreConfig    `toml:"store"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	Ledger   LedgerConfig   `toml:"ledger"`
	S3       S3Config       `toml:"s3"`
	Archive  ArchiveConfig  `toml:"archive"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// BettingConfig holds the house rules.
type BettingConfig struct {
	BalanceFloor      int64    `toml:"balance_floor"`
	HouseLiquidity    int64    `toml:"house_liquidity"`
	MaxStoreRetries   int      `toml:"max_store_retries"`
	SettleConcurrency int      `toml:"settle_concurrency"`
	SettleLockTTL     duration `toml:"settle_lock_ttl"`
}

// StoreConfig selects the pool/balance/audit store.
type StoreConfig struct {
	Backend    string `toml:"backend"` // "postgres" or "sqlite"
	SQLitePath string `toml:"sqlite_path"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
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

// RedisConfig holds Redis connection parameters. Redis is optional unless
// the ledger backend is "redis".
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// LedgerConfig selects and configures the authoritative ledger.
type LedgerConfig struct {
	Backend          string   `toml:"backend"` // "ethereum" or "redis"
	RPCURL           string   `toml:"rpc_url"`
	ContractAddress  string   `toml:"contract_address"`
	ChainID          int64    `toml:"chain_id"`
	PrivateKey       string   `toml:"private_key"`
	EncryptedKeyPath string   `toml:"encrypted_key_path"`
	KeyPassword      string   `toml:"key_password"`
	GasLimit         uint64   `toml:"gas_limit"`
	ReceiptTimeout   duration `toml:"receipt_timeout"`
	ReceiptPoll      duration `toml:"receipt_poll"`
	Stream           string   `toml:"stream"` // redis backend only
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ArchiveConfig controls copying settled pools to S3.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	RetentionDays int      `toml:"retention_days"`
	Interval      duration `toml:"interval"`
}

// duration wraps time.Duration so TOML strings like "5m" decode.
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
	// SigningSecret enables HMAC verification of settlement requests.
	SigningSecret   string   `toml:"signing_secret"`
	SignatureMaxAge duration `toml:"signature_max_age"`
	WebSocket       bool     `toml:"websocket"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	LeaderboardSize   int      `toml:"leaderboard_size"`
}

// Defaults returns a Config populated with the values in
// config.example.toml.
func Defaults() Config {
	return Config{
		Betting: BettingConfig{
			BalanceFloor:      -100,
			HouseLiquidity:    1000,
			MaxStoreRetries:   3,
			SettleConcurrency: 8,
			SettleLockTTL:     duration{2 * time.Minute},
		},
		Store: StoreConfig{
			Backend:    "postgres",
			SQLitePath: "betledger.db",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "betledger",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "betledger:",
		},
		Ledger: LedgerConfig{
			Backend:        "ethereum",
			RPCURL:         "http://localhost:8545",
			ChainID:        1337,
			GasLimit:       500_000,
			ReceiptTimeout: duration{2 * time.Minute},
			ReceiptPoll:    duration{2 * time.Second},
			Stream:         "stream:ledger",
		},
		S3: S3Config{
			Region:         "us-east-1",
			Bucket:         "betledger-archive",
			ForcePathStyle: true,
		},
		Archive: ArchiveConfig{
			RetentionDays: 30,
			Interval:      duration{24 * time.Hour},
		},
		Server: ServerConfig{
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000"},
			RateWindow:      duration{time.Minute},
			SignatureMaxAge: duration{5 * time.Minute},
			WebSocket:       true,
		},
		Notify: NotifyConfig{
			Events:          []string{"settlement", "ledger_orphan"},
			LeaderboardSize: 10,
		},
		Mode:     "server",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"server":      true,
	"archive":     true,
	"leaderboard": true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, archive, leaderboard)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Betting
	if c.Betting.HouseLiquidity < 4 {
		errs = append(errs, "betting: house_liquidity must be >= 4")
	}
	if c.Betting.BalanceFloor > 0 {
		errs = append(errs, "betting: balance_floor must be <= 0")
	}
	if c.Betting.MaxStoreRetries < 0 {
		errs = append(errs, "betting: max_store_retries must be >= 0")
	}
	if c.Betting.SettleConcurrency < 1 {
		errs = append(errs, "betting: settle_concurrency must be >= 1")
	}

	// Store
	switch c.Store.Backend {
	case "postgres":
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, "store: sqlite_path must not be empty")
		}
	default:
		errs = append(errs, fmt.Sprintf("store: unknown backend %q (valid: postgres, sqlite)", c.Store.Backend))
	}

	// Ledger
	switch c.Ledger.Backend {
	case "ethereum":
		if c.Ledger.RPCURL == "" {
			errs = append(errs, "ledger: rpc_url must not be empty")
		}
		if c.Ledger.ContractAddress == "" {
			errs = append(errs, "ledger: contract_address must not be empty")
		}
		if c.Ledger.ChainID <= 0 {
			errs = append(errs, "ledger: chain_id must be positive")
		}
		if c.Ledger.PrivateKey == "" && c.Ledger.EncryptedKeyPath == "" {
			errs = append(errs, "ledger: either private_key or encrypted_key_path must be set")
		}
		if c.Ledger.EncryptedKeyPath != "" && c.Ledger.KeyPassword == "" {
			errs = append(errs, "ledger: key_password is required when encrypted_key_path is set")
		}
	case "redis":
		if !c.Redis.Enabled {
			errs = append(errs, "ledger: backend redis requires redis.enabled")
		}
		if c.Ledger.Stream == "" {
			errs = append(errs, "ledger: stream must not be empty")
		}
	default:
		errs = append(errs, fmt.Sprintf("ledger: unknown backend %q (valid: ethereum, redis)", c.Ledger.Backend))
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// Archive
	if c.Archive.Enabled || c.Mode == "archive" {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archiving")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty when archiving")
		}
		if c.Archive.RetentionDays < 1 {
			errs = append(errs, "archive: retention_days must be >= 1")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be positive")
		}
	}

	// Server
	if c.Mode == "server" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit > 0 && !c.Redis.Enabled {
			errs = append(errs, "server: rate_limit requires redis.enabled")
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be positive when rate_limit is set")
		}
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

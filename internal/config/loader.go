package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load decodes the TOML file at path over Defaults, loads .env if present
// and applies WARD_* overrides. An empty path skips the file. The result is
// not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	_ = godotenv.Load()
	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Ledger.RPCURL, "WARD_LEDGER_RPC_URL")
	setStr(&cfg.Ledger.WSURL, "WARD_LEDGER_WS_URL")
	setStringSlice(&cfg.Ledger.Accounts, "WARD_LEDGER_ACCOUNTS")
	setDuration(&cfg.Ledger.Timeout, "WARD_LEDGER_TIMEOUT")

	setStr(&cfg.Signer.PrivateKey, "WARD_SIGNER_PRIVATE_KEY")
	setStr(&cfg.Signer.EncryptedKeyPath, "WARD_SIGNER_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Signer.KeyPassword, "WARD_SIGNER_KEY_PASSWORD")
	setStr(&cfg.Signer.GatewayURL, "WARD_SIGNER_GATEWAY_URL")
	setStr(&cfg.Signer.GatewayKey, "WARD_SIGNER_GATEWAY_KEY")
	setStr(&cfg.Signer.GatewaySecret, "WARD_SIGNER_GATEWAY_SECRET")
	setStr(&cfg.Signer.Account, "WARD_SIGNER_ACCOUNT")

	setStr(&cfg.Postgres.DSN, "WARD_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "WARD_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "WARD_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "WARD_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "WARD_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "WARD_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "WARD_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "WARD_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "WARD_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "WARD_POSTGRES_RUN_MIGRATIONS")

	setBool(&cfg.Redis.Enabled, "WARD_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "WARD_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "WARD_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "WARD_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "WARD_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.TLSEnabled, "WARD_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.Prefix, "WARD_REDIS_PREFIX")
	setDuration(&cfg.Redis.SnapshotTTL, "WARD_REDIS_SNAPSHOT_TTL")

	setBool(&cfg.S3.Enabled, "WARD_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "WARD_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "WARD_S3_REGION")
	setStr(&cfg.S3.Bucket, "WARD_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "WARD_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "WARD_S3_SECRET_KEY")
	setStr(&cfg.S3.Prefix, "WARD_S3_PREFIX")

	setStr(&cfg.NATS.URL, "WARD_NATS_URL")
	setStr(&cfg.NATS.Stream, "WARD_NATS_STREAM")
	setStr(&cfg.NATS.Subject, "WARD_NATS_SUBJECT")
	setStr(&cfg.NATS.Durable, "WARD_NATS_DURABLE")

	setDecimal(&cfg.Insurance.MinCoverageRatio, "WARD_INSURANCE_MIN_COVERAGE_RATIO")
	setDuration(&cfg.Insurance.DisputeWindow, "WARD_INSURANCE_DISPUTE_WINDOW")
	setDuration(&cfg.Insurance.CancelBuffer, "WARD_INSURANCE_CANCEL_BUFFER")
	setDuration(&cfg.Insurance.CoverageDelay, "WARD_INSURANCE_COVERAGE_DELAY")
	setInt(&cfg.Insurance.MaxTermDays, "WARD_INSURANCE_MAX_TERM_DAYS")
	setBool(&cfg.Insurance.AutoEscrow, "WARD_INSURANCE_AUTO_ESCROW")
	setStringSlice(&cfg.Insurance.MonitoredBrokers, "WARD_INSURANCE_MONITORED_BROKERS")

	setStr(&cfg.Intake.Source, "WARD_INTAKE_SOURCE")
	setBool(&cfg.Intake.BridgeLedger, "WARD_INTAKE_BRIDGE_LEDGER")

	setDuration(&cfg.Sweeper.Interval, "WARD_SWEEPER_INTERVAL")
	setBool(&cfg.Sweeper.AutoFinish, "WARD_SWEEPER_AUTO_FINISH")
	setDuration(&cfg.Sweeper.ArchiveAfter, "WARD_SWEEPER_ARCHIVE_AFTER")

	setInt(&cfg.Server.Port, "WARD_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "WARD_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "WARD_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "WARD_SERVER_RATE_LIMIT")

	setStr(&cfg.Notify.TelegramToken, "WARD_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "WARD_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "WARD_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "WARD_NOTIFY_EVENTS")

	setStr(&cfg.Mode, "WARD_MODE")
	setStr(&cfg.LogLevel, "WARD_LOG_LEVEL")
}

// Each setter changes dst only when the variable is set, non-empty and
// parses.

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

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			*dst = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var cleaned []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	if len(cleaned) > 0 {
		*dst = cleaned
	}
}

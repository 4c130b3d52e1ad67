// Package config defines ward's configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Run modes.
const (
	ModeValidator = "validator"
	ModeServer    = "server"
	ModeFull      = "full"
	ModeDryRun    = "dry-run"
)

// Intake sources.
const (
	SourceLedger = "ledger"
	SourceNATS   = "nats"
	SourceRedis  = "redis"
)

// Config is the root configuration, read from TOML and then overridden by
// WARD_* environment variables.
type Config struct {
	Ledger    LedgerConfig    `toml:"ledger"`
	Signer    SignerConfig    `toml:"signer"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	S3        S3Config        `toml:"s3"`
	NATS      NATSConfig      `toml:"nats"`
	Insurance InsuranceConfig `toml:"insurance"`
	Intake    IntakeConfig    `toml:"intake"`
	Locks     LockConfig      `toml:"locks"`
	Sweeper   SweeperConfig   `toml:"sweeper"`
	Server    ServerConfig    `toml:"server"`
	Notify    NotifyConfig    `toml:"notify"`
	Mode      string          `toml:"mode"`
	LogLevel  string          `toml:"log_level"`
}

// LedgerConfig points at the ledger's JSON-RPC and websocket endpoints.
type LedgerConfig struct {
	RPCURL   string   `toml:"rpc_url"`
	WSURL    string   `toml:"ws_url"`
	Accounts []string `toml:"accounts"`
	Timeout  duration `toml:"timeout"`
}

// SignerConfig holds the instruction signing key and the gateway that
// submits signed instructions.
type SignerConfig struct {
	PrivateKey       string   `toml:"private_key"`
	EncryptedKeyPath string   `toml:"encrypted_key_path"`
	KeyPassword      string   `toml:"key_password"`
	GatewayURL       string   `toml:"gateway_url"`
	GatewayKey       string   `toml:"gateway_key"`
	GatewaySecret    string   `toml:"gateway_secret"`
	Account          string   `toml:"account"`
	Timeout          duration `toml:"timeout"`
}

// PostgresConfig holds connection parameters.
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

// RedisConfig enables the snapshot cache, distributed locks, the signal bus
// and API rate limiting.
type RedisConfig struct {
	Enabled     bool     `toml:"enabled"`
	Addr        string   `toml:"addr"`
	Password    string   `toml:"password"`
	DB          int      `toml:"db"`
	PoolSize    int      `toml:"pool_size"`
	MaxRetries  int      `toml:"max_retries"`
	TLSEnabled  bool     `toml:"tls_enabled"`
	Prefix      string   `toml:"prefix"`
	SnapshotTTL duration `toml:"snapshot_ttl"`
}

// S3Config enables archival to S3-compatible storage.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
}

// NATSConfig names the JetStream stream carrying default events.
type NATSConfig struct {
	URL        string   `toml:"url"`
	Stream     string   `toml:"stream"`
	Subject    string   `toml:"subject"`
	Durable    string   `toml:"durable"`
	AckWait    duration `toml:"ack_wait"`
	MaxDeliver int      `toml:"max_deliver"`
}

// InsuranceConfig holds the business parameters.
type InsuranceConfig struct {
	MinCoverageRatio decimal.Decimal `toml:"min_coverage_ratio"`
	DisputeWindow    duration        `toml:"dispute_window"`
	CancelBuffer     duration        `toml:"cancel_buffer"`
	CoverageDelay    duration        `toml:"coverage_delay"`
	MaxTermDays      int             `toml:"max_term_days"`
	AutoEscrow       bool            `toml:"auto_escrow"`
	MonitoredBrokers []string        `toml:"monitored_brokers"`
}

// IntakeConfig tunes the default-event intake loop. With BridgeLedger set
// and a broker source, the ledger stream is republished into the broker.
type IntakeConfig struct {
	Source        string   `toml:"source"`
	BridgeLedger  bool     `toml:"bridge_ledger"`
	Buffer        int      `toml:"buffer"`
	DedupTTL      duration `toml:"dedup_ttl"`
	RetryAttempts uint     `toml:"retry_attempts"`
	RetryDelay    duration `toml:"retry_delay"`
}

// LockConfig tunes per-claim and per-pool locking.
type LockConfig struct {
	TTL      duration `toml:"ttl"`
	Attempts uint     `toml:"attempts"`
	Delay    duration `toml:"delay"`
}

// SweeperConfig tunes the periodic housekeeping pass.
type SweeperConfig struct {
	Interval     duration `toml:"interval"`
	AutoFinish   bool     `toml:"auto_finish"`
	ArchiveAfter duration `toml:"archive_after"`
	BatchSize    int      `toml:"batch_size"`
}

// ServerConfig holds the HTTP API settings.
type ServerConfig struct {
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	APIKey          string   `toml:"api_key"`
	RateLimit       int      `toml:"rate_limit"`
	RateLimitWindow duration `toml:"rate_limit_window"`
}

// NotifyConfig holds operator notification channels. Events filters which
// lifecycle events are sent; empty sends all.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration decodes TOML strings such as "48h".
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

// Defaults returns the configuration used when a field is absent.
func Defaults() Config {
	return Config{
		Ledger: LedgerConfig{
			RPCURL:  "http://localhost:5005",
			WSURL:   "ws://localhost:6006",
			Timeout: duration{10 * time.Second},
		},
		Signer: SignerConfig{
			Timeout: duration{30 * time.Second},
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "ward",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			PoolSize:    20,
			MaxRetries:  3,
			Prefix:      "ward:",
			SnapshotTTL: duration{30 * time.Second},
		},
		S3: S3Config{
			Region:         "us-east-1",
			Bucket:         "ward-archive",
			ForcePathStyle: true,
		},
		NATS: NATSConfig{
			URL:        "nats://localhost:4222",
			Stream:     "WARD_DEFAULTS",
			Subject:    "ward.defaults",
			Durable:    "ward-intake",
			AckWait:    duration{30 * time.Second},
			MaxDeliver: 5,
		},
		Insurance: InsuranceConfig{
			MinCoverageRatio: decimal.NewFromInt(2),
			DisputeWindow:    duration{48 * time.Hour},
			CancelBuffer:     duration{72 * time.Hour},
			CoverageDelay:    duration{24 * time.Hour},
			MaxTermDays:      365,
			AutoEscrow:       true,
		},
		Intake: IntakeConfig{
			Source:        SourceLedger,
			Buffer:        256,
			DedupTTL:      duration{10 * time.Minute},
			RetryAttempts: 3,
			RetryDelay:    duration{time.Second},
		},
		Locks: LockConfig{
			TTL:      duration{30 * time.Second},
			Attempts: 20,
			Delay:    duration{100 * time.Millisecond},
		},
		Sweeper: SweeperConfig{
			Interval:     duration{time.Minute},
			ArchiveAfter: duration{90 * 24 * time.Hour},
			BatchSize:    500,
		},
		Server: ServerConfig{
			Port:            8080,
			RateLimit:       120,
			RateLimitWindow: duration{time.Minute},
		},
		Mode:     ModeFull,
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	ModeValidator: true,
	ModeServer:    true,
	ModeFull:      true,
	ModeDryRun:    true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// RunsIntake reports whether the mode consumes default events.
func (c *Config) RunsIntake() bool {
	return c.Mode == ModeValidator || c.Mode == ModeFull || c.Mode == ModeDryRun
}

// RunsServer reports whether the mode serves the HTTP API.
func (c *Config) RunsServer() bool {
	return c.Mode == ModeServer || c.Mode == ModeFull || c.Mode == ModeDryRun
}

// DryRun reports whether external writes are disabled.
func (c *Config) DryRun() bool { return c.Mode == ModeDryRun }

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	if !validModes[c.Mode] {
		add("unknown mode %q (valid: validator, server, full, dry-run)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	if c.Ledger.RPCURL == "" {
		add("ledger: rpc_url must not be empty")
	}

	if !c.DryRun() {
		if c.Signer.PrivateKey == "" && c.Signer.EncryptedKeyPath == "" {
			add("signer: private_key or encrypted_key_path must be set for mode %s", c.Mode)
		}
		if c.Signer.EncryptedKeyPath != "" && c.Signer.KeyPassword == "" {
			add("signer: key_password is required when encrypted_key_path is set")
		}
		if c.Signer.GatewayURL == "" {
			add("signer: gateway_url must not be empty for mode %s", c.Mode)
		}
		if (c.Signer.GatewayKey == "") != (c.Signer.GatewaySecret == "") {
			add("signer: gateway_key and gateway_secret must be set together")
		}
		if c.Signer.Account == "" {
			add("signer: account must not be empty for mode %s", c.Mode)
		}

		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				add("postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				add("postgres: port must be 1-65535, got %d", c.Postgres.Port)
			}
			if c.Postgres.Database == "" {
				add("postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			add("postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			add("postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			add("redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			add("redis: pool_size must be >= 1")
		}
	}

	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			add("s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			add("s3: region must not be empty")
		}
	}

	if !c.Insurance.MinCoverageRatio.IsPositive() {
		add("insurance: min_coverage_ratio must be > 0")
	}
	if c.Insurance.DisputeWindow.Duration <= 0 {
		add("insurance: dispute_window must be > 0")
	}
	if c.Insurance.CancelBuffer.Duration <= 0 {
		add("insurance: cancel_buffer must be > 0")
	}
	if c.Insurance.CoverageDelay.Duration < 0 {
		add("insurance: coverage_delay must not be negative")
	}
	if c.Insurance.MaxTermDays < 1 {
		add("insurance: max_term_days must be >= 1")
	}

	if c.RunsIntake() {
		switch c.Intake.Source {
		case SourceLedger:
			if c.Ledger.WSURL == "" {
				add("ledger: ws_url is required for intake source %q", SourceLedger)
			}
		case SourceNATS:
			if c.NATS.URL == "" {
				add("nats: url is required for intake source %q", SourceNATS)
			}
		case SourceRedis:
			if !c.Redis.Enabled {
				add("redis: must be enabled for intake source %q", SourceRedis)
			}
		default:
			add("intake: unknown source %q (valid: ledger, nats, redis)", c.Intake.Source)
		}
		if c.Intake.BridgeLedger && c.Ledger.WSURL == "" {
			add("ledger: ws_url is required when intake.bridge_ledger is set")
		}
		if c.Intake.Buffer < 1 {
			add("intake: buffer must be >= 1")
		}
		if c.Sweeper.Interval.Duration <= 0 {
			add("sweeper: interval must be > 0")
		}
	}

	if c.RunsServer() && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		add("server: port must be 1-65535, got %d", c.Server.Port)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

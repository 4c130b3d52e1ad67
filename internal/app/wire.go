package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alicebob/miniredis/v2"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	goredis "github.com/redis/go-redis/v9"

	s3blob "github.com/alanyoungcy/ward/internal/blob/s3"
	"github.com/alanyoungcy/ward/internal/cache/redis"
	"github.com/alanyoungcy/ward/internal/config"
	"github.com/alanyoungcy/ward/internal/crypto"
	"github.com/alanyoungcy/ward/internal/domain"
	"github.com/alanyoungcy/ward/internal/feed"
	"github.com/alanyoungcy/ward/internal/metrics"
	"github.com/alanyoungcy/ward/internal/notify"
	"github.com/alanyoungcy/ward/internal/platform/xrpl"
	"github.com/alanyoungcy/ward/internal/server/handler"
	"github.com/alanyoungcy/ward/internal/store/memory"
	"github.com/alanyoungcy/ward/internal/store/postgres"
)

// Dependencies bundles the concrete infrastructure the run modes build on.
// Optional parts are nil when their backend is disabled.
type Dependencies struct {
	Repo     domain.Repository
	Reader   domain.LedgerReader
	Verifier domain.DefaultVerifier
	Writer   domain.LedgerWriter
	Metrics  *metrics.Metrics

	// Redis-backed, nil without Redis.
	Bus       *redis.SignalBus
	Locks     domain.LockManager
	Limiter   domain.RateLimiter
	Snapshots domain.SnapshotCache

	// Object storage, nil without S3.
	Blobs    domain.BlobReader
	Archiver domain.Archiver

	// JetStream, nil unless the intake source is NATS.
	JetStream jetstream.JetStream

	Notifier *notify.Notifier
	Health   map[string]handler.HealthCheck
}

// Wire constructs the dependencies for cfg and returns them with a cleanup
// function that releases them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(step string, err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, fmt.Errorf("wire: %s: %w", step, err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	deps := &Dependencies{
		Metrics: metrics.New(reg),
		Health:  make(map[string]handler.HealthCheck),
	}

	// --- Store ---
	if cfg.DryRun() {
		deps.Repo = memory.New()
		logger.InfoContext(ctx, "wire: dry-run uses the in-memory store")
	} else {
		pg, err := postgres.New(ctx, postgres.ClientConfig{
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
		closers = append(closers, pg.Close)
		if cfg.Postgres.RunMigrations {
			if err := pg.RunMigrations(ctx); err != nil {
				return fail("postgres migrations", err)
			}
		}
		deps.Repo = pg.Repository()
		deps.Health["postgres"] = pg.Health
	}

	// --- Redis ---
	var rc *redis.Client
	switch {
	case cfg.Redis.Enabled:
		c, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			Prefix:     cfg.Redis.Prefix,
		})
		if err != nil {
			return fail("redis", err)
		}
		rc = c
	case cfg.DryRun():
		// Dry-run keeps the bus, locks and streams working without a server.
		mr, err := miniredis.Run()
		if err != nil {
			return fail("embedded redis", err)
		}
		closers = append(closers, mr.Close)
		rc = redis.Wrap(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}), cfg.Redis.Prefix)
		logger.InfoContext(ctx, "wire: dry-run uses embedded redis", slog.String("addr", mr.Addr()))
	}
	if rc != nil {
		closers = append(closers, func() { _ = rc.Close() })
		deps.Bus = redis.NewSignalBus(rc)
		deps.Locks = redis.NewLockManager(rc)
		deps.Limiter = redis.NewRateLimiter(rc)
		deps.Snapshots = redis.NewSnapshotCache(rc, cfg.Redis.SnapshotTTL.Duration)
		deps.Health["redis"] = rc.Ping
	}

	// --- S3 ---
	if cfg.S3.Enabled {
		sc, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Prefix:         cfg.S3.Prefix,
		})
		if err != nil {
			return fail("s3", err)
		}
		reader := s3blob.NewReader(sc)
		deps.Blobs = reader
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(sc), reader, deps.Repo, logger)
		deps.Health["s3"] = sc.Health
	}

	// --- NATS ---
	if cfg.RunsIntake() && cfg.Intake.Source == config.SourceNATS {
		nc, js, err := feed.ConnectNATS(cfg.NATS.URL, logger)
		if err != nil {
			return fail("nats", err)
		}
		closers = append(closers, func() { _ = nc.Drain() })
		deps.JetStream = js
		deps.Health["nats"] = func(context.Context) error {
			if !nc.IsConnected() {
				return fmt.Errorf("nats: %s", nc.Status())
			}
			return nil
		}
	}

	// --- Ledger ---
	client := xrpl.NewClient(xrpl.ClientConfig{
		RPCURL:  cfg.Ledger.RPCURL,
		Timeout: cfg.Ledger.Timeout.Duration,
	}, logger)
	deps.Reader = client
	deps.Verifier = client

	writer, err := newSubmitter(cfg, logger)
	if err != nil {
		return fail("ledger writer", err)
	}
	deps.Writer = writer

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

// newSubmitter builds the ledger writer. Dry-run needs no key; otherwise
// the key is loaded raw or from the encrypted key file.
func newSubmitter(cfg *config.Config, logger *slog.Logger) (*xrpl.Submitter, error) {
	sc := xrpl.SubmitterConfig{
		GatewayURL: cfg.Signer.GatewayURL,
		Account:    cfg.Signer.Account,
		Timeout:    cfg.Signer.Timeout.Duration,
		DryRun:     cfg.DryRun(),
	}

	var signer *crypto.Signer
	keyCfg := crypto.KeyConfig{
		RawPrivateKey:    cfg.Signer.PrivateKey,
		EncryptedKeyPath: cfg.Signer.EncryptedKeyPath,
		KeyPassword:      cfg.Signer.KeyPassword,
	}
	if keyCfg.Configured() {
		key, err := crypto.LoadKey(keyCfg)
		if err != nil {
			return nil, err
		}
		signer, err = crypto.NewSigner(key)
		if err != nil {
			return nil, err
		}
		logger.Info("wire: signer loaded", slog.String("key_id", signer.KeyID()))
	}

	var auth *crypto.HMACAuth
	if cfg.Signer.GatewayKey != "" {
		auth = crypto.NewHMACAuth(cfg.Signer.GatewayKey, cfg.Signer.GatewaySecret)
	}
	return xrpl.NewSubmitter(sc, signer, auth, logger)
}

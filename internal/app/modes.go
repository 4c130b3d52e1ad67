package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/ward/internal/capital"
	"github.com/alanyoungcy/ward/internal/config"
	"github.com/alanyoungcy/ward/internal/domain"
	"github.com/alanyoungcy/ward/internal/feed"
	"github.com/alanyoungcy/ward/internal/platform/xrpl"
	"github.com/alanyoungcy/ward/internal/server"
	"github.com/alanyoungcy/ward/internal/server/handler"
	"github.com/alanyoungcy/ward/internal/server/ws"
	"github.com/alanyoungcy/ward/internal/service"
)

// services is the domain layer shared by every mode.
type services struct {
	snapshots *service.SnapshotService
	validator *service.ClaimValidator
	escrows   *service.EscrowController
	pools     *service.PoolService
	policies  *service.PolicyService
	intake    *service.Intake
	sweeper   *service.Sweeper
}

func (a *App) buildServices(deps *Dependencies) *services {
	cfg := a.cfg
	now := service.Clock(time.Now)
	ledger := capital.New(cfg.Insurance.MinCoverageRatio)

	var notifier service.EventNotifier
	if deps.Notifier != nil {
		notifier = deps.Notifier
	}
	var bus domain.SignalBus
	if deps.Bus != nil {
		bus = deps.Bus
	}
	events := service.NewEventPublisher(bus, notifier, a.logger)
	locker := service.NewLocker(deps.Locks, service.LockConfig{
		TTL:      cfg.Locks.TTL.Duration,
		Attempts: cfg.Locks.Attempts,
		Delay:    cfg.Locks.Delay.Duration,
	}, a.logger)

	snapshots := service.NewSnapshotService(deps.Reader, deps.Snapshots, cfg.Ledger.Timeout.Duration, deps.Metrics, a.logger)
	validator := service.NewClaimValidator(deps.Repo, ledger, locker, events, deps.Metrics, now, a.logger)
	escrows := service.NewEscrowController(deps.Repo, deps.Writer, ledger, locker, events, deps.Metrics,
		service.EscrowConfig{
			DisputeWindow: cfg.Insurance.DisputeWindow.Duration,
			CancelBuffer:  cfg.Insurance.CancelBuffer.Duration,
			OwnerAccount:  cfg.Signer.Account,
		}, now, a.logger)
	pools := service.NewPoolService(deps.Repo, ledger, locker, events, deps.Metrics, now, a.logger)
	policies := service.NewPolicyService(deps.Repo, snapshots, ledger, locker, events, deps.Metrics,
		service.PolicyConfig{
			CoverageDelay: cfg.Insurance.CoverageDelay.Duration,
			MaxTermDays:   cfg.Insurance.MaxTermDays,
		}, now, a.logger)
	intake := service.NewIntake(deps.Repo, snapshots, validator, escrows, events, deps.Metrics,
		service.IntakeConfig{
			DedupTTL:         cfg.Intake.DedupTTL.Duration,
			RetryAttempts:    cfg.Intake.RetryAttempts,
			RetryDelay:       cfg.Intake.RetryDelay.Duration,
			AutoEscrow:       cfg.Insurance.AutoEscrow,
			MonitoredBrokers: cfg.Insurance.MonitoredBrokers,
		}, now, a.logger)

	// A typed nil archiver would defeat the sweeper's nil check.
	var archiver domain.Archiver
	if deps.Archiver != nil {
		archiver = deps.Archiver
	}
	sweeper := service.NewSweeper(policies, escrows, archiver, events, deps.Metrics,
		service.SweeperConfig{
			Interval:     cfg.Sweeper.Interval.Duration,
			AutoFinish:   cfg.Sweeper.AutoFinish,
			ArchiveAfter: cfg.Sweeper.ArchiveAfter.Duration,
			BatchSize:    cfg.Sweeper.BatchSize,
		}, now, a.logger)

	return &services{
		snapshots: snapshots,
		validator: validator,
		escrows:   escrows,
		pools:     pools,
		policies:  policies,
		intake:    intake,
		sweeper:   sweeper,
	}
}

// ValidatorMode consumes default events and runs the sweeper, with no API.
func (a *App) ValidatorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "app: starting validator mode")
	g, ctx := errgroup.WithContext(ctx)
	svc := a.buildServices(deps)

	if err := a.startIntake(ctx, g, deps, svc); err != nil {
		return fmt.Errorf("validator mode: %w", err)
	}
	g.Go(func() error { return svc.sweeper.Run(ctx) })
	return g.Wait()
}

// ServerMode serves the API and runs the sweeper so escrows opened through
// the API still settle.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "app: starting server mode")
	g, ctx := errgroup.WithContext(ctx)
	svc := a.buildServices(deps)

	a.startHTTPServer(ctx, g, deps, svc)
	g.Go(func() error { return svc.sweeper.Run(ctx) })
	return g.Wait()
}

// FullMode runs intake, the sweeper and the API in one process. Dry-run is
// full mode over the in-memory store and a writer that only logs.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "app: starting full mode", slog.Bool("dry_run", a.cfg.DryRun()))
	g, ctx := errgroup.WithContext(ctx)
	svc := a.buildServices(deps)

	if err := a.startIntake(ctx, g, deps, svc); err != nil {
		return fmt.Errorf("full mode: %w", err)
	}
	g.Go(func() error { return svc.sweeper.Run(ctx) })
	a.startHTTPServer(ctx, g, deps, svc)
	return g.Wait()
}

// startIntake picks the configured event source and feeds the intake loop.
// The ledger stream has no redelivery; with bridge_ledger it is republished
// into the broker so defaults survive a restart.
func (a *App) startIntake(ctx context.Context, g *errgroup.Group, deps *Dependencies, svc *services) error {
	cfg := a.cfg
	events := make(chan domain.DefaultEvent, cfg.Intake.Buffer)
	stream := xrpl.NewStream(xrpl.StreamConfig{
		WSURL:    cfg.Ledger.WSURL,
		Accounts: cfg.Ledger.Accounts,
	}, a.logger)

	var broker interface {
		feed.Source
		feed.Publisher
	}
	switch cfg.Intake.Source {
	case config.SourceLedger:
		g.Go(func() error { return stream.Run(ctx, events) })
	case config.SourceNATS:
		if deps.JetStream == nil {
			return fmt.Errorf("intake: nats source without a jetstream connection")
		}
		src := feed.NewNATSSource(deps.JetStream, feed.NATSConfig{
			URL:        cfg.NATS.URL,
			Stream:     cfg.NATS.Stream,
			Subject:    cfg.NATS.Subject,
			Durable:    cfg.NATS.Durable,
			AckWait:    cfg.NATS.AckWait.Duration,
			MaxDeliver: cfg.NATS.MaxDeliver,
		}, a.logger)
		if err := src.EnsureStream(ctx); err != nil {
			return fmt.Errorf("intake: %w", err)
		}
		broker = src
	case config.SourceRedis:
		if deps.Bus == nil {
			return fmt.Errorf("intake: redis source without redis")
		}
		broker = feed.NewRedisStreamSource(deps.Bus, feed.RedisStreamConfig{}, a.logger)
	default:
		return fmt.Errorf("intake: unknown source %q", cfg.Intake.Source)
	}

	if broker != nil {
		g.Go(func() error { return broker.Run(ctx, events) })
		if cfg.Intake.BridgeLedger {
			g.Go(func() error { return feed.Bridge(ctx, stream, broker, a.logger) })
		}
	}

	a.logger.InfoContext(ctx, "app: intake source selected",
		slog.String("source", cfg.Intake.Source),
		slog.Bool("bridge_ledger", cfg.Intake.BridgeLedger),
	)
	g.Go(func() error { return svc.intake.Run(ctx, events) })
	return nil
}

// startHTTPServer adds the API server, and the websocket hub when a signal
// bus is available.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, svc *services) {
	cfg := a.cfg

	var hub *ws.Hub
	if deps.Bus != nil {
		hub = ws.NewHub(deps.Bus, ws.Config{
			Mode:           cfg.Mode,
			AllowedOrigins: cfg.Server.CORSOrigins,
		}, a.logger)
		g.Go(func() error { return hub.Run(ctx) })
	}

	var archives handler.ArchiveLister
	if deps.Blobs != nil {
		archives = deps.Blobs
	}
	var limiter domain.RateLimiter
	if deps.Limiter != nil {
		limiter = deps.Limiter
	}

	srv := server.NewServer(server.Config{
		Port:            cfg.Server.Port,
		CORSOrigins:     cfg.Server.CORSOrigins,
		APIKey:          cfg.Server.APIKey,
		RateLimit:       cfg.Server.RateLimit,
		RateLimitWindow: cfg.Server.RateLimitWindow.Duration,
	}, server.Handlers{
		Health:   handler.NewHealthHandler(deps.Health, a.logger),
		Status:   handler.NewStatusHandler(cfg.Mode, a.startedAt),
		Premium:  handler.NewPremiumHandler(svc.policies, a.logger),
		Pools:    handler.NewPoolHandler(svc.pools, a.logger),
		Policies: handler.NewPolicyHandler(svc.policies, a.logger),
		Claims:   handler.NewClaimHandler(svc.validator, svc.snapshots, deps.Verifier, svc.intake, deps.Repo.Claims(), a.logger),
		Escrows:  handler.NewEscrowHandler(svc.escrows, a.logger),
		Audit:    handler.NewAuditHandler(deps.Repo.Audit(), archives, a.logger),
		Metrics:  deps.Metrics.Handler(),
	}, hub, limiter, a.logger)

	g.Go(func() error { return srv.Run(ctx) })
}

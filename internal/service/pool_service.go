package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/ward/internal/capital"
	"github.com/alanyoungcy/ward/internal/domain"
	"github.com/alanyoungcy/ward/internal/metrics"
)

// NewPool describes a pool to create.
type NewPool struct {
	Name           string `json:"name"`
	AssetKind      string `json:"asset_kind"`
	Account        string `json:"account"`
	InitialCapital int64  `json:"initial_capital"`
}

// PoolService applies capital ledger operations to persisted pools. Each
// mutation holds the pool's lock and row for the whole read-modify-write.
type PoolService struct {
	repo    domain.Repository
	ledger  *capital.Ledger
	locker  *Locker
	events  *EventPublisher
	metrics *metrics.Metrics
	now     Clock
	logger  *slog.Logger
}

// NewPoolService creates a PoolService.
func NewPoolService(
	repo domain.Repository,
	ledger *capital.Ledger,
	locker *Locker,
	events *EventPublisher,
	m *metrics.Metrics,
	now Clock,
	logger *slog.Logger,
) *PoolService {
	return &PoolService{
		repo:    repo,
		ledger:  ledger,
		locker:  locker,
		events:  events,
		metrics: m,
		now:     now.orDefault(),
		logger:  logger,
	}
}

// CreatePool inserts an empty pool, optionally seeding it with capital.
func (s *PoolService) CreatePool(ctx context.Context, np NewPool) (domain.Pool, error) {
	if np.Name == "" {
		return domain.Pool{}, fmt.Errorf("pool_service: %w", domain.Invalid("pool name is required"))
	}
	if np.InitialCapital < 0 {
		return domain.Pool{}, fmt.Errorf("pool_service: %w", domain.Invalid("initial capital must not be negative"))
	}
	now := s.now().UTC()
	p := domain.Pool{
		ID:        uuid.NewString(),
		Name:      np.Name,
		AssetKind: np.AssetKind,
		Account:   np.Account,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if np.AssetKind == "" {
		p.AssetKind = "XRP"
	}
	if np.InitialCapital > 0 {
		if err := s.ledger.Deposit(&p, np.InitialCapital); err != nil {
			return domain.Pool{}, fmt.Errorf("pool_service: %w", err)
		}
	}
	err := s.repo.InTx(ctx, func(tx domain.Stores) error {
		if err := tx.Pools().Upsert(ctx, p); err != nil {
			return err
		}
		return tx.Audit().Log(ctx, "pool_created", map[string]any{
			"pool_id": p.ID,
			"name":    p.Name,
			"capital": p.TotalCapital,
		})
	})
	if err != nil {
		return domain.Pool{}, fmt.Errorf("pool_service: create pool: %w", err)
	}
	s.logger.InfoContext(ctx, "pool_service: pool created",
		slog.String("pool_id", p.ID),
		slog.String("name", p.Name),
		slog.Int64("capital", p.TotalCapital),
	)
	s.metrics.Pool(s.ledger.MetricsOf(p))
	return p, nil
}

// Deposit adds capital.
func (s *PoolService) Deposit(ctx context.Context, poolID string, amount int64) (domain.PoolMetrics, error) {
	return s.mutate(ctx, poolID, "deposit", amount, func(p *domain.Pool) error {
		return s.ledger.Deposit(p, amount)
	})
}

// Withdraw removes capital, refusing if the minimum ratio would break.
func (s *PoolService) Withdraw(ctx context.Context, poolID string, amount int64) (domain.PoolMetrics, error) {
	return s.mutate(ctx, poolID, "withdraw", amount, func(p *domain.Pool) error {
		return s.ledger.Withdraw(p, amount)
	})
}

// AddExposure books coverage, refusing if the minimum ratio would break.
func (s *PoolService) AddExposure(ctx context.Context, poolID string, amount int64) (domain.PoolMetrics, error) {
	return s.mutate(ctx, poolID, "add_exposure", amount, func(p *domain.Pool) error {
		return s.ledger.AddExposure(p, amount)
	})
}

// RemoveExposure releases coverage.
func (s *PoolService) RemoveExposure(ctx context.Context, poolID string, amount int64) (domain.PoolMetrics, error) {
	return s.mutate(ctx, poolID, "remove_exposure", amount, func(p *domain.Pool) error {
		return s.ledger.RemoveExposure(p, amount)
	})
}

// PayClaim pays amount out of available capital for a manual settlement.
// Only availability is checked; the coverage ratio may fall below the
// minimum afterwards. Escrow finishing applies the full payout check in
// its own transaction.
func (s *PoolService) PayClaim(ctx context.Context, poolID string, amount int64) (domain.PoolMetrics, error) {
	return s.mutate(ctx, poolID, "pay_claim", amount, func(p *domain.Pool) error {
		return s.ledger.PayClaim(p, amount)
	})
}

// Metrics returns the read model for one pool.
func (s *PoolService) Metrics(ctx context.Context, poolID string) (domain.PoolMetrics, error) {
	p, err := s.repo.Pools().GetByID(ctx, poolID)
	if err != nil {
		return domain.PoolMetrics{}, fmt.Errorf("pool_service: get pool: %w", err)
	}
	return s.ledger.MetricsOf(p), nil
}

// List returns every pool's metrics.
func (s *PoolService) List(ctx context.Context) ([]domain.PoolMetrics, error) {
	pools, err := s.repo.Pools().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("pool_service: list pools: %w", err)
	}
	out := make([]domain.PoolMetrics, 0, len(pools))
	for _, p := range pools {
		out = append(out, s.ledger.MetricsOf(p))
	}
	return out, nil
}

func (s *PoolService) mutate(ctx context.Context, poolID, op string, amount int64, fn func(*domain.Pool) error) (domain.PoolMetrics, error) {
	unlock, err := s.locker.Lock(ctx, poolKey(poolID))
	if err != nil {
		return domain.PoolMetrics{}, fmt.Errorf("pool_service: %w", err)
	}
	defer unlock()

	now := s.now().UTC()
	var updated domain.Pool
	err = s.repo.InTx(ctx, func(tx domain.Stores) error {
		p, err := tx.Pools().GetForUpdate(ctx, poolID)
		if err != nil {
			return fmt.Errorf("get pool: %w", err)
		}
		if err := fn(&p); err != nil {
			return err
		}
		p.UpdatedAt = now
		if err := tx.Pools().Upsert(ctx, p); err != nil {
			return fmt.Errorf("upsert pool: %w", err)
		}
		updated = p
		return tx.Audit().Log(ctx, "pool_"+op, map[string]any{
			"pool_id":        p.ID,
			"amount":         amount,
			"available":      p.AvailableCapital,
			"exposure":       p.TotalExposure,
			"coverage_ratio": p.CoverageRatio,
		})
	})
	if err != nil {
		if domain.Classify(err) == domain.OutcomeStateConflict {
			s.metrics.PoolRejected(op)
			s.logger.WarnContext(ctx, "pool_service: mutation rejected",
				slog.String("pool_id", poolID),
				slog.String("op", op),
				slog.Int64("amount", amount),
				slog.String("error", err.Error()),
			)
		}
		return domain.PoolMetrics{}, fmt.Errorf("pool_service: %s: %w", op, err)
	}

	pm := s.ledger.MetricsOf(updated)
	s.metrics.Pool(pm)
	s.logger.InfoContext(ctx, "pool_service: pool updated",
		slog.String("pool_id", poolID),
		slog.String("op", op),
		slog.Int64("amount", amount),
		slog.Float64("coverage_ratio", pm.CoverageRatio),
	)
	publishPool(ctx, s.events, pm, now)
	return pm, nil
}

// publishPool announces a pool change and warns when a pool with exposure
// has dropped to critical health.
func publishPool(ctx context.Context, events *EventPublisher, pm domain.PoolMetrics, at time.Time) {
	events.Publish(ctx, domain.ChannelPools, domain.LifecycleEvent{
		Type:   domain.EventPoolUpdated,
		PoolID: pm.PoolID,
		Status: string(pm.Health),
		Amount: pm.AvailableCapital,
		At:     at,
	})
	if !pm.Unbounded && pm.Health == domain.PoolHealthCritical {
		events.Publish(ctx, domain.ChannelPools, domain.LifecycleEvent{
			Type:   domain.EventPoolLowCoverage,
			PoolID: pm.PoolID,
			Status: string(pm.Health),
			Amount: pm.AvailableCapital,
			Reason: fmt.Sprintf("coverage ratio %.2f", pm.CoverageRatio),
			At:     at,
		})
	}
}

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/ward/internal/domain"
	"github.com/alanyoungcy/ward/internal/metrics"
)

// DefaultLedgerTimeout bounds every ledger snapshot read.
const DefaultLedgerTimeout = 10 * time.Second

// Snapshot is the typed ledger state a default is evaluated against.
type Snapshot struct {
	Loan   domain.Loan
	Broker domain.LoanBroker
	Vault  domain.Vault
}

// SnapshotService reads ledger snapshots with a bounded timeout, serving
// vault and broker reads for pricing from a short-lived cache. Loan reads
// and claim hydration always go to the ledger.
type SnapshotService struct {
	reader  domain.LedgerReader
	cache   domain.SnapshotCache
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
}

var _ domain.LedgerReader = (*SnapshotService)(nil)

// NewSnapshotService creates a SnapshotService. cache may be nil.
func NewSnapshotService(
	reader domain.LedgerReader,
	cache domain.SnapshotCache,
	timeout time.Duration,
	m *metrics.Metrics,
	logger *slog.Logger,
) *SnapshotService {
	if timeout <= 0 {
		timeout = DefaultLedgerTimeout
	}
	return &SnapshotService{
		reader:  reader,
		cache:   cache,
		timeout: timeout,
		metrics: m,
		logger:  logger,
	}
}

// read runs fn under the ledger timeout, mapping deadline expiry to
// domain.ErrTimeout.
func read[T any](ctx context.Context, s *SnapshotService, method, id string, fn func(context.Context, string) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	started := time.Now()
	v, err := fn(ctx, id)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, domain.ErrTimeout) {
		err = fmt.Errorf("%w: %w", domain.ErrTimeout, err)
	}
	s.metrics.Ledger(method, started, err)
	if err != nil {
		return v, fmt.Errorf("snapshot_service: %s %s: %w", method, id, err)
	}
	return v, nil
}

// Vault returns the vault, preferring a cached snapshot.
func (s *SnapshotService) Vault(ctx context.Context, id string) (domain.Vault, error) {
	if s.cache != nil {
		if v, err := s.cache.GetVault(ctx, id); err == nil {
			return v, nil
		}
	}
	return s.FreshVault(ctx, id)
}

// FreshVault reads the vault from the ledger and refreshes the cache.
func (s *SnapshotService) FreshVault(ctx context.Context, id string) (domain.Vault, error) {
	v, err := read(ctx, s, "vault", id, s.reader.Vault)
	if err != nil {
		return v, err
	}
	if err := v.Validate(); err != nil {
		return v, fmt.Errorf("snapshot_service: vault %s: %w", id, err)
	}
	s.store(ctx, func(c domain.SnapshotCache) error { return c.SetVault(ctx, v) })
	return v, nil
}

// LoanBroker returns the broker, preferring a cached snapshot.
func (s *SnapshotService) LoanBroker(ctx context.Context, id string) (domain.LoanBroker, error) {
	if s.cache != nil {
		if b, err := s.cache.GetLoanBroker(ctx, id); err == nil {
			return b, nil
		}
	}
	return s.FreshLoanBroker(ctx, id)
}

// FreshLoanBroker reads the broker from the ledger and refreshes the cache.
func (s *SnapshotService) FreshLoanBroker(ctx context.Context, id string) (domain.LoanBroker, error) {
	b, err := read(ctx, s, "loan_broker", id, s.reader.LoanBroker)
	if err != nil {
		return b, err
	}
	if err := b.Validate(); err != nil {
		return b, fmt.Errorf("snapshot_service: loan broker %s: %w", id, err)
	}
	s.store(ctx, func(c domain.SnapshotCache) error { return c.SetLoanBroker(ctx, b) })
	return b, nil
}

// Loan always reads the ledger.
func (s *SnapshotService) Loan(ctx context.Context, id string) (domain.Loan, error) {
	l, err := read(ctx, s, "loan", id, s.reader.Loan)
	if err != nil {
		return l, err
	}
	if err := l.Validate(); err != nil {
		return l, fmt.Errorf("snapshot_service: loan %s: %w", id, err)
	}
	return l, nil
}

// Hydrate reads the loan, its broker and the broker's vault fresh from the
// ledger.
func (s *SnapshotService) Hydrate(ctx context.Context, loanID string) (Snapshot, error) {
	loan, err := s.Loan(ctx, loanID)
	if err != nil {
		return Snapshot{}, err
	}
	broker, err := s.FreshLoanBroker(ctx, loan.BrokerID)
	if err != nil {
		return Snapshot{}, err
	}
	vault, err := s.FreshVault(ctx, broker.VaultID)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Loan: loan, Broker: broker, Vault: vault}, nil
}

// VaultPair returns a vault and the broker lending from it, for pricing.
func (s *SnapshotService) VaultPair(ctx context.Context, vaultID, brokerID string) (domain.Vault, domain.LoanBroker, error) {
	v, err := s.Vault(ctx, vaultID)
	if err != nil {
		return v, domain.LoanBroker{}, err
	}
	b, err := s.LoanBroker(ctx, brokerID)
	if err != nil {
		return v, b, err
	}
	if b.VaultID != "" && b.VaultID != v.ID {
		return v, b, domain.Invalid("loan broker %s lends from vault %s, not %s", b.ID, b.VaultID, v.ID)
	}
	return v, b, nil
}

// Invalidate drops cached snapshots for id.
func (s *SnapshotService) Invalidate(ctx context.Context, id string) {
	s.store(ctx, func(c domain.SnapshotCache) error { return c.Invalidate(ctx, id) })
}

func (s *SnapshotService) store(ctx context.Context, fn func(domain.SnapshotCache) error) {
	if s.cache == nil {
		return
	}
	if err := fn(s.cache); err != nil {
		s.logger.WarnContext(ctx, "snapshot_service: cache write failed", slog.String("error", err.Error()))
	}
}

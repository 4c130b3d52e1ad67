package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/ward/internal/capital"
	"github.com/alanyoungcy/ward/internal/domain"
	"github.com/alanyoungcy/ward/internal/metrics"
	"github.com/alanyoungcy/ward/internal/premium"
)

// PolicyConfig tunes issuance.
type PolicyConfig struct {
	// CoverageDelay separates issuance from the start of coverage so a
	// policy cannot be bought against a default already in flight.
	CoverageDelay time.Duration
	MaxTermDays   int
}

// QuoteRequest prices coverage for depositors of one vault.
type QuoteRequest struct {
	VaultID               string   `json:"vault_id"`
	BrokerID              string   `json:"loan_broker_id"`
	CoverageAmount        int64    `json:"coverage_amount"`
	TermDays              int      `json:"term_days"`
	HistoricalDefaultRate *float64 `json:"historical_default_rate,omitempty"`
}

// IssueRequest buys a policy at or above the current quote.
type IssueRequest struct {
	QuoteRequest
	PoolID         string `json:"pool_id"`
	InsuredAddress string `json:"insured_address"`
	PremiumPaid    int64  `json:"premium_paid"`
}

// PolicyService prices, issues, cancels and expires policies. Issuance and
// release keep pool exposure in step with active coverage.
type PolicyService struct {
	repo      domain.Repository
	snapshots *SnapshotService
	ledger    *capital.Ledger
	locker    *Locker
	events    *EventPublisher
	metrics   *metrics.Metrics
	cfg       PolicyConfig
	now       Clock
	logger    *slog.Logger
}

// NewPolicyService creates a PolicyService.
func NewPolicyService(
	repo domain.Repository,
	snapshots *SnapshotService,
	ledger *capital.Ledger,
	locker *Locker,
	events *EventPublisher,
	m *metrics.Metrics,
	cfg PolicyConfig,
	now Clock,
	logger *slog.Logger,
) *PolicyService {
	if cfg.CoverageDelay < 0 {
		cfg.CoverageDelay = 0
	}
	if cfg.MaxTermDays <= 0 {
		cfg.MaxTermDays = 365
	}
	return &PolicyService{
		repo:      repo,
		snapshots: snapshots,
		ledger:    ledger,
		locker:    locker,
		events:    events,
		metrics:   m,
		cfg:       cfg,
		now:       now.orDefault(),
		logger:    logger,
	}
}

// Quote hydrates the vault and broker and prices the request.
func (s *PolicyService) Quote(ctx context.Context, req QuoteRequest) (premium.Result, error) {
	if req.VaultID == "" || req.BrokerID == "" {
		return premium.Result{}, fmt.Errorf("policy_service: %w", domain.Invalid("vault_id and loan_broker_id are required"))
	}
	if req.TermDays > s.cfg.MaxTermDays {
		return premium.Result{}, fmt.Errorf("policy_service: %w", domain.Invalid("term_days %d exceeds maximum %d", req.TermDays, s.cfg.MaxTermDays))
	}
	vault, broker, err := s.snapshots.VaultPair(ctx, req.VaultID, req.BrokerID)
	if err != nil {
		return premium.Result{}, fmt.Errorf("policy_service: %w", err)
	}
	q, err := premium.Price(premium.Request{
		CoverageAmount:        req.CoverageAmount,
		TermDays:              req.TermDays,
		Vault:                 vault,
		Broker:                broker,
		HistoricalDefaultRate: req.HistoricalDefaultRate,
	})
	if err != nil {
		return premium.Result{}, fmt.Errorf("policy_service: price: %w", err)
	}
	s.metrics.Quote(string(q.Tier))
	return q, nil
}

// EstimateAnnualCost extrapolates a 90-day quote to a year.
func (s *PolicyService) EstimateAnnualCost(ctx context.Context, vaultID, brokerID string, coverage int64) (premium.AnnualEstimate, error) {
	vault, broker, err := s.snapshots.VaultPair(ctx, vaultID, brokerID)
	if err != nil {
		return premium.AnnualEstimate{}, fmt.Errorf("policy_service: %w", err)
	}
	est, err := premium.EstimateAnnualCost(coverage, vault, broker)
	if err != nil {
		return premium.AnnualEstimate{}, fmt.Errorf("policy_service: estimate: %w", err)
	}
	return est, nil
}

// IssuePolicy re-quotes, checks the premium covers the quote, then in one
// transaction deposits the premium into the pool, books the exposure and
// stores the active policy.
func (s *PolicyService) IssuePolicy(ctx context.Context, req IssueRequest) (domain.Policy, premium.Result, error) {
	if req.PoolID == "" || req.InsuredAddress == "" {
		return domain.Policy{}, premium.Result{}, fmt.Errorf("policy_service: %w", domain.Invalid("pool_id and insured_address are required"))
	}
	q, err := s.Quote(ctx, req.QuoteRequest)
	if err != nil {
		return domain.Policy{}, premium.Result{}, err
	}
	if req.PremiumPaid < q.Premium {
		return domain.Policy{}, q, fmt.Errorf("policy_service: %w", domain.Wrapf(domain.ErrPremiumShortfall, "paid %d, quoted %d", req.PremiumPaid, q.Premium))
	}

	unlock, err := s.locker.Lock(ctx, poolKey(req.PoolID))
	if err != nil {
		return domain.Policy{}, q, fmt.Errorf("policy_service: %w", err)
	}
	defer unlock()

	now := s.now().UTC()
	start := now.Add(s.cfg.CoverageDelay)
	policy := domain.Policy{
		ID:             uuid.NewString(),
		PoolID:         req.PoolID,
		VaultID:        req.VaultID,
		InsuredAddress: req.InsuredAddress,
		CoverageAmount: req.CoverageAmount,
		PremiumPaid:    req.PremiumPaid,
		RiskTier:       string(q.Tier),
		CoverageStart:  start,
		CoverageEnd:    start.AddDate(0, 0, req.TermDays),
		Status:         domain.PolicyStatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	var pool domain.Pool
	err = s.repo.InTx(ctx, func(tx domain.Stores) error {
		p, err := tx.Pools().GetForUpdate(ctx, req.PoolID)
		if err != nil {
			return fmt.Errorf("get pool: %w", err)
		}
		if err := s.ledger.CollectPremium(&p, req.PremiumPaid); err != nil {
			return err
		}
		if err := s.ledger.AddExposure(&p, req.CoverageAmount); err != nil {
			return err
		}
		p.UpdatedAt = now
		if err := tx.Pools().Upsert(ctx, p); err != nil {
			return fmt.Errorf("upsert pool: %w", err)
		}
		if err := tx.Policies().Create(ctx, policy); err != nil {
			return fmt.Errorf("create policy: %w", err)
		}
		pool = p
		return tx.Audit().Log(ctx, "policy_issued", map[string]any{
			"policy_id": policy.ID,
			"pool_id":   policy.PoolID,
			"vault_id":  policy.VaultID,
			"coverage":  policy.CoverageAmount,
			"premium":   policy.PremiumPaid,
			"risk_tier": policy.RiskTier,
		})
	})
	if err != nil {
		if domain.Classify(err) == domain.OutcomeStateConflict {
			s.metrics.PoolRejected("issue_policy")
		}
		return domain.Policy{}, q, fmt.Errorf("policy_service: issue: %w", err)
	}

	pm := s.ledger.MetricsOf(pool)
	s.metrics.Pool(pm)
	s.logger.InfoContext(ctx, "policy_service: policy issued",
		slog.String("policy_id", policy.ID),
		slog.String("vault_id", policy.VaultID),
		slog.Int64("coverage", policy.CoverageAmount),
		slog.Int64("premium", policy.PremiumPaid),
		slog.String("risk_tier", policy.RiskTier),
	)
	s.events.Publish(ctx, domain.ChannelPools, domain.LifecycleEvent{
		Type:     domain.EventPolicyIssued,
		PolicyID: policy.ID,
		PoolID:   policy.PoolID,
		Status:   string(policy.Status),
		Amount:   policy.CoverageAmount,
		At:       now,
	})
	publishPool(ctx, s.events, pm, now)
	return policy, q, nil
}

// CancelPolicy moves an active policy to cancelled and releases its
// exposure.
func (s *PolicyService) CancelPolicy(ctx context.Context, policyID, reason string) (domain.Policy, error) {
	return s.release(ctx, policyID, domain.PolicyStatusCancelled, reason)
}

// ExpirePolicies expires up to limit active policies whose coverage ended
// before now. It returns how many were expired.
func (s *PolicyService) ExpirePolicies(ctx context.Context, now time.Time, limit int) (int, error) {
	due, err := s.repo.Policies().ListExpiring(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("policy_service: list expiring: %w", err)
	}
	expired := 0
	for _, p := range due {
		if _, err := s.release(ctx, p.ID, domain.PolicyStatusExpired, "coverage ended"); err != nil {
			if errors.Is(err, domain.ErrPolicyStatus) {
				continue
			}
			return expired, err
		}
		expired++
	}
	return expired, nil
}

func (s *PolicyService) release(ctx context.Context, policyID string, to domain.PolicyStatus, reason string) (domain.Policy, error) {
	policy, err := s.repo.Policies().GetByID(ctx, policyID)
	if err != nil {
		return domain.Policy{}, fmt.Errorf("policy_service: get policy: %w", err)
	}
	unlock, err := s.locker.Lock(ctx, poolKey(policy.PoolID))
	if err != nil {
		return domain.Policy{}, fmt.Errorf("policy_service: %w", err)
	}
	defer unlock()

	now := s.now().UTC()
	var pool domain.Pool
	err = s.repo.InTx(ctx, func(tx domain.Stores) error {
		cur, err := tx.Policies().GetForUpdate(ctx, policyID)
		if err != nil {
			return fmt.Errorf("get policy: %w", err)
		}
		if cur.Status != domain.PolicyStatusActive {
			return domain.Wrapf(domain.ErrPolicyStatus, "policy %s is %s", policyID, cur.Status)
		}
		if err := tx.Policies().UpdateStatus(ctx, policyID, to); err != nil {
			return fmt.Errorf("update policy: %w", err)
		}
		p, err := tx.Pools().GetForUpdate(ctx, cur.PoolID)
		if err != nil {
			return fmt.Errorf("get pool: %w", err)
		}
		if err := s.ledger.RemoveExposure(&p, cur.CoverageAmount); err != nil {
			return err
		}
		p.UpdatedAt = now
		if err := tx.Pools().Upsert(ctx, p); err != nil {
			return fmt.Errorf("upsert pool: %w", err)
		}
		cur.Status, cur.UpdatedAt = to, now
		policy, pool = cur, p
		return tx.Audit().Log(ctx, "policy_"+string(to), map[string]any{
			"policy_id": policyID,
			"pool_id":   cur.PoolID,
			"coverage":  cur.CoverageAmount,
			"reason":    reason,
		})
	})
	if err != nil {
		return domain.Policy{}, fmt.Errorf("policy_service: %s policy: %w", to, err)
	}

	pm := s.ledger.MetricsOf(pool)
	s.metrics.Pool(pm)
	s.logger.InfoContext(ctx, "policy_service: policy released",
		slog.String("policy_id", policyID),
		slog.String("status", string(to)),
		slog.String("reason", reason),
	)
	evType := domain.EventPolicyExpired
	if to == domain.PolicyStatusCancelled {
		evType = domain.EventPolicyCancelled
	}
	s.events.Publish(ctx, domain.ChannelPools, domain.LifecycleEvent{
		Type:     evType,
		PolicyID: policyID,
		PoolID:   policy.PoolID,
		Status:   string(to),
		Amount:   policy.CoverageAmount,
		Reason:   reason,
		At:       now,
	})
	publishPool(ctx, s.events, pm, now)
	return policy, nil
}

// Get returns one policy.
func (s *PolicyService) Get(ctx context.Context, id string) (domain.Policy, error) {
	p, err := s.repo.Policies().GetByID(ctx, id)
	if err != nil {
		return domain.Policy{}, fmt.Errorf("policy_service: get policy: %w", err)
	}
	return p, nil
}

// ListActiveByVault returns active policies on a vault.
func (s *PolicyService) ListActiveByVault(ctx context.Context, vaultID string) ([]domain.Policy, error) {
	ps, err := s.repo.Policies().ListActiveByVault(ctx, vaultID)
	if err != nil {
		return nil, fmt.Errorf("policy_service: list by vault: %w", err)
	}
	return ps, nil
}

// ListActiveByInsured returns active policies held by an address.
func (s *PolicyService) ListActiveByInsured(ctx context.Context, insured string) ([]domain.Policy, error) {
	ps, err := s.repo.Policies().ListActiveByInsured(ctx, insured)
	if err != nil {
		return nil, fmt.Errorf("policy_service: list by insured: %w", err)
	}
	return ps, nil
}

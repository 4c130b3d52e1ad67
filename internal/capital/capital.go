// Package capital implements the pool capital ledger: the arithmetic that
// moves capital and exposure in and out of an insurance pool while keeping
// the stored coverage ratio in step. It performs no I/O; callers serialize
// access to a pool and persist the result.
package capital

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/ward/internal/domain"
)

// DefaultMinRatio is the minimum available-capital to exposure ratio.
var DefaultMinRatio = decimal.NewFromInt(2)

// Health thresholds on the coverage ratio.
const (
	warningRatio = 2.0
	healthyRatio = 2.5
	optimalRatio = 3.0
)

// Ledger applies pool mutations under a minimum coverage ratio.
type Ledger struct {
	minRatio decimal.Decimal
}

// New returns a Ledger enforcing minRatio. A non-positive ratio falls back
// to DefaultMinRatio.
func New(minRatio decimal.Decimal) *Ledger {
	if !minRatio.IsPositive() {
		minRatio = DefaultMinRatio
	}
	return &Ledger{minRatio: minRatio}
}

// MinRatio returns the enforced minimum coverage ratio.
func (l *Ledger) MinRatio() decimal.Decimal { return l.minRatio }

func positive(op string, amount int64) error {
	if amount <= 0 {
		return domain.Invalid("capital: %s amount must be positive, got %d", op, amount)
	}
	return nil
}

func addChecked(op string, a, b int64) (int64, error) {
	if a > math.MaxInt64-b {
		return 0, domain.Invalid("capital: %s overflows", op)
	}
	return a + b, nil
}

// covers reports whether available ≥ minRatio × exposure, exactly.
func (l *Ledger) covers(available, exposure int64) bool {
	if exposure <= 0 {
		return true
	}
	need := decimal.NewFromInt(exposure).Mul(l.minRatio)
	return !decimal.NewFromInt(available).LessThan(need)
}

// Deposit adds capital to the pool. Deposits are never rejected on ratio
// grounds.
func (l *Ledger) Deposit(p *domain.Pool, amount int64) error {
	if err := positive("deposit", amount); err != nil {
		return err
	}
	total, err := addChecked("deposit", p.TotalCapital, amount)
	if err != nil {
		return err
	}
	avail, err := addChecked("deposit", p.AvailableCapital, amount)
	if err != nil {
		return err
	}
	p.TotalCapital, p.AvailableCapital = total, avail
	Recompute(p)
	return nil
}

// CollectPremium deposits a premium and tracks it separately.
func (l *Ledger) CollectPremium(p *domain.Pool, amount int64) error {
	if err := l.Deposit(p, amount); err != nil {
		return err
	}
	p.TotalPremiums += amount
	return nil
}

// Withdraw removes capital unless the resulting ratio would fall below the
// minimum.
func (l *Ledger) Withdraw(p *domain.Pool, amount int64) error {
	if err := positive("withdraw", amount); err != nil {
		return err
	}
	if amount > p.AvailableCapital {
		return domain.Wrapf(domain.ErrInsufficientCapital, "pool %s: withdraw %d, available %d", p.ID, amount, p.AvailableCapital)
	}
	if !l.covers(p.AvailableCapital-amount, p.TotalExposure) {
		return domain.Wrapf(domain.ErrCoverageRatioBreach, "pool %s: withdraw %d against exposure %d", p.ID, amount, p.TotalExposure)
	}
	p.AvailableCapital -= amount
	p.TotalCapital = max(p.TotalCapital-amount, 0)
	Recompute(p)
	return nil
}

// AddExposure books coverage for a new policy unless the resulting ratio
// would fall below the minimum.
func (l *Ledger) AddExposure(p *domain.Pool, amount int64) error {
	if err := positive("add exposure", amount); err != nil {
		return err
	}
	exposure, err := addChecked("add exposure", p.TotalExposure, amount)
	if err != nil {
		return err
	}
	if !l.covers(p.AvailableCapital, exposure) {
		return domain.Wrapf(domain.ErrCoverageRatioBreach, "pool %s: exposure %d against available %d", p.ID, exposure, p.AvailableCapital)
	}
	p.TotalExposure = exposure
	p.ActivePoliciesCount++
	Recompute(p)
	return nil
}

// RemoveExposure releases coverage. It is never rejected; exposure and the
// policy count floor at zero.
func (l *Ledger) RemoveExposure(p *domain.Pool, amount int64) error {
	if amount < 0 {
		return domain.Invalid("capital: remove exposure amount must not be negative, got %d", amount)
	}
	p.TotalExposure = max(p.TotalExposure-amount, 0)
	p.ActivePoliciesCount = max(p.ActivePoliciesCount-1, 0)
	Recompute(p)
	return nil
}

// CheckPayout reports whether the pool can pay amount now: capital must be
// available and the post-payout ratio must still meet the minimum.
func (l *Ledger) CheckPayout(p domain.Pool, amount int64) error {
	if err := positive("payout", amount); err != nil {
		return err
	}
	if p.AvailableCapital < amount {
		return domain.Wrapf(domain.ErrInsufficientCapital, "pool %s: payout %d, available %d", p.ID, amount, p.AvailableCapital)
	}
	if !l.covers(p.AvailableCapital-amount, p.TotalExposure) {
		return domain.Wrapf(domain.ErrCoverageRatioBreach, "pool %s: payout %d against exposure %d", p.ID, amount, p.TotalExposure)
	}
	return nil
}

// PayClaim moves amount out of available capital into claims paid. Only
// availability is enforced here; ratio adequacy is CheckPayout's job.
func (l *Ledger) PayClaim(p *domain.Pool, amount int64) error {
	if err := positive("pay claim", amount); err != nil {
		return err
	}
	if amount > p.AvailableCapital {
		return domain.Wrapf(domain.ErrInsufficientCapital, "pool %s: pay %d, available %d", p.ID, amount, p.AvailableCapital)
	}
	p.AvailableCapital -= amount
	p.TotalClaimsPaid += amount
	Recompute(p)
	return nil
}

// Recompute refreshes the stored coverage ratio from the current balances.
func Recompute(p *domain.Pool) {
	p.CoverageRatio = Ratio(p.AvailableCapital, p.TotalExposure)
}

// Ratio is available/exposure, 0 when there is no exposure.
func Ratio(available, exposure int64) float64 {
	if exposure <= 0 {
		return 0
	}
	return float64(available) / float64(exposure)
}

// Health labels a coverage ratio.
func Health(ratio float64) domain.PoolHealth {
	switch {
	case ratio < warningRatio:
		return domain.PoolHealthCritical
	case ratio < healthyRatio:
		return domain.PoolHealthWarning
	case ratio < optimalRatio:
		return domain.PoolHealthHealthy
	default:
		return domain.PoolHealthOptimal
	}
}

// MaxNewExposure is the most exposure that can still be added without
// breaching the minimum ratio.
func (l *Ledger) MaxNewExposure(p domain.Pool) int64 {
	if p.AvailableCapital <= 0 {
		return 0
	}
	capacity := decimal.NewFromInt(p.AvailableCapital).Div(l.minRatio).Floor().IntPart()
	return max(capacity-p.TotalExposure, 0)
}

// MetricsOf builds the read model for p.
func (l *Ledger) MetricsOf(p domain.Pool) domain.PoolMetrics {
	m := domain.PoolMetrics{
		PoolID:              p.ID,
		TotalCapital:        p.TotalCapital,
		AvailableCapital:    p.AvailableCapital,
		TotalExposure:       p.TotalExposure,
		ActivePoliciesCount: p.ActivePoliciesCount,
		TotalClaimsPaid:     p.TotalClaimsPaid,
		CoverageRatio:       Ratio(p.AvailableCapital, p.TotalExposure),
		Unbounded:           p.TotalExposure <= 0,
		MaxNewExposure:      l.MaxNewExposure(p),
	}
	m.Health = Health(m.Ratio())
	return m
}

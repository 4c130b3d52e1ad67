// Package waterfall splits a loan default between the broker's first-loss
// capital and the vault depositors, and measures the resulting change in
// share value. Everything here is pure and safe for concurrent use.
package waterfall

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/ward/internal/domain"
)

// Input carries the loan and broker figures the waterfall needs. Amounts are
// drops; rates are fractions in [0,1].
type Input struct {
	PrincipalOutstanding int64
	InterestOutstanding  int64
	DebtTotal            int64
	CoverAvailable       int64
	CoverRateMinimum     decimal.Decimal
	CoverRateLiquidation decimal.Decimal
}

// Result is the loss split for one default.
type Result struct {
	DefaultAmount  int64 `json:"default_amount"`
	MinimumCover   int64 `json:"minimum_cover"`
	DefaultCovered int64 `json:"default_covered"`
	VaultLoss      int64 `json:"vault_loss"`
}

// FromSnapshots builds an Input from typed ledger snapshots.
func FromSnapshots(loan domain.Loan, broker domain.LoanBroker) Input {
	return Input{
		PrincipalOutstanding: loan.PrincipalOutstanding,
		InterestOutstanding:  loan.InterestOutstanding,
		DebtTotal:            broker.DebtTotal,
		CoverAvailable:       broker.CoverAvailable,
		CoverRateMinimum:     broker.CoverRateMinimum,
		CoverRateLiquidation: broker.CoverRateLiquidation,
	}
}

func (in Input) validate() error {
	switch {
	case in.PrincipalOutstanding < 0:
		return domain.Invalid("waterfall: negative principal_outstanding %d", in.PrincipalOutstanding)
	case in.InterestOutstanding < 0:
		return domain.Invalid("waterfall: negative interest_outstanding %d", in.InterestOutstanding)
	case in.DebtTotal < 0:
		return domain.Invalid("waterfall: negative debt_total %d", in.DebtTotal)
	case in.CoverAvailable < 0:
		return domain.Invalid("waterfall: negative cover_available %d", in.CoverAvailable)
	case !domain.ValidRate(in.CoverRateMinimum):
		return domain.Invalid("waterfall: cover_rate_minimum %s outside [0,1]", in.CoverRateMinimum)
	case !domain.ValidRate(in.CoverRateLiquidation):
		return domain.Invalid("waterfall: cover_rate_liquidation %s outside [0,1]", in.CoverRateLiquidation)
	}
	if in.PrincipalOutstanding > math.MaxInt64-in.InterestOutstanding {
		return domain.Invalid("waterfall: default amount overflows")
	}
	return nil
}

// Calculate computes the loss waterfall:
//
//	default_amount  = principal + interest
//	minimum_cover   = floor(debt_total * cover_rate_minimum)
//	default_covered = min(floor(minimum_cover * cover_rate_liquidation), default_amount, cover_available)
//	vault_loss      = default_amount - default_covered
func Calculate(in Input) (Result, error) {
	if err := in.validate(); err != nil {
		return Result{}, err
	}

	defaultAmount := in.PrincipalOutstanding + in.InterestOutstanding
	minimumCover := decimal.NewFromInt(in.DebtTotal).Mul(in.CoverRateMinimum).Floor().IntPart()
	liquidation := decimal.NewFromInt(minimumCover).Mul(in.CoverRateLiquidation).Floor().IntPart()

	covered := min(liquidation, defaultAmount, in.CoverAvailable)

	return Result{
		DefaultAmount:  defaultAmount,
		MinimumCover:   minimumCover,
		DefaultCovered: covered,
		VaultLoss:      defaultAmount - covered,
	}, nil
}

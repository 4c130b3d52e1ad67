// Package premium classifies vault risk into tiers and prices insurance
// coverage against it. All functions are pure.
package premium

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/ward/internal/domain"
)

// Tier is a discrete risk class.
type Tier string

const (
	TierSafest   Tier = "safest"
	TierSafe     Tier = "safe"
	TierModerate Tier = "moderate"
	TierElevated Tier = "elevated"
	TierHigh     Tier = "high"
)

// Rank orders tiers from least (0) to most risky (4).
func (t Tier) Rank() int {
	for i, row := range tierTable {
		if row.tier == t {
			return i
		}
	}
	return len(tierTable)
}

// Metrics are the health figures the classifier consumes. CoverageRatio may
// be +Inf when the broker needs no cover.
type Metrics struct {
	Utilization     float64 `json:"utilization"`
	CoverageRatio   float64 `json:"coverage_ratio"`
	ImpairmentRatio float64 `json:"impairment_ratio"`
}

// MetricsFor derives classifier metrics from ledger snapshots.
func MetricsFor(v domain.Vault, b domain.LoanBroker) Metrics {
	return Metrics{
		Utilization:     v.Utilization(),
		CoverageRatio:   b.CoverageRatio(),
		ImpairmentRatio: v.ImpairmentRatio(),
	}
}

func (m Metrics) validate() error {
	if math.IsNaN(m.Utilization) || math.IsNaN(m.CoverageRatio) || math.IsNaN(m.ImpairmentRatio) {
		return domain.Invalid("premium: NaN metric %+v", m)
	}
	if m.Utilization < 0 || m.CoverageRatio < 0 || m.ImpairmentRatio < 0 {
		return domain.Invalid("premium: negative metric %+v", m)
	}
	return nil
}

// Classification is the classifier's verdict.
type Classification struct {
	Tier     Tier            `json:"risk_tier"`
	BaseRate decimal.Decimal `json:"base_rate"`
}

type tierRow struct {
	tier           Tier
	minCoverage    float64
	maxImpairment  float64
	maxUtilization float64
	baseRate       decimal.Decimal
}

// tierTable is evaluated top to bottom; the first row whose three
// conditions all hold wins. The last row matches everything.
var tierTable = []tierRow{
	{TierSafest, 2.0, 0.01, 0.5, decimal.RequireFromString("0.01")},
	{TierSafe, 1.5, 0.05, 0.7, decimal.RequireFromString("0.02")},
	{TierModerate, 1.0, 0.10, 0.85, decimal.RequireFromString("0.03")},
	{TierElevated, 0.5, 0.20, 0.95, decimal.RequireFromString("0.04")},
	{TierHigh, math.Inf(-1), math.Inf(1), math.Inf(1), decimal.RequireFromString("0.05")},
}

// Classify maps metrics to a tier and annual base rate.
func Classify(m Metrics) Classification {
	for _, row := range tierTable {
		if m.CoverageRatio >= row.minCoverage &&
			m.ImpairmentRatio < row.maxImpairment &&
			m.Utilization < row.maxUtilization {
			return Classification{Tier: row.tier, BaseRate: row.baseRate}
		}
	}
	last := tierTable[len(tierTable)-1]
	return Classification{Tier: last.tier, BaseRate: last.baseRate}
}

// BaseRate returns the annual base rate for a tier.
func BaseRate(t Tier) decimal.Decimal {
	return tierTable[min(t.Rank(), len(tierTable)-1)].baseRate
}

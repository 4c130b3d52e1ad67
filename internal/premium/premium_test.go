package premium

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ward/internal/domain"
)

// healthyPair has coverage_ratio 2.5, impairment 0 and utilization 0.2.
func healthyPair() (domain.Vault, domain.LoanBroker) {
	v := domain.Vault{
		ID:              "V1",
		AssetsTotal:     1_000_000_000_000,
		AssetsAvailable: 800_000_000_000,
		SharesTotal:     1_000_000_000_000,
	}
	b := domain.LoanBroker{
		ID:                   "B1",
		VaultID:              "V1",
		DebtTotal:            1_000_000_000,
		CoverAvailable:       250_000_000,
		CoverRateMinimum:     decimal.RequireFromString("0.1"),
		CoverRateLiquidation: decimal.RequireFromString("0.5"),
	}
	return v, b
}

func ptr(f float64) *float64 { return &f }

func TestClassify_Table(t *testing.T) {
	cases := []struct {
		name string
		m    Metrics
		want Tier
		rate string
	}{
		{"safest", Metrics{Utilization: 0.3, CoverageRatio: 2.5}, TierSafest, "0.01"},
		{"safe on utilization", Metrics{Utilization: 0.6, CoverageRatio: 2.5}, TierSafe, "0.02"},
		{"moderate on coverage", Metrics{Utilization: 0.1, CoverageRatio: 1.2}, TierModerate, "0.03"},
		{"elevated on impairment", Metrics{Utilization: 0.1, CoverageRatio: 5, ImpairmentRatio: 0.15}, TierElevated, "0.04"},
		{"high", Metrics{Utilization: 0.99, CoverageRatio: 5}, TierHigh, "0.05"},
		{"no cover required", Metrics{CoverageRatio: math.Inf(1)}, TierSafest, "0.01"},
		{"boundary coverage is inclusive", Metrics{CoverageRatio: 2.0}, TierSafest, "0.01"},
		{"boundary impairment is exclusive", Metrics{CoverageRatio: 2.0, ImpairmentRatio: 0.01}, TierSafe, "0.02"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.m)
			assert.Equal(t, tc.want, got.Tier)
			assert.True(t, decimal.RequireFromString(tc.rate).Equal(got.BaseRate), "rate %s", got.BaseRate)
			assert.True(t, got.BaseRate.Equal(BaseRate(tc.want)))
		})
	}
}

func TestClassify_HealthyVault(t *testing.T) {
	v, b := healthyPair()
	m := MetricsFor(v, b)
	assert.InDelta(t, 2.5, m.CoverageRatio, 1e-12)
	assert.InDelta(t, 0.2, m.Utilization, 1e-12)
	assert.Zero(t, m.ImpairmentRatio)
	assert.Equal(t, TierSafest, Classify(m).Tier)
}

func TestClassify_Monotone(t *testing.T) {
	grid := []float64{0, 0.005, 0.01, 0.05, 0.1, 0.3, 0.5, 0.7, 0.85, 0.95, 1.0, 1.5, 2.0, 3.0}
	for _, u := range grid {
		for _, c := range grid {
			for _, i := range grid {
				base := Classify(Metrics{Utilization: u, CoverageRatio: c, ImpairmentRatio: i}).Tier.Rank()
				better := []Metrics{
					{Utilization: u / 2, CoverageRatio: c, ImpairmentRatio: i},
					{Utilization: u, CoverageRatio: c * 2, ImpairmentRatio: i},
					{Utilization: u, CoverageRatio: c, ImpairmentRatio: i / 2},
				}
				for _, m := range better {
					require.LessOrEqual(t, Classify(m).Tier.Rank(), base, "better metrics %+v ranked worse than u=%v c=%v i=%v", m, u, c, i)
				}
			}
		}
	}
}

func TestPrice_ReferenceQuote(t *testing.T) {
	v, b := healthyPair()
	res, err := Price(Request{
		CoverageAmount:        50_000_000_000,
		TermDays:              90,
		Vault:                 v,
		Broker:                b,
		HistoricalDefaultRate: ptr(0.005),
	})
	require.NoError(t, err)

	assert.Equal(t, TierSafest, res.Tier)
	assert.True(t, decimal.RequireFromString("0.57375").Equal(res.RiskMultiplier), "multiplier %s", res.RiskMultiplier)
	assert.True(t, res.RawMultiplier.Equal(res.RiskMultiplier))
	assert.Equal(t, int64(70_736_301), res.Premium)
	assert.True(t, decimal.RequireFromString("0.0057375").Equal(res.AnnualRateEffective))

	require.Len(t, res.Factors, 4)
	names := make([]string, 0, len(res.Factors))
	for _, f := range res.Factors {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"utilization", "coverage_ratio", "impairment_ratio", "historical_default_rate"}, names)
	assert.True(t, res.Factors[1].Multiplier.Equal(decimal.NewFromInt(1)))
}

func TestPrice_WithoutHistory(t *testing.T) {
	v, b := healthyPair()
	res, err := Price(Request{CoverageAmount: 50_000_000_000, TermDays: 90, Vault: v, Broker: b})
	require.NoError(t, err)
	require.Len(t, res.Factors, 3)
	assert.True(t, decimal.RequireFromString("0.675").Equal(res.RiskMultiplier))
	// 50e9 * 0.01 * 0.675 * 90 / 365
	assert.Equal(t, int64(83_219_178), res.Premium)
}

func TestRiskFactors_Clamp(t *testing.T) {
	worst := Metrics{Utilization: 0.95, CoverageRatio: 0.2, ImpairmentRatio: 0.5}
	_, raw, clamped := RiskFactors(worst, ptr(0.5))
	assert.True(t, raw.GreaterThan(maxMultiplier))
	assert.True(t, clamped.Equal(maxMultiplier))

	best := Metrics{Utilization: 0.1, CoverageRatio: 10}
	_, raw, clamped = RiskFactors(best, ptr(0))
	// 0.75 * 0.8 * 0.9 * 0.85
	assert.True(t, decimal.RequireFromString("0.459").Equal(raw))
	assert.True(t, clamped.Equal(minMultiplier))
}

func TestRiskFactors_AlwaysWithinBounds(t *testing.T) {
	vals := []float64{0, 0.005, 0.05, 0.09, 0.15, 0.25, 0.5, 0.85, 0.95, 1.2, 2, 3.5, math.Inf(1)}
	for _, u := range vals {
		for _, c := range vals {
			for _, i := range vals {
				_, _, m := RiskFactors(Metrics{Utilization: u, CoverageRatio: c, ImpairmentRatio: i}, ptr(0.2))
				require.False(t, m.LessThan(minMultiplier))
				require.False(t, m.GreaterThan(maxMultiplier))
			}
		}
	}
}

func TestPrice_InvalidInput(t *testing.T) {
	v, b := healthyPair()
	bad := map[string]Request{
		"zero coverage":     {CoverageAmount: 0, TermDays: 30, Vault: v, Broker: b},
		"negative term":     {CoverageAmount: 1, TermDays: -1, Vault: v, Broker: b},
		"history above one": {CoverageAmount: 1, TermDays: 30, Vault: v, Broker: b, HistoricalDefaultRate: ptr(1.5)},
		"history NaN":       {CoverageAmount: 1, TermDays: 30, Vault: v, Broker: b, HistoricalDefaultRate: ptr(math.NaN())},
		"vault invariant": {CoverageAmount: 1, TermDays: 30, Broker: b, Vault: domain.Vault{
			ID: "V1", AssetsTotal: 10, AssetsAvailable: 20,
		}},
	}
	for name, req := range bad {
		t.Run(name, func(t *testing.T) {
			_, err := Price(req)
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrInvalidInput))
		})
	}
}

func TestPrice_MonotoneInCoverageAndTerm(t *testing.T) {
	v, b := healthyPair()
	prev := int64(-1)
	for cov := int64(1_000_000); cov <= 1_000_000_000; cov *= 10 {
		res, err := Price(Request{CoverageAmount: cov, TermDays: 30, Vault: v, Broker: b})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, res.Premium, prev)
		prev = res.Premium
	}
	short, err := Price(Request{CoverageAmount: 1_000_000_000, TermDays: 30, Vault: v, Broker: b})
	require.NoError(t, err)
	long, err := Price(Request{CoverageAmount: 1_000_000_000, TermDays: 365, Vault: v, Broker: b})
	require.NoError(t, err)
	assert.Greater(t, long.Premium, short.Premium)
}

func TestEstimateAnnualCost(t *testing.T) {
	v, b := healthyPair()
	q, err := Price(Request{CoverageAmount: 50_000_000_000, TermDays: EstimateTermDays, Vault: v, Broker: b})
	require.NoError(t, err)

	est, err := EstimateAnnualCost(50_000_000_000, v, b)
	require.NoError(t, err)
	assert.Equal(t, q.Premium, est.QuarterlyCost)
	assert.Equal(t, q.Premium*365/90, est.AnnualCost)
	assert.Equal(t, q.Premium/3, est.MonthlyCost)
	assert.Equal(t, TierSafest, est.Tier)

	_, err = EstimateAnnualCost(0, v, b)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestResult_JSONWithUnboundedCoverage(t *testing.T) {
	v, b := healthyPair()
	b.DebtTotal = 0
	res, err := Price(Request{CoverageAmount: 1_000_000, TermDays: 30, Vault: v, Broker: b})
	require.NoError(t, err)
	require.True(t, math.IsInf(res.Metrics.CoverageRatio, 1))

	raw, err := json.Marshal(res)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"coverage_ratio":null`)
	assert.Contains(t, string(raw), `"coverage_unbounded":true`)
}

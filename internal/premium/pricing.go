package premium

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/ward/internal/domain"
)

var (
	minMultiplier = decimal.RequireFromString("0.5")
	maxMultiplier = decimal.RequireFromString("2.0")
	daysPerYear   = decimal.NewFromInt(365)
	one           = decimal.NewFromInt(1)
)

// EstimateTermDays is the term priced by EstimateAnnualCost.
const EstimateTermDays = 90

// Request is the input to Price.
type Request struct {
	CoverageAmount int64
	TermDays       int
	Vault          domain.Vault
	Broker         domain.LoanBroker
	// HistoricalDefaultRate is optional; nil skips the factor.
	HistoricalDefaultRate *float64
}

// Factor is one multiplicative adjustment in the audit breakdown.
type Factor struct {
	Name       string          `json:"name"`
	Value      float64         `json:"value"`
	Multiplier decimal.Decimal `json:"multiplier"`
}

// Result is a priced quote.
type Result struct {
	Premium             int64           `json:"premium"`
	CoverageAmount      int64           `json:"coverage_amount"`
	TermDays            int             `json:"term_days"`
	Tier                Tier            `json:"risk_tier"`
	BaseRate            decimal.Decimal `json:"base_rate"`
	RawMultiplier       decimal.Decimal `json:"raw_multiplier"`
	RiskMultiplier      decimal.Decimal `json:"risk_multiplier"`
	TermFactor          decimal.Decimal `json:"term_factor"`
	AnnualRateEffective decimal.Decimal `json:"annual_rate_effective"`
	Metrics             Metrics         `json:"metrics"`
	Factors             []Factor        `json:"risk_factors"`
}

// threshold is one branch of a factor rule.
type threshold struct {
	above      bool // true: value > limit, false: value < limit
	equal      bool // exact match on limit
	limit      float64
	multiplier decimal.Decimal
}

func (th threshold) match(v float64) bool {
	switch {
	case th.equal:
		return v == th.limit
	case th.above:
		return v > th.limit
	default:
		return v < th.limit
	}
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var (
	utilizationRules = []threshold{
		{above: true, limit: 0.9, multiplier: d("1.5")},
		{above: true, limit: 0.8, multiplier: d("1.25")},
		{limit: 0.3, multiplier: d("0.75")},
	}
	coverageRules = []threshold{
		{limit: 1.0, multiplier: d("1.8")},
		{limit: 1.5, multiplier: d("1.3")},
		{above: true, limit: 3.0, multiplier: d("0.8")},
	}
	impairmentRules = []threshold{
		{above: true, limit: 0.2, multiplier: d("1.6")},
		{above: true, limit: 0.1, multiplier: d("1.3")},
		{equal: true, limit: 0, multiplier: d("0.9")},
	}
	historyRules = []threshold{
		{above: true, limit: 0.10, multiplier: d("1.5")},
		{above: true, limit: 0.05, multiplier: d("1.2")},
		{limit: 0.01, multiplier: d("0.85")},
	}
)

func applyRules(name string, v float64, rules []threshold) Factor {
	for _, r := range rules {
		if r.match(v) {
			return Factor{Name: name, Value: v, Multiplier: r.multiplier}
		}
	}
	return Factor{Name: name, Value: v, Multiplier: one}
}

// RiskFactors evaluates the factor rules in their fixed order and returns
// the breakdown and the clamped product.
func RiskFactors(m Metrics, historical *float64) (factors []Factor, raw, clamped decimal.Decimal) {
	factors = []Factor{
		applyRules("utilization", m.Utilization, utilizationRules),
		applyRules("coverage_ratio", m.CoverageRatio, coverageRules),
		applyRules("impairment_ratio", m.ImpairmentRatio, impairmentRules),
	}
	if historical != nil {
		factors = append(factors, applyRules("historical_default_rate", *historical, historyRules))
	}

	raw = one
	for _, f := range factors {
		raw = raw.Mul(f.Multiplier)
	}
	return factors, raw, decimal.Min(decimal.Max(raw, minMultiplier), maxMultiplier)
}

func (r Request) validate() error {
	if r.CoverageAmount <= 0 {
		return domain.Invalid("premium: coverage_amount must be positive, got %d", r.CoverageAmount)
	}
	if r.TermDays <= 0 {
		return domain.Invalid("premium: term_days must be positive, got %d", r.TermDays)
	}
	if h := r.HistoricalDefaultRate; h != nil && (*h < 0 || *h > 1 || *h != *h) {
		return domain.Invalid("premium: historical_default_rate %v outside [0,1]", *h)
	}
	if err := r.Vault.Validate(); err != nil {
		return err
	}
	return r.Broker.Validate()
}

// Price quotes the premium for insuring CoverageAmount drops of vault loss
// for TermDays:
//
//	premium = floor(coverage * base_rate * risk_multiplier * term_days / 365)
func Price(r Request) (Result, error) {
	if err := r.validate(); err != nil {
		return Result{}, err
	}

	m := MetricsFor(r.Vault, r.Broker)
	if err := m.validate(); err != nil {
		return Result{}, err
	}
	class := Classify(m)
	factors, raw, mult := RiskFactors(m, r.HistoricalDefaultRate)

	term := decimal.NewFromInt(int64(r.TermDays))
	numerator := decimal.NewFromInt(r.CoverageAmount).
		Mul(class.BaseRate).
		Mul(mult).
		Mul(term)
	// Integer quotient of a non-negative numerator is its floor.
	premium, _ := numerator.QuoRem(daysPerYear, 0)

	return Result{
		Premium:             premium.IntPart(),
		CoverageAmount:      r.CoverageAmount,
		TermDays:            r.TermDays,
		Tier:                class.Tier,
		BaseRate:            class.BaseRate,
		RawMultiplier:       raw,
		RiskMultiplier:      mult,
		TermFactor:          term.Div(daysPerYear),
		AnnualRateEffective: class.BaseRate.Mul(mult),
		Metrics:             m,
		Factors:             factors,
	}, nil
}

// AnnualEstimate is a linear extrapolation of a 90-day quote.
type AnnualEstimate struct {
	AnnualCost          int64           `json:"annual_cost"`
	QuarterlyCost       int64           `json:"quarterly_cost"`
	MonthlyCost         int64           `json:"monthly_cost"`
	EffectiveAnnualRate decimal.Decimal `json:"effective_annual_rate"`
	Tier                Tier            `json:"risk_tier"`
}

// EstimateAnnualCost prices a 90-day term and scales it to a year. This is
// an approximation, not a 365-day quote: floors compound differently.
func EstimateAnnualCost(coverage int64, v domain.Vault, b domain.LoanBroker) (AnnualEstimate, error) {
	q, err := Price(Request{CoverageAmount: coverage, TermDays: EstimateTermDays, Vault: v, Broker: b})
	if err != nil {
		return AnnualEstimate{}, err
	}
	annual, _ := decimal.NewFromInt(q.Premium).Mul(daysPerYear).QuoRem(decimal.NewFromInt(EstimateTermDays), 0)
	return AnnualEstimate{
		AnnualCost:          annual.IntPart(),
		QuarterlyCost:       q.Premium,
		MonthlyCost:         q.Premium / 3,
		EffectiveAnnualRate: q.AnnualRateEffective,
		Tier:                q.Tier,
	}, nil
}

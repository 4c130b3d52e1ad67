package domain

import (
	"math"
	"time"
)

// Pool holds the insurance capital backing a set of policies.
type Pool struct {
	ID                  string    `json:"pool_id"`
	Name                string    `json:"name"`
	AssetKind           string    `json:"asset_kind"`
	Account             string    `json:"account,omitempty"`
	TotalCapital        int64     `json:"total_capital"`
	AvailableCapital    int64     `json:"available_capital"`
	TotalExposure       int64     `json:"total_exposure"`
	ActivePoliciesCount int64     `json:"active_policies_count"`
	TotalClaimsPaid     int64     `json:"total_claims_paid"`
	TotalPremiums       int64     `json:"total_premiums_collected"`
	CoverageRatio       float64   `json:"coverage_ratio"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// PoolHealth is a coarse label for a pool's coverage ratio.
type PoolHealth string

const (
	PoolHealthCritical PoolHealth = "critical"
	PoolHealthWarning  PoolHealth = "warning"
	PoolHealthHealthy  PoolHealth = "healthy"
	PoolHealthOptimal  PoolHealth = "optimal"
)

// PoolMetrics is the read model returned by every pool operation.
type PoolMetrics struct {
	PoolID              string     `json:"pool_id"`
	TotalCapital        int64      `json:"total_capital"`
	AvailableCapital    int64      `json:"available_capital"`
	TotalExposure       int64      `json:"total_exposure"`
	ActivePoliciesCount int64      `json:"active_policies_count"`
	TotalClaimsPaid     int64      `json:"total_claims_paid"`
	CoverageRatio       float64    `json:"coverage_ratio"`
	Unbounded           bool       `json:"unbounded"`
	Health              PoolHealth `json:"health"`
	MaxNewExposure      int64      `json:"max_new_exposure"`
}

// Ratio returns the effective coverage ratio, +Inf with no exposure.
func (m PoolMetrics) Ratio() float64 {
	if m.Unbounded {
		return math.Inf(1)
	}
	return m.CoverageRatio
}

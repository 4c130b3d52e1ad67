package domain

import "time"

// PolicyStatus is the lifecycle state of an insurance policy.
type PolicyStatus string

const (
	PolicyStatusActive    PolicyStatus = "active"
	PolicyStatusExpired   PolicyStatus = "expired"
	PolicyStatusCancelled PolicyStatus = "cancelled"
)

// Policy insures depositors of one vault against vault loss up to
// CoverageAmount drops during [CoverageStart, CoverageEnd].
type Policy struct {
	ID             string       `json:"policy_id"`
	PoolID         string       `json:"pool_id"`
	VaultID        string       `json:"vault_id"`
	InsuredAddress string       `json:"insured_address"`
	CoverageAmount int64        `json:"coverage_amount"`
	PremiumPaid    int64        `json:"premium_paid"`
	RiskTier       string       `json:"risk_tier"`
	CoverageStart  time.Time    `json:"coverage_start"`
	CoverageEnd    time.Time    `json:"coverage_end"`
	Status         PolicyStatus `json:"status"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// InForce reports whether t falls inside the coverage window (inclusive).
func (p Policy) InForce(t time.Time) bool {
	return !t.Before(p.CoverageStart) && !t.After(p.CoverageEnd)
}

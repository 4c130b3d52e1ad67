package domain

import "time"

// LifecycleEvent is published on the signal bus whenever a claim, escrow or
// pool changes state.
type LifecycleEvent struct {
	Type     string    `json:"event"`
	ClaimID  string    `json:"claim_id,omitempty"`
	PolicyID string    `json:"policy_id,omitempty"`
	PoolID   string    `json:"pool_id,omitempty"`
	LoanID   string    `json:"loan_id,omitempty"`
	Status   string    `json:"status,omitempty"`
	Amount   int64     `json:"amount,omitempty"`
	TxHash   string    `json:"tx_hash,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// Lifecycle event types.
const (
	EventClaimApproved   = "claim_approved"
	EventClaimRejected   = "claim_rejected"
	EventEscrowCreated   = "escrow_created"
	EventEscrowFinished  = "escrow_finished"
	EventEscrowCancelled = "escrow_cancelled"
	EventEscrowReady     = "escrow_finishable"
	EventPolicyIssued    = "policy_issued"
	EventPolicyExpired   = "policy_expired"
	EventPolicyCancelled = "policy_cancelled"
	EventPoolUpdated     = "pool_updated"
	EventPoolLowCoverage = "pool_low_coverage"
	EventDefaultDetected = "default_detected"
)

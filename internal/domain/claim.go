package domain

import "time"

// ClaimStatus is the lifecycle state of a claim.
type ClaimStatus string

const (
	ClaimStatusPending   ClaimStatus = "pending"
	ClaimStatusValidated ClaimStatus = "validated"
	ClaimStatusEscrowed  ClaimStatus = "escrowed"
	ClaimStatusSettled   ClaimStatus = "settled"
	ClaimStatusRejected  ClaimStatus = "rejected"
)

// claimTransitions lists the forward moves allowed from each status.
var claimTransitions = map[ClaimStatus][]ClaimStatus{
	ClaimStatusPending:   {ClaimStatusValidated, ClaimStatusRejected},
	ClaimStatusValidated: {ClaimStatusEscrowed, ClaimStatusRejected},
	ClaimStatusEscrowed:  {ClaimStatusSettled, ClaimStatusRejected},
}

// CanTransition reports whether a claim may move from one status to another.
func (s ClaimStatus) CanTransition(to ClaimStatus) bool {
	for _, next := range claimTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s ClaimStatus) Terminal() bool {
	return s == ClaimStatusSettled || s == ClaimStatusRejected
}

// Claim is a validated request for payout against a policy, created only
// after validation approves.
type Claim struct {
	ID               string      `json:"claim_id"`
	PolicyID         string      `json:"policy_id"`
	PoolID           string      `json:"pool_id"`
	LoanID           string      `json:"loan_id"`
	BrokerID         string      `json:"loan_broker_id"`
	VaultID          string      `json:"vault_id"`
	TxHash           string      `json:"tx_hash"`
	DefaultAmount    int64       `json:"default_amount"`
	DefaultCovered   int64       `json:"default_covered"`
	VaultLoss        int64       `json:"vault_loss"`
	ClaimPayout      int64       `json:"claim_payout"`
	Status           ClaimStatus `json:"status"`
	RejectionReason  string      `json:"rejection_reason,omitempty"`
	EscrowSequence   *uint32     `json:"escrow_sequence,omitempty"`
	SettlementTxHash string      `json:"settlement_tx_hash,omitempty"`
	ValidatedAt      time.Time   `json:"validated_at"`
	SettledAt        *time.Time  `json:"settled_at,omitempty"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// Transition moves the claim to status to, or returns ErrClaimStatus.
func (c *Claim) Transition(to ClaimStatus, at time.Time) error {
	if !c.Status.CanTransition(to) {
		return Wrapf(ErrClaimStatus, "claim %s: %s -> %s", c.ID, c.Status, to)
	}
	c.Status = to
	c.UpdatedAt = at
	return nil
}

package domain

import "time"

// EscrowStatus is the state of a time-locked claim payout.
type EscrowStatus string

const (
	EscrowStatusPending     EscrowStatus = "pending"
	EscrowStatusFinishable  EscrowStatus = "finishable"
	EscrowStatusCancellable EscrowStatus = "cancellable"
	EscrowStatusFinished    EscrowStatus = "finished"
	EscrowStatusCancelled   EscrowStatus = "cancelled"
)

// Escrow is the dispute-window hold placed on an approved payout. Status is
// persisted only for the executed states; the time-based states are derived.
type Escrow struct {
	ClaimID       string       `json:"claim_id"`
	PoolID        string       `json:"pool_id"`
	Sequence      uint32       `json:"sequence"`
	Amount        int64        `json:"amount"`
	Destination   string       `json:"destination"`
	CreateTxHash  string       `json:"create_tx_hash"`
	ResolveTxHash string       `json:"resolve_tx_hash,omitempty"`
	CancelReason  string       `json:"cancel_reason,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	FinishAfter   time.Time    `json:"finish_after"`
	CancelAfter   time.Time    `json:"cancel_after"`
	Status        EscrowStatus `json:"status"`
	ResolvedAt    *time.Time   `json:"resolved_at,omitempty"`
}

// Resolved reports whether finish or cancel has already executed.
func (e Escrow) Resolved() bool {
	return e.Status == EscrowStatusFinished || e.Status == EscrowStatusCancelled
}

// EscrowStatusAt derives the status of e at now. Executed states win; then
// cancellable past cancel_after, finishable past finish_after, else pending.
func EscrowStatusAt(e Escrow, now time.Time) EscrowStatus {
	switch {
	case e.Resolved():
		return e.Status
	case !now.Before(e.CancelAfter):
		return EscrowStatusCancellable
	case !now.Before(e.FinishAfter):
		return EscrowStatusFinishable
	default:
		return EscrowStatusPending
	}
}

// EscrowView pairs an escrow with its derived status and permitted actions.
type EscrowView struct {
	Escrow
	Status    EscrowStatus `json:"status"`
	CanFinish bool         `json:"can_finish"`
	CanCancel bool         `json:"can_cancel"`
}

// ViewEscrow builds the read model for e at now. Finishing stays permitted
// after cancel_after until a cancel executes.
func ViewEscrow(e Escrow, now time.Time) EscrowView {
	st := EscrowStatusAt(e, now)
	return EscrowView{
		Escrow:    e,
		Status:    st,
		CanFinish: st == EscrowStatusFinishable || st == EscrowStatusCancellable,
		CanCancel: st == EscrowStatusCancellable,
	}
}

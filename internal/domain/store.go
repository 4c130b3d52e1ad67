package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PolicyStore persists insurance policies.
type PolicyStore interface {
	Create(ctx context.Context, p Policy) error
	GetByID(ctx context.Context, id string) (Policy, error)
	// GetForUpdate reads the policy and holds it until the transaction ends.
	GetForUpdate(ctx context.Context, id string) (Policy, error)
	UpdateStatus(ctx context.Context, id string, status PolicyStatus) error
	ListActiveByVault(ctx context.Context, vaultID string) ([]Policy, error)
	ListActiveByInsured(ctx context.Context, insured string) ([]Policy, error)
	// ListExpiring returns active policies whose coverage ended before t.
	ListExpiring(ctx context.Context, before time.Time, limit int) ([]Policy, error)
}

// ClaimStore persists claims.
type ClaimStore interface {
	// Create inserts a claim. It returns ErrAlreadyExists when a claim for
	// the same (loan_id, tx_hash, policy_id) is already recorded, or when the
	// policy already holds a non-rejected claim on the loan.
	Create(ctx context.Context, c Claim) error
	GetByID(ctx context.Context, id string) (Claim, error)
	GetForUpdate(ctx context.Context, id string) (Claim, error)
	FindByDefault(ctx context.Context, loanID, txHash, policyID string) (Claim, error)
	// FindOpenByLoan returns the non-rejected claim a policy holds on a loan,
	// whatever transaction it was raised from.
	FindOpenByLoan(ctx context.Context, loanID, policyID string) (Claim, error)
	ListByDefault(ctx context.Context, loanID, txHash string) ([]Claim, error)
	Update(ctx context.Context, c Claim) error
	ListByStatus(ctx context.Context, status ClaimStatus, opts ListOpts) ([]Claim, error)
	// ListSettledBefore returns settled claims with settled_at before t.
	ListSettledBefore(ctx context.Context, before time.Time) ([]Claim, error)
}

// PoolStore persists insurance pools.
type PoolStore interface {
	GetByID(ctx context.Context, id string) (Pool, error)
	// GetForUpdate reads the pool row and locks it for the rest of the
	// enclosing transaction.
	GetForUpdate(ctx context.Context, id string) (Pool, error)
	Upsert(ctx context.Context, p Pool) error
	List(ctx context.Context) ([]Pool, error)
}

// EscrowStore persists escrow holds.
type EscrowStore interface {
	Create(ctx context.Context, e Escrow) error
	GetByClaim(ctx context.Context, claimID string) (Escrow, error)
	GetForUpdate(ctx context.Context, claimID string) (Escrow, error)
	Update(ctx context.Context, e Escrow) error
	// ListOpen returns escrows that have not been finished or cancelled.
	ListOpen(ctx context.Context, limit int) ([]Escrow, error)
}

// DefaultStore persists the processed-default log.
type DefaultStore interface {
	// Record inserts the entry, returning ErrAlreadyExists on replay.
	Record(ctx context.Context, r DefaultRecord) error
	Exists(ctx context.Context, loanID, txHash string) (bool, error)
	ListBefore(ctx context.Context, before time.Time) ([]DefaultRecord, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// Stores groups the per-entity stores that share one connection or
// transaction.
type Stores interface {
	Policies() PolicyStore
	Claims() ClaimStore
	Pools() PoolStore
	Escrows() EscrowStore
	Defaults() DefaultStore
	Audit() AuditStore
}

// Repository is the persistence boundary injected into every stateful
// component. InTx runs fn against stores bound to a single transaction; all
// writes commit together or not at all.
type Repository interface {
	Stores
	InTx(ctx context.Context, fn func(tx Stores) error) error
}

package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/ward/internal/domain"
)

// stores binds every store to one querier.
type stores struct {
	q querier
}

func (s stores) Policies() domain.PolicyStore  { return &PolicyStore{q: s.q} }
func (s stores) Claims() domain.ClaimStore     { return &ClaimStore{q: s.q} }
func (s stores) Pools() domain.PoolStore       { return &PoolStore{q: s.q} }
func (s stores) Escrows() domain.EscrowStore   { return &EscrowStore{q: s.q} }
func (s stores) Defaults() domain.DefaultStore { return &DefaultStore{q: s.q} }
func (s stores) Audit() domain.AuditStore      { return &AuditStore{q: s.q} }

// Repository implements domain.Repository over a pgx pool. Stores returned
// directly run in autocommit; InTx binds them to one transaction.
type Repository struct {
	stores
	pool *pgxpool.Pool
}

var _ domain.Repository = (*Repository)(nil)

// NewRepository creates a Repository on pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{stores: stores{q: pool}, pool: pool}
}

// InTx runs fn in a read-committed transaction. Row locks taken through the
// stores' GetForUpdate methods are held until fn returns. The transaction
// commits only when fn returns nil.
func (r *Repository) InTx(ctx context.Context, fn func(tx domain.Stores) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("postgres: begin tx: %w", mapErr(err))
	}
	// Rollback after Commit is a no-op.
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(stores{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit tx: %w", mapErr(err))
	}
	return nil
}

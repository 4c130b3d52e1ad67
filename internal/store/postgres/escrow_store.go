package postgres

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/ward/internal/domain"
)

// EscrowStore implements domain.EscrowStore using PostgreSQL.
type EscrowStore struct {
	q querier
}

var _ domain.EscrowStore = (*EscrowStore)(nil)

const escrowSelectCols = `claim_id, pool_id, sequence, amount, destination, create_tx_hash,
	resolve_tx_hash, cancel_reason, created_at, finish_after, cancel_after, status, resolved_at`

func scanEscrow(row scanner) (domain.Escrow, error) {
	var e domain.Escrow
	var seq int64
	var status string
	err := row.Scan(
		&e.ClaimID, &e.PoolID, &seq, &e.Amount, &e.Destination, &e.CreateTxHash,
		&e.ResolveTxHash, &e.CancelReason, &e.CreatedAt, &e.FinishAfter, &e.CancelAfter, &status, &e.ResolvedAt,
	)
	if err != nil {
		return domain.Escrow{}, err
	}
	e.Sequence = uint32(seq)
	e.Status = domain.EscrowStatus(status)
	return e, nil
}

// Create inserts the escrow for a claim.
func (s *EscrowStore) Create(ctx context.Context, e domain.Escrow) error {
	const query = `
		INSERT INTO escrows (
			claim_id, pool_id, sequence, amount, destination, create_tx_hash,
			resolve_tx_hash, cancel_reason, created_at, finish_after, cancel_after, status, resolved_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := s.q.Exec(ctx, query,
		e.ClaimID, e.PoolID, int64(e.Sequence), e.Amount, e.Destination, e.CreateTxHash,
		e.ResolveTxHash, e.CancelReason, e.CreatedAt, e.FinishAfter, e.CancelAfter, string(e.Status), e.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create escrow for claim %s: %w", e.ClaimID, mapErr(err))
	}
	return nil
}

// GetByClaim returns the escrow for a claim.
func (s *EscrowStore) GetByClaim(ctx context.Context, claimID string) (domain.Escrow, error) {
	e, err := scanEscrow(s.q.QueryRow(ctx, `SELECT `+escrowSelectCols+` FROM escrows WHERE claim_id = $1`, claimID))
	if err != nil {
		return domain.Escrow{}, fmt.Errorf("postgres: get escrow for claim %s: %w", claimID, mapErr(err))
	}
	return e, nil
}

// GetForUpdate reads the escrow and locks its row.
func (s *EscrowStore) GetForUpdate(ctx context.Context, claimID string) (domain.Escrow, error) {
	e, err := scanEscrow(s.q.QueryRow(ctx, `SELECT `+escrowSelectCols+` FROM escrows WHERE claim_id = $1 FOR UPDATE`, claimID))
	if err != nil {
		return domain.Escrow{}, fmt.Errorf("postgres: lock escrow for claim %s: %w", claimID, mapErr(err))
	}
	return e, nil
}

// Update records a finish or cancel.
func (s *EscrowStore) Update(ctx context.Context, e domain.Escrow) error {
	const query = `
		UPDATE escrows SET
			status = $2, resolve_tx_hash = $3, cancel_reason = $4, resolved_at = $5
		WHERE claim_id = $1`

	tag, err := s.q.Exec(ctx, query, e.ClaimID, string(e.Status), e.ResolveTxHash, e.CancelReason, e.ResolvedAt)
	if err != nil {
		return fmt.Errorf("postgres: update escrow for claim %s: %w", e.ClaimID, mapErr(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: escrow for claim %s: %w", e.ClaimID, domain.ErrNotFound)
	}
	return nil
}

// ListOpen returns unresolved escrows, soonest finishable first.
func (s *EscrowStore) ListOpen(ctx context.Context, limit int) ([]domain.Escrow, error) {
	if limit <= 0 {
		limit = 500
	}
	const query = `SELECT ` + escrowSelectCols + ` FROM escrows
		WHERE status NOT IN ('finished', 'cancelled') ORDER BY finish_after, claim_id LIMIT $1`
	rows, err := s.q.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open escrows: %w", mapErr(err))
	}
	defer rows.Close()

	var out []domain.Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan escrow: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list open escrows rows: %w", err)
	}
	return out, nil
}

package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/ward/internal/domain"
)

// DefaultStore implements domain.DefaultStore using PostgreSQL.
type DefaultStore struct {
	q querier
}

var _ domain.DefaultStore = (*DefaultStore)(nil)

// Record inserts the processed-default entry. The (loan_id, tx_hash) primary
// key reports a replay as domain.ErrAlreadyExists.
func (s *DefaultStore) Record(ctx context.Context, r domain.DefaultRecord) error {
	const query = `
		INSERT INTO processed_defaults (
			loan_id, tx_hash, loan_broker_id, vault_id, borrower,
			default_amount, default_covered, vault_loss, ledger_index,
			claims_approved, detected_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := s.q.Exec(ctx, query,
		r.LoanID, r.TxHash, r.BrokerID, r.VaultID, r.Borrower,
		r.DefaultAmount, r.DefaultCovered, r.VaultLoss, int64(r.LedgerIndex),
		r.ClaimsApproved, r.DetectedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: record default %s/%s: %w", r.LoanID, r.TxHash, mapErr(err))
	}
	return nil
}

// Exists reports whether a default has already been processed.
func (s *DefaultStore) Exists(ctx context.Context, loanID, txHash string) (bool, error) {
	var exists bool
	err := s.q.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM processed_defaults WHERE loan_id = $1 AND tx_hash = $2)`,
		loanID, txHash,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: check default %s/%s: %w", loanID, txHash, mapErr(err))
	}
	return exists, nil
}

// ListBefore returns entries detected before t, oldest first.
func (s *DefaultStore) ListBefore(ctx context.Context, before time.Time) ([]domain.DefaultRecord, error) {
	const query = `
		SELECT loan_id, tx_hash, loan_broker_id, vault_id, borrower,
			default_amount, default_covered, vault_loss, ledger_index,
			claims_approved, detected_at
		FROM processed_defaults WHERE detected_at < $1 ORDER BY detected_at, loan_id`

	rows, err := s.q.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list defaults: %w", mapErr(err))
	}
	defer rows.Close()

	var out []domain.DefaultRecord
	for rows.Next() {
		var r domain.DefaultRecord
		var ledgerIndex int64
		if err := rows.Scan(
			&r.LoanID, &r.TxHash, &r.BrokerID, &r.VaultID, &r.Borrower,
			&r.DefaultAmount, &r.DefaultCovered, &r.VaultLoss, &ledgerIndex,
			&r.ClaimsApproved, &r.DetectedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan default: %w", err)
		}
		r.LedgerIndex = uint64(ledgerIndex)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list defaults rows: %w", err)
	}
	return out, nil
}

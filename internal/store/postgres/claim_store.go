package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/ward/internal/domain"
)

// ClaimStore implements domain.ClaimStore using PostgreSQL.
type ClaimStore struct {
	q querier
}

var _ domain.ClaimStore = (*ClaimStore)(nil)

const claimSelectCols = `id, policy_id, pool_id, loan_id, loan_broker_id, vault_id, tx_hash,
	default_amount, default_covered, vault_loss, claim_payout, status, rejection_reason,
	escrow_sequence, settlement_tx_hash, validated_at, settled_at, updated_at`

func scanClaim(row scanner) (domain.Claim, error) {
	var c domain.Claim
	var status string
	var seq *int64
	err := row.Scan(
		&c.ID, &c.PolicyID, &c.PoolID, &c.LoanID, &c.BrokerID, &c.VaultID, &c.TxHash,
		&c.DefaultAmount, &c.DefaultCovered, &c.VaultLoss, &c.ClaimPayout, &status, &c.RejectionReason,
		&seq, &c.SettlementTxHash, &c.ValidatedAt, &c.SettledAt, &c.UpdatedAt,
	)
	if err != nil {
		return domain.Claim{}, err
	}
	c.Status = domain.ClaimStatus(status)
	if seq != nil {
		v := uint32(*seq)
		c.EscrowSequence = &v
	}
	return c, nil
}

func sequenceArg(seq *uint32) *int64 {
	if seq == nil {
		return nil
	}
	v := int64(*seq)
	return &v
}

// Create inserts a claim. The unique indexes on (loan_id, tx_hash, policy_id)
// and on live (loan_id, policy_id) pairs turn a concurrent duplicate into
// domain.ErrAlreadyExists.
func (s *ClaimStore) Create(ctx context.Context, c domain.Claim) error {
	const query = `
		INSERT INTO claims (
			id, policy_id, pool_id, loan_id, loan_broker_id, vault_id, tx_hash,
			default_amount, default_covered, vault_loss, claim_payout, status, rejection_reason,
			escrow_sequence, settlement_tx_hash, validated_at, settled_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17, $18
		)`

	_, err := s.q.Exec(ctx, query,
		c.ID, c.PolicyID, c.PoolID, c.LoanID, c.BrokerID, c.VaultID, c.TxHash,
		c.DefaultAmount, c.DefaultCovered, c.VaultLoss, c.ClaimPayout, string(c.Status), c.RejectionReason,
		sequenceArg(c.EscrowSequence), c.SettlementTxHash, c.ValidatedAt, c.SettledAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create claim %s: %w", c.ID, mapErr(err))
	}
	return nil
}

// GetByID returns one claim.
func (s *ClaimStore) GetByID(ctx context.Context, id string) (domain.Claim, error) {
	c, err := scanClaim(s.q.QueryRow(ctx, `SELECT `+claimSelectCols+` FROM claims WHERE id = $1`, id))
	if err != nil {
		return domain.Claim{}, fmt.Errorf("postgres: get claim %s: %w", id, mapErr(err))
	}
	return c, nil
}

// GetForUpdate reads the claim and locks its row.
func (s *ClaimStore) GetForUpdate(ctx context.Context, id string) (domain.Claim, error) {
	c, err := scanClaim(s.q.QueryRow(ctx, `SELECT `+claimSelectCols+` FROM claims WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return domain.Claim{}, fmt.Errorf("postgres: lock claim %s: %w", id, mapErr(err))
	}
	return c, nil
}

// FindByDefault returns the claim recorded for one policy on one default.
func (s *ClaimStore) FindByDefault(ctx context.Context, loanID, txHash, policyID string) (domain.Claim, error) {
	const query = `SELECT ` + claimSelectCols + ` FROM claims
		WHERE loan_id = $1 AND tx_hash = $2 AND policy_id = $3`
	c, err := scanClaim(s.q.QueryRow(ctx, query, loanID, txHash, policyID))
	if err != nil {
		return domain.Claim{}, fmt.Errorf("postgres: find claim %s/%s/%s: %w", loanID, txHash, policyID, mapErr(err))
	}
	return c, nil
}

// FindOpenByLoan returns the non-rejected claim a policy holds on a loan.
func (s *ClaimStore) FindOpenByLoan(ctx context.Context, loanID, policyID string) (domain.Claim, error) {
	const query = `SELECT ` + claimSelectCols + ` FROM claims
		WHERE loan_id = $1 AND policy_id = $2 AND status <> 'rejected'
		ORDER BY validated_at, id LIMIT 1`
	c, err := scanClaim(s.q.QueryRow(ctx, query, loanID, policyID))
	if err != nil {
		return domain.Claim{}, fmt.Errorf("postgres: find open claim %s/%s: %w", loanID, policyID, mapErr(err))
	}
	return c, nil
}

// ListByDefault returns every claim raised by one default.
func (s *ClaimStore) ListByDefault(ctx context.Context, loanID, txHash string) ([]domain.Claim, error) {
	return s.list(ctx, `SELECT `+claimSelectCols+` FROM claims
		WHERE loan_id = $1 AND tx_hash = $2 ORDER BY validated_at, id`, loanID, txHash)
}

// Update overwrites the mutable fields of a claim.
func (s *ClaimStore) Update(ctx context.Context, c domain.Claim) error {
	const query = `
		UPDATE claims SET
			status = $2, rejection_reason = $3, escrow_sequence = $4,
			settlement_tx_hash = $5, settled_at = $6, updated_at = $7
		WHERE id = $1`

	tag, err := s.q.Exec(ctx, query,
		c.ID, string(c.Status), c.RejectionReason, sequenceArg(c.EscrowSequence),
		c.SettlementTxHash, c.SettledAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update claim %s: %w", c.ID, mapErr(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: claim %s: %w", c.ID, domain.ErrNotFound)
	}
	return nil
}

// ListByStatus returns claims in one status, oldest first.
func (s *ClaimStore) ListByStatus(ctx context.Context, status domain.ClaimStatus, opts domain.ListOpts) ([]domain.Claim, error) {
	query := `SELECT ` + claimSelectCols + ` FROM claims WHERE status = $1`
	args := []any{string(status)}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND validated_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND validated_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}
	query += " ORDER BY validated_at, id"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}
	return s.list(ctx, query, args...)
}

// ListSettledBefore returns settled claims with settled_at before t.
func (s *ClaimStore) ListSettledBefore(ctx context.Context, before time.Time) ([]domain.Claim, error) {
	return s.list(ctx, `SELECT `+claimSelectCols+` FROM claims
		WHERE status = 'settled' AND settled_at < $1 ORDER BY settled_at, id`, before)
}

func (s *ClaimStore) list(ctx context.Context, query string, args ...any) ([]domain.Claim, error) {
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list claims: %w", mapErr(err))
	}
	defer rows.Close()

	var out []domain.Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan claim: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list claims rows: %w", err)
	}
	return out, nil
}

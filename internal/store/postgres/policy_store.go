package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/ward/internal/domain"
)

// PolicyStore implements domain.PolicyStore using PostgreSQL.
type PolicyStore struct {
	q querier
}

var _ domain.PolicyStore = (*PolicyStore)(nil)

const policySelectCols = `id, pool_id, vault_id, insured_address, coverage_amount,
	premium_paid, risk_tier, coverage_start, coverage_end, status,
	created_at, updated_at`

func scanPolicy(row scanner) (domain.Policy, error) {
	var p domain.Policy
	var status string
	err := row.Scan(
		&p.ID, &p.PoolID, &p.VaultID, &p.InsuredAddress, &p.CoverageAmount,
		&p.PremiumPaid, &p.RiskTier, &p.CoverageStart, &p.CoverageEnd, &status,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return domain.Policy{}, err
	}
	p.Status = domain.PolicyStatus(status)
	return p, nil
}

// Create inserts a new policy.
func (s *PolicyStore) Create(ctx context.Context, p domain.Policy) error {
	const query = `
		INSERT INTO policies (
			id, pool_id, vault_id, insured_address, coverage_amount,
			premium_paid, risk_tier, coverage_start, coverage_end, status,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := s.q.Exec(ctx, query,
		p.ID, p.PoolID, p.VaultID, p.InsuredAddress, p.CoverageAmount,
		p.PremiumPaid, p.RiskTier, p.CoverageStart, p.CoverageEnd, string(p.Status),
		p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create policy %s: %w", p.ID, mapErr(err))
	}
	return nil
}

// GetByID returns one policy.
func (s *PolicyStore) GetByID(ctx context.Context, id string) (domain.Policy, error) {
	p, err := scanPolicy(s.q.QueryRow(ctx, `SELECT `+policySelectCols+` FROM policies WHERE id = $1`, id))
	if err != nil {
		return domain.Policy{}, fmt.Errorf("postgres: get policy %s: %w", id, mapErr(err))
	}
	return p, nil
}

// GetForUpdate reads the policy and locks its row until the transaction
// ends.
func (s *PolicyStore) GetForUpdate(ctx context.Context, id string) (domain.Policy, error) {
	p, err := scanPolicy(s.q.QueryRow(ctx, `SELECT `+policySelectCols+` FROM policies WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return domain.Policy{}, fmt.Errorf("postgres: lock policy %s: %w", id, mapErr(err))
	}
	return p, nil
}

// UpdateStatus changes a policy's status.
func (s *PolicyStore) UpdateStatus(ctx context.Context, id string, status domain.PolicyStatus) error {
	tag, err := s.q.Exec(ctx, `UPDATE policies SET status = $1, updated_at = NOW() WHERE id = $2`, string(status), id)
	if err != nil {
		return fmt.Errorf("postgres: update policy status %s: %w", id, mapErr(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: policy %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// ListActiveByVault returns active policies on a vault, oldest first.
func (s *PolicyStore) ListActiveByVault(ctx context.Context, vaultID string) ([]domain.Policy, error) {
	return s.list(ctx, `SELECT `+policySelectCols+` FROM policies
		WHERE status = 'active' AND vault_id = $1 ORDER BY created_at, id`, vaultID)
}

// ListActiveByInsured returns active policies held by an address.
func (s *PolicyStore) ListActiveByInsured(ctx context.Context, insured string) ([]domain.Policy, error) {
	return s.list(ctx, `SELECT `+policySelectCols+` FROM policies
		WHERE status = 'active' AND insured_address = $1 ORDER BY created_at, id`, insured)
}

// ListExpiring returns active policies whose coverage ended before t.
func (s *PolicyStore) ListExpiring(ctx context.Context, before time.Time, limit int) ([]domain.Policy, error) {
	if limit <= 0 {
		limit = 500
	}
	return s.list(ctx, `SELECT `+policySelectCols+` FROM policies
		WHERE status = 'active' AND coverage_end < $1 ORDER BY coverage_end, id LIMIT $2`, before, limit)
}

func (s *PolicyStore) list(ctx context.Context, query string, args ...any) ([]domain.Policy, error) {
	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list policies: %w", mapErr(err))
	}
	defer rows.Close()

	var out []domain.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan policy: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list policies rows: %w", err)
	}
	return out, nil
}

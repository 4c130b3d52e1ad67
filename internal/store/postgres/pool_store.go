package postgres

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/ward/internal/domain"
)

// PoolStore implements domain.PoolStore using PostgreSQL.
type PoolStore struct {
	q querier
}

var _ domain.PoolStore = (*PoolStore)(nil)

const poolSelectCols = `id, name, asset_kind, account, total_capital, available_capital,
	total_exposure, active_policies_count, total_claims_paid, total_premiums,
	coverage_ratio, created_at, updated_at`

func scanPool(row scanner) (domain.Pool, error) {
	var p domain.Pool
	err := row.Scan(
		&p.ID, &p.Name, &p.AssetKind, &p.Account, &p.TotalCapital, &p.AvailableCapital,
		&p.TotalExposure, &p.ActivePoliciesCount, &p.TotalClaimsPaid, &p.TotalPremiums,
		&p.CoverageRatio, &p.CreatedAt, &p.UpdatedAt,
	)
	return p, err
}

// GetByID returns one pool.
func (s *PoolStore) GetByID(ctx context.Context, id string) (domain.Pool, error) {
	p, err := scanPool(s.q.QueryRow(ctx, `SELECT `+poolSelectCols+` FROM pools WHERE id = $1`, id))
	if err != nil {
		return domain.Pool{}, fmt.Errorf("postgres: get pool %s: %w", id, mapErr(err))
	}
	return p, nil
}

// GetForUpdate reads the pool and locks its row for the rest of the
// transaction, serializing concurrent capital changes.
func (s *PoolStore) GetForUpdate(ctx context.Context, id string) (domain.Pool, error) {
	p, err := scanPool(s.q.QueryRow(ctx, `SELECT `+poolSelectCols+` FROM pools WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return domain.Pool{}, fmt.Errorf("postgres: lock pool %s: %w", id, mapErr(err))
	}
	return p, nil
}

// Upsert inserts or replaces a pool.
func (s *PoolStore) Upsert(ctx context.Context, p domain.Pool) error {
	const query = `
		INSERT INTO pools (
			id, name, asset_kind, account, total_capital, available_capital,
			total_exposure, active_policies_count, total_claims_paid, total_premiums,
			coverage_ratio, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			asset_kind = EXCLUDED.asset_kind,
			account = EXCLUDED.account,
			total_capital = EXCLUDED.total_capital,
			available_capital = EXCLUDED.available_capital,
			total_exposure = EXCLUDED.total_exposure,
			active_policies_count = EXCLUDED.active_policies_count,
			total_claims_paid = EXCLUDED.total_claims_paid,
			total_premiums = EXCLUDED.total_premiums,
			coverage_ratio = EXCLUDED.coverage_ratio,
			updated_at = EXCLUDED.updated_at`

	_, err := s.q.Exec(ctx, query,
		p.ID, p.Name, p.AssetKind, p.Account, p.TotalCapital, p.AvailableCapital,
		p.TotalExposure, p.ActivePoliciesCount, p.TotalClaimsPaid, p.TotalPremiums,
		p.CoverageRatio, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert pool %s: %w", p.ID, mapErr(err))
	}
	return nil
}

// List returns every pool ordered by creation.
func (s *PoolStore) List(ctx context.Context) ([]domain.Pool, error) {
	rows, err := s.q.Query(ctx, `SELECT `+poolSelectCols+` FROM pools ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pools: %w", mapErr(err))
	}
	defer rows.Close()

	var out []domain.Pool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan pool: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list pools rows: %w", err)
	}
	return out, nil
}

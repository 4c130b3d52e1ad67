package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/alanyoungcy/ward/internal/domain"
)

type policyStore struct{ v view }

func (s policyStore) Create(_ context.Context, p domain.Policy) error {
	return s.v.with(func(st *state) error {
		if _, ok := st.policies[p.ID]; ok {
			return fmt.Errorf("memory: policy %s: %w", p.ID, domain.ErrAlreadyExists)
		}
		st.policies[p.ID] = p
		return nil
	})
}

func (s policyStore) GetByID(_ context.Context, id string) (domain.Policy, error) {
	var out domain.Policy
	err := s.v.with(func(st *state) error {
		p, ok := st.policies[id]
		if !ok {
			return fmt.Errorf("memory: policy %s: %w", id, domain.ErrNotFound)
		}
		out = p
		return nil
	})
	return out, err
}

func (s policyStore) GetForUpdate(ctx context.Context, id string) (domain.Policy, error) {
	return s.GetByID(ctx, id)
}

func (s policyStore) UpdateStatus(_ context.Context, id string, status domain.PolicyStatus) error {
	return s.v.with(func(st *state) error {
		p, ok := st.policies[id]
		if !ok {
			return fmt.Errorf("memory: policy %s: %w", id, domain.ErrNotFound)
		}
		p.Status = status
		p.UpdatedAt = s.v.r.now().UTC()
		st.policies[id] = p
		return nil
	})
}

func (s policyStore) filter(keep func(domain.Policy) bool) []domain.Policy {
	var out []domain.Policy
	_ = s.v.with(func(st *state) error {
		for _, p := range st.policies {
			if keep(p) {
				out = append(out, p)
			}
		}
		return nil
	})
	sortPolicies(out)
	return out
}

func (s policyStore) ListActiveByVault(_ context.Context, vaultID string) ([]domain.Policy, error) {
	return s.filter(func(p domain.Policy) bool {
		return p.Status == domain.PolicyStatusActive && p.VaultID == vaultID
	}), nil
}

func (s policyStore) ListActiveByInsured(_ context.Context, insured string) ([]domain.Policy, error) {
	return s.filter(func(p domain.Policy) bool {
		return p.Status == domain.PolicyStatusActive && p.InsuredAddress == insured
	}), nil
}

func (s policyStore) ListExpiring(_ context.Context, before time.Time, limit int) ([]domain.Policy, error) {
	out := s.filter(func(p domain.Policy) bool {
		return p.Status == domain.PolicyStatusActive && p.CoverageEnd.Before(before)
	})
	return page(out, domain.ListOpts{Limit: limit}), nil
}

type claimStore struct{ v view }

func (s claimStore) Create(_ context.Context, c domain.Claim) error {
	return s.v.with(func(st *state) error {
		if _, ok := st.claims[c.ID]; ok {
			return fmt.Errorf("memory: claim %s: %w", c.ID, domain.ErrAlreadyExists)
		}
		for _, existing := range st.claims {
			if existing.LoanID != c.LoanID || existing.PolicyID != c.PolicyID {
				continue
			}
			if existing.TxHash == c.TxHash {
				return fmt.Errorf("memory: claim for loan %s tx %s policy %s: %w", c.LoanID, c.TxHash, c.PolicyID, domain.ErrAlreadyExists)
			}
			if existing.Status != domain.ClaimStatusRejected && c.Status != domain.ClaimStatusRejected {
				return fmt.Errorf("memory: open claim for loan %s policy %s: %w", c.LoanID, c.PolicyID, domain.ErrAlreadyExists)
			}
		}
		st.claims[c.ID] = copyClaim(c)
		return nil
	})
}

func (s claimStore) GetByID(_ context.Context, id string) (domain.Claim, error) {
	var out domain.Claim
	err := s.v.with(func(st *state) error {
		c, ok := st.claims[id]
		if !ok {
			return fmt.Errorf("memory: claim %s: %w", id, domain.ErrNotFound)
		}
		out = copyClaim(c)
		return nil
	})
	return out, err
}

func (s claimStore) GetForUpdate(ctx context.Context, id string) (domain.Claim, error) {
	return s.GetByID(ctx, id)
}

func (s claimStore) FindByDefault(_ context.Context, loanID, txHash, policyID string) (domain.Claim, error) {
	var out domain.Claim
	err := s.v.with(func(st *state) error {
		for _, c := range st.claims {
			if c.LoanID == loanID && c.TxHash == txHash && c.PolicyID == policyID {
				out = copyClaim(c)
				return nil
			}
		}
		return fmt.Errorf("memory: claim for loan %s tx %s policy %s: %w", loanID, txHash, policyID, domain.ErrNotFound)
	})
	return out, err
}

func (s claimStore) FindOpenByLoan(_ context.Context, loanID, policyID string) (domain.Claim, error) {
	open := s.collect(func(c domain.Claim) bool {
		return c.LoanID == loanID && c.PolicyID == policyID && c.Status != domain.ClaimStatusRejected
	})
	if len(open) == 0 {
		return domain.Claim{}, fmt.Errorf("memory: open claim for loan %s policy %s: %w", loanID, policyID, domain.ErrNotFound)
	}
	return open[0], nil
}

func (s claimStore) collect(keep func(domain.Claim) bool) []domain.Claim {
	var out []domain.Claim
	_ = s.v.with(func(st *state) error {
		for _, c := range st.claims {
			if keep(c) {
				out = append(out, copyClaim(c))
			}
		}
		return nil
	})
	sortClaims(out)
	return out
}

func (s claimStore) ListByDefault(_ context.Context, loanID, txHash string) ([]domain.Claim, error) {
	return s.collect(func(c domain.Claim) bool { return c.LoanID == loanID && c.TxHash == txHash }), nil
}

func (s claimStore) Update(_ context.Context, c domain.Claim) error {
	return s.v.with(func(st *state) error {
		if _, ok := st.claims[c.ID]; !ok {
			return fmt.Errorf("memory: claim %s: %w", c.ID, domain.ErrNotFound)
		}
		st.claims[c.ID] = copyClaim(c)
		return nil
	})
}

func (s claimStore) ListByStatus(_ context.Context, status domain.ClaimStatus, opts domain.ListOpts) ([]domain.Claim, error) {
	out := s.collect(func(c domain.Claim) bool {
		if c.Status != status {
			return false
		}
		if opts.Since != nil && c.ValidatedAt.Before(*opts.Since) {
			return false
		}
		return opts.Until == nil || c.ValidatedAt.Before(*opts.Until)
	})
	return page(out, opts), nil
}

func (s claimStore) ListSettledBefore(_ context.Context, before time.Time) ([]domain.Claim, error) {
	return s.collect(func(c domain.Claim) bool {
		return c.Status == domain.ClaimStatusSettled && c.SettledAt != nil && c.SettledAt.Before(before)
	}), nil
}

type poolStore struct{ v view }

func (s poolStore) GetByID(_ context.Context, id string) (domain.Pool, error) {
	var out domain.Pool
	err := s.v.with(func(st *state) error {
		p, ok := st.pools[id]
		if !ok {
			return fmt.Errorf("memory: pool %s: %w", id, domain.ErrNotFound)
		}
		out = p
		return nil
	})
	return out, err
}

func (s poolStore) GetForUpdate(ctx context.Context, id string) (domain.Pool, error) {
	return s.GetByID(ctx, id)
}

func (s poolStore) Upsert(_ context.Context, p domain.Pool) error {
	return s.v.with(func(st *state) error {
		st.pools[p.ID] = p
		return nil
	})
}

func (s poolStore) List(_ context.Context) ([]domain.Pool, error) {
	var out []domain.Pool
	_ = s.v.with(func(st *state) error {
		for _, p := range st.pools {
			out = append(out, p)
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type escrowStore struct{ v view }

func (s escrowStore) Create(_ context.Context, e domain.Escrow) error {
	return s.v.with(func(st *state) error {
		if _, ok := st.escrows[e.ClaimID]; ok {
			return fmt.Errorf("memory: escrow for claim %s: %w", e.ClaimID, domain.ErrAlreadyExists)
		}
		st.escrows[e.ClaimID] = copyEscrow(e)
		return nil
	})
}

func (s escrowStore) GetByClaim(_ context.Context, claimID string) (domain.Escrow, error) {
	var out domain.Escrow
	err := s.v.with(func(st *state) error {
		e, ok := st.escrows[claimID]
		if !ok {
			return fmt.Errorf("memory: escrow for claim %s: %w", claimID, domain.ErrNotFound)
		}
		out = copyEscrow(e)
		return nil
	})
	return out, err
}

func (s escrowStore) GetForUpdate(ctx context.Context, claimID string) (domain.Escrow, error) {
	return s.GetByClaim(ctx, claimID)
}

func (s escrowStore) Update(_ context.Context, e domain.Escrow) error {
	return s.v.with(func(st *state) error {
		if _, ok := st.escrows[e.ClaimID]; !ok {
			return fmt.Errorf("memory: escrow for claim %s: %w", e.ClaimID, domain.ErrNotFound)
		}
		st.escrows[e.ClaimID] = copyEscrow(e)
		return nil
	})
}

func (s escrowStore) ListOpen(_ context.Context, limit int) ([]domain.Escrow, error) {
	var out []domain.Escrow
	_ = s.v.with(func(st *state) error {
		for _, e := range st.escrows {
			if !e.Resolved() {
				out = append(out, copyEscrow(e))
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FinishAfter.Equal(out[j].FinishAfter) {
			return out[i].FinishAfter.Before(out[j].FinishAfter)
		}
		return out[i].ClaimID < out[j].ClaimID
	})
	return page(out, domain.ListOpts{Limit: limit}), nil
}

type defaultStore struct{ v view }

func defaultKey(loanID, txHash string) string { return loanID + "|" + txHash }

func (s defaultStore) Record(_ context.Context, r domain.DefaultRecord) error {
	return s.v.with(func(st *state) error {
		key := defaultKey(r.LoanID, r.TxHash)
		if _, ok := st.defaults[key]; ok {
			return fmt.Errorf("memory: default %s: %w", key, domain.ErrAlreadyExists)
		}
		st.defaults[key] = r
		return nil
	})
}

func (s defaultStore) Exists(_ context.Context, loanID, txHash string) (bool, error) {
	var found bool
	_ = s.v.with(func(st *state) error {
		_, found = st.defaults[defaultKey(loanID, txHash)]
		return nil
	})
	return found, nil
}

func (s defaultStore) ListBefore(_ context.Context, before time.Time) ([]domain.DefaultRecord, error) {
	var out []domain.DefaultRecord
	_ = s.v.with(func(st *state) error {
		for _, r := range st.defaults {
			if r.DetectedAt.Before(before) {
				out = append(out, r)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out, nil
}

type auditStore struct{ v view }

func (s auditStore) Log(_ context.Context, event string, detail map[string]any) error {
	return s.v.with(func(st *state) error {
		st.audit = append(st.audit, domain.AuditEntry{
			ID:        int64(len(st.audit) + 1),
			Event:     event,
			Detail:    detail,
			CreatedAt: s.v.r.now().UTC(),
		})
		return nil
	})
}

func (s auditStore) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	var out []domain.AuditEntry
	_ = s.v.with(func(st *state) error {
		for i := len(st.audit) - 1; i >= 0; i-- {
			out = append(out, st.audit[i])
		}
		return nil
	})
	return page(out, opts), nil
}

// Package memory is an in-process domain.Repository used by tests and the
// dry-run mode. A transaction works on a private copy of the state and
// swaps it in on success, so a failed transaction leaves nothing behind.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/ward/internal/domain"
)

type state struct {
	policies map[string]domain.Policy
	claims   map[string]domain.Claim
	pools    map[string]domain.Pool
	escrows  map[string]domain.Escrow
	defaults map[string]domain.DefaultRecord
	audit    []domain.AuditEntry
}

func newState() *state {
	return &state{
		policies: make(map[string]domain.Policy),
		claims:   make(map[string]domain.Claim),
		pools:    make(map[string]domain.Pool),
		escrows:  make(map[string]domain.Escrow),
		defaults: make(map[string]domain.DefaultRecord),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.policies {
		c.policies[k] = v
	}
	for k, v := range s.claims {
		c.claims[k] = copyClaim(v)
	}
	for k, v := range s.pools {
		c.pools[k] = v
	}
	for k, v := range s.escrows {
		c.escrows[k] = copyEscrow(v)
	}
	for k, v := range s.defaults {
		c.defaults[k] = v
	}
	c.audit = append([]domain.AuditEntry(nil), s.audit...)
	return c
}

func copyClaim(c domain.Claim) domain.Claim {
	if c.EscrowSequence != nil {
		seq := *c.EscrowSequence
		c.EscrowSequence = &seq
	}
	if c.SettledAt != nil {
		at := *c.SettledAt
		c.SettledAt = &at
	}
	return c
}

func copyEscrow(e domain.Escrow) domain.Escrow {
	if e.ResolvedAt != nil {
		at := *e.ResolvedAt
		e.ResolvedAt = &at
	}
	return e
}

// Repository implements domain.Repository in memory. Transactions are
// serialized; a store obtained outside InTx must not be used from inside fn.
type Repository struct {
	mu  sync.Mutex
	st  *state
	now func() time.Time
}

var _ domain.Repository = (*Repository)(nil)

// New returns an empty repository.
func New() *Repository {
	return &Repository{st: newState(), now: time.Now}
}

// WithClock overrides the clock used for audit timestamps.
func (r *Repository) WithClock(now func() time.Time) *Repository {
	r.now = now
	return r
}

// view binds stores either to the live state (tx == nil) or to a
// transaction's private copy.
type view struct {
	r  *Repository
	tx *state
}

func (v view) with(fn func(st *state) error) error {
	if v.tx != nil {
		return fn(v.tx)
	}
	v.r.mu.Lock()
	defer v.r.mu.Unlock()
	return fn(v.r.st)
}

func (v view) Policies() domain.PolicyStore  { return policyStore{v} }
func (v view) Claims() domain.ClaimStore     { return claimStore{v} }
func (v view) Pools() domain.PoolStore       { return poolStore{v} }
func (v view) Escrows() domain.EscrowStore   { return escrowStore{v} }
func (v view) Defaults() domain.DefaultStore { return defaultStore{v} }
func (v view) Audit() domain.AuditStore      { return auditStore{v} }

func (r *Repository) live() view { return view{r: r} }

func (r *Repository) Policies() domain.PolicyStore  { return r.live().Policies() }
func (r *Repository) Claims() domain.ClaimStore     { return r.live().Claims() }
func (r *Repository) Pools() domain.PoolStore       { return r.live().Pools() }
func (r *Repository) Escrows() domain.EscrowStore   { return r.live().Escrows() }
func (r *Repository) Defaults() domain.DefaultStore { return r.live().Defaults() }
func (r *Repository) Audit() domain.AuditStore      { return r.live().Audit() }

// InTx runs fn against a private copy of the state and commits it only when
// fn returns nil and ctx is still live.
func (r *Repository) InTx(ctx context.Context, fn func(tx domain.Stores) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	work := r.st.clone()
	if err := fn(view{r: r, tx: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	r.st = work
	return nil
}

func page[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return nil
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}

func sortPolicies(ps []domain.Policy) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return ps[i].CreatedAt.Before(ps[j].CreatedAt)
		}
		return ps[i].ID < ps[j].ID
	})
}

func sortClaims(cs []domain.Claim) {
	sort.Slice(cs, func(i, j int) bool {
		if !cs[i].ValidatedAt.Equal(cs[j].ValidatedAt) {
			return cs[i].ValidatedAt.Before(cs[j].ValidatedAt)
		}
		return cs[i].ID < cs[j].ID
	})
}

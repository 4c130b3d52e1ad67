package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ward/internal/capital"
	"github.com/alanyoungcy/ward/internal/domain"
	"github.com/alanyoungcy/ward/internal/metrics"
	"github.com/alanyoungcy/ward/internal/store/memory"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeLedger serves fixed snapshots. With timeouts > 0 the next that many
// reads fail with domain.ErrTimeout.
type fakeLedger struct {
	mu       sync.Mutex
	vaults   map[string]domain.Vault
	brokers  map[string]domain.LoanBroker
	loans    map[string]domain.Loan
	timeouts int
	calls    int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		vaults:  map[string]domain.Vault{},
		brokers: map[string]domain.LoanBroker{},
		loans:   map[string]domain.Loan{},
	}
}

func (f *fakeLedger) fail() error {
	f.calls++
	if f.timeouts > 0 {
		f.timeouts--
		return fmt.Errorf("fake ledger: %w", domain.ErrTimeout)
	}
	return nil
}

func (f *fakeLedger) Vault(_ context.Context, id string) (domain.Vault, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(); err != nil {
		return domain.Vault{}, err
	}
	v, ok := f.vaults[id]
	if !ok {
		return v, domain.Wrapf(domain.ErrNotFound, "vault %s", id)
	}
	return v, nil
}

func (f *fakeLedger) LoanBroker(_ context.Context, id string) (domain.LoanBroker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(); err != nil {
		return domain.LoanBroker{}, err
	}
	b, ok := f.brokers[id]
	if !ok {
		return b, domain.Wrapf(domain.ErrNotFound, "loan broker %s", id)
	}
	return b, nil
}

func (f *fakeLedger) Loan(_ context.Context, id string) (domain.Loan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail(); err != nil {
		return domain.Loan{}, err
	}
	l, ok := f.loans[id]
	if !ok {
		return l, domain.Wrapf(domain.ErrNotFound, "loan %s", id)
	}
	return l, nil
}

type fakeWriter struct {
	mu   sync.Mutex
	subs []domain.Instruction
	seq  uint32
	err  error
}

func (w *fakeWriter) Submit(_ context.Context, in domain.Instruction) (domain.SubmitResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return domain.SubmitResult{}, w.err
	}
	w.seq++
	w.subs = append(w.subs, in)
	return domain.SubmitResult{
		Hash:       fmt.Sprintf("HASH%03d", w.seq),
		Validated:  true,
		ResultCode: "tesSUCCESS",
		Sequence:   w.seq,
	}, nil
}

func (w *fakeWriter) kinds() []domain.InstructionKind {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]domain.InstructionKind, 0, len(w.subs))
	for _, s := range w.subs {
		out = append(out, s.Kind)
	}
	return out
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.LifecycleEvent
}

func (r *recordingNotifier) Notify(_ context.Context, ev domain.LifecycleEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingNotifier) count(typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

// fixture wires every service over an in-memory repository, a fake ledger
// and a controllable clock.
type fixture struct {
	repo      *memory.Repository
	clock     *testClock
	ledger    *fakeLedger
	writer    *fakeWriter
	notifier  *recordingNotifier
	capital   *capital.Ledger
	locker    *Locker
	events    *EventPublisher
	metrics   *metrics.Metrics
	snapshots *SnapshotService
	validator *ClaimValidator
	escrows   *EscrowController
	pools     *PoolService
	policies  *PolicyService
	logger    *slog.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock:    &testClock{now: t0},
		ledger:   newFakeLedger(),
		writer:   &fakeWriter{},
		notifier: &recordingNotifier{},
		capital:  capital.New(decimal.NewFromInt(2)),
		metrics:  metrics.New(nil),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	now := Clock(f.clock.Now)
	f.repo = memory.New().WithClock(f.clock.Now)
	f.locker = NewLocker(nil, LockConfig{}, f.logger)
	f.events = NewEventPublisher(nil, f.notifier, f.logger)
	f.snapshots = NewSnapshotService(f.ledger, nil, time.Second, f.metrics, f.logger)
	f.validator = NewClaimValidator(f.repo, f.capital, f.locker, f.events, f.metrics, now, f.logger)
	f.escrows = NewEscrowController(f.repo, f.writer, f.capital, f.locker, f.events, f.metrics,
		EscrowConfig{OwnerAccount: "rPoolOwner"}, now, f.logger)
	f.pools = NewPoolService(f.repo, f.capital, f.locker, f.events, f.metrics, now, f.logger)
	f.policies = NewPolicyService(f.repo, f.snapshots, f.capital, f.locker, f.events, f.metrics,
		PolicyConfig{}, now, f.logger)
	f.seedLedger()
	return f
}

// seedLedger loads the reference default: 105M owed, 50M absorbed by
// first-loss capital, 55M vault loss.
func (f *fixture) seedLedger() {
	f.ledger.vaults["V1"] = domain.Vault{
		ID:              "V1",
		AssetsTotal:     1_000_000_000_000,
		AssetsAvailable: 800_000_000_000,
		SharesTotal:     1_000_000_000_000,
	}
	f.ledger.brokers["B1"] = domain.LoanBroker{
		ID:                   "B1",
		VaultID:              "V1",
		DebtTotal:            1_000_000_000,
		CoverAvailable:       60_000_000,
		CoverRateMinimum:     decimal.RequireFromString("0.1"),
		CoverRateLiquidation: decimal.RequireFromString("0.5"),
	}
	f.ledger.loans["L1"] = domain.Loan{
		ID:                   "L1",
		BrokerID:             "B1",
		Borrower:             "rBorrower",
		PrincipalOutstanding: 100_000_000,
		InterestOutstanding:  5_000_000,
		Flags:                domain.LoanFlagDefault,
	}
}

func (f *fixture) seedPool(t *testing.T, id string, available, exposure int64) domain.Pool {
	t.Helper()
	p := domain.Pool{
		ID:               id,
		Name:             "pool " + id,
		AssetKind:        "XRP",
		TotalCapital:     available,
		AvailableCapital: available,
		TotalExposure:    exposure,
		CreatedAt:        t0,
		UpdatedAt:        t0,
	}
	if exposure > 0 {
		p.ActivePoliciesCount = 1
	}
	capital.Recompute(&p)
	require.NoError(t, f.repo.Pools().Upsert(context.Background(), p))
	return p
}

func (f *fixture) seedPolicy(t *testing.T, id, poolID, vaultID string, coverage int64, mods ...func(*domain.Policy)) domain.Policy {
	t.Helper()
	p := domain.Policy{
		ID:             id,
		PoolID:         poolID,
		VaultID:        vaultID,
		InsuredAddress: "rInsured" + id,
		CoverageAmount: coverage,
		PremiumPaid:    1_000_000,
		RiskTier:       "safest",
		CoverageStart:  t0.Add(-time.Hour),
		CoverageEnd:    t0.AddDate(0, 0, 90),
		Status:         domain.PolicyStatusActive,
		CreatedAt:      t0.Add(-2 * time.Hour),
		UpdatedAt:      t0.Add(-2 * time.Hour),
	}
	for _, mod := range mods {
		mod(&p)
	}
	require.NoError(t, f.repo.Policies().Create(context.Background(), p))
	return p
}

// claimRequest builds a request for loan L1 from the fake ledger's state.
func (f *fixture) claimRequest(policyID string) ClaimRequest {
	return ClaimRequest{
		LoanID:   "L1",
		PolicyID: policyID,
		TxHash:   "DEFAULTTX1",
		Loan:     f.ledger.loans["L1"],
		Broker:   f.ledger.brokers["B1"],
		Vault:    f.ledger.vaults["V1"],
	}
}

// approvedClaim seeds a pool and policy and validates one claim for 50M.
func (f *fixture) approvedClaim(t *testing.T) domain.Claim {
	t.Helper()
	f.seedPool(t, "P1", 1_000_000_000, 100_000_000)
	f.seedPolicy(t, "POL1", "P1", "V1", 50_000_000)
	res, err := f.validator.ValidateClaim(context.Background(), f.claimRequest("POL1"))
	require.NoError(t, err)
	require.True(t, res.Approved, res.Reason)
	return *res.Claim
}

func auditEvents(t *testing.T, repo domain.Repository) []string {
	t.Helper()
	entries, err := repo.Audit().List(context.Background(), domain.ListOpts{})
	require.NoError(t, err)
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Event)
	}
	return out
}

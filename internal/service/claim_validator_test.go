package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ward/internal/domain"
)

func TestValidateClaim_Approved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedPool(t, "P1", 1_000_000_000, 100_000_000)
	f.seedPolicy(t, "POL1", "P1", "V1", 50_000_000)

	res, err := f.validator.ValidateClaim(ctx, f.claimRequest("POL1"))
	require.NoError(t, err)

	assert.True(t, res.Approved)
	assert.Equal(t, domain.OutcomeOK, res.Outcome)
	assert.Equal(t, int64(50_000_000), res.ClaimPayout)
	assert.Equal(t, int64(105_000_000), res.Waterfall.DefaultAmount)
	assert.Equal(t, int64(55_000_000), res.Waterfall.VaultLoss)
	require.NotNil(t, res.Claim)

	stored, err := f.repo.Claims().GetByID(ctx, res.Claim.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ClaimStatusValidated, stored.Status)
	assert.Equal(t, "P1", stored.PoolID)
	assert.Equal(t, t0, stored.ValidatedAt)
	assert.Equal(t, []string{"claim_approved"}, auditEvents(t, f.repo))
	assert.Equal(t, 1, f.notifier.count(domain.EventClaimApproved))

	// Validation reserves nothing; capital moves only at settlement.
	pool, err := f.repo.Pools().GetByID(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000_000), pool.AvailableCapital)
}

func TestValidateClaim_PayoutCappedByVaultLoss(t *testing.T) {
	f := newFixture(t)
	f.seedPool(t, "P1", 1_000_000_000, 100_000_000)
	f.seedPolicy(t, "POL1", "P1", "V1", 80_000_000)

	res, err := f.validator.ValidateClaim(context.Background(), f.claimRequest("POL1"))
	require.NoError(t, err)
	require.True(t, res.Approved)
	assert.Equal(t, int64(55_000_000), res.ClaimPayout)
}

func TestValidateClaim_NotDefaultedWritesNothing(t *testing.T) {
	f := newFixture(t)
	f.seedPool(t, "P1", 1_000_000_000, 100_000_000)
	f.seedPolicy(t, "POL1", "P1", "V1", 50_000_000)

	req := f.claimRequest("POL1")
	req.Loan.Flags = 0
	res, err := f.validator.ValidateClaim(context.Background(), req)
	require.NoError(t, err)

	assert.False(t, res.Approved)
	assert.Equal(t, ReasonNotDefaulted, res.Reason)
	assert.Equal(t, domain.OutcomeStateConflict, res.Outcome)
	claims, err := f.repo.Claims().ListByDefault(context.Background(), "L1", "DEFAULTTX1")
	require.NoError(t, err)
	assert.Empty(t, claims)
	assert.Empty(t, auditEvents(t, f.repo))
}

func TestValidateClaim_FullyCoveredByFirstLoss(t *testing.T) {
	f := newFixture(t)
	f.seedPool(t, "P1", 1_000_000_000, 100_000_000)
	f.seedPolicy(t, "POL1", "P1", "V1", 50_000_000)

	req := f.claimRequest("POL1")
	req.Broker.DebtTotal = 10_000_000_000
	req.Broker.CoverAvailable = 500_000_000
	res, err := f.validator.ValidateClaim(context.Background(), req)
	require.NoError(t, err)

	assert.False(t, res.Approved)
	assert.Equal(t, ReasonNoVaultLoss, res.Reason)
	assert.Equal(t, int64(105_000_000), res.Waterfall.DefaultCovered)
	assert.Zero(t, res.Waterfall.VaultLoss)
}

func assertRejected(t *testing.T, available, exposure int64, policyID string, mod func(*domain.Policy), outcome domain.Outcome, reason string) {
	t.Helper()
	f := newFixture(t)
	f.seedPool(t, "P1", available, exposure)
	var mods []func(*domain.Policy)
	if mod != nil {
		mods = append(mods, mod)
	}
	f.seedPolicy(t, "POL1", "P1", "V1", 50_000_000, mods...)

	res, err := f.validator.ValidateClaim(context.Background(), f.claimRequest(policyID))
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.Equal(t, outcome, res.Outcome)
	assert.Equal(t, reason, res.Reason)
	assert.Nil(t, res.Claim)
	assert.Empty(t, auditEvents(t, f.repo))
}

func TestValidateClaim_Rejections(t *testing.T) {
	const funded, exposed = int64(1_000_000_000), int64(100_000_000)

	t.Run("policy not found", func(t *testing.T) {
		assertRejected(t, funded, exposed, "MISSING", nil, domain.OutcomeNotFound, ReasonPolicyNotFound)
	})
	t.Run("policy cancelled", func(t *testing.T) {
		cancel := func(p *domain.Policy) { p.Status = domain.PolicyStatusCancelled }
		assertRejected(t, funded, exposed, "POL1", cancel, domain.OutcomeStateConflict, "policy not active: status=cancelled")
	})
	t.Run("coverage not started", func(t *testing.T) {
		later := func(p *domain.Policy) { p.CoverageStart = t0.Add(time.Hour) }
		assertRejected(t, funded, exposed, "POL1", later, domain.OutcomeStateConflict, ReasonCoverageNotStarted)
	})
	t.Run("coverage expired", func(t *testing.T) {
		ended := func(p *domain.Policy) { p.CoverageEnd = t0.Add(-time.Minute) }
		assertRejected(t, funded, exposed, "POL1", ended, domain.OutcomeStateConflict, ReasonCoverageExpired)
	})
	t.Run("vault mismatch", func(t *testing.T) {
		other := func(p *domain.Policy) { p.VaultID = "V2" }
		assertRejected(t, funded, exposed, "POL1", other, domain.OutcomeStateConflict, ReasonVaultMismatch)
	})
	t.Run("insufficient capital", func(t *testing.T) {
		assertRejected(t, 10_000_000, 0, "POL1", nil, domain.OutcomeStateConflict, ReasonInsufficientCapital)
	})
	t.Run("ratio breach", func(t *testing.T) {
		assertRejected(t, 100_000_000, 40_000_000, "POL1", nil, domain.OutcomeStateConflict, ReasonRatioBreach)
	})
}

func TestValidateClaim_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.approvedClaim(t)

	res, err := f.validator.ValidateClaim(ctx, f.claimRequest("POL1"))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.True(t, res.Approved)
	assert.Equal(t, domain.OutcomeAlreadyProcessed, res.Outcome)
	assert.Equal(t, first.ID, res.Claim.ID)

	claims, err := f.repo.Claims().ListByDefault(ctx, "L1", "DEFAULTTX1")
	require.NoError(t, err)
	assert.Len(t, claims, 1)
	assert.Equal(t, 1, f.notifier.count(domain.EventClaimApproved))
}

func TestValidateClaim_ConcurrentSubmissionsPersistOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedPool(t, "P1", 1_000_000_000, 100_000_000)
	f.seedPolicy(t, "POL1", "P1", "V1", 50_000_000)

	var wg sync.WaitGroup
	results := make([]ValidationResult, 16)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.validator.ValidateClaim(ctx, f.claimRequest("POL1"))
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	fresh := 0
	for _, r := range results {
		assert.True(t, r.Approved)
		if !r.Duplicate {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
	claims, err := f.repo.Claims().ListByDefault(ctx, "L1", "DEFAULTTX1")
	require.NoError(t, err)
	assert.Len(t, claims, 1)
}

func TestValidateClaim_SeparatePoliciesEachGetAClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedPool(t, "P1", 1_000_000_000, 100_000_000)
	f.seedPolicy(t, "POL1", "P1", "V1", 30_000_000)
	f.seedPolicy(t, "POL2", "P1", "V1", 20_000_000)

	for _, id := range []string{"POL1", "POL2"} {
		res, err := f.validator.ValidateClaim(ctx, f.claimRequest(id))
		require.NoError(t, err)
		require.True(t, res.Approved)
	}
	claims, err := f.repo.Claims().ListByDefault(ctx, "L1", "DEFAULTTX1")
	require.NoError(t, err)
	assert.Len(t, claims, 2)
}

func TestValidateClaim_InvalidRequest(t *testing.T) {
	f := newFixture(t)

	req := f.claimRequest("POL1")
	req.TxHash = ""
	_, err := f.validator.ValidateClaim(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	req = f.claimRequest("POL1")
	req.Broker.CoverRateMinimum = decimal.RequireFromString("1.5")
	_, err = f.validator.ValidateClaim(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

// slowClaims times out every lookup.
type slowClaims struct{ domain.ClaimStore }

func (slowClaims) FindByDefault(context.Context, string, string, string) (domain.Claim, error) {
	return domain.Claim{}, domain.Wrapf(domain.ErrTimeout, "claims lookup")
}

type slowRepo struct{ domain.Repository }

func (r slowRepo) Claims() domain.ClaimStore { return slowClaims{r.Repository.Claims()} }

func TestValidateClaim_TimeoutFailsClosed(t *testing.T) {
	f := newFixture(t)
	f.seedPool(t, "P1", 1_000_000_000, 100_000_000)
	f.seedPolicy(t, "POL1", "P1", "V1", 50_000_000)
	v := NewClaimValidator(slowRepo{f.repo}, f.capital, f.locker, f.events, f.metrics, f.clock.Now, f.logger)

	res, err := v.ValidateClaim(context.Background(), f.claimRequest("POL1"))
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.True(t, res.Retryable)
	assert.Equal(t, domain.OutcomeTimeout, res.Outcome)
	assert.Empty(t, auditEvents(t, f.repo))
}

func TestValidateClaim_SameLoanUnderAnotherTxHash(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.approvedClaim(t)

	req := f.claimRequest("POL1")
	req.TxHash = "DEFAULTTX1-retyped"
	res, err := f.validator.ValidateClaim(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.Approved)
	assert.False(t, res.Duplicate)
	assert.Equal(t, domain.OutcomeAlreadyProcessed, res.Outcome)
	assert.Equal(t, ReasonAlreadyClaimed, res.Reason)
	require.NotNil(t, res.Claim)
	assert.Equal(t, first.ID, res.Claim.ID)

	claims, err := f.repo.Claims().ListByDefault(ctx, "L1", "DEFAULTTX1-retyped")
	require.NoError(t, err)
	assert.Empty(t, claims)
	assert.Equal(t, 1, f.notifier.count(domain.EventClaimApproved))

	// Once the first claim is rejected the loan can be claimed again.
	require.NoError(t, first.Transition(domain.ClaimStatusRejected, t0))
	require.NoError(t, f.repo.Claims().Update(ctx, first))
	res, err = f.validator.ValidateClaim(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Approved, res.Reason)
}

func TestValidateClaim_ConcurrentTxHashesPayOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedPool(t, "P1", 1_000_000_000, 100_000_000)
	f.seedPolicy(t, "POL1", "P1", "V1", 50_000_000)

	var wg sync.WaitGroup
	results := make([]ValidationResult, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := f.claimRequest("POL1")
			req.TxHash = fmt.Sprintf("DEFAULTTX-%d", i)
			res, err := f.validator.ValidateClaim(ctx, req)
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	approved := 0
	for _, r := range results {
		if r.Approved {
			approved++
			continue
		}
		assert.Equal(t, ReasonAlreadyClaimed, r.Reason)
	}
	assert.Equal(t, 1, approved)
	_, err := f.repo.Claims().FindOpenByLoan(ctx, "L1", "POL1")
	require.NoError(t, err)
}

func TestValidateClaim_MissingLoanSnapshot(t *testing.T) {
	f := newFixture(t)
	f.seedPool(t, "P1", 1_000_000_000, 100_000_000)
	f.seedPolicy(t, "POL1", "P1", "V1", 50_000_000)

	req := f.claimRequest("POL1")
	req.Loan = domain.Loan{}
	_, err := f.validator.ValidateClaim(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	req = f.claimRequest("POL1")
	req.Loan.PrincipalOutstanding = -1
	_, err = f.validator.ValidateClaim(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	req = f.claimRequest("POL1")
	req.Broker = domain.LoanBroker{}
	_, err = f.validator.ValidateClaim(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Empty(t, auditEvents(t, f.repo))
}

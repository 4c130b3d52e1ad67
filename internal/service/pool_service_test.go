package service

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ward/internal/domain"
)

func TestPoolService_CreateAndDeposit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.pools.CreatePool(ctx, NewPool{Name: "main", InitialCapital: 1_000})
	require.NoError(t, err)
	assert.Equal(t, "XRP", p.AssetKind)
	assert.Equal(t, int64(1_000), p.AvailableCapital)

	pm, err := f.pools.Deposit(ctx, p.ID, 500)
	require.NoError(t, err)
	assert.Equal(t, int64(1_500), pm.TotalCapital)
	assert.True(t, pm.Unbounded)
	assert.Equal(t, domain.PoolHealthOptimal, pm.Health)
	assert.Equal(t, int64(750), pm.MaxNewExposure)

	_, err = f.pools.CreatePool(ctx, NewPool{})
	require.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = f.pools.Deposit(ctx, "missing", 1)
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.pools.Deposit(ctx, p.ID, -1)
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	assert.Equal(t, []string{"pool_deposit", "pool_created"}, auditEvents(t, f.repo))
}

func TestPoolService_AddExposureBreachLeavesPoolUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedPool(t, "P1", 100, 40)

	_, err := f.pools.AddExposure(ctx, "P1", 20)
	require.ErrorIs(t, err, domain.ErrCoverageRatioBreach)
	assert.Equal(t, domain.OutcomeStateConflict, domain.Classify(err))

	pm, err := f.pools.Metrics(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), pm.AvailableCapital)
	assert.Equal(t, int64(40), pm.TotalExposure)
	assert.InDelta(t, 2.5, pm.CoverageRatio, 1e-12)
	assert.Empty(t, auditEvents(t, f.repo))

	pm, err = f.pools.AddExposure(ctx, "P1", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(50), pm.TotalExposure)
	assert.InDelta(t, 2.0, pm.CoverageRatio, 1e-12)
	assert.Equal(t, int64(2), pm.ActivePoliciesCount)
}

func TestPoolService_WithdrawAndPay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedPool(t, "P1", 1_000, 200)

	_, err := f.pools.Withdraw(ctx, "P1", 700)
	require.ErrorIs(t, err, domain.ErrCoverageRatioBreach)
	_, err = f.pools.Withdraw(ctx, "P1", 2_000)
	require.ErrorIs(t, err, domain.ErrInsufficientCapital)

	pm, err := f.pools.Withdraw(ctx, "P1", 600)
	require.NoError(t, err)
	assert.Equal(t, int64(400), pm.AvailableCapital)

	_, err = f.pools.PayClaim(ctx, "P1", 401)
	require.ErrorIs(t, err, domain.ErrInsufficientCapital)

	pm, err = f.pools.RemoveExposure(ctx, "P1", 200)
	require.NoError(t, err)
	assert.True(t, pm.Unbounded)

	pm, err = f.pools.PayClaim(ctx, "P1", 150)
	require.NoError(t, err)
	assert.Equal(t, int64(250), pm.AvailableCapital)
	assert.Equal(t, int64(150), pm.TotalClaimsPaid)
}

func TestPoolService_PayClaimIgnoresCoverageRatio(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedPool(t, "P1", 100, 40)

	pm, err := f.pools.PayClaim(ctx, "P1", 30)
	require.NoError(t, err)
	assert.Equal(t, int64(70), pm.AvailableCapital)
	assert.Equal(t, int64(30), pm.TotalClaimsPaid)
	assert.Equal(t, int64(40), pm.TotalExposure)
	assert.InDelta(t, 1.75, pm.CoverageRatio, 1e-12)
	assert.Equal(t, domain.PoolHealthCritical, pm.Health)

	_, err = f.pools.PayClaim(ctx, "P1", 71)
	require.ErrorIs(t, err, domain.ErrInsufficientCapital)
	pm, err = f.pools.PayClaim(ctx, "P1", 70)
	require.NoError(t, err)
	assert.Zero(t, pm.AvailableCapital)
	assert.Equal(t, []string{"pool_pay_claim", "pool_pay_claim"}, auditEvents(t, f.repo))
}

func TestPoolService_LowCoverageEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedPool(t, "P1", 1_000, 100)
	f.seedPool(t, "P2", 100, 60)

	_, err := f.pools.AddExposure(ctx, "P1", 300)
	require.NoError(t, err)
	assert.Equal(t, 1, f.notifier.count(domain.EventPoolUpdated))
	assert.Zero(t, f.notifier.count(domain.EventPoolLowCoverage))

	// P2 starts below the minimum; a deposit still leaves it critical.
	pm, err := f.pools.Deposit(ctx, "P2", 10)
	require.NoError(t, err)
	assert.Equal(t, domain.PoolHealthCritical, pm.Health)
	assert.Equal(t, 1, f.notifier.count(domain.EventPoolLowCoverage))
}

func TestPoolService_ConcurrentExposureNeverBreaches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedPool(t, "P1", 1_000, 0)

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.pools.AddExposure(ctx, "P1", 30)
		}()
	}
	wg.Wait()

	pm, err := f.pools.Metrics(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, int64(480), pm.TotalExposure)
	assert.Equal(t, int64(16), pm.ActivePoliciesCount)
	assert.GreaterOrEqual(t, pm.CoverageRatio, 2.0)
}

func TestPoolService_List(t *testing.T) {
	f := newFixture(t)
	f.seedPool(t, "P1", 1_000, 0)
	f.seedPool(t, "P2", 2_000, 100)

	pools, err := f.pools.List(context.Background())
	require.NoError(t, err)
	require.Len(t, pools, 2)
}

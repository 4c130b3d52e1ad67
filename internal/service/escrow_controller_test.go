package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ward/internal/domain"
)

func TestEscrow_FinishAfterDisputeWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	claim := f.approvedClaim(t)

	e, err := f.escrows.CreateEscrow(ctx, claim.ID, claim.ClaimPayout, "rInsuredPOL1")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(48*time.Hour), e.FinishAfter)
	assert.Equal(t, t0.Add(120*time.Hour), e.CancelAfter)
	assert.Equal(t, domain.EscrowStatusPending, e.Status)

	stored, err := f.repo.Claims().GetByID(ctx, claim.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ClaimStatusEscrowed, stored.Status)
	require.NotNil(t, stored.EscrowSequence)
	assert.Equal(t, e.Sequence, *stored.EscrowSequence)

	f.clock.Advance(47 * time.Hour)
	_, err = f.escrows.FinishEscrow(ctx, claim.ID)
	require.ErrorIs(t, err, domain.ErrNotYetFinishable)
	assert.True(t, IsNotReady(err))
	assert.Equal(t, domain.OutcomeStateConflict, domain.Classify(err))

	f.clock.Advance(2 * time.Hour)
	hash, err := f.escrows.FinishEscrow(ctx, claim.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, hash)

	stored, err = f.repo.Claims().GetByID(ctx, claim.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ClaimStatusSettled, stored.Status)
	assert.Equal(t, hash, stored.SettlementTxHash)
	require.NotNil(t, stored.SettledAt)

	pool, err := f.repo.Pools().GetByID(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, int64(950_000_000), pool.AvailableCapital)
	assert.Equal(t, int64(50_000_000), pool.TotalClaimsPaid)
	assert.InDelta(t, 9.5, pool.CoverageRatio, 1e-12)

	assert.Equal(t, []domain.InstructionKind{domain.InstructionEscrowCreate, domain.InstructionEscrowFinish}, f.writer.kinds())
	assert.Equal(t, 1, f.notifier.count(domain.EventEscrowFinished))

	// No double payout.
	_, err = f.escrows.FinishEscrow(ctx, claim.ID)
	require.ErrorIs(t, err, domain.ErrAlreadyProcessed)
	_, err = f.escrows.CancelEscrow(ctx, claim.ID, "late dispute")
	require.ErrorIs(t, err, domain.ErrEscrowFinished)
	pool, err = f.repo.Pools().GetByID(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, int64(950_000_000), pool.AvailableCapital)
}

func TestEscrow_FinishStillPermittedAfterCancelAfter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	claim := f.approvedClaim(t)
	_, err := f.escrows.CreateEscrow(ctx, claim.ID, claim.ClaimPayout, "rInsuredPOL1")
	require.NoError(t, err)

	f.clock.Advance(200 * time.Hour)
	view, err := f.escrows.EscrowStatus(ctx, claim.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowStatusCancellable, view.Status)
	assert.True(t, view.CanFinish)
	assert.True(t, view.CanCancel)

	_, err = f.escrows.FinishEscrow(ctx, claim.ID)
	require.NoError(t, err)
	_, err = f.escrows.CancelEscrow(ctx, claim.ID, "too late")
	require.ErrorIs(t, err, domain.ErrEscrowFinished)
}

func TestEscrow_Cancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	claim := f.approvedClaim(t)
	_, err := f.escrows.CreateEscrow(ctx, claim.ID, claim.ClaimPayout, "rInsuredPOL1")
	require.NoError(t, err)

	_, err = f.escrows.CancelEscrow(ctx, claim.ID, "")
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	f.clock.Advance(100 * time.Hour)
	_, err = f.escrows.CancelEscrow(ctx, claim.ID, "fraud suspected")
	require.ErrorIs(t, err, domain.ErrNotYetCancellable)

	f.clock.Advance(20 * time.Hour)
	_, err = f.escrows.CancelEscrow(ctx, claim.ID, "fraud suspected")
	require.NoError(t, err)

	stored, err := f.repo.Claims().GetByID(ctx, claim.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ClaimStatusRejected, stored.Status)
	assert.Equal(t, "escrow cancelled: fraud suspected", stored.RejectionReason)

	view, err := f.escrows.EscrowStatus(ctx, claim.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.EscrowStatusCancelled, view.Status)
	assert.False(t, view.CanFinish)

	_, err = f.escrows.FinishEscrow(ctx, claim.ID)
	require.ErrorIs(t, err, domain.ErrEscrowCancelled)
	_, err = f.escrows.CancelEscrow(ctx, claim.ID, "again")
	require.ErrorIs(t, err, domain.ErrAlreadyProcessed)

	pool, err := f.repo.Pools().GetByID(ctx, "P1")
	require.NoError(t, err)
	assert.Zero(t, pool.TotalClaimsPaid)
	assert.Equal(t, int64(1_000_000_000), pool.AvailableCapital)
}

func TestEscrow_CreateChecks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	claim := f.approvedClaim(t)

	_, err := f.escrows.CreateEscrow(ctx, claim.ID, claim.ClaimPayout+1, "rInsuredPOL1")
	require.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = f.escrows.CreateEscrow(ctx, claim.ID, 0, "rInsuredPOL1")
	require.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = f.escrows.CreateEscrow(ctx, claim.ID, claim.ClaimPayout, "")
	require.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = f.escrows.CreateEscrow(ctx, "missing", 1, "rInsuredPOL1")
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, f.writer.kinds())

	_, err = f.escrows.CreateEscrow(ctx, claim.ID, claim.ClaimPayout, "rInsuredPOL1")
	require.NoError(t, err)
	_, err = f.escrows.CreateEscrow(ctx, claim.ID, claim.ClaimPayout, "rInsuredPOL1")
	require.ErrorIs(t, err, domain.ErrAlreadyProcessed)
	assert.Len(t, f.writer.kinds(), 1)
}

func TestEscrow_SubmitFailureLeavesClaimValidated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	claim := f.approvedClaim(t)
	f.writer.err = errors.New("signer unavailable")

	_, err := f.escrows.CreateEscrow(ctx, claim.ID, claim.ClaimPayout, "rInsuredPOL1")
	require.Error(t, err)

	stored, err := f.repo.Claims().GetByID(ctx, claim.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ClaimStatusValidated, stored.Status)
	_, err = f.repo.Escrows().GetByClaim(ctx, claim.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEscrow_FinishRefusedWhenPoolCannotPay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	claim := f.approvedClaim(t)
	_, err := f.escrows.CreateEscrow(ctx, claim.ID, claim.ClaimPayout, "rInsuredPOL1")
	require.NoError(t, err)

	// Exposure grew during the dispute window.
	pool, err := f.repo.Pools().GetByID(ctx, "P1")
	require.NoError(t, err)
	pool.TotalExposure = 480_000_000
	require.NoError(t, f.repo.Pools().Upsert(ctx, pool))

	f.clock.Advance(49 * time.Hour)
	_, err = f.escrows.FinishEscrow(ctx, claim.ID)
	require.ErrorIs(t, err, domain.ErrCoverageRatioBreach)
	assert.Len(t, f.writer.kinds(), 1)

	stored, err := f.repo.Claims().GetByID(ctx, claim.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ClaimStatusEscrowed, stored.Status)
}

func TestEscrow_ListOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	claim := f.approvedClaim(t)
	_, err := f.escrows.CreateEscrow(ctx, claim.ID, claim.ClaimPayout, "rInsuredPOL1")
	require.NoError(t, err)

	open, err := f.escrows.ListOpen(ctx, 10)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, domain.EscrowStatusPending, open[0].Status)
	assert.False(t, open[0].CanFinish)

	f.clock.Advance(49 * time.Hour)
	_, err = f.escrows.FinishEscrow(ctx, claim.ID)
	require.NoError(t, err)
	open, err = f.escrows.ListOpen(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, open)
}

package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEscrowStatusAt(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := Escrow{
		ClaimID:     "c1",
		CreatedAt:   t0,
		FinishAfter: t0.Add(48 * time.Hour),
		CancelAfter: t0.Add(120 * time.Hour),
	}

	tests := []struct {
		name string
		at   time.Time
		want EscrowStatus
	}{
		{"before finish_after", t0.Add(47 * time.Hour), EscrowStatusPending},
		{"at finish_after", t0.Add(48 * time.Hour), EscrowStatusFinishable},
		{"inside window", t0.Add(100 * time.Hour), EscrowStatusFinishable},
		{"past cancel_after", t0.Add(121 * time.Hour), EscrowStatusCancellable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EscrowStatusAt(e, tt.at))
		})
	}

	e.Status = EscrowStatusFinished
	assert.Equal(t, EscrowStatusFinished, EscrowStatusAt(e, t0))
}

func TestViewEscrowFinishStaysOpenAfterCancelAfter(t *testing.T) {
	t0 := time.Now()
	e := Escrow{FinishAfter: t0.Add(-2 * time.Hour), CancelAfter: t0.Add(-time.Hour)}

	v := ViewEscrow(e, t0)
	assert.Equal(t, EscrowStatusCancellable, v.Status)
	assert.True(t, v.CanFinish)
	assert.True(t, v.CanCancel)
}

func TestClaimTransitions(t *testing.T) {
	c := Claim{ID: "c1", Status: ClaimStatusValidated}
	now := time.Now()

	assert.NoError(t, c.Transition(ClaimStatusEscrowed, now))
	assert.ErrorIs(t, c.Transition(ClaimStatusValidated, now), ErrStateConflict)
	assert.NoError(t, c.Transition(ClaimStatusSettled, now))
	assert.True(t, c.Status.Terminal())
	assert.ErrorIs(t, c.Transition(ClaimStatusRejected, now), ErrClaimStatus)
}

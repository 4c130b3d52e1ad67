package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/ward/internal/capital"
	"github.com/alanyoungcy/ward/internal/domain"
	"github.com/alanyoungcy/ward/internal/metrics"
)

// Dispute-window defaults.
const (
	DefaultDisputeWindow = 48 * time.Hour
	DefaultCancelBuffer  = 72 * time.Hour
)

// EscrowConfig holds the dispute-window timing and the pool account that
// owns every escrow.
type EscrowConfig struct {
	DisputeWindow time.Duration
	CancelBuffer  time.Duration
	OwnerAccount  string
}

// EscrowController moves approved payouts through the time-locked escrow:
// create, then finish after the dispute window or cancel after the cancel
// buffer. Every action is serialized per claim.
type EscrowController struct {
	repo    domain.Repository
	writer  domain.LedgerWriter
	ledger  *capital.Ledger
	locker  *Locker
	events  *EventPublisher
	metrics *metrics.Metrics
	cfg     EscrowConfig
	now     Clock
	logger  *slog.Logger
}

// NewEscrowController creates an EscrowController.
func NewEscrowController(
	repo domain.Repository,
	writer domain.LedgerWriter,
	ledger *capital.Ledger,
	locker *Locker,
	events *EventPublisher,
	m *metrics.Metrics,
	cfg EscrowConfig,
	now Clock,
	logger *slog.Logger,
) *EscrowController {
	if cfg.DisputeWindow <= 0 {
		cfg.DisputeWindow = DefaultDisputeWindow
	}
	if cfg.CancelBuffer <= 0 {
		cfg.CancelBuffer = DefaultCancelBuffer
	}
	return &EscrowController{
		repo:    repo,
		writer:  writer,
		ledger:  ledger,
		locker:  locker,
		events:  events,
		metrics: m,
		cfg:     cfg,
		now:     now.orDefault(),
		logger:  logger,
	}
}

// CreateEscrow places amount of a validated claim's payout in escrow for
// destination and moves the claim to escrowed.
func (c *EscrowController) CreateEscrow(ctx context.Context, claimID string, amount int64, destination string) (domain.Escrow, error) {
	e, err := c.createEscrow(ctx, claimID, amount, destination)
	c.metrics.Escrow("create", err)
	return e, err
}

func (c *EscrowController) createEscrow(ctx context.Context, claimID string, amount int64, destination string) (domain.Escrow, error) {
	switch {
	case claimID == "":
		return domain.Escrow{}, fmt.Errorf("escrow_controller: %w", domain.Invalid("claim id is required"))
	case destination == "":
		return domain.Escrow{}, fmt.Errorf("escrow_controller: %w", domain.Invalid("destination is required"))
	case amount <= 0:
		return domain.Escrow{}, fmt.Errorf("escrow_controller: %w", domain.Invalid("amount must be positive, got %d", amount))
	}

	unlock, err := c.locker.Lock(ctx, claimKey(claimID))
	if err != nil {
		return domain.Escrow{}, fmt.Errorf("escrow_controller: %w", err)
	}
	defer unlock()

	claim, err := c.repo.Claims().GetByID(ctx, claimID)
	if err != nil {
		return domain.Escrow{}, fmt.Errorf("escrow_controller: get claim: %w", err)
	}
	if err := c.checkCreatable(ctx, claim, amount); err != nil {
		return domain.Escrow{}, err
	}

	now := c.now().UTC()
	finishAfter := now.Add(c.cfg.DisputeWindow)
	cancelAfter := finishAfter.Add(c.cfg.CancelBuffer)

	sub, err := c.writer.Submit(ctx, domain.Instruction{
		Kind:        domain.InstructionEscrowCreate,
		Destination: destination,
		Amount:      amount,
		FinishAfter: finishAfter,
		CancelAfter: cancelAfter,
		Memo:        claimID,
	})
	if err != nil {
		return domain.Escrow{}, fmt.Errorf("escrow_controller: submit escrow create: %w", err)
	}

	escrow := domain.Escrow{
		ClaimID:      claimID,
		PoolID:       claim.PoolID,
		Sequence:     sub.Sequence,
		Amount:       amount,
		Destination:  destination,
		CreateTxHash: sub.Hash,
		CreatedAt:    now,
		FinishAfter:  finishAfter,
		CancelAfter:  cancelAfter,
		Status:       domain.EscrowStatusPending,
	}
	err = c.repo.InTx(ctx, func(tx domain.Stores) error {
		cl, err := tx.Claims().GetForUpdate(ctx, claimID)
		if err != nil {
			return fmt.Errorf("get claim: %w", err)
		}
		if err := cl.Transition(domain.ClaimStatusEscrowed, now); err != nil {
			return err
		}
		seq := sub.Sequence
		cl.EscrowSequence = &seq
		if err := tx.Escrows().Create(ctx, escrow); err != nil {
			return fmt.Errorf("create escrow: %w", err)
		}
		if err := tx.Claims().Update(ctx, cl); err != nil {
			return fmt.Errorf("update claim: %w", err)
		}
		return tx.Audit().Log(ctx, "escrow_created", map[string]any{
			"claim_id":     claimID,
			"amount":       amount,
			"destination":  destination,
			"sequence":     sub.Sequence,
			"tx_hash":      sub.Hash,
			"finish_after": finishAfter,
			"cancel_after": cancelAfter,
		})
	})
	if err != nil {
		// The ledger already holds the escrow; an operator has to reconcile.
		c.logger.ErrorContext(ctx, "escrow_controller: escrow submitted but not recorded",
			slog.String("claim_id", claimID),
			slog.String("tx_hash", sub.Hash),
			slog.Uint64("sequence", uint64(sub.Sequence)),
			slog.String("error", err.Error()),
		)
		return domain.Escrow{}, fmt.Errorf("escrow_controller: record escrow: %w", err)
	}

	c.logger.InfoContext(ctx, "escrow_controller: escrow created",
		slog.String("claim_id", claimID),
		slog.Int64("amount", amount),
		slog.String("tx_hash", sub.Hash),
		slog.Time("finish_after", finishAfter),
	)
	c.events.Publish(ctx, domain.ChannelEscrows, domain.LifecycleEvent{
		Type:     domain.EventEscrowCreated,
		ClaimID:  claimID,
		PolicyID: claim.PolicyID,
		PoolID:   claim.PoolID,
		LoanID:   claim.LoanID,
		Status:   string(domain.ClaimStatusEscrowed),
		Amount:   amount,
		TxHash:   sub.Hash,
		At:       now,
	})
	return escrow, nil
}

func (c *EscrowController) checkCreatable(ctx context.Context, claim domain.Claim, amount int64) error {
	if claim.Status != domain.ClaimStatusValidated {
		if _, err := c.repo.Escrows().GetByClaim(ctx, claim.ID); err == nil {
			return fmt.Errorf("escrow_controller: claim %s: %w", claim.ID, domain.ErrAlreadyProcessed)
		}
		return fmt.Errorf("escrow_controller: %w", domain.Wrapf(domain.ErrClaimStatus, "claim %s is %s, want %s", claim.ID, claim.Status, domain.ClaimStatusValidated))
	}
	if amount > claim.ClaimPayout {
		return fmt.Errorf("escrow_controller: %w", domain.Invalid("amount %d exceeds claim payout %d", amount, claim.ClaimPayout))
	}
	return nil
}

// FinishEscrow releases the escrowed payout once the dispute window has
// passed, paying the claim out of the pool. Finishing remains possible after
// cancel_after until a cancel executes.
func (c *EscrowController) FinishEscrow(ctx context.Context, claimID string) (string, error) {
	hash, err := c.finishEscrow(ctx, claimID)
	c.metrics.Escrow("finish", err)
	return hash, err
}

func (c *EscrowController) finishEscrow(ctx context.Context, claimID string) (string, error) {
	unlock, err := c.locker.Lock(ctx, claimKey(claimID))
	if err != nil {
		return "", fmt.Errorf("escrow_controller: %w", err)
	}
	defer unlock()

	escrow, err := c.repo.Escrows().GetByClaim(ctx, claimID)
	if err != nil {
		return "", fmt.Errorf("escrow_controller: get escrow: %w", err)
	}
	now := c.now().UTC()
	switch {
	case escrow.Status == domain.EscrowStatusFinished:
		return "", fmt.Errorf("escrow_controller: claim %s: %w", claimID, domain.ErrAlreadyProcessed)
	case escrow.Status == domain.EscrowStatusCancelled:
		return "", fmt.Errorf("escrow_controller: claim %s: %w", claimID, domain.ErrEscrowCancelled)
	case now.Before(escrow.FinishAfter):
		return "", fmt.Errorf("escrow_controller: %w", domain.Wrapf(domain.ErrNotYetFinishable, "claim %s finishable at %s", claimID, escrow.FinishAfter.Format(time.RFC3339)))
	}

	unlockPool, err := c.locker.Lock(ctx, poolKey(escrow.PoolID))
	if err != nil {
		return "", fmt.Errorf("escrow_controller: %w", err)
	}
	defer unlockPool()

	// Capital may have moved since validation; re-check before any funds do.
	pool, err := c.repo.Pools().GetByID(ctx, escrow.PoolID)
	if err != nil {
		return "", fmt.Errorf("escrow_controller: get pool: %w", err)
	}
	if err := c.ledger.CheckPayout(pool, escrow.Amount); err != nil {
		c.logger.WarnContext(ctx, "escrow_controller: pool cannot pay, finish refused",
			slog.String("claim_id", claimID),
			slog.String("pool_id", pool.ID),
			slog.Int64("amount", escrow.Amount),
			slog.Int64("available", pool.AvailableCapital),
		)
		return "", fmt.Errorf("escrow_controller: %w", err)
	}

	sub, err := c.writer.Submit(ctx, domain.Instruction{
		Kind:     domain.InstructionEscrowFinish,
		Owner:    c.cfg.OwnerAccount,
		Sequence: escrow.Sequence,
		Memo:     claimID,
	})
	if err != nil {
		return "", fmt.Errorf("escrow_controller: submit escrow finish: %w", err)
	}

	var claim domain.Claim
	var paid domain.Pool
	err = c.repo.InTx(ctx, func(tx domain.Stores) error {
		p, err := tx.Pools().GetForUpdate(ctx, escrow.PoolID)
		if err != nil {
			return fmt.Errorf("get pool: %w", err)
		}
		if err := c.ledger.PayClaim(&p, escrow.Amount); err != nil {
			return err
		}
		p.UpdatedAt = now
		if err := tx.Pools().Upsert(ctx, p); err != nil {
			return fmt.Errorf("upsert pool: %w", err)
		}

		e, err := tx.Escrows().GetForUpdate(ctx, claimID)
		if err != nil {
			return fmt.Errorf("get escrow: %w", err)
		}
		e.Status = domain.EscrowStatusFinished
		e.ResolveTxHash = sub.Hash
		e.ResolvedAt = &now
		if err := tx.Escrows().Update(ctx, e); err != nil {
			return fmt.Errorf("update escrow: %w", err)
		}

		cl, err := tx.Claims().GetForUpdate(ctx, claimID)
		if err != nil {
			return fmt.Errorf("get claim: %w", err)
		}
		if err := cl.Transition(domain.ClaimStatusSettled, now); err != nil {
			return err
		}
		cl.SettlementTxHash = sub.Hash
		cl.SettledAt = &now
		if err := tx.Claims().Update(ctx, cl); err != nil {
			return fmt.Errorf("update claim: %w", err)
		}
		claim, paid = cl, p
		return tx.Audit().Log(ctx, "escrow_finished", map[string]any{
			"claim_id": claimID,
			"pool_id":  p.ID,
			"amount":   escrow.Amount,
			"tx_hash":  sub.Hash,
		})
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "escrow_controller: escrow finished on ledger but not recorded",
			slog.String("claim_id", claimID),
			slog.String("tx_hash", sub.Hash),
			slog.String("error", err.Error()),
		)
		return "", fmt.Errorf("escrow_controller: record finish: %w", err)
	}

	c.metrics.Payout(escrow.Amount)
	pm := c.ledger.MetricsOf(paid)
	c.metrics.Pool(pm)
	c.logger.InfoContext(ctx, "escrow_controller: claim settled",
		slog.String("claim_id", claimID),
		slog.Int64("amount", escrow.Amount),
		slog.String("tx_hash", sub.Hash),
		slog.Float64("pool_coverage_ratio", pm.CoverageRatio),
	)
	c.events.Publish(ctx, domain.ChannelEscrows, domain.LifecycleEvent{
		Type:     domain.EventEscrowFinished,
		ClaimID:  claimID,
		PolicyID: claim.PolicyID,
		PoolID:   claim.PoolID,
		LoanID:   claim.LoanID,
		Status:   string(claim.Status),
		Amount:   escrow.Amount,
		TxHash:   sub.Hash,
		At:       now,
	})
	publishPool(ctx, c.events, pm, now)
	return sub.Hash, nil
}

// CancelEscrow returns an escrow to the pool after cancel_after and rejects
// the claim with reason.
func (c *EscrowController) CancelEscrow(ctx context.Context, claimID, reason string) (string, error) {
	hash, err := c.cancelEscrow(ctx, claimID, reason)
	c.metrics.Escrow("cancel", err)
	return hash, err
}

func (c *EscrowController) cancelEscrow(ctx context.Context, claimID, reason string) (string, error) {
	if reason == "" {
		return "", fmt.Errorf("escrow_controller: %w", domain.Invalid("cancel reason is required"))
	}

	unlock, err := c.locker.Lock(ctx, claimKey(claimID))
	if err != nil {
		return "", fmt.Errorf("escrow_controller: %w", err)
	}
	defer unlock()

	escrow, err := c.repo.Escrows().GetByClaim(ctx, claimID)
	if err != nil {
		return "", fmt.Errorf("escrow_controller: get escrow: %w", err)
	}
	now := c.now().UTC()
	switch {
	case escrow.Status == domain.EscrowStatusCancelled:
		return "", fmt.Errorf("escrow_controller: claim %s: %w", claimID, domain.ErrAlreadyProcessed)
	case escrow.Status == domain.EscrowStatusFinished:
		return "", fmt.Errorf("escrow_controller: claim %s: %w", claimID, domain.ErrEscrowFinished)
	case now.Before(escrow.CancelAfter):
		return "", fmt.Errorf("escrow_controller: %w", domain.Wrapf(domain.ErrNotYetCancellable, "claim %s cancellable at %s", claimID, escrow.CancelAfter.Format(time.RFC3339)))
	}

	sub, err := c.writer.Submit(ctx, domain.Instruction{
		Kind:     domain.InstructionEscrowCancel,
		Owner:    c.cfg.OwnerAccount,
		Sequence: escrow.Sequence,
		Memo:     claimID,
	})
	if err != nil {
		return "", fmt.Errorf("escrow_controller: submit escrow cancel: %w", err)
	}

	var claim domain.Claim
	err = c.repo.InTx(ctx, func(tx domain.Stores) error {
		e, err := tx.Escrows().GetForUpdate(ctx, claimID)
		if err != nil {
			return fmt.Errorf("get escrow: %w", err)
		}
		e.Status = domain.EscrowStatusCancelled
		e.CancelReason = reason
		e.ResolveTxHash = sub.Hash
		e.ResolvedAt = &now
		if err := tx.Escrows().Update(ctx, e); err != nil {
			return fmt.Errorf("update escrow: %w", err)
		}

		cl, err := tx.Claims().GetForUpdate(ctx, claimID)
		if err != nil {
			return fmt.Errorf("get claim: %w", err)
		}
		if err := cl.Transition(domain.ClaimStatusRejected, now); err != nil {
			return err
		}
		cl.RejectionReason = "escrow cancelled: " + reason
		if err := tx.Claims().Update(ctx, cl); err != nil {
			return fmt.Errorf("update claim: %w", err)
		}
		claim = cl
		return tx.Audit().Log(ctx, "escrow_cancelled", map[string]any{
			"claim_id": claimID,
			"reason":   reason,
			"tx_hash":  sub.Hash,
		})
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "escrow_controller: escrow cancelled on ledger but not recorded",
			slog.String("claim_id", claimID),
			slog.String("tx_hash", sub.Hash),
			slog.String("error", err.Error()),
		)
		return "", fmt.Errorf("escrow_controller: record cancel: %w", err)
	}

	c.logger.InfoContext(ctx, "escrow_controller: escrow cancelled",
		slog.String("claim_id", claimID),
		slog.String("reason", reason),
		slog.String("tx_hash", sub.Hash),
	)
	c.events.Publish(ctx, domain.ChannelEscrows, domain.LifecycleEvent{
		Type:     domain.EventEscrowCancelled,
		ClaimID:  claimID,
		PolicyID: claim.PolicyID,
		PoolID:   claim.PoolID,
		LoanID:   claim.LoanID,
		Status:   string(claim.Status),
		Amount:   escrow.Amount,
		TxHash:   sub.Hash,
		Reason:   reason,
		At:       now,
	})
	return sub.Hash, nil
}

// EscrowStatus returns the escrow for claimID with its status derived at
// the current time.
func (c *EscrowController) EscrowStatus(ctx context.Context, claimID string) (domain.EscrowView, error) {
	e, err := c.repo.Escrows().GetByClaim(ctx, claimID)
	if err != nil {
		return domain.EscrowView{}, fmt.Errorf("escrow_controller: get escrow: %w", err)
	}
	return domain.ViewEscrow(e, c.now().UTC()), nil
}

// ListOpen returns unresolved escrows with derived status.
func (c *EscrowController) ListOpen(ctx context.Context, limit int) ([]domain.EscrowView, error) {
	open, err := c.repo.Escrows().ListOpen(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("escrow_controller: list open: %w", err)
	}
	now := c.now().UTC()
	out := make([]domain.EscrowView, 0, len(open))
	for _, e := range open {
		out = append(out, domain.ViewEscrow(e, now))
	}
	return out, nil
}

// IsNotReady reports whether err is a timing-window refusal.
func IsNotReady(err error) bool {
	return errors.Is(err, domain.ErrNotYetFinishable) || errors.Is(err, domain.ErrNotYetCancellable)
}

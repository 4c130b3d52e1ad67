package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/alanyoungcy/ward/internal/domain"
	"github.com/alanyoungcy/ward/internal/metrics"
	"github.com/alanyoungcy/ward/internal/waterfall"
)

// IntakeConfig tunes the claim intake loop.
type IntakeConfig struct {
	DedupTTL         time.Duration
	RetryAttempts    uint
	RetryDelay       time.Duration
	AutoEscrow       bool
	MonitoredBrokers []string
}

// Intake results, also used as metric labels.
const (
	IntakeProcessed   = "processed"
	IntakeDuplicate   = "duplicate"
	IntakeReplay      = "replay"
	IntakeInvalid     = "invalid"
	IntakeUnmonitored = "unmonitored"
	IntakeNotFound    = "not_found"
	IntakeRetry       = "retry"
	IntakeFailed      = "failed"
)

// IntakeResult summarizes one processed default event.
type IntakeResult struct {
	Result         string             `json:"result"`
	ClaimsApproved int                `json:"claims_approved"`
	Escrowed       int                `json:"escrowed"`
	Waterfall      waterfall.Result   `json:"waterfall"`
	Claims         []ValidationResult `json:"claims,omitempty"`
}

// Intake consumes default events and turns each into validated claims for
// every active policy on the defaulted vault. Delivery is at-least-once:
// an in-memory TTL filter drops immediate repeats, the persisted default
// log drops replays, and claim creation itself is idempotent.
type Intake struct {
	repo      domain.Repository
	snapshots *SnapshotService
	validator *ClaimValidator
	escrows   *EscrowController
	dedup     *Dedup
	events    *EventPublisher
	metrics   *metrics.Metrics
	cfg       IntakeConfig
	monitored map[string]bool
	now       Clock
	logger    *slog.Logger
}

// NewIntake creates an Intake. escrows may be nil when AutoEscrow is off.
func NewIntake(
	repo domain.Repository,
	snapshots *SnapshotService,
	validator *ClaimValidator,
	escrows *EscrowController,
	events *EventPublisher,
	m *metrics.Metrics,
	cfg IntakeConfig,
	now Clock,
	logger *slog.Logger,
) *Intake {
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 10 * time.Minute
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	now = now.orDefault()
	monitored := make(map[string]bool, len(cfg.MonitoredBrokers))
	for _, id := range cfg.MonitoredBrokers {
		if id != "" {
			monitored[id] = true
		}
	}
	return &Intake{
		repo:      repo,
		snapshots: snapshots,
		validator: validator,
		escrows:   escrows,
		dedup:     NewDedup(cfg.DedupTTL, now),
		events:    events,
		metrics:   m,
		cfg:       cfg,
		monitored: monitored,
		now:       now,
		logger:    logger,
	}
}

// Run processes events until ctx ends or the channel closes.
func (in *Intake) Run(ctx context.Context, events <-chan domain.DefaultEvent) error {
	cleanup := time.NewTicker(in.cfg.DedupTTL)
	defer cleanup.Stop()

	in.logger.InfoContext(ctx, "intake: started",
		slog.Bool("auto_escrow", in.cfg.AutoEscrow),
		slog.Int("monitored_brokers", len(in.monitored)),
	)
	for {
		select {
		case <-ctx.Done():
			in.logger.InfoContext(ctx, "intake: stopped")
			return nil
		case <-cleanup.C:
			in.dedup.Cleanup()
		case ev, ok := <-events:
			if !ok {
				in.logger.InfoContext(ctx, "intake: event source closed")
				return nil
			}
			in.metrics.QueueDepth(len(events))
			in.handle(ctx, ev)
		}
	}
}

func (in *Intake) handle(ctx context.Context, ev domain.DefaultEvent) {
	started := time.Now()
	res, err := in.Process(ctx, ev)
	if err != nil {
		in.logger.ErrorContext(ctx, "intake: processing failed",
			slog.String("loan_id", ev.LoanID),
			slog.String("tx_hash", ev.TxHash),
			slog.String("error", err.Error()),
		)
		res.Result = IntakeFailed
	}
	in.metrics.DefaultProcessed(res.Result, started)

	switch res.Result {
	case IntakeRetry, IntakeFailed:
		in.dedup.Forget(ev.Key())
		if ev.Nak != nil {
			ev.Nak()
		}
	default:
		if ev.Ack != nil {
			ev.Ack()
		}
	}
}

// Process handles one default event. A timeout while reading the ledger
// or the store yields IntakeRetry so the source redelivers it later.
func (in *Intake) Process(ctx context.Context, ev domain.DefaultEvent) (IntakeResult, error) {
	if ev.LoanID == "" || ev.TxHash == "" {
		in.logger.WarnContext(ctx, "intake: dropping malformed default event",
			slog.String("loan_id", ev.LoanID),
			slog.String("tx_hash", ev.TxHash),
		)
		return IntakeResult{Result: IntakeInvalid}, nil
	}
	if in.dedup.IsDuplicate(ev.Key()) {
		return IntakeResult{Result: IntakeDuplicate}, nil
	}
	seen, err := in.repo.Defaults().Exists(ctx, ev.LoanID, ev.TxHash)
	if err != nil {
		if isTimeout(err) {
			return IntakeResult{Result: IntakeRetry}, nil
		}
		return IntakeResult{}, fmt.Errorf("intake: check default log: %w", err)
	}
	if seen {
		in.logger.DebugContext(ctx, "intake: default already processed",
			slog.String("loan_id", ev.LoanID),
			slog.String("tx_hash", ev.TxHash),
		)
		return IntakeResult{Result: IntakeReplay}, nil
	}

	if ev.LoanBrokerID != "" && !in.isMonitored(ev.LoanBrokerID) {
		return IntakeResult{Result: IntakeUnmonitored}, nil
	}

	snap, err := in.hydrate(ctx, ev.LoanID)
	switch {
	case err == nil:
	case isTimeout(err):
		in.logger.WarnContext(ctx, "intake: ledger timed out, will retry",
			slog.String("loan_id", ev.LoanID),
			slog.String("error", err.Error()),
		)
		return IntakeResult{Result: IntakeRetry}, nil
	case errors.Is(err, domain.ErrNotFound):
		in.logger.WarnContext(ctx, "intake: defaulted loan not on ledger",
			slog.String("loan_id", ev.LoanID),
			slog.String("error", err.Error()),
		)
		return IntakeResult{Result: IntakeNotFound}, nil
	default:
		return IntakeResult{}, err
	}
	if !in.isMonitored(snap.Broker.ID) {
		return IntakeResult{Result: IntakeUnmonitored}, nil
	}

	wf, err := waterfall.Calculate(waterfall.FromSnapshots(snap.Loan, snap.Broker))
	if err != nil {
		return IntakeResult{}, fmt.Errorf("intake: waterfall: %w", err)
	}
	in.logImpact(ctx, ev, snap, wf)

	res := IntakeResult{Result: IntakeProcessed, Waterfall: wf}
	policies, err := in.repo.Policies().ListActiveByVault(ctx, snap.Vault.ID)
	if err != nil {
		if isTimeout(err) {
			return IntakeResult{Result: IntakeRetry}, nil
		}
		return IntakeResult{}, fmt.Errorf("intake: list policies: %w", err)
	}
	for _, p := range policies {
		vr, err := in.validator.ValidateClaim(ctx, ClaimRequest{
			LoanID:   ev.LoanID,
			PolicyID: p.ID,
			TxHash:   ev.TxHash,
			Loan:     snap.Loan,
			Broker:   snap.Broker,
			Vault:    snap.Vault,
		})
		if err != nil {
			return IntakeResult{}, fmt.Errorf("intake: validate claim for policy %s: %w", p.ID, err)
		}
		if vr.Retryable {
			return IntakeResult{Result: IntakeRetry}, nil
		}
		res.Claims = append(res.Claims, vr)
		if !vr.Approved {
			continue
		}
		res.ClaimsApproved++
		if in.autoEscrow(ctx, vr, p) {
			res.Escrowed++
		}
	}

	now := in.now().UTC()
	detected := ev.DetectedAt
	if detected.IsZero() {
		detected = now
	}
	err = in.repo.Defaults().Record(ctx, domain.DefaultRecord{
		LoanID:         ev.LoanID,
		TxHash:         ev.TxHash,
		BrokerID:       snap.Broker.ID,
		VaultID:        snap.Vault.ID,
		Borrower:       snap.Loan.Borrower,
		DefaultAmount:  wf.DefaultAmount,
		DefaultCovered: wf.DefaultCovered,
		VaultLoss:      wf.VaultLoss,
		LedgerIndex:    ev.LedgerIndex,
		ClaimsApproved: res.ClaimsApproved,
		DetectedAt:     detected,
	})
	if err != nil && !errors.Is(err, domain.ErrAlreadyExists) {
		return IntakeResult{}, fmt.Errorf("intake: record default: %w", err)
	}

	in.events.Publish(ctx, domain.ChannelClaims, domain.LifecycleEvent{
		Type:   domain.EventDefaultDetected,
		LoanID: ev.LoanID,
		TxHash: ev.TxHash,
		Amount: wf.VaultLoss,
		Reason: fmt.Sprintf("%d policies, %d claims approved", len(policies), res.ClaimsApproved),
		At:     now,
	})
	in.logger.InfoContext(ctx, "intake: default processed",
		slog.String("loan_id", ev.LoanID),
		slog.String("tx_hash", ev.TxHash),
		slog.String("vault_id", snap.Vault.ID),
		slog.Int("policies", len(policies)),
		slog.Int("claims_approved", res.ClaimsApproved),
		slog.Int("escrowed", res.Escrowed),
	)
	return res, nil
}

// hydrate reads the ledger, retrying timeouts a bounded number of times.
// Exhaustion stays a timeout and is never treated as success.
func (in *Intake) hydrate(ctx context.Context, loanID string) (Snapshot, error) {
	return retry.DoWithData(
		func() (Snapshot, error) {
			return in.snapshots.Hydrate(ctx, loanID)
		},
		retry.Context(ctx),
		retry.Attempts(in.cfg.RetryAttempts),
		retry.Delay(in.cfg.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isTimeout),
		retry.OnRetry(func(n uint, err error) {
			in.logger.WarnContext(ctx, "intake: retrying ledger read",
				slog.String("loan_id", loanID),
				slog.Uint64("attempt", uint64(n+1)),
				slog.String("error", err.Error()),
			)
		}),
	)
}

func (in *Intake) isMonitored(brokerID string) bool {
	return len(in.monitored) == 0 || in.monitored[brokerID]
}

func (in *Intake) autoEscrow(ctx context.Context, vr ValidationResult, p domain.Policy) bool {
	if !in.cfg.AutoEscrow || in.escrows == nil || vr.Claim == nil || vr.Claim.Status != domain.ClaimStatusValidated {
		return false
	}
	_, err := in.escrows.CreateEscrow(ctx, vr.Claim.ID, vr.ClaimPayout, p.InsuredAddress)
	if err != nil {
		in.logger.ErrorContext(ctx, "intake: auto escrow failed",
			slog.String("claim_id", vr.Claim.ID),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}

func (in *Intake) logImpact(ctx context.Context, ev domain.DefaultEvent, snap Snapshot, wf waterfall.Result) {
	impact, err := waterfall.ShareImpactOnVault(snap.Vault, wf.VaultLoss)
	if err != nil {
		in.logger.WarnContext(ctx, "intake: share impact", slog.String("error", err.Error()))
		return
	}
	in.logger.InfoContext(ctx, "intake: default loss split",
		slog.String("loan_id", ev.LoanID),
		slog.String("loan_broker_id", snap.Broker.ID),
		slog.Int64("default_amount", wf.DefaultAmount),
		slog.Int64("default_covered", wf.DefaultCovered),
		slog.Int64("vault_loss", wf.VaultLoss),
		slog.Float64("share_value_before", impact.ValueBefore),
		slog.Float64("share_value_after", impact.ValueAfter),
		slog.Float64("loss_percentage", impact.LossPercentage),
	)
}

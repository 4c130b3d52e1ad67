package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/alanyoungcy/ward/internal/capital"
	"github.com/alanyoungcy/ward/internal/domain"
	"github.com/alanyoungcy/ward/internal/metrics"
	"github.com/alanyoungcy/ward/internal/waterfall"
)

// Rejection reasons rendered to callers.
const (
	ReasonNotDefaulted        = "not defaulted"
	ReasonNoVaultLoss         = "no vault loss — fully covered by first-loss capital"
	ReasonPolicyNotFound      = "policy not found"
	ReasonCoverageNotStarted  = "coverage not yet started"
	ReasonCoverageExpired     = "coverage expired"
	ReasonVaultMismatch       = "vault mismatch"
	ReasonPoolNotFound        = "pool not found"
	ReasonInsufficientCapital = "insufficient pool capital"
	ReasonRatioBreach         = "coverage ratio would fall below minimum"
	ReasonTimeout             = "timed out reading persisted state"
	ReasonAlreadyClaimed      = "policy already holds a claim on this loan"
)

func reasonPolicyStatus(s domain.PolicyStatus) string {
	return fmt.Sprintf("policy not active: status=%s", s)
}

// ClaimRequest asks for a payout against one policy for one default.
type ClaimRequest struct {
	LoanID   string            `json:"loan_id"`
	PolicyID string            `json:"policy_id"`
	TxHash   string            `json:"tx_hash"`
	Loan     domain.Loan       `json:"loan"`
	Broker   domain.LoanBroker `json:"loan_broker"`
	Vault    domain.Vault      `json:"vault"`
}

// validate rejects requests missing an identifier or a snapshot. A missing
// input is an error, never a business rejection.
func (r ClaimRequest) validate() error {
	switch {
	case r.LoanID == "", r.PolicyID == "", r.TxHash == "":
		return domain.Invalid("claim request: loan_id, policy_id and tx_hash are required")
	case r.Loan.ID == "":
		return domain.Invalid("claim request: loan snapshot is required")
	case r.Loan.ID != r.LoanID:
		return domain.Invalid("claim request: loan snapshot %s does not match loan_id %s", r.Loan.ID, r.LoanID)
	case r.Loan.BrokerID != "" && r.Loan.BrokerID != r.Broker.ID:
		return domain.Invalid("claim request: loan broker %s does not match snapshot %s", r.Loan.BrokerID, r.Broker.ID)
	}
	if err := r.Loan.Validate(); err != nil {
		return err
	}
	if err := r.Broker.Validate(); err != nil {
		return err
	}
	return r.Vault.Validate()
}

// ValidationResult is the outcome of ValidateClaim. Business rejections are
// results, not errors.
type ValidationResult struct {
	Approved    bool             `json:"approved"`
	Outcome     domain.Outcome   `json:"outcome"`
	Reason      string           `json:"reason,omitempty"`
	Retryable   bool             `json:"retryable,omitempty"`
	Duplicate   bool             `json:"duplicate,omitempty"`
	ClaimPayout int64            `json:"claim_payout"`
	Waterfall   waterfall.Result `json:"waterfall"`
	Claim       *domain.Claim    `json:"claim,omitempty"`
}

func reject(outcome domain.Outcome, reason string) ValidationResult {
	return ValidationResult{Outcome: outcome, Reason: reason}
}

// ClaimValidator runs the ordered claim validation pipeline.
type ClaimValidator struct {
	repo    domain.Repository
	ledger  *capital.Ledger
	locker  *Locker
	events  *EventPublisher
	metrics *metrics.Metrics
	now     Clock
	logger  *slog.Logger
}

// NewClaimValidator creates a ClaimValidator.
func NewClaimValidator(
	repo domain.Repository,
	ledger *capital.Ledger,
	locker *Locker,
	events *EventPublisher,
	m *metrics.Metrics,
	now Clock,
	logger *slog.Logger,
) *ClaimValidator {
	return &ClaimValidator{
		repo:    repo,
		ledger:  ledger,
		locker:  locker,
		events:  events,
		metrics: m,
		now:     now.orDefault(),
		logger:  logger,
	}
}

// ValidateClaim checks a claim and, on approval, persists it in validated
// state. Steps, first failure wins:
//
//  1. the loan is flagged defaulted
//  2. the waterfall leaves a vault loss
//  3. the policy exists
//  4. the policy is active
//  5. now is inside the coverage window
//  6. the policy insures the evaluated vault
//  7. payout = min(vault_loss, coverage_amount)
//  8. the pool can pay without breaching the minimum ratio
//  9. persist the claim
//
// Steps 3 to 9 run in one transaction holding the pool row; a rejection
// writes nothing. A claim already recorded for (loan, tx, policy) is
// returned with Duplicate set. A loan defaults once, so a live claim on the
// same loan and policy under any other tx hash rejects the request.
func (v *ClaimValidator) ValidateClaim(ctx context.Context, req ClaimRequest) (ValidationResult, error) {
	if err := req.validate(); err != nil {
		return ValidationResult{}, fmt.Errorf("claim_validator: %w", err)
	}

	res, err := v.validate(ctx, req)
	if err != nil {
		if isTimeout(err) {
			v.logger.WarnContext(ctx, "claim_validator: timed out, failing closed",
				slog.String("loan_id", req.LoanID),
				slog.String("policy_id", req.PolicyID),
				slog.String("error", err.Error()),
			)
			res = ValidationResult{Outcome: domain.OutcomeTimeout, Reason: ReasonTimeout, Retryable: true}
			v.metrics.ClaimValidated(res.Outcome)
			return res, nil
		}
		return ValidationResult{}, err
	}

	v.metrics.ClaimValidated(res.Outcome)
	switch {
	case res.Duplicate:
		v.logger.InfoContext(ctx, "claim_validator: duplicate claim",
			slog.String("claim_id", res.Claim.ID),
			slog.String("loan_id", req.LoanID),
			slog.String("tx_hash", req.TxHash),
		)
	case res.Approved:
		v.logger.InfoContext(ctx, "claim_validator: claim approved",
			slog.String("claim_id", res.Claim.ID),
			slog.String("policy_id", req.PolicyID),
			slog.Int64("payout", res.ClaimPayout),
		)
		v.events.Publish(ctx, domain.ChannelClaims, domain.LifecycleEvent{
			Type:     domain.EventClaimApproved,
			ClaimID:  res.Claim.ID,
			PolicyID: res.Claim.PolicyID,
			PoolID:   res.Claim.PoolID,
			LoanID:   res.Claim.LoanID,
			Status:   string(res.Claim.Status),
			Amount:   res.ClaimPayout,
			TxHash:   res.Claim.TxHash,
			At:       res.Claim.ValidatedAt,
		})
	default:
		v.logger.InfoContext(ctx, "claim_validator: claim rejected",
			slog.String("loan_id", req.LoanID),
			slog.String("policy_id", req.PolicyID),
			slog.String("reason", res.Reason),
		)
	}
	return res, nil
}

func (v *ClaimValidator) validate(ctx context.Context, req ClaimRequest) (ValidationResult, error) {
	// Replays are answered from the store before any recomputation.
	if res, found, err := priorClaim(ctx, v.repo.Claims(), req); err != nil || found {
		if err != nil {
			return ValidationResult{}, fmt.Errorf("claim_validator: %w", err)
		}
		return res, nil
	}

	// Step 1.
	if !req.Loan.IsDefaulted() {
		return reject(domain.OutcomeStateConflict, ReasonNotDefaulted), nil
	}

	// Step 2.
	wf, err := waterfall.Calculate(waterfall.FromSnapshots(req.Loan, req.Broker))
	if err != nil {
		return ValidationResult{}, fmt.Errorf("claim_validator: waterfall: %w", err)
	}
	if wf.VaultLoss <= 0 {
		res := reject(domain.OutcomeStateConflict, ReasonNoVaultLoss)
		res.Waterfall = wf
		return res, nil
	}

	// The pool lock is taken before the transaction so concurrent payouts
	// and exposure changes on the same pool queue up here.
	policy, err := v.repo.Policies().GetByID(ctx, req.PolicyID)
	if errors.Is(err, domain.ErrNotFound) {
		return withWaterfall(reject(domain.OutcomeNotFound, ReasonPolicyNotFound), wf), nil
	}
	if err != nil {
		return ValidationResult{}, fmt.Errorf("claim_validator: get policy: %w", err)
	}
	unlock, err := v.locker.Lock(ctx, poolKey(policy.PoolID))
	if err != nil {
		return ValidationResult{}, fmt.Errorf("claim_validator: %w", err)
	}
	defer unlock()

	var res ValidationResult
	err = v.repo.InTx(ctx, func(tx domain.Stores) error {
		var txErr error
		res, txErr = v.validateLocked(ctx, tx, req, wf)
		return txErr
	})
	if errors.Is(err, domain.ErrAlreadyExists) {
		prior, found, findErr := priorClaim(ctx, v.repo.Claims(), req)
		if findErr != nil {
			return ValidationResult{}, fmt.Errorf("claim_validator: load duplicate: %w", findErr)
		}
		if !found {
			return ValidationResult{}, fmt.Errorf("claim_validator: conflicting claim vanished: %w", err)
		}
		return prior, nil
	}
	if err != nil {
		return ValidationResult{}, fmt.Errorf("claim_validator: %w", err)
	}
	return res, nil
}

// validateLocked runs steps 3 to 9 inside the transaction.
func (v *ClaimValidator) validateLocked(ctx context.Context, tx domain.Stores, req ClaimRequest, wf waterfall.Result) (ValidationResult, error) {
	// Step 3.
	policy, err := tx.Policies().GetForUpdate(ctx, req.PolicyID)
	if errors.Is(err, domain.ErrNotFound) {
		return withWaterfall(reject(domain.OutcomeNotFound, ReasonPolicyNotFound), wf), nil
	}
	if err != nil {
		return ValidationResult{}, fmt.Errorf("get policy: %w", err)
	}

	// Step 4.
	if policy.Status != domain.PolicyStatusActive {
		return withWaterfall(reject(domain.OutcomeStateConflict, reasonPolicyStatus(policy.Status)), wf), nil
	}

	// Re-checked under the policy row lock; the early lookup ran without it.
	if prior, found, err := priorClaim(ctx, tx.Claims(), req); err != nil || found {
		return prior, err
	}

	// Step 5.
	now := v.now().UTC()
	if now.Before(policy.CoverageStart) {
		return withWaterfall(reject(domain.OutcomeStateConflict, ReasonCoverageNotStarted), wf), nil
	}
	if now.After(policy.CoverageEnd) {
		return withWaterfall(reject(domain.OutcomeStateConflict, ReasonCoverageExpired), wf), nil
	}

	// Step 6.
	if policy.VaultID != req.Vault.ID {
		return withWaterfall(reject(domain.OutcomeStateConflict, ReasonVaultMismatch), wf), nil
	}

	// Step 7.
	payout := min(wf.VaultLoss, policy.CoverageAmount)

	// Step 8.
	pool, err := tx.Pools().GetForUpdate(ctx, policy.PoolID)
	if errors.Is(err, domain.ErrNotFound) {
		return withWaterfall(reject(domain.OutcomeNotFound, ReasonPoolNotFound), wf), nil
	}
	if err != nil {
		return ValidationResult{}, fmt.Errorf("get pool: %w", err)
	}
	if err := v.ledger.CheckPayout(pool, payout); err != nil {
		reason := ReasonRatioBreach
		if errors.Is(err, domain.ErrInsufficientCapital) {
			reason = ReasonInsufficientCapital
		}
		res := withWaterfall(reject(domain.Classify(err), reason), wf)
		res.ClaimPayout = payout
		return res, nil
	}

	// Step 9.
	claim := domain.Claim{
		ID:             uuid.NewString(),
		PolicyID:       policy.ID,
		PoolID:         policy.PoolID,
		LoanID:         req.LoanID,
		BrokerID:       req.Broker.ID,
		VaultID:        req.Vault.ID,
		TxHash:         req.TxHash,
		DefaultAmount:  wf.DefaultAmount,
		DefaultCovered: wf.DefaultCovered,
		VaultLoss:      wf.VaultLoss,
		ClaimPayout:    payout,
		Status:         domain.ClaimStatusValidated,
		ValidatedAt:    now,
		UpdatedAt:      now,
	}
	if err := tx.Claims().Create(ctx, claim); err != nil {
		return ValidationResult{}, fmt.Errorf("create claim: %w", err)
	}
	if err := tx.Audit().Log(ctx, "claim_approved", map[string]any{
		"claim_id":  claim.ID,
		"policy_id": claim.PolicyID,
		"loan_id":   claim.LoanID,
		"tx_hash":   claim.TxHash,
		"payout":    payout,
	}); err != nil {
		return ValidationResult{}, fmt.Errorf("audit: %w", err)
	}

	return ValidationResult{
		Approved:    true,
		Outcome:     domain.OutcomeOK,
		ClaimPayout: payout,
		Waterfall:   wf,
		Claim:       &claim,
	}, nil
}

func withWaterfall(res ValidationResult, wf waterfall.Result) ValidationResult {
	res.Waterfall = wf
	return res
}

// priorClaim finds a stored claim that already answers req: the same
// default replayed, or the same loan and policy under another tx hash.
func priorClaim(ctx context.Context, claims domain.ClaimStore, req ClaimRequest) (ValidationResult, bool, error) {
	existing, err := claims.FindByDefault(ctx, req.LoanID, req.TxHash, req.PolicyID)
	if err == nil {
		return duplicate(existing), true, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return ValidationResult{}, false, fmt.Errorf("find existing claim: %w", err)
	}
	existing, err = claims.FindOpenByLoan(ctx, req.LoanID, req.PolicyID)
	if err == nil {
		res := reject(domain.OutcomeAlreadyProcessed, ReasonAlreadyClaimed)
		res.Claim = &existing
		return res, true, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return ValidationResult{}, false, fmt.Errorf("find open claim: %w", err)
	}
	return ValidationResult{}, false, nil
}

func duplicate(c domain.Claim) ValidationResult {
	return ValidationResult{
		Approved:    c.Status != domain.ClaimStatusRejected,
		Outcome:     domain.OutcomeAlreadyProcessed,
		Duplicate:   true,
		ClaimPayout: c.ClaimPayout,
		Waterfall: waterfall.Result{
			DefaultAmount:  c.DefaultAmount,
			DefaultCovered: c.DefaultCovered,
			VaultLoss:      c.VaultLoss,
		},
		Claim: &c,
	}
}

func isTimeout(err error) bool {
	return domain.Classify(err) == domain.OutcomeTimeout
}

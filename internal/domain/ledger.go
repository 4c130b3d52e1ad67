package domain

import (
	"context"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Loan ledger flags.
const (
	LoanFlagDefault     uint32 = 0x00010000
	LoanFlagImpaired    uint32 = 0x00020000
	LoanFlagOverpayment uint32 = 0x00040000
)

// TxFlagLoanDefault marks a LoanManage transaction that defaults a loan.
const TxFlagLoanDefault uint32 = 0x00010000

// RippleEpochOffset is the number of seconds between the Unix epoch and the
// ledger's epoch (2000-01-01T00:00:00Z).
const RippleEpochOffset int64 = 946684800

// Vault is a point-in-time snapshot of a single-asset lending vault.
// All amounts are drops.
type Vault struct {
	ID              string `json:"vault_id"`
	Owner           string `json:"owner"`
	Account         string `json:"account"`
	AssetKind       string `json:"asset_kind"`
	ShareMPTID      string `json:"share_mpt_id,omitempty"`
	AssetsTotal     int64  `json:"assets_total"`
	AssetsAvailable int64  `json:"assets_available"`
	LossUnrealized  int64  `json:"loss_unrealized"`
	SharesTotal     int64  `json:"shares_total"`
	LedgerIndex     uint64 `json:"ledger_index"`
}

// Validate checks the snapshot invariants.
func (v Vault) Validate() error {
	switch {
	case v.ID == "":
		return Invalid("vault: empty id")
	case v.AssetsTotal < 0, v.AssetsAvailable < 0, v.SharesTotal < 0:
		return Invalid("vault %s: negative totals", v.ID)
	case v.LossUnrealized < 0:
		return Invalid("vault %s: negative loss_unrealized", v.ID)
	case v.AssetsAvailable > v.AssetsTotal:
		return Invalid("vault %s: assets_available %d exceeds assets_total %d", v.ID, v.AssetsAvailable, v.AssetsTotal)
	}
	return nil
}

// RealValue is assets net of unrealized loss.
func (v Vault) RealValue() int64 {
	return v.AssetsTotal - v.LossUnrealized
}

// ShareValue is drops per share, 0 when no shares are outstanding.
func (v Vault) ShareValue() float64 {
	if v.SharesTotal == 0 {
		return 0
	}
	return float64(v.RealValue()) / float64(v.SharesTotal)
}

// Utilization is the fraction of assets lent out.
func (v Vault) Utilization() float64 {
	if v.AssetsTotal == 0 {
		return 0
	}
	return float64(v.AssetsTotal-v.AssetsAvailable) / float64(v.AssetsTotal)
}

// ImpairmentRatio is unrealized loss relative to total assets.
func (v Vault) ImpairmentRatio() float64 {
	if v.AssetsTotal == 0 {
		return 0
	}
	return float64(v.LossUnrealized) / float64(v.AssetsTotal)
}

// LoanBroker is a snapshot of the entity that lends out of a vault and holds
// first-loss capital. Rates are fractions in [0,1].
type LoanBroker struct {
	ID                   string          `json:"loan_broker_id"`
	Owner                string          `json:"owner"`
	VaultID              string          `json:"vault_id"`
	DebtTotal            int64           `json:"debt_total"`
	DebtMaximum          int64           `json:"debt_maximum"`
	CoverAvailable       int64           `json:"cover_available"`
	CoverRateMinimum     decimal.Decimal `json:"cover_rate_minimum"`
	CoverRateLiquidation decimal.Decimal `json:"cover_rate_liquidation"`
	ManagementFeeRate    decimal.Decimal `json:"management_fee_rate"`
	OwnerCount           uint32          `json:"owner_count"`
	LedgerIndex          uint64          `json:"ledger_index"`
}

var (
	rateZero = decimal.Zero
	rateOne  = decimal.NewFromInt(1)
)

// RateFromBasisPoints converts a ledger basis-point field to a fraction.
func RateFromBasisPoints(bps uint32) decimal.Decimal {
	return decimal.New(int64(bps), -4)
}

// ValidRate reports whether r is a fraction in [0,1].
func ValidRate(r decimal.Decimal) bool {
	return !r.LessThan(rateZero) && !r.GreaterThan(rateOne)
}

// Validate checks the snapshot invariants.
func (b LoanBroker) Validate() error {
	switch {
	case b.ID == "":
		return Invalid("loan broker: empty id")
	case b.DebtTotal < 0, b.DebtMaximum < 0, b.CoverAvailable < 0:
		return Invalid("loan broker %s: negative amounts", b.ID)
	case !ValidRate(b.CoverRateMinimum), !ValidRate(b.CoverRateLiquidation), !ValidRate(b.ManagementFeeRate):
		return Invalid("loan broker %s: rate outside [0,1]", b.ID)
	}
	return nil
}

// MinimumCoverRequired is floor(debt_total * cover_rate_minimum).
func (b LoanBroker) MinimumCoverRequired() int64 {
	return decimal.NewFromInt(b.DebtTotal).Mul(b.CoverRateMinimum).Floor().IntPart()
}

// MaxLiquidationCoverage is the most first-loss capital a single default can
// consume.
func (b LoanBroker) MaxLiquidationCoverage() int64 {
	return decimal.NewFromInt(b.MinimumCoverRequired()).Mul(b.CoverRateLiquidation).Floor().IntPart()
}

// CoverageRatio is cover_available over the minimum required cover, +Inf
// when no cover is required.
func (b LoanBroker) CoverageRatio() float64 {
	req := b.MinimumCoverRequired()
	if req == 0 {
		return math.Inf(1)
	}
	return float64(b.CoverAvailable) / float64(req)
}

// AdequatelyCovered reports whether available cover meets the minimum.
func (b LoanBroker) AdequatelyCovered() bool {
	return b.CoverAvailable >= b.MinimumCoverRequired()
}

// Loan is a snapshot of a single loan issued by a broker.
type Loan struct {
	ID                       string    `json:"loan_id"`
	BrokerID                 string    `json:"loan_broker_id"`
	Borrower                 string    `json:"borrower"`
	PrincipalOutstanding     int64     `json:"principal_outstanding"`
	InterestOutstanding      int64     `json:"interest_outstanding"`
	ManagementFeeOutstanding int64     `json:"management_fee_outstanding"`
	TotalValueOutstanding    int64     `json:"total_value_outstanding"`
	NextPaymentDue           time.Time `json:"next_payment_due,omitempty"`
	GracePeriod              uint32    `json:"grace_period"`
	Flags                    uint32    `json:"flags"`
	LedgerIndex              uint64    `json:"ledger_index"`
}

func (l Loan) IsDefaulted() bool       { return l.Flags&LoanFlagDefault != 0 }
func (l Loan) IsImpaired() bool        { return l.Flags&LoanFlagImpaired != 0 }
func (l Loan) AllowsOverpayment() bool { return l.Flags&LoanFlagOverpayment != 0 }

// Validate checks the snapshot invariants.
func (l Loan) Validate() error {
	switch {
	case l.ID == "":
		return Invalid("loan: empty id")
	case l.PrincipalOutstanding < 0, l.InterestOutstanding < 0, l.ManagementFeeOutstanding < 0:
		return Invalid("loan %s: negative outstanding amounts", l.ID)
	}
	return nil
}

// LedgerReader returns typed point-in-time ledger snapshots. Implementations
// return ErrNotFound for missing objects and ErrTimeout when the ledger does
// not answer in time.
type LedgerReader interface {
	Vault(ctx context.Context, id string) (Vault, error)
	LoanBroker(ctx context.Context, id string) (LoanBroker, error)
	Loan(ctx context.Context, id string) (Loan, error)
}

// DefaultVerifier confirms a reported default against the ledger. It
// returns the default as the ledger records it, ErrNotFound for an unknown
// hash and ErrInvalidInput for a transaction that is not a validated loan
// default.
type DefaultVerifier interface {
	DefaultTx(ctx context.Context, txHash string) (DefaultEvent, error)
}

// InstructionKind enumerates the funds-transfer instructions the engine issues.
type InstructionKind string

const (
	InstructionEscrowCreate InstructionKind = "EscrowCreate"
	InstructionEscrowFinish InstructionKind = "EscrowFinish"
	InstructionEscrowCancel InstructionKind = "EscrowCancel"
)

// Instruction is an unsigned funds-transfer request handed to the ledger writer.
type Instruction struct {
	Kind        InstructionKind `json:"kind"`
	Destination string          `json:"destination,omitempty"`
	Amount      int64           `json:"amount,omitempty"`
	FinishAfter time.Time       `json:"finish_after,omitempty"`
	CancelAfter time.Time       `json:"cancel_after,omitempty"`
	Owner       string          `json:"owner,omitempty"`
	Sequence    uint32          `json:"offer_sequence,omitempty"`
	Memo        string          `json:"memo,omitempty"`
}

// SubmitResult is the ledger's answer to a submitted instruction.
type SubmitResult struct {
	Hash       string `json:"hash"`
	Validated  bool   `json:"validated"`
	ResultCode string `json:"result_code"`
	Sequence   uint32 `json:"sequence"`
}

// LedgerWriter signs and submits funds-transfer instructions.
type LedgerWriter interface {
	Submit(ctx context.Context, in Instruction) (SubmitResult, error)
}

// DefaultEvent is one at-least-once notification of a loan default
// transaction. Ack and Nak are set by sources that support redelivery.
type DefaultEvent struct {
	LoanID       string    `json:"loan_id"`
	TxHash       string    `json:"tx_hash"`
	LedgerIndex  uint64    `json:"ledger_index"`
	LoanBrokerID string    `json:"loan_broker_id,omitempty"`
	DetectedAt   time.Time `json:"detected_at"`

	Ack func() `json:"-"`
	Nak func() `json:"-"`
}

// Key identifies the default transaction for deduplication.
func (e DefaultEvent) Key() string {
	return e.LoanID + "|" + e.TxHash
}

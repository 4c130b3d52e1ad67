package xrpl

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/alanyoungcy/ward/internal/domain"
)

// Amount is a drop quantity as the ledger renders it: a JSON string of
// digits, or occasionally a bare integer. Fractions and exponents are
// rejected rather than rounded.
type Amount int64

// UnmarshalJSON implements json.Unmarshaler.
func (a *Amount) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*a = 0
		return nil
	}
	s := string(b)
	if b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*a = 0
			return nil
		}
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("amount %s is not an integer drop value", string(b))
	}
	*a = Amount(v)
	return nil
}

// ledgerEntryResult is the result body of a ledger_entry call.
type ledgerEntryResult struct {
	Index       string          `json:"index"`
	LedgerIndex uint64          `json:"ledger_index"`
	Validated   bool            `json:"validated"`
	Node        json.RawMessage `json:"node"`
}

type rawAsset struct {
	Currency string `json:"currency"`
	MPTID    string `json:"mpt_issuance_id"`
}

type rawVault struct {
	Index           string   `json:"index"`
	Owner           string   `json:"Owner"`
	Account         string   `json:"Account"`
	Asset           rawAsset `json:"Asset"`
	AssetsTotal     Amount   `json:"AssetsTotal"`
	AssetsAvailable Amount   `json:"AssetsAvailable"`
	LossUnrealized  Amount   `json:"LossUnrealized"`
	SharesTotal     Amount   `json:"SharesTotal"`
	ShareMPTID      string   `json:"ShareMPTID"`
}

type rawLoanBroker struct {
	Index                string `json:"index"`
	Owner                string `json:"Owner"`
	VaultID              string `json:"VaultID"`
	DebtTotal            Amount `json:"DebtTotal"`
	DebtMaximum          Amount `json:"DebtMaximum"`
	CoverAvailable       Amount `json:"CoverAvailable"`
	CoverRateMinimum     uint32 `json:"CoverRateMinimum"`
	CoverRateLiquidation uint32 `json:"CoverRateLiquidation"`
	ManagementFeeRate    uint32 `json:"ManagementFeeRate"`
	OwnerCount           uint32 `json:"OwnerCount"`
}

type rawLoan struct {
	Index                    string `json:"index"`
	LoanBrokerID             string `json:"LoanBrokerID"`
	Borrower                 string `json:"Borrower"`
	PrincipalOutstanding     Amount `json:"PrincipalOutstanding"`
	InterestOutstanding      Amount `json:"InterestOutstanding"`
	ManagementFeeOutstanding Amount `json:"ManagementFeeOutstanding"`
	TotalValueOutstanding    Amount `json:"TotalValueOutstanding"`
	NextPaymentDueDate       uint32 `json:"NextPaymentDueDate"`
	GracePeriod              uint32 `json:"GracePeriod"`
	Flags                    uint32 `json:"Flags"`
}

// RippleTime converts ledger-epoch seconds to UTC. Zero stays the zero time.
func RippleTime(secs uint32) time.Time {
	if secs == 0 {
		return time.Time{}
	}
	return time.Unix(int64(secs)+domain.RippleEpochOffset, 0).UTC()
}

// ToRippleTime converts t to ledger-epoch seconds.
func ToRippleTime(t time.Time) uint32 {
	s := t.Unix() - domain.RippleEpochOffset
	if s < 0 {
		return 0
	}
	return uint32(s)
}

func decodeNode(res ledgerEntryResult, dst any) error {
	if len(res.Node) == 0 {
		return fmt.Errorf("ledger_entry result has no node")
	}
	dec := json.NewDecoder(bytes.NewReader(res.Node))
	return dec.Decode(dst)
}

// ParseVault decodes and validates a Vault ledger_entry result.
func ParseVault(raw json.RawMessage) (domain.Vault, error) {
	var res ledgerEntryResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return domain.Vault{}, domain.Invalid("xrpl: vault result: %v", err)
	}
	var n rawVault
	if err := decodeNode(res, &n); err != nil {
		return domain.Vault{}, domain.Invalid("xrpl: vault node: %v", err)
	}
	v := domain.Vault{
		ID:              firstNonEmpty(n.Index, res.Index),
		Owner:           n.Owner,
		Account:         n.Account,
		AssetKind:       assetKind(n.Asset.Currency, n.Asset.MPTID),
		ShareMPTID:      n.ShareMPTID,
		AssetsTotal:     int64(n.AssetsTotal),
		AssetsAvailable: int64(n.AssetsAvailable),
		LossUnrealized:  int64(n.LossUnrealized),
		SharesTotal:     int64(n.SharesTotal),
		LedgerIndex:     res.LedgerIndex,
	}
	if err := v.Validate(); err != nil {
		return domain.Vault{}, fmt.Errorf("xrpl: %w", err)
	}
	return v, nil
}

// ParseLoanBroker decodes and validates a LoanBroker ledger_entry result.
// Rates arrive in basis points.
func ParseLoanBroker(raw json.RawMessage) (domain.LoanBroker, error) {
	var res ledgerEntryResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return domain.LoanBroker{}, domain.Invalid("xrpl: loan broker result: %v", err)
	}
	var n rawLoanBroker
	if err := decodeNode(res, &n); err != nil {
		return domain.LoanBroker{}, domain.Invalid("xrpl: loan broker node: %v", err)
	}
	b := domain.LoanBroker{
		ID:                   firstNonEmpty(n.Index, res.Index),
		Owner:                n.Owner,
		VaultID:              n.VaultID,
		DebtTotal:            int64(n.DebtTotal),
		DebtMaximum:          int64(n.DebtMaximum),
		CoverAvailable:       int64(n.CoverAvailable),
		CoverRateMinimum:     domain.RateFromBasisPoints(n.CoverRateMinimum),
		CoverRateLiquidation: domain.RateFromBasisPoints(n.CoverRateLiquidation),
		ManagementFeeRate:    domain.RateFromBasisPoints(n.ManagementFeeRate),
		OwnerCount:           n.OwnerCount,
		LedgerIndex:          res.LedgerIndex,
	}
	if err := b.Validate(); err != nil {
		return domain.LoanBroker{}, fmt.Errorf("xrpl: %w", err)
	}
	return b, nil
}

// ParseLoan decodes and validates a Loan ledger_entry result.
func ParseLoan(raw json.RawMessage) (domain.Loan, error) {
	var res ledgerEntryResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return domain.Loan{}, domain.Invalid("xrpl: loan result: %v", err)
	}
	var n rawLoan
	if err := decodeNode(res, &n); err != nil {
		return domain.Loan{}, domain.Invalid("xrpl: loan node: %v", err)
	}
	l := domain.Loan{
		ID:                       firstNonEmpty(n.Index, res.Index),
		BrokerID:                 n.LoanBrokerID,
		Borrower:                 n.Borrower,
		PrincipalOutstanding:     int64(n.PrincipalOutstanding),
		InterestOutstanding:      int64(n.InterestOutstanding),
		ManagementFeeOutstanding: int64(n.ManagementFeeOutstanding),
		TotalValueOutstanding:    int64(n.TotalValueOutstanding),
		NextPaymentDue:           RippleTime(n.NextPaymentDueDate),
		GracePeriod:              n.GracePeriod,
		Flags:                    n.Flags,
		LedgerIndex:              res.LedgerIndex,
	}
	if err := l.Validate(); err != nil {
		return domain.Loan{}, fmt.Errorf("xrpl: %w", err)
	}
	return l, nil
}

func assetKind(currency, mptID string) string {
	switch {
	case mptID != "":
		return "MPT"
	case currency == "", currency == "XRP":
		return "XRP"
	default:
		return currency
	}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

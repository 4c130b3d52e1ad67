package domain

import "time"

// DefaultRecord is the persisted log entry for a processed default.
type DefaultRecord struct {
	LoanID         string    `json:"loan_id"`
	TxHash         string    `json:"tx_hash"`
	BrokerID       string    `json:"loan_broker_id"`
	VaultID        string    `json:"vault_id"`
	Borrower       string    `json:"borrower"`
	DefaultAmount  int64     `json:"default_amount"`
	DefaultCovered int64     `json:"default_covered"`
	VaultLoss      int64     `json:"vault_loss"`
	LedgerIndex    uint64    `json:"ledger_index"`
	ClaimsApproved int       `json:"claims_approved"`
	DetectedAt     time.Time `json:"detected_at"`
}

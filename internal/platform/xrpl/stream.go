package xrpl

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/ward/internal/domain"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = 60 * time.Second
)

// StreamConfig configures the transaction stream.
type StreamConfig struct {
	WSURL string
	// Accounts narrows the subscription to these accounts. Empty subscribes
	// to every validated transaction.
	Accounts []string
}

// Stream watches validated ledger transactions for loan defaults and emits
// one DefaultEvent per defaulting LoanManage transaction. The stream has no
// redelivery, so events carry no Ack or Nak; the processed-defaults table
// covers replays after a reconnect.
type Stream struct {
	cfg    StreamConfig
	dialer websocket.Dialer
	now    func() time.Time
	logger *slog.Logger
}

// NewStream creates a Stream.
func NewStream(cfg StreamConfig, logger *slog.Logger) *Stream {
	return &Stream{
		cfg:    cfg,
		dialer: websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		now:    time.Now,
		logger: logger,
	}
}

// Run connects, subscribes and forwards defaults to out until ctx ends,
// reconnecting with exponential backoff. It returns nil on cancellation.
func (s *Stream) Run(ctx context.Context, out chan<- domain.DefaultEvent) error {
	delay := reconnectDelay
	for {
		connected, err := s.session(ctx, out)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			delay = reconnectDelay
		}
		s.logger.WarnContext(ctx, "xrpl: stream disconnected",
			slog.String("error", errString(err)),
			slog.Duration("retry_in", delay),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		delay = min(delay*2, maxReconnectDelay)
	}
}

// session runs one connection until it fails. connected reports whether the
// subscription was established.
func (s *Stream) session(ctx context.Context, out chan<- domain.DefaultEvent) (connected bool, err error) {
	conn, _, err := s.dialer.DialContext(ctx, s.cfg.WSURL, nil)
	if err != nil {
		return false, fmt.Errorf("xrpl/stream: dial: %w", err)
	}
	defer conn.Close()

	sub := map[string]any{"id": 1, "command": "subscribe"}
	if len(s.cfg.Accounts) > 0 {
		sub["accounts"] = s.cfg.Accounts
	} else {
		sub["streams"] = []string{"transactions"}
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(sub); err != nil {
		return false, fmt.Errorf("xrpl/stream: subscribe: %w", err)
	}
	s.logger.InfoContext(ctx, "xrpl: stream subscribed", slog.String("url", s.cfg.WSURL))

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				_ = conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("xrpl/stream: read: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		ev, ok := ParseDefault(msg, s.now())
		if !ok {
			continue
		}
		s.logger.InfoContext(ctx, "xrpl: default detected",
			slog.String("loan_id", ev.LoanID),
			slog.String("tx_hash", ev.TxHash),
			slog.Uint64("ledger_index", ev.LedgerIndex),
		)
		select {
		case out <- ev:
		case <-ctx.Done():
			return true, ctx.Err()
		}
	}
}

type streamTx struct {
	TransactionType string `json:"TransactionType"`
	Flags           uint32 `json:"Flags"`
	LoanID          string `json:"LoanID"`
	Hash            string `json:"hash"`
}

type affectedNode struct {
	LedgerEntryType string `json:"LedgerEntryType"`
	LedgerIndex     string `json:"LedgerIndex"`
	FinalFields     struct {
		LoanBrokerID string `json:"LoanBrokerID"`
	} `json:"FinalFields"`
}

type txMeta struct {
	TransactionResult string `json:"TransactionResult"`
	AffectedNodes     []struct {
		ModifiedNode *affectedNode `json:"ModifiedNode"`
	} `json:"AffectedNodes"`
}

type streamMessage struct {
	Type        string    `json:"type"`
	Validated   bool      `json:"validated"`
	LedgerIndex uint64    `json:"ledger_index"`
	Hash        string    `json:"hash"`
	Transaction *streamTx `json:"transaction"`
	TxJSON      *streamTx `json:"tx_json"`
	Meta        txMeta    `json:"meta"`
}

// txResponse is the result of the tx method: API v1 inlines the
// transaction fields, v2 nests them under tx_json.
type txResponse struct {
	streamTx
	Validated   bool      `json:"validated"`
	LedgerIndex uint64    `json:"ledger_index"`
	TxJSON      *streamTx `json:"tx_json"`
	Meta        txMeta    `json:"meta"`
}

// ParseDefault recognises a validated, successful LoanManage transaction
// carrying the default flag. Both API v1 ("transaction") and v2
// ("tx_json" with a top-level hash) message shapes are accepted.
func ParseDefault(raw []byte, now time.Time) (domain.DefaultEvent, bool) {
	var m streamMessage
	if err := json.Unmarshal(raw, &m); err != nil || m.Type != "transaction" || !m.Validated {
		return domain.DefaultEvent{}, false
	}
	tx := m.Transaction
	if tx == nil {
		tx = m.TxJSON
	}
	return defaultFrom(tx, m.Hash, m.LedgerIndex, m.Meta, now)
}

// ParseDefaultTx is ParseDefault for a tx method result.
func ParseDefaultTx(raw []byte, now time.Time) (domain.DefaultEvent, bool) {
	var r txResponse
	if err := json.Unmarshal(raw, &r); err != nil || !r.Validated {
		return domain.DefaultEvent{}, false
	}
	tx := r.TxJSON
	if tx == nil {
		tx = &r.streamTx
	}
	return defaultFrom(tx, r.Hash, r.LedgerIndex, r.Meta, now)
}

func defaultFrom(tx *streamTx, hash string, ledgerIndex uint64, meta txMeta, now time.Time) (domain.DefaultEvent, bool) {
	if tx == nil || tx.TransactionType != "LoanManage" || tx.Flags&domain.TxFlagLoanDefault == 0 {
		return domain.DefaultEvent{}, false
	}
	if meta.TransactionResult != "" && meta.TransactionResult != "tesSUCCESS" {
		return domain.DefaultEvent{}, false
	}

	ev := domain.DefaultEvent{
		LoanID:      tx.LoanID,
		TxHash:      firstNonEmpty(tx.Hash, hash),
		LedgerIndex: ledgerIndex,
		DetectedAt:  now.UTC(),
	}
	for _, n := range meta.AffectedNodes {
		if n.ModifiedNode != nil && n.ModifiedNode.LedgerEntryType == "Loan" {
			ev.LoanBrokerID = n.ModifiedNode.FinalFields.LoanBrokerID
			break
		}
	}
	if ev.LoanID == "" || ev.TxHash == "" {
		return domain.DefaultEvent{}, false
	}
	return ev, true
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

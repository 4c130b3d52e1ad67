// Package xrpl talks to an XRP Ledger node: typed ledger_entry reads over
// JSON-RPC, the validated transaction stream over websocket, and instruction
// submission through a signing gateway.
package xrpl

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/ward/internal/domain"
)

// ClientConfig configures the JSON-RPC reader.
type ClientConfig struct {
	RPCURL  string
	Timeout time.Duration
	// LedgerIndex selects the ledger to read; "validated" when empty.
	LedgerIndex string
}

// Client reads typed ledger objects over JSON-RPC. It implements
// domain.LedgerReader.
type Client struct {
	rpcURL      string
	ledgerIndex string
	httpClient  *http.Client
	logger      *slog.Logger
}

var (
	_ domain.LedgerReader    = (*Client)(nil)
	_ domain.DefaultVerifier = (*Client)(nil)
)

// NewClient creates a JSON-RPC client.
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.LedgerIndex == "" {
		cfg.LedgerIndex = "validated"
	}
	return &Client{
		rpcURL:      cfg.RPCURL,
		ledgerIndex: cfg.LedgerIndex,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		logger:      logger,
	}
}

type rpcRequest struct {
	Method string `json:"method"`
	Params []any  `json:"params"`
}

type rpcEnvelope struct {
	Result json.RawMessage `json:"result"`
}

type rpcStatus struct {
	Status       string `json:"status"`
	Error        string `json:"error"`
	ErrorMessage string `json:"error_message"`
}

// Vault reads a Vault object.
func (c *Client) Vault(ctx context.Context, id string) (domain.Vault, error) {
	raw, err := c.ledgerEntry(ctx, "vault", id)
	if err != nil {
		return domain.Vault{}, fmt.Errorf("xrpl: vault %s: %w", id, err)
	}
	return ParseVault(raw)
}

// LoanBroker reads a LoanBroker object.
func (c *Client) LoanBroker(ctx context.Context, id string) (domain.LoanBroker, error) {
	raw, err := c.ledgerEntry(ctx, "loan_broker", id)
	if err != nil {
		return domain.LoanBroker{}, fmt.Errorf("xrpl: loan broker %s: %w", id, err)
	}
	return ParseLoanBroker(raw)
}

// Loan reads a Loan object.
func (c *Client) Loan(ctx context.Context, id string) (domain.Loan, error) {
	raw, err := c.ledgerEntry(ctx, "loan", id)
	if err != nil {
		return domain.Loan{}, fmt.Errorf("xrpl: loan %s: %w", id, err)
	}
	return ParseLoan(raw)
}

// DefaultTx looks up a transaction by hash and returns it as a DefaultEvent
// when it is a validated, successful loan default. Anything else is
// reported as invalid input.
func (c *Client) DefaultTx(ctx context.Context, hash string) (domain.DefaultEvent, error) {
	if hash == "" {
		return domain.DefaultEvent{}, domain.Invalid("empty transaction hash")
	}
	raw, err := c.call(ctx, "tx", map[string]any{"transaction": hash, "binary": false})
	if err != nil {
		return domain.DefaultEvent{}, fmt.Errorf("xrpl: tx %s: %w", hash, err)
	}
	ev, ok := ParseDefaultTx(raw, time.Now())
	if !ok {
		return domain.DefaultEvent{}, domain.Invalid("xrpl: transaction %s is not a validated loan default", hash)
	}
	return ev, nil
}

// Ping calls server_info, for health checks.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.call(ctx, "server_info", map[string]any{}); err != nil {
		return fmt.Errorf("xrpl: server_info: %w", err)
	}
	return nil
}

func (c *Client) ledgerEntry(ctx context.Context, field, id string) (json.RawMessage, error) {
	if id == "" {
		return nil, domain.Invalid("empty %s id", field)
	}
	return c.call(ctx, "ledger_entry", map[string]any{
		field:          id,
		"ledger_index": c.ledgerIndex,
	})
}

// call performs one JSON-RPC request and returns the result object once the
// node reports success.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{Method: method, Params: []any{params}})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportErr(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportErr(err)
	}
	c.logger.DebugContext(ctx, "xrpl: rpc",
		slog.String("method", method),
		slog.Int("status", resp.StatusCode),
		slog.Duration("elapsed", time.Since(start)),
	)
	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}

	var env rpcEnvelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, domain.Invalid("decode %s response: %v", method, err)
	}
	var st rpcStatus
	if err := json.Unmarshal(env.Result, &st); err != nil {
		return nil, domain.Invalid("decode %s status: %v", method, err)
	}
	if st.Status != "success" {
		return nil, rpcError(st)
	}
	return env.Result, nil
}

// rpcError maps a node error code to the domain taxonomy.
func rpcError(st rpcStatus) error {
	msg := st.Error
	if st.ErrorMessage != "" {
		msg += ": " + st.ErrorMessage
	}
	switch st.Error {
	case "entryNotFound", "objectNotFound", "actNotFound", "txnNotFound", "lgrNotFound":
		return domain.Wrapf(domain.ErrNotFound, "%s", msg)
	case "invalidParams", "malformedRequest", "unknownCmd", "malformedAddress":
		return domain.Invalid("%s", msg)
	case "tooBusy", "noNetwork", "noCurrent", "noClosed", "amendmentBlocked", "slowDown":
		return domain.Wrapf(domain.ErrTimeout, "%s", msg)
	default:
		return fmt.Errorf("rpc error %s", msg)
	}
}

// transportErr reports unreachable and slow nodes alike as domain.ErrTimeout.
func transportErr(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrTimeout, err)
}

func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	bodyStr := string(body)
	switch {
	case statusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case statusCode == http.StatusTooManyRequests, statusCode >= 500:
		return fmt.Errorf("%w: HTTP %d: %s", domain.ErrTimeout, statusCode, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}

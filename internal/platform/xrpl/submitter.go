package xrpl

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/ward/internal/crypto"
	"github.com/alanyoungcy/ward/internal/domain"
)

// SubmitterConfig configures instruction submission.
type SubmitterConfig struct {
	// GatewayURL is the signing gateway root; instructions go to /submit.
	GatewayURL string
	// Account is the pool account that owns escrows.
	Account string
	Timeout time.Duration
	// DryRun logs and acknowledges instructions without sending them.
	DryRun bool
}

// Submitter implements domain.LedgerWriter. It renders an instruction as
// ledger transaction JSON, signs it with the pool key and posts it to a
// gateway that serialises, submits and waits for validation.
type Submitter struct {
	cfg        SubmitterConfig
	signer     *crypto.Signer
	auth       *crypto.HMACAuth
	httpClient *http.Client
	dryRunSeq  atomic.Uint32
	logger     *slog.Logger
}

var _ domain.LedgerWriter = (*Submitter)(nil)

// NewSubmitter creates a Submitter. signer may be nil only in dry-run mode;
// auth may be nil when the gateway needs no HMAC headers.
func NewSubmitter(cfg SubmitterConfig, signer *crypto.Signer, auth *crypto.HMACAuth, logger *slog.Logger) (*Submitter, error) {
	if !cfg.DryRun && signer == nil {
		return nil, fmt.Errorf("xrpl/submitter: a signer is required unless dry-run")
	}
	if !cfg.DryRun && cfg.GatewayURL == "" {
		return nil, fmt.Errorf("xrpl/submitter: gateway url is required unless dry-run")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	s := &Submitter{
		cfg:        cfg,
		signer:     signer,
		auth:       auth,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
	s.dryRunSeq.Store(1000)
	return s, nil
}

type submitRequest struct {
	TxJSON    map[string]any   `json:"tx_json"`
	Signature crypto.Signature `json:"signature"`
}

type submitResponse struct {
	Hash         string `json:"hash"`
	Validated    bool   `json:"validated"`
	EngineResult string `json:"engine_result"`
	Message      string `json:"engine_result_message"`
	Sequence     uint32 `json:"sequence"`
}

// TxJSON renders in as ledger transaction fields.
func TxJSON(account string, in domain.Instruction) (map[string]any, error) {
	tx := map[string]any{
		"TransactionType": string(in.Kind),
		"Account":         account,
	}
	switch in.Kind {
	case domain.InstructionEscrowCreate:
		if in.Destination == "" || in.Amount <= 0 {
			return nil, domain.Invalid("escrow create needs destination and positive amount")
		}
		tx["Destination"] = in.Destination
		tx["Amount"] = strconv.FormatInt(in.Amount, 10)
		tx["FinishAfter"] = ToRippleTime(in.FinishAfter)
		if !in.CancelAfter.IsZero() {
			tx["CancelAfter"] = ToRippleTime(in.CancelAfter)
		}
	case domain.InstructionEscrowFinish, domain.InstructionEscrowCancel:
		owner := in.Owner
		if owner == "" {
			owner = account
		}
		tx["Owner"] = owner
		tx["OfferSequence"] = in.Sequence
	default:
		return nil, domain.Invalid("unknown instruction kind %q", in.Kind)
	}
	if in.Memo != "" {
		tx["Memos"] = []any{map[string]any{"Memo": map[string]any{
			"MemoData": strings.ToUpper(hex.EncodeToString([]byte(in.Memo))),
		}}}
	}
	return tx, nil
}

// Submit signs and submits in, returning once the gateway reports a final
// result.
func (s *Submitter) Submit(ctx context.Context, in domain.Instruction) (domain.SubmitResult, error) {
	tx, err := TxJSON(s.cfg.Account, in)
	if err != nil {
		return domain.SubmitResult{}, fmt.Errorf("xrpl/submitter: %w", err)
	}
	payload, err := json.Marshal(tx)
	if err != nil {
		return domain.SubmitResult{}, fmt.Errorf("xrpl/submitter: marshal tx: %w", err)
	}

	if s.cfg.DryRun {
		return s.dryRun(ctx, in, payload), nil
	}

	sig, err := s.signer.SignInstruction(payload)
	if err != nil {
		return domain.SubmitResult{}, fmt.Errorf("xrpl/submitter: %w: %w", domain.ErrSigningFailed, err)
	}
	body, err := json.Marshal(submitRequest{TxJSON: tx, Signature: sig})
	if err != nil {
		return domain.SubmitResult{}, fmt.Errorf("xrpl/submitter: marshal request: %w", err)
	}

	const path = "/submit"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(s.cfg.GatewayURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return domain.SubmitResult{}, fmt.Errorf("xrpl/submitter: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.auth != nil {
		for k, v := range s.auth.Headers(http.MethodPost, path, string(body)) {
			req.Header.Set(k, v)
		}
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return domain.SubmitResult{}, fmt.Errorf("xrpl/submitter: %s: %w", in.Kind, transportErr(err))
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.SubmitResult{}, fmt.Errorf("xrpl/submitter: read response: %w", transportErr(err))
	}
	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return domain.SubmitResult{}, fmt.Errorf("xrpl/submitter: %s: %w", in.Kind, err)
	}

	var sr submitResponse
	if err := json.Unmarshal(respBody, &sr); err != nil {
		return domain.SubmitResult{}, fmt.Errorf("xrpl/submitter: decode response: %w", err)
	}
	result := domain.SubmitResult{
		Hash:       sr.Hash,
		Validated:  sr.Validated,
		ResultCode: sr.EngineResult,
		Sequence:   sr.Sequence,
	}
	if err := ResultError(sr.EngineResult, sr.Message); err != nil {
		s.logger.WarnContext(ctx, "xrpl: instruction rejected",
			slog.String("kind", string(in.Kind)),
			slog.String("result", sr.EngineResult),
			slog.String("hash", sr.Hash),
		)
		return result, fmt.Errorf("xrpl/submitter: %s: %w", in.Kind, err)
	}
	s.logger.InfoContext(ctx, "xrpl: instruction validated",
		slog.String("kind", string(in.Kind)),
		slog.String("hash", sr.Hash),
		slog.Uint64("sequence", uint64(sr.Sequence)),
	)
	return result, nil
}

func (s *Submitter) dryRun(ctx context.Context, in domain.Instruction, payload []byte) domain.SubmitResult {
	seq := in.Sequence
	if in.Kind == domain.InstructionEscrowCreate {
		seq = s.dryRunSeq.Add(1)
	}
	res := domain.SubmitResult{
		Hash:       strings.ToUpper(hex.EncodeToString(crypto.Digest(payload))),
		Validated:  true,
		ResultCode: "tesSUCCESS",
		Sequence:   seq,
	}
	s.logger.InfoContext(ctx, "xrpl: dry-run instruction",
		slog.String("kind", string(in.Kind)),
		slog.String("tx", string(payload)),
		slog.String("hash", res.Hash),
	)
	return res
}

// ResultError maps an engine result code to a typed error; tesSUCCESS maps
// to nil.
func ResultError(code, message string) error {
	detail := code
	if message != "" {
		detail += ": " + message
	}
	switch {
	case code == "tesSUCCESS":
		return nil
	case code == "tecUNFUNDED", code == "tecUNFUNDED_PAYMENT", code == "tecINSUFFICIENT_RESERVE",
		code == "tecINSUF_RESERVE_LINE", code == "tecNO_DST_INSUF_XRP", code == "terINSUF_FEE_B":
		return domain.Wrapf(domain.ErrInsufficientFunds, "%s", detail)
	case code == "tefPAST_SEQ", code == "terPRE_SEQ", code == "temBAD_SEQUENCE", code == "tefALREADY":
		return domain.Wrapf(domain.ErrBadSequence, "%s", detail)
	case code == "tefMAX_LEDGER", code == "tecEXPIRED":
		return domain.Wrapf(domain.ErrInstructionExpired, "%s", detail)
	case strings.HasPrefix(code, "ter"), code == "":
		return domain.Wrapf(domain.ErrTimeout, "result %q not final", detail)
	default:
		return domain.Wrapf(domain.ErrLedgerRejected, "%s", detail)
	}
}

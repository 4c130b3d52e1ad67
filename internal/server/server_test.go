package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ward/internal/capital"
	"github.com/alanyoungcy/ward/internal/domain"
	"github.com/alanyoungcy/ward/internal/metrics"
	"github.com/alanyoungcy/ward/internal/platform/xrpl"
	"github.com/alanyoungcy/ward/internal/server/handler"
	"github.com/alanyoungcy/ward/internal/service"
	"github.com/alanyoungcy/ward/internal/store/memory"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type staticLedger struct{}

func (staticLedger) Vault(_ context.Context, id string) (domain.Vault, error) {
	if id != "V1" {
		return domain.Vault{}, domain.Wrapf(domain.ErrNotFound, "vault %s", id)
	}
	return domain.Vault{
		ID:              "V1",
		AssetsTotal:     1_000_000_000_000,
		AssetsAvailable: 800_000_000_000,
		SharesTotal:     1_000_000_000_000,
	}, nil
}

func (staticLedger) LoanBroker(_ context.Context, id string) (domain.LoanBroker, error) {
	if id != "B1" {
		return domain.LoanBroker{}, domain.Wrapf(domain.ErrNotFound, "loan broker %s", id)
	}
	return domain.LoanBroker{
		ID:                   "B1",
		VaultID:              "V1",
		DebtTotal:            1_000_000_000,
		CoverAvailable:       60_000_000,
		CoverRateMinimum:     decimal.RequireFromString("0.1"),
		CoverRateLiquidation: decimal.RequireFromString("0.5"),
	}, nil
}

func (staticLedger) Loan(_ context.Context, id string) (domain.Loan, error) {
	if id != "L1" {
		return domain.Loan{}, domain.Wrapf(domain.ErrNotFound, "loan %s", id)
	}
	return domain.Loan{
		ID:                   "L1",
		BrokerID:             "B1",
		Borrower:             "rBorrower",
		PrincipalOutstanding: 100_000_000,
		InterestOutstanding:  5_000_000,
		Flags:                domain.LoanFlagDefault,
	}, nil
}

// ledgerDefaults maps the default transactions the static ledger knows to
// the loan each one defaulted.
var ledgerDefaults = map[string]string{
	"DEFAULTTX": "L1",
	"TX1":       "L1",
	"TXNOPE":    "NOPE",
}

func (staticLedger) DefaultTx(_ context.Context, hash string) (domain.DefaultEvent, error) {
	loanID, ok := ledgerDefaults[hash]
	if !ok {
		return domain.DefaultEvent{}, domain.Wrapf(domain.ErrNotFound, "transaction %s", hash)
	}
	return domain.DefaultEvent{LoanID: loanID, TxHash: hash, LedgerIndex: 10, LoanBrokerID: "B1"}, nil
}

type testAPI struct {
	h     http.Handler
	clock *clock
	repo  *memory.Repository
}

func newTestAPI(t *testing.T, apiKey string) *testAPI {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	now := service.Clock(c.Now)
	repo := memory.New().WithClock(c.Now)
	m := metrics.New(prometheus.NewRegistry())
	ledger := capital.New(decimal.NewFromInt(2))
	locker := service.NewLocker(nil, service.LockConfig{}, logger)
	events := service.NewEventPublisher(nil, nil, logger)
	snapshots := service.NewSnapshotService(staticLedger{}, nil, time.Second, m, logger)

	submitter, err := xrpl.NewSubmitter(xrpl.SubmitterConfig{Account: "rPool", DryRun: true}, nil, nil, logger)
	require.NoError(t, err)

	validator := service.NewClaimValidator(repo, ledger, locker, events, m, now, logger)
	escrows := service.NewEscrowController(repo, submitter, ledger, locker, events, m,
		service.EscrowConfig{OwnerAccount: "rPool"}, now, logger)
	pools := service.NewPoolService(repo, ledger, locker, events, m, now, logger)
	policies := service.NewPolicyService(repo, snapshots, ledger, locker, events, m, service.PolicyConfig{}, now, logger)
	intake := service.NewIntake(repo, snapshots, validator, escrows, events, m, service.IntakeConfig{}, now, logger)

	h := Routes(Config{APIKey: apiKey}, Handlers{
		Health:   handler.NewHealthHandler(map[string]handler.HealthCheck{"store": func(context.Context) error { return nil }}, logger),
		Status:   handler.NewStatusHandler("test", c.Now()),
		Premium:  handler.NewPremiumHandler(policies, logger),
		Pools:    handler.NewPoolHandler(pools, logger),
		Policies: handler.NewPolicyHandler(policies, logger),
		Claims:   handler.NewClaimHandler(validator, snapshots, staticLedger{}, intake, repo.Claims(), logger),
		Escrows:  handler.NewEscrowHandler(escrows, logger),
		Audit:    handler.NewAuditHandler(repo.Audit(), nil, logger),
		Metrics:  m.Handler(),
	}, nil, nil, logger)
	return &testAPI{h: h, clock: c, repo: repo}
}

func (a *testAPI) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	a.h.ServeHTTP(rec, req)
	if out != nil && rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

func TestAPI_PolicyToSettlement(t *testing.T) {
	api := newTestAPI(t, "")

	var pool domain.Pool
	require.Equal(t, http.StatusCreated, api.do(t, http.MethodPost, "/api/pools",
		map[string]any{"name": "main", "initial_capital": 1_000_000_000}, &pool))

	var quote struct {
		Premium int64  `json:"premium"`
		Tier    string `json:"risk_tier"`
	}
	quoteReq := map[string]any{"vault_id": "V1", "loan_broker_id": "B1", "coverage_amount": 50_000_000, "term_days": 90}
	require.Equal(t, http.StatusOK, api.do(t, http.MethodPost, "/api/premium/quote", quoteReq, &quote))
	require.Positive(t, quote.Premium)

	issueReq := map[string]any{
		"vault_id": "V1", "loan_broker_id": "B1", "coverage_amount": 50_000_000, "term_days": 90,
		"pool_id": pool.ID, "insured_address": "rDepositor", "premium_paid": quote.Premium,
	}
	var issued struct {
		Policy domain.Policy `json:"policy"`
	}
	require.Equal(t, http.StatusCreated, api.do(t, http.MethodPost, "/api/policies", issueReq, &issued))
	assert.Equal(t, domain.PolicyStatusActive, issued.Policy.Status)

	var res service.ValidationResult
	claimReq := map[string]any{"loan_id": "L1", "policy_id": issued.Policy.ID, "tx_hash": "DEFAULTTX"}
	require.Equal(t, http.StatusCreated, api.do(t, http.MethodPost, "/api/claims/validate", claimReq, &res))
	require.True(t, res.Approved, res.Reason)
	assert.Equal(t, int64(50_000_000), res.ClaimPayout)
	claimID := res.Claim.ID

	var again service.ValidationResult
	require.Equal(t, http.StatusOK, api.do(t, http.MethodPost, "/api/claims/validate", claimReq, &again))
	assert.True(t, again.Duplicate)

	var esc domain.Escrow
	require.Equal(t, http.StatusCreated, api.do(t, http.MethodPost, "/api/claims/"+claimID+"/escrow",
		map[string]any{"amount": 50_000_000, "destination": "rDepositor"}, &esc))
	assert.NotEmpty(t, esc.CreateTxHash)

	var errBody map[string]string
	assert.Equal(t, http.StatusConflict, api.do(t, http.MethodPost, "/api/claims/"+claimID+"/escrow/finish", nil, &errBody))
	assert.Equal(t, "state_conflict", errBody["outcome"])

	api.clock.Advance(49 * time.Hour)
	var view domain.EscrowView
	require.Equal(t, http.StatusOK, api.do(t, http.MethodGet, "/api/claims/"+claimID+"/escrow", nil, &view))
	assert.Equal(t, domain.EscrowStatusFinishable, view.Status)

	require.Equal(t, http.StatusOK, api.do(t, http.MethodPost, "/api/claims/"+claimID+"/escrow/finish", nil, nil))

	var claim domain.Claim
	require.Equal(t, http.StatusOK, api.do(t, http.MethodGet, "/api/claims/"+claimID, nil, &claim))
	assert.Equal(t, domain.ClaimStatusSettled, claim.Status)

	var pm domain.PoolMetrics
	require.Equal(t, http.StatusOK, api.do(t, http.MethodGet, "/api/pools/"+pool.ID, nil, &pm))
	assert.Equal(t, int64(50_000_000), pm.TotalClaimsPaid)
}

func TestAPI_PoolMutations(t *testing.T) {
	api := newTestAPI(t, "")
	var pool domain.Pool
	require.Equal(t, http.StatusCreated, api.do(t, http.MethodPost, "/api/pools",
		map[string]any{"name": "p", "initial_capital": 1_000}, &pool))

	var pm domain.PoolMetrics
	require.Equal(t, http.StatusOK, api.do(t, http.MethodPost, "/api/pools/"+pool.ID+"/exposure", map[string]any{"amount": 400}, &pm))
	assert.Equal(t, int64(400), pm.TotalExposure)

	assert.Equal(t, http.StatusConflict, api.do(t, http.MethodPost, "/api/pools/"+pool.ID+"/exposure", map[string]any{"amount": 200}, nil))
	assert.Equal(t, http.StatusConflict, api.do(t, http.MethodPost, "/api/pools/"+pool.ID+"/withdraw", map[string]any{"amount": 300}, nil))
	assert.Equal(t, http.StatusBadRequest, api.do(t, http.MethodPost, "/api/pools/"+pool.ID+"/deposit", map[string]any{"amount": -1}, nil))
	assert.Equal(t, http.StatusBadRequest, api.do(t, http.MethodPost, "/api/pools/"+pool.ID+"/deposit", map[string]any{"amt": 1}, nil))
	assert.Equal(t, http.StatusNotFound, api.do(t, http.MethodPost, "/api/pools/missing/deposit", map[string]any{"amount": 1}, nil))

	require.Equal(t, http.StatusOK, api.do(t, http.MethodDelete, "/api/pools/"+pool.ID+"/exposure", map[string]any{"amount": 400}, &pm))
	assert.True(t, pm.Unbounded)

	var audit struct {
		Entries []domain.AuditEntry `json:"entries"`
	}
	require.Equal(t, http.StatusOK, api.do(t, http.MethodGet, "/api/audit?limit=2", nil, &audit))
	require.Len(t, audit.Entries, 2)
	assert.Equal(t, "pool_remove_exposure", audit.Entries[0].Event)
}

func TestAPI_SubmitDefault(t *testing.T) {
	api := newTestAPI(t, "")
	var res service.IntakeResult
	ev := map[string]any{"loan_id": "L1", "tx_hash": "TX1", "ledger_index": 10}
	require.Equal(t, http.StatusOK, api.do(t, http.MethodPost, "/api/defaults", ev, &res))
	assert.Equal(t, service.IntakeProcessed, res.Result)

	require.Equal(t, http.StatusOK, api.do(t, http.MethodPost, "/api/defaults", ev, &res))
	assert.Contains(t, []string{service.IntakeDuplicate, service.IntakeReplay}, res.Result)

	assert.Equal(t, http.StatusNotFound, api.do(t, http.MethodPost, "/api/defaults",
		map[string]any{"loan_id": "NOPE", "tx_hash": "TX2"}, nil))
	assert.Equal(t, http.StatusNotFound, api.do(t, http.MethodPost, "/api/defaults",
		map[string]any{"loan_id": "NOPE", "tx_hash": "TXNOPE"}, nil))
	assert.Equal(t, http.StatusBadRequest, api.do(t, http.MethodPost, "/api/defaults",
		map[string]any{"loan_id": "L2", "tx_hash": "TX1"}, nil))
}

// issuePolicy funds a pool and issues a 50M policy on V1.
func (a *testAPI) issuePolicy(t *testing.T) domain.Policy {
	t.Helper()
	var pool domain.Pool
	require.Equal(t, http.StatusCreated, a.do(t, http.MethodPost, "/api/pools",
		map[string]any{"name": "main", "initial_capital": 1_000_000_000}, &pool))
	var issued struct {
		Policy domain.Policy `json:"policy"`
	}
	require.Equal(t, http.StatusCreated, a.do(t, http.MethodPost, "/api/policies", map[string]any{
		"vault_id": "V1", "loan_broker_id": "B1", "coverage_amount": 50_000_000, "term_days": 90,
		"pool_id": pool.ID, "insured_address": "rDepositor", "premium_paid": 5_000_000,
	}, &issued))
	return issued.Policy
}

func TestAPI_ValidateClaimUsesLedgerState(t *testing.T) {
	api := newTestAPI(t, "")
	policy := api.issuePolicy(t)

	forged := map[string]any{
		"loan_id": "L1", "policy_id": policy.ID, "tx_hash": "DEFAULTTX",
		"loan": map[string]any{"loan_id": "L1", "principal_outstanding": 900_000_000},
	}
	assert.Equal(t, http.StatusBadRequest, api.do(t, http.MethodPost, "/api/claims/validate", forged, nil))

	retyped := map[string]any{"loan_id": "L1", "policy_id": policy.ID, "tx_hash": "DEFAULTTX-retyped"}
	assert.Equal(t, http.StatusNotFound, api.do(t, http.MethodPost, "/api/claims/validate", retyped, nil))

	otherLoan := map[string]any{"loan_id": "L1", "policy_id": policy.ID, "tx_hash": "TXNOPE"}
	assert.Equal(t, http.StatusBadRequest, api.do(t, http.MethodPost, "/api/claims/validate", otherLoan, nil))

	var res service.ValidationResult
	req := map[string]any{"loan_id": "L1", "policy_id": policy.ID, "tx_hash": "DEFAULTTX"}
	require.Equal(t, http.StatusCreated, api.do(t, http.MethodPost, "/api/claims/validate", req, &res))
	require.True(t, res.Approved, res.Reason)
	assert.Equal(t, int64(55_000_000), res.Waterfall.VaultLoss)

	// A second known default hash for the same loan cannot raise a second claim.
	var second service.ValidationResult
	req["tx_hash"] = "TX1"
	require.Equal(t, http.StatusOK, api.do(t, http.MethodPost, "/api/claims/validate", req, &second))
	assert.False(t, second.Approved)
	assert.Equal(t, service.ReasonAlreadyClaimed, second.Reason)
	assert.Equal(t, res.Claim.ID, second.Claim.ID)
}

func TestAPI_ValidateClaimWithoutLedger(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := handler.NewClaimHandler(nil, nil, nil, nil, nil, logger)

	body := bytes.NewReader([]byte(`{"loan_id":"L1","policy_id":"POL1","tx_hash":"DEFAULTTX"}`))
	rec := httptest.NewRecorder()
	h.ValidateClaim(rec, httptest.NewRequest(http.MethodPost, "/api/claims/validate", body))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	h.SubmitDefault(rec, httptest.NewRequest(http.MethodPost, "/api/defaults", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAPI_AuthAndPublicRoutes(t *testing.T) {
	api := newTestAPI(t, "secret")

	assert.Equal(t, http.StatusOK, api.do(t, http.MethodGet, "/api/health", nil, nil))
	assert.Equal(t, http.StatusOK, api.do(t, http.MethodGet, "/metrics", nil, nil))
	assert.Equal(t, http.StatusUnauthorized, api.do(t, http.MethodGet, "/api/pools", nil, nil))

	req := httptest.NewRequest(http.MethodGet, "/api/pools", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	api.h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"pools":[]}`, rec.Body.String())
}

func TestAPI_ArchivesDisabled(t *testing.T) {
	api := newTestAPI(t, "")
	assert.Equal(t, http.StatusNotFound, api.do(t, http.MethodGet, "/api/archives?kind=claims", nil, nil))
}

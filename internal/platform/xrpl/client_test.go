package xrpl

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ward/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// rpcServer answers ledger_entry calls from a table keyed by "<field>:<id>".
func rpcServer(t *testing.T, results map[string]string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string           `json:"method"`
			Params []map[string]any `json:"params"`
		}
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.Method != "ledger_entry" {
			_, _ = io.WriteString(w, `{"result":{"status":"success"}}`)
			return
		}
		assert.Equal(t, "validated", req.Params[0]["ledger_index"])
		for _, field := range []string{"vault", "loan_broker", "loan"} {
			if id, ok := req.Params[0][field].(string); ok {
				if body, ok := results[field+":"+id]; ok {
					_, _ = io.WriteString(w, `{"result":`+body+`}`)
					return
				}
			}
		}
		_, _ = io.WriteString(w, `{"result":{"status":"error","error":"entryNotFound","error_message":"Entry not found."}}`)
	}))
}

func TestClient_Vault(t *testing.T) {
	srv := rpcServer(t, map[string]string{
		"vault:V1": `{"status":"success","index":"V1","ledger_index":9001,"node":{
			"index":"V1","Owner":"rOwner","Account":"rVault","Asset":{"currency":"XRP"},
			"AssetsTotal":"1000000000","AssetsAvailable":"400000000",
			"LossUnrealized":"0","SharesTotal":1000000000}}`,
	})
	defer srv.Close()

	c := NewClient(ClientConfig{RPCURL: srv.URL}, discardLogger())
	v, err := c.Vault(context.Background(), "V1")
	require.NoError(t, err)
	assert.Equal(t, domain.Vault{
		ID:              "V1",
		Owner:           "rOwner",
		Account:         "rVault",
		AssetKind:       "XRP",
		AssetsTotal:     1_000_000_000,
		AssetsAvailable: 400_000_000,
		SharesTotal:     1_000_000_000,
		LedgerIndex:     9001,
	}, v)
}

func TestClient_LoanBrokerRates(t *testing.T) {
	srv := rpcServer(t, map[string]string{
		"loan_broker:B1": `{"status":"success","ledger_index":9001,"node":{
			"index":"B1","VaultID":"V1","DebtTotal":"1000000000","DebtMaximum":"0",
			"CoverAvailable":"60000000","CoverRateMinimum":1000,"CoverRateLiquidation":5000,
			"ManagementFeeRate":100,"OwnerCount":3}}`,
	})
	defer srv.Close()

	c := NewClient(ClientConfig{RPCURL: srv.URL}, discardLogger())
	b, err := c.LoanBroker(context.Background(), "B1")
	require.NoError(t, err)
	assert.Equal(t, "V1", b.VaultID)
	assert.True(t, b.CoverRateMinimum.Equal(decimal.RequireFromString("0.1")))
	assert.True(t, b.CoverRateLiquidation.Equal(decimal.RequireFromString("0.5")))
	assert.Equal(t, int64(100_000_000), b.MinimumCoverRequired())
}

func TestClient_LoanDefaulted(t *testing.T) {
	srv := rpcServer(t, map[string]string{
		"loan:L1": `{"status":"success","ledger_index":9002,"node":{
			"index":"L1","LoanBrokerID":"B1","Borrower":"rBorrower",
			"PrincipalOutstanding":"100000000","InterestOutstanding":"5000000",
			"NextPaymentDueDate":800000000,"Flags":65536}}`,
	})
	defer srv.Close()

	c := NewClient(ClientConfig{RPCURL: srv.URL}, discardLogger())
	l, err := c.Loan(context.Background(), "L1")
	require.NoError(t, err)
	assert.True(t, l.IsDefaulted())
	assert.Equal(t, int64(105_000_000), l.PrincipalOutstanding+l.InterestOutstanding)
	assert.Equal(t, time.Date(2025, 5, 8, 6, 13, 20, 0, time.UTC), l.NextPaymentDue)
}

func TestClient_DefaultTx(t *testing.T) {
	results := map[string]string{
		"TXDEF": `{"status":"success","validated":true,"ledger_index":9004,"hash":"TXDEF",
			"TransactionType":"LoanManage","Flags":65536,"LoanID":"L1",
			"meta":{"TransactionResult":"tesSUCCESS","AffectedNodes":[
				{"ModifiedNode":{"LedgerEntryType":"Loan","LedgerIndex":"L1","FinalFields":{"LoanBrokerID":"B1"}}}]}}`,
		"TXPAY": `{"status":"success","validated":true,"ledger_index":9005,"hash":"TXPAY",
			"TransactionType":"Payment","Flags":0,"meta":{"TransactionResult":"tesSUCCESS"}}`,
		"TXOPEN": `{"status":"success","validated":false,"hash":"TXOPEN",
			"TransactionType":"LoanManage","Flags":65536,"LoanID":"L1"}`,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string           `json:"method"`
			Params []map[string]any `json:"params"`
		}
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		assert.Equal(t, "tx", req.Method)
		hash, _ := req.Params[0]["transaction"].(string)
		if body, ok := results[hash]; ok {
			_, _ = io.WriteString(w, `{"result":`+body+`}`)
			return
		}
		_, _ = io.WriteString(w, `{"result":{"status":"error","error":"txnNotFound","error_message":"Transaction not found."}}`)
	}))
	defer srv.Close()
	c := NewClient(ClientConfig{RPCURL: srv.URL}, discardLogger())
	ctx := context.Background()

	ev, err := c.DefaultTx(ctx, "TXDEF")
	require.NoError(t, err)
	assert.Equal(t, "L1", ev.LoanID)
	assert.Equal(t, "TXDEF", ev.TxHash)
	assert.Equal(t, "B1", ev.LoanBrokerID)
	assert.Equal(t, uint64(9004), ev.LedgerIndex)

	_, err = c.DefaultTx(ctx, "TXPAY")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = c.DefaultTx(ctx, "TXOPEN")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = c.DefaultTx(ctx, "TXNONE")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = c.DefaultTx(ctx, "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestClient_Errors(t *testing.T) {
	srv := rpcServer(t, map[string]string{
		"vault:BAD": `{"status":"success","node":{"index":"BAD","AssetsTotal":"1.5"}}`,
		"vault:NEG": `{"status":"success","node":{"index":"NEG","AssetsTotal":"10","AssetsAvailable":"20"}}`,
	})
	defer srv.Close()
	c := NewClient(ClientConfig{RPCURL: srv.URL}, discardLogger())
	ctx := context.Background()

	_, err := c.Vault(ctx, "MISSING")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = c.Vault(ctx, "BAD")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = c.Vault(ctx, "NEG")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = c.Vault(ctx, "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(ClientConfig{RPCURL: srv.URL, Timeout: 50 * time.Millisecond}, discardLogger())
	_, err := c.Loan(context.Background(), "L1")
	assert.ErrorIs(t, err, domain.ErrTimeout)
}

func TestClient_ServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{RPCURL: srv.URL}, discardLogger())
	_, err := c.Loan(context.Background(), "L1")
	assert.ErrorIs(t, err, domain.ErrTimeout)
}

func TestAmount_UnmarshalJSON(t *testing.T) {
	cases := []struct {
		in      string
		want    Amount
		wantErr bool
	}{
		{in: `"123"`, want: 123},
		{in: `456`, want: 456},
		{in: `""`, want: 0},
		{in: `null`, want: 0},
		{in: `"1e6"`, wantErr: true},
		{in: `"12.5"`, wantErr: true},
		{in: `"abc"`, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			var a Amount
			err := json.Unmarshal([]byte(tc.in), &a)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, a)
		})
	}
}

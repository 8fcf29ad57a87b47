package handler_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/etfpool/batch-engine/internal/batch"
	"github.com/etfpool/batch-engine/internal/broker"
	"github.com/etfpool/batch-engine/internal/handler"
	"github.com/etfpool/batch-engine/internal/intent"
	"github.com/etfpool/batch-engine/internal/ledger"
	"github.com/etfpool/batch-engine/internal/limits"
	"github.com/etfpool/batch-engine/internal/model"
	"github.com/etfpool/batch-engine/internal/portfolio"
	"github.com/etfpool/batch-engine/internal/push"
	"github.com/etfpool/batch-engine/internal/scheduler"
	"github.com/etfpool/batch-engine/internal/store"
)

type testServer struct {
	srv    *httptest.Server
	broker *broker.SimBroker
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ms := store.NewMemoryStore()
	bk := broker.NewSimBroker(decimal.NewFromInt(1_000_000))
	hub := push.NewHub()
	go hub.Run()

	lg := ledger.NewService(ms, bk)
	pf := portfolio.NewService(ms)
	bs := batch.NewService(ms, bk, lg, pf, hub, 5*time.Second)
	sched, err := scheduler.New(bs, "14:00", time.Minute)
	require.NoError(t, err)
	lm := limits.NewDailyLimiter(100, decimal.NewFromInt(1_000_000))
	is := intent.NewService(ms, lg, pf, lm, sched, hub)

	r := handler.NewRouter(lg, pf, is, bs, sched, bk, hub)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, broker: bk}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, &buf)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out bytes.Buffer
	_, err = out.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, out.Bytes()
}

func (ts *testServer) createFundedAccount(t *testing.T, owner string, cash int64) model.VirtualAccount {
	t.Helper()
	resp, body := ts.do(t, http.MethodPost, "/api/v1/accounts", map[string]string{
		"owner_id": owner,
		"name":     owner + "'s ETF account",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var a model.VirtualAccount
	require.NoError(t, json.Unmarshal(body, &a))

	resp, body = ts.do(t, http.MethodPost, "/api/v1/accounts/"+a.ID+"/allocate", map[string]any{
		"delta": cash,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &a))
	return a
}

func TestHealthAndStatus(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := ts.do(t, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status map[string]bool
	require.NoError(t, json.Unmarshal(body, &status))
	require.False(t, status["orders_locked"])
	require.True(t, status["broker_connected"])
}

func TestAccountLifecycle(t *testing.T) {
	ts := newTestServer(t)
	a := ts.createFundedAccount(t, "alice", 5000)
	require.True(t, a.AvailableCash.Equal(decimal.NewFromInt(5000)))

	resp, body := ts.do(t, http.MethodGet, "/api/v1/accounts/"+a.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = ts.do(t, http.MethodGet, "/api/v1/accounts/"+a.ID+"/transactions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var txs []model.CashTransaction
	require.NoError(t, json.Unmarshal(body, &txs))
	require.Len(t, txs, 1)
	require.Equal(t, model.TxAdminAllocate, txs[0].Type)

	resp, _ = ts.do(t, http.MethodDelete, "/api/v1/accounts/"+a.ID, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// Deactivated accounts refuse new intentions.
	resp, body = ts.do(t, http.MethodPost, "/api/v1/intentions", intentionBody(a.ID, "alice", "VTI", "BUY", 1, 100))
	require.Equal(t, http.StatusConflict, resp.StatusCode, string(body))
}

func TestAccountNotFound(t *testing.T) {
	ts := newTestServer(t)
	resp, body := ts.do(t, http.MethodGet, "/api/v1/accounts/nope", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	var e map[string]string
	require.NoError(t, json.Unmarshal(body, &e))
	require.Equal(t, "not_found", e["error"])
}

func TestAllocateExceedingBrokerCash(t *testing.T) {
	ts := newTestServer(t)
	a := ts.createFundedAccount(t, "alice", 5000)

	resp, body := ts.do(t, http.MethodPost, "/api/v1/accounts/"+a.ID+"/allocate", map[string]any{
		"delta": 2_000_000,
	})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, string(body))
	var e map[string]string
	require.NoError(t, json.Unmarshal(body, &e))
	require.Equal(t, "ceiling_exceeded", e["error"])
}

func intentionBody(accountID, userID, symbol, side string, qty int64, price float64) map[string]any {
	return map[string]any{
		"account_id":      accountID,
		"user_id":         userID,
		"symbol":          symbol,
		"side":            side,
		"quantity":        qty,
		"order_type":      "MARKET",
		"estimated_price": fmt.Sprintf("%v", price),
	}
}

func TestIntentionSubmitAndCancel(t *testing.T) {
	ts := newTestServer(t)
	a := ts.createFundedAccount(t, "alice", 5000)

	resp, body := ts.do(t, http.MethodPost, "/api/v1/intentions", intentionBody(a.ID, "alice", "VTI", "BUY", 10, 100))
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var in model.OrderIntention
	require.NoError(t, json.Unmarshal(body, &in))
	require.Equal(t, model.IntentionPending, in.Status)
	require.True(t, in.ReservedAmount.Equal(decimal.RequireFromString("1020")))

	// Listing requires user_id.
	resp, _ = ts.do(t, http.MethodGet, "/api/v1/intentions", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = ts.do(t, http.MethodGet, "/api/v1/intentions?user_id=alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ins []model.OrderIntention
	require.NoError(t, json.Unmarshal(body, &ins))
	require.Len(t, ins, 1)

	// Cancelling as the wrong user does not reveal the intention.
	resp, _ = ts.do(t, http.MethodDelete, "/api/v1/intentions/"+in.ID+"?user_id=bob", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = ts.do(t, http.MethodDelete, "/api/v1/intentions/"+in.ID+"?user_id=alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var cancelled model.OrderIntention
	require.NoError(t, json.Unmarshal(body, &cancelled))
	require.Equal(t, model.IntentionCancelled, cancelled.Status)
}

func TestIntentionInsufficientFunds(t *testing.T) {
	ts := newTestServer(t)
	a := ts.createFundedAccount(t, "alice", 100)

	resp, body := ts.do(t, http.MethodPost, "/api/v1/intentions", intentionBody(a.ID, "alice", "VTI", "BUY", 10, 100))
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, string(body))
	var e map[string]string
	require.NoError(t, json.Unmarshal(body, &e))
	require.Equal(t, "insufficient_funds", e["error"])
}

func TestIntentionValidationError(t *testing.T) {
	ts := newTestServer(t)
	a := ts.createFundedAccount(t, "alice", 5000)

	resp, body := ts.do(t, http.MethodPost, "/api/v1/intentions", intentionBody(a.ID, "alice", "vti", "BUY", 10, 100))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))
}

func TestBatchRunEndpoint(t *testing.T) {
	ts := newTestServer(t)
	a := ts.createFundedAccount(t, "alice", 5000)
	ts.broker.SetPrice("VTI", decimal.NewFromInt(99))

	resp, body := ts.do(t, http.MethodPost, "/api/v1/intentions", intentionBody(a.ID, "alice", "VTI", "BUY", 10, 100))
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	resp, body = ts.do(t, http.MethodGet, "/api/v1/intentions/summary", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var summary []model.PendingSummary
	require.NoError(t, json.Unmarshal(body, &summary))
	require.Len(t, summary, 1)
	require.Equal(t, int64(10), summary[0].NetQuantity)

	resp, body = ts.do(t, http.MethodPost, "/api/v1/batches/run", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var b model.BatchExecution
	require.NoError(t, json.Unmarshal(body, &b))
	require.Equal(t, model.BatchCompleted, b.Status)

	resp, body = ts.do(t, http.MethodGet, "/api/v1/batches/"+b.ID+"/orders", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var orders []model.AggregatedOrder
	require.NoError(t, json.Unmarshal(body, &orders))
	require.Len(t, orders, 1)
	require.Equal(t, model.AggOrderFilled, orders[0].Status)

	resp, body = ts.do(t, http.MethodGet, "/api/v1/accounts/"+a.ID+"/holdings", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var holdings []model.Holding
	require.NoError(t, json.Unmarshal(body, &holdings))
	require.Len(t, holdings, 1)
	require.Equal(t, int64(10), holdings[0].Quantity)
}

func TestBatchNotFound(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := ts.do(t, http.MethodGet, "/api/v1/batches/nope", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBrokerDisconnectedMapsTo503(t *testing.T) {
	ts := newTestServer(t)
	a := ts.createFundedAccount(t, "alice", 5000)
	ts.broker.SetConnected(false)

	resp, body := ts.do(t, http.MethodPost, "/api/v1/accounts/"+a.ID+"/allocate", map[string]any{
		"delta": 100,
	})
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, string(body))
}

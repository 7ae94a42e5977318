/*
handlers_test.go - Tests for the REST surface

Tests for:
- Status codes: 201 created, 200 simulated or replayed, error mapping
- Error bodies carrying messageCode
- Chain transitions over HTTP
- Cursor pagination round trip
- Immutability of transactions
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/value-ledger/engine"
	"github.com/warp/value-ledger/ledger"
	"github.com/warp/value-ledger/ledger/store"
	"github.com/warp/value-ledger/processor/sandbox"
	"github.com/warp/value-ledger/telemetry"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type testServer struct {
	t      *testing.T
	router http.Handler
	now    time.Time
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	proc, err := sandbox.Open(filepath.Join(t.TempDir(), "sandbox.db"))
	require.NoError(t, err)
	t.Cleanup(func() { proc.Close() })

	ts := &testServer{t: t, now: time.Date(2026, time.April, 1, 9, 0, 0, 0, time.UTC)}
	eng := engine.New(store.NewMemory(), proc,
		engine.WithClock(func() time.Time {
			ts.now = ts.now.Add(time.Second)
			return ts.now
		}),
	)
	metrics := telemetry.NewMetrics()
	ts.router = NewRouter(NewHandler(eng, nil, nil), RouterOptions{Metrics: metrics.Handler()})
	return ts
}

func (ts *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	ts.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(ts.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerUserID, "user-1")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (ts *testServer) createValue(id string, balance int64) {
	ts.t.Helper()
	rec := ts.do(http.MethodPost, "/values", map[string]any{"id": id, "currency": "USD", "balance": balance})
	require.Equal(ts.t, http.StatusCreated, rec.Code, rec.Body.String())
}

func checkoutBody(id string, price int64, extra map[string]any) map[string]any {
	body := map[string]any{
		"id":        id,
		"currency":  "USD",
		"lineItems": []map[string]any{{"unitPrice": price}},
		"sources":   []map[string]any{{"rail": "lightrail", "valueId": "gc-1"}},
	}
	for k, v := range extra {
		body[k] = v
	}
	return body
}

// =============================================================================
// VALUES
// =============================================================================

func TestValues_CreateGetDelete(t *testing.T) {
	ts := newTestServer(t)
	ts.createValue("gc-1", 1000)

	rec := ts.do(http.MethodGet, "/values/gc-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	v := decodeBody[ledger.Value](t, rec)
	assert.Equal(t, int64(1000), *v.Balance)
	assert.Equal(t, "user-1", v.CreatedBy)

	rec = ts.do(http.MethodDelete, "/values/gc-1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "the initial balance step references the value")
	assert.Equal(t, "ValueInUse", decodeBody[ErrorResponse](t, rec).MessageCode)

	rec = ts.do(http.MethodGet, "/values/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestValues_BalanceAndRuleIsUnprocessable(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/values", map[string]any{
		"id": "v", "currency": "USD", "balance": 10, "balanceRule": map[string]any{"rule": "500"},
	})

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decodeBody[ErrorResponse](t, rec)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Status)
	assert.Equal(t, "BalanceRuleAndBalance", resp.MessageCode)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestCheckout_StatusCodes(t *testing.T) {
	ts := newTestServer(t)
	ts.createValue("gc-1", 1000)

	// Simulation: 200, no side effects
	rec := ts.do(http.MethodPost, "/transactions/checkout", checkoutBody("co-1", 50, map[string]any{"simulate": true}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// Commit: 201
	rec = ts.do(http.MethodPost, "/transactions/checkout", checkoutBody("co-1", 50, nil))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	tx := decodeBody[ledger.Transaction](t, rec)
	assert.Equal(t, int64(50), tx.Totals.Subtotal)
	assert.Equal(t, int64(50), tx.Totals.PaidLightrail)
	require.Len(t, tx.Steps, 1)
	ls := tx.Steps[0].(*ledger.LightrailStep)
	assert.Equal(t, int64(1000), *ls.BalanceBefore)
	assert.Equal(t, int64(950), *ls.BalanceAfter)

	// Same id: 409
	rec = ts.do(http.MethodPost, "/transactions/checkout", checkoutBody("co-1", 50, nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "TransactionExists", decodeBody[ErrorResponse](t, rec).MessageCode)
}

func TestCheckout_MalformedBody(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/transactions/checkout", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "InvalidRequest", decodeBody[ErrorResponse](t, rec).MessageCode)
}

func TestCheckout_DeclinedCard(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodPost, "/transactions/checkout", map[string]any{
		"id":        "co-dec",
		"currency":  "USD",
		"lineItems": []map[string]any{{"unitPrice": 500}},
		"sources":   []map[string]any{{"rail": "stripe", "source": sandbox.TokenDeclined}},
	})

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "StripeCardDeclined", decodeBody[ErrorResponse](t, rec).MessageCode)
}

func TestPendingVoidCapture(t *testing.T) {
	// GIVEN: A pending checkout
	ts := newTestServer(t)
	ts.createValue("gc-1", 1000)
	rec := ts.do(http.MethodPost, "/transactions/checkout", checkoutBody("co-p", 50, map[string]any{"pending": true}))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.True(t, decodeBody[ledger.Transaction](t, rec).Pending)

	// WHEN: It is voided
	rec = ts.do(http.MethodPost, "/transactions/co-p/void", map[string]any{"id": "co-p-void"})

	// THEN: The balance is restored and capture is rejected
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	void := decodeBody[ledger.Transaction](t, rec)
	assert.Equal(t, int64(-50), void.Totals.PaidLightrail)
	v := decodeBody[ledger.Value](t, ts.do(http.MethodGet, "/values/gc-1", nil))
	assert.Equal(t, int64(1000), *v.Balance)

	rec = ts.do(http.MethodPost, "/transactions/co-p/capture", map[string]any{"id": "co-p-capture"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "TransactionVoided", decodeBody[ErrorResponse](t, rec).MessageCode)

	rec = ts.do(http.MethodGet, "/transactions/co-p/chain", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]ledger.Transaction](t, rec), 2)
}

func TestReverse_SecondCallReturns200(t *testing.T) {
	ts := newTestServer(t)
	ts.createValue("gc-1", 1000)
	require.Equal(t, http.StatusCreated, ts.do(http.MethodPost, "/transactions/checkout", checkoutBody("co-r", 300, nil)).Code)

	first := ts.do(http.MethodPost, "/transactions/co-r/reverse", map[string]any{"id": "co-r-rev"})
	second := ts.do(http.MethodPost, "/transactions/co-r/reverse", map[string]any{"id": "co-r-rev-2"})

	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	require.Equal(t, http.StatusOK, second.Code, second.Body.String())
	assert.Equal(t, "co-r-rev", decodeBody[ledger.Transaction](t, second).ID)
}

func TestTransactions_Immutable(t *testing.T) {
	ts := newTestServer(t)
	ts.createValue("gc-1", 1000)

	for _, method := range []string{http.MethodPatch, http.MethodDelete} {
		rec := ts.do(method, "/transactions/gc-1", map[string]any{})
		assert.Equal(t, http.StatusForbidden, rec.Code, method)
		assert.Equal(t, "TransactionImmutable", decodeBody[ErrorResponse](t, rec).MessageCode)
	}
}

func TestCreditDebitTransfer(t *testing.T) {
	ts := newTestServer(t)
	ts.createValue("a", 0)
	ts.createValue("b", 0)

	rec := ts.do(http.MethodPost, "/transactions/credit", map[string]any{
		"id": "cr", "currency": "USD", "amount": 500, "destination": map[string]any{"rail": "lightrail", "valueId": "a"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = ts.do(http.MethodPost, "/transactions/transfer", map[string]any{
		"id": "tr", "currency": "USD", "amount": 7500, "allowRemainder": true,
		"source":      map[string]any{"rail": "lightrail", "valueId": "a"},
		"destination": map[string]any{"rail": "lightrail", "valueId": "b"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, int64(7000), decodeBody[ledger.Transaction](t, rec).Totals.Remainder)

	rec = ts.do(http.MethodPost, "/transactions/debit", map[string]any{
		"id": "db", "currency": "USD", "amount": 600, "source": map[string]any{"rail": "lightrail", "valueId": "b"},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "InsufficientBalance", decodeBody[ErrorResponse](t, rec).MessageCode)
}

// =============================================================================
// PAGINATION
// =============================================================================

func TestListTransactions_CursorRoundTrip(t *testing.T) {
	// GIVEN: Seven committed transactions
	ts := newTestServer(t)
	ts.createValue("gc-1", 10000)
	for i := 0; i < 6; i++ {
		rec := ts.do(http.MethodPost, "/transactions/checkout", checkoutBody(fmt.Sprintf("co-%d", i), 10, nil))
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	// WHEN: Paging forward three at a time
	seen := map[string]bool{}
	var last ListResponse[ledger.Transaction]
	path := "/transactions?limit=3"
	for pages := 0; path != ""; pages++ {
		require.Less(t, pages, 5)
		rec := ts.do(http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		last = decodeBody[ListResponse[ledger.Transaction]](t, rec)
		for _, tx := range last.Items {
			seen[tx.ID] = true
		}
		path = ""
		if last.Pagination.Next != "" {
			path = "/transactions?limit=3&cursor=" + last.Pagination.Next
		}
	}

	// THEN: Every transaction appears once
	assert.Len(t, seen, 7)

	// AND: Paging backward from the end yields the same set
	back := map[string]bool{}
	for _, tx := range last.Items {
		back[tx.ID] = true
	}
	path = "/transactions?limit=3&cursor=" + last.Pagination.Prev
	for pages := 0; last.Pagination.Prev != ""; pages++ {
		require.Less(t, pages, 5)
		rec := ts.do(http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		last = decodeBody[ListResponse[ledger.Transaction]](t, rec)
		for _, tx := range last.Items {
			back[tx.ID] = true
		}
		path = "/transactions?limit=3&cursor=" + last.Pagination.Prev
	}
	assert.Equal(t, seen, back)
}

func TestListTransactions_BadParams(t *testing.T) {
	ts := newTestServer(t)

	assert.Equal(t, http.StatusUnprocessableEntity, ts.do(http.MethodGet, "/transactions?limit=abc", nil).Code)
	assert.Equal(t, http.StatusUnprocessableEntity, ts.do(http.MethodGet, "/transactions?limit=5000", nil).Code)
	assert.Equal(t, http.StatusUnprocessableEntity, ts.do(http.MethodGet, "/transactions?cursor=not-a-cursor", nil).Code)
}

// =============================================================================
// OPERATIONS
// =============================================================================

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return fmt.Errorf("database is locked") }

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody[HealthResponse](t, rec).Status)

	rec = ts.do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	down := NewRouter(NewHandler(nil, failingPinger{}, nil), RouterOptions{})
	rec = httptest.NewRecorder()
	down.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rimborsi/internal/audit"
	"rimborsi/internal/core"
	"rimborsi/internal/services"
	"rimborsi/internal/storage/memory"
)

type testServer struct {
	t      *testing.T
	srv    *Server
	audits *audit.MemoryStore
}

type recordingDispatcher struct {
	from, to *time.Time
	calls    int
	err      error
}

func (d *recordingDispatcher) PublishAutoMatchRequest(_ context.Context, from, to *time.Time) error {
	d.calls++
	d.from, d.to = from, to
	return d.err
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()
	store := memory.New()
	audits := audit.NewMemoryStore()
	reimbursements := services.NewReimbursementService(store, nil, audit.NewService(audits, nil, nil))
	expenses := services.NewExpenseService(store, nil, nil)

	srv := NewServer(cfg, expenses, reimbursements)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return &testServer{t: t, srv: srv, audits: audits}
}

func (ts *testServer) do(method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	ts.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(ts.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	ts.srv.Handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	return decodeBody[errorBody](t, rr).Error.Code
}

// seed creates two categories, a 36.00 dinner with a 12.00 share and a 10.00 repayment.
func (ts *testServer) seed() (outID, inID string) {
	t := ts.t
	t.Helper()
	rr := ts.do(http.MethodPost, "/api/categories", map[string]any{
		"id": "cat-dinner", "name": "Cene", "kind": "expense", "reimbursementMode": "optional", "defaultRecoveryWindowDays": 30,
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	rr = ts.do(http.MethodPost, "/api/categories", map[string]any{"id": "cat-income", "name": "Rimborsi", "kind": "income"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = ts.do(http.MethodPost, "/api/expenses", map[string]any{
		"occurredAt": "2026-02-01", "description": "Cena", "categoryId": "cat-dinner",
		"amount": "36.00", "currency": "eur", "reimbursable": true, "myShareMinor": 1200,
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	out := decodeBody[expenseResponse](t, rr)
	assert.Equal(t, "expected", out.ReimbursementStatus)
	assert.Equal(t, int64(3600), out.AmountMinor)
	assert.Equal(t, "EUR", out.Currency)

	rr = ts.do(http.MethodPost, "/api/expenses", map[string]any{
		"kind": "income", "occurredAt": "2026-02-03T18:30:00Z", "description": "Bonifico Luca",
		"categoryId": "cat-income", "amountMinor": 1000, "currency": "EUR",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	in := decodeBody[expenseResponse](t, rr)
	return out.ID, in.ID
}

func TestHealthAndReadiness(t *testing.T) {
	ready := errors.New("database is locked")
	ts := newTestServer(t, Config{Ready: func(context.Context) error { return ready }})

	rr := ts.do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))

	rr = ts.do(http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	ready = nil
	rr = ts.do(http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRoutingErrors(t *testing.T) {
	ts := newTestServer(t, Config{})

	rr := ts.do(http.MethodGet, "/api/nope", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, rr))

	rr = ts.do(http.MethodPatch, "/api/reimbursements/links", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)

	rr = ts.do(http.MethodPost, "/api/reimbursements/links", map[string]any{"expenseOutId": "E", "bogus": true})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, core.CodeValidation, errorCode(t, rr))
}

func TestLinkLifecycle(t *testing.T) {
	ts := newTestServer(t, Config{})
	outID, inID := ts.seed()

	rr := ts.do(http.MethodPost, "/api/reimbursements/links", map[string]any{
		"expenseOutId": outID, "expenseInId": inID, "amountMinor": 1000, "idempotencyKey": "bank-42",
	}, headerActor, "alice")
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	link := decodeBody[linkResponse](t, rr)

	// Replaying the same key returns the same link.
	rr = ts.do(http.MethodPost, "/api/reimbursements/links", map[string]any{
		"expenseOutId": outID, "expenseInId": inID, "amountMinor": 1000, "idempotencyKey": "bank-42",
	})
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, link.ID, decodeBody[linkResponse](t, rr).ID)

	entries, err := ts.audits.ListAudit(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, services.ActionLink, entries[0].Action)
	assert.Equal(t, "alice", entries[0].Actor)

	rr = ts.do(http.MethodGet, "/api/expenses/"+outID+"/reimbursement", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	summary := decodeBody[summaryResponse](t, rr)
	require.NotNil(t, summary.Balance)
	assert.Equal(t, int64(2400), summary.Balance.RecoverableMinor)
	assert.Equal(t, int64(1400), summary.Balance.OutstandingMinor)
	assert.Equal(t, "partial", summary.Balance.Status)
	assert.Len(t, summary.Links, 1)
	assert.Nil(t, summary.AvailableMinor)

	rr = ts.do(http.MethodGet, "/api/expenses/"+inID+"/reimbursement", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	inbound := decodeBody[summaryResponse](t, rr)
	assert.Nil(t, inbound.Balance)
	require.NotNil(t, inbound.AvailableMinor)
	assert.Equal(t, int64(0), *inbound.AvailableMinor)

	// Over-allocation is refused with the engine's code.
	rr = ts.do(http.MethodPost, "/api/reimbursements/links", map[string]any{
		"expenseOutId": outID, "expenseInId": inID, "amountMinor": 1,
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, core.CodeExceedsInboundAvailable, errorCode(t, rr))

	// Two-phase delete.
	rr = ts.do(http.MethodDelete, "/api/reimbursements/links/"+link.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	dryRun := decodeBody[dryRunResponse](t, rr)
	assert.True(t, dryRun.DryRun)
	assert.Equal(t, services.ActionUnlink, dryRun.Action)
	require.NotEmpty(t, dryRun.ApprovalToken)

	rr = ts.do(http.MethodDelete, "/api/reimbursements/links/"+link.ID, nil, headerApprovalToken, "not-a-token")
	assert.Equal(t, core.CodeApprovalInvalid, errorCode(t, rr))

	rr = ts.do(http.MethodDelete, "/api/reimbursements/links/"+link.ID, nil, headerApprovalToken, dryRun.ApprovalToken)
	require.Equal(t, http.StatusNoContent, rr.Code, rr.Body.String())

	rr = ts.do(http.MethodDelete, "/api/reimbursements/links/"+link.ID, nil, headerApprovalToken, dryRun.ApprovalToken)
	assert.Equal(t, core.CodeApprovalAlreadyUsed, errorCode(t, rr))

	rr = ts.do(http.MethodDelete, "/api/reimbursements/links/"+link.ID, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, core.CodeLinkNotFound, errorCode(t, rr))
}

func TestCloseReopenAndReimbursable(t *testing.T) {
	ts := newTestServer(t, Config{})
	outID, inID := ts.seed()

	rr := ts.do(http.MethodPost, "/api/expenses/"+outID+"/reimbursement/close", map[string]any{"reason": "forgiven"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	closed := decodeBody[summaryResponse](t, rr)
	assert.Equal(t, "written_off", closed.Balance.Status)
	assert.Equal(t, int64(2400), closed.Balance.WrittenOffMinor)
	assert.Equal(t, "forgiven", closed.Expense.ClosedReason)

	rr = ts.do(http.MethodPost, "/api/expenses/"+outID+"/reimbursement/reopen", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "expected", decodeBody[summaryResponse](t, rr).Balance.Status)

	rr = ts.do(http.MethodPut, "/api/expenses/"+outID+"/reimbursable", map[string]any{"reimbursable": true, "myShareMinor": 3000})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, int64(600), decodeBody[summaryResponse](t, rr).Balance.RecoverableMinor)

	rr = ts.do(http.MethodPut, "/api/expenses/"+outID+"/reimbursable", map[string]any{})
	assert.Equal(t, core.CodeValidation, errorCode(t, rr))

	rr = ts.do(http.MethodPut, "/api/expenses/"+inID+"/reimbursable", map[string]any{"reimbursable": true})
	assert.Equal(t, core.CodeNotReimbursable, errorCode(t, rr))

	rr = ts.do(http.MethodGet, "/api/expenses/missing/reimbursement", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, core.CodeExpenseNotFound, errorCode(t, rr))
}

func TestAutoMatchAndOutstanding(t *testing.T) {
	dispatcher := &recordingDispatcher{}
	ts := newTestServer(t, Config{Dispatcher: dispatcher})
	outID, _ := ts.seed()

	rr := ts.do(http.MethodPost, "/api/reimbursements/category-rules", map[string]any{
		"expenseCategoryId": "cat-dinner", "inboundCategoryId": "cat-income",
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	rule := decodeBody[ruleResponse](t, rr)
	assert.True(t, rule.Enabled)

	rr = ts.do(http.MethodGet, "/api/reimbursements/category-rules?enabled=true&expenseCategoryId=cat-dinner", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decodeBody[struct{ Items []ruleResponse }](t, rr).Items, 1)

	rr = ts.do(http.MethodPost, "/api/reimbursements/auto-match?async=true&from=2026-02-01", nil)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())
	assert.Equal(t, 1, dispatcher.calls)
	require.NotNil(t, dispatcher.from)
	assert.Nil(t, dispatcher.to)

	rr = ts.do(http.MethodPost, "/api/reimbursements/auto-match", map[string]any{"from": "2026-02-10", "to": "2026-02-01"})
	assert.Equal(t, core.CodeValidation, errorCode(t, rr))

	rr = ts.do(http.MethodPost, "/api/reimbursements/auto-match", map[string]any{"from": "2026-02-01", "to": "2026-02-28"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	result := decodeBody[autoMatchResponse](t, rr)
	assert.Equal(t, 1, result.LinksCreated)
	assert.Equal(t, 1, result.Matched)

	rr = ts.do(http.MethodGet, "/api/reimbursements/outstanding?from=2026-02-01&to=2026-02-01", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	outstanding := decodeBody[struct {
		Items []summaryResponse
		Count int
	}](t, rr)
	require.Equal(t, 1, outstanding.Count)
	assert.Equal(t, outID, outstanding.Items[0].Expense.ID)
	assert.Equal(t, int64(1400), outstanding.Items[0].Balance.OutstandingMinor)

	rr = ts.do(http.MethodGet, "/api/reimbursements/outstanding?from=2026-03-01", nil)
	assert.Equal(t, 0, decodeBody[struct{ Count int }](t, rr).Count)

	// Rule deletion follows the same approval protocol.
	rr = ts.do(http.MethodDelete, "/api/reimbursements/category-rules/"+rule.ID, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	token := decodeBody[dryRunResponse](t, rr).ApprovalToken
	rr = ts.do(http.MethodDelete, "/api/reimbursements/category-rules/"+rule.ID, nil, headerApprovalToken, token)
	assert.Equal(t, http.StatusNoContent, rr.Code)
}

func TestAsyncAutoMatchWithoutDispatcher(t *testing.T) {
	ts := newTestServer(t, Config{})
	rr := ts.do(http.MethodPost, "/api/reimbursements/auto-match?async=1", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	failing := newTestServer(t, Config{Dispatcher: &recordingDispatcher{err: errors.New("channel closed")}})
	rr = failing.do(http.MethodPost, "/api/reimbursements/auto-match?async=true", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "QUEUE_UNAVAILABLE", errorCode(t, rr))
}

func TestRateLimitOnMutations(t *testing.T) {
	ts := newTestServer(t, Config{RequestsPerMinute: 1})

	rr := ts.do(http.MethodPost, "/api/categories", map[string]any{"name": "Cene", "kind": "expense"})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	rr = ts.do(http.MethodPost, "/api/categories", map[string]any{"name": "Viaggi", "kind": "expense"})
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "RATE_LIMITED", errorCode(t, rr))

	rr = ts.do(http.MethodGet, "/api/categories", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestCORS(t *testing.T) {
	ts := newTestServer(t, Config{AllowedOrigins: []string{"https://ledger.example"}})
	req := httptest.NewRequest(http.MethodOptions, "/api/reimbursements/outstanding", nil)
	req.Header.Set("Origin", "https://ledger.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rr := httptest.NewRecorder()
	ts.srv.Handler.ServeHTTP(rr, req)
	assert.Equal(t, "https://ledger.example", rr.Header().Get("Access-Control-Allow-Origin"))
}

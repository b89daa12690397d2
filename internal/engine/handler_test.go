package engine

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-runtime-guard/internal/decision"
	"github.com/xela07ax/spaceai-runtime-guard/internal/domain"
	"github.com/xela07ax/spaceai-runtime-guard/internal/infra/auth"
	"github.com/xela07ax/spaceai-runtime-guard/internal/ledger"
	"go.uber.org/zap"
)

// testAdminAuth — упрощенная замена RS256 middleware: оператор берется из заголовка.
func testAdminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := r.Header.Get("X-Test-User")
		if user == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		approver := domain.Approver{UserID: user, Scopes: map[string]bool{domain.ScopeDecisionsAdmin: true}}
		next.ServeHTTP(w, r.WithContext(auth.WithApprover(r.Context(), approver)))
	})
}

type handlerFixture struct {
	*pipelineFixture
	handler   *Handler
	decisions *ledger.MemorySink
}

func newHandlerFixture(t *testing.T, adminAuth func(http.Handler) http.Handler) *handlerFixture {
	t.Helper()
	f := newPipelineFixture(t, staticPolicy{snap: testSnapshot()})

	sink := ledger.NewMemorySink()
	w := ledger.NewWriter(sink, ledger.WriterConfig{}, zap.NewNop())
	t.Cleanup(w.Stop)
	store := decision.NewLedger(sink, w, zap.NewNop())
	verifier := decision.NewVerifier(store, decision.StaticHash("deadbeef"), w, zap.NewNop())

	h := NewHandler(HandlerDeps{
		Pipeline:  f.pipeline,
		Decisions: store,
		Verifier:  verifier,
		Statuses:  f.statuses,
		Metrics:   f.metrics,
		AdminAuth: adminAuth,
	}, zap.NewNop())
	return &handlerFixture{pipelineFixture: f, handler: h, decisions: sink}
}

func (f *handlerFixture) do(t *testing.T, method, path string, body any, user string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set("X-Test-User", user)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestHandlerPreflight(t *testing.T) {
	f := newHandlerFixture(t, testAdminAuth)

	rec := f.do(t, http.MethodPost, "/v1/guard/preflight", preflightRequest{Input: testInput()}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Trace-ID"))
	res := decodeBody[PreflightResult](t, rec)
	assert.True(t, res.Allowed())

	in := testInput()
	in.ProviderRequested = "gemini"
	rec = f.do(t, http.MethodPost, "/v1/guard/preflight", preflightRequest{Input: in}, "")
	require.Equal(t, http.StatusForbidden, rec.Code)
	res = decodeBody[PreflightResult](t, rec)
	assert.Equal(t, domain.ReasonProviderNotAllowed, res.Final().ReasonCode)
}

func TestHandlerRun(t *testing.T) {
	f := newHandlerFixture(t, testAdminAuth)

	rec := f.do(t, http.MethodPost, "/v1/guard/run", RunRequest{Input: testInput(), Prompt: "hello"}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	res := decodeBody[RunResult](t, rec)
	assert.True(t, res.Delivered)
	assert.Equal(t, "echo from openai: hello", res.OutputText)

	f.provider.Failures = 100
	rec = f.do(t, http.MethodPost, "/v1/guard/run", RunRequest{Input: testInput(), Prompt: "hello"}, "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.NotContains(t, rec.Body.String(), "call 2")
}

func TestHandlerStagesStandalone(t *testing.T) {
	f := newHandlerFixture(t, testAdminAuth)

	rec := f.do(t, http.MethodPost, "/v1/guard/execution", domain.ExecutionSignal{
		ExecutionID:         "exec-1",
		ToolIntents:         []string{"read"},
		ToolIntentsObserved: []string{"read", "delete"},
	}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	res := decodeBody[domain.GuardResult](t, rec)
	assert.Equal(t, domain.VerdictAbort, res.Verdict)
	assert.Equal(t, domain.ReasonToolDrift, res.ReasonCode)

	rec = f.do(t, http.MethodPost, "/v1/guard/sanitize", domain.SanitizeInput{
		OutputText: "token: Bearer abcdefghijklmnopqrstuvwxyz012345",
		PIIMode:    "off",
	}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ledger_written":true`)
	assert.NotContains(t, rec.Body.String(), "abcdefghijklmnopqrstuvwxyz012345")
}

func TestHandlerRejectsMalformedBody(t *testing.T) {
	f := newHandlerFixture(t, testAdminAuth)

	req := httptest.NewRequest(http.MethodPost, "/v1/guard/preflight", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerDecisionLifecycle(t *testing.T) {
	f := newHandlerFixture(t, testAdminAuth)
	expires := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)

	// Без оператора административные маршруты закрыты
	rec := f.do(t, http.MethodPost, "/v1/decisions", decision.ProposeRequest{DecisionType: "policy_update"}, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/decisions", decision.ProposeRequest{
		DecisionType:       "policy_update",
		PolicySnapshotHash: "deadbeef",
		ExpiresUTC:         expires,
	}, "alice")
	require.Equal(t, http.StatusCreated, rec.Code)
	proposed := decodeBody[domain.DecisionRecord](t, rec)
	assert.Equal(t, domain.DecisionPending, proposed.Status)
	assert.Equal(t, "alice", proposed.Source)
	id := proposed.DecisionID

	rec = f.do(t, http.MethodPost, "/v1/decisions/"+id+"/verify", nil, "")
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, decision.ReasonNotApproved, decodeBody[decision.Result](t, rec).Reason)

	rec = f.do(t, http.MethodPost, "/v1/decisions/"+id+"/approve", nil, "bob")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bob", decodeBody[domain.DecisionRecord](t, rec).ApprovedBy)

	rec = f.do(t, http.MethodPost, "/v1/decisions/"+id+"/verify", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	ok := decodeBody[decision.Result](t, rec)
	assert.True(t, ok.OK)
	require.NotNil(t, ok.Record)
	assert.Equal(t, id, ok.Record.DecisionID)

	rec = f.do(t, http.MethodPost, "/v1/decisions/"+id+"/approve", nil, "bob")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/decisions/"+id+"/revoke", nil, "carol")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/decisions/"+id+"/verify", nil, "")
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, decision.ReasonRevoked, decodeBody[decision.Result](t, rec).Reason)

	rec = f.do(t, http.MethodGet, "/v1/decisions/"+id, nil, "alice")
	require.Equal(t, http.StatusOK, rec.Code)
	revoked := decodeBody[domain.DecisionRecord](t, rec)
	assert.Equal(t, domain.DecisionRevoked, revoked.Status)
	assert.Equal(t, "bob", revoked.ApprovedBy)
	assert.Equal(t, "carol", revoked.RevokedBy)

	rec = f.do(t, http.MethodGet, "/v1/decisions/unknown", nil, "alice")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(t, http.MethodPost, "/v1/decisions/unknown/approve", nil, "alice")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Журнал только дописывается: propose, approve, revoke
	assert.Len(t, f.decisions.Entries(ledger.StreamDecisions), 3)
	assert.Len(t, f.decisions.Entries(ledger.StreamDecisionVerifier), 3)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DecisionChecks.WithLabelValues(decision.ReasonOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DecisionChecks.WithLabelValues(decision.ReasonRevoked)))
}

func TestHandlerProposeValidation(t *testing.T) {
	f := newHandlerFixture(t, testAdminAuth)

	rec := f.do(t, http.MethodPost, "/v1/decisions", decision.ProposeRequest{DecisionType: "policy_update"}, "alice")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/decisions", decision.ProposeRequest{
		DecisionType:       "policy_update",
		PolicySnapshotHash: "deadbeef",
		ExpiresUTC:         "tomorrow",
	}, "alice")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.decisions.Entries(ledger.StreamDecisions))
}

func TestHandlerCatStatus(t *testing.T) {
	f := newHandlerFixture(t, testAdminAuth)

	rec := f.do(t, http.MethodPost, "/v1/cats/cat-1/status", statusRequest{Status: "rogue"}, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/cats/cat-1/status", statusRequest{Status: "paused"}, "alice")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/cats/cat-1/status", statusRequest{Status: "rogue"}, "alice")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/guard/preflight", preflightRequest{Input: testInput()}, "")
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, domain.ReasonCatRogue, decodeBody[PreflightResult](t, rec).Final().ReasonCode)
}

func TestHandlerWithoutAdminAuth(t *testing.T) {
	f := newHandlerFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/v1/decisions", decision.ProposeRequest{
		DecisionType: "policy_update", PolicySnapshotHash: "deadbeef",
	}, "alice")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/cats/cat-1/status", statusRequest{Status: "rogue"}, "alice")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Проверка решения доступна всегда
	rec = f.do(t, http.MethodPost, "/v1/decisions/missing/verify", nil, "")
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, decision.ReasonNotFound, decodeBody[decision.Result](t, rec).Reason)

	rec = f.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xela07ax/spaceai-runtime-guard/internal/decision"
	"github.com/xela07ax/spaceai-runtime-guard/internal/domain"
	"github.com/xela07ax/spaceai-runtime-guard/internal/infra/auth"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// DecisionStore — журнал Decision Record.
type DecisionStore interface {
	Load(ctx context.Context, decisionID string) (*domain.DecisionRecord, error)
	Propose(ctx context.Context, req decision.ProposeRequest) (*domain.DecisionRecord, error)
	Approve(ctx context.Context, decisionID, approver string) (*domain.DecisionRecord, error)
	Reject(ctx context.Context, decisionID, approver string) (*domain.DecisionRecord, error)
	Revoke(ctx context.Context, decisionID, approver string) (*domain.DecisionRecord, error)
}

// DecisionEnforcer — единственная точка проверки перед привилегированным действием.
type DecisionEnforcer interface {
	Enforce(ctx context.Context, decisionID string) (*domain.DecisionRecord, error)
}

type StatusController interface {
	SetStatus(ctx context.Context, catID string, status domain.CapabilityStatus) error
}

// HandlerDeps: без AdminAuth административные маршруты не монтируются.
type HandlerDeps struct {
	Pipeline  *Pipeline
	Decisions DecisionStore
	Verifier  DecisionEnforcer
	Statuses  StatusController
	Metrics   *Metrics
	AdminAuth func(http.Handler) http.Handler
	Extra     map[string]http.Handler // например, /metrics
}

// Handler — HTTP-адаптер над in-process конвейером.
type Handler struct {
	router *chi.Mux
	deps   HandlerDeps
	logger *zap.Logger
}

func NewHandler(deps HandlerDeps, logger *zap.Logger) *Handler {
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}
	h := &Handler{router: chi.NewRouter(), deps: deps, logger: logger.Named("http")}
	h.routes()
	return h
}

func (h *Handler) routes() {
	r := h.router

	// --- 1. Глобальные инфраструктурные Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(TracingMiddleware)

	// --- 2. Служебные ---
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	for path, extra := range h.deps.Extra {
		r.Handle(path, extra)
	}

	// --- 3. Конвейер ---
	r.Route("/v1/guard", func(r chi.Router) {
		r.Post("/preflight", h.preflight)
		r.Post("/execution", h.supervise)
		r.Post("/sanitize", h.finalize)
		r.Post("/run", h.run)
	})

	admin := h.deps.AdminAuth != nil && h.deps.Decisions != nil
	if !admin {
		h.logger.Warn("admin auth is not configured, decision and status management routes are disabled")
	}

	r.Route("/v1/decisions", func(r chi.Router) {
		// --- 4. Проверка решения (вызывают исполнители привилегированных действий) ---
		r.Post("/{id}/verify", h.verifyDecision)

		// --- 5. ЗАЩИЩЕННЫЙ ПЕРИМЕТР (RS256 + decisions:admin) ---
		if !admin {
			return
		}
		r.Group(func(r chi.Router) {
			r.Use(h.deps.AdminAuth)
			r.Post("/", h.proposeDecision)
			r.Get("/{id}", h.getDecision)
			r.Post("/{id}/approve", h.transitionDecision(h.deps.Decisions.Approve))
			r.Post("/{id}/reject", h.transitionDecision(h.deps.Decisions.Reject))
			r.Post("/{id}/revoke", h.transitionDecision(h.deps.Decisions.Revoke))
		})
	})

	if admin {
		r.With(h.deps.AdminAuth).Post("/v1/cats/{id}/status", h.setCatStatus)
	}
}

// ServeHTTP позволяет использовать Handler как стандартный http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

type preflightRequest struct {
	Input  domain.GuardInput `json:"input"`
	Prompt string            `json:"prompt,omitempty"`
}

func (h *Handler) preflight(w http.ResponseWriter, r *http.Request) {
	var req preflightRequest
	if !h.decode(w, r, &req) {
		return
	}
	res := h.deps.Pipeline.Preflight(r.Context(), req.Input, req.Prompt)
	writeJSON(w, statusOr(res.Final().HTTPStatus, http.StatusOK), res)
}

func (h *Handler) supervise(w http.ResponseWriter, r *http.Request) {
	var sig domain.ExecutionSignal
	if !h.decode(w, r, &sig) {
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Pipeline.Supervise(r.Context(), sig))
}

func (h *Handler) finalize(w http.ResponseWriter, r *http.Request) {
	var in domain.SanitizeInput
	if !h.decode(w, r, &in) {
		return
	}
	out, written := h.deps.Pipeline.Finalize(r.Context(), in)
	writeJSON(w, http.StatusOK, struct {
		domain.SanitizationOutcome
		LedgerWritten bool `json:"ledger_written"`
	}{out, written})
}

func (h *Handler) run(w http.ResponseWriter, r *http.Request) {
	var req RunRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.deps.Pipeline.Run(r.Context(), req)
	if errors.Is(err, ErrNoProvider) {
		writeError(w, http.StatusNotImplemented, err.Error())
		return
	}
	if err != nil {
		// Детали внутренних ошибок провайдера наружу не отдаем
		writeJSON(w, http.StatusBadGateway, struct {
			*RunResult
			Error string `json:"error"`
		}{res, "provider call failed"})
		return
	}
	status := http.StatusOK
	if !res.Preflight.Allowed() {
		status = statusOr(res.Preflight.Final().HTTPStatus, http.StatusForbidden)
	}
	writeJSON(w, status, res)
}

func (h *Handler) verifyDecision(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.deps.Verifier == nil {
		writeError(w, http.StatusServiceUnavailable, decision.ReasonMissingExpectedHash)
		return
	}
	rec, err := h.deps.Verifier.Enforce(r.Context(), id)
	if err != nil {
		var be *decision.BlockError
		reason := decision.ReasonLedgerUnavailable
		if errors.As(err, &be) {
			reason = be.Reason
		}
		h.deps.Metrics.DecisionChecks.WithLabelValues(reason).Inc()
		writeJSON(w, http.StatusForbidden, decision.Result{OK: false, Reason: reason})
		return
	}
	h.deps.Metrics.DecisionChecks.WithLabelValues(decision.ReasonOK).Inc()
	writeJSON(w, http.StatusOK, decision.Result{OK: true, Reason: decision.ReasonOK, Record: rec})
}

func (h *Handler) proposeDecision(w http.ResponseWriter, r *http.Request) {
	var req decision.ProposeRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.DecisionType == "" || req.PolicySnapshotHash == "" {
		writeError(w, http.StatusBadRequest, "decision_type and policy_snapshot_hash are required")
		return
	}
	if approver, ok := auth.ApproverFrom(r.Context()); ok && req.Source == "" {
		req.Source = approver.UserID
	}
	rec, err := h.deps.Decisions.Propose(r.Context(), req)
	if err != nil {
		h.writeDecisionError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *Handler) getDecision(w http.ResponseWriter, r *http.Request) {
	rec, err := h.deps.Decisions.Load(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDecisionError(w, err)
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, decision.ReasonNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) transitionDecision(
	apply func(ctx context.Context, decisionID, approver string) (*domain.DecisionRecord, error),
) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		approver, ok := auth.ApproverFrom(r.Context())
		if !ok || approver.UserID == "" {
			writeError(w, http.StatusUnauthorized, "approver identity is required")
			return
		}
		rec, err := apply(r.Context(), chi.URLParam(r, "id"), approver.UserID)
		if err != nil {
			h.writeDecisionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

type statusRequest struct {
	Status string `json:"status"`
}

func (h *Handler) setCatStatus(w http.ResponseWriter, r *http.Request) {
	if h.deps.Statuses == nil {
		writeError(w, http.StatusServiceUnavailable, "status manager is not configured")
		return
	}
	var req statusRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.deps.Statuses.SetStatus(r.Context(), chi.URLParam(r, "id"), domain.CapabilityStatus(req.Status)); err != nil {
		h.logger.Warn("cat status change rejected", zap.Error(err))
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeDecisionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, decision.ErrNotFound):
		writeError(w, http.StatusNotFound, decision.ReasonNotFound)
	case errors.Is(err, domain.ErrAlreadyProcessed), errors.Is(err, domain.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, decision.ErrInvalidExpiry):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, decision.ErrApproverMissing):
		writeError(w, http.StatusUnauthorized, err.Error())
	default:
		h.logger.Error("decision ledger failure", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, decision.ReasonLedgerUnavailable)
	}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func statusOr(status, fallback int) int {
	if status == 0 {
		return fallback
	}
	return status
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

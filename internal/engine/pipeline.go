package engine

/*
Файл pipeline.go — точка входа конвейера управления:

	Dispatch Guard -> Policy Gate -> (вызов провайдера) -> Execution Guard -> Result Sanitizer

Каждая стадия независима и сама пишет свой факт в ledger. Pipeline только
сшивает их, ведет метрики и спаны и сигнализирует о ledger_written=false.
*/

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-runtime-guard/internal/domain"
	"github.com/xela07ax/spaceai-runtime-guard/internal/ledger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// ErrNoProvider — Run вызван без сконфигурированного провайдера.
var ErrNoProvider = errors.New("pipeline: execution provider is not configured")

// Stage names совпадают с именами потоков ledger.
const (
	StageDispatch  = ledger.StreamDispatchGuard
	StagePolicy    = ledger.StreamPolicyGate
	StageExecution = ledger.StreamExecutionGuard
	StageSanitizer = ledger.StreamResultSanitizer
)

type InputGuard interface {
	Evaluate(ctx context.Context, in domain.GuardInput) domain.GuardResult
}

type SignalGuard interface {
	Evaluate(ctx context.Context, sig domain.ExecutionSignal, cfg domain.ExecutionConfig) domain.GuardResult
}

type OutputSanitizer interface {
	Sanitize(ctx context.Context, in domain.SanitizeInput) (domain.SanitizationOutcome, bool)
}

type StatusEscalator interface {
	Escalate(in *domain.GuardInput) bool
}

type TokenEstimator interface {
	Estimate(text string) int
}

// PipelineDeps — стадии и опциональные помощники. nil-помощники просто пропускаются.
type PipelineDeps struct {
	Dispatch  InputGuard
	Policy    InputGuard
	Execution SignalGuard
	Sanitizer OutputSanitizer

	Provider  ExecutionProvider
	Statuses  StatusEscalator
	Estimator TokenEstimator
	Metrics   *Metrics

	ExecutionConfig domain.ExecutionConfig
}

type Pipeline struct {
	deps   PipelineDeps
	logger *zap.Logger
	now    func() time.Time
}

func NewPipeline(deps PipelineDeps, logger *zap.Logger) *Pipeline {
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}
	return &Pipeline{deps: deps, logger: logger.Named("pipeline"), now: time.Now}
}

// PreflightResult — итог двух pre-flight стадий. Policy == nil, если Dispatch уже отказал.
type PreflightResult struct {
	Input    domain.GuardInput   `json:"input"`
	Dispatch domain.GuardResult  `json:"dispatch"`
	Policy   *domain.GuardResult `json:"policy,omitempty"`
}

// Final — результат, который отображается в ответ вызывающему.
func (r PreflightResult) Final() domain.GuardResult {
	if r.Policy != nil {
		return *r.Policy
	}
	return r.Dispatch
}

func (r PreflightResult) Allowed() bool {
	return r.Final().Verdict == domain.VerdictAllow
}

// Preflight дополняет конверт (request_id, ts, token_estimate, эскалация статуса)
// и прогоняет Dispatch Guard, затем Policy Gate.
func (p *Pipeline) Preflight(ctx context.Context, in domain.GuardInput, prompt string) PreflightResult {
	// 1. Конверт
	if in.RequestID == "" {
		in.RequestID = uuid.New().String()
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = p.now().UTC()
	}
	if in.TokenEstimate == nil && prompt != "" && p.deps.Estimator != nil {
		in.TokenEstimate = domain.IntPtr(p.deps.Estimator.Estimate(prompt))
	}
	if p.deps.Statuses != nil && p.deps.Statuses.Escalate(&in) {
		p.logger.Warn("cat status escalated by control plane",
			zap.String("request_id", in.RequestID),
			zap.String("cat_id", in.CatID),
			zap.String("status", string(in.CatStatus)))
	}

	res := PreflightResult{Input: in}

	// 2. Dispatch Guard
	res.Dispatch = p.runInputStage(ctx, StageDispatch, p.deps.Dispatch, in)
	if res.Dispatch.Verdict != domain.VerdictAllow || p.deps.Policy == nil {
		return res
	}

	// 3. Policy Gate
	gate := p.runInputStage(ctx, StagePolicy, p.deps.Policy, in)
	if gate.ReasonCode == domain.RuleFailClosed {
		p.deps.Metrics.PolicyFailClosed.Inc()
	}
	res.Policy = &gate
	return res
}

func (p *Pipeline) runInputStage(ctx context.Context, stage string, g InputGuard, in domain.GuardInput) domain.GuardResult {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "guard."+stage)
	defer span.End()

	start := p.now()
	res := g.Evaluate(ctx, in)
	p.observe(stage, start, res)

	span.SetAttributes(
		attribute.String("uag.request_id", in.RequestID),
		attribute.String("uag.verdict", string(res.Verdict)),
		attribute.String("uag.reason", res.ReasonCode),
		attribute.Bool("uag.ledger_written", res.LedgerWritten))
	return res
}

// Supervise — Execution Guard на одном снимке телеметрии.
func (p *Pipeline) Supervise(ctx context.Context, sig domain.ExecutionSignal) domain.GuardResult {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "guard."+StageExecution)
	defer span.End()

	start := p.now()
	res := p.deps.Execution.Evaluate(ctx, sig, p.deps.ExecutionConfig)
	p.observe(StageExecution, start, res)

	span.SetAttributes(
		attribute.String("uag.execution_id", sig.ExecutionID),
		attribute.String("uag.verdict", string(res.Verdict)),
		attribute.String("uag.reason", res.ReasonCode))
	return res
}

// Finalize — Result Sanitizer. safe_mode приходит только с самим запросом.
func (p *Pipeline) Finalize(ctx context.Context, in domain.SanitizeInput) (domain.SanitizationOutcome, bool) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "guard."+StageSanitizer)
	defer span.End()

	start := p.now()
	out, written := p.deps.Sanitizer.Sanitize(ctx, in)
	p.deps.Metrics.StageDuration.WithLabelValues(StageSanitizer).Observe(time.Since(start).Seconds())
	p.deps.Metrics.Verdicts.WithLabelValues(StageSanitizer, string(out.Verdict), "").Inc()
	for _, c := range out.Redactions {
		p.deps.Metrics.Redactions.WithLabelValues(c).Inc()
	}
	p.auditGap(StageSanitizer, written)

	span.SetAttributes(
		attribute.String("uag.verdict", string(out.Verdict)),
		attribute.StringSlice("uag.redactions", out.Redactions))
	return out, written
}

func (p *Pipeline) observe(stage string, start time.Time, res domain.GuardResult) {
	p.deps.Metrics.StageDuration.WithLabelValues(stage).Observe(p.now().Sub(start).Seconds())
	p.deps.Metrics.Verdicts.WithLabelValues(stage, string(res.Verdict), res.ReasonCode).Inc()
	p.auditGap(stage, res.LedgerWritten)
}

// auditGap — внешний путь алертинга: решение уже принято, но факт не сохранен.
func (p *Pipeline) auditGap(stage string, written bool) {
	if written {
		return
	}
	p.deps.Metrics.LedgerWriteFailures.WithLabelValues(stage).Inc()
	p.logger.Error("audit gap: decision not recorded in ledger", zap.String("stage", stage))
}

// RunRequest — полный проход конвейера для одного запроса.
type RunRequest struct {
	Input    domain.GuardInput `json:"input"`
	Prompt   string            `json:"prompt"`
	PIIMode  string            `json:"pii_mode,omitempty"`
	SafeMode bool              `json:"safe_mode,omitempty"`
}

// RunResult — что увидел каждый этап. OutputText пуст, если выдача не разрешена.
type RunResult struct {
	RequestID     string                      `json:"request_id"`
	Preflight     PreflightResult             `json:"preflight"`
	Execution     *domain.GuardResult         `json:"execution,omitempty"`
	Sanitization  *domain.SanitizationOutcome `json:"sanitization,omitempty"`
	OutputText    string                      `json:"output_text,omitempty"`
	Delivered     bool                        `json:"delivered"`
	LedgerWritten bool                        `json:"ledger_written"`
}

// Run: preflight -> провайдер через обертку надежности -> supervise -> finalize.
// Ошибка возвращается только при сбое провайдера; отказы стадий — обычный RunResult.
func (p *Pipeline) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if p.deps.Provider == nil {
		return nil, ErrNoProvider
	}

	// 1. Preflight
	pre := p.Preflight(ctx, req.Input, req.Prompt)
	in := pre.Input
	out := &RunResult{
		RequestID:     in.RequestID,
		Preflight:     pre,
		LedgerWritten: pre.Dispatch.LedgerWritten && (pre.Policy == nil || pre.Policy.LedgerWritten),
	}
	if !pre.Allowed() {
		return out, nil
	}

	// 2. Провайдер
	start := p.now()
	preq := domain.ProviderRequest{
		RequestID:   in.RequestID,
		Provider:    in.ProviderRequested,
		CatID:       in.CatID,
		Prompt:      req.Prompt,
		ToolIntents: in.ToolIntents,
	}
	if in.MaxTokens != nil {
		preq.MaxTokens = *in.MaxTokens
	}
	resp, err := p.deps.Provider.Call(ctx, preq)
	if err != nil {
		p.logger.Error("provider call failed", zap.String("request_id", in.RequestID), zap.Error(err))
		return out, err
	}
	latency := p.now().Sub(start).Milliseconds()

	// 3. Execution Guard
	attempt := resp.Attempts
	if attempt < 1 {
		attempt = 1
	}
	sig := domain.ExecutionSignal{
		ExecutionID:         uuid.New().String(),
		TokenEstimate:       in.TokenEstimate,
		TokensUsed:          domain.IntPtr(resp.TokensUsed),
		LatencyMs:           domain.Int64Ptr(latency),
		Attempt:             attempt,
		ToolIntents:         in.ToolIntents,
		ToolIntentsObserved: resp.ToolIntentsObserved,
	}
	exec := p.Supervise(ctx, sig)
	out.Execution = &exec
	out.LedgerWritten = out.LedgerWritten && exec.LedgerWritten
	if !exec.Allowed() {
		return out, nil
	}

	// 4. Result Sanitizer
	san, written := p.Finalize(ctx, domain.SanitizeInput{
		OutputText: resp.OutputText,
		PIIMode:    req.PIIMode,
		SafeMode:   req.SafeMode,
	})
	out.Sanitization = &san
	out.OutputText = san.OutputText
	out.Delivered = san.Verdict != domain.VerdictBlock
	out.LedgerWritten = out.LedgerWritten && written
	return out, nil
}

package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Traffic: вердикты по стадиям конвейера
	Verdicts *prometheus.CounterVec

	// Latency: сколько заняла стадия
	StageDuration *prometheus.HistogramVec

	// Audit: факты, которые не удалось записать в ledger
	LedgerWriteFailures *prometheus.CounterVec

	// Sanitizer: срабатывания по категориям
	Redactions *prometheus.CounterVec

	// Policy: отказы R0 из-за недоступной политики
	PolicyFailClosed prometheus.Counter

	// Decisions: результаты Enforce по причинам
	DecisionChecks *prometheus.CounterVec

	// Saturation: состояние Circuit Breaker (0 - closed, 1 - half-open, 2 - open)
	CircuitBreakerState *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		Verdicts: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "uag_guard_verdicts_total",
			Help: "Verdicts emitted by pipeline stages.",
		}, []string{"stage", "verdict", "reason"}),

		StageDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "uag_stage_duration_seconds",
			Help:    "Histogram of pipeline stage latencies.",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"stage"}),

		LedgerWriteFailures: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "uag_ledger_write_failures_total",
			Help: "Decisions returned with ledger_written=false.",
		}, []string{"stream"}),

		Redactions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "uag_sanitizer_redactions_total",
			Help: "Sanitizer redactions by category.",
		}, []string{"category"}),

		PolicyFailClosed: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "uag_policy_fail_closed_total",
			Help: "Requests denied because the active policy could not be loaded.",
		}),

		DecisionChecks: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "uag_decision_checks_total",
			Help: "Decision enforcement outcomes.",
		}, []string{"reason"}),

		CircuitBreakerState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "uag_circuit_breaker_state",
			Help: "Current state of the provider circuit breaker (0=closed, 1=half-open, 2=open).",
		}, []string{"provider"}),
	}
}

package domain

// ExecutionSignal — снимок телеметрии во время или после вызова провайдера.
// Каждая оценка потребляет сигнал один раз, ретраи не суммируются.
type ExecutionSignal struct {
	ExecutionID         string   `json:"execution_id"`
	TokenEstimate       *int     `json:"token_estimate,omitempty"`
	TokensUsed          *int     `json:"tokens_used,omitempty"`
	LatencyMs           *int64   `json:"latency_ms,omitempty"`
	Attempt             int      `json:"attempt"`
	ToolIntents         []string `json:"tool_intents,omitempty"`
	ToolIntentsObserved []string `json:"tool_intents_observed,omitempty"`
}

// ExecutionConfig — пороги дрейфа и задержки.
type ExecutionConfig struct {
	WarnFactor           float64 `mapstructure:"warn_factor" json:"warn_factor"`
	AbortFactor          float64 `mapstructure:"abort_factor" json:"abort_factor"`
	LatencyWarnMs        int64   `mapstructure:"latency_warn_ms" json:"latency_warn_ms"`
	LatencyAbortMs       int64   `mapstructure:"latency_abort_ms" json:"latency_abort_ms"`
	ToolIntentFailClosed bool    `mapstructure:"tool_intent_fail_closed" json:"tool_intent_fail_closed"`
}

func DefaultExecutionConfig() ExecutionConfig {
	return ExecutionConfig{
		WarnFactor:           1.25,
		AbortFactor:          1.75,
		LatencyWarnMs:        8000,
		LatencyAbortMs:       20000,
		ToolIntentFailClosed: true,
	}
}

// Int64Ptr — хелпер для опциональной задержки.
func Int64Ptr(v int64) *int64 { return &v }

package domain

// ProviderRequest — то, что уходит провайдеру после прохождения preflight.
type ProviderRequest struct {
	RequestID   string   `json:"request_id"`
	Provider    string   `json:"provider"`
	CatID       string   `json:"cat_id"`
	Prompt      string   `json:"prompt"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	ToolIntents []string `json:"tool_intents,omitempty"`
}

// ProviderResponse — выдача провайдера и телеметрия для Execution Guard.
type ProviderResponse struct {
	OutputText          string   `json:"output_text"`
	TokensUsed          int      `json:"tokens_used"`
	ToolIntentsObserved []string `json:"tool_intents_observed,omitempty"`
	// Attempts — сколько попыток понадобилось обертке надежности.
	Attempts int `json:"attempts,omitempty"`
}

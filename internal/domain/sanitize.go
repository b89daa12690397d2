package domain

import "strings"

// PIIMode — политика обработки персональных данных в выдаче провайдера.
type PIIMode string

const (
	PIIOff    PIIMode = "off"
	PIIBlock  PIIMode = "block"
	PIIRedact PIIMode = "redact"
)

// ParsePIIMode: пустая строка — режим не задан, неизвестное значение — block (fail-closed).
func ParsePIIMode(s string) (PIIMode, bool) {
	switch m := PIIMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return "", false
	case PIIOff, PIIBlock, PIIRedact:
		return m, true
	default:
		return PIIBlock, true
	}
}

// Категории редакции.
const (
	RedactionBearerToken = "bearer_token"
	RedactionAPIKey      = "api_key"
	RedactionInternalURL = "internal_url"
	RedactionPII         = "pii_redacted"
	RedactionPIIBlocked  = "pii_blocked"
)

type SanitizeInput struct {
	OutputText string `json:"output_text"`
	PIIMode    string `json:"pii_mode"`
	// SafeMode передается явно с запросом. Глобального флага нет.
	SafeMode bool `json:"safe_mode,omitempty"`
}

type SanitizationOutcome struct {
	Verdict    Verdict  `json:"verdict"`
	Message    string   `json:"message"`
	OutputText string   `json:"output_text"`
	Redactions []string `json:"redactions"`
}

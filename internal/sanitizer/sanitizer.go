// Package sanitizer — финальный фильтр выдачи провайдера перед показом пользователю.
//
// Сначала безусловно вырезаются секреты (bearer-токены, API-ключи, внутренние URL),
// и только потом применяется PII-политика. Поэтому решение о блокировке
// принимается по реальным персональным данным, а не по уже вырезанным секретам.
package sanitizer

import (
	"context"
	"regexp"
	"strings"

	"github.com/xela07ax/spaceai-runtime-guard/internal/domain"
	"github.com/xela07ax/spaceai-runtime-guard/internal/ledger"
	"go.uber.org/zap"
)

// BlockedMessage заменяет всю выдачу в режиме block.
const BlockedMessage = "Response blocked by data protection policy."

const (
	markerBearer = "[REDACTED_BEARER_TOKEN]"
	markerAPIKey = "[REDACTED_API_KEY]"
	markerURL    = "[REDACTED_URL]"
)

var (
	bearerRe = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9\-._~+/]{8,}=*`)
	apiKeyRe = regexp.MustCompile(`\b(?:sk|rk|pk)_(?:(?:live|test)_)?[A-Za-z0-9]{16,}`)
	// localhost, 127.0.0.1, 0.0.0.0, *.internal, *.local с опциональной схемой, портом и путем.
	// Хост должен закончиться: дефис, буква или ".label" после него означают другое имя
	// (api.internal-tools.com). Символ-ограничитель попадает в группу tail и возвращается в текст.
	internalURLRe = regexp.MustCompile(`(?i)(?:\b[a-z][a-z0-9+.\-]*://)?\b(?:localhost|127\.0\.0\.1|0\.0\.0\.0|(?:[a-z0-9](?:[a-z0-9\-]*[a-z0-9])?\.)+(?:internal|local))(?::\d{1,5})?(?:/[^\s"'<>()\[\]]*)?(?P<tail>$|[^a-z0-9_.\-]|\.(?:$|[^a-z0-9_\-]))`)

	emailRe = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	// Североамериканский формат, E.164 с "+" и слитная запись 11-15 цифр.
	phoneRe = regexp.MustCompile(`(?:\+\d{1,3}[\s.\-]?)?(?:\(\d{3}\)|\b\d{3})[\s.\-]?\d{3}[\s.\-]?\d{4}\b` +
		`|\+\d{1,3}(?:[\s.\-]?\d){6,14}\b` +
		`|\b\d{11,15}\b`)
)

// secretRule.replacement — шаблон regexp.Expand.
type secretRule struct {
	re          *regexp.Regexp
	replacement string
	category    string
}

var secretRules = []secretRule{
	{bearerRe, markerBearer, domain.RedactionBearerToken},
	{apiKeyRe, markerAPIKey, domain.RedactionAPIKey},
	{internalURLRe, markerURL + "${tail}", domain.RedactionInternalURL},
}

type sanitizeFact struct {
	Input         domain.SanitizeInput       `json:"input"`
	EffectiveMode domain.PIIMode             `json:"effective_pii_mode"`
	Outcome       domain.SanitizationOutcome `json:"outcome"`
}

type Sanitizer struct {
	defaultMode domain.PIIMode
	ledger      ledger.Appender
	logger      *zap.Logger
}

// New: defaultMode применяется, когда запрос не задает pii_mode.
func New(defaultMode domain.PIIMode, l ledger.Appender, logger *zap.Logger) *Sanitizer {
	if m, ok := domain.ParsePIIMode(string(defaultMode)); ok {
		defaultMode = m
	} else {
		defaultMode = domain.PIIRedact
	}
	return &Sanitizer{defaultMode: defaultMode, ledger: l, logger: logger.Named("sanitizer")}
}

// EffectiveMode: пустой режим берется из конфигурации, неизвестный — block,
// safe mode поднимает off до redact.
func (s *Sanitizer) EffectiveMode(in domain.SanitizeInput) domain.PIIMode {
	mode, ok := domain.ParsePIIMode(in.PIIMode)
	if !ok {
		mode = s.defaultMode
	}
	if in.SafeMode && mode == domain.PIIOff {
		mode = domain.PIIRedact
	}
	return mode
}

func (s *Sanitizer) Sanitize(ctx context.Context, in domain.SanitizeInput) (domain.SanitizationOutcome, bool) {
	mode := s.EffectiveMode(in)
	out := Apply(in.OutputText, mode)

	written := s.ledger.Append(ctx, ledger.StreamResultSanitizer, sanitizeFact{
		Input:         in,
		EffectiveMode: mode,
		Outcome:       out,
	})
	if !written {
		s.logger.Error("sanitizer outcome not recorded in ledger", zap.String("verdict", string(out.Verdict)))
	}
	if out.Verdict != domain.VerdictPass {
		s.logger.Info("provider output sanitized",
			zap.String("verdict", string(out.Verdict)),
			zap.Strings("redactions", out.Redactions))
	}
	return out, written
}

// Apply — чистая часть санитайзера без записи в ledger.
func Apply(text string, mode domain.PIIMode) domain.SanitizationOutcome {
	redactions := make([]string, 0, 4)

	// 1. Секреты: безусловно, в любом режиме
	for _, rule := range secretRules {
		next := rule.re.ReplaceAllString(text, rule.replacement)
		if next != text {
			redactions = append(redactions, rule.category)
			text = next
		}
	}

	// 2. PII
	switch mode {
	case domain.PIIOff:
	case domain.PIIRedact:
		next := emailRe.ReplaceAllStringFunc(text, maskEmail)
		// Маска одного номера может открыть соседний, поэтому до неподвижной точки.
		// Каждый проход прячет хотя бы одну цифру, цикл конечен.
		for phoneRe.MatchString(next) {
			next = phoneRe.ReplaceAllStringFunc(next, maskPhone)
		}
		if next != text {
			redactions = append(redactions, domain.RedactionPII)
			text = next
		}
	default:
		if emailRe.MatchString(text) || phoneRe.MatchString(text) {
			return domain.SanitizationOutcome{
				Verdict:    domain.VerdictBlock,
				Message:    BlockedMessage,
				OutputText: BlockedMessage,
				Redactions: append(redactions, domain.RedactionPIIBlocked),
			}
		}
	}

	if len(redactions) == 0 {
		return domain.SanitizationOutcome{
			Verdict:    domain.VerdictPass,
			Message:    "No sensitive content detected.",
			OutputText: text,
			Redactions: redactions,
		}
	}
	return domain.SanitizationOutcome{
		Verdict:    domain.VerdictSanitized,
		Message:    "Sensitive content redacted: " + strings.Join(redactions, ", ") + ".",
		OutputText: text,
		Redactions: redactions,
	}
}

// maskEmail оставляет только первый символ локальной части, односимвольная скрывается целиком.
// Перед "@" всегда остается "*", поэтому маска не распознается как адрес повторно.
func maskEmail(email string) string {
	at := strings.LastIndexByte(email, '@')
	if at < 0 {
		return email
	}
	local := []rune(email[:at])
	if len(local) == 1 {
		return "*" + email[at:]
	}
	return string(local[0]) + strings.Repeat("*", len(local)-1) + email[at:]
}

// maskPhone скрывает все цифры, кроме последних четырех. Разделители сохраняются.
func maskPhone(phone string) string {
	digits := 0
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	keep := 4
	b := []rune(phone)
	for i, r := range b {
		if r < '0' || r > '9' {
			continue
		}
		if digits > keep {
			b[i] = '*'
		}
		digits--
	}
	return string(b)
}

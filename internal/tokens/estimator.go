// Package tokens оценивает размер промпта, когда вызывающий не передал token_estimate.
package tokens

import (
	"github.com/tiktoken-go/tokenizer"
	"go.uber.org/zap"
)

// Estimator считает токены кодировкой cl100k_base. Если кодек недоступен — len/4.
type Estimator struct {
	codec tokenizer.Codec
}

func NewEstimator(logger *zap.Logger) *Estimator {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		logger.Warn("tokenizer unavailable, falling back to byte heuristic", zap.Error(err))
		return &Estimator{}
	}
	return &Estimator{codec: codec}
}

// Estimate возвращает оценку числа токенов, для пустого текста 0.
func (e *Estimator) Estimate(text string) int {
	if text == "" {
		return 0
	}
	if e != nil && e.codec != nil {
		if ids, _, err := e.codec.Encode(text); err == nil {
			return len(ids)
		}
	}
	return heuristic(text)
}

func heuristic(text string) int {
	n := len(text) / 4
	if n == 0 {
		return 1
	}
	return n
}

package auth

import (
	"context"
	"net/http"

	"github.com/xela07ax/spaceai-runtime-guard/internal/domain"
	"go.uber.org/zap"
)

// TokenValidator — контракт проверки токена, реализуется RS256Validator.
type TokenValidator interface {
	VerifyToken(tokenStr string) (*domain.CustomClaims, error)
}

type ctxKey struct{}

// WithApprover кладет идентичность оператора в контекст.
func WithApprover(ctx context.Context, a domain.Approver) context.Context {
	return context.WithValue(ctx, ctxKey{}, a)
}

// ApproverFrom достает идентичность оператора из контекста.
func ApproverFrom(ctx context.Context) (domain.Approver, bool) {
	a, ok := ctx.Value(ctxKey{}).(domain.Approver)
	return a, ok
}

// NewMiddleware пропускает запрос только с валидным токеном, содержащим scope.
func NewMiddleware(v TokenValidator, scope string, logger *zap.Logger) func(http.Handler) http.Handler {
	logger = logger.With(zap.String("mod", "auth"))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := v.VerifyToken(authHeader)
			if err != nil {
				logger.Warn("auth failure", zap.Error(err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			approver := domain.Approver{UserID: claims.UserID, Scopes: claims.Scopes}
			if scope != "" && !approver.Can(scope) {
				logger.Warn("scope missing", zap.String("user_id", claims.UserID), zap.String("scope", scope))
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithApprover(r.Context(), approver)))
		})
	}
}

package domain

import (
	"github.com/golang-jwt/jwt/v5"
)

// ScopeDecisionsAdmin — право менять статус Decision Record.
const ScopeDecisionsAdmin = "decisions:admin"

type CustomClaims struct {
	UserID string          `json:"user_id"`
	Scopes map[string]bool `json:"scopes"` // "decisions:admin": true
	jwt.RegisteredClaims
}

// Approver — идентичность оператора, извлеченная из токена.
type Approver struct {
	UserID string
	Scopes map[string]bool
}

func (a Approver) Can(scope string) bool {
	return a.Scopes[scope]
}

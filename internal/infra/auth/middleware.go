package auth

import (
	"context"
	"net/http"

	"github.com/xela07ax/callpool-infra-prototype/internal/domain"
	"go.uber.org/zap"
)

// TokenValidator — интерфейс проверки сессионного токена агента
type TokenValidator interface {
	VerifyToken(tokenStr string) (*domain.AgentClaims, error)
}

// Тип для ключей в контексте (избегаем коллизий)
type ctxKey string

const (
	ctxKeyAgentID ctxKey = "agent_id"
	ctxKeyOrgID   ctxKey = "org_id"
)

// NewMiddleware закрывает HTTP-роуты агентской стороны.
// WS-рукопожатие агента несет токен в query/заголовке — проверяется там же.
func NewMiddleware(v TokenValidator, logger *zap.Logger) func(http.Handler) http.Handler {
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

			// Прокидываем данные в контекст
			ctx := context.WithValue(r.Context(), ctxKeyAgentID, claims.AgentID)
			ctx = context.WithValue(ctx, ctxKeyOrgID, claims.OrgID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AgentIDFromContext достает ID агента, положенный middleware
func AgentIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKeyAgentID).(string)
	return id, ok
}

// OrgIDFromContext достает ID организации, положенный middleware
func OrgIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ctxKeyOrgID).(string)
	return id, ok
}

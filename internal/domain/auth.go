package domain

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AgentClaims — клеймы сессионного токена агента (RS256).
type AgentClaims struct {
	AgentID string `json:"agent_id"`
	OrgID   string `json:"org_id"`
	jwt.RegisteredClaims
}

// ReconnectClaims — клеймы reconnect-токена. Сам токен одноразовый:
// факт использования фиксируется атомарно в Redis, подпись лишь отсекает мусор.
type ReconnectClaims struct {
	CallID    string `json:"call_id"`
	AgentID   string `json:"agent_id"`
	VisitorID string `json:"visitor_id"`
	OrgID     string `json:"org_id"`
	jwt.RegisteredClaims
}

// VerifyResult — результат проверки токена агента (внешний интерфейс Auth)
type VerifyResult struct {
	Valid   bool   `json:"valid"`
	AgentID string `json:"agent_id,omitempty"`
	OrgID   string `json:"org_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Secure Token Issuing
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"` // Всегда "Bearer"
	ExpiresIn   int64  `json:"expires_in"`
}

// AgentAccount — учетная запись агента (источник правды — Postgres).
type AgentAccount struct {
	AgentID      string       `json:"agent_id"`
	OrgID        string       `json:"org_id"`
	Username     string       `json:"username"`
	PasswordHash string       `json:"-"` // Никогда не отдаем наружу
	Profile      AgentProfile `json:"profile"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

package collab

import (
	"context"
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/xela07ax/callpool-infra-prototype/internal/domain"
	"github.com/xela07ax/callpool-infra-prototype/internal/infra"
	"github.com/xela07ax/callpool-infra-prototype/internal/store"
	"go.uber.org/zap"
)

// ReconnectTokens выпускает и гасит одноразовые reconnect-токены.
//
// Одноразовость держится не на подписи, а на записи jti в shared store:
// погасить (GetDel) запись может ровно один предъявитель, с какой бы ноды
// он ни пришел. Подпись RS256 лишь отсекает мусор до похода в store.
type ReconnectTokens struct {
	s          store.Store
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	ttl        time.Duration
	logger     *zap.Logger
}

func NewReconnectTokens(s store.Store, privateKey *rsa.PrivateKey, publicKey *rsa.PublicKey, ttl time.Duration, logger *zap.Logger) *ReconnectTokens {
	return &ReconnectTokens{
		s:          s,
		privateKey: privateKey,
		publicKey:  publicKey,
		ttl:        ttl,
		logger:     logger.Named("reconnect-tokens"),
	}
}

func jtiKey(jti string) string {
	return infra.RedisKeyReconnectTokenPrefix + jti
}

// IssueReconnectToken подписывает токен возврата к звонку и регистрирует
// его jti. TTL записи чуть шире бюджета rendezvous: токен должен пережить
// сам таймер, решает все равно claim записи.
func (t *ReconnectTokens) IssueReconnectToken(ctx context.Context, call *domain.ActiveCall) (string, error) {
	jti := uuid.NewString()
	now := time.Now()
	claims := &domain.ReconnectClaims{
		CallID:    call.CallID,
		AgentID:   call.AgentID,
		VisitorID: call.VisitorID,
		OrgID:     call.OrgID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Issuer:    "callpool-gateway",
			Subject:   call.VisitorID,
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(t.privateKey)
	if err != nil {
		return "", fmt.Errorf("sign reconnect token: %w", err)
	}
	if err := t.s.Set(ctx, jtiKey(jti), call.CallID, t.ttl); err != nil {
		return "", fmt.Errorf("register reconnect jti: %w", err)
	}
	return signed, nil
}

// ResolveReconnectToken проверяет подпись и атомарно гасит jti.
// nil, nil — токен невалиден, протух или уже использован.
func (t *ReconnectTokens) ResolveReconnectToken(ctx context.Context, tokenStr string) (*domain.ReconnectClaims, error) {
	claims := &domain.ReconnectClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
		}
		return t.publicKey, nil
	})
	if err != nil || !token.Valid {
		return nil, nil
	}

	// Гонка двух вкладок решается здесь: GetDel вернет запись одной
	_, used, err := t.s.GetDel(ctx, jtiKey(claims.ID))
	if err != nil {
		return nil, err
	}
	if !used {
		t.logger.Info("reconnect token replayed or expired",
			zap.String("call_id", claims.CallID),
			zap.String("jti", claims.ID))
		return nil, nil
	}
	return claims, nil
}

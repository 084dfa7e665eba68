package engine

import (
	"context"

	"github.com/xela07ax/callpool-infra-prototype/internal/domain"
)

// Внешние сервисы ядра. Оркестратор потребляет их строго как интерфейсы:
// геолокация и блок-листы работают fail-open (инфраструктурный сбой никогда
// не блокирует посетителя), логирование звонков — fire-and-forget.

// SettingsProvider отдает настройки организации (источник — Postgres,
// пишет их дашборд, который вне нашей зоны).
type SettingsProvider interface {
	GetCallSettings(ctx context.Context, orgID string) (domain.CallSettings, error)
	// GetWidgetSettings: poolID == "" -> дефолтный виджет организации
	GetWidgetSettings(ctx context.Context, orgID, poolID string) (domain.WidgetSettings, error)
}

// GeoProvider — геолокация по IP. nil = не определили (и это нормально).
type GeoProvider interface {
	GetLocationFromIP(ctx context.Context, ip string) *domain.Location
}

// BlocklistProvider — блокировка стран на уровне организации.
// Fail-open: при внутренней ошибке возвращает false.
type BlocklistProvider interface {
	IsCountryBlocked(ctx context.Context, orgID, countryCode string) bool
}

// TokenService выпускает и одноразово гасит reconnect-токены.
type TokenService interface {
	IssueReconnectToken(ctx context.Context, call *domain.ActiveCall) (string, error)
	// ResolveReconnectToken: nil = токен невалиден или уже использован
	ResolveReconnectToken(ctx context.Context, token string) (*domain.ReconnectClaims, error)
}

// Recorder — журнал звонков/сессий. Реализация не должна блокировать
// и не имеет права возвращать ошибку в hot path (см. internal/calllog).
type Recorder interface {
	CallRequested(req *domain.CallRequest)
	CallAccepted(call *domain.ActiveCall, requestID string)
	CallEnded(call *domain.ActiveCall, reason domain.EndReason)
	CallRejected(req *domain.CallRequest)
	CallCancelled(req *domain.CallRequest)
	CallMissed(req *domain.CallRequest)
	StatusChange(agentID string, status domain.AgentStatus)
	Pageview(v *domain.VisitorSession)
}

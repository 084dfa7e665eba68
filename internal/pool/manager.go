package pool

import (
	"context"
	"time"

	"github.com/xela07ax/callpool-infra-prototype/internal/domain"
	"github.com/xela07ax/callpool-infra-prototype/internal/infra"
	"github.com/xela07ax/callpool-infra-prototype/internal/store"
	"go.uber.org/zap"
)

// RoutingSource отдает снапшот маршрутизации организации (пулы + URL-правила).
// Реализуется постгрес-репозиторием с кэшем на ноде; nil-результат означает
// "правил нет, работаем на org-wide кандидатах".
type RoutingSource interface {
	GetOrgRouting(ctx context.Context, orgID string) (*domain.OrgRouting, error)
}

// Manager — владелец состояния агентов/посетителей/звонков в shared store.
// Orchestrator никогда не мутирует сущности напрямую — только через эти
// методы: единая точка контроля инвариантов.
//
// Операции над уже разрешенными ID возвращают nil, nil — "вторая сторона
// успела раньше". Это штатный исход, не ошибка.
type Manager struct {
	s       store.Store
	routing RoutingSource
	logger  *zap.Logger

	now func() time.Time // Подменяемые часы для тестов
}

func NewManager(s store.Store, routing RoutingSource, logger *zap.Logger) *Manager {
	return &Manager{
		s:       s,
		routing: routing,
		logger:  logger.Named("pool-manager"),
		now:     time.Now,
	}
}

func agentKey(id string) string   { return infra.RedisKeyAgentPrefix + id }
func agentSimsKey(id string) string { return infra.RedisKeyAgentPrefix + id + ":sims" }
func visitorKey(id string) string { return infra.RedisKeyVisitorPrefix + id }
func requestKey(id string) string { return infra.RedisKeyRequestPrefix + id }
func callKey(id string) string    { return infra.RedisKeyCallPrefix + id }
func orgAgentsKey(org string) string   { return infra.RedisKeyOrgAgentsPrefix + org }
func orgVisitorsKey(org string) string { return infra.RedisKeyOrgVisitorsPrefix + org }
func orgAssignedKey(org string) string { return infra.RedisKeyOrgAssignedPrefix + org }
func waitingKey(agentID string) string { return infra.RedisKeyAgentWaitingPrefix + agentID }

const orgsIndexKey = infra.RedisNamespace + ":orgs"

// --- Регистрация ---

// RegisterAgent создает/перезаписывает состояние агента (идемпотентный
// re-login). Возвращает каноническую запись.
func (m *Manager) RegisterAgent(ctx context.Context, a domain.AgentState) (*domain.AgentState, error) {
	if a.Profile.Status == "" {
		a.Profile.Status = domain.StatusIdle
	}
	a.RegisteredAt = m.now()
	a.LastActivityAt = m.now()

	if err := m.s.HSet(ctx, agentKey(a.AgentID), agentToFields(&a)); err != nil {
		return nil, err
	}
	if err := m.s.SAdd(ctx, orgAgentsKey(a.OrgID), a.AgentID); err != nil {
		return nil, err
	}
	_ = m.s.SAdd(ctx, orgsIndexKey, a.OrgID)

	// Round-robin: новичок (или вернувшийся после unregister) встает в
	// начало ротации; повторный login ротацию не сбрасывает
	if _, ok, err := m.s.ZScore(ctx, orgAssignedKey(a.OrgID), a.AgentID); err == nil && !ok {
		_ = m.s.ZAdd(ctx, orgAssignedKey(a.OrgID), a.AgentID, 0)
	}

	m.logger.Info("agent registered",
		zap.String("agent_id", a.AgentID),
		zap.String("org_id", a.OrgID),
		zap.String("node_id", a.NodeID))
	return &a, nil
}

// RegisterVisitor создает/перезаписывает сессию посетителя.
func (m *Manager) RegisterVisitor(ctx context.Context, v domain.VisitorSession) (*domain.VisitorSession, error) {
	if v.State == "" {
		v.State = domain.VisitorBrowsing
	}
	v.ConnectedAt = m.now()

	if err := m.s.HSet(ctx, visitorKey(v.VisitorID), visitorToFields(&v)); err != nil {
		return nil, err
	}
	if err := m.s.SAdd(ctx, orgVisitorsKey(v.OrgID), v.VisitorID); err != nil {
		return nil, err
	}
	_ = m.s.SAdd(ctx, orgsIndexKey, v.OrgID)
	return &v, nil
}

// UnregisterAgent убирает агента целиком (явный logout или истекший grace).
// Reassign посетителей — забота вызывающего (orchestrator).
func (m *Manager) UnregisterAgent(ctx context.Context, agentID string) error {
	a, err := m.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if a == nil {
		return nil // Уже нет
	}

	if err := m.s.Del(ctx, agentKey(agentID), agentSimsKey(agentID), waitingKey(agentID)); err != nil {
		return err
	}
	_ = m.s.SRem(ctx, orgAgentsKey(a.OrgID), agentID)
	_, _ = m.s.ZRem(ctx, orgAssignedKey(a.OrgID), agentID)

	m.logger.Info("agent unregistered", zap.String("agent_id", agentID))
	return nil
}

// UnregisterVisitor убирает сессию посетителя (disconnect без активного звонка).
func (m *Manager) UnregisterVisitor(ctx context.Context, visitorID string) error {
	v, err := m.GetVisitor(ctx, visitorID)
	if err != nil {
		return err
	}
	if v == nil {
		return nil
	}

	if v.AssignedAgentID != "" {
		_ = m.s.SRem(ctx, agentSimsKey(v.AssignedAgentID), visitorID)
	}
	if err := m.s.Del(ctx, visitorKey(visitorID)); err != nil {
		return err
	}
	_ = m.s.SRem(ctx, orgVisitorsKey(v.OrgID), visitorID)
	return nil
}

// --- Чтение ---

func (m *Manager) GetAgent(ctx context.Context, agentID string) (*domain.AgentState, error) {
	fields, err := m.s.HGetAll(ctx, agentKey(agentID))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	sims, err := m.s.SMembers(ctx, agentSimsKey(agentID))
	if err != nil {
		return nil, err
	}
	return agentFromFields(agentID, fields, sims), nil
}

func (m *Manager) GetVisitor(ctx context.Context, visitorID string) (*domain.VisitorSession, error) {
	fields, err := m.s.HGetAll(ctx, visitorKey(visitorID))
	if err != nil {
		return nil, err
	}
	return visitorFromFields(visitorID, fields), nil
}

// --- Статусы и активность ---

// SetAgentStatus переводит агента между idle/away/offline.
// В in_call агент попадает только через AcceptCall/ReconnectVisitorToCall,
// выходит — только через EndCall: инвариант in_call <=> call_visitor != ""
// обеспечивается там. Оба направления мимо переходов звонка игнорируются,
// вызывающий получает актуальное состояние.
func (m *Manager) SetAgentStatus(ctx context.Context, agentID string, status domain.AgentStatus) (*domain.AgentState, error) {
	a, err := m.GetAgent(ctx, agentID)
	if err != nil || a == nil {
		return nil, err
	}
	if status == domain.StatusInCall || a.Profile.Status == domain.StatusInCall {
		return a, nil // Не та дверь
	}

	a.Profile.Status = status
	a.LastActivityAt = m.now()
	profile := agentToFields(a)
	if err := m.s.HSet(ctx, agentKey(agentID), map[string]string{
		fProfile:      profile[fProfile],
		fLastActivity: profile[fLastActivity],
	}); err != nil {
		return nil, err
	}
	return a, nil
}

// TouchAgent обновляет lastActivity (heartbeat и любое действие агента).
func (m *Manager) TouchAgent(ctx context.Context, agentID string) error {
	return m.s.HSet(ctx, agentKey(agentID), map[string]string{
		fLastActivity: encodeTime(m.now()),
	})
}

// MarkInteracted — посетитель проявил активность (запросил звонок и т.п.)
func (m *Manager) MarkInteracted(ctx context.Context, visitorID string) error {
	return m.s.HSet(ctx, visitorKey(visitorID), map[string]string{
		fInteracted: encodeTime(m.now()),
	})
}

// GetStaleAgents возвращает idle-агентов без активности дольше threshold.
// in_call оправданно заняты, away/offline уже понижены — их не трогаем.
func (m *Manager) GetStaleAgents(ctx context.Context, threshold time.Duration) ([]*domain.AgentState, error) {
	orgs, err := m.s.SMembers(ctx, orgsIndexKey)
	if err != nil {
		return nil, err
	}

	cutoff := m.now().Add(-threshold)
	var stale []*domain.AgentState
	for _, org := range orgs {
		ids, err := m.s.SMembers(ctx, orgAgentsKey(org))
		if err != nil {
			return stale, err
		}
		for _, id := range ids {
			a, err := m.GetAgent(ctx, id)
			if err != nil {
				return stale, err
			}
			if a == nil || a.Profile.Status != domain.StatusIdle {
				continue
			}
			if a.LastActivityAt.Before(cutoff) {
				stale = append(stale, a)
			}
		}
	}
	return stale, nil
}

// --- Счетчики для stats:update ---

func (m *Manager) CountOnline(ctx context.Context, orgID string) (agents, visitors int64) {
	agents, _ = m.s.SCard(ctx, orgAgentsKey(orgID))
	visitors, _ = m.s.SCard(ctx, orgVisitorsKey(orgID))
	return agents, visitors
}

// ListOrgAgents — все зарегистрированные агенты организации.
func (m *Manager) ListOrgAgents(ctx context.Context, orgID string) ([]*domain.AgentState, error) {
	ids, err := m.s.SMembers(ctx, orgAgentsKey(orgID))
	if err != nil {
		return nil, err
	}
	agents := make([]*domain.AgentState, 0, len(ids))
	for _, id := range ids {
		a, err := m.GetAgent(ctx, id)
		if err != nil {
			return agents, err
		}
		if a != nil {
			agents = append(agents, a)
		}
	}
	return agents, nil
}

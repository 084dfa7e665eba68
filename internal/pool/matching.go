package pool

import (
	"context"
	"net/url"
	"strings"

	"github.com/xela07ax/callpool-infra-prototype/internal/domain"
	"go.uber.org/zap"
)

// matchPool резолвит страницу в пул по упорядоченным правилам: срабатывает
// ПЕРВОЕ правило, чей path-префикс совпал. Пустой результат = пул не найден,
// дальше работаем на org-wide кандидатах.
func matchPool(rules []domain.URLRule, pageURL string) string {
	path := pageURL
	if u, err := url.Parse(pageURL); err == nil && u.Path != "" {
		path = u.Path
	}
	for _, rule := range rules {
		if strings.HasPrefix(path, rule.PathPrefix) {
			return rule.PoolID
		}
	}
	return ""
}

// FindBestAgentForVisitor выбирает лучшего свободного агента под страницу.
//
// Порядок: страница -> пул (first-match), кандидаты = члены пула (fallback:
// все агенты организации), фильтр idle + exclude, выбор least-recently-assigned
// (явный ZSet назначения, а не порядок итерации по мапе). nil = свободных нет;
// вызывающий обязан трактовать это как "агент недоступен", не как ошибку.
//
// excludeAgentID существует ради reroute: отклонивший (или проспавший RNA)
// агент не должен немедленно получить того же посетителя обратно.
func (m *Manager) FindBestAgentForVisitor(ctx context.Context, orgID, pageURL, excludeAgentID string) (*domain.AgentState, error) {
	candidates, err := m.candidateIDs(ctx, orgID, pageURL)
	if err != nil {
		return nil, err
	}

	var best *domain.AgentState
	bestScore := 0.0
	for _, id := range candidates {
		if id == excludeAgentID {
			continue
		}
		a, err := m.GetAgent(ctx, id)
		if err != nil {
			return nil, err
		}
		if a == nil || !a.Available() {
			continue
		}

		score, _, err := m.s.ZScore(ctx, orgAssignedKey(orgID), id)
		if err != nil {
			return nil, err
		}
		// Меньший score = дольше без назначений. При равенстве —
		// лексикографический tie-break для детерминизма.
		if best == nil || score < bestScore || (score == bestScore && a.AgentID < best.AgentID) {
			best = a
			bestScore = score
		}
	}
	return best, nil
}

// candidateIDs — члены сматченного пула, пересеченные с реально
// зарегистрированными агентами организации.
func (m *Manager) candidateIDs(ctx context.Context, orgID, pageURL string) ([]string, error) {
	online, err := m.s.SMembers(ctx, orgAgentsKey(orgID))
	if err != nil {
		return nil, err
	}

	routing, err := m.routing.GetOrgRouting(ctx, orgID)
	if err != nil {
		// Маршрутизация недоступна — деградируем до org-wide, но звоним
		m.logger.Warn("routing lookup failed, falling back to org-wide",
			zap.String("org_id", orgID), zap.Error(err))
		return online, nil
	}
	if routing == nil {
		return online, nil
	}

	poolID := matchPool(routing.Rules, pageURL)
	if poolID == "" {
		return online, nil
	}
	for i := range routing.Pools {
		if routing.Pools[i].PoolID != poolID {
			continue
		}
		var ids []string
		for _, id := range routing.Pools[i].AgentIDs {
			for _, on := range online {
				if on == id {
					ids = append(ids, id)
					break
				}
			}
		}
		return ids, nil
	}
	return online, nil
}

// MatchPoolID — каким пулом обслуживается страница (для pool-specific
// настроек виджета в agent:unavailable). Пустая строка = дефолтный виджет.
func (m *Manager) MatchPoolID(ctx context.Context, orgID, pageURL string) string {
	routing, err := m.routing.GetOrgRouting(ctx, orgID)
	if err != nil || routing == nil {
		return ""
	}
	return matchPool(routing.Rules, pageURL)
}

// AssignAgentToVisitor назначает агента посетителю (simulation до звонка)
// и сдвигает агента в конец round-robin ротации.
func (m *Manager) AssignAgentToVisitor(ctx context.Context, visitorID, agentID string) (*domain.VisitorSession, error) {
	v, err := m.GetVisitor(ctx, visitorID)
	if err != nil || v == nil {
		return nil, err
	}
	a, err := m.GetAgent(ctx, agentID)
	if err != nil || a == nil {
		return nil, err
	}

	if v.AssignedAgentID != "" && v.AssignedAgentID != agentID {
		_ = m.s.SRem(ctx, agentSimsKey(v.AssignedAgentID), visitorID)
	}

	v.AssignedAgentID = agentID
	v.State = domain.VisitorWatching
	if err := m.s.HSet(ctx, visitorKey(visitorID), map[string]string{
		fAssigned: agentID,
		fState:    string(domain.VisitorWatching),
	}); err != nil {
		return nil, err
	}
	if err := m.s.SAdd(ctx, agentSimsKey(agentID), visitorID); err != nil {
		return nil, err
	}
	return v, m.bumpAssigned(ctx, a.OrgID, agentID)
}

// ClearAssignment снимает назначение: посетитель возвращается в browsing.
func (m *Manager) ClearAssignment(ctx context.Context, visitorID string) (*domain.VisitorSession, error) {
	v, err := m.GetVisitor(ctx, visitorID)
	if err != nil || v == nil {
		return nil, err
	}
	if v.AssignedAgentID != "" {
		_ = m.s.SRem(ctx, agentSimsKey(v.AssignedAgentID), visitorID)
	}
	v.AssignedAgentID = ""
	v.State = domain.VisitorBrowsing
	return v, m.s.HSet(ctx, visitorKey(visitorID), map[string]string{
		fAssigned: "",
		fState:    string(domain.VisitorBrowsing),
	})
}

func (m *Manager) bumpAssigned(ctx context.Context, orgID, agentID string) error {
	return m.s.ZAdd(ctx, orgAssignedKey(orgID), agentID, float64(m.now().UnixMilli()))
}

// Reassignment — результат ReassignVisitors
type Reassignment struct {
	VisitorID string
	NewAgent  *domain.AgentState // nil в Unassigned не попадает
}

// ReassignVisitors перераспределяет всех посетителей, назначенных agentID
// (кроме excludeVisitorID — посетителя в активном звонке). Кому нашелся
// новый агент — в Reassigned, остальным чистим назначение (Unassigned).
// Запускается на каждый переход агента в away/offline.
func (m *Manager) ReassignVisitors(ctx context.Context, agentID, excludeVisitorID string) (reassigned []Reassignment, unassigned []string, err error) {
	sims, err := m.s.SMembers(ctx, agentSimsKey(agentID))
	if err != nil {
		return nil, nil, err
	}

	for _, visitorID := range sims {
		if visitorID == excludeVisitorID {
			continue
		}
		v, err := m.GetVisitor(ctx, visitorID)
		if err != nil {
			return reassigned, unassigned, err
		}
		if v == nil {
			_ = m.s.SRem(ctx, agentSimsKey(agentID), visitorID)
			continue
		}

		next, err := m.FindBestAgentForVisitor(ctx, v.OrgID, v.PageURL, agentID)
		if err != nil {
			return reassigned, unassigned, err
		}
		if next == nil {
			if _, err := m.ClearAssignment(ctx, visitorID); err != nil {
				return reassigned, unassigned, err
			}
			unassigned = append(unassigned, visitorID)
			continue
		}
		if _, err := m.AssignAgentToVisitor(ctx, visitorID, next.AgentID); err != nil {
			return reassigned, unassigned, err
		}
		reassigned = append(reassigned, Reassignment{VisitorID: visitorID, NewAgent: next})
	}

	m.logger.Info("visitors reassigned",
		zap.String("from_agent", agentID),
		zap.Int("reassigned", len(reassigned)),
		zap.Int("unassigned", len(unassigned)))
	return reassigned, unassigned, nil
}

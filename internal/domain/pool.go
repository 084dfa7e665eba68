package domain

// URLRule — правило сопоставления страницы пулу. Правила упорядочены,
// срабатывает первое совпадение по префиксу пути (first-match).
type URLRule struct {
	PathPrefix string `json:"path_prefix"` // Например, "/pricing"
	PoolID     string `json:"pool_id"`
}

// Pool — именованная группа агентов, обслуживающая подмножество страниц
// организации. Агент может состоять в нескольких пулах.
type Pool struct {
	PoolID   string   `json:"pool_id"`
	OrgID    string   `json:"org_id"`
	Name     string   `json:"name"`
	AgentIDs []string `json:"agent_ids"`
}

// OrgRouting — снапшот маршрутизации организации: пулы + упорядоченные правила.
// Читается из Postgres (дашборд пишет), кэшируется на ноде и обновляется
// по сигналу из Redis.
type OrgRouting struct {
	OrgID string    `json:"org_id"`
	Rules []URLRule `json:"rules"`
	Pools []Pool    `json:"pools"`
}

// Member — проверка членства агента в пуле
func (p *Pool) Member(agentID string) bool {
	for _, id := range p.AgentIDs {
		if id == agentID {
			return true
		}
	}
	return false
}

package domain

import "time"

type AgentStatus string

const (
	StatusIdle    AgentStatus = "idle"    // Готов принимать звонки
	StatusAway    AgentStatus = "away"    // Отошел (RNA или ручной статус)
	StatusInCall  AgentStatus = "in_call" // Занят активным звонком
	StatusOffline AgentStatus = "offline" // Отключен (в том числе grace-период)
)

// AgentProfile — отображаемые метаданные агента (видны посетителю в виджете)
type AgentProfile struct {
	DisplayName string      `json:"display_name"`
	Title       string      `json:"title,omitempty"`
	AvatarURL   string      `json:"avatar_url,omitempty"`
	Status      AgentStatus `json:"status"`
}

// AgentState — рантайм-состояние агента в пуле.
// Инвариант: Status == in_call <=> CurrentCallVisitorID != "".
// Мутируется ТОЛЬКО через методы PoolManager (единая точка контроля инвариантов).
type AgentState struct {
	AgentID string `json:"agent_id"`
	OrgID   string `json:"org_id"`

	// Ссылка на соединение: ID сокета + нода, которая его держит.
	// Сам хэндл сокета в shared store не живет — только адресация.
	ConnID string `json:"conn_id"`
	NodeID string `json:"node_id"`

	Profile AgentProfile `json:"profile"`

	// Посетитель в активном звонке (пустая строка = нет звонка)
	CurrentCallVisitorID string `json:"current_call_visitor_id"`

	// Посетители, которым агент уже назначен, но звонка еще нет (simulations)
	CurrentSimulations []string `json:"current_simulations"`

	LastActivityAt time.Time `json:"last_activity_at"`
	RegisteredAt   time.Time `json:"registered_at"`
}

// Available — агент может принять нового посетителя
func (a *AgentState) Available() bool {
	return a.Profile.Status == StatusIdle
}

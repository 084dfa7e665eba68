package domain

import "time"

// Записи таймеров в shared store. Таймаут — это ДАННЫЕ (запись с expiry),
// которые вычитывает sweeper, а не подвешенный setTimeout: любой процесс
// может разрешить таймаут, взведенный другим процессом.

// RNARecord — ring-no-answer: дали агенту позвонить, ждем accept/reject.
type RNARecord struct {
	RequestID string    `json:"request_id"`
	AgentID   string    `json:"agent_id"`
	VisitorID string    `json:"visitor_id"`
	OrgID     string    `json:"org_id"`
	PageURL   string    `json:"page_url"`
	ExpiresAt time.Time `json:"expires_at"`
}

// DisconnectRecord — grace-период после дисконнекта агента без звонка.
// Если агент успеет переавторизоваться — вернем PreviousStatus.
type DisconnectRecord struct {
	AgentID        string      `json:"agent_id"`
	PreviousStatus AgentStatus `json:"previous_status"`
	ExpiresAt      time.Time   `json:"expires_at"`
}

// ReconnectRecord — rendezvous двух сторон при переподключении к звонку.
// Каждая сторона кладет свою половину (ID соединения + нода); NewCallID
// фиксируется первым пришедшим, чтобы обе стороны сошлись на одном ID.
type ReconnectRecord struct {
	CallID    string `json:"call_id"`
	AgentID   string `json:"agent_id"`
	VisitorID string `json:"visitor_id"`
	NewCallID string `json:"new_call_id"`

	AgentConnID   string `json:"agent_conn_id"`   // Пусто = сторона еще не пришла
	AgentNodeID   string `json:"agent_node_id"`
	VisitorConnID string `json:"visitor_conn_id"`
	VisitorNodeID string `json:"visitor_node_id"`

	ExpiresAt time.Time `json:"expires_at"`
}

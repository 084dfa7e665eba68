package domain

import "time"

type VisitorState string

const (
	VisitorBrowsing      VisitorState = "browsing"           // Просто на странице
	VisitorWatching      VisitorState = "watching_simulation" // Смотрит превью назначенного агента
	VisitorCallRequested VisitorState = "call_requested"      // Ждет ответа агента (ring)
	VisitorInCall        VisitorState = "in_call"             // В активном звонке
)

// Location — результат геолокации по IP (nullable, fail-open)
type Location struct {
	CountryCode string `json:"country_code"`
	Country     string `json:"country,omitempty"`
	City        string `json:"city,omitempty"`
}

// VisitorSession — сессия анонимного посетителя сайта.
// Создается на join, уничтожается на unregister, замещается на reconnect.
type VisitorSession struct {
	VisitorID string `json:"visitor_id"`
	OrgID     string `json:"org_id"`

	ConnID string `json:"conn_id"`
	NodeID string `json:"node_id"`

	PageURL         string       `json:"page_url"`
	AssignedAgentID string       `json:"assigned_agent_id"` // Пустая строка = не назначен
	State           VisitorState `json:"state"`
	Location        *Location    `json:"location,omitempty"`
	IPAddress       string       `json:"ip_address"`

	ConnectedAt  time.Time `json:"connected_at"`
	InteractedAt time.Time `json:"interacted_at"`
}

package domain

// Типизированные полезные нагрузки WS-событий. Никаких map[string]interface{} —
// каждое событие несет минимальный набор идентификаторов для стороны-получателя.

// Имена исходящих событий
const (
	EvAgentAssigned    = "agent:assigned"
	EvAgentUnavailable = "agent:unavailable"
	EvCallIncoming     = "call:incoming"
	EvCallAccepted     = "call:accepted"
	EvCallStarted      = "call:started"
	EvCallEnded        = "call:ended"
	EvCallCancelled    = "call:cancelled"
	EvCallReconnecting = "call:reconnecting"
	EvCallReconnected  = "call:reconnected"
	EvReconnectFailed  = "call:reconnect_failed"
	EvSignal           = "call:signal"
	EvStatsUpdate      = "stats:update"
	EvError            = "error"
)

// Event — конверт исходящего события
type Event struct {
	Name    string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
}

type AgentAssignedPayload struct {
	AgentID string         `json:"agent_id"`
	Profile AgentProfile   `json:"profile"`
	Widget  WidgetSettings `json:"widget"`
}

type AgentUnavailablePayload struct {
	Reason string         `json:"reason"` // no_agents, country_blocked
	Widget WidgetSettings `json:"widget"`
}

type CallIncomingPayload struct {
	RequestID string    `json:"request_id"`
	VisitorID string    `json:"visitor_id"`
	PageURL   string    `json:"page_url"`
	Location  *Location `json:"location,omitempty"`
}

type CallAcceptedPayload struct {
	CallID         string `json:"call_id"`
	AgentID        string `json:"agent_id"`
	VisitorID      string `json:"visitor_id"`
	ReconnectToken string `json:"reconnect_token,omitempty"` // Только посетителю
}

type CallEndedPayload struct {
	CallID string    `json:"call_id"`
	Reason EndReason `json:"reason"`
}

type CallCancelledPayload struct {
	RequestID string `json:"request_id"`
}

type ReconnectingPayload struct {
	CallID    string `json:"call_id"`
	TimeoutMs int64  `json:"timeout_ms"` // Бюджет rendezvous
}

type ReconnectedPayload struct {
	NewCallID      string `json:"new_call_id"`
	AgentID        string `json:"agent_id"`
	VisitorID      string `json:"visitor_id"`
	ReconnectToken string `json:"reconnect_token,omitempty"` // Свежий токен посетителю
}

type ReconnectFailedPayload struct {
	CallID string `json:"call_id"`
	Reason string `json:"reason"` // peer_not_returned, token_invalid, call_gone
}

type StatsUpdatePayload struct {
	WaitingRequests int `json:"waiting_requests"`
	OnlineVisitors  int `json:"online_visitors"`
	OnlineAgents    int `json:"online_agents"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

package calllog

import "time"

// Типы событий журнала звонков
const (
	TypeCallRequested = "call_requested"
	TypeCallAccepted  = "call_accepted"
	TypeCallEnded     = "call_ended"
	TypeCallRejected  = "call_rejected"
	TypeCallCancelled = "call_cancelled"
	TypeCallMissed    = "call_missed"
	TypeStatusChange  = "status_change"
	TypePageview      = "pageview"
)

// Event — запись журнала звонков. Пишется асинхронно пачками, поэтому
// несет плоский снапшот всего, что нужно дашборду, без обратных походов в store.
type Event struct {
	ID        string `json:"id"`   // UUID события
	Type      string `json:"type"` // call_requested, call_ended, ...
	OrgID     string `json:"org_id"`
	AgentID   string `json:"agent_id,omitempty"`
	VisitorID string `json:"visitor_id,omitempty"`

	RequestID string `json:"request_id,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	PageURL   string `json:"page_url,omitempty"`

	// Для call_ended
	EndReason  string `json:"end_reason,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`

	// Для status_change
	AgentStatus string `json:"agent_status,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

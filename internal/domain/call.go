package domain

import "time"

// CallRequest — ожидающий запрос звонка. Живет только между call request
// и его resolve (accept/reject/cancel/timeout), дальше не персистится.
type CallRequest struct {
	RequestID   string    `json:"request_id"`
	VisitorID   string    `json:"visitor_id"`
	AgentID     string    `json:"agent_id"`
	OrgID       string    `json:"org_id"`
	PageURL     string    `json:"page_url"`
	RequestedAt time.Time `json:"requested_at"`

	// Момент фактического вручения агенту (ring). Запрос может полежать в
	// очереди, если у агента уже звонит другой — RNA взводится на dispatch.
	DispatchedAt time.Time `json:"dispatched_at"`
}

// ActiveCall — установленный звонок. Создается на accept или успешном
// reconnect, уничтожается на end.
type ActiveCall struct {
	CallID    string    `json:"call_id"`
	VisitorID string    `json:"visitor_id"`
	AgentID   string    `json:"agent_id"`
	OrgID     string    `json:"org_id"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

// EndReason — кто завершил звонок (уходит обеим сторонам в call:ended)
type EndReason string

const (
	EndedByAgent   EndReason = "agent_ended"
	EndedByVisitor EndReason = "visitor_ended"
	EndedBySystem  EndReason = "system_ended" // Например, превышение max_call_duration
)

type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
)

// Signal — медиа-сигнализация (WebRTC offer/answer/ICE). Тело Payload для нас
// непрозрачно: шлюз только маршрутизирует по CallID и стороне-получателю.
type Signal struct {
	Kind    SignalKind `json:"kind"`
	CallID  string     `json:"call_id"`
	Payload []byte     `json:"payload"` // Opaque blob, не разбираем
}

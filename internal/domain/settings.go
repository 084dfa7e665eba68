package domain

import "time"

// CallSettings — настройки звонков организации (источник — Postgres).
type CallSettings struct {
	OrgID              string        `json:"org_id"`
	IsRecordingEnabled bool          `json:"is_recording_enabled"`
	RNATimeout         time.Duration `json:"rna_timeout"`       // Сколько ждем ответа агента
	MaxCallDuration    time.Duration `json:"max_call_duration"` // 0 = без лимита
}

// WidgetSettings — конфигурация виджета, у пула может быть свой оверрайд.
/// Уходит посетителю вместе с agent:unavailable / agent:assigned.
type WidgetSettings struct {
	OrgID              string `json:"org_id"`
	PoolID             string `json:"pool_id,omitempty"`
	Enabled            bool   `json:"enabled"`
	OfflineMessage     string `json:"offline_message"`
	AccentColor        string `json:"accent_color,omitempty"`
	ShowAgentAvatars   bool   `json:"show_agent_avatars"`
	RequestButtonLabel string `json:"request_button_label,omitempty"`
}

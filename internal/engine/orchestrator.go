package engine

import (
	"context"
	"time"

	"github.com/xela07ax/callpool-infra-prototype/internal/domain"
	"github.com/xela07ax/callpool-infra-prototype/internal/infra"
	"github.com/xela07ax/callpool-infra-prototype/internal/pool"
	"github.com/xela07ax/callpool-infra-prototype/internal/store"
	"go.uber.org/zap"
)

// Orchestrator — событийный слой жизненного цикла звонка. Транслирует
// события соединений в вызовы PoolManager и исходящие уведомления, владеет
// машинами состояний RNA / disconnect-grace / reconnect-rendezvous.
//
// Сущности он не мутирует — только через PoolManager. "Ожидание" ответа
// (RNA, rendezvous) — это запись в TimeoutStore, а не подвешенный стек:
// рестарт процесса не теряет ни одного таймера.
type Orchestrator struct {
	pm       *pool.Manager
	timeouts *store.TimeoutStore
	notifier *Notifier
	settings  SettingsProvider
	geo       GeoProvider
	blocklist BlocklistProvider
	tokens   TokenService
	recorder Recorder
	metrics  *Metrics
	logger   *zap.Logger
	cfg      infra.CallsConfig
	nodeID   string

	now func() time.Time

	// afterFunc вынесен для тестов; используется ТОЛЬКО для локальной
	// паузы перед вручением следующего запроса (dispatch delay) — это
	// вежливость к сокету, а не межпроцессный таймер
	afterFunc func(d time.Duration, f func())
}

type OrchestratorParams struct {
	Pool     *pool.Manager
	Timeouts *store.TimeoutStore
	Notifier *Notifier
	Settings  SettingsProvider
	Geo       GeoProvider
	Blocklist BlocklistProvider
	Tokens   TokenService
	Recorder Recorder
	Metrics  *Metrics
	Logger   *zap.Logger
	Config   infra.CallsConfig
	NodeID   string
}

func NewOrchestrator(p OrchestratorParams) *Orchestrator {
	return &Orchestrator{
		pm:        p.Pool,
		timeouts:  p.Timeouts,
		notifier:  p.Notifier,
		settings:  p.Settings,
		geo:       p.Geo,
		blocklist: p.Blocklist,
		tokens:    p.Tokens,
		recorder:  p.Recorder,
		metrics:   p.Metrics,
		logger:    p.Logger.Named("orchestrator"),
		cfg:       p.Config,
		nodeID:    p.NodeID,
		now:       time.Now,
		afterFunc: func(d time.Duration, f func()) { time.AfterFunc(d, f) },
	}
}

// --- Доставка по записи сущности ---

func (o *Orchestrator) notifyAgent(ctx context.Context, a *domain.AgentState, event domain.Event) {
	if a == nil {
		return
	}
	o.notifier.Deliver(ctx, a.ConnID, a.NodeID, event)
}

func (o *Orchestrator) notifyVisitor(ctx context.Context, v *domain.VisitorSession, event domain.Event) {
	if v == nil {
		return
	}
	o.notifier.Deliver(ctx, v.ConnID, v.NodeID, event)
}

func (o *Orchestrator) notifyAgentByID(ctx context.Context, agentID string, event domain.Event) {
	a, err := o.pm.GetAgent(ctx, agentID)
	if err != nil {
		o.metrics.ErrorTotal.WithLabelValues("store").Inc()
		return
	}
	o.notifyAgent(ctx, a, event)
}

func (o *Orchestrator) notifyVisitorByID(ctx context.Context, visitorID string, event domain.Event) {
	v, err := o.pm.GetVisitor(ctx, visitorID)
	if err != nil {
		o.metrics.ErrorTotal.WithLabelValues("store").Inc()
		return
	}
	o.notifyVisitor(ctx, v, event)
}

// --- Настройки с деградацией ---

// widgetFor отдает конфигурацию виджета пула страницы; при сбое настроек —
// пустой включенный виджет (сбой инфраструктуры не должен прятать кнопку).
func (o *Orchestrator) widgetFor(ctx context.Context, orgID, pageURL string) domain.WidgetSettings {
	poolID := o.pm.MatchPoolID(ctx, orgID, pageURL)
	w, err := o.settings.GetWidgetSettings(ctx, orgID, poolID)
	if err != nil {
		o.metrics.ErrorTotal.WithLabelValues("settings").Inc()
		return domain.WidgetSettings{OrgID: orgID, PoolID: poolID, Enabled: true}
	}
	return w
}

func (o *Orchestrator) rnaTimeout(ctx context.Context, orgID string) time.Duration {
	cs, err := o.settings.GetCallSettings(ctx, orgID)
	if err != nil || cs.RNATimeout <= 0 {
		if err != nil {
			o.metrics.ErrorTotal.WithLabelValues("settings").Inc()
		}
		return o.cfg.DefaultRNATimeout
	}
	return cs.RNATimeout
}

// --- Общие шаги жизненного цикла ---

// dispatchRequest вручает запрос агенту (ring) и взводит RNA-таймер.
func (o *Orchestrator) dispatchRequest(ctx context.Context, req *domain.CallRequest) error {
	if err := o.pm.MarkDispatched(ctx, req.RequestID); err != nil {
		return err
	}
	rec := domain.RNARecord{
		RequestID: req.RequestID,
		AgentID:   req.AgentID,
		VisitorID: req.VisitorID,
		OrgID:     req.OrgID,
		PageURL:   req.PageURL,
		ExpiresAt: o.now().Add(o.rnaTimeout(ctx, req.OrgID)),
	}
	if err := o.timeouts.ScheduleRNA(ctx, rec); err != nil {
		return err
	}

	v, _ := o.pm.GetVisitor(ctx, req.VisitorID)
	payload := domain.CallIncomingPayload{
		RequestID: req.RequestID,
		VisitorID: req.VisitorID,
		PageURL:   req.PageURL,
	}
	if v != nil {
		payload.Location = v.Location
	}
	o.notifyAgentByID(ctx, req.AgentID, domain.Event{Name: domain.EvCallIncoming, Payload: payload})
	return nil
}

// dispatchNextWaiting вручает голове очереди агента следующий запрос.
// Вызывается после end/reject с небольшой паузой: сокет агента еще
// дожевывает teardown предыдущего звонка.
func (o *Orchestrator) dispatchNextWaiting(agentID string) {
	o.afterFunc(o.cfg.DispatchDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		a, err := o.pm.GetAgent(ctx, agentID)
		if err != nil || a == nil || !a.Available() {
			return
		}
		reqs, err := o.pm.GetWaitingRequestsForAgent(ctx, agentID)
		if err != nil || len(reqs) == 0 {
			return
		}
		head := reqs[0]
		if !head.DispatchedAt.IsZero() {
			return // Уже вручен, агент думает
		}
		if err := o.dispatchRequest(ctx, head); err != nil {
			o.logger.Warn("failed to dispatch waiting request",
				zap.String("agent_id", agentID), zap.Error(err))
		}
	})
}

// rerouteVisitor — ровно ОДНА попытка перевода посетителя на другого агента
// (исключая exclude). Нет кандидата — посетитель получает unavailable.
// Исчерпание всех агентов возникает само: каждый следующий reject/RNA
// исключает очередного, пока кандидатов не останется.
func (o *Orchestrator) rerouteVisitor(ctx context.Context, visitorID, excludeAgentID string) {
	v, err := o.pm.GetVisitor(ctx, visitorID)
	if err != nil || v == nil {
		return // Посетитель уже ушел
	}

	next, err := o.pm.FindBestAgentForVisitor(ctx, v.OrgID, v.PageURL, excludeAgentID)
	if err != nil {
		o.metrics.ErrorTotal.WithLabelValues("store").Inc()
		return
	}
	if next == nil {
		if _, err := o.pm.ClearAssignment(ctx, visitorID); err != nil {
			return
		}
		o.metrics.CallRequestsTotal.WithLabelValues("unavailable").Inc()
		o.notifyVisitor(ctx, v, domain.Event{Name: domain.EvAgentUnavailable, Payload: domain.AgentUnavailablePayload{
			Reason: "no_agents",
			Widget: o.widgetFor(ctx, v.OrgID, v.PageURL),
		}})
		return
	}

	req, err := o.pm.CreateCallRequest(ctx, visitorID, next.AgentID)
	if err != nil || req == nil {
		return
	}
	o.recorder.CallRequested(req)
	if err := o.dispatchRequest(ctx, req); err != nil {
		o.logger.Warn("reroute dispatch failed", zap.Error(err))
		return
	}
	o.notifyVisitor(ctx, v, domain.Event{Name: domain.EvAgentAssigned, Payload: domain.AgentAssignedPayload{
		AgentID: next.AgentID,
		Profile: next.Profile,
		Widget:  o.widgetFor(ctx, v.OrgID, v.PageURL),
	}})
}

// endCall завершает звонок от имени любой из сторон (или системы).
// Повторное завершение того же ID — no-op (PoolManager вернет nil).
func (o *Orchestrator) endCall(ctx context.Context, callID string, reason domain.EndReason) *domain.ActiveCall {
	call, err := o.pm.EndCall(ctx, callID)
	if err != nil {
		o.metrics.ErrorTotal.WithLabelValues("store").Inc()
		return nil
	}
	if call == nil {
		return nil // Вторая сторона успела раньше
	}

	// Открытая rendezvous-запись звонка больше никого не дождется: гасим
	// таймер и сразу отвечаем уже пришедшим половинам, чтобы вернувшаяся
	// сторона не высиживала весь reconnect-бюджет впустую
	if rec, open, _ := o.timeouts.GetRendezvous(ctx, callID); open {
		if won, _ := o.timeouts.ClaimRendezvous(ctx, callID); won {
			o.deliverToSides(ctx, rec, domain.Event{Name: domain.EvReconnectFailed, Payload: domain.ReconnectFailedPayload{
				CallID: callID,
				Reason: "call_gone",
			}})
		}
	}

	o.metrics.CallDuration.Observe(call.EndedAt.Sub(call.StartedAt).Seconds())
	o.recorder.CallEnded(call, reason)

	ended := domain.Event{Name: domain.EvCallEnded, Payload: domain.CallEndedPayload{CallID: callID, Reason: reason}}
	o.notifyAgentByID(ctx, call.AgentID, ended)
	o.notifyVisitorByID(ctx, call.VisitorID, ended)

	o.broadcastStats(ctx, call.OrgID)
	o.dispatchNextWaiting(call.AgentID)
	return call
}

// broadcastStats рассылает агентам организации свежие счетчики онлайна.
// Best-effort: сбой рассылки не влияет на операцию, которая ее вызвала.
func (o *Orchestrator) broadcastStats(ctx context.Context, orgID string) {
	agents, err := o.pm.ListOrgAgents(ctx, orgID)
	if err != nil || len(agents) == 0 {
		return
	}
	_, visitors := o.pm.CountOnline(ctx, orgID)

	waiting := 0
	for _, a := range agents {
		reqs, err := o.pm.GetWaitingRequestsForAgent(ctx, a.AgentID)
		if err != nil {
			continue
		}
		waiting += len(reqs)
	}

	event := domain.Event{Name: domain.EvStatsUpdate, Payload: domain.StatsUpdatePayload{
		WaitingRequests: waiting,
		OnlineVisitors:  int(visitors),
		OnlineAgents:    len(agents),
	}}
	for _, a := range agents {
		o.notifyAgent(ctx, a, event)
	}
}

package engine

import (
	"context"
	"fmt"

	"github.com/xela07ax/callpool-infra-prototype/internal/domain"
	"go.uber.org/zap"
)

// AgentConnected регистрирует агента после успешной аутентификации сокета.
// Если агент вернулся внутри disconnect-grace окна — восстанавливаем его
// прежний статус и гасим таймер, как будто обрыва не было.
func (o *Orchestrator) AgentConnected(ctx context.Context, agentID, orgID, connID string, profile domain.AgentProfile) (*domain.AgentState, error) {
	status := domain.StatusIdle

	// 1. Быстрый возврат после обрыва: забираем отложенную запись (claim),
	// sweeper ее уже не увидит
	rec, err := o.timeouts.ConsumeDisconnect(ctx, agentID)
	if err != nil {
		o.logger.Warn("disconnect record lookup failed", zap.String("agent_id", agentID), zap.Error(err))
	}
	if rec != nil {
		status = rec.PreviousStatus
	}

	profile.Status = status
	a, err := o.pm.RegisterAgent(ctx, domain.AgentState{
		AgentID:      agentID,
		OrgID:        orgID,
		ConnID:       connID,
		NodeID:       o.nodeID,
		Profile:      profile,
		RegisteredAt: o.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("register agent: %w", err)
	}

	// 2. Если агент все еще числится в звонке (реконнект во время разговора),
	// звонок жив и ждет его в rendezvous или просто продолжается
	o.logger.Info("agent connected",
		zap.String("agent_id", agentID),
		zap.String("org_id", orgID),
		zap.String("status", string(status)))

	o.broadcastStats(ctx, orgID)

	// 3. Свободному агенту сразу вручаем голову его очереди
	if status == domain.StatusIdle {
		o.dispatchNextWaiting(agentID)
	}
	return a, nil
}

// AgentStatusChanged — ручная смена статуса агентом (idle <-> away).
// Переход в away снимает с агента назначенных посетителей; возврат в idle
// вручает накопившуюся очередь.
func (o *Orchestrator) AgentStatusChanged(ctx context.Context, agentID string, status domain.AgentStatus) error {
	if _, err := o.pm.SetAgentStatus(ctx, agentID, status); err != nil {
		return err
	}
	o.recorder.StatusChange(agentID, status)

	switch status {
	case domain.StatusAway, domain.StatusOffline:
		o.reassignAgentVisitors(ctx, agentID, "")
	case domain.StatusIdle:
		o.dispatchNextWaiting(agentID)
	}
	return nil
}

// AgentAccepted — агент принял входящий запрос. RNA-таймер гасится ДО
// установления звонка: опоздавший sweeper не должен увидеть запрос живым.
func (o *Orchestrator) AgentAccepted(ctx context.Context, agentID, requestID string) (*domain.ActiveCall, error) {
	req, err := o.pm.GetCallRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req == nil || req.AgentID != agentID {
		return nil, nil // Запрос уже разобран (RNA, cancel) или чужой
	}

	if _, err := o.timeouts.CancelRNA(ctx, requestID); err != nil {
		o.logger.Warn("rna cancel failed", zap.String("request_id", requestID), zap.Error(err))
	}

	call, err := o.pm.AcceptCall(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if call == nil {
		return nil, nil // Проиграли гонку с отменой посетителя
	}

	o.metrics.CallRequestsTotal.WithLabelValues("accepted").Inc()
	o.recorder.CallAccepted(call, requestID)

	// Одноразовый токен возврата вручаем сразу: посетитель может перейти
	// на другую страницу в любой момент разговора
	token, err := o.tokens.IssueReconnectToken(ctx, call)
	if err != nil {
		o.logger.Error("reconnect token issue failed", zap.String("call_id", call.CallID), zap.Error(err))
	}

	o.notifyVisitorByID(ctx, call.VisitorID, domain.Event{Name: domain.EvCallAccepted, Payload: domain.CallAcceptedPayload{
		CallID:         call.CallID,
		AgentID:        call.AgentID,
		ReconnectToken: token,
	}})
	o.notifyAgentByID(ctx, call.AgentID, domain.Event{Name: domain.EvCallStarted, Payload: domain.CallAcceptedPayload{
		CallID:  call.CallID,
		AgentID: call.AgentID,
	}})
	return call, nil
}

// AgentRejected — агент отклонил запрос. Посетитель получает одну попытку
// перевода на другого агента, очередь отклонившего двигается дальше.
func (o *Orchestrator) AgentRejected(ctx context.Context, agentID, requestID string) error {
	req, err := o.pm.GetCallRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req == nil || req.AgentID != agentID {
		return nil
	}

	if _, err := o.timeouts.CancelRNA(ctx, requestID); err != nil {
		o.logger.Warn("rna cancel failed", zap.String("request_id", requestID), zap.Error(err))
	}
	removed, err := o.pm.RejectCall(ctx, requestID)
	if err != nil {
		return err
	}
	if removed == nil {
		return nil // Запрос уже разобран другой веткой
	}

	o.metrics.CallRequestsTotal.WithLabelValues("rejected").Inc()
	o.recorder.CallRejected(req)

	o.rerouteVisitor(ctx, req.VisitorID, agentID)
	o.dispatchNextWaiting(agentID)
	return nil
}

// AgentEndedCall — агент повесил трубку.
func (o *Orchestrator) AgentEndedCall(ctx context.Context, agentID, callID string) error {
	call, err := o.pm.GetActiveCall(ctx, callID)
	if err != nil {
		return err
	}
	if call == nil || call.AgentID != agentID {
		return nil
	}
	o.endCall(ctx, callID, domain.EndedByAgent)
	return nil
}

// AgentDisconnected — обрыв сокета агента (не выбор в UI).
//
// Активный звонок завершается немедленно: посетителю нечего слушать в
// тишине. Исключение — для звонка открыта rendezvous-запись (посетитель
// переходит между страницами): тогда звонок переживает и обрыв агента,
// судьбу решит reconnect-sweeper.
func (o *Orchestrator) AgentDisconnected(ctx context.Context, agentID string) {
	a, err := o.pm.GetAgent(ctx, agentID)
	if err != nil || a == nil {
		return
	}

	// 1. Разбираем активный звонок
	if a.CurrentCallVisitorID != "" {
		call, err := o.pm.GetActiveCallByAgent(ctx, agentID)
		if err == nil && call != nil {
			_, open, _ := o.timeouts.GetRendezvous(ctx, call.CallID)
			if !open {
				o.endCall(ctx, call.CallID, domain.EndedBySystem)
			} else if err := o.pm.SuspendAgentCall(ctx, agentID); err != nil {
				// Звонок жив в rendezvous, но in_call без сокета — ложь:
				// связка снимается и вернется при пересборке
				o.logger.Warn("suspend call failed", zap.String("agent_id", agentID), zap.Error(err))
			}
		}
	}

	// 2. Grace-период: агент остается в пуле со статусом offline, назначенные
	// посетители ждут. Не вернется — sweeper доделает уборку
	// Восстанавливать in_call бессмысленно: к моменту возврата звонок либо
	// пересоберется через rendezvous (и установит in_call сам), либо умрет
	prev := a.Profile.Status
	if prev == domain.StatusOffline || prev == domain.StatusInCall {
		prev = domain.StatusIdle
	}
	rec := domain.DisconnectRecord{
		AgentID:        agentID,
		PreviousStatus: prev,
		ExpiresAt:      o.now().Add(o.cfg.DisconnectGrace),
	}
	if err := o.timeouts.ScheduleDisconnect(ctx, rec); err != nil {
		o.logger.Error("disconnect schedule failed", zap.String("agent_id", agentID), zap.Error(err))
	}
	if _, err := o.pm.SetAgentStatus(ctx, agentID, domain.StatusOffline); err != nil {
		o.logger.Warn("offline mark failed", zap.String("agent_id", agentID), zap.Error(err))
	}

	o.logger.Info("agent disconnected, grace window armed",
		zap.String("agent_id", agentID),
		zap.Duration("grace", o.cfg.DisconnectGrace))
}

// reassignAgentVisitors переводит посетителей агента на других агентов,
// кроме excludeVisitorID (обычно это посетитель активного звонка).
func (o *Orchestrator) reassignAgentVisitors(ctx context.Context, agentID, excludeVisitorID string) {
	reassigned, unassigned, err := o.pm.ReassignVisitors(ctx, agentID, excludeVisitorID)
	if err != nil {
		o.metrics.ErrorTotal.WithLabelValues("store").Inc()
		return
	}
	for _, r := range reassigned {
		v, err := o.pm.GetVisitor(ctx, r.VisitorID)
		if err != nil || v == nil {
			continue
		}
		o.notifyVisitor(ctx, v, domain.Event{Name: domain.EvAgentAssigned, Payload: domain.AgentAssignedPayload{
			AgentID: r.NewAgent.AgentID,
			Profile: r.NewAgent.Profile,
			Widget:  o.widgetFor(ctx, v.OrgID, v.PageURL),
		}})
	}
	for _, visitorID := range unassigned {
		v, err := o.pm.GetVisitor(ctx, visitorID)
		if err != nil || v == nil {
			continue
		}
		o.notifyVisitor(ctx, v, domain.Event{Name: domain.EvAgentUnavailable, Payload: domain.AgentUnavailablePayload{
			Reason: "no_agents",
			Widget: o.widgetFor(ctx, v.OrgID, v.PageURL),
		}})
	}
	if len(reassigned) > 0 || len(unassigned) > 0 {
		o.logger.Info("visitors reassigned",
			zap.String("from_agent", agentID),
			zap.Int("reassigned", len(reassigned)),
			zap.Int("unassigned", len(unassigned)))
	}
}

// AgentHeartbeat обновляет отметку активности (ответ на ping уровня приложения)
func (o *Orchestrator) AgentHeartbeat(ctx context.Context, agentID string) {
	if err := o.pm.TouchAgent(ctx, agentID); err != nil {
		o.logger.Debug("touch failed", zap.String("agent_id", agentID), zap.Error(err))
	}
}

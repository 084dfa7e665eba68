package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/xela07ax/callpool-infra-prototype/internal/domain"
	"go.uber.org/zap"
)

// VisitorJoined — посетитель открыл страницу с виджетом. Геолокация и
// блок-лист стран работают в режиме fail-open: сбой внешнего сервиса не
// должен стоить организации лида.
func (o *Orchestrator) VisitorJoined(ctx context.Context, visitorID, orgID, connID, pageURL, ip string) (*domain.VisitorSession, error) {
	// 1. Геолокация (best-effort, nil допустим)
	loc := o.geo.GetLocationFromIP(ctx, ip)
	if loc != nil && o.blocklist.IsCountryBlocked(ctx, orgID, loc.CountryCode) {
		o.logger.Info("visitor blocked by country",
			zap.String("visitor_id", visitorID),
			zap.String("country", loc.CountryCode))
		return nil, nil
	}

	if visitorID == "" {
		visitorID = uuid.NewString()
	}
	v, err := o.pm.RegisterVisitor(ctx, domain.VisitorSession{
		VisitorID:   visitorID,
		OrgID:       orgID,
		ConnID:      connID,
		NodeID:      o.nodeID,
		PageURL:     pageURL,
		State:       domain.VisitorBrowsing,
		Location:    loc,
		IPAddress:   ip,
		ConnectedAt: o.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("register visitor: %w", err)
	}
	o.recorder.Pageview(v)
	o.broadcastStats(ctx, orgID)

	// 2. Подбор агента по правилам пула страницы
	agent, err := o.pm.FindBestAgentForVisitor(ctx, orgID, pageURL, "")
	if err != nil {
		o.metrics.ErrorTotal.WithLabelValues("store").Inc()
		return v, nil
	}
	widget := o.widgetFor(ctx, orgID, pageURL)
	if agent == nil {
		o.notifyVisitor(ctx, v, domain.Event{Name: domain.EvAgentUnavailable, Payload: domain.AgentUnavailablePayload{
			Reason: "no_agents",
			Widget: widget,
		}})
		return v, nil
	}

	if _, err := o.pm.AssignAgentToVisitor(ctx, visitorID, agent.AgentID); err != nil {
		o.metrics.ErrorTotal.WithLabelValues("store").Inc()
		return v, nil
	}
	o.notifyVisitor(ctx, v, domain.Event{Name: domain.EvAgentAssigned, Payload: domain.AgentAssignedPayload{
		AgentID: agent.AgentID,
		Profile: agent.Profile,
		Widget:  widget,
	}})
	return v, nil
}

// VisitorRequestedCall — посетитель нажал кнопку звонка. Если назначенный
// агент уже не готов (ушел в разговор, away), молча подбираем замену до
// постановки в очередь.
func (o *Orchestrator) VisitorRequestedCall(ctx context.Context, visitorID string) error {
	v, err := o.pm.GetVisitor(ctx, visitorID)
	if err != nil {
		return err
	}
	if v == nil {
		return nil
	}

	targetID := v.AssignedAgentID
	if targetID != "" {
		a, err := o.pm.GetAgent(ctx, targetID)
		if err != nil {
			return err
		}
		// Назначенный агент недоступен (away/offline/in_call) — молча ищем
		// замену до создания запроса, ждать занятого посетитель не обязан
		if a == nil || a.Profile.Status != domain.StatusIdle {
			targetID = ""
		}
	}
	if targetID == "" {
		next, err := o.pm.FindBestAgentForVisitor(ctx, v.OrgID, v.PageURL, "")
		if err != nil {
			return err
		}
		if next == nil {
			o.metrics.CallRequestsTotal.WithLabelValues("unavailable").Inc()
			o.notifyVisitor(ctx, v, domain.Event{Name: domain.EvAgentUnavailable, Payload: domain.AgentUnavailablePayload{
				Reason: "no_agents",
				Widget: o.widgetFor(ctx, v.OrgID, v.PageURL),
			}})
			return nil
		}
		targetID = next.AgentID
		if _, err := o.pm.AssignAgentToVisitor(ctx, visitorID, targetID); err != nil {
			return err
		}
	}

	req, err := o.pm.CreateCallRequest(ctx, visitorID, targetID)
	if err != nil {
		return err
	}
	if req == nil {
		return nil // Повторное нажатие, запрос уже в очереди
	}
	o.metrics.CallRequestsTotal.WithLabelValues("created").Inc()
	o.recorder.CallRequested(req)

	// Между подбором и созданием запроса агента могли занять (гонка двух
	// посетителей): тогда ring не шлем, запрос дождется в очереди
	a, err := o.pm.GetAgent(ctx, targetID)
	if err != nil {
		return err
	}
	if a != nil && a.Available() {
		if err := o.dispatchRequest(ctx, req); err != nil {
			o.logger.Warn("dispatch failed", zap.String("request_id", req.RequestID), zap.Error(err))
		}
	}
	return nil
}

// VisitorCancelled — посетитель передумал до ответа агента.
func (o *Orchestrator) VisitorCancelled(ctx context.Context, visitorID, requestID string) error {
	req, err := o.pm.GetCallRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if req == nil || req.VisitorID != visitorID {
		return nil
	}

	if _, err := o.timeouts.CancelRNA(ctx, requestID); err != nil {
		o.logger.Warn("rna cancel failed", zap.String("request_id", requestID), zap.Error(err))
	}
	removed, err := o.pm.CancelCall(ctx, requestID)
	if err != nil {
		return err
	}
	if removed == nil {
		return nil // Агент успел принять, звонок уже идет
	}

	o.metrics.CallRequestsTotal.WithLabelValues("cancelled").Inc()
	o.recorder.CallCancelled(removed)
	o.notifyAgentByID(ctx, removed.AgentID, domain.Event{Name: domain.EvCallCancelled, Payload: domain.CallCancelledPayload{
		RequestID: requestID,
	}})
	return nil
}

// VisitorEndedCall — посетитель повесил трубку.
func (o *Orchestrator) VisitorEndedCall(ctx context.Context, visitorID, callID string) error {
	call, err := o.pm.GetActiveCall(ctx, callID)
	if err != nil {
		return err
	}
	if call == nil || call.VisitorID != visitorID {
		return nil
	}
	o.endCall(ctx, callID, domain.EndedByVisitor)
	return nil
}

// VisitorPageChanged обновляет страницу посетителя без переподключения
// (SPA-навигация по тому же сокету)
func (o *Orchestrator) VisitorPageChanged(ctx context.Context, visitorID, pageURL string) error {
	v, err := o.pm.GetVisitor(ctx, visitorID)
	if err != nil || v == nil {
		return err
	}
	v.PageURL = pageURL
	if _, err := o.pm.RegisterVisitor(ctx, *v); err != nil {
		return err
	}
	return o.pm.MarkInteracted(ctx, visitorID)
}

// VisitorDisconnected — обрыв сокета посетителя.
//
// Вне звонка сессия просто убирается из пула. Во время звонка обрыв
// трактуется как возможная навигация: открываем rendezvous и даем
// посетителю бюджет на возврат с reconnect-токеном. Агент слышит
// call:reconnecting и ждет.
func (o *Orchestrator) VisitorDisconnected(ctx context.Context, visitorID string) {
	v, err := o.pm.GetVisitor(ctx, visitorID)
	if err != nil || v == nil {
		return
	}

	if v.State == domain.VisitorInCall {
		call, err := o.pm.GetActiveCallByVisitor(ctx, visitorID)
		if err == nil && call != nil {
			o.openRendezvousForCall(ctx, call)
			// Сессию НЕ убираем: ее место займет новая при возврате
			return
		}
	}

	// Неотвеченный запрос обрываем сразу, агенту незачем продолжать ring
	if v.State == domain.VisitorCallRequested && v.AssignedAgentID != "" {
		reqs, err := o.pm.GetWaitingRequestsForAgent(ctx, v.AssignedAgentID)
		if err == nil {
			for _, req := range reqs {
				if req.VisitorID != visitorID {
					continue
				}
				if err := o.VisitorCancelled(ctx, visitorID, req.RequestID); err != nil {
					o.logger.Warn("cancel on disconnect failed",
						zap.String("request_id", req.RequestID), zap.Error(err))
				}
			}
		}
	}

	if err := o.pm.UnregisterVisitor(ctx, visitorID); err != nil {
		o.logger.Warn("unregister visitor failed", zap.String("visitor_id", visitorID), zap.Error(err))
	}
	o.broadcastStats(ctx, v.OrgID)
}

// openRendezvousForCall заводит rendezvous-запись для звонка и сообщает
// агенту, что посетитель ушел в навигацию. Повторный вызов для того же
// звонка не порождает второй таймер.
func (o *Orchestrator) openRendezvousForCall(ctx context.Context, call *domain.ActiveCall) {
	budget := o.cfg.ReconnectBudget
	_, err := o.timeouts.OpenRendezvous(ctx, call.CallID, call.AgentID, call.VisitorID,
		uuid.NewString(), o.now().Add(budget))
	if err != nil {
		o.logger.Error("rendezvous open failed", zap.String("call_id", call.CallID), zap.Error(err))
		return
	}
	o.notifyAgentByID(ctx, call.AgentID, domain.Event{Name: domain.EvCallReconnecting, Payload: domain.ReconnectingPayload{
		CallID:    call.CallID,
		TimeoutMs: budget.Milliseconds(),
	}})
}

package engine

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/xela07ax/callpool-infra-prototype/internal/domain"
	"github.com/xela07ax/callpool-infra-prototype/internal/store"
	"go.uber.org/zap"
)

// VisitorResume — посетитель вернулся на сайт с reconnect-токеном.
//
// Токен одноразовый: повторное предъявление (другая вкладка, replay) получит
// reconnect_failed без побочных эффектов. Дальше два сценария:
//   - агент все еще в звонке (его сокет не рвался): rendezvous схлопывается
//     немедленно, звонок пересобирается под новым CallID;
//   - агент тоже переподключается: кладем свою половину rendezvous и ждем,
//     завершит тот, кто придет вторым.
func (o *Orchestrator) VisitorResume(ctx context.Context, token, connID, pageURL, ip string) (*domain.VisitorSession, error) {
	claims, err := o.tokens.ResolveReconnectToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if claims == nil {
		o.notifier.Deliver(ctx, connID, o.nodeID, domain.Event{Name: domain.EvReconnectFailed, Payload: domain.ReconnectFailedPayload{
			Reason: "token_invalid",
		}})
		return nil, nil
	}

	// 1. Пересоздаем сессию посетителя (прежняя могла быть убрана или
	// висеть с мертвым conn)
	v, err := o.pm.RegisterVisitor(ctx, domain.VisitorSession{
		VisitorID:   claims.VisitorID,
		OrgID:       claims.OrgID,
		ConnID:      connID,
		NodeID:      o.nodeID,
		PageURL:     pageURL,
		State:       domain.VisitorBrowsing,
		IPAddress:   ip,
		ConnectedAt: o.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("register returning visitor: %w", err)
	}

	// 2. Если rendezvous нет и самого звонка тоже (агент успел повесить
	// трубку) — ждать нечего, отвечаем сразу
	if _, open, err := o.timeouts.GetRendezvous(ctx, claims.CallID); err != nil {
		return nil, err
	} else if !open {
		call, err := o.pm.GetActiveCall(ctx, claims.CallID)
		if err != nil {
			return nil, err
		}
		if call == nil {
			o.notifyVisitor(ctx, v, domain.Event{Name: domain.EvReconnectFailed, Payload: domain.ReconnectFailedPayload{
				CallID: claims.CallID,
				Reason: "call_gone",
			}})
			return v, nil
		}
	}

	// 3. Открываем (или находим) rendezvous и кладем свою половину
	newCallID, err := o.timeouts.OpenRendezvous(ctx, claims.CallID, claims.AgentID, claims.VisitorID,
		uuid.NewString(), o.now().Add(o.cfg.ReconnectBudget))
	if err != nil {
		return nil, err
	}
	if err := o.timeouts.SetRendezvousSide(ctx, claims.CallID, store.SideVisitor, connID, o.nodeID); err != nil {
		return nil, err
	}

	// 4. Если агент не рвал соединение и все еще числится в этом звонке,
	// ждать нечего — схлопываем rendezvous сами
	agent, err := o.pm.GetAgent(ctx, claims.AgentID)
	if err != nil {
		return nil, err
	}
	if agent != nil && agent.Profile.Status == domain.StatusInCall && agent.CurrentCallVisitorID == claims.VisitorID {
		rec, open, err := o.timeouts.GetRendezvous(ctx, claims.CallID)
		if err != nil {
			return nil, err
		}
		if open {
			rec.AgentConnID, rec.AgentNodeID = agent.ConnID, agent.NodeID
			o.completeRendezvous(ctx, rec)
		}
		return v, nil
	}

	// 5. Агента пока нет: сообщаем посетителю, что ждем вторую сторону
	o.notifyVisitor(ctx, v, domain.Event{Name: domain.EvCallReconnecting, Payload: domain.ReconnectingPayload{
		CallID:    newCallID,
		TimeoutMs: o.cfg.ReconnectBudget.Milliseconds(),
	}})
	return v, nil
}

// AgentResumeCall — агент после реконнекта заявляет, что был в звонке callID.
// Вызывается после AgentConnected (сессия агента уже свежая).
func (o *Orchestrator) AgentResumeCall(ctx context.Context, agentID, callID, connID string) error {
	rec, open, err := o.timeouts.GetRendezvous(ctx, callID)
	if err != nil {
		return err
	}
	if !open {
		// Rendezvous нет: либо звонок еще жив (посетитель не уходил),
		// либо уже все кончено
		call, err := o.pm.GetActiveCall(ctx, callID)
		if err != nil {
			return err
		}
		if call == nil || call.AgentID != agentID {
			o.notifier.Deliver(ctx, connID, o.nodeID, domain.Event{Name: domain.EvReconnectFailed, Payload: domain.ReconnectFailedPayload{
				CallID: callID,
				Reason: "call_gone",
			}})
			return nil
		}
		o.notifier.Deliver(ctx, connID, o.nodeID, domain.Event{Name: domain.EvCallStarted, Payload: domain.CallAcceptedPayload{
			CallID:    call.CallID,
			AgentID:   call.AgentID,
			VisitorID: call.VisitorID,
		}})
		return nil
	}
	if rec.AgentID != agentID {
		return nil // Чужой звонок
	}

	if err := o.timeouts.SetRendezvousSide(ctx, callID, store.SideAgent, connID, o.nodeID); err != nil {
		return err
	}

	// Посетитель уже на месте — мы пришли вторыми, нам и завершать
	rec, open, err = o.timeouts.GetRendezvous(ctx, callID)
	if err != nil || !open {
		return err
	}
	if rec.VisitorConnID != "" {
		o.completeRendezvous(ctx, rec)
	}
	return nil
}

// completeRendezvous пересобирает звонок под NewCallID и уведомляет обе
// стороны по сохраненным в записи ссылкам (conn + нода). Гонку двух
// завершителей решает claim: проигравший молча выходит.
func (o *Orchestrator) completeRendezvous(ctx context.Context, rec *domain.ReconnectRecord) {
	won, err := o.timeouts.ClaimRendezvous(ctx, rec.CallID)
	if err != nil {
		o.logger.Error("rendezvous claim failed", zap.String("call_id", rec.CallID), zap.Error(err))
		return
	}
	if !won {
		return
	}

	call, err := o.pm.ReconnectVisitorToCall(ctx, rec.VisitorID, rec.AgentID, rec.NewCallID)
	if err != nil {
		o.logger.Error("reconnect rebuild failed", zap.String("call_id", rec.CallID), zap.Error(err))
		return
	}
	if call == nil {
		// Одна из сторон успела пропасть между claim и rebuild
		o.deliverToSides(ctx, rec, domain.Event{Name: domain.EvReconnectFailed, Payload: domain.ReconnectFailedPayload{
			CallID: rec.CallID,
			Reason: "call_gone",
		}})
		return
	}

	// Свежий одноразовый токен: посетитель может навигироваться еще раз
	token, err := o.tokens.IssueReconnectToken(ctx, call)
	if err != nil {
		o.logger.Error("reconnect token issue failed", zap.String("call_id", call.CallID), zap.Error(err))
	}

	o.metrics.CallRequestsTotal.WithLabelValues("reconnected").Inc()
	o.logger.Info("call reconnected",
		zap.String("old_call_id", rec.CallID),
		zap.String("new_call_id", call.CallID))

	payload := domain.ReconnectedPayload{
		NewCallID: call.CallID,
		AgentID:   call.AgentID,
		VisitorID: call.VisitorID,
	}
	if rec.AgentConnID != "" {
		o.notifier.Deliver(ctx, rec.AgentConnID, rec.AgentNodeID,
			domain.Event{Name: domain.EvCallReconnected, Payload: payload})
	}
	if rec.VisitorConnID != "" {
		payload.ReconnectToken = token
		o.notifier.Deliver(ctx, rec.VisitorConnID, rec.VisitorNodeID,
			domain.Event{Name: domain.EvCallReconnected, Payload: payload})
	}
}

// deliverToSides шлет событие всем пришедшим половинам rendezvous
func (o *Orchestrator) deliverToSides(ctx context.Context, rec *domain.ReconnectRecord, event domain.Event) {
	if rec.AgentConnID != "" {
		o.notifier.Deliver(ctx, rec.AgentConnID, rec.AgentNodeID, event)
	}
	if rec.VisitorConnID != "" {
		o.notifier.Deliver(ctx, rec.VisitorConnID, rec.VisitorNodeID, event)
	}
}

// RelaySignal маршрутизирует WebRTC-сигнализацию второй стороне звонка.
// Тело не разбираем, проверяем только принадлежность отправителя звонку.
func (o *Orchestrator) RelaySignal(ctx context.Context, senderID string, fromAgent bool, sig domain.Signal) error {
	call, err := o.pm.GetActiveCall(ctx, sig.CallID)
	if err != nil {
		return err
	}
	if call == nil {
		return nil
	}

	if fromAgent {
		if call.AgentID != senderID {
			return nil
		}
		o.notifyVisitorByID(ctx, call.VisitorID, domain.Event{Name: domain.EvSignal, Payload: sig})
		return nil
	}
	if call.VisitorID != senderID {
		return nil
	}
	o.notifyAgentByID(ctx, call.AgentID, domain.Event{Name: domain.EvSignal, Payload: sig})
	return nil
}

package pool

import (
	"context"
	"math"

	"github.com/google/uuid"
	"github.com/xela07ax/callpool-infra-prototype/internal/domain"
	"go.uber.org/zap"
)

// Переходы звонка. Каждый переход — атомарный claim (ZRem из очереди
// ожидания или HSetNX-замок) плюс точечные HSET: два процесса, гонящиеся
// за одним requestID/callID, не разведут состояние.

// CreateCallRequest создает ожидающий запрос звонка visitorID -> agentID.
// nil = посетитель или агент уже не зарегистрированы.
func (m *Manager) CreateCallRequest(ctx context.Context, visitorID, agentID string) (*domain.CallRequest, error) {
	v, err := m.GetVisitor(ctx, visitorID)
	if err != nil || v == nil {
		return nil, err
	}
	a, err := m.GetAgent(ctx, agentID)
	if err != nil || a == nil {
		return nil, err
	}

	req := &domain.CallRequest{
		RequestID:   uuid.New().String(),
		VisitorID:   visitorID,
		AgentID:     agentID,
		OrgID:       v.OrgID,
		PageURL:     v.PageURL,
		RequestedAt: m.now(),
	}
	if err := m.s.HSet(ctx, requestKey(req.RequestID), requestToFields(req)); err != nil {
		return nil, err
	}
	// FIFO ожидания агента: score = requestedAt
	if err := m.s.ZAdd(ctx, waitingKey(agentID), req.RequestID, float64(req.RequestedAt.UnixMilli())); err != nil {
		return nil, err
	}

	if err := m.s.HSet(ctx, visitorKey(visitorID), map[string]string{
		fAssigned: agentID,
		fState:    string(domain.VisitorCallRequested),
	}); err != nil {
		return nil, err
	}
	_ = m.s.SAdd(ctx, agentSimsKey(agentID), visitorID)
	_ = m.MarkInteracted(ctx, visitorID)
	_ = m.bumpAssigned(ctx, v.OrgID, agentID)

	m.logger.Info("call request created",
		zap.String("request_id", req.RequestID),
		zap.String("visitor_id", visitorID),
		zap.String("agent_id", agentID))
	return req, nil
}

// MarkDispatched фиксирует момент вручения запроса агенту (ring).
func (m *Manager) MarkDispatched(ctx context.Context, requestID string) error {
	return m.s.HSet(ctx, requestKey(requestID), map[string]string{
		fDispatchedAt: encodeTime(m.now()),
	})
}

func (m *Manager) GetCallRequest(ctx context.Context, requestID string) (*domain.CallRequest, error) {
	fields, err := m.s.HGetAll(ctx, requestKey(requestID))
	if err != nil {
		return nil, err
	}
	return requestFromFields(requestID, fields), nil
}

// claimRequest атомарно забирает запрос из очереди агента. false = запрос
// уже разрешен (accept/reject/cancel/RNA обогнали друг друга).
func (m *Manager) claimRequest(ctx context.Context, req *domain.CallRequest) (bool, error) {
	return m.s.ZRem(ctx, waitingKey(req.AgentID), req.RequestID)
}

// AcceptCall: CallRequest -> ActiveCall. Агент in_call, посетитель in_call.
// nil = запрос уже разрешен.
func (m *Manager) AcceptCall(ctx context.Context, requestID string) (*domain.ActiveCall, error) {
	req, err := m.GetCallRequest(ctx, requestID)
	if err != nil || req == nil {
		return nil, err
	}

	// Не-idle агент принять не может: второй accept во время разговора
	// затер бы call_id/call_visitor живого звонка. Запрос НЕ claim'ится —
	// остается в очереди и дождется освобождения агента
	a, err := m.GetAgent(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	if a == nil || a.Profile.Status != domain.StatusIdle {
		return nil, nil
	}

	claimed, err := m.claimRequest(ctx, req)
	if err != nil || !claimed {
		return nil, err
	}
	_ = m.s.Del(ctx, requestKey(requestID))

	call := &domain.ActiveCall{
		CallID:    uuid.New().String(),
		VisitorID: req.VisitorID,
		AgentID:   req.AgentID,
		OrgID:     req.OrgID,
		StartedAt: m.now(),
	}
	return call, m.establishCall(ctx, call)
}

// establishCall пишет ActiveCall и приводит обе стороны в in_call-состояние.
// Единственное место (вместе с EndCall), где соблюдается инвариант
// in_call <=> call_visitor != "".
func (m *Manager) establishCall(ctx context.Context, call *domain.ActiveCall) error {
	if err := m.s.HSet(ctx, callKey(call.CallID), callToFields(call)); err != nil {
		return err
	}

	a, err := m.GetAgent(ctx, call.AgentID)
	if err != nil {
		return err
	}
	if a != nil {
		a.Profile.Status = domain.StatusInCall
		a.CurrentCallVisitorID = call.VisitorID
		a.LastActivityAt = m.now()
		fields := agentToFields(a)
		if err := m.s.HSet(ctx, agentKey(call.AgentID), map[string]string{
			fProfile:      fields[fProfile],
			fCallVisitor:  call.VisitorID,
			fCallID:       call.CallID,
			fLastActivity: fields[fLastActivity],
		}); err != nil {
			return err
		}
	}
	_ = m.s.SRem(ctx, agentSimsKey(call.AgentID), call.VisitorID)

	return m.s.HSet(ctx, visitorKey(call.VisitorID), map[string]string{
		fState:    string(domain.VisitorInCall),
		fAssigned: call.AgentID,
		fCallID:   call.CallID,
	})
}

// SuspendAgentCall снимает с агента связку активного звонка на время
// rendezvous: сам звонок жив, но сокет агента мертв, и статус in_call
// больше не означает "разговаривает". establishCall вернет связку при
// пересборке звонка.
func (m *Manager) SuspendAgentCall(ctx context.Context, agentID string) error {
	a, err := m.GetAgent(ctx, agentID)
	if err != nil || a == nil {
		return err
	}
	if a.Profile.Status != domain.StatusInCall {
		return nil
	}
	a.Profile.Status = domain.StatusIdle
	a.CurrentCallVisitorID = ""
	f := agentToFields(a)
	return m.s.HSet(ctx, agentKey(agentID), map[string]string{
		fProfile:     f[fProfile],
		fCallVisitor: "",
		fCallID:      "",
	})
}

// RejectCall убирает запрос; reroute — забота orchestrator'а.
// nil = запрос уже разрешен.
func (m *Manager) RejectCall(ctx context.Context, requestID string) (*domain.CallRequest, error) {
	return m.removeRequest(ctx, requestID)
}

// CancelCall — посетитель передумал до ответа агента. nil = уже разрешен.
func (m *Manager) CancelCall(ctx context.Context, requestID string) (*domain.CallRequest, error) {
	req, err := m.removeRequest(ctx, requestID)
	if err != nil || req == nil {
		return nil, err
	}
	// После отмены посетитель снова просто смотрит страницу
	_, _ = m.ClearAssignment(ctx, req.VisitorID)
	return req, nil
}

func (m *Manager) removeRequest(ctx context.Context, requestID string) (*domain.CallRequest, error) {
	req, err := m.GetCallRequest(ctx, requestID)
	if err != nil || req == nil {
		return nil, err
	}
	claimed, err := m.claimRequest(ctx, req)
	if err != nil || !claimed {
		return nil, err
	}
	_ = m.s.Del(ctx, requestKey(requestID))

	if err := m.s.HSet(ctx, visitorKey(req.VisitorID), map[string]string{
		fState: string(domain.VisitorWatching),
	}); err != nil {
		return nil, err
	}
	return req, nil
}

func (m *Manager) GetActiveCall(ctx context.Context, callID string) (*domain.ActiveCall, error) {
	fields, err := m.s.HGetAll(ctx, callKey(callID))
	if err != nil {
		return nil, err
	}
	call := callFromFields(callID, fields)
	if call != nil && fields[fEndClaim] != "" {
		return nil, nil // Формально еще в store, но уже завершается
	}
	return call, nil
}

// GetActiveCallByAgent — звонок, в котором сейчас агент (через поле call_id).
func (m *Manager) GetActiveCallByAgent(ctx context.Context, agentID string) (*domain.ActiveCall, error) {
	callID, ok, err := m.s.HGet(ctx, agentKey(agentID), fCallID)
	if err != nil || !ok || callID == "" {
		return nil, err
	}
	return m.GetActiveCall(ctx, callID)
}

// GetActiveCallByVisitor — зеркальный поиск по стороне посетителя.
func (m *Manager) GetActiveCallByVisitor(ctx context.Context, visitorID string) (*domain.ActiveCall, error) {
	callID, ok, err := m.s.HGet(ctx, visitorKey(visitorID), fCallID)
	if err != nil || !ok || callID == "" {
		return nil, err
	}
	return m.GetActiveCall(ctx, callID)
}

// EndCall завершает звонок: агент idle, посетитель browsing, запись звонка
// удаляется с проставленным EndedAt. Идемпотентен: второй вызов на тот же
// ID вернет nil без порчи состояния (HSetNX-замок).
func (m *Manager) EndCall(ctx context.Context, callID string) (*domain.ActiveCall, error) {
	fields, err := m.s.HGetAll(ctx, callKey(callID))
	if err != nil {
		return nil, err
	}
	call := callFromFields(callID, fields)
	if call == nil {
		return nil, nil
	}

	won, err := m.s.HSetNX(ctx, callKey(callID), fEndClaim, encodeTime(m.now()))
	if err != nil || !won {
		return nil, err
	}
	call.EndedAt = m.now()

	a, err := m.GetAgent(ctx, call.AgentID)
	if err != nil {
		return nil, err
	}
	if a != nil && a.CurrentCallVisitorID == call.VisitorID {
		a.Profile.Status = domain.StatusIdle
		a.CurrentCallVisitorID = ""
		a.LastActivityAt = m.now()
		f := agentToFields(a)
		if err := m.s.HSet(ctx, agentKey(call.AgentID), map[string]string{
			fProfile:      f[fProfile],
			fCallVisitor:  "",
			fCallID:       "",
			fLastActivity: f[fLastActivity],
		}); err != nil {
			return nil, err
		}
	}

	v, err := m.GetVisitor(ctx, call.VisitorID)
	if err != nil {
		return nil, err
	}
	if v != nil {
		if err := m.s.HSet(ctx, visitorKey(call.VisitorID), map[string]string{
			fState:    string(domain.VisitorBrowsing),
			fAssigned: "",
			fCallID:   "",
		}); err != nil {
			return nil, err
		}
	}

	if err := m.s.Del(ctx, callKey(callID)); err != nil {
		return nil, err
	}
	m.logger.Info("call ended",
		zap.String("call_id", callID),
		zap.String("agent_id", call.AgentID),
		zap.String("visitor_id", call.VisitorID))
	return call, nil
}

// ReconnectVisitorToCall пересобирает звонок под новым ID после page
// navigation. Протухший ActiveCall агента отбрасывается. nil = одна из
// сторон не зарегистрирована.
func (m *Manager) ReconnectVisitorToCall(ctx context.Context, visitorID, agentID, newCallID string) (*domain.ActiveCall, error) {
	v, err := m.GetVisitor(ctx, visitorID)
	if err != nil || v == nil {
		return nil, err
	}
	a, err := m.GetAgent(ctx, agentID)
	if err != nil || a == nil {
		return nil, err
	}

	// Сносим старую запись звонка, если агент еще числится в ней
	if staleID, ok, _ := m.s.HGet(ctx, agentKey(agentID), fCallID); ok && staleID != "" && staleID != newCallID {
		_ = m.s.Del(ctx, callKey(staleID))
	}

	call := &domain.ActiveCall{
		CallID:    newCallID,
		VisitorID: visitorID,
		AgentID:   agentID,
		OrgID:     a.OrgID,
		StartedAt: m.now(),
	}
	if err := m.establishCall(ctx, call); err != nil {
		return nil, err
	}
	m.logger.Info("call re-established",
		zap.String("new_call_id", newCallID),
		zap.String("agent_id", agentID),
		zap.String("visitor_id", visitorID))
	return call, nil
}

// GetWaitingRequestsForAgent — очередь агента, FIFO по requestedAt.
func (m *Manager) GetWaitingRequestsForAgent(ctx context.Context, agentID string) ([]*domain.CallRequest, error) {
	ids, err := m.s.ZRangeByScore(ctx, waitingKey(agentID), math.Inf(-1), math.Inf(1))
	if err != nil {
		return nil, err
	}
	var out []*domain.CallRequest
	for _, id := range ids {
		req, err := m.GetCallRequest(ctx, id)
		if err != nil {
			return out, err
		}
		if req != nil {
			out = append(out, req)
		}
	}
	return out, nil
}

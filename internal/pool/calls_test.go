package pool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/callpool-infra-prototype/internal/domain"
)

func TestCreateCallRequestQueuesFIFO(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil)
	addAgent(t, m, "agent-1", "org-1")
	addVisitor(t, m, "vis-1", "org-1", "https://example.com/a")
	addVisitor(t, m, "vis-2", "org-1", "https://example.com/b")

	first, err := m.CreateCallRequest(ctx, "vis-1", "agent-1")
	require.NoError(t, err)
	require.NotNil(t, first)
	second, err := m.CreateCallRequest(ctx, "vis-2", "agent-1")
	require.NoError(t, err)
	require.NotNil(t, second)

	waiting, err := m.GetWaitingRequestsForAgent(ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, waiting, 2)
	assert.Equal(t, first.RequestID, waiting[0].RequestID)
	assert.Equal(t, second.RequestID, waiting[1].RequestID)

	v, err := m.GetVisitor(ctx, "vis-1")
	require.NoError(t, err)
	assert.Equal(t, domain.VisitorCallRequested, v.State)
	assert.Equal(t, "agent-1", v.AssignedAgentID)
}

func TestCreateCallRequestUnknownParties(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil)
	addAgent(t, m, "agent-1", "org-1")

	req, err := m.CreateCallRequest(ctx, "ghost", "agent-1")
	require.NoError(t, err)
	assert.Nil(t, req)

	addVisitor(t, m, "vis-1", "org-1", "https://example.com/")
	req, err = m.CreateCallRequest(ctx, "vis-1", "ghost-agent")
	require.NoError(t, err)
	assert.Nil(t, req)
}

func TestMarkDispatchedRoundtrip(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil)
	addAgent(t, m, "agent-1", "org-1")
	addVisitor(t, m, "vis-1", "org-1", "https://example.com/")

	req, err := m.CreateCallRequest(ctx, "vis-1", "agent-1")
	require.NoError(t, err)
	assert.True(t, req.DispatchedAt.IsZero())

	require.NoError(t, m.MarkDispatched(ctx, req.RequestID))

	got, err := m.GetCallRequest(ctx, req.RequestID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, got.DispatchedAt.IsZero())
}

func TestAcceptCallClaimsRequest(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil)
	addAgent(t, m, "agent-1", "org-1")
	addVisitor(t, m, "vis-1", "org-1", "https://example.com/")

	req, err := m.CreateCallRequest(ctx, "vis-1", "agent-1")
	require.NoError(t, err)

	call, err := m.AcceptCall(ctx, req.RequestID)
	require.NoError(t, err)
	require.NotNil(t, call)
	assert.Equal(t, "vis-1", call.VisitorID)
	assert.Equal(t, "agent-1", call.AgentID)

	// Гонка: второй accept того же запроса проигрывает claim
	again, err := m.AcceptCall(ctx, req.RequestID)
	require.NoError(t, err)
	assert.Nil(t, again)

	// И отмена после accept тоже
	cancelled, err := m.CancelCall(ctx, req.RequestID)
	require.NoError(t, err)
	assert.Nil(t, cancelled)

	waiting, err := m.GetWaitingRequestsForAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Empty(t, waiting)
}

func TestAcceptCallRefusesBusyAgent(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil)
	addAgent(t, m, "agent-1", "org-1")
	addVisitor(t, m, "vis-1", "org-1", "https://example.com/")
	addVisitor(t, m, "vis-2", "org-1", "https://example.com/")

	first, err := m.CreateCallRequest(ctx, "vis-1", "agent-1")
	require.NoError(t, err)
	second, err := m.CreateCallRequest(ctx, "vis-2", "agent-1")
	require.NoError(t, err)

	call, err := m.AcceptCall(ctx, first.RequestID)
	require.NoError(t, err)
	require.NotNil(t, call)

	// Агент уже разговаривает: второй accept не создает второй звонок
	// и не затирает привязку первого
	again, err := m.AcceptCall(ctx, second.RequestID)
	require.NoError(t, err)
	assert.Nil(t, again)

	byAgent, err := m.GetActiveCallByAgent(ctx, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, byAgent)
	assert.Equal(t, call.CallID, byAgent.CallID)
	assert.Equal(t, "vis-1", byAgent.VisitorID)

	v1, err := m.GetVisitor(ctx, "vis-1")
	require.NoError(t, err)
	assert.Equal(t, domain.VisitorInCall, v1.State)

	// Запрос не claim'ится: остается в очереди до освобождения агента
	waiting, err := m.GetWaitingRequestsForAgent(ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, waiting, 1)
	assert.Equal(t, second.RequestID, waiting[0].RequestID)

	// После завершения звонка очередь снова принимается
	_, err = m.EndCall(ctx, call.CallID)
	require.NoError(t, err)
	next, err := m.AcceptCall(ctx, second.RequestID)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "vis-2", next.VisitorID)
}

func TestSetAgentStatusSparesInCall(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil)
	addAgent(t, m, "agent-1", "org-1")
	addVisitor(t, m, "vis-1", "org-1", "https://example.com/")

	req, err := m.CreateCallRequest(ctx, "vis-1", "agent-1")
	require.NoError(t, err)
	call, err := m.AcceptCall(ctx, req.RequestID)
	require.NoError(t, err)

	// Понижение разговаривающего агента игнорируется: иначе status=away
	// при call_visitor != "" разведет статус с привязкой звонка
	a, err := m.SetAgentStatus(ctx, "agent-1", domain.StatusAway)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, domain.StatusInCall, a.Profile.Status)
	assert.Equal(t, "vis-1", a.CurrentCallVisitorID)

	stored, err := m.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInCall, stored.Profile.Status)
	assert.Equal(t, "vis-1", stored.CurrentCallVisitorID)

	// После завершения звонка обычные переходы снова работают
	_, err = m.EndCall(ctx, call.CallID)
	require.NoError(t, err)
	a, err = m.SetAgentStatus(ctx, "agent-1", domain.StatusAway)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAway, a.Profile.Status)
}

func TestRejectAfterCancelLosesRace(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil)
	addAgent(t, m, "agent-1", "org-1")
	addVisitor(t, m, "vis-1", "org-1", "https://example.com/")

	req, err := m.CreateCallRequest(ctx, "vis-1", "agent-1")
	require.NoError(t, err)

	removed, err := m.CancelCall(ctx, req.RequestID)
	require.NoError(t, err)
	require.NotNil(t, removed)

	// После отмены посетитель снят с назначения
	v, err := m.GetVisitor(ctx, "vis-1")
	require.NoError(t, err)
	assert.Equal(t, domain.VisitorBrowsing, v.State)
	assert.Empty(t, v.AssignedAgentID)

	rejected, err := m.RejectCall(ctx, req.RequestID)
	require.NoError(t, err)
	assert.Nil(t, rejected)
}

func TestRejectCallKeepsAssignment(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil)
	addAgent(t, m, "agent-1", "org-1")
	addVisitor(t, m, "vis-1", "org-1", "https://example.com/")

	req, err := m.CreateCallRequest(ctx, "vis-1", "agent-1")
	require.NoError(t, err)

	removed, err := m.RejectCall(ctx, req.RequestID)
	require.NoError(t, err)
	require.NotNil(t, removed)
	assert.Equal(t, "vis-1", removed.VisitorID)

	// Reject не чистит назначение: дальше reroute решает, куда вести посетителя
	v, err := m.GetVisitor(ctx, "vis-1")
	require.NoError(t, err)
	assert.Equal(t, domain.VisitorWatching, v.State)
	assert.Equal(t, "agent-1", v.AssignedAgentID)
}

func TestGetActiveCallLookups(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil)
	addAgent(t, m, "agent-1", "org-1")
	addVisitor(t, m, "vis-1", "org-1", "https://example.com/")

	req, err := m.CreateCallRequest(ctx, "vis-1", "agent-1")
	require.NoError(t, err)
	call, err := m.AcceptCall(ctx, req.RequestID)
	require.NoError(t, err)

	byAgent, err := m.GetActiveCallByAgent(ctx, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, byAgent)
	assert.Equal(t, call.CallID, byAgent.CallID)

	byVisitor, err := m.GetActiveCallByVisitor(ctx, "vis-1")
	require.NoError(t, err)
	require.NotNil(t, byVisitor)
	assert.Equal(t, call.CallID, byVisitor.CallID)

	_, err = m.EndCall(ctx, call.CallID)
	require.NoError(t, err)

	byAgent, err = m.GetActiveCallByAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Nil(t, byAgent)
}

func TestReconnectVisitorToCall(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil)
	addAgent(t, m, "agent-1", "org-1")
	addVisitor(t, m, "vis-1", "org-1", "https://example.com/")

	req, err := m.CreateCallRequest(ctx, "vis-1", "agent-1")
	require.NoError(t, err)
	old, err := m.AcceptCall(ctx, req.RequestID)
	require.NoError(t, err)

	call, err := m.ReconnectVisitorToCall(ctx, "vis-1", "agent-1", "call-new")
	require.NoError(t, err)
	require.NotNil(t, call)
	assert.Equal(t, "call-new", call.CallID)

	// Протухшая запись старого звонка снесена
	stale, err := m.GetActiveCall(ctx, old.CallID)
	require.NoError(t, err)
	assert.Nil(t, stale)

	a, err := m.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInCall, a.Profile.Status)
	assert.Equal(t, "vis-1", a.CurrentCallVisitorID)

	byVisitor, err := m.GetActiveCallByVisitor(ctx, "vis-1")
	require.NoError(t, err)
	require.NotNil(t, byVisitor)
	assert.Equal(t, "call-new", byVisitor.CallID)
}

func TestReconnectUnknownVisitor(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, nil)
	addAgent(t, m, "agent-1", "org-1")

	call, err := m.ReconnectVisitorToCall(ctx, "ghost", "agent-1", "call-new")
	require.NoError(t, err)
	assert.Nil(t, call)
}

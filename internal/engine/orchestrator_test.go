package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/callpool-infra-prototype/internal/domain"
	"github.com/xela07ax/callpool-infra-prototype/internal/infra"
	"github.com/xela07ax/callpool-infra-prototype/internal/pool"
	"github.com/xela07ax/callpool-infra-prototype/internal/store"
	"go.uber.org/zap"
)

// --- Тестовые дублеры ---

// fakeConn копит доставленные события вместо записи в сокет
type fakeConn struct {
	id     string
	mu     sync.Mutex
	events []domain.Event
	closed bool
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(_ context.Context, event domain.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func (c *fakeConn) Close(string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeConn) byName(name string) []domain.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.Event
	for _, e := range c.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

func (c *fakeConn) countOf(name string) int { return len(c.byName(name)) }

func (c *fakeConn) lastOf(t *testing.T, name string) domain.Event {
	t.Helper()
	evs := c.byName(name)
	require.NotEmpty(t, evs, "expected event %q on conn %s", name, c.id)
	return evs[len(evs)-1]
}

// fakeClock — ручное время, общее для оркестратора и sweeper'а
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type stubSettings struct{}

func (stubSettings) GetCallSettings(_ context.Context, orgID string) (domain.CallSettings, error) {
	return domain.CallSettings{OrgID: orgID}, nil
}

func (stubSettings) GetWidgetSettings(_ context.Context, orgID, poolID string) (domain.WidgetSettings, error) {
	return domain.WidgetSettings{OrgID: orgID, PoolID: poolID, Enabled: true}, nil
}

type stubGeo struct{ loc *domain.Location }

func (g *stubGeo) GetLocationFromIP(context.Context, string) *domain.Location { return g.loc }

type stubBlocklist struct{ blocked map[string]bool }

func (b *stubBlocklist) IsCountryBlocked(_ context.Context, _, countryCode string) bool {
	return b.blocked[countryCode]
}

// stubTokens хранит выпущенные токены в памяти и гасит их при resolve
type stubTokens struct {
	mu     sync.Mutex
	n      int
	issued map[string]*domain.ReconnectClaims
}

func (s *stubTokens) IssueReconnectToken(_ context.Context, call *domain.ActiveCall) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	token := fmt.Sprintf("tok-%d", s.n)
	s.issued[token] = &domain.ReconnectClaims{
		CallID:    call.CallID,
		AgentID:   call.AgentID,
		VisitorID: call.VisitorID,
		OrgID:     call.OrgID,
	}
	return token, nil
}

func (s *stubTokens) ResolveReconnectToken(_ context.Context, token string) (*domain.ReconnectClaims, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	claims := s.issued[token]
	delete(s.issued, token) // Одноразовость
	return claims, nil
}

// recordingLog фиксирует вызовы Recorder в виде меток
type recordingLog struct {
	mu      sync.Mutex
	entries []string
}

func (r *recordingLog) add(label string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, label)
}

func (r *recordingLog) count(label string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e == label {
			n++
		}
	}
	return n
}

func (r *recordingLog) CallRequested(*domain.CallRequest)                 { r.add("requested") }
func (r *recordingLog) CallAccepted(*domain.ActiveCall, string)           { r.add("accepted") }
func (r *recordingLog) CallEnded(*domain.ActiveCall, domain.EndReason)    { r.add("ended") }
func (r *recordingLog) CallRejected(*domain.CallRequest)                  { r.add("rejected") }
func (r *recordingLog) CallCancelled(*domain.CallRequest)                 { r.add("cancelled") }
func (r *recordingLog) CallMissed(*domain.CallRequest)                    { r.add("missed") }
func (r *recordingLog) StatusChange(_ string, status domain.AgentStatus)  { r.add("status:" + string(status)) }
func (r *recordingLog) Pageview(*domain.VisitorSession)                   { r.add("pageview") }

type nopRouting struct{}

func (nopRouting) GetOrgRouting(context.Context, string) (*domain.OrgRouting, error) {
	return nil, nil
}

// --- Сборка окружения ---

type testEnv struct {
	t      *testing.T
	o      *Orchestrator
	sw     *Sweeper
	pm     *pool.Manager
	reg    *Registry
	clock  *fakeClock
	log    *recordingLog
	tokens *stubTokens
	geo    *stubGeo
	block  *stubBlocklist
	cfg    infra.CallsConfig
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	pm := pool.NewManager(ms, nopRouting{}, zap.NewNop())
	reg := NewRegistry()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	log := &recordingLog{}
	tokens := &stubTokens{issued: make(map[string]*domain.ReconnectClaims)}
	geo := &stubGeo{}
	block := &stubBlocklist{blocked: make(map[string]bool)}
	cfg := infra.CallsConfig{
		DefaultRNATimeout: 30 * time.Second,
		DisconnectGrace:   10 * time.Second,
		ReconnectBudget:   time.Minute,
		StaleThreshold:    5 * time.Minute,
	}

	o := NewOrchestrator(OrchestratorParams{
		Pool:      pm,
		Timeouts:  store.NewTimeoutStore(ms),
		Notifier:  NewNotifier(reg, nil, "node-test", zap.NewNop()),
		Settings:  stubSettings{},
		Geo:       geo,
		Blocklist: block,
		Tokens:    tokens,
		Recorder:  log,
		Metrics:   NewMetrics(nil),
		Logger:    zap.NewNop(),
		Config:    cfg,
		NodeID:    "node-test",
	})
	o.now = clock.Now
	// Dispatch delay в тестах схлопываем: колбэк выполняется на месте
	o.afterFunc = func(_ time.Duration, f func()) { f() }

	return &testEnv{
		t: t, o: o, sw: NewSweeper(o), pm: pm, reg: reg,
		clock: clock, log: log, tokens: tokens, geo: geo, block: block, cfg: cfg,
	}
}

func (e *testEnv) connectAgent(agentID, connID string) *fakeConn {
	e.t.Helper()
	conn := &fakeConn{id: connID}
	e.reg.Add(conn)
	_, err := e.o.AgentConnected(context.Background(), agentID, "org-1", connID,
		domain.AgentProfile{DisplayName: agentID})
	require.NoError(e.t, err)
	return conn
}

func (e *testEnv) joinVisitor(visitorID, connID string) *fakeConn {
	e.t.Helper()
	conn := &fakeConn{id: connID}
	e.reg.Add(conn)
	v, err := e.o.VisitorJoined(context.Background(), visitorID, "org-1", connID,
		"https://example.com/pricing", "203.0.113.7")
	require.NoError(e.t, err)
	require.NotNil(e.t, v)
	return conn
}

func (e *testEnv) agentStatus(agentID string) domain.AgentStatus {
	e.t.Helper()
	a, err := e.pm.GetAgent(context.Background(), agentID)
	require.NoError(e.t, err)
	require.NotNil(e.t, a)
	return a.Profile.Status
}

func incomingRequestID(t *testing.T, conn *fakeConn) string {
	t.Helper()
	p, ok := conn.lastOf(t, domain.EvCallIncoming).Payload.(domain.CallIncomingPayload)
	require.True(t, ok)
	return p.RequestID
}

// establishCall прогоняет полный happy path: request -> incoming -> accept.
// Возвращает payload call:accepted посетителя (там call_id и reconnect-токен).
func (e *testEnv) establishCall(agentID string, agentConn, visitorConn *fakeConn, visitorID string) domain.CallAcceptedPayload {
	e.t.Helper()
	ctx := context.Background()
	require.NoError(e.t, e.o.VisitorRequestedCall(ctx, visitorID))
	reqID := incomingRequestID(e.t, agentConn)

	call, err := e.o.AgentAccepted(ctx, agentID, reqID)
	require.NoError(e.t, err)
	require.NotNil(e.t, call)

	p, ok := visitorConn.lastOf(e.t, domain.EvCallAccepted).Payload.(domain.CallAcceptedPayload)
	require.True(e.t, ok)
	return p
}

// --- Подключение и подбор агента ---

func TestVisitorJoinedAssignsAgent(t *testing.T) {
	e := newTestEnv(t)
	agentConn := e.connectAgent("agent-a", "conn-a")
	visConn := e.joinVisitor("vis-1", "conn-v1")

	p, ok := visConn.lastOf(t, domain.EvAgentAssigned).Payload.(domain.AgentAssignedPayload)
	require.True(t, ok)
	assert.Equal(t, "agent-a", p.AgentID)
	assert.True(t, p.Widget.Enabled)

	// Агент услышал обновление счетчиков
	assert.NotZero(t, agentConn.countOf(domain.EvStatsUpdate))
	assert.Equal(t, 1, e.log.count("pageview"))
}

func TestVisitorJoinedNoAgents(t *testing.T) {
	e := newTestEnv(t)
	visConn := e.joinVisitor("vis-1", "conn-v1")

	p, ok := visConn.lastOf(t, domain.EvAgentUnavailable).Payload.(domain.AgentUnavailablePayload)
	require.True(t, ok)
	assert.Equal(t, "no_agents", p.Reason)
}

func TestVisitorJoinedBlockedCountry(t *testing.T) {
	e := newTestEnv(t)
	e.geo.loc = &domain.Location{CountryCode: "XX"}
	e.block.blocked["XX"] = true

	v, err := e.o.VisitorJoined(context.Background(), "vis-1", "org-1", "conn-v1",
		"https://example.com/", "203.0.113.7")
	require.NoError(t, err)
	assert.Nil(t, v)

	got, err := e.pm.GetVisitor(context.Background(), "vis-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

// --- Жизненный цикл звонка ---

func TestAcceptFlowNotifiesBothSides(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	agentConn := e.connectAgent("agent-a", "conn-a")
	visConn := e.joinVisitor("vis-1", "conn-v1")

	accepted := e.establishCall("agent-a", agentConn, visConn, "vis-1")
	assert.NotEmpty(t, accepted.CallID)
	assert.NotEmpty(t, accepted.ReconnectToken, "visitor must receive a reconnect token")
	assert.Equal(t, 1, agentConn.countOf(domain.EvCallStarted))

	assert.Equal(t, domain.StatusInCall, e.agentStatus("agent-a"))

	// RNA-таймер погашен: просрочка ничего не находит
	e.clock.Advance(e.cfg.DefaultRNATimeout + time.Second)
	e.sw.sweepRNA(ctx)
	assert.Zero(t, e.log.count("missed"))
}

func TestRejectReroutesToAnotherAgent(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	connA := e.connectAgent("agent-a", "conn-a")
	connB := e.connectAgent("agent-b", "conn-b")
	visConn := e.joinVisitor("vis-1", "conn-v1")

	require.NoError(t, e.o.VisitorRequestedCall(ctx, "vis-1"))
	reqID := incomingRequestID(t, connA)

	require.NoError(t, e.o.AgentRejected(ctx, "agent-a", reqID))

	// Запрос переехал ко второму агенту, посетителю объявили замену
	assert.Equal(t, 1, connB.countOf(domain.EvCallIncoming))
	p, ok := visConn.lastOf(t, domain.EvAgentAssigned).Payload.(domain.AgentAssignedPayload)
	require.True(t, ok)
	assert.Equal(t, "agent-b", p.AgentID)
	assert.Equal(t, 1, e.log.count("rejected"))
}

func TestRejectWithoutAlternative(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	connA := e.connectAgent("agent-a", "conn-a")
	visConn := e.joinVisitor("vis-1", "conn-v1")

	require.NoError(t, e.o.VisitorRequestedCall(ctx, "vis-1"))
	reqID := incomingRequestID(t, connA)

	require.NoError(t, e.o.AgentRejected(ctx, "agent-a", reqID))

	p, ok := visConn.lastOf(t, domain.EvAgentUnavailable).Payload.(domain.AgentUnavailablePayload)
	require.True(t, ok)
	assert.Equal(t, "no_agents", p.Reason)

	v, err := e.pm.GetVisitor(ctx, "vis-1")
	require.NoError(t, err)
	assert.Empty(t, v.AssignedAgentID)
}

func TestVisitorCancelBeforeAnswer(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	agentConn := e.connectAgent("agent-a", "conn-a")
	e.joinVisitor("vis-1", "conn-v1")

	require.NoError(t, e.o.VisitorRequestedCall(ctx, "vis-1"))
	reqID := incomingRequestID(t, agentConn)

	require.NoError(t, e.o.VisitorCancelled(ctx, "vis-1", reqID))
	assert.Equal(t, 1, agentConn.countOf(domain.EvCallCancelled))
	assert.Equal(t, 1, e.log.count("cancelled"))

	// Агент после отмены не занят
	assert.Equal(t, domain.StatusIdle, e.agentStatus("agent-a"))
}

func TestEndCallIsIdempotentAndDispatchesQueue(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	agentConn := e.connectAgent("agent-a", "conn-a")
	vis1 := e.joinVisitor("vis-1", "conn-v1")
	e.joinVisitor("vis-2", "conn-v2")

	accepted := e.establishCall("agent-a", agentConn, vis1, "vis-1")

	// Запрос, проигравший гонку с accept: создан, но ring не отправлен
	// (так остаются лежать запросы, чей dispatch не успел до занятия агента)
	req2, err := e.pm.CreateCallRequest(ctx, "vis-2", "agent-a")
	require.NoError(t, err)
	require.NotNil(t, req2)
	assert.Equal(t, 1, agentConn.countOf(domain.EvCallIncoming))

	require.NoError(t, e.o.AgentEndedCall(ctx, "agent-a", accepted.CallID))
	assert.Equal(t, 1, agentConn.countOf(domain.EvCallEnded))
	assert.Equal(t, 1, vis1.countOf(domain.EvCallEnded))

	// Очередь поехала: следующий запрос вручен сразу после завершения
	assert.Equal(t, 2, agentConn.countOf(domain.EvCallIncoming))

	// Повторное завершение того же звонка — тишина
	require.NoError(t, e.o.AgentEndedCall(ctx, "agent-a", accepted.CallID))
	require.NoError(t, e.o.VisitorEndedCall(ctx, "vis-1", accepted.CallID))
	assert.Equal(t, 1, agentConn.countOf(domain.EvCallEnded))
	assert.Equal(t, 1, e.log.count("ended"))
}

func TestBusyAssignedAgentSubstitutedOnRequest(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	agentA := e.connectAgent("agent-a", "conn-a")
	vis1 := e.joinVisitor("vis-1", "conn-v1")
	e.joinVisitor("vis-2", "conn-v2")
	// Оба посетителя назначены на agent-a (другого пока нет)
	e.establishCall("agent-a", agentA, vis1, "vis-1")

	agentB := e.connectAgent("agent-b", "conn-b")

	// Назначенный агент разговаривает: запрос молча уводится на свободного,
	// занятому второй ring не приходит
	require.NoError(t, e.o.VisitorRequestedCall(ctx, "vis-2"))
	assert.Equal(t, 1, agentA.countOf(domain.EvCallIncoming))
	assert.Equal(t, 1, agentB.countOf(domain.EvCallIncoming))

	// Запрос висит в очереди замены, не занятого
	waitingA, err := e.pm.GetWaitingRequestsForAgent(ctx, "agent-a")
	require.NoError(t, err)
	assert.Empty(t, waitingA)
	waitingB, err := e.pm.GetWaitingRequestsForAgent(ctx, "agent-b")
	require.NoError(t, err)
	require.Len(t, waitingB, 1)
	assert.Equal(t, "vis-2", waitingB[0].VisitorID)

	v2, err := e.pm.GetVisitor(ctx, "vis-2")
	require.NoError(t, err)
	assert.Equal(t, "agent-b", v2.AssignedAgentID)
}

// --- RNA ---

func TestRNASweepDemotesAgentAndReroutes(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	agentConn := e.connectAgent("agent-a", "conn-a")
	visConn := e.joinVisitor("vis-1", "conn-v1")

	require.NoError(t, e.o.VisitorRequestedCall(ctx, "vis-1"))
	require.Equal(t, 1, agentConn.countOf(domain.EvCallIncoming))

	e.clock.Advance(e.cfg.DefaultRNATimeout + time.Second)
	e.sw.sweepRNA(ctx)

	assert.Equal(t, 1, e.log.count("missed"))
	assert.Equal(t, domain.StatusAway, e.agentStatus("agent-a"))

	// Других агентов нет: посетителю сообщили о недоступности
	p, ok := visConn.lastOf(t, domain.EvAgentUnavailable).Payload.(domain.AgentUnavailablePayload)
	require.True(t, ok)
	assert.Equal(t, "no_agents", p.Reason)

	// Повторный sweep ничего не дожирает
	e.sw.sweepRNA(ctx)
	assert.Equal(t, 1, e.log.count("missed"))
}

func TestRNASweepSkipsResolvedRequest(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	agentConn := e.connectAgent("agent-a", "conn-a")
	e.joinVisitor("vis-1", "conn-v1")

	require.NoError(t, e.o.VisitorRequestedCall(ctx, "vis-1"))
	reqID := incomingRequestID(t, agentConn)

	// Отмена гасит и RNA-таймер: агент не должен быть наказан
	// за разрешенный запрос
	require.NoError(t, e.o.VisitorCancelled(ctx, "vis-1", reqID))
	e.clock.Advance(e.cfg.DefaultRNATimeout + time.Second)
	e.sw.sweepRNA(ctx)

	assert.Zero(t, e.log.count("missed"))
	assert.Equal(t, domain.StatusIdle, e.agentStatus("agent-a"))
}

func TestRNASweepSparesInCallAgent(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	agentConn := e.connectAgent("agent-a", "conn-a")
	e.joinVisitor("vis-1", "conn-v1")
	vis2 := e.joinVisitor("vis-2", "conn-v2")

	// Два одновременных ring'а свободному агенту
	require.NoError(t, e.o.VisitorRequestedCall(ctx, "vis-1"))
	require.NoError(t, e.o.VisitorRequestedCall(ctx, "vis-2"))
	rings := agentConn.byName(domain.EvCallIncoming)
	require.Len(t, rings, 2)
	firstReq := rings[0].Payload.(domain.CallIncomingPayload).RequestID

	call, err := e.o.AgentAccepted(ctx, "agent-a", firstReq)
	require.NoError(t, err)
	require.NotNil(t, call)

	// RNA второго ring'а истекает посреди разговора: агент не молчит,
	// он занят — понижать и раздевать его нельзя
	e.clock.Advance(e.cfg.DefaultRNATimeout + time.Second)
	e.sw.sweepRNA(ctx)

	assert.Equal(t, domain.StatusInCall, e.agentStatus("agent-a"))
	assert.Zero(t, e.log.count("status:away"))

	live, err := e.pm.GetActiveCallByAgent(ctx, "agent-a")
	require.NoError(t, err)
	require.NotNil(t, live)
	assert.Equal(t, call.CallID, live.CallID)

	v1, err := e.pm.GetVisitor(ctx, "vis-1")
	require.NoError(t, err)
	assert.Equal(t, domain.VisitorInCall, v1.State)

	// Проспанный запрос все же разрешен: vis-2 узнал, что агентов нет
	assert.Equal(t, 1, e.log.count("missed"))
	p, ok := vis2.lastOf(t, domain.EvAgentUnavailable).Payload.(domain.AgentUnavailablePayload)
	require.True(t, ok)
	assert.Equal(t, "no_agents", p.Reason)
}

// --- Статусы и переназначение ---

func TestAgentAwayReassignsVisitors(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.connectAgent("agent-a", "conn-a")
	e.connectAgent("agent-b", "conn-b")
	visConn := e.joinVisitor("vis-1", "conn-v1")

	// vis-1 достался agent-a (первый в ротации)
	require.NoError(t, e.o.AgentStatusChanged(ctx, "agent-a", domain.StatusAway))

	p, ok := visConn.lastOf(t, domain.EvAgentAssigned).Payload.(domain.AgentAssignedPayload)
	require.True(t, ok)
	assert.Equal(t, "agent-b", p.AgentID)
	assert.Equal(t, 1, e.log.count("status:away"))
}

// --- Disconnect grace ---

func TestAgentReturnsWithinGrace(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.connectAgent("agent-a", "conn-a1")
	require.NoError(t, e.o.AgentStatusChanged(ctx, "agent-a", domain.StatusAway))

	e.o.AgentDisconnected(ctx, "agent-a")
	assert.Equal(t, domain.StatusOffline, e.agentStatus("agent-a"))

	// Вернулся до истечения grace: статус как до обрыва
	e.clock.Advance(e.cfg.DisconnectGrace / 2)
	e.connectAgent("agent-a", "conn-a2")
	assert.Equal(t, domain.StatusAway, e.agentStatus("agent-a"))

	// Sweeper'у забирать нечего
	e.clock.Advance(e.cfg.DisconnectGrace)
	e.sw.sweepDisconnects(ctx)
	a, err := e.pm.GetAgent(ctx, "agent-a")
	require.NoError(t, err)
	assert.NotNil(t, a)
}

func TestAgentGraceExpiresUnregisters(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.connectAgent("agent-a", "conn-a")
	visConn := e.joinVisitor("vis-1", "conn-v1")

	e.o.AgentDisconnected(ctx, "agent-a")
	e.clock.Advance(e.cfg.DisconnectGrace + time.Second)
	e.sw.sweepDisconnects(ctx)

	a, err := e.pm.GetAgent(ctx, "agent-a")
	require.NoError(t, err)
	assert.Nil(t, a)

	// Посетителю отдали честный unavailable, а не вечное ожидание
	assert.NotZero(t, visConn.countOf(domain.EvAgentUnavailable))
}

func TestAgentDisconnectEndsCallWithoutRendezvous(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	agentConn := e.connectAgent("agent-a", "conn-a")
	visConn := e.joinVisitor("vis-1", "conn-v1")
	accepted := e.establishCall("agent-a", agentConn, visConn, "vis-1")

	// Посетитель на месте, rendezvous нет: звонок рвется сразу
	e.o.AgentDisconnected(ctx, "agent-a")

	p, ok := visConn.lastOf(t, domain.EvCallEnded).Payload.(domain.CallEndedPayload)
	require.True(t, ok)
	assert.Equal(t, accepted.CallID, p.CallID)
	assert.Equal(t, domain.EndedBySystem, p.Reason)
}

// --- Reconnect rendezvous ---

func TestVisitorNavigationOpensRendezvous(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	agentConn := e.connectAgent("agent-a", "conn-a")
	visConn := e.joinVisitor("vis-1", "conn-v1")
	accepted := e.establishCall("agent-a", agentConn, visConn, "vis-1")

	e.o.VisitorDisconnected(ctx, "vis-1")

	p, ok := agentConn.lastOf(t, domain.EvCallReconnecting).Payload.(domain.ReconnectingPayload)
	require.True(t, ok)
	assert.Equal(t, accepted.CallID, p.CallID)
	assert.Equal(t, e.cfg.ReconnectBudget.Milliseconds(), p.TimeoutMs)

	// Звонок переживает обрыв посетителя
	call, err := e.pm.GetActiveCall(ctx, accepted.CallID)
	require.NoError(t, err)
	assert.NotNil(t, call)
}

func TestVisitorResumeWithAgentStillConnected(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	agentConn := e.connectAgent("agent-a", "conn-a")
	visConn := e.joinVisitor("vis-1", "conn-v1")
	accepted := e.establishCall("agent-a", agentConn, visConn, "vis-1")

	e.o.VisitorDisconnected(ctx, "vis-1")

	// Посетитель вернулся на новой странице с новым сокетом
	newConn := &fakeConn{id: "conn-v2"}
	e.reg.Add(newConn)
	v, err := e.o.VisitorResume(ctx, accepted.ReconnectToken, "conn-v2", "https://example.com/docs", "203.0.113.7")
	require.NoError(t, err)
	require.NotNil(t, v)

	// Агент не рвал сокет: rendezvous схлопнулся сразу, обе стороны получили
	// новый CallID
	ap, ok := agentConn.lastOf(t, domain.EvCallReconnected).Payload.(domain.ReconnectedPayload)
	require.True(t, ok)
	vp, ok := newConn.lastOf(t, domain.EvCallReconnected).Payload.(domain.ReconnectedPayload)
	require.True(t, ok)
	assert.Equal(t, ap.NewCallID, vp.NewCallID)
	assert.NotEqual(t, accepted.CallID, vp.NewCallID)
	assert.NotEmpty(t, vp.ReconnectToken, "visitor gets a fresh token for the next navigation")
	assert.Empty(t, ap.ReconnectToken)

	// Старый звонок похоронен, новый жив
	old, err := e.pm.GetActiveCall(ctx, accepted.CallID)
	require.NoError(t, err)
	assert.Nil(t, old)
	current, err := e.pm.GetActiveCall(ctx, vp.NewCallID)
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, "vis-1", current.VisitorID)
}

func TestVisitorResumeTokenReplay(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	agentConn := e.connectAgent("agent-a", "conn-a")
	visConn := e.joinVisitor("vis-1", "conn-v1")
	accepted := e.establishCall("agent-a", agentConn, visConn, "vis-1")

	e.o.VisitorDisconnected(ctx, "vis-1")

	first := &fakeConn{id: "conn-v2"}
	e.reg.Add(first)
	_, err := e.o.VisitorResume(ctx, accepted.ReconnectToken, "conn-v2", "https://example.com/", "")
	require.NoError(t, err)

	// Вторая вкладка с тем же токеном
	second := &fakeConn{id: "conn-v3"}
	e.reg.Add(second)
	v, err := e.o.VisitorResume(ctx, accepted.ReconnectToken, "conn-v3", "https://example.com/", "")
	require.NoError(t, err)
	assert.Nil(t, v)

	p, ok := second.lastOf(t, domain.EvReconnectFailed).Payload.(domain.ReconnectFailedPayload)
	require.True(t, ok)
	assert.Equal(t, "token_invalid", p.Reason)
}

func TestVisitorResumeAfterAgentHangsUp(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	agentConn := e.connectAgent("agent-a", "conn-a")
	visConn := e.joinVisitor("vis-1", "conn-v1")
	accepted := e.establishCall("agent-a", agentConn, visConn, "vis-1")

	// Посетитель ушел в навигацию, агент повесил трубку, не дождавшись
	e.o.VisitorDisconnected(ctx, "vis-1")
	require.NoError(t, e.o.AgentEndedCall(ctx, "agent-a", accepted.CallID))
	assert.Equal(t, 1, agentConn.countOf(domain.EvCallEnded))

	// Завершение гасит rendezvous вместе со звонком
	_, open, err := e.o.timeouts.GetRendezvous(ctx, accepted.CallID)
	require.NoError(t, err)
	assert.False(t, open)

	// Вернувшийся посетитель получает отказ сразу, а не после таймера
	newConn := &fakeConn{id: "conn-v2"}
	e.reg.Add(newConn)
	v, err := e.o.VisitorResume(ctx, accepted.ReconnectToken, "conn-v2", "https://example.com/", "")
	require.NoError(t, err)
	require.NotNil(t, v)

	p, ok := newConn.lastOf(t, domain.EvReconnectFailed).Payload.(domain.ReconnectFailedPayload)
	require.True(t, ok)
	assert.Equal(t, "call_gone", p.Reason)
	assert.Zero(t, newConn.countOf(domain.EvCallReconnecting))

	// И не оставляет после себя нового rendezvous-таймера
	_, open, err = e.o.timeouts.GetRendezvous(ctx, accepted.CallID)
	require.NoError(t, err)
	assert.False(t, open)
}

func TestRendezvousBothSidesReconnect(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	agentConn := e.connectAgent("agent-a", "conn-a1")
	visConn := e.joinVisitor("vis-1", "conn-v1")
	accepted := e.establishCall("agent-a", agentConn, visConn, "vis-1")

	// Посетитель ушел в навигацию, затем упал и сокет агента
	e.o.VisitorDisconnected(ctx, "vis-1")
	e.o.AgentDisconnected(ctx, "agent-a")

	// Открытый rendezvous защищает звонок от немедленного завершения
	call, err := e.pm.GetActiveCall(ctx, accepted.CallID)
	require.NoError(t, err)
	require.NotNil(t, call)

	// Посетитель пришел первым: ждет вторую сторону
	newVis := &fakeConn{id: "conn-v2"}
	e.reg.Add(newVis)
	_, err = e.o.VisitorResume(ctx, accepted.ReconnectToken, "conn-v2", "https://example.com/", "")
	require.NoError(t, err)
	assert.Equal(t, 1, newVis.countOf(domain.EvCallReconnecting))
	assert.Zero(t, newVis.countOf(domain.EvCallReconnected))

	// Агент вернулся и заявил свой звонок — rendezvous схлопывается
	newAgent := e.connectAgent("agent-a", "conn-a2")
	require.NoError(t, e.o.AgentResumeCall(ctx, "agent-a", accepted.CallID, "conn-a2"))

	ap, ok := newAgent.lastOf(t, domain.EvCallReconnected).Payload.(domain.ReconnectedPayload)
	require.True(t, ok)
	vp, ok := newVis.lastOf(t, domain.EvCallReconnected).Payload.(domain.ReconnectedPayload)
	require.True(t, ok)
	assert.Equal(t, ap.NewCallID, vp.NewCallID)

	assert.Equal(t, domain.StatusInCall, e.agentStatus("agent-a"))
}

func TestAgentResumeWithoutRendezvousResyncs(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	agentConn := e.connectAgent("agent-a", "conn-a1")
	visConn := e.joinVisitor("vis-1", "conn-v1")
	accepted := e.establishCall("agent-a", agentConn, visConn, "vis-1")

	// Звонок жив, rendezvous нет: агенту просто повторяют call:started
	newConn := &fakeConn{id: "conn-a2"}
	e.reg.Add(newConn)
	require.NoError(t, e.o.AgentResumeCall(ctx, "agent-a", accepted.CallID, "conn-a2"))
	p, ok := newConn.lastOf(t, domain.EvCallStarted).Payload.(domain.CallAcceptedPayload)
	require.True(t, ok)
	assert.Equal(t, accepted.CallID, p.CallID)

	// А на мертвый callID — честный отказ
	require.NoError(t, e.o.AgentResumeCall(ctx, "agent-a", "no-such-call", "conn-a2"))
	fp, ok := newConn.lastOf(t, domain.EvReconnectFailed).Payload.(domain.ReconnectFailedPayload)
	require.True(t, ok)
	assert.Equal(t, "call_gone", fp.Reason)
}

func TestRendezvousExpiryBuriesCall(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	agentConn := e.connectAgent("agent-a", "conn-a")
	visConn := e.joinVisitor("vis-1", "conn-v1")
	accepted := e.establishCall("agent-a", agentConn, visConn, "vis-1")

	e.o.VisitorDisconnected(ctx, "vis-1")
	e.clock.Advance(e.cfg.ReconnectBudget + time.Second)
	e.sw.sweepRendezvous(ctx)

	p, ok := agentConn.lastOf(t, domain.EvCallEnded).Payload.(domain.CallEndedPayload)
	require.True(t, ok)
	assert.Equal(t, accepted.CallID, p.CallID)
	assert.Equal(t, domain.EndedBySystem, p.Reason)
	assert.Equal(t, domain.StatusIdle, e.agentStatus("agent-a"))

	call, err := e.pm.GetActiveCall(ctx, accepted.CallID)
	require.NoError(t, err)
	assert.Nil(t, call)
}

// --- Сигнализация ---

func TestRelaySignalRoutesToPeer(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	agentConn := e.connectAgent("agent-a", "conn-a")
	visConn := e.joinVisitor("vis-1", "conn-v1")
	accepted := e.establishCall("agent-a", agentConn, visConn, "vis-1")

	sig := domain.Signal{Kind: domain.SignalOffer, CallID: accepted.CallID, Payload: []byte(`{"sdp":"x"}`)}
	require.NoError(t, e.o.RelaySignal(ctx, "agent-a", true, sig))
	assert.Equal(t, 1, visConn.countOf(domain.EvSignal))

	require.NoError(t, e.o.RelaySignal(ctx, "vis-1", false, domain.Signal{Kind: domain.SignalAnswer, CallID: accepted.CallID}))
	assert.Equal(t, 1, agentConn.countOf(domain.EvSignal))

	// Чужак не в звонке: сигнал молча отбрасывается
	require.NoError(t, e.o.RelaySignal(ctx, "vis-999", false, sig))
	assert.Equal(t, 1, agentConn.countOf(domain.EvSignal))
}

// --- Обрыв посетителя с неотвеченным запросом ---

func TestVisitorDisconnectCancelsPendingRequest(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	agentConn := e.connectAgent("agent-a", "conn-a")
	e.joinVisitor("vis-1", "conn-v1")

	require.NoError(t, e.o.VisitorRequestedCall(ctx, "vis-1"))
	require.Equal(t, 1, agentConn.countOf(domain.EvCallIncoming))

	e.o.VisitorDisconnected(ctx, "vis-1")

	// Агенту незачем продолжать ring
	assert.Equal(t, 1, agentConn.countOf(domain.EvCallCancelled))
	reqs, err := e.pm.GetWaitingRequestsForAgent(ctx, "agent-a")
	require.NoError(t, err)
	assert.Empty(t, reqs)

	v, err := e.pm.GetVisitor(ctx, "vis-1")
	require.NoError(t, err)
	assert.Nil(t, v)
}

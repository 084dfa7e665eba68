package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/xela07ax/callpool-infra-prototype/internal/domain"
	"github.com/xela07ax/callpool-infra-prototype/internal/infra/auth"
	"go.uber.org/zap"
)

// Входящий конверт: клиенты шлют {"event": "...", "payload": {...}}
type inboundMsg struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// wsConn — обертка сокета под интерфейс Conn. Запись сериализуется
// wsjson'ом, таймаут на отправку фиксированный: медленный клиент не должен
// задерживать цикл доставки.
type wsConn struct {
	id string
	c  *websocket.Conn
}

func (w *wsConn) ID() string { return w.id }

func (w *wsConn) Send(ctx context.Context, event domain.Event) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return wsjson.Write(ctx, w.c, event)
}

func (w *wsConn) Close(reason string) {
	_ = w.c.Close(websocket.StatusNormalClosure, reason)
}

// WSHandler поднимает WebSocket-сессии агентов и посетителей и транслирует
// их сообщения в операции Orchestrator.
type WSHandler struct {
	o         *Orchestrator
	registry  *Registry
	validator auth.TokenValidator
	rate      *RateGuard
	logger    *zap.Logger
}

func NewWSHandler(o *Orchestrator, registry *Registry, validator auth.TokenValidator, rate *RateGuard, logger *zap.Logger) *WSHandler {
	return &WSHandler{
		o:         o,
		registry:  registry,
		validator: validator,
		rate:      rate,
		logger:    logger.Named("ws"),
	}
}

// bearerOrQueryToken достает токен из заголовка Authorization или из query
// (браузерный WebSocket API не умеет кастомные заголовки)
func bearerOrQueryToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// ServeAgent — GET /ws/agent. Аутентификация по сессионному токену ДО
// апгрейда: анонимный сокет агента не живет ни секунды.
func (h *WSHandler) ServeAgent(w http.ResponseWriter, r *http.Request) {
	claims, err := h.validator.VerifyToken(bearerOrQueryToken(r))
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("agent ws accept failed", zap.Error(err))
		return
	}

	connID := uuid.NewString()
	conn := &wsConn{id: connID, c: c}
	h.registry.Add(conn)

	ctx := r.Context()
	var profile domain.AgentProfile
	if raw := r.URL.Query().Get("profile"); raw != "" {
		_ = json.Unmarshal([]byte(raw), &profile)
	}
	if _, err := h.o.AgentConnected(ctx, claims.AgentID, claims.OrgID, connID, profile); err != nil {
		h.logger.Error("agent register failed", zap.String("agent_id", claims.AgentID), zap.Error(err))
		h.registry.Remove(connID)
		conn.Close("registration failed")
		return
	}
	h.o.metrics.ConnectedAgents.Inc()

	defer func() {
		h.registry.Remove(connID)
		h.rate.Forget(connID)
		h.o.metrics.ConnectedAgents.Dec()
		// detach-контекст: сокет уже мертв, но уборка должна дойти до store
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.o.AgentDisconnected(cleanupCtx, claims.AgentID)
		conn.Close("bye")
	}()

	h.readLoopAgent(ctx, conn, claims.AgentID)
}

func (h *WSHandler) readLoopAgent(ctx context.Context, conn *wsConn, agentID string) {
	for {
		var msg inboundMsg
		if err := wsjson.Read(ctx, conn.c, &msg); err != nil {
			h.logReadExit("agent", agentID, err)
			return
		}
		if !h.rate.Allow(conn.id, msg.Event) {
			h.o.metrics.RateLimitedTotal.WithLabelValues(msg.Event).Inc()
			h.sendError(ctx, conn, "rate_limited", "slow down")
			continue
		}
		h.o.AgentHeartbeat(ctx, agentID)
		if err := h.dispatchAgent(ctx, conn, agentID, msg); err != nil {
			h.logger.Warn("agent event failed",
				zap.String("agent_id", agentID),
				zap.String("event", msg.Event),
				zap.Error(err))
			h.sendError(ctx, conn, "internal", "operation failed")
		}
	}
}

func (h *WSHandler) dispatchAgent(ctx context.Context, conn *wsConn, agentID string, msg inboundMsg) error {
	switch msg.Event {
	case "status:set":
		var p struct {
			Status domain.AgentStatus `json:"status"`
		}
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return err
		}
		if p.Status != domain.StatusIdle && p.Status != domain.StatusAway {
			h.sendError(ctx, conn, "bad_request", "status must be idle or away")
			return nil
		}
		return h.o.AgentStatusChanged(ctx, agentID, p.Status)

	case "call:accept":
		var p struct {
			RequestID string `json:"request_id"`
		}
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return err
		}
		_, err := h.o.AgentAccepted(ctx, agentID, p.RequestID)
		return err

	case "call:reject":
		var p struct {
			RequestID string `json:"request_id"`
		}
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return err
		}
		return h.o.AgentRejected(ctx, agentID, p.RequestID)

	case "call:end":
		var p struct {
			CallID string `json:"call_id"`
		}
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return err
		}
		return h.o.AgentEndedCall(ctx, agentID, p.CallID)

	case "call:resume":
		var p struct {
			CallID string `json:"call_id"`
		}
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return err
		}
		return h.o.AgentResumeCall(ctx, agentID, p.CallID, conn.id)

	case "call:signal":
		var sig domain.Signal
		if err := json.Unmarshal(msg.Payload, &sig); err != nil {
			return err
		}
		return h.o.RelaySignal(ctx, agentID, true, sig)

	case "ping":
		return conn.Send(ctx, domain.Event{Name: "pong"})

	default:
		h.sendError(ctx, conn, "unknown_event", msg.Event)
		return nil
	}
}

// ServeVisitor — GET /ws/visitor. Посетители анонимны, организацию и
// страницу сообщают query-параметрами; вернувшиеся передают reconnect-токен.
func (h *WSHandler) ServeVisitor(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	orgID := q.Get("org_id")
	if orgID == "" && q.Get("reconnect_token") == "" {
		http.Error(w, "org_id required", http.StatusBadRequest)
		return
	}

	// ConnID на этом этапе еще не существует, поэтому join душим по IP —
	// иначе reload-шторм одного клиента плодит сокеты без ограничений
	ip := clientIP(r)
	if !h.rate.Allow(ip, "join") {
		h.o.metrics.RateLimitedTotal.WithLabelValues("join").Inc()
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"}, // Виджет встраивается на чужие сайты
	})
	if err != nil {
		h.logger.Warn("visitor ws accept failed", zap.Error(err))
		return
	}

	connID := uuid.NewString()
	conn := &wsConn{id: connID, c: c}
	h.registry.Add(conn)

	ctx := r.Context()

	var v *domain.VisitorSession
	if token := q.Get("reconnect_token"); token != "" {
		v, err = h.o.VisitorResume(ctx, token, connID, q.Get("page_url"), ip)
	} else {
		v, err = h.o.VisitorJoined(ctx, q.Get("visitor_id"), orgID, connID, q.Get("page_url"), ip)
	}
	if err != nil {
		h.logger.Error("visitor join failed", zap.Error(err))
		h.registry.Remove(connID)
		conn.Close("join failed")
		return
	}
	if v == nil {
		// Заблокированная страна или мертвый токен: вежливо закрываем
		h.registry.Remove(connID)
		conn.Close("not available")
		return
	}
	h.o.metrics.ConnectedVisitors.Inc()

	defer func() {
		h.registry.Remove(connID)
		h.rate.Forget(connID)
		h.o.metrics.ConnectedVisitors.Dec()
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.o.VisitorDisconnected(cleanupCtx, v.VisitorID)
		conn.Close("bye")
	}()

	h.readLoopVisitor(ctx, conn, v.VisitorID)
}

func (h *WSHandler) readLoopVisitor(ctx context.Context, conn *wsConn, visitorID string) {
	for {
		var msg inboundMsg
		if err := wsjson.Read(ctx, conn.c, &msg); err != nil {
			h.logReadExit("visitor", visitorID, err)
			return
		}
		if !h.rate.Allow(conn.id, msg.Event) {
			h.o.metrics.RateLimitedTotal.WithLabelValues(msg.Event).Inc()
			h.sendError(ctx, conn, "rate_limited", "slow down")
			continue
		}
		if err := h.dispatchVisitor(ctx, conn, visitorID, msg); err != nil {
			h.logger.Warn("visitor event failed",
				zap.String("visitor_id", visitorID),
				zap.String("event", msg.Event),
				zap.Error(err))
			h.sendError(ctx, conn, "internal", "operation failed")
		}
	}
}

func (h *WSHandler) dispatchVisitor(ctx context.Context, conn *wsConn, visitorID string, msg inboundMsg) error {
	switch msg.Event {
	case "call:request":
		return h.o.VisitorRequestedCall(ctx, visitorID)

	case "call:cancel":
		var p struct {
			RequestID string `json:"request_id"`
		}
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return err
		}
		return h.o.VisitorCancelled(ctx, visitorID, p.RequestID)

	case "call:end":
		var p struct {
			CallID string `json:"call_id"`
		}
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return err
		}
		return h.o.VisitorEndedCall(ctx, visitorID, p.CallID)

	case "page:change":
		var p struct {
			PageURL string `json:"page_url"`
		}
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return err
		}
		return h.o.VisitorPageChanged(ctx, visitorID, p.PageURL)

	case "call:signal":
		var sig domain.Signal
		if err := json.Unmarshal(msg.Payload, &sig); err != nil {
			return err
		}
		return h.o.RelaySignal(ctx, visitorID, false, sig)

	case "ping":
		_ = h.o.pm.MarkInteracted(ctx, visitorID)
		return conn.Send(ctx, domain.Event{Name: "pong"})

	default:
		h.sendError(ctx, conn, "unknown_event", msg.Event)
		return nil
	}
}

func (h *WSHandler) sendError(ctx context.Context, conn *wsConn, code, message string) {
	_ = conn.Send(ctx, domain.Event{Name: domain.EvError, Payload: domain.ErrorPayload{
		Code:    code,
		Message: message,
	}})
}

func (h *WSHandler) logReadExit(kind, id string, err error) {
	var ce websocket.CloseError
	if errors.As(err, &ce) || errors.Is(err, context.Canceled) {
		h.logger.Debug("socket closed", zap.String("kind", kind), zap.String("id", id))
		return
	}
	h.logger.Info("socket read error", zap.String("kind", kind), zap.String("id", id), zap.Error(err))
}

// clientIP учитывает X-Forwarded-For от балансировщика
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return host
}

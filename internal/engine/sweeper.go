package engine

import (
	"context"
	"time"

	"github.com/xela07ax/callpool-infra-prototype/internal/domain"
	"go.uber.org/zap"
)

// Sweeper — фоновые циклы разрешения протухших таймеров. Работает на каждой
// ноде: атомарный claim (ZRem) в TimeoutStore гарантирует, что запись
// разрешит ровно одна нода, поэтому координация между sweeper'ами не нужна.
type Sweeper struct {
	o      *Orchestrator
	logger *zap.Logger
}

func NewSweeper(o *Orchestrator) *Sweeper {
	return &Sweeper{o: o, logger: o.logger.Named("sweeper")}
}

// Run стартует все циклы и блокируется до отмены контекста.
func (s *Sweeper) Run(ctx context.Context) {
	cfg := s.o.cfg
	go s.loop(ctx, "rna", cfg.RNASweep, s.sweepRNA)
	go s.loop(ctx, "disconnect", cfg.DisconnectSweep, s.sweepDisconnects)
	go s.loop(ctx, "reconnect", cfg.ReconnectSweep, s.sweepRendezvous)
	s.loop(ctx, "stale", cfg.StaleSweep, s.sweepStale)
}

func (s *Sweeper) loop(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.logger.Info("sweep loop started", zap.String("class", name), zap.Duration("interval", interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweep loop stopped", zap.String("class", name))
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// sweepRNA — агент не ответил на ring. Агент уводится в away (перестает
// получать новые запросы, пока сам не вернется), посетитель получает одну
// попытку перевода на другого агента.
func (s *Sweeper) sweepRNA(ctx context.Context) {
	o := s.o
	recs, err := o.timeouts.ClaimExpiredRNA(ctx, o.now())
	if err != nil {
		s.logger.Error("rna claim failed", zap.Error(err))
		return
	}
	for _, rec := range recs {
		o.metrics.SweepClaimsTotal.WithLabelValues("rna").Inc()

		// Запрос мог разрешиться между expiry и нашим claim таймера
		removed, err := o.pm.RejectCall(ctx, rec.RequestID)
		if err != nil {
			s.logger.Error("rna request cleanup failed", zap.String("request_id", rec.RequestID), zap.Error(err))
			continue
		}
		if removed == nil {
			continue
		}

		o.metrics.CallRequestsTotal.WithLabelValues("missed").Inc()
		o.recorder.CallMissed(removed)
		s.logger.Info("ring timed out",
			zap.String("request_id", rec.RequestID),
			zap.String("agent_id", rec.AgentID))

		// Агент мог успеть принять ДРУГОЙ запрос из своей очереди: он не
		// молчит, он разговаривает. Такого не понижаем и посетителей не
		// отбираем — SetAgentStatus переход из in_call все равно не даст
		a, err := o.pm.SetAgentStatus(ctx, rec.AgentID, domain.StatusAway)
		if err != nil {
			s.logger.Warn("away mark failed", zap.String("agent_id", rec.AgentID), zap.Error(err))
		}
		if a != nil && a.Profile.Status == domain.StatusAway {
			o.recorder.StatusChange(rec.AgentID, domain.StatusAway)
			o.reassignAgentVisitors(ctx, rec.AgentID, rec.VisitorID)
		}
		o.rerouteVisitor(ctx, rec.VisitorID, rec.AgentID)
	}
}

// sweepDisconnects — grace-период истек, агент не вернулся. Убираем его из
// пула насовсем, посетителей раздаем другим.
func (s *Sweeper) sweepDisconnects(ctx context.Context) {
	o := s.o
	recs, err := o.timeouts.ClaimExpiredDisconnects(ctx, o.now())
	if err != nil {
		s.logger.Error("disconnect claim failed", zap.Error(err))
		return
	}
	for _, rec := range recs {
		o.metrics.SweepClaimsTotal.WithLabelValues("disconnect").Inc()
		s.logger.Info("agent grace expired", zap.String("agent_id", rec.AgentID))

		o.reassignAgentVisitors(ctx, rec.AgentID, "")
		if err := o.pm.UnregisterAgent(ctx, rec.AgentID); err != nil {
			s.logger.Error("unregister failed", zap.String("agent_id", rec.AgentID), zap.Error(err))
		}
	}
}

// sweepRendezvous — вторая сторона так и не пришла. Пришедшая половина
// получает reconnect_failed, сам звонок хоронится системой.
func (s *Sweeper) sweepRendezvous(ctx context.Context) {
	o := s.o
	recs, err := o.timeouts.ClaimExpiredRendezvous(ctx, o.now())
	if err != nil {
		s.logger.Error("rendezvous claim failed", zap.Error(err))
		return
	}
	for i := range recs {
		rec := &recs[i]
		o.metrics.SweepClaimsTotal.WithLabelValues("reconnect").Inc()
		s.logger.Info("rendezvous expired",
			zap.String("call_id", rec.CallID),
			zap.Bool("agent_arrived", rec.AgentConnID != ""),
			zap.Bool("visitor_arrived", rec.VisitorConnID != ""))

		o.deliverToSides(ctx, rec, domain.Event{Name: domain.EvReconnectFailed, Payload: domain.ReconnectFailedPayload{
			CallID: rec.CallID,
			Reason: "peer_not_returned",
		}})
		o.endCall(ctx, rec.CallID, domain.EndedBySystem)
	}
}

// sweepStale — страховка от тихо умерших сокетов: idle-агент без активности
// дольше порога уводится в away и раздает назначенных посетителей.
func (s *Sweeper) sweepStale(ctx context.Context) {
	o := s.o
	stale, err := o.pm.GetStaleAgents(ctx, o.cfg.StaleThreshold)
	if err != nil {
		s.logger.Error("stale scan failed", zap.Error(err))
		return
	}
	for _, a := range stale {
		o.metrics.SweepClaimsTotal.WithLabelValues("stale").Inc()
		s.logger.Warn("stale agent demoted",
			zap.String("agent_id", a.AgentID),
			zap.Time("last_activity", a.LastActivityAt))

		if _, err := o.pm.SetAgentStatus(ctx, a.AgentID, domain.StatusAway); err != nil {
			continue
		}
		o.recorder.StatusChange(a.AgentID, domain.StatusAway)
		o.reassignAgentVisitors(ctx, a.AgentID, "")
	}
}

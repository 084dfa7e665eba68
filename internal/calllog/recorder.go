package calllog

// Recorder — асинхронный журнал звонков. События уходят из hot path через
// неблокирующий канал, воркер копит их и пишет в Postgres пачками (bulk
// insert по таймеру или по 100 штук). При переполнении буфера событие
// сбрасывается в обычный лог (load shedding), при остановке буфер
// дочитывается до конца (drain).

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/callpool-infra-prototype/internal/domain"
	"go.uber.org/zap"
)

// StorageInterface определяет, куда физически будут сохраняться события
type StorageInterface interface {
	// WriteBatch сохраняет пачку событий за один раз
	WriteBatch(ctx context.Context, events []Event) error
}

type Recorder struct {
	ch     chan Event
	repo   StorageInterface
	logger *zap.Logger
	wg     sync.WaitGroup

	// mu сериализует отправку в канал с его закрытием: log, гонящийся
	// со Stop, либо успевает до close(ch), либо видит closed и дропает
	mu     sync.Mutex
	closed bool
}

func NewRecorder(repo StorageInterface, logger *zap.Logger) *Recorder {
	return &Recorder{
		ch:     make(chan Event, 10000), // Очередь на 10к событий
		repo:   repo,
		logger: logger.With(zap.String("mod", "calllog")),
	}
}

func (r *Recorder) Start() {
	r.wg.Add(1)
	go r.worker()
}

// Stop запирает вход в канал и ждет, пока воркер все допишет.
// Повторный Stop — no-op.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.logger.Info("stopping call log: closing channel and flushing buffer...")
	close(r.ch)
	r.mu.Unlock()

	// Drain: воркер дочитывает остатки и делает финальный flush
	r.wg.Wait()
	r.logger.Info("call log stopped gracefully")
}

func (r *Recorder) log(event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.logger.Warn("call log event dropped: recorder is stopping", zap.String("type", event.Type))
		return
	}

	// Load shedding: переполненный буфер не должен тормозить звонки
	select {
	case r.ch <- event:
	default:
		r.logger.Error("calllog_buffer_overflow",
			zap.String("type", event.Type),
			zap.String("org_id", event.OrgID),
		)
	}
}

func (r *Recorder) worker() {
	defer r.wg.Done()

	batch := make([]Event, 0, 100)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	flush := func() {
		if len(batch) > 0 {
			// Background: основной контекст при остановке уже закрыт
			if err := r.repo.WriteBatch(context.Background(), batch); err != nil {
				r.logger.Error("call log flush failed", zap.Error(err))
			}
			batch = batch[:0]
		}
	}

	for {
		select {
		case event, ok := <-r.ch:
			if !ok {
				// Канал закрыт в Stop(): остатки уже вычитаны, финальный flush
				flush()
				r.logger.Info("call log worker finished")
				return
			}
			batch = append(batch, event)
			if len(batch) >= 100 {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// --- Типизированный фасад (употребляется Orchestrator'ом) ---

func (r *Recorder) CallRequested(req *domain.CallRequest) {
	r.log(Event{
		Type:      TypeCallRequested,
		OrgID:     req.OrgID,
		AgentID:   req.AgentID,
		VisitorID: req.VisitorID,
		RequestID: req.RequestID,
		PageURL:   req.PageURL,
	})
}

func (r *Recorder) CallAccepted(call *domain.ActiveCall, requestID string) {
	r.log(Event{
		Type:      TypeCallAccepted,
		OrgID:     call.OrgID,
		AgentID:   call.AgentID,
		VisitorID: call.VisitorID,
		RequestID: requestID,
		CallID:    call.CallID,
	})
}

func (r *Recorder) CallEnded(call *domain.ActiveCall, reason domain.EndReason) {
	r.log(Event{
		Type:       TypeCallEnded,
		OrgID:      call.OrgID,
		AgentID:    call.AgentID,
		VisitorID:  call.VisitorID,
		CallID:     call.CallID,
		EndReason:  string(reason),
		DurationMs: call.EndedAt.Sub(call.StartedAt).Milliseconds(),
	})
}

func (r *Recorder) CallRejected(req *domain.CallRequest) {
	r.log(Event{
		Type:      TypeCallRejected,
		OrgID:     req.OrgID,
		AgentID:   req.AgentID,
		VisitorID: req.VisitorID,
		RequestID: req.RequestID,
		PageURL:   req.PageURL,
	})
}

func (r *Recorder) CallCancelled(req *domain.CallRequest) {
	r.log(Event{
		Type:      TypeCallCancelled,
		OrgID:     req.OrgID,
		AgentID:   req.AgentID,
		VisitorID: req.VisitorID,
		RequestID: req.RequestID,
	})
}

func (r *Recorder) CallMissed(req *domain.CallRequest) {
	r.log(Event{
		Type:      TypeCallMissed,
		OrgID:     req.OrgID,
		AgentID:   req.AgentID,
		VisitorID: req.VisitorID,
		RequestID: req.RequestID,
		PageURL:   req.PageURL,
	})
}

func (r *Recorder) StatusChange(agentID string, status domain.AgentStatus) {
	r.log(Event{
		Type:        TypeStatusChange,
		AgentID:     agentID,
		AgentStatus: string(status),
	})
}

func (r *Recorder) Pageview(v *domain.VisitorSession) {
	r.log(Event{
		Type:      TypePageview,
		OrgID:     v.OrgID,
		VisitorID: v.VisitorID,
		PageURL:   v.PageURL,
	})
}

package engine

import (
	"context"
	"sync"

	"github.com/xela07ax/callpool-infra-prototype/internal/domain"
)

// Conn — абстракция живого соединения (WS-сокет в проде, фейк в тестах).
// Orchestrator не знает про транспорт: только ID и доставку событий.
type Conn interface {
	ID() string
	Send(ctx context.Context, event domain.Event) error
	Close(reason string)
}

// Registry — локальный реестр соединений ноды. Сокеты не шарятся между
// процессами: в shared store лежит только адресация (conn_id + node_id),
// а хэндл живет здесь.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]Conn
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]Conn)}
}

func (r *Registry) Add(c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.ID()] = c
}

func (r *Registry) Remove(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, connID)
}

func (r *Registry) Get(connID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	return c, ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

package engine

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateGuard — защита от абьюза на уровне соединения: login, смена статуса,
// запрос звонка и join ограничены по частоте. Лимитер живет вместе с
// соединением и умирает с ним (Forget на disconnect).
type RateGuard struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter // Ключ: connID + ":" + event
}

// Частоты по типам событий: редкие дорогие операции жестче, сигнализация свободнее
var eventLimits = map[string]rate.Limit{
	"login":        rate.Limit(0.5), // HTTP /auth/token, ключ — IP клиента
	"join":         rate.Limit(1),   // Handshake /ws/visitor, ключ — IP клиента
	"call:request": rate.Limit(0.2), // ~12 в минуту, burst ниже
	"call:cancel":  rate.Limit(0.5),
	"page:change":  rate.Limit(1),
	"status:set":   rate.Limit(1),
}

const defaultLimit = rate.Limit(10) // Сигналы и прочий трафик

func NewRateGuard() *RateGuard {
	return &RateGuard{limiters: make(map[string]*rate.Limiter)}
}

// Allow — неблокирующая проверка (Wait внутри обработчика сокета недопустим:
// медленный клиент не должен держать горутину чтения).
func (g *RateGuard) Allow(connID, event string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := connID + ":" + event
	lim, ok := g.limiters[key]
	if !ok {
		limit, found := eventLimits[event]
		if !found {
			limit = defaultLimit
		}
		lim = rate.NewLimiter(limit, 5)
		g.limiters[key] = lim
	}
	return lim.Allow()
}

// Forget чистит лимитеры закрывшегося соединения
func (g *RateGuard) Forget(connID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	prefix := connID + ":"
	for key := range g.limiters {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(g.limiters, key)
		}
	}
}

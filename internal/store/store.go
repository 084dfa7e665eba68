package store

import (
	"context"
	"time"
)

// Store — минимальный контракт shared key-value хранилища.
// Консистентность всей системы держится на по-ключевой атомарности этих
// операций: никаких read-modify-write поверх нескольких раундтрипов.
// Продовая реализация — Redis; InMemory используется в тестах и при
// одноузловом запуске.
type Store interface {
	// Hash (запись сущности, атомарность на уровне поля)
	HSet(ctx context.Context, key string, fields map[string]string) error
	HSetNX(ctx context.Context, key, field, value string) (bool, error)
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error

	// String (+ TTL)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, bool, error)
	// GetDel — атомарное "прочитай и удали": одноразовое потребление записи
	GetDel(ctx context.Context, key string) (string, bool, error)

	Del(ctx context.Context, keys ...string) error

	// Set (индексы членства)
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SCard(ctx context.Context, key string) (int64, error)

	// Sorted set (таймеры, FIFO-очереди, round-robin)
	ZAdd(ctx context.Context, key, member string, score float64) error
	// ZRem возвращает true только тому, кто реально удалил member —
	// это и есть claim: два гонящихся sweeper'а не заберут одну запись.
	ZRem(ctx context.Context, key, member string) (bool, error)
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error)
	ZScore(ctx context.Context, key, member string) (float64, bool, error)
}

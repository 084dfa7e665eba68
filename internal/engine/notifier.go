package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/callpool-infra-prototype/internal/domain"
	"github.com/xela07ax/callpool-infra-prototype/internal/infra"
	"go.uber.org/zap"
)

// Notifier доставляет событие соединению, где бы оно ни жило. Локальный
// сокет — напрямую через Registry; сокет на другой ноде — конвертом через
// Redis Pub/Sub в канал той ноды. Любой процесс за балансировщиком может
// обслужить любое соединение именно благодаря этой прослойке.
type Notifier struct {
	registry *Registry
	rdb      *redis.Client // nil = одноузловой режим, только локальная доставка
	nodeID   string
	logger   *zap.Logger
}

// eventEnvelope — конверт для межнодовой доставки
type eventEnvelope struct {
	ConnID string       `json:"conn_id"`
	Event  domain.Event `json:"event"`
}

func NewNotifier(registry *Registry, rdb *redis.Client, nodeID string, logger *zap.Logger) *Notifier {
	return &Notifier{
		registry: registry,
		rdb:      rdb,
		nodeID:   nodeID,
		logger:   logger.Named("notifier"),
	}
}

// Deliver шлет событие по адресу (conn_id, node_id) из shared store.
// Доставка best-effort: умерший сокет не должен ронять обработчик.
func (n *Notifier) Deliver(ctx context.Context, connID, nodeID string, event domain.Event) {
	if connID == "" {
		return
	}

	// 1. Своя нода (или нода не указана) — пробуем локально
	if nodeID == "" || nodeID == n.nodeID {
		if conn, ok := n.registry.Get(connID); ok {
			if err := conn.Send(ctx, event); err != nil {
				n.logger.Warn("local delivery failed",
					zap.String("conn_id", connID),
					zap.String("event", event.Name),
					zap.Error(err))
			}
		}
		return
	}

	// 2. Чужая нода — конверт в ее канал
	if n.rdb == nil {
		n.logger.Warn("cross-node delivery impossible without redis",
			zap.String("target_node", nodeID))
		return
	}
	raw, err := json.Marshal(eventEnvelope{ConnID: connID, Event: event})
	if err != nil {
		return
	}
	if err := n.rdb.Publish(ctx, infra.GetNodeEventsChannel(nodeID), string(raw)).Err(); err != nil {
		n.logger.Warn("cross-node publish failed",
			zap.String("target_node", nodeID),
			zap.String("event", event.Name),
			zap.Error(err))
	}
}

// StartListener — "живучая" подписка на канал своей ноды: переподключение
// при обрывах, разбор конвертов, локальная доставка.
func (n *Notifier) StartListener(ctx context.Context) {
	if n.rdb == nil {
		return
	}

	channel := infra.GetNodeEventsChannel(n.nodeID)
	for {
		pubsub := n.rdb.Subscribe(ctx, channel)

		if _, err := pubsub.Receive(ctx); err != nil {
			n.logger.Error("failed to subscribe", zap.String("chan", channel), zap.Error(err))
			pubsub.Close()
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		ch := pubsub.Channel()

	loop:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, идем на переподключение
				}
				var env eventEnvelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					n.logger.Error("invalid event envelope", zap.Error(err))
					continue
				}
				if conn, ok := n.registry.Get(env.ConnID); ok {
					if err := conn.Send(ctx, env.Event); err != nil {
						n.logger.Warn("relayed delivery failed",
							zap.String("conn_id", env.ConnID), zap.Error(err))
					}
				}
			}
		}

		pubsub.Close()
		time.Sleep(1 * time.Second)
	}
}

package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "callpool"
)

// Ключи записей (Hash) и индексов (Set/ZSet)
const (
	// Сущности: hash на каждую запись
	RedisKeyAgentPrefix   = RedisNamespace + ":agent:"   // + agentID
	RedisKeyVisitorPrefix = RedisNamespace + ":visitor:" // + visitorID
	RedisKeyRequestPrefix = RedisNamespace + ":request:" // + requestID
	RedisKeyCallPrefix    = RedisNamespace + ":call:"    // + callID

	// Индексы организации
	RedisKeyOrgAgentsPrefix   = RedisNamespace + ":org:agents:"   // + orgID, Set agentID
	RedisKeyOrgVisitorsPrefix = RedisNamespace + ":org:visitors:" // + orgID, Set visitorID

	// Round-robin: ZSet agentID -> время последнего назначения
	RedisKeyOrgAssignedPrefix = RedisNamespace + ":org:assigned:" // + orgID

	// FIFO ожидающих запросов агента: ZSet requestID -> requestedAt
	RedisKeyAgentWaitingPrefix = RedisNamespace + ":agent:waiting:" // + agentID

	// Reconnect-токены: одноразовость через GETDEL
	RedisKeyReconnectTokenPrefix = RedisNamespace + ":rtoken:" // + jti
)

// Таймеры: ZSet (member=id, score=expiry unix ms) + Hash с полезной нагрузкой
const (
	RedisKeyTimeoutsRNA        = RedisNamespace + ":timeouts:rna"
	RedisKeyTimeoutsDisconnect = RedisNamespace + ":timeouts:disconnect"
	RedisKeyTimeoutsReconnect  = RedisNamespace + ":timeouts:reconnect"
)

// Каналы Pub/Sub (события)
const (
	// RedisChanEventsPrefix — адресная доставка событий на ноду, держащую сокет
	RedisChanEventsPrefix = RedisNamespace + ":events:" // + nodeID

	// RedisChanRoutingUpdate — дашборд изменил пулы/правила, ноды сбрасывают кэш
	RedisChanRoutingUpdate = RedisNamespace + ":routing:update"
)

// GetNodeEventsChannel Канал доставки событий для конкретной ноды
func GetNodeEventsChannel(nodeID string) string {
	return RedisChanEventsPrefix + nodeID
}

// GetTimeoutDataKey Hash полезных нагрузок для ZSet таймеров
func GetTimeoutDataKey(zsetKey string) string {
	return fmt.Sprintf("%s:data", zsetKey)
}

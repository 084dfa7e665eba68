package store

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/xela07ax/callpool-infra-prototype/internal/domain"
	"github.com/xela07ax/callpool-infra-prototype/internal/infra"
)

// TimeoutStore держит три независимых класса таймеров в shared store:
// RNA, pending-disconnect и pending-reconnect. Таймер — это запись с expiry
// (ZSet id->expiry + Hash id->payload), а не setTimeout: процесс-установщик
// и процесс-разрешитель могут быть разными, рестарт ничего не теряет.
//
// Claim = ZRem(id) == true. Из двух sweeper'ов, одновременно увидевших
// просроченную запись, payload получит ровно один.
type TimeoutStore struct {
	s Store
}

func NewTimeoutStore(s Store) *TimeoutStore {
	return &TimeoutStore{s: s}
}

// --- Общая механика класса таймеров ---

func (t *TimeoutStore) schedule(ctx context.Context, zkey, id string, payload interface{}, expiresAt time.Time) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("timeout payload marshal: %w", err)
	}
	if err := t.s.HSet(ctx, infra.GetTimeoutDataKey(zkey), map[string]string{id: string(raw)}); err != nil {
		return err
	}
	return t.s.ZAdd(ctx, zkey, id, float64(expiresAt.UnixMilli()))
}

// cancel атомарно забирает запись до срабатывания. false = запись уже
// разрешена кем-то другим (sweeper успел первым) — вызывающий молча выходит.
func (t *TimeoutStore) cancel(ctx context.Context, zkey, id string) (bool, error) {
	claimed, err := t.s.ZRem(ctx, zkey, id)
	if err != nil {
		return false, err
	}
	if !claimed {
		return false, nil
	}
	return true, t.s.HDel(ctx, infra.GetTimeoutDataKey(zkey), id)
}

// claimExpired выгребает просроченные записи; каждую отдает ровно одному
// из гонящихся вызовов.
func (t *TimeoutStore) claimExpired(ctx context.Context, zkey string, now time.Time) ([]string, error) {
	ids, err := t.s.ZRangeByScore(ctx, zkey, math.Inf(-1), float64(now.UnixMilli()))
	if err != nil {
		return nil, err
	}

	dataKey := infra.GetTimeoutDataKey(zkey)
	var payloads []string
	for _, id := range ids {
		claimed, err := t.s.ZRem(ctx, zkey, id)
		if err != nil {
			return payloads, err
		}
		if !claimed {
			continue // Забрал другой инстанс
		}
		raw, ok, err := t.s.HGet(ctx, dataKey, id)
		if err != nil {
			return payloads, err
		}
		_ = t.s.HDel(ctx, dataKey, id)
		if ok {
			payloads = append(payloads, raw)
		}
	}
	return payloads, nil
}

// --- RNA (ring-no-answer) ---

func (t *TimeoutStore) ScheduleRNA(ctx context.Context, rec domain.RNARecord) error {
	return t.schedule(ctx, infra.RedisKeyTimeoutsRNA, rec.RequestID, rec, rec.ExpiresAt)
}

// CancelRNA вызывается на accept/reject/cancel: таймер больше не нужен.
func (t *TimeoutStore) CancelRNA(ctx context.Context, requestID string) (bool, error) {
	return t.cancel(ctx, infra.RedisKeyTimeoutsRNA, requestID)
}

func (t *TimeoutStore) ClaimExpiredRNA(ctx context.Context, now time.Time) ([]domain.RNARecord, error) {
	raws, err := t.claimExpired(ctx, infra.RedisKeyTimeoutsRNA, now)
	out := make([]domain.RNARecord, 0, len(raws))
	for _, raw := range raws {
		var rec domain.RNARecord
		if json.Unmarshal([]byte(raw), &rec) == nil {
			out = append(out, rec)
		}
	}
	return out, err
}

// --- Pending-disconnect (grace-период агента) ---

func (t *TimeoutStore) ScheduleDisconnect(ctx context.Context, rec domain.DisconnectRecord) error {
	return t.schedule(ctx, infra.RedisKeyTimeoutsDisconnect, rec.AgentID, rec, rec.ExpiresAt)
}

// ConsumeDisconnect — агент успел вернуться: забираем запись и отдаем
// прежний статус. nil = grace уже истек (или записи не было).
func (t *TimeoutStore) ConsumeDisconnect(ctx context.Context, agentID string) (*domain.DisconnectRecord, error) {
	dataKey := infra.GetTimeoutDataKey(infra.RedisKeyTimeoutsDisconnect)
	raw, ok, err := t.s.HGet(ctx, dataKey, agentID)
	if err != nil || !ok {
		return nil, err
	}
	claimed, err := t.cancel(ctx, infra.RedisKeyTimeoutsDisconnect, agentID)
	if err != nil || !claimed {
		return nil, err
	}
	var rec domain.DisconnectRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, nil
	}
	return &rec, nil
}

func (t *TimeoutStore) ClaimExpiredDisconnects(ctx context.Context, now time.Time) ([]domain.DisconnectRecord, error) {
	raws, err := t.claimExpired(ctx, infra.RedisKeyTimeoutsDisconnect, now)
	out := make([]domain.DisconnectRecord, 0, len(raws))
	for _, raw := range raws {
		var rec domain.DisconnectRecord
		if json.Unmarshal([]byte(raw), &rec) == nil {
			out = append(out, rec)
		}
	}
	return out, err
}

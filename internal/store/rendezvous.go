package store

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/xela07ax/callpool-infra-prototype/internal/domain"
	"github.com/xela07ax/callpool-infra-prototype/internal/infra"
)

// Rendezvous-записи устроены сложнее остальных таймеров: у записи две
// независимо приходящие половины (агент и посетитель могут переподключаться
// с разных нод одновременно). Поэтому каждая половина — отдельное поле
// Hash (атомарный HSet), а NewCallID фиксируется через HSetNX: обе стороны
// гарантированно сойдутся на одном ID нового звонка.

type RendezvousSide string

const (
	SideAgent   RendezvousSide = "agent"
	SideVisitor RendezvousSide = "visitor"
)

type sideRef struct {
	ConnID string `json:"conn"`
	NodeID string `json:"node"`
}

type rendezvousBase struct {
	CallID    string    `json:"call_id"`
	AgentID   string    `json:"agent_id"`
	VisitorID string    `json:"visitor_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

func rzDataKey() string {
	return infra.GetTimeoutDataKey(infra.RedisKeyTimeoutsReconnect)
}

// OpenRendezvous создает (или находит уже созданную другой стороной) запись
// rendezvous и возвращает согласованный NewCallID. proposedNewCallID
// используется только если мы пришли первыми.
func (t *TimeoutStore) OpenRendezvous(ctx context.Context, callID, agentID, visitorID, proposedNewCallID string, expiresAt time.Time) (string, error) {
	base := rendezvousBase{CallID: callID, AgentID: agentID, VisitorID: visitorID, ExpiresAt: expiresAt}
	raw, err := json.Marshal(base)
	if err != nil {
		return "", err
	}

	created, err := t.s.HSetNX(ctx, rzDataKey(), callID, string(raw))
	if err != nil {
		return "", err
	}
	if created {
		// Таймер взводит только создатель — иначе вторая сторона
		// продлила бы бюджет rendezvous
		if err := t.s.ZAdd(ctx, infra.RedisKeyTimeoutsReconnect, callID, float64(expiresAt.UnixMilli())); err != nil {
			return "", err
		}
	}

	// Первый записавший фиксирует ID нового звонка для обеих сторон
	if _, err := t.s.HSetNX(ctx, rzDataKey(), callID+":newcall", proposedNewCallID); err != nil {
		return "", err
	}
	newCallID, _, err := t.s.HGet(ctx, rzDataKey(), callID+":newcall")
	return newCallID, err
}

// SetRendezvousSide кладет половину (ссылку на соединение стороны).
func (t *TimeoutStore) SetRendezvousSide(ctx context.Context, callID string, side RendezvousSide, connID, nodeID string) error {
	raw, err := json.Marshal(sideRef{ConnID: connID, NodeID: nodeID})
	if err != nil {
		return err
	}
	return t.s.HSet(ctx, rzDataKey(), map[string]string{
		callID + ":" + string(side): string(raw),
	})
}

// GetRendezvous собирает запись из полей. false = записи нет (уже разрешена
// или не существовала).
func (t *TimeoutStore) GetRendezvous(ctx context.Context, callID string) (*domain.ReconnectRecord, bool, error) {
	rawBase, ok, err := t.s.HGet(ctx, rzDataKey(), callID)
	if err != nil || !ok {
		return nil, false, err
	}
	var base rendezvousBase
	if err := json.Unmarshal([]byte(rawBase), &base); err != nil {
		return nil, false, nil
	}

	rec := &domain.ReconnectRecord{
		CallID:    base.CallID,
		AgentID:   base.AgentID,
		VisitorID: base.VisitorID,
		ExpiresAt: base.ExpiresAt,
	}
	if raw, ok, _ := t.s.HGet(ctx, rzDataKey(), callID+":newcall"); ok {
		rec.NewCallID = raw
	}
	if raw, ok, _ := t.s.HGet(ctx, rzDataKey(), callID+":"+string(SideAgent)); ok {
		var ref sideRef
		if json.Unmarshal([]byte(raw), &ref) == nil {
			rec.AgentConnID, rec.AgentNodeID = ref.ConnID, ref.NodeID
		}
	}
	if raw, ok, _ := t.s.HGet(ctx, rzDataKey(), callID+":"+string(SideVisitor)); ok {
		var ref sideRef
		if json.Unmarshal([]byte(raw), &ref) == nil {
			rec.VisitorConnID, rec.VisitorNodeID = ref.ConnID, ref.NodeID
		}
	}
	return rec, true, nil
}

// ClaimRendezvous — победитель (увидевший обе половины) завершает встречу.
// false = кто-то другой уже завершил (или истек sweeper).
func (t *TimeoutStore) ClaimRendezvous(ctx context.Context, callID string) (bool, error) {
	claimed, err := t.s.ZRem(ctx, infra.RedisKeyTimeoutsReconnect, callID)
	if err != nil || !claimed {
		return false, err
	}
	return true, t.deleteRendezvousFields(ctx, callID)
}

// ClaimExpiredRendezvous выгребает протухшие встречи (пришла только одна
// сторона — или ни одной).
func (t *TimeoutStore) ClaimExpiredRendezvous(ctx context.Context, now time.Time) ([]domain.ReconnectRecord, error) {
	ids, err := t.s.ZRangeByScore(ctx, infra.RedisKeyTimeoutsReconnect, math.Inf(-1), float64(now.UnixMilli()))
	if err != nil {
		return nil, err
	}

	var out []domain.ReconnectRecord
	for _, callID := range ids {
		rec, ok, err := t.GetRendezvous(ctx, callID)
		if err != nil {
			return out, err
		}
		claimed, err := t.s.ZRem(ctx, infra.RedisKeyTimeoutsReconnect, callID)
		if err != nil {
			return out, err
		}
		if !claimed {
			continue
		}
		_ = t.deleteRendezvousFields(ctx, callID)
		if ok {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (t *TimeoutStore) deleteRendezvousFields(ctx context.Context, callID string) error {
	return t.s.HDel(ctx, rzDataKey(), callID,
		callID+":newcall",
		callID+":"+string(SideAgent),
		callID+":"+string(SideVisitor),
	)
}

package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/xela07ax/callpool-infra-prototype/internal/calllog"
)

type CallLogRepo struct {
	db *sql.DB
}

func NewCallLogRepo(db *sql.DB) *CallLogRepo {
	return &CallLogRepo{db: db}
}

// WriteBatch — пакетная вставка журнала звонков (один INSERT на пачку).
func (r *CallLogRepo) WriteBatch(ctx context.Context, events []calllog.Event) error {
	if len(events) == 0 {
		return nil
	}

	// Количество колонок в таблице call_log
	numFields := 12
	placeholderStr := ""
	vals := make([]interface{}, 0, len(events)*numFields)

	// Динамически строим запрос для пакетной вставки
	for i, e := range events {
		p := i * numFields
		placeholderStr += fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d),",
			p+1, p+2, p+3, p+4, p+5, p+6, p+7, p+8, p+9, p+10, p+11, p+12)

		vals = append(vals,
			e.ID, e.Type, e.OrgID, e.AgentID, e.VisitorID,
			e.RequestID, e.CallID, e.PageURL,
			e.EndReason, e.DurationMs, e.AgentStatus, e.Timestamp,
		)
	}

	// Убираем лишнюю запятую в конце
	query := fmt.Sprintf(
		"INSERT INTO call_log (id, type, org_id, agent_id, visitor_id, request_id, call_id, page_url, end_reason, duration_ms, agent_status, timestamp) VALUES %s",
		strings.TrimSuffix(placeholderStr, ","),
	)

	// Потеря пачки дороже паузы: журнал пишется вне hot path, можно повторить
	w := retry.New(
		retry.Context(ctx),
		retry.Attempts(3),
		retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
			return retry.BackOffDelay(n, err, config)
		}),
	)
	return w.Do(func() error {
		_, err := r.db.ExecContext(ctx, query, vals...)
		return err
	})
}

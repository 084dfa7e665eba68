package postgres

/*
Файл settings_repo.go отвечает за хранение настроек организаций: параметры
звонков, конфигурации виджетов, блок-лист стран и маршрутизация (пулы +
URL-правила). Долговременное хранение в PostgreSQL отделено от горячих
проверок: поверх этого слоя живет кэш на ноде со сбросом через Pub/Sub.
*/

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/xela07ax/callpool-infra-prototype/internal/domain"
)

type SettingsRepo struct {
	db *sql.DB
}

func NewSettingsRepo(db *sql.DB) *SettingsRepo {
	return &SettingsRepo{db: db}
}

// GetCallSettings — per-org параметры звонков. nil = организация живет
// на платформенных дефолтах.
func (r *SettingsRepo) GetCallSettings(ctx context.Context, orgID string) (*domain.CallSettings, error) {
	query := `
		SELECT org_id, is_recording_enabled, rna_timeout_sec, max_call_duration_sec
		FROM call_settings WHERE org_id = $1`

	var (
		cs             domain.CallSettings
		rnaSec, maxSec int64
	)
	err := r.db.QueryRowContext(ctx, query, orgID).Scan(
		&cs.OrgID, &cs.IsRecordingEnabled, &rnaSec, &maxSec,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	cs.RNATimeout = time.Duration(rnaSec) * time.Second
	cs.MaxCallDuration = time.Duration(maxSec) * time.Second
	return &cs, nil
}

// GetWidgetSettings — конфигурация виджета. poolID == '' означает дефолт
// организации; у пула может быть свой оверрайд.
func (r *SettingsRepo) GetWidgetSettings(ctx context.Context, orgID, poolID string) (*domain.WidgetSettings, error) {
	// Сначала оверрайд пула, потом дефолт организации
	query := `
		SELECT org_id, pool_id, enabled, offline_message, accent_color,
		       show_agent_avatars, request_button_label
		FROM widget_settings
		WHERE org_id = $1 AND (pool_id = $2 OR pool_id = '')
		ORDER BY (pool_id != '') DESC
		LIMIT 1`

	w := &domain.WidgetSettings{}
	err := r.db.QueryRowContext(ctx, query, orgID, poolID).Scan(
		&w.OrgID, &w.PoolID, &w.Enabled, &w.OfflineMessage, &w.AccentColor,
		&w.ShowAgentAvatars, &w.RequestButtonLabel,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return w, nil
}

// GetBlockedCountries — ISO-коды стран, закрытых для организации.
func (r *SettingsRepo) GetBlockedCountries(ctx context.Context, orgID string) ([]string, error) {
	query := `SELECT country_code FROM blocked_countries WHERE org_id = $1`

	rows, err := r.db.QueryContext(ctx, query, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var codes []string
	for rows.Next() {
		var cc string
		if err := rows.Scan(&cc); err != nil {
			return nil, err
		}
		codes = append(codes, cc)
	}
	return codes, rows.Err()
}

// GetOrgRouting собирает снапшот маршрутизации: пулы с membership агентов
// плюс URL-правила в порядке приоритета. nil = правил нет, маршрутизация
// работает org-wide.
func (r *SettingsRepo) GetOrgRouting(ctx context.Context, orgID string) (*domain.OrgRouting, error) {
	pools, err := r.loadPools(ctx, orgID)
	if err != nil {
		return nil, err
	}
	rules, err := r.loadRules(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if len(pools) == 0 && len(rules) == 0 {
		return nil, nil
	}
	return &domain.OrgRouting{OrgID: orgID, Pools: pools, Rules: rules}, nil
}

func (r *SettingsRepo) loadPools(ctx context.Context, orgID string) ([]domain.Pool, error) {
	query := `
		SELECT p.pool_id, p.name, COALESCE(pa.agent_id, '')
		FROM pools p
		LEFT JOIN pool_agents pa ON pa.pool_id = p.pool_id
		WHERE p.org_id = $1
		ORDER BY p.pool_id`

	rows, err := r.db.QueryContext(ctx, query, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pools []domain.Pool
	byID := make(map[string]int)
	for rows.Next() {
		var poolID, name, agentID string
		if err := rows.Scan(&poolID, &name, &agentID); err != nil {
			return nil, err
		}
		idx, ok := byID[poolID]
		if !ok {
			pools = append(pools, domain.Pool{PoolID: poolID, OrgID: orgID, Name: name})
			idx = len(pools) - 1
			byID[poolID] = idx
		}
		if agentID != "" {
			pools[idx].AgentIDs = append(pools[idx].AgentIDs, agentID)
		}
	}
	return pools, rows.Err()
}

func (r *SettingsRepo) loadRules(ctx context.Context, orgID string) ([]domain.URLRule, error) {
	query := `
		SELECT path_prefix, pool_id
		FROM url_rules
		WHERE org_id = $1
		ORDER BY priority ASC, path_prefix DESC`

	rows, err := r.db.QueryContext(ctx, query, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []domain.URLRule
	for rows.Next() {
		var rule domain.URLRule
		if err := rows.Scan(&rule.PathPrefix, &rule.PoolID); err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

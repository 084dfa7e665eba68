package collab

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/callpool-infra-prototype/internal/domain"
	"github.com/xela07ax/callpool-infra-prototype/internal/infra"
	"go.uber.org/zap"
)

// SettingsProvider — источник настроек и маршрутизации организаций (Postgres).
type SettingsRepo interface {
	GetCallSettings(ctx context.Context, orgID string) (*domain.CallSettings, error)
	GetWidgetSettings(ctx context.Context, orgID, poolID string) (*domain.WidgetSettings, error)
	GetBlockedCountries(ctx context.Context, orgID string) ([]string, error)
	GetOrgRouting(ctx context.Context, orgID string) (*domain.OrgRouting, error)
}

type orgCacheEntry struct {
	call      *domain.CallSettings
	widgets   map[string]*domain.WidgetSettings // Ключ: poolID ("" = дефолт организации)
	blocked   map[string]struct{}
	routing   *domain.OrgRouting
	fetchedAt time.Time
}

// SettingsService — кэширующая прослойка над настройками организаций.
//
// Кэш на ноде (L1) + инвалидация через Pub/Sub: дашборд после изменения
// пулов/правил публикует orgID в routing:update, ноды сбрасывают запись.
// Страховочный TTL на случай потерянного сообщения.
type SettingsService struct {
	repo   SettingsRepo
	rdb    *redis.Client
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[string]*orgCacheEntry

	cacheTTL time.Duration
}

func NewSettingsService(repo SettingsRepo, rdb *redis.Client, logger *zap.Logger) *SettingsService {
	return &SettingsService{
		repo:     repo,
		rdb:      rdb,
		logger:   logger.With(zap.String("mod", "settings")),
		cache:    make(map[string]*orgCacheEntry),
		cacheTTL: 5 * time.Minute,
	}
}

func (s *SettingsService) entry(ctx context.Context, orgID string) (*orgCacheEntry, error) {
	s.mu.RLock()
	e, ok := s.cache[orgID]
	s.mu.RUnlock()
	if ok && time.Since(e.fetchedAt) < s.cacheTTL {
		return e, nil
	}
	return s.reload(ctx, orgID)
}

// reload тянет все настройки организации одним заходом и замещает запись кэша
func (s *SettingsService) reload(ctx context.Context, orgID string) (*orgCacheEntry, error) {
	call, err := s.repo.GetCallSettings(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("load call settings: %w", err)
	}
	blocked, err := s.repo.GetBlockedCountries(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("load blocked countries: %w", err)
	}
	routing, err := s.repo.GetOrgRouting(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("load routing: %w", err)
	}

	e := &orgCacheEntry{
		call:      call,
		widgets:   make(map[string]*domain.WidgetSettings),
		blocked:   make(map[string]struct{}, len(blocked)),
		routing:   routing,
		fetchedAt: time.Now(),
	}
	for _, cc := range blocked {
		e.blocked[cc] = struct{}{}
	}

	s.mu.Lock()
	s.cache[orgID] = e
	s.mu.Unlock()
	return e, nil
}

// GetCallSettings отдает per-org настройки звонков (кэшированные).
func (s *SettingsService) GetCallSettings(ctx context.Context, orgID string) (domain.CallSettings, error) {
	e, err := s.entry(ctx, orgID)
	if err != nil {
		return domain.CallSettings{}, err
	}
	if e.call == nil {
		return domain.CallSettings{OrgID: orgID}, nil
	}
	return *e.call, nil
}

// GetWidgetSettings отдает конфигурацию виджета пула (poolID == "" — дефолт
// организации). Виджеты лениво докэшируются внутри записи организации.
func (s *SettingsService) GetWidgetSettings(ctx context.Context, orgID, poolID string) (domain.WidgetSettings, error) {
	e, err := s.entry(ctx, orgID)
	if err != nil {
		return domain.WidgetSettings{}, err
	}

	s.mu.RLock()
	w, ok := e.widgets[poolID]
	s.mu.RUnlock()
	if !ok {
		w, err = s.repo.GetWidgetSettings(ctx, orgID, poolID)
		if err != nil {
			return domain.WidgetSettings{}, err
		}
		if w == nil {
			w = &domain.WidgetSettings{OrgID: orgID, PoolID: poolID, Enabled: true}
		}
		s.mu.Lock()
		e.widgets[poolID] = w
		s.mu.Unlock()
	}
	return *w, nil
}

// IsCountryBlocked — проверка в hot path join'а, только по кэшу. Fail-open:
// не смогли загрузить настройки — никого не блокируем.
func (s *SettingsService) IsCountryBlocked(ctx context.Context, orgID, countryCode string) bool {
	e, err := s.entry(ctx, orgID)
	if err != nil {
		s.logger.Warn("blocklist unavailable, failing open", zap.String("org_id", orgID), zap.Error(err))
		return false
	}
	_, blocked := e.blocked[countryCode]
	return blocked
}

// GetOrgRouting — снапшот пулов и URL-правил для PoolManager.
func (s *SettingsService) GetOrgRouting(ctx context.Context, orgID string) (*domain.OrgRouting, error) {
	e, err := s.entry(ctx, orgID)
	if err != nil {
		return nil, err
	}
	return e.routing, nil
}

// Invalidate сбрасывает запись организации (следующий запрос перечитает БД)
func (s *SettingsService) Invalidate(orgID string) {
	s.mu.Lock()
	delete(s.cache, orgID)
	s.mu.Unlock()
}

// StartListener подписывается на routing:update и сбрасывает кэш затронутых
// организаций в реальном времени. Payload сообщения — orgID.
func (s *SettingsService) StartListener(ctx context.Context) {
	if s.rdb == nil {
		return // Single-node без Redis: работаем на страховочном TTL
	}
	pubsub := s.rdb.Subscribe(ctx, infra.RedisChanRoutingUpdate)
	defer pubsub.Close()

	ch := pubsub.Channel()
	s.logger.Info("routing update listener started")

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				s.logger.Warn("routing update channel closed")
				return
			}
			s.logger.Info("routing changed, cache dropped", zap.String("org_id", msg.Payload))
			s.Invalidate(msg.Payload)

		case <-ctx.Done():
			s.logger.Info("routing update listener stopping by context")
			return
		}
	}
}

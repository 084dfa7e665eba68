package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"
	"github.com/xela07ax/callpool-infra-prototype/internal/domain"
	"github.com/xela07ax/callpool-infra-prototype/internal/infra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// GeoClient — клиент внешнего сервиса геолокации по IP.
//
// Сервис лежит на критическом пути join'а посетителя, поэтому обвязка
// агрессивно защитная: rate limiter, circuit breaker и ретраи, а любой
// итоговый сбой превращается в nil (fail-open). Посетитель без геоданных
// лучше, чем посетитель, не дождавшийся виджета.
type GeoClient struct {
	baseURL string
	http    *http.Client
	cb      *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	logger  *zap.Logger
}

func NewGeoClient(cfg infra.GeoConfig, logger *zap.Logger) *GeoClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	// Настройка предохранителя
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "geo-lookup",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     30 * time.Second, // Время, через которое CB попробует "закрыться"
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Если более 5 ошибок подряд — открываемся (блокируем трафик)
			return counts.ConsecutiveFailures > 5
		},
	})

	return &GeoClient{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: timeout},
		cb:      cb,
		limiter: rate.NewLimiter(rate.Limit(100), 20),
		logger:  logger.Named("geo"),
	}
}

// GetLocationFromIP возвращает nil при любом сбое или приватном адресе.
func (g *GeoClient) GetLocationFromIP(ctx context.Context, ip string) *domain.Location {
	if g.baseURL == "" || ip == "" {
		return nil
	}
	if parsed := net.ParseIP(ip); parsed == nil || parsed.IsLoopback() || parsed.IsPrivate() {
		return nil
	}

	// 1. Rate Limiter (не ждем: лучше без геоданных, чем с задержкой join'а)
	if !g.limiter.Allow() {
		return nil
	}

	// 2. Circuit Breaker + ретраи
	result, err := g.cb.Execute(func() (interface{}, error) {
		var loc *domain.Location
		r := retry.New(
			retry.Context(ctx),
			retry.Attempts(2),
		)
		retryErr := r.Do(func() error {
			var callErr error
			loc, callErr = g.lookup(ctx, ip)
			return callErr
		})
		return loc, retryErr
	})
	if err != nil {
		g.logger.Debug("geo lookup failed", zap.String("ip", ip), zap.Error(err))
		return nil
	}
	return result.(*domain.Location)
}

func (g *GeoClient) lookup(ctx context.Context, ip string) (*domain.Location, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		g.baseURL+"/v1/lookup?ip="+url.QueryEscape(ip), nil)
	if err != nil {
		return nil, err
	}

	resp, err := g.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geo service status %d", resp.StatusCode)
	}

	var loc domain.Location
	if err := json.NewDecoder(resp.Body).Decode(&loc); err != nil {
		return nil, err
	}
	if loc.CountryCode == "" {
		return nil, nil
	}
	return &loc, nil
}

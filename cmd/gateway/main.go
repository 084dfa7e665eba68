package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/callpool-infra-prototype/internal/calllog"
	"github.com/xela07ax/callpool-infra-prototype/internal/collab"
	"github.com/xela07ax/callpool-infra-prototype/internal/domain"
	"github.com/xela07ax/callpool-infra-prototype/internal/engine"
	"github.com/xela07ax/callpool-infra-prototype/internal/infra"
	"github.com/xela07ax/callpool-infra-prototype/internal/infra/auth"
	"github.com/xela07ax/callpool-infra-prototype/internal/pool"
	"github.com/xela07ax/callpool-infra-prototype/internal/repository/postgres"
	"github.com/xela07ax/callpool-infra-prototype/internal/store"
)

func main() {
	// 1. Конфигурация и логгер
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	// Идентификатор ноды: адресация событий в кластере (events:{nodeID})
	nodeID := uuid.NewString()
	logger = logger.With(zap.String("node_id", nodeID))

	// 2. Инфраструктура и ресурсы
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	appCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rdb.Ping(appCtx).Err(); err != nil {
		logger.Fatal("redis unreachable", zap.Error(err))
	}

	agentRepo := postgres.NewAgentRepo(cfg.Database.URL)
	if err := agentRepo.Ping(appCtx); err != nil {
		logger.Fatal("postgres unreachable", zap.Error(err))
	}
	settingsRepo := postgres.NewSettingsRepo(agentRepo.DB())
	callLogRepo := postgres.NewCallLogRepo(agentRepo.DB())

	// RSA-ключи: публичный проверяет токены, приватный подписывает
	publicKey, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
	if err != nil {
		logger.Fatal("public key", zap.Error(err))
	}
	privateKey, err := auth.ParseRSAPrivateKey(cfg.Auth.PrivateKey)
	if err != nil {
		logger.Fatal("private key", zap.Error(err))
	}

	// 3. Shared store и настройки
	sharedStore := store.NewRedisStore(rdb)
	timeouts := store.NewTimeoutStore(sharedStore)

	settings := collab.NewSettingsService(settingsRepo, rdb, logger)
	go settings.StartListener(appCtx)

	poolManager := pool.NewManager(sharedStore, settings, logger)

	// 4. Журнал звонков (асинхронные пачки в Postgres)
	recorder := calllog.NewRecorder(callLogRepo, logger)
	recorder.Start()
	defer recorder.Stop()

	// 5. Доставка событий и метрики
	registry := engine.NewRegistry()
	notifier := engine.NewNotifier(registry, rdb, nodeID, logger)
	go notifier.StartListener(appCtx)

	promReg := prometheus.NewRegistry()
	metrics := engine.NewMetrics(promReg)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.MetricsPort)
		http.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		logger.Info("metrics server started", zap.String("addr", addr))
		log.Fatal(http.ListenAndServe(addr, nil))
	}()

	// 6. Сборка ядра
	geo := collab.NewGeoClient(cfg.Geo, logger)
	tokens := collab.NewReconnectTokens(sharedStore, privateKey, publicKey,
		cfg.Calls.ReconnectBudget+time.Minute, logger)
	authService := collab.NewAuthService(agentRepo, privateKey, cfg.Auth.TokenTTL)
	validator := auth.NewBaseValidator(publicKey)

	orchestrator := engine.NewOrchestrator(engine.OrchestratorParams{
		Pool:      poolManager,
		Timeouts:  timeouts,
		Notifier:  notifier,
		Settings:  settings,
		Geo:       geo,
		Blocklist: settings,
		Tokens:    tokens,
		Recorder:  recorder,
		Metrics:   metrics,
		Logger:    logger,
		Config:    cfg.Calls,
		NodeID:    nodeID,
	})

	sweeper := engine.NewSweeper(orchestrator)
	go sweeper.Run(appCtx)

	rateGuard := engine.NewRateGuard()
	wsHandler := engine.NewWSHandler(orchestrator, registry, validator, rateGuard, logger)

	// 7. HTTP Server
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Post("/auth/token", loginHandler(authService, rateGuard, logger))
	r.Get("/ws/agent", wsHandler.ServeAgent)
	r.Get("/ws/visitor", wsHandler.ServeVisitor)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// 8. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("gateway started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-stop
	logger.Info("gateway stopping...")

	// Даем 5 секунд на завершение запросов
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	cancel() // Останавливаем sweeper'ы и слушателей
	logger.Info("gateway exited properly")
}

// loginHandler — bcrypt-аутентификация агента, в ответ RS256-токен сессии
func loginHandler(authService *collab.AuthService, guard *engine.RateGuard, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Перебор паролей душим по IP (RealIP уже подставил реальный адрес)
		if !guard.Allow(r.RemoteAddr, "login") {
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}

		var req domain.LoginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		resp, err := authService.GenerateToken(r.Context(), req.Username, req.Password)
		if err != nil {
			logger.Warn("login rejected", zap.String("username", req.Username))
			http.Error(w, "invalid credentials", http.StatusUnauthorized)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

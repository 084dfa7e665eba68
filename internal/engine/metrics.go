package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Traffic: запросы звонков по исходам (accepted/rejected/cancelled/timed_out/unavailable)
	CallRequestsTotal *prometheus.CounterVec

	// Latency: длительность завершенных звонков
	CallDuration prometheus.Histogram

	// Saturation: живые соединения ноды
	ConnectedAgents   prometheus.Gauge
	ConnectedVisitors prometheus.Gauge

	// Sweepers: сколько просроченных записей забрала эта нода
	SweepClaimsTotal *prometheus.CounterVec

	// Abuse: отбитые rate-limiter'ом события
	RateLimitedTotal *prometheus.CounterVec

	// Errors: классификация отказов
	ErrorTotal *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		CallRequestsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "callpool_call_requests_total",
			Help: "Total call requests by outcome.",
		}, []string{"outcome"}),

		CallDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "callpool_call_duration_seconds",
			Help:    "Histogram of completed call durations.",
			Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		}),

		ConnectedAgents: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "callpool_connected_agents",
			Help: "Agent sockets currently held by this node.",
		}),

		ConnectedVisitors: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "callpool_connected_visitors",
			Help: "Visitor sockets currently held by this node.",
		}),

		SweepClaimsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "callpool_sweep_claims_total",
			Help: "Expired timer records claimed by this node.",
		}, []string{"class"}), // классы: rna, disconnect, reconnect, stale

		RateLimitedTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "callpool_rate_limited_total",
			Help: "Events rejected by the per-connection rate guard.",
		}, []string{"event"}),

		ErrorTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "callpool_errors_total",
			Help: "Total number of errors by type.",
		}, []string{"type"}), // типы: store, settings, token, delivery
	}
}

package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/nao1215/gateway/internal/cache"
	"github.com/nao1215/gateway/internal/health"
	"github.com/nao1215/gateway/pkg/httpclient"
	"github.com/nao1215/gateway/pkg/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gateway"

// Metrics はゲートウェイのPrometheusメトリクス。
// キャッシュ、上流呼び出し、ヘルスチェック、アクセスログの各オブザーバーを兼ねる。
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	cacheEvents *prometheus.CounterVec

	upstreamCalls    *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec

	healthStatus   *prometheus.GaugeVec
	healthDuration *prometheus.GaugeVec
}

// New はメトリクスを生成し、専用のレジストリに登録する。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of requests handled by the gateway",
		}, []string{"route", "method", "status"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Request latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),

		cacheEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "events_total",
			Help:      "Response cache events (hit, miss, store, evict_capacity, evict_expired)",
		}, []string{"event"}),

		upstreamCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "calls_total",
			Help:      "Upstream calls by outcome",
		}, []string{"route", "target", "outcome"}),

		upstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "duration_seconds",
			Help:      "Upstream call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),

		healthStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "status",
			Help:      "Dependency health (0=unhealthy, 1=degraded, 2=healthy)",
		}, []string{"dependency"}),

		healthDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "check_duration_seconds",
			Help:      "Duration of the latest dependency check in seconds",
		}, []string{"dependency"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requestsTotal,
		m.requestDuration,
		m.cacheEvents,
		m.upstreamCalls,
		m.upstreamDuration,
		m.healthStatus,
		m.healthDuration,
	)
	return m
}

// Registry はメトリクスを登録したレジストリを返す。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler は /metrics で公開するHTTPハンドラを返す。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		Registry: m.registry,
	})
}

// ObserveCache はキャッシュのイベントを数える。
func (m *Metrics) ObserveCache(event cache.Event) {
	m.cacheEvents.WithLabelValues(string(event)).Inc()
}

// ObserveUpstream は上流呼び出しの結果を記録する。
func (m *Metrics) ObserveUpstream(route, target string, outcome httpclient.Outcome, latency time.Duration) {
	m.upstreamCalls.WithLabelValues(route, target, string(outcome)).Inc()
	m.upstreamDuration.WithLabelValues(route).Observe(latency.Seconds())
}

// ObserveHealth は依存先の状態を記録する。
func (m *Metrics) ObserveHealth(name string, status health.Status, duration time.Duration) {
	var v float64
	switch status {
	case health.StatusHealthy:
		v = 2
	case health.StatusDegraded:
		v = 1
	}
	m.healthStatus.WithLabelValues(name).Set(v)
	m.healthDuration.WithLabelValues(name).Set(duration.Seconds())
}

// Record はリクエストの件数と処理時間を記録する。
func (m *Metrics) Record(entry middleware.AccessEntry) {
	route := entry.Route
	if route == "" {
		route = "none"
	}
	m.requestsTotal.WithLabelValues(route, entry.Method, strconv.Itoa(entry.Status)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(entry.Latency.Seconds())
}

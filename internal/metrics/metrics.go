// Package metrics exposes the ingestion pipeline's Prometheus metrics and
// the /healthz liveness endpoint.
package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus collector the pipeline registers, plus the
// registry they were registered against.
type Metrics struct {
	TradesTotal         prometheus.Counter
	ParseErrorsTotal    prometheus.Counter
	ReconnectsTotal     *prometheus.CounterVec // labels: reason
	WindowsFlushedTotal prometheus.Counter
	WriteDuration       prometheus.Histogram
	RedisMirrorErrors   prometheus.Counter
	DiagWriteErrors     prometheus.Counter
	SupervisorRestarts  prometheus.Counter
	RetryAttempt        prometheus.Gauge
	QueueDepth          prometheus.Gauge

	registry *prometheus.Registry
}

// Registry returns the registry m's collectors were registered against, for
// wiring into the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// NewMetrics constructs all collectors and registers them against a
// dedicated registry (not the global default), so constructing more than one
// Metrics in the same process — as happens once per test — never collides
// with a prior instance's collector descriptors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		TradesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradefeed_trades_total",
			Help: "Total valid trades folded into the aggregator",
		}),
		ParseErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradefeed_parse_errors_total",
			Help: "Total inbound frames that failed to parse or validate",
		}),
		ReconnectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tradefeed_reconnects_total",
			Help: "Total reconnects scheduled, by failing stage",
		}, []string{"reason"}),
		WindowsFlushedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradefeed_windows_flushed_total",
			Help: "Total aggregation windows flushed to the output log",
		}),
		WriteDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tradefeed_write_duration_seconds",
			Help:    "Time spent serializing and appending a batch of windows",
			Buckets: prometheus.DefBuckets,
		}),
		RedisMirrorErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradefeed_redis_mirror_errors_total",
			Help: "Total failed best-effort Redis mirror pipelines",
		}),
		DiagWriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradefeed_diag_write_errors_total",
			Help: "Total failed writes to the malformed-frame diagnostics log",
		}),
		SupervisorRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tradefeed_supervisor_restarts_total",
			Help: "Total times the supervisor rebuilt a connection after an unhandled error",
		}),
		RetryAttempt: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradefeed_retry_attempt",
			Help: "Current intra-connection retry attempt counter",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tradefeed_queue_depth",
			Help: "Approximate depth of the hand-off queue",
		}),
	}

	m.registry.MustRegister(
		m.TradesTotal,
		m.ParseErrorsTotal,
		m.ReconnectsTotal,
		m.WindowsFlushedTotal,
		m.WriteDuration,
		m.RedisMirrorErrors,
		m.DiagWriteErrors,
		m.SupervisorRestarts,
		m.RetryAttempt,
		m.QueueDepth,
	)

	return m
}

// HealthStatus is the mutex-guarded state backing /healthz.
type HealthStatus struct {
	mu sync.RWMutex

	WSConnected    bool      `json:"ws_connected"`
	LastTradeTime  time.Time `json:"last_trade_time"`
	RedisConnected bool      `json:"redis_connected"`
	DiagOK         bool      `json:"diag_ok"`

	RedisLatencyMs float64   `json:"redis_latency_ms"`
	DiagLatencyMs  float64   `json:"diag_latency_ms"`
	LastCheckAt    time.Time `json:"last_check_at"`
	StartedAt      time.Time `json:"started_at"`
}

// NewHealthStatus returns a freshly-started HealthStatus.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{StartedAt: time.Now()}
}

func (h *HealthStatus) SetWSConnected(v bool) {
	h.mu.Lock()
	h.WSConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTradeTime(t time.Time) {
	h.mu.Lock()
	h.LastTradeTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisConnected(v bool) {
	h.mu.Lock()
	h.RedisConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetDiagOK(v bool) {
	h.mu.Lock()
	h.DiagOK = v
	h.mu.Unlock()
}

// CheckRedis pings rdb and records latency and connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckDiag pings the diagnostics SQLite handle and records latency.
func (h *HealthStatus) CheckDiag(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.DiagOK = err == nil
	h.DiagLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency probes until ctx is done.
// Either dependency handle may be nil when that feature is disabled.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, diagDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if diagDB != nil {
					h.CheckDiag(probeCtx, diagDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP implements the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK
	if !h.WSConnected {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}

	tradeAge := ""
	if !h.LastTradeTime.IsZero() {
		tradeAge = time.Since(h.LastTradeTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status         string  `json:"status"`
		Uptime         string  `json:"uptime"`
		WSConnected    bool    `json:"ws_connected"`
		LastTradeTime  string  `json:"last_trade_time"`
		TradeAge       string  `json:"trade_age"`
		RedisConnected bool    `json:"redis_connected"`
		RedisLatencyMs float64 `json:"redis_latency_ms"`
		DiagOK         bool    `json:"diag_ok"`
		DiagLatencyMs  float64 `json:"diag_latency_ms"`
		LastCheckAt    string  `json:"last_check_at"`
	}{
		Status:         overallStatus,
		Uptime:         time.Since(h.StartedAt).Round(time.Second).String(),
		WSConnected:    h.WSConnected,
		LastTradeTime:  h.LastTradeTime.Format(time.RFC3339),
		TradeAge:       tradeAge,
		RedisConnected: h.RedisConnected,
		RedisLatencyMs: h.RedisLatencyMs,
		DiagOK:         h.DiagOK,
		DiagLatencyMs:  h.DiagLatencyMs,
		LastCheckAt:    h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server bound to addr, serving
// registry's collectors rather than the global default registry.
func NewServer(addr string, health *HealthStatus, registry *prometheus.Registry) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}

package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the proxy.
type Metrics struct {
	// Brokerage calls
	UpstreamRequests *prometheus.CounterVec   // labels: endpoint, status
	UpstreamDuration *prometheus.HistogramVec // labels: endpoint

	// Token lifecycle
	TokenRefreshes *prometheus.CounterVec // labels: trigger=expired|unauthorized|manual, result

	// Equity reconstruction
	EquityHistoryDur prometheus.Histogram

	// Inbound HTTP
	HTTPRequests *prometheus.CounterVec // labels: route, code

	gatherer prometheus.Gatherer
}

// NewMetrics creates all metrics and registers them with reg. A nil reg
// means a fresh private registry, which keeps tests independent.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		UpstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "theoros_upstream_requests_total",
			Help: "Requests to the brokerage API by endpoint and HTTP status",
		}, []string{"endpoint", "status"}),
		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "theoros_upstream_request_duration_seconds",
			Help:    "Brokerage API request latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
		}, []string{"endpoint"}),
		TokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "theoros_token_refreshes_total",
			Help: "Access token refreshes by trigger and result",
		}, []string{"trigger", "result"}),
		EquityHistoryDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "theoros_equity_history_duration_seconds",
			Help:    "End-to-end equity history reconstruction latency",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30},
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "theoros_http_requests_total",
			Help: "Inbound HTTP requests by route and status code",
		}, []string{"route", "code"}),
		gatherer: reg,
	}

	reg.MustRegister(
		m.UpstreamRequests,
		m.UpstreamDuration,
		m.TokenRefreshes,
		m.EquityHistoryDur,
		m.HTTPRequests,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveUpstream records one brokerage call.
func (m *Metrics) ObserveUpstream(endpoint string, status int, d time.Duration) {
	m.UpstreamRequests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	m.UpstreamDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

// ObserveRefresh records one refresh attempt.
func (m *Metrics) ObserveRefresh(trigger, result string) {
	m.TokenRefreshes.WithLabelValues(trigger, result).Inc()
}

// ObserveRoute records one served request.
func (m *Metrics) ObserveRoute(route string, code int) {
	m.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

// Probe checks one dependency.
type Probe func(ctx context.Context) error

// RedisProbe pings Redis.
func RedisProbe(rdb *goredis.Client) Probe {
	return func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
}

// SQLiteProbe pings the database.
func SQLiteProbe(db *sql.DB) Probe {
	return func(ctx context.Context) error { return db.PingContext(ctx) }
}

// HealthStatus tracks the credential backend's reachability.
type HealthStatus struct {
	mu sync.RWMutex

	Backend          string    `json:"backend"`
	BackendOK        bool      `json:"backend_ok"`
	BackendLatencyMs float64   `json:"backend_latency_ms"`
	LastCheckAt      time.Time `json:"last_check_at"`
	StartedAt        time.Time `json:"started_at"`

	probe Probe
}

// NewHealthStatus returns a health status for backend. A nil probe (the
// env-file backend) is always healthy.
func NewHealthStatus(backend string, probe Probe) *HealthStatus {
	return &HealthStatus{
		Backend:   backend,
		BackendOK: true,
		StartedAt: time.Now(),
		probe:     probe,
	}
}

// Check runs the probe once and records latency and health.
func (h *HealthStatus) Check(ctx context.Context) {
	if h.probe == nil {
		return
	}
	start := time.Now()
	err := h.probe(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.BackendOK = err == nil
	h.BackendLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()

	if err != nil {
		slog.Warn("credential backend probe failed", "backend", h.Backend, "error", err)
	}
}

// StartLivenessChecker runs periodic backend checks until ctx is done.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, interval time.Duration) {
	if h.probe == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				h.Check(probeCtx)
				cancel()
			}
		}
	}()
}

// Snapshot is a point-in-time copy of HealthStatus.
type Snapshot struct {
	Backend          string    `json:"backend"`
	BackendOK        bool      `json:"backend_ok"`
	BackendLatencyMs float64   `json:"backend_latency_ms"`
	LastCheckAt      time.Time `json:"last_check_at"` // zero until the first probe
	StartedAt        time.Time `json:"started_at"`
}

// Snapshot returns the current status.
func (h *HealthStatus) Snapshot() Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Snapshot{
		Backend:          h.Backend,
		BackendOK:        h.BackendOK,
		BackendLatencyMs: h.BackendLatencyMs,
		LastCheckAt:      h.LastCheckAt,
		StartedAt:        h.StartedAt,
	}
}

// ServeHTTP handles the /healthz endpoint of the standalone metrics server.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	snap := h.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	if !snap.BackendOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		slog.Error("encoding health response", "error", err)
	}
}

// Server runs a separate HTTP server exposing /metrics and /healthz, for
// deployments that keep scraping off the public listener.
type Server struct {
	addr string
	srv  *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, m *Metrics, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.Handle("/healthz", health)

	return &Server{
		addr: addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		slog.Info("metrics server listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("metrics server error", "error", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	if err := s.srv.Shutdown(ctx); err != nil {
		slog.Error("metrics server shutdown", "error", err)
	}
}

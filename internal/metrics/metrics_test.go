package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"theoros/internal/store/sqlite"
)

func TestObserveUpstream(t *testing.T) {
	m := NewMetrics(nil)

	m.ObserveUpstream("accounts", 200, 120*time.Millisecond)
	m.ObserveUpstream("accounts", 200, 80*time.Millisecond)
	m.ObserveUpstream("accounts", 401, 10*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.UpstreamRequests.WithLabelValues("accounts", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.UpstreamRequests.WithLabelValues("accounts", "401")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.UpstreamDuration))
}

func TestObserveRefreshAndRoute(t *testing.T) {
	m := NewMetrics(nil)

	m.ObserveRefresh("expired", "ok")
	m.ObserveRefresh("unauthorized", "rejected")
	m.ObserveRoute("GET /health", 200)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.TokenRefreshes.WithLabelValues("expired", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TokenRefreshes.WithLabelValues("unauthorized", "rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET /health", "200")))
}

func TestNewMetrics_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMetrics(prometheus.NewRegistry())
		NewMetrics(prometheus.NewRegistry())
	})
}

func TestHandler(t *testing.T) {
	m := NewMetrics(nil)
	m.ObserveRefresh("manual", "ok")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), `theoros_token_refreshes_total{result="ok",trigger="manual"} 1`)
}

func TestHealthStatus_NilProbeAlwaysOK(t *testing.T) {
	h := NewHealthStatus("envfile", nil)
	h.Check(context.Background())
	assert.True(t, h.Snapshot().BackendOK)
}

func TestHealthStatus_FailingProbe(t *testing.T) {
	h := NewHealthStatus("redis", func(context.Context) error { return errors.New("down") })
	h.Check(context.Background())
	assert.False(t, h.Snapshot().BackendOK)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRedisProbe(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	h := NewHealthStatus("redis", RedisProbe(rdb))
	h.Check(context.Background())
	assert.True(t, h.Snapshot().BackendOK)

	mr.Close()
	h.Check(context.Background())
	assert.False(t, h.Snapshot().BackendOK)
}

func TestSQLiteProbe(t *testing.T) {
	kv, err := sqlite.New(sqlite.Config{DBPath: filepath.Join(t.TempDir(), "h.db")})
	require.NoError(t, err)
	defer kv.Close()

	h := NewHealthStatus("sqlite", SQLiteProbe(kv.DB()))
	h.Check(context.Background())
	assert.True(t, h.Snapshot().BackendOK)
}

func TestHealthStatus_SnapshotFields(t *testing.T) {
	h := NewHealthStatus("sqlite", func(context.Context) error { return nil })
	assert.True(t, h.Snapshot().LastCheckAt.IsZero())

	h.Check(context.Background())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, "sqlite", got["backend"])
	assert.Equal(t, true, got["backend_ok"])
	assert.Contains(t, got, "backend_latency_ms")
	assert.NotEmpty(t, got["last_check_at"])
	assert.NotEmpty(t, got["started_at"])
	assert.NotContains(t, got, "uptime")
}

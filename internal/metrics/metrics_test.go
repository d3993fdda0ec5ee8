package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-pipelinev1/internal/events"
)

func value(t *testing.T, c prometheus.Metric) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	switch {
	case m.Counter != nil:
		return m.Counter.GetValue()
	case m.Gauge != nil:
		return m.Gauge.GetValue()
	}
	return 0
}

func TestObserve(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.Observe(events.Transition{To: "SIGNAL_DETECTED"})
	m.Observe(events.Transition{To: "SIGNAL_DETECTED"})
	m.Observe(events.Signal{Section: "S1"})
	m.Observe(events.Rejection{Kind: "budget_exceeded"})
	m.Observe(events.OrderEvent{Status: "FILLED"})
	m.Observe(events.IndicatorUpdated{})

	assert.Equal(t, 2.0, value(t, m.Transitions.WithLabelValues("SIGNAL_DETECTED")))
	assert.Equal(t, 1.0, value(t, m.Signals.WithLabelValues("S1")))
	assert.Equal(t, 1.0, value(t, m.Rejections.WithLabelValues("budget_exceeded")))
	assert.Equal(t, 1.0, value(t, m.Orders.WithLabelValues("FILLED")))

	m.ObserveChannel("ticks", 25, 100)
	assert.Equal(t, 25.0, value(t, m.ChannelSaturation.WithLabelValues("ticks")))
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestHealth_Report(t *testing.T) {
	h := NewHealthStatus()
	_, code := h.Report()
	assert.Equal(t, http.StatusServiceUnavailable, code, "sqlite not yet checked")

	h.mu.Lock()
	h.SQLiteOK = true
	h.mu.Unlock()
	h.SetSession("s1", "RUNNING")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, map[string]any{"s1": "RUNNING"}, body["sessions"])

	h.CheckRedis(context.Background(), pinger{err: errors.New("down")})
	report, code := h.Report()
	assert.Equal(t, "degraded", report.Status)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestServer_Routes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.TicksTotal.Add(3)

	srv := NewServer(":0", NewHealthStatus(), reg)
	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pipeline_ticks_total 3")
}

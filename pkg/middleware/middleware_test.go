package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	rerrors "github.com/vango-dev/pianoroll/internal/errors"
)

// metricValue sums every sample of the named metric whose labels include
// the given pairs.
func metricValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	total := 0.0
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if !hasLabels(m, labels) {
				continue
			}
			switch {
			case m.Counter != nil:
				total += m.GetCounter().GetValue()
			case m.Gauge != nil:
				total += m.GetGauge().GetValue()
			case m.Histogram != nil:
				total += float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return total
}

func hasLabels(m *dto.Metric, want map[string]string) bool {
	for k, v := range want {
		found := false
		for _, lp := range m.GetLabel() {
			if lp.GetName() == k && lp.GetValue() == v {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func TestMetricsMessages(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(WithRegistry(reg))

	m.ObserveMessage("note-create", time.Millisecond, nil)
	m.ObserveMessage("note-create", time.Millisecond, nil)
	m.ObserveMessage("", time.Millisecond, rerrors.New(rerrors.CodeDecode))
	m.ObserveMessage("session-auth", time.Millisecond, rerrors.New(rerrors.CodeAuth))
	m.ObserveMessage("session-get", time.Millisecond, errors.New("boom"))

	assert.Equal(t, 2.0, metricValue(t, reg, "pianoroll_messages_total", map[string]string{"action": "note-create", "status": "success"}))
	assert.Equal(t, 1.0, metricValue(t, reg, "pianoroll_messages_total", map[string]string{"action": "unknown", "status": "error"}))
	assert.Equal(t, 1.0, metricValue(t, reg, "pianoroll_message_errors_total", map[string]string{"category": "decode"}))
	assert.Equal(t, 1.0, metricValue(t, reg, "pianoroll_message_errors_total", map[string]string{"category": "auth"}))
	assert.Equal(t, 1.0, metricValue(t, reg, "pianoroll_message_errors_total", map[string]string{"category": "internal"}))
	assert.Equal(t, 5.0, metricValue(t, reg, "pianoroll_message_duration_seconds", nil))
}

func TestMetricsConnectionsAndPersistence(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(WithRegistry(reg), WithNamespace("test"))

	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.WebSocketError("read")
	m.SlowConsumer()
	m.ObserveFlush(time.Millisecond, nil)
	m.ObserveFlush(time.Millisecond, errors.New("down"))
	m.ObserveEviction()
	m.SetResident(7)

	assert.Equal(t, 1.0, metricValue(t, reg, "test_active_connections", nil))
	assert.Equal(t, 1.0, metricValue(t, reg, "test_websocket_errors_total", map[string]string{"type": "read"}))
	assert.Equal(t, 1.0, metricValue(t, reg, "test_slow_consumers_total", nil))
	assert.Equal(t, 1.0, metricValue(t, reg, "test_session_flushes_total", map[string]string{"status": "error"}))
	assert.Equal(t, 2.0, metricValue(t, reg, "test_session_flush_duration_seconds", nil))
	assert.Equal(t, 1.0, metricValue(t, reg, "test_session_evictions_total", nil))
	assert.Equal(t, 7.0, metricValue(t, reg, "test_resident_sessions", nil))
}

func TestMetricsHTTPAndHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(WithRegistry(reg))

	r := chi.NewRouter()
	r.Use(m.HTTP)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	r.Method(http.MethodGet, "/metrics", m.Handler())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	assert.Equal(t, 1.0, metricValue(t, reg, "pianoroll_http_requests_total", map[string]string{"route": "/healthz", "code": "204"}))

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "pianoroll_http_requests_total")
}

func TestOpenTelemetryStoresSpan(t *testing.T) {
	extracted := false
	mw := OpenTelemetry(
		WithTracerName("test"),
		WithAttributeExtractor(func(*http.Request) []attribute.KeyValue {
			extracted = true
			return []attribute.KeyValue{attribute.String("test.attr", "ok")}
		}),
	)

	var seen trace.Span
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = trace.SpanFromContext(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.True(t, extracted)
	assert.NotNil(t, seen)
}

func TestOpenTelemetryFilter(t *testing.T) {
	extracted := false
	mw := OpenTelemetry(
		WithRequestFilter(func(r *http.Request) bool { return r.URL.Path != "/healthz" }),
		WithAttributeExtractor(func(*http.Request) []attribute.KeyValue {
			extracted = true
			return nil
		}),
	)

	called := false
	h := mw(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.True(t, called)
	assert.False(t, extracted)
}

func TestMessageSpan(t *testing.T) {
	ctx, span := StartMessageSpan(context.Background(), Tracer(), "ping", "")
	require.NotNil(t, span)
	assert.NotNil(t, trace.SpanFromContext(ctx))
	EndSpan(span, nil)

	_, span = StartMessageSpan(context.Background(), Tracer(WithTracerName("x")), "note-create", "s1")
	EndSpan(span, errors.New("failed"))
}

func TestFormatSpanName(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.Equal(t, "GET /ws", formatSpanName(r))
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	h := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/boom", nil))

	out := buf.String()
	assert.True(t, strings.Contains(out, "level=WARN"), out)
	assert.Contains(t, out, "path=/boom")
	assert.Contains(t, out, "status=500")
	assert.Contains(t, out, "component=http")
}

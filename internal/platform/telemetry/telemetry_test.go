package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"

	"github.com/clinic/clinic/internal/platform/websocket"
)

// ---------------------------------------------------------------------------
// Tracing
// ---------------------------------------------------------------------------

func TestSetup_DisabledInstallsPropagators(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	defer otel.SetTextMapPropagator(prev)

	shutdown, err := Setup(context.Background(), TracingConfig{Enabled: false})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("noop shutdown: %v", err)
	}

	fields := otel.GetTextMapPropagator().Fields()
	want := map[string]bool{"traceparent": false, "baggage": false}
	for _, f := range fields {
		if _, ok := want[f]; ok {
			want[f] = true
		}
	}
	for f, seen := range want {
		if !seen {
			t.Errorf("expected propagator field %q, got %v", f, fields)
		}
	}
}

func TestTracingConfig_Defaults(t *testing.T) {
	cfg := TracingConfig{SampleRatio: 3}
	cfg.applyDefaults()
	if cfg.ServiceName != "clinic-server" || cfg.Environment != "development" || cfg.SampleRatio != 1 {
		t.Errorf("unexpected defaults %+v", cfg)
	}
}

func TestNewResource(t *testing.T) {
	res, err := newResource(context.Background(), TracingConfig{ServiceName: "clinic-test", Environment: "ci"})
	if err != nil {
		t.Fatalf("newResource: %v", err)
	}
	found := false
	for _, kv := range res.Attributes() {
		if string(kv.Key) == "service.name" && kv.Value.AsString() == "clinic-test" {
			found = true
		}
	}
	if !found {
		t.Errorf("service.name missing from %v", res.Attributes())
	}
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

func serve(e *echo.Echo, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_RecordsByRoutePattern(t *testing.T) {
	m := NewMetrics()
	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/api/v1/doctors/:doctorId/slots", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/boom", func(c echo.Context) error {
		return errors.New("boom")
	})
	e.GET("/conflict", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusConflict, "taken")
	})

	serve(e, http.MethodGet, "/api/v1/doctors/a/slots")
	serve(e, http.MethodGet, "/api/v1/doctors/b/slots")
	serve(e, http.MethodGet, "/boom")
	serve(e, http.MethodGet, "/conflict")

	h := m.RequestHistogram(LabelsKey("GET", "/api/v1/doctors/:doctorId/slots", "200"))
	if h == nil || h.Count() != 2 {
		t.Fatalf("expected 2 observations on the route pattern, got %v", h)
	}
	if h := m.RequestHistogram(LabelsKey("GET", "/boom", "500")); h == nil || h.Count() != 1 {
		t.Error("expected plain errors to be recorded as 500")
	}
	if h := m.RequestHistogram(LabelsKey("GET", "/conflict", "409")); h == nil || h.Count() != 1 {
		t.Error("expected HTTP errors to be recorded with their code")
	}
	if m.ActiveRequests() != 0 {
		t.Errorf("expected no active requests, got %d", m.ActiveRequests())
	}
}

func TestMetrics_PublishCountsEvents(t *testing.T) {
	m := NewMetrics()
	ctx := context.Background()
	m.Publish(ctx, websocket.NewEvent("doc-1", "slot.held", time.Now()))
	m.Publish(ctx, websocket.NewEvent("doc-2", "slot.held", time.Now()))
	m.Publish(ctx, websocket.NewEvent("doc-1", "booking.confirmed", time.Now()))

	if got := m.EventCount("slot.held"); got != 2 {
		t.Errorf("slot.held = %d, want 2", got)
	}
	if got := m.EventCount("booking.confirmed"); got != 1 {
		t.Errorf("booking.confirmed = %d, want 1", got)
	}
	if got := m.EventCount("hold.expired"); got != 0 {
		t.Errorf("hold.expired = %d, want 0", got)
	}
}

func TestHandler_PrometheusFormat(t *testing.T) {
	m := NewMetrics()
	m.RegisterGauge("websocket_clients", "Connected websocket clients.", func() int64 { return 3 })
	m.Publish(context.Background(), websocket.NewEvent("doc-1", "slot.released", time.Now()))

	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/ping", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) })
	e.GET("/metrics", m.Handler())
	serve(e, http.MethodGet, "/ping")

	body := serve(e, http.MethodGet, "/metrics").Body.String()
	for _, want := range []string{
		"# TYPE http_server_request_duration_seconds histogram",
		`http_server_request_duration_seconds_count{method="GET",route="/ping",status_code="204"} 1`,
		`http_server_request_duration_seconds_bucket{method="GET",route="/ping",status_code="204",le="+Inf"} 1`,
		`schedule_events_total{type="slot.released"} 1`,
		"# TYPE websocket_clients gauge",
		"websocket_clients 3",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q:\n%s", want, body)
		}
	}
}

func TestHistogram_Buckets(t *testing.T) {
	h := newHistogram([]float64{0.1, 1})
	h.Observe(0.05)
	h.Observe(0.5)
	h.Observe(2)

	cum := h.cumulativeBuckets()
	if cum[0] != 1 || cum[1] != 2 {
		t.Errorf("cumulative buckets = %v, want [1 2]", cum)
	}
	if h.Count() != 3 {
		t.Errorf("count = %d", h.Count())
	}
	if s := h.Sum(); s < 2.549 || s > 2.551 {
		t.Errorf("sum = %g, want 2.55", s)
	}
}

func TestMetrics_ConcurrentSafe(t *testing.T) {
	m := NewMetrics()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Publish(context.Background(), websocket.NewEvent("doc-1", "slot.held", time.Now()))
			m.requestHistogram(LabelsKey("GET", "/x", "200")).Observe(0.01)
		}()
	}
	wg.Wait()
	if m.EventCount("slot.held") != 50 {
		t.Errorf("expected 50 events, got %d", m.EventCount("slot.held"))
	}
	if m.RequestHistogram(LabelsKey("GET", "/x", "200")).Count() != 50 {
		t.Error("expected 50 observations")
	}
}

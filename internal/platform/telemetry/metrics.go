package telemetry

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/clinic/clinic/internal/platform/websocket"
)

// defaultDurationBuckets are the HTTP request duration bucket boundaries in
// seconds.
var defaultDurationBuckets = []float64{
	0.005, 0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0,
}

// histogram is a thread-safe histogram. Bucket counts are non-cumulative in
// storage; cumulative counts are computed at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	atomicAddFloat64(&h.sum, v)

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
}

func (h *histogram) Count() int64 { return atomic.LoadInt64(&h.count) }

func (h *histogram) Sum() float64 { return math.Float64frombits(atomic.LoadUint64(&h.sum)) }

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	cum := make([]int64, len(h.bucketCounts))
	var running int64
	for i, c := range h.bucketCounts {
		running += c
		cum[i] = running
	}
	return cum
}

func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		next := math.Float64frombits(old) + delta
		if atomic.CompareAndSwapUint64(addr, old, math.Float64bits(next)) {
			return
		}
	}
}

// GaugeFunc reads a gauge value at scrape time.
type GaugeFunc func() int64

// Metrics records HTTP request durations, schedule events by type and
// scrape-time gauges such as websocket clients or dropped events.
type Metrics struct {
	mu        sync.RWMutex
	requests  map[string]*histogram // method|route|status
	events    map[string]*int64     // event type
	gauges    map[string]GaugeFunc
	gaugeHelp map[string]string

	active atomic.Int64
}

func NewMetrics() *Metrics {
	return &Metrics{
		requests:  make(map[string]*histogram),
		events:    make(map[string]*int64),
		gauges:    make(map[string]GaugeFunc),
		gaugeHelp: make(map[string]string),
	}
}

// LabelsKey builds the key of a request histogram.
func LabelsKey(method, route, statusCode string) string {
	return method + "|" + route + "|" + statusCode
}

// RegisterGauge exposes fn under name (Prometheus naming) on every scrape.
func (m *Metrics) RegisterGauge(name, help string, fn GaugeFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[name] = fn
	m.gaugeHelp[name] = help
}

func (m *Metrics) requestHistogram(key string) *histogram {
	m.mu.RLock()
	h, ok := m.requests[key]
	m.mu.RUnlock()
	if ok {
		return h
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok = m.requests[key]; !ok {
		h = newHistogram(defaultDurationBuckets)
		m.requests[key] = h
	}
	return h
}

// RequestHistogram returns the histogram for key, or nil.
func (m *Metrics) RequestHistogram(key string) *histogram {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requests[key]
}

// ActiveRequests is the number of requests in flight.
func (m *Metrics) ActiveRequests() int64 { return m.active.Load() }

// EventCount returns how many events of eventType were published.
func (m *Metrics) EventCount(eventType string) int64 {
	m.mu.RLock()
	p, ok := m.events[eventType]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(p)
}

// Publish counts a schedule event. It lets Metrics sit on the event bus
// next to the other sinks.
func (m *Metrics) Publish(_ context.Context, ev websocket.Event) error {
	m.mu.RLock()
	p, ok := m.events[ev.Type]
	m.mu.RUnlock()
	if !ok {
		m.mu.Lock()
		if p, ok = m.events[ev.Type]; !ok {
			p = new(int64)
			m.events[ev.Type] = p
		}
		m.mu.Unlock()
	}
	atomic.AddInt64(p, 1)
	return nil
}

// Middleware records the duration of every request by route pattern.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.active.Add(1)
			start := time.Now()

			err := next(c)

			m.active.Add(-1)
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			} else if err != nil && !c.Response().Committed {
				status = http.StatusInternalServerError
			}
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			key := LabelsKey(c.Request().Method, route, fmt.Sprintf("%d", status))
			m.requestHistogram(key).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the metrics in Prometheus text exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder

		m.mu.RLock()
		requests := make(map[string]*histogram, len(m.requests))
		for k, v := range m.requests {
			requests[k] = v
		}
		events := make(map[string]int64, len(m.events))
		for k, p := range m.events {
			events[k] = atomic.LoadInt64(p)
		}
		gauges := make(map[string]GaugeFunc, len(m.gauges))
		for k, v := range m.gauges {
			gauges[k] = v
		}
		help := make(map[string]string, len(m.gaugeHelp))
		for k, v := range m.gaugeHelp {
			help[k] = v
		}
		m.mu.RUnlock()

		const durName = "http_server_request_duration_seconds"
		fmt.Fprintf(&b, "# HELP %s Duration of HTTP requests in seconds.\n", durName)
		fmt.Fprintf(&b, "# TYPE %s histogram\n", durName)
		for _, key := range sortedKeys(requests) {
			parts := strings.SplitN(key, "|", 3)
			if len(parts) != 3 {
				continue
			}
			labels := fmt.Sprintf("method=%q,route=%q,status_code=%q", parts[0], parts[1], parts[2])
			writeHistogram(&b, durName, labels, requests[key])
		}
		b.WriteByte('\n')

		b.WriteString("# HELP http_server_active_requests Number of active HTTP requests.\n")
		b.WriteString("# TYPE http_server_active_requests gauge\n")
		fmt.Fprintf(&b, "http_server_active_requests %d\n\n", m.active.Load())

		b.WriteString("# HELP schedule_events_total Schedule change events published by type.\n")
		b.WriteString("# TYPE schedule_events_total counter\n")
		for _, typ := range sortedKeys(events) {
			fmt.Fprintf(&b, "schedule_events_total{type=%q} %d\n", typ, events[typ])
		}
		b.WriteByte('\n')

		for _, name := range sortedKeys(gauges) {
			fmt.Fprintf(&b, "# HELP %s %s\n", name, help[name])
			fmt.Fprintf(&b, "# TYPE %s gauge\n", name)
			fmt.Fprintf(&b, "%s %d\n\n", name, gauges[name]())
		}

		return c.String(http.StatusOK, b.String())
	}
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	cum := h.cumulativeBuckets()
	total := h.Count()
	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%s,le=\"%g\"} %d\n", name, labels, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, total)
	fmt.Fprintf(b, "%s_sum{%s} %g\n", name, labels, h.Sum())
	fmt.Fprintf(b, "%s_count{%s} %d\n", name, labels, total)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

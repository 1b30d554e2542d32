// Package telemetry keeps in-process counters and latency histograms for
// the HTTP API and the analysis pipeline, and serves them in the Prometheus
// text exposition format.
package telemetry

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

// Bucket upper bounds in seconds.
var defaultDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// ---------------------------------------------------------------------------
// Histogram
// ---------------------------------------------------------------------------

// histogram stores non-cumulative bucket counts; export accumulates them.
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

func (h *histogram) observe(v float64) {
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

func (h *histogram) total() int64 { return atomic.LoadInt64(&h.count) }

func (h *histogram) sumValue() float64 {
	return math.Float64frombits(atomic.LoadUint64(&h.sum))
}

func (h *histogram) cumulative() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]int64, len(h.bucketCounts))
	var running int64
	for i, c := range h.bucketCounts {
		running += c
		out[i] = running
	}
	return out
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

// ---------------------------------------------------------------------------
// Labeled stores
// ---------------------------------------------------------------------------

// Label values are joined with "|" to form map keys.
func labelsKey(values ...string) string { return strings.Join(values, "|") }

type counterStore struct {
	mu    sync.RWMutex
	items map[string]*int64
}

func newCounterStore() *counterStore {
	return &counterStore{items: make(map[string]*int64)}
}

func (s *counterStore) inc(key string) {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		s.mu.Lock()
		if p, ok = s.items[key]; !ok {
			p = new(int64)
			s.items[key] = p
		}
		s.mu.Unlock()
	}
	atomic.AddInt64(p, 1)
}

func (s *counterStore) get(key string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.items[key]; ok {
		return atomic.LoadInt64(p)
	}
	return 0
}

func (s *counterStore) snapshot() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int64, len(s.items))
	for k, p := range s.items {
		out[k] = atomic.LoadInt64(p)
	}
	return out
}

type histogramStore struct {
	mu    sync.RWMutex
	items map[string]*histogram
}

func newHistogramStore() *histogramStore {
	return &histogramStore{items: make(map[string]*histogram)}
}

func (s *histogramStore) getOrCreate(key string) *histogram {
	s.mu.RLock()
	h, ok := s.items[key]
	s.mu.RUnlock()
	if ok {
		return h
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok = s.items[key]; !ok {
		h = newHistogram(defaultDurationBuckets)
		s.items[key] = h
	}
	return h
}

func (s *histogramStore) snapshot() map[string]*histogram {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]*histogram, len(s.items))
	for k, v := range s.items {
		out[k] = v
	}
	return out
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

type gauge struct {
	name, help string
	read       func() float64
}

// Metrics is safe for concurrent use. A nil *Metrics records nothing.
type Metrics struct {
	active   int64
	requests *histogramStore // method|route|status
	pipeline *counterStore   // operation|outcome
	stages   *histogramStore // operation
	gaugesMu sync.Mutex
	gauges   []gauge
}

func NewMetrics() *Metrics {
	return &Metrics{
		requests: newHistogramStore(),
		pipeline: newCounterStore(),
		stages:   newHistogramStore(),
	}
}

// Pipeline outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeWarning  = "warning"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// PipelineRun records one pipeline operation with its outcome and duration.
func (m *Metrics) PipelineRun(operation, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.pipeline.inc(labelsKey(operation, outcome))
	m.stages.getOrCreate(operation).observe(d.Seconds())
}

// PipelineCount returns how many runs of operation ended with outcome.
func (m *Metrics) PipelineCount(operation, outcome string) int64 {
	if m == nil {
		return 0
	}
	return m.pipeline.get(labelsKey(operation, outcome))
}

// RegisterGauge adds a gauge whose value is read at scrape time.
func (m *Metrics) RegisterGauge(name, help string, read func() float64) {
	m.gaugesMu.Lock()
	defer m.gaugesMu.Unlock()
	m.gauges = append(m.gauges, gauge{name: name, help: help, read: read})
}

// Middleware records request latency by method, route pattern and status.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			atomic.AddInt64(&m.active, 1)
			start := time.Now()
			err := next(c)
			atomic.AddInt64(&m.active, -1)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			} else if err != nil && !c.Response().Committed {
				status = http.StatusInternalServerError
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			key := labelsKey(c.Request().Method, route, strconv.Itoa(status))
			m.requests.getOrCreate(key).observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the Prometheus text format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder

		writeHistograms(&b, "http_server_request_duration_seconds",
			"Duration of HTTP requests in seconds.",
			[]string{"method", "route", "status_code"}, m.requests.snapshot())

		b.WriteString("# HELP http_server_active_requests Number of in-flight HTTP requests.\n")
		b.WriteString("# TYPE http_server_active_requests gauge\n")
		fmt.Fprintf(&b, "http_server_active_requests %d\n\n", atomic.LoadInt64(&m.active))

		b.WriteString("# HELP cardio_pipeline_runs_total Pipeline operations by outcome.\n")
		b.WriteString("# TYPE cardio_pipeline_runs_total counter\n")
		runs := m.pipeline.snapshot()
		for _, key := range sortedKeys(runs) {
			parts := strings.SplitN(key, "|", 2)
			fmt.Fprintf(&b, "cardio_pipeline_runs_total{operation=%q,outcome=%q} %d\n", parts[0], parts[1], runs[key])
		}
		b.WriteByte('\n')

		writeHistograms(&b, "cardio_pipeline_duration_seconds",
			"Duration of pipeline operations in seconds.",
			[]string{"operation"}, m.stages.snapshot())

		m.gaugesMu.Lock()
		gauges := append([]gauge(nil), m.gauges...)
		m.gaugesMu.Unlock()
		for _, g := range gauges {
			fmt.Fprintf(&b, "# HELP %s %s\n", g.name, g.help)
			fmt.Fprintf(&b, "# TYPE %s gauge\n", g.name)
			fmt.Fprintf(&b, "%s %g\n\n", g.name, g.read())
		}

		return c.Blob(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(b.String()))
	}
}

// ---------------------------------------------------------------------------
// Exposition helpers
// ---------------------------------------------------------------------------

func writeHistograms(b *strings.Builder, name, help string, labelNames []string, items map[string]*histogram) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s histogram\n", name)
	for _, key := range sortedKeys(items) {
		values := strings.SplitN(key, "|", len(labelNames))
		pairs := make([]string, len(labelNames))
		for i, n := range labelNames {
			v := ""
			if i < len(values) {
				v = values[i]
			}
			pairs[i] = fmt.Sprintf("%s=%q", n, v)
		}
		writeHistogram(b, name, strings.Join(pairs, ","), items[key])
	}
	b.WriteByte('\n')
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	cum := h.cumulative()
	count := h.total()
	for i, bound := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%s,le=\"%g\"} %d\n", name, labels, bound, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, count)
	fmt.Fprintf(b, "%s_sum{%s} %g\n", name, labels, h.sumValue())
	fmt.Fprintf(b, "%s_count{%s} %d\n", name, labels, count)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Package observability provides structured metrics and tracing for
// production gateway deployments. Metrics are exposed in Prometheus
// exposition format; traces follow OpenTelemetry-compatible
// parent/child propagation through context.
//
// The full per-stage execution records live in the registry store;
// this package carries the aggregate view.
package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ------------------------------------------------------------------
// Metrics
// ------------------------------------------------------------------

// MetricsRegistry collects and exposes application metrics.
type MetricsRegistry struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
}

// NewMetricsRegistry creates a metrics registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
	}
}

// Counter is a monotonically increasing metric.
type Counter struct {
	name  string
	desc  string
	value atomic.Int64
}

// Gauge is a metric that can go up and down.
type Gauge struct {
	name  string
	desc  string
	value atomic.Int64
}

// Histogram tracks value distributions with pre-defined buckets.
type Histogram struct {
	mu      sync.Mutex
	name    string
	desc    string
	buckets []float64
	counts  []int64
	sum     float64
	count   int64
}

// GetCounter returns (or creates) a counter metric.
func (r *MetricsRegistry) GetCounter(name, description string) *Counter {
	r.mu.RLock()
	c, ok := r.counters[name]
	r.mu.RUnlock()
	if ok {
		return c
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok = r.counters[name]; ok {
		return c
	}
	c = &Counter{name: name, desc: description}
	r.counters[name] = c
	return c
}

// GetGauge returns (or creates) a gauge metric.
func (r *MetricsRegistry) GetGauge(name, description string) *Gauge {
	r.mu.RLock()
	g, ok := r.gauges[name]
	r.mu.RUnlock()
	if ok {
		return g
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok = r.gauges[name]; ok {
		return g
	}
	g = &Gauge{name: name, desc: description}
	r.gauges[name] = g
	return g
}

// GetHistogram returns (or creates) a histogram metric.
func (r *MetricsRegistry) GetHistogram(name, description string, buckets []float64) *Histogram {
	r.mu.RLock()
	h, ok := r.histograms[name]
	r.mu.RUnlock()
	if ok {
		return h
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok = r.histograms[name]; ok {
		return h
	}
	sort.Float64s(buckets)
	h = &Histogram{name: name, desc: description, buckets: buckets, counts: make([]int64, len(buckets)+1)}
	r.histograms[name] = h
	return h
}

// Inc increments a counter by 1.
func (c *Counter) Inc() { c.value.Add(1) }

// Add increments a counter by n.
func (c *Counter) Add(n int64) { c.value.Add(n) }

// Value returns the counter's current value.
func (c *Counter) Value() int64 { return c.value.Load() }

// Set sets the gauge value.
func (g *Gauge) Set(v int64) { g.value.Store(v) }

// Inc increments the gauge by 1.
func (g *Gauge) Inc() { g.value.Add(1) }

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() { g.value.Add(-1) }

// Value returns the gauge's current value.
func (g *Gauge) Value() int64 { return g.value.Load() }

// Observe records a value in the histogram.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.count++
	for i, b := range h.buckets {
		if v <= b {
			h.counts[i]++
			return
		}
	}
	h.counts[len(h.buckets)]++ // +Inf bucket
}

// ------------------------------------------------------------------
// Pre-defined gateway metrics
// ------------------------------------------------------------------

// GatewayMetrics holds the gateway-specific metric set.
type GatewayMetrics struct {
	Registry *MetricsRegistry

	// Pipeline
	ExecutionsTotal  *Counter
	ExecutionsDenied *Counter
	ExecutionsFailed *Counter
	ExecutionLatency *Histogram
	ActiveSessions   *Gauge

	// Transport
	ToolCalls      *Counter
	ToolErrors     *Counter
	ToolLatency    *Histogram
	ServerConnects *Counter
	ConnectErrors  *Counter

	// Discovery
	DiscoveryRuns   *Counter
	DiscoveryErrors *Counter
	CatalogServers  *Gauge
	CatalogTools    *Gauge

	// HTTP surface
	HTTPRequests     *Counter
	HTTPErrors       *Counter
	RateLimitRejects *Counter
	EventSubscribers *Gauge

	// System
	Uptime         *Gauge
	GoroutineCount *Gauge
}

// NewGatewayMetrics creates the standard gateway metrics suite.
func NewGatewayMetrics() *GatewayMetrics {
	r := NewMetricsRegistry()

	latencyBuckets := []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

	return &GatewayMetrics{
		Registry: r,

		ExecutionsTotal:  r.GetCounter("toolgate_executions_total", "Total pipeline executions"),
		ExecutionsDenied: r.GetCounter("toolgate_executions_denied_total", "Executions denied by the rule engine"),
		ExecutionsFailed: r.GetCounter("toolgate_executions_failed_total", "Executions that failed at some stage"),
		ExecutionLatency: r.GetHistogram("toolgate_execution_latency_seconds", "End-to-end pipeline latency", latencyBuckets),
		ActiveSessions:   r.GetGauge("toolgate_active_sessions", "Currently active sessions"),

		ToolCalls:      r.GetCounter("toolgate_tool_calls_total", "Total tool invocations over transport"),
		ToolErrors:     r.GetCounter("toolgate_tool_errors_total", "Tool invocations that returned an error"),
		ToolLatency:    r.GetHistogram("toolgate_tool_latency_seconds", "Tool invocation latency", latencyBuckets),
		ServerConnects: r.GetCounter("toolgate_server_connects_total", "Server transport connect attempts"),
		ConnectErrors:  r.GetCounter("toolgate_server_connect_errors_total", "Failed server connect attempts"),

		DiscoveryRuns:   r.GetCounter("toolgate_discovery_runs_total", "Catalog discovery sweeps"),
		DiscoveryErrors: r.GetCounter("toolgate_discovery_errors_total", "Discovery sweeps with at least one failed server"),
		CatalogServers:  r.GetGauge("toolgate_catalog_servers", "Servers in the registry"),
		CatalogTools:    r.GetGauge("toolgate_catalog_tools", "Tools in the catalog"),

		HTTPRequests:     r.GetCounter("toolgate_http_requests_total", "Total HTTP API requests"),
		HTTPErrors:       r.GetCounter("toolgate_http_errors_total", "HTTP responses with status >= 500"),
		RateLimitRejects: r.GetCounter("toolgate_rate_limit_rejects_total", "Requests rejected by the rate limiter"),
		EventSubscribers: r.GetGauge("toolgate_event_subscribers", "Connected WebSocket event subscribers"),

		Uptime:         r.GetGauge("toolgate_uptime_seconds", "Process uptime in seconds"),
		GoroutineCount: r.GetGauge("toolgate_goroutine_count", "Number of goroutines"),
	}
}

var stageBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30}

// ObserveStage records one pipeline stage timing. Histograms register
// lazily so the set tracks whatever stages actually ran.
func (m *GatewayMetrics) ObserveStage(stage string, seconds float64) {
	h := m.Registry.GetHistogram(
		fmt.Sprintf("toolgate_stage_%s_seconds", stage),
		fmt.Sprintf("Latency of the %s stage", stage),
		stageBuckets,
	)
	h.Observe(seconds)
}

// ------------------------------------------------------------------
// Metrics HTTP endpoint (Prometheus-compatible)
// ------------------------------------------------------------------

// MetricsHandler returns an HTTP handler that exports metrics in
// Prometheus exposition format.
func MetricsHandler(registry *MetricsRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")

		registry.mu.RLock()
		defer registry.mu.RUnlock()

		for _, c := range registry.counters {
			fmt.Fprintf(w, "# HELP %s %s\n", c.name, c.desc)
			fmt.Fprintf(w, "# TYPE %s counter\n", c.name)
			fmt.Fprintf(w, "%s %d\n", c.name, c.value.Load())
		}
		for _, g := range registry.gauges {
			fmt.Fprintf(w, "# HELP %s %s\n", g.name, g.desc)
			fmt.Fprintf(w, "# TYPE %s gauge\n", g.name)
			fmt.Fprintf(w, "%s %d\n", g.name, g.value.Load())
		}
		for _, h := range registry.histograms {
			fmt.Fprintf(w, "# HELP %s %s\n", h.name, h.desc)
			fmt.Fprintf(w, "# TYPE %s histogram\n", h.name)
			h.mu.Lock()
			cumulative := int64(0)
			for i, b := range h.buckets {
				cumulative += h.counts[i]
				fmt.Fprintf(w, "%s_bucket{le=\"%g\"} %d\n", h.name, b, cumulative)
			}
			cumulative += h.counts[len(h.buckets)]
			fmt.Fprintf(w, "%s_bucket{le=\"+Inf\"} %d\n", h.name, cumulative)
			fmt.Fprintf(w, "%s_sum %g\n", h.name, h.sum)
			fmt.Fprintf(w, "%s_count %d\n", h.name, h.count)
			h.mu.Unlock()
		}
	}
}

// ------------------------------------------------------------------
// Structured tracing
// ------------------------------------------------------------------

// Span represents a unit of work in a trace.
type Span struct {
	TraceID    string            `json:"trace_id"`
	SpanID     string            `json:"span_id"`
	ParentID   string            `json:"parent_id,omitempty"`
	Name       string            `json:"name"`
	StartTime  time.Time         `json:"start_time"`
	EndTime    time.Time         `json:"end_time,omitempty"`
	Duration   time.Duration     `json:"duration,omitempty"`
	Status     string            `json:"status"` // "ok", "error"
	Attributes map[string]string `json:"attributes,omitempty"`
	Events     []SpanEvent       `json:"events,omitempty"`
}

// SpanEvent is a timestamped annotation within a span.
type SpanEvent struct {
	Name       string            `json:"name"`
	Timestamp  time.Time         `json:"timestamp"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Tracer creates and manages spans.
type Tracer struct {
	mu       sync.Mutex
	spans    []*Span
	maxSpans int
	logger   *slog.Logger
}

// NewTracer creates a tracer.
func NewTracer(maxSpans int, logger *slog.Logger) *Tracer {
	if maxSpans <= 0 {
		maxSpans = 10000
	}
	return &Tracer{
		spans:    make([]*Span, 0, maxSpans),
		maxSpans: maxSpans,
		logger:   logger,
	}
}

type traceContextKey struct{}

// StartSpan begins a new span and attaches it to the context.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, *Span) {
	span := &Span{
		TraceID:    generateID(),
		SpanID:     generateID(),
		Name:       name,
		StartTime:  time.Now(),
		Status:     "ok",
		Attributes: attrs,
	}

	// Inherit trace from parent
	if parent, ok := ctx.Value(traceContextKey{}).(*Span); ok {
		span.TraceID = parent.TraceID
		span.ParentID = parent.SpanID
	}

	return context.WithValue(ctx, traceContextKey{}, span), span
}

// EndSpan completes a span and records it.
func (t *Tracer) EndSpan(span *Span, err error) {
	span.EndTime = time.Now()
	span.Duration = span.EndTime.Sub(span.StartTime)
	if err != nil {
		span.Status = "error"
		span.AddEvent("error", map[string]string{"message": err.Error()})
	}

	t.mu.Lock()
	if len(t.spans) >= t.maxSpans {
		t.spans = t.spans[t.maxSpans/10:]
	}
	t.spans = append(t.spans, span)
	t.mu.Unlock()

	t.logger.Debug("span completed",
		"trace_id", span.TraceID,
		"span_id", span.SpanID,
		"name", span.Name,
		"duration", span.Duration,
		"status", span.Status,
	)
}

// AddEvent adds a timestamped event to a span.
func (s *Span) AddEvent(name string, attrs map[string]string) {
	s.Events = append(s.Events, SpanEvent{
		Name:       name,
		Timestamp:  time.Now(),
		Attributes: attrs,
	})
}

// QuerySpans returns recent spans matching the filter.
func (t *Tracer) QuerySpans(opts SpanQueryOptions) []*Span {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []*Span
	for _, s := range t.spans {
		if opts.TraceID != "" && s.TraceID != opts.TraceID {
			continue
		}
		if opts.Name != "" && s.Name != opts.Name {
			continue
		}
		if !opts.Since.IsZero() && s.StartTime.Before(opts.Since) {
			continue
		}
		if opts.Status != "" && s.Status != opts.Status {
			continue
		}
		out = append(out, s)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out
}

// SpanQueryOptions filters trace queries.
type SpanQueryOptions struct {
	TraceID string
	Name    string
	Status  string
	Since   time.Time
	Limit   int
}

// ------------------------------------------------------------------
// Helpers
// ------------------------------------------------------------------

var idCounter atomic.Int64

func generateID() string {
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), idCounter.Add(1))
}

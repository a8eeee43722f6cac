package monitoring

import (
	"fmt"
	"math"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

// MetricType tags an exported sample.
type MetricType string

const (
	MetricTypeCounter   MetricType = "counter"
	MetricTypeGauge     MetricType = "gauge"
	MetricTypeHistogram MetricType = "histogram"
)

// Metric is one exported sample with its metadata.
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Help      string            `json:"help"`
	Labels    map[string]string `json:"labels,omitempty"`
	Value     float64           `json:"value"`
	Timestamp time.Time         `json:"timestamp"`
}

// desc is the identity every instrument shares.
type desc struct {
	name   string
	help   string
	labels map[string]string
}

func (d desc) sample(t MetricType, value float64, labels map[string]string) Metric {
	if labels == nil {
		labels = d.labels
	}
	return Metric{
		Name:      d.name,
		Type:      t,
		Help:      d.help,
		Labels:    labels,
		Value:     value,
		Timestamp: time.Now(),
	}
}

// instrument is anything the collector can export.
type instrument interface {
	sample() Metric
}

// addFloat adds delta to a float64 stored as bits, retrying until the swap
// lands.
func addFloat(bits *atomic.Uint64, delta float64) {
	for {
		old := bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if bits.CompareAndSwap(old, next) {
			return
		}
	}
}

// Counter only goes up.
type Counter struct {
	desc
	n atomic.Uint64
}

func (c *Counter) Inc() {
	c.n.Add(1)
}

// Add ignores negative deltas; counters cannot decrease.
func (c *Counter) Add(delta float64) {
	if delta < 0 {
		return
	}
	c.n.Add(uint64(delta))
}

func (c *Counter) Value() float64 {
	return float64(c.n.Load())
}

func (c *Counter) sample() Metric {
	return c.desc.sample(MetricTypeCounter, c.Value(), nil)
}

// Gauge holds an arbitrary float64, stored as bits so updates stay atomic.
type Gauge struct {
	desc
	bits atomic.Uint64
}

func (g *Gauge) Set(value float64) {
	g.bits.Store(math.Float64bits(value))
}

func (g *Gauge) Inc() {
	addFloat(&g.bits, 1)
}

func (g *Gauge) Dec() {
	addFloat(&g.bits, -1)
}

func (g *Gauge) Add(delta float64) {
	addFloat(&g.bits, delta)
}

func (g *Gauge) Value() float64 {
	return math.Float64frombits(g.bits.Load())
}

func (g *Gauge) sample() Metric {
	return g.desc.sample(MetricTypeGauge, g.Value(), nil)
}

var defaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Histogram counts observations into cumulative-style buckets. bounds must be
// sorted ascending; the slot past the last bound catches everything else.
type Histogram struct {
	desc
	bounds  []float64
	counts  []atomic.Uint64
	total   atomic.Uint64
	sumBits atomic.Uint64
}

func newHistogram(d desc, bounds []float64) *Histogram {
	if bounds == nil {
		bounds = defaultBuckets
	}
	return &Histogram{
		desc:   d,
		bounds: bounds,
		counts: make([]atomic.Uint64, len(bounds)+1),
	}
}

func (h *Histogram) Observe(value float64) {
	h.total.Add(1)
	addFloat(&h.sumBits, value)
	h.counts[sort.SearchFloat64s(h.bounds, value)].Add(1)
}

func (h *Histogram) Count() uint64 {
	return h.total.Load()
}

func (h *Histogram) Sum() float64 {
	return math.Float64frombits(h.sumBits.Load())
}

func (h *Histogram) Average() float64 {
	count := h.Count()
	if count == 0 {
		return 0
	}
	return h.Sum() / float64(count)
}

// Percentile returns the upper bound of the bucket the percentile falls into,
// or 0 when it lands past the last bound.
func (h *Histogram) Percentile(p float64) float64 {
	count := h.Count()
	if count == 0 {
		return 0
	}
	target := float64(count) * p / 100.0
	var seen uint64
	for i := range h.bounds {
		seen += h.counts[i].Load()
		if float64(seen) >= target {
			return h.bounds[i]
		}
	}
	return 0
}

// Buckets returns observation counts keyed by formatted upper bound.
func (h *Histogram) Buckets() map[string]uint64 {
	out := make(map[string]uint64, len(h.bounds)+1)
	for i, bound := range h.bounds {
		out[fmt.Sprintf("%.3f", bound)] = h.counts[i].Load()
	}
	out["+Inf"] = h.counts[len(h.bounds)].Load()
	return out
}

func (h *Histogram) sample() Metric {
	labels := make(map[string]string, len(h.labels)+4)
	for k, v := range h.labels {
		labels[k] = v
	}
	labels["count"] = fmt.Sprintf("%d", h.Count())
	labels["average"] = fmt.Sprintf("%.2f", h.Average())
	labels["p95"] = fmt.Sprintf("%.2f", h.Percentile(95))
	labels["p99"] = fmt.Sprintf("%.2f", h.Percentile(99))
	return h.desc.sample(MetricTypeHistogram, float64(h.Count()), labels)
}

// gaugeSource is a gauge whose value is read from a component at scrape time.
type gaugeSource struct {
	gauge *Gauge
	read  func() float64
}

// MetricsCollector is the process-local registry behind the metrics
// endpoints. Request middleware records through the typed helpers; workers
// expose their counters through RegisterGaugeFunc and the values are pulled
// at scrape time.
type MetricsCollector struct {
	mu          sync.RWMutex
	instruments map[string]instrument
	gaugeFuncs  []gaugeSource
	startTime   time.Time
}

func NewMetricsCollector() *MetricsCollector {
	mc := &MetricsCollector{
		instruments: make(map[string]instrument),
		startTime:   time.Now(),
	}
	mc.NewGauge("go_memstats_alloc_bytes", "Number of bytes allocated and still in use", nil)
	mc.NewGauge("go_memstats_sys_bytes", "Number of bytes obtained from system", nil)
	mc.NewGauge("go_goroutines", "Number of goroutines that currently exist", nil)
	mc.NewGauge("go_memstats_gc_total", "Number of completed GC cycles", nil)
	return mc
}

// metricKey renders name plus sorted labels. Each instrument kind gets its
// own prefix so a gauge can never shadow a counter of the same name.
func metricKey(kind byte, name string, labels map[string]string) string {
	if len(labels) == 0 {
		return string(kind) + "|" + name
	}
	parts := make([]string, 0, len(labels))
	for k, v := range labels {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	return string(kind) + "|" + name + "{" + strings.Join(parts, ",") + "}"
}

// NewCounter returns the counter registered under name and labels, creating
// it on first use.
func (mc *MetricsCollector) NewCounter(name, help string, labels map[string]string) *Counter {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	key := metricKey('c', name, labels)
	if existing, ok := mc.instruments[key].(*Counter); ok {
		return existing
	}
	counter := &Counter{desc: desc{name: name, help: help, labels: labels}}
	mc.instruments[key] = counter
	return counter
}

// NewGauge returns the gauge registered under name and labels, creating it on
// first use.
func (mc *MetricsCollector) NewGauge(name, help string, labels map[string]string) *Gauge {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	key := metricKey('g', name, labels)
	if existing, ok := mc.instruments[key].(*Gauge); ok {
		return existing
	}
	gauge := &Gauge{desc: desc{name: name, help: help, labels: labels}}
	mc.instruments[key] = gauge
	return gauge
}

// NewHistogram returns the histogram registered under name and labels,
// creating it on first use with the given bucket bounds.
func (mc *MetricsCollector) NewHistogram(name, help string, labels map[string]string, buckets []float64) *Histogram {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	key := metricKey('h', name, labels)
	if existing, ok := mc.instruments[key].(*Histogram); ok {
		return existing
	}
	histogram := newHistogram(desc{name: name, help: help, labels: labels}, buckets)
	mc.instruments[key] = histogram
	return histogram
}

// RegisterGaugeFunc exposes a component counter as a gauge that is read every
// time the metrics are collected.
func (mc *MetricsCollector) RegisterGaugeFunc(name, help string, read func() float64) {
	gauge := mc.NewGauge(name, help, nil)

	mc.mu.Lock()
	mc.gaugeFuncs = append(mc.gaugeFuncs, gaugeSource{gauge: gauge, read: read})
	mc.mu.Unlock()
}

// RecordHTTPRequest records one served request.
func (mc *MetricsCollector) RecordHTTPRequest(method, path string, status int, duration time.Duration, responseSize int) {
	statusLabels := map[string]string{"method": method, "path": path, "status": fmt.Sprintf("%d", status)}
	pathLabels := map[string]string{"method": method, "path": path}

	mc.NewCounter("http_requests_total", "Total number of HTTP requests", statusLabels).Inc()
	mc.NewHistogram("http_request_duration_seconds", "HTTP request duration in seconds", pathLabels, nil).Observe(duration.Seconds())
	if responseSize > 0 {
		mc.NewHistogram("http_response_size_bytes", "HTTP response size in bytes", pathLabels, []float64{128, 512, 2048, 8192, 65536}).Observe(float64(responseSize))
	}
	if status >= 400 {
		mc.NewCounter("http_errors_total", "Total number of HTTP error responses", statusLabels).Inc()
	}
}

// refresh updates scrape-time values: runtime stats and registered gauge
// functions. Called without holding mu so the get-or-create helpers can lock.
func (mc *MetricsCollector) refresh() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	mc.NewGauge("go_memstats_alloc_bytes", "Number of bytes allocated and still in use", nil).Set(float64(memStats.Alloc))
	mc.NewGauge("go_memstats_sys_bytes", "Number of bytes obtained from system", nil).Set(float64(memStats.Sys))
	mc.NewGauge("go_goroutines", "Number of goroutines that currently exist", nil).Set(float64(runtime.NumGoroutine()))
	mc.NewGauge("go_memstats_gc_total", "Number of completed GC cycles", nil).Set(float64(memStats.NumGC))

	mc.mu.RLock()
	sources := make([]gaugeSource, len(mc.gaugeFuncs))
	copy(sources, mc.gaugeFuncs)
	mc.mu.RUnlock()

	for _, src := range sources {
		src.gauge.Set(src.read())
	}
}

// GetAllMetrics refreshes scrape-time values and returns every registered
// metric sorted by name, label variants grouped together.
func (mc *MetricsCollector) GetAllMetrics() []Metric {
	mc.refresh()

	mc.mu.RLock()
	keys := make([]string, 0, len(mc.instruments))
	for key := range mc.instruments {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	metrics := make([]Metric, 0, len(keys))
	for _, key := range keys {
		metrics = append(metrics, mc.instruments[key].sample())
	}
	mc.mu.RUnlock()

	sort.SliceStable(metrics, func(i, j int) bool {
		return metrics[i].Name < metrics[j].Name
	})
	return metrics
}

// GetMetricsSummary returns all metrics with collection totals for the JSON
// endpoint.
func (mc *MetricsCollector) GetMetricsSummary() map[string]interface{} {
	metrics := mc.GetAllMetrics()

	byType := map[string]int{"counters": 0, "gauges": 0, "histograms": 0}
	mc.mu.RLock()
	for _, inst := range mc.instruments {
		switch inst.(type) {
		case *Counter:
			byType["counters"]++
		case *Gauge:
			byType["gauges"]++
		case *Histogram:
			byType["histograms"]++
		}
	}
	mc.mu.RUnlock()

	return map[string]interface{}{
		"timestamp":       time.Now(),
		"uptime":          time.Since(mc.startTime).String(),
		"total_metrics":   len(metrics),
		"metrics_by_type": byType,
		"metrics":         metrics,
	}
}

func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(labels))
	for k, v := range labels {
		pairs = append(pairs, fmt.Sprintf("%s=%q", k, v))
	}
	sort.Strings(pairs)
	return "{" + strings.Join(pairs, ",") + "}"
}

// PrometheusHandler serves the metrics in the Prometheus text exposition
// format.
func (mc *MetricsCollector) PrometheusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		// HELP and TYPE are written once per family; GetAllMetrics groups
		// label variants of the same name together.
		lastName := ""
		for _, metric := range mc.GetAllMetrics() {
			if metric.Name != lastName {
				fmt.Fprintf(c.Writer, "# HELP %s %s\n", metric.Name, metric.Help)
				fmt.Fprintf(c.Writer, "# TYPE %s %s\n", metric.Name, metric.Type)
				lastName = metric.Name
			}
			fmt.Fprintf(c.Writer, "%s%s %g %d\n", metric.Name, formatLabels(metric.Labels), metric.Value, metric.Timestamp.UnixMilli())
		}
	}
}

// JSONHandler serves the metrics summary as JSON.
func (mc *MetricsCollector) JSONHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, mc.GetMetricsSummary())
	}
}

package observability

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/puzpuzpuz/xsync/v3"
)

// Monitor records connection and request metrics. Per-path counters live in
// a concurrent map; aggregate series are exported to Prometheus.
type Monitor struct {
	paths    *xsync.MapOf[string, *PathMetrics]
	registry *prometheus.Registry

	connsAccepted prometheus.Counter
	connsRejected prometheus.Counter
	connsActive   prometheus.Gauge
	requests      *prometheus.CounterVec
	bytesOut      prometheus.Counter
	latency       prometheus.Histogram
}

// PathMetrics stores per-path metrics
type PathMetrics struct {
	Path           string
	Count          atomic.Uint64
	Errors         atomic.Uint64
	TotalDuration  atomic.Uint64
	MinDuration    atomic.Uint64
	MaxDuration    atomic.Uint64
	latencyBuckets [10]atomic.Uint64
}

// latencyBounds labels latencyBuckets; the last bucket is unbounded
var latencyBounds = [10]string{
	"<10us", "<50us", "<100us", "<500us", "<1ms",
	"<5ms", "<10ms", "<50ms", "<100ms", ">=100ms",
}

// Bottleneck represents a slow or failing path
type Bottleneck struct {
	Type     string `json:"type"`
	Location string `json:"location"`
	Severity int    `json:"severity"`
	Details  string `json:"details"`
}

// LatencyBucket is one histogram bar of a path
type LatencyBucket struct {
	Bound string `json:"bound"`
	Count uint64 `json:"count"`
}

// PathStats is a point-in-time copy of one path's counters
type PathStats struct {
	Path    string          `json:"path"`
	Count   uint64          `json:"count"`
	Errors  uint64          `json:"errors"`
	Avg     time.Duration   `json:"avg_ns"`
	Min     time.Duration   `json:"min_ns"`
	Max     time.Duration   `json:"max_ns"`
	Buckets []LatencyBucket `json:"buckets"`
}

// Report is the per-path view served next to the Prometheus series
type Report struct {
	Paths       []PathStats  `json:"paths"`
	Bottlenecks []Bottleneck `json:"bottlenecks"`
}

// NewMonitor creates a monitor with its own Prometheus registry
func NewMonitor() *Monitor {
	m := &Monitor{
		paths:    xsync.NewMapOf[string, *PathMetrics](),
		registry: prometheus.NewRegistry(),
		connsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tinyhttpd",
			Subsystem: "conn",
			Name:      "accepted_total",
			Help:      "Connections accepted and registered",
		}),
		connsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tinyhttpd",
			Subsystem: "conn",
			Name:      "rejected_total",
			Help:      "Connections rejected at the connection limit",
		}),
		connsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tinyhttpd",
			Subsystem: "conn",
			Name:      "active",
			Help:      "Live connections",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tinyhttpd",
			Subsystem: "http",
			Name:      "responses_total",
			Help:      "Responses built, by status code",
		}, []string{"code"}),
		bytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tinyhttpd",
			Subsystem: "http",
			Name:      "response_bytes_total",
			Help:      "Bytes written to clients",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tinyhttpd",
			Subsystem: "http",
			Name:      "process_seconds",
			Help:      "Time spent parsing and building a response",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 4, 8),
		}),
	}

	m.registry.MustRegister(
		m.connsAccepted,
		m.connsRejected,
		m.connsActive,
		m.requests,
		m.bytesOut,
		m.latency,
		prometheus.NewGoCollector(),
	)
	return m
}

// Handler exposes the registry in the Prometheus text format
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}

// ConnOpened records an accepted connection
func (m *Monitor) ConnOpened() {
	m.connsAccepted.Inc()
	m.connsActive.Inc()
}

// ConnClosed records a released connection
func (m *Monitor) ConnClosed() {
	m.connsActive.Dec()
}

// ConnRejected records a connection refused at the limit
func (m *Monitor) ConnRejected() {
	m.connsRejected.Inc()
}

// BytesWritten records bytes sent to a client
func (m *Monitor) BytesWritten(n int) {
	if n > 0 {
		m.bytesOut.Add(float64(n))
	}
}

// RecordRequest records one built response
func (m *Monitor) RecordRequest(path string, code int, duration time.Duration) {
	m.requests.WithLabelValues(strconv.Itoa(code)).Inc()
	m.latency.Observe(duration.Seconds())

	metrics, _ := m.paths.LoadOrCompute(path, func() *PathMetrics {
		return &PathMetrics{Path: path}
	})

	metrics.Count.Add(1)
	if code >= 400 {
		metrics.Errors.Add(1)
	}

	durationNs := uint64(duration.Nanoseconds())
	metrics.TotalDuration.Add(durationNs)
	updateMinMax(metrics, durationNs)
	updateLatencyBucket(metrics, durationNs)
}

// Paths returns a snapshot of every recorded path, sorted by path
func (m *Monitor) Paths() []PathStats {
	out := make([]PathStats, 0, m.paths.Size())
	m.paths.Range(func(path string, pm *PathMetrics) bool {
		out = append(out, pm.snapshot())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Report returns the per-path snapshot and the current bottlenecks
func (m *Monitor) Report() Report {
	return Report{Paths: m.Paths(), Bottlenecks: m.Bottlenecks()}
}

// ReportJSON returns Report as indented JSON
func (m *Monitor) ReportJSON() ([]byte, error) {
	return json.MarshalIndent(m.Report(), "", "  ")
}

func (pm *PathMetrics) snapshot() PathStats {
	st := PathStats{
		Path:    pm.Path,
		Count:   pm.Count.Load(),
		Errors:  pm.Errors.Load(),
		Min:     time.Duration(pm.MinDuration.Load()),
		Max:     time.Duration(pm.MaxDuration.Load()),
		Buckets: make([]LatencyBucket, len(pm.latencyBuckets)),
	}
	if st.Count > 0 {
		st.Avg = time.Duration(pm.TotalDuration.Load() / st.Count)
	}
	for i := range pm.latencyBuckets {
		st.Buckets[i] = LatencyBucket{Bound: latencyBounds[i], Count: pm.latencyBuckets[i].Load()}
	}
	return st
}

func updateMinMax(m *PathMetrics, d uint64) {
	for {
		min := m.MinDuration.Load()
		if min != 0 && d >= min {
			break
		}
		if m.MinDuration.CompareAndSwap(min, d) {
			break
		}
	}
	for {
		max := m.MaxDuration.Load()
		if d <= max {
			break
		}
		if m.MaxDuration.CompareAndSwap(max, d) {
			break
		}
	}
}

func updateLatencyBucket(m *PathMetrics, durationNs uint64) {
	us := durationNs / 1_000
	idx := 0
	switch {
	case us < 10:
		idx = 0
	case us < 50:
		idx = 1
	case us < 100:
		idx = 2
	case us < 500:
		idx = 3
	case us < 1000:
		idx = 4
	case us < 5000:
		idx = 5
	case us < 10000:
		idx = 6
	case us < 50000:
		idx = 7
	case us < 100000:
		idx = 8
	default:
		idx = 9
	}
	m.latencyBuckets[idx].Add(1)
}

// Bottlenecks reports paths with high average latency or error rate,
// worst first.
func (m *Monitor) Bottlenecks() []Bottleneck {
	var out []Bottleneck

	m.paths.Range(func(path string, pm *PathMetrics) bool {
		count := pm.Count.Load()
		if count == 0 {
			return true
		}

		avg := time.Duration(pm.TotalDuration.Load() / count)
		if avg > 10*time.Millisecond {
			out = append(out, Bottleneck{
				Type:     "latency",
				Location: path,
				Severity: 8,
				Details:  fmt.Sprintf("High latency (%v avg)", avg),
			})
		}

		errs := pm.Errors.Load()
		if errs > 0 && float64(errs)/float64(count) > 0.05 {
			out = append(out, Bottleneck{
				Type:     "errors",
				Location: path,
				Severity: 10,
				Details:  fmt.Sprintf("%.1f%% error rate", float64(errs)/float64(count)*100),
			})
		}
		return true
	})

	sort.Slice(out, func(i, j int) bool {
		if out[i].Severity != out[j].Severity {
			return out[i].Severity > out[j].Severity
		}
		return out[i].Location < out[j].Location
	})
	return out
}

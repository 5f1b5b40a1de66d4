package observability

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics implements Metrics on top of a Prometheus registry.
// Vectors are created lazily on first use; the label set of a metric is
// fixed by the tags passed on that first call.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPrometheusMetrics creates a collector backed by its own registry, with
// the Go and process collectors registered.
func NewPrometheusMetrics() *PrometheusMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &PrometheusMetrics{
		registry:   reg,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// Registry exposes the underlying registry.
func (p *PrometheusMetrics) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *PrometheusMetrics) Counter(name string, value int64, tags ...Tag) {
	keys, values := splitTags(tags)
	p.mu.Lock()
	vec, ok := p.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: promName(name) + "_total",
			Help: name,
		}, keys)
		p.registry.MustRegister(vec)
		p.counters[name] = vec
	}
	p.mu.Unlock()
	vec.WithLabelValues(values...).Add(float64(value))
}

func (p *PrometheusMetrics) Gauge(name string, value float64, tags ...Tag) {
	keys, values := splitTags(tags)
	p.mu.Lock()
	vec, ok := p.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: promName(name),
			Help: name,
		}, keys)
		p.registry.MustRegister(vec)
		p.gauges[name] = vec
	}
	p.mu.Unlock()
	vec.WithLabelValues(values...).Set(value)
}

func (p *PrometheusMetrics) Timing(name string, duration time.Duration, tags ...Tag) {
	keys, values := splitTags(tags)
	p.mu.Lock()
	vec, ok := p.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    promName(name) + "_seconds",
			Help:    name,
			Buckets: prometheus.DefBuckets,
		}, keys)
		p.registry.MustRegister(vec)
		p.histograms[name] = vec
	}
	p.mu.Unlock()
	vec.WithLabelValues(values...).Observe(duration.Seconds())
}

func splitTags(tags []Tag) ([]string, []string) {
	sorted := sortedTags(tags)
	keys := make([]string, len(sorted))
	values := make([]string, len(sorted))
	for i, t := range sorted {
		keys[i] = t.Key
		values[i] = t.Value
	}
	return keys, values
}

func promName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(name)
}

// Package metrics exports filter engine and host telemetry to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wudi/filterhost/internal/errors"
	"github.com/wudi/filterhost/internal/filter"
	"github.com/wudi/filterhost/internal/stream"
)

const (
	promNamespace       = "filterhost"
	promFilterSubsystem = "filter"
	promServeSubsystem  = "serve"
	promConfigSubsystem = "config"
)

// DefaultBuckets are histogram buckets in seconds. Filter phases are
// expected to take microseconds, requests milliseconds.
var DefaultBuckets = []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Options configures the collectors.
type Options struct {
	// Namespace replaces the default "filterhost" prefix.
	Namespace string
	// Buckets replaces DefaultBuckets.
	Buckets []float64
	// EnableRuntimeMetrics adds the Go and process collectors.
	EnableRuntimeMetrics bool
	// Registry is used instead of a fresh one.
	Registry *prometheus.Registry
}

// Metrics holds every collector. It implements stream.Observer.
type Metrics struct {
	phaseDurationM  *prometheus.HistogramVec
	decisionsM      *prometheus.CounterVec
	localResponsesM *prometheus.CounterVec
	defectsM        *prometheus.CounterVec
	destroysM       *prometheus.CounterVec
	requestsM       *prometheus.HistogramVec
	reloadsM        *prometheus.CounterVec
	generationM     *prometheus.GaugeVec

	registry *prometheus.Registry
	handler  http.Handler
}

var _ stream.Observer = (*Metrics)(nil)

// New creates and registers the collectors.
func New(opts Options) *Metrics {
	namespace := promNamespace
	if opts.Namespace != "" {
		namespace = opts.Namespace
	}
	buckets := opts.Buckets
	if len(buckets) == 0 {
		buckets = DefaultBuckets
	}

	m := &Metrics{
		phaseDurationM: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: promFilterSubsystem,
			Name:      "phase_duration_seconds",
			Help:      "Duration in seconds of a filter phase handler.",
			Buckets:   buckets,
		}, []string{"filter", "phase"}),
		decisionsM: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: promFilterSubsystem,
			Name:      "decisions_total",
			Help:      "Total number of phase decisions by filter, phase and decision.",
		}, []string{"filter", "phase", "decision"}),
		localResponsesM: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: promFilterSubsystem,
			Name:      "local_responses_total",
			Help:      "Total number of local responses sent by filters.",
		}, []string{"filter", "code"}),
		defectsM: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: promFilterSubsystem,
			Name:      "defects_total",
			Help:      "Total number of filter defects by kind.",
		}, []string{"filter", "kind"}),
		destroysM: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: promFilterSubsystem,
			Name:      "streams_destroyed_total",
			Help:      "Total number of filter streams destroyed by reason.",
		}, []string{"filter", "reason"}),
		requestsM: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: promServeSubsystem,
			Name:      "request_duration_seconds",
			Help:      "Duration in seconds of requests served through the filter chain.",
			Buckets:   buckets,
		}, []string{"method", "code"}),
		reloadsM: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: promConfigSubsystem,
			Name:      "reloads_total",
			Help:      "Total number of configuration reloads by result.",
		}, []string{"result"}),
		generationM: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: promConfigSubsystem,
			Name:      "generation",
			Help:      "Current configuration generation per filter.",
		}, []string{"filter"}),
		registry: opts.Registry,
	}
	if m.registry == nil {
		m.registry = prometheus.NewRegistry()
	}
	m.registerMetrics(opts.EnableRuntimeMetrics)
	m.handler = promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return m
}

func (m *Metrics) registerMetrics(runtime bool) {
	m.registry.MustRegister(m.phaseDurationM)
	m.registry.MustRegister(m.decisionsM)
	m.registry.MustRegister(m.localResponsesM)
	m.registry.MustRegister(m.defectsM)
	m.registry.MustRegister(m.destroysM)
	m.registry.MustRegister(m.requestsM)
	m.registry.MustRegister(m.reloadsM)
	m.registry.MustRegister(m.generationM)

	if runtime {
		m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m.registry.MustRegister(collectors.NewGoCollector())
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return m.handler
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObservePhase(filterName string, phase filter.Phase, decision filter.Decision, elapsed time.Duration) {
	p := phase.String()
	m.phaseDurationM.WithLabelValues(filterName, p).Observe(elapsed.Seconds())
	m.decisionsM.WithLabelValues(filterName, p, decision.String()).Inc()
}

func (m *Metrics) ObserveLocalResponse(filterName string, status int) {
	m.localResponsesM.WithLabelValues(filterName, strconv.Itoa(status)).Inc()
}

func (m *Metrics) ObserveDestroy(filterName string, reason filter.DestroyReason) {
	m.destroysM.WithLabelValues(filterName, reason.String()).Inc()
}

// RecordDefect counts a defect reported by a stream.
func (m *Metrics) RecordDefect(filterName string, kind errors.Kind) {
	m.defectsM.WithLabelValues(filterName, kind.String()).Inc()
}

// RecordRequest records a request served through the chain.
func (m *Metrics) RecordRequest(method string, code int, elapsed time.Duration) {
	m.requestsM.WithLabelValues(method, strconv.Itoa(code)).Observe(elapsed.Seconds())
}

// RecordReload counts a reload outcome: "success", "failed", or "rejected" for
// each filter that kept its previous configuration.
func (m *Metrics) RecordReload(result string) {
	m.reloadsM.WithLabelValues(result).Inc()
}

// SetGeneration publishes a filter's configuration generation.
func (m *Metrics) SetGeneration(filterName string, generation uint64) {
	m.generationM.WithLabelValues(filterName).Set(float64(generation))
}

// DeleteFilter drops the per-filter gauge of a removed filter.
func (m *Metrics) DeleteFilter(filterName string) {
	m.generationM.DeleteLabelValues(filterName)
}

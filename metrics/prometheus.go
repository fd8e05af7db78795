package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	promNamespace         = "mgw"
	promBackendSubsystem  = "backend"
	promResponseSubsystem = "response"
	promDecisionSubsystem = "decision"
	promCustomSubsystem   = "custom"
)

// Prometheus collects the values with the Prometheus client. The named
// counters, gauges and timers of the filters are collected as the
// custom metrics, labeled with their key.
type Prometheus struct {
	response      *prometheus.HistogramVec
	backend       *prometheus.HistogramVec
	backendErrors *prometheus.CounterVec
	decision      *prometheus.HistogramVec
	custom        *prometheus.HistogramVec
	customCounter *prometheus.CounterVec
	customGauge   *prometheus.GaugeVec

	registry *prometheus.Registry
	handler  http.Handler
}

// NewPrometheus returns a new Prometheus metric backend.
func NewPrometheus(o Options) *Prometheus {
	namespace := promNamespace
	if o.Prefix != "" {
		namespace = strings.TrimSuffix(o.Prefix, ".")
	}

	buckets := o.HistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	histogram := func(subsystem, help string, labels ...string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "duration_seconds",
			Help:      help,
			Buckets:   buckets,
		}, labels)
	}

	p := &Prometheus{
		response: histogram(promResponseSubsystem, "Duration in seconds of a response.", "code", "method", "route"),
		backend:  histogram(promBackendSubsystem, "Duration in seconds of a proxy backend.", "route"),
		backendErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: promBackendSubsystem,
			Name:      "error_total",
			Help:      "Total number of backend route errors.",
		}, []string{"route"}),
		decision: histogram(promDecisionSubsystem, "Duration in seconds of a call to the decision service.", "direction", "status"),
		custom:   histogram(promCustomSubsystem, "Duration in seconds of custom metrics.", "key"),
		customCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: promCustomSubsystem,
			Name:      "total",
			Help:      "Total number of custom metrics.",
		}, []string{"key"}),
		customGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: promCustomSubsystem,
			Name:      "gauges",
			Help:      "Gauges number of custom metrics.",
		}, []string{"key"}),
		registry: o.PrometheusRegistry,
	}

	if p.registry == nil {
		p.registry = prometheus.NewRegistry()
	}

	p.registry.MustRegister(
		p.response,
		p.backend,
		p.backendErrors,
		p.decision,
		p.custom,
		p.customCounter,
		p.customGauge,
	)

	if o.EnableRuntimeMetrics {
		p.registry.MustRegister(
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			collectors.NewGoCollector(),
		)
	}

	return p
}

func sinceS(start time.Time) float64 {
	return time.Since(start).Seconds()
}

func (p *Prometheus) CreateHandler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *Prometheus) getHandler() http.Handler {
	if p.handler == nil {
		p.handler = p.CreateHandler()
	}

	return p.handler
}

func (p *Prometheus) RegisterHandler(path string, mux *http.ServeMux) {
	mux.Handle(path, p.getHandler())
}

func (p *Prometheus) MeasureSince(key string, start time.Time) {
	p.custom.WithLabelValues(key).Observe(sinceS(start))
}

func (p *Prometheus) IncCounter(key string) {
	p.customCounter.WithLabelValues(key).Inc()
}

func (p *Prometheus) IncCounterBy(key string, value int64) {
	p.customCounter.WithLabelValues(key).Add(float64(value))
}

func (p *Prometheus) UpdateGauge(key string, v float64) {
	p.customGauge.WithLabelValues(key).Set(v)
}

func (p *Prometheus) MeasureResponse(code int, method string, routeID string, start time.Time) {
	p.response.WithLabelValues(strconv.Itoa(code), measuredMethod(method), routeID).Observe(sinceS(start))
}

func (p *Prometheus) MeasureBackend(routeID string, start time.Time) {
	p.backend.WithLabelValues(routeID).Observe(sinceS(start))
}

func (p *Prometheus) IncErrorsBackend(routeID string) {
	p.backendErrors.WithLabelValues(routeID).Inc()
}

func (p *Prometheus) MeasureDecision(direction, status string, start time.Time) {
	p.decision.WithLabelValues(direction, status).Observe(sinceS(start))
}

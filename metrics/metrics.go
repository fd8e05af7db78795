package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Kind is the type of the metrics backend.
type Kind int

const (
	UnknownKind    Kind = 0
	CodaHaleKind   Kind = 1 << 0
	PrometheusKind Kind = 1 << 1
	AllKind             = CodaHaleKind | PrometheusKind
)

func (k Kind) String() string {
	switch k {
	case AllKind:
		return "all"
	case CodaHaleKind:
		return "codahale"
	case PrometheusKind:
		return "prometheus"
	default:
		return "unknown"
	}
}

// ParseMetricsKind parses a comma separated list of backend names.
func ParseMetricsKind(t string) Kind {
	var k Kind
	for _, s := range strings.Split(t, ",") {
		switch strings.TrimSpace(strings.ToLower(s)) {
		case "codahale":
			k |= CodaHaleKind
		case "prometheus":
			k |= PrometheusKind
		}
	}

	return k
}

// Metrics is the interface of the metrics backends.
type Metrics interface {
	// MeasureSince records the duration elapsed since start under key.
	MeasureSince(key string, start time.Time)

	// IncCounter increments the counter key by one. It is safe for
	// concurrent use.
	IncCounter(key string)

	// IncCounterBy increments the counter key by value.
	IncCounterBy(key string, value int64)

	UpdateGauge(key string, value float64)

	// MeasureResponse records the duration of serving a response.
	MeasureResponse(code int, method string, routeID string, start time.Time)

	// MeasureBackend records the duration of an upstream round trip.
	MeasureBackend(routeID string, start time.Time)

	// IncErrorsBackend counts failed upstream round trips.
	IncErrorsBackend(routeID string)

	// MeasureDecision records the duration of a call to the decision
	// service, by the intercepted direction and the outcome.
	MeasureDecision(direction, status string, start time.Time)

	// RegisterHandler registers the handler exposing the collected values
	// on path.
	RegisterHandler(path string, mux *http.ServeMux)
}

var measuredMethods = map[string]bool{
	"OPTIONS": true,
	"GET":     true,
	"HEAD":    true,
	"POST":    true,
	"PUT":     true,
	"PATCH":   true,
	"DELETE":  true,
	"TRACE":   true,
	"CONNECT": true,
}

// measuredMethod limits the method labels to the standard ones.
func measuredMethod(m string) string {
	if measuredMethods[m] {
		return m
	}

	return "_unknownmethod_"
}

// Options for initializing metrics collection.
type Options struct {
	// Format selects the backend. When UnknownKind, CodaHale is used.
	Format Kind

	// Common prefix for the keys of the different collected metrics.
	// With Prometheus, it is used as the namespace.
	Prefix string

	// If set, garbage collector metrics are collected in addition to
	// the http traffic metrics.
	EnableDebugGcMetrics bool

	// If set, Go runtime metrics are collected in addition to the http
	// traffic metrics.
	EnableRuntimeMetrics bool

	// If set, the CodaHale timers use an exponentially decaying sample
	// instead of a uniform one.
	UseExpDecaySample bool

	// HistogramBuckets of the Prometheus histograms. When empty,
	// prometheus.DefBuckets is used.
	HistogramBuckets []float64

	// PrometheusRegistry to register the collectors with. When nil, a
	// new registry is created.
	PrometheusRegistry *prometheus.Registry
}

// NewMetrics creates the backend selected by the options.
func NewMetrics(o Options) Metrics {
	switch o.Format {
	case AllKind:
		return NewAll(o)
	case PrometheusKind:
		return NewPrometheus(o)
	default:
		return NewCodaHale(o)
	}
}

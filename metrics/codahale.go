package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/rcrowley/go-metrics"
)

const (
	KeyResponse         = "response.%d.%s.mgw.%s"
	KeyResponseCombined = "all.response.%d.%s.mgw"
	KeyProxyBackend     = "backend.%s"
	KeyErrorsBackend    = "errors.backend.%s"
	KeyDecision         = "decision.%s.%s"

	statsRefreshDuration = 5 * time.Second

	defaultUniformReservoirSize  = 1024
	defaultExpDecayReservoirSize = 1028
	defaultExpDecayAlpha         = 0.015
)

var percentiles = []float64{0.5, 0.75, 0.95, 0.99, 0.999}

// CodaHale collects the values with go-metrics, and serves them in the
// JSON format of the DropWizard metrics library.
type CodaHale struct {
	reg        metrics.Registry
	newTimer   func() metrics.Timer
	newCounter func() metrics.Counter
	newGauge   func() metrics.GaugeFloat64
	options    Options
	handler    http.Handler
}

// NewCodaHale returns a new CodaHale backend of metrics.
func NewCodaHale(o Options) *CodaHale {
	sample := func() metrics.Sample { return metrics.NewUniformSample(defaultUniformReservoirSize) }
	if o.UseExpDecaySample {
		sample = func() metrics.Sample {
			return metrics.NewExpDecaySample(defaultExpDecayReservoirSize, defaultExpDecayAlpha)
		}
	}

	c := &CodaHale{
		reg: metrics.NewRegistry(),
		newTimer: func() metrics.Timer {
			return metrics.NewCustomTimer(metrics.NewHistogram(sample()), metrics.NewMeter())
		},
		newCounter: metrics.NewCounter,
		newGauge:   metrics.NewGaugeFloat64,
		options:    o,
	}

	if o.EnableDebugGcMetrics {
		metrics.RegisterDebugGCStats(c.reg)
		go metrics.CaptureDebugGCStats(c.reg, statsRefreshDuration)
	}

	if o.EnableRuntimeMetrics {
		metrics.RegisterRuntimeMemStats(c.reg)
		go metrics.CaptureRuntimeMemStats(c.reg, statsRefreshDuration)
	}

	return c
}

// NewVoid returns a backend that drops every value.
func NewVoid() *CodaHale {
	return &CodaHale{
		reg:        metrics.NewRegistry(),
		newTimer:   func() metrics.Timer { return metrics.NilTimer{} },
		newCounter: func() metrics.Counter { return metrics.NilCounter{} },
		newGauge:   func() metrics.GaugeFloat64 { return metrics.NilGaugeFloat64{} },
	}
}

func (c *CodaHale) getTimer(key string) metrics.Timer {
	return c.reg.GetOrRegister(key, c.newTimer).(metrics.Timer)
}

func (c *CodaHale) getCounter(key string) metrics.Counter {
	return c.reg.GetOrRegister(key, c.newCounter).(metrics.Counter)
}

func (c *CodaHale) getGauge(key string) metrics.GaugeFloat64 {
	return c.reg.GetOrRegister(key, c.newGauge).(metrics.GaugeFloat64)
}

func (c *CodaHale) MeasureSince(key string, start time.Time) {
	c.getTimer(key).UpdateSince(start)
}

func (c *CodaHale) IncCounter(key string) {
	c.IncCounterBy(key, 1)
}

func (c *CodaHale) IncCounterBy(key string, value int64) {
	c.getCounter(key).Inc(value)
}

func (c *CodaHale) UpdateGauge(key string, v float64) {
	c.getGauge(key).Update(v)
}

func (c *CodaHale) MeasureResponse(code int, method string, routeID string, start time.Time) {
	method = measuredMethod(method)
	c.MeasureSince(fmt.Sprintf(KeyResponseCombined, code, method), start)
	c.MeasureSince(fmt.Sprintf(KeyResponse, code, method, routeID), start)
}

func (c *CodaHale) MeasureBackend(routeID string, start time.Time) {
	c.MeasureSince(fmt.Sprintf(KeyProxyBackend, routeID), start)
}

func (c *CodaHale) IncErrorsBackend(routeID string) {
	c.IncCounter(fmt.Sprintf(KeyErrorsBackend, routeID))
}

func (c *CodaHale) MeasureDecision(direction, status string, start time.Time) {
	c.MeasureSince(fmt.Sprintf(KeyDecision, direction, status), start)
}

func (c *CodaHale) RegisterHandler(path string, mux *http.ServeMux) {
	mux.Handle(path, c.getHandler(path))
}

// CreateHandler returns a handler serving the values under path. The
// last segment of the request path selects a single value, or the
// values with that key prefix.
func (c *CodaHale) CreateHandler(path string) http.Handler {
	return &codaHaleHandler{path: path, registry: c.reg, prefix: c.options.Prefix}
}

func (c *CodaHale) getHandler(path string) http.Handler {
	if c.handler == nil {
		c.handler = c.CreateHandler(path)
	}

	return c.handler
}

type codaHaleHandler struct {
	path     string
	prefix   string
	registry metrics.Registry
}

func (h *codaHaleHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != "GET" && r.Method != "HEAD" {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	_, key := path.Split(strings.TrimPrefix(r.URL.Path, h.path))
	values := selectValues(h.registry, h.prefix, key)
	if len(values) == 0 {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(values)
}

func selectValues(reg metrics.Registry, prefix, key string) codaHaleValues {
	values := make(codaHaleValues)
	canonical := strings.TrimPrefix(key, prefix)
	if m := reg.Get(canonical); m != nil {
		values[key] = m
		return values
	}

	reg.Each(func(name string, m any) {
		if key == "" || strings.HasPrefix(name, canonical) {
			values[prefix+name] = m
		}
	})

	return values
}

type codaHaleValues map[string]any

type sampled interface {
	Count() int64
	Min() int64
	Max() int64
	Mean() float64
	StdDev() float64
	Percentiles([]float64) []float64
}

func sampleValues(s sampled) map[string]any {
	ps := s.Percentiles(percentiles)
	return map[string]any{
		"count":  s.Count(),
		"min":    s.Min(),
		"max":    s.Max(),
		"mean":   s.Mean(),
		"stddev": s.StdDev(),
		"median": ps[0],
		"75%":    ps[1],
		"95%":    ps[2],
		"99%":    ps[3],
		"99.9%":  ps[4],
	}
}

func (cv codaHaleValues) MarshalJSON() ([]byte, error) {
	families := make(map[string]map[string]any)
	add := func(family, name string, v map[string]any) {
		if families[family] == nil {
			families[family] = make(map[string]any)
		}

		families[family][name] = v
	}

	for name, metric := range cv {
		switch m := metric.(type) {
		case metrics.Gauge:
			add("gauges", name, map[string]any{"value": m.Value()})
		case metrics.GaugeFloat64:
			add("gauges", name, map[string]any{"value": m.Snapshot().Value()})
		case metrics.Histogram:
			add("histograms", name, sampleValues(m.Snapshot()))
		case metrics.Timer:
			t := m.Snapshot()
			v := sampleValues(t)
			v["1m.rate"] = t.Rate1()
			v["5m.rate"] = t.Rate5()
			v["15m.rate"] = t.Rate15()
			v["mean.rate"] = t.RateMean()
			add("timers", name, v)
		case metrics.Counter:
			add("counters", name, map[string]any{"count": m.Snapshot().Count()})
		default:
			add("unknown", name, map[string]any{"error": fmt.Sprintf("unknown metrics type %T", m)})
		}
	}

	return json.Marshal(families)
}

package metrics

import (
	"net/http"
	"time"
)

// All collects every value with both the Prometheus and the CodaHale
// backends. The handler serves the CodaHale JSON format when it is
// requested with the Accept header application/codahale+json, and the
// Prometheus format otherwise.
type All struct {
	prometheus *Prometheus
	codaHale   *CodaHale
	backends   []Metrics
}

func NewAll(o Options) *All {
	p, c := NewPrometheus(o), NewCodaHale(o)
	return &All{prometheus: p, codaHale: c, backends: []Metrics{p, c}}
}

func (a *All) each(f func(Metrics)) {
	for _, b := range a.backends {
		f(b)
	}
}

func (a *All) MeasureSince(key string, start time.Time) {
	a.each(func(m Metrics) { m.MeasureSince(key, start) })
}

func (a *All) IncCounter(key string) {
	a.each(func(m Metrics) { m.IncCounter(key) })
}

func (a *All) IncCounterBy(key string, value int64) {
	a.each(func(m Metrics) { m.IncCounterBy(key, value) })
}

func (a *All) UpdateGauge(key string, v float64) {
	a.each(func(m Metrics) { m.UpdateGauge(key, v) })
}

func (a *All) MeasureResponse(code int, method string, routeID string, start time.Time) {
	a.each(func(m Metrics) { m.MeasureResponse(code, method, routeID, start) })
}

func (a *All) MeasureBackend(routeID string, start time.Time) {
	a.each(func(m Metrics) { m.MeasureBackend(routeID, start) })
}

func (a *All) IncErrorsBackend(routeID string) {
	a.each(func(m Metrics) { m.IncErrorsBackend(routeID) })
}

func (a *All) MeasureDecision(direction, status string, start time.Time) {
	a.each(func(m Metrics) { m.MeasureDecision(direction, status, start) })
}

func (a *All) RegisterHandler(path string, mux *http.ServeMux) {
	prom, coda := a.prometheus.getHandler(), a.codaHale.getHandler(path)
	mux.Handle(path, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") == "application/codahale+json" {
			coda.ServeHTTP(w, r)
			return
		}

		prom.ServeHTTP(w, r)
	}))
}

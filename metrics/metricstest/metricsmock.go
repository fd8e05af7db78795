// Package metricstest provides an in-memory metrics.Metrics for tests.
package metricstest

import (
	"fmt"
	"maps"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/zalando/mgw/metrics"
)

type MockMetrics struct {
	Prefix string

	mu sync.Mutex

	// Metrics gathering
	counters map[string]int64
	gauges   map[string]float64
	measures map[string][]time.Duration
	Now      time.Time
}

var _ metrics.Metrics = (*MockMetrics)(nil)

//
// Public thread safe access to metrics
//

func (m *MockMetrics) WithCounters(f func(counters map[string]int64)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counters == nil {
		m.counters = make(map[string]int64)
	}
	f(m.counters)
}

func (m *MockMetrics) WithMeasures(f func(measures map[string][]time.Duration)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.measures == nil {
		m.measures = make(map[string][]time.Duration)
	}
	f(m.measures)
}

func (m *MockMetrics) WithGauges(f func(map[string]float64)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gauges == nil {
		m.gauges = make(map[string]float64)
	}

	f(m.gauges)
}

func (m *MockMetrics) since(start time.Time) time.Duration {
	now := m.Now
	if now.IsZero() {
		now = time.Now()
	}

	return now.Sub(start)
}

//
// Interface Metrics
//

func (m *MockMetrics) MeasureSince(key string, start time.Time) {
	d := m.since(start)
	key = m.Prefix + key
	m.WithMeasures(func(measures map[string][]time.Duration) {
		measures[key] = append(measures[key], d)
	})
}

func (m *MockMetrics) IncCounter(key string) {
	m.IncCounterBy(key, 1)
}

func (m *MockMetrics) IncCounterBy(key string, value int64) {
	key = m.Prefix + key
	m.WithCounters(func(counters map[string]int64) {
		counters[key] += value
	})
}

func (m *MockMetrics) UpdateGauge(key string, value float64) {
	key = m.Prefix + key
	m.WithGauges(func(g map[string]float64) {
		g[key] = value
	})
}

func (m *MockMetrics) MeasureResponse(code int, method string, routeID string, start time.Time) {
	d := m.since(start)
	m.WithMeasures(func(measures map[string][]time.Duration) {
		key := fmt.Sprintf(metrics.KeyResponseCombined, code, method)
		measures[key] = append(measures[key], d)
		key = fmt.Sprintf(metrics.KeyResponse, code, method, routeID)
		measures[key] = append(measures[key], d)
	})
}

func (m *MockMetrics) MeasureBackend(routeID string, start time.Time) {
	d := m.since(start)
	key := fmt.Sprintf(metrics.KeyProxyBackend, routeID)
	m.WithMeasures(func(measures map[string][]time.Duration) {
		measures[key] = append(measures[key], d)
	})
}

func (m *MockMetrics) IncErrorsBackend(routeID string) {
	m.WithCounters(func(counters map[string]int64) {
		counters[fmt.Sprintf(metrics.KeyErrorsBackend, routeID)]++
	})
}

func (m *MockMetrics) MeasureDecision(direction, status string, start time.Time) {
	m.MeasureSince(fmt.Sprintf(metrics.KeyDecision, direction, status), start)
}

// RegisterHandler serves the counters as plain text lines of key and
// value.
func (m *MockMetrics) RegisterHandler(path string, mux *http.ServeMux) {
	mux.HandleFunc(path, func(w http.ResponseWriter, _ *http.Request) {
		m.WithCounters(func(counters map[string]int64) {
			for _, k := range slices.Sorted(maps.Keys(counters)) {
				fmt.Fprintf(w, "%s %d\n", k, counters[k])
			}
		})
	})
}

// Counter returns the value of a counter. Missing counters read as zero.
func (m *MockMetrics) Counter(key string) (v int64, ok bool) {
	m.WithCounters(func(c map[string]int64) {
		v, ok = c[key]
	})

	return
}

func (m *MockMetrics) Gauge(key string) (v float64, ok bool) {
	m.WithGauges(func(g map[string]float64) {
		v, ok = g[key]
	})

	return
}

func (m *MockMetrics) Timer(key string) (d []time.Duration, ok bool) {
	m.WithMeasures(func(measures map[string][]time.Duration) {
		d, ok = measures[key]
	})

	return
}

func (m *MockMetrics) Measure(key string) ([]time.Duration, bool) {
	return m.Timer(key)
}

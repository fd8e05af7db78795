package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/zalando/mgw/metrics"
)

func TestPrometheusMetrics(t *testing.T) {
	tests := []struct {
		name       string
		opts       metrics.Options
		addMetrics func(*metrics.Prometheus)
		expMetrics []string
		expCode    int
	}{
		{
			name: "Incrementing the backend failures should get the total of backend failures.",
			addMetrics: func(pm *metrics.Prometheus) {
				pm.IncErrorsBackend("route1")
				pm.IncErrorsBackend("route2")
				pm.IncErrorsBackend("route1")
			},
			expMetrics: []string{
				`mgw_backend_error_total{route="route1"} 2`,
				`mgw_backend_error_total{route="route2"} 1`,
			},
			expCode: http.StatusOK,
		},
		{
			name: "Measuring the backend should get the duration of the backend per route.",
			addMetrics: func(pm *metrics.Prometheus) {
				pm.MeasureBackend("route1", time.Now().Add(-15*time.Millisecond))
				pm.MeasureBackend("route1", time.Now().Add(-3*time.Millisecond))
			},
			expMetrics: []string{
				`mgw_backend_duration_seconds_bucket{route="route1",le="0.005"} 1`,
				`mgw_backend_duration_seconds_bucket{route="route1",le="0.025"} 2`,
				`mgw_backend_duration_seconds_bucket{route="route1",le="+Inf"} 2`,
				`mgw_backend_duration_seconds_count{route="route1"} 2`,
			},
			expCode: http.StatusOK,
		},
		{
			name: "Measuring the responses should get the duration by code, method and route.",
			addMetrics: func(pm *metrics.Prometheus) {
				pm.MeasureResponse(403, "GET", "route1", time.Now().Add(-15*time.Millisecond))
				pm.MeasureResponse(200, "BREW", "route2", time.Now().Add(-3*time.Millisecond))
			},
			expMetrics: []string{
				`mgw_response_duration_seconds_bucket{code="403",method="GET",route="route1",le="0.01"} 0`,
				`mgw_response_duration_seconds_bucket{code="403",method="GET",route="route1",le="0.025"} 1`,
				`mgw_response_duration_seconds_count{code="403",method="GET",route="route1"} 1`,
				`mgw_response_duration_seconds_count{code="200",method="_unknownmethod_",route="route2"} 1`,
			},
			expCode: http.StatusOK,
		},
		{
			name: "Measuring the decisions should get the duration by direction and status.",
			addMetrics: func(pm *metrics.Prometheus) {
				pm.MeasureDecision("request", "ok", time.Now().Add(-3*time.Millisecond))
				pm.MeasureDecision("response", "error", time.Now().Add(-15*time.Millisecond))
			},
			expMetrics: []string{
				`mgw_decision_duration_seconds_bucket{direction="request",status="ok",le="0.005"} 1`,
				`mgw_decision_duration_seconds_count{direction="request",status="ok"} 1`,
				`mgw_decision_duration_seconds_bucket{direction="response",status="error",le="0.01"} 0`,
				`mgw_decision_duration_seconds_count{direction="response",status="error"} 1`,
			},
			expCode: http.StatusOK,
		},
		{
			name: "Measuring custom metrics, should measure custom metrics latency.",
			addMetrics: func(pm *metrics.Prometheus) {
				pm.MeasureSince("key1", time.Now().Add(-15*time.Millisecond))
				pm.MeasureSince("key2", time.Now().Add(-3*time.Millisecond))
			},
			expMetrics: []string{
				`mgw_custom_duration_seconds_bucket{key="key1",le="0.01"} 0`,
				`mgw_custom_duration_seconds_bucket{key="key1",le="0.025"} 1`,
				`mgw_custom_duration_seconds_count{key="key1"} 1`,
				`mgw_custom_duration_seconds_bucket{key="key2",le="0.005"} 1`,
				`mgw_custom_duration_seconds_count{key="key2"} 1`,
			},
			expCode: http.StatusOK,
		},
		{
			name: "Incrementing the custom metric counter should get the total custom metrics.",
			addMetrics: func(pm *metrics.Prometheus) {
				pm.IncCounter("key1")
				pm.IncCounter("key2")
				pm.IncCounterBy("key1", 2)
			},
			expMetrics: []string{
				`mgw_custom_total{key="key1"} 3`,
				`mgw_custom_total{key="key2"} 1`,
			},
			expCode: http.StatusOK,
		},
		{
			name: "Updating a gauge should get the last value.",
			addMetrics: func(pm *metrics.Prometheus) {
				pm.UpdateGauge("key1", 4)
				pm.UpdateGauge("key1", 2)
			},
			expMetrics: []string{
				`mgw_custom_gauges{key="key1"} 2`,
			},
			expCode: http.StatusOK,
		},
		{
			name: "Using a prefix should replace the namespace.",
			opts: metrics.Options{Prefix: "edge."},
			addMetrics: func(pm *metrics.Prometheus) {
				pm.IncCounter("key1")
			},
			expMetrics: []string{
				`edge_custom_total{key="key1"} 1`,
			},
			expCode: http.StatusOK,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			pm := metrics.NewPrometheus(test.opts)
			path := "/awesome-metrics"

			mux := http.NewServeMux()
			pm.RegisterHandler(path, mux)

			test.addMetrics(pm)

			req := httptest.NewRequest("GET", path, nil)
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)

			resp := w.Result()
			if test.expCode != resp.StatusCode {
				t.Errorf("metrics service returned an incorrect status code, should be: %d, got: %d", test.expCode, resp.StatusCode)
			} else {
				body, _ := io.ReadAll(resp.Body)
				for _, expMetric := range test.expMetrics {
					if ok := strings.Contains(string(body), expMetric); !ok {
						t.Errorf("'%s' metric not present on the result of metrics service", expMetric)
					}
				}
			}
		})
	}
}

func TestAllKindHandler(t *testing.T) {
	m := metrics.NewMetrics(metrics.Options{Format: metrics.AllKind})
	m.IncCounter("key1")

	mux := http.NewServeMux()
	m.RegisterHandler("/metrics", mux)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(w.Body.String(), `mgw_custom_total{key="key1"} 1`) {
		t.Errorf("prometheus format expected, got: %s", w.Body.String())
	}

	req := httptest.NewRequest("GET", "/metrics", nil)
	req.Header.Set("Accept", "application/codahale+json")
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	if !strings.Contains(w.Body.String(), `"counters"`) {
		t.Errorf("codahale format expected, got: %s", w.Body.String())
	}
}

func TestParseMetricsKind(t *testing.T) {
	for s, k := range map[string]metrics.Kind{
		"codahale":            metrics.CodaHaleKind,
		"Prometheus":          metrics.PrometheusKind,
		"codahale,prometheus": metrics.AllKind,
		"foo":                 metrics.UnknownKind,
	} {
		if got := metrics.ParseMetricsKind(s); got != k {
			t.Errorf("%q: expected %v, got %v", s, k, got)
		}
	}
}

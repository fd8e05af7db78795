package routing

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zalando/mgw/pipeline"
)

type testFactory struct{}

func (testFactory) Name() string                        { return "test.filter" }
func (testFactory) CreateFilter() pipeline.StreamFilter { return &pipeline.PassThroughFilter{} }

func (testFactory) ParseRouteConfig(raw json.RawMessage) (any, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}

	if _, ok := m["invalid"]; ok {
		return nil, errors.New("invalid test config")
	}

	return m, nil
}

func testRegistry() pipeline.Registry {
	r := make(pipeline.Registry)
	r.Register(testFactory{})
	return r
}

const testTable = `
clusters:
- name: backend
  address: http://127.0.0.1:8080
- name: canary
  address: https://canary.example.org
virtual_hosts:
- name: api
  domains: [api.example.org, "*.api.example.org"]
  typed_per_filter_config:
    test.filter: {level: vhost}
  routes:
  - name: health
    match: {path: /health}
    direct_response: {status: 200, body: ok}
  - name: admin
    match:
      prefix: /orders
      headers:
      - {name: x-role, exact: admin}
    route: {cluster: canary}
  - name: orders
    match: {prefix: /orders}
    route:
      cluster: backend
      prefix_rewrite: /v1/orders
      timeout: 5s
    typed_per_filter_config:
      test.filter: {level: route}
  - name: split
    match: {prefix: /split}
    route:
      weighted_clusters:
        clusters:
        - name: backend
          weight: 0
        - name: canary
          weight: 10
          typed_per_filter_config:
            test.filter: {level: cluster}
- name: wildcard
  domains: ["www.*"]
  routes:
  - name: www
    match: {prefix: /}
    route: {cluster: backend}
- name: default
  domains: ["*"]
  routes:
  - name: default
    match: {prefix: /}
    route: {cluster: backend}
`

func newTestTable(t *testing.T) *Table {
	f, err := ParseFile([]byte(testTable))
	require.NoError(t, err)

	tbl, err := NewTable(f, testRegistry())
	require.NoError(t, err)
	return tbl
}

func requestHeaders(authority, path string, kv ...string) pipeline.HeaderMap {
	h := pipeline.NewHeaders()
	h.Add(pipeline.MethodHeader, "GET")
	h.Add(pipeline.AuthorityHeader, authority)
	h.Add(pipeline.PathHeader, path)
	for i := 0; i < len(kv); i += 2 {
		h.Add(kv[i], kv[i+1])
	}

	return h
}

func TestRoute(t *testing.T) {
	tbl := newTestTable(t)
	for _, tt := range []struct {
		name      string
		headers   pipeline.HeaderMap
		wantRoute string
		cluster   string
	}{{
		name:      "exact path",
		headers:   requestHeaders("api.example.org", "/health?verbose"),
		wantRoute: "health",
	}, {
		name:      "prefix",
		headers:   requestHeaders("api.example.org", "/orders/42"),
		wantRoute: "orders",
		cluster:   "backend",
	}, {
		name:      "header match",
		headers:   requestHeaders("api.example.org", "/orders/42", "x-role", "admin"),
		wantRoute: "admin",
		cluster:   "canary",
	}, {
		name:      "header mismatch",
		headers:   requestHeaders("api.example.org", "/orders/42", "x-role", "user"),
		wantRoute: "orders",
		cluster:   "backend",
	}, {
		name:      "host with port",
		headers:   requestHeaders("API.example.org:9090", "/orders"),
		wantRoute: "orders",
		cluster:   "backend",
	}, {
		name:      "suffix wildcard",
		headers:   requestHeaders("eu.api.example.org", "/orders"),
		wantRoute: "orders",
		cluster:   "backend",
	}, {
		name:      "prefix wildcard",
		headers:   requestHeaders("www.example.org", "/"),
		wantRoute: "www",
		cluster:   "backend",
	}, {
		name:      "fallback",
		headers:   requestHeaders("other.example.org", "/"),
		wantRoute: "default",
		cluster:   "backend",
	}, {
		name:      "zero weight cluster never selected",
		headers:   requestHeaders("api.example.org", "/split"),
		wantRoute: "split",
		cluster:   "canary",
	}} {
		t.Run(tt.name, func(t *testing.T) {
			m, err := tbl.Route(tt.headers)
			require.NoError(t, err)
			assert.Equal(t, tt.wantRoute, m.Name())
			if tt.cluster == "" {
				assert.Nil(t, m.RouteEntry())
				assert.NotNil(t, m.DirectResponse())
				return
			}

			require.NotNil(t, m.RouteEntry())
			assert.Equal(t, tt.cluster, m.RouteEntry().ClusterName())
			assert.Equal(t, tt.cluster, m.Cluster().Name())
		})
	}
}

func TestNoRoute(t *testing.T) {
	f, err := ParseFile([]byte(`
clusters:
- {name: backend, address: "http://127.0.0.1:8080"}
virtual_hosts:
- name: api
  domains: [api.example.org]
  routes:
  - {name: orders, match: {prefix: /orders}, route: {cluster: backend}}
`))
	require.NoError(t, err)

	tbl, err := NewTable(f, nil)
	require.NoError(t, err)

	_, err = tbl.Route(requestHeaders("other.example.org", "/orders"))
	assert.ErrorIs(t, err, ErrNoRoute)

	_, err = tbl.Route(requestHeaders("api.example.org", "/users"))
	assert.ErrorIs(t, err, ErrNoRoute)
}

func TestPerFilterConfig(t *testing.T) {
	tbl := newTestTable(t)

	m, err := tbl.Route(requestHeaders("api.example.org", "/orders"))
	require.NoError(t, err)
	assert.Equal(t, []any{
		map[string]any{"level": "vhost"},
		map[string]any{"level": "route"},
	}, m.PerFilterConfig("test.filter"))
	assert.Empty(t, m.PerFilterConfig("other.filter"))
	assert.Equal(t, map[string]any{"level": "route"}, pipeline.MostSpecificPerFilterConfig(m, "test.filter"))

	m, err = tbl.Route(requestHeaders("api.example.org", "/split"))
	require.NoError(t, err)
	assert.Equal(t, []any{
		map[string]any{"level": "vhost"},
		map[string]any{"level": "cluster"},
	}, m.PerFilterConfig("test.filter"))

	m, err = tbl.Route(requestHeaders("www.example.org", "/"))
	require.NoError(t, err)
	assert.Empty(t, m.PerFilterConfig("test.filter"))
}

func TestMatchDetails(t *testing.T) {
	tbl := newTestTable(t)

	m, err := tbl.Route(requestHeaders("api.example.org", "/orders/42"))
	require.NoError(t, err)
	assert.Equal(t, "/v1/orders/42", m.UpstreamPath("/orders/42"))
	assert.Equal(t, 5*time.Second, m.Timeout())
	assert.Equal(t, "127.0.0.1:8080", m.Cluster().URL().Host)

	m, err = tbl.Route(requestHeaders("www.example.org", "/foo"))
	require.NoError(t, err)
	assert.Equal(t, "/foo", m.UpstreamPath("/foo"))

	m, err = tbl.Route(requestHeaders("api.example.org", "/health"))
	require.NoError(t, err)
	assert.Equal(t, &DirectResponse{Status: 200, Body: "ok"}, m.DirectResponse())

	c, ok := tbl.Cluster("canary")
	require.True(t, ok)
	assert.Equal(t, "https", c.URL().Scheme)

	_, ok = tbl.Cluster("missing")
	assert.False(t, ok)
}

func TestNewTableInvalid(t *testing.T) {
	for _, tt := range []struct {
		name string
		doc  string
	}{{
		name: "unknown field",
		doc:  "virtual_host: []",
	}, {
		name: "invalid cluster address",
		doc:  "clusters: [{name: backend, address: 'ftp://backend'}]",
	}, {
		name: "duplicate cluster",
		doc:  "clusters: [{name: b, address: 'http://b'}, {name: b, address: 'http://c'}]",
	}, {
		name: "missing domains",
		doc:  "virtual_hosts: [{name: api}]",
	}, {
		name: "duplicate domain",
		doc:  "virtual_hosts: [{name: a, domains: [x]}, {name: b, domains: [X]}]",
	}, {
		name: "unknown cluster",
		doc:  "virtual_hosts: [{name: a, domains: [x], routes: [{name: r, route: {cluster: missing}}]}]",
	}, {
		name: "route and direct response",
		doc: `
clusters: [{name: b, address: 'http://b'}]
virtual_hosts: [{name: a, domains: [x], routes: [{name: r, route: {cluster: b}, direct_response: {status: 200}}]}]`,
	}, {
		name: "invalid direct response status",
		doc:  "virtual_hosts: [{name: a, domains: [x], routes: [{name: r, direct_response: {status: 99}}]}]",
	}, {
		name: "path and prefix",
		doc:  "virtual_hosts: [{name: a, domains: [x], routes: [{name: r, match: {path: /a, prefix: /b}, direct_response: {status: 200}}]}]",
	}, {
		name: "zero weights",
		doc: `
clusters: [{name: b, address: 'http://b'}]
virtual_hosts: [{name: a, domains: [x], routes: [{name: r, route: {weighted_clusters: {clusters: [{name: b}]}}}]}]`,
	}, {
		name: "unknown filter",
		doc:  "virtual_hosts: [{name: a, domains: [x], typed_per_filter_config: {unknown.filter: {}}}]",
	}, {
		name: "invalid filter config",
		doc:  "virtual_hosts: [{name: a, domains: [x], typed_per_filter_config: {test.filter: {invalid: true}}}]",
	}} {
		t.Run(tt.name, func(t *testing.T) {
			f, err := ParseFile([]byte(tt.doc))
			if err == nil {
				_, err = NewTable(f, testRegistry())
			}

			assert.ErrorIs(t, err, ErrInvalidRouteConfig)
		})
	}
}

func TestGRPCTarget(t *testing.T) {
	f, err := ParseFile([]byte(`
clusters:
- {name: decision, address: "http://decision:9001"}
- {name: secure, address: "https://decision.example.org"}
- {name: plain, address: "http://decision"}
- {name: broken, address: "decision:9001"}
`))
	require.NoError(t, err)

	for cluster, want := range map[string]string{
		"decision": "dns:///decision:9001",
		"secure":   "dns:///decision.example.org:443",
		"plain":    "dns:///decision:80",
	} {
		target, ok := f.GRPCTarget(cluster)
		assert.True(t, ok, cluster)
		assert.Equal(t, want, target, cluster)
	}

	_, ok := f.GRPCTarget("broken")
	assert.False(t, ok)

	_, ok = f.GRPCTarget("missing")
	assert.False(t, ok)
}

package routing

import (
	"cmp"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/zalando/mgw/pipeline"
)

// Cluster is an upstream the routes forward to.
type Cluster struct {
	name string
	url  *url.URL
}

var _ pipeline.ClusterInfo = (*Cluster)(nil)

func (c *Cluster) Name() string  { return c.name }
func (c *Cluster) URL() *url.URL { return c.url }

// DirectResponse is the reply of routes answered by the pipeline.
type DirectResponse struct {
	Status int
	Body   string
}

type headerMatcher struct {
	name, exact string
}

type weightedCluster struct {
	cluster *Cluster
	weight  uint32
	configs map[string]any
}

type virtualHost struct {
	name    string
	routes  []*route
	configs map[string]any
}

type route struct {
	name          string
	vhost         *virtualHost
	prefix        string
	path          string
	headers       []headerMatcher
	cluster       *Cluster
	weighted      []weightedCluster
	totalWeight   uint32
	prefixRewrite string
	timeout       time.Duration
	direct        *DirectResponse
	configs       map[string]any
}

type wildcardHost struct {
	pattern string
	vhost   *virtualHost
}

// Table is an immutable, validated route table.
type Table struct {
	clusters map[string]*Cluster
	exact    map[string]*virtualHost
	suffix   []wildcardHost
	prefix   []wildcardHost
	fallback *virtualHost
}

// Match is the route selected for a request.
type Match struct {
	route   *route
	cluster *Cluster
	configs map[string]any
}

var _ pipeline.Route = (*Match)(nil)

func (m *Match) Name() string { return m.route.name }

// RouteEntry returns nil for direct responses.
func (m *Match) RouteEntry() pipeline.RouteEntry {
	if m.cluster == nil {
		return nil
	}

	return m
}

func (m *Match) ClusterName() string             { return m.cluster.name }
func (m *Match) Cluster() *Cluster               { return m.cluster }
func (m *Match) DirectResponse() *DirectResponse { return m.route.direct }
func (m *Match) Timeout() time.Duration          { return m.route.timeout }

// PerFilterConfig returns the configurations of the virtual host, the
// route and the selected weighted cluster, in this order.
func (m *Match) PerFilterConfig(name string) []any {
	var c []any
	for _, level := range []map[string]any{m.route.vhost.configs, m.route.configs, m.configs} {
		if v, ok := level[name]; ok {
			c = append(c, v)
		}
	}

	return c
}

// UpstreamPath applies the prefix rewrite of the route to a request
// path.
func (m *Match) UpstreamPath(p string) string {
	if m.route.prefixRewrite == "" || m.route.prefix == "" {
		return p
	}

	return m.route.prefixRewrite + strings.TrimPrefix(p, m.route.prefix)
}

func parseFilterConfigs(r pipeline.Registry, where string, defs FilterConfigs) (map[string]any, error) {
	if len(defs) == 0 {
		return nil, nil
	}

	configs := make(map[string]any, len(defs))
	for name, def := range defs {
		raw, err := filterConfigJSON(def)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: filter %s: %w", ErrInvalidRouteConfig, where, name, err)
		}

		c, err := r.ParseRouteConfig(name, json.RawMessage(raw))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: filter %s: %w", ErrInvalidRouteConfig, where, name, err)
		}

		configs[name] = c
	}

	return configs, nil
}

// NewTable validates a route table document and parses the per route
// filter configurations with the factories of the registry.
func NewTable(f *File, r pipeline.Registry) (*Table, error) {
	t := &Table{
		clusters: make(map[string]*Cluster),
		exact:    make(map[string]*virtualHost),
	}

	for _, c := range f.Clusters {
		if c.Name == "" {
			return nil, fmt.Errorf("%w: cluster without name", ErrInvalidRouteConfig)
		}

		if _, ok := t.clusters[c.Name]; ok {
			return nil, fmt.Errorf("%w: duplicate cluster %s", ErrInvalidRouteConfig, c.Name)
		}

		u, err := parseAddress(c.Address)
		if err != nil {
			return nil, fmt.Errorf("%w: cluster %s: %w", ErrInvalidRouteConfig, c.Name, err)
		}

		t.clusters[c.Name] = &Cluster{name: c.Name, url: u}
	}

	domains := make(map[string]bool)
	for _, vd := range f.VirtualHosts {
		vh, err := t.newVirtualHost(vd, r)
		if err != nil {
			return nil, err
		}

		if len(vd.Domains) == 0 {
			return nil, fmt.Errorf("%w: virtual host %s without domains", ErrInvalidRouteConfig, vd.Name)
		}

		for _, d := range vd.Domains {
			d = strings.ToLower(d)
			if domains[d] {
				return nil, fmt.Errorf("%w: duplicate domain %s", ErrInvalidRouteConfig, d)
			}

			domains[d] = true
			switch {
			case d == "*":
				t.fallback = vh
			case strings.HasPrefix(d, "*"):
				t.suffix = append(t.suffix, wildcardHost{pattern: d[1:], vhost: vh})
			case strings.HasSuffix(d, "*"):
				t.prefix = append(t.prefix, wildcardHost{pattern: d[:len(d)-1], vhost: vh})
			default:
				t.exact[d] = vh
			}
		}
	}

	longestFirst := func(a, b wildcardHost) int { return cmp.Compare(len(b.pattern), len(a.pattern)) }
	slices.SortStableFunc(t.suffix, longestFirst)
	slices.SortStableFunc(t.prefix, longestFirst)
	return t, nil
}

func (t *Table) newVirtualHost(vd *VirtualHostDef, r pipeline.Registry) (*virtualHost, error) {
	configs, err := parseFilterConfigs(r, "virtual host "+vd.Name, vd.TypedPerFilterConfig)
	if err != nil {
		return nil, err
	}

	vh := &virtualHost{name: vd.Name, configs: configs}
	for _, rd := range vd.Routes {
		rt, err := t.newRoute(vh, rd, r)
		if err != nil {
			return nil, err
		}

		vh.routes = append(vh.routes, rt)
	}

	return vh, nil
}

func (t *Table) newRoute(vh *virtualHost, rd *RouteDef, r pipeline.Registry) (*route, error) {
	where := fmt.Sprintf("virtual host %s: route %s", vh.name, rd.Name)
	if (rd.Route == nil) == (rd.DirectResponse == nil) {
		return nil, fmt.Errorf("%w: %s: exactly one of route and direct_response is required", ErrInvalidRouteConfig, where)
	}

	if rd.Match.Path != "" && rd.Match.Prefix != "" {
		return nil, fmt.Errorf("%w: %s: path and prefix are exclusive", ErrInvalidRouteConfig, where)
	}

	configs, err := parseFilterConfigs(r, where, rd.TypedPerFilterConfig)
	if err != nil {
		return nil, err
	}

	rt := &route{
		name:    rd.Name,
		vhost:   vh,
		prefix:  rd.Match.Prefix,
		path:    rd.Match.Path,
		configs: configs,
	}

	for _, h := range rd.Match.Headers {
		if h.Name == "" {
			return nil, fmt.Errorf("%w: %s: header matcher without name", ErrInvalidRouteConfig, where)
		}

		rt.headers = append(rt.headers, headerMatcher{name: strings.ToLower(h.Name), exact: h.Exact})
	}

	if d := rd.DirectResponse; d != nil {
		if d.Status < 200 || d.Status > 599 {
			return nil, fmt.Errorf("%w: %s: invalid status %d", ErrInvalidRouteConfig, where, d.Status)
		}

		rt.direct = &DirectResponse{Status: d.Status, Body: d.Body}
		return rt, nil
	}

	a := rd.Route
	rt.prefixRewrite = a.PrefixRewrite
	rt.timeout = a.Timeout
	if (a.Cluster == "") == (a.WeightedClusters == nil) {
		return nil, fmt.Errorf("%w: %s: exactly one of cluster and weighted_clusters is required", ErrInvalidRouteConfig, where)
	}

	if a.Cluster != "" {
		c, ok := t.clusters[a.Cluster]
		if !ok {
			return nil, fmt.Errorf("%w: %s: unknown cluster %s", ErrInvalidRouteConfig, where, a.Cluster)
		}

		rt.cluster = c
		return rt, nil
	}

	for _, wd := range a.WeightedClusters.Clusters {
		c, ok := t.clusters[wd.Name]
		if !ok {
			return nil, fmt.Errorf("%w: %s: unknown cluster %s", ErrInvalidRouteConfig, where, wd.Name)
		}

		configs, err := parseFilterConfigs(r, where+": cluster "+wd.Name, wd.TypedPerFilterConfig)
		if err != nil {
			return nil, err
		}

		rt.weighted = append(rt.weighted, weightedCluster{cluster: c, weight: wd.Weight, configs: configs})
		rt.totalWeight += wd.Weight
	}

	if rt.totalWeight == 0 {
		return nil, fmt.Errorf("%w: %s: the weights of the clusters sum up to zero", ErrInvalidRouteConfig, where)
	}

	return rt, nil
}

// Cluster returns the named cluster.
func (t *Table) Cluster(name string) (*Cluster, bool) {
	c, ok := t.clusters[name]
	return c, ok
}

func (t *Table) virtualHost(authority string) *virtualHost {
	host := strings.ToLower(authority)
	if vh, ok := t.exact[host]; ok {
		return vh
	}

	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
		if vh, ok := t.exact[host]; ok {
			return vh
		}
	}

	for _, w := range t.suffix {
		if len(host) > len(w.pattern) && strings.HasSuffix(host, w.pattern) {
			return w.vhost
		}
	}

	for _, w := range t.prefix {
		if len(host) > len(w.pattern) && strings.HasPrefix(host, w.pattern) {
			return w.vhost
		}
	}

	return t.fallback
}

func (rt *route) match(p string, h pipeline.HeaderMap) bool {
	if rt.path != "" && p != rt.path || !strings.HasPrefix(p, rt.prefix) {
		return false
	}

	for _, hm := range rt.headers {
		v, ok := h.Get(hm.name)
		if !ok || hm.exact != "" && v != hm.exact {
			return false
		}
	}

	return true
}

func (rt *route) selectCluster() (*Cluster, map[string]any) {
	if rt.cluster != nil || len(rt.weighted) == 0 {
		return rt.cluster, nil
	}

	n := rand.Uint32N(rt.totalWeight)
	for _, w := range rt.weighted {
		if n < w.weight {
			return w.cluster, w.configs
		}

		n -= w.weight
	}

	last := rt.weighted[len(rt.weighted)-1]
	return last.cluster, last.configs
}

// Route selects the route of a request from its :authority and :path
// pseudo headers and its regular headers. The first matching route of
// the virtual host wins.
func (t *Table) Route(h pipeline.HeaderMap) (*Match, error) {
	authority, _ := h.Get(pipeline.AuthorityHeader)
	vh := t.virtualHost(authority)
	if vh == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoRoute, authority)
	}

	p, _ := h.Get(pipeline.PathHeader)
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}

	for _, rt := range vh.routes {
		if !rt.match(p, h) {
			continue
		}

		c, configs := rt.selectCluster()
		return &Match{route: rt, cluster: c, configs: configs}, nil
	}

	return nil, fmt.Errorf("%w: %s%s", ErrNoRoute, authority, p)
}

package routing

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v2"
	k8syaml "sigs.k8s.io/yaml"
)

// File is the route table document.
//
//	clusters:
//	- name: backend
//	  address: http://127.0.0.1:8080
//	virtual_hosts:
//	- name: api
//	  domains: ["api.example.org", "*.api.example.org"]
//	  typed_per_filter_config:
//	    envoy.filters.http.mgw:
//	      check_settings:
//	        context_extensions: {api: orders}
//	  routes:
//	  - name: orders
//	    match: {prefix: /orders}
//	    route: {cluster: backend, timeout: 5s}
//	  - name: health
//	    match: {path: /health}
//	    direct_response: {status: 200, body: ok}
type File struct {
	Clusters     []*ClusterDef     `yaml:"clusters"`
	VirtualHosts []*VirtualHostDef `yaml:"virtual_hosts"`
}

type ClusterDef struct {
	Name string `yaml:"name"`

	// Address is the base URL of the upstream, http or https.
	Address string `yaml:"address"`
}

// FilterConfigs holds the per route configurations of the filters, keyed
// by the filter name. The values are decoded by the filter factories.
type FilterConfigs map[string]interface{}

type VirtualHostDef struct {
	Name                 string        `yaml:"name"`
	Domains              []string      `yaml:"domains"`
	Routes               []*RouteDef   `yaml:"routes"`
	TypedPerFilterConfig FilterConfigs `yaml:"typed_per_filter_config"`
}

type RouteDef struct {
	Name                 string             `yaml:"name"`
	Match                MatchDef           `yaml:"match"`
	Route                *RouteActionDef    `yaml:"route"`
	DirectResponse       *DirectResponseDef `yaml:"direct_response"`
	TypedPerFilterConfig FilterConfigs      `yaml:"typed_per_filter_config"`
}

// MatchDef matches the path exactly when Path is set, otherwise by
// Prefix. Every header matcher must match too.
type MatchDef struct {
	Prefix  string            `yaml:"prefix"`
	Path    string            `yaml:"path"`
	Headers []*HeaderMatchDef `yaml:"headers"`
}

// HeaderMatchDef matches a header by its exact value, or by its presence
// when Exact is empty.
type HeaderMatchDef struct {
	Name  string `yaml:"name"`
	Exact string `yaml:"exact"`
}

type RouteActionDef struct {
	Cluster          string               `yaml:"cluster"`
	WeightedClusters *WeightedClustersDef `yaml:"weighted_clusters"`
	PrefixRewrite    string               `yaml:"prefix_rewrite"`
	Timeout          time.Duration        `yaml:"timeout"`
}

type WeightedClustersDef struct {
	Clusters []*WeightedClusterDef `yaml:"clusters"`
}

type WeightedClusterDef struct {
	Name                 string        `yaml:"name"`
	Weight               uint32        `yaml:"weight"`
	TypedPerFilterConfig FilterConfigs `yaml:"typed_per_filter_config"`
}

type DirectResponseDef struct {
	Status int    `yaml:"status"`
	Body   string `yaml:"body"`
}

// ParseFile parses a route table document. It only checks the syntax,
// the references are checked by NewTable.
func ParseFile(data []byte) (*File, error) {
	var f File
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRouteConfig, err)
	}

	return &f, nil
}

// LoadFile reads and parses a route table file.
func LoadFile(name string) (*File, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, err
	}

	return ParseFile(data)
}

// GRPCTarget returns the gRPC target of a cluster, resolved with the dns
// resolver of gRPC. It can be used to resolve the envoy_grpc decision
// services.
func (f *File) GRPCTarget(cluster string) (string, bool) {
	for _, c := range f.Clusters {
		if c.Name != cluster {
			continue
		}

		u, err := parseAddress(c.Address)
		if err != nil {
			return "", false
		}

		return "dns:///" + hostPort(u), true
	}

	return "", false
}

func parseAddress(address string) (*url.URL, error) {
	u, err := url.Parse(address)
	if err != nil {
		return nil, err
	}

	if u.Scheme != "http" && u.Scheme != "https" || u.Host == "" {
		return nil, fmt.Errorf("invalid cluster address: %s", address)
	}

	return u, nil
}

func hostPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}

	if u.Scheme == "https" {
		return net.JoinHostPort(u.Hostname(), "443")
	}

	return net.JoinHostPort(u.Hostname(), "80")
}

// filterConfigJSON converts a filter configuration decoded from YAML into
// the JSON expected by the filter factories.
func filterConfigJSON(v interface{}) ([]byte, error) {
	y, err := yaml.Marshal(v)
	if err != nil {
		return nil, err
	}

	return k8syaml.YAMLToJSON(y)
}

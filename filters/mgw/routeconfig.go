package mgw

import (
	"encoding/json"
	"fmt"
	"maps"

	extauthzv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/http/ext_authz/v3"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/zalando/mgw/pipeline"
)

// PerRouteConfig overrides the filter configuration on a virtual host, a
// route or a weighted cluster.
type PerRouteConfig struct {
	// ContextExtensions are sent to the decision service with every
	// check of the route.
	ContextExtensions map[string]string

	// Disabled turns off the interception on the route.
	Disabled bool
}

// NewPerRouteConfig converts an ExtAuthzPerRoute.
func NewPerRouteConfig(c *extauthzv3.ExtAuthzPerRoute) *PerRouteConfig {
	return &PerRouteConfig{
		ContextExtensions: maps.Clone(c.GetCheckSettings().GetContextExtensions()),
		Disabled:          c.GetDisabled(),
	}
}

// ParseRouteConfig decodes and validates a JSON ExtAuthzPerRoute, e.g.
// {"check_settings": {"context_extensions": {"api": "orders"}}} or
// {"disabled": true}.
func ParseRouteConfig(raw json.RawMessage) (*PerRouteConfig, error) {
	c := &extauthzv3.ExtAuthzPerRoute{}
	if err := protojson.Unmarshal(raw, c); err != nil {
		return nil, fmt.Errorf("%w: per route: %w", ErrInvalidConfig, err)
	}

	if err := c.ValidateAll(); err != nil {
		return nil, fmt.Errorf("%w: per route: %w", ErrInvalidConfig, err)
	}

	return NewPerRouteConfig(c), nil
}

// Merge applies a more specific configuration: Disabled is replaced, the
// context extensions of other overwrite the colliding keys.
func (c *PerRouteConfig) Merge(other *PerRouteConfig) {
	c.Disabled = other.Disabled
	if len(other.ContextExtensions) == 0 {
		return
	}

	if c.ContextExtensions == nil {
		c.ContextExtensions = make(map[string]string, len(other.ContextExtensions))
	}

	maps.Copy(c.ContextExtensions, other.ContextExtensions)
}

func routeConfigs(r pipeline.Route) []*PerRouteConfig {
	if r == nil {
		return nil
	}

	var configs []*PerRouteConfig
	for _, c := range r.PerFilterConfig(Name) {
		if rc, ok := c.(*PerRouteConfig); ok {
			configs = append(configs, rc)
		}
	}

	return configs
}

// mergedRouteConfig merges the levels of the route from the broadest to
// the most specific one. It returns nil when no level configures the
// filter.
func mergedRouteConfig(r pipeline.Route) *PerRouteConfig {
	configs := routeConfigs(r)
	if len(configs) == 0 {
		return nil
	}

	merged := &PerRouteConfig{}
	for _, c := range configs {
		merged.Merge(c)
	}

	return merged
}

// skipCheckForRoute reports whether a stream is not intercepted: it has no
// route, the route is not forwarded, or the most specific configuration
// disables the filter.
func skipCheckForRoute(r pipeline.Route) bool {
	if r == nil || r.RouteEntry() == nil {
		return true
	}

	if c, ok := pipeline.MostSpecificPerFilterConfig(r, Name).(*PerRouteConfig); ok {
		return c.Disabled
	}

	return false
}

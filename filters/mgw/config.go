package mgw

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"strconv"
	"time"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	extauthzv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/http/ext_authz/v3"
	typev3 "github.com/envoyproxy/go-control-plane/envoy/type/v3"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
	"sigs.k8s.io/yaml"

	mgwcommon "github.com/zalando/mgw/filters/common/mgw"
	"github.com/zalando/mgw/metrics"
	"github.com/zalando/mgw/pipeline"
)

// Name is the name of the filter in the registry and in the per route
// configurations.
const Name = "envoy.filters.http.mgw"

// ErrInvalidConfig is wrapped by the errors of the filter and per route
// configurations.
var ErrInvalidConfig = errors.New("invalid mgw configuration")

// Direction is the path of the stream intercepted by the filter.
type Direction int

const (
	RequestPath Direction = iota
	ResponsePath
)

func (d Direction) String() string {
	if d == ResponsePath {
		return "response"
	}

	return "request"
}

const (
	statOK                 = "ok"
	statDenied             = "denied"
	statError              = "error"
	statFailureModeAllowed = "failure_mode_allowed"
)

// Config holds the decision service configurations of the two
// directions. A nil direction is not intercepted.
//
// The YAML or JSON document has a request and a response block, each in
// the format of envoy.extensions.filters.http.ext_authz.v3.ExtAuthz:
//
//	request:
//	  grpc_service:
//	    google_grpc:
//	      target_uri: dns:///decision:9001
//	      stat_prefix: decision
//	    timeout: 0.5s
//	  with_request_body:
//	    max_request_bytes: 8192
//	    allow_partial_message: true
//	  failure_mode_allow: false
//	response:
//	  http_service:
//	    server_uri:
//	      uri: http://decision:9002
//	      cluster: decision
//	      timeout: 0.5s
type Config struct {
	Request  *extauthzv3.ExtAuthz
	Response *extauthzv3.ExtAuthz
}

// LoadConfig reads the configuration from a YAML or JSON file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return ParseConfig(data)
}

// ParseConfig parses and validates a YAML or JSON configuration.
func ParseConfig(data []byte) (*Config, error) {
	j, err := yaml.YAMLToJSON(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	var blocks map[string]json.RawMessage
	if err := json.Unmarshal(j, &blocks); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	for k := range blocks {
		if k != "request" && k != "response" {
			return nil, fmt.Errorf("%w: unknown block %q", ErrInvalidConfig, k)
		}
	}

	c := &Config{}
	if c.Request, err = parseExtAuthz(blocks["request"]); err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}

	if c.Response, err = parseExtAuthz(blocks["response"]); err != nil {
		return nil, fmt.Errorf("response: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}

func parseExtAuthz(raw json.RawMessage) (*extauthzv3.ExtAuthz, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	c := &extauthzv3.ExtAuthz{}
	if err := protojson.Unmarshal(raw, c); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	return c, nil
}

// Validate checks the configured directions.
func (c *Config) Validate() error {
	for _, d := range []struct {
		direction Direction
		config    *extauthzv3.ExtAuthz
	}{
		{RequestPath, c.Request},
		{ResponsePath, c.Response},
	} {
		if d.config == nil {
			continue
		}

		if err := d.config.ValidateAll(); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidConfig, d.direction, err)
		}

		if d.config.GetGrpcService() == nil && d.config.GetHttpService() == nil {
			return fmt.Errorf("%w: %s: missing grpc_service or http_service", ErrInvalidConfig, d.direction)
		}
	}

	return nil
}

// FilterConfig is the configuration of one direction, shared by all the
// streams.
type FilterConfig struct {
	Direction                 Direction
	AllowPartialMessage       bool
	FailureModeAllow          bool
	ClearRouteCache           bool
	MaxRequestBytes           uint32
	StatusOnError             int
	MetadataContextNamespaces []string
	IncludePeerCertificate    bool

	// FilterEnabled samples the streams that are intercepted. Nil
	// intercepts every stream.
	FilterEnabled *typev3.FractionalPercent

	stats stats
}

// NewFilterConfig creates the configuration of a direction.
func NewFilterConfig(d Direction, c *extauthzv3.ExtAuthz, m metrics.Metrics) *FilterConfig {
	return &FilterConfig{
		Direction:                 d,
		AllowPartialMessage:       c.GetWithRequestBody().GetAllowPartialMessage(),
		FailureModeAllow:          c.GetFailureModeAllow(),
		ClearRouteCache:           c.GetClearRouteCache(),
		MaxRequestBytes:           c.GetWithRequestBody().GetMaxRequestBytes(),
		StatusOnError:             toErrorCode(int(c.GetStatusOnError().GetCode())),
		MetadataContextNamespaces: c.GetMetadataContextNamespaces(),
		IncludePeerCertificate:    c.GetIncludePeerCertificate(),
		FilterEnabled:             c.GetFilterEnabled().GetDefaultValue(),
		stats:                     newStats(m, c.GetStatPrefix(), d),
	}
}

func toErrorCode(code int) int {
	if code >= 100 && code <= 511 {
		return code
	}

	return 403
}

func (c *FilterConfig) withBody() bool { return c.MaxRequestBytes > 0 }

// Enabled samples whether a stream is intercepted.
func (c *FilterConfig) Enabled() bool {
	if c.FilterEnabled == nil {
		return true
	}

	return sample(c.FilterEnabled)
}

func sample(p *typev3.FractionalPercent) bool {
	var d uint64
	switch p.GetDenominator() {
	case typev3.FractionalPercent_TEN_THOUSAND:
		d = 10_000
	case typev3.FractionalPercent_MILLION:
		d = 1_000_000
	default:
		d = 100
	}

	n := uint64(p.GetNumerator())
	if n >= d {
		return true
	}

	return rand.Uint64N(d) < n
}

// metadataContext copies the dynamic metadata of the configured
// namespaces.
func (c *FilterConfig) metadataContext(m *corev3.Metadata) *corev3.Metadata {
	mc := &corev3.Metadata{}
	for _, ns := range c.MetadataContextNamespaces {
		s, ok := m.GetFilterMetadata()[ns]
		if !ok {
			continue
		}

		if mc.FilterMetadata == nil {
			mc.FilterMetadata = make(map[string]*structpb.Struct)
		}

		mc.FilterMetadata[ns] = s
	}

	return mc
}

// stats are the counters of a direction:
//
//	mgw.[<stat_prefix>.]<direction>.ok|denied|error|failure_mode_allowed
//	cluster.<cluster>.mgw.ok|denied|error|failure_mode_allowed
//	cluster.<cluster>.upstream_rq_<code>
//	cluster.<cluster>.upstream_rq_<class>xx
type stats struct {
	metrics   metrics.Metrics
	prefix    string
	direction string
}

func newStats(m metrics.Metrics, statPrefix string, d Direction) stats {
	prefix := "mgw."
	if statPrefix != "" {
		prefix += statPrefix + "."
	}

	return stats{metrics: m, prefix: prefix + d.String() + ".", direction: d.String()}
}

// measure records the duration of a completed call.
func (s stats) measure(start time.Time, status mgwcommon.CheckStatus) {
	s.metrics.MeasureDecision(s.direction, status.String(), start)
}

func (s stats) inc(cluster pipeline.ClusterInfo, name string) {
	s.metrics.IncCounter(s.prefix + name)
	if cluster != nil {
		s.metrics.IncCounter("cluster." + cluster.Name() + ".mgw." + name)
	}
}

func (s stats) chargeResponse(cluster pipeline.ClusterInfo, code int) {
	if cluster == nil {
		return
	}

	s.metrics.IncCounter("cluster." + cluster.Name() + ".upstream_rq_" + strconv.Itoa(code))
	s.metrics.IncCounter("cluster." + cluster.Name() + ".upstream_rq_" + strconv.Itoa(code/100) + "xx")
}

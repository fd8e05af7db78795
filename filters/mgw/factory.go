package mgw

import (
	"encoding/json"
	"errors"
	"fmt"

	extauthzv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/http/ext_authz/v3"
	"github.com/opentracing/opentracing-go"
	"google.golang.org/grpc"

	"github.com/zalando/mgw/circuit"
	mgwcommon "github.com/zalando/mgw/filters/common/mgw"
	"github.com/zalando/mgw/logging"
	"github.com/zalando/mgw/metrics"
	"github.com/zalando/mgw/pipeline"
)

// ClusterResolver returns the gRPC target of a named cluster, used for
// the envoy_grpc services.
type ClusterResolver func(cluster string) (target string, ok bool)

// Option configures a Factory.
type Option func(*Factory)

// WithMetrics sets the sink of the filter counters.
func WithMetrics(m metrics.Metrics) Option {
	return func(f *Factory) { f.metrics = m }
}

// WithLogger sets the logger of the filters.
func WithLogger(l logging.Logger) Option {
	return func(f *Factory) { f.log = l }
}

// WithTracer sets the tracer used by the decision calls of streams
// without an active span.
func WithTracer(t opentracing.Tracer) Option {
	return func(f *Factory) { f.tracer = t }
}

// WithBreakers enables circuit breaking of the decision services.
func WithBreakers(r *circuit.Registry) Option {
	return func(f *Factory) { f.breakers = r }
}

// WithClusterResolver resolves the clusters of the envoy_grpc services.
func WithClusterResolver(r ClusterResolver) Option {
	return func(f *Factory) { f.resolve = r }
}

// WithDialOptions are used when connecting the gRPC decision services.
func WithDialOptions(o ...grpc.DialOption) Option {
	return func(f *Factory) { f.dialOptions = append(f.dialOptions, o...) }
}

// WithClients replaces the decision clients created from the
// configuration. A nil client is created from the configuration.
func WithClients(request, response mgwcommon.Client) Option {
	return func(f *Factory) {
		f.requestClient = request
		f.responseClient = response
	}
}

// Factory creates the filter instances of the streams. It owns the
// decision clients, shared by all the streams.
type Factory struct {
	request        *FilterConfig
	response       *FilterConfig
	requestClient  mgwcommon.Client
	responseClient mgwcommon.Client

	metrics     metrics.Metrics
	log         logging.Logger
	tracer      opentracing.Tracer
	breakers    *circuit.Registry
	resolve     ClusterResolver
	dialOptions []grpc.DialOption
}

var _ pipeline.FilterFactory = (*Factory)(nil)

// NewFactory validates the configuration and creates the decision
// clients of the configured directions.
func NewFactory(c *Config, o ...Option) (*Factory, error) {
	if c == nil {
		c = &Config{}
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	f := &Factory{}
	for _, oi := range o {
		oi(f)
	}

	if f.metrics == nil {
		f.metrics = metrics.NewVoid()
	}

	if f.log == nil {
		f.log = logging.New(map[string]any{"filter": Name})
	}

	if c.Request != nil {
		f.request = NewFilterConfig(RequestPath, c.Request, f.metrics)
		if f.requestClient == nil {
			client, err := f.newClient(RequestPath, c.Request)
			if err != nil {
				return nil, err
			}

			f.requestClient = client
		}
	}

	if c.Response != nil {
		f.response = NewFilterConfig(ResponsePath, c.Response, f.metrics)
		if f.responseClient == nil {
			client, err := f.newClient(ResponsePath, c.Response)
			if err != nil {
				f.Close()
				return nil, err
			}

			f.responseClient = client
		}
	}

	return f, nil
}

func (f *Factory) newClient(d Direction, c *extauthzv3.ExtAuthz) (mgwcommon.Client, error) {
	if g := c.GetGrpcService(); g != nil {
		target := g.GetGoogleGrpc().GetTargetUri()
		if cluster := g.GetEnvoyGrpc().GetClusterName(); cluster != "" {
			var ok bool
			if f.resolve != nil {
				target, ok = f.resolve(cluster)
			}

			if !ok {
				return nil, fmt.Errorf("%w: %s: unknown cluster %q", ErrInvalidConfig, d, cluster)
			}
		}

		o := mgwcommon.GrpcOptions{
			Target:      target,
			Tracer:      f.tracer,
			Breakers:    f.breakers,
			DialOptions: f.dialOptions,
		}

		if g.GetTimeout() != nil {
			o.Timeout = g.GetTimeout().AsDuration()
		}

		f.log.Infof("%s decisions from gRPC service %s", d, target)
		client, err := mgwcommon.NewGrpcClient(o)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, d, err)
		}

		return client, nil
	}

	h := c.GetHttpService()
	o := mgwcommon.HTTPOptions{
		ServerURI:              h.GetServerUri().GetUri(),
		PathPrefix:             h.GetPathPrefix(),
		Service:                h.GetServerUri().GetCluster(),
		Tracer:                 f.tracer,
		Breakers:               f.breakers,
		AllowedHeaders:         h.GetAuthorizationRequest().GetAllowedHeaders().GetPatterns(),
		AllowedUpstreamHeaders: h.GetAuthorizationResponse().GetAllowedUpstreamHeaders().GetPatterns(),
	}

	if h.GetServerUri().GetTimeout() != nil {
		o.Timeout = h.GetServerUri().GetTimeout().AsDuration()
	}

	f.log.Infof("%s decisions from HTTP service %s", d, o.ServerURI)
	client, err := mgwcommon.NewHTTPClient(o)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, d, err)
	}

	return client, nil
}

func (f *Factory) Name() string { return Name }

// CreateFilter creates the filter of a stream.
func (f *Factory) CreateFilter() pipeline.StreamFilter {
	return &Filter{
		request:  path{config: f.request, client: f.requestClient},
		response: path{config: f.response, client: f.responseClient},
		log:      f.log,
	}
}

// ParseRouteConfig parses an ExtAuthzPerRoute into a *PerRouteConfig.
func (f *Factory) ParseRouteConfig(raw json.RawMessage) (any, error) {
	return ParseRouteConfig(raw)
}

// Close closes the decision clients.
func (f *Factory) Close() error {
	var errs []error
	for _, c := range []mgwcommon.Client{f.requestClient, f.responseClient} {
		if c != nil {
			errs = append(errs, c.Close())
		}
	}

	return errors.Join(errs...)
}

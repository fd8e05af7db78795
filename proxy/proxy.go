package proxy

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	ot "github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"

	"github.com/zalando/mgw/logging"
	"github.com/zalando/mgw/metrics"
	"github.com/zalando/mgw/pipeline"
	"github.com/zalando/mgw/routing"
)

const (
	// DefaultIdleConnsPerHost is the default value of the maximum idle
	// connections per upstream host.
	DefaultIdleConnsPerHost = 64

	// DefaultCloseIdleConnsPeriod is the default period of closing the
	// idle upstream connections.
	DefaultCloseIdleConnsPeriod = 20 * time.Second

	// DefaultResponseHeaderTimeout is the default timeout of waiting for
	// the upstream response headers.
	DefaultResponseHeaderTimeout = 60 * time.Second

	// DefaultBufferLimit is the default buffer limit of a stream
	// direction, when no filter set one.
	DefaultBufferLimit = 1 << 20
)

// RouteTable selects the routes of the requests.
type RouteTable interface {
	Route(pipeline.HeaderMap) (*routing.Match, error)
}

// Params configures a Proxy.
type Params struct {
	// Routes selects the route of the requests.
	Routes RouteTable

	// Registry holds the filter factories.
	Registry pipeline.Registry

	// Filters is the filter chain of every stream, by filter name, in
	// the order of the request processing. The responses are processed
	// in the reverse order.
	Filters []string

	// Metrics, defaults to a void implementation.
	Metrics metrics.Metrics

	// OpenTracing configures the stream spans.
	OpenTracing *OpenTracingParams

	// AccessLogDisabled disables the access log entries of the streams.
	AccessLogDisabled bool

	// Transport replaces the transport of the upstream requests.
	Transport http.RoundTripper

	// IdleConnectionsPerHost sets the maximum idle connections per
	// upstream host.
	IdleConnectionsPerHost int

	// CloseIdleConnsPeriod sets the period of closing the idle upstream
	// connections. Negative values disable it.
	CloseIdleConnsPeriod time.Duration

	// Timeout is the upstream request timeout of the routes without
	// one.
	Timeout time.Duration

	// ResponseHeaderTimeout limits the wait for the upstream response
	// headers.
	ResponseHeaderTimeout time.Duration

	// KeepAlive of the upstream connections.
	KeepAlive time.Duration

	// TLSHandshakeTimeout of the upstream connections.
	TLSHandshakeTimeout time.Duration

	// ClientTLS is the TLS configuration of the upstream connections.
	ClientTLS *tls.Config

	// BufferLimit is the buffer limit of the stream directions until a
	// filter sets one. Defaults to DefaultBufferLimit.
	BufferLimit uint32

	// LocalCertificate is the certificate presented to the clients,
	// exposed to the filters.
	LocalCertificate *x509.Certificate

	Log logging.Logger
}

// Proxy is an http.Handler running every request through the filter
// chain before forwarding it to the upstream selected by the routes.
type Proxy struct {
	routes            RouteTable
	factories         []pipeline.FilterFactory
	transport         http.RoundTripper
	meter             meter
	tracing           *proxyTracing
	log               logging.Logger
	timeout           time.Duration
	bufferLimit       uint32
	localCert         *x509.Certificate
	accessLogDisabled bool
	hostname          string
	streamID          atomic.Uint64
	quit              chan struct{}
}

var _ http.Handler = (*Proxy)(nil)

// New creates a Proxy. It fails when a filter of the chain is not
// registered.
func New(p Params) (*Proxy, error) {
	if p.Routes == nil {
		return nil, fmt.Errorf("proxy: missing routes")
	}

	var factories []pipeline.FilterFactory
	for _, name := range p.Filters {
		f, err := p.Registry.Get(name)
		if err != nil {
			return nil, fmt.Errorf("proxy: %w", err)
		}

		factories = append(factories, f)
	}

	if p.IdleConnectionsPerHost <= 0 {
		p.IdleConnectionsPerHost = DefaultIdleConnsPerHost
	}

	if p.CloseIdleConnsPeriod == 0 {
		p.CloseIdleConnsPeriod = DefaultCloseIdleConnsPeriod
	}

	if p.ResponseHeaderTimeout == 0 {
		p.ResponseHeaderTimeout = DefaultResponseHeaderTimeout
	}

	if p.BufferLimit == 0 {
		p.BufferLimit = DefaultBufferLimit
	}

	if p.Metrics == nil {
		p.Metrics = metrics.NewVoid()
	}

	if p.Log == nil {
		p.Log = logging.New(map[string]any{"component": "proxy"})
	}

	quit := make(chan struct{})
	transport := p.Transport
	if transport == nil {
		tr := &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   p.Timeout,
				KeepAlive: p.KeepAlive,
			}).DialContext,
			TLSHandshakeTimeout:   p.TLSHandshakeTimeout,
			ResponseHeaderTimeout: p.ResponseHeaderTimeout,
			MaxIdleConnsPerHost:   p.IdleConnectionsPerHost,
			IdleConnTimeout:       p.CloseIdleConnsPeriod,
			TLSClientConfig:       p.ClientTLS,
		}

		if p.CloseIdleConnsPeriod > 0 {
			go func() {
				for {
					select {
					case <-time.After(p.CloseIdleConnsPeriod):
						tr.CloseIdleConnections()
					case <-quit:
						return
					}
				}
			}()
		}

		transport = tr
	}

	hostname, _ := os.Hostname()
	return &Proxy{
		routes:            p.Routes,
		factories:         factories,
		transport:         transport,
		meter:             meter{metrics: p.Metrics},
		tracing:           newProxyTracing(p.OpenTracing),
		log:               p.Log,
		timeout:           p.Timeout,
		bufferLimit:       p.BufferLimit,
		localCert:         p.LocalCertificate,
		accessLogDisabled: p.AccessLogDisabled,
		hostname:          hostname,
		quit:              quit,
	}, nil
}

func (p *Proxy) startSpan(r *http.Request) ot.Span {
	var span ot.Span
	wireContext, err := p.tracing.tracer.Extract(ot.HTTPHeaders, ot.HTTPHeadersCarrier(r.Header))
	if err == nil {
		span = p.tracing.tracer.StartSpan(p.tracing.initialOperationName, ext.RPCServerOption(wireContext))
	} else {
		span = p.tracing.tracer.StartSpan(p.tracing.initialOperationName)
	}

	p.tracing.
		setTag(span, SpanKindTag, SpanKindServer).
		setTag(span, ComponentTag, "mgw").
		setTag(span, HTTPUrlTag, r.URL.String()).
		setTag(span, HTTPMethodTag, r.Method).
		setTag(span, HostnameTag, p.hostname).
		setTag(span, HTTPRemoteAddrTag, r.RemoteAddr).
		setTag(span, HTTPPathTag, r.URL.Path).
		setTag(span, HTTPHostTag, r.Host)
	if val := r.Header.Get("X-Flow-Id"); val != "" {
		p.tracing.setTag(span, FlowIDTag, val)
	}

	return span
}

// ServeHTTP runs the stream of the request on the calling goroutine.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	lw := logging.NewResponseWriter(w)
	p.meter.incIncoming(r.Proto)

	span := p.startSpan(r)
	s := newStream(p, p.streamID.Add(1), lw, r, span)
	s.run()

	code := lw.StatusCode()
	if s.info.ResponseFlags()&pipeline.DownstreamConnectionTermination != 0 && !s.responseStarted {
		code = 499
		p.tracing.setTag(span, ClientRequestStateTag, ClientRequestCanceled)
	}

	p.tracing.
		setTag(span, HTTPStatusCodeTag, uint16(code)).
		setTag(span, RequestIDTag, s.requestID()).
		setTag(span, ResponseFlagsTag, s.info.ResponseFlags().String())
	if d := s.info.ResponseCodeDetails(); d != "" {
		p.tracing.setTag(span, ResponseDetailsTag, d)
	}

	if code >= http.StatusInternalServerError {
		p.tracing.setTag(span, ErrorTag, true)
	}

	span.Finish()
	p.meter.measureResponse(code, r.Method, s.routeID(), s.start)

	if !p.accessLogDisabled {
		logging.LogAccess(&logging.AccessEntry{
			Request:             r,
			StatusCode:          code,
			ResponseSize:        lw.BytesWritten(),
			Duration:            time.Since(s.start),
			RequestTime:         s.start,
			RequestID:           s.requestID(),
			ResponseFlags:       s.info.ResponseFlags().String(),
			ResponseCodeDetails: s.info.ResponseCodeDetails(),
		})
	}
}

// Close stops closing the idle upstream connections.
func (p *Proxy) Close() error {
	close(p.quit)
	return nil
}

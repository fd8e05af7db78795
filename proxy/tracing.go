package proxy

import (
	ot "github.com/opentracing/opentracing-go"
)

// Span tags of the stream and the upstream spans.
const (
	ClientRequestStateTag = "client.request"
	ComponentTag          = "component"
	ErrorTag              = "error"
	FlowIDTag             = "flow_id"
	HostnameTag           = "hostname"
	HTTPHostTag           = "http.host"
	HTTPMethodTag         = "http.method"
	HTTPRemoteAddrTag     = "http.remote_addr"
	HTTPPathTag           = "http.path"
	HTTPUrlTag            = "http.url"
	HTTPStatusCodeTag     = "http.status_code"
	RequestIDTag          = "guid:x-request-id"
	ResponseFlagsTag      = "response_flags"
	ResponseDetailsTag    = "response_code_details"
	RouteTag              = "mgw.route"
	SpanKindTag           = "span.kind"

	ClientRequestCanceled = "canceled"
	SpanKindServer        = "server"
)

// Span log events of writing the response headers.
const (
	StreamHeadersEvent = "stream_Headers"
	StartEvent         = "start"
	EndEvent           = "end"
)

// OpenTracingParams configures the spans of the streams.
type OpenTracingParams struct {
	// Tracer, defaults to a noop tracer.
	Tracer ot.Tracer

	// InitialSpan is the operation name of the stream spans, defaults
	// to "ingress".
	InitialSpan string

	// UpstreamSpan is the operation name of the upstream request spans,
	// defaults to "proxy".
	UpstreamSpan string

	// LogStreamEvents enables logging the start and the end of writing
	// the response headers to the client.
	LogStreamEvents bool

	// ExcludeTags are not set on the spans.
	ExcludeTags []string
}

type proxyTracing struct {
	tracer                ot.Tracer
	initialOperationName  string
	upstreamOperationName string
	logStreamEvents       bool
	excludeTags           map[string]bool
}

func orDefault(s, d string) string {
	if s == "" {
		return d
	}

	return s
}

func newProxyTracing(p *OpenTracingParams) *proxyTracing {
	if p == nil {
		p = &OpenTracingParams{}
	}

	t := &proxyTracing{
		tracer:                p.Tracer,
		initialOperationName:  orDefault(p.InitialSpan, "ingress"),
		upstreamOperationName: orDefault(p.UpstreamSpan, "proxy"),
		logStreamEvents:       p.LogStreamEvents,
		excludeTags:           make(map[string]bool),
	}

	if t.tracer == nil {
		t.tracer = &ot.NoopTracer{}
	}

	for _, tag := range p.ExcludeTags {
		t.excludeTags[tag] = true
	}

	return t
}

func (t *proxyTracing) setTag(span ot.Span, key string, value any) *proxyTracing {
	if span != nil && !t.excludeTags[key] {
		span.SetTag(key, value)
	}

	return t
}

func (t *proxyTracing) logStreamEvent(span ot.Span, eventName, eventValue string) {
	if t.logStreamEvents && span != nil {
		span.LogKV(eventName, eventValue)
	}
}

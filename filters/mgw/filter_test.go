package mgw

import (
	"testing"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	extauthzv3 "github.com/envoyproxy/go-control-plane/envoy/extensions/filters/http/ext_authz/v3"
	authv3 "github.com/envoyproxy/go-control-plane/envoy/service/auth/v3"
	typev3 "github.com/envoyproxy/go-control-plane/envoy/type/v3"
	"github.com/opentracing/opentracing-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	mgwcommon "github.com/zalando/mgw/filters/common/mgw"
	"github.com/zalando/mgw/logging/loggingtest"
	"github.com/zalando/mgw/metrics/metricstest"
	"github.com/zalando/mgw/pipeline"
	"github.com/zalando/mgw/pipeline/pipelinetest"
)

type fakeHandle struct {
	cancelled int
}

func (h *fakeHandle) Cancel() { h.cancelled++ }

// fakeClient records the calls. When sync is set, the decision is
// delivered before Check or Intercept return.
type fakeClient struct {
	sync *mgwcommon.Response

	checks     []*authv3.CheckRequest
	intercepts []*authv3.CheckRequest
	handles    []*fakeHandle
	requestCB  mgwcommon.RequestCallbacks
	responseCB mgwcommon.ResponseCallbacks
	closed     bool
}

func (c *fakeClient) Check(cb mgwcommon.RequestCallbacks, req *authv3.CheckRequest, _ opentracing.Span, _ pipeline.Dispatcher) mgwcommon.Handle {
	c.checks = append(c.checks, req)
	c.requestCB = cb
	h := &fakeHandle{}
	c.handles = append(c.handles, h)
	if c.sync != nil {
		cb.OnComplete(c.sync)
	}

	return h
}

func (c *fakeClient) Intercept(cb mgwcommon.ResponseCallbacks, req *authv3.CheckRequest, _ opentracing.Span, _ pipeline.Dispatcher) mgwcommon.Handle {
	c.intercepts = append(c.intercepts, req)
	c.responseCB = cb
	h := &fakeHandle{}
	c.handles = append(c.handles, h)
	if c.sync != nil {
		cb.OnResponseComplete(c.sync)
	}

	return h
}

func (c *fakeClient) Close() error {
	c.closed = true
	return nil
}

func grpcConfig() *extauthzv3.ExtAuthz {
	return &extauthzv3.ExtAuthz{
		Services: &extauthzv3.ExtAuthz_GrpcService{
			GrpcService: &corev3.GrpcService{
				TargetSpecifier: &corev3.GrpcService_GoogleGrpc_{
					GoogleGrpc: &corev3.GrpcService_GoogleGrpc{
						TargetUri:  "passthrough:///decision:9001",
						StatPrefix: "decision",
					},
				},
			},
		},
	}
}

func withBody(c *extauthzv3.ExtAuthz, maxBytes uint32, allowPartial bool) *extauthzv3.ExtAuthz {
	c.WithRequestBody = &extauthzv3.BufferSettings{
		MaxRequestBytes:     maxBytes,
		AllowPartialMessage: allowPartial,
	}

	return c
}

type testFilter struct {
	*Filter
	cb      *pipelinetest.Callbacks
	client  *fakeClient
	metrics *metricstest.MockMetrics
	log     *loggingtest.TestLogger
}

func newTestFilter(t *testing.T, request, response *extauthzv3.ExtAuthz) *testFilter {
	t.Helper()

	client := &fakeClient{}
	m := &metricstest.MockMetrics{}
	log := loggingtest.New()

	f, err := NewFactory(
		&Config{Request: request, Response: response},
		WithClients(client, client),
		WithMetrics(m),
		WithLogger(log),
	)
	require.NoError(t, err)

	cb := pipelinetest.NewCallbacks()
	filter := f.CreateFilter().(*Filter)
	filter.SetDecoderFilterCallbacks(cb)
	filter.SetEncoderFilterCallbacks(cb)

	return &testFilter{Filter: filter, cb: cb, client: client, metrics: m, log: log}
}

func (tf *testFilter) counter(t *testing.T, key string) int64 {
	t.Helper()
	v, _ := tf.metrics.Counter(key)
	return v
}

func requestHeaders() *pipeline.Headers {
	h := pipeline.NewHeaders()
	h.Add(pipeline.MethodHeader, "POST")
	h.Add(pipeline.PathHeader, "/orders")
	h.Add(pipeline.AuthorityHeader, "api.example.org")
	h.Add(pipeline.SchemeHeader, "https")
	h.Add("X-Tenant", "acme")
	return h
}

func okResponse() *mgwcommon.Response {
	return &mgwcommon.Response{Status: mgwcommon.OK, StatusCode: 200}
}

func TestHeadersOnlyRequestIsCheckedAtHeaders(t *testing.T) {
	tf := newTestFilter(t, grpcConfig(), nil)

	h := requestHeaders()
	assert.Equal(t, pipeline.HeadersStopAllIterationAndWatermark, tf.DecodeHeaders(h, true))
	require.Len(t, tf.client.checks, 1)
	assert.Equal(t, "/orders", tf.client.checks[0].GetAttributes().GetRequest().GetHttp().GetPath())
	assert.Equal(t, 0, tf.cb.ContinueDecodingCalls)

	tf.client.requestCB.OnComplete(&mgwcommon.Response{
		Status:       mgwcommon.OK,
		HeadersToAdd: []mgwcommon.Header{{Key: "x-user", Value: "jdoe"}, {Key: "x-tenant", Value: "globex"}},
		HeadersToAppend: []mgwcommon.Header{
			{Key: "x-tenant", Value: "initech"},
			{Key: "x-missing", Value: "dropped"},
		},
	})

	assert.Equal(t, 1, tf.cb.ContinueDecodingCalls)
	assert.Equal(t, []string{"jdoe"}, h.Values("x-user"))
	assert.Equal(t, []string{"globex", "initech"}, h.Values("x-tenant"))
	assert.Empty(t, h.Values("x-missing"))
	assert.Empty(t, tf.cb.LocalReplies)
	assert.Equal(t, int64(1), tf.counter(t, "mgw.request.ok"))
	assert.Equal(t, int64(1), tf.counter(t, "cluster.backend.mgw.ok"))
}

func TestStatPrefix(t *testing.T) {
	c := grpcConfig()
	c.StatPrefix = "orders"
	tf := newTestFilter(t, c, nil)

	tf.DecodeHeaders(requestHeaders(), true)
	tf.OnComplete(okResponse())

	assert.Equal(t, int64(1), tf.counter(t, "mgw.orders.request.ok"))
}

func TestDecisionDuration(t *testing.T) {
	tf := newTestFilter(t, grpcConfig(), grpcConfig())

	tf.DecodeHeaders(requestHeaders(), true)
	tf.OnComplete(okResponse())

	tf.EncodeHeaders(pipeline.NewResponseHeaders(200, nil), true)
	tf.OnResponseComplete(&mgwcommon.Response{Status: mgwcommon.Error})

	d, ok := tf.metrics.Timer("decision.request.ok")
	assert.True(t, ok)
	assert.Len(t, d, 1)

	d, ok = tf.metrics.Timer("decision.response.error")
	assert.True(t, ok)
	assert.Len(t, d, 1)
}

func TestSynchronousDecisionDoesNotResume(t *testing.T) {
	tf := newTestFilter(t, grpcConfig(), nil)
	tf.client.sync = okResponse()

	assert.Equal(t, pipeline.HeadersContinue, tf.DecodeHeaders(requestHeaders(), true))
	assert.Equal(t, 0, tf.cb.ContinueDecodingCalls)
	assert.Equal(t, int64(1), tf.counter(t, "mgw.request.ok"))
}

func TestSynchronousDenial(t *testing.T) {
	tf := newTestFilter(t, grpcConfig(), nil)
	tf.client.sync = &mgwcommon.Response{Status: mgwcommon.Denied, StatusCode: 401}

	assert.Equal(t, pipeline.HeadersStopAllIterationAndWatermark, tf.DecodeHeaders(requestHeaders(), true))
	require.Len(t, tf.cb.LocalReplies, 1)
	assert.Equal(t, 401, tf.cb.LocalReplies[0].Code)
	assert.Equal(t, 0, tf.cb.ContinueDecodingCalls)
}

func TestBufferingUntilEndOfStream(t *testing.T) {
	tf := newTestFilter(t, withBody(grpcConfig(), 10, false), nil)

	assert.Equal(t, pipeline.HeadersStopIteration, tf.DecodeHeaders(requestHeaders(), false))
	assert.Equal(t, uint32(10), tf.cb.DecoderBufferLimit)
	assert.Empty(t, tf.client.checks)

	// the pipeline buffers the held chunks
	assert.Equal(t, pipeline.DataStopIterationAndBuffer, tf.DecodeData(pipeline.NewBuffer([]byte("foo")), false))
	tf.cb.AddDecodedData(pipeline.NewBuffer([]byte("foo")), true)
	assert.Empty(t, tf.client.checks)

	assert.Equal(t, pipeline.DataStopIterationAndWatermark, tf.DecodeData(pipeline.NewBuffer([]byte("bar")), true))
	require.Len(t, tf.client.checks, 1)

	http := tf.client.checks[0].GetAttributes().GetRequest().GetHttp()
	assert.Equal(t, "foobar", http.GetBody())
	assert.Equal(t, "false", http.GetHeaders()[mgwcommon.PartialBodyHeader])

	tf.OnComplete(okResponse())
	assert.Equal(t, 1, tf.cb.ContinueDecodingCalls)
}

func TestBufferingPartialMessage(t *testing.T) {
	tf := newTestFilter(t, withBody(grpcConfig(), 4, true), nil)

	assert.Equal(t, pipeline.HeadersStopIteration, tf.DecodeHeaders(requestHeaders(), false))
	assert.Equal(t, uint32(0), tf.cb.DecoderBufferLimit)

	assert.Equal(t, pipeline.DataStopIterationAndBuffer, tf.DecodeData(pipeline.NewBuffer([]byte("foobar")), false))
	tf.cb.AddDecodedData(pipeline.NewBuffer([]byte("foobar")), true)

	// the buffer reached the limit without the end of the stream
	assert.Equal(t, pipeline.DataStopIterationAndWatermark, tf.DecodeData(pipeline.NewBuffer([]byte("baz")), false))
	require.Len(t, tf.client.checks, 1)

	http := tf.client.checks[0].GetAttributes().GetRequest().GetHttp()
	assert.Equal(t, "foob", http.GetBody())
	assert.Equal(t, "true", http.GetHeaders()[mgwcommon.PartialBodyHeader])

	// no second call while the first one is in flight
	assert.Equal(t, pipeline.DataStopIterationAndWatermark, tf.DecodeData(pipeline.NewBuffer([]byte("qux")), true))
	assert.Equal(t, pipeline.TrailersStopIteration, tf.DecodeTrailers(pipeline.NewTrailers(nil)))
	assert.Len(t, tf.client.checks, 1)
}

func TestBufferAboveLimitAtEndOfStream(t *testing.T) {
	tf := newTestFilter(t, withBody(grpcConfig(), 4, false), nil)

	assert.Equal(t, pipeline.HeadersStopIteration, tf.DecodeHeaders(requestHeaders(), false))

	// the whole body arrives in the last chunk
	assert.Equal(t, pipeline.DataStopIterationAndBuffer, tf.DecodeData(pipeline.NewBuffer([]byte("hello world")), true))
	assert.Empty(t, tf.client.checks)

	require.Len(t, tf.cb.LocalReplies, 1)
	assert.Equal(t, 413, tf.cb.LocalReplies[0].Code)
	assert.NotZero(t, tf.cb.Info.ResponseFlags()&pipeline.PayloadTooLarge)
}

func TestResponseBufferAboveLimitAtEndOfStream(t *testing.T) {
	tf := newTestFilter(t, nil, withBody(grpcConfig(), 4, false))

	assert.Equal(t, pipeline.HeadersStopIteration, tf.EncodeHeaders(pipeline.NewResponseHeaders(200, nil), false))
	assert.Equal(t, pipeline.DataStopIterationAndBuffer, tf.EncodeData(pipeline.NewBuffer([]byte("payload")), true))
	assert.Empty(t, tf.client.intercepts)

	require.Len(t, tf.cb.LocalReplies, 1)
	assert.Equal(t, 500, tf.cb.LocalReplies[0].Code)
}

func TestNoBufferingWhenEndOfStreamAtHeaders(t *testing.T) {
	tf := newTestFilter(t, withBody(grpcConfig(), 10, false), nil)

	assert.Equal(t, pipeline.HeadersStopAllIterationAndWatermark, tf.DecodeHeaders(requestHeaders(), true))
	assert.Equal(t, uint32(0), tf.cb.DecoderBufferLimit)
	require.Len(t, tf.client.checks, 1)
	assert.Empty(t, tf.client.checks[0].GetAttributes().GetRequest().GetHttp().GetBody())
}

func TestNoBufferingOfUpgrades(t *testing.T) {
	for _, tt := range []struct {
		name    string
		headers func(*pipeline.Headers)
	}{{
		name: "websocket",
		headers: func(h *pipeline.Headers) {
			h.Set("connection", "keep-alive, Upgrade")
			h.Set("upgrade", "websocket")
		},
	}, {
		name: "extended connect",
		headers: func(h *pipeline.Headers) {
			h.Set(pipeline.MethodHeader, "CONNECT")
			h.Set(pipeline.ProtocolHeader, "websocket")
		},
	}} {
		t.Run(tt.name, func(t *testing.T) {
			tf := newTestFilter(t, withBody(grpcConfig(), 10, false), nil)

			h := requestHeaders()
			tt.headers(h)

			assert.Equal(t, pipeline.HeadersStopAllIterationAndWatermark, tf.DecodeHeaders(h, false))
			assert.Len(t, tf.client.checks, 1)

			tf.OnComplete(okResponse())
			assert.Equal(t, pipeline.DataContinue, tf.DecodeData(pipeline.NewBuffer([]byte("frame")), false))
		})
	}
}

func TestTrailersTriggerTheCall(t *testing.T) {
	tf := newTestFilter(t, withBody(grpcConfig(), 10, false), nil)

	tf.DecodeHeaders(requestHeaders(), false)
	tf.DecodeData(pipeline.NewBuffer([]byte("foo")), false)
	tf.cb.AddDecodedData(pipeline.NewBuffer([]byte("foo")), true)

	assert.Equal(t, pipeline.TrailersStopIteration, tf.DecodeTrailers(pipeline.NewTrailers(nil)))
	require.Len(t, tf.client.checks, 1)
	assert.Equal(t, "foo", tf.client.checks[0].GetAttributes().GetRequest().GetHttp().GetBody())

	// re-entry is a no-op
	assert.Equal(t, pipeline.TrailersStopIteration, tf.DecodeTrailers(pipeline.NewTrailers(nil)))
	assert.Len(t, tf.client.checks, 1)

	tf.OnComplete(okResponse())
	assert.Equal(t, pipeline.TrailersContinue, tf.DecodeTrailers(pipeline.NewTrailers(nil)))
	assert.Len(t, tf.client.checks, 1)
}

func TestTrailersWithoutBuffering(t *testing.T) {
	tf := newTestFilter(t, grpcConfig(), nil)
	tf.client.sync = okResponse()

	tf.DecodeHeaders(requestHeaders(), false)
	assert.Equal(t, pipeline.DataContinue, tf.DecodeData(pipeline.NewBuffer([]byte("foo")), false))
	assert.Equal(t, pipeline.TrailersContinue, tf.DecodeTrailers(pipeline.NewTrailers(nil)))
	assert.Len(t, tf.client.checks, 1)
}

func TestDenied(t *testing.T) {
	tf := newTestFilter(t, grpcConfig(), nil)

	tf.DecodeHeaders(requestHeaders(), true)
	tf.OnComplete(&mgwcommon.Response{
		Status:     mgwcommon.Denied,
		StatusCode: 403,
		Body:       "no",
		HeadersToAdd: []mgwcommon.Header{
			{Key: "content-type", Value: "text/plain"},
			{Key: "set-cookie", Value: "a=1"},
			{Key: "set-cookie", Value: "b=2"},
		},
	})

	require.Len(t, tf.cb.LocalReplies, 1)
	r := tf.cb.LocalReplies[0]
	assert.Equal(t, 403, r.Code)
	assert.Equal(t, "no", r.Body)
	assert.Equal(t, DetailsDenied, r.Details)
	assert.Equal(t, []string{"text/plain"}, r.Headers.Values("content-type"))
	assert.Equal(t, []string{"a=1", "b=2"}, r.Headers.Values("set-cookie"))

	assert.Equal(t, pipeline.UnauthorizedExternalService, tf.cb.Info.ResponseFlags())
	assert.Equal(t, DetailsDenied, tf.cb.Info.ResponseCodeDetails())
	assert.Equal(t, 0, tf.cb.ContinueDecodingCalls)

	assert.Equal(t, int64(1), tf.counter(t, "mgw.request.denied"))
	assert.Equal(t, int64(1), tf.counter(t, "cluster.backend.mgw.denied"))
	assert.Equal(t, int64(1), tf.counter(t, "cluster.backend.upstream_rq_403"))
	assert.Equal(t, int64(1), tf.counter(t, "cluster.backend.upstream_rq_4xx"))
	assert.Equal(t, int64(0), tf.counter(t, "mgw.request.ok"))
}

func TestDeniedWithoutCluster(t *testing.T) {
	tf := newTestFilter(t, grpcConfig(), nil)
	tf.cb.FCluster = nil

	tf.DecodeHeaders(requestHeaders(), true)
	tf.OnComplete(&mgwcommon.Response{Status: mgwcommon.Denied, StatusCode: 403})

	assert.Len(t, tf.cb.LocalReplies, 1)
	assert.Equal(t, int64(1), tf.counter(t, "mgw.request.denied"))
	assert.Equal(t, int64(0), tf.counter(t, "cluster.backend.upstream_rq_403"))
}

func TestErrorPolicy(t *testing.T) {
	for _, tt := range []struct {
		name          string
		failureAllow  bool
		statusOnError *typev3.HttpStatus
		wantReply     int
	}{{
		name:         "failure mode allow",
		failureAllow: true,
	}, {
		name:      "default status",
		wantReply: 403,
	}, {
		name:          "configured status",
		statusOnError: &typev3.HttpStatus{Code: typev3.StatusCode_ServiceUnavailable},
		wantReply:     503,
	}} {
		t.Run(tt.name, func(t *testing.T) {
			c := grpcConfig()
			c.FailureModeAllow = tt.failureAllow
			c.StatusOnError = tt.statusOnError
			tf := newTestFilter(t, c, nil)

			h := requestHeaders()
			tf.DecodeHeaders(h, true)
			tf.OnComplete(&mgwcommon.Response{
				Status:       mgwcommon.Error,
				HeadersToAdd: []mgwcommon.Header{{Key: "x-user", Value: "ignored"}},
			})

			assert.Equal(t, int64(1), tf.counter(t, "mgw.request.error"))
			assert.Equal(t, int64(1), tf.counter(t, "cluster.backend.mgw.error"))

			if tt.failureAllow {
				assert.Empty(t, tf.cb.LocalReplies)
				assert.Equal(t, 1, tf.cb.ContinueDecodingCalls)
				assert.Empty(t, h.Values("x-user"))
				assert.Equal(t, int64(1), tf.counter(t, "mgw.request.failure_mode_allowed"))
				assert.Equal(t, int64(1), tf.counter(t, "cluster.backend.mgw.failure_mode_allowed"))
				assert.Equal(t, pipeline.ResponseFlag(0), tf.cb.Info.ResponseFlags())
				return
			}

			require.Len(t, tf.cb.LocalReplies, 1)
			assert.Equal(t, tt.wantReply, tf.cb.LocalReplies[0].Code)
			assert.Empty(t, tf.cb.LocalReplies[0].Body)
			assert.Equal(t, DetailsError, tf.cb.LocalReplies[0].Details)
			assert.Equal(t, pipeline.UnauthorizedExternalService, tf.cb.Info.ResponseFlags())
			assert.Equal(t, 0, tf.cb.ContinueDecodingCalls)
			assert.Equal(t, int64(0), tf.counter(t, "mgw.request.failure_mode_allowed"))
			assert.Equal(t, 1, tf.log.Count("rejecting the request after a decision error"))
		})
	}
}

func TestUnknownStatusPanics(t *testing.T) {
	tf := newTestFilter(t, grpcConfig(), nil)
	tf.DecodeHeaders(requestHeaders(), true)

	assert.Panics(t, func() {
		tf.OnComplete(&mgwcommon.Response{Status: mgwcommon.CheckStatus(42)})
	})
}

func TestClearRouteCache(t *testing.T) {
	for _, tt := range []struct {
		name     string
		clear    bool
		response *mgwcommon.Response
		want     int
	}{{
		name:     "headers added",
		clear:    true,
		response: &mgwcommon.Response{Status: mgwcommon.OK, HeadersToAdd: []mgwcommon.Header{{Key: "x-a", Value: "1"}}},
		want:     1,
	}, {
		name:     "headers appended",
		clear:    true,
		response: &mgwcommon.Response{Status: mgwcommon.OK, HeadersToAppend: []mgwcommon.Header{{Key: "x-a", Value: "1"}}},
		want:     1,
	}, {
		name:     "no headers",
		clear:    true,
		response: okResponse(),
	}, {
		name:     "not configured",
		response: &mgwcommon.Response{Status: mgwcommon.OK, HeadersToAdd: []mgwcommon.Header{{Key: "x-a", Value: "1"}}},
	}} {
		t.Run(tt.name, func(t *testing.T) {
			c := grpcConfig()
			c.ClearRouteCache = tt.clear
			tf := newTestFilter(t, c, nil)

			tf.DecodeHeaders(requestHeaders(), true)
			tf.OnComplete(tt.response)
			assert.Equal(t, tt.want, tf.cb.RouteCacheCleared)
		})
	}
}

func TestSkipCheckForRoute(t *testing.T) {
	for _, tt := range []struct {
		name  string
		route pipeline.Route
		skip  bool
	}{{
		name: "no route",
		skip: true,
	}, {
		name:  "no route entry",
		route: &pipelinetest.Route{RouteName: "direct", NoEntry: true},
		skip:  true,
	}, {
		name: "disabled on the route",
		route: &pipelinetest.Route{Cluster: "backend", Configs: map[string][]any{
			Name: {&PerRouteConfig{Disabled: true}},
		}},
		skip: true,
	}, {
		name: "disabled on the virtual host, enabled on the route",
		route: &pipelinetest.Route{Cluster: "backend", Configs: map[string][]any{
			Name: {&PerRouteConfig{Disabled: true}, &PerRouteConfig{}},
		}},
	}, {
		name:  "no per route config",
		route: &pipelinetest.Route{Cluster: "backend"},
	}} {
		t.Run(tt.name, func(t *testing.T) {
			tf := newTestFilter(t, grpcConfig(), nil)
			tf.cb.FRoute = tt.route

			status := tf.DecodeHeaders(requestHeaders(), true)
			if tt.skip {
				assert.Equal(t, pipeline.HeadersContinue, status)
				assert.Empty(t, tf.client.checks)
				assert.Equal(t, pipeline.DataContinue, tf.DecodeData(pipeline.NewBuffer(nil), true))
				return
			}

			assert.Equal(t, pipeline.HeadersStopAllIterationAndWatermark, status)
			assert.Len(t, tf.client.checks, 1)
		})
	}
}

func TestContextExtensionsMerged(t *testing.T) {
	tf := newTestFilter(t, grpcConfig(), nil)
	tf.cb.FRoute = &pipelinetest.Route{Cluster: "backend", Configs: map[string][]any{
		Name: {
			&PerRouteConfig{ContextExtensions: map[string]string{"api": "shop", "tier": "gold"}},
			&PerRouteConfig{ContextExtensions: map[string]string{"api": "orders"}},
		},
	}}

	tf.DecodeHeaders(requestHeaders(), true)
	require.Len(t, tf.client.checks, 1)
	assert.Equal(t,
		map[string]string{"api": "orders", "tier": "gold"},
		tf.client.checks[0].GetAttributes().GetContextExtensions(),
	)
}

func TestMetadataContextNamespaces(t *testing.T) {
	c := grpcConfig()
	c.MetadataContextNamespaces = []string{"jwt", "missing"}
	tf := newTestFilter(t, c, nil)

	claims, err := structpb.NewStruct(map[string]any{"sub": "jdoe"})
	require.NoError(t, err)
	other, err := structpb.NewStruct(map[string]any{"x": "y"})
	require.NoError(t, err)

	tf.cb.Info.SetDynamicMetadata("jwt", claims)
	tf.cb.Info.SetDynamicMetadata("other", other)

	tf.DecodeHeaders(requestHeaders(), true)
	require.Len(t, tf.client.checks, 1)

	md := tf.client.checks[0].GetAttributes().GetMetadataContext().GetFilterMetadata()
	assert.Len(t, md, 1)
	assert.Equal(t, "jdoe", md["jwt"].GetFields()["sub"].GetStringValue())
}

func TestFilterEnabledSampling(t *testing.T) {
	for _, tt := range []struct {
		name      string
		numerator uint32
		want      int
	}{
		{"never", 0, 0},
		{"always", 100, 1},
	} {
		t.Run(tt.name, func(t *testing.T) {
			c := grpcConfig()
			c.FilterEnabled = &corev3.RuntimeFractionalPercent{
				DefaultValue: &typev3.FractionalPercent{Numerator: tt.numerator},
			}

			tf := newTestFilter(t, c, nil)
			tf.DecodeHeaders(requestHeaders(), true)
			assert.Len(t, tf.client.checks, tt.want)
		})
	}
}

func TestDirectionWithoutConfigPassesThrough(t *testing.T) {
	tf := newTestFilter(t, nil, nil)

	assert.Equal(t, pipeline.HeadersContinue, tf.DecodeHeaders(requestHeaders(), false))
	assert.Equal(t, pipeline.DataContinue, tf.DecodeData(pipeline.NewBuffer([]byte("foo")), true))
	assert.Equal(t, pipeline.HeadersContinue, tf.EncodeHeaders(pipeline.NewResponseHeaders(200, nil), true))
	assert.Empty(t, tf.client.checks)
	assert.Empty(t, tf.client.intercepts)
}

func TestResponsePath(t *testing.T) {
	tf := newTestFilter(t, nil, grpcConfig())

	assert.Equal(t, pipeline.HeadersContinue, tf.DecodeHeaders(requestHeaders(), true))

	h := pipeline.NewResponseHeaders(200, nil)
	h.Add("x-cache", "miss")
	assert.Equal(t, pipeline.HeadersStopAllIterationAndWatermark, tf.EncodeHeaders(h, true))
	assert.Empty(t, tf.client.checks)
	require.Len(t, tf.client.intercepts, 1)
	assert.Equal(t, "200", tf.client.intercepts[0].GetAttributes().GetRequest().GetHttp().GetHeaders()[pipeline.StatusHeader])

	tf.client.responseCB.OnResponseComplete(&mgwcommon.Response{
		Status:          mgwcommon.OK,
		HeadersToAdd:    []mgwcommon.Header{{Key: "x-checked", Value: "true"}},
		HeadersToAppend: []mgwcommon.Header{{Key: "x-cache", Value: "mgw"}},
	})

	assert.Equal(t, 1, tf.cb.ContinueEncodingCalls)
	assert.Equal(t, 0, tf.cb.ContinueDecodingCalls)
	assert.Equal(t, []string{"true"}, h.Values("x-checked"))
	assert.Equal(t, []string{"miss", "mgw"}, h.Values("x-cache"))
	assert.Equal(t, int64(1), tf.counter(t, "mgw.response.ok"))
	assert.Equal(t, int64(0), tf.counter(t, "mgw.request.ok"))
}

func TestResponsePathBuffering(t *testing.T) {
	tf := newTestFilter(t, nil, withBody(grpcConfig(), 8, false))

	assert.Equal(t, pipeline.HeadersStopIteration, tf.EncodeHeaders(pipeline.NewResponseHeaders(200, nil), false))
	assert.Equal(t, uint32(8), tf.cb.EncoderBufferLimit)
	assert.Equal(t, pipeline.DataStopIterationAndWatermark, tf.EncodeData(pipeline.NewBuffer([]byte("payload")), true))

	require.Len(t, tf.client.intercepts, 1)
	assert.Equal(t, "payload", tf.client.intercepts[0].GetAttributes().GetRequest().GetHttp().GetBody())
}

func TestResponsePathDenied(t *testing.T) {
	tf := newTestFilter(t, nil, grpcConfig())

	tf.EncodeHeaders(pipeline.NewResponseHeaders(200, nil), true)
	tf.OnResponseComplete(&mgwcommon.Response{Status: mgwcommon.Denied, StatusCode: 451, Body: "unavailable"})

	require.Len(t, tf.cb.LocalReplies, 1)
	assert.Equal(t, 451, tf.cb.LocalReplies[0].Code)
	assert.Equal(t, 0, tf.cb.ContinueEncodingCalls)
	assert.Equal(t, int64(1), tf.counter(t, "mgw.response.denied"))
}

func TestResponsePathErrorPolicy(t *testing.T) {
	c := grpcConfig()
	c.FailureModeAllow = true
	tf := newTestFilter(t, nil, c)

	tf.EncodeHeaders(pipeline.NewResponseHeaders(200, nil), true)
	tf.OnResponseComplete(mgwcommon.ErrorResponse(assert.AnError))

	assert.Empty(t, tf.cb.LocalReplies)
	assert.Equal(t, 1, tf.cb.ContinueEncodingCalls)
	assert.Equal(t, int64(1), tf.counter(t, "mgw.response.failure_mode_allowed"))
}

func TestDirectionsAreIndependent(t *testing.T) {
	tf := newTestFilter(t, grpcConfig(), grpcConfig())

	tf.DecodeHeaders(requestHeaders(), true)
	tf.OnComplete(okResponse())

	tf.EncodeHeaders(pipeline.NewResponseHeaders(200, nil), true)
	assert.Len(t, tf.client.intercepts, 1)

	// a late request decision does not touch the response path
	tf.OnComplete(&mgwcommon.Response{Status: mgwcommon.Denied, StatusCode: 403})
	assert.Empty(t, tf.cb.LocalReplies)

	tf.OnResponseComplete(okResponse())
	assert.Equal(t, 1, tf.cb.ContinueDecodingCalls)
	assert.Equal(t, 1, tf.cb.ContinueEncodingCalls)
}

func TestOnDestroy(t *testing.T) {
	t.Run("cancels the calls in flight", func(t *testing.T) {
		tf := newTestFilter(t, grpcConfig(), grpcConfig())

		tf.DecodeHeaders(requestHeaders(), true)
		tf.OnComplete(okResponse())
		tf.EncodeHeaders(pipeline.NewResponseHeaders(200, nil), true)
		require.Len(t, tf.client.handles, 2)

		tf.OnDestroy()
		assert.Equal(t, 0, tf.client.handles[0].cancelled)
		assert.Equal(t, 1, tf.client.handles[1].cancelled)

		tf.OnDestroy()
		assert.Equal(t, 1, tf.client.handles[1].cancelled)

		// late decisions are ignored
		tf.OnResponseComplete(&mgwcommon.Response{Status: mgwcommon.Denied, StatusCode: 403})
		assert.Empty(t, tf.cb.LocalReplies)
		assert.Equal(t, 0, tf.cb.ContinueEncodingCalls)
	})

	t.Run("request path in flight", func(t *testing.T) {
		tf := newTestFilter(t, grpcConfig(), grpcConfig())

		tf.DecodeHeaders(requestHeaders(), true)
		tf.OnDestroy()

		require.Len(t, tf.client.handles, 1)
		assert.Equal(t, 1, tf.client.handles[0].cancelled)
	})

	t.Run("nothing started", func(t *testing.T) {
		tf := newTestFilter(t, grpcConfig(), grpcConfig())
		tf.OnDestroy()
		assert.Empty(t, tf.client.handles)
	})
}

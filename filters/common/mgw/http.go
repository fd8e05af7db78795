package mgw

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	authv3 "github.com/envoyproxy/go-control-plane/envoy/service/auth/v3"
	matcherv3 "github.com/envoyproxy/go-control-plane/envoy/type/matcher/v3"
	"github.com/opentracing/opentracing-go"

	"github.com/zalando/mgw/circuit"
	"github.com/zalando/mgw/pipeline"
)

// ResponseStatusHeader carries the status of the intercepted response to
// a plain HTTP decision service.
const ResponseStatusHeader = "x-mgw-response-status"

const maxDeniedBody = 64 << 10

var errInvalidServerURI = errors.New("invalid decision service URI")

// skipped when copying the decision response to the local reply
var hopHeaders = map[string]bool{
	"connection":        true,
	"content-length":    true,
	"date":              true,
	"keep-alive":        true,
	"transfer-encoding": true,
	"upgrade":           true,
}

// HTTPOptions configure an HTTPClient.
type HTTPOptions struct {
	// ServerURI is the base URI of the decision service.
	ServerURI string

	// PathPrefix is inserted between ServerURI and the path of the
	// checked request.
	PathPrefix string

	// Service is the circuit breaker key, defaults to the host of
	// ServerURI.
	Service string

	Timeout  time.Duration
	Tracer   opentracing.Tracer
	Breakers *circuit.Registry

	// AllowedHeaders select the headers of the checked request sent to
	// the decision service. When empty, every header is sent.
	AllowedHeaders []*matcherv3.StringMatcher

	// AllowedUpstreamHeaders select the headers of an allowing decision
	// that are set on the checked message. When empty, the headers with
	// the x- prefix are used.
	AllowedUpstreamHeaders []*matcherv3.StringMatcher

	// MaxIdleConns limits the idle connections to the decision service.
	MaxIdleConns int
}

// HTTPClient asks a plain HTTP service for the decisions. The checked
// request is replayed to the service: status 200 allows it, any other
// status denies it, using the status, headers and body of the service
// response for the local reply.
type HTTPClient struct {
	*caller
	url            *url.URL
	pathPrefix     string
	allowedHeader  func(string) bool
	upstreamHeader func(string) bool
	client         *http.Client
	mu             sync.Mutex
	quit           chan struct{}
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(o HTTPOptions) (*HTTPClient, error) {
	u, err := url.Parse(o.ServerURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errInvalidServerURI, err)
	}

	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %s", errInvalidServerURI, o.ServerURI)
	}

	allowed, err := newHeaderMatcher(o.AllowedHeaders, func(string) bool { return true })
	if err != nil {
		return nil, err
	}

	upstream, err := newHeaderMatcher(o.AllowedUpstreamHeaders, func(k string) bool { return strings.HasPrefix(k, "x-") })
	if err != nil {
		return nil, err
	}

	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}

	if o.Service == "" {
		o.Service = u.Host
	}

	quit := make(chan struct{})
	c := &HTTPClient{
		url:            u,
		pathPrefix:     o.PathPrefix,
		allowedHeader:  allowed,
		upstreamHeader: upstream,
		client:         createHTTPClient(o.Timeout, o.MaxIdleConns, quit),
		quit:           quit,
	}

	c.caller = &caller{
		operation: "mgw_http",
		service:   o.Service,
		timeout:   o.Timeout,
		tracer:    o.Tracer,
		breakers:  o.Breakers,
		decide:    c.check,
	}

	return c, nil
}

func createHTTPClient(timeout time.Duration, maxIdleConns int, quit chan struct{}) *http.Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: timeout,
		}).DialContext,
		MaxIdleConns:        maxIdleConns,
		MaxIdleConnsPerHost: maxIdleConns,
	}

	go func() {
		for {
			select {
			case <-time.After(10 * time.Second):
				transport.CloseIdleConnections()
			case <-quit:
				transport.CloseIdleConnections()
				return
			}
		}
	}()

	return &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func newHeaderMatcher(matchers []*matcherv3.StringMatcher, defaultMatch func(string) bool) (func(string) bool, error) {
	if len(matchers) == 0 {
		return defaultMatch, nil
	}

	var match []func(string) bool
	for _, m := range matchers {
		f, err := stringMatch(m)
		if err != nil {
			return nil, err
		}

		match = append(match, f)
	}

	return func(key string) bool {
		for _, f := range match {
			if f(key) {
				return true
			}
		}

		return false
	}, nil
}

func stringMatch(m *matcherv3.StringMatcher) (func(string) bool, error) {
	fold := func(s string) string { return s }
	if m.GetIgnoreCase() {
		fold = strings.ToLower
	}

	switch p := m.GetMatchPattern().(type) {
	case *matcherv3.StringMatcher_Exact:
		v := fold(p.Exact)
		return func(s string) bool { return fold(s) == v }, nil
	case *matcherv3.StringMatcher_Prefix:
		v := fold(p.Prefix)
		return func(s string) bool { return strings.HasPrefix(fold(s), v) }, nil
	case *matcherv3.StringMatcher_Suffix:
		v := fold(p.Suffix)
		return func(s string) bool { return strings.HasSuffix(fold(s), v) }, nil
	case *matcherv3.StringMatcher_Contains:
		v := fold(p.Contains)
		return func(s string) bool { return strings.Contains(fold(s), v) }, nil
	case *matcherv3.StringMatcher_SafeRegex:
		rx, err := regexp.Compile(p.SafeRegex.GetRegex())
		if err != nil {
			return nil, fmt.Errorf("invalid header matcher: %w", err)
		}

		return rx.MatchString, nil
	default:
		return nil, fmt.Errorf("unsupported header matcher: %v", m)
	}
}

func (c *HTTPClient) newRequest(ctx context.Context, check *authv3.CheckRequest) (*http.Request, error) {
	h := check.GetAttributes().GetRequest().GetHttp()

	method := h.GetMethod()
	if method == "" {
		method = http.MethodPost
	}

	path := h.GetPath()
	if path == "" {
		path = "/"
	}

	var body io.Reader
	if len(h.GetRawBody()) > 0 {
		body = bytes.NewReader(h.GetRawBody())
	}

	u := strings.TrimSuffix(c.url.String(), "/") + c.pathPrefix + path
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}

	for k, v := range h.GetHeaders() {
		switch {
		case k == pipeline.StatusHeader:
			req.Header.Set(ResponseStatusHeader, v)
		case strings.HasPrefix(k, ":"), k == "host", hopHeaders[k]:
		case c.allowedHeader(k):
			req.Header.Set(k, v)
		}
	}

	if span := opentracing.SpanFromContext(ctx); span != nil {
		span.Tracer().Inject(span.Context(), opentracing.HTTPHeaders, opentracing.HTTPHeadersCarrier(req.Header))
	}

	return req, nil
}

func (c *HTTPClient) check(ctx context.Context, check *authv3.CheckRequest) *Response {
	req, err := c.newRequest(ctx, check)
	if err != nil {
		return ErrorResponse(err)
	}

	rsp, err := c.client.Do(req)
	if err != nil {
		return ErrorResponse(err)
	}

	defer rsp.Body.Close()

	if rsp.StatusCode == http.StatusOK {
		r := &Response{Status: OK, StatusCode: http.StatusOK}
		r.HeadersToAdd = headerList(rsp.Header, c.upstreamHeader)
		return r
	}

	body, err := io.ReadAll(io.LimitReader(rsp.Body, maxDeniedBody))
	if err != nil {
		return ErrorResponse(err)
	}

	return &Response{
		Status:       Denied,
		StatusCode:   rsp.StatusCode,
		HeadersToAdd: headerList(rsp.Header, func(k string) bool { return !hopHeaders[k] }),
		Body:         string(body),
	}
}

// headerList converts the selected headers, ordered by key.
func headerList(h http.Header, selected func(string) bool) []Header {
	var keys []string
	for k := range h {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	var list []Header
	for _, k := range keys {
		lk := strings.ToLower(k)
		if !selected(lk) {
			continue
		}

		for _, v := range h[k] {
			list = append(list, Header{Key: lk, Value: v})
		}
	}

	return list
}

// Close stops the background cleanup of idle connections.
func (c *HTTPClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.quit != nil {
		close(c.quit)
		c.quit = nil
	}

	return nil
}

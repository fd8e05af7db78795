package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	ot "github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"

	"github.com/zalando/mgw/pipeline"
	"github.com/zalando/mgw/routing"
)

const requestIDHeader = "x-request-id"

var hopHeaders = map[string]bool{
	"Te":                  true,
	"Connection":          true,
	"Proxy-Connection":    true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

func newRequestID() string {
	return uuid.New().String()
}

// bodyQueue is the body of an upstream request. Writes never block,
// reads block until data is written or the queue is closed.
type bodyQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	data   []byte
	closed bool
	err    error
}

func newBodyQueue() *bodyQueue {
	q := &bodyQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *bodyQueue) write(p []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}

	q.data = append(q.data, p...)
	q.cond.Broadcast()
}

// CloseWithError makes the reads fail with err once the queued data was
// read. A nil err means io.EOF.
func (q *bodyQueue) CloseWithError(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}

	if err == nil {
		err = io.EOF
	}

	q.closed = true
	q.err = err
	q.cond.Broadcast()
}

func (q *bodyQueue) Read(p []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.data) == 0 && !q.closed {
		q.cond.Wait()
	}

	if len(q.data) == 0 {
		return 0, q.err
	}

	n := copy(p, q.data)
	q.data = q.data[n:]
	return n, nil
}

func (q *bodyQueue) Close() error {
	q.CloseWithError(errStreamDone)
	return nil
}

type upstreamSink struct{ s *stream }

func (u upstreamSink) headers(h pipeline.HeaderMap, endStream bool) { u.s.forward(h, endStream) }

func (u upstreamSink) data(p []byte, endStream bool) {
	q := u.s.upstreamBody
	if q == nil {
		return
	}

	q.write(p)
	if endStream {
		q.CloseWithError(nil)
	}
}

func (u upstreamSink) trailers(t pipeline.HeaderMap) {
	q := u.s.upstreamBody
	if q == nil {
		return
	}

	if u.s.upstreamTrailer == nil {
		u.s.log.Debugf("stream %d: dropping undeclared request trailers", u.s.id)
		q.CloseWithError(nil)
		return
	}

	// the trailers must be set before the transport reads the end of the
	// body
	q.mu.Lock()
	t.Range(func(k, v string) bool {
		u.s.upstreamTrailer.Add(k, v)
		return true
	})
	q.mu.Unlock()
	q.CloseWithError(nil)
}

type downstreamSink struct{ s *stream }

func (d downstreamSink) headers(h pipeline.HeaderMap, endStream bool) {
	d.s.writeHeaders(h)
	if endStream {
		d.s.finish()
	}
}

func (d downstreamSink) data(p []byte, endStream bool) {
	s := d.s
	if len(p) > 0 {
		if _, err := s.w.Write(p); err != nil {
			s.p.meter.incErrorsStreaming(s.routeID())
			s.log.Debugf("stream %d: failed to write the response: %v", s.id, err)
			s.info.SetResponseFlag(pipeline.DownstreamConnectionTermination)
			s.finish()
			return
		}

		s.w.Flush()
	}

	if endStream {
		s.finish()
	}
}

func (d downstreamSink) trailers(t pipeline.HeaderMap) {
	header := d.s.w.Header()
	t.Range(func(k, v string) bool {
		header.Add(http.TrailerPrefix+k, v)
		return true
	})

	d.s.finish()
}

func upstreamURL(m *routing.Match, h pipeline.HeaderMap) string {
	u := m.Cluster().URL()
	p, _ := h.Get(pipeline.PathHeader)
	query := ""
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p, query = p[:i], p[i:]
	}

	return u.Scheme + "://" + u.Host + strings.TrimSuffix(u.Path, "/") + m.UpstreamPath(p) + query
}

// forward starts the upstream request when the request headers passed
// every filter.
func (s *stream) forward(h pipeline.HeaderMap, endStream bool) {
	m, err := s.selectRoute()
	if err != nil {
		s.p.meter.incRoutingFailures()
		s.log.Debugf("stream %d: %v", s.id, err)
		s.info.SetResponseFlag(pipeline.NoRouteFound)
		s.SendLocalReply(http.StatusNotFound, "", nil, DetailsRouteNotFound)
		return
	}

	s.p.tracing.setTag(s.span, RouteTag, m.Name())
	if dr := m.DirectResponse(); dr != nil {
		s.SendLocalReply(dr.Status, dr.Body, nil, DetailsDirectResponse)
		return
	}

	ctx := s.r.Context()
	timeout := m.Timeout()
	if timeout <= 0 {
		timeout = s.p.timeout
	}

	if timeout > 0 {
		ctx, s.upstreamCancel = context.WithTimeout(ctx, timeout)
	} else {
		ctx, s.upstreamCancel = context.WithCancel(ctx)
	}

	var body io.ReadCloser = http.NoBody
	if !endStream {
		s.upstreamBody = newBodyQueue()
		body = s.upstreamBody
	}

	method, _ := h.Get(pipeline.MethodHeader)
	req, err := http.NewRequestWithContext(ctx, method, upstreamURL(m, h), body)
	if err != nil {
		s.log.Errorf("stream %d: failed to create the upstream request: %v", s.id, err)
		s.SendLocalReply(http.StatusInternalServerError, "", nil, DetailsUpstreamReset)
		return
	}

	req.Header = make(http.Header)
	for k, v := range pipeline.HTTPHeader(h) {
		if !hopHeaders[k] {
			req.Header[k] = v
		}
	}

	req.Header.Del("Content-Length")
	req.Host, _ = h.Get(pipeline.AuthorityHeader)
	req.ContentLength = 0
	if !endStream {
		req.ContentLength = -1
		if cl, ok := h.Get("content-length"); ok {
			if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
				req.ContentLength = n
			}
		}
	}

	if len(s.r.Trailer) > 0 {
		req.Trailer = make(http.Header)
		for k := range s.r.Trailer {
			req.Trailer[k] = nil
		}

		s.upstreamTrailer = req.Trailer
	}

	s.upstreamSpan = s.p.tracing.tracer.StartSpan(s.p.tracing.upstreamOperationName, ot.ChildOf(s.span.Context()))
	ext.SpanKindRPCClient.Set(s.upstreamSpan)
	s.p.tracing.
		setTag(s.upstreamSpan, HTTPUrlTag, req.URL.String()).
		setTag(s.upstreamSpan, HTTPMethodTag, method)
	if err := s.p.tracing.tracer.Inject(s.upstreamSpan.Context(), ot.HTTPHeaders, ot.HTTPHeadersCarrier(req.Header)); err != nil {
		s.log.Debugf("stream %d: failed to inject the span: %v", s.id, err)
	}

	s.log.Debugf("stream %d: forwarding to %s", s.id, req.URL)
	s.upstreamStart = time.Now()
	go func() {
		rsp, err := s.p.transport.RoundTrip(req)
		if !s.disp.post(func() { s.onUpstreamResponse(rsp, err) }) && rsp != nil {
			rsp.Body.Close()
		}
	}()
}

func (s *stream) onUpstreamResponse(rsp *http.Response, err error) {
	rid := s.routeID()
	s.p.meter.measureBackend(rid, s.upstreamStart)
	if err != nil {
		s.p.meter.incErrorsBackend(rid)
		s.p.tracing.setTag(s.upstreamSpan, ErrorTag, true)
		s.info.SetResponseFlag(pipeline.UpstreamConnectionFailure)
		code, details := http.StatusServiceUnavailable, DetailsUpstreamReset
		if errors.Is(err, context.DeadlineExceeded) {
			code, details = http.StatusGatewayTimeout, DetailsUpstreamTimeout
		}

		s.log.Errorf("stream %d: upstream request of route %s failed: %v", s.id, rid, err)
		s.SendLocalReply(code, "", nil, details)
		return
	}

	s.upstreamResponse = rsp
	s.p.tracing.setTag(s.upstreamSpan, HTTPStatusCodeTag, uint16(rsp.StatusCode))
	s.info.SetResponseCodeDetails(DetailsVia)

	header := make(http.Header, len(rsp.Header))
	for k, v := range rsp.Header {
		if !hopHeaders[k] {
			header[k] = v
		}
	}

	endStream := rsp.Body == nil || rsp.Body == http.NoBody
	s.response.receiveHeaders(pipeline.NewResponseHeaders(rsp.StatusCode, header), endStream)
	if !endStream && !s.done {
		s.pump(s.response, rsp.Body, func() http.Header { return rsp.Trailer }, false)
	}
}

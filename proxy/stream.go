package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	ot "github.com/opentracing/opentracing-go"

	"github.com/zalando/mgw/logging"
	"github.com/zalando/mgw/pipeline"
	"github.com/zalando/mgw/routing"
)

const (
	chunkSize = 32 << 10

	DetailsRouteNotFound           = "route_not_found"
	DetailsDirectResponse          = "direct_response"
	DetailsRequestPayloadTooLarge  = "request_payload_too_large"
	DetailsResponsePayloadTooLarge = "response_payload_too_large"
	DetailsUpstreamReset           = "upstream_reset_before_response_started"
	DetailsUpstreamTimeout         = "upstream_response_timeout"
	DetailsDownstreamReset         = "downstream_remote_disconnect"
	DetailsVia                     = "via_upstream"
)

var errStreamDone = errors.New("stream done")

// stream holds the state of a request and its response. Every event of
// the stream runs on the goroutine serving the request, events from
// other goroutines are posted to its dispatcher.
type stream struct {
	p     *Proxy
	id    uint64
	r     *http.Request
	w     *logging.ResponseWriter
	log   logging.Logger
	info  *pipeline.BasicStreamInfo
	conn  pipeline.Connection
	disp  *dispatcher
	span  ot.Span
	start time.Time

	quit    chan struct{}
	readers sync.WaitGroup

	filters  []pipeline.StreamFilter
	request  *direction
	response *direction

	match       *routing.Match
	routeCached bool

	upstreamCancel   context.CancelFunc
	upstreamBody     *bodyQueue
	upstreamTrailer  http.Header
	upstreamResponse *http.Response
	upstreamSpan     ot.Span
	upstreamStart    time.Time

	responseStarted bool
	done            bool
}

type (
	decoderCallbacks struct{ *activeFilter }
	encoderCallbacks struct{ *activeFilter }
)

var (
	_ pipeline.DecoderFilterCallbacks = decoderCallbacks{}
	_ pipeline.EncoderFilterCallbacks = encoderCallbacks{}
)

func (c decoderCallbacks) ContinueDecoding()                        { c.dir.resume(c.index) }
func (c decoderCallbacks) DecodingBuffer() pipeline.Buffer          { return c.dir.currentBuffer() }
func (c decoderCallbacks) SetDecoderBufferLimit(l uint32)           { c.dir.bufferLimit = l }
func (c decoderCallbacks) AddDecodedData(d pipeline.Buffer, _ bool) { c.dir.addData(c.index, d) }

func (c encoderCallbacks) ContinueEncoding()                        { c.dir.resume(c.index) }
func (c encoderCallbacks) EncodingBuffer() pipeline.Buffer          { return c.dir.currentBuffer() }
func (c encoderCallbacks) SetEncoderBufferLimit(l uint32)           { c.dir.bufferLimit = l }
func (c encoderCallbacks) AddEncodedData(d pipeline.Buffer, _ bool) { c.dir.addData(c.index, d) }

func newStream(p *Proxy, id uint64, w *logging.ResponseWriter, r *http.Request, span ot.Span) *stream {
	s := &stream{
		p:     p,
		id:    id,
		r:     r,
		w:     w,
		log:   p.log,
		info:  pipeline.NewStreamInfo(time.Now(), r.Proto),
		conn:  pipeline.RequestConnection(r, p.localCert),
		disp:  newDispatcher(),
		span:  span,
		start: time.Now(),
		quit:  make(chan struct{}),
	}

	s.request = newDirection(s, "request", p.bufferLimit)
	s.request.sink = upstreamSink{s}
	s.request.onHeaders = pipeline.StreamFilter.DecodeHeaders
	s.request.onData = pipeline.StreamFilter.DecodeData
	s.request.onTrailers = pipeline.StreamFilter.DecodeTrailers
	s.request.overflowCode = http.StatusRequestEntityTooLarge
	s.request.overflowDetails = DetailsRequestPayloadTooLarge

	s.response = newDirection(s, "response", p.bufferLimit)
	s.response.sink = downstreamSink{s}
	s.response.onHeaders = pipeline.StreamFilter.EncodeHeaders
	s.response.onData = pipeline.StreamFilter.EncodeData
	s.response.onTrailers = pipeline.StreamFilter.EncodeTrailers
	s.response.overflowCode = http.StatusInternalServerError
	s.response.overflowDetails = DetailsResponsePayloadTooLarge

	for _, fac := range p.factories {
		s.filters = append(s.filters, fac.CreateFilter())
	}

	for i, f := range s.filters {
		dec := &activeFilter{stream: s, dir: s.request, index: i, filter: f}
		s.request.filters = append(s.request.filters, dec)
		f.SetDecoderFilterCallbacks(decoderCallbacks{dec})
	}

	for i := range s.filters {
		f := s.filters[len(s.filters)-1-i]
		enc := &activeFilter{stream: s, dir: s.response, index: i, filter: f}
		s.response.filters = append(s.response.filters, enc)
		f.SetEncoderFilterCallbacks(encoderCallbacks{enc})
	}

	return s
}

func (s *stream) StreamID() uint64                { return s.id }
func (s *stream) Connection() pipeline.Connection { return s.conn }
func (s *stream) StreamInfo() pipeline.StreamInfo { return s.info }
func (s *stream) Dispatcher() pipeline.Dispatcher { return s.disp }
func (s *stream) ActiveSpan() ot.Span             { return s.span }
func (s *stream) ClearRouteCache()                { s.routeCached = false }

func (s *stream) selectRoute() (*routing.Match, error) {
	if s.routeCached {
		return s.match, nil
	}

	start := time.Now()
	m, err := s.p.routes.Route(s.request.headers)
	s.p.meter.measureRouteLookup(start)
	if err != nil {
		s.match = nil
		return nil, err
	}

	s.match = m
	s.routeCached = true
	return m, nil
}

func (s *stream) Route() pipeline.Route {
	m, err := s.selectRoute()
	if err != nil {
		return nil
	}

	return m
}

func (s *stream) ClusterInfo() pipeline.ClusterInfo {
	m, err := s.selectRoute()
	if err != nil || m.Cluster() == nil {
		return nil
	}

	return m.Cluster()
}

func (s *stream) routeID() string {
	if s.match == nil {
		return unknownRouteID
	}

	return s.match.Name()
}

// SendLocalReply answers the stream without passing the reply through
// the encoder filters, and ends the stream.
func (s *stream) SendLocalReply(code int, body string, modifyHeaders func(pipeline.HeaderMap), details string) {
	if s.done {
		return
	}

	s.info.SetResponseCodeDetails(details)
	if s.responseStarted {
		s.log.Errorf("stream %d: cannot reply %d after the response started: %s", s.id, code, details)
		s.finish()
		return
	}

	h := pipeline.NewResponseHeaders(code, nil)
	if body != "" {
		h.Set("content-type", "text/plain; charset=utf-8")
	}

	h.Set("content-length", strconv.Itoa(len(body)))
	if modifyHeaders != nil {
		modifyHeaders(h)
	}

	s.log.Debugf("stream %d: local reply %d: %s", s.id, code, details)
	s.writeHeaders(h)
	if body != "" {
		if _, err := s.w.Write([]byte(body)); err != nil {
			s.log.Debugf("stream %d: failed to write the local reply: %v", s.id, err)
		}
	}

	s.finish()
}

func (s *stream) writeHeaders(h pipeline.HeaderMap) {
	code := http.StatusOK
	if v, ok := h.Get(pipeline.StatusHeader); ok {
		if c, err := strconv.Atoi(v); err == nil {
			code = c
		}
	}

	header := s.w.Header()
	for k, v := range pipeline.HTTPHeader(h) {
		if !hopHeaders[k] {
			header[k] = v
		}
	}

	s.p.tracing.logStreamEvent(s.span, StreamHeadersEvent, StartEvent)
	s.w.WriteHeader(code)
	s.w.Flush()
	s.p.tracing.logStreamEvent(s.span, StreamHeadersEvent, EndEvent)
	s.responseStarted = true
}

func (s *stream) finish() {
	s.done = true
}

// pump reads a body and posts its chunks and trailers to a direction,
// reading the next chunk only when the direction released the previous
// one.
//
// Only the upstream readers are waited for at the end of the stream. The
// downstream body is left to the server.
func (s *stream) pump(d *direction, body io.Reader, trailer func() http.Header, downstream bool) {
	if !downstream {
		s.readers.Add(1)
	}

	go func() {
		if !downstream {
			defer s.readers.Done()
		}

		buf := make([]byte, chunkSize)
		for {
			n, err := body.Read(buf)
			if err != nil && err != io.EOF {
				s.disp.Post(func() { s.onReadError(d, err) })
				return
			}

			eof := err == io.EOF
			if n == 0 && !eof {
				continue
			}

			var t http.Header
			if eof {
				if t = trailer(); len(t) == 0 {
					t = nil
				}
			}

			if n > 0 || t == nil {
				chunk := bytes.Clone(buf[:n])
				end := eof && t == nil
				s.disp.Post(func() {
					if downstream {
						s.info.AddBytesReceived(uint64(len(chunk)))
					}

					d.receiveData(chunk, end)
				})
			}

			if t != nil {
				s.disp.Post(func() { d.receiveTrailers(pipeline.NewTrailers(t)) })
			}

			if eof {
				return
			}

			select {
			case <-d.ack:
			case <-s.quit:
				return
			}
		}
	}()
}

func (s *stream) onReadError(d *direction, err error) {
	if d == s.request {
		s.log.Debugf("stream %d: failed to read the request body: %v", s.id, err)
		s.info.SetResponseFlag(pipeline.DownstreamConnectionTermination)
		s.info.SetResponseCodeDetails(DetailsDownstreamReset)
		s.finish()
		return
	}

	s.p.meter.incErrorsStreaming(s.routeID())
	s.log.Errorf("stream %d: failed to read the upstream response: %v", s.id, err)
	s.info.SetResponseFlag(pipeline.UpstreamConnectionFailure)
	if !s.responseStarted {
		s.SendLocalReply(http.StatusBadGateway, "", nil, DetailsUpstreamReset)
		return
	}

	s.finish()
}

// run processes the events of the stream until it ends.
func (s *stream) run() {
	headers := pipeline.NewRequestHeaders(s.r)
	if _, ok := headers.Get(requestIDHeader); !ok {
		headers.Set(requestIDHeader, newRequestID())
	}

	endStream := s.r.Body == nil || s.r.Body == http.NoBody
	s.request.receiveHeaders(headers, endStream)
	if !endStream && !s.done {
		s.pump(s.request, s.r.Body, func() http.Header { return s.r.Trailer }, true)
	}

	for !s.done {
		select {
		case <-s.disp.ready:
			for _, f := range s.disp.drain() {
				if s.done {
					break
				}

				f()
			}
		case <-s.r.Context().Done():
			s.log.Debugf("stream %d: client disconnected", s.id)
			s.info.SetResponseFlag(pipeline.DownstreamConnectionTermination)
			s.info.SetResponseCodeDetails(DetailsDownstreamReset)
			s.finish()
		}
	}

	s.destroy()
}

// destroy releases the resources of the stream, and detaches the
// filters.
func (s *stream) destroy() {
	close(s.quit)
	s.disp.close()
	if s.upstreamCancel != nil {
		s.upstreamCancel()
	}

	if s.upstreamBody != nil {
		s.upstreamBody.CloseWithError(errStreamDone)
	}

	if s.upstreamResponse != nil {
		s.upstreamResponse.Body.Close()
	}

	if s.upstreamSpan != nil {
		s.upstreamSpan.Finish()
	}

	for _, f := range s.filters {
		f.OnDestroy()
	}

	s.readers.Wait()
}

func (s *stream) requestID() string {
	id, _ := s.request.headers.Get(requestIDHeader)
	return id
}

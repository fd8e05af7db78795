package mgw

import (
	"fmt"
	"time"

	authv3 "github.com/envoyproxy/go-control-plane/envoy/service/auth/v3"

	mgwcommon "github.com/zalando/mgw/filters/common/mgw"
	"github.com/zalando/mgw/logging"
	"github.com/zalando/mgw/pipeline"
)

const (
	// DetailsDenied is the response code detail of the local replies
	// of denied messages.
	DetailsDenied = "mgw_denied"

	// DetailsError is the response code detail of the local replies
	// sent when the decision service failed.
	DetailsError = "mgw_error"
)

type phase int

const (
	notStarted phase = iota
	calling
	complete
)

// pathCallbacks unify the pipeline callbacks of the two directions.
type pathCallbacks interface {
	pipeline.StreamFilterCallbacks
	buffer() pipeline.Buffer
	addData(pipeline.Buffer)
	setBufferLimit(uint32)
	continueIteration()
}

type decoderCallbacks struct {
	pipeline.DecoderFilterCallbacks
}

func (c decoderCallbacks) buffer() pipeline.Buffer   { return c.DecodingBuffer() }
func (c decoderCallbacks) addData(d pipeline.Buffer) { c.AddDecodedData(d, true) }
func (c decoderCallbacks) setBufferLimit(l uint32)   { c.SetDecoderBufferLimit(l) }
func (c decoderCallbacks) continueIteration()        { c.ContinueDecoding() }

type encoderCallbacks struct {
	pipeline.EncoderFilterCallbacks
}

func (c encoderCallbacks) buffer() pipeline.Buffer   { return c.EncodingBuffer() }
func (c encoderCallbacks) addData(d pipeline.Buffer) { c.AddEncodedData(d, true) }
func (c encoderCallbacks) setBufferLimit(l uint32)   { c.SetEncoderBufferLimit(l) }
func (c encoderCallbacks) continueIteration()        { c.ContinueEncoding() }

// path is the state of one direction of a stream.
type path struct {
	config *FilterConfig
	client mgwcommon.Client
	cb     pathCallbacks

	phase phase

	// stopped is set while the iteration is held for a decision.
	stopped bool

	// initiating is set while the client is called, when a decision
	// delivered synchronously must not resume the iteration.
	initiating bool

	buffering bool
	skip      bool
	headers   pipeline.HeaderMap
	cluster   pipeline.ClusterInfo
	handle    mgwcommon.Handle
	started   time.Time
}

func (p *path) enabled() bool {
	return p.config != nil && p.client != nil && p.config.Enabled()
}

func (p *path) bufferFull() bool {
	if !p.config.AllowPartialMessage {
		return false
	}

	b := p.cb.buffer()
	return b != nil && b.Len() >= int(p.config.MaxRequestBytes)
}

// Filter holds a stream until the decision service allows it, modifying
// the headers as decided, or answers the stream with a local reply when
// the message is denied. Requests and responses are intercepted by two
// independent state machines.
type Filter struct {
	request  path
	response path
	log      logging.Logger
}

var (
	_ pipeline.StreamFilter       = (*Filter)(nil)
	_ mgwcommon.RequestCallbacks  = (*Filter)(nil)
	_ mgwcommon.ResponseCallbacks = (*Filter)(nil)
)

func (f *Filter) SetDecoderFilterCallbacks(cb pipeline.DecoderFilterCallbacks) {
	f.request.cb = decoderCallbacks{cb}
}

func (f *Filter) SetEncoderFilterCallbacks(cb pipeline.EncoderFilterCallbacks) {
	f.response.cb = encoderCallbacks{cb}
}

func (f *Filter) DecodeHeaders(headers pipeline.HeaderMap, endStream bool) pipeline.HeadersStatus {
	return f.onHeaders(&f.request, headers, endStream)
}

func (f *Filter) DecodeData(data pipeline.Buffer, endStream bool) pipeline.DataStatus {
	return f.onData(&f.request, data, endStream)
}

func (f *Filter) DecodeTrailers(pipeline.HeaderMap) pipeline.TrailersStatus {
	return f.onTrailers(&f.request)
}

func (f *Filter) EncodeHeaders(headers pipeline.HeaderMap, endStream bool) pipeline.HeadersStatus {
	return f.onHeaders(&f.response, headers, endStream)
}

func (f *Filter) EncodeData(data pipeline.Buffer, endStream bool) pipeline.DataStatus {
	return f.onData(&f.response, data, endStream)
}

func (f *Filter) EncodeTrailers(pipeline.HeaderMap) pipeline.TrailersStatus {
	return f.onTrailers(&f.response)
}

func (f *Filter) onHeaders(p *path, headers pipeline.HeaderMap, endStream bool) pipeline.HeadersStatus {
	p.skip = skipCheckForRoute(p.cb.Route())
	if p.skip || !p.enabled() {
		return pipeline.HeadersContinue
	}

	p.headers = headers
	p.buffering = p.config.withBody() &&
		!endStream &&
		!pipeline.IsWebSocketUpgradeRequest(headers) &&
		!pipeline.IsH2UpgradeRequest(headers)

	if p.buffering {
		f.log.Debugf("stream %d: buffering the %s", p.cb.StreamID(), p.config.Direction)
		if !p.config.AllowPartialMessage {
			p.cb.setBufferLimit(p.config.MaxRequestBytes)
		}

		return pipeline.HeadersStopIteration
	}

	f.initiateCall(p)
	if p.stopped {
		return pipeline.HeadersStopAllIterationAndWatermark
	}

	return pipeline.HeadersContinue
}

func (f *Filter) onData(p *path, data pipeline.Buffer, endStream bool) pipeline.DataStatus {
	if !p.buffering || p.skip {
		return pipeline.DataContinue
	}

	full := p.bufferFull()
	if !endStream && !full {
		return pipeline.DataStopIterationAndBuffer
	}

	if full {
		f.log.Debugf("stream %d: finished buffering the %s, buffer is full", p.cb.StreamID(), p.config.Direction)
	} else {
		f.log.Debugf("stream %d: finished buffering the %s, stream ended", p.cb.StreamID(), p.config.Direction)
		p.cb.addData(data)
		if p.cb.StreamInfo().ResponseFlags()&pipeline.PayloadTooLarge != 0 {
			f.log.Debugf("stream %d: the %s is above the buffer limit", p.cb.StreamID(), p.config.Direction)
			return pipeline.DataStopIterationAndBuffer
		}
	}

	f.initiateCall(p)
	if p.stopped {
		return pipeline.DataStopIterationAndWatermark
	}

	return pipeline.DataContinue
}

func (f *Filter) onTrailers(p *path) pipeline.TrailersStatus {
	if !p.buffering || p.skip {
		return pipeline.TrailersContinue
	}

	f.initiateCall(p)
	if p.stopped {
		return pipeline.TrailersStopIteration
	}

	return pipeline.TrailersContinue
}

func (f *Filter) initiateCall(p *path) {
	if p.stopped || p.phase != notStarted {
		return
	}

	var extensions map[string]string
	if c := mergedRouteConfig(p.cb.Route()); c != nil {
		extensions = c.ContextExtensions
	}

	req := mgwcommon.CreateHTTPCheck(
		p.cb,
		p.headers,
		p.cb.buffer(),
		extensions,
		p.config.metadataContext(p.cb.StreamInfo().DynamicMetadata()),
		p.config.MaxRequestBytes,
		p.config.IncludePeerCertificate,
	)

	f.log.Debugf("stream %d: calling the decision service for the %s", p.cb.StreamID(), p.config.Direction)
	p.phase = calling
	p.stopped = true
	p.cluster = p.cb.ClusterInfo()
	p.started = time.Now()
	p.initiating = true
	p.handle = f.call(p, req)
	p.initiating = false
}

func (f *Filter) call(p *path, req *authv3.CheckRequest) mgwcommon.Handle {
	if p.config.Direction == ResponsePath {
		return p.client.Intercept(f, req, p.cb.ActiveSpan(), p.cb.Dispatcher())
	}

	return p.client.Check(f, req, p.cb.ActiveSpan(), p.cb.Dispatcher())
}

// OnComplete applies the decision about the request.
func (f *Filter) OnComplete(rsp *mgwcommon.Response) {
	f.complete(&f.request, rsp)
}

// OnResponseComplete applies the decision about the response.
func (f *Filter) OnResponseComplete(rsp *mgwcommon.Response) {
	f.complete(&f.response, rsp)
}

func (f *Filter) complete(p *path, rsp *mgwcommon.Response) {
	if p.cb == nil || p.phase != calling {
		return
	}

	p.phase = complete
	id := p.cb.StreamID()
	p.config.stats.measure(p.started, rsp.Status)

	switch rsp.Status {
	case mgwcommon.OK:
		if p.config.ClearRouteCache && (len(rsp.HeadersToAdd) > 0 || len(rsp.HeadersToAppend) > 0) {
			f.log.Debugf("stream %d: clearing the route cache", id)
			p.cb.ClearRouteCache()
		}

		for _, h := range rsp.HeadersToAdd {
			p.headers.Set(h.Key, h.Value)
		}

		for _, h := range rsp.HeadersToAppend {
			if _, ok := p.headers.Get(h.Key); ok {
				p.headers.Add(h.Key, h.Value)
			}
		}

		p.config.stats.inc(p.cluster, statOK)
		f.resume(p)

	case mgwcommon.Denied:
		f.log.Debugf("stream %d: the %s was denied with status %d", id, p.config.Direction, rsp.StatusCode)
		p.config.stats.inc(p.cluster, statDenied)
		p.config.stats.chargeResponse(p.cluster, rsp.StatusCode)

		p.cb.StreamInfo().SetResponseFlag(pipeline.UnauthorizedExternalService)
		p.cb.SendLocalReply(rsp.StatusCode, rsp.Body, func(h pipeline.HeaderMap) {
			for _, rh := range rsp.HeadersToAdd {
				h.Del(rh.Key)
			}

			for _, rh := range rsp.HeadersToAdd {
				h.Add(rh.Key, rh.Value)
			}
		}, DetailsDenied)

	case mgwcommon.Error:
		p.config.stats.inc(p.cluster, statError)
		if p.config.FailureModeAllow {
			f.log.Warnf("stream %d: allowing the %s after a decision error: %v", id, p.config.Direction, rsp.Err)
			p.config.stats.inc(p.cluster, statFailureModeAllowed)
			f.resume(p)
			return
		}

		f.log.Errorf("stream %d: rejecting the %s after a decision error: %v", id, p.config.Direction, rsp.Err)
		p.cb.StreamInfo().SetResponseFlag(pipeline.UnauthorizedExternalService)
		p.cb.SendLocalReply(p.config.StatusOnError, "", nil, DetailsError)

	default:
		panic(fmt.Sprintf("mgw: unknown check status: %d", rsp.Status))
	}
}

func (f *Filter) resume(p *path) {
	p.stopped = false
	if !p.initiating {
		p.cb.continueIteration()
	}
}

// OnDestroy cancels the calls in flight and detaches the filter from
// the pipeline.
func (f *Filter) OnDestroy() {
	for _, p := range []*path{&f.request, &f.response} {
		if p.phase == calling {
			p.phase = complete
			if p.handle != nil {
				p.handle.Cancel()
			}
		}

		p.cb = nil
	}
}

package proxy_test

import (
	"bytes"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/zalando/mgw/pipeline"
)

type testFactory struct {
	name   string
	create func() pipeline.StreamFilter
}

func (f testFactory) Name() string                                  { return f.name }
func (f testFactory) CreateFilter() pipeline.StreamFilter           { return f.create() }
func (f testFactory) ParseRouteConfig(json.RawMessage) (any, error) { return nil, nil }

func registry(factories ...testFactory) pipeline.Registry {
	r := make(pipeline.Registry)
	for _, f := range factories {
		r.Register(f)
	}

	return r
}

// events records the filter events of the streams in the order they
// happened.
type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) add(s string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = append(e.log, s)
}

func (e *events) get() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...)
}

// recordFilter passes everything through, recording the headers events
// and the destruction of the filter.
type recordFilter struct {
	pipeline.PassThroughFilter
	name   string
	events *events
}

func recording(name string, e *events) testFactory {
	return testFactory{name: name, create: func() pipeline.StreamFilter {
		return &recordFilter{name: name, events: e}
	}}
}

func (f *recordFilter) DecodeHeaders(h pipeline.HeaderMap, end bool) pipeline.HeadersStatus {
	f.events.add(f.name + ":decode")
	if f.Decoder.Route() != nil {
		f.events.add(f.name + ":route:" + f.Decoder.Route().Name())
	}

	if c := f.Decoder.ClusterInfo(); c != nil {
		f.events.add(f.name + ":cluster:" + c.Name())
	}

	return pipeline.HeadersContinue
}

func (f *recordFilter) EncodeHeaders(h pipeline.HeaderMap, end bool) pipeline.HeadersStatus {
	f.events.add(f.name + ":encode")
	return pipeline.HeadersContinue
}

func (f *recordFilter) OnDestroy() {
	f.events.add(f.name + ":destroy")
}

// replyFilter rejects every request with a local reply.
type replyFilter struct {
	pipeline.PassThroughFilter
}

func replying() testFactory {
	return testFactory{name: "reply", create: func() pipeline.StreamFilter { return &replyFilter{} }}
}

func (f *replyFilter) DecodeHeaders(pipeline.HeaderMap, bool) pipeline.HeadersStatus {
	f.Decoder.SendLocalReply(403, "denied", func(h pipeline.HeaderMap) {
		h.Set("x-denied-by", "reply")
	}, "denied_by_test")
	return pipeline.HeadersStopIteration
}

// asyncFilter stops the request and continues it from another
// goroutine, after setting a header.
type asyncFilter struct {
	pipeline.PassThroughFilter
	delay time.Duration
}

func async(delay time.Duration) testFactory {
	return testFactory{name: "async", create: func() pipeline.StreamFilter { return &asyncFilter{delay: delay} }}
}

func (f *asyncFilter) DecodeHeaders(h pipeline.HeaderMap, _ bool) pipeline.HeadersStatus {
	d := f.Decoder.Dispatcher()
	go func() {
		time.Sleep(f.delay)
		d.Post(func() {
			h.Set("x-async", "done")
			f.Decoder.ContinueDecoding()
		})
	}()

	return pipeline.HeadersStopAllIterationAndWatermark
}

// bufferFilter buffers the whole request body, and sets its length as a
// header before continuing.
type bufferFilter struct {
	pipeline.PassThroughFilter
	headers pipeline.HeaderMap
	limit   uint32
}

func buffering(limit uint32) testFactory {
	return testFactory{name: "buffer", create: func() pipeline.StreamFilter { return &bufferFilter{limit: limit} }}
}

func (f *bufferFilter) SetDecoderFilterCallbacks(cb pipeline.DecoderFilterCallbacks) {
	f.Decoder = cb
	if f.limit > 0 {
		cb.SetDecoderBufferLimit(f.limit)
	}
}

func (f *bufferFilter) DecodeHeaders(h pipeline.HeaderMap, end bool) pipeline.HeadersStatus {
	if end {
		h.Set("x-body-length", "0")
		return pipeline.HeadersContinue
	}

	f.headers = h
	return pipeline.HeadersStopIteration
}

func (f *bufferFilter) DecodeData(data pipeline.Buffer, end bool) pipeline.DataStatus {
	if !end {
		return pipeline.DataStopIterationAndBuffer
	}

	f.Decoder.AddDecodedData(data, false)
	f.headers.Set("x-body-length", strconv.Itoa(f.Decoder.DecodingBuffer().Len()))
	return pipeline.DataContinue
}

// upperFilter buffers the response body and turns it into upper case.
type upperFilter struct {
	pipeline.PassThroughFilter
	headers pipeline.HeaderMap
}

func uppercase() testFactory {
	return testFactory{name: "upper", create: func() pipeline.StreamFilter { return &upperFilter{} }}
}

func (f *upperFilter) EncodeHeaders(h pipeline.HeaderMap, end bool) pipeline.HeadersStatus {
	h.Set("x-upper", "true")
	if end {
		return pipeline.HeadersContinue
	}

	h.Del("content-length")
	f.headers = h
	return pipeline.HeadersStopIteration
}

func (f *upperFilter) EncodeData(data pipeline.Buffer, end bool) pipeline.DataStatus {
	if !end {
		return pipeline.DataStopIterationAndBuffer
	}

	f.Encoder.AddEncodedData(data, false)
	b := f.Encoder.EncodingBuffer()
	upper := bytes.ToUpper(b.Bytes())
	b.Reset()
	b.Append(upper)
	return pipeline.DataContinue
}

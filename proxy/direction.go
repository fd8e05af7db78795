package proxy

import (
	"github.com/zalando/mgw/pipeline"
)

// sink receives the events that passed every filter of a direction.
type sink interface {
	headers(h pipeline.HeaderMap, endStream bool)
	data(b []byte, endStream bool)
	trailers(t pipeline.HeaderMap)
}

// activeFilter is the iteration state of a filter in one direction.
type activeFilter struct {
	*stream
	dir    *direction
	index  int
	filter pipeline.StreamFilter

	headersCalled    bool
	headersContinued bool
	stoppedAll       bool
	watermark        bool
}

// canReceive tells whether data and trailers can be delivered to the
// filter.
func (f *activeFilter) canReceive() bool {
	return f.headersCalled && !f.stoppedAll
}

// direction iterates the events of one direction of a stream over the
// filters: in order for requests, in reverse order for responses. Events
// held by a filter are buffered until the filter continues.
type direction struct {
	s       *stream
	name    string
	filters []*activeFilter
	sink    sink

	onHeaders  func(pipeline.StreamFilter, pipeline.HeaderMap, bool) pipeline.HeadersStatus
	onData     func(pipeline.StreamFilter, pipeline.Buffer, bool) pipeline.DataStatus
	onTrailers func(pipeline.StreamFilter, pipeline.HeaderMap) pipeline.TrailersStatus

	headers  pipeline.HeaderMap
	trailers pipeline.HeaderMap

	buffer      *pipeline.ByteBuffer
	bufferFrom  int
	bufferLimit uint32

	trailersFrom int
	endReceived  bool
	hasTrailers  bool
	endSent      bool

	// ack releases the source reading the next chunk. It is held while
	// the buffer is above the limit in watermark mode.
	ack    chan struct{}
	paused bool

	overflowCode    int
	overflowDetails string
}

func newDirection(s *stream, name string, limit uint32) *direction {
	return &direction{
		s:            s,
		name:         name,
		bufferFrom:   -1,
		trailersFrom: -1,
		bufferLimit:  limit,
		ack:          make(chan struct{}, 1),
	}
}

func (d *direction) bufferLen() int {
	if d.buffer == nil {
		return 0
	}

	return d.buffer.Len()
}

// currentBuffer returns nil when nothing was buffered.
func (d *direction) currentBuffer() pipeline.Buffer {
	if d.buffer == nil {
		return nil
	}

	return d.buffer
}

func (d *direction) headersEnd() bool {
	return d.endReceived && !d.hasTrailers && d.bufferFrom < 0
}

func (d *direction) dataEnd() bool {
	return d.endReceived && !d.hasTrailers
}

func (d *direction) release() {
	select {
	case d.ack <- struct{}{}:
	default:
	}
}

// hold buffers data in front of the filter at index from.
func (d *direction) hold(from int, data pipeline.Buffer) {
	if d.buffer == nil {
		d.buffer = pipeline.NewBuffer(nil)
	}

	d.buffer.Move(data)
	if d.bufferFrom < 0 || from < d.bufferFrom {
		d.bufferFrom = from
	}
}

// checkLimit fails the stream, or pauses the source in watermark mode,
// when the buffer is above the limit. It returns false when the stream
// failed.
func (d *direction) checkLimit(watermark bool) bool {
	if d.bufferLimit == 0 || d.bufferLen() <= int(d.bufferLimit) {
		return true
	}

	if watermark {
		d.paused = true
		return true
	}

	d.s.log.Debugf("stream %d: %s buffer above the limit of %d bytes", d.s.id, d.name, d.bufferLimit)
	d.s.info.SetResponseFlag(pipeline.PayloadTooLarge)
	d.s.SendLocalReply(d.overflowCode, "", nil, d.overflowDetails)
	return false
}

func (d *direction) takeBuffer() pipeline.Buffer {
	b := d.buffer
	d.buffer = nil
	d.bufferFrom = -1
	if d.paused {
		d.paused = false
		d.release()
	}

	if b == nil {
		return pipeline.NewBuffer(nil)
	}

	return b
}

// receiveHeaders starts the iteration of the direction.
func (d *direction) receiveHeaders(h pipeline.HeaderMap, endStream bool) {
	d.headers = h
	d.endReceived = endStream
	d.iterateHeaders(0)
}

// receiveData iterates a chunk of the source. The source is released
// for the next chunk unless the buffer is above the limit in watermark
// mode.
func (d *direction) receiveData(p []byte, endStream bool) {
	d.endReceived = endStream
	d.iterateData(0, pipeline.NewBuffer(p), endStream)
	if !d.paused {
		d.release()
	}
}

func (d *direction) receiveTrailers(t pipeline.HeaderMap) {
	d.trailers = t
	d.hasTrailers = true
	d.endReceived = true
	d.iterateTrailers(0)
}

func (d *direction) iterateHeaders(from int) bool {
	for i := from; i < len(d.filters); i++ {
		f := d.filters[i]
		f.headersCalled = true
		status := d.onHeaders(f.filter, d.headers, d.headersEnd())
		if d.s.done {
			return false
		}

		switch status {
		case pipeline.HeadersContinue:
			f.headersContinued = true
		case pipeline.HeadersStopAllIterationAndBuffer, pipeline.HeadersStopAllIterationAndWatermark:
			f.stoppedAll = true
			f.watermark = status == pipeline.HeadersStopAllIterationAndWatermark
			return false
		default:
			return false
		}
	}

	end := d.headersEnd()
	d.endSent = end
	d.sink.headers(d.headers, end)
	return !d.s.done
}

func (d *direction) iterateData(from int, data pipeline.Buffer, endStream bool) bool {
	for i := from; i < len(d.filters); i++ {
		f := d.filters[i]
		if !f.canReceive() {
			d.hold(i, data)
			return d.checkLimit(f.watermark)
		}

		status := d.onData(f.filter, data, endStream)
		if d.s.done {
			return false
		}

		switch status {
		case pipeline.DataContinue:
			if d.bufferFrom == i+1 {
				b := d.takeBuffer()
				b.Move(data)
				data = b
			}

			if !f.headersContinued {
				d.hold(i+1, data)
				d.resume(i)
				return false
			}
		case pipeline.DataStopIterationAndBuffer, pipeline.DataStopIterationAndWatermark:
			d.hold(i+1, data)
			d.checkLimit(status == pipeline.DataStopIterationAndWatermark)
			return false
		default:
			return false
		}
	}

	d.endSent = endStream
	d.sink.data(data.Bytes(), endStream)
	return !d.s.done
}

func (d *direction) iterateTrailers(from int) {
	for i := from; i < len(d.filters); i++ {
		f := d.filters[i]
		if !f.canReceive() || d.bufferFrom >= 0 && d.bufferFrom <= i {
			d.trailersFrom = i
			return
		}

		status := d.onTrailers(f.filter, d.trailers)
		if d.s.done {
			return
		}

		if status == pipeline.TrailersStopIteration {
			d.trailersFrom = i + 1
			return
		}

		if !f.headersContinued || d.bufferFrom == i+1 {
			d.trailersFrom = i + 1
			d.resume(i)
			return
		}
	}

	d.endSent = true
	d.sink.trailers(d.trailers)
}

// resume continues the iteration held by the filter at index i: the
// headers, then the buffered data, then the trailers.
func (d *direction) resume(i int) {
	if d.s.done {
		return
	}

	f := d.filters[i]
	if !f.headersCalled {
		return
	}

	wasStoppedAll := f.stoppedAll
	f.stoppedAll = false
	if !f.headersContinued {
		f.headersContinued = true
		if !d.iterateHeaders(i + 1) {
			return
		}
	}

	from := i + 1
	if wasStoppedAll {
		from = i
	}

	switch {
	case d.bufferFrom >= 0 && d.bufferFrom <= from:
		start := d.bufferFrom
		if !d.iterateData(start, d.takeBuffer(), d.dataEnd()) {
			return
		}
	case d.bufferFrom < 0 && d.dataEnd() && !d.endSent:
		if !d.iterateData(from, d.takeBuffer(), true) {
			return
		}
	}

	if d.trailersFrom >= 0 && d.trailersFrom <= from {
		start := d.trailersFrom
		d.trailersFrom = -1
		d.iterateTrailers(start)
	}
}

// addData moves data into the buffer on behalf of the filter at index
// i, as if the filter held it. The buffer limit applies the same way.
func (d *direction) addData(i int, data pipeline.Buffer) {
	d.hold(i+1, data)
	d.checkLimit(d.filters[i].watermark)
}

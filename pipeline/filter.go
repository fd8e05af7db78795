package pipeline

import (
	"net"
	"time"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	"github.com/opentracing/opentracing-go"
)

// HeadersStatus is returned by filters after processing headers.
type HeadersStatus int

const (
	// HeadersContinue continues iterating the remaining filters.
	HeadersContinue HeadersStatus = iota

	// HeadersStopIteration holds the headers at the current filter.
	// Data and trailers are still delivered to the filter.
	HeadersStopIteration

	// HeadersStopAllIterationAndBuffer holds headers, data and trailers
	// at the current filter, buffering the data until the filter
	// continues. Exceeding the buffer limit fails the stream.
	HeadersStopAllIterationAndBuffer

	// HeadersStopAllIterationAndWatermark is like
	// HeadersStopAllIterationAndBuffer, but exceeding the buffer limit
	// pauses reading instead of failing the stream.
	HeadersStopAllIterationAndWatermark
)

// DataStatus is returned by filters after processing a data chunk.
type DataStatus int

const (
	// DataContinue passes the chunk to the remaining filters.
	DataContinue DataStatus = iota

	// DataStopIterationAndBuffer holds the chunk at the current filter,
	// appending it to the direction's buffer. Exceeding the buffer limit
	// fails the stream.
	DataStopIterationAndBuffer

	// DataStopIterationAndWatermark is like DataStopIterationAndBuffer,
	// but exceeding the buffer limit pauses reading instead of failing
	// the stream.
	DataStopIterationAndWatermark

	// DataStopIterationNoBuffer drops the chunk from the iteration. The
	// filter takes over its ownership.
	DataStopIterationNoBuffer
)

// TrailersStatus is returned by filters after processing trailers.
type TrailersStatus int

const (
	TrailersContinue TrailersStatus = iota
	TrailersStopIteration
)

// ResponseFlag marks the outcome of a stream in stream info and access
// logs.
type ResponseFlag uint32

const (
	UnauthorizedExternalService ResponseFlag = 1 << iota
	UpstreamConnectionFailure
	NoRouteFound
	DownstreamConnectionTermination
	PayloadTooLarge
)

var responseFlagNames = []struct {
	flag ResponseFlag
	name string
}{
	{UnauthorizedExternalService, "UAEX"},
	{UpstreamConnectionFailure, "UF"},
	{NoRouteFound, "NR"},
	{DownstreamConnectionTermination, "DC"},
	{PayloadTooLarge, "PTL"},
}

// String returns the short, comma separated names of the flags, or "-"
// when no flag is set.
func (f ResponseFlag) String() string {
	s := ""
	for _, n := range responseFlagNames {
		if f&n.flag == 0 {
			continue
		}

		if s != "" {
			s += ","
		}

		s += n.name
	}

	if s == "" {
		return "-"
	}

	return s
}

// Dispatcher runs functions on the goroutine owning a stream.
type Dispatcher interface {
	// Post schedules f to run on the stream goroutine. Post never
	// blocks and can be called from any goroutine.
	Post(f func())
}

// Connection gives access to the downstream connection of a stream.
type Connection interface {
	LocalAddr() net.Addr
	RemoteAddr() net.Addr

	// SSL returns nil for plaintext connections.
	SSL() SSLConnection
}

// SSLConnection gives access to the certificates of a TLS connection.
type SSLConnection interface {
	URISANLocalCertificate() []string
	DNSSANsLocalCertificate() []string
	SubjectLocalCertificate() string
	URISANPeerCertificate() []string
	DNSSANsPeerCertificate() []string
	SubjectPeerCertificate() string

	// URLEncodedPEMEncodedPeerCertificate returns the URL encoded PEM of
	// the peer certificate, or an empty string when the peer did not
	// present one.
	URLEncodedPEMEncodedPeerCertificate() string
}

// StreamInfo holds the per stream state shared by the pipeline and the
// filters.
type StreamInfo interface {
	StartTime() time.Time
	BytesReceived() uint64

	// Protocol returns the downstream protocol, e.g. HTTP/1.1.
	Protocol() string

	// DynamicMetadata returns the metadata filters attach to the stream,
	// keyed by namespace. It is never nil.
	DynamicMetadata() *corev3.Metadata

	SetResponseFlag(ResponseFlag)
	ResponseFlags() ResponseFlag
	SetResponseCodeDetails(details string)
	ResponseCodeDetails() string
}

// Route is the route selected for a stream.
type Route interface {
	Name() string

	// RouteEntry is nil for routes that are not forwarded upstream, e.g.
	// direct responses.
	RouteEntry() RouteEntry

	// PerFilterConfig returns the parsed per route configurations of the
	// named filter, ordered from the broadest level to the most specific
	// one.
	PerFilterConfig(filterName string) []any
}

// RouteEntry describes how a route is forwarded.
type RouteEntry interface {
	ClusterName() string
}

// ClusterInfo identifies the upstream cluster of a stream.
type ClusterInfo interface {
	Name() string
}

// MostSpecificPerFilterConfig returns the per route configuration of the
// named filter at the most specific level, or nil.
func MostSpecificPerFilterConfig(r Route, filterName string) any {
	if r == nil {
		return nil
	}

	configs := r.PerFilterConfig(filterName)
	if len(configs) == 0 {
		return nil
	}

	return configs[len(configs)-1]
}

// StreamFilterCallbacks are the callbacks common to both directions.
type StreamFilterCallbacks interface {
	StreamID() uint64
	Connection() Connection
	StreamInfo() StreamInfo
	Dispatcher() Dispatcher

	// Route returns nil when no route matched the stream.
	Route() Route

	// ClusterInfo returns nil when the stream is not routed to a
	// cluster.
	ClusterInfo() ClusterInfo

	// ClearRouteCache makes the pipeline select the route again, e.g.
	// after a filter modified the request headers.
	ClearRouteCache()

	// ActiveSpan returns the tracing span of the stream, or nil.
	ActiveSpan() opentracing.Span

	// SendLocalReply terminates the stream with a response generated by
	// the pipeline. modifyHeaders, when not nil, can change the reply
	// headers before they are sent. details is recorded as the response
	// code details of the stream.
	SendLocalReply(code int, body string, modifyHeaders func(HeaderMap), details string)
}

// DecoderFilterCallbacks are the callbacks of the request direction.
type DecoderFilterCallbacks interface {
	StreamFilterCallbacks

	// ContinueDecoding resumes the request iteration stopped by the
	// filter.
	ContinueDecoding()

	// DecodingBuffer returns the buffered request body, or nil when
	// nothing was buffered.
	DecodingBuffer() Buffer

	// AddDecodedData moves data into the request buffer.
	AddDecodedData(data Buffer, streaming bool)

	// SetDecoderBufferLimit sets the request buffer limit in bytes.
	SetDecoderBufferLimit(limit uint32)
}

// EncoderFilterCallbacks are the callbacks of the response direction.
type EncoderFilterCallbacks interface {
	StreamFilterCallbacks

	// ContinueEncoding resumes the response iteration stopped by the
	// filter.
	ContinueEncoding()

	// EncodingBuffer returns the buffered response body, or nil when
	// nothing was buffered.
	EncodingBuffer() Buffer

	// AddEncodedData moves data into the response buffer.
	AddEncodedData(data Buffer, streaming bool)

	// SetEncoderBufferLimit sets the response buffer limit in bytes.
	SetEncoderBufferLimit(limit uint32)
}

// StreamDecoderFilter processes the request direction.
type StreamDecoderFilter interface {
	DecodeHeaders(headers HeaderMap, endStream bool) HeadersStatus
	DecodeData(data Buffer, endStream bool) DataStatus
	DecodeTrailers(trailers HeaderMap) TrailersStatus
	SetDecoderFilterCallbacks(DecoderFilterCallbacks)
}

// StreamEncoderFilter processes the response direction.
type StreamEncoderFilter interface {
	EncodeHeaders(headers HeaderMap, endStream bool) HeadersStatus
	EncodeData(data Buffer, endStream bool) DataStatus
	EncodeTrailers(trailers HeaderMap) TrailersStatus
	SetEncoderFilterCallbacks(EncoderFilterCallbacks)
}

// StreamFilter processes both directions of a stream.
type StreamFilter interface {
	StreamDecoderFilter
	StreamEncoderFilter

	// OnDestroy is called once, when the stream is torn down. After it
	// returns, the filter must not call its callbacks anymore.
	OnDestroy()
}

// PassThroughFilter implements StreamFilter by continuing every event. It
// can be embedded by filters interested only in some of the events.
type PassThroughFilter struct {
	Decoder DecoderFilterCallbacks
	Encoder EncoderFilterCallbacks
}

var _ StreamFilter = (*PassThroughFilter)(nil)

func (*PassThroughFilter) DecodeHeaders(HeaderMap, bool) HeadersStatus { return HeadersContinue }
func (*PassThroughFilter) DecodeData(Buffer, bool) DataStatus          { return DataContinue }
func (*PassThroughFilter) DecodeTrailers(HeaderMap) TrailersStatus     { return TrailersContinue }
func (*PassThroughFilter) EncodeHeaders(HeaderMap, bool) HeadersStatus { return HeadersContinue }
func (*PassThroughFilter) EncodeData(Buffer, bool) DataStatus          { return DataContinue }
func (*PassThroughFilter) EncodeTrailers(HeaderMap) TrailersStatus     { return TrailersContinue }
func (*PassThroughFilter) OnDestroy()                                  {}

func (f *PassThroughFilter) SetDecoderFilterCallbacks(cb DecoderFilterCallbacks) { f.Decoder = cb }
func (f *PassThroughFilter) SetEncoderFilterCallbacks(cb EncoderFilterCallbacks) { f.Encoder = cb }

// Package pipelinetest provides fake pipeline collaborators for testing
// stream filters without a running proxy.
package pipelinetest

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/opentracing/opentracing-go"

	"github.com/zalando/mgw/pipeline"
)

// Dispatcher queues posted functions until Run is called.
type Dispatcher struct {
	mu    sync.Mutex
	queue []func()
}

func (d *Dispatcher) Post(f func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = append(d.queue, f)
}

// Pending returns the number of queued functions.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Run executes the queued functions, including the ones posted while
// running, and returns how many were executed.
func (d *Dispatcher) Run() int {
	var n int
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return n
		}

		f := d.queue[0]
		d.queue = d.queue[1:]
		d.mu.Unlock()

		f()
		n++
	}
}

// Wait runs queued functions until at least n were executed or the
// timeout expires. It returns the number of executed functions.
func (d *Dispatcher) Wait(n int, timeout time.Duration) int {
	deadline := time.Now().Add(timeout)
	var done int
	for done < n && time.Now().Before(deadline) {
		done += d.Run()
		if done < n {
			time.Sleep(time.Millisecond)
		}
	}

	return done
}

// SSL is a fake TLS connection.
type SSL struct {
	URISANLocal  []string
	DNSSANsLocal []string
	SubjectLocal string
	URISANPeer   []string
	DNSSANsPeer  []string
	SubjectPeer  string
	PeerPEM      string
}

func (s *SSL) URISANLocalCertificate() []string            { return s.URISANLocal }
func (s *SSL) DNSSANsLocalCertificate() []string           { return s.DNSSANsLocal }
func (s *SSL) SubjectLocalCertificate() string             { return s.SubjectLocal }
func (s *SSL) URISANPeerCertificate() []string             { return s.URISANPeer }
func (s *SSL) DNSSANsPeerCertificate() []string            { return s.DNSSANsPeer }
func (s *SSL) SubjectPeerCertificate() string              { return s.SubjectPeer }
func (s *SSL) URLEncodedPEMEncodedPeerCertificate() string { return s.PeerPEM }

// Route is a fake route.
type Route struct {
	RouteName string
	Cluster   string

	// NoEntry makes RouteEntry return nil.
	NoEntry bool

	// Configs holds the per filter configurations, broadest level first.
	Configs map[string][]any
}

type routeEntry string

func (e routeEntry) ClusterName() string { return string(e) }

func (r *Route) Name() string { return r.RouteName }

func (r *Route) RouteEntry() pipeline.RouteEntry {
	if r.NoEntry {
		return nil
	}

	return routeEntry(r.Cluster)
}

func (r *Route) PerFilterConfig(name string) []any { return r.Configs[name] }

// Cluster is a fake cluster.
type Cluster string

func (c Cluster) Name() string { return string(c) }

// LocalReply records a call to SendLocalReply.
type LocalReply struct {
	Code    int
	Body    string
	Headers *pipeline.Headers
	Details string
}

// Callbacks implements both pipeline.DecoderFilterCallbacks and
// pipeline.EncoderFilterCallbacks, recording the calls made by the
// filter. A nil FCluster means that the stream has no cluster.
type Callbacks struct {
	ID       uint64
	Conn     pipeline.Connection
	Info     *pipeline.BasicStreamInfo
	FRoute   pipeline.Route
	FCluster pipeline.ClusterInfo
	Span     opentracing.Span
	Disp     *Dispatcher

	DecodeBuffer       *pipeline.ByteBuffer
	EncodeBuffer       *pipeline.ByteBuffer
	DecoderBufferLimit uint32
	EncoderBufferLimit uint32

	ContinueDecodingCalls int
	ContinueEncodingCalls int
	RouteCacheCleared     int
	LocalReplies          []LocalReply
}

var (
	_ pipeline.DecoderFilterCallbacks = (*Callbacks)(nil)
	_ pipeline.EncoderFilterCallbacks = (*Callbacks)(nil)
)

// NewCallbacks creates callbacks of a plaintext stream from 10.0.0.1 to
// 10.0.0.2, routed to the cluster "backend".
func NewCallbacks() *Callbacks {
	return &Callbacks{
		ID: 1,
		Conn: pipeline.NewConnection(
			&net.TCPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 8080},
			&net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 4321},
			nil,
		),
		Info:     pipeline.NewStreamInfo(time.Unix(1700000000, 0), "HTTP/1.1"),
		FRoute:   &Route{RouteName: "route", Cluster: "backend"},
		FCluster: Cluster("backend"),
		Disp:     &Dispatcher{},
	}
}

func (c *Callbacks) StreamID() uint64                  { return c.ID }
func (c *Callbacks) Connection() pipeline.Connection   { return c.Conn }
func (c *Callbacks) StreamInfo() pipeline.StreamInfo   { return c.Info }
func (c *Callbacks) Dispatcher() pipeline.Dispatcher   { return c.Disp }
func (c *Callbacks) Route() pipeline.Route             { return c.FRoute }
func (c *Callbacks) ClusterInfo() pipeline.ClusterInfo { return c.FCluster }
func (c *Callbacks) ClearRouteCache()                  { c.RouteCacheCleared++ }
func (c *Callbacks) ActiveSpan() opentracing.Span      { return c.Span }
func (c *Callbacks) ContinueDecoding()                 { c.ContinueDecodingCalls++ }
func (c *Callbacks) ContinueEncoding()                 { c.ContinueEncodingCalls++ }
func (c *Callbacks) SetDecoderBufferLimit(l uint32)    { c.DecoderBufferLimit = l }
func (c *Callbacks) SetEncoderBufferLimit(l uint32)    { c.EncoderBufferLimit = l }

func (c *Callbacks) DecodingBuffer() pipeline.Buffer {
	if c.DecodeBuffer == nil {
		return nil
	}

	return c.DecodeBuffer
}

func (c *Callbacks) EncodingBuffer() pipeline.Buffer {
	if c.EncodeBuffer == nil {
		return nil
	}

	return c.EncodeBuffer
}

// AddDecodedData buffers data, and answers 413 when the buffer goes
// above DecoderBufferLimit.
func (c *Callbacks) AddDecodedData(data pipeline.Buffer, _ bool) {
	if c.DecodeBuffer == nil {
		c.DecodeBuffer = pipeline.NewBuffer(nil)
	}

	c.DecodeBuffer.Move(data)
	c.checkLimit(c.DecodeBuffer, c.DecoderBufferLimit, http.StatusRequestEntityTooLarge, "request_payload_too_large")
}

// AddEncodedData buffers data, and answers 500 when the buffer goes
// above EncoderBufferLimit.
func (c *Callbacks) AddEncodedData(data pipeline.Buffer, _ bool) {
	if c.EncodeBuffer == nil {
		c.EncodeBuffer = pipeline.NewBuffer(nil)
	}

	c.EncodeBuffer.Move(data)
	c.checkLimit(c.EncodeBuffer, c.EncoderBufferLimit, http.StatusInternalServerError, "response_payload_too_large")
}

func (c *Callbacks) checkLimit(b pipeline.Buffer, limit uint32, code int, details string) {
	if limit == 0 || b.Len() <= int(limit) {
		return
	}

	c.Info.SetResponseFlag(pipeline.PayloadTooLarge)
	c.SendLocalReply(code, "", nil, details)
}

func (c *Callbacks) SendLocalReply(code int, body string, modifyHeaders func(pipeline.HeaderMap), details string) {
	h := pipeline.NewResponseHeaders(code, nil)
	if modifyHeaders != nil {
		modifyHeaders(h)
	}

	c.Info.SetResponseCodeDetails(details)
	c.LocalReplies = append(c.LocalReplies, LocalReply{Code: code, Body: body, Headers: h, Details: details})
}

package pipeline

import (
	"sync/atomic"
	"time"

	corev3 "github.com/envoyproxy/go-control-plane/envoy/config/core/v3"
	"google.golang.org/protobuf/types/known/structpb"
)

// BasicStreamInfo is the default StreamInfo implementation.
type BasicStreamInfo struct {
	start         time.Time
	protocol      string
	bytesReceived atomic.Uint64
	metadata      *corev3.Metadata
	flags         ResponseFlag
	details       string
}

var _ StreamInfo = (*BasicStreamInfo)(nil)

// NewStreamInfo creates the stream info of a stream started at start.
func NewStreamInfo(start time.Time, protocol string) *BasicStreamInfo {
	return &BasicStreamInfo{
		start:    start,
		protocol: protocol,
		metadata: &corev3.Metadata{FilterMetadata: make(map[string]*structpb.Struct)},
	}
}

func (s *BasicStreamInfo) StartTime() time.Time              { return s.start }
func (s *BasicStreamInfo) Protocol() string                  { return s.protocol }
func (s *BasicStreamInfo) BytesReceived() uint64             { return s.bytesReceived.Load() }
func (s *BasicStreamInfo) AddBytesReceived(n uint64)         { s.bytesReceived.Add(n) }
func (s *BasicStreamInfo) DynamicMetadata() *corev3.Metadata { return s.metadata }
func (s *BasicStreamInfo) SetResponseFlag(f ResponseFlag)    { s.flags |= f }
func (s *BasicStreamInfo) ResponseFlags() ResponseFlag       { return s.flags }
func (s *BasicStreamInfo) SetResponseCodeDetails(d string)   { s.details = d }
func (s *BasicStreamInfo) ResponseCodeDetails() string       { return s.details }

// SetDynamicMetadata merges fields into the namespace of the dynamic
// metadata. Existing fields with the same name are replaced.
func (s *BasicStreamInfo) SetDynamicMetadata(namespace string, fields *structpb.Struct) {
	if fields == nil {
		return
	}

	current, ok := s.metadata.FilterMetadata[namespace]
	if !ok || current == nil {
		current = &structpb.Struct{Fields: make(map[string]*structpb.Value)}
		s.metadata.FilterMetadata[namespace] = current
	}

	for k, v := range fields.GetFields() {
		current.Fields[k] = v
	}
}

package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"
)

func TestStreamInfoDynamicMetadata(t *testing.T) {
	s := NewStreamInfo(time.Now(), "HTTP/1.1")
	require.NotNil(t, s.DynamicMetadata())

	first, err := structpb.NewStruct(map[string]any{"a": "1", "b": "2"})
	require.NoError(t, err)
	second, err := structpb.NewStruct(map[string]any{"b": "3"})
	require.NoError(t, err)

	s.SetDynamicMetadata("ns", first)
	s.SetDynamicMetadata("ns", second)
	s.SetDynamicMetadata("empty", nil)

	ns := s.DynamicMetadata().GetFilterMetadata()["ns"].AsMap()
	assert.Equal(t, map[string]any{"a": "1", "b": "3"}, ns)
	assert.NotContains(t, s.DynamicMetadata().GetFilterMetadata(), "empty")
}

func TestStreamInfoFlags(t *testing.T) {
	s := NewStreamInfo(time.Now(), "HTTP/2.0")
	s.AddBytesReceived(3)
	s.AddBytesReceived(4)
	s.SetResponseFlag(UnauthorizedExternalService)
	s.SetResponseCodeDetails("mgw_denied")

	assert.Equal(t, uint64(7), s.BytesReceived())
	assert.Equal(t, UnauthorizedExternalService, s.ResponseFlags())
	assert.Equal(t, "mgw_denied", s.ResponseCodeDetails())
	assert.Equal(t, "HTTP/2.0", s.Protocol())
}

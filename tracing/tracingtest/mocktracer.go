// Package tracingtest provides an opentracing tracer for tests, recording
// the spans.
package tracingtest

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/mocktracer"
)

const finishTimeout = time.Second

// MockTracer records the spans. The spans can be read once every started
// span finished.
type MockTracer struct {
	mockTracer *mocktracer.MockTracer
	spans      atomic.Int32
}

type MockSpan struct {
	*mocktracer.MockSpan
	t *MockTracer
}

var _ opentracing.Tracer = NewTracer()

func NewTracer() *MockTracer {
	return &MockTracer{mockTracer: mocktracer.New()}
}

func (t *MockTracer) Reset() {
	t.spans.Store(0)
	t.mockTracer.Reset()
}

func (t *MockTracer) StartSpan(operationName string, opts ...opentracing.StartSpanOption) opentracing.Span {
	t.spans.Add(1)
	return &MockSpan{MockSpan: t.mockTracer.StartSpan(operationName, opts...).(*mocktracer.MockSpan), t: t}
}

// FinishedSpans waits until every started span finished. It panics
// when they don't finish in time.
func (t *MockTracer) FinishedSpans() []*MockSpan {
	timeout := time.After(finishTimeout)
	retry := time.NewTicker(10 * time.Millisecond)
	defer retry.Stop()
	for {
		finished := t.mockTracer.FinishedSpans()
		if len(finished) == int(t.spans.Load()) {
			return t.wrap(finished)
		}

		select {
		case <-retry.C:
		case <-timeout:
			panic(fmt.Sprintf("Timeout waiting for %d finished spans, got: %d", t.spans.Load(), len(finished)))
		}
	}
}

func (t *MockTracer) wrap(spans []*mocktracer.MockSpan) []*MockSpan {
	result := make([]*MockSpan, len(spans))
	for i, s := range spans {
		result[i] = &MockSpan{MockSpan: s, t: t}
	}

	return result
}

// FindSpan returns the first finished span with the operation name, or
// nil.
func (t *MockTracer) FindSpan(operationName string) *MockSpan {
	if spans := t.FindSpans(operationName); len(spans) > 0 {
		return spans[0]
	}

	return nil
}

// FindSpans returns the finished spans with the operation name.
func (t *MockTracer) FindSpans(operationName string) []*MockSpan {
	var spans []*MockSpan
	for _, s := range t.FinishedSpans() {
		if s.OperationName == operationName {
			spans = append(spans, s)
		}
	}

	return spans
}

func (t *MockTracer) Inject(sm opentracing.SpanContext, format any, carrier any) error {
	return t.mockTracer.Inject(sm, format, carrier)
}

func (t *MockTracer) Extract(format any, carrier any) (opentracing.SpanContext, error) {
	return t.mockTracer.Extract(format, carrier)
}

func (s *MockSpan) Tracer() opentracing.Tracer {
	return s.t
}

// Package tracing creates the opentracing tracer of the gateway from the
// command line options.
//
// The first option names the tracer implementation, the rest is passed to
// it. The supported implementations are noop and basic, see
// tracing/tracers/basic.
package tracing

import (
	"errors"
	"fmt"

	ot "github.com/opentracing/opentracing-go"

	"github.com/zalando/mgw/logging"
	"github.com/zalando/mgw/tracing/tracers/basic"
)

var (
	// ErrUnsupportedTracer is returned when an unsupported opentracing
	// implementation was requested as tracer
	ErrUnsupportedTracer error = errors.New("invalid argument, not a supported tracer")
	// ErrMissingArguments is returned when an empty list is passed to Init()
	ErrMissingArguments error = errors.New("no arguments passed")
)

// Tracer is an opentracing tracer releasing its resources on Close.
type Tracer interface {
	ot.Tracer
	Close()
}

type noopTracer struct{ ot.NoopTracer }

func (noopTracer) Close() {}

// New creates the tracer selected by the options.
func New(opts []string, log logging.Logger) (Tracer, error) {
	if len(opts) == 0 {
		return nil, ErrMissingArguments
	}

	impl, opts := opts[0], opts[1:]
	switch impl {
	case "noop":
		return noopTracer{}, nil
	case "basic":
		t, err := basic.InitTracer(opts, log)
		if err != nil {
			return nil, fmt.Errorf("tracer %s: %w", impl, err)
		}

		return t, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedTracer, impl)
	}
}

// Init creates the tracer selected by the options, and sets it as the
// global tracer.
func Init(opts []string, log logging.Logger) (Tracer, error) {
	t, err := New(opts, log)
	if err != nil {
		return nil, err
	}

	ot.SetGlobalTracer(t)
	return t, nil
}

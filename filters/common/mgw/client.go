package mgw

import (
	"context"
	"sync/atomic"
	"time"

	authv3 "github.com/envoyproxy/go-control-plane/envoy/service/auth/v3"
	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/ext"
	log "github.com/sirupsen/logrus"

	"github.com/zalando/mgw/circuit"
	"github.com/zalando/mgw/pipeline"
)

// DefaultTimeout is the timeout of a decision call when none is
// configured.
const DefaultTimeout = 200 * time.Millisecond

const (
	serviceTag = "mgw.service"
	statusTag  = "mgw.status"
)

// Handle identifies an in-flight decision call.
type Handle interface {
	// Cancel aborts the call. After Cancel returns, the callbacks of the
	// call are not invoked. Cancelling a completed call is a no-op.
	Cancel()
}

// Client makes decision calls. The callbacks are invoked on the
// dispatcher passed to Check and Intercept, or synchronously before they
// return.
type Client interface {
	// Check asks for the decision about a request.
	Check(cb RequestCallbacks, req *authv3.CheckRequest, parent opentracing.Span, d pipeline.Dispatcher) Handle

	// Intercept asks for the decision about a response.
	Intercept(cb ResponseCallbacks, req *authv3.CheckRequest, parent opentracing.Span, d pipeline.Dispatcher) Handle

	Close() error
}

type decideFunc func(ctx context.Context, req *authv3.CheckRequest) *Response

// caller runs decideFunc asynchronously, guarded by the circuit breaker
// of the service and traced with a span per call.
type caller struct {
	operation string
	service   string
	timeout   time.Duration
	tracer    opentracing.Tracer
	breakers  *circuit.Registry
	decide    decideFunc
}

type call struct {
	cancel context.CancelFunc
	done   atomic.Bool
}

func (c *call) Cancel() {
	if c.done.CompareAndSwap(false, true) {
		c.cancel()
	}
}

// complete reports whether the call was not cancelled or completed
// before, and marks it completed.
func (c *call) complete() bool {
	if !c.done.CompareAndSwap(false, true) {
		return false
	}

	c.cancel()
	return true
}

type completedCall struct{}

func (completedCall) Cancel() {}

func (c *caller) Check(cb RequestCallbacks, req *authv3.CheckRequest, parent opentracing.Span, d pipeline.Dispatcher) Handle {
	return c.call(req, parent, d, cb.OnComplete)
}

func (c *caller) Intercept(cb ResponseCallbacks, req *authv3.CheckRequest, parent opentracing.Span, d pipeline.Dispatcher) Handle {
	return c.call(req, parent, d, cb.OnResponseComplete)
}

func (c *caller) startSpan(parent opentracing.Span) opentracing.Span {
	var span opentracing.Span
	switch {
	case parent != nil:
		span = parent.Tracer().StartSpan(c.operation, opentracing.ChildOf(parent.Context()))
	case c.tracer != nil:
		span = c.tracer.StartSpan(c.operation)
	default:
		span = opentracing.NoopTracer{}.StartSpan(c.operation)
	}

	ext.SpanKindRPCClient.Set(span)
	span.SetTag(serviceTag, c.service)
	return span
}

func finishSpan(span opentracing.Span, rsp *Response) {
	span.SetTag(statusTag, rsp.Status.String())
	if rsp.Err != nil {
		ext.Error.Set(span, true)
		span.LogKV("event", "error", "message", rsp.Err.Error())
	}

	span.Finish()
}

func (c *caller) call(req *authv3.CheckRequest, parent opentracing.Span, d pipeline.Dispatcher, onComplete func(*Response)) Handle {
	done, ok := c.breakers.Get(c.service).Allow()
	if !ok {
		log.Debugf("Circuit breaker open for decision service %s.", c.service)
		onComplete(ErrorResponse(circuit.ErrOpen))
		return completedCall{}
	}

	span := c.startSpan(parent)

	ctx := opentracing.ContextWithSpan(context.Background(), span)
	var cancel context.CancelFunc
	if c.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	cl := &call{cancel: cancel}
	go func() {
		rsp := c.decide(ctx, req)

		// cancelled calls are not failures of the service
		done(rsp.Status != Error || cl.done.Load())
		finishSpan(span, rsp)

		d.Post(func() {
			if cl.complete() {
				onComplete(rsp)
			}
		})
	}()

	return cl
}

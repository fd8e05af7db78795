// Package basic provides an in-memory tracer, logging the sampled spans
// periodically. It is meant for local setups and tests.
package basic

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	basic "github.com/opentracing/basictracer-go"
	opentracing "github.com/opentracing/opentracing-go"

	"github.com/zalando/mgw/logging"
)

const defaultFlushPeriod = time.Second

type CloseableTracer interface {
	opentracing.Tracer
	Close()
}

type basicTracer struct {
	opentracing.Tracer
	quit chan struct{}
	once sync.Once
}

// InitTracer creates the tracer from options in the form of key=value.
// The supported keys are drop-all-logs, sample-modulo, max-logs-per-span
// and flush-period.
func InitTracer(opts []string, log logging.Logger) (CloseableTracer, error) {
	var (
		dropAllLogs    bool
		sampleModulo   uint64 = 1
		maxLogsPerSpan        = 0
		flushPeriod           = defaultFlushPeriod
		err            error
	)

	for _, o := range opts {
		k, v, _ := strings.Cut(o, "=")
		switch k {
		case "drop-all-logs":
			dropAllLogs = true

		case "sample-modulo":
			if v == "" {
				return nil, missingArg(k)
			}
			sampleModulo, err = strconv.ParseUint(v, 10, 64)
			if err != nil {
				return nil, invalidArg(k, err)
			}
			if sampleModulo == 0 {
				return nil, invalidArg(k, fmt.Errorf("must be positive"))
			}

		case "max-logs-per-span":
			if v == "" {
				return nil, missingArg(k)
			}
			maxLogsPerSpan, err = strconv.Atoi(v)
			if err != nil {
				return nil, invalidArg(k, err)
			}

		case "flush-period":
			if v == "" {
				return nil, missingArg(k)
			}
			flushPeriod, err = time.ParseDuration(v)
			if err != nil {
				return nil, invalidArg(k, err)
			}
			if flushPeriod <= 0 {
				return nil, invalidArg(k, fmt.Errorf("must be positive"))
			}

		default:
			return nil, fmt.Errorf("unknown option %s", k)
		}
	}

	recorder := basic.NewInMemoryRecorder()
	bt := &basicTracer{
		Tracer: basic.NewWithOptions(basic.Options{
			DropAllLogs:    dropAllLogs,
			ShouldSample:   func(traceID uint64) bool { return traceID%sampleModulo == 0 },
			MaxLogsPerSpan: maxLogsPerSpan,
			Recorder:       recorder,
		}),
		quit: make(chan struct{}),
	}

	go func() {
		ticker := time.NewTicker(flushPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				flush(recorder, log)
			case <-bt.quit:
				flush(recorder, log)
				return
			}
		}
	}()

	return bt, nil
}

func flush(recorder *basic.InMemorySpanRecorder, log logging.Logger) {
	spans := recorder.GetSampledSpans()
	recorder.Reset()
	for _, span := range spans {
		log.Infof(
			"span trace=%x span=%x parent=%x operation=%s duration=%v tags=%v",
			span.Context.TraceID,
			span.Context.SpanID,
			span.ParentSpanID,
			span.Operation,
			span.Duration,
			span.Tags,
		)
	}
}

func missingArg(opt string) error {
	return fmt.Errorf("missing argument for %s option", opt)
}

func invalidArg(opt string, err error) error {
	return fmt.Errorf("invalid argument for %s option: %s", opt, err)
}

func (bt *basicTracer) Close() {
	bt.once.Do(func() {
		close(bt.quit)
	})
}

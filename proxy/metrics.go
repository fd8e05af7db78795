package proxy

import (
	"time"

	"github.com/zalando/mgw/metrics"
)

const unknownRouteID = "_unknownroute_"

type meter struct {
	metrics metrics.Metrics
}

func (m meter) incIncoming(proto string)               { m.metrics.IncCounter("incoming." + proto) }
func (m meter) incRoutingFailures()                    { m.metrics.IncCounter("routing.failures") }
func (m meter) measureRouteLookup(t time.Time)         { m.metrics.MeasureSince("routelookup", t) }
func (m meter) incErrorsBackend(rid string)            { m.metrics.IncErrorsBackend(rid) }
func (m meter) measureBackend(rid string, t time.Time) { m.metrics.MeasureBackend(rid, t) }
func (m meter) incErrorsStreaming(rid string)          { m.metrics.IncCounter("errors.streaming." + rid) }

func (m meter) measureResponse(status int, method string, rid string, t time.Time) {
	m.metrics.MeasureResponse(status, method, rid, t)
}

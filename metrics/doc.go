/*
Package metrics implements the collection of the gateway's counters and
timers.

Two backends are available, which can also be used together:

  - codahale: the Go implementation of the Coda Hale metrics library,
    https://github.com/rcrowley/go-metrics, exposing the values as JSON.
  - prometheus: the Prometheus client library, exposing the values in the
    Prometheus text format.

Filters receive a Metrics instance and increment named counters on it,
e.g. the decision filter counts ok, denied, error and
failure_mode_allowed outcomes. The proxy measures the response and
backend durations per route.

The collected values are served by the support listener, on the path
/metrics.
*/
package metrics

package proxy

import (
	"sync"

	"github.com/zalando/mgw/pipeline"
)

// dispatcher queues the events of a stream for the goroutine serving
// it. Events posted after the stream ended are dropped.
type dispatcher struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	ready  chan struct{}
}

var _ pipeline.Dispatcher = (*dispatcher)(nil)

func newDispatcher() *dispatcher {
	return &dispatcher{ready: make(chan struct{}, 1)}
}

func (d *dispatcher) Post(f func()) { d.post(f) }

// post returns false when the stream ended.
func (d *dispatcher) post(f func()) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}

	d.queue = append(d.queue, f)
	d.mu.Unlock()

	select {
	case d.ready <- struct{}{}:
	default:
	}

	return true
}

func (d *dispatcher) drain() []func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	q := d.queue
	d.queue = nil
	return q
}

func (d *dispatcher) close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.queue = nil
}

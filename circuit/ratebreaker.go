package circuit

import (
	"sync"

	"github.com/sony/gobreaker"
)

// failureWindow counts the failures among the last size outcomes.
type failureWindow struct {
	outcomes []bool
	next     int
	filled   bool
	failures int
}

func newFailureWindow(size int) *failureWindow {
	if size <= 0 {
		size = 1
	}

	return &failureWindow{outcomes: make([]bool, size)}
}

func (w *failureWindow) tick(failed bool) {
	if w.filled && w.outcomes[w.next] {
		w.failures--
	}

	w.outcomes[w.next] = failed
	if failed {
		w.failures++
	}

	w.next++
	if w.next == len(w.outcomes) {
		w.next = 0
		w.filled = true
	}
}

type rateBreaker struct {
	settings BreakerSettings
	mu       sync.Mutex
	window   *failureWindow
	gb       *gobreaker.TwoStepCircuitBreaker
}

func newRate(s BreakerSettings) *rateBreaker {
	b := &rateBreaker{settings: s}
	b.gb = newTwoStep(s, func(gobreaker.Counts) bool { return b.readyToTrip() })
	return b
}

func (b *rateBreaker) readyToTrip() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.window == nil {
		return false
	}

	open := b.window.failures >= b.settings.Failures
	if open {
		b.window = nil
	}

	return open
}

// counts the failures in closed and half-open state
func (b *rateBreaker) count(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.window == nil {
		b.window = newFailureWindow(b.settings.Window)
	}

	b.window.tick(!success)
}

func (b *rateBreaker) Allow() (func(bool), bool) {
	done, err := b.gb.Allow()
	if err != nil {
		return nil, false
	}

	return func(success bool) {
		b.count(success)
		done(success)
	}, true
}

// Package loggingtest implements a logging.Logger that records the
// entries, so tests can wait for them.
package loggingtest

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/zalando/mgw/logging"
)

type subscription struct {
	exp  string
	n    int
	done chan struct{}
}

// TestLogger records every entry.
type TestLogger struct {
	mu      sync.Mutex
	entries []string
	subs    []*subscription
	muted   bool
}

var ErrWaitTimeout = errors.New("timeout")

var _ logging.Logger = (*TestLogger)(nil)

func New() *TestLogger {
	return &TestLogger{}
}

func (tl *TestLogger) save(e string) {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	if tl.muted {
		return
	}

	tl.entries = append(tl.entries, e)
	for i := len(tl.subs) - 1; i >= 0; i-- {
		s := tl.subs[i]
		if !strings.Contains(e, s.exp) {
			continue
		}

		s.n--
		if s.n <= 0 {
			close(s.done)
			tl.subs = append(tl.subs[:i], tl.subs[i+1:]...)
		}
	}
}

func (tl *TestLogger) logf(f string, a ...any) { tl.save(fmt.Sprintf(f, a...)) }
func (tl *TestLogger) log(a ...any)            { tl.save(fmt.Sprint(a...)) }

// WaitForN waits until n entries containing exp were logged.
func (tl *TestLogger) WaitForN(exp string, n int, to time.Duration) error {
	s := &subscription{exp: exp, n: n, done: make(chan struct{})}

	tl.mu.Lock()
	for _, e := range tl.entries {
		if strings.Contains(e, exp) {
			s.n--
		}
	}

	if s.n <= 0 {
		tl.mu.Unlock()
		return nil
	}

	tl.subs = append(tl.subs, s)
	tl.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-time.After(to):
		return ErrWaitTimeout
	}
}

func (tl *TestLogger) WaitFor(exp string, to time.Duration) error {
	return tl.WaitForN(exp, 1, to)
}

// Count returns how many recorded entries contain exp.
func (tl *TestLogger) Count(exp string) int {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	var n int
	for _, e := range tl.entries {
		if strings.Contains(e, exp) {
			n++
		}
	}

	return n
}

func (tl *TestLogger) Reset() {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.entries = nil
	tl.subs = nil
}

// Mute stops recording until Unmute.
func (tl *TestLogger) Mute() {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.muted = true
}

func (tl *TestLogger) Unmute() {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.muted = false
}

func (tl *TestLogger) Error(a ...any)            { tl.log(a...) }
func (tl *TestLogger) Errorf(f string, a ...any) { tl.logf(f, a...) }
func (tl *TestLogger) Warn(a ...any)             { tl.log(a...) }
func (tl *TestLogger) Warnf(f string, a ...any)  { tl.logf(f, a...) }
func (tl *TestLogger) Info(a ...any)             { tl.log(a...) }
func (tl *TestLogger) Infof(f string, a ...any)  { tl.logf(f, a...) }
func (tl *TestLogger) Debug(a ...any)            { tl.log(a...) }
func (tl *TestLogger) Debugf(f string, a ...any) { tl.logf(f, a...) }

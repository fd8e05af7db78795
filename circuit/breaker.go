package circuit

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrOpen is returned by the decision clients when the breaker of the
// service rejected the call.
var ErrOpen = errors.New("circuit breaker open")

// BreakerType defines the type of the used breaker: consecutive, rate or disabled.
type BreakerType int

const (
	BreakerNone BreakerType = iota
	ConsecutiveFailures
	FailureRate
	BreakerDisabled
)

// ParseBreakerType parses the name of a breaker type.
func ParseBreakerType(value string) (BreakerType, error) {
	switch value {
	case "consecutive":
		return ConsecutiveFailures, nil
	case "rate":
		return FailureRate, nil
	case "disabled":
		return BreakerDisabled, nil
	default:
		return BreakerNone, fmt.Errorf("invalid breaker type %v (allowed values are: consecutive, rate or disabled)", value)
	}
}

func (b *BreakerType) UnmarshalYAML(unmarshal func(any) error) error {
	var value string
	if err := unmarshal(&value); err != nil {
		return err
	}

	t, err := ParseBreakerType(value)
	if err != nil {
		return err
	}

	*b = t
	return nil
}

func (b BreakerType) String() string {
	switch b {
	case ConsecutiveFailures:
		return "consecutive"
	case FailureRate:
		return "rate"
	case BreakerDisabled:
		return "disabled"
	default:
		return "none"
	}
}

// BreakerSettings contains the settings of the breaker of a decision
// service. See the package overview for the merging rules.
type BreakerSettings struct {
	Type             BreakerType   `yaml:"type"`
	Service          string        `yaml:"service"`
	Window           int           `yaml:"window"`
	Failures         int           `yaml:"failures"`
	Timeout          time.Duration `yaml:"timeout"`
	HalfOpenRequests int           `yaml:"half-open-requests"`
	IdleTTL          time.Duration `yaml:"idle-ttl"`
}

type breakerImplementation interface {
	Allow() (func(bool), bool)
}

type voidBreaker struct{}

func (voidBreaker) Allow() (func(bool), bool) {
	return func(bool) {}, true
}

// Breaker represents the circuit breaker of a single decision service.
//
// Use the Get() method of the Registry to request fully initialized breakers.
type Breaker struct {
	settings BreakerSettings
	ts       time.Time
	impl     breakerImplementation
}

func (to BreakerSettings) mergeSettings(from BreakerSettings) BreakerSettings {
	if to.Type == BreakerNone {
		to.Type = from.Type

		if from.Type == ConsecutiveFailures {
			to.Failures = from.Failures
		}

		if from.Type == FailureRate {
			to.Window = from.Window
			to.Failures = from.Failures
		}
	}

	if to.Timeout == 0 {
		to.Timeout = from.Timeout
	}

	if to.HalfOpenRequests == 0 {
		to.HalfOpenRequests = from.HalfOpenRequests
	}

	if to.IdleTTL == 0 {
		to.IdleTTL = from.IdleTTL
	}

	return to
}

// String returns the flag representation of the settings.
//
//lint:ignore ST1016 "s" makes sense here and mergeSettings has "to"
func (s BreakerSettings) String() string {
	var ss []string

	switch s.Type {
	case ConsecutiveFailures, FailureRate, BreakerDisabled:
		ss = append(ss, "type="+s.Type.String())
	}

	if s.Service != "" {
		ss = append(ss, "service="+s.Service)
	}

	if s.Type == FailureRate && s.Window > 0 {
		ss = append(ss, "window="+strconv.Itoa(s.Window))
	}

	if s.Failures > 0 {
		ss = append(ss, "failures="+strconv.Itoa(s.Failures))
	}

	if s.Timeout > 0 {
		ss = append(ss, "timeout="+s.Timeout.String())
	}

	if s.HalfOpenRequests > 0 {
		ss = append(ss, "half-open-requests="+strconv.Itoa(s.HalfOpenRequests))
	}

	if s.IdleTTL > 0 {
		ss = append(ss, "idle-ttl="+s.IdleTTL.String())
	}

	return strings.Join(ss, ",")
}

func newBreaker(s BreakerSettings) *Breaker {
	var impl breakerImplementation
	switch s.Type {
	case ConsecutiveFailures:
		impl = newConsecutive(s)
	case FailureRate:
		impl = newRate(s)
	default:
		impl = voidBreaker{}
	}

	return &Breaker{
		settings: s,
		impl:     impl,
	}
}

// Allow returns true if the breaker lets the call through, and a callback
// for reporting its outcome. The callback expects true when the call
// succeeded. A nil breaker allows every call.
func (b *Breaker) Allow() (func(bool), bool) {
	if b == nil {
		return func(bool) {}, true
	}

	return b.impl.Allow()
}

// Settings returns the merged settings of the breaker.
func (b *Breaker) Settings() BreakerSettings {
	return b.settings
}

func (b *Breaker) idle(now time.Time) bool {
	return now.Sub(b.ts) > b.settings.IdleTTL
}

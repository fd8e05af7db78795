package circuit

import (
	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// newTwoStep creates the gobreaker of a decision service, tripping when
// ready returns true.
func newTwoStep(s BreakerSettings, ready func(gobreaker.Counts) bool) *gobreaker.TwoStepCircuitBreaker {
	return gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        s.Service,
		MaxRequests: uint32(s.HalfOpenRequests),
		Timeout:     s.Timeout,
		ReadyToTrip: ready,
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithField("service", name).Infof("decision service breaker went from %v to %v", from, to)
		},
	})
}

// consecutiveBreaker opens after the configured number of failed calls
// in a row.
type consecutiveBreaker struct {
	gb *gobreaker.TwoStepCircuitBreaker
}

func newConsecutive(s BreakerSettings) *consecutiveBreaker {
	return &consecutiveBreaker{gb: newTwoStep(s, func(c gobreaker.Counts) bool {
		return int(c.ConsecutiveFailures) >= s.Failures
	})}
}

func (b *consecutiveBreaker) Allow() (func(bool), bool) {
	done, err := b.gb.Allow()

	// the error only tells that the breaker is not closed
	if err != nil {
		return nil, false
	}

	return done, true
}

package circuit

import (
	"sync"
	"time"
)

const DefaultIdleTTL = time.Hour

// Registry objects hold the breakers of the decision services, ensure
// synchronized access to them, apply the default settings and recycle the
// idle breakers.
type Registry struct {
	defaults        BreakerSettings
	serviceSettings map[string]BreakerSettings
	lookup          map[string]*Breaker
	mu              sync.Mutex
}

// NewRegistry initializes a registry with the provided settings. Settings
// with an empty Service field are considered as defaults. Settings with the
// same Service field are merged together.
func NewRegistry(settings ...BreakerSettings) *Registry {
	var defaults BreakerSettings
	for _, s := range settings {
		if s.Service == "" {
			defaults = s.mergeSettings(defaults)
		}
	}

	if defaults.IdleTTL <= 0 {
		defaults.IdleTTL = DefaultIdleTTL
	}

	ss := make(map[string]BreakerSettings)
	for _, s := range settings {
		if s.Service == "" {
			continue
		}

		if prev, ok := ss[s.Service]; ok {
			ss[s.Service] = s.mergeSettings(prev)
		} else {
			ss[s.Service] = s.mergeSettings(defaults)
		}
	}

	return &Registry{
		defaults:        defaults,
		serviceSettings: ss,
		lookup:          make(map[string]*Breaker),
	}
}

func (r *Registry) settings(service string) BreakerSettings {
	if s, ok := r.serviceSettings[service]; ok {
		return s
	}

	s := r.defaults
	s.Service = service
	return s
}

func (r *Registry) dropIdle(now time.Time) {
	for service, b := range r.lookup {
		if b.idle(now) {
			delete(r.lookup, service)
		}
	}
}

// Get returns the breaker of a decision service, or nil when the service
// has no breaker configured. A nil registry returns nil.
func (r *Registry) Get(service string) *Breaker {
	if r == nil || service == "" {
		return nil
	}

	s := r.settings(service)
	if s.Type == BreakerNone || s.Type == BreakerDisabled {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	b, ok := r.lookup[service]
	if !ok || b.idle(now) {
		r.dropIdle(now)
		b = newBreaker(s)
		r.lookup[service] = b
	}

	b.ts = now
	return b
}

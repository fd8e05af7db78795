package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownFilter is returned when a filter name is not registered.
var ErrUnknownFilter = errors.New("unknown filter")

// FilterFactory creates the filter instances of one filter type.
type FilterFactory interface {
	// Name returns the name under which the filter is registered and
	// referenced from the route configuration.
	Name() string

	// CreateFilter returns a new filter instance for a single stream.
	CreateFilter() StreamFilter

	// ParseRouteConfig decodes and validates a per route configuration
	// given as JSON. The returned value is handed back to the filter by
	// Route.PerFilterConfig.
	ParseRouteConfig(raw json.RawMessage) (any, error)
}

// Registry maps filter names to their factories.
type Registry map[string]FilterFactory

// Register adds factories to the registry, replacing the ones with the
// same name.
func (r Registry) Register(factories ...FilterFactory) {
	for _, f := range factories {
		r[f.Name()] = f
	}
}

// Get returns the factory registered with name.
func (r Registry) Get(name string) (FilterFactory, error) {
	f, ok := r[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFilter, name)
	}

	return f, nil
}

// ParseRouteConfig parses a per route configuration with the factory
// registered with filterName.
func (r Registry) ParseRouteConfig(filterName string, raw json.RawMessage) (any, error) {
	f, err := r.Get(filterName)
	if err != nil {
		return nil, err
	}

	return f.ParseRouteConfig(raw)
}

package routing

import "errors"

var (
	// ErrInvalidRouteConfig is returned for route tables that cannot be
	// parsed or reference unknown clusters or filters.
	ErrInvalidRouteConfig = errors.New("invalid route config")

	// ErrNoRoute is returned when no route matches a request.
	ErrNoRoute = errors.New("no route")
)

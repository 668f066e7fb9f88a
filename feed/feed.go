package feed

import (
	"context"
	"errors"
	"time"

	"tidbyt.dev/bustime/model"
)

var ErrMissingAPIKey = errors.New("missing API key")

// Finds physical stops near a coordinate.
type StopLocator interface {
	FindStopsNear(ctx context.Context, coord model.Coordinate, radiusMeters int) ([]model.Stop, error)
}

// Fetches pending arrivals at a single stop.
type ArrivalFetcher interface {
	FetchArrivals(ctx context.Context, stopID string, maxVisits int) ([]model.Arrival, error)
}

// Lists a route's stops and their grouping into directions.
type RouteStopsSource interface {
	StopsForRoute(ctx context.Context, routeID string) (*model.RouteStops, error)
}

// Receives one observation per upstream call. Outcome is "ok" or
// "error".
type Metrics interface {
	ObserveUpstream(endpoint string, outcome string, duration time.Duration)
}

package model

import (
	"time"
)

// Holds all external facing types and constants.

type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type Occupancy string

const (
	OccupancySeatsAvailable    Occupancy = "seatsAvailable"
	OccupancyStandingAvailable Occupancy = "standingAvailable"
	OccupancyFull              Occupancy = "full"
)

// Parses a feed occupancy value. Unknown values yield nil.
func ParseOccupancy(s string) *Occupancy {
	var o Occupancy
	switch s {
	case "seatsAvailable", "SEATS_AVAILABLE":
		o = OccupancySeatsAvailable
	case "standingAvailable", "STANDING_AVAILABLE":
		o = OccupancyStandingAvailable
	case "full", "FULL":
		o = OccupancyFull
	default:
		return nil
	}
	return &o
}

// A physical stop as reported by the feed. ID may be a comma joined
// list of feed IDs after merging.
//
// Coordinate is nil when the feed omitted it or sent something
// unparseable. Distance is in miles from the request origin, nil when
// unknown.
type Stop struct {
	ID         string      `json:"stopId"`
	Name       string      `json:"stopName"`
	Coordinate *Coordinate `json:"coordinate,omitempty"`
	Routes     []string    `json:"routes"`
	Distance   *float64    `json:"distance"`
}

// A single vehicle's predicted call at a stop. Every field the feed
// may omit is a pointer.
type Arrival struct {
	VehicleID           string     `json:"vehicleId"`
	RouteID             string     `json:"routeId"`
	Destination         string     `json:"directionDestination"`
	RecordedAt          time.Time  `json:"recordedAt"`
	ExpectedArrivalTime *time.Time `json:"expectedArrivalTime"`
	StopsAway           *int       `json:"stopsAway"`
	DistanceMeters      *float64   `json:"distanceMeters"`
	PresentableDistance string     `json:"presentableDistance,omitempty"`
	Occupancy           *Occupancy `json:"occupancy,omitempty"`
}

// Returns the stops away count, or -1 when unknown.
func (a Arrival) StopsAwayOrUnknown() int {
	if a.StopsAway == nil {
		return -1
	}
	return *a.StopsAway
}

// The aggregated stops and arrivals around a coordinate.
type Payload struct {
	Stops            []Stop               `json:"stops"`
	ArrivalsByStopID map[string][]Arrival `json:"arrivals"`
	Timestamp        time.Time            `json:"timestamp"`
	Location         Coordinate           `json:"location"`
}

// A group of feed stops sharing a normalized name, collapsed into
// one.
type MergedStop struct {
	ID         string      `json:"stopId"`
	StopIDs    []string    `json:"stopIds"`
	Name       string      `json:"stopName"`
	Coordinate *Coordinate `json:"coordinate,omitempty"`
	Routes     []string    `json:"routes"`
	Distance   *float64    `json:"distance"`
	Arrivals   []Arrival   `json:"arrivals"`
}

// A stop on a route, as listed by stops-for-route.
type RouteStop struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Coordinate *Coordinate `json:"-"`
}

// One direction of travel on a route. ID is the feed's direction
// index, conventionally "0" or "1".
type Direction struct {
	ID      string
	Name    string
	StopIDs []string
}

// Stops and direction groupings for a route.
type RouteStops struct {
	RouteID    string
	Stops      []RouteStop
	Directions []Direction
}

// Ordered stop names for one direction of one route.
type StopSequence struct {
	RouteID     string
	DirectionID string
	StopNames   []string
	Found       bool
}

// Estimated position of a vehicle within a StopSequence.
type BusPosition struct {
	BusIndex             int  `json:"busIndex"`
	IsBeyondVisibleRange bool `json:"isBeyondVisibleRange"`
	OverflowCount        int  `json:"overflowCount"`
}

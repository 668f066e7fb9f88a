package bustime

import (
	"fmt"
	"math"
	"strings"
	"time"

	"tidbyt.dev/bustime/model"
)

const (
	TimeUnknown     = "unknown"
	timeLayout      = "3:04 PM"
	agencySeparator = "_"
)

// An arrival, as shown to riders.
type ArrivalView struct {
	VehicleID           string `json:"vehicleId"`
	RouteID             string `json:"routeId"`
	Route               string `json:"route"`
	Destination         string `json:"destination"`
	StopsAway           *int   `json:"stopsAway"`
	StopsAwayLabel      string `json:"stopsAwayLabel"`
	ArrivalTime         string `json:"arrivalTime"`
	MinutesAway         *int   `json:"minutesAway"`
	PresentableDistance string `json:"presentableDistance,omitempty"`
	Occupancy           string `json:"occupancy,omitempty"`
}

// A merged stop, as shown to riders.
type StopView struct {
	StopID   string        `json:"stopId"`
	StopIDs  []string      `json:"stopIds"`
	StopName string        `json:"stopName"`
	Distance *float64      `json:"distance"`
	Routes   []string      `json:"routes"`
	Arrivals []ArrivalView `json:"arrivals"`
}

// Strips the agency prefix from a route ID, e.g. "MTA NYCT_M15" is
// "M15".
func RouteShortName(routeID string) string {
	if i := strings.LastIndex(routeID, agencySeparator); i >= 0 {
		return routeID[i+1:]
	}
	return routeID
}

// Returns "<1 stop away", "1 stop away" or "N stops away". Unknown
// counts render as "".
func StopsAwayLabel(stopsAway *int) string {
	if stopsAway == nil || *stopsAway < 0 {
		return ""
	}
	switch *stopsAway {
	case 0:
		return "<1 stop away"
	case 1:
		return "1 stop away"
	}
	return fmt.Sprintf("%d stops away", *stopsAway)
}

func OccupancyLabel(o *model.Occupancy) string {
	if o == nil {
		return ""
	}
	switch *o {
	case model.OccupancySeatsAvailable:
		return "Seats available"
	case model.OccupancyStandingAvailable:
		return "Standing room only"
	case model.OccupancyFull:
		return "Full"
	}
	return ""
}

// Renders an arrival for display, with times in loc.
func RenderArrival(a model.Arrival, now time.Time, loc *time.Location) ArrivalView {
	if loc == nil {
		loc = time.UTC
	}

	view := ArrivalView{
		VehicleID:           a.VehicleID,
		RouteID:             a.RouteID,
		Route:               RouteShortName(a.RouteID),
		Destination:         a.Destination,
		StopsAwayLabel:      StopsAwayLabel(a.StopsAway),
		ArrivalTime:         TimeUnknown,
		PresentableDistance: a.PresentableDistance,
		Occupancy:           OccupancyLabel(a.Occupancy),
	}

	if a.StopsAway != nil {
		n := *a.StopsAway
		view.StopsAway = &n
	}

	if a.ExpectedArrivalTime != nil {
		view.ArrivalTime = a.ExpectedArrivalTime.In(loc).Format(timeLayout)
		minutes := int(math.Round(a.ExpectedArrivalTime.Sub(now).Minutes()))
		if minutes < 0 {
			minutes = 0
		}
		view.MinutesAway = &minutes
	}

	return view
}

// Renders merged stops for display.
func RenderStops(stops []model.MergedStop, now time.Time, loc *time.Location) []StopView {
	views := make([]StopView, 0, len(stops))
	for _, s := range stops {
		arrivals := make([]ArrivalView, 0, len(s.Arrivals))
		for _, a := range s.Arrivals {
			arrivals = append(arrivals, RenderArrival(a, now, loc))
		}
		routes := s.Routes
		if routes == nil {
			routes = []string{}
		}
		views = append(views, StopView{
			StopID:   s.ID,
			StopIDs:  s.StopIDs,
			StopName: s.Name,
			Distance: s.Distance,
			Routes:   routes,
			Arrivals: arrivals,
		})
	}
	return views
}

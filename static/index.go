package static

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"tidbyt.dev/bustime/feed"
	"tidbyt.dev/bustime/geo"
	"tidbyt.dev/bustime/model"
)

const metersPerMile = 1609.344

var (
	ErrUnknownStop  = errors.New("unknown stop")
	ErrUnknownRoute = errors.New("unknown route")
)

type route struct {
	id   string
	name string

	// Stop order per direction_id, from the direction's longest
	// trip.
	directions map[int8]*trip
}

type trip struct {
	id          string
	routeID     string
	headsign    string
	directionID int8
	stops       []tripStop
}

type tripStop struct {
	stopID   string
	sequence uint32
}

type stop struct {
	id            string
	name          string
	lat           float64
	lon           float64
	locationType  int8
	parentStation string

	routeIDs []string
}

// An in-memory index over a GTFS schedule. Finds stops near a
// coordinate and lists stops per route direction, standing in for
// the live feed's stop and route endpoints.
type Index struct {
	routes     map[string]*route
	routeOrder []string
	trips      map[string]*trip
	stops      map[string]*stop
	stopOrder  []string
}

func newIndex() *Index {
	return &Index{
		routes: map[string]*route{},
		trips:  map[string]*trip{},
		stops:  map[string]*stop{},
	}
}

// Reads and parses the GTFS zip at path.
func Load(path string) (*Index, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return Parse(buf)
}

// Records that routeID serves s, and s's parent station.
func (idx *Index) addStopRoute(s *stop, routeID string) {
	addRoute(s, routeID)
	if s.parentStation != "" {
		addRoute(idx.stops[s.parentStation], routeID)
	}
}

func addRoute(s *stop, routeID string) {
	for _, id := range s.routeIDs {
		if id == routeID {
			return
		}
	}
	s.routeIDs = append(s.routeIDs, routeID)
}

func (idx *Index) finalize() {
	for _, t := range idx.trips {
		sort.SliceStable(t.stops, func(i, j int) bool {
			return t.stops[i].sequence < t.stops[j].sequence
		})

		r := idx.routes[t.routeID]
		if r.directions == nil {
			r.directions = map[int8]*trip{}
		}

		// Longest trip wins. Ties go to lowest trip_id, to keep
		// things deterministic.
		best := r.directions[t.directionID]
		if best == nil ||
			len(t.stops) > len(best.stops) ||
			len(t.stops) == len(best.stops) && t.id < best.id {
			r.directions[t.directionID] = t
		}
	}
}

func (idx *Index) coordinate(s *stop) *model.Coordinate {
	if s.lat == 0 && s.lon == 0 {
		return nil
	}
	return &model.Coordinate{Lat: s.lat, Lon: s.lon}
}

func (idx *Index) routeNames(s *stop) []string {
	names := []string{}
	for _, id := range s.routeIDs {
		names = append(names, idx.routes[id].name)
	}
	sort.Strings(names)
	return names
}

// Returns stations and parentless stops within radiusMeters of
// coord, closest first.
func (idx *Index) FindStopsNear(ctx context.Context, coord model.Coordinate, radiusMeters int) ([]model.Stop, error) {
	radiusMiles := float64(radiusMeters) / metersPerMile

	type candidate struct {
		stop     *stop
		distance float64
	}

	candidates := []candidate{}
	for _, id := range idx.stopOrder {
		s := idx.stops[id]
		if !(s.locationType == locationTypeStation || s.locationType == locationTypeStop && s.parentStation == "") {
			continue
		}
		c := idx.coordinate(s)
		if c == nil {
			continue
		}
		d := geo.DistanceMiles(coord, *c)
		if d > radiusMiles {
			continue
		}
		candidates = append(candidates, candidate{s, d})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].distance < candidates[j].distance
	})

	stops := make([]model.Stop, 0, len(candidates))
	for _, c := range candidates {
		stops = append(stops, model.Stop{
			ID:         c.stop.id,
			Name:       c.stop.name,
			Coordinate: idx.coordinate(c.stop),
			Routes:     idx.routeNames(c.stop),
		})
	}

	return stops, nil
}

// Returns the stops of routeID, grouped into directions by
// direction_id. Each direction's stops are those of its longest
// trip.
func (idx *Index) StopsForRoute(ctx context.Context, routeID string) (*model.RouteStops, error) {
	r, found := idx.routes[routeID]
	if !found {
		return nil, fmt.Errorf("%w: '%s'", ErrUnknownRoute, routeID)
	}

	result := &model.RouteStops{
		RouteID: routeID,
		Stops:   []model.RouteStop{},
	}

	seen := map[string]bool{}
	for _, dirID := range []int8{0, 1} {
		t := r.directions[dirID]
		if t == nil {
			continue
		}

		direction := model.Direction{
			ID:      fmt.Sprintf("%d", dirID),
			Name:    t.headsign,
			StopIDs: []string{},
		}
		for _, ts := range t.stops {
			direction.StopIDs = append(direction.StopIDs, ts.stopID)
			if seen[ts.stopID] {
				continue
			}
			seen[ts.stopID] = true
			s := idx.stops[ts.stopID]
			result.Stops = append(result.Stops, model.RouteStop{
				ID:         s.id,
				Name:       s.name,
				Coordinate: idx.coordinate(s),
			})
		}
		result.Directions = append(result.Directions, direction)
	}

	return result, nil
}

// Returns all route IDs, in file order.
func (idx *Index) RouteIDs() []string {
	return append([]string{}, idx.routeOrder...)
}

var (
	_ feed.StopLocator      = (*Index)(nil)
	_ feed.RouteStopsSource = (*Index)(nil)
)

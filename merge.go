package bustime

import (
	"regexp"
	"sort"
	"strings"

	"tidbyt.dev/bustime/model"
)

var (
	reAnd        = regexp.MustCompile(`\bAND\b`)
	reSlashSpace = regexp.MustCompile(`\s*/\s*`)
	reSpace      = regexp.MustCompile(`\s+`)
)

// Normalizes a stop name for comparison. The feed spells the same
// stop several ways, e.g. "5 Ave/34 St" and "5 AVE / 34 ST.".
func NormalizeStopName(name string) string {
	n := strings.ToUpper(name)
	n = strings.ReplaceAll(n, ".", "")
	n = reAnd.ReplaceAllString(n, "&")
	n = reSlashSpace.ReplaceAllString(n, "/")
	n = reSpace.ReplaceAllString(n, " ")
	return strings.TrimSpace(n)
}

type stopGroup struct {
	ids         []string
	seenIDs     map[string]bool
	stops       []model.Stop
	rep         int
	minDistance *float64
}

func (g *stopGroup) add(s model.Stop) {
	g.stops = append(g.stops, s)
	if !g.seenIDs[s.ID] {
		g.seenIDs[s.ID] = true
		g.ids = append(g.ids, s.ID)
	}

	if s.Distance == nil {
		return
	}
	if g.minDistance == nil || *s.Distance < *g.minDistance {
		d := *s.Distance
		g.minDistance = &d
		g.rep = len(g.stops) - 1
	}
}

// Collapses stops sharing a normalized name into one, and
// deduplicates their arrivals by vehicle.
//
// Each merged stop takes its name and coordinate from the closest
// constituent, its ID from the comma-joined constituent IDs, and
// its distance from the closest constituent (nil if none are
// known). Where one vehicle appears more than once, the arrival
// with fewest stops away is kept, unknown counting as furthest.
// Output is sorted by distance, unknown last.
//
// Inputs are not modified.
func MergeStops(stops []model.Stop, arrivalsByStopID map[string][]model.Arrival) []model.MergedStop {
	groups := map[string]*stopGroup{}
	order := []string{}

	for _, s := range stops {
		key := NormalizeStopName(s.Name)
		if key == "" {
			// Nameless stops only merge with themselves
			key = "\x00" + s.ID
		}
		g, found := groups[key]
		if !found {
			g = &stopGroup{seenIDs: map[string]bool{}}
			groups[key] = g
			order = append(order, key)
		}
		g.add(s)
	}

	merged := make([]model.MergedStop, 0, len(order))
	for _, key := range order {
		g := groups[key]
		rep := g.stops[g.rep]

		routes := []string{}
		seenRoutes := map[string]bool{}
		for _, s := range g.stops {
			for _, r := range s.Routes {
				if !seenRoutes[r] {
					seenRoutes[r] = true
					routes = append(routes, r)
				}
			}
		}

		var coord *model.Coordinate
		if rep.Coordinate != nil {
			c := *rep.Coordinate
			coord = &c
		}

		arrivals := []model.Arrival{}
		for _, id := range g.ids {
			arrivals = append(arrivals, arrivalsByStopID[id]...)
		}

		merged = append(merged, model.MergedStop{
			ID:         strings.Join(g.ids, ","),
			StopIDs:    append([]string{}, g.ids...),
			Name:       rep.Name,
			Coordinate: coord,
			Routes:     routes,
			Distance:   g.minDistance,
			Arrivals:   DedupArrivals(arrivals),
		})
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return distanceLess(merged[i].Distance, merged[j].Distance)
	})

	return merged
}

// Orders known distances ascending, before unknown ones.
func distanceLess(a, b *float64) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	return *a < *b
}

// Orders arrivals by stops away, unknown last.
func stopsAwayLess(a, b *int) bool {
	if a == nil {
		return false
	}
	if b == nil {
		return true
	}
	return *a < *b
}

// Keeps one arrival per vehicle: the one with fewest stops away,
// first seen on ties. Arrivals without a vehicle ID are all kept.
// The result is ordered by stops away, unknown last.
func DedupArrivals(arrivals []model.Arrival) []model.Arrival {
	result := make([]model.Arrival, 0, len(arrivals))
	byVehicle := map[string]int{}

	for _, a := range arrivals {
		if a.VehicleID == "" {
			result = append(result, a)
			continue
		}

		i, found := byVehicle[a.VehicleID]
		if !found {
			byVehicle[a.VehicleID] = len(result)
			result = append(result, a)
			continue
		}

		if stopsAwayLess(a.StopsAway, result[i].StopsAway) {
			result[i] = a
		}
	}

	sort.SliceStable(result, func(i, j int) bool {
		return stopsAwayLess(result[i].StopsAway, result[j].StopsAway)
	})

	return result
}

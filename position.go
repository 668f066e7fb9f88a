package bustime

import (
	"tidbyt.dev/bustime/model"
)

const (
	DirectionUp   = "up"
	DirectionDown = "down"
)

// Returns the index of name in orderedStops, or -1.
func stopIndex(orderedStops []string, name string) int {
	ref := NormalizeStopName(name)
	for i, s := range orderedStops {
		if NormalizeStopName(s) == ref {
			return i
		}
	}
	return -1
}

// Places a vehicle stopsAway stops before referenceStopName in
// orderedStops.
//
// BusIndex is -1 when the reference stop isn't in the list or
// stopsAway is negative. When the vehicle is further back than the
// first stop, BusIndex is 0, IsBeyondVisibleRange is set and
// OverflowCount holds the number of stops past the start.
func EstimatePosition(orderedStops []string, referenceStopName string, stopsAway int) model.BusPosition {
	refIndex := stopIndex(orderedStops, referenceStopName)
	if refIndex < 0 || stopsAway < 0 {
		return model.BusPosition{BusIndex: -1}
	}

	pos := model.BusPosition{
		BusIndex: refIndex - stopsAway,
	}
	if pos.BusIndex < 0 {
		pos.BusIndex = 0
	}
	if stopsAway > refIndex {
		pos.IsBeyondVisibleRange = true
		pos.OverflowCount = stopsAway - refIndex
	}

	return pos
}

// Returns DirectionUp if referenceStopName lies past the middle of
// orderedStops, DirectionDown if not, and "" if it isn't there.
// Only a display hint.
func TravelDirection(orderedStops []string, referenceStopName string) string {
	refIndex := stopIndex(orderedStops, referenceStopName)
	if refIndex < 0 {
		return ""
	}
	if float64(refIndex) > float64(len(orderedStops)-1)/2 {
		return DirectionUp
	}
	return DirectionDown
}

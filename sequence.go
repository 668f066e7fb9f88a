package bustime

import (
	"context"
	"errors"

	"tidbyt.dev/bustime/feed"
	"tidbyt.dev/bustime/model"
)

// The direction whose stop order the feed lists end to start.
const reversedDirectionID = "0"

// Resolves the ordered stops of one direction of a route.
type SequenceResolver struct {
	source feed.RouteStopsSource
}

func NewSequenceResolver(source feed.RouteStopsSource) *SequenceResolver {
	return &SequenceResolver{source: source}
}

// Returns the stop names, in travel order, of the direction of
// routeID serving referenceStopName. If no direction serves it,
// Found is false and StopNames empty; this is not an error.
//
// Stop names are matched after NormalizeStopName.
func (r *SequenceResolver) ResolveDirection(ctx context.Context, routeID string, referenceStopName string) (model.StopSequence, error) {
	notFound := model.StopSequence{
		RouteID:   routeID,
		StopNames: []string{},
	}

	rs, err := r.RouteStops(ctx, routeID)
	if err != nil {
		return notFound, err
	}

	return ResolveSequence(rs, referenceStopName), nil
}

// Returns the stops and directions of routeID. Fails with
// *ConfigError if upstream credentials are missing and
// *UpstreamError if the listing fails.
func (r *SequenceResolver) RouteStops(ctx context.Context, routeID string) (*model.RouteStops, error) {
	if v, ok := r.source.(validator); ok {
		if err := v.Validate(); err != nil {
			return nil, &ConfigError{Err: err}
		}
	}

	rs, err := r.source.StopsForRoute(ctx, routeID)
	if err != nil {
		if errors.Is(err, feed.ErrMissingAPIKey) {
			return nil, &ConfigError{Err: err}
		}
		return nil, &UpstreamError{Op: "listing route stops", Err: err}
	}

	return rs, nil
}

// Like ResolveDirection, for an already fetched RouteStops.
func ResolveSequence(rs *model.RouteStops, referenceStopName string) model.StopSequence {
	seq := model.StopSequence{
		RouteID:   rs.RouteID,
		StopNames: []string{},
	}

	ref := NormalizeStopName(referenceStopName)
	if ref == "" {
		return seq
	}

	nameByID := map[string]string{}
	for _, s := range rs.Stops {
		nameByID[s.ID] = s.Name
	}

	for _, dir := range rs.Directions {
		names := make([]string, 0, len(dir.StopIDs))
		found := false
		for _, id := range dir.StopIDs {
			name, ok := nameByID[id]
			if !ok || name == "" {
				continue
			}
			names = append(names, name)
			if NormalizeStopName(name) == ref {
				found = true
			}
		}
		if !found {
			continue
		}

		if dir.ID == reversedDirectionID {
			for i, j := 0, len(names)-1; i < j; i, j = i+1, j-1 {
				names[i], names[j] = names[j], names[i]
			}
		}

		seq.DirectionID = dir.ID
		seq.StopNames = names
		seq.Found = true
		return seq
	}

	return seq
}

package feed

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"tidbyt.dev/bustime/model"
)

// OneBusAway style response envelope. Responses carry a code field
// mirroring the HTTP status.
type obaResponse[T any] struct {
	Code int    `json:"code"`
	Text string `json:"text"`
	Data *T     `json:"data"`
}

func (r *obaResponse[T]) check() error {
	if r.Code != 0 && r.Code != 200 {
		return fmt.Errorf("code %d: %s", r.Code, r.Text)
	}
	if r.Data == nil {
		return fmt.Errorf("missing data")
	}
	return nil
}

type obaRoute struct {
	ID        string `json:"id"`
	ShortName string `json:"shortName"`
}

type obaStop struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Lat      flexFloat  `json:"lat"`
	Lon      flexFloat  `json:"lon"`
	Routes   []obaRoute `json:"routes"`
	RouteIDs []string   `json:"routeIds"`
}

type obaReferences struct {
	Routes []obaRoute `json:"routes"`
	Stops  []obaStop  `json:"stops"`
}

type obaStopsForLocation struct {
	// v1 responses list stops under "stops", v2 under "list".
	Stops      []obaStop     `json:"stops"`
	List       []obaStop     `json:"list"`
	References obaReferences `json:"references"`
}

type obaStopGroup struct {
	ID      string     `json:"id"`
	Name    flexString `json:"name"`
	StopIDs []string   `json:"stopIds"`
}

type obaStopGrouping struct {
	Type       string         `json:"type"`
	StopGroups []obaStopGroup `json:"stopGroups"`
}

type obaStopsForRouteEntry struct {
	RouteID       string            `json:"routeId"`
	StopIDs       []string          `json:"stopIds"`
	StopGroupings []obaStopGrouping `json:"stopGroupings"`
}

type obaStopsForRoute struct {
	// v2 responses
	Entry      *obaStopsForRouteEntry `json:"entry"`
	References obaReferences          `json:"references"`

	// v1 responses
	Stops         []obaStop         `json:"stops"`
	StopGroupings []obaStopGrouping `json:"stopGroupings"`
}

func (s obaStop) coordinate() *model.Coordinate {
	if !s.Lat.Valid || !s.Lon.Valid {
		return nil
	}
	return &model.Coordinate{Lat: s.Lat.Value, Lon: s.Lon.Value}
}

// Returns the stop's route short names, falling back to route IDs
// resolved through references.
func (s obaStop) routeNames(routeByID map[string]obaRoute) []string {
	names := []string{}
	seen := map[string]bool{}
	add := func(r obaRoute) {
		name := r.ShortName
		if name == "" {
			name = r.ID
		}
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		names = append(names, name)
	}

	for _, r := range s.Routes {
		add(r)
	}
	for _, id := range s.RouteIDs {
		if r, ok := routeByID[id]; ok {
			add(r)
		} else {
			add(obaRoute{ID: id})
		}
	}

	return names
}

// Returns stops within radiusMeters of coord.
func (c *Client) FindStopsNear(ctx context.Context, coord model.Coordinate, radiusMeters int) ([]model.Stop, error) {
	params := url.Values{}
	params.Set("lat", strconv.FormatFloat(coord.Lat, 'f', -1, 64))
	params.Set("lon", strconv.FormatFloat(coord.Lon, 'f', -1, 64))
	params.Set("radius", strconv.Itoa(radiusMeters))

	resp := obaResponse[obaStopsForLocation]{}
	err := c.getJSON(ctx, EndpointStopsForLocation, c.buildURL(c.WhereURL, "stops-for-location.json", params), &resp)
	if err != nil {
		return nil, err
	}
	if err := resp.check(); err != nil {
		return nil, fmt.Errorf("%s: %w", EndpointStopsForLocation, err)
	}

	routeByID := map[string]obaRoute{}
	for _, r := range resp.Data.References.Routes {
		routeByID[r.ID] = r
	}

	raw := resp.Data.Stops
	if len(raw) == 0 {
		raw = resp.Data.List
	}

	stops := make([]model.Stop, 0, len(raw))
	for _, s := range raw {
		if s.ID == "" {
			continue
		}
		stops = append(stops, model.Stop{
			ID:         s.ID,
			Name:       s.Name,
			Coordinate: s.coordinate(),
			Routes:     s.routeNames(routeByID),
		})
	}

	return stops, nil
}

// Returns the stops served by routeID and their direction groupings.
func (c *Client) StopsForRoute(ctx context.Context, routeID string) (*model.RouteStops, error) {
	params := url.Values{}
	params.Set("includePolylines", "false")
	params.Set("version", "2")

	path := fmt.Sprintf("stops-for-route/%s.json", url.PathEscape(routeID))

	resp := obaResponse[obaStopsForRoute]{}
	err := c.getJSON(ctx, EndpointStopsForRoute, c.buildURL(c.WhereURL, path, params), &resp)
	if err != nil {
		return nil, err
	}
	if err := resp.check(); err != nil {
		return nil, fmt.Errorf("%s: %w", EndpointStopsForRoute, err)
	}

	data := resp.Data
	stopByID := map[string]obaStop{}
	for _, s := range data.References.Stops {
		stopByID[s.ID] = s
	}
	for _, s := range data.Stops {
		stopByID[s.ID] = s
	}

	// Stop order is the entry's stopIds when present, otherwise the
	// order stops were listed in.
	stopIDs := []string{}
	groupings := data.StopGroupings
	if data.Entry != nil {
		stopIDs = data.Entry.StopIDs
		if len(data.Entry.StopGroupings) > 0 {
			groupings = data.Entry.StopGroupings
		}
	}
	if len(stopIDs) == 0 {
		for _, s := range data.Stops {
			stopIDs = append(stopIDs, s.ID)
		}
	}

	result := &model.RouteStops{
		RouteID: routeID,
		Stops:   make([]model.RouteStop, 0, len(stopIDs)),
	}

	for _, id := range stopIDs {
		s, ok := stopByID[id]
		if !ok {
			result.Stops = append(result.Stops, model.RouteStop{ID: id})
			continue
		}
		result.Stops = append(result.Stops, model.RouteStop{
			ID:         id,
			Name:       s.Name,
			Coordinate: s.coordinate(),
		})
	}

	for _, grouping := range groupings {
		if grouping.Type != "" && grouping.Type != "direction" {
			continue
		}
		for _, group := range grouping.StopGroups {
			result.Directions = append(result.Directions, model.Direction{
				ID:      group.ID,
				Name:    string(group.Name),
				StopIDs: group.StopIDs,
			})
		}
	}

	return result, nil
}

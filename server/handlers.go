package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"tidbyt.dev/bustime"
	"tidbyt.dev/bustime/model"
)

type nearbyResponse struct {
	Stops     []bustime.StopView `json:"stops"`
	Timestamp time.Time          `json:"timestamp"`
	Location  model.Coordinate   `json:"location"`
}

type positionResponse struct {
	model.BusPosition
	Direction string `json:"direction"`
}

type routeStopsResponse struct {
	Stops         []string          `json:"stops"`
	Found         bool              `json:"found"`
	ReferenceStop string            `json:"referenceStop"`
	DirectionID   string            `json:"directionId,omitempty"`
	Position      *positionResponse `json:"position,omitempty"`
}

type shapeStop struct {
	ID   string   `json:"id"`
	Name string   `json:"name"`
	Lat  *float64 `json:"lat"`
	Lon  *float64 `json:"lon"`
}

type routeShapeResponse struct {
	Stops   []shapeStop `json:"stops"`
	RouteID string      `json:"routeId"`
}

func parseFloatParam(r *http.Request, name string) (float64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, &bustime.ValidationError{Field: name, Reason: "missing"}
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, &bustime.ValidationError{Field: name, Reason: "not a number", Err: err}
	}
	return v, nil
}

func requiredParam(r *http.Request, name string) (string, error) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return "", &bustime.ValidationError{Field: name, Reason: "missing"}
	}
	return v, nil
}

func parseCoordinate(r *http.Request) (model.Coordinate, error) {
	lat, err := parseFloatParam(r, "lat")
	if err != nil {
		return model.Coordinate{}, err
	}
	lon, err := parseFloatParam(r, "lon")
	if err != nil {
		return model.Coordinate{}, err
	}
	return model.Coordinate{Lat: lat, Lon: lon}, nil
}

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	coord, err := parseCoordinate(r)
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	payload, err := s.aggregator.Aggregate(r.Context(), coord)
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	s.sendResponse(w, payload)
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	coord, err := parseCoordinate(r)
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	merged, payload, err := s.aggregator.Nearby(r.Context(), coord)
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	s.sendResponse(w, nearbyResponse{
		Stops:     bustime.RenderStops(merged, s.TimeNow(), s.Location),
		Timestamp: payload.Timestamp,
		Location:  payload.Location,
	})
}

func (s *Server) handleRouteStops(w http.ResponseWriter, r *http.Request) {
	routeID, err := requiredParam(r, "routeId")
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	referenceStop, err := requiredParam(r, "referenceStopName")
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	stopsAway := -1
	if raw := r.URL.Query().Get("stopsAway"); raw != "" {
		stopsAway, err = strconv.Atoi(raw)
		if err != nil || stopsAway < 0 {
			s.sendError(w, r, &bustime.ValidationError{
				Field:  "stopsAway",
				Reason: "must be a non-negative integer",
				Err:    err,
			})
			return
		}
	}

	seq, err := s.resolver.ResolveDirection(r.Context(), routeID, referenceStop)
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	response := routeStopsResponse{
		Stops:         seq.StopNames,
		Found:         seq.Found,
		ReferenceStop: referenceStop,
		DirectionID:   seq.DirectionID,
	}
	if stopsAway >= 0 && seq.Found {
		response.Position = &positionResponse{
			BusPosition: bustime.EstimatePosition(seq.StopNames, referenceStop, stopsAway),
			Direction:   bustime.TravelDirection(seq.StopNames, referenceStop),
		}
	}

	s.sendResponse(w, response)
}

func (s *Server) handleRouteShape(w http.ResponseWriter, r *http.Request) {
	routeID, err := requiredParam(r, "routeId")
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	rs, err := s.resolver.RouteStops(r.Context(), routeID)
	if err != nil {
		s.sendError(w, r, err)
		return
	}

	stops := make([]shapeStop, 0, len(rs.Stops))
	for _, st := range rs.Stops {
		ss := shapeStop{ID: st.ID, Name: st.Name}
		if st.Coordinate != nil {
			lat, lon := st.Coordinate.Lat, st.Coordinate.Lon
			ss.Lat = &lat
			ss.Lon = &lon
		}
		stops = append(stops, ss)
	}

	s.sendResponse(w, routeShapeResponse{
		Stops:   stops,
		RouteID: routeID,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendResponse(w, map[string]string{"status": "ok"})
}

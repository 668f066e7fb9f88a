package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

const FakeAPIKey = "test-key"

type FakeStop struct {
	ID   string
	Name string

	// Sent verbatim, so tests can exercise numeric, string and
	// missing coordinates.
	Lat interface{}
	Lon interface{}

	Routes []string
}

type FakeVisit struct {
	VehicleRef          string
	LineRef             string
	Destination         string
	RecordedAt          time.Time
	ExpectedArrival     *time.Time
	StopsFromCall       *int
	DistanceFromCall    *float64
	PresentableDistance string
	Occupancy           string
}

type FakeDirection struct {
	ID      string
	Name    string
	StopIDs []string
}

type FakeRoute struct {
	Stops      []FakeStop
	Directions []FakeDirection
}

// An httptest server impersonating the upstream bus feed's
// stops-for-location, stop-monitoring and stops-for-route endpoints.
type FakeFeed struct {
	Server *httptest.Server

	mutex         sync.Mutex
	stops         []FakeStop
	stopsStatus   int
	stopsBlock    chan struct{}
	visits        map[string][]FakeVisit
	arrivalStatus map[string]int
	arrivalDelay  time.Duration
	routes        map[string]FakeRoute
	stopsCalls    int
	arrivalCalls  map[string]int
	routeCalls    map[string]int
}

func NewFakeFeed(t testing.TB) *FakeFeed {
	f := &FakeFeed{
		visits:        map[string][]FakeVisit{},
		arrivalStatus: map[string]int{},
		routes:        map[string]FakeRoute{},
		arrivalCalls:  map[string]int{},
		routeCalls:    map[string]int{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/where/stops-for-location.json", f.handleStopsForLocation)
	mux.HandleFunc("/api/where/stops-for-route/", f.handleStopsForRoute)
	mux.HandleFunc("/api/siri/stop-monitoring.json", f.handleStopMonitoring)

	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Server.Close)

	return f
}

func (f *FakeFeed) WhereURL() string {
	return f.Server.URL + "/api/where"
}

func (f *FakeFeed) SiriURL() string {
	return f.Server.URL + "/api/siri"
}

func (f *FakeFeed) SetStops(stops ...FakeStop) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.stops = stops
}

// Makes stops-for-location respond with status.
func (f *FakeFeed) FailStops(status int) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.stopsStatus = status
}

// Makes stops-for-location wait until the returned channel is closed.
func (f *FakeFeed) BlockStops() chan struct{} {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.stopsBlock = make(chan struct{})
	return f.stopsBlock
}

func (f *FakeFeed) SetVisits(stopID string, visits ...FakeVisit) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.visits[stopID] = visits
}

// Makes stop-monitoring for stopID respond with status.
func (f *FakeFeed) FailArrivals(stopID string, status int) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.arrivalStatus[stopID] = status
}

// Delays every stop-monitoring response.
func (f *FakeFeed) DelayArrivals(d time.Duration) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.arrivalDelay = d
}

func (f *FakeFeed) SetRoute(routeID string, route FakeRoute) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.routes[routeID] = route
}

func (f *FakeFeed) StopsCalls() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.stopsCalls
}

func (f *FakeFeed) ArrivalCalls(stopID string) int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.arrivalCalls[stopID]
}

func (f *FakeFeed) RouteCalls(routeID string) int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.routeCalls[routeID]
}

func checkKey(w http.ResponseWriter, r *http.Request) bool {
	if r.URL.Query().Get("key") != FakeAPIKey {
		w.WriteHeader(http.StatusUnauthorized)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func stopJSON(s FakeStop) map[string]interface{} {
	routes := []map[string]interface{}{}
	for _, r := range s.Routes {
		routes = append(routes, map[string]interface{}{
			"id":        "MTA NYCT_" + r,
			"shortName": r,
		})
	}
	out := map[string]interface{}{
		"id":     s.ID,
		"name":   s.Name,
		"routes": routes,
	}
	if s.Lat != nil {
		out["lat"] = s.Lat
	}
	if s.Lon != nil {
		out["lon"] = s.Lon
	}
	return out
}

func (f *FakeFeed) handleStopsForLocation(w http.ResponseWriter, r *http.Request) {
	f.mutex.Lock()
	f.stopsCalls++
	status := f.stopsStatus
	stops := f.stops
	block := f.stopsBlock
	f.mutex.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-r.Context().Done():
			return
		}
	}

	if !checkKey(w, r) {
		return
	}
	if status != 0 {
		w.WriteHeader(status)
		return
	}

	list := []map[string]interface{}{}
	for _, s := range stops {
		list = append(list, stopJSON(s))
	}

	writeJSON(w, map[string]interface{}{
		"code": 200,
		"data": map[string]interface{}{
			"stops":         list,
			"limitExceeded": false,
		},
	})
}

func (f *FakeFeed) handleStopMonitoring(w http.ResponseWriter, r *http.Request) {
	stopID := r.URL.Query().Get("MonitoringRef")

	f.mutex.Lock()
	f.arrivalCalls[stopID]++
	status := f.arrivalStatus[stopID]
	visits := f.visits[stopID]
	delay := f.arrivalDelay
	f.mutex.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	if !checkKey(w, r) {
		return
	}
	if status != 0 {
		w.WriteHeader(status)
		return
	}

	out := []map[string]interface{}{}
	for _, v := range visits {
		distances := map[string]interface{}{
			"PresentableDistance": v.PresentableDistance,
		}
		if v.StopsFromCall != nil {
			distances["StopsFromCall"] = *v.StopsFromCall
		}
		if v.DistanceFromCall != nil {
			distances["DistanceFromCall"] = *v.DistanceFromCall
		}
		call := map[string]interface{}{
			"StopPointRef": stopID,
			"Extensions": map[string]interface{}{
				"Distances": distances,
			},
		}
		if v.ExpectedArrival != nil {
			call["ExpectedArrivalTime"] = v.ExpectedArrival.Format(time.RFC3339)
		}
		journey := map[string]interface{}{
			"LineRef":         v.LineRef,
			"DestinationName": []string{v.Destination},
			"MonitoredCall":   call,
		}
		if v.VehicleRef != "" {
			journey["VehicleRef"] = v.VehicleRef
		}
		if v.Occupancy != "" {
			journey["Occupancy"] = v.Occupancy
		}
		visit := map[string]interface{}{
			"MonitoredVehicleJourney": journey,
		}
		if !v.RecordedAt.IsZero() {
			visit["RecordedAtTime"] = v.RecordedAt.Format(time.RFC3339)
		}
		out = append(out, visit)
	}

	writeJSON(w, map[string]interface{}{
		"Siri": map[string]interface{}{
			"ServiceDelivery": map[string]interface{}{
				"ResponseTimestamp": time.Now().Format(time.RFC3339),
				"StopMonitoringDelivery": []map[string]interface{}{
					{"MonitoredStopVisit": out},
				},
			},
		},
	})
}

func (f *FakeFeed) handleStopsForRoute(w http.ResponseWriter, r *http.Request) {
	routeID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/where/stops-for-route/"), ".json")

	f.mutex.Lock()
	f.routeCalls[routeID]++
	route, found := f.routes[routeID]
	f.mutex.Unlock()

	if !checkKey(w, r) {
		return
	}
	if !found {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	stopIDs := []string{}
	stops := []map[string]interface{}{}
	for _, s := range route.Stops {
		stopIDs = append(stopIDs, s.ID)
		stops = append(stops, stopJSON(s))
	}

	groups := []map[string]interface{}{}
	for _, d := range route.Directions {
		groups = append(groups, map[string]interface{}{
			"id": d.ID,
			"name": map[string]interface{}{
				"name":  d.Name,
				"names": []string{d.Name},
				"type":  "destination",
			},
			"stopIds": d.StopIDs,
		})
	}

	writeJSON(w, map[string]interface{}{
		"code": 200,
		"data": map[string]interface{}{
			"entry": map[string]interface{}{
				"routeId": routeID,
				"stopIds": stopIDs,
				"stopGroupings": []map[string]interface{}{
					{"type": "direction", "stopGroups": groups},
				},
			},
			"references": map[string]interface{}{
				"stops": stops,
			},
		},
	})
}

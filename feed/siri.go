package feed

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"tidbyt.dev/bustime/model"
)

type siriStopMonitoringResponse struct {
	Siri struct {
		ServiceDelivery struct {
			ResponseTimestamp      string                       `json:"ResponseTimestamp"`
			StopMonitoringDelivery []siriStopMonitoringDelivery `json:"StopMonitoringDelivery"`
		} `json:"ServiceDelivery"`
	} `json:"Siri"`
}

type siriStopMonitoringDelivery struct {
	ResponseTimestamp  string                   `json:"ResponseTimestamp"`
	MonitoredStopVisit []siriMonitoredStopVisit `json:"MonitoredStopVisit"`
	ErrorCondition     *struct {
		Description flexString `json:"Description"`
	} `json:"ErrorCondition"`
}

type siriMonitoredStopVisit struct {
	RecordedAtTime          string `json:"RecordedAtTime"`
	MonitoredVehicleJourney struct {
		LineRef         string     `json:"LineRef"`
		DestinationName flexString `json:"DestinationName"`
		VehicleRef      string     `json:"VehicleRef"`
		Occupancy       string     `json:"Occupancy"`
		MonitoredCall   *struct {
			ExpectedArrivalTime string `json:"ExpectedArrivalTime"`
			StopPointRef        string `json:"StopPointRef"`
			Extensions          struct {
				Distances struct {
					PresentableDistance string    `json:"PresentableDistance"`
					DistanceFromCall    flexFloat `json:"DistanceFromCall"`
					StopsFromCall       flexFloat `json:"StopsFromCall"`
				} `json:"Distances"`
			} `json:"Extensions"`
		} `json:"MonitoredCall"`
	} `json:"MonitoredVehicleJourney"`
}

func parseSiriTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Returns up to maxVisits pending arrivals at stopID.
func (c *Client) FetchArrivals(ctx context.Context, stopID string, maxVisits int) ([]model.Arrival, error) {
	params := url.Values{}
	params.Set("version", "2")
	params.Set("MonitoringRef", stopID)
	if maxVisits > 0 {
		params.Set("MaximumStopVisits", strconv.Itoa(maxVisits))
	}

	resp := siriStopMonitoringResponse{}
	err := c.getJSON(ctx, EndpointStopMonitoring, c.buildURL(c.SiriURL, "stop-monitoring.json", params), &resp)
	if err != nil {
		return nil, err
	}

	sd := resp.Siri.ServiceDelivery
	responseTime, _ := parseSiriTime(sd.ResponseTimestamp)

	arrivals := []model.Arrival{}
	for _, delivery := range sd.StopMonitoringDelivery {
		if delivery.ErrorCondition != nil && len(delivery.MonitoredStopVisit) == 0 {
			return nil, fmt.Errorf("%s: %s", EndpointStopMonitoring, delivery.ErrorCondition.Description)
		}

		for _, visit := range delivery.MonitoredStopVisit {
			journey := visit.MonitoredVehicleJourney
			if journey.VehicleRef == "" {
				continue
			}

			recordedAt, ok := parseSiriTime(visit.RecordedAtTime)
			if !ok {
				recordedAt = responseTime
			}

			arrival := model.Arrival{
				VehicleID:   journey.VehicleRef,
				RouteID:     journey.LineRef,
				Destination: string(journey.DestinationName),
				RecordedAt:  recordedAt,
				Occupancy:   model.ParseOccupancy(journey.Occupancy),
			}

			if call := journey.MonitoredCall; call != nil {
				if t, ok := parseSiriTime(call.ExpectedArrivalTime); ok {
					arrival.ExpectedArrivalTime = &t
				}
				distances := call.Extensions.Distances
				arrival.StopsAway = distances.StopsFromCall.CountPtr()
				arrival.DistanceMeters = distances.DistanceFromCall.Ptr()
				arrival.PresentableDistance = distances.PresentableDistance
			}

			arrivals = append(arrivals, arrival)
			if maxVisits > 0 && len(arrivals) >= maxVisits {
				return arrivals, nil
			}
		}
	}

	return arrivals, nil
}

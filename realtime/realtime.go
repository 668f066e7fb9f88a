package realtime

import (
	"context"
	"fmt"
	"sort"
	"time"

	gtfsproto "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	proto "google.golang.org/protobuf/proto"

	"tidbyt.dev/bustime/downloader"
	"tidbyt.dev/bustime/feed"
	"tidbyt.dev/bustime/model"
)

const (
	DefaultCacheTTL = 15 * time.Second
)

// Fetches arrivals from a GTFS Realtime TripUpdates feed.
//
// The feed covers every stop, so the downloaded body is cached for
// CacheTTL and shared by all stops fetched within that window.
type Fetcher struct {
	URL      string
	Headers  map[string]string
	CacheTTL time.Duration
	Timeout  time.Duration

	Downloader downloader.Downloader
	TimeNow    func() time.Time
}

func NewFetcher(url string) *Fetcher {
	return &Fetcher{
		URL:        url,
		Headers:    map[string]string{},
		CacheTTL:   DefaultCacheTTL,
		Timeout:    downloader.DefaultTimeout,
		Downloader: downloader.NewMemoryDownloader(8, nil),
		TimeNow:    time.Now,
	}
}

// Returns up to maxVisits upcoming arrivals at stopID, soonest
// first.
func (f *Fetcher) FetchArrivals(ctx context.Context, stopID string, maxVisits int) ([]model.Arrival, error) {
	body, err := f.Downloader.Get(ctx, f.URL, f.Headers, downloader.GetOptions{
		Timeout:  f.Timeout,
		Cache:    true,
		CacheTTL: f.CacheTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("downloading feed: %w", err)
	}

	msg, err := parseFeed(body)
	if err != nil {
		return nil, err
	}

	arrivals := ArrivalsAt(msg, stopID, f.TimeNow())

	if maxVisits > 0 && len(arrivals) > maxVisits {
		arrivals = arrivals[:maxVisits]
	}

	return arrivals, nil
}

func parseFeed(body []byte) (*gtfsproto.FeedMessage, error) {
	msg := &gtfsproto.FeedMessage{}
	err := proto.Unmarshal(body, msg)
	if err != nil {
		return nil, fmt.Errorf("unmarshaling protobuf: %w", err)
	}

	header := msg.GetHeader()

	version := header.GetGtfsRealtimeVersion()
	if version != "2.0" && version != "1.0" {
		return nil, fmt.Errorf("version %s not supported", version)
	}

	if header.GetIncrementality() != gtfsproto.FeedHeader_FULL_DATASET {
		return nil, fmt.Errorf("feed incrementality %s not supported", header.GetIncrementality())
	}

	return msg, nil
}

func occupancyFromStatus(status gtfsproto.VehiclePosition_OccupancyStatus) *model.Occupancy {
	var o model.Occupancy
	switch status {
	case gtfsproto.VehiclePosition_EMPTY,
		gtfsproto.VehiclePosition_MANY_SEATS_AVAILABLE,
		gtfsproto.VehiclePosition_FEW_SEATS_AVAILABLE:
		o = model.OccupancySeatsAvailable
	case gtfsproto.VehiclePosition_STANDING_ROOM_ONLY,
		gtfsproto.VehiclePosition_CRUSHED_STANDING_ROOM_ONLY:
		o = model.OccupancyStandingAvailable
	case gtfsproto.VehiclePosition_FULL,
		gtfsproto.VehiclePosition_NOT_ACCEPTING_PASSENGERS:
		o = model.OccupancyFull
	default:
		return nil
	}
	return &o
}

// Extracts arrivals at stopID from a feed. Stops away is the stop's
// position among the trip's remaining (non-skipped) stop time
// updates. Arrivals predicted before now are dropped.
func ArrivalsAt(msg *gtfsproto.FeedMessage, stopID string, now time.Time) []model.Arrival {
	feedTimestamp := msg.GetHeader().GetTimestamp()

	// Occupancy is only carried on vehicle positions
	occupancyByTrip := map[string]*model.Occupancy{}
	for _, entity := range msg.GetEntity() {
		vp := entity.GetVehicle()
		if vp == nil || vp.OccupancyStatus == nil {
			continue
		}
		if tripID := vp.GetTrip().GetTripId(); tripID != "" {
			occupancyByTrip[tripID] = occupancyFromStatus(vp.GetOccupancyStatus())
		}
	}

	arrivals := []model.Arrival{}
	for _, entity := range msg.GetEntity() {
		tu := entity.GetTripUpdate()
		if tu == nil {
			continue
		}

		trip := tu.GetTrip()
		if trip.GetScheduleRelationship() == gtfsproto.TripDescriptor_CANCELED {
			continue
		}

		stopsAway := 0
		for _, stu := range tu.GetStopTimeUpdate() {
			if stu.GetScheduleRelationship() == gtfsproto.TripUpdate_StopTimeUpdate_SKIPPED {
				continue
			}

			if stu.GetStopId() != stopID {
				stopsAway++
				continue
			}

			var expected *time.Time
			if ts := stu.GetArrival().GetTime(); ts > 0 {
				t := time.Unix(ts, 0).UTC()
				expected = &t
			} else if ts := stu.GetDeparture().GetTime(); ts > 0 {
				t := time.Unix(ts, 0).UTC()
				expected = &t
			}
			if expected != nil && expected.Before(now) {
				break
			}

			recorded := tu.GetTimestamp()
			if recorded == 0 {
				recorded = feedTimestamp
			}
			recordedAt := now.UTC()
			if recorded != 0 {
				recordedAt = time.Unix(int64(recorded), 0).UTC()
			}

			vehicleID := tu.GetVehicle().GetId()
			if vehicleID == "" {
				vehicleID = trip.GetTripId()
			}

			away := stopsAway
			arrivals = append(arrivals, model.Arrival{
				VehicleID:           vehicleID,
				RouteID:             trip.GetRouteId(),
				RecordedAt:          recordedAt,
				ExpectedArrivalTime: expected,
				StopsAway:           &away,
				Occupancy:           occupancyByTrip[trip.GetTripId()],
			})
			break
		}
	}

	sort.SliceStable(arrivals, func(i, j int) bool {
		a, b := arrivals[i].ExpectedArrivalTime, arrivals[j].ExpectedArrivalTime
		if a == nil {
			return false
		}
		if b == nil {
			return true
		}
		return a.Before(*b)
	})

	return arrivals
}

var _ feed.ArrivalFetcher = (*Fetcher)(nil)

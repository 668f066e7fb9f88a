package bustime_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/bluele/gcache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidbyt.dev/bustime"
	"tidbyt.dev/bustime/cache"
	"tidbyt.dev/bustime/downloader"
	"tidbyt.dev/bustime/feed"
	"tidbyt.dev/bustime/geo"
	"tidbyt.dev/bustime/model"
	"tidbyt.dev/bustime/testutil"
)

var (
	union   = model.Coordinate{Lat: 40.7359, Lon: -73.9906}
	testNow = time.Date(2026, 10, 19, 14, 0, 0, 0, time.UTC)
)

type aggregateMetrics struct {
	mutex    sync.Mutex
	outcomes []string
	failures int
}

func (m *aggregateMetrics) ObserveAggregate(outcome string, duration time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

func (m *aggregateMetrics) ArrivalFetchFailed() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.failures++
}

type brokenCache struct{}

func (brokenCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return nil, false, errors.New("cache is down")
}

func (brokenCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return errors.New("cache is down")
}

func newClient(f *testutil.FakeFeed) *feed.Client {
	c := feed.NewClient(testutil.FakeAPIKey)
	c.WhereURL = f.WhereURL()
	c.SiriURL = f.SiriURL()
	c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return c
}

func newAggregator(client *feed.Client, c cache.Cache) *bustime.Aggregator {
	agg := bustime.NewAggregator(client, client, c)
	agg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	agg.TimeNow = func() time.Time { return testNow }
	return agg
}

func setupUnionSquare(f *testutil.FakeFeed) {
	f.SetStops(
		testutil.FakeStop{ID: "MTA_1", Name: "UNION SQ E/E 15 ST", Lat: 40.7352, Lon: -73.9897, Routes: []string{"M1"}},
		testutil.FakeStop{ID: "MTA_2", Name: "BROADWAY/E 17 ST", Lat: "40.7370", Lon: "-73.9900", Routes: []string{"M2", "M3"}},
		testutil.FakeStop{ID: "MTA_3", Name: "14 ST/UNION SQ", Lat: 40.7348, Lon: -73.9910, Routes: []string{"M14A"}},
	)
	in5 := testNow.Add(5 * time.Minute)
	in9 := testNow.Add(9 * time.Minute)
	f.SetVisits("MTA_1",
		testutil.FakeVisit{VehicleRef: "MTA NYCT_1234", LineRef: "MTA NYCT_M1", Destination: "HARLEM 147 ST", ExpectedArrival: &in5, StopsFromCall: testutil.IntPtr(2)},
	)
	f.SetVisits("MTA_2",
		testutil.FakeVisit{VehicleRef: "MTA NYCT_5678", LineRef: "MTA NYCT_M2", Destination: "WASHINGTON HTS", ExpectedArrival: &in9, StopsFromCall: testutil.IntPtr(4)},
	)
	f.SetVisits("MTA_3",
		testutil.FakeVisit{VehicleRef: "MTA NYCT_9012", LineRef: "MTA NYCT_M14A", Destination: "GRAND ST", StopsFromCall: testutil.IntPtr(1)},
	)
}

func TestAggregate(t *testing.T) {
	f := testutil.NewFakeFeed(t)
	setupUnionSquare(f)

	metrics := &aggregateMetrics{}
	agg := newAggregator(newClient(f), cache.NewMemory(100, gcache.NewFakeClock()))
	agg.Metrics = metrics

	payload, err := agg.Aggregate(context.Background(), union)
	require.NoError(t, err)

	assert.Equal(t, union, payload.Location)
	assert.True(t, testNow.Equal(payload.Timestamp))

	require.Equal(t, 3, len(payload.Stops))
	assert.Equal(t, "MTA_1", payload.Stops[0].ID)
	assert.Equal(t, "UNION SQ E/E 15 ST", payload.Stops[0].Name)
	assert.Equal(t, []string{"M1"}, payload.Stops[0].Routes)
	assert.Equal(t, []string{"M2", "M3"}, payload.Stops[1].Routes)

	// Distances are in miles, rounded to two decimals, and
	// computed for string encoded coordinates too
	for _, s := range payload.Stops {
		require.NotNil(t, s.Distance, s.ID)
		assert.True(t, *s.Distance < 0.2, s.ID)
		assert.Equal(t, geo.RoundTo(*s.Distance, 2), *s.Distance, s.ID)
	}

	require.Equal(t, 3, len(payload.ArrivalsByStopID))
	a := payload.ArrivalsByStopID["MTA_1"]
	require.Equal(t, 1, len(a))
	assert.Equal(t, "MTA NYCT_1234", a[0].VehicleID)
	assert.Equal(t, "MTA NYCT_M1", a[0].RouteID)
	assert.Equal(t, "HARLEM 147 ST", a[0].Destination)
	assert.Equal(t, 2, *a[0].StopsAway)
	require.NotNil(t, a[0].ExpectedArrivalTime)
	assert.True(t, testNow.Add(5*time.Minute).Equal(*a[0].ExpectedArrivalTime))

	a = payload.ArrivalsByStopID["MTA_3"]
	require.Equal(t, 1, len(a))
	assert.Nil(t, a[0].ExpectedArrivalTime)

	assert.Equal(t, []string{bustime.OutcomeMiss}, metrics.outcomes)
	assert.Equal(t, 0, metrics.failures)
}

func TestAggregateDistance(t *testing.T) {
	f := testutil.NewFakeFeed(t)
	f.SetStops(
		testutil.FakeStop{ID: "MTA_1", Name: "5 AV/W 34 ST", Lat: 40.7484, Lon: -73.9857},
		testutil.FakeStop{ID: "MTA_2", Name: "5 AV/W 35 ST", Lat: "40.7484", Lon: "-73.9857"},
		testutil.FakeStop{ID: "MTA_3", Name: "NOWHERE", Lat: "bogus"},
		testutil.FakeStop{ID: "MTA_4", Name: "ALSO NOWHERE"},
	)

	agg := newAggregator(newClient(f), cache.NewMemory(100, gcache.NewFakeClock()))
	payload, err := agg.Aggregate(context.Background(), union)
	require.NoError(t, err)
	require.Equal(t, 4, len(payload.Stops))

	require.NotNil(t, payload.Stops[0].Distance)
	assert.InDelta(t, 0.9, *payload.Stops[0].Distance, 0.02)
	assert.Equal(t, geo.RoundTo(*payload.Stops[0].Distance, 2), *payload.Stops[0].Distance)

	require.NotNil(t, payload.Stops[1].Distance)
	assert.Equal(t, *payload.Stops[0].Distance, *payload.Stops[1].Distance)

	assert.Nil(t, payload.Stops[2].Distance)
	assert.Nil(t, payload.Stops[3].Distance)
	assert.Equal(t, []string{}, payload.Stops[3].Routes)
}

func TestAggregateCache(t *testing.T) {
	f := testutil.NewFakeFeed(t)
	setupUnionSquare(f)

	clock := gcache.NewFakeClock()
	metrics := &aggregateMetrics{}
	agg := newAggregator(newClient(f), cache.NewMemory(100, clock))
	agg.Metrics = metrics

	first, err := agg.Aggregate(context.Background(), union)
	require.NoError(t, err)
	assert.Equal(t, 1, f.StopsCalls())
	assert.Equal(t, 1, f.ArrivalCalls("MTA_1"))

	// Within TTL: served from cache, even for a nearby coordinate
	// with the same rounded key
	second, err := agg.Aggregate(context.Background(), union)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	_, err = agg.Aggregate(context.Background(), model.Coordinate{Lat: 40.73591, Lon: -73.99062})
	require.NoError(t, err)
	assert.Equal(t, 1, f.StopsCalls())
	assert.Equal(t, 1, f.ArrivalCalls("MTA_1"))

	// A different key misses
	_, err = agg.Aggregate(context.Background(), model.Coordinate{Lat: 40.7370, Lon: -73.9906})
	require.NoError(t, err)
	assert.Equal(t, 2, f.StopsCalls())

	// Expired
	clock.Advance(bustime.DefaultCacheTTL + time.Second)
	_, err = agg.Aggregate(context.Background(), union)
	require.NoError(t, err)
	assert.Equal(t, 3, f.StopsCalls())
	assert.Equal(t, 3, f.ArrivalCalls("MTA_1"))

	assert.Equal(t, []string{
		bustime.OutcomeMiss,
		bustime.OutcomeHit,
		bustime.OutcomeHit,
		bustime.OutcomeMiss,
		bustime.OutcomeMiss,
	}, metrics.outcomes)
}

func TestAggregateCallersGetOwnCopy(t *testing.T) {
	f := testutil.NewFakeFeed(t)
	setupUnionSquare(f)

	agg := newAggregator(newClient(f), cache.NewMemory(100, gcache.NewFakeClock()))

	first, err := agg.Aggregate(context.Background(), union)
	require.NoError(t, err)
	first.Stops[0].Name = "MODIFIED"
	first.ArrivalsByStopID["MTA_1"][0].VehicleID = "MODIFIED"

	second, err := agg.Aggregate(context.Background(), union)
	require.NoError(t, err)
	assert.Equal(t, "UNION SQ E/E 15 ST", second.Stops[0].Name)
	assert.Equal(t, "MTA NYCT_1234", second.ArrivalsByStopID["MTA_1"][0].VehicleID)
}

func TestAggregateBrokenCache(t *testing.T) {
	f := testutil.NewFakeFeed(t)
	setupUnionSquare(f)

	agg := newAggregator(newClient(f), brokenCache{})

	for i := 0; i < 2; i++ {
		payload, err := agg.Aggregate(context.Background(), union)
		require.NoError(t, err)
		assert.Equal(t, 3, len(payload.Stops))
	}

	// Every call goes upstream
	assert.Equal(t, 2, f.StopsCalls())
}

func TestAggregatePartialFailure(t *testing.T) {
	f := testutil.NewFakeFeed(t)
	setupUnionSquare(f)
	f.FailArrivals("MTA_2", http.StatusInternalServerError)

	metrics := &aggregateMetrics{}
	agg := newAggregator(newClient(f), cache.NewMemory(100, gcache.NewFakeClock()))
	agg.Metrics = metrics

	payload, err := agg.Aggregate(context.Background(), union)
	require.NoError(t, err)

	require.Equal(t, 3, len(payload.Stops))
	assert.Equal(t, 1, len(payload.ArrivalsByStopID["MTA_1"]))
	assert.Equal(t, []model.Arrival{}, payload.ArrivalsByStopID["MTA_2"])
	assert.Equal(t, 1, len(payload.ArrivalsByStopID["MTA_3"]))

	assert.Equal(t, 1, metrics.failures)
	assert.Equal(t, []string{bustime.OutcomeMiss}, metrics.outcomes)
}

func TestAggregateNoStops(t *testing.T) {
	f := testutil.NewFakeFeed(t)

	agg := newAggregator(newClient(f), cache.NewMemory(100, gcache.NewFakeClock()))
	payload, err := agg.Aggregate(context.Background(), model.Coordinate{Lat: 44.0, Lon: -100.0})
	require.NoError(t, err)

	assert.Equal(t, []model.Stop{}, payload.Stops)
	assert.Equal(t, 0, len(payload.ArrivalsByStopID))
	assert.NotNil(t, payload.ArrivalsByStopID)
}

func TestAggregateDuplicateStopIDs(t *testing.T) {
	f := testutil.NewFakeFeed(t)
	f.SetStops(
		testutil.FakeStop{ID: "MTA_1", Name: "FIRST", Lat: 40.7352, Lon: -73.9897},
		testutil.FakeStop{ID: "MTA_1", Name: "SECOND", Lat: 40.7352, Lon: -73.9897},
	)

	agg := newAggregator(newClient(f), cache.NewMemory(100, gcache.NewFakeClock()))
	payload, err := agg.Aggregate(context.Background(), union)
	require.NoError(t, err)

	require.Equal(t, 1, len(payload.Stops))
	assert.Equal(t, "FIRST", payload.Stops[0].Name)
	assert.Equal(t, 1, f.ArrivalCalls("MTA_1"))
}

func TestAggregateInvalidCoordinate(t *testing.T) {
	f := testutil.NewFakeFeed(t)
	setupUnionSquare(f)

	metrics := &aggregateMetrics{}
	agg := newAggregator(newClient(f), cache.NewMemory(100, gcache.NewFakeClock()))
	agg.Metrics = metrics

	for _, coord := range []model.Coordinate{
		{Lat: math.NaN(), Lon: -73.9906},
		{Lat: 40.7359, Lon: math.Inf(1)},
		{Lat: 91, Lon: -73.9906},
		{Lat: -90.5, Lon: 0},
		{Lat: 40.7359, Lon: -181},
	} {
		_, err := agg.Aggregate(context.Background(), coord)
		require.Error(t, err)
		validationErr := &bustime.ValidationError{}
		assert.True(t, errors.As(err, &validationErr))
		assert.Equal(t, "coordinate", validationErr.Field)
	}

	// The poles and antimeridian are fine
	_, err := agg.Aggregate(context.Background(), model.Coordinate{Lat: 90, Lon: 180})
	require.NoError(t, err)

	assert.Equal(t, 1, f.StopsCalls())
	assert.Equal(t, []string{
		bustime.OutcomeError,
		bustime.OutcomeError,
		bustime.OutcomeError,
		bustime.OutcomeError,
		bustime.OutcomeError,
		bustime.OutcomeMiss,
	}, metrics.outcomes)
}

func TestAggregateMissingAPIKey(t *testing.T) {
	f := testutil.NewFakeFeed(t)
	setupUnionSquare(f)

	client := newClient(f)
	client.APIKey = ""
	agg := newAggregator(client, cache.NewMemory(100, gcache.NewFakeClock()))

	_, err := agg.Aggregate(context.Background(), union)
	require.Error(t, err)
	configErr := &bustime.ConfigError{}
	assert.True(t, errors.As(err, &configErr))
	assert.True(t, errors.Is(err, feed.ErrMissingAPIKey))

	// Input is validated before configuration
	_, err = agg.Aggregate(context.Background(), model.Coordinate{Lat: 100, Lon: 0})
	validationErr := &bustime.ValidationError{}
	assert.True(t, errors.As(err, &validationErr))

	assert.Equal(t, 0, f.StopsCalls())
}

func TestAggregateUpstreamFailure(t *testing.T) {
	f := testutil.NewFakeFeed(t)
	setupUnionSquare(f)
	f.FailStops(http.StatusServiceUnavailable)

	metrics := &aggregateMetrics{}
	agg := newAggregator(newClient(f), cache.NewMemory(100, gcache.NewFakeClock()))
	agg.Metrics = metrics

	_, err := agg.Aggregate(context.Background(), union)
	require.Error(t, err)

	upstreamErr := &bustime.UpstreamError{}
	require.True(t, errors.As(err, &upstreamErr))
	assert.Equal(t, "locating stops", upstreamErr.Op)

	var statusErr *downloader.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)

	// Failures aren't cached
	f.FailStops(0)
	payload, err := agg.Aggregate(context.Background(), union)
	require.NoError(t, err)
	assert.Equal(t, 3, len(payload.Stops))
	assert.Equal(t, 2, f.StopsCalls())

	assert.Equal(t, []string{bustime.OutcomeError, bustime.OutcomeMiss}, metrics.outcomes)
}

func TestAggregateConcurrentCallersShareFetch(t *testing.T) {
	f := testutil.NewFakeFeed(t)
	setupUnionSquare(f)
	block := f.BlockStops()

	agg := newAggregator(newClient(f), cache.NewMemory(100, gcache.NewFakeClock()))

	n := 5
	results := make([]*model.Payload, n)
	errs := make([]error, n)
	wg := sync.WaitGroup{}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = agg.Aggregate(context.Background(), union)
		}(i)
	}

	require.Eventually(t, func() bool {
		return f.StopsCalls() == 1
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(block)
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, 3, len(results[i].Stops))
	}
	assert.Equal(t, 1, f.StopsCalls())
	assert.Equal(t, 1, f.ArrivalCalls("MTA_1"))

	// Results are independent
	results[0].Stops[0].Name = "MODIFIED"
	assert.Equal(t, "UNION SQ E/E 15 ST", results[1].Stops[0].Name)
}

func TestAggregateCancelled(t *testing.T) {
	f := testutil.NewFakeFeed(t)
	setupUnionSquare(f)
	block := f.BlockStops()

	metrics := &aggregateMetrics{}
	agg := newAggregator(newClient(f), cache.NewMemory(100, gcache.NewFakeClock()))
	agg.Metrics = metrics

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := agg.Aggregate(ctx, union)
		firstErr <- err
	}()

	require.Eventually(t, func() bool {
		return f.StopsCalls() == 1
	}, 5*time.Second, 10*time.Millisecond)

	var second *model.Payload
	secondErr := make(chan error, 1)
	go func() {
		var err error
		second, err = agg.Aggregate(context.Background(), union)
		secondErr <- err
	}()
	time.Sleep(50 * time.Millisecond)

	// The cancelled caller returns right away
	cancel()
	select {
	case err := <-firstErr:
		assert.True(t, errors.Is(err, context.Canceled))
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled caller still waiting")
	}

	// The other caller still gets the shared result
	close(block)
	require.NoError(t, <-secondErr)
	assert.Equal(t, 3, len(second.Stops))
	assert.Equal(t, 1, f.StopsCalls())
	assert.Equal(t, 1, f.ArrivalCalls("MTA_1"))

	// And it was cached
	payload, err := agg.Aggregate(context.Background(), union)
	require.NoError(t, err)
	assert.Equal(t, 3, len(payload.Stops))
	assert.Equal(t, 1, f.StopsCalls())

	assert.Equal(t, bustime.OutcomeError, metrics.outcomes[0])
	assert.Equal(t, bustime.OutcomeHit, metrics.outcomes[2])
}

func TestAggregateBuildTimeout(t *testing.T) {
	f := testutil.NewFakeFeed(t)
	setupUnionSquare(f)
	f.DelayArrivals(10 * time.Second)

	agg := newAggregator(newClient(f), cache.NewMemory(100, gcache.NewFakeClock()))
	agg.BuildTimeout = 100 * time.Millisecond

	start := time.Now()
	_, err := agg.Aggregate(context.Background(), union)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.True(t, time.Since(start) < 5*time.Second)

	// Nothing was cached
	f.DelayArrivals(0)
	payload, err := agg.Aggregate(context.Background(), union)
	require.NoError(t, err)
	assert.Equal(t, 3, len(payload.Stops))
	assert.Equal(t, 2, f.StopsCalls())
}

func TestAggregateBuildTimeoutLocatingStops(t *testing.T) {
	f := testutil.NewFakeFeed(t)
	setupUnionSquare(f)
	block := f.BlockStops()
	defer close(block)

	agg := newAggregator(newClient(f), cache.NewMemory(100, gcache.NewFakeClock()))
	agg.BuildTimeout = 100 * time.Millisecond

	_, err := agg.Aggregate(context.Background(), union)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	upstreamErr := &bustime.UpstreamError{}
	assert.False(t, errors.As(err, &upstreamErr))
}

func TestNearby(t *testing.T) {
	f := testutil.NewFakeFeed(t)
	f.SetStops(
		testutil.FakeStop{ID: "MTA_1", Name: "5 Ave/34 St", Lat: 40.7484, Lon: -73.9857, Routes: []string{"M1"}},
		testutil.FakeStop{ID: "MTA_2", Name: "5 AVE / 34 ST.", Lat: 40.7483, Lon: -73.9858, Routes: []string{"M2"}},
		testutil.FakeStop{ID: "MTA_3", Name: "BROADWAY/E 17 ST", Lat: 40.7370, Lon: -73.9900, Routes: []string{"M3"}},
	)
	f.SetVisits("MTA_1", testutil.FakeVisit{VehicleRef: "MTA NYCT_1234", LineRef: "MTA NYCT_M1", StopsFromCall: testutil.IntPtr(3)})
	f.SetVisits("MTA_2", testutil.FakeVisit{VehicleRef: "MTA NYCT_1234", LineRef: "MTA NYCT_M1", StopsFromCall: testutil.IntPtr(1)})

	agg := newAggregator(newClient(f), cache.NewMemory(100, gcache.NewFakeClock()))
	merged, payload, err := agg.Nearby(context.Background(), union)
	require.NoError(t, err)
	assert.Equal(t, 3, len(payload.Stops))

	require.Equal(t, 2, len(merged))
	assert.Equal(t, "MTA_3", merged[0].ID)
	assert.Equal(t, "MTA_1,MTA_2", merged[1].ID)
	assert.Equal(t, []string{"M1", "M2"}, merged[1].Routes)
	require.Equal(t, 1, len(merged[1].Arrivals))
	assert.Equal(t, 1, *merged[1].Arrivals[0].StopsAway)
}

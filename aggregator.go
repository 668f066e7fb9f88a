package bustime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"tidbyt.dev/bustime/cache"
	"tidbyt.dev/bustime/feed"
	"tidbyt.dev/bustime/geo"
	"tidbyt.dev/bustime/model"
)

const (
	DefaultRadiusMeters = 500
	DefaultMaxVisits    = 3
	DefaultParallelism  = 8
	DefaultCacheTTL     = cache.DefaultTTL
	DefaultBuildTimeout = 30 * time.Second
)

const (
	OutcomeHit   = "hit"
	OutcomeMiss  = "miss"
	OutcomeError = "error"
)

// Receives aggregation events. See the metrics package for a
// Prometheus implementation.
type Metrics interface {
	ObserveAggregate(outcome string, duration time.Duration)
	ArrivalFetchFailed()
}

// Assembles stops and their pending arrivals around a coordinate.
//
// Results are cached per coordinate key for CacheTTL. Concurrent
// misses on the same key share a single upstream fetch. The shared
// fetch is not tied to any one caller: it runs until it completes or
// BuildTimeout elapses, while each caller stops waiting when its own
// context ends.
type Aggregator struct {
	RadiusMeters int
	MaxVisits    int
	Parallelism  int
	CacheTTL     time.Duration
	BuildTimeout time.Duration
	Key          cache.KeyFunc

	Logger  *slog.Logger
	Metrics Metrics
	TimeNow func() time.Time

	locator feed.StopLocator
	fetcher feed.ArrivalFetcher
	cache   cache.Cache
	group   singleflight.Group
}

// Creates an Aggregator locating stops with locator, fetching
// arrivals with fetcher and caching payloads in c.
func NewAggregator(locator feed.StopLocator, fetcher feed.ArrivalFetcher, c cache.Cache) *Aggregator {
	return &Aggregator{
		RadiusMeters: DefaultRadiusMeters,
		MaxVisits:    DefaultMaxVisits,
		Parallelism:  DefaultParallelism,
		CacheTTL:     DefaultCacheTTL,
		BuildTimeout: DefaultBuildTimeout,
		Key:          cache.RoundedKey(cache.DefaultPrecision),

		Logger:  slog.Default(),
		TimeNow: time.Now,

		locator: locator,
		fetcher: fetcher,
		cache:   c,
	}
}

type validator interface {
	Validate() error
}

func (a *Aggregator) checkConfig() error {
	for _, dep := range []interface{}{a.locator, a.fetcher} {
		v, ok := dep.(validator)
		if !ok {
			continue
		}
		if err := v.Validate(); err != nil {
			return &ConfigError{Err: err}
		}
	}
	return nil
}

func (a *Aggregator) observe(outcome string, start time.Time) {
	if a.Metrics != nil {
		a.Metrics.ObserveAggregate(outcome, a.TimeNow().Sub(start))
	}
}

// Returns stops near coord along with their pending arrivals.
//
// Fails with *ValidationError if coord is invalid, *ConfigError if
// upstream credentials are missing, and *UpstreamError if stops could
// not be located. Failure to fetch arrivals for a stop is logged and
// leaves that stop with no arrivals.
func (a *Aggregator) Aggregate(ctx context.Context, coord model.Coordinate) (*model.Payload, error) {
	start := a.TimeNow()

	if !geo.ValidCoordinate(coord) {
		a.observe(OutcomeError, start)
		return nil, &ValidationError{
			Field:  "coordinate",
			Reason: fmt.Sprintf("(%v, %v) is not a valid latitude/longitude", coord.Lat, coord.Lon),
		}
	}

	if err := a.checkConfig(); err != nil {
		a.observe(OutcomeError, start)
		return nil, err
	}

	key := a.Key(coord)

	if payload, ok := a.cached(ctx, key); ok {
		a.observe(OutcomeHit, start)
		return payload, nil
	}

	ch := a.group.DoChan(key, func() (interface{}, error) {
		return a.buildAndStore(context.WithoutCancel(ctx), key, coord)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		a.observe(OutcomeError, start)
		return nil, ctx.Err()
	}
	if res.Err != nil {
		a.observe(OutcomeError, start)
		return nil, res.Err
	}

	// Each caller gets its own copy.
	payload := &model.Payload{}
	err := json.Unmarshal(res.Val.([]byte), payload)
	if err != nil {
		a.observe(OutcomeError, start)
		return nil, fmt.Errorf("unmarshaling payload: %w", err)
	}

	a.observe(OutcomeMiss, start)
	return payload, nil
}

// Builds the payload for coord and writes it to the cache, returning
// its encoding. ctx carries no cancellation from any one caller, so
// the build is bounded by BuildTimeout instead.
func (a *Aggregator) buildAndStore(ctx context.Context, key string, coord model.Coordinate) ([]byte, error) {
	if a.BuildTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.BuildTimeout)
		defer cancel()
	}

	payload, err := a.build(ctx, coord)
	if err != nil {
		return nil, err
	}

	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}

	err = a.cache.Set(ctx, key, buf, a.CacheTTL)
	if err != nil {
		a.Logger.Warn("writing cache", "key", key, "err", err)
	}

	return buf, nil
}

// Reads a payload from cache. Cache failures are logged and treated
// as misses.
func (a *Aggregator) cached(ctx context.Context, key string) (*model.Payload, bool) {
	buf, ok, err := a.cache.Get(ctx, key)
	if err != nil {
		a.Logger.Warn("reading cache", "key", key, "err", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}

	payload := &model.Payload{}
	err = json.Unmarshal(buf, payload)
	if err != nil {
		a.Logger.Warn("decoding cached payload", "key", key, "err", err)
		return nil, false
	}

	return payload, true
}

func (a *Aggregator) build(ctx context.Context, coord model.Coordinate) (*model.Payload, error) {
	stops, err := a.locator.FindStopsNear(ctx, coord, a.RadiusMeters)
	if err != nil {
		if errors.Is(err, feed.ErrMissingAPIKey) {
			return nil, &ConfigError{Err: err}
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &UpstreamError{Op: "locating stops", Err: err}
	}

	// First occurrence wins.
	seen := make(map[string]bool, len(stops))
	unique := make([]model.Stop, 0, len(stops))
	for _, stop := range stops {
		if seen[stop.ID] {
			continue
		}
		seen[stop.ID] = true
		unique = append(unique, stop)
	}
	stops = unique

	arrivals := make([][]model.Arrival, len(stops))

	g := &errgroup.Group{}
	if a.Parallelism > 0 {
		g.SetLimit(a.Parallelism)
	}
	for i, stop := range stops {
		i, stop := i, stop
		g.Go(func() error {
			res, err := a.fetcher.FetchArrivals(ctx, stop.ID, a.MaxVisits)
			if err != nil {
				a.Logger.Warn("fetching arrivals", "stop_id", stop.ID, "err", err)
				if a.Metrics != nil {
					a.Metrics.ArrivalFetchFailed()
				}
				res = nil
			}
			if res == nil {
				res = []model.Arrival{}
			}
			arrivals[i] = res
			return nil
		})
	}
	g.Wait()

	// A timed out build is not worth caching.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	payload := &model.Payload{
		Stops:            make([]model.Stop, 0, len(stops)),
		ArrivalsByStopID: make(map[string][]model.Arrival, len(stops)),
		Timestamp:        a.TimeNow().UTC(),
		Location:         coord,
	}

	for i, stop := range stops {
		stop.Distance = nil
		if stop.Coordinate != nil && geo.ValidCoordinate(*stop.Coordinate) {
			d := geo.RoundTo(geo.DistanceMiles(coord, *stop.Coordinate), 2)
			stop.Distance = &d
		}
		if stop.Routes == nil {
			stop.Routes = []string{}
		}

		payload.Stops = append(payload.Stops, stop)
		payload.ArrivalsByStopID[stop.ID] = arrivals[i]
	}

	return payload, nil
}

// Aggregates around coord, then merges duplicate stops.
func (a *Aggregator) Nearby(ctx context.Context, coord model.Coordinate) ([]model.MergedStop, *model.Payload, error) {
	payload, err := a.Aggregate(ctx, coord)
	if err != nil {
		return nil, nil, err
	}

	return MergeStops(payload.Stops, payload.ArrivalsByStopID), payload, nil
}

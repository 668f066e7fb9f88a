package config

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"tidbyt.dev/bustime"
	"tidbyt.dev/bustime/cache"
	"tidbyt.dev/bustime/feed"
	"tidbyt.dev/bustime/metrics"
	"tidbyt.dev/bustime/realtime"
	"tidbyt.dev/bustime/static"
)

// Everything a server or CLI command needs, built from a Config.
type Services struct {
	Aggregator *bustime.Aggregator
	Resolver   *bustime.SequenceResolver
	Routes     feed.RouteStopsSource
	Location   *time.Location
	Logger     *slog.Logger

	closers []io.Closer
}

func (s *Services) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch c.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// Returns the configured cache key function.
func (c *Config) KeyFunc() cache.KeyFunc {
	if c.Cache.Key == KeyS2 {
		return cache.CellKey(c.Cache.S2Level)
	}
	return cache.RoundedKey(c.Cache.Precision)
}

// Opens the configured cache backend. The returned closer is nil for
// backends with nothing to release.
func (c *Config) NewCache() (cache.Cache, io.Closer, error) {
	switch c.Cache.Backend {
	case BackendSQLite:
		s, err := cache.NewSQLite(cache.SQLiteConfig{Path: c.Cache.SQLitePath})
		if err != nil {
			return nil, nil, fmt.Errorf("opening sqlite cache: %w", err)
		}
		return s, s, nil
	case BackendPostgres:
		p, err := cache.NewPostgres(c.Cache.PostgresURL, false)
		if err != nil {
			return nil, nil, fmt.Errorf("opening postgres cache: %w", err)
		}
		return p, p, nil
	}
	return cache.NewMemory(c.Cache.Size, nil), nil, nil
}

// Returns the upstream feed client.
func (c *Config) NewClient(logger *slog.Logger, m feed.Metrics) *feed.Client {
	client := feed.NewClient(c.Feed.APIKey)
	client.WhereURL = c.Feed.WhereURL
	client.SiriURL = c.Feed.SiriURL
	client.Timeout = c.Feed.Timeout
	client.Logger = logger
	if m != nil {
		client.Metrics = m
	}
	return client
}

// Builds the aggregator and its collaborators. collector may be nil.
func (c *Config) Build(logger *slog.Logger, collector *metrics.Collector) (*Services, error) {
	if logger == nil {
		logger = slog.Default()
	}

	loc, err := c.Location()
	if err != nil {
		return nil, err
	}

	var feedMetrics feed.Metrics
	if collector != nil {
		feedMetrics = collector
	}
	client := c.NewClient(logger, feedMetrics)

	var locator feed.StopLocator = client
	var routes feed.RouteStopsSource = client
	if c.Stops.Source == StopsFromGTFS {
		idx, err := static.Load(c.Stops.GTFSPath)
		if err != nil {
			return nil, fmt.Errorf("loading gtfs: %w", err)
		}
		logger.Info("loaded gtfs stop index", "path", c.Stops.GTFSPath, "routes", len(idx.RouteIDs()))
		locator = idx
		routes = idx
	}

	var fetcher feed.ArrivalFetcher = client
	if c.Arrivals.Source == ArrivalsFromGTFSRT {
		f := realtime.NewFetcher(c.Arrivals.GTFSRTURL)
		f.Timeout = c.Feed.Timeout
		for k, v := range c.Arrivals.GTFSRTHeaders {
			f.Headers[k] = v
		}
		fetcher = f
	}

	store, closer, err := c.NewCache()
	if err != nil {
		return nil, err
	}

	agg := bustime.NewAggregator(locator, fetcher, store)
	agg.RadiusMeters = c.Aggregate.RadiusMeters
	agg.MaxVisits = c.Aggregate.MaxVisits
	agg.Parallelism = c.Aggregate.Parallelism
	agg.BuildTimeout = c.Aggregate.BuildTimeout
	agg.CacheTTL = c.Cache.TTL
	agg.Key = c.KeyFunc()
	agg.Logger = logger
	if collector != nil {
		agg.Metrics = collector
	}

	s := &Services{
		Aggregator: agg,
		Resolver:   bustime.NewSequenceResolver(routes),
		Routes:     routes,
		Location:   loc,
		Logger:     logger,
	}
	if closer != nil {
		s.closers = append(s.closers, closer)
	}

	return s, nil
}

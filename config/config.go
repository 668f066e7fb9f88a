// Package config loads service configuration from an optional YAML
// file, a .env file and BUSTIME_* environment variables, in that
// order, and validates the result.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"tidbyt.dev/bustime"
	"tidbyt.dev/bustime/cache"
	"tidbyt.dev/bustime/feed"
)

const (
	DefaultPort     = 8080
	DefaultTimezone = "America/New_York"
	DefaultLogLevel = "info"

	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"

	KeyRound = "round"
	KeyS2    = "s2"

	StopsFromFeed = "feed"
	StopsFromGTFS = "gtfs"

	ArrivalsFromSIRI   = "siri"
	ArrivalsFromGTFSRT = "gtfsrt"
)

type ServerConfig struct {
	Port int `yaml:"port" validate:"gt=0,lte=65535"`
}

type FeedConfig struct {
	APIKey   string        `yaml:"api_key"`
	WhereURL string        `yaml:"where_url" validate:"required,url"`
	SiriURL  string        `yaml:"siri_url" validate:"required,url"`
	Timeout  time.Duration `yaml:"timeout" validate:"gt=0"`
}

type AggregateConfig struct {
	RadiusMeters int           `yaml:"radius_meters" validate:"gt=0"`
	MaxVisits    int           `yaml:"max_visits" validate:"gt=0"`
	Parallelism  int           `yaml:"parallelism" validate:"gt=0"`
	BuildTimeout time.Duration `yaml:"build_timeout" validate:"gt=0"`
}

type CacheConfig struct {
	TTL         time.Duration `yaml:"ttl" validate:"gt=0"`
	Backend     string        `yaml:"backend" validate:"oneof=memory sqlite postgres"`
	Key         string        `yaml:"key" validate:"oneof=round s2"`
	Precision   int           `yaml:"precision" validate:"gte=0,lte=10"`
	S2Level     int           `yaml:"s2_level" validate:"gte=0,lte=30"`
	Size        int           `yaml:"size" validate:"gt=0"`
	SQLitePath  string        `yaml:"sqlite_path"`
	PostgresURL string        `yaml:"postgres_url" validate:"required_if=Backend postgres"`
}

type StopsConfig struct {
	Source   string `yaml:"source" validate:"oneof=feed gtfs"`
	GTFSPath string `yaml:"gtfs_path" validate:"required_if=Source gtfs"`
}

type ArrivalsConfig struct {
	Source        string            `yaml:"source" validate:"oneof=siri gtfsrt"`
	GTFSRTURL     string            `yaml:"gtfsrt_url" validate:"required_if=Source gtfsrt,omitempty,url"`
	GTFSRTHeaders map[string]string `yaml:"gtfsrt_headers"`
}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Feed      FeedConfig      `yaml:"feed"`
	Aggregate AggregateConfig `yaml:"aggregate"`
	Cache     CacheConfig     `yaml:"cache"`
	Stops     StopsConfig     `yaml:"stops"`
	Arrivals  ArrivalsConfig  `yaml:"arrivals"`
	Timezone  string          `yaml:"timezone" validate:"required,timezone"`
	LogLevel  string          `yaml:"log_level" validate:"oneof=debug info warn error"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: DefaultPort,
		},
		Feed: FeedConfig{
			WhereURL: feed.DefaultWhereURL,
			SiriURL:  feed.DefaultSiriURL,
			Timeout:  feed.DefaultTimeout,
		},
		Aggregate: AggregateConfig{
			RadiusMeters: bustime.DefaultRadiusMeters,
			MaxVisits:    bustime.DefaultMaxVisits,
			Parallelism:  bustime.DefaultParallelism,
			BuildTimeout: bustime.DefaultBuildTimeout,
		},
		Cache: CacheConfig{
			TTL:       cache.DefaultTTL,
			Backend:   BackendMemory,
			Key:       KeyRound,
			Precision: cache.DefaultPrecision,
			S2Level:   cache.DefaultCellLevel,
			Size:      cache.DefaultSize,
		},
		Stops: StopsConfig{
			Source: StopsFromFeed,
		},
		Arrivals: ArrivalsConfig{
			Source: ArrivalsFromSIRI,
		},
		Timezone: DefaultTimezone,
		LogLevel: DefaultLogLevel,
	}
}

// Loads configuration. path is an optional YAML file. envFiles are
// .env files to load into the environment; if none are given,
// ".env" is tried. Missing .env files are ignored. Variables already
// set in the environment take precedence over .env files.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		err = yaml.Unmarshal(buf, cfg)
		if err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	if len(envFiles) == 0 {
		_ = godotenv.Load()
	} else {
		for _, f := range envFiles {
			_ = godotenv.Load(f)
		}
	}

	err := cfg.applyEnv()
	if err != nil {
		return nil, err
	}

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	err := validator.New().Struct(c)
	if err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"BUSTIME_API_KEY":       &c.Feed.APIKey,
		"BUSTIME_WHERE_URL":     &c.Feed.WhereURL,
		"BUSTIME_SIRI_URL":      &c.Feed.SiriURL,
		"BUSTIME_CACHE_BACKEND": &c.Cache.Backend,
		"BUSTIME_POSTGRES_URL":  &c.Cache.PostgresURL,
		"BUSTIME_TIMEZONE":      &c.Timezone,
		"BUSTIME_LOG_LEVEL":     &c.LogLevel,
	}
	for name, dst := range strs {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			*dst = v
		}
	}

	if v := os.Getenv("BUSTIME_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid BUSTIME_PORT: %q", v)
		}
		c.Server.Port = port
	}

	durations := map[string]*time.Duration{
		"BUSTIME_FEED_TIMEOUT": &c.Feed.Timeout,
		"BUSTIME_CACHE_TTL":    &c.Cache.TTL,
	}
	for name, dst := range durations {
		v := os.Getenv(name)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %q", name, v)
		}
		*dst = d
	}

	return nil
}

// Returns the zone arrival times are rendered in.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone: %w", err)
	}
	return loc, nil
}

package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/golang/geo/s2"

	"tidbyt.dev/bustime/geo"
	"tidbyt.dev/bustime/model"
)

const (
	DefaultTTL       = 30 * time.Second
	DefaultPrecision = 4
	DefaultCellLevel = 17 // ~70m cells
	DefaultSize      = 10000
)

// A short-lived key/value store for serialized payloads.
//
// Values expire ttl after being written, and reads of expired values
// behave as misses. Concurrent writes to a key: last one wins.
type Cache interface {
	// Returns the value for key. The bool is false on a miss,
	// including when the value has expired.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Writes value for key, expiring after ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Derives a cache key from a coordinate.
type KeyFunc func(model.Coordinate) string

// Keys on the coordinate rounded to the given number of decimal
// places. 4 places is roughly 10m, 3 places roughly 100m.
func RoundedKey(precision int) KeyFunc {
	return func(c model.Coordinate) string {
		lat := geo.RoundTo(c.Lat, precision)
		lon := geo.RoundTo(c.Lon, precision)
		// Avoid distinct keys for -0 and 0.
		if lat == 0 {
			lat = 0
		}
		if lon == 0 {
			lon = 0
		}
		return fmt.Sprintf("%.*f,%.*f", precision, lat, precision, lon)
	}
}

// Keys on the S2 cell containing the coordinate, at the given level.
func CellKey(level int) KeyFunc {
	return func(c model.Coordinate) string {
		ll := s2.LatLngFromDegrees(c.Lat, c.Lon)
		cellID := s2.CellIDFromLatLng(ll).Parent(level)
		return fmt.Sprintf("s2_%d", uint64(cellID))
	}
}

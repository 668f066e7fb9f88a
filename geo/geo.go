package geo

import (
	"math"

	"tidbyt.dev/bustime/model"
)

const EarthRadiusMiles = 3958.8

// Great-circle distance in miles between a and b, using the haversine
// formula. NaN inputs propagate.
func DistanceMiles(a, b model.Coordinate) float64 {
	aLatRad := a.Lat * math.Pi / 180
	aLonRad := a.Lon * math.Pi / 180
	bLatRad := b.Lat * math.Pi / 180
	bLonRad := b.Lon * math.Pi / 180
	deltaLat := aLatRad - bLatRad
	deltaLon := aLonRad - bLonRad

	h := math.Cos(aLatRad)*math.Cos(bLatRad)*math.Pow(math.Sin(deltaLon/2), 2) + math.Pow(math.Sin(deltaLat/2), 2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return c * EarthRadiusMiles
}

// Rounds v to the given number of decimal places.
func RoundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// True if c is finite and within [-90,90] x [-180,180].
func ValidCoordinate(c model.Coordinate) bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) || math.IsInf(c.Lat, 0) || math.IsInf(c.Lon, 0) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

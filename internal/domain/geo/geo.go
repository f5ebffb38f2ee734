// Package geo holds coordinates, GPS fixes and the great-circle distance math
// used by terminal detection.
package geo

import (
	"math"
	"time"

	"github.com/golang/geo/s1"
)

// EarthRadiusMeters is the mean Earth radius used by DistanceMeters.
const EarthRadiusMeters = 6_371_000.0

// Coordinate is a WGS84 point in decimal degrees.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether c is a finite coordinate within WGS84 ranges.
func (c Coordinate) Valid() bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) || math.IsInf(c.Lat, 0) || math.IsInf(c.Lon, 0) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// Fix is a single location reading from a device.
type Fix struct {
	Coordinate
	// AccuracyMeters is the 1-sigma horizontal uncertainty reported by the device.
	AccuracyMeters float64   `json:"accuracy"`
	Timestamp      time.Time `json:"timestamp"`
}

// DistanceMeters returns the haversine distance between a and b.
func DistanceMeters(a, b Coordinate) float64 {
	dLat := radians(b.Lat - a.Lat)
	dLon := radians(b.Lon - a.Lon)

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	h := sinLat*sinLat + math.Cos(radians(a.Lat))*math.Cos(radians(b.Lat))*sinLon*sinLon
	// Rounding can push h a hair above 1 for near-antipodal points.
	if h > 1 {
		h = 1
	}
	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(h))
}

func radians(deg float64) float64 {
	return (s1.Angle(deg) * s1.Degree).Radians()
}

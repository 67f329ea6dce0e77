package geo

import (
	"fmt"
	"math"
)

const (
	// EarthRadiusMeters is the mean Earth radius used by Haversine.
	EarthRadiusMeters = 6_371_000.0

	// MetersPerDegreeLat is the coarse meters-per-degree figure used to size
	// bounding boxes. It is slightly below the spherical value so boxes err on
	// the large side.
	MetersPerDegreeLat = 111_000.0

	maxLat Degrees = 90 * Scale
	maxLon Degrees = 180 * Scale
)

// Point is a latitude/longitude pair.
type Point struct {
	Lat Degrees `json:"lat"`
	Lon Degrees `json:"lon"`
}

// ParsePoint parses a latitude and longitude given as decimal strings and
// validates their ranges.
func ParsePoint(lat, lon string) (Point, error) {
	la, err := ParseDegrees(lat)
	if err != nil {
		return Point{}, fmt.Errorf("latitude: %w", err)
	}
	lo, err := ParseDegrees(lon)
	if err != nil {
		return Point{}, fmt.Errorf("longitude: %w", err)
	}
	p := Point{Lat: la, Lon: lo}
	return p, p.Validate()
}

// PointFromFloats builds a validated Point from float64 degrees.
func PointFromFloats(lat, lon float64) (Point, error) {
	la, err := FromFloat(lat)
	if err != nil {
		return Point{}, fmt.Errorf("latitude: %w", err)
	}
	lo, err := FromFloat(lon)
	if err != nil {
		return Point{}, fmt.Errorf("longitude: %w", err)
	}
	p := Point{Lat: la, Lon: lo}
	return p, p.Validate()
}

// Validate reports ErrOutOfRange unless -90 <= lat <= 90 and -180 <= lon <= 180.
func (p Point) Validate() error {
	if p.Lat < -maxLat || p.Lat > maxLat {
		return fmt.Errorf("latitude %s: %w", p.Lat, ErrOutOfRange)
	}
	if p.Lon < -maxLon || p.Lon > maxLon {
		return fmt.Errorf("longitude %s: %w", p.Lon, ErrOutOfRange)
	}
	return nil
}

func (p Point) String() string {
	return p.Lat.String() + "," + p.Lon.String()
}

// Midpoint returns the arithmetic mean of two points.
func Midpoint(a, b Point) Point {
	return Point{
		Lat: (a.Lat + b.Lat) / 2,
		Lon: (a.Lon + b.Lon) / 2,
	}
}

// Haversine returns the great-circle distance between a and b in meters.
func Haversine(a, b Point) float64 {
	lat1 := a.Lat.Radians()
	lat2 := b.Lat.Radians()
	dLat := (b.Lat - a.Lat).Radians()
	dLon := (b.Lon - a.Lon).Radians()

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLon*sinLon
	return 2 * EarthRadiusMeters * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

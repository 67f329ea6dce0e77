package geo

import "math"

// LonRange is an inclusive longitude interval with Min <= Max.
type LonRange struct {
	Min Degrees
	Max Degrees
}

// Box is a latitude/longitude rectangle used as a cheap prefilter before the
// exact distance check. A box that crosses the antimeridian carries two
// longitude ranges.
type Box struct {
	MinLat Degrees
	MaxLat Degrees
	Lon    []LonRange
}

// BoundingBox returns a box that contains every point within meters of
// center. The longitude half-width is corrected by cos(latitude); when the
// box reaches a pole it spans all longitudes.
func BoundingBox(center Point, meters float64) Box {
	latDelta := meters / MetersPerDegreeLat
	dLat := Degrees(math.Ceil(latDelta * Scale))

	b := Box{
		MinLat: max(center.Lat-dLat, -maxLat),
		MaxLat: min(center.Lat+dLat, maxLat),
	}

	full := []LonRange{{Min: -maxLon, Max: maxLon}}
	if center.Lat+dLat >= maxLat || center.Lat-dLat <= -maxLat {
		b.Lon = full
		return b
	}

	cos := math.Cos(center.Lat.Radians())
	lonDelta := latDelta / cos
	if cos <= 0 || lonDelta >= 180 {
		b.Lon = full
		return b
	}
	dLon := Degrees(math.Ceil(lonDelta * Scale))

	lo, hi := center.Lon-dLon, center.Lon+dLon
	switch {
	case lo < -maxLon:
		b.Lon = []LonRange{{Min: -maxLon, Max: hi}, {Min: lo + 2*maxLon, Max: maxLon}}
	case hi > maxLon:
		b.Lon = []LonRange{{Min: lo, Max: maxLon}, {Min: -maxLon, Max: hi - 2*maxLon}}
	default:
		b.Lon = []LonRange{{Min: lo, Max: hi}}
	}
	return b
}

// Contains reports whether p lies inside the box.
func (b Box) Contains(p Point) bool {
	if p.Lat < b.MinLat || p.Lat > b.MaxLat {
		return false
	}
	for _, r := range b.Lon {
		if p.Lon >= r.Min && p.Lon <= r.Max {
			return true
		}
	}
	return false
}

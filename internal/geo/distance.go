package geo

import (
	"math"

	"errandline/internal/domain"
)

const (
	EarthRadiusMeters   = 6371000.0
	ArrivalRadiusMeters = 60.0

	// walkingMetersPerMinute drives the distance based ETA fallback.
	walkingMetersPerMinute = 60.0
)

// Distance returns the great-circle distance in meters.
func Distance(a, b domain.LatLng) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180
	sinLat := math.Sin(dLat / 2)
	sinLng := math.Sin(dLng / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLng*sinLng
	return 2 * EarthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}

// Arrived reports whether a helper this far from the task counts as on site.
func Arrived(distanceMeters float64) bool {
	return distanceMeters <= ArrivalRadiusMeters
}

// ETAMinutes prefers the routed duration and falls back to straight-line distance.
// The result is never below one minute.
func ETAMinutes(distanceMeters float64, routeSeconds *float64) int {
	if routeSeconds != nil && *routeSeconds > 0 {
		return atLeastOne(*routeSeconds / 60)
	}
	return atLeastOne(distanceMeters / walkingMetersPerMinute)
}

func atLeastOne(v float64) int {
	n := int(math.Round(v))
	if n < 1 {
		return 1
	}
	return n
}

package geo

import (
	"math"
	"strings"

	"errandline/internal/domain"
)

const polylinePrecision = 1e5

// DecodePolyline decodes the encoded polyline format used by directions APIs.
// Decoding stops at the first malformed or incomplete chunk; points decoded so
// far are returned.
func DecodePolyline(encoded string) []domain.LatLng {
	var (
		points   []domain.LatLng
		lat, lng int64
		i        int
	)
	for i < len(encoded) {
		dLat, next, ok := decodeValue(encoded, i)
		if !ok {
			break
		}
		dLng, next, ok := decodeValue(encoded, next)
		if !ok {
			break
		}
		i = next
		lat += dLat
		lng += dLng
		points = append(points, domain.LatLng{
			Lat: float64(lat) / polylinePrecision,
			Lng: float64(lng) / polylinePrecision,
		})
	}
	return points
}

func decodeValue(s string, i int) (int64, int, bool) {
	var result int64
	shift := uint(0)
	for {
		if i >= len(s) || shift > 60 {
			return 0, i, false
		}
		b := int64(s[i]) - 63
		i++
		if b < 0 || b > 0x3f {
			return 0, i, false
		}
		result |= (b & 0x1f) << shift
		shift += 5
		if b < 0x20 {
			break
		}
	}
	if result&1 != 0 {
		return ^(result >> 1), i, true
	}
	return result >> 1, i, true
}

// EncodePolyline is the inverse of DecodePolyline at 1e-5 degree precision.
func EncodePolyline(points []domain.LatLng) string {
	var (
		b                strings.Builder
		prevLat, prevLng int64
	)
	for _, p := range points {
		lat := int64(math.Round(p.Lat * polylinePrecision))
		lng := int64(math.Round(p.Lng * polylinePrecision))
		encodeValue(&b, lat-prevLat)
		encodeValue(&b, lng-prevLng)
		prevLat, prevLng = lat, lng
	}
	return b.String()
}

func encodeValue(b *strings.Builder, v int64) {
	u := v << 1
	if v < 0 {
		u = ^u
	}
	for u >= 0x20 {
		b.WriteByte(byte((0x20 | (u & 0x1f)) + 63))
		u >>= 5
	}
	b.WriteByte(byte(u + 63))
}

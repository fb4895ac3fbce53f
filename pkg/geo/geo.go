// Package geo provides distance and geohash cell helpers.
//
// Cell sizes by geohash length, at the equator:
//
//	length  width x height
//	1       5009.4km x 4992.6km
//	2       1252.3km x 624.1km
//	3       156.5km x 156km
//	4       39.1km x 19.5km
//	5       4.9km x 4.9km
//	6       1.2km x 0.61km
package geo

import (
	"math"

	"github.com/echoface/proximityhash"
	"github.com/mmcloughlin/geohash"

	"github.com/mandiear/offline-cache/pkg/model"
)

const (
	EarthRadiusKM = 6371.0

	// LocatorPrecision is the geohash length stored for every record with
	// coordinates. Prefix queries truncate it.
	LocatorPrecision = 9

	coverageMaxPrecision = 5
)

var (
	cellWidthKM  = [...]float64{5009.4, 1252.3, 156.5, 39.1, 4.9, 1.2}
	cellHeightKM = [...]float64{4992.6, 624.1, 156.0, 19.5, 4.9, 0.61}
)

// DistanceKM returns the haversine great-circle distance between a and b.
func DistanceKM(a, b model.Location) float64 {
	lat1 := radians(a.Lat)
	lat2 := radians(b.Lat)
	dLat := radians(b.Lat - a.Lat)
	dLng := radians(b.Lng - a.Lng)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusKM * c
}

// Locator encodes loc into a full precision geohash.
func Locator(loc model.Location) string {
	return geohash.EncodeWithPrecision(loc.Lat, loc.Lng, LocatorPrecision)
}

// Cover returns geohash prefixes that together contain every point within
// radiusKM of center. It uses the finest precision whose cell is at least
// radiusKM on both axes, so the center cell plus its 8 neighbours always
// cover the disk. A zero prefixLen means the radius is too large for a useful
// prefilter and the caller should not filter by locator.
func Cover(center model.Location, radiusKM float64) (prefixLen int, cells []string) {
	shrink := math.Cos(radians(center.Lat))
	// 10% margin for the narrower cell width on the poleward edge of the disk.
	need := radiusKM * 1.1
	for i := len(cellWidthKM) - 1; i >= 0; i-- {
		w := cellWidthKM[i] * shrink
		h := cellHeightKM[i]
		if w >= need && h >= need {
			prefixLen = i + 1
			break
		}
	}
	// Geohash neighbours are not meaningful next to the poles.
	if prefixLen <= 1 || math.Abs(center.Lat) > 80 {
		return 0, nil
	}

	cell := geohash.EncodeWithPrecision(center.Lat, center.Lng, uint(prefixLen))
	cells = append(cells, cell)
	cells = append(cells, geohash.Neighbors(cell)...)
	return prefixLen, dedup(cells)
}

// CoverageCells lists the geohash cells of an offline bundle around center.
// It is informational: clients use it to decide whether a downloaded bundle
// still covers their current position.
func CoverageCells(center model.Location, radiusKM float64) []string {
	precision := uint(coverageMaxPrecision)
	for precision > 2 && cellHeightKM[precision-1]*4 < radiusKM {
		precision--
	}
	radiusM := radiusKM * 1000
	// Pad by one cell height so cells touching the edge are sampled.
	radiusM += cellHeightKM[precision-1] * 1000
	cells := proximityhash.CreateGeohash(center.Lat, center.Lng, radiusM, precision)
	cells = append(cells, geohash.EncodeWithPrecision(center.Lat, center.Lng, precision))
	return dedup(cells)
}

func dedup(s []string) []string {
	seen := make(map[string]struct{}, len(s))
	out := s[:0]
	for _, v := range s {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func radians(d float64) float64 {
	return d * math.Pi / 180
}

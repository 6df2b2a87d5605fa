// Package geo provides geographic utility functions for the commuter
// coordination core.
//
// All distance calculations use the Haversine formula on WGS-84 coordinates.
// Containment tests (circle, polygon) and the grid-cell indexing scheme used
// by the route reservoir and location service both live here so there is a
// single geodesic/point-math implementation that every component calls —
// no private reimplementations.
package geo

import (
	"math"

	"github.com/shiva/commuter-core/internal/model"
)

// ─── Constants ──────────────────────────────────────────────

const (
	// EarthRadiusKm is the mean radius of Earth in kilometers.
	EarthRadiusKm = 6371.0

	// EarthRadiusM is the mean radius of Earth in meters.
	EarthRadiusM = 6_371_000.0
)

// ─── Distance ───────────────────────────────────────────────

// HaversineKm returns the great-circle distance between two points in kilometers.
//
// Complexity: O(1)
func HaversineKm(a, b model.Location) float64 {
	dLat := degToRad(b.Lat - a.Lat)
	dLon := degToRad(b.Lon - a.Lon)

	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)

	h := sinLat*sinLat +
		math.Cos(degToRad(a.Lat))*math.Cos(degToRad(b.Lat))*sinLon*sinLon

	return 2 * EarthRadiusKm * math.Asin(math.Sqrt(h))
}

// HaversineM returns the great-circle distance between two points in meters.
func HaversineM(a, b model.Location) float64 {
	return HaversineKm(a, b) * 1000.0
}

// RouteDistanceKm returns the total distance of an ordered route in kilometers.
//
// Complexity: O(S) where S = number of coordinates.
func RouteDistanceKm(route []model.Location) float64 {
	total := 0.0
	for i := 0; i < len(route)-1; i++ {
		total += HaversineKm(route[i], route[i+1])
	}
	return total
}

// ─── Bounding boxes ─────────────────────────────────────────

// BBoxOfPolygon computes the axis-aligned bounding box of a closed ring.
func BBoxOfPolygon(ring []model.Location) model.BBox {
	if len(ring) == 0 {
		return model.BBox{}
	}
	b := model.BBox{MinLat: ring[0].Lat, MaxLat: ring[0].Lat, MinLon: ring[0].Lon, MaxLon: ring[0].Lon}
	for _, p := range ring[1:] {
		if p.Lat < b.MinLat {
			b.MinLat = p.Lat
		}
		if p.Lat > b.MaxLat {
			b.MaxLat = p.Lat
		}
		if p.Lon < b.MinLon {
			b.MinLon = p.Lon
		}
		if p.Lon > b.MaxLon {
			b.MaxLon = p.Lon
		}
	}
	return b
}

// BBoxOfCircle computes the bounding box of a circle, expressed in degrees
// using the same small-angle approximation (1 deg lat ≈ 111,320 m) used
// throughout the location index.
func BBoxOfCircle(center model.Location, radiusM float64) model.BBox {
	const metersPerDegLat = 111_320.0
	dLat := radiusM / metersPerDegLat
	cosLat := math.Cos(degToRad(center.Lat))
	if cosLat < 1e-9 {
		cosLat = 1e-9
	}
	dLon := radiusM / (metersPerDegLat * cosLat)
	return model.BBox{
		MinLat: center.Lat - dLat,
		MaxLat: center.Lat + dLat,
		MinLon: center.Lon - dLon,
		MaxLon: center.Lon + dLon,
	}
}

// BBoxOfGeofence derives a geofence's bounding box from its geometry.
func BBoxOfGeofence(g model.Geofence) model.BBox {
	if g.Geometry == model.GeometryCircle {
		return BBoxOfCircle(g.Center, g.RadiusM)
	}
	return BBoxOfPolygon(g.Polygon)
}

// BBoxIntersects reports whether two bounding boxes overlap.
func BBoxIntersects(a, b model.BBox) bool {
	return a.MinLat <= b.MaxLat && a.MaxLat >= b.MinLat &&
		a.MinLon <= b.MaxLon && a.MaxLon >= b.MinLon
}

// ─── Containment ────────────────────────────────────────────

// CircleContains reports whether p is inside (or exactly on the boundary of)
// a circle of the given radius in meters. A point at distance == radius
// counts as inside.
//
// Complexity: O(1)
func CircleContains(center model.Location, radiusM float64, p model.Location) bool {
	return HaversineM(center, p) <= radiusM
}

// PolygonContains reports whether p is inside (or on an edge/vertex of) a
// closed polygon ring, using the standard ray-casting algorithm with a
// consistent tie-break so boundary points are always classified as inside.
//
// ring must have at least 3 distinct points; the caller is expected to pass a
// closed ring (first point repeated as the last) or an implicitly-closed
// open ring — both are handled.
//
// Complexity: O(V) where V = number of vertices.
func PolygonContains(ring []model.Location, p model.Location) bool {
	n := len(ring)
	if n < 3 {
		return false
	}

	// Boundary check first: vertices and edges count as inside.
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		if onSegment(ring[i], ring[j], p) {
			return true
		}
	}

	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		xi, yi := ring[i].Lon, ring[i].Lat
		xj, yj := ring[j].Lon, ring[j].Lat
		if (yi > p.Lat) != (yj > p.Lat) {
			xIntersect := (xj-xi)*(p.Lat-yi)/(yj-yi) + xi
			if p.Lon < xIntersect {
				inside = !inside
			}
		}
	}
	return inside
}

func onSegment(a, b, p model.Location) bool {
	const eps = 1e-9
	cross := (b.Lon-a.Lon)*(p.Lat-a.Lat) - (b.Lat-a.Lat)*(p.Lon-a.Lon)
	if math.Abs(cross) > eps {
		return false
	}
	minLat, maxLat := math.Min(a.Lat, b.Lat), math.Max(a.Lat, b.Lat)
	minLon, maxLon := math.Min(a.Lon, b.Lon), math.Max(a.Lon, b.Lon)
	return p.Lat >= minLat-eps && p.Lat <= maxLat+eps && p.Lon >= minLon-eps && p.Lon <= maxLon+eps
}

// ─── Grid indexing ──────────────────────────────────────────

// GridCell is an integer-pair key produced by flooring latitude/longitude by
// a configured cell size. Used by RouteReservoir and, for nearest-queries,
// by LocationService.
type GridCell struct {
	Lat int64
	Lon int64
}

// CellOf returns the grid cell containing p for a cell size of deltaDeg
// degrees.
func CellOf(p model.Location, deltaDeg float64) GridCell {
	return GridCell{
		Lat: int64(math.Floor(p.Lat / deltaDeg)),
		Lon: int64(math.Floor(p.Lon / deltaDeg)),
	}
}

// CellsInRadius enumerates every grid cell whose bounding box intersects the
// circle of radiusM around center, for a cell size of deltaDeg degrees.
//
// Complexity: O(k) where k = cells covered by the circle's bounding box —
// independent of how many passengers/entities occupy those cells.
func CellsInRadius(center model.Location, radiusM, deltaDeg float64) []GridCell {
	bbox := BBoxOfCircle(center, radiusM)
	minCell := CellOf(model.Location{Lat: bbox.MinLat, Lon: bbox.MinLon}, deltaDeg)
	maxCell := CellOf(model.Location{Lat: bbox.MaxLat, Lon: bbox.MaxLon}, deltaDeg)

	var cells []GridCell
	for lat := minCell.Lat; lat <= maxCell.Lat; lat++ {
		for lon := minCell.Lon; lon <= maxCell.Lon; lon++ {
			cells = append(cells, GridCell{Lat: lat, Lon: lon})
		}
	}
	return cells
}

// ─── Route projection ───────────────────────────────────────

// ProjectOntoRoute returns the shortest distance in meters from p to the
// nearest coordinate of route. Used by DemandGenerator to assign a spawned
// passenger's origin to the route whose path passes closest by.
//
// Complexity: O(S) where S = number of route coordinates.
func ProjectOntoRoute(route []model.Location, p model.Location) float64 {
	best := math.MaxFloat64
	for _, wp := range route {
		if d := HaversineM(wp, p); d < best {
			best = d
		}
	}
	return best
}

// ─── Helpers ────────────────────────────────────────────────

func degToRad(deg float64) float64 {
	return deg * (math.Pi / 180.0)
}

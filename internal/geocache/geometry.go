package geocache

import (
	"github.com/shiva/commuter-core/internal/model"
	"github.com/shiva/commuter-core/pkg/geo"
)

// bboxOfPolygon precomputes a zone's bounding box once per refresh instead
// of on every containment test.
func bboxOfPolygon(ring []model.Location) model.BBox {
	return geo.BBoxOfPolygon(ring)
}

// bboxOf precomputes a geofence's bounding box, branching on its geometry
// kind.
func bboxOf(g model.Geofence) model.BBox {
	return geo.BBoxOfGeofence(g)
}

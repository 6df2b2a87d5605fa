package geo

import (
	"math"
	"testing"

	"github.com/shiva/commuter-core/internal/model"
)

func TestHaversineKm_SamePoint(t *testing.T) {
	loc := model.Location{Lat: 28.7041, Lon: 77.1025}
	got := HaversineKm(loc, loc)
	if got != 0 {
		t.Errorf("HaversineKm(same point) = %v, want 0", got)
	}
}

func TestHaversineKm_KnownDistance(t *testing.T) {
	// Connaught Place to IGI Airport (~15 km great-circle)
	connaught := model.Location{Lat: 28.6315, Lon: 77.2167}
	igi := model.Location{Lat: 28.5562, Lon: 77.0889}
	got := HaversineKm(connaught, igi)
	wantMin, wantMax := 14.0, 20.0
	if got < wantMin || got > wantMax {
		t.Errorf("HaversineKm(Connaught→IGI) = %.2f km, want between %.1f and %.1f", got, wantMin, wantMax)
	}
}

func TestRouteDistanceKm(t *testing.T) {
	route := []model.Location{
		{Lat: 28.7041, Lon: 77.1025},
		{Lat: 28.6500, Lon: 77.1000},
		{Lat: 28.5562, Lon: 77.0889},
	}
	got := RouteDistanceKm(route)
	if got <= 0 {
		t.Errorf("RouteDistanceKm = %v, want positive", got)
	}
}

func TestHaversineM(t *testing.T) {
	a := model.Location{Lat: 0, Lon: 0}
	b := model.Location{Lat: 0.001, Lon: 0}
	km := HaversineKm(a, b)
	m := HaversineM(a, b)
	if math.Abs(m-km*1000) > 0.01 {
		t.Errorf("HaversineM = %v, want HaversineKm*1000 = %v", m, km*1000)
	}
}

func TestBBoxOfPolygon(t *testing.T) {
	ring := []model.Location{
		{Lat: 0, Lon: 0},
		{Lat: 2, Lon: 0},
		{Lat: 2, Lon: 2},
		{Lat: 0, Lon: 2},
	}
	b := BBoxOfPolygon(ring)
	if b.MinLat != 0 || b.MaxLat != 2 || b.MinLon != 0 || b.MaxLon != 2 {
		t.Errorf("BBoxOfPolygon() = %+v, want {0 2 0 2}", b)
	}
}

func TestBBoxIntersects(t *testing.T) {
	a := model.BBox{MinLat: 0, MaxLat: 1, MinLon: 0, MaxLon: 1}
	b := model.BBox{MinLat: 0.5, MaxLat: 1.5, MinLon: 0.5, MaxLon: 1.5}
	c := model.BBox{MinLat: 5, MaxLat: 6, MinLon: 5, MaxLon: 6}

	if !BBoxIntersects(a, b) {
		t.Errorf("expected a and b to intersect")
	}
	if BBoxIntersects(a, c) {
		t.Errorf("expected a and c not to intersect")
	}
}

func TestCircleContainsBoundaryInclusive(t *testing.T) {
	center := model.Location{Lat: 0, Lon: 0}
	edge := model.Location{Lat: 0, Lon: 1}
	radiusM := HaversineM(center, edge)

	if !CircleContains(center, radiusM, edge) {
		t.Errorf("expected point exactly at radius to be contained")
	}
	if !CircleContains(center, radiusM, center) {
		t.Errorf("expected center to be contained")
	}

	outside := model.Location{Lat: 0, Lon: 2}
	if CircleContains(center, radiusM, outside) {
		t.Errorf("expected point well outside the circle not to be contained")
	}
}

func TestPolygonContainsSquare(t *testing.T) {
	square := []model.Location{
		{Lat: 0, Lon: 0},
		{Lat: 0, Lon: 2},
		{Lat: 2, Lon: 2},
		{Lat: 2, Lon: 0},
	}

	inside := model.Location{Lat: 1, Lon: 1}
	if !PolygonContains(square, inside) {
		t.Errorf("expected (1,1) inside square")
	}

	outside := model.Location{Lat: 5, Lon: 5}
	if PolygonContains(square, outside) {
		t.Errorf("expected (5,5) outside square")
	}

	onVertex := model.Location{Lat: 0, Lon: 0}
	if !PolygonContains(square, onVertex) {
		t.Errorf("expected vertex to count as inside")
	}

	onEdge := model.Location{Lat: 0, Lon: 1}
	if !PolygonContains(square, onEdge) {
		t.Errorf("expected edge midpoint to count as inside")
	}
}

func TestPolygonContainsDegenerate(t *testing.T) {
	line := []model.Location{{Lat: 0, Lon: 0}, {Lat: 1, Lon: 1}}
	if PolygonContains(line, model.Location{Lat: 0, Lon: 0}) {
		t.Errorf("expected degenerate ring (<3 points) never to contain")
	}
}

// TestPolygonCircleEquivalence32Gon checks that a 32-gon approximation of a
// 100 m circle agrees with the exact circle test on at least 99% of sampled
// points. Disagreement is only possible in the sliver between the polygon's
// chords and the arc, well under 1% of the sampled box.
func TestPolygonCircleEquivalence32Gon(t *testing.T) {
	center := model.Location{Lat: 10, Lon: 10}
	const radiusM = 100.0
	const metersPerDegLat = 111_320.0
	cosLat := math.Cos(center.Lat * math.Pi / 180)

	ring := make([]model.Location, 0, 32)
	for i := 0; i < 32; i++ {
		theta := 2 * math.Pi * float64(i) / 32
		ring = append(ring, model.Location{
			Lat: center.Lat + radiusM*math.Sin(theta)/metersPerDegLat,
			Lon: center.Lon + radiusM*math.Cos(theta)/(metersPerDegLat*cosLat),
		})
	}

	// Deterministic pseudo-random sample over a ±150 m box around the center.
	rnd := func(seed int64) float64 {
		seed = seed*6364136223846793005 + 1442695040888963407
		return float64(uint64(seed)>>11) / float64(1<<53)
	}

	agree := 0
	const samples = 1000
	for i := 0; i < samples; i++ {
		p := model.Location{
			Lat: center.Lat + (rnd(int64(2*i))-0.5)*300/metersPerDegLat,
			Lon: center.Lon + (rnd(int64(2*i+1))-0.5)*300/(metersPerDegLat*cosLat),
		}
		if CircleContains(center, radiusM, p) == PolygonContains(ring, p) {
			agree++
		}
	}

	if ratio := float64(agree) / samples; ratio < 0.99 {
		t.Errorf("circle/32-gon agreement = %.3f, want >= 0.99", ratio)
	}
}

func TestCellOf(t *testing.T) {
	delta := 0.01
	p := model.Location{Lat: 12.9716, Lon: 77.5946}
	cell := CellOf(p, delta)

	want := GridCell{Lat: 1297, Lon: 7759}
	if cell != want {
		t.Errorf("CellOf(%+v, %v) = %+v, want %+v", p, delta, cell, want)
	}
}

func TestCellsInRadiusIncludesCenterCell(t *testing.T) {
	delta := 0.01
	center := model.Location{Lat: 12.9716, Lon: 77.5946}
	cells := CellsInRadius(center, 500, delta)

	centerCell := CellOf(center, delta)
	found := false
	for _, c := range cells {
		if c == centerCell {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("expected CellsInRadius to include the center's own cell")
	}
}

func TestProjectOntoRoutePicksNearestWaypoint(t *testing.T) {
	route := []model.Location{
		{Lat: 0, Lon: 0},
		{Lat: 0, Lon: 1},
		{Lat: 0, Lon: 2},
	}
	p := model.Location{Lat: 0.001, Lon: 1}

	got := ProjectOntoRoute(route, p)
	want := HaversineM(model.Location{Lat: 0, Lon: 1}, p)

	if got != want {
		t.Errorf("ProjectOntoRoute() = %v, want %v (nearest waypoint)", got, want)
	}
}

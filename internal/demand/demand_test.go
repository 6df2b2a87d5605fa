package demand

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/shiva/commuter-core/internal/geocache"
	"github.com/shiva/commuter-core/internal/location"
	"github.com/shiva/commuter-core/internal/model"
	"github.com/shiva/commuter-core/pkg/geo"
)

func square(minLat, minLon, maxLat, maxLon float64) []model.Location {
	return []model.Location{
		{Lat: minLat, Lon: minLon},
		{Lat: minLat, Lon: maxLon},
		{Lat: maxLat, Lon: maxLon},
		{Lat: maxLat, Lon: minLon},
	}
}

func testZone(id string, weight float64) model.Zone {
	poly := square(0, 0, 0.01, 0.01)
	return model.Zone{
		ID:          id,
		Type:        model.ZoneResidential,
		Polygon:     poly,
		BBox:        model.BBox{MinLat: 0, MaxLat: 0.01, MinLon: 0, MaxLon: 0.01},
		SpawnWeight: weight,
	}
}

func testRoute(id string, hasConvention bool) model.RouteDef {
	return model.RouteDef{
		ID: id,
		Coordinates: []model.Location{
			{Lat: 0.002, Lon: 0.002},
			{Lat: 0.008, Lon: 0.008},
		},
		HasConvention:   hasConvention,
		InboundTerminus: model.Location{Lat: 0.002, Lon: 0.002},
	}
}

func TestTickEmptyCacheProducesNoSpawns(t *testing.T) {
	g := New(DefaultConfig(), location.New(), 1, nil)
	out := g.Tick(time.Now(), &geocache.Snapshot{})
	if out != nil {
		t.Errorf("Tick(empty snapshot) = %v, want nil", out)
	}
}

func TestTickSkipsZeroWeightZone(t *testing.T) {
	cfg := DefaultConfig()
	g := New(cfg, location.New(), 1, nil)

	snap := &geocache.Snapshot{
		Zones:  []model.Zone{testZone("z1", 0)},
		POIs:   []model.POI{{ID: "p1", Point: model.Location{Lat: 0.005, Lon: 0.005}, ActivityLevel: 1}},
		Routes: []model.RouteDef{testRoute("r1", true)},
	}

	out := g.Tick(time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC), snap)
	if len(out) != 0 {
		t.Errorf("Tick() with SpawnWeight=0 produced %d spawns, want 0", len(out))
	}
}

func TestTickRefusesRouteKindWithoutConvention(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseDensity = map[model.ZoneType]float64{model.ZoneResidential: 100000}
	g := New(cfg, location.New(), 7, nil)

	snap := &geocache.Snapshot{
		Zones:  []model.Zone{testZone("z1", 1)},
		POIs:   []model.POI{{ID: "p1", Point: model.Location{Lat: 0.005, Lon: 0.005}, ActivityLevel: 1}},
		Routes: []model.RouteDef{testRoute("r1", false)},
	}

	out := g.Tick(time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC), snap)
	for _, req := range out {
		if req.Kind == model.KindRoute {
			t.Fatalf("expected no ROUTE-kind spawns when route lacks a direction convention, got %+v", req)
		}
	}
}

func TestSampleOriginStaysInsidePolygon(t *testing.T) {
	z := testZone("z1", 1)
	for i := uint64(0); i < 200; i++ {
		src := rand.NewPCG(i, i^0x9e3779b9)
		p, ok := sampleOrigin(src, z)
		if !ok {
			t.Fatalf("sampleOrigin failed on attempt %d", i)
		}
		if !z.BBox.Contains(p) {
			t.Errorf("sampled origin %+v outside zone bbox %+v", p, z.BBox)
		}
		if !geo.PolygonContains(z.Polygon, p) {
			t.Errorf("sampled origin %+v outside zone polygon", p)
		}
	}
}

func TestSampleDestinationRespectsMaxDistance(t *testing.T) {
	origin := model.Location{Lat: 0, Lon: 0}
	pois := []model.POI{
		{ID: "near", Point: model.Location{Lat: 0.001, Lon: 0.001}, ActivityLevel: 1},
		{ID: "far", Point: model.Location{Lat: 5, Lon: 5}, ActivityLevel: 1000},
	}
	for i := uint64(0); i < 50; i++ {
		src := rand.NewPCG(i, i*7+3)
		dest, ok := sampleDestination(src, origin, pois, 1.0)
		if !ok {
			continue
		}
		if geo.HaversineKm(origin, dest) > 1.0 {
			t.Errorf("sampleDestination() returned %+v, %.2fkm from origin, want <= 1.0km", dest, geo.HaversineKm(origin, dest))
		}
	}
}

func TestSampleDestinationNoPOIs(t *testing.T) {
	_, ok := sampleDestination(rand.NewPCG(1, 2), model.Location{}, nil, 10)
	if ok {
		t.Errorf("sampleDestination(no POIs) should fail")
	}
}

func TestAssignRouteTiesBrokenByLowerID(t *testing.T) {
	origin := model.Location{Lat: 0.005, Lon: 0.005}
	routes := []model.RouteDef{
		{ID: "r2", Coordinates: []model.Location{origin}},
		{ID: "r1", Coordinates: []model.Location{origin}},
	}
	got, ok := assignRoute(origin, routes)
	if !ok || got != "r1" {
		t.Errorf("assignRoute() = %q, %v, want r1 (lower id wins tie)", got, ok)
	}
}

func TestAssignRouteEmptyCandidates(t *testing.T) {
	_, ok := assignRoute(model.Location{}, nil)
	if ok {
		t.Errorf("assignRoute(no routes) should fail")
	}
}

func TestRateForZeroForUnknownZoneType(t *testing.T) {
	cfg := DefaultConfig()
	g := &Generator{cfg: cfg}
	z := model.Zone{Type: model.ZoneType("unknown"), SpawnWeight: 1}
	if rate := g.rateFor(z, 8, 1); rate != 0 {
		t.Errorf("rateFor(unknown zone type) = %v, want 0", rate)
	}
}

func TestRateForNegativeMultiplierTreatedAsZero(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DayOfWeekMultiplier = [7]float64{-1, 1, 1, 1, 1, 1, 1}
	g := &Generator{cfg: cfg}
	z := model.Zone{Type: model.ZoneResidential, SpawnWeight: 1}
	if rate := g.rateFor(z, 12, 0); rate != 0 {
		t.Errorf("rateFor() with negative day-of-week multiplier = %v, want 0", rate)
	}
}

func TestRateForScalesWithTickMinutes(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TickMinutes = 60
	g := &Generator{cfg: cfg}
	z := model.Zone{Type: model.ZoneResidential, SpawnWeight: 1}
	rateHour := g.rateFor(z, 12, 1)

	cfg.TickMinutes = 1
	g2 := &Generator{cfg: cfg}
	rateMinute := g2.rateFor(z, 12, 1)

	if rateHour <= rateMinute {
		t.Errorf("rateFor(tick=60min) = %v, want > rateFor(tick=1min) = %v", rateHour, rateMinute)
	}
}

func TestIsPeakHour(t *testing.T) {
	cases := map[int]bool{6: false, 7: true, 9: true, 10: false, 17: true, 19: true, 20: false}
	for hour, want := range cases {
		if got := isPeakHour(hour); got != want {
			t.Errorf("isPeakHour(%d) = %v, want %v", hour, got, want)
		}
	}
}

// TestPoissonConvergence: over a long horizon the empirical per-tick count
// should converge to the configured mean within 5% for a high-rate zone.
func TestPoissonConvergence(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseDensity = map[model.ZoneType]float64{model.ZoneResidential: 200}
	var flat [24]float64
	for h := range flat {
		flat[h] = 1
	}
	cfg.TimeOfDayMultiplier = map[model.ZoneType][24]float64{model.ZoneResidential: flat}
	cfg.DayOfWeekMultiplier = [7]float64{1, 1, 1, 1, 1, 1, 1}
	cfg.TickMinutes = 60

	g := New(cfg, location.New(), 42, nil)
	snap := &geocache.Snapshot{
		Zones:  []model.Zone{testZone("z1", 1)},
		POIs:   []model.POI{{ID: "p1", Point: model.Location{Lat: 0.005, Lon: 0.005}, ActivityLevel: 1}},
		Routes: []model.RouteDef{testRoute("r1", true)},
	}

	const ticks = 200
	expectedMean := g.rateFor(snap.Zones[0], 12, int(time.Wednesday))
	total := 0
	now := time.Date(2026, 1, 7, 12, 0, 0, 0, time.UTC) // a Wednesday
	for i := 0; i < ticks; i++ {
		total += len(g.Tick(now, snap))
	}

	got := float64(total) / float64(ticks)
	tolerance := expectedMean * 0.05
	if got < expectedMean-tolerance || got > expectedMean+tolerance {
		t.Errorf("empirical mean %.2f not within 5%% of expected %.2f", got, expectedMean)
	}
}

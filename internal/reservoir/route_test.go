package reservoir

import (
	"testing"
	"time"

	"github.com/shiva/commuter-core/internal/model"
)

func routePassenger(id string, origin model.Location, dir model.Direction, spawnTime time.Time) *model.Passenger {
	return &model.Passenger{
		ID:        id,
		RouteID:   "R2",
		Kind:      model.KindRoute,
		Direction: dir,
		Origin:    origin,
		SpawnTime: spawnTime,
		Status:    model.StatusWaiting,
	}
}

// TestRouteDirectionFilter: only the OUTBOUND passenger is returned when
// the vehicle queries OUTBOUND.
func TestRouteDirectionFilter(t *testing.T) {
	r := NewRouteReservoir(0.01)

	pa := routePassenger("Pa", model.Location{Lat: 0, Lon: 0}, model.Outbound, time.Unix(0, 0))
	pb := routePassenger("Pb", model.Location{Lat: 0, Lon: 0.001}, model.Inbound, time.Unix(1, 0))

	if err := r.Spawn(pa); err != nil {
		t.Fatalf("Spawn(Pa): %v", err)
	}
	if err := r.Spawn(pb); err != nil {
		t.Fatalf("Spawn(Pb): %v", err)
	}

	got := r.Query("R2", model.Location{Lat: 0, Lon: 0}, model.Outbound, 200, 10)
	if len(got) != 1 || got[0].ID != "Pa" {
		t.Fatalf("Query(OUTBOUND) = %v, want [Pa]", ids(got))
	}
}

func TestRouteQuerySortsByDistance(t *testing.T) {
	r := NewRouteReservoir(0.01)

	near := routePassenger("near", model.Location{Lat: 0, Lon: 0.0005}, model.Outbound, time.Unix(0, 0))
	far := routePassenger("far", model.Location{Lat: 0, Lon: 0.002}, model.Outbound, time.Unix(0, 0))

	for _, p := range []*model.Passenger{far, near} {
		if err := r.Spawn(p); err != nil {
			t.Fatalf("Spawn(%s): %v", p.ID, err)
		}
	}

	got := r.Query("R2", model.Location{Lat: 0, Lon: 0}, model.Outbound, 1000, 10)
	if len(got) != 2 || got[0].ID != "near" || got[1].ID != "far" {
		t.Fatalf("Query sort order = %v, want [near far]", ids(got))
	}
}

func TestRouteQueryEmptyRadiusReturnsEmptyNotError(t *testing.T) {
	r := NewRouteReservoir(0.01)
	got := r.Query("R-unknown", model.Location{Lat: 100, Lon: 100}, model.Outbound, 1, 10)
	if len(got) != 0 {
		t.Errorf("expected empty result for a radius covering zero cells, got %v", ids(got))
	}
}

func TestRouteMarkPickedUpAndExpire(t *testing.T) {
	r := NewRouteReservoir(0.01)
	t0 := time.Unix(1000, 0)

	p := routePassenger("P1", model.Location{Lat: 0, Lon: 0}, model.Outbound, t0)
	p.ExpiryTime = t0.Add(30 * time.Second)
	if err := r.Spawn(p); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	got := r.Query("R2", model.Location{Lat: 0, Lon: 0}, model.Outbound, 500, 10)
	if len(got) != 1 {
		t.Fatalf("expected passenger queryable before pickup")
	}

	if _, err := r.MarkPickedUp("P1", "V1"); err != nil {
		t.Fatalf("MarkPickedUp: %v", err)
	}
	if p.Status != model.StatusOnboard {
		t.Errorf("expected ONBOARD after pickup, got %s", p.Status)
	}

	got = r.Query("R2", model.Location{Lat: 0, Lon: 0}, model.Outbound, 500, 10)
	if len(got) != 0 {
		t.Errorf("expected no results after pickup, got %v", ids(got))
	}

	p2 := routePassenger("P2", model.Location{Lat: 0, Lon: 0}, model.Outbound, t0)
	p2.ExpiryTime = t0.Add(10 * time.Second)
	if err := r.Spawn(p2); err != nil {
		t.Fatalf("Spawn(P2): %v", err)
	}
	r.ExpirePass(t0.Add(11 * time.Second))
	if p2.Status != model.StatusExpired {
		t.Errorf("expected P2 EXPIRED, got %s", p2.Status)
	}
}

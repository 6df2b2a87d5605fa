package conductor

import (
	"context"
	"testing"
	"time"

	"github.com/shiva/commuter-core/internal/geocache"
	"github.com/shiva/commuter-core/internal/location"
	"github.com/shiva/commuter-core/internal/messagehub"
	"github.com/shiva/commuter-core/internal/model"
	"github.com/shiva/commuter-core/internal/reservoir"
)

func boardingCandidate(id string, spawnTime time.Time) *model.Passenger {
	return &model.Passenger{
		ID:        id,
		RouteID:   "R1",
		Kind:      model.KindRoute,
		Direction: model.Outbound,
		Origin:    model.Location{Lat: 0, Lon: 0},
		SpawnTime: spawnTime,
		Status:    model.StatusWaiting,
	}
}

// TestCapacityExhaustionBoardsExactlyCapacity: capacity 3, five eligible
// passengers, exactly the 3 earliest-spawned board, the conductor reaches
// READY_TO_DEPART, and the other 2 remain WAITING.
func TestCapacityExhaustionBoardsExactlyCapacity(t *testing.T) {
	routeRes := reservoir.NewRouteReservoir(0.01)
	depotRes := reservoir.NewDepotReservoir(100)
	loc := location.New()

	base := time.Unix(0, 0)
	var passengers []*model.Passenger
	for i := 0; i < 5; i++ {
		p := boardingCandidate(string(rune('A'+i)), base.Add(time.Duration(i)*time.Second))
		passengers = append(passengers, p)
		if err := routeRes.Spawn(p); err != nil {
			t.Fatalf("Spawn(%s): %v", p.ID, err)
		}
	}

	vehicle := model.Vehicle{ID: "V1", RouteID: "R1", Direction: model.Outbound, Capacity: 3, CurrentPosition: model.Location{Lat: 0, Lon: 0}}
	source := func(id string) (model.Vehicle, bool) {
		if id == "V1" {
			return vehicle, true
		}
		return model.Vehicle{}, false
	}

	cfg := DefaultConfig()
	mgr := NewManager(cfg, loc, depotRes, routeRes, nil, DriverCallbacks{}, source, nil)

	st := &State{mode: model.ModeCruising, onboard: make(map[string]*model.Passenger)}
	candidates := routeRes.Query("R1", vehicle.CurrentPosition, model.Outbound, cfg.PickupRadiusM, vehicle.Capacity-len(st.onboard))
	if len(candidates) != 3 {
		t.Fatalf("expected query to cap candidates at capacity=3, got %d", len(candidates))
	}

	st.vehicle = vehicle
	// With no hub, the depart signal goes through the callback; the mode is
	// captured there because the conductor returns to CRUISING once the
	// driver confirms engine:on.
	var departMode model.ConductorMode
	mgr.callbacks.OnReadyToDepart = func(string) { departMode = st.mode }
	mgr.board(context.Background(), cfg, "V1", st, candidates, 0)

	if len(st.onboard) != 3 {
		t.Errorf("expected exactly 3 onboard, got %d", len(st.onboard))
	}
	if departMode != model.ModeReadyToDepart {
		t.Errorf("expected READY_TO_DEPART after boarding to capacity, got %s", departMode)
	}

	boardedIDs := map[string]bool{}
	for id := range st.onboard {
		boardedIDs[id] = true
	}
	for i := 0; i < 3; i++ {
		if !boardedIDs[passengers[i].ID] {
			t.Errorf("expected %s to board (earliest spawn order)", passengers[i].ID)
		}
	}
	for i := 3; i < 5; i++ {
		if passengers[i].Status != model.StatusWaiting {
			t.Errorf("expected %s to remain WAITING, got %s", passengers[i].ID, passengers[i].Status)
		}
	}
}

func TestZeroCapacityVehicleNeverBoards(t *testing.T) {
	routeRes := reservoir.NewRouteReservoir(0.01)
	depotRes := reservoir.NewDepotReservoir(100)
	loc := location.New()

	p := boardingCandidate("A", time.Unix(0, 0))
	if err := routeRes.Spawn(p); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	vehicle := model.Vehicle{ID: "V1", RouteID: "R1", Direction: model.Outbound, Capacity: 0, CurrentPosition: model.Location{Lat: 0, Lon: 0}}
	source := func(id string) (model.Vehicle, bool) { return vehicle, true }

	cfg := DefaultConfig()
	mgr := NewManager(cfg, loc, depotRes, routeRes, nil, DriverCallbacks{}, source, nil)

	st := &State{mode: model.ModeCruising, onboard: make(map[string]*model.Passenger)}
	mgr.states["V1"] = st

	mgr.tick(context.Background(), "V1", "R1", model.Outbound, st)

	if st.mode != model.ModeCruising {
		t.Errorf("expected mode to remain CRUISING for a zero-capacity vehicle, got %s", st.mode)
	}
}

// TestTickBoardsDepotPassengerThroughIsAtDepot drives the conductor through
// its depot branch end to end: a geofence id ("G-depot-zone") distinct from
// the Depot entity id ("depot-1") proves tick resolves IsAtDepot's returned
// id correctly and queries DepotReservoir with the id it actually indexes
// on.
func TestTickBoardsDepotPassengerThroughIsAtDepot(t *testing.T) {
	routeRes := reservoir.NewRouteReservoir(0.01)
	depotRes := reservoir.NewDepotReservoir(100)
	loc := location.New()

	depotPoint := model.Location{Lat: 5, Lon: 5}
	snap := &geocache.Snapshot{
		Geofences: []model.Geofence{{
			ID:       "G-depot-zone",
			Type:     model.GeofenceDepot,
			Geometry: model.GeometryCircle,
			Center:   depotPoint,
			RadiusM:  100,
			BBox:     model.BBox{MinLat: 4, MaxLat: 6, MinLon: 4, MaxLon: 6},
			Enabled:  true,
		}},
		Depots: []model.Depot{{ID: "depot-1", Point: depotPoint, MaxQueueCapacity: 20}},
	}
	if err := loc.RefreshFromCache(snap); err != nil {
		t.Fatalf("RefreshFromCache: %v", err)
	}

	p := &model.Passenger{
		ID:        "D1",
		RouteID:   "R1",
		DepotID:   "depot-1",
		Kind:      model.KindDepot,
		Direction: model.Outbound,
		Origin:    depotPoint,
		SpawnTime: time.Unix(0, 0),
		Status:    model.StatusWaiting,
	}
	if err := depotRes.Spawn(p); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	vehicle := model.Vehicle{ID: "V1", RouteID: "R1", Direction: model.Outbound, Capacity: 3, CurrentPosition: depotPoint}
	source := func(id string) (model.Vehicle, bool) {
		if id == "V1" {
			return vehicle, true
		}
		return model.Vehicle{}, false
	}

	cfg := DefaultConfig()
	mgr := NewManager(cfg, loc, depotRes, routeRes, nil, DriverCallbacks{}, source, nil)

	st := &State{mode: model.ModeCruising, onboard: make(map[string]*model.Passenger), vehicle: vehicle}
	mgr.states["V1"] = st
	var departMode model.ConductorMode
	mgr.callbacks.OnReadyToDepart = func(string) { departMode = st.mode }

	mgr.tick(context.Background(), "V1", "R1", model.Outbound, st)

	if _, onboard := st.onboard["D1"]; !onboard {
		t.Fatalf("expected depot passenger D1 to board via the depot branch, onboard=%v", st.onboard)
	}
	if departMode != model.ModeReadyToDepart {
		t.Errorf("expected READY_TO_DEPART after boarding, got %s", departMode)
	}
}

// TestScanAheadFindsPassengerAtUpcomingWaypoint covers the CRUISING
// lookahead: a passenger waiting two waypoints ahead of the vehicle — well
// outside the pickup radius of its current position — is still returned as a
// candidate, in addition to (not instead of) anyone already nearby.
func TestScanAheadFindsPassengerAtUpcomingWaypoint(t *testing.T) {
	routeRes := reservoir.NewRouteReservoir(0.01)
	depotRes := reservoir.NewDepotReservoir(100)
	loc := location.New()

	// Waypoints spaced ~1.1 km apart along the equator.
	route := model.RouteDef{
		ID: "R1",
		Coordinates: []model.Location{
			{Lat: 0, Lon: 0},
			{Lat: 0, Lon: 0.01},
			{Lat: 0, Lon: 0.02},
		},
	}

	nearby := boardingCandidate("near", time.Unix(0, 0))
	ahead := boardingCandidate("ahead", time.Unix(1, 0))
	ahead.Origin = model.Location{Lat: 0, Lon: 0.02}
	for _, p := range []*model.Passenger{nearby, ahead} {
		if err := routeRes.Spawn(p); err != nil {
			t.Fatalf("Spawn(%s): %v", p.ID, err)
		}
	}

	cfg := DefaultConfig()
	source := func(id string) (model.Vehicle, bool) { return model.Vehicle{}, false }
	mgr := NewManager(cfg, loc, depotRes, routeRes, nil, DriverCallbacks{}, source, nil)
	mgr.SetRouteSource(func(id string) (model.RouteDef, bool) {
		if id == "R1" {
			return route, true
		}
		return model.RouteDef{}, false
	})

	pos := model.Location{Lat: 0, Lon: 0}
	candidates := routeRes.Query("R1", pos, model.Outbound, cfg.PickupRadiusM, 5)
	candidates = mgr.scanAhead(cfg, "R1", pos, model.Outbound, candidates, 5)

	got := map[string]bool{}
	for _, p := range candidates {
		got[p.ID] = true
	}
	if !got["near"] || !got["ahead"] {
		t.Fatalf("scanAhead candidates = %v, want both near and ahead", got)
	}
}

// TestTickSkipsStalePosition covers the staleness invariant: a position
// older than one position-update interval never backs a stop decision.
func TestTickSkipsStalePosition(t *testing.T) {
	routeRes := reservoir.NewRouteReservoir(0.01)
	depotRes := reservoir.NewDepotReservoir(100)
	loc := location.New()

	p := boardingCandidate("A", time.Unix(0, 0))
	if err := routeRes.Spawn(p); err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	vehicle := model.Vehicle{
		ID: "V1", RouteID: "R1", Direction: model.Outbound, Capacity: 3,
		CurrentPosition:    model.Location{Lat: 0, Lon: 0},
		PositionObservedAt: time.Now().Add(-time.Minute),
	}
	source := func(id string) (model.Vehicle, bool) { return vehicle, true }

	mgr := NewManager(DefaultConfig(), loc, depotRes, routeRes, nil, DriverCallbacks{}, source, nil)
	st := &State{mode: model.ModeCruising, onboard: make(map[string]*model.Passenger)}
	mgr.states["V1"] = st

	mgr.tick(context.Background(), "V1", "R1", model.Outbound, st)

	if st.mode != model.ModeCruising {
		t.Errorf("expected CRUISING to persist on a stale position, got %s", st.mode)
	}
	if p.Status != model.StatusWaiting {
		t.Errorf("expected passenger to remain WAITING, got %s", p.Status)
	}
}

// TestAwaitDriverEventWithRealHub proves awaitDriverEvent observes
// driver:engine:off/on published on a real Hub instead of blocking for the
// full DriverResponseTimeout and aborting the stop — the bug a hub:nil-only
// test suite could never catch.
func TestAwaitDriverEventWithRealHub(t *testing.T) {
	routeRes := reservoir.NewRouteReservoir(0.01)
	depotRes := reservoir.NewDepotReservoir(100)
	loc := location.New()
	hub := messagehub.New("test", nil)

	cfg := DefaultConfig()
	cfg.DriverResponseTimeout = 2 * time.Second
	source := func(id string) (model.Vehicle, bool) { return model.Vehicle{}, false }
	mgr := NewManager(cfg, loc, depotRes, routeRes, hub, DriverCallbacks{}, source, nil)

	go func() {
		time.Sleep(20 * time.Millisecond)
		hub.Publish(messagehub.NamespaceVehicle, messagehub.Message{
			Type: "driver:engine:off",
			Data: map[string]interface{}{"vehicle_id": "V1"},
		})
	}()

	if ok := mgr.awaitEngineOff(context.Background(), cfg, "V1"); !ok {
		t.Fatalf("awaitEngineOff timed out despite a matching driver:engine:off publish")
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		hub.Publish(messagehub.NamespaceVehicle, messagehub.Message{
			Type: "driver:engine:on",
			Data: map[string]interface{}{"vehicle_id": "V1"},
		})
	}()

	if ok := mgr.awaitEngineOn(context.Background(), cfg, "V1"); !ok {
		t.Fatalf("awaitEngineOn timed out despite a matching driver:engine:on publish")
	}
}

// TestAwaitDriverEventIgnoresOtherVehicles proves the subscription filters by
// vehicle_id rather than firing on any matching event type.
func TestAwaitDriverEventIgnoresOtherVehicles(t *testing.T) {
	routeRes := reservoir.NewRouteReservoir(0.01)
	depotRes := reservoir.NewDepotReservoir(100)
	loc := location.New()
	hub := messagehub.New("test", nil)

	cfg := DefaultConfig()
	cfg.DriverResponseTimeout = 50 * time.Millisecond
	source := func(id string) (model.Vehicle, bool) { return model.Vehicle{}, false }
	mgr := NewManager(cfg, loc, depotRes, routeRes, hub, DriverCallbacks{}, source, nil)

	hub.Publish(messagehub.NamespaceVehicle, messagehub.Message{
		Type: "driver:engine:off",
		Data: map[string]interface{}{"vehicle_id": "V-other"},
	})

	if ok := mgr.awaitEngineOff(context.Background(), cfg, "V1"); ok {
		t.Fatalf("awaitEngineOff returned true for an event addressed to a different vehicle")
	}
}

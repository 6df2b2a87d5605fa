// Package vehicletracker holds the authoritative, externally-managed
// Vehicle record the conductor reads capacity and position from — there is
// deliberately no hardcoded default capacity anywhere. It never originates
// vehicle state — only mirrors what arrives over the message hub's vehicle
// namespace (`vehicle:registered`, `vehicle:position`,
// `driver:engine:on`/`driver:engine:off`).
package vehicletracker

import (
	"sync"
	"time"

	"github.com/shiva/commuter-core/internal/messagehub"
	"github.com/shiva/commuter-core/internal/model"
)

// Tracker is the in-memory mirror of every known vehicle's last-reported
// state.
type Tracker struct {
	mu       sync.RWMutex
	vehicles map[string]model.Vehicle
}

// New constructs a Tracker and subscribes it to hub's vehicle namespace.
func New(hub *messagehub.Hub) *Tracker {
	t := &Tracker{vehicles: make(map[string]model.Vehicle)}
	if hub == nil {
		return t
	}

	hub.Subscribe(messagehub.NamespaceVehicle, "vehicle:registered", "vehicletracker", t.onRegistered)
	hub.Subscribe(messagehub.NamespaceVehicle, "vehicle:position", "vehicletracker", t.onPosition)
	hub.Subscribe(messagehub.NamespaceVehicle, "driver:engine:on", "vehicletracker", t.onEngine(model.EngineOn))
	hub.Subscribe(messagehub.NamespaceVehicle, "driver:engine:off", "vehicletracker", t.onEngine(model.EngineOff))
	return t
}

func vehicleID(msg messagehub.Message) (string, bool) {
	id, ok := msg.Data["vehicle_id"].(string)
	return id, ok
}

func (t *Tracker) onRegistered(msg messagehub.Message) {
	id, ok := vehicleID(msg)
	if !ok {
		return
	}

	routeID, _ := msg.Data["route_id"].(string)
	direction, _ := msg.Data["direction"].(string)
	capacity := 0
	if c, ok := msg.Data["capacity"].(float64); ok {
		capacity = int(c)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	v := t.vehicles[id]
	v.ID = id
	v.RouteID = routeID
	v.Direction = model.Direction(direction)
	v.Capacity = capacity
	if v.EngineState == "" {
		v.EngineState = model.EngineOff
	}
	t.vehicles[id] = v
}

func (t *Tracker) onPosition(msg messagehub.Message) {
	id, ok := vehicleID(msg)
	if !ok {
		return
	}
	lat, _ := msg.Data["lat"].(float64)
	lon, _ := msg.Data["lon"].(float64)

	t.mu.Lock()
	defer t.mu.Unlock()
	v := t.vehicles[id]
	v.ID = id
	v.CurrentPosition = model.Location{Lat: lat, Lon: lon}
	v.PositionObservedAt = time.Now()
	t.vehicles[id] = v
}

func (t *Tracker) onEngine(state model.EngineState) messagehub.Handler {
	return func(msg messagehub.Message) {
		id, ok := vehicleID(msg)
		if !ok {
			return
		}
		t.mu.Lock()
		defer t.mu.Unlock()
		v := t.vehicles[id]
		v.ID = id
		v.EngineState = state
		t.vehicles[id] = v
	}
}

// Get returns the last-known record for vehicleID. Satisfies
// conductor.VehicleSource.
func (t *Tracker) Get(vehicleID string) (model.Vehicle, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.vehicles[vehicleID]
	return v, ok
}

// Register manually seeds or updates a vehicle record without a round-trip
// through the hub; tests use it to seed vehicles.
func (t *Tracker) Register(v model.Vehicle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v.EngineState == "" {
		v.EngineState = model.EngineOff
	}
	t.vehicles[v.ID] = v
}

// Snapshot returns every known vehicle.
func (t *Tracker) Snapshot() []model.Vehicle {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]model.Vehicle, 0, len(t.vehicles))
	for _, v := range t.vehicles {
		out = append(out, v)
	}
	return out
}

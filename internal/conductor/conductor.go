// Package conductor implements the per-vehicle state machine:
// CRUISING → STOP_REQUESTED → BOARDING → READY_TO_DEPART → CRUISING. Each
// vehicle's conductor runs as a goroutine managed by a sourcegraph/conc
// WaitGroup so a panic doesn't silently vanish — it's caught, logged, and
// the vehicle is marked disconnected, the same way one bad HTTP request is
// recovered without taking down the server.
package conductor

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/shiva/commuter-core/internal/configsvc"
	"github.com/shiva/commuter-core/internal/location"
	"github.com/shiva/commuter-core/internal/messagehub"
	"github.com/shiva/commuter-core/internal/model"
	"github.com/shiva/commuter-core/internal/reservoir"
	"github.com/shiva/commuter-core/pkg/geo"
)

// Config mirrors the conductor.* / driver.waypoints.* configuration
// sections.
type Config struct {
	MonitoringInterval       time.Duration
	PickupRadiusM            float64
	AlightRadiusM            float64
	MinStopDuration          time.Duration
	MaxStopDuration          time.Duration
	PerPassengerBoardingTime time.Duration
	PerPassengerAlightTime   time.Duration
	DriverResponseTimeout    time.Duration
	WaypointLookahead        int
	PositionMaxAge           time.Duration
}

// DefaultConfig returns sane defaults for every tunable.
func DefaultConfig() Config {
	return Config{
		MonitoringInterval:       2 * time.Second,
		PickupRadiusM:            300,
		AlightRadiusM:            150,
		MinStopDuration:          10 * time.Second,
		MaxStopDuration:          90 * time.Second,
		PerPassengerBoardingTime: 4 * time.Second,
		PerPassengerAlightTime:   3 * time.Second,
		DriverResponseTimeout:    15 * time.Second,
		WaypointLookahead:        3,
		PositionMaxAge:           3 * time.Second,
	}
}

// DriverCallbacks is the legacy callback fallback, used only when no hub is
// configured. Payload shapes match the hub messages exactly.
type DriverCallbacks struct {
	OnStopRequested func(vehicleID string, duration time.Duration, boarding, alighting int)
	OnReadyToDepart func(vehicleID string)
}

// VehicleSource supplies the authoritative, externally-managed vehicle
// record. Capacity is always read from here — never from a hardcoded
// default.
type VehicleSource func(vehicleID string) (model.Vehicle, bool)

// RouteSource supplies a route's geometry for the waypoint-lookahead scan.
// Optional: a Manager without one only queries around the vehicle's current
// position.
type RouteSource func(routeID string) (model.RouteDef, bool)

// State is the live, mutable per-vehicle conductor state.
type State struct {
	mu      sync.Mutex
	vehicle model.Vehicle
	mode    model.ConductorMode
	onboard map[string]*model.Passenger
}

// Manager runs one conductor goroutine per vehicle.
type Manager struct {
	cfg       Config
	loc       *location.Service
	depotRes  *reservoir.DepotReservoir
	routeRes  *reservoir.RouteReservoir
	hub       *messagehub.Hub
	callbacks DriverCallbacks
	vehicles  VehicleSource
	routes    RouteSource
	cfgSvc    *configsvc.Service

	wg     conc.WaitGroup
	mu     sync.Mutex
	states map[string]*State
}

// NewManager constructs a Manager. Any of hub/callbacks may be zero-valued;
// Manager falls back to the callback path only if hub is nil. cfgSvc may be
// nil, in which case cfg is used as a static snapshot; when set, the
// conductor.* keys it carries are re-read on every tick so a live
// CMS-driven config change takes effect without restarting the vehicle's
// goroutine.
func NewManager(cfg Config, loc *location.Service, depotRes *reservoir.DepotReservoir, routeRes *reservoir.RouteReservoir, hub *messagehub.Hub, callbacks DriverCallbacks, vehicles VehicleSource, cfgSvc *configsvc.Service) *Manager {
	return &Manager{
		cfg:       cfg,
		loc:       loc,
		depotRes:  depotRes,
		routeRes:  routeRes,
		hub:       hub,
		callbacks: callbacks,
		vehicles:  vehicles,
		cfgSvc:    cfgSvc,
		states:    make(map[string]*State),
	}
}

// effective resolves the Config to use for the current tick/stop: m.cfg as
// a base, with the scalar knobs ConfigurationService declares (the
// conductor.proximity/stop_duration/operational keys) overlaid live.
// AlightRadiusM and WaypointLookahead have no CMS key and stay as
// configured at construction.
func (m *Manager) effective() Config {
	c := m.cfg
	if m.cfgSvc == nil {
		return c
	}

	c.PickupRadiusM = m.cfgSvc.GetFloat("conductor.proximity", "pickup_radius_km", c.PickupRadiusM/1000) * 1000
	c.MinStopDuration = time.Duration(m.cfgSvc.GetFloat("conductor.stop_duration", "min_seconds", c.MinStopDuration.Seconds())) * time.Second
	c.MaxStopDuration = time.Duration(m.cfgSvc.GetFloat("conductor.stop_duration", "max_seconds", c.MaxStopDuration.Seconds())) * time.Second
	c.PerPassengerBoardingTime = time.Duration(m.cfgSvc.GetFloat("conductor.stop_duration", "per_passenger_boarding_time", c.PerPassengerBoardingTime.Seconds())) * time.Second
	c.PerPassengerAlightTime = time.Duration(m.cfgSvc.GetFloat("conductor.stop_duration", "per_passenger_disembarking_time", c.PerPassengerAlightTime.Seconds())) * time.Second
	c.MonitoringInterval = time.Duration(m.cfgSvc.GetFloat("conductor.operational", "monitoring_interval_seconds", c.MonitoringInterval.Seconds())) * time.Second
	c.DriverResponseTimeout = time.Duration(m.cfgSvc.GetFloat("conductor.operational", "driver_response_timeout_seconds", c.DriverResponseTimeout.Seconds())) * time.Second
	c.PositionMaxAge = time.Duration(m.cfgSvc.GetFloat("driver.waypoints", "broadcast_interval_seconds", c.PositionMaxAge.Seconds())) * time.Second
	return c
}

// SetRouteSource wires the route-geometry lookup the waypoint-lookahead scan
// needs. Call before Start; a nil source disables the lookahead.
func (m *Manager) SetRouteSource(routes RouteSource) {
	m.routes = routes
}

// Start launches the conductor goroutine for vehicleID. Safe to call once
// per vehicle; a second call is a no-op.
func (m *Manager) Start(ctx context.Context, vehicleID, routeID string, direction model.Direction) {
	m.mu.Lock()
	if _, exists := m.states[vehicleID]; exists {
		m.mu.Unlock()
		return
	}
	st := &State{mode: model.ModeCruising, onboard: make(map[string]*model.Passenger)}
	m.states[vehicleID] = st
	m.mu.Unlock()

	m.wg.Go(func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[conductor] vehicle %s panicked: %v — marking disconnected", vehicleID, r)
				m.publishSystem("system:service_disconnected", vehicleID)
			}
		}()
		m.run(ctx, vehicleID, routeID, direction, st)
	})
}

// Wait blocks until every running conductor goroutine has exited (ctx
// cancellation is the expected trigger).
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) run(ctx context.Context, vehicleID, routeID string, direction model.Direction, st *State) {
	interval := m.effective().MonitoringInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if next := m.effective().MonitoringInterval; next != interval && next > 0 {
				interval = next
				ticker.Reset(interval)
			}
			m.tick(ctx, vehicleID, routeID, direction, st)
		}
	}
}

func (m *Manager) tick(ctx context.Context, vehicleID, routeID string, direction model.Direction, st *State) {
	st.mu.Lock()
	mode := st.mode
	st.mu.Unlock()

	if mode != model.ModeCruising {
		return
	}

	cfg := m.effective()

	vehicle, ok := m.vehicles(vehicleID)
	if !ok {
		log.Printf("[conductor] vehicle %s has no authoritative record, skipping tick", vehicleID)
		return
	}

	// A position older than one telemetry interval can't back a stop
	// decision; wait for the next update. A zero timestamp means the record
	// was seeded directly (no telemetry yet) and is taken at face value.
	if cfg.PositionMaxAge > 0 && !vehicle.PositionObservedAt.IsZero() &&
		time.Since(vehicle.PositionObservedAt) > cfg.PositionMaxAge {
		return
	}

	st.mu.Lock()
	st.vehicle = vehicle
	remaining := vehicle.Capacity - len(st.onboard)
	st.mu.Unlock()

	if remaining <= 0 {
		return
	}

	var candidates []*model.Passenger
	if depotID, atDepot := m.loc.IsAtDepot(vehicle.CurrentPosition); atDepot {
		candidates = m.depotRes.Query(depotID, routeID, vehicle.CurrentPosition, cfg.PickupRadiusM, remaining)
	} else {
		candidates = m.routeRes.Query(routeID, vehicle.CurrentPosition, direction, cfg.PickupRadiusM, remaining)
		candidates = m.scanAhead(cfg, routeID, vehicle.CurrentPosition, direction, candidates, remaining)
	}

	if len(candidates) == 0 {
		return
	}

	st.mu.Lock()
	st.mode = model.ModeStopRequested
	st.mu.Unlock()

	m.requestStop(ctx, cfg, vehicleID, st, candidates)
}

// scanAhead extends the candidate set with passengers waiting near the next
// few route waypoints past the vehicle's position, so an imminent pickup is
// caught before the vehicle drives by. OUTBOUND vehicles walk the polyline
// forward, INBOUND vehicles walk it backward. Duplicates already found by
// the position query are skipped; the merged set stays capped at remaining.
func (m *Manager) scanAhead(cfg Config, routeID string, position model.Location, direction model.Direction, candidates []*model.Passenger, remaining int) []*model.Passenger {
	if m.routes == nil || cfg.WaypointLookahead <= 0 || len(candidates) >= remaining {
		return candidates
	}
	route, ok := m.routes(routeID)
	if !ok || len(route.Coordinates) == 0 {
		return candidates
	}

	nearest := 0
	nearestDist := geo.HaversineM(position, route.Coordinates[0])
	for i, wp := range route.Coordinates[1:] {
		if d := geo.HaversineM(position, wp); d < nearestDist {
			nearest = i + 1
			nearestDist = d
		}
	}

	step := 1
	if direction == model.Inbound {
		step = -1
	}

	seen := make(map[string]struct{}, len(candidates))
	for _, p := range candidates {
		seen[p.ID] = struct{}{}
	}

	for n := 1; n <= cfg.WaypointLookahead && len(candidates) < remaining; n++ {
		i := nearest + n*step
		if i < 0 || i >= len(route.Coordinates) {
			break
		}
		for _, p := range m.routeRes.Query(routeID, route.Coordinates[i], direction, cfg.PickupRadiusM, remaining-len(candidates)) {
			if _, dup := seen[p.ID]; dup {
				continue
			}
			seen[p.ID] = struct{}{}
			candidates = append(candidates, p)
			if len(candidates) >= remaining {
				break
			}
		}
	}
	return candidates
}

func (m *Manager) requestStop(ctx context.Context, cfg Config, vehicleID string, st *State, candidates []*model.Passenger) {
	alighting := m.alightingCount(cfg, st)
	boarding := len(candidates)

	duration := clampDuration(
		cfg.MinStopDuration+
			time.Duration(boarding)*cfg.PerPassengerBoardingTime+
			time.Duration(alighting)*cfg.PerPassengerAlightTime,
		cfg.MinStopDuration, cfg.MaxStopDuration,
	)

	if m.hub != nil {
		m.hub.Publish(messagehub.NamespaceVehicle, messagehub.Message{
			Type:   "conductor:request:stop",
			Target: vehicleID,
			Data: map[string]interface{}{
				"vehicle_id":         vehicleID,
				"duration_seconds":   duration.Seconds(),
				"boarding_count":     boarding,
				"disembarking_count": alighting,
			},
		})
	} else if m.callbacks.OnStopRequested != nil {
		m.callbacks.OnStopRequested(vehicleID, duration, boarding, alighting)
	}

	st.mu.Lock()
	st.mode = model.ModeBoarding
	st.mu.Unlock()

	m.board(ctx, cfg, vehicleID, st, candidates, duration)
}

func (m *Manager) alightingCount(cfg Config, st *State) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	count := 0
	for _, p := range st.onboard {
		if geo.HaversineM(st.vehicle.CurrentPosition, p.Destination) <= cfg.AlightRadiusM {
			count++
		}
	}
	return count
}

func (m *Manager) board(ctx context.Context, cfg Config, vehicleID string, st *State, candidates []*model.Passenger, stopDuration time.Duration) {
	started := time.Now()

	if !m.awaitEngineOff(ctx, cfg, vehicleID) {
		log.Printf("[conductor] vehicle %s: driver did not confirm engine:off in time, aborting stop", vehicleID)
		st.mu.Lock()
		st.mode = model.ModeCruising
		st.mu.Unlock()
		return
	}

	st.mu.Lock()
	capacity := st.vehicle.Capacity
	boardedNow := make(map[string]struct{}, len(candidates))
	for _, p := range candidates {
		if len(st.onboard) >= capacity {
			break
		}
		if _, err := m.pickUp(p, vehicleID); err != nil {
			log.Printf("[conductor] vehicle %s: failed to board %s: %v", vehicleID, p.ID, err)
			continue
		}
		st.onboard[p.ID] = p
		boardedNow[p.ID] = struct{}{}
	}

	// Only passengers who were already onboard when the stop began (the ones
	// requestStop counted as alighting) can alight here.
	for id, p := range st.onboard {
		if _, justBoarded := boardedNow[id]; justBoarded {
			continue
		}
		if geo.HaversineM(st.vehicle.CurrentPosition, p.Destination) <= cfg.AlightRadiusM {
			p.Status = model.StatusAlighted
			delete(st.onboard, id)
			if m.hub != nil {
				m.hub.Publish(messagehub.NamespaceVehicle, messagehub.Message{
					Type: "passenger:alighted",
					Data: map[string]interface{}{"passenger_id": id, "vehicle_id": vehicleID},
				})
			}
		}
	}

	full := len(st.onboard) >= capacity
	st.mu.Unlock()

	// A full vehicle proceeds to READY_TO_DEPART immediately; otherwise the
	// stop lasts the full computed duration.
	if !full {
		remaining := stopDuration - time.Since(started)
		if remaining > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(remaining):
			}
		}
	}

	st.mu.Lock()
	st.mode = model.ModeReadyToDepart
	st.mu.Unlock()

	m.readyToDepart(ctx, cfg, vehicleID, st)
}

func (m *Manager) pickUp(p *model.Passenger, vehicleID string) (*model.Passenger, error) {
	if p.Kind == model.KindDepot {
		return m.depotRes.MarkPickedUp(p.ID, vehicleID)
	}
	return m.routeRes.MarkPickedUp(p.ID, vehicleID)
}

func (m *Manager) readyToDepart(ctx context.Context, cfg Config, vehicleID string, st *State) {
	if m.hub != nil {
		m.hub.Publish(messagehub.NamespaceVehicle, messagehub.Message{
			Type:   "conductor:ready:depart",
			Target: vehicleID,
			Data:   map[string]interface{}{"vehicle_id": vehicleID},
		})
	} else if m.callbacks.OnReadyToDepart != nil {
		m.callbacks.OnReadyToDepart(vehicleID)
	}

	m.awaitEngineOn(ctx, cfg, vehicleID)

	st.mu.Lock()
	st.mode = model.ModeCruising
	st.mu.Unlock()
}

// awaitEngineOff blocks (bounded by cfg.DriverResponseTimeout) for a
// driver:engine:off confirmation on the hub. Returns false on timeout.
func (m *Manager) awaitEngineOff(ctx context.Context, cfg Config, vehicleID string) bool {
	return m.awaitDriverEvent(ctx, cfg, vehicleID, "driver:engine:off")
}

// awaitEngineOn blocks for a driver:engine:on confirmation before returning
// to CRUISING.
func (m *Manager) awaitEngineOn(ctx context.Context, cfg Config, vehicleID string) bool {
	return m.awaitDriverEvent(ctx, cfg, vehicleID, "driver:engine:on")
}

// awaitDriverEvent waits for the driver layer to report eventType for
// vehicleID. driver:engine:on/off are events the driver layer originates on
// its own schedule, not responses to a correlated request — so this
// subscribes directly to the vehicle namespace rather than using
// Hub.Request/Respond. The subscription is torn down on return so repeated
// stops don't accumulate stale handlers.
func (m *Manager) awaitDriverEvent(ctx context.Context, cfg Config, vehicleID, eventType string) bool {
	if m.hub == nil {
		return true
	}

	ch := make(chan messagehub.Message, 1)
	subID := "conductor:" + vehicleID + ":" + eventType
	m.hub.Subscribe(messagehub.NamespaceVehicle, eventType, subID, func(msg messagehub.Message) {
		if id, ok := msg.Data["vehicle_id"].(string); !ok || id != vehicleID {
			return
		}
		select {
		case ch <- msg:
		default:
		}
	})
	defer m.hub.Unsubscribe(messagehub.NamespaceVehicle, eventType, subID)

	timeout := cfg.DriverResponseTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) publishSystem(eventType, vehicleID string) {
	if m.hub == nil {
		return
	}
	m.hub.Publish(messagehub.NamespaceSystem, messagehub.Message{
		Type: eventType,
		Data: map[string]interface{}{"vehicle_id": vehicleID},
	})
}

func clampDuration(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

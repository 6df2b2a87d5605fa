package reservoir

import (
	"sort"
	"sync"
	"time"

	"github.com/shiva/commuter-core/internal/errkind"
	"github.com/shiva/commuter-core/internal/model"
	"github.com/shiva/commuter-core/pkg/geo"
)

type routeCellKey struct {
	RouteID string
	Cell    geo.GridCell
}

type directionLists struct {
	outbound []*model.Passenger
	inbound  []*model.Passenger
}

func (d *directionLists) listFor(dir model.Direction) []*model.Passenger {
	if dir == model.Inbound {
		return d.inbound
	}
	return d.outbound
}

func (d *directionLists) setFor(dir model.Direction, v []*model.Passenger) {
	if dir == model.Inbound {
		d.inbound = v
	} else {
		d.outbound = v
	}
}

type secondaryEntry struct {
	routeID   string
	cell      geo.GridCell
	direction model.Direction
}

// RouteReservoir is the grid-indexed, per-route, per-direction index of
// passengers spawned along a route path.
type RouteReservoir struct {
	mu          sync.RWMutex
	cells       map[routeCellKey]*directionLists
	secondary   map[string]secondaryEntry
	cellSizeDeg float64

	onPickedUp func(p *model.Passenger, vehicleID string)
	onExpired  func(p *model.Passenger)
}

// NewRouteReservoir constructs an empty reservoir. cellSizeDeg defaults to
// 0.01° (≈1.1km at the equator) if zero is passed.
func NewRouteReservoir(cellSizeDeg float64) *RouteReservoir {
	if cellSizeDeg <= 0 {
		cellSizeDeg = 0.01
	}
	return &RouteReservoir{
		cells:       make(map[routeCellKey]*directionLists),
		secondary:   make(map[string]secondaryEntry),
		cellSizeDeg: cellSizeDeg,
	}
}

// OnPickedUp registers a callback invoked when a passenger boards.
func (r *RouteReservoir) OnPickedUp(f func(p *model.Passenger, vehicleID string)) { r.onPickedUp = f }

// OnExpired registers a callback invoked when the sweeper expires a
// passenger.
func (r *RouteReservoir) OnExpired(f func(p *model.Passenger)) { r.onExpired = f }

// Spawn computes the passenger's grid cell and appends it to the
// direction-appropriate list. Direction is immutable once spawned.
func (r *RouteReservoir) Spawn(p *model.Passenger) error {
	if p.Kind != model.KindRoute {
		return errkind.New(errkind.Validation, "RouteReservoir.Spawn", "passenger kind must be ROUTE")
	}

	cell := geo.CellOf(p.Origin, r.cellSizeDeg)
	key := routeCellKey{RouteID: p.RouteID, Cell: cell}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.secondary[p.ID]; exists {
		return nil
	}

	dl, ok := r.cells[key]
	if !ok {
		dl = &directionLists{}
		r.cells[key] = dl
	}
	dl.setFor(p.Direction, append(dl.listFor(p.Direction), p))

	r.secondary[p.ID] = secondaryEntry{routeID: p.RouteID, cell: cell, direction: p.Direction}
	return nil
}

// candidate pairs a passenger with its distance from the query position,
// used only during sort.
type candidate struct {
	p    *model.Passenger
	dist float64
}

// Query enumerates cells intersecting the search circle, filters by
// direction, sorts ascending by distance (ties: higher priority then
// earlier spawn_time), and returns the top maxCount.
func (r *RouteReservoir) Query(routeID string, vehiclePosition model.Location, direction model.Direction, maxDistanceM float64, maxCount int) []*model.Passenger {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates []candidate
	for _, cell := range geo.CellsInRadius(vehiclePosition, maxDistanceM, r.cellSizeDeg) {
		dl, ok := r.cells[routeCellKey{RouteID: routeID, Cell: cell}]
		if !ok {
			continue
		}
		for _, p := range dl.listFor(direction) {
			d := geo.HaversineM(vehiclePosition, p.Origin)
			if d <= maxDistanceM {
				candidates = append(candidates, candidate{p: p, dist: d})
			}
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].dist != candidates[j].dist {
			return candidates[i].dist < candidates[j].dist
		}
		if candidates[i].p.Priority != candidates[j].p.Priority {
			return candidates[i].p.Priority > candidates[j].p.Priority
		}
		return candidates[i].p.SpawnTime.Before(candidates[j].p.SpawnTime)
	})

	if len(candidates) > maxCount {
		candidates = candidates[:maxCount]
	}

	out := make([]*model.Passenger, len(candidates))
	for i, c := range candidates {
		out[i] = c.p
	}
	return out
}

// MarkPickedUp removes passengerID from its cell and transitions it to
// ONBOARD.
func (r *RouteReservoir) MarkPickedUp(passengerID, vehicleID string) (*model.Passenger, error) {
	r.mu.Lock()
	entry, ok := r.secondary[passengerID]
	if !ok {
		r.mu.Unlock()
		return nil, errkind.New(errkind.NotFound, "RouteReservoir.MarkPickedUp", "unknown passenger "+passengerID)
	}

	key := routeCellKey{RouteID: entry.routeID, Cell: entry.cell}
	dl := r.cells[key]
	list := dl.listFor(entry.direction)

	idx := -1
	for i, p := range list {
		if p.ID == passengerID {
			idx = i
			break
		}
	}
	if idx == -1 {
		r.mu.Unlock()
		return nil, errkind.New(errkind.State, "RouteReservoir.MarkPickedUp", "passenger not WAITING in expected cell")
	}

	p := list[idx]
	dl.setFor(entry.direction, append(list[:idx], list[idx+1:]...))
	delete(r.secondary, passengerID)
	r.mu.Unlock()

	p.Status = model.StatusOnboard
	p.AssignedVehicle = vehicleID

	if r.onPickedUp != nil {
		r.onPickedUp(p, vehicleID)
	}
	return p, nil
}

// ExpirePass sweeps every cell, removing passengers whose expiry_time has
// passed.
func (r *RouteReservoir) ExpirePass(now time.Time) []*model.Passenger {
	r.mu.Lock()
	var expired []*model.Passenger
	for _, dl := range r.cells {
		dl.outbound = sweepExpired(dl.outbound, now, &expired)
		dl.inbound = sweepExpired(dl.inbound, now, &expired)
	}
	for _, p := range expired {
		delete(r.secondary, p.ID)
	}
	r.mu.Unlock()

	for _, p := range expired {
		if r.onExpired != nil {
			r.onExpired(p)
		}
	}
	return expired
}

func sweepExpired(list []*model.Passenger, now time.Time, expired *[]*model.Passenger) []*model.Passenger {
	kept := list[:0]
	for _, p := range list {
		if !p.ExpiryTime.IsZero() && !p.ExpiryTime.After(now) {
			p.Status = model.StatusExpired
			*expired = append(*expired, p)
			continue
		}
		kept = append(kept, p)
	}
	return kept
}

// RouteStats reports per-route, per-direction waiting counts for the admin
// diagnostics surface.
type RouteStats struct {
	RouteID          string
	WaitingOutbound  int
	WaitingInbound   int
}

// Stats aggregates waiting counts across all cells, per route.
func (r *RouteReservoir) Stats() []RouteStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agg := make(map[string]*RouteStats)
	for key, dl := range r.cells {
		s, ok := agg[key.RouteID]
		if !ok {
			s = &RouteStats{RouteID: key.RouteID}
			agg[key.RouteID] = s
		}
		s.WaitingOutbound += len(dl.outbound)
		s.WaitingInbound += len(dl.inbound)
	}

	out := make([]RouteStats, 0, len(agg))
	for _, s := range agg {
		out = append(out, *s)
	}
	return out
}

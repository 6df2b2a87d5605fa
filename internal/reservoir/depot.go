// Package reservoir implements DepotReservoir and RouteReservoir: the two
// in-memory containers that hold WAITING passengers until a vehicle picks
// them up. DepotReservoir mutation takes a per-queue mutex; queue creation
// briefly takes the write side of a top-level RW-lock over the queue map.
// RouteReservoir guards its whole cell map with a single RW-lock.
package reservoir

import (
	"container/list"
	"log"
	"sync"
	"time"

	"github.com/shiva/commuter-core/internal/errkind"
	"github.com/shiva/commuter-core/internal/model"
)

type depotQueueKey struct {
	DepotID string
	RouteID string
}

type depotQueue struct {
	mu       sync.Mutex
	items    *list.List // of *model.Passenger
	spawned  int64
	pickedUp int64
	expired  int64
}

// DepotReservoir holds the FIFO queues keyed by (depot_id, route_id).
type DepotReservoir struct {
	mapMu      sync.RWMutex
	queues     map[depotQueueKey]*depotQueue
	secondary  map[string]depotQueueKey // passenger_id -> queue key
	secondaryMu sync.Mutex

	maxQueueCapacity int
	onOverflow       func(p *model.Passenger, reason string)
	onPickedUp       func(p *model.Passenger, vehicleID string)
	onExpired        func(p *model.Passenger)
}

// NewDepotReservoir constructs an empty reservoir. maxQueueCapacity bounds
// each per-queue FIFO (reservoir.max_commuters_per_query-adjacent config);
// callbacks drive MessageHub event emission without this package importing
// messagehub directly (keeps the dependency direction leaf-ward).
func NewDepotReservoir(maxQueueCapacity int) *DepotReservoir {
	return &DepotReservoir{
		queues:           make(map[depotQueueKey]*depotQueue),
		secondary:        make(map[string]depotQueueKey),
		maxQueueCapacity: maxQueueCapacity,
	}
}

// OnOverflow registers a callback invoked when a queue overflow forces the
// oldest WAITING passenger to expire.
func (r *DepotReservoir) OnOverflow(f func(p *model.Passenger, reason string)) { r.onOverflow = f }

// OnPickedUp registers a callback invoked when a passenger boards.
func (r *DepotReservoir) OnPickedUp(f func(p *model.Passenger, vehicleID string)) { r.onPickedUp = f }

// OnExpired registers a callback invoked when the sweeper expires a
// passenger.
func (r *DepotReservoir) OnExpired(f func(p *model.Passenger)) { r.onExpired = f }

func (r *DepotReservoir) queueFor(key depotQueueKey) *depotQueue {
	r.mapMu.RLock()
	q, ok := r.queues[key]
	r.mapMu.RUnlock()
	if ok {
		return q
	}

	r.mapMu.Lock()
	defer r.mapMu.Unlock()
	if q, ok := r.queues[key]; ok {
		return q
	}
	q = &depotQueue{items: list.New()}
	r.queues[key] = q
	return q
}

// Spawn appends a DEPOT-kind passenger to its queue. Idempotent: spawning
// the same id twice is a no-op with a warning, not an error.
func (r *DepotReservoir) Spawn(p *model.Passenger) error {
	if p.Kind != model.KindDepot {
		return errkind.New(errkind.Validation, "DepotReservoir.Spawn", "passenger kind must be DEPOT")
	}

	r.secondaryMu.Lock()
	if _, exists := r.secondary[p.ID]; exists {
		r.secondaryMu.Unlock()
		log.Printf("[reservoir:depot] duplicate spawn for passenger %s ignored", p.ID)
		return nil
	}
	key := depotQueueKey{DepotID: p.DepotID, RouteID: p.RouteID}
	r.secondary[p.ID] = key
	r.secondaryMu.Unlock()

	q := r.queueFor(key)

	q.mu.Lock()
	q.items.PushBack(p)
	q.spawned++
	overflowed := q.items.Len() > r.maxQueueCapacity && r.maxQueueCapacity > 0
	var evicted *model.Passenger
	if overflowed {
		front := q.items.Front()
		evicted = front.Value.(*model.Passenger)
		q.items.Remove(front)
		evicted.Status = model.StatusExpired
		q.expired++
	}
	q.mu.Unlock()

	if evicted != nil {
		r.secondaryMu.Lock()
		delete(r.secondary, evicted.ID)
		r.secondaryMu.Unlock()
		if r.onOverflow != nil {
			r.onOverflow(evicted, "overflow")
		}
	}

	return nil
}

// Query returns up to maxCount passengers from the head of the
// (depotID, routeID) queue whose spawn point lies within maxDistanceM of
// vehiclePosition. Depot queues are co-located with the depot, so the
// distance filter rarely rejects anyone, but it is still applied.
func (r *DepotReservoir) Query(depotID, routeID string, vehiclePosition model.Location, maxDistanceM float64, maxCount int) []*model.Passenger {
	key := depotQueueKey{DepotID: depotID, RouteID: routeID}

	r.mapMu.RLock()
	q, ok := r.queues[key]
	r.mapMu.RUnlock()
	if !ok {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*model.Passenger
	for e := q.items.Front(); e != nil && len(out) < maxCount; e = e.Next() {
		p := e.Value.(*model.Passenger)
		if distanceM(vehiclePosition, p.Origin) <= maxDistanceM {
			out = append(out, p)
		}
	}
	return out
}

// MarkPickedUp removes passengerID from its queue and transitions it to
// ONBOARD. Returns a NotFound error if the passenger is unknown and a
// StateError if it is no longer WAITING in its queue.
func (r *DepotReservoir) MarkPickedUp(passengerID, vehicleID string) (*model.Passenger, error) {
	r.secondaryMu.Lock()
	key, ok := r.secondary[passengerID]
	r.secondaryMu.Unlock()
	if !ok {
		return nil, errkind.New(errkind.NotFound, "DepotReservoir.MarkPickedUp", "unknown passenger "+passengerID)
	}

	r.mapMu.RLock()
	q := r.queues[key]
	r.mapMu.RUnlock()

	q.mu.Lock()
	var found *list.Element
	for e := q.items.Front(); e != nil; e = e.Next() {
		if e.Value.(*model.Passenger).ID == passengerID {
			found = e
			break
		}
	}
	if found == nil {
		q.mu.Unlock()
		return nil, errkind.New(errkind.State, "DepotReservoir.MarkPickedUp", "passenger not WAITING in expected queue")
	}
	p := found.Value.(*model.Passenger)
	q.items.Remove(found)
	q.pickedUp++
	q.mu.Unlock()

	p.Status = model.StatusOnboard
	p.AssignedVehicle = vehicleID

	r.secondaryMu.Lock()
	delete(r.secondary, passengerID)
	r.secondaryMu.Unlock()

	if r.onPickedUp != nil {
		r.onPickedUp(p, vehicleID)
	}
	return p, nil
}

// ExpirePass sweeps every queue, removing passengers whose expiry_time has
// passed.
func (r *DepotReservoir) ExpirePass(now time.Time) []*model.Passenger {
	r.mapMu.RLock()
	queues := make([]*depotQueue, 0, len(r.queues))
	for _, q := range r.queues {
		queues = append(queues, q)
	}
	r.mapMu.RUnlock()

	var expired []*model.Passenger
	for _, q := range queues {
		q.mu.Lock()
		var next *list.Element
		for e := q.items.Front(); e != nil; e = next {
			next = e.Next()
			p := e.Value.(*model.Passenger)
			if !p.ExpiryTime.IsZero() && !p.ExpiryTime.After(now) {
				q.items.Remove(e)
				q.expired++
				p.Status = model.StatusExpired
				expired = append(expired, p)
			}
		}
		q.mu.Unlock()
	}

	if len(expired) > 0 {
		r.secondaryMu.Lock()
		for _, p := range expired {
			delete(r.secondary, p.ID)
		}
		r.secondaryMu.Unlock()
	}

	for _, p := range expired {
		if r.onExpired != nil {
			r.onExpired(p)
		}
	}
	return expired
}

// Stats reports per-queue counters for the admin diagnostics surface.
type Stats struct {
	DepotID  string
	RouteID  string
	Waiting  int
	Spawned  int64
	PickedUp int64
	Expired  int64
}

// Stats returns a snapshot of every queue's counters.
func (r *DepotReservoir) Stats() []Stats {
	r.mapMu.RLock()
	defer r.mapMu.RUnlock()

	out := make([]Stats, 0, len(r.queues))
	for key, q := range r.queues {
		q.mu.Lock()
		out = append(out, Stats{
			DepotID:  key.DepotID,
			RouteID:  key.RouteID,
			Waiting:  q.items.Len(),
			Spawned:  q.spawned,
			PickedUp: q.pickedUp,
			Expired:  q.expired,
		})
		q.mu.Unlock()
	}
	return out
}

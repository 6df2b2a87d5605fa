// Package passengerstore keeps the durable record of passenger lifecycle
// transitions: an in-memory index of records, mirrored optimistically to
// Postgres for audit, with a sweeper that garbage-collects
// EXPIRED/ALIGHTED rows older than a TTL.
package passengerstore

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"

	"github.com/shiva/commuter-core/internal/model"
)

// Record is one row of the passenger lifecycle log.
type Record struct {
	Passenger model.Passenger
	UpdatedAt time.Time
}

// Store is the in-memory index plus its durable Postgres mirror.
type Store struct {
	mu        sync.RWMutex
	byID      map[string]*Record
	byRoute   map[string][]string // route_id -> passenger ids
	byStatus  map[model.PassengerStatus][]string

	pool *pgxpool.Pool
	gcTTL time.Duration
}

// New constructs a Store. pool may be nil, in which case the store runs
// in-memory only (no durable mirror) — useful for tests.
func New(pool *pgxpool.Pool, gcTTL time.Duration) *Store {
	return &Store{
		byID:     make(map[string]*Record),
		byRoute:  make(map[string][]string),
		byStatus: make(map[model.PassengerStatus][]string),
		pool:     pool,
		gcTTL:    gcTTL,
	}
}

// EnsureSchema creates the durable passenger_events table if it doesn't
// exist yet. Safe to call on every startup.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS passenger_events (
			passenger_id TEXT PRIMARY KEY,
			route_id TEXT NOT NULL,
			status TEXT NOT NULL,
			origin_lat DOUBLE PRECISION NOT NULL,
			origin_lon DOUBLE PRECISION NOT NULL,
			destination_lat DOUBLE PRECISION NOT NULL,
			destination_lon DOUBLE PRECISION NOT NULL,
			spawn_time TIMESTAMPTZ NOT NULL,
			expiry_time TIMESTAMPTZ,
			updated_at TIMESTAMPTZ NOT NULL
		)
	`)
	return err
}

// Insert adds a new passenger record, both in-memory and (best-effort) in
// the durable mirror.
func (s *Store) Insert(ctx context.Context, p model.Passenger) {
	rec := &Record{Passenger: p, UpdatedAt: time.Now()}

	s.mu.Lock()
	s.byID[p.ID] = rec
	s.byRoute[p.RouteID] = append(s.byRoute[p.RouteID], p.ID)
	s.byStatus[p.Status] = append(s.byStatus[p.Status], p.ID)
	s.mu.Unlock()

	s.mirror(ctx, rec)
}

// Mark transitions passenger id to status, updating both indices.
func (s *Store) Mark(ctx context.Context, id string, status model.PassengerStatus, ts time.Time) {
	s.mu.Lock()
	rec, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return
	}

	oldStatus := rec.Passenger.Status
	rec.Passenger.Status = status
	rec.UpdatedAt = ts
	s.byStatus[oldStatus] = removeID(s.byStatus[oldStatus], id)
	s.byStatus[status] = append(s.byStatus[status], id)
	s.mu.Unlock()

	s.mirror(ctx, rec)
}

func removeID(ids []string, target string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

func (s *Store) mirror(ctx context.Context, rec *Record) {
	if s.pool == nil {
		return
	}
	p := rec.Passenger
	_, err := s.pool.Exec(ctx, `
		INSERT INTO passenger_events
			(passenger_id, route_id, status, origin_lat, origin_lon, destination_lat, destination_lon, spawn_time, expiry_time, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (passenger_id) DO UPDATE SET
			status = EXCLUDED.status, updated_at = EXCLUDED.updated_at
	`, p.ID, p.RouteID, string(p.Status), p.Origin.Lat, p.Origin.Lon, p.Destination.Lat, p.Destination.Lon,
		p.SpawnTime, nullableTime(p.ExpiryTime), rec.UpdatedAt)
	if err != nil {
		log.Printf("[store] failed to mirror passenger %s: %v", p.ID, err)
	}
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

// ByRoute returns every record currently indexed under routeID.
func (s *Store) ByRoute(routeID string) []model.Passenger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byRoute[routeID]
	out := make([]model.Passenger, 0, len(ids))
	for _, id := range ids {
		if rec, ok := s.byID[id]; ok {
			out = append(out, rec.Passenger)
		}
	}
	return out
}

// ByStatus returns every record currently indexed under status.
func (s *Store) ByStatus(status model.PassengerStatus) []model.Passenger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byStatus[status]
	out := make([]model.Passenger, 0, len(ids))
	for _, id := range ids {
		if rec, ok := s.byID[id]; ok {
			out = append(out, rec.Passenger)
		}
	}
	return out
}

// InBBox returns every WAITING/ONBOARD record whose origin falls within box
// — a bounded query API, not a geospatial index.
func (s *Store) InBBox(box model.BBox) []model.Passenger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Passenger
	for _, rec := range s.byID {
		status := rec.Passenger.Status
		if status != model.StatusWaiting && status != model.StatusOnboard {
			continue
		}
		if box.Contains(rec.Passenger.Origin) {
			out = append(out, rec.Passenger)
		}
	}
	return out
}

// DeleteExpired removes EXPIRED/ALIGHTED records older than the store's
// gcTTL from the in-memory index. The durable mirror is left untouched —
// it's an audit log, not a geospatial index, and rows there age out by
// separate retention policy.
func (s *Store) DeleteExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, rec := range s.byID {
		terminal := rec.Passenger.Status == model.StatusExpired || rec.Passenger.Status == model.StatusAlighted
		if terminal && now.Sub(rec.UpdatedAt) > s.gcTTL {
			delete(s.byID, id)
			s.byRoute[rec.Passenger.RouteID] = removeID(s.byRoute[rec.Passenger.RouteID], id)
			s.byStatus[rec.Passenger.Status] = removeID(s.byStatus[rec.Passenger.Status], id)
			removed++
		}
	}
	return removed
}

// ReconcileOrphanedWaiting marks every WAITING record EXPIRED, both in the
// in-memory index and in the durable mirror, and returns how many it
// marked. It runs at startup, since in-memory reservoir state doesn't
// survive a process restart and an orphaned WAITING record can never be
// picked up again.
func (s *Store) ReconcileOrphanedWaiting(ctx context.Context, now time.Time) int {
	s.mu.Lock()
	var toMark []string
	for id, rec := range s.byID {
		if rec.Passenger.Status == model.StatusWaiting {
			toMark = append(toMark, id)
		}
	}
	s.mu.Unlock()

	for _, id := range toMark {
		s.Mark(ctx, id, model.StatusExpired, now)
	}
	reconciled := len(toMark)

	// Rows a previous process left WAITING exist only in the durable mirror.
	if s.pool != nil {
		tag, err := s.pool.Exec(ctx, `UPDATE passenger_events SET status = $1, updated_at = $2 WHERE status = $3`,
			string(model.StatusExpired), now, string(model.StatusWaiting))
		if err != nil {
			log.Printf("[store] failed to reconcile orphaned WAITING rows: %v", err)
		} else {
			reconciled += int(tag.RowsAffected())
		}
	}
	return reconciled
}

// RunSweeper blocks, running DeleteExpired every interval under a
// conc-managed goroutine until ctx is done — the terminal-record analogue
// of the reservoir's never-delete-while-alive rule, but bounded by a TTL
// instead of process lifetime.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	var wg conc.WaitGroup
	wg.Go(func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed := s.DeleteExpired(time.Now())
				if removed > 0 {
					log.Printf("[store] swept %d terminal records older than %s", removed, s.gcTTL)
				}
			}
		}
	})
	wg.Wait()
}

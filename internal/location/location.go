// Package location implements the unified point-awareness engine:
// geofence containment, enter/exit transition detection per entity, and
// nearest-stop/POI/place queries. Both the Conductor (depot detection, stop
// proximity) and the DemandGenerator (zone membership for spawn placement)
// consume it.
package location

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/shiva/commuter-core/internal/errkind"
	"github.com/shiva/commuter-core/internal/geocache"
	"github.com/shiva/commuter-core/internal/model"
	"github.com/shiva/commuter-core/pkg/geo"
)

// gridDeltaDeg sizes the bucket grid nearest-queries use; matches the
// default route reservoir cell size so both subsystems share one notion of
// "nearby".
const gridDeltaDeg = 0.01

// nearbyRadiusM/nearbyLimit bound the nearby_stops/nearby_pois lists a
// context query returns.
const (
	nearbyRadiusM = 1000.0
	nearbyLimit   = 10
)

// index is the immutable, swappable read side of the service: a plain
// slice of geofences plus a grid bucketing of depots/POIs for nearest
// queries. Rebuilding one of these and atomically swapping it in is how
// geofence add/remove/update and cache refresh keep the hot containment
// path lock-free for readers.
type index struct {
	geofences []model.Geofence
	depots    []model.Depot
	pois      []model.POI
	places    []model.Place
	depotGrid map[geo.GridCell][]int // indexes into depots
	poiGrid   map[geo.GridCell][]int // indexes into pois
	placeGrid map[geo.GridCell][]int // indexes into places
}

// Service is the unified point-awareness engine.
type Service struct {
	idx     atomic.Pointer[index]
	writeMu sync.Mutex // serializes index writers; readers stay lock-free

	mu       sync.RWMutex // guards previous-containing-set bookkeeping only
	previous map[string]map[string]struct{}
}

// New builds an empty Service. Call RefreshFromCache before issuing queries.
func New() *Service {
	s := &Service{previous: make(map[string]map[string]struct{})}
	s.idx.Store(&index{})
	return s
}

// RefreshFromCache rebuilds the service's index from a GeoCache snapshot.
func (s *Service) RefreshFromCache(snap *geocache.Snapshot) error {
	idx := &index{
		geofences: snap.Geofences,
		depots:    snap.Depots,
		pois:      snap.POIs,
		places:    snap.Places,
		depotGrid: make(map[geo.GridCell][]int),
		poiGrid:   make(map[geo.GridCell][]int),
		placeGrid: make(map[geo.GridCell][]int),
	}

	for _, g := range snap.Geofences {
		if err := validateGeofence(g); err != nil {
			return errkind.Wrap(errkind.Validation, "location.RefreshFromCache",
				"rejecting malformed geofence "+g.ID, err)
		}
	}

	for i, d := range snap.Depots {
		cell := geo.CellOf(d.Point, gridDeltaDeg)
		idx.depotGrid[cell] = append(idx.depotGrid[cell], i)
	}
	for i, p := range snap.POIs {
		cell := geo.CellOf(p.Point, gridDeltaDeg)
		idx.poiGrid[cell] = append(idx.poiGrid[cell], i)
	}
	for i, p := range snap.Places {
		cell := geo.CellOf(p.Point, gridDeltaDeg)
		idx.placeGrid[cell] = append(idx.placeGrid[cell], i)
	}

	s.writeMu.Lock()
	s.idx.Store(idx)
	s.writeMu.Unlock()
	return nil
}

func validateGeofence(g model.Geofence) error {
	switch g.Geometry {
	case model.GeometryCircle:
		if g.RadiusM <= 0 {
			return errkind.New(errkind.Validation, "validateGeofence", "circle radius must be positive")
		}
	case model.GeometryPolygon:
		if len(g.Polygon) < 3 {
			return errkind.New(errkind.Validation, "validateGeofence", "polygon must have at least 3 points")
		}
	default:
		return errkind.New(errkind.Validation, "validateGeofence", "unknown geometry type")
	}
	return nil
}

// AddGeofence inserts a geofence at runtime, rebuilding and swapping the
// index so concurrent readers are never corrupted. Writers serialize on
// writeMu so concurrent CRUD calls can't lose each other's changes.
func (s *Service) AddGeofence(g model.Geofence) error {
	if err := validateGeofence(g); err != nil {
		return err
	}
	g.BBox = geo.BBoxOfGeofence(g)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	cur := s.idx.Load()
	s.idx.Store(cur.withGeofences(append(append([]model.Geofence{}, cur.geofences...), g)))
	return nil
}

// withGeofences derives a new index sharing every point grid with the
// receiver but carrying a replacement geofence slice. Point data only changes
// on RefreshFromCache, so geofence CRUD can reuse the grids as-is.
func (i *index) withGeofences(gfs []model.Geofence) *index {
	return &index{
		geofences: gfs,
		depots:    i.depots,
		pois:      i.pois,
		places:    i.places,
		depotGrid: i.depotGrid,
		poiGrid:   i.poiGrid,
		placeGrid: i.placeGrid,
	}
}

// RemoveGeofence deletes a geofence by id, if present.
func (s *Service) RemoveGeofence(id string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	cur := s.idx.Load()
	filtered := make([]model.Geofence, 0, len(cur.geofences))
	for _, g := range cur.geofences {
		if g.ID != id {
			filtered = append(filtered, g)
		}
	}
	s.idx.Store(cur.withGeofences(filtered))
}

// UpdateGeofence replaces a geofence with the same id, or appends it if not
// found.
func (s *Service) UpdateGeofence(g model.Geofence) error {
	if err := validateGeofence(g); err != nil {
		return err
	}
	g.BBox = geo.BBoxOfGeofence(g)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	cur := s.idx.Load()
	replaced := false
	updated := make([]model.Geofence, 0, len(cur.geofences))
	for _, existing := range cur.geofences {
		if existing.ID == g.ID {
			updated = append(updated, g)
			replaced = true
		} else {
			updated = append(updated, existing)
		}
	}
	if !replaced {
		updated = append(updated, g)
	}
	s.idx.Store(cur.withGeofences(updated))
	return nil
}

// Context is the result of a GetLocationContext query.
type Context struct {
	ContainingGeofenceIDs []string
	EnterEvents           []string
	ExitEvents            []string
	NearestDepot          *model.Depot
	NearestDepotM         float64
	NearestPOI            *model.POI
	NearestPOIM           float64
	NearestPlace          *model.Place
	NearestPlaceM         float64
	NearbyDepots          []model.Depot
	NearbyPOIs            []model.POI
}

// GetLocationContext evaluates containment for position against every
// geofence (bbox pre-filter then exact test), optionally computes
// enter/exit transitions for entityID against its previously observed set,
// and optionally reports the nearest depot/POI.
func (s *Service) GetLocationContext(position model.Location, entityID string, detectTransitions, includeNearby bool) Context {
	idx := s.idx.Load()

	containing := make(map[string]struct{})
	var ids []string
	for _, g := range idx.geofences {
		if !g.Enabled {
			continue
		}
		if !g.BBox.Contains(position) {
			continue
		}
		if contains(g, position) {
			containing[g.ID] = struct{}{}
			ids = append(ids, g.ID)
		}
	}

	ctx := Context{ContainingGeofenceIDs: ids}

	if detectTransitions && entityID != "" {
		ctx.EnterEvents, ctx.ExitEvents = s.transition(entityID, containing)
	}

	if includeNearby {
		if d, dist, ok := s.nearestDepot(idx, position); ok {
			ctx.NearestDepot = d
			ctx.NearestDepotM = dist
		}
		if p, dist, ok := s.nearestPOI(idx, position); ok {
			ctx.NearestPOI = p
			ctx.NearestPOIM = dist
		}
		if p, dist, ok := s.nearestPlace(idx, position); ok {
			ctx.NearestPlace = p
			ctx.NearestPlaceM = dist
		}
		ctx.NearbyDepots = s.nearbyDepots(idx, position, nearbyRadiusM, nearbyLimit)
		ctx.NearbyPOIs = s.nearbyPOIs(idx, position, nearbyRadiusM, nearbyLimit)
	}

	return ctx
}

// transition computes enter = current\previous, exit = previous\current for
// entityID, then stores current as the new previous set. An entity observed
// for the first time gets (enters=current, exits=∅), which falls out of the
// set difference naturally since previous starts empty.
func (s *Service) transition(entityID string, current map[string]struct{}) (enter, exit []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, known := s.previous[entityID]
	if !known {
		prev = make(map[string]struct{})
	}

	for id := range current {
		if _, ok := prev[id]; !ok {
			enter = append(enter, id)
		}
	}
	for id := range prev {
		if _, ok := current[id]; !ok {
			exit = append(exit, id)
		}
	}

	s.previous[entityID] = current
	return enter, exit
}

func contains(g model.Geofence, p model.Location) bool {
	switch g.Geometry {
	case model.GeometryCircle:
		return geo.CircleContains(g.Center, g.RadiusM, p)
	case model.GeometryPolygon:
		return geo.PolygonContains(g.Polygon, p)
	default:
		return false
	}
}

func (s *Service) nearestDepot(idx *index, p model.Location) (*model.Depot, float64, bool) {
	best := -1
	bestDist := 0.0
	for _, cell := range geo.CellsInRadius(p, 5000, gridDeltaDeg) {
		for _, i := range idx.depotGrid[cell] {
			d := geo.HaversineM(p, idx.depots[i].Point)
			if best == -1 || d < bestDist {
				best = i
				bestDist = d
			}
		}
	}
	if best == -1 {
		return nil, 0, false
	}
	return &idx.depots[best], bestDist, true
}

func (s *Service) nearestPOI(idx *index, p model.Location) (*model.POI, float64, bool) {
	best := -1
	bestDist := 0.0
	for _, cell := range geo.CellsInRadius(p, 5000, gridDeltaDeg) {
		for _, i := range idx.poiGrid[cell] {
			d := geo.HaversineM(p, idx.pois[i].Point)
			if best == -1 || d < bestDist {
				best = i
				bestDist = d
			}
		}
	}
	if best == -1 {
		return nil, 0, false
	}
	return &idx.pois[best], bestDist, true
}

func (s *Service) nearestPlace(idx *index, p model.Location) (*model.Place, float64, bool) {
	best := -1
	bestDist := 0.0
	for _, cell := range geo.CellsInRadius(p, 5000, gridDeltaDeg) {
		for _, i := range idx.placeGrid[cell] {
			d := geo.HaversineM(p, idx.places[i].Point)
			if best == -1 || d < bestDist {
				best = i
				bestDist = d
			}
		}
	}
	if best == -1 {
		return nil, 0, false
	}
	return &idx.places[best], bestDist, true
}

func (s *Service) nearbyDepots(idx *index, p model.Location, radiusM float64, limit int) []model.Depot {
	type hit struct {
		i    int
		dist float64
	}
	var hits []hit
	for _, cell := range geo.CellsInRadius(p, radiusM, gridDeltaDeg) {
		for _, i := range idx.depotGrid[cell] {
			if d := geo.HaversineM(p, idx.depots[i].Point); d <= radiusM {
				hits = append(hits, hit{i: i, dist: d})
			}
		}
	}
	sort.Slice(hits, func(a, b int) bool { return hits[a].dist < hits[b].dist })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]model.Depot, len(hits))
	for n, h := range hits {
		out[n] = idx.depots[h.i]
	}
	return out
}

func (s *Service) nearbyPOIs(idx *index, p model.Location, radiusM float64, limit int) []model.POI {
	type hit struct {
		i    int
		dist float64
	}
	var hits []hit
	for _, cell := range geo.CellsInRadius(p, radiusM, gridDeltaDeg) {
		for _, i := range idx.poiGrid[cell] {
			if d := geo.HaversineM(p, idx.pois[i].Point); d <= radiusM {
				hits = append(hits, hit{i: i, dist: d})
			}
		}
	}
	sort.Slice(hits, func(a, b int) bool { return hits[a].dist < hits[b].dist })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]model.POI, len(hits))
	for n, h := range hits {
		out[n] = idx.pois[h.i]
	}
	return out
}

// ListGeofences returns every geofence currently loaded, for the admin
// diagnostics surface.
func (s *Service) ListGeofences() []model.Geofence {
	idx := s.idx.Load()
	out := make([]model.Geofence, len(idx.geofences))
	copy(out, idx.geofences)
	return out
}

// IsAtDepot reports whether position falls within any enabled geofence of
// type depot, used by the Conductor's CRUISING decision. Geofences and
// Depots are independent CMS collections with independent id spaces, so
// containment against the depot-type geofence only confirms the vehicle is
// physically at *some* depot; the returned id is the nearest Depot entity's
// id (the same id space DepotReservoir and DemandGenerator key on),
// resolved via the depot proximity grid, not the geofence's own id.
func (s *Service) IsAtDepot(position model.Location) (depotID string, ok bool) {
	idx := s.idx.Load()
	atDepotGeofence := false
	for _, g := range idx.geofences {
		if !g.Enabled || g.Type != model.GeofenceDepot {
			continue
		}
		if g.BBox.Contains(position) && contains(g, position) {
			atDepotGeofence = true
			break
		}
	}
	if !atDepotGeofence {
		return "", false
	}

	d, _, found := s.nearestDepot(idx, position)
	if !found {
		return "", false
	}
	return d.ID, true
}

// Package handler contains HTTP handlers for the commuter core's admin and
// diagnostics surface: configuration inspection, geofence CRUD, reservoir
// occupancy stats, and on-demand geography refresh.
package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/shiva/commuter-core/internal/configsvc"
	"github.com/shiva/commuter-core/internal/errkind"
	"github.com/shiva/commuter-core/internal/geocache"
	"github.com/shiva/commuter-core/internal/location"
	"github.com/shiva/commuter-core/internal/model"
	"github.com/shiva/commuter-core/internal/reservoir"
	"github.com/shiva/commuter-core/pkg/geo"
)

// writeJSON is a helper that writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError maps an errkind.Kind to an HTTP status and writes a JSON error
// body.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errkind.Is(err, errkind.Validation):
		status = http.StatusBadRequest
	case errkind.Is(err, errkind.NotFound):
		status = http.StatusNotFound
	case errkind.Is(err, errkind.State), errkind.Is(err, errkind.CapacityExceeded):
		status = http.StatusConflict
	case errkind.Is(err, errkind.Timeout), errkind.Is(err, errkind.Unavailable):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// ConfigHandler exposes the live tunable-parameter view for inspection.
type ConfigHandler struct {
	cfg *configsvc.Service
}

// NewConfigHandler creates a new handler wired to the configuration service.
func NewConfigHandler(cfg *configsvc.Service) *ConfigHandler {
	return &ConfigHandler{cfg: cfg}
}

// Snapshot handles GET /api/v1/config
//
// Returns the full set of currently-resolved section.key values.
func (h *ConfigHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.cfg.Snapshot())
}

// Section handles GET /api/v1/config/{section}
func (h *ConfigHandler) Section(w http.ResponseWriter, r *http.Request) {
	section := mux.Vars(r)["section"]
	writeJSON(w, http.StatusOK, h.cfg.GetSection(section))
}

// GeofenceHandler exposes CRUD over runtime geofences.
type GeofenceHandler struct {
	loc *location.Service
}

// NewGeofenceHandler creates a new handler wired to the location service.
func NewGeofenceHandler(loc *location.Service) *GeofenceHandler {
	return &GeofenceHandler{loc: loc}
}

// List handles GET /api/v1/geofences
//
// With min_lat/max_lat/min_lon/max_lon query parameters, only geofences
// whose bounding box intersects the given box are returned — the dashboard
// uses this to fetch just the fences in its current viewport.
func (h *GeofenceHandler) List(w http.ResponseWriter, r *http.Request) {
	fences := h.loc.ListGeofences()

	box, ok, err := parseBBox(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if ok {
		filtered := make([]model.Geofence, 0, len(fences))
		for _, g := range fences {
			if geo.BBoxIntersects(g.BBox, box) {
				filtered = append(filtered, g)
			}
		}
		fences = filtered
	}

	writeJSON(w, http.StatusOK, fences)
}

// parseBBox reads the four bbox query parameters. Returns ok=false when none
// are present; an error when only some are, or one fails to parse.
func parseBBox(r *http.Request) (model.BBox, bool, error) {
	q := r.URL.Query()
	keys := []string{"min_lat", "max_lat", "min_lon", "max_lon"}

	present := 0
	vals := make([]float64, len(keys))
	for i, k := range keys {
		raw := q.Get(k)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return model.BBox{}, false, fmt.Errorf("invalid %s: %q", k, raw)
		}
		vals[i] = v
		present++
	}

	if present == 0 {
		return model.BBox{}, false, nil
	}
	if present != len(keys) {
		return model.BBox{}, false, fmt.Errorf("bbox filter requires all of min_lat, max_lat, min_lon, max_lon")
	}
	return model.BBox{MinLat: vals[0], MaxLat: vals[1], MinLon: vals[2], MaxLon: vals[3]}, true, nil
}

// Create handles POST /api/v1/geofences
func (h *GeofenceHandler) Create(w http.ResponseWriter, r *http.Request) {
	var g model.Geofence
	if err := json.NewDecoder(r.Body).Decode(&g); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid geofence payload: " + err.Error()})
		return
	}
	if err := h.loc.AddGeofence(g); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

// Update handles PUT /api/v1/geofences/{id}
func (h *GeofenceHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var g model.Geofence
	if err := json.NewDecoder(r.Body).Decode(&g); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid geofence payload: " + err.Error()})
		return
	}
	g.ID = id
	if err := h.loc.UpdateGeofence(g); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

// Delete handles DELETE /api/v1/geofences/{id}
func (h *GeofenceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	h.loc.RemoveGeofence(id)
	w.WriteHeader(http.StatusNoContent)
}

// ReservoirHandler exposes occupancy stats for both reservoir kinds.
type ReservoirHandler struct {
	depots *reservoir.DepotReservoir
	routes *reservoir.RouteReservoir
}

// NewReservoirHandler creates a new handler wired to both reservoirs.
func NewReservoirHandler(depots *reservoir.DepotReservoir, routes *reservoir.RouteReservoir) *ReservoirHandler {
	return &ReservoirHandler{depots: depots, routes: routes}
}

// DepotStats handles GET /api/v1/reservoir/depots
func (h *ReservoirHandler) DepotStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.depots.Stats())
}

// RouteStats handles GET /api/v1/reservoir/routes
func (h *ReservoirHandler) RouteStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.routes.Stats())
}

// GeoCacheHandler exposes the loaded geography snapshot and lets an
// operator force an out-of-band refresh.
type GeoCacheHandler struct {
	cache *geocache.Cache
}

// NewGeoCacheHandler creates a new handler wired to the geography cache.
func NewGeoCacheHandler(cache *geocache.Cache) *GeoCacheHandler {
	return &GeoCacheHandler{cache: cache}
}

// Summary handles GET /api/v1/geocache
func (h *GeoCacheHandler) Summary(w http.ResponseWriter, r *http.Request) {
	snap := h.cache.Current()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"zones":     len(snap.Zones),
		"pois":      len(snap.POIs),
		"routes":    len(snap.Routes),
		"depots":    len(snap.Depots),
		"geofences": len(snap.Geofences),
		"built_at":  snap.BuiltAt,
	})
}

// Refresh handles POST /api/v1/geocache/refresh
func (h *GeoCacheHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	if err := h.cache.Refresh(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}

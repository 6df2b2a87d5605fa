// Package cms is a thin HTTP/JSON client for the headless content
// management store that owns geography and operational configuration.
package cms

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/shiva/commuter-core/internal/model"
)

// Client fetches the six GeoCache collections and operational config
// sections from the CMS, following pagination until a collection is
// exhausted.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a Client. timeout bounds every individual request (default
// 30s).
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

type zoneDTO struct {
	ID                    string            `json:"id"`
	Type                  model.ZoneType    `json:"type"`
	Polygon               []model.Location  `json:"polygon"`
	BasePopulationDensity float64           `json:"base_population_density"`
	SpawnWeight           float64           `json:"spawn_weight"`
}

type poiDTO struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Point         model.Location `json:"point"`
	ActivityLevel float64        `json:"activity_level"`
}

type placeDTO struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Point model.Location `json:"point"`
}

type routeDTO struct {
	ID              string           `json:"id"`
	Coordinates     []model.Location `json:"coordinates"`
	HasConvention   bool             `json:"has_convention"`
	InboundTerminus model.Location   `json:"inbound_terminus"`
}

type depotDTO struct {
	ID               string   `json:"id"`
	Point            model.Location `json:"point"`
	AssignedRoutes   []string `json:"routes"`
	MaxQueueCapacity int      `json:"max_queue_capacity"`
}

type geofenceDTO struct {
	ID       string              `json:"id"`
	Type     model.GeofenceType  `json:"type"`
	Geometry model.GeometryType  `json:"geometry_type"`
	Center   model.Location      `json:"center"`
	RadiusM  float64             `json:"radius_meters"`
	Polygon  []model.Location    `json:"polygon"`
	Enabled  bool                `json:"enabled"`
}

type configEntryDTO struct {
	Section      string `json:"section"`
	Key          string `json:"key"`
	ValueType    string `json:"value_type"`
	Value        string `json:"value"`
	DefaultValue string `json:"default_value"`
}

// page is the envelope every CMS list endpoint returns.
type page[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// FetchZones retrieves every landuse zone, following pagination.
func (c *Client) FetchZones(ctx context.Context) ([]model.Zone, error) {
	raw, err := fetchAll[zoneDTO](ctx, c, "/zones")
	if err != nil {
		return nil, fmt.Errorf("cms: fetch zones: %w", err)
	}
	zones := make([]model.Zone, 0, len(raw))
	for _, z := range raw {
		zones = append(zones, model.Zone{
			ID:                    z.ID,
			Type:                  z.Type,
			Polygon:               z.Polygon,
			BasePopulationDensity: z.BasePopulationDensity,
			SpawnWeight:           z.SpawnWeight,
		})
	}
	return zones, nil
}

// FetchPOIs retrieves every point of interest, following pagination.
func (c *Client) FetchPOIs(ctx context.Context) ([]model.POI, error) {
	raw, err := fetchAll[poiDTO](ctx, c, "/pois")
	if err != nil {
		return nil, fmt.Errorf("cms: fetch pois: %w", err)
	}
	pois := make([]model.POI, 0, len(raw))
	for _, p := range raw {
		pois = append(pois, model.POI{ID: p.ID, Type: p.Type, Point: p.Point, ActivityLevel: p.ActivityLevel})
	}
	return pois, nil
}

// FetchPlaces retrieves every named place, following pagination.
func (c *Client) FetchPlaces(ctx context.Context) ([]model.Place, error) {
	raw, err := fetchAll[placeDTO](ctx, c, "/places")
	if err != nil {
		return nil, fmt.Errorf("cms: fetch places: %w", err)
	}
	places := make([]model.Place, 0, len(raw))
	for _, p := range raw {
		places = append(places, model.Place{ID: p.ID, Name: p.Name, Point: p.Point})
	}
	return places, nil
}

// FetchRoutes retrieves every route, following pagination.
func (c *Client) FetchRoutes(ctx context.Context) ([]model.RouteDef, error) {
	raw, err := fetchAll[routeDTO](ctx, c, "/routes")
	if err != nil {
		return nil, fmt.Errorf("cms: fetch routes: %w", err)
	}
	routes := make([]model.RouteDef, 0, len(raw))
	for _, r := range raw {
		routes = append(routes, model.RouteDef{
			ID:              r.ID,
			Coordinates:     r.Coordinates,
			HasConvention:   r.HasConvention,
			InboundTerminus: r.InboundTerminus,
		})
	}
	return routes, nil
}

// FetchDepots retrieves every depot, following pagination.
func (c *Client) FetchDepots(ctx context.Context) ([]model.Depot, error) {
	raw, err := fetchAll[depotDTO](ctx, c, "/depots")
	if err != nil {
		return nil, fmt.Errorf("cms: fetch depots: %w", err)
	}
	depots := make([]model.Depot, 0, len(raw))
	for _, d := range raw {
		depots = append(depots, model.Depot{
			ID:               d.ID,
			Point:            d.Point,
			AssignedRoutes:   d.AssignedRoutes,
			MaxQueueCapacity: d.MaxQueueCapacity,
		})
	}
	return depots, nil
}

// FetchGeofences retrieves every geofence, following pagination.
func (c *Client) FetchGeofences(ctx context.Context) ([]model.Geofence, error) {
	raw, err := fetchAll[geofenceDTO](ctx, c, "/geofences")
	if err != nil {
		return nil, fmt.Errorf("cms: fetch geofences: %w", err)
	}
	fences := make([]model.Geofence, 0, len(raw))
	for _, g := range raw {
		fences = append(fences, model.Geofence{
			ID:       g.ID,
			Type:     g.Type,
			Geometry: g.Geometry,
			Center:   g.Center,
			RadiusM:  g.RadiusM,
			Polygon:  g.Polygon,
			Enabled:  g.Enabled,
		})
	}
	return fences, nil
}

// ConfigEntry is one row of the OperationalConfiguration collection.
type ConfigEntry struct {
	Section      string
	Key          string
	ValueType    string
	Value        string
	DefaultValue string
}

// FetchOperationalConfig retrieves every configuration row, following
// pagination.
func (c *Client) FetchOperationalConfig(ctx context.Context) ([]ConfigEntry, error) {
	raw, err := fetchAll[configEntryDTO](ctx, c, "/operational-config")
	if err != nil {
		return nil, fmt.Errorf("cms: fetch operational config: %w", err)
	}
	entries := make([]ConfigEntry, 0, len(raw))
	for _, e := range raw {
		entries = append(entries, ConfigEntry{
			Section: e.Section, Key: e.Key, ValueType: e.ValueType,
			Value: e.Value, DefaultValue: e.DefaultValue,
		})
	}
	return entries, nil
}

// fetchAll walks ?cursor= pagination until the CMS returns an empty cursor.
func fetchAll[T any](ctx context.Context, c *Client, path string) ([]T, error) {
	var all []T
	cursor := ""

	for {
		u := c.baseURL + path
		if cursor != "" {
			q := url.Values{}
			q.Set("cursor", cursor)
			u = u + "?" + q.Encode()
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, path)
		}

		var pg page[T]
		decErr := json.NewDecoder(resp.Body).Decode(&pg)
		resp.Body.Close()
		if decErr != nil {
			return nil, decErr
		}

		all = append(all, pg.Items...)

		if pg.NextCursor == "" {
			break
		}
		cursor = pg.NextCursor
	}

	return all, nil
}

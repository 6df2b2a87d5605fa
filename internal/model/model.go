// Package model contains the domain types shared across the commuter
// coordination core: geography loaded from the CMS, the passengers that
// flow through the reservoirs, and the vehicles/conductors that serve them.
package model

import "time"

// ─── Location ───────────────────────────────────────────────

// Location is a WGS-84 geographic point (EPSG:4326).
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// BBox is an axis-aligned bounding box used as a fast pre-filter before an
// exact containment test.
type BBox struct {
	MinLat float64 `json:"min_lat"`
	MaxLat float64 `json:"max_lat"`
	MinLon float64 `json:"min_lon"`
	MaxLon float64 `json:"max_lon"`
}

// Contains reports whether p falls within the box, inclusive of the edges.
func (b BBox) Contains(p Location) bool {
	return p.Lat >= b.MinLat && p.Lat <= b.MaxLat && p.Lon >= b.MinLon && p.Lon <= b.MaxLon
}

// ─── Zone / POI / Route / Depot (GeoCache entities) ─────────

type ZoneType string

const (
	ZoneResidential ZoneType = "residential"
	ZoneCommercial  ZoneType = "commercial"
	ZoneIndustrial  ZoneType = "industrial"
	ZoneSchool      ZoneType = "school"
	ZoneHospital    ZoneType = "hospital"
)

// Zone is a landuse polygon with a population-density-driven spawn weight.
type Zone struct {
	ID                  string     `json:"id"`
	Type                ZoneType   `json:"type"`
	Polygon             []Location `json:"polygon"`
	BBox                BBox       `json:"bbox"`
	BasePopulationDensity float64  `json:"base_population_density"`
	SpawnWeight         float64    `json:"spawn_weight"`
}

// POI is an amenity point with an activity level used to weight demand
// destination selection.
type POI struct {
	ID            string   `json:"id"`
	Type          string   `json:"type"`
	Point         Location `json:"point"`
	ActivityLevel float64  `json:"activity_level"`
}

// Place is a named settlement or landmark point, used only by nearest-place
// queries on the location service.
type Place struct {
	ID    string   `json:"id"`
	Name  string   `json:"name"`
	Point Location `json:"point"`
}

// RouteDef is an ordered polyline a vehicle travels along with a declared
// direction convention. HasConvention is false when the CMS never declared
// which terminus is "inbound" — ROUTE-kind spawns must be refused in that case.
type RouteDef struct {
	ID               string     `json:"id"`
	Coordinates      []Location `json:"coordinates"`
	HasConvention    bool       `json:"has_convention"`
	InboundTerminus  Location   `json:"inbound_terminus"`
}

// Depot is a fixed boarding location with a capacity-bounded FIFO per route.
type Depot struct {
	ID              string   `json:"id"`
	Point           Location `json:"point"`
	AssignedRoutes  []string `json:"assigned_routes"`
	MaxQueueCapacity int     `json:"max_queue_capacity"`
}

// ─── Geofence ────────────────────────────────────────────────

type GeofenceType string

const (
	GeofenceDepot        GeofenceType = "depot"
	GeofenceBoardingZone GeofenceType = "boarding_zone"
	GeofenceRestricted   GeofenceType = "restricted"
	GeofenceProximity    GeofenceType = "proximity"
	GeofenceCustom       GeofenceType = "custom"
)

type GeometryType string

const (
	GeometryCircle  GeometryType = "circle"
	GeometryPolygon GeometryType = "polygon"
)

// Geofence is a named region used for containment and enter/exit transition
// events. Exactly one of (Center+RadiusM) / Polygon is meaningful, selected
// by Geometry.
type Geofence struct {
	ID       string       `json:"id"`
	Type     GeofenceType `json:"type"`
	Geometry GeometryType `json:"geometry"`
	Center   Location     `json:"center,omitempty"`
	RadiusM  float64      `json:"radius_m,omitempty"`
	Polygon  []Location   `json:"polygon,omitempty"`
	BBox     BBox         `json:"bbox"`
	Enabled  bool         `json:"enabled"`
}

// ─── Passenger ───────────────────────────────────────────────

type Direction string

const (
	Outbound Direction = "OUTBOUND"
	Inbound  Direction = "INBOUND"
)

type SpawnKind string

const (
	KindDepot SpawnKind = "DEPOT"
	KindRoute SpawnKind = "ROUTE"
)

type PassengerStatus string

const (
	StatusWaiting  PassengerStatus = "WAITING"
	StatusOnboard  PassengerStatus = "ONBOARD"
	StatusAlighted PassengerStatus = "ALIGHTED"
	StatusExpired  PassengerStatus = "EXPIRED"
)

// Passenger is a single rider waiting for, or travelling on, a vehicle.
type Passenger struct {
	ID              string          `json:"id"`
	Origin          Location        `json:"origin"`
	Destination     Location        `json:"destination"`
	RouteID         string          `json:"route_id"`
	Direction       Direction       `json:"direction"`
	Kind            SpawnKind       `json:"kind"`
	DepotID         string          `json:"depot_id,omitempty"`
	Priority        float64         `json:"priority"`
	SpawnTime       time.Time       `json:"spawn_time"`
	ExpiryTime      time.Time       `json:"expiry_time"`
	Status          PassengerStatus `json:"status"`
	AssignedVehicle string          `json:"assigned_vehicle,omitempty"`
}

// SpawnRequest is emitted by the DemandGenerator for one synthesised rider.
type SpawnRequest struct {
	Origin      Location
	Destination Location
	RouteID     string
	Direction   Direction
	Priority    float64
	Kind        SpawnKind
	DepotID     string
	PeakHour    bool
}

// ─── Vehicle / Conductor ─────────────────────────────────────

type EngineState string

const (
	EngineOn  EngineState = "ON"
	EngineOff EngineState = "OFF"
)

// Vehicle is the externally-managed record the conductor reads capacity and
// position from. The core never hardcodes a default capacity — it is always
// read from this record.
type Vehicle struct {
	ID                 string
	RouteID            string
	Direction           Direction
	Capacity           int
	CurrentPosition    Location
	PositionObservedAt time.Time
	EngineState        EngineState
}

type ConductorMode string

const (
	ModeCruising        ConductorMode = "CRUISING"
	ModeStopRequested   ConductorMode = "STOP_REQUESTED"
	ModeBoarding        ConductorMode = "BOARDING"
	ModeReadyToDepart   ConductorMode = "READY_TO_DEPART"
)

// Package demand implements the DemandGenerator: a Poisson-per-zone-per-
// tick spawn model driven by time-of-day and day-of-week multipliers,
// producing SpawnRequests with an assigned route and direction.
package demand

import (
	"log"
	"math"
	"math/rand/v2"
	"time"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/shiva/commuter-core/internal/configsvc"
	"github.com/shiva/commuter-core/internal/geocache"
	"github.com/shiva/commuter-core/internal/location"
	"github.com/shiva/commuter-core/internal/model"
	"github.com/shiva/commuter-core/pkg/geo"
)

// nominalAveragePassengersPerHour is the baseline average_passengers_per_hour
// DefaultConfig's BaseDensity values are calibrated against (matching its
// residential base of 40); live ConfigurationService values scale every
// zone type's base density proportionally to this baseline.
const nominalAveragePassengersPerHour = 40.0

// Config mirrors the passenger_spawning.* configuration section.
type Config struct {
	BaseDensity          map[model.ZoneType]float64
	TimeOfDayMultiplier  map[model.ZoneType][24]float64
	DayOfWeekMultiplier  [7]float64
	MaxOriginDestKm      float64
	DepotProximityM      float64
	TickMinutes          float64
}

// DefaultConfig returns a reasonable starting point: flat multipliers with a
// morning/evening rush bump for residential/commercial zones, matching the
// "~2.5–3x baseline" and "~0.1-0.2x late night" guidance.
func DefaultConfig() Config {
	flat := [24]float64{}
	for i := range flat {
		flat[i] = 1.0
	}

	residential := flat
	for h := 6; h <= 9; h++ {
		residential[h] = 2.7
	}
	for h := 0; h <= 4; h++ {
		residential[h] = 0.15
	}

	commercial := flat
	for h := 17; h <= 20; h++ {
		commercial[h] = 2.6
	}
	for h := 0; h <= 4; h++ {
		commercial[h] = 0.1
	}

	return Config{
		BaseDensity: map[model.ZoneType]float64{
			model.ZoneResidential: 40,
			model.ZoneCommercial:  35,
			model.ZoneIndustrial:  15,
			model.ZoneSchool:      25,
			model.ZoneHospital:    10,
		},
		TimeOfDayMultiplier: map[model.ZoneType][24]float64{
			model.ZoneResidential: residential,
			model.ZoneCommercial:  commercial,
			model.ZoneIndustrial:  flat,
			model.ZoneSchool:      flat,
			model.ZoneHospital:    flat,
		},
		DayOfWeekMultiplier: [7]float64{1, 1, 1, 1, 1, 0.7, 0.6},
		MaxOriginDestKm:     15,
		DepotProximityM:     150,
		TickMinutes:         1,
	}
}

// Generator evaluates the rate law once per tick and emits SpawnRequests.
type Generator struct {
	cfg    Config
	loc    *location.Service
	src    rand.Source
	cfgSvc *configsvc.Service
}

// New constructs a Generator. seed fixes the PRNG so simulation runs are
// reproducible; pass a value derived from wall-clock time for a live run.
// cfgSvc may be nil, in which case cfg is used as a static snapshot; when
// set, the passenger_spawning.* keys it carries are re-read on every Tick
// so a live CMS-driven config change takes effect without a restart.
func New(cfg Config, loc *location.Service, seed uint64, cfgSvc *configsvc.Service) *Generator {
	return &Generator{cfg: cfg, loc: loc, src: rand.NewPCG(seed, seed^0x9e3779b9), cfgSvc: cfgSvc}
}

// effective resolves the Config to use for the current tick: g.cfg as a
// base, with the two scalar knobs ConfigurationService actually declares
// (the passenger_spawning.rates/geographic keys) overlaid live. The
// per-zone-type density/multiplier maps have no equivalent CMS key and
// stay as configured at construction.
func (g *Generator) effective() Config {
	c := g.cfg
	if g.cfgSvc == nil {
		return c
	}

	if avg := g.cfgSvc.GetFloat("passenger_spawning.rates", "average_passengers_per_hour", nominalAveragePassengersPerHour); avg > 0 {
		scale := avg / nominalAveragePassengersPerHour
		scaled := make(map[model.ZoneType]float64, len(c.BaseDensity))
		for zt, v := range c.BaseDensity {
			scaled[zt] = v * scale
		}
		c.BaseDensity = scaled
	}

	spawnRadiusM := g.cfgSvc.GetFloat("passenger_spawning.geographic", "spawn_radius_meters", c.MaxOriginDestKm*1000)
	c.MaxOriginDestKm = spawnRadiusM / 1000

	return c
}

// Tick evaluates the demand model against snap for the given timestamp and
// returns zero or more spawn requests.
func (g *Generator) Tick(now time.Time, snap *geocache.Snapshot) []model.SpawnRequest {
	if len(snap.Zones) == 0 {
		return nil
	}

	cfg := g.effective()

	var out []model.SpawnRequest
	hour := now.Hour()
	day := int(now.Weekday())
	peak := isPeakHour(hour)

	for _, z := range snap.Zones {
		if z.SpawnWeight <= 0 {
			continue
		}

		rate := rateFor(cfg, z, hour, day)
		if rate <= 0 {
			continue
		}

		count := poissonSample(g.src, rate)
		for i := 0; i < count; i++ {
			req, ok := g.spawnOne(cfg, z, snap, peak)
			if ok {
				out = append(out, req)
			}
		}
	}

	return out
}

// rateFor evaluates the rate law for zone z given cfg's density/multiplier
// tables. Kept as a package-level function (rather than a Generator method) so
// tests can exercise it directly against an arbitrary Config.
func rateFor(cfg Config, z model.Zone, hour, day int) float64 {
	base, ok := cfg.BaseDensity[z.Type]
	if !ok {
		return 0
	}

	todArr, ok := cfg.TimeOfDayMultiplier[z.Type]
	tod := 1.0
	if ok {
		tod = sanitizeMultiplier(todArr[hour])
	}
	dow := sanitizeMultiplier(cfg.DayOfWeekMultiplier[day])

	return base * z.SpawnWeight * tod * dow * (cfg.TickMinutes / 60.0)
}

// rateFor is the Generator-bound convenience wrapper over the free rateFor
// function, evaluated against the Generator's static (non-CMS-overlaid)
// Config; Tick itself evaluates against the live-resolved Config instead.
func (g *Generator) rateFor(z model.Zone, hour, day int) float64 {
	return rateFor(g.cfg, z, hour, day)
}

func sanitizeMultiplier(m float64) float64 {
	if math.IsNaN(m) || m < 0 {
		log.Printf("[demand] invalid multiplier %v treated as 0", m)
		return 0
	}
	return m
}

func poissonSample(src rand.Source, lambda float64) int {
	d := distuv.Poisson{Lambda: lambda, Src: rngAdapter{src}}
	return int(d.Rand())
}

// rngAdapter bridges math/rand/v2's Source into gonum's rand.Source
// interface (Uint64-based), avoiding the deprecated global math/rand source.
type rngAdapter struct {
	src rand.Source
}

func (a rngAdapter) Uint64() uint64 { return a.src.Uint64() }

func isPeakHour(hour int) bool {
	return (hour >= 7 && hour <= 9) || (hour >= 17 && hour <= 19)
}

func (g *Generator) spawnOne(cfg Config, z model.Zone, snap *geocache.Snapshot, peak bool) (model.SpawnRequest, bool) {
	origin, ok := sampleOrigin(g.src, z)
	if !ok {
		return model.SpawnRequest{}, false
	}

	dest, ok := sampleDestination(g.src, origin, snap.POIs, cfg.MaxOriginDestKm)
	if !ok {
		return model.SpawnRequest{}, false
	}

	routeID, ok := assignRoute(origin, snap.Routes)
	if !ok {
		return model.SpawnRequest{}, false
	}

	var route model.RouteDef
	for _, r := range snap.Routes {
		if r.ID == routeID {
			route = r
			break
		}
	}
	if !route.HasConvention {
		log.Printf("[demand] route %s has no declared direction convention, refusing ROUTE-kind spawn", route.ID)
		return model.SpawnRequest{}, false
	}

	direction := model.Outbound
	if geo.HaversineM(dest, route.InboundTerminus) < geo.HaversineM(origin, route.InboundTerminus) {
		direction = model.Inbound
	}

	kind := model.KindRoute
	depotID := ""
	if depot, depotDist, found := nearestDepot(origin, snap.Depots); found && depotDist <= cfg.DepotProximityM {
		kind = model.KindDepot
		depotID = depot.ID
	}

	priority := 0.5
	if peak {
		priority = 0.8
	}

	return model.SpawnRequest{
		Origin:      origin,
		Destination: dest,
		RouteID:     routeID,
		Direction:   direction,
		Priority:    priority,
		Kind:        kind,
		DepotID:     depotID,
		PeakHour:    peak,
	}, true
}

// sampleOrigin draws a uniform random point within the zone polygon using
// rejection sampling against its bbox.
func sampleOrigin(src rand.Source, z model.Zone) (model.Location, bool) {
	if len(z.Polygon) < 3 {
		return model.Location{}, false
	}
	r := rand.New(src)
	for attempt := 0; attempt < 50; attempt++ {
		lat := z.BBox.MinLat + r.Float64()*(z.BBox.MaxLat-z.BBox.MinLat)
		lon := z.BBox.MinLon + r.Float64()*(z.BBox.MaxLon-z.BBox.MinLon)
		p := model.Location{Lat: lat, Lon: lon}
		if geo.PolygonContains(z.Polygon, p) {
			return p, true
		}
	}
	return model.Location{}, false
}

// sampleDestination draws a POI via a cumulative-weight roulette wheel
// biased by activity_level with an inverse-distance term, resampling if the
// result exceeds maxKm.
func sampleDestination(src rand.Source, origin model.Location, pois []model.POI, maxKm float64) (model.Location, bool) {
	if len(pois) == 0 {
		return model.Location{}, false
	}

	r := rand.New(src)
	for attempt := 0; attempt < 10; attempt++ {
		weights := make([]float64, len(pois))
		total := 0.0
		for i, p := range pois {
			distKm := geo.HaversineKm(origin, p.Point)
			inverseDistance := 1.0 / (1.0 + distKm)
			w := p.ActivityLevel * inverseDistance
			if w < 0 {
				w = 0
			}
			weights[i] = w
			total += w
		}
		if total <= 0 {
			return model.Location{}, false
		}

		pick := r.Float64() * total
		cum := 0.0
		chosen := pois[len(pois)-1]
		for i, w := range weights {
			cum += w
			if pick <= cum {
				chosen = pois[i]
				break
			}
		}

		if geo.HaversineKm(origin, chosen.Point) <= maxKm {
			return chosen.Point, true
		}
	}
	return model.Location{}, false
}

// assignRoute projects origin onto every candidate route and returns the
// route minimising projection distance (ties broken by lower route id).
func assignRoute(origin model.Location, routes []model.RouteDef) (string, bool) {
	if len(routes) == 0 {
		return "", false
	}

	bestID := ""
	bestDist := math.MaxFloat64
	for _, r := range routes {
		d := geo.ProjectOntoRoute(r.Coordinates, origin)
		if d < bestDist || (d == bestDist && r.ID < bestID) {
			bestDist = d
			bestID = r.ID
		}
	}
	return bestID, bestID != ""
}

func nearestDepot(origin model.Location, depots []model.Depot) (model.Depot, float64, bool) {
	if len(depots) == 0 {
		return model.Depot{}, 0, false
	}
	best := depots[0]
	bestDist := geo.HaversineM(origin, best.Point)
	for _, d := range depots[1:] {
		dist := geo.HaversineM(origin, d.Point)
		if dist < bestDist {
			best, bestDist = d, dist
		}
	}
	return best, bestDist, true
}

package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/shiva/commuter-core/config"
	"github.com/shiva/commuter-core/internal/cms"
	"github.com/shiva/commuter-core/internal/conductor"
	"github.com/shiva/commuter-core/internal/configsvc"
	"github.com/shiva/commuter-core/internal/demand"
	"github.com/shiva/commuter-core/internal/geocache"
	"github.com/shiva/commuter-core/internal/handler"
	"github.com/shiva/commuter-core/internal/location"
	"github.com/shiva/commuter-core/internal/messagehub"
	"github.com/shiva/commuter-core/internal/middleware"
	"github.com/shiva/commuter-core/internal/model"
	"github.com/shiva/commuter-core/internal/passengerstore"
	"github.com/shiva/commuter-core/internal/reservoir"
	"github.com/shiva/commuter-core/internal/vehicletracker"
	"github.com/shiva/commuter-core/pkg/cache"
	"github.com/shiva/commuter-core/pkg/db"
)

func main() {
	// ── Load configuration ──────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Connect to PostgreSQL ───────────────────────────
	pgPool, err := db.NewPostgresPool(ctx, cfg.Postgres)
	if err != nil {
		log.Fatalf("failed to connect to PostgreSQL: %v", err)
	}
	defer pgPool.Close()
	log.Println("✓ PostgreSQL connected")

	// ── Connect to Redis ────────────────────────────────
	redisClient, err := cache.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("✓ Redis connected")

	// ── GeoCache: CMS-backed geography, refreshed periodically ──
	cmsClient := cms.New(cfg.CMS.BaseURL, cfg.CMS.Timeout)
	geoCache := geocache.New(cmsClient)
	if err := geoCache.Refresh(ctx); err != nil {
		log.Printf("initial geocache refresh failed, starting with an empty snapshot: %v", err)
	}
	go geoCache.RunPeriodicRefresh(ctx, time.Duration(cfg.CMS.RefreshSec)*time.Second)

	// ── ConfigurationService: tunable simulation parameters ──
	configSvc := configsvc.New()
	loadOperationalConfig(ctx, cmsClient, configSvc)
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				loadOperationalConfig(ctx, cmsClient, configSvc)
			}
		}
	}()

	// ── LocationService: geofence containment + nearest queries ──
	locSvc := location.New()
	if err := locSvc.RefreshFromCache(geoCache.Current()); err != nil {
		log.Printf("initial location refresh failed: %v", err)
	}

	// ── MessageHub: pub/sub fabric across depot/route/vehicle/system ──
	hub := messagehub.New("commuterd", redisClient)
	for _, ns := range []messagehub.Namespace{
		messagehub.NamespaceDepot, messagehub.NamespaceRoute,
		messagehub.NamespaceVehicle, messagehub.NamespaceSystem,
	} {
		go hub.RunRemoteBridge(ctx, ns)
	}

	// ── PassengerStore: durable lifecycle log + GC sweeper ──
	store := passengerstore.New(pgPool, 30*time.Minute)
	if err := store.EnsureSchema(ctx); err != nil {
		log.Printf("passengerstore schema setup failed: %v", err)
	}
	if reconciled := store.ReconcileOrphanedWaiting(ctx, time.Now()); reconciled > 0 {
		log.Printf("reconciled %d orphaned WAITING passengers from a prior run", reconciled)
	}
	go store.RunSweeper(ctx, time.Minute)

	// ── Reservoirs, wired to publish lifecycle events onto the hub ──
	depotRes := reservoir.NewDepotReservoir(configSvc.GetInt("reservoir", "max_commuters_per_query", 10) * 5)
	routeRes := reservoir.NewRouteReservoir(configSvc.GetFloat("reservoir", "grid_cell_size_degrees", 0.01))
	wireReservoirEvents(ctx, depotRes, routeRes, store, hub)
	go runExpirySweeper(ctx, depotRes, routeRes, configSvc)

	// ── DemandGenerator: synthesises spawn requests and feeds reservoirs ──
	demandGen := demand.New(demand.DefaultConfig(), locSvc, uint64(time.Now().UnixNano()), configSvc)
	go runDemandLoop(ctx, demandGen, geoCache, depotRes, routeRes, store, hub)

	// ── VehicleTracker + Conductor ──────────────────────
	vehicles := vehicletracker.New(hub)
	conductorMgr := conductor.NewManager(conductor.DefaultConfig(), locSvc, depotRes, routeRes, hub, conductor.DriverCallbacks{}, vehicles.Get, configSvc)
	conductorMgr.SetRouteSource(func(routeID string) (model.RouteDef, bool) {
		for _, r := range geoCache.Current().Routes {
			if r.ID == routeID {
				return r, true
			}
		}
		return model.RouteDef{}, false
	})

	hub.Subscribe(messagehub.NamespaceVehicle, "vehicle:registered", "conductor-launcher", func(msg messagehub.Message) {
		vehicleID, _ := msg.Data["vehicle_id"].(string)
		routeID, _ := msg.Data["route_id"].(string)
		direction, _ := msg.Data["direction"].(string)
		if vehicleID == "" {
			return
		}
		conductorMgr.Start(ctx, vehicleID, routeID, model.Direction(direction))
	})

	// The driver layer can also pull candidates directly, correlated
	// request/response style.
	hub.Subscribe(messagehub.NamespaceVehicle, "vehicle:query:commuters", "commuter-query", func(msg messagehub.Message) {
		vehicleID, _ := msg.Data["vehicle_id"].(string)
		routeID, _ := msg.Data["route_id"].(string)
		direction, _ := msg.Data["direction"].(string)
		lat, _ := msg.Data["lat"].(float64)
		lon, _ := msg.Data["lon"].(float64)
		pos := model.Location{Lat: lat, Lon: lon}

		radiusM := configSvc.GetFloat("reservoir", "default_pickup_distance_meters", 300)
		maxCount := configSvc.GetInt("reservoir", "max_commuters_per_query", 10)

		var found []*model.Passenger
		if depotID, atDepot := locSvc.IsAtDepot(pos); atDepot {
			found = depotRes.Query(depotID, routeID, pos, radiusM, maxCount)
		} else {
			found = routeRes.Query(routeID, pos, model.Direction(direction), radiusM, maxCount)
		}

		ids := make([]string, len(found))
		for i, p := range found {
			ids[i] = p.ID
		}
		hub.Respond(messagehub.NamespaceVehicle, msg, messagehub.Message{
			Target: vehicleID,
			Data:   map[string]interface{}{"vehicle_id": vehicleID, "passenger_ids": ids, "count": len(ids)},
		})
	})

	// ── HTTP admin/diagnostics surface ──────────────────
	configHandler := handler.NewConfigHandler(configSvc)
	geofenceHandler := handler.NewGeofenceHandler(locSvc)
	reservoirHandler := handler.NewReservoirHandler(depotRes, routeRes)
	geocacheHandler := handler.NewGeoCacheHandler(geoCache)

	router := mux.NewRouter()
	router.HandleFunc("/health", healthHandler(pgPool, redisClient)).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/config", configHandler.Snapshot).Methods(http.MethodGet)
	api.HandleFunc("/config/{section}", configHandler.Section).Methods(http.MethodGet)
	api.HandleFunc("/geofences", geofenceHandler.List).Methods(http.MethodGet)
	api.HandleFunc("/geofences", geofenceHandler.Create).Methods(http.MethodPost)
	api.HandleFunc("/geofences/{id}", geofenceHandler.Update).Methods(http.MethodPut)
	api.HandleFunc("/geofences/{id}", geofenceHandler.Delete).Methods(http.MethodDelete)
	api.HandleFunc("/reservoir/depots", reservoirHandler.DepotStats).Methods(http.MethodGet)
	api.HandleFunc("/reservoir/routes", reservoirHandler.RouteStats).Methods(http.MethodGet)
	api.HandleFunc("/geocache", geocacheHandler.Summary).Methods(http.MethodGet)
	api.HandleFunc("/geocache/refresh", geocacheHandler.Refresh).Methods(http.MethodPost)

	// Wrap with CORS so the admin dashboard (a separate browser origin) can
	// call this API.
	httpHandler := middleware.CORS(middleware.RequestLogger(middleware.Recoverer(router)))

	// ── Start HTTP server ───────────────────────────────
	srv := &http.Server{
		Addr:         cfg.Server.ServerAddr(),
		Handler:      httpHandler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start in a goroutine so we can listen for shutdown signals.
	go func() {
		log.Printf("🚀 Server listening on %s", cfg.Server.ServerAddr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	hub.Publish(messagehub.NamespaceSystem, messagehub.Message{
		Type: "system:service_connected",
		Data: map[string]interface{}{"service": "commuterd"},
	})
	go runHealthBeat(ctx, hub, depotRes, routeRes)

	// ── Graceful shutdown ───────────────────────────────
	<-ctx.Done()
	log.Println("⏳ Shutting down server...")
	hub.Publish(messagehub.NamespaceSystem, messagehub.Message{
		Type: "system:service_disconnected",
		Data: map[string]interface{}{"service": "commuterd"},
	})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("server forced to shutdown: %v", err)
	}

	conductorMgr.Wait()
	log.Println("✅ Server gracefully stopped")
}

// loadOperationalConfig fetches OperationalConfiguration rows from the CMS
// and applies them to svc; it runs at startup and every 30s after. Failures
// are logged and the values svc already holds (the seeded defaults, on the
// first load) are kept — a CMS outage never aborts startup.
func loadOperationalConfig(ctx context.Context, client *cms.Client, svc *configsvc.Service) {
	entries, err := client.FetchOperationalConfig(ctx)
	if err != nil {
		log.Printf("failed to load operational config from CMS, keeping current values: %v", err)
		return
	}
	converted := make([]configsvc.CMSConfigEntry, 0, len(entries))
	for _, e := range entries {
		converted = append(converted, configsvc.CMSConfigEntry{Section: e.Section, Key: e.Key, Value: e.Value})
	}
	svc.LoadFromCMS(converted)
}

// wireReservoirEvents registers the callbacks that turn reservoir lifecycle
// transitions into durable store writes and hub broadcasts, keeping both
// reservoir packages free of a direct dependency on messagehub/passengerstore.
func wireReservoirEvents(ctx context.Context, depotRes *reservoir.DepotReservoir, routeRes *reservoir.RouteReservoir, store *passengerstore.Store, hub *messagehub.Hub) {
	onBoarded := func(ns messagehub.Namespace) func(p *model.Passenger, vehicleID string) {
		return func(p *model.Passenger, vehicleID string) {
			store.Mark(ctx, p.ID, model.StatusOnboard, time.Now())
			hub.Publish(ns, messagehub.Message{
				Type: "passenger:boarded",
				Data: map[string]interface{}{"passenger_id": p.ID, "vehicle_id": vehicleID},
			})
		}
	}
	onExpired := func(ns messagehub.Namespace) func(p *model.Passenger) {
		return func(p *model.Passenger) {
			store.Mark(ctx, p.ID, model.StatusExpired, time.Now())
			hub.Publish(ns, messagehub.Message{
				Type: "passenger:expired",
				Data: map[string]interface{}{"passenger_id": p.ID},
			})
		}
	}

	depotRes.OnPickedUp(onBoarded(messagehub.NamespaceDepot))
	depotRes.OnExpired(onExpired(messagehub.NamespaceDepot))
	depotRes.OnOverflow(func(p *model.Passenger, reason string) { onExpired(messagehub.NamespaceDepot)(p) })

	routeRes.OnPickedUp(onBoarded(messagehub.NamespaceRoute))
	routeRes.OnExpired(onExpired(messagehub.NamespaceRoute))
}

// runDemandLoop ticks the demand generator once per minute and feeds every
// resulting spawn request into the appropriate reservoir.
func runDemandLoop(ctx context.Context, gen *demand.Generator, geoCache *geocache.Cache, depotRes *reservoir.DepotReservoir, routeRes *reservoir.RouteReservoir, store *passengerstore.Store, hub *messagehub.Hub) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	seq := 0
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			snap := geoCache.Current()
			for _, req := range gen.Tick(now, snap) {
				seq++
				p := &model.Passenger{
					ID:          spawnID(now, seq),
					Origin:      req.Origin,
					Destination: req.Destination,
					RouteID:     req.RouteID,
					Direction:   req.Direction,
					Kind:        req.Kind,
					DepotID:     req.DepotID,
					Priority:    req.Priority,
					SpawnTime:   now,
					ExpiryTime:  now.Add(20 * time.Minute),
					Status:      model.StatusWaiting,
				}

				var spawnErr error
				if p.Kind == model.KindDepot {
					spawnErr = depotRes.Spawn(p)
				} else {
					spawnErr = routeRes.Spawn(p)
				}
				if spawnErr != nil {
					log.Printf("[demand] failed to spawn %s: %v", p.ID, spawnErr)
					continue
				}

				store.Insert(ctx, *p)
				hub.Publish(messagehub.NamespaceRoute, messagehub.Message{
					Type: "commuter:spawned",
					Data: map[string]interface{}{"passenger_id": p.ID, "route_id": p.RouteID, "kind": string(p.Kind)},
				})
			}
		}
	}
}

func spawnID(now time.Time, seq int) string {
	return now.Format("20060102T150405") + "-" + itoa(seq)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var digits [20]byte
	i := len(digits)
	for n > 0 {
		i--
		digits[i] = byte('0' + n%10)
		n /= 10
	}
	return string(digits[i:])
}

// runExpirySweeper periodically sweeps both reservoirs for passengers past
// their expiry_time.
func runExpirySweeper(ctx context.Context, depotRes *reservoir.DepotReservoir, routeRes *reservoir.RouteReservoir, configSvc *configsvc.Service) {
	interval := time.Duration(configSvc.GetInt("reservoir", "expiration_check_interval_seconds", 10)) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			depotRes.ExpirePass(now)
			routeRes.ExpirePass(now)
		}
	}
}

// runHealthBeat periodically broadcasts reservoir occupancy on the system
// namespace so the admin dashboard can watch the simulation without polling
// the HTTP surface.
func runHealthBeat(ctx context.Context, hub *messagehub.Hub, depotRes *reservoir.DepotReservoir, routeRes *reservoir.RouteReservoir) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			waitingDepot := 0
			for _, s := range depotRes.Stats() {
				waitingDepot += s.Waiting
			}
			waitingRoute := 0
			for _, s := range routeRes.Stats() {
				waitingRoute += s.WaitingOutbound + s.WaitingInbound
			}
			hub.Publish(messagehub.NamespaceSystem, messagehub.Message{
				Type: "system:health",
				Data: map[string]interface{}{
					"service":       "commuterd",
					"waiting_depot": waitingDepot,
					"waiting_route": waitingRoute,
				},
			})
		}
	}
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services"`
}

// healthHandler returns an HTTP handler that checks PG and Redis connectivity.
func healthHandler(pgPool *pgxpool.Pool, redisClient *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status:   "ok",
			Services: make(map[string]string),
		}

		if err := db.HealthCheck(r.Context(), pgPool); err != nil {
			resp.Status = "degraded"
			resp.Services["postgres"] = "unhealthy: " + err.Error()
		} else {
			resp.Services["postgres"] = "healthy"
		}

		if err := cache.HealthCheck(r.Context(), redisClient); err != nil {
			resp.Status = "degraded"
			resp.Services["redis"] = "unhealthy: " + err.Error()
		} else {
			resp.Services["redis"] = "healthy"
		}

		w.Header().Set("Content-Type", "application/json")
		if resp.Status != "ok" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(resp)
	}
}

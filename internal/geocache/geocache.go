// Package geocache loads and caches the geography GeoCache owns: zones,
// POIs, places, routes, depots, and geofences, refreshed from the CMS at a
// configurable interval. It is the leaf dependency of the whole core —
// LocationService and DemandGenerator both read a Snapshot from it.
package geocache

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/shiva/commuter-core/internal/cms"
	"github.com/shiva/commuter-core/internal/errkind"
	"github.com/shiva/commuter-core/internal/model"
)

// Snapshot is an immutable view of everything GeoCache knows at the moment
// it was built. Never mutated after construction — callers hold onto a
// *Snapshot across a whole operation without fear of it changing underneath
// them.
type Snapshot struct {
	Zones      []model.Zone
	POIs       []model.POI
	Places     []model.Place
	Routes     []model.RouteDef
	Depots     []model.Depot
	Geofences  []model.Geofence
	BuiltAt    time.Time
}

// Cache holds the current Snapshot and knows how to refresh it from the CMS.
type Cache struct {
	client  *cms.Client
	current atomic.Pointer[Snapshot]
	group   singleflight.Group
}

// New constructs an empty Cache. Call Refresh at least once before reading
// Current, or Current returns an empty Snapshot.
func New(client *cms.Client) *Cache {
	c := &Cache{client: client}
	c.current.Store(&Snapshot{})
	return c
}

// Current returns the most recently built Snapshot. Safe for concurrent use
// without any locking — it's a pointer load.
func (c *Cache) Current() *Snapshot {
	return c.current.Load()
}

// Refresh fetches all six collections concurrently via errgroup and
// atomically swaps them in as the new Snapshot. Concurrent calls to Refresh
// collapse onto a single in-flight fetch via singleflight, so a burst of
// manual refresh requests (e.g. from the admin surface) doesn't hammer the
// CMS with redundant round trips.
//
// On error the previous Snapshot is kept in place — GeoCache degrades by
// serving stale geography rather than an empty one.
func (c *Cache) Refresh(ctx context.Context) error {
	_, err, _ := c.group.Do("refresh", func() (interface{}, error) {
		snap, fetchErr := c.fetch(ctx)
		if fetchErr != nil {
			log.Printf("[geocache] refresh failed, keeping last good snapshot: %v", fetchErr)
			return nil, fetchErr
		}
		c.current.Store(snap)
		log.Printf("[geocache] refreshed: %d zones, %d pois, %d places, %d routes, %d depots, %d geofences",
			len(snap.Zones), len(snap.POIs), len(snap.Places), len(snap.Routes), len(snap.Depots), len(snap.Geofences))
		return snap, nil
	})
	return err
}

func (c *Cache) fetch(ctx context.Context) (*Snapshot, error) {
	var zones []model.Zone
	var pois []model.POI
	var places []model.Place
	var routes []model.RouteDef
	var depots []model.Depot
	var geofences []model.Geofence

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() (err error) {
		zones, err = c.client.FetchZones(gctx)
		return err
	})
	g.Go(func() (err error) {
		pois, err = c.client.FetchPOIs(gctx)
		return err
	})
	g.Go(func() (err error) {
		places, err = c.client.FetchPlaces(gctx)
		return err
	})
	g.Go(func() (err error) {
		routes, err = c.client.FetchRoutes(gctx)
		return err
	})
	g.Go(func() (err error) {
		depots, err = c.client.FetchDepots(gctx)
		return err
	})
	g.Go(func() (err error) {
		geofences, err = c.client.FetchGeofences(gctx)
		return err
	})

	if err := g.Wait(); err != nil {
		return nil, errkind.Wrap(errkind.Unavailable, "geocache.fetch", "cms fetch failed", err)
	}

	for i := range geofences {
		geofences[i].BBox = bboxOf(geofences[i])
	}
	for i := range zones {
		zones[i].BBox = bboxOfPolygon(zones[i].Polygon)
	}

	return &Snapshot{
		Zones:     zones,
		POIs:      pois,
		Places:    places,
		Routes:    routes,
		Depots:    depots,
		Geofences: geofences,
		BuiltAt:   time.Now(),
	}, nil
}

// RunPeriodicRefresh blocks, refreshing every interval until ctx is done.
// Intended to run as its own goroutine from the composition root.
func (c *Cache) RunPeriodicRefresh(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				log.Printf("[geocache] periodic refresh error: %v", err)
			}
		}
	}
}

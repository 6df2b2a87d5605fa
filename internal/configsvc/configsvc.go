// Package configsvc provides a live, section-scoped, typed view of the
// simulation's tunable parameters. Values arrive as opaque strings from
// the CMS's OperationalConfiguration collection and are parsed per
// accessor; a viper-backed overlay file covers local/dev overrides, with
// WatchConfig/OnConfigChange driving change callbacks.
package configsvc

import (
	"fmt"
	"log"
	"strconv"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ChangeCallback is invoked whenever a refresh changes the value observed
// for key.
type ChangeCallback func(section, key string, newValue string)

// Service is the strongly-typed live view of tunable parameters.
type Service struct {
	v *viper.Viper

	mu        sync.RWMutex
	values    map[string]string // "section.key" -> raw string value
	callbacks []ChangeCallback
}

// New constructs a Service with every known key's default pre-populated so
// the typed getters always have something sane to fall back to.
func New() *Service {
	v := viper.New()
	s := &Service{v: v, values: make(map[string]string)}
	s.setDefaults()
	return s
}

func (s *Service) setDefaults() {
	defaults := map[string]string{
		"conductor.proximity.pickup_radius_km":               "0.3",
		"conductor.proximity.boarding_time_window_minutes":   "2",
		"conductor.stop_duration.min_seconds":                "10",
		"conductor.stop_duration.max_seconds":                "90",
		"conductor.stop_duration.per_passenger_boarding_time": "4",
		"conductor.stop_duration.per_passenger_disembarking_time": "3",
		"conductor.operational.monitoring_interval_seconds":  "2",
		"conductor.operational.gps_precision_meters":         "5",
		"conductor.operational.driver_response_timeout_seconds": "15",
		"driver.waypoints.proximity_threshold_km":            "0.2",
		"driver.waypoints.broadcast_interval_seconds":        "3",
		"passenger_spawning.rates.average_passengers_per_hour": "40",
		"passenger_spawning.geographic.spawn_radius_meters":  "500",
		"reservoir.max_wait_time_minutes":                    "20",
		"reservoir.expiration_check_interval_seconds":        "10",
		"reservoir.grid_cell_size_degrees":                   "0.01",
		"reservoir.default_search_radius_km":                 "0.3",
		"reservoir.max_commuters_per_query":                  "10",
		"reservoir.default_pickup_distance_meters":           "300",
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range defaults {
		s.values[k] = v
	}
}

// LoadFromCMS overwrites current values with entries fetched from the CMS's
// OperationalConfiguration collection, invoking change callbacks for every
// key whose value actually changed.
func (s *Service) LoadFromCMS(entries []CMSConfigEntry) {
	s.mu.Lock()
	var changed []changedEntry
	for _, e := range entries {
		fullKey := e.Section + "." + e.Key
		if s.values[fullKey] != e.Value {
			changed = append(changed, changedEntry{section: e.Section, key: e.Key, value: e.Value})
		}
		s.values[fullKey] = e.Value
	}
	callbacks := append([]ChangeCallback{}, s.callbacks...)
	s.mu.Unlock()

	for _, c := range changed {
		for _, cb := range callbacks {
			cb(c.section, c.key, c.value)
		}
	}
}

type changedEntry struct {
	section, key, value string
}

// CMSConfigEntry mirrors cms.ConfigEntry without creating an import-cycle
// dependency on the cms package's DTO shape.
type CMSConfigEntry struct {
	Section string
	Key     string
	Value   string
}

// WatchOverlayFile points the service at a local YAML/JSON/env overlay file
// (for dev/test overrides of CMS-sourced values) and starts watching it for
// changes via viper's fsnotify-backed WatchConfig. Every reload merges the
// overlay's keys into the live value map and fires change callbacks for
// anything that changed.
func (s *Service) WatchOverlayFile(path string) error {
	s.v.SetConfigFile(path)
	if err := s.v.ReadInConfig(); err != nil {
		return err
	}
	s.applyOverlay()

	s.v.OnConfigChange(func(e fsnotify.Event) {
		log.Printf("[config] overlay file changed: %s", e.Name)
		s.applyOverlay()
	})
	s.v.WatchConfig()
	return nil
}

func (s *Service) applyOverlay() {
	settings := s.v.AllSettings()
	s.mu.Lock()
	var changed []changedEntry
	for fullKey, raw := range flatten(settings) {
		if s.values[fullKey] != raw {
			section, key := splitKey(fullKey)
			changed = append(changed, changedEntry{section: section, key: key, value: raw})
		}
		s.values[fullKey] = raw
	}
	callbacks := append([]ChangeCallback{}, s.callbacks...)
	s.mu.Unlock()

	for _, c := range changed {
		for _, cb := range callbacks {
			cb(c.section, c.key, c.value)
		}
		log.Printf("[config] overlay changed %s.%s", c.section, c.key)
	}
}

func splitKey(fullKey string) (section, key string) {
	for i := len(fullKey) - 1; i >= 0; i-- {
		if fullKey[i] == '.' {
			return fullKey[:i], fullKey[i+1:]
		}
	}
	return "", fullKey
}

func flatten(m map[string]interface{}) map[string]string {
	out := make(map[string]string)
	flattenInto(m, "", out)
	return out
}

func flattenInto(m map[string]interface{}, prefix string, out map[string]string) {
	for k, v := range m {
		fullKey := k
		if prefix != "" {
			fullKey = prefix + "." + k
		}
		switch vv := v.(type) {
		case map[string]interface{}:
			flattenInto(vv, fullKey, out)
		default:
			out[fullKey] = toString(vv)
		}
	}
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// OnChange registers a callback invoked on every future LoadFromCMS that
// changes at least one value.
func (s *Service) OnChange(cb ChangeCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, cb)
}

// GetString returns the raw string value for "section.key", or def if
// absent.
func (s *Service) GetString(section, key string, def string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.values[section+"."+key]; ok {
		return v
	}
	return def
}

// GetFloat parses the value for "section.key" as a float64, falling back to
// def on a missing key, and to def with a logged warning on a parse failure.
func (s *Service) GetFloat(section, key string, def float64) float64 {
	raw, ok := s.raw(section, key)
	if !ok {
		return def
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("[config] %s.%s = %q is not a valid float, using default %v", section, key, raw, def)
		return def
	}
	return parsed
}

// GetInt parses the value for "section.key" as an int, falling back to def
// on a missing key or parse failure.
func (s *Service) GetInt(section, key string, def int) int {
	raw, ok := s.raw(section, key)
	if !ok {
		return def
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("[config] %s.%s = %q is not a valid int, using default %v", section, key, raw, def)
		return def
	}
	return parsed
}

func (s *Service) raw(section, key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[section+"."+key]
	return v, ok
}

// GetSection returns every "key": "value" pair whose full key starts with
// prefix + ".".
func (s *Service) GetSection(prefix string) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string)
	full := prefix + "."
	for k, v := range s.values {
		if len(k) > len(full) && k[:len(full)] == full {
			out[k[len(full):]] = v
		}
	}
	return out
}

// Snapshot returns every configured key/value, for the admin diagnostics
// surface.
func (s *Service) Snapshot() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

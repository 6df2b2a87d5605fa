package configsvc

import "testing"

func TestGetStringFallsBackToDefault(t *testing.T) {
	s := New()
	got := s.GetString("nonexistent", "key", "fallback")
	if got != "fallback" {
		t.Errorf("GetString() = %q, want %q", got, "fallback")
	}
}

func TestGetFloatFallsBackOnParseFailure(t *testing.T) {
	s := New()
	s.LoadFromCMS([]CMSConfigEntry{{Section: "conductor.proximity", Key: "pickup_radius_km", Value: "not-a-number"}})

	got := s.GetFloat("conductor.proximity", "pickup_radius_km", 0.5)
	if got != 0.5 {
		t.Errorf("GetFloat() = %v, want default 0.5 on parse failure", got)
	}
}

func TestGetFloatParsesDefaultSeedValue(t *testing.T) {
	s := New()
	got := s.GetFloat("conductor.proximity", "pickup_radius_km", -1)
	if got != 0.3 {
		t.Errorf("GetFloat(default seed) = %v, want 0.3", got)
	}
}

func TestGetSectionReturnsOnlyMatchingPrefix(t *testing.T) {
	s := New()
	section := s.GetSection("reservoir")
	if _, ok := section["grid_cell_size_degrees"]; !ok {
		t.Errorf("expected reservoir section to contain grid_cell_size_degrees, got %v", section)
	}
	if _, ok := section["pickup_radius_km"]; ok {
		t.Errorf("expected reservoir section not to leak conductor keys")
	}
}

func TestOnChangeFiresForChangedValuesOnly(t *testing.T) {
	s := New()
	var fired []string
	s.OnChange(func(section, key, newValue string) {
		fired = append(fired, section+"."+key)
	})

	s.LoadFromCMS([]CMSConfigEntry{
		{Section: "conductor.proximity", Key: "pickup_radius_km", Value: "0.3"}, // unchanged from default
		{Section: "conductor.proximity", Key: "boarding_time_window_minutes", Value: "5"}, // changed from 2
	})

	if len(fired) != 1 || fired[0] != "conductor.proximity.boarding_time_window_minutes" {
		t.Errorf("expected callback to fire only for the changed key, got %v", fired)
	}
}

package vehicletracker

import (
	"testing"

	"github.com/shiva/commuter-core/internal/messagehub"
	"github.com/shiva/commuter-core/internal/model"
)

func TestRegisterThenPositionUpdateMergesIntoSameRecord(t *testing.T) {
	hub := messagehub.New("test", nil)
	tr := New(hub)

	hub.Publish(messagehub.NamespaceVehicle, messagehub.Message{
		Type: "vehicle:registered",
		Data: map[string]interface{}{"vehicle_id": "V1", "route_id": "R1", "direction": "OUTBOUND", "capacity": float64(40)},
	})
	hub.Publish(messagehub.NamespaceVehicle, messagehub.Message{
		Type: "vehicle:position",
		Data: map[string]interface{}{"vehicle_id": "V1", "lat": 1.5, "lon": 2.5},
	})

	v, ok := tr.Get("V1")
	if !ok {
		t.Fatal("expected V1 to be tracked")
	}
	if v.Capacity != 40 || v.RouteID != "R1" {
		t.Errorf("expected registration fields to persist across a later position update, got %+v", v)
	}
	if v.CurrentPosition.Lat != 1.5 || v.CurrentPosition.Lon != 2.5 {
		t.Errorf("expected position update applied, got %+v", v.CurrentPosition)
	}
}

func TestEngineEventsUpdateState(t *testing.T) {
	hub := messagehub.New("test", nil)
	tr := New(hub)
	tr.Register(model.Vehicle{ID: "V1"})

	hub.Publish(messagehub.NamespaceVehicle, messagehub.Message{
		Type: "driver:engine:off",
		Data: map[string]interface{}{"vehicle_id": "V1"},
	})

	v, _ := tr.Get("V1")
	if v.EngineState != model.EngineOff {
		t.Errorf("expected EngineOff after driver:engine:off, got %s", v.EngineState)
	}
}

func TestGetUnknownVehicleReturnsFalse(t *testing.T) {
	tr := New(messagehub.New("test", nil))
	if _, ok := tr.Get("missing"); ok {
		t.Error("expected Get on unknown vehicle to return ok=false")
	}
}

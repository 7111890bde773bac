package metricstore

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/atriumbms/atrium/internal/scalar"
	"github.com/atriumbms/atrium/internal/types"
)

func TestWriteCommandsLandsInBothTables(t *testing.T) {
	store, srv := newTestStore(t)

	results := store.WriteCommands(context.Background(), "ahu-1", "bldg-a", types.TypeAirHandler, []Command{
		{CommandType: "temperatureSetpoint", Value: scalar.Num(72)},
		{CommandType: "fanEnabled", Value: scalar.Bool(true)},
	}, WriteOptions{})

	for _, r := range results {
		if r.Err != nil {
			t.Fatalf("field %s: unexpected error %v", r.Field, r.Err)
		}
	}

	for _, measurement := range []string{MeasurementCommands, MeasurementLocations} {
		points := srv.Points(measurement)
		if len(points) != 2 {
			t.Fatalf("%s has %d points, want 2", measurement, len(points))
		}
		for _, p := range points {
			if p.Tags["equipment_id"] != "ahu-1" || p.Tags["location_id"] != "bldg-a" {
				t.Errorf("%s point tags = %v, want ahu-1/bldg-a", measurement, p.Tags)
			}
			if p.Tags["source"] != "scheduler" || p.Tags["status"] != "applied" {
				t.Errorf("%s point defaults = source %q status %q, want scheduler/applied",
					measurement, p.Tags["source"], p.Tags["status"])
			}
		}
	}
}

func TestWriteCommandsBoolConventions(t *testing.T) {
	tests := []struct {
		name          string
		equipmentType types.EquipmentType
		commandType   string
		value         scalar.Scalar
		want          interface{}
	}{
		{"air handler fan flag writes float", types.TypeAirHandler, "fanEnabled", scalar.Bool(true), 1.0},
		{"air handler unit enable writes string", types.TypeAirHandler, "unitEnable", scalar.Bool(true), "true"},
		{"air handler unit disable writes string", types.TypeAirHandler, "unitEnable", scalar.Bool(false), "false"},
		{"pump enable writes float", types.TypePump, "pumpEnable", scalar.Bool(true), 1.0},
		{"boiler lead flag writes string", types.TypeBoiler, "isLead", scalar.Bool(false), "false"},
		{"numeric setpoint stays numeric", types.TypeBoiler, "temperatureSetpoint", scalar.Num(180), 180.0},
		{"boolean text follows convention", types.TypePump, "pumpEnable", scalar.Text("on"), 1.0},
		{"numeric text coerces to float", types.TypeAirHandler, "fanSpeed", scalar.Text("66.5"), 66.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, srv := newTestStore(t)

			results := store.WriteCommands(context.Background(), "eq-1", "bldg-a", tt.equipmentType,
				[]Command{{CommandType: tt.commandType, Value: tt.value}}, WriteOptions{})
			if results[0].Err != nil {
				t.Fatalf("WriteCommands() error = %v", results[0].Err)
			}

			points := srv.Points(MeasurementCommands)
			if len(points) != 1 {
				t.Fatalf("got %d command points, want 1", len(points))
			}
			if got := points[0].Fields["value"]; got != tt.want {
				t.Errorf("value = %v (%T), want %v (%T)", got, got, tt.want, tt.want)
			}
		})
	}
}

func TestWriteCommandsMalformedFieldIsolated(t *testing.T) {
	store, srv := newTestStore(t)

	results := store.WriteCommands(context.Background(), "ahu-1", "bldg-a", types.TypeAirHandler, []Command{
		{CommandType: "blob", Value: scalar.JSON(json.RawMessage(`{"nested":true}`))},
		{CommandType: "temperatureSetpoint", Value: scalar.Num(71)},
	}, WriteOptions{})

	byField := map[string]error{}
	for _, r := range results {
		byField[r.Field] = r.Err
	}
	if byField["blob"] == nil {
		t.Errorf("blob error = nil, want unsupported value kind")
	}
	if byField["temperatureSetpoint"] != nil {
		t.Errorf("temperatureSetpoint error = %v, want nil", byField["temperatureSetpoint"])
	}

	if points := srv.Points(MeasurementCommands); len(points) != 1 {
		t.Errorf("got %d command points, want 1 (malformed field skipped)", len(points))
	}
}

func TestWriteCommandsRetriesTransientFailure(t *testing.T) {
	store, srv := newTestStore(t)
	srv.FailNextWrites(1)

	results := store.WriteCommands(context.Background(), "ahu-1", "bldg-a", types.TypeAirHandler,
		[]Command{{CommandType: "temperatureSetpoint", Value: scalar.Num(70)}}, WriteOptions{})
	if results[0].Err != nil {
		t.Fatalf("WriteCommands() error = %v, want retry to absorb one failure", results[0].Err)
	}

	if points := srv.Points(MeasurementCommands); len(points) != 1 {
		t.Errorf("got %d command points, want 1", len(points))
	}
}

func TestWriteCommandsExhaustedRetriesReportEveryField(t *testing.T) {
	store, srv := newTestStore(t)
	srv.FailNextWrites(10)

	results := store.WriteCommands(context.Background(), "ahu-1", "bldg-a", types.TypeAirHandler, []Command{
		{CommandType: "temperatureSetpoint", Value: scalar.Num(70)},
		{CommandType: "fanSpeed", Value: scalar.Num(40)},
	}, WriteOptions{})

	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	for _, r := range results {
		if r.Err == nil {
			t.Errorf("field %s: error = nil, want write failure", r.Field)
		}
	}
}

func TestWriteCommandsTagsOperatorSource(t *testing.T) {
	store, srv := newTestStore(t)

	store.WriteCommands(context.Background(), "ahu-1", "bldg-a", types.TypeAirHandler,
		[]Command{{CommandType: "unitEnable", Value: scalar.Bool(false)}},
		WriteOptions{Source: "ui", Status: "safety"})

	points := srv.Points(MeasurementCommands)
	if len(points) != 1 {
		t.Fatalf("got %d command points, want 1", len(points))
	}
	if points[0].Tags["source"] != "ui" || points[0].Tags["status"] != "safety" {
		t.Errorf("tags = source %q status %q, want ui/safety", points[0].Tags["source"], points[0].Tags["status"])
	}
}

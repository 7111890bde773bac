package control

import (
	"testing"
	"time"

	"github.com/atriumbms/atrium/internal/scalar"
	"github.com/atriumbms/atrium/internal/types"
)

func ahEquipment() types.Equipment {
	return types.Equipment{EquipmentID: "AH1", LocationID: "L1", Type: types.TypeAirHandler}
}

func enabledSettings() *types.EquipmentSettings {
	return &types.EquipmentSettings{Enabled: true}
}

func occupiedClock() time.Time {
	return time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
}

func unoccupiedClock() time.Time {
	return time.Date(2026, 3, 10, 22, 0, 0, 0, time.UTC)
}

func wantNum(t *testing.T, outputs map[string]scalar.Scalar, field string, want float64) {
	t.Helper()
	v, ok := outputs[field]
	if !ok {
		t.Fatalf("output %s missing", field)
	}
	got, ok := v.Float()
	if !ok {
		t.Fatalf("output %s = %v, not numeric", field, v)
	}
	if got != want {
		t.Errorf("output %s = %v, want %v", field, got, want)
	}
}

func wantFlag(t *testing.T, outputs map[string]scalar.Scalar, field string, want bool) {
	t.Helper()
	v, ok := outputs[field]
	if !ok {
		t.Fatalf("output %s missing", field)
	}
	got, ok := v.Boolean()
	if !ok {
		t.Fatalf("output %s = %v, not boolean", field, v)
	}
	if got != want {
		t.Errorf("output %s = %v, want %v", field, got, want)
	}
}

func TestAirHandlerFreezestat(t *testing.T) {
	tests := []struct {
		name    string
		metrics scalar.Map
	}{
		{"supply below limit", scalar.Map{"supplyTemp": scalar.Num(39.9), "roomTemp": scalar.Num(70)}},
		{"mixed air below limit", scalar.Map{"supplyTemp": scalar.Num(55), "mixedAirTemp": scalar.Num(38)}},
		{"both below limit", scalar.Map{"SupplyTemp": scalar.Num(39), "MixedAir": scalar.Num(38)}},
	}

	algo := NewAirHandler()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := algo.Evaluate(Inputs{
				Equipment: ahEquipment(),
				Metrics:   tt.metrics,
				Settings:  enabledSettings(),
				Now:       occupiedClock(),
			})
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}
			if !res.Safety {
				t.Error("Safety = false, want freezestat trip")
			}
			wantFlag(t, res.Outputs, "fanEnabled", false)
			wantNum(t, res.Outputs, "heatingValvePosition", 100)
			wantNum(t, res.Outputs, "coolingValvePosition", 0)
			wantNum(t, res.Outputs, "outdoorDamperPosition", 0)
		})
	}
}

func TestAirHandlerOccupiedHeatingAndCooling(t *testing.T) {
	algo := NewAirHandler()

	t.Run("cold room opens heating valve", func(t *testing.T) {
		res, err := algo.Evaluate(Inputs{
			Equipment: ahEquipment(),
			Metrics: scalar.Map{
				"supplyTemp":  scalar.Num(58),
				"roomTemp":    scalar.Num(65),
				"outdoorTemp": scalar.Num(30),
			},
			Settings: enabledSettings(),
			Now:      occupiedClock(),
		})
		if err != nil {
			t.Fatalf("Evaluate() error = %v", err)
		}
		wantFlag(t, res.Outputs, "fanEnabled", true)
		wantFlag(t, res.Outputs, "isOccupied", true)
		heat, _ := res.Outputs["heatingValvePosition"].Float()
		if heat <= 0 {
			t.Errorf("heatingValvePosition = %v, want > 0 for a 7F-cold room", heat)
		}
		wantNum(t, res.Outputs, "coolingValvePosition", 0)
	})

	t.Run("hot room opens cooling valve", func(t *testing.T) {
		res, err := algo.Evaluate(Inputs{
			Equipment: ahEquipment(),
			Metrics: scalar.Map{
				"supplyTemp":  scalar.Num(60),
				"roomTemp":    scalar.Num(78),
				"outdoorTemp": scalar.Num(85),
			},
			Settings: enabledSettings(),
			Now:      occupiedClock(),
		})
		if err != nil {
			t.Fatalf("Evaluate() error = %v", err)
		}
		cool, _ := res.Outputs["coolingValvePosition"].Float()
		if cool <= 0 {
			t.Errorf("coolingValvePosition = %v, want > 0 for a 6F-hot room", cool)
		}
		wantNum(t, res.Outputs, "heatingValvePosition", 0)
	})

	t.Run("room inside deadband coasts", func(t *testing.T) {
		res, err := algo.Evaluate(Inputs{
			Equipment: ahEquipment(),
			Metrics: scalar.Map{
				"supplyTemp": scalar.Num(60),
				"roomTemp":   scalar.Num(72.5),
			},
			Settings: enabledSettings(),
			Now:      occupiedClock(),
		})
		if err != nil {
			t.Fatalf("Evaluate() error = %v", err)
		}
		wantNum(t, res.Outputs, "heatingValvePosition", 0)
		wantNum(t, res.Outputs, "coolingValvePosition", 0)
	})
}

func TestOARSetpoint(t *testing.T) {
	tests := []struct {
		outdoor float64
		want    float64
	}{
		{32, 74},
		{72, 50},
		{52, 62}, // midpoint
		{20, 74}, // clamped low end
		{80, 50}, // clamped high end
	}

	for _, tt := range tests {
		if got := OARSetpoint(tt.outdoor); got != tt.want {
			t.Errorf("OARSetpoint(%v) = %v, want %v", tt.outdoor, got, tt.want)
		}
	}
}

func TestAirHandlerSettingsOverrideSetpoints(t *testing.T) {
	supplySP := 58.0
	roomSP := 68.0
	res, err := NewAirHandler().Evaluate(Inputs{
		Equipment: ahEquipment(),
		Metrics: scalar.Map{
			"supplyTemp":  scalar.Num(60),
			"roomTemp":    scalar.Num(68),
			"outdoorTemp": scalar.Num(31),
		},
		Settings: &types.EquipmentSettings{
			Enabled:             true,
			SupplyTempSetpoint:  &supplySP,
			TemperatureSetpoint: &roomSP,
		},
		Now: occupiedClock(),
	})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	// OAR would say 74 at 31F outdoors; the operator override wins.
	wantNum(t, res.Outputs, "supplyAirTempSetpoint", 58)
	wantNum(t, res.Outputs, "temperatureSetpoint", 68)
}

func TestAirHandlerUnoccupiedFanCycle(t *testing.T) {
	algo := NewAirHandler()
	start := unoccupiedClock()
	state := map[string]interface{}{}

	eval := func(at time.Time) Result {
		t.Helper()
		res, err := algo.Evaluate(Inputs{
			Equipment: ahEquipment(),
			Metrics:   scalar.Map{"supplyTemp": scalar.Num(60), "roomTemp": scalar.Num(70)},
			Settings:  enabledSettings(),
			State:     state,
			Now:       at,
		})
		if err != nil {
			t.Fatalf("Evaluate() error = %v", err)
		}
		state = res.State
		return res
	}

	// t=0: eligible, so the cycle starts now.
	res := eval(start)
	wantFlag(t, res.Outputs, "fanEnabled", true)
	wantFlag(t, res.Outputs, "isOccupied", false)
	cycle := state["unoccupiedFanCycle"].(map[string]interface{})
	if got := cycle["cycleStartTime"].(float64); got != float64(start.UnixMilli()) {
		t.Errorf("cycleStartTime = %v, want %v", got, start.UnixMilli())
	}

	// t=10min: still inside the 15-minute run.
	res = eval(start.Add(10 * time.Minute))
	wantFlag(t, res.Outputs, "fanEnabled", true)

	// t=15min: run complete, fan stops, next start due at t=60min.
	res = eval(start.Add(15 * time.Minute))
	wantFlag(t, res.Outputs, "fanEnabled", false)
	cycle = state["unoccupiedFanCycle"].(map[string]interface{})
	wantEligible := float64(start.Add(60 * time.Minute).UnixMilli())
	if got := cycle["nextCycleEligibleTime"].(float64); got != wantEligible {
		t.Errorf("nextCycleEligibleTime = %v, want %v", got, wantEligible)
	}

	// t=45min: still waiting out the hour.
	res = eval(start.Add(45 * time.Minute))
	wantFlag(t, res.Outputs, "fanEnabled", false)

	// t=60min: eligible again, a new cycle starts.
	at := start.Add(60 * time.Minute)
	res = eval(at)
	wantFlag(t, res.Outputs, "fanEnabled", true)
	cycle = state["unoccupiedFanCycle"].(map[string]interface{})
	if got := cycle["cycleStartTime"].(float64); got != float64(at.UnixMilli()) {
		t.Errorf("second cycleStartTime = %v, want %v", got, at.UnixMilli())
	}
}

func TestAirHandlerDisabledShutsDown(t *testing.T) {
	res, err := NewAirHandler().Evaluate(Inputs{
		Equipment: ahEquipment(),
		Metrics:   scalar.Map{"supplyTemp": scalar.Num(60), "roomTemp": scalar.Num(64)},
		Settings:  &types.EquipmentSettings{Enabled: false},
		Now:       occupiedClock(),
	})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	wantFlag(t, res.Outputs, "fanEnabled", false)
	wantFlag(t, res.Outputs, "unitEnable", false)
	wantNum(t, res.Outputs, "heatingValvePosition", 0)
	wantNum(t, res.Outputs, "coolingValvePosition", 0)
}

func TestAirHandlerOccupiedOverride(t *testing.T) {
	occupied := true
	res, err := NewAirHandler().Evaluate(Inputs{
		Equipment: ahEquipment(),
		Metrics:   scalar.Map{"supplyTemp": scalar.Num(60), "roomTemp": scalar.Num(72)},
		Settings:  &types.EquipmentSettings{Enabled: true, Occupied: &occupied},
		Now:       unoccupiedClock(), // 22:00, normally unoccupied
	})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	wantFlag(t, res.Outputs, "isOccupied", true)
	wantFlag(t, res.Outputs, "fanEnabled", true)
}

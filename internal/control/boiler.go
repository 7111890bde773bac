package control

import (
	"fmt"

	"github.com/atriumbms/atrium/internal/scalar"
	"github.com/atriumbms/atrium/internal/types"
)

// Boiler control: hot-water reset setpoint (operator override wins),
// on/off firing with hysteresis, lead/lag standby, and the water
// temperature/pressure safeties.
const (
	// Hot water reset: 180 F water at 32 F outdoors down to 140 F at
	// 60 F outdoors.
	boilerResetOutdoorLow  = 32.0
	boilerResetWaterAtLow  = 180.0
	boilerResetOutdoorHigh = 60.0
	boilerResetWaterAtHigh = 140.0

	boilerFiringDeadbandF = 5.0

	boilerMaxWaterTempF  = 200.0
	boilerMaxPressurePSI = 30.0
)

// Boiler is the built-in boiler algorithm.
type Boiler struct{}

// NewBoiler returns the stock boiler algorithm.
func NewBoiler() *Boiler { return &Boiler{} }

func (b *Boiler) Name() string { return "boiler-reset" }

// BoilerResetSetpoint computes the reset water setpoint for an outdoor
// temperature.
func BoilerResetSetpoint(outdoorTemp float64) float64 {
	return lerp(outdoorTemp, boilerResetOutdoorLow, boilerResetWaterAtLow,
		boilerResetOutdoorHigh, boilerResetWaterAtHigh)
}

func (b *Boiler) Evaluate(in Inputs) (Result, error) {
	settings := settingsOrDefault(in.Settings)
	state := in.State
	if state == nil {
		state = map[string]interface{}{}
	}

	water, hasWater := ReadingWaterTemp.Lookup(in.Metrics)
	pressure, hasPressure := ReadingWaterPressure.Lookup(in.Metrics)

	if hasWater && water > boilerMaxWaterTempF {
		return SafeResult(types.TypeBoiler, state, fmt.Sprintf("water temperature %.1fF", water)), nil
	}
	if hasPressure && pressure > boilerMaxPressurePSI {
		return SafeResult(types.TypeBoiler, state, fmt.Sprintf("pressure %.1fPSI", pressure)), nil
	}

	out := newResult()
	out.State = state

	setpoint := BoilerResetSetpoint(ReadingOutdoor.Value(in.Metrics, 50))
	if settings.TemperatureSetpoint != nil {
		setpoint = *settings.TemperatureSetpoint
	}

	// A lag member idles until the lead-lag manager promotes it.
	standby := in.Equipment.Role == types.RoleLag && !settings.IsLead

	if !settings.Enabled || standby {
		state["firing"] = false
		out.Outputs = map[string]scalar.Scalar{
			"unitEnable":          scalar.Bool(false),
			"firing":              scalar.Bool(false),
			"temperatureSetpoint": scalar.Num(setpoint),
			"isLead":              scalar.Bool(settings.IsLead),
		}
		if standby {
			out.Diagnostics = append(out.Diagnostics, "lag standby")
		} else {
			out.Diagnostics = append(out.Diagnostics, "unit disabled by settings")
		}
		return out, nil
	}

	if !hasWater {
		if in.TempHint != 0 {
			water = in.TempHint
		} else {
			water = setpoint
		}
	}

	// Fire below setpoint-deadband, stop above setpoint+deadband, hold
	// in between.
	firing := scalar.ParseSafeBoolean(state["firing"], false)
	switch {
	case water < setpoint-boilerFiringDeadbandF:
		firing = true
	case water > setpoint+boilerFiringDeadbandF:
		firing = false
	}
	state["firing"] = firing

	out.Outputs = map[string]scalar.Scalar{
		"unitEnable":          scalar.Bool(true),
		"firing":              scalar.Bool(firing),
		"temperatureSetpoint": scalar.Num(setpoint),
		"isLead":              scalar.Bool(settings.IsLead),
	}
	out.Diagnostics = append(out.Diagnostics,
		fmt.Sprintf("water %.1fF sp %.1fF firing %v", water, setpoint, firing))
	return out, nil
}

package control

import (
	"fmt"

	"github.com/atriumbms/atrium/internal/scalar"
	"github.com/atriumbms/atrium/internal/types"
)

// DOAS control comes in two flavors selected by equipment subtype:
//
//   - outdoor-led (default): heat/cool mode follows outdoor temperature
//     with hysteresis; the gas valve modulates proportionally to supply
//     error and DX cooling stages at fixed offsets above setpoint.
//   - "feedback": plain on/off supply-temperature control inside a
//     deadband.
//
// Both share the outdoor lockouts and the supply-temperature safeties.
const (
	doasDefaultSupplySP = 65.0

	// Mode hysteresis: heat below 60, cool at or above 60.5, hold
	// in between.
	doasHeatBelowF = 60.0
	doasCoolAboveF = 60.5

	// Gas valve: percent per degree of supply error.
	doasGasGainPctPerF = 10.0

	// DX staging offsets above the supply setpoint, with release
	// hysteresis.
	doasDxStage1OffsetF = 2.0
	doasDxStage2OffsetF = 4.0
	doasDxHysteresisF   = 0.5

	// Lockouts: no heat above, no cooling below.
	doasHeatLockoutF = 65.0
	doasCoolLockoutF = 50.0

	// Supply safeties force an emergency shutdown.
	doasHighLimitF = 85.0
	doasLowLimitF  = 45.0

	doasFeedbackDeadbandF = 2.0

	doasSubtypeFeedback = "feedback"
)

// DOAS is the built-in dedicated outdoor air system algorithm.
type DOAS struct{}

// NewDOAS returns the stock DOAS algorithm.
func NewDOAS() *DOAS { return &DOAS{} }

func (d *DOAS) Name() string { return "doas-outdoor-led" }

func (d *DOAS) Evaluate(in Inputs) (Result, error) {
	settings := settingsOrDefault(in.Settings)
	state := in.State
	if state == nil {
		state = map[string]interface{}{}
	}

	supply, hasSupply := ReadingSupply.Lookup(in.Metrics)
	if hasSupply && supply > doasHighLimitF {
		return SafeResult(types.TypeDOAS, state, fmt.Sprintf("supply high limit %.1fF", supply)), nil
	}
	if hasSupply && supply < doasLowLimitF {
		return SafeResult(types.TypeDOAS, state, fmt.Sprintf("supply low limit %.1fF", supply)), nil
	}

	out := newResult()
	out.State = state

	if !settings.Enabled {
		out.Outputs = SafeState(types.TypeDOAS)
		out.Diagnostics = append(out.Diagnostics, "unit disabled by settings")
		return out, nil
	}

	supplySP := doasDefaultSupplySP
	if settings.SupplyTempSetpoint != nil {
		supplySP = *settings.SupplyTempSetpoint
	}
	oat := ReadingOutdoor.Value(in.Metrics, 50)
	if !hasSupply {
		supply = supplySP
	}

	var heating, cooling bool
	var gas float64
	var dx1, dx2 bool

	if in.Equipment.Subtype == doasSubtypeFeedback {
		heating, cooling = d.feedbackMode(state, supply, supplySP)
		if heating {
			gas = 100
		}
		dx1 = cooling
		out.Diagnostics = append(out.Diagnostics,
			fmt.Sprintf("feedback: supply %.1fF sp %.1fF", supply, supplySP))
	} else {
		heating, cooling = d.outdoorMode(state, oat)
		if heating {
			gas = clamp((supplySP-supply)*doasGasGainPctPerF, 0, 100)
		}
		if cooling {
			dx1, dx2 = d.dxStages(state, supply, supplySP)
		} else {
			state["dxStage1"] = false
			state["dxStage2"] = false
		}
		out.Diagnostics = append(out.Diagnostics,
			fmt.Sprintf("outdoor-led: oat %.1fF supply %.1fF sp %.1fF", oat, supply, supplySP))
	}

	// Lockouts win over whatever the mode decided.
	if oat > doasHeatLockoutF && heating {
		heating = false
		gas = 0
		out.Diagnostics = append(out.Diagnostics, "heating locked out by outdoor temperature")
	}
	if oat < doasCoolLockoutF && cooling {
		cooling = false
		dx1, dx2 = false, false
		out.Diagnostics = append(out.Diagnostics, "cooling locked out by outdoor temperature")
	}

	out.Outputs = map[string]scalar.Scalar{
		"fanEnabled":            scalar.Bool(true),
		"unitEnable":            scalar.Bool(true),
		"heatingEnabled":        scalar.Bool(heating),
		"coolingEnabled":        scalar.Bool(cooling),
		"gasValvePosition":      scalar.Num(gas),
		"dxStage1":              scalar.Bool(dx1),
		"dxStage2":              scalar.Bool(dx2),
		"supplyAirTempSetpoint": scalar.Num(supplySP),
	}
	return out, nil
}

// outdoorMode picks heat/cool from OAT, holding the previous mode inside
// the hysteresis gap so a sweep across the band flips at most once per
// crossing.
func (d *DOAS) outdoorMode(state map[string]interface{}, oat float64) (heating, cooling bool) {
	mode, _ := state["mode"].(string)
	switch {
	case oat < doasHeatBelowF:
		mode = "heat"
	case oat >= doasCoolAboveF:
		mode = "cool"
	default:
		if mode != "heat" && mode != "cool" {
			mode = "heat"
		}
	}
	state["mode"] = mode
	return mode == "heat", mode == "cool"
}

// feedbackMode is plain deadband control around the supply setpoint.
func (d *DOAS) feedbackMode(state map[string]interface{}, supply, setpoint float64) (heating, cooling bool) {
	mode, _ := state["mode"].(string)
	switch {
	case supply < setpoint-doasFeedbackDeadbandF:
		mode = "heat"
	case supply > setpoint+doasFeedbackDeadbandF:
		mode = "cool"
	default:
		// Inside the deadband both sides release once the setpoint is
		// crossed back.
		if mode == "heat" && supply >= setpoint {
			mode = "off"
		}
		if mode == "cool" && supply <= setpoint {
			mode = "off"
		}
	}
	state["mode"] = mode
	return mode == "heat", mode == "cool"
}

// dxStages stages DX cooling at +2 and +4 above setpoint with release
// hysteresis, remembering each stage across invocations.
func (d *DOAS) dxStages(state map[string]interface{}, supply, setpoint float64) (bool, bool) {
	dx1 := scalar.ParseSafeBoolean(state["dxStage1"], false)
	dx2 := scalar.ParseSafeBoolean(state["dxStage2"], false)

	if dx1 {
		dx1 = supply > setpoint+doasDxStage1OffsetF-doasDxHysteresisF
	} else {
		dx1 = supply >= setpoint+doasDxStage1OffsetF
	}
	if dx2 {
		dx2 = supply > setpoint+doasDxStage2OffsetF-doasDxHysteresisF
	} else {
		dx2 = supply >= setpoint+doasDxStage2OffsetF
	}
	// Stage 2 never runs alone.
	if !dx1 {
		dx2 = false
	}

	state["dxStage1"] = dx1
	state["dxStage2"] = dx2
	return dx1, dx2
}

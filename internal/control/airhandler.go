package control

import (
	"fmt"

	"github.com/atriumbms/atrium/internal/scalar"
	"github.com/atriumbms/atrium/internal/types"
)

// Air handler control: outdoor-air-reset supply setpoint, wall-clock
// occupancy with unoccupied fan cycling, static pressure and valve PIDs,
// and a freezestat interlock that overrides everything else.
const (
	// OAR curve endpoints: 32 F outdoors wants 74 F supply, 72 F
	// outdoors wants 50 F supply.
	oarOutdoorLow   = 32.0
	oarSupplyAtLow  = 74.0
	oarOutdoorHigh  = 72.0
	oarSupplyAtHigh = 50.0

	// Occupied window, minutes past local midnight (06:30-18:30).
	occupiedStartMin = 6*60 + 30
	occupiedEndMin   = 18*60 + 30

	freezestatLimitF = 40.0
	roomDeadbandF    = 2.0
	defaultRoomSP    = 72.0

	staticOccupiedSP = 4.0 // inches WC
	staticCyclingSP  = 3.0

	fanCycleRunMs      = 15 * 60 * 1000
	fanCycleIntervalMs = 60 * 60 * 1000
)

var (
	staticPIDCfg = PIDConfig{Kp: 15, Ki: 0.4, OutMin: 20, OutMax: 100}
	heatPIDCfg   = PIDConfig{Kp: 10, Ki: 0.25, OutMin: 0, OutMax: 100}
	coolPIDCfg   = PIDConfig{Kp: 10, Ki: 0.25, OutMin: 0, OutMax: 100}
)

// AirHandler is the built-in algorithm for air handlers and RTUs.
type AirHandler struct{}

// NewAirHandler returns the stock OAR air handler algorithm.
func NewAirHandler() *AirHandler { return &AirHandler{} }

func (a *AirHandler) Name() string { return "airhandler-oar" }

// OARSetpoint computes the reset supply setpoint for an outdoor
// temperature. Exposed for the state endpoint, which reports the derived
// setpoint next to the operator settings.
func OARSetpoint(outdoorTemp float64) float64 {
	return lerp(outdoorTemp, oarOutdoorLow, oarSupplyAtLow, oarOutdoorHigh, oarSupplyAtHigh)
}

// InOccupiedWindow reports whether the local wall clock falls inside the
// occupied schedule.
func InOccupiedWindow(hour, minute int) bool {
	minutes := hour*60 + minute
	return minutes >= occupiedStartMin && minutes < occupiedEndMin
}

func (a *AirHandler) Evaluate(in Inputs) (Result, error) {
	settings := settingsOrDefault(in.Settings)
	state := in.State
	if state == nil {
		state = map[string]interface{}{}
	}

	supply, hasSupply := ReadingSupply.Lookup(in.Metrics)
	mixed, hasMixed := ReadingMixed.Lookup(in.Metrics)

	// Freezestat trips before any other consideration, including a
	// disabled unit: the coil needs heat regardless of what the
	// operator asked for.
	if (hasSupply && supply < freezestatLimitF) || (hasMixed && mixed < freezestatLimitF) {
		reading := supply
		if hasMixed && (!hasSupply || mixed < supply) {
			reading = mixed
		}
		return SafeResult(types.TypeAirHandler, state, fmt.Sprintf("freezestat at %.1fF", reading)), nil
	}

	occupied := InOccupiedWindow(in.Now.Hour(), in.Now.Minute())
	if settings.Occupied != nil {
		occupied = *settings.Occupied
	}

	out := newResult()
	out.State = state

	if !settings.Enabled {
		ResetPID(state, "staticPressurePID")
		ResetPID(state, "heatingPID")
		ResetPID(state, "coolingPID")
		out.Outputs = map[string]scalar.Scalar{
			"fanEnabled":            scalar.Bool(false),
			"fanSpeed":              scalar.Num(0),
			"fanVFDSpeed":           scalar.Num(0),
			"heatingValvePosition":  scalar.Num(0),
			"coolingValvePosition":  scalar.Num(0),
			"outdoorDamperPosition": scalar.Num(0),
			"unitEnable":            scalar.Bool(false),
			"isOccupied":            scalar.Bool(occupied),
		}
		out.Diagnostics = append(out.Diagnostics, "unit disabled by settings")
		return out, nil
	}

	oat := ReadingOutdoor.Value(in.Metrics, 50)
	supplySP := OARSetpoint(oat)
	if settings.SupplyTempSetpoint != nil {
		supplySP = *settings.SupplyTempSetpoint
	}
	roomSP := defaultRoomSP
	if settings.TemperatureSetpoint != nil {
		roomSP = *settings.TemperatureSetpoint
	}
	roomFallback := defaultRoomSP
	if in.TempHint != 0 {
		roomFallback = in.TempHint
	}
	room := ReadingRoom.Value(in.Metrics, roomFallback)
	static := ReadingStatic.Value(in.Metrics, 0)

	var fanOn bool
	var vfd, heat, cool, damper float64

	if occupied {
		fanOn = true
		vfd = RunPID(staticPIDCfg, state, "staticPressurePID", staticOccupiedSP, static, in.Now)

		roomErr := room - roomSP
		switch {
		case roomErr < -roomDeadbandF:
			heat = RunPID(heatPIDCfg, state, "heatingPID", roomSP, room, in.Now)
			ResetPID(state, "coolingPID")
		case roomErr > roomDeadbandF:
			// Cooling demand grows as the room runs hot, so the loop
			// sees room as target and setpoint as measurement.
			cool = RunPID(coolPIDCfg, state, "coolingPID", room, roomSP, in.Now)
			ResetPID(state, "heatingPID")
		default:
			ResetPID(state, "heatingPID")
			ResetPID(state, "coolingPID")
		}

		// Minimum outdoor air while occupied; open further for free
		// cooling when the outdoor air is colder than the room.
		damper = 20
		if cool > 0 && oat < room {
			damper = clamp(20+cool*0.8, 20, 100)
		}
		out.Diagnostics = append(out.Diagnostics,
			fmt.Sprintf("occupied: room %.1fF sp %.1fF supply sp %.1fF", room, roomSP, supplySP))
	} else {
		cycling := advanceFanCycle(state, in.Now.UnixMilli())
		fanOn = cycling
		if cycling {
			vfd = RunPID(staticPIDCfg, state, "staticPressurePID", staticCyclingSP, static, in.Now)
			// Temper the cycled air toward the reset setpoint with a
			// proportional-only valve; the short runtime gives an
			// integrator nothing useful to learn.
			if hasSupply {
				heat = clamp((supplySP-supply)*10, 0, 100)
			}
			out.Diagnostics = append(out.Diagnostics, "unoccupied: fan cycle running")
		} else {
			ResetPID(state, "staticPressurePID")
			out.Diagnostics = append(out.Diagnostics, "unoccupied: idle between fan cycles")
		}
		ResetPID(state, "heatingPID")
		ResetPID(state, "coolingPID")
		damper = 0
	}

	out.Outputs = map[string]scalar.Scalar{
		"fanEnabled":            scalar.Bool(fanOn),
		"fanSpeed":              scalar.Num(vfd),
		"fanVFDSpeed":           scalar.Num(vfd),
		"heatingValvePosition":  scalar.Num(heat),
		"coolingValvePosition":  scalar.Num(cool),
		"outdoorDamperPosition": scalar.Num(damper),
		"supplyAirTempSetpoint": scalar.Num(supplySP),
		"temperatureSetpoint":   scalar.Num(roomSP),
		"unitEnable":            scalar.Bool(true),
		"isOccupied":            scalar.Bool(occupied),
	}
	return out, nil
}

// advanceFanCycle steps the unoccupied 15-minutes-per-hour fan cycle and
// reports whether the fan should run right now.
func advanceFanCycle(state map[string]interface{}, nowMs int64) bool {
	cycle, _ := state["unoccupiedFanCycle"].(map[string]interface{})
	if cycle == nil {
		cycle = map[string]interface{}{}
	}

	isCycling := scalar.ParseSafeBoolean(cycle["isCycling"], false)
	start := scalar.ParseSafeNumber(cycle["cycleStartTime"], 0)
	nextEligible := scalar.ParseSafeNumber(cycle["nextCycleEligibleTime"], 0)
	now := float64(nowMs)

	if isCycling && now-start >= fanCycleRunMs {
		isCycling = false
		nextEligible = start + fanCycleIntervalMs
	}
	if !isCycling && (nextEligible == 0 || now >= nextEligible) {
		isCycling = true
		start = now
	}

	cycle["isCycling"] = isCycling
	cycle["cycleStartTime"] = start
	cycle["nextCycleEligibleTime"] = nextEligible
	state["unoccupiedFanCycle"] = cycle
	return isCycling
}

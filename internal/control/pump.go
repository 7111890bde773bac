package control

import (
	"fmt"

	"github.com/atriumbms/atrium/internal/scalar"
	"github.com/atriumbms/atrium/internal/types"
)

// Pump control: the lead member holds loop differential pressure with a
// PID on speed; a lag member joins only after the lead has run flat out
// without meeting setpoint for a sustained window. Motor current and
// vibration safeties shut the pump down.
const (
	pumpDefaultLoopSP = 12.0 // PSI differential

	pumpMaxAmps      = 20.0
	pumpMaxVibration = 10.0

	// Lag assist: lead at full speed and loop short of setpoint for
	// this long before the lag joins.
	pumpLagJoinMs = 10 * 60 * 1000

	pumpMinSpeed = 30.0
	pumpMaxSpeed = 100.0
)

var pumpSpeedPIDCfg = PIDConfig{Kp: 8, Ki: 0.5, OutMin: pumpMinSpeed, OutMax: pumpMaxSpeed}

// Pump is the built-in lead-lag pump algorithm.
type Pump struct{}

// NewPump returns the stock pump algorithm.
func NewPump() *Pump { return &Pump{} }

func (p *Pump) Name() string { return "pump-leadlag" }

func (p *Pump) Evaluate(in Inputs) (Result, error) {
	settings := settingsOrDefault(in.Settings)
	state := in.State
	if state == nil {
		state = map[string]interface{}{}
	}

	amps, hasAmps := ReadingAmps.Lookup(in.Metrics)
	vibration, hasVib := ReadingVibration.Lookup(in.Metrics)

	if hasAmps && amps > pumpMaxAmps {
		return SafeResult(types.TypePump, state, fmt.Sprintf("motor current %.1fA", amps)), nil
	}
	if hasVib && vibration > pumpMaxVibration {
		return SafeResult(types.TypePump, state, fmt.Sprintf("vibration %.1f", vibration)), nil
	}

	out := newResult()
	out.State = state

	if !settings.Enabled {
		ResetPID(state, "speedPID")
		delete(state, "lagDemandSinceMs")
		out.Outputs = pumpOutputs(false, 0, settings.IsLead)
		out.Diagnostics = append(out.Diagnostics, "unit disabled by settings")
		return out, nil
	}

	loopSP := pumpDefaultLoopSP
	if settings.StaticPressureSetpoint != nil {
		loopSP = *settings.StaticPressureSetpoint
	}
	loop := ReadingLoopPressure.Value(in.Metrics, loopSP)

	lead := settings.IsLead || in.Equipment.Role != types.RoleLag

	if lead {
		delete(state, "lagDemandSinceMs")
		speed := RunPID(pumpSpeedPIDCfg, state, "speedPID", loopSP, loop, in.Now)
		out.Outputs = pumpOutputs(true, speed, settings.IsLead)
		out.Diagnostics = append(out.Diagnostics,
			fmt.Sprintf("lead: loop %.1fPSI sp %.1fPSI speed %.0f%%", loop, loopSP, speed))
		return out, nil
	}

	// Lag: watch whether the lead alone is keeping up. The shortfall
	// clock starts when the loop runs persistently under setpoint and
	// resets the moment it recovers.
	nowMs := float64(in.Now.UnixMilli())
	shortfall := loop < loopSP-1.0
	since := scalar.ParseSafeNumber(state["lagDemandSinceMs"], 0)
	switch {
	case !shortfall:
		since = 0
	case since == 0:
		since = nowMs
	}
	state["lagDemandSinceMs"] = since

	join := since > 0 && nowMs-since >= pumpLagJoinMs
	if join {
		speed := RunPID(pumpSpeedPIDCfg, state, "speedPID", loopSP, loop, in.Now)
		out.Outputs = pumpOutputs(true, speed, settings.IsLead)
		out.Diagnostics = append(out.Diagnostics, "lag assisting: sustained shortfall")
	} else {
		ResetPID(state, "speedPID")
		out.Outputs = pumpOutputs(false, 0, settings.IsLead)
		out.Diagnostics = append(out.Diagnostics, "lag standby")
	}
	return out, nil
}

func pumpOutputs(enabled bool, speed float64, isLead bool) map[string]scalar.Scalar {
	return map[string]scalar.Scalar{
		"pumpEnable": scalar.Bool(enabled),
		"pumpSpeed":  scalar.Num(speed),
		"isLead":     scalar.Bool(isLead),
	}
}

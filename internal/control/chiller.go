package control

import (
	"fmt"

	"github.com/atriumbms/atrium/internal/scalar"
	"github.com/atriumbms/atrium/internal/types"
)

// Chiller staging: stages engage in strict order as chilled-water
// temperature climbs past per-stage thresholds above setpoint, with
// hysteresis on release and a minimum hold time per stage. The active
// set is always a prefix (stage k on implies 1..k-1 on); shedding may
// drop several stages at once when the load collapses.
const (
	chillerDefaultSP   = 45.0
	chillerHysteresisF = 0.5
	chillerStageStepF  = 1.5

	// Minimum time a stage holds its current on/off state.
	chillerMinHoldMs = 120 * 1000

	chillerMaxAmps        = 50.0
	chillerMaxRefrigerant = 200.0
	chillerMinChwTemp     = 35.0
)

// Chiller is the built-in staged chiller algorithm. The stage count comes
// from the equipment subtype (2 stages unless "4stage").
type Chiller struct{}

// NewChiller returns the stock staged chiller algorithm.
func NewChiller() *Chiller { return &Chiller{} }

func (c *Chiller) Name() string { return "chiller-staged" }

// StageThreshold returns the engage threshold for a 1-based stage:
// setpoint +1.5, +3.0, +4.5, +6.0.
func StageThreshold(setpoint float64, stage int) float64 {
	return setpoint + chillerStageStepF*float64(stage)
}

func (c *Chiller) Evaluate(in Inputs) (Result, error) {
	settings := settingsOrDefault(in.Settings)
	state := in.State
	if state == nil {
		state = map[string]interface{}{}
	}

	stages := in.Equipment.ChillerStages()
	if stages == 0 {
		stages = 2
	}

	amps, hasAmps := ReadingAmps.Lookup(in.Metrics)
	refrigerant, hasRef := ReadingRefrigerant.Lookup(in.Metrics)
	chw, hasChw := ReadingChilledWater.Lookup(in.Metrics)

	switch {
	case hasAmps && amps > chillerMaxAmps:
		return SafeResult(types.TypeChiller, state, fmt.Sprintf("compressor current %.1fA", amps)), nil
	case hasRef && refrigerant > chillerMaxRefrigerant:
		return SafeResult(types.TypeChiller, state, fmt.Sprintf("refrigerant pressure %.0fPSI", refrigerant)), nil
	case hasChw && chw < chillerMinChwTemp:
		return SafeResult(types.TypeChiller, state, fmt.Sprintf("chilled water %.1fF", chw)), nil
	}

	setpoint := chillerDefaultSP
	if settings.TemperatureSetpoint != nil {
		setpoint = *settings.TemperatureSetpoint
	}

	out := newResult()
	out.State = state
	ladder := loadStageLadder(state, stages)

	if !settings.Enabled {
		ladder.shedAll(in.Now.UnixMilli())
		ladder.store(state)
		out.Outputs = stageOutputs(ladder, setpoint, false, settings.IsLead)
		out.Diagnostics = append(out.Diagnostics, "unit disabled by settings")
		return out, nil
	}
	if !hasChw {
		chw = setpoint
	}

	// Demand is the longest prefix of engaged stages. A stage that is on
	// holds until chw drops half a degree under its engage threshold; a
	// stage that is off engages at the threshold.
	demand := 0
	for i := 1; i <= stages; i++ {
		threshold := StageThreshold(setpoint, i)
		var engaged bool
		if i <= ladder.active {
			engaged = chw > threshold-chillerHysteresisF
		} else {
			engaged = chw >= threshold
		}
		if !engaged {
			break
		}
		demand = i
	}

	ladder.stepTo(demand, in.Now.UnixMilli())
	ladder.store(state)

	out.Outputs = stageOutputs(ladder, setpoint, true, settings.IsLead)
	out.Diagnostics = append(out.Diagnostics,
		fmt.Sprintf("chw %.1fF sp %.1fF stages %d/%d", chw, setpoint, ladder.active, stages))
	return out, nil
}

// stageLadder is the decoded per-stage scratchpad. active is the prefix
// length of stages currently on.
type stageLadder struct {
	active     int
	lastChange []float64
}

func loadStageLadder(state map[string]interface{}, stages int) *stageLadder {
	ladder := &stageLadder{lastChange: make([]float64, stages)}
	raw, _ := state["stages"].([]interface{})
	for i := 0; i < stages; i++ {
		if i >= len(raw) {
			break
		}
		entry, _ := raw[i].(map[string]interface{})
		if entry == nil {
			break
		}
		ladder.lastChange[i] = scalar.ParseSafeNumber(entry["lastChange"], 0)
		if scalar.ParseSafeBoolean(entry["on"], false) && ladder.active == i {
			ladder.active = i + 1
		}
	}
	return ladder
}

func (l *stageLadder) store(state map[string]interface{}) {
	raw := make([]interface{}, len(l.lastChange))
	for i := range l.lastChange {
		raw[i] = map[string]interface{}{
			"on":         i < l.active,
			"lastChange": l.lastChange[i],
		}
	}
	state["stages"] = raw
}

func (l *stageLadder) held(i int, nowMs int64) bool {
	last := l.lastChange[i]
	return last > 0 && float64(nowMs)-last < chillerMinHoldMs
}

// stepTo moves the active prefix toward demand. Adding walks up one
// stage at a time in order; a stage still inside its hold time stops the
// walk. Shedding walks down from the top; a held stage stops the shed so
// the prefix shape is preserved.
func (l *stageLadder) stepTo(demand int, nowMs int64) {
	for l.active < demand {
		next := l.active // 0-based index of the stage to add
		if l.held(next, nowMs) {
			break
		}
		l.lastChange[next] = float64(nowMs)
		l.active++
	}
	for l.active > demand {
		top := l.active - 1
		if l.held(top, nowMs) {
			break
		}
		l.lastChange[top] = float64(nowMs)
		l.active--
	}
}

// shedAll drops every stage immediately, ignoring hold times.
func (l *stageLadder) shedAll(nowMs int64) {
	for i := 0; i < l.active; i++ {
		l.lastChange[i] = float64(nowMs)
	}
	l.active = 0
}

func stageOutputs(l *stageLadder, setpoint float64, enabled bool, isLead bool) map[string]scalar.Scalar {
	outputs := map[string]scalar.Scalar{
		"unitEnable":          scalar.Bool(enabled),
		"temperatureSetpoint": scalar.Num(setpoint),
		"activeStages":        scalar.Num(float64(l.active)),
		"isLead":              scalar.Bool(isLead),
	}
	for i := 0; i < 4; i++ {
		on := i < len(l.lastChange) && i < l.active
		outputs[fmt.Sprintf("compressorStage%d", i+1)] = scalar.Bool(on)
	}
	return outputs
}

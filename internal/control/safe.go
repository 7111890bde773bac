package control

import (
	"github.com/atriumbms/atrium/internal/scalar"
	"github.com/atriumbms/atrium/internal/types"
)

// SafeState returns the conservative output set for one equipment type:
// fans off, valves at their failsafe position, enables false. Workers
// publish it when an algorithm faults, and algorithms reuse it for their
// own protective shutdowns. Heating valves fail open: a frozen coil is
// the expensive failure, an overheated duct is not.
func SafeState(equipmentType types.EquipmentType) map[string]scalar.Scalar {
	switch equipmentType {
	case types.TypeAirHandler, types.TypeRTU:
		return map[string]scalar.Scalar{
			"fanEnabled":            scalar.Bool(false),
			"fanVFDSpeed":           scalar.Num(0),
			"heatingValvePosition":  scalar.Num(100),
			"coolingValvePosition":  scalar.Num(0),
			"outdoorDamperPosition": scalar.Num(0),
			"unitEnable":            scalar.Bool(false),
		}
	case types.TypeFanCoil:
		// No damper or VFD on a fan coil.
		return map[string]scalar.Scalar{
			"fanEnabled":           scalar.Bool(false),
			"fanSpeed":             scalar.Num(0),
			"heatingValvePosition": scalar.Num(100),
			"coolingValvePosition": scalar.Num(0),
			"unitEnable":           scalar.Bool(false),
		}
	case types.TypeBoiler:
		return map[string]scalar.Scalar{
			"firing":     scalar.Bool(false),
			"unitEnable": scalar.Bool(false),
		}
	case types.TypeChiller:
		return map[string]scalar.Scalar{
			"compressorStage1": scalar.Bool(false),
			"compressorStage2": scalar.Bool(false),
			"compressorStage3": scalar.Bool(false),
			"compressorStage4": scalar.Bool(false),
			"activeStages":     scalar.Num(0),
			"unitEnable":       scalar.Bool(false),
		}
	case types.TypePump:
		return map[string]scalar.Scalar{
			"pumpEnable": scalar.Bool(false),
			"pumpSpeed":  scalar.Num(0),
		}
	case types.TypeDOAS:
		return map[string]scalar.Scalar{
			"fanEnabled":       scalar.Bool(false),
			"gasValvePosition": scalar.Num(0),
			"heatingEnabled":   scalar.Bool(false),
			"coolingEnabled":   scalar.Bool(false),
			"dxStage1":         scalar.Bool(false),
			"dxStage2":         scalar.Bool(false),
			"unitEnable":       scalar.Bool(false),
		}
	default:
		return map[string]scalar.Scalar{
			"unitEnable": scalar.Bool(false),
		}
	}
}

// SafeResult wraps SafeState into a full evaluation result, preserving
// the scratchpad so a safety trip does not wipe PID history.
func SafeResult(equipmentType types.EquipmentType, state map[string]interface{}, reason string) Result {
	if state == nil {
		state = map[string]interface{}{}
	}
	return Result{
		Outputs:      SafeState(equipmentType),
		State:        state,
		Safety:       true,
		SafetyReason: reason,
		Diagnostics:  []string{"safety: " + reason},
	}
}

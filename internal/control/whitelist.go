package control

import (
	"github.com/atriumbms/atrium/internal/scalar"
	"github.com/atriumbms/atrium/internal/types"
)

// Command whitelists per equipment type. Workers drop any algorithm
// output not listed here before publishing; a typo'd or experimental
// field can never reach a field controller.
var whitelists = map[types.EquipmentType][]string{
	types.TypeAirHandler: {
		"heatingValvePosition", "coolingValvePosition", "fanEnabled", "fanSpeed",
		"fanVFDSpeed", "outdoorDamperPosition", "supplyAirTempSetpoint",
		"temperatureSetpoint", "unitEnable", "isOccupied",
	},
	types.TypeBoiler: {
		"unitEnable", "firing", "temperatureSetpoint", "isLead",
	},
	types.TypePump: {
		"pumpEnable", "pumpSpeed", "isLead",
	},
	types.TypeChiller: {
		"unitEnable", "temperatureSetpoint", "isLead", "activeStages",
		"compressorStage1", "compressorStage2", "compressorStage3", "compressorStage4",
	},
	types.TypeDOAS: {
		"unitEnable", "fanEnabled", "gasValvePosition", "heatingEnabled",
		"coolingEnabled", "dxStage1", "dxStage2", "supplyAirTempSetpoint",
	},
	types.TypeRTU: {
		"heatingValvePosition", "coolingValvePosition", "fanEnabled", "fanSpeed",
		"fanVFDSpeed", "outdoorDamperPosition", "supplyAirTempSetpoint",
		"temperatureSetpoint", "unitEnable", "isOccupied",
	},
	types.TypeFanCoil: {
		"heatingValvePosition", "coolingValvePosition", "fanEnabled", "fanSpeed",
		"temperatureSetpoint", "unitEnable", "isOccupied",
	},
	types.TypeCoolingTower: {
		"fanEnabled", "fanSpeed", "unitEnable", "temperatureSetpoint",
	},
}

// Whitelist returns the allowed command fields for a type. Unknown types
// get the conservative minimum.
func Whitelist(equipmentType types.EquipmentType) map[string]struct{} {
	fields, ok := whitelists[equipmentType]
	if !ok {
		fields = []string{"unitEnable", "temperatureSetpoint"}
	}
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

// FilterOutputs clamps outputs to the type whitelist. The second return
// lists the dropped field names for diagnostics.
func FilterOutputs(equipmentType types.EquipmentType, outputs map[string]scalar.Scalar) (map[string]scalar.Scalar, []string) {
	allowed := Whitelist(equipmentType)
	kept := make(map[string]scalar.Scalar, len(outputs))
	var dropped []string
	for field, value := range outputs {
		if _, ok := allowed[field]; ok {
			kept[field] = value
		} else {
			dropped = append(dropped, field)
		}
	}
	return kept, dropped
}

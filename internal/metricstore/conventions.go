package metricstore

import "github.com/atriumbms/atrium/internal/types"

// BoolConvention selects how a boolean command value is written for a
// given field. Downstream schemas are inconsistent on purpose: some
// controllers expect 1.0/0.0, others the strings "true"/"false". The
// mapping is fixed per field and never mixed across writes.
type BoolConvention int

const (
	// BoolAsFloat writes true as 1.0 and false as 0.0.
	BoolAsFloat BoolConvention = iota
	// BoolAsString writes the quoted strings "true"/"false".
	BoolAsString
)

var boolConventions = map[types.EquipmentType]map[string]BoolConvention{
	types.TypeAirHandler: {
		"fanEnabled": BoolAsFloat,
		"unitEnable": BoolAsString,
		"isOccupied": BoolAsString,
	},
	types.TypeBoiler: {
		"unitEnable": BoolAsString,
		"firing":     BoolAsFloat,
		"isLead":     BoolAsString,
	},
	types.TypeChiller: {
		"unitEnable": BoolAsString,
		"isLead":     BoolAsString,
	},
	types.TypePump: {
		"pumpEnable": BoolAsFloat,
		"isLead":     BoolAsString,
	},
	types.TypeDOAS: {
		"unitEnable":     BoolAsString,
		"heatingEnabled": BoolAsFloat,
		"coolingEnabled": BoolAsFloat,
	},
	types.TypeFanCoil: {
		"fanEnabled": BoolAsFloat,
		"unitEnable": BoolAsString,
	},
	types.TypeRTU: {
		"fanEnabled": BoolAsFloat,
		"unitEnable": BoolAsString,
		"isOccupied": BoolAsString,
	},
	types.TypeCoolingTower: {
		"fanEnabled": BoolAsFloat,
		"unitEnable": BoolAsString,
	},
}

// conventionFor returns the boolean write convention for a field.
// Unlisted fields default to 1.0/0.0.
func conventionFor(equipmentType types.EquipmentType, field string) BoolConvention {
	if fields, ok := boolConventions[equipmentType]; ok {
		if conv, ok := fields[field]; ok {
			return conv
		}
	}
	return BoolAsFloat
}

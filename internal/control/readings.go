package control

import "github.com/atriumbms/atrium/internal/scalar"

// Field controllers from different vendors report the same physical
// reading under different keys. Each Reading lists its aliases in
// preference order; the first present field wins. The gate and the
// algorithms resolve readings through the same tables so they agree on
// what they saw.
type Reading struct {
	Name    string
	Aliases []string
}

var (
	ReadingOutdoor = Reading{"outdoor temperature", []string{"outdoorTemp", "OutdoorTemp", "oat", "outdoor"}}
	ReadingSupply  = Reading{"supply temperature", []string{"supplyTemp", "SupplyTemp", "dischargeTemp", "supply"}}
	ReadingMixed   = Reading{"mixed air temperature", []string{"mixedAirTemp", "MixedAir", "mixedAir"}}
	ReadingRoom    = Reading{"room temperature", []string{"roomTemp", "RoomTemp", "spaceTemp", "room"}}
	ReadingReturn  = Reading{"return temperature", []string{"returnTemp", "return"}}
	ReadingStatic  = Reading{"duct static pressure", []string{"staticPressure", "ductStaticPressure"}}

	ReadingWaterTemp     = Reading{"water temperature", []string{"waterTemp", "boilerWaterTemp", "supplyTemp", "supply"}}
	ReadingWaterPressure = Reading{"water pressure", []string{"pressure", "boilerPressure", "waterPressure"}}
	ReadingChilledWater  = Reading{"chilled water temperature", []string{"chilledWaterTemp", "chwSupplyTemp", "supplyTemp", "supply"}}
	ReadingRefrigerant   = Reading{"refrigerant pressure", []string{"refrigerantPressure", "refPressure"}}
	ReadingAmps          = Reading{"motor current", []string{"amps", "compressorAmps", "motorAmps", "current"}}
	ReadingVibration     = Reading{"vibration", []string{"vibration", "vibrationLevel"}}
	ReadingLoopPressure  = Reading{"loop differential pressure", []string{"diffPressure", "loopPressure", "dp"}}
)

// Lookup returns the reading's value if any alias is present.
func (r Reading) Lookup(metrics scalar.Map) (float64, bool) {
	for _, alias := range r.Aliases {
		if v, ok := metrics[alias]; ok {
			if f, ok := v.Float(); ok {
				return f, true
			}
		}
	}
	return 0, false
}

// Value returns the reading or the fallback when no alias is present.
func (r Reading) Value(metrics scalar.Map, fallback float64) float64 {
	if v, ok := r.Lookup(metrics); ok {
		return v
	}
	return fallback
}

// lerp interpolates y across [x0,x1] clamped at both ends. Used for
// outdoor-air reset curves; works with either slope direction.
func lerp(x, x0, y0, x1, y1 float64) float64 {
	if x1 == x0 {
		return y0
	}
	t := (x - x0) / (x1 - x0)
	if t < 0 {
		t = 0
	}
	if t > 1 {
		t = 1
	}
	return y0 + t*(y1-y0)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

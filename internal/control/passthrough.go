package control

import (
	"github.com/atriumbms/atrium/internal/scalar"
)

// Passthrough is the catch-all algorithm for types without a dedicated
// implementation. It publishes only what the operator settings state
// outright and decides nothing on its own.
type Passthrough struct{}

// NewPassthrough returns the catch-all algorithm.
func NewPassthrough() *Passthrough { return &Passthrough{} }

func (p *Passthrough) Name() string { return "passthrough" }

func (p *Passthrough) Evaluate(in Inputs) (Result, error) {
	settings := settingsOrDefault(in.Settings)
	state := in.State
	if state == nil {
		state = map[string]interface{}{}
	}

	out := newResult()
	out.State = state
	out.Outputs["unitEnable"] = scalar.Bool(settings.Enabled)
	if settings.TemperatureSetpoint != nil {
		out.Outputs["temperatureSetpoint"] = scalar.Num(*settings.TemperatureSetpoint)
	}
	out.Diagnostics = append(out.Diagnostics, "passthrough: settings only")
	return out, nil
}

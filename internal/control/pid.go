package control

import (
	"time"

	"github.com/atriumbms/atrium/internal/scalar"
)

// PIDConfig tunes one loop. Output is clamped to [OutMin, OutMax] and the
// integral term is clamped the same way (anti-windup).
type PIDConfig struct {
	Kp, Ki, Kd     float64
	OutMin, OutMax float64
}

// RunPID advances one PID loop. The loop's integrator, previous error,
// and last-run stamp live in state[key] so the loop survives process
// restarts along with the rest of the scratchpad.
func RunPID(cfg PIDConfig, state map[string]interface{}, key string, setpoint, measured float64, now time.Time) float64 {
	loop, _ := state[key].(map[string]interface{})
	if loop == nil {
		loop = map[string]interface{}{}
	}

	integral := scalar.ParseSafeNumber(loop["integral"], 0)
	lastError := scalar.ParseSafeNumber(loop["lastError"], 0)
	lastMs := scalar.ParseSafeNumber(loop["lastMs"], 0)

	// Seconds since the previous run, bounded so a long gap (restart,
	// equipment offline) cannot dump a huge integral step.
	dt := 1.0
	if lastMs > 0 {
		dt = clamp(float64(now.UnixMilli())/1000-lastMs/1000, 0.1, 60)
	}

	err := setpoint - measured
	integral = clamp(integral+err*dt*cfg.Ki, cfg.OutMin, cfg.OutMax)
	derivative := 0.0
	if lastMs > 0 && dt > 0 {
		derivative = (err - lastError) / dt
	}

	out := clamp(cfg.Kp*err+integral+cfg.Kd*derivative, cfg.OutMin, cfg.OutMax)

	loop["integral"] = integral
	loop["lastError"] = err
	loop["lastMs"] = float64(now.UnixMilli())
	state[key] = loop
	return out
}

// ResetPID clears a loop's memory, used when a unit transitions to off so
// stale integrals do not slam actuators at the next start.
func ResetPID(state map[string]interface{}, key string) {
	delete(state, key)
}

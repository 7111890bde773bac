// Package control holds the algorithm registry and the built-in control
// algorithms. Algorithms are pure: they compute actuator outputs from a
// metric snapshot, operator settings, and a persisted scratchpad, and
// never touch I/O. Workers own reading the inputs and publishing the
// outputs.
package control

import (
	"fmt"
	"time"

	"github.com/atriumbms/atrium/internal/scalar"
	"github.com/atriumbms/atrium/internal/types"
)

// Inputs is everything an algorithm may consult for one evaluation.
type Inputs struct {
	Equipment types.Equipment
	Metrics   scalar.Map
	Settings  *types.EquipmentSettings

	// TempHint is the controlled temperature the caller already resolved
	// (room for air handlers, water for boilers). Zero means unknown.
	TempHint float64

	// State is the algorithm-owned scratchpad persisted across
	// invocations (PID integrators, hysteresis flags, cycle timers).
	// Callers own the map and must reassign from Result.State.
	State map[string]interface{}

	// Now is the evaluation clock. Injected so occupancy windows and
	// cycle timers are testable.
	Now time.Time
}

// Result is one evaluation's outcome.
type Result struct {
	// Outputs are candidate command fields; the worker clamps them to
	// the per-type whitelist before anything is published.
	Outputs map[string]scalar.Scalar

	// State replaces the scratchpad for the next invocation.
	State map[string]interface{}

	// Safety is set when the outputs are a protective shutdown rather
	// than normal control; SafetyReason says why.
	Safety       bool
	SafetyReason string

	Diagnostics []string
}

// Algorithm computes control outputs for one equipment evaluation.
type Algorithm interface {
	// Name identifies the algorithm in logs and diagnostics.
	Name() string
	// Evaluate must be pure and must not panic on missing metrics;
	// unknown readings degrade to conservative behavior instead.
	Evaluate(in Inputs) (Result, error)
}

// Func adapts a plain function to the Algorithm interface.
type Func struct {
	AlgoName string
	Fn       func(in Inputs) (Result, error)
}

func (f Func) Name() string { return f.AlgoName }

func (f Func) Evaluate(in Inputs) (Result, error) { return f.Fn(in) }

// RegistrationError reports a rejected registry insert.
type RegistrationError struct {
	Key     string
	Message string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("registration failed for algorithm key %q: %s", e.Key, e.Message)
}

// NewRegistrationError creates a new registration error.
func NewRegistrationError(key, message string) *RegistrationError {
	return &RegistrationError{Key: key, Message: message}
}

func newResult() Result {
	return Result{
		Outputs: map[string]scalar.Scalar{},
		State:   map[string]interface{}{},
	}
}

// settingsOrDefault never hands algorithms a nil settings record.
func settingsOrDefault(s *types.EquipmentSettings) types.EquipmentSettings {
	if s == nil {
		return types.EquipmentSettings{Enabled: true}
	}
	return *s
}

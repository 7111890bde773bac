package types

import "time"

// EquipmentSettings is the operator-facing target state for one equipment,
// shared through the state store so dashboards and workers see the same
// record. LastModified is an ISO-8601 wall-clock string and strictly
// increases across writes.
type EquipmentSettings struct {
	Enabled                bool     `json:"enabled"`
	TemperatureSetpoint    *float64 `json:"temperatureSetpoint,omitempty"`
	SupplyTempSetpoint     *float64 `json:"supplyTempSetpoint,omitempty"`
	StaticPressureSetpoint *float64 `json:"staticPressureSetpoint,omitempty"`
	IsLead                 bool     `json:"isLead"`
	Occupied               *bool    `json:"occupied,omitempty"`

	// Aux carries site-specific flags the core forwards without
	// interpreting (e.g. schedule overrides, economizer enables).
	Aux map[string]interface{} `json:"aux,omitempty"`

	LastModified string `json:"lastModified"`
	ModifiedBy   string `json:"modifiedBy,omitempty"`
}

// NowISO returns the wall-clock string format used for LastModified.
// RFC3339Nano keeps writes in the same millisecond distinguishable.
func NowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// Touch stamps the record with a LastModified strictly greater than prev.
func (s *EquipmentSettings) Touch(prev string, modifiedBy string) {
	stamp := time.Now().UTC()
	// Wall clocks can stand still across fast successive writes; nudge
	// past the previous stamp to keep ordering strict.
	if t, err := time.Parse(time.RFC3339Nano, prev); err == nil && !stamp.After(t) {
		stamp = t.Add(time.Nanosecond).UTC()
	}
	s.LastModified = stamp.Format(time.RFC3339Nano)
	if modifiedBy != "" {
		s.ModifiedBy = modifiedBy
	}
}

// StampAfter reports whether ISO stamp a is strictly later than b.
// Unparseable stamps sort first.
func StampAfter(a, b string) bool {
	at, errA := time.Parse(time.RFC3339Nano, a)
	if errA != nil {
		return false
	}
	bt, errB := time.Parse(time.RFC3339Nano, b)
	if errB != nil {
		return true
	}
	return at.After(bt)
}

// JobStatusState is the operator-visible state of one job.
type JobStatusState string

const (
	StatusQueued     JobStatusState = "queued"
	StatusProcessing JobStatusState = "processing"
	StatusCompleted  JobStatusState = "completed"
	StatusFailed     JobStatusState = "failed"
)

// JobStatus is polled by dashboards while a command is in flight.
// Stored with a short TTL; a stuck "processing" entry is converted to
// failed by the in-flight cleanup timer.
type JobStatus struct {
	Status   JobStatusState         `json:"status"`
	Message  string                 `json:"message,omitempty"`
	Progress int                    `json:"progress,omitempty"`
	Result   map[string]interface{} `json:"result,omitempty"`

	UpdatedAtMs int64 `json:"updated_at_ms"`
}

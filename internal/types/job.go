package types

// JobState is the lifecycle state of a queued control job.
type JobState string

const (
	JobStateWaiting   JobState = "waiting"
	JobStateActive    JobState = "active"
	JobStateDelayed   JobState = "delayed"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
)

// Live reports whether the state counts against the one-job-per-jobKey
// invariant.
func (s JobState) Live() bool {
	switch s {
	case JobStateWaiting, JobStateActive, JobStateDelayed:
		return true
	}
	return false
}

// Priority ladder for the smart gate and operator commands. Higher wins.
const (
	PrioritySafety        = 20
	PriorityDeviation     = 16
	PriorityStageImminent = 15
	PriorityOperator      = 10
	PriorityChange        = 5
	PriorityStale         = 1
)

// JobType distinguishes gate-driven evaluation jobs from operator commands.
type JobType string

const (
	JobTypeEvaluate JobType = "evaluate"
	JobTypeCommand  JobType = "command"
)

// Job is one unit of control work for a single equipment.
// JobKey ("{locationId}-{equipmentId}-{equipmentType}") is the queue-level
// uniqueness identifier.
type Job struct {
	JobID       string        `json:"job_id"`
	JobKey      string        `json:"job_key"`
	EquipmentID string        `json:"equipment_id"`
	LocationID  string        `json:"location_id"`
	Type        JobType       `json:"type"`
	Equipment   EquipmentType `json:"equipment_type"`
	Priority    int           `json:"priority"`
	Reason      string        `json:"reason"`
	Attempts    int           `json:"attempts"`
	State       JobState      `json:"state"`
	RequestID   string        `json:"request_id,omitempty"`

	// Command carries the operator payload for JobTypeCommand jobs.
	Command *CommandPayload `json:"command,omitempty"`

	// FailureReason is set when the job lands in the failed retention
	// list; Reason keeps the original enqueue trigger.
	FailureReason string `json:"failure_reason,omitempty"`

	EnqueuedAtMs int64 `json:"enqueued_at_ms"`
	UpdatedAtMs  int64 `json:"updated_at_ms"`
}

// CommandPayload is the operator-submitted portion of a command job.
type CommandPayload struct {
	Command  string                 `json:"command"`
	Settings map[string]interface{} `json:"settings,omitempty"`
	UserID   string                 `json:"user_id,omitempty"`
	UserName string                 `json:"user_name,omitempty"`
}

// EmergencyShutdown is the operator command that preempts everything else.
const EmergencyShutdown = "EMERGENCY_SHUTDOWN"

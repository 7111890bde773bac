package events

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

// EventLogger provides structured logging for key control plane events.
// Every skipped or processed equipment is auditable through these events.
type EventLogger struct {
	logger     *slog.Logger
	locationID string
}

// NewEventLogger creates a new EventLogger with JSON output to stdout,
// carrying location_id as a base attribute.
func NewEventLogger(locationID string) *EventLogger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	logger := slog.New(handler).With(
		"location_id", locationID,
	)
	return &EventLogger{
		logger:     logger,
		locationID: locationID,
	}
}

// NewEventLoggerWithWriter creates a new EventLogger with JSON output to a
// custom writer. Useful for testing or redirecting output.
func NewEventLoggerWithWriter(locationID string, w io.Writer) *EventLogger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	logger := slog.New(handler).With(
		"location_id", locationID,
	)
	return &EventLogger{
		logger:     logger,
		locationID: locationID,
	}
}

// LogEnqueued logs that an equipment was queued for processing.
// event: "job_enqueued"
func (el *EventLogger) LogEnqueued(requestID, equipmentID, jobKey string, priority int, reason string) {
	el.logger.Info("job_enqueued",
		"request_id", requestID,
		"equipment_id", equipmentID,
		"job_key", jobKey,
		"priority", priority,
		"reason", reason,
	)
}

// LogCommandAccepted logs an operator command accepted at the HTTP edge.
// event: "command_accepted"
func (el *EventLogger) LogCommandAccepted(requestID, equipmentID, jobID, command string, priority int) {
	el.logger.Info("command_accepted",
		"request_id", requestID,
		"equipment_id", equipmentID,
		"job_id", jobID,
		"command", command,
		"priority", priority,
	)
}

// LogSkipped logs that the gate declined to process an equipment.
// event: "job_skipped"
func (el *EventLogger) LogSkipped(requestID, equipmentID, reason string) {
	el.logger.Info("job_skipped",
		"request_id", requestID,
		"equipment_id", equipmentID,
		"reason", reason,
	)
}

// LogSafetyTrigger logs a detected safety condition.
// event: "safety_trigger"
func (el *EventLogger) LogSafetyTrigger(equipmentID, condition string, value float64) {
	el.logger.Warn("safety_trigger",
		"equipment_id", equipmentID,
		"condition", condition,
		"value", value,
	)
}

// LogGateError logs a gate evaluation that failed and fell open.
// event: "gate_error"
func (el *EventLogger) LogGateError(equipmentID string, err error) {
	el.logger.Error("gate_error",
		"equipment_id", equipmentID,
		"error", err.Error(),
	)
}

// LogQueueError logs a failed queue maintenance operation.
// event: "queue_error"
func (el *EventLogger) LogQueueError(op string, err error) {
	el.logger.Error("queue_error",
		"op", op,
		"error", err.Error(),
	)
}

// LogInFlightCleanup logs an in-flight mark reclaimed by the wall-clock
// timeout rather than by a queue event.
// event: "inflight_cleanup"
func (el *EventLogger) LogInFlightCleanup(jobKey string) {
	el.logger.Warn("inflight_cleanup",
		"job_key", jobKey,
	)
}

// LogJobCompleted logs a finished job.
// event: "job_completed"
func (el *EventLogger) LogJobCompleted(jobID, jobKey string, durationMs int64, fields int) {
	el.logger.Info("job_completed",
		"job_id", jobID,
		"job_key", jobKey,
		"duration_ms", durationMs,
		"fields_written", fields,
	)
}

// LogJobFailed logs a job that exhausted its attempts or hit a hard error.
// event: "job_failed"
func (el *EventLogger) LogJobFailed(jobID, jobKey, reason string, attempts int) {
	el.logger.Error("job_failed",
		"job_id", jobID,
		"job_key", jobKey,
		"reason", reason,
		"attempts", attempts,
	)
}

// LogLeadChange logs a lead-lag rotation or failover.
// event: "lead_change"
func (el *EventLogger) LogLeadChange(groupID, oldLead, newLead, reason string) {
	el.logger.Warn("lead_change",
		"group_id", groupID,
		"old_lead", oldLead,
		"new_lead", newLead,
		"reason", reason,
	)
}

// LogBatchRun logs one batch enqueuer pass.
// event: "batch_run"
func (el *EventLogger) LogBatchRun(requestID string, queued, alreadyQueued, errors int, durationMs int64) {
	el.logger.Info("batch_run",
		"request_id", requestID,
		"queued", queued,
		"already_queued", alreadyQueued,
		"errors", errors,
		"duration_ms", durationMs,
	)
}

// Global logger management
var (
	globalLogger *EventLogger
	globalMu     sync.RWMutex
)

// SetGlobalEventLogger sets the global event logger instance.
func SetGlobalEventLogger(l *EventLogger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = l
}

// GetGlobalEventLogger returns the global event logger instance.
// If no logger is set, returns a no-op logger.
func GetGlobalEventLogger() *EventLogger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalLogger != nil {
		return globalLogger
	}
	return NoopEventLogger()
}

// NoopEventLogger returns an event logger that discards all events.
// Useful for testing or when event logging is disabled.
func NoopEventLogger() *EventLogger {
	handler := slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return &EventLogger{logger: slog.New(handler)}
}

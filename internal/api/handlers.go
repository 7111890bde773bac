package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/atriumbms/atrium/internal/auth"
	"github.com/atriumbms/atrium/internal/batch"
	"github.com/atriumbms/atrium/internal/control"
	"github.com/atriumbms/atrium/internal/types"
)

// handleCronRunLogic triggers a fleet pass through the batch enqueuer.
// The scheduler calls it once a minute; equipmentId narrows the pass to
// one unit for dashboard-driven refreshes.
func (s *Server) handleCronRunLogic(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, r.Method, "GET")
		return
	}

	// Check role - require operator or admin
	if s.authConfig != nil && s.authConfig.Mode != auth.AuthModeNone {
		if !auth.HasAnyRole(r.Context(), auth.RoleAdmin, auth.RoleOperator) {
			s.writeError(w, http.StatusForbidden, &ErrorResponse{
				ErrorType:    ErrorTypeForbidden,
				ErrorCode:    "INSUFFICIENT_PERMISSIONS",
				ErrorMessage: "This action requires operator or admin role",
			})
			return
		}
	}

	if s.batch == nil {
		s.writeError(w, http.StatusServiceUnavailable, &ErrorResponse{
			ErrorType:    ErrorTypeUnavailable,
			ErrorCode:    ErrorCodeBatchUnconfigured,
			ErrorMessage: "Batch runner not configured",
			Retryable:    true,
		})
		return
	}

	q := r.URL.Query()
	opts := batch.Options{
		Force:     boolParam(q, "force"),
		Debug:     boolParam(q, "debug"),
		RequestID: q.Get("requestId"),
	}

	var (
		res batch.Result
		err error
	)
	if equipmentID := q.Get("equipmentId"); equipmentID != "" {
		res, err = s.batch.RunOne(r.Context(), equipmentID, opts)
		if errors.Is(err, batch.ErrUnknownEquipment) {
			s.writeError(w, http.StatusNotFound, NewEquipmentNotFoundErrorResponse(equipmentID))
			return
		}
	} else {
		res, err = s.batch.RunAll(r.Context(), opts)
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, NewInternalErrorResponse(err.Error()))
		return
	}

	if s.collector != nil {
		outcome := "completed"
		if res.Skipped {
			outcome = "skipped"
		}
		s.collector.RecordBatchRun(outcome, float64(res.DurationMs)/1000.0)
	}

	s.writeJSON(w, http.StatusOK, &res)
}

// handleCommand accepts an operator command for one equipment and queues
// it. The response reports the dedup outcome; a command that landed
// behind an already-live job for the same equipment is surfaced as
// alreadyQueued so the dashboard can retry after the queue drains.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request, equipmentID string) {
	if r.Method != http.MethodPost {
		s.writeMethodNotAllowed(w, r.Method, "POST")
		return
	}

	// Check role - require operator or admin
	if s.authConfig != nil && s.authConfig.Mode != auth.AuthModeNone {
		if !auth.HasAnyRole(r.Context(), auth.RoleAdmin, auth.RoleOperator) {
			s.writeError(w, http.StatusForbidden, &ErrorResponse{
				ErrorType:    ErrorTypeForbidden,
				ErrorCode:    "INSUFFICIENT_PERMISSIONS",
				ErrorMessage: "This action requires operator or admin role",
			})
			return
		}
	}

	if s.queue == nil {
		s.writeError(w, http.StatusServiceUnavailable, &ErrorResponse{
			ErrorType:    ErrorTypeUnavailable,
			ErrorCode:    ErrorCodeQueueUnconfigured,
			ErrorMessage: "Queue not configured",
			Retryable:    true,
		})
		return
	}

	eq, ok := s.findEquipment(equipmentID)
	if !ok {
		s.writeError(w, http.StatusNotFound, NewEquipmentNotFoundErrorResponse(equipmentID))
		return
	}

	var req CommandRequest
	if err := json.NewDecoder(limitedBody(w, r)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, NewInvalidRequestErrorResponse(
			"Invalid JSON request body",
			map[string]interface{}{"parse_error": err.Error()},
		))
		return
	}

	if req.Command == "" {
		s.writeError(w, http.StatusBadRequest, NewInvalidRequestErrorResponse(
			"Command is required",
			map[string]interface{}{"field": "command"},
		))
		return
	}

	priority := types.PriorityOperator
	if req.Priority != nil {
		if *req.Priority < types.PriorityStale || *req.Priority > types.PrioritySafety {
			s.writeError(w, http.StatusBadRequest, NewInvalidRequestErrorResponse(
				"Priority out of range",
				map[string]interface{}{"field": "priority", "min": types.PriorityStale, "max": types.PrioritySafety},
			))
			return
		}
		priority = *req.Priority
	}
	if req.Command == types.EmergencyShutdown && priority < types.PrioritySafety {
		priority = types.PrioritySafety
	}

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}

	job := &types.Job{
		EquipmentID: eq.EquipmentID,
		LocationID:  eq.LocationID,
		Type:        types.JobTypeCommand,
		Equipment:   eq.Type,
		Priority:    priority,
		Reason:      "operator command: " + req.Command,
		RequestID:   requestID,
		Command: &types.CommandPayload{
			Command:  req.Command,
			Settings: req.Settings,
			UserID:   req.UserID,
			UserName: req.UserName,
		},
	}

	added, err := s.queue.Enqueue(r.Context(), job)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, NewInternalErrorResponse(err.Error()))
		return
	}

	if s.collector != nil {
		outcome := "queued"
		if !added {
			outcome = "deduped"
		}
		s.collector.RecordEnqueue(eq.LocationID, outcome)
	}
	s.log.LogCommandAccepted(requestID, eq.EquipmentID, job.JobID, req.Command, priority)

	s.writeJSON(w, http.StatusAccepted, &CommandResponse{
		JobID:         job.JobID,
		JobKey:        job.JobKey,
		Queued:        added,
		AlreadyQueued: !added,
		Priority:      priority,
		RequestID:     requestID,
	})
}

// handleState returns the shared-state view of one equipment: settings,
// algorithm state, and the outdoor-reset setpoint derived from the
// latest outdoor reading.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request, equipmentID string) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, r.Method, "GET")
		return
	}

	if s.state == nil {
		s.writeError(w, http.StatusServiceUnavailable, &ErrorResponse{
			ErrorType:    ErrorTypeUnavailable,
			ErrorCode:    ErrorCodeStoreUnavailable,
			ErrorMessage: "State store not configured",
			Retryable:    true,
		})
		return
	}

	eq, ok := s.findEquipment(equipmentID)
	if !ok {
		s.writeError(w, http.StatusNotFound, NewEquipmentNotFoundErrorResponse(equipmentID))
		return
	}

	settings, err := s.state.GetSettings(r.Context(), eq.LocationID, eq.EquipmentID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, NewInternalErrorResponse(err.Error()))
		return
	}
	if settings == nil {
		// Same default the worker applies for never-configured equipment.
		settings = &types.EquipmentSettings{Enabled: true}
	}

	algoState, err := s.state.GetAlgoState(r.Context(), eq.LocationID, eq.EquipmentID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, NewInternalErrorResponse(err.Error()))
		return
	}

	resp := &StateResponse{
		EquipmentID:   eq.EquipmentID,
		LocationID:    eq.LocationID,
		EquipmentType: eq.Type,
		Settings:      settings,
	}
	if len(algoState) > 0 {
		resp.AlgoState = algoState
	}

	// The reset setpoint is advisory; a gateway outage should not hide
	// the settings view.
	if s.metricSrc != nil {
		metrics, err := s.metricSrc.ReadLatestMetrics(r.Context(), eq.EquipmentID, eq.LocationID, s.metricWindow)
		if err == nil {
			if oat, ok := control.ReadingOutdoor.Lookup(metrics); ok {
				setpoint := control.OARSetpoint(oat)
				resp.OARSetpoint = &setpoint
			}
		}
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// handleJobStatus returns the status record a worker last published for
// the job, or 404 once the record expired.
func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, r.Method, "GET")
		return
	}

	if s.state == nil {
		s.writeError(w, http.StatusServiceUnavailable, &ErrorResponse{
			ErrorType:    ErrorTypeUnavailable,
			ErrorCode:    ErrorCodeStoreUnavailable,
			ErrorMessage: "State store not configured",
			Retryable:    true,
		})
		return
	}

	status, err := s.state.GetStatus(r.Context(), jobID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, NewInternalErrorResponse(err.Error()))
		return
	}
	if status == nil {
		s.writeError(w, http.StatusNotFound, &ErrorResponse{
			ErrorType:    ErrorTypeNotFound,
			ErrorCode:    ErrorCodeJobNotFound,
			ErrorMessage: "Job not found",
			Retryable:    false,
			Details:      map[string]interface{}{"job_id": jobID},
		})
		return
	}

	s.writeJSON(w, http.StatusOK, &StatusResponse{JobID: jobID, JobStatus: *status})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, r.Method, "GET")
		return
	}
	s.writeJSON(w, http.StatusOK, &HealthResponse{Status: "ok"})
}

// handleReadyz reports readiness as a field rather than a status code;
// the cron scheduler treats any 200 as "the service is up" and inspects
// the body.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeMethodNotAllowed(w, r.Method, "GET")
		return
	}

	ready := true
	redisState := "ok"
	if s.state == nil {
		ready = false
		redisState = "unconfigured"
	} else {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.state.Ping(ctx); err != nil {
			ready = false
			redisState = "unreachable"
		}
	}

	status := "ready"
	if !ready {
		status = "not_ready"
	}

	resp := &ReadyResponse{
		Status: status,
		Ready:  ready,
		Redis:  redisState,
	}
	if s.healthMon != nil {
		snap := s.healthMon.Latest()
		resp.Host = &snap
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetricsUnconfigured(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, http.StatusServiceUnavailable, &ErrorResponse{
		ErrorType:    ErrorTypeUnavailable,
		ErrorCode:    ErrorCodeMetricsUnconfigured,
		ErrorMessage: "Metrics collector not configured",
		Retryable:    false,
	})
}

func (s *Server) findEquipment(equipmentID string) (types.Equipment, bool) {
	if s.fleet == nil {
		return types.Equipment{}, false
	}
	return s.fleet.FindByID(equipmentID)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, errResp *ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errResp)
}

func (s *Server) writeMethodNotAllowed(w http.ResponseWriter, method, allowed string) {
	w.Header().Set("Allow", allowed)
	s.writeError(w, http.StatusMethodNotAllowed, &ErrorResponse{
		ErrorType:    ErrorTypeInvalidArgument,
		ErrorCode:    ErrorCodeMethodNotAllowed,
		ErrorMessage: "Method not allowed",
		Retryable:    false,
		Details: map[string]interface{}{
			"method":  method,
			"allowed": allowed,
		},
	})
}

// boolParam treats presence without a value as true, so the scheduler
// can append a bare &force.
func boolParam(q url.Values, name string) bool {
	if !q.Has(name) {
		return false
	}
	v := q.Get(name)
	return v == "" || v == "1" || strings.EqualFold(v, "true")
}

// maxRequestBodySize is the maximum allowed request body size (10MB default).
const maxRequestBodySize = 10 * 1024 * 1024

func limitedBody(w http.ResponseWriter, r *http.Request) io.Reader {
	return http.MaxBytesReader(w, r.Body, maxRequestBodySize)
}

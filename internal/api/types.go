package api

import (
	"github.com/atriumbms/atrium/internal/health"
	"github.com/atriumbms/atrium/internal/types"
)

// CommandRequest is the request body for POST /equipment/{id}/command.
// Field names match the dashboard's wire format.
type CommandRequest struct {
	Command  string                 `json:"command"`
	Settings map[string]interface{} `json:"settings,omitempty"`
	UserID   string                 `json:"userId,omitempty"`
	UserName string                 `json:"userName,omitempty"`
	// Priority overrides the default operator priority when set.
	Priority *int `json:"priority,omitempty"`
}

// CommandResponse is the response body for POST /equipment/{id}/command.
type CommandResponse struct {
	JobID         string `json:"jobId"`
	JobKey        string `json:"jobKey"`
	Queued        bool   `json:"queued"`
	AlreadyQueued bool   `json:"alreadyQueued"`
	Priority      int    `json:"priority"`
	RequestID     string `json:"requestId"`
}

// StateResponse is the response body for GET /equipment/{id}/state.
type StateResponse struct {
	EquipmentID   string                   `json:"equipmentId"`
	LocationID    string                   `json:"locationId"`
	EquipmentType types.EquipmentType      `json:"equipmentType"`
	Settings      *types.EquipmentSettings `json:"settings"`
	// OARSetpoint is the outdoor-air-reset supply setpoint derived from
	// the latest outdoor reading; absent when no reading is available.
	OARSetpoint *float64               `json:"oarSetpoint,omitempty"`
	AlgoState   map[string]interface{} `json:"algoState,omitempty"`
}

// StatusResponse is the response body for GET /equipment/{id}/status/{jobId}.
type StatusResponse struct {
	JobID string `json:"jobId"`
	types.JobStatus
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	ErrorType    string                 `json:"error_type"`
	ErrorCode    string                 `json:"error_code"`
	ErrorMessage string                 `json:"error_message"`
	Retryable    bool                   `json:"retryable"`
	Details      map[string]interface{} `json:"details,omitempty"`
}

// HealthResponse is the response body for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// ReadyResponse is the response body for GET /readyz.
type ReadyResponse struct {
	Status string           `json:"status"`
	Ready  bool             `json:"ready"`
	Redis  string           `json:"redis"`
	Host   *health.Snapshot `json:"host,omitempty"`
}

// ErrorType constants for API errors.
const (
	ErrorTypeInvalidArgument = "invalid_argument"
	ErrorTypeNotFound        = "not_found"
	ErrorTypeUnauthorized    = "unauthorized"
	ErrorTypeForbidden       = "forbidden"
	ErrorTypeRateLimited     = "rate_limited"
	ErrorTypeUnavailable     = "unavailable"
	ErrorTypeInternal        = "internal"
)

// ErrorCode constants for specific error conditions.
const (
	ErrorCodeInvalidRequest      = "INVALID_REQUEST"
	ErrorCodeEquipmentNotFound   = "EQUIPMENT_NOT_FOUND"
	ErrorCodeJobNotFound         = "JOB_NOT_FOUND"
	ErrorCodeEndpointNotFound    = "ENDPOINT_NOT_FOUND"
	ErrorCodeMethodNotAllowed    = "METHOD_NOT_ALLOWED"
	ErrorCodeInternalError       = "INTERNAL_ERROR"
	ErrorCodeRateLimitExceeded   = "RATE_LIMIT_EXCEEDED"
	ErrorCodeStoreUnavailable    = "STORE_UNAVAILABLE"
	ErrorCodeBatchUnconfigured   = "BATCH_NOT_CONFIGURED"
	ErrorCodeQueueUnconfigured   = "QUEUE_NOT_CONFIGURED"
	ErrorCodeMetricsUnconfigured = "METRICS_NOT_CONFIGURED"
)

// NewInvalidRequestErrorResponse creates a 400-class error body.
func NewInvalidRequestErrorResponse(message string, details map[string]interface{}) *ErrorResponse {
	return &ErrorResponse{
		ErrorType:    ErrorTypeInvalidArgument,
		ErrorCode:    ErrorCodeInvalidRequest,
		ErrorMessage: message,
		Retryable:    false,
		Details:      details,
	}
}

// NewEquipmentNotFoundErrorResponse creates a 404 body for an unknown
// equipment id.
func NewEquipmentNotFoundErrorResponse(equipmentID string) *ErrorResponse {
	return &ErrorResponse{
		ErrorType:    ErrorTypeNotFound,
		ErrorCode:    ErrorCodeEquipmentNotFound,
		ErrorMessage: "Equipment not found",
		Retryable:    false,
		Details:      map[string]interface{}{"equipment_id": equipmentID},
	}
}

// NewInternalErrorResponse creates a 500 body.
func NewInternalErrorResponse(message string) *ErrorResponse {
	return &ErrorResponse{
		ErrorType:    ErrorTypeInternal,
		ErrorCode:    ErrorCodeInternalError,
		ErrorMessage: message,
		Retryable:    true,
	}
}

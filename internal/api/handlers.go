package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/costsentry/costsentry/internal/bridge"
	"github.com/costsentry/costsentry/internal/logging"
	"github.com/costsentry/costsentry/internal/metrics"
	"github.com/costsentry/costsentry/internal/service/action"
	"github.com/costsentry/costsentry/internal/storage"
	"github.com/costsentry/costsentry/pkg/models"
)

// Request/Response types

// ErrorResponse is the standard error response
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// HealthResponse is the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services,omitempty"`
}

// ReadyResponse is the readiness check response
type ReadyResponse struct {
	Ready     bool      `json:"ready"`
	Timestamp time.Time `json:"timestamp"`
}

// DecisionRequest carries a human approval or rejection
type DecisionRequest struct {
	Approver string `json:"approver" binding:"required"`
}

// ExecutionStartedRequest is the orchestrator's acknowledgement that a
// remediation workflow has started for an approved action
type ExecutionStartedRequest struct {
	ActionID    string `json:"action_id" binding:"required"`
	WorkflowRef string `json:"workflow_ref" binding:"required"`
}

// IngestSampleRequest is a manually injected cost sample
type IngestSampleRequest struct {
	Provider  string            `json:"provider" binding:"required"`
	Service   string            `json:"service" binding:"required"`
	Timestamp time.Time         `json:"timestamp" binding:"required"`
	Cost      float64           `json:"cost"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

var validAnomalyStatuses = map[models.AnomalyStatus]bool{
	models.AnomalyOpen:     true,
	models.AnomalyResolved: true,
}

var validActionStatuses = map[models.ActionStatus]bool{
	models.ActionProposed:        true,
	models.ActionPendingApproval: true,
	models.ActionApproved:        true,
	models.ActionRejected:        true,
	models.ActionExecuting:       true,
	models.ActionExecuted:        true,
	models.ActionFailed:          true,
	models.ActionExpired:         true,
}

// Handlers

func (s *Server) handleHealth(c *gin.Context) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Services:  make(map[string]string),
	}

	for name, check := range s.statusChecks {
		if check() {
			response.Services[name] = "running"
		} else {
			response.Services[name] = "stopped"
		}
	}

	// Return 503 if not ready (e.g., during startup sweep)
	if !s.ready.Load() {
		response.Status = "unavailable"
		response.Services["ready"] = "false"
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}

	response.Services["ready"] = "true"
	c.JSON(http.StatusOK, response)
}

func (s *Server) handleReady(c *gin.Context) {
	response := ReadyResponse{
		Ready:     s.ready.Load(),
		Timestamp: time.Now(),
	}

	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}

	c.JSON(http.StatusOK, response)
}

func (s *Server) handleListAnomalies(c *gin.Context) {
	filter := storage.AnomalyFilter{
		Provider: c.Query("provider"),
	}

	if status := c.Query("status"); status != "" {
		st := models.AnomalyStatus(status)
		if !validAnomalyStatuses[st] {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:     fmt.Sprintf("invalid status: must be open or resolved, got %q", status),
				RequestID: c.GetString("request_id"),
			})
			return
		}
		filter.Status = st
	}

	limit, ok := s.parseLimit(c)
	if !ok {
		return
	}
	filter.Limit = limit

	anomalies, err := s.anomalies.List(c.Request.Context(), filter)
	if err != nil {
		s.internalError(c, "failed to list anomalies", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"anomalies": anomalies,
		"count":     len(anomalies),
	})
}

func (s *Server) handleGetAnomaly(c *gin.Context) {
	anomaly, err := s.anomalies.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:     fmt.Sprintf("anomaly %s not found", c.Param("id")),
			RequestID: c.GetString("request_id"),
		})
		return
	}
	if err != nil {
		s.internalError(c, "failed to get anomaly", err)
		return
	}

	c.JSON(http.StatusOK, anomaly)
}

func (s *Server) handleListActions(c *gin.Context) {
	filter := storage.ActionFilter{
		AnomalyID: c.Query("anomaly_id"),
	}

	if status := c.Query("status"); status != "" {
		st := models.ActionStatus(status)
		if !validActionStatuses[st] {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:     fmt.Sprintf("invalid status %q", status),
				RequestID: c.GetString("request_id"),
			})
			return
		}
		filter.Status = st
	}

	limit, ok := s.parseLimit(c)
	if !ok {
		return
	}
	filter.Limit = limit

	actions, err := s.actions.List(c.Request.Context(), filter)
	if err != nil {
		s.internalError(c, "failed to list actions", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"actions": actions,
		"count":   len(actions),
	})
}

func (s *Server) handleGetAction(c *gin.Context) {
	a, err := s.actions.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:     fmt.Sprintf("action %s not found", c.Param("id")),
			RequestID: c.GetString("request_id"),
		})
		return
	}
	if err != nil {
		s.internalError(c, "failed to get action", err)
		return
	}

	c.JSON(http.StatusOK, a)
}

func (s *Server) handleApproveAction(c *gin.Context) {
	var req DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     fmt.Sprintf("invalid request: %s", sanitizeValidationError(err)),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	a, err := s.lifecycle.Approve(c.Request.Context(), c.Param("id"), req.Approver)
	if err != nil {
		s.lifecycleError(c, err)
		return
	}

	c.JSON(http.StatusOK, a)
}

func (s *Server) handleRejectAction(c *gin.Context) {
	var req DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     fmt.Sprintf("invalid request: %s", sanitizeValidationError(err)),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	a, err := s.lifecycle.Reject(c.Request.Context(), c.Param("id"), req.Approver)
	if err != nil {
		s.lifecycleError(c, err)
		return
	}

	c.JSON(http.StatusOK, a)
}

func (s *Server) handleExecutionStarted(c *gin.Context) {
	var req ExecutionStartedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     fmt.Sprintf("invalid request: %s", sanitizeValidationError(err)),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	a, err := s.lifecycle.BeginExecution(c.Request.Context(), req.ActionID, req.WorkflowRef)
	if err != nil {
		s.lifecycleError(c, err)
		return
	}

	c.JSON(http.StatusOK, a)
}

// handleExecutionCallback records the orchestrator's terminal outcome for an
// action. The contract is idempotent: a repeat of an already-recorded
// outcome is acknowledged with 200, an unknown action gets 404, and an
// outcome contradicting the recorded one gets 409.
func (s *Server) handleExecutionCallback(c *gin.Context) {
	ctx := c.Request.Context()

	var req bridge.ExecutionCallback
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     fmt.Sprintf("invalid callback: %s", sanitizeValidationError(err)),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	outcome := models.ActionStatus(req.Status)

	// Peek at the current state so duplicates can be labeled as such; the
	// engine's own read under lock stays authoritative
	duplicate := false
	if existing, err := s.actions.Get(ctx, req.ActionID); err == nil && existing.IsTerminal() {
		if recorded, ok := existing.CompletionOutcome(); ok && recorded == outcome {
			duplicate = true
		}
	}

	a, err := s.lifecycle.CompleteExecution(ctx, req.ActionID, outcome)
	if err != nil {
		switch {
		case action.IsNotFound(err):
			metrics.RecordCallbackResult("unknown")
			logging.Warn(ctx, "execution callback for unknown action",
				"action_id", req.ActionID, "status", req.Status)
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error:     fmt.Sprintf("action %s not found", req.ActionID),
				RequestID: c.GetString("request_id"),
			})
		case errors.Is(err, action.ErrConflictingCompletion):
			metrics.RecordCallbackResult("conflict")
			c.JSON(http.StatusConflict, ErrorResponse{
				Error:     err.Error(),
				RequestID: c.GetString("request_id"),
			})
		case action.IsInvalidTransition(err):
			metrics.RecordCallbackResult("conflict")
			c.JSON(http.StatusConflict, ErrorResponse{
				Error:     err.Error(),
				RequestID: c.GetString("request_id"),
			})
		default:
			s.internalError(c, "failed to record execution outcome", err)
		}
		return
	}

	if duplicate {
		metrics.RecordCallbackResult("duplicate")
	} else {
		metrics.RecordCallbackResult("applied")
	}

	c.JSON(http.StatusOK, a)
}

func (s *Server) handleGetCostSummary(c *gin.Context) {
	query := models.CostQuery{
		Provider: c.Query("provider"),
		Service:  c.Query("service"),
	}

	if start := c.Query("start"); start != "" {
		t, err := time.Parse(time.RFC3339, start)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:     fmt.Sprintf("invalid start: must be RFC3339, got %q", start),
				RequestID: c.GetString("request_id"),
			})
			return
		}
		query.StartTime = t
	}

	if end := c.Query("end"); end != "" {
		t, err := time.Parse(time.RFC3339, end)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:     fmt.Sprintf("invalid end: must be RFC3339, got %q", end),
				RequestID: c.GetString("request_id"),
			})
			return
		}
		query.EndTime = t
	}

	summary, err := s.samples.GetSummary(c.Request.Context(), query)
	if err != nil {
		s.internalError(c, "failed to get cost summary", err)
		return
	}

	c.JSON(http.StatusOK, summary)
}

func (s *Server) handleIngestSample(c *gin.Context) {
	var req IngestSampleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     fmt.Sprintf("invalid request: %s", sanitizeValidationError(err)),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	sample := models.CostSample{
		Provider:  req.Provider,
		Service:   req.Service,
		Timestamp: req.Timestamp,
		Cost:      req.Cost,
		Metadata:  req.Metadata,
	}

	if err := sample.Validate(); err != nil {
		metrics.RecordSampleRejected(sample.Provider)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     err.Error(),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	if err := s.samples.Append(c.Request.Context(), &sample); err != nil {
		s.internalError(c, "failed to append sample", err)
		return
	}

	metrics.RecordSampleIngested(sample.Provider)
	c.JSON(http.StatusCreated, sample)
}

// Helpers

// parseLimit validates the optional limit query parameter; a false return
// means the response has already been written.
func (s *Server) parseLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}

	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     fmt.Sprintf("invalid limit: must be a non-negative integer, got %q", raw),
			RequestID: c.GetString("request_id"),
		})
		return 0, false
	}
	return v, true
}

// sanitizeValidationError converts internal field names to JSON field names
// in validation error messages to avoid leaking internal implementation details.
func sanitizeValidationError(err error) string {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return err.Error()
	}

	var messages []string
	for _, fe := range validationErrs {
		jsonFieldName := toSnakeCase(fe.Field())
		switch fe.Tag() {
		case "required":
			messages = append(messages, fmt.Sprintf("%s is required", jsonFieldName))
		case "eq":
			messages = append(messages, fmt.Sprintf("%s must be %q", jsonFieldName, fe.Param()))
		case "oneof":
			messages = append(messages, fmt.Sprintf("%s must be one of: %s", jsonFieldName, fe.Param()))
		default:
			messages = append(messages, fmt.Sprintf("%s failed validation (%s)", jsonFieldName, fe.Tag()))
		}
	}
	return strings.Join(messages, "; ")
}

// toSnakeCase converts a PascalCase or camelCase string to snake_case
func toSnakeCase(s string) string {
	fieldMappings := map[string]string{
		"ActionID":    "action_id",
		"AnomalyID":   "anomaly_id",
		"WorkflowRef": "workflow_ref",
	}
	if mapped, ok := fieldMappings[s]; ok {
		return mapped
	}

	var result []rune
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				result = append(result, '_')
			}
			result = append(result, unicode.ToLower(r))
		} else {
			result = append(result, r)
		}
	}
	return string(result)
}

// lifecycleError maps engine errors to HTTP status codes
func (s *Server) lifecycleError(c *gin.Context, err error) {
	switch {
	case action.IsNotFound(err):
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:     err.Error(),
			RequestID: c.GetString("request_id"),
		})
	case action.IsInvalidTransition(err):
		c.JSON(http.StatusConflict, ErrorResponse{
			Error:     err.Error(),
			RequestID: c.GetString("request_id"),
		})
	default:
		s.internalError(c, "lifecycle operation failed", err)
	}
}

func (s *Server) internalError(c *gin.Context, msg string, err error) {
	s.logger.Error(msg,
		slog.String("error", err.Error()),
		slog.String("request_id", c.GetString("request_id")))
	c.JSON(http.StatusInternalServerError, ErrorResponse{
		Error:     msg,
		RequestID: c.GetString("request_id"),
	})
}

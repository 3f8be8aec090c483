// Package api exposes the remediation service over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"remedyd/internal/rollback"
	"remedyd/internal/workflow"
)

const maxRequestBody = 1 * 1024 * 1024 // 1MB

// Handler serves the remediation API.
type Handler struct {
	service   *workflow.Service
	logger    *slog.Logger
	startTime time.Time
}

// NewHandler creates a new API Handler.
func NewHandler(service *workflow.Service, logger *slog.Logger) *Handler {
	return &Handler{
		service:   service,
		logger:    logger.With("component", "api"),
		startTime: time.Now(),
	}
}

// Routes registers all endpoints on a mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/workflows/{id}/execute", h.HandleExecuteWorkflow)
	mux.HandleFunc("POST /v1/approvals/{id}/decision", h.HandleApprovalDecision)
	mux.HandleFunc("POST /v1/executions/{id}/cancel", h.HandleCancelExecution)
	mux.HandleFunc("GET /v1/executions/{id}", h.HandleGetExecution)
	mux.HandleFunc("GET /v1/evidence/verify", h.HandleVerifyChain)
	mux.HandleFunc("POST /v1/rollbacks/{id}/execute", h.HandleExecuteRollback)
	mux.HandleFunc("POST /v1/transactions/{id}/rollback", h.HandleRollbackTransaction)
	mux.HandleFunc("GET /health", h.HealthCheck)
}

// ExecuteWorkflowRequest is the request body for starting a run.
type ExecuteWorkflowRequest struct {
	OrgID          string         `json:"org_id"`
	TriggeredBy    string         `json:"triggered_by"`
	Context        map[string]any `json:"context,omitempty"`
	DryRun         bool           `json:"dry_run"`
	TargetIdentity string         `json:"target_identity,omitempty"`
	ThreatRef      string         `json:"threat_ref,omitempty"`
}

// HandleExecuteWorkflow handles POST /v1/workflows/{id}/execute.
func (h *Handler) HandleExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()
	workflowID := r.PathValue("id")

	var req ExecuteWorkflowRequest
	if !h.decode(w, r, &req, requestID) {
		return
	}
	if req.OrgID == "" || req.TriggeredBy == "" {
		respondError(w, http.StatusBadRequest, "org_id and triggered_by are required", requestID)
		return
	}

	exec, err := h.service.ExecuteWorkflow(r.Context(), workflowID, workflow.ExecuteOptions{
		OrgID:          req.OrgID,
		TriggeredBy:    req.TriggeredBy,
		Context:        req.Context,
		DryRun:         req.DryRun,
		TargetIdentity: req.TargetIdentity,
		ThreatRef:      req.ThreatRef,
	})
	if err != nil {
		h.respondServiceError(w, err, requestID)
		return
	}

	h.logger.Info("workflow execution requested",
		"workflow_id", workflowID,
		"execution_id", exec.ID,
		"org_id", req.OrgID,
		"dry_run", req.DryRun,
	)
	respondJSON(w, http.StatusAccepted, exec)
}

// ApprovalDecisionRequest is the request body for an approval decision.
type ApprovalDecisionRequest struct {
	ApproverID    string `json:"approver_id"`
	ApproverEmail string `json:"approver_email"`
	Approved      bool   `json:"approved"`
	Comment       string `json:"comment,omitempty"`
}

// HandleApprovalDecision handles POST /v1/approvals/{id}/decision.
func (h *Handler) HandleApprovalDecision(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()
	approvalID := r.PathValue("id")

	var req ApprovalDecisionRequest
	if !h.decode(w, r, &req, requestID) {
		return
	}
	if req.ApproverID == "" {
		respondError(w, http.StatusBadRequest, "approver_id is required", requestID)
		return
	}

	decision, err := h.service.ProcessApproval(r.Context(), approvalID,
		req.ApproverID, req.ApproverEmail, req.Approved, req.Comment)
	if err != nil {
		h.respondServiceError(w, err, requestID)
		return
	}
	respondJSON(w, http.StatusOK, decision)
}

// CancelExecutionRequest is the request body for cancelling a run.
type CancelExecutionRequest struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason,omitempty"`
}

// HandleCancelExecution handles POST /v1/executions/{id}/cancel.
func (h *Handler) HandleCancelExecution(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()
	executionID := r.PathValue("id")

	var req CancelExecutionRequest
	if !h.decode(w, r, &req, requestID) {
		return
	}
	if req.UserID == "" {
		respondError(w, http.StatusBadRequest, "user_id is required", requestID)
		return
	}

	cancelled, err := h.service.CancelExecution(r.Context(), executionID, req.UserID, req.Reason)
	if err != nil {
		h.respondServiceError(w, err, requestID)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"cancelled":    cancelled,
		"execution_id": executionID,
	})
}

// HandleGetExecution handles GET /v1/executions/{id}.
func (h *Handler) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()
	executionID := r.PathValue("id")

	orgID := r.URL.Query().Get("org_id")
	if orgID == "" {
		respondError(w, http.StatusBadRequest, "org_id query parameter is required", requestID)
		return
	}

	exec, err := h.service.GetExecutionStatus(r.Context(), executionID, orgID)
	if err != nil {
		h.respondServiceError(w, err, requestID)
		return
	}
	respondJSON(w, http.StatusOK, exec)
}

// HandleVerifyChain handles GET /v1/evidence/verify.
func (h *Handler) HandleVerifyChain(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()

	orgID := r.URL.Query().Get("org_id")
	if orgID == "" {
		respondError(w, http.StatusBadRequest, "org_id query parameter is required", requestID)
		return
	}

	result, err := h.service.VerifyChain(r.Context(), orgID)
	if err != nil {
		h.respondServiceError(w, err, requestID)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// HandleExecuteRollback handles POST /v1/rollbacks/{id}/execute.
func (h *Handler) HandleExecuteRollback(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()
	rollbackID := r.PathValue("id")

	result, err := h.service.ExecuteRollback(r.Context(), rollbackID)
	if err != nil {
		h.respondServiceError(w, err, requestID)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// HandleRollbackTransaction handles POST /v1/transactions/{id}/rollback.
func (h *Handler) HandleRollbackTransaction(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()
	transactionID := r.PathValue("id")

	result, err := h.service.RollbackTransaction(r.Context(), transactionID)
	if err != nil {
		h.respondServiceError(w, err, requestID)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// HealthCheck handles GET /health.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(h.startTime).String(),
	})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any, requestID string) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read request body", requestID)
		return false
	}
	if len(body) == 0 {
		respondError(w, http.StatusBadRequest, "request body is required", requestID)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err), requestID)
		return false
	}
	return true
}

func (h *Handler) respondServiceError(w http.ResponseWriter, err error, requestID string) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, workflow.ErrWorkflowNotFound),
		errors.Is(err, workflow.ErrExecutionNotFound),
		errors.Is(err, workflow.ErrApprovalNotFound),
		errors.Is(err, rollback.ErrNotFound),
		errors.Is(err, rollback.ErrTxNotFound):
		status = http.StatusNotFound
	case errors.Is(err, workflow.ErrExecutionTerminal),
		errors.Is(err, workflow.ErrApprovalResolved),
		errors.Is(err, rollback.ErrAlreadyExecuted),
		errors.Is(err, rollback.ErrExpired),
		errors.Is(err, rollback.ErrTxClosed):
		status = http.StatusConflict
	case errors.Is(err, workflow.ErrVersionConflict):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "request_id", requestID, "error", err)
	}
	respondError(w, status, err.Error(), requestID)
}

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes a JSON error response.
func respondError(w http.ResponseWriter, status int, message string, requestID string) {
	resp := map[string]any{
		"success":    false,
		"error":      message,
		"request_id": requestID,
	}
	respondJSON(w, status, resp)
}

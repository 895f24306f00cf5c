// Package handlers provides the HTTP handlers for deployment management.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/testrig/testrig/internal/deployment"
	"github.com/testrig/testrig/internal/interfaces"
	"github.com/testrig/testrig/pkg/logging"
)

// DeploymentHandler handles deployment API endpoints
type DeploymentHandler struct {
	service    *deployment.Service
	serializer *deployment.PlanSerializer
	logger     *logging.Logger
}

// NewDeploymentHandler creates a deployment handler
func NewDeploymentHandler(service *deployment.Service) (*DeploymentHandler, error) {
	if service == nil {
		return nil, errors.New("deployment service is required")
	}
	return &DeploymentHandler{
		service:    service,
		serializer: deployment.NewPlanSerializer(),
		logger:     logging.NewLogger("deployment-handler"),
	}, nil
}

// DeploymentResponse is the API shape of a deployment
type DeploymentResponse struct {
	ID            string     `json:"id"`
	EnvironmentID string     `json:"environment_id"`
	Pool          string     `json:"pool"`
	Status        string     `json:"status"`
	Priority      int        `json:"priority"`
	RetryCount    int        `json:"retry_count"`
	Reschedules   int        `json:"reschedules"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

func toResponse(d *interfaces.QueuedDeployment) DeploymentResponse {
	resp := DeploymentResponse{
		ID:          d.ID,
		Pool:        string(d.Pool),
		Status:      string(d.Status),
		Priority:    d.Priority,
		RetryCount:  d.RetryCount,
		Reschedules: d.Reschedules,
		CreatedAt:   d.CreatedAt,
		StartedAt:   d.StartedAt,
		CompletedAt: d.CompletedAt,
	}
	if d.Plan != nil {
		resp.EnvironmentID = d.Plan.EnvironmentID
	}
	return resp
}

// CreateDeployment submits a new deployment plan
//
//	@Summary	Submit a deployment plan
//	@Tags		deployments
//	@Accept		json
//	@Produce	json
//	@Param		plan	body		interfaces.DeploymentPlan	true	"Deployment plan"
//	@Success	202		{object}	DeploymentResponse
//	@Failure	400		{object}	ErrorResponse
//	@Router		/api/v1/deployments [post]
func (h *DeploymentHandler) CreateDeployment(w http.ResponseWriter, r *http.Request) {
	var body map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "Request body is not valid JSON")
		return
	}

	// Decode through the plan serializer so plan files may use duration
	// strings and base64 artifact content
	plan, err := h.serializer.Deserialize(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_plan", err.Error())
		return
	}

	d, err := h.service.Submit(r.Context(), plan)
	if err != nil {
		var planErr *interfaces.InvalidPlanError
		if errors.As(err, &planErr) {
			writeError(w, http.StatusBadRequest, "invalid_plan", planErr.Reason)
			return
		}
		h.logger.Errorf("submit failed: %v", err)
		writeError(w, http.StatusInternalServerError, "submit_failed", "Failed to submit deployment")
		return
	}

	writeJSON(w, http.StatusAccepted, toResponse(d))
}

// ListDeployments returns deployments matching the query filters
//
//	@Summary	List deployments
//	@Tags		deployments
//	@Produce	json
//	@Param		status	query		string	false	"Filter by status"
//	@Param		pool	query		string	false	"Filter by pool"
//	@Success	200		{array}		DeploymentResponse
//	@Router		/api/v1/deployments [get]
func (h *DeploymentHandler) ListDeployments(w http.ResponseWriter, r *http.Request) {
	filter := interfaces.DeploymentFilter{}
	if status := r.URL.Query().Get("status"); status != "" {
		filter.Status = []interfaces.DeploymentStatus{interfaces.DeploymentStatus(status)}
	}
	if pool := r.URL.Query().Get("pool"); pool != "" {
		filter.Pool = interfaces.PoolKind(pool)
	}

	deployments, err := h.service.List(filter)
	if err != nil {
		h.logger.Errorf("list failed: %v", err)
		writeError(w, http.StatusInternalServerError, "list_failed", "Failed to list deployments")
		return
	}

	responses := make([]DeploymentResponse, 0, len(deployments))
	for _, d := range deployments {
		responses = append(responses, toResponse(d))
	}
	writeJSON(w, http.StatusOK, responses)
}

// GetDeployment returns one deployment
//
//	@Summary	Get a deployment
//	@Tags		deployments
//	@Produce	json
//	@Param		id	path		string	true	"Deployment ID"
//	@Success	200	{object}	DeploymentResponse
//	@Failure	404	{object}	ErrorResponse
//	@Router		/api/v1/deployments/{id} [get]
func (h *DeploymentHandler) GetDeployment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	d, err := h.service.GetByID(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toResponse(d))
}

// GetResult returns the terminal result of a deployment
//
//	@Summary	Get a deployment result
//	@Tags		deployments
//	@Produce	json
//	@Param		id	path		string	true	"Deployment ID"
//	@Success	200	{object}	interfaces.DeploymentResult
//	@Failure	404	{object}	ErrorResponse
//	@Router		/api/v1/deployments/{id}/result [get]
func (h *DeploymentHandler) GetResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	result, err := h.service.GetResult(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "no_result", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetLogs returns the buffered log lines of a deployment
//
//	@Summary	Get deployment logs
//	@Tags		deployments
//	@Produce	json
//	@Param		id	path		string	true	"Deployment ID"
//	@Success	200	{array}		string
//	@Failure	404	{object}	ErrorResponse
//	@Router		/api/v1/deployments/{id}/logs [get]
func (h *DeploymentHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	logs, err := h.service.GetLogs(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

// CancelDeployment cancels a queued or running deployment
//
//	@Summary	Cancel a deployment
//	@Tags		deployments
//	@Produce	json
//	@Param		id	path	string	true	"Deployment ID"
//	@Success	202
//	@Failure	404	{object}	ErrorResponse
//	@Failure	409	{object}	ErrorResponse
//	@Router		/api/v1/deployments/{id}/cancel [post]
func (h *DeploymentHandler) CancelDeployment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := h.service.Cancel(r.Context(), id)
	if err != nil {
		var notFound *deployment.ErrNotFound
		var notCancelable *deployment.ErrNotCancelable
		switch {
		case errors.As(err, &notFound):
			writeError(w, http.StatusNotFound, "not_found", err.Error())
		case errors.As(err, &notCancelable):
			writeError(w, http.StatusConflict, "not_cancelable", err.Error())
		default:
			h.logger.Errorf("cancel failed: %v", err)
			writeError(w, http.StatusInternalServerError, "cancel_failed", "Failed to cancel deployment")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "canceling"})
}

// RetryDeployment resubmits a failed deployment under a new ID
//
//	@Summary	Retry a failed deployment
//	@Tags		deployments
//	@Produce	json
//	@Param		id	path		string	true	"Deployment ID"
//	@Success	202	{object}	DeploymentResponse
//	@Failure	404	{object}	ErrorResponse
//	@Failure	409	{object}	ErrorResponse
//	@Router		/api/v1/deployments/{id}/retry [post]
func (h *DeploymentHandler) RetryDeployment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	clone, err := h.service.Retry(r.Context(), id)
	if err != nil {
		var notFound *deployment.ErrNotFound
		var notRetryable *deployment.ErrNotRetryable
		switch {
		case errors.As(err, &notFound):
			writeError(w, http.StatusNotFound, "not_found", err.Error())
		case errors.As(err, &notRetryable):
			writeError(w, http.StatusConflict, "not_retryable", err.Error())
		default:
			h.logger.Errorf("retry failed: %v", err)
			writeError(w, http.StatusInternalServerError, "retry_failed", "Failed to retry deployment")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, toResponse(clone))
}

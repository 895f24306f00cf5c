// Package deployment provides the orchestration service: the single entry
// point that validates plans, stores artifacts, registers deployments and
// hands them to the scheduler.
package deployment

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-uuid"

	"github.com/testrig/testrig/internal/environment"
	"github.com/testrig/testrig/internal/interfaces"
	"github.com/testrig/testrig/internal/metrics"
	"github.com/testrig/testrig/pkg/logging"
)

// Backend admits deployments for execution. The embedded scheduler and the
// distributed queue backend both satisfy it.
type Backend interface {
	Start()
	Stop(ctx context.Context) error
	Enqueue(ctx context.Context, deployment *interfaces.QueuedDeployment) error
	Cancel(ctx context.Context, deployment *interfaces.QueuedDeployment) error
	QueueMetrics() interfaces.QueueMetrics
}

// Service orchestrates deployment preparation for test batches
type Service struct {
	backend   Backend
	tracker   interfaces.DeploymentTracker
	artifacts interfaces.ArtifactRepository
	registry  *environment.Registry
	metrics   *metrics.Collector
	logger    *logging.Logger
}

// ServiceConfig holds all collaborators needed by the deployment service
type ServiceConfig struct {
	Backend   Backend
	Tracker   interfaces.DeploymentTracker
	Artifacts interfaces.ArtifactRepository
	Registry  *environment.Registry
	Metrics   *metrics.Collector
}

// NewService creates a new deployment service
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if cfg.Tracker == nil {
		return nil, fmt.Errorf("tracker is required")
	}
	if cfg.Artifacts == nil {
		return nil, fmt.Errorf("artifact repository is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("environment registry is required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewCollector()
	}

	return &Service{
		backend:   cfg.Backend,
		tracker:   cfg.Tracker,
		artifacts: cfg.Artifacts,
		registry:  cfg.Registry,
		metrics:   cfg.Metrics,
		logger:    logging.Orchestrator,
	}, nil
}

// Start begins processing admitted deployments
func (s *Service) Start() {
	s.backend.Start()
}

// Stop drains the backend within the context deadline
func (s *Service) Stop(ctx context.Context) error {
	return s.backend.Stop(ctx)
}

// Submit validates a plan, stores its artifacts and admits the deployment.
// On success the returned deployment is registered in PENDING.
func (s *Service) Submit(ctx context.Context, plan *interfaces.DeploymentPlan) (*interfaces.QueuedDeployment, error) {
	if err := validatePlan(plan); err != nil {
		return nil, err
	}

	pool, ok := s.registry.Pool(plan.EnvironmentID)
	if !ok {
		return nil, &interfaces.InvalidPlanError{
			Reason: fmt.Sprintf("unknown environment %q", plan.EnvironmentID),
		}
	}

	// Store artifacts up front so the plan references immutable content. IDs
	// assigned here flow back into the plan for the executor's Resolve.
	for i := range plan.Artifacts {
		a := &plan.Artifacts[i]
		id, err := s.artifacts.Store(ctx, a)
		if err != nil {
			return nil, fmt.Errorf("failed to store artifact %q: %w", a.Name, err)
		}
		a.ID = id
	}

	if plan.PlanID == "" {
		planID, err := uuid.GenerateUUID()
		if err != nil {
			return nil, fmt.Errorf("failed to generate plan ID: %w", err)
		}
		plan.PlanID = planID
	}
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = time.Now()
	}

	deploymentID, err := uuid.GenerateUUID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate deployment ID: %w", err)
	}

	deployment := &interfaces.QueuedDeployment{
		ID:        deploymentID,
		Plan:      plan,
		Status:    interfaces.DeploymentStatusPending,
		Pool:      pool,
		Priority:  plan.Config.Priority,
		CreatedAt: time.Now(),
	}

	if err := s.tracker.Register(deployment); err != nil {
		return nil, fmt.Errorf("failed to register deployment: %w", err)
	}
	if err := s.backend.Enqueue(ctx, deployment); err != nil {
		// Roll back the registration so a rejected submit leaves no trace
		_ = s.tracker.Remove(deployment.ID)
		return nil, fmt.Errorf("failed to enqueue deployment: %w", err)
	}

	s.logger.Info("submitted deployment %s environment=%s pool=%s priority=%d artifacts=%d",
		deployment.ID, plan.EnvironmentID, pool, deployment.Priority, len(plan.Artifacts))
	return deployment, nil
}

// GetByID retrieves a deployment by its ID
func (s *Service) GetByID(deploymentID string) (*interfaces.QueuedDeployment, error) {
	if deploymentID == "" {
		return nil, fmt.Errorf("deployment ID is required")
	}
	deployment, err := s.tracker.GetByID(deploymentID)
	if err != nil {
		return nil, &ErrNotFound{DeploymentID: deploymentID}
	}
	return deployment, nil
}

// GetStatus returns the current status of a deployment
func (s *Service) GetStatus(deploymentID string) (*interfaces.DeploymentStatus, error) {
	if deploymentID == "" {
		return nil, fmt.Errorf("deployment ID is required")
	}
	status, err := s.tracker.GetStatus(deploymentID)
	if err != nil {
		return nil, &ErrNotFound{DeploymentID: deploymentID}
	}
	return status, nil
}

// GetResult returns the terminal result of a deployment
func (s *Service) GetResult(deploymentID string) (*interfaces.DeploymentResult, error) {
	if deploymentID == "" {
		return nil, fmt.Errorf("deployment ID is required")
	}
	return s.tracker.GetResult(deploymentID)
}

// GetLogs returns the buffered log lines of a deployment
func (s *Service) GetLogs(deploymentID string) ([]string, error) {
	if deploymentID == "" {
		return nil, fmt.Errorf("deployment ID is required")
	}
	logs, err := s.tracker.GetLogs(deploymentID)
	if err != nil {
		return nil, &ErrNotFound{DeploymentID: deploymentID}
	}
	return logs, nil
}

// List returns deployments matching the filter
func (s *Service) List(filter interfaces.DeploymentFilter) ([]*interfaces.QueuedDeployment, error) {
	deployments, err := s.tracker.List(filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	return deployments, nil
}

// Cancel stops a deployment. Queued deployments are removed immediately;
// running ones observe the canceled status at the next stage boundary.
func (s *Service) Cancel(ctx context.Context, deploymentID string) error {
	deployment, err := s.GetByID(deploymentID)
	if err != nil {
		return err
	}
	if deployment.Status.Terminal() {
		return &ErrNotCancelable{DeploymentID: deploymentID, Status: string(deployment.Status)}
	}

	// Mark first: a deployment dequeued during this call still sees the
	// canceled status before its next stage
	if err := s.tracker.SetStatus(deploymentID, interfaces.DeploymentStatusCanceled); err != nil {
		return fmt.Errorf("failed to mark deployment canceled: %w", err)
	}
	s.metrics.RecordDeploymentCanceled(deploymentID)

	if err := s.backend.Cancel(ctx, deployment); err != nil {
		// Already dequeued; the executor finishes the cancellation
		s.logger.Debug("deployment %s not in queue during cancel: %v", deploymentID, err)
	}

	s.logger.Info("canceled deployment %s", deploymentID)
	return nil
}

// Retry resubmits a failed deployment as a new deployment with the same plan.
// The failed record is preserved; results are immutable.
func (s *Service) Retry(ctx context.Context, deploymentID string) (*interfaces.QueuedDeployment, error) {
	deployment, err := s.GetByID(deploymentID)
	if err != nil {
		return nil, err
	}
	if deployment.Status != interfaces.DeploymentStatusFailed {
		return nil, &ErrNotRetryable{DeploymentID: deploymentID, Status: string(deployment.Status)}
	}

	newID, err := uuid.GenerateUUID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate deployment ID: %w", err)
	}

	clone := &interfaces.QueuedDeployment{
		ID:        newID,
		RequestID: deployment.RequestID,
		Plan:      deployment.Plan,
		Status:    interfaces.DeploymentStatusPending,
		Pool:      deployment.Pool,
		Priority:  deployment.Priority,
		CreatedAt: time.Now(),
	}

	if err := s.tracker.Register(clone); err != nil {
		return nil, fmt.Errorf("failed to register retried deployment: %w", err)
	}
	if err := s.backend.Enqueue(ctx, clone); err != nil {
		_ = s.tracker.Remove(clone.ID)
		return nil, fmt.Errorf("failed to enqueue retried deployment: %w", err)
	}

	s.logger.Info("retried deployment %s as %s", deploymentID, clone.ID)
	return clone, nil
}

// SystemMetrics returns the aggregate system metrics
func (s *Service) SystemMetrics() interfaces.SystemMetrics {
	return s.metrics.GetSystemMetrics()
}

// QueueMetrics returns the backend queue metrics
func (s *Service) QueueMetrics() interfaces.QueueMetrics {
	return s.backend.QueueMetrics()
}

package embedded

import (
	"fmt"
	"sync"
	"time"

	"github.com/testrig/testrig/internal/interfaces"
	"github.com/testrig/testrig/pkg/logging"
)

// maxLogLines bounds the per-deployment log buffer; older lines roll off
const maxLogLines = 500

// Tracker implements interfaces.DeploymentTracker using in-memory storage
type Tracker struct {
	mu          sync.RWMutex
	deployments map[string]*interfaces.QueuedDeployment
	results     map[string]*interfaces.DeploymentResult
	logs        map[string][]string
	logger      *logging.Logger
}

// NewTracker creates a new embedded deployment tracker
func NewTracker() *Tracker {
	return &Tracker{
		deployments: make(map[string]*interfaces.QueuedDeployment),
		results:     make(map[string]*interfaces.DeploymentResult),
		logs:        make(map[string][]string),
		logger:      logging.NewLogger("embedded-tracker"),
	}
}

// Register adds a new deployment to the tracker
func (t *Tracker) Register(deployment *interfaces.QueuedDeployment) error {
	if deployment == nil {
		return fmt.Errorf("deployment is nil")
	}
	if deployment.ID == "" {
		return fmt.Errorf("deployment ID is empty")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.deployments[deployment.ID]; exists {
		return fmt.Errorf("deployment %s already exists", deployment.ID)
	}

	// Store a copy to prevent external modifications
	d := *deployment
	t.deployments[deployment.ID] = &d
	return nil
}

// GetByID returns a deployment by its ID
func (t *Tracker) GetByID(deploymentID string) (*interfaces.QueuedDeployment, error) {
	if deploymentID == "" {
		return nil, fmt.Errorf("deployment ID is empty")
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	deployment, exists := t.deployments[deploymentID]
	if !exists {
		return nil, fmt.Errorf("deployment %s not found", deploymentID)
	}

	// Return a copy to prevent external modifications
	d := *deployment
	return &d, nil
}

// GetStatus returns the status of a deployment
func (t *Tracker) GetStatus(deploymentID string) (*interfaces.DeploymentStatus, error) {
	if deploymentID == "" {
		return nil, fmt.Errorf("deployment ID is empty")
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	deployment, exists := t.deployments[deploymentID]
	if !exists {
		return nil, fmt.Errorf("deployment %s not found", deploymentID)
	}

	status := deployment.Status
	return &status, nil
}

// SetStatus updates the status of a deployment. Transitions out of a terminal
// state are rejected; results are immutable once finalized.
func (t *Tracker) SetStatus(deploymentID string, status interfaces.DeploymentStatus) error {
	if deploymentID == "" {
		return fmt.Errorf("deployment ID is empty")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	deployment, exists := t.deployments[deploymentID]
	if !exists {
		return fmt.Errorf("deployment %s not found", deploymentID)
	}
	if deployment.Status.Terminal() && status != deployment.Status {
		return fmt.Errorf("deployment %s is already %s", deploymentID, deployment.Status)
	}

	deployment.Status = status

	now := time.Now()
	switch status {
	case interfaces.DeploymentStatusPreparing:
		if deployment.StartedAt == nil {
			deployment.StartedAt = &now
		}
	case interfaces.DeploymentStatusCompleted,
		interfaces.DeploymentStatusFailed,
		interfaces.DeploymentStatusCanceled:
		if deployment.CompletedAt == nil {
			deployment.CompletedAt = &now
		}
	default:
		// In-flight statuses carry no timestamp updates
	}
	return nil
}

// SetError records the most recent error for a deployment
func (t *Tracker) SetError(deploymentID string, deployErr error) error {
	if deploymentID == "" {
		return fmt.Errorf("deployment ID is empty")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	deployment, exists := t.deployments[deploymentID]
	if !exists {
		return fmt.Errorf("deployment %s not found", deploymentID)
	}
	deployment.LastError = deployErr
	return nil
}

// SetResult records the terminal result for a deployment. A result may only
// be written once.
func (t *Tracker) SetResult(deploymentID string, result *interfaces.DeploymentResult) error {
	if deploymentID == "" {
		return fmt.Errorf("deployment ID is empty")
	}
	if result == nil {
		return fmt.Errorf("result is nil")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.deployments[deploymentID]; !exists {
		return fmt.Errorf("deployment %s not found", deploymentID)
	}
	if _, exists := t.results[deploymentID]; exists {
		return fmt.Errorf("result for deployment %s already recorded", deploymentID)
	}

	r := *result
	t.results[deploymentID] = &r
	return nil
}

// GetResult returns the terminal result for a deployment
func (t *Tracker) GetResult(deploymentID string) (*interfaces.DeploymentResult, error) {
	if deploymentID == "" {
		return nil, fmt.Errorf("deployment ID is empty")
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	result, exists := t.results[deploymentID]
	if !exists {
		return nil, fmt.Errorf("no result for deployment %s", deploymentID)
	}

	r := *result
	return &r, nil
}

// List returns deployments matching the filter
func (t *Tracker) List(filter interfaces.DeploymentFilter) ([]*interfaces.QueuedDeployment, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var matches []*interfaces.QueuedDeployment
	for _, deployment := range t.deployments {
		if !matchesFilter(deployment, filter) {
			continue
		}
		d := *deployment
		matches = append(matches, &d)
	}
	return matches, nil
}

func matchesFilter(d *interfaces.QueuedDeployment, filter interfaces.DeploymentFilter) bool {
	if len(filter.Status) > 0 {
		found := false
		for _, s := range filter.Status {
			if d.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if filter.Pool != "" && d.Pool != filter.Pool {
		return false
	}
	if !filter.CreatedAfter.IsZero() && d.CreatedAt.Before(filter.CreatedAfter) {
		return false
	}
	if !filter.CreatedBefore.IsZero() && d.CreatedAt.After(filter.CreatedBefore) {
		return false
	}
	return true
}

// Remove deletes a deployment and its result from the tracker
func (t *Tracker) Remove(deploymentID string) error {
	if deploymentID == "" {
		return fmt.Errorf("deployment ID is empty")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.deployments[deploymentID]; !exists {
		return fmt.Errorf("deployment %s not found", deploymentID)
	}
	delete(t.deployments, deploymentID)
	delete(t.results, deploymentID)
	delete(t.logs, deploymentID)
	return nil
}

// AppendLog adds a sanitized line to the deployment's bounded log buffer
func (t *Tracker) AppendLog(deploymentID string, line string) error {
	if deploymentID == "" {
		return fmt.Errorf("deployment ID is empty")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.deployments[deploymentID]; !exists {
		return fmt.Errorf("deployment %s not found", deploymentID)
	}

	lines := append(t.logs[deploymentID], logging.Sanitize(line))
	if len(lines) > maxLogLines {
		lines = lines[len(lines)-maxLogLines:]
	}
	t.logs[deploymentID] = lines
	return nil
}

// GetLogs returns the buffered log lines for a deployment
func (t *Tracker) GetLogs(deploymentID string) ([]string, error) {
	if deploymentID == "" {
		return nil, fmt.Errorf("deployment ID is empty")
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	if _, exists := t.deployments[deploymentID]; !exists {
		return nil, fmt.Errorf("deployment %s not found", deploymentID)
	}

	lines := t.logs[deploymentID]
	out := make([]string, len(lines))
	copy(out, lines)
	return out, nil
}

var _ interfaces.DeploymentTracker = (*Tracker)(nil)

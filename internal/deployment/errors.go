package deployment

import "fmt"

// ErrNotFound reports an unknown deployment ID
type ErrNotFound struct {
	DeploymentID string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("deployment %s not found", e.DeploymentID)
}

// ErrNotCancelable reports a cancel of an already-terminal deployment
type ErrNotCancelable struct {
	DeploymentID string
	Status       string
}

func (e *ErrNotCancelable) Error() string {
	return fmt.Sprintf("deployment %s is already %s and cannot be canceled", e.DeploymentID, e.Status)
}

// ErrNotRetryable reports a retry of a deployment that has not failed
type ErrNotRetryable struct {
	DeploymentID string
	Status       string
}

func (e *ErrNotRetryable) Error() string {
	return fmt.Sprintf("deployment %s is %s; only failed deployments can be retried", e.DeploymentID, e.Status)
}

package interfaces

import (
	"errors"
	"fmt"
	"strings"
)

// Error classes attached to failure diagnostics and metrics. Classification
// happens at the point of origin; the retry controller only consults it.
const (
	ErrorClassConnection  = "connection"
	ErrorClassAuth        = "authentication"
	ErrorClassIntegrity   = "integrity"
	ErrorClassDependency  = "dependency_install"
	ErrorClassUnsupported = "unsupported_configuration"
	ErrorClassValidation  = "validation"
	ErrorClassUnavailable = "environment_unavailable"
	ErrorClassInvalidPlan = "invalid_plan"
	ErrorClassUnknown     = "unknown"
)

// ConnectionError is a retryable network or session-establishment failure
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthenticationError is a fatal credential failure
type AuthenticationError struct {
	Endpoint string
	Err      error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication to %s failed: %v", e.Endpoint, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// IntegrityError is a fatal checksum mismatch
type IntegrityError struct {
	ArtifactID string
	Expected   string
	Actual     string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("artifact %s checksum mismatch: expected %s, got %s",
		e.ArtifactID, e.Expected, e.Actual)
}

// DependencyInstallError is a retryable package/tool install failure
type DependencyInstallError struct {
	Name string
	Err  error
}

func (e *DependencyInstallError) Error() string {
	return fmt.Sprintf("failed to install dependency %s: %v", e.Name, e.Err)
}

func (e *DependencyInstallError) Unwrap() error { return e.Err }

// UnsupportedConfigurationError is a fatal instrumentation/target mismatch,
// detected before the environment is touched
type UnsupportedConfigurationError struct {
	Reason string
}

func (e *UnsupportedConfigurationError) Error() string {
	return "unsupported instrumentation configuration: " + e.Reason
}

// ValidationFailure reports readiness checks that did not pass. Never retried:
// a failed validation is an environment defect, not a transient fault.
type ValidationFailure struct {
	Result *ValidationResult
}

func (e *ValidationFailure) Error() string {
	if e.Result == nil {
		return "readiness validation failed"
	}
	return "readiness validation failed: " + strings.Join(e.Result.FailedChecks(), ", ")
}

// EnvironmentUnavailableError signals that the target environment dropped
// offline mid-flight; the scheduler reschedules rather than failing outright
type EnvironmentUnavailableError struct {
	EnvironmentID string
	Err           error
}

func (e *EnvironmentUnavailableError) Error() string {
	return fmt.Sprintf("environment %s unavailable: %v", e.EnvironmentID, e.Err)
}

func (e *EnvironmentUnavailableError) Unwrap() error { return e.Err }

// InvalidPlanError is returned by Submit before any resource is touched
type InvalidPlanError struct {
	Reason string
}

func (e *InvalidPlanError) Error() string {
	return "invalid deployment plan: " + e.Reason
}

// ClassifyError maps an error to its diagnostic class
func ClassifyError(err error) string {
	if err == nil {
		return ""
	}
	var (
		connErr *ConnectionError
		authErr *AuthenticationError
		intErr  *IntegrityError
		depErr  *DependencyInstallError
		cfgErr  *UnsupportedConfigurationError
		valErr  *ValidationFailure
		envErr  *EnvironmentUnavailableError
		planErr *InvalidPlanError
	)
	switch {
	case errors.As(err, &envErr):
		return ErrorClassUnavailable
	case errors.As(err, &connErr):
		return ErrorClassConnection
	case errors.As(err, &authErr):
		return ErrorClassAuth
	case errors.As(err, &intErr):
		return ErrorClassIntegrity
	case errors.As(err, &depErr):
		return ErrorClassDependency
	case errors.As(err, &cfgErr):
		return ErrorClassUnsupported
	case errors.As(err, &valErr):
		return ErrorClassValidation
	case errors.As(err, &planErr):
		return ErrorClassInvalidPlan
	default:
		return ErrorClassUnknown
	}
}

// IsRetryable reports whether the error class permits re-driving the stage
func IsRetryable(err error) bool {
	switch ClassifyError(err) {
	case ErrorClassConnection, ErrorClassDependency:
		return true
	default:
		return false
	}
}

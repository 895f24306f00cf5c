// Package interfaces defines the core types and capability interfaces shared by
// the deployment orchestration components.
package interfaces

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"
)

// ArtifactType categorizes a test artifact
type ArtifactType string

// ArtifactType constants represent the supported artifact categories
const (
	ArtifactTypeScript ArtifactType = "script"
	ArtifactTypeBinary ArtifactType = "binary"
	ArtifactTypeConfig ArtifactType = "config"
	ArtifactTypeData   ArtifactType = "data"
)

// TestArtifact is a single file to be placed on a target environment.
// Content is addressed by its SHA-256 checksum; permissions use the wire
// contract's octal string form (e.g. "0755").
type TestArtifact struct {
	ID          string       `json:"artifact_id"`
	Name        string       `json:"name"`
	Type        ArtifactType `json:"type"`
	Content     []byte       `json:"content"`
	Checksum    string       `json:"checksum"`
	TargetPath  string       `json:"target_path"`
	Permissions string       `json:"permissions"`
	DependsOn   []string     `json:"depends_on,omitempty"`
	Sensitive   bool         `json:"sensitive,omitempty"`
}

// ComputeChecksum returns the SHA-256 hex digest of the given content
func ComputeChecksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// VerifyChecksum checks that the artifact content matches its declared checksum
func (a *TestArtifact) VerifyChecksum() error {
	actual := ComputeChecksum(a.Content)
	if actual != a.Checksum {
		return &IntegrityError{ArtifactID: a.ID, Expected: a.Checksum, Actual: actual}
	}
	return nil
}

// FileMode parses the artifact's octal permission string
func (a *TestArtifact) FileMode() (os.FileMode, error) {
	if a.Permissions == "" {
		return 0o644, nil
	}
	mode, err := strconv.ParseUint(a.Permissions, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid permission string %q: %w", a.Permissions, err)
	}
	return os.FileMode(mode), nil
}

// Dependency is a package or tool that must be present on the environment
// before tests can run
type Dependency struct {
	Name     string `json:"name"`
	Version  string `json:"version,omitempty"`
	Manager  string `json:"manager,omitempty"` // e.g. "apt", "pip"
	Optional bool   `json:"optional,omitempty"`
}

// InstrumentationConfig declares the debugging/coverage/profiling tooling to
// configure on an environment
type InstrumentationConfig struct {
	KASAN           bool     `json:"kasan,omitempty"`
	KTSAN           bool     `json:"ktsan,omitempty"`
	Lockdep         bool     `json:"lockdep,omitempty"`
	Coverage        bool     `json:"coverage,omitempty"`
	Profiling       bool     `json:"profiling,omitempty"`
	Fuzzing         bool     `json:"fuzzing,omitempty"`
	KernelParams    []string `json:"kernel_params,omitempty"`
	MonitoringTools []string `json:"monitoring_tools,omitempty"`
	// MandatoryTools lists tools whose verification failure fails the pipeline
	MandatoryTools []string `json:"mandatory_tools,omitempty"`
}

// Enabled returns the names of all enabled instrumentation features
func (c *InstrumentationConfig) Enabled() []string {
	var names []string
	for name, on := range map[string]bool{
		"kasan":     c.KASAN,
		"ktsan":     c.KTSAN,
		"lockdep":   c.Lockdep,
		"coverage":  c.Coverage,
		"profiling": c.Profiling,
		"fuzzing":   c.Fuzzing,
	} {
		if on {
			names = append(names, name)
		}
	}
	return names
}

// DeploymentConfig carries per-deployment tuning
type DeploymentConfig struct {
	Priority       int           `json:"priority"`
	StageTimeout   time.Duration `json:"stage_timeout,omitempty"`
	ConnectTimeout time.Duration `json:"connect_timeout,omitempty"`
	MaxAttempts    int           `json:"max_attempts,omitempty"`
}

// DeploymentPlan describes what to deploy, where, and with what configuration.
// Immutable once submitted; only status and derived fields change afterwards.
type DeploymentPlan struct {
	PlanID          string                `json:"plan_id"`
	EnvironmentID   string                `json:"environment_id"`
	Artifacts       []TestArtifact        `json:"artifacts"`
	Dependencies    []Dependency          `json:"dependencies,omitempty"`
	Instrumentation InstrumentationConfig `json:"instrumentation"`
	Config          DeploymentConfig      `json:"config"`
	CreatedAt       time.Time             `json:"created_at"`
}

// DeploymentStatus represents the status of a deployment
type DeploymentStatus string

// DeploymentStatus constants walk the deployment state machine
const (
	DeploymentStatusPending         DeploymentStatus = "pending"
	DeploymentStatusPreparing       DeploymentStatus = "preparing"
	DeploymentStatusConnecting      DeploymentStatus = "connecting"
	DeploymentStatusInstallingDeps  DeploymentStatus = "installing_deps"
	DeploymentStatusDeployingScript DeploymentStatus = "deploying_scripts"
	DeploymentStatusConfiguring     DeploymentStatus = "configuring_instrumentation"
	DeploymentStatusValidating      DeploymentStatus = "validating"
	DeploymentStatusCompleted       DeploymentStatus = "completed"
	DeploymentStatusFailed          DeploymentStatus = "failed"
	DeploymentStatusCanceled        DeploymentStatus = "canceled"
)

// Terminal reports whether the status is a terminal state
func (s DeploymentStatus) Terminal() bool {
	switch s {
	case DeploymentStatusCompleted, DeploymentStatusFailed, DeploymentStatusCanceled:
		return true
	default:
		return false
	}
}

// Stage identifies one step of the deployment pipeline
type Stage string

// Stage constants enumerate the fixed pipeline sequence
const (
	StagePrepare        Stage = "prepare"
	StageConnect        Stage = "connect"
	StageInstallDeps    Stage = "install_deps"
	StageDeployScripts  Stage = "deploy_scripts"
	StageConfigureInstr Stage = "configure_instrumentation"
	StageValidate       Stage = "validate_readiness"
)

// StageStatus maps a pipeline stage to the in-flight status it runs under
func StageStatus(stage Stage) DeploymentStatus {
	switch stage {
	case StagePrepare:
		return DeploymentStatusPreparing
	case StageConnect:
		return DeploymentStatusConnecting
	case StageInstallDeps:
		return DeploymentStatusInstallingDeps
	case StageDeployScripts:
		return DeploymentStatusDeployingScript
	case StageConfigureInstr:
		return DeploymentStatusConfiguring
	case StageValidate:
		return DeploymentStatusValidating
	default:
		return DeploymentStatusPending
	}
}

// ValidationCheck is one readiness probe outcome
type ValidationCheck struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// ValidationResult aggregates readiness probe outcomes
type ValidationResult struct {
	Passed bool              `json:"passed"`
	Checks []ValidationCheck `json:"checks"`
}

// Add appends a check outcome, folding it into the aggregate verdict
func (r *ValidationResult) Add(name string, passed bool, detail string) {
	r.Checks = append(r.Checks, ValidationCheck{Name: name, Passed: passed, Detail: detail})
	if !passed {
		r.Passed = false
	}
}

// FailedChecks returns the names of checks that did not pass
func (r *ValidationResult) FailedChecks() []string {
	var failed []string
	for _, c := range r.Checks {
		if !c.Passed {
			failed = append(failed, c.Name)
		}
	}
	return failed
}

// StageTiming records timing for one executed pipeline stage
type StageTiming struct {
	Stage     Stage         `json:"stage"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Attempts  int           `json:"attempts"`
}

// FailureDetail is the diagnostic payload attached to a FAILED deployment.
// It never contains credentials or raw artifact content.
type FailureDetail struct {
	Stage      Stage  `json:"stage"`
	ErrorClass string `json:"error_class"`
	Message    string `json:"message"`
	Attempts   int    `json:"attempts"`
}

// DeploymentResult is the immutable terminal record of a deployment
type DeploymentResult struct {
	DeploymentID string            `json:"deployment_id"`
	Status       DeploymentStatus  `json:"status"`
	StageTimings []StageTiming     `json:"stage_timings,omitempty"`
	Error        *FailureDetail    `json:"error,omitempty"`
	Validation   *ValidationResult `json:"validation,omitempty"`
	CompletedAt  time.Time         `json:"completed_at"`
}

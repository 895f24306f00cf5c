// Package executor drives a queued deployment through the fixed pipeline:
// prepare, connect, install dependencies, deploy artifacts, configure
// instrumentation, validate readiness. The executor owns every status
// transition of a running deployment.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/testrig/testrig/internal/environment"
	"github.com/testrig/testrig/internal/events"
	"github.com/testrig/testrig/internal/instrumentation"
	"github.com/testrig/testrig/internal/interfaces"
	"github.com/testrig/testrig/internal/metrics"
	"github.com/testrig/testrig/internal/retry"
	"github.com/testrig/testrig/pkg/logging"
)

// ErrReschedule wraps an EnvironmentUnavailableError so the scheduler requeues
// the deployment instead of failing it
var ErrReschedule = errors.New("deployment must be rescheduled")

const defaultStageTimeout = 2 * time.Minute

// PipelineExecutor runs deployment pipelines against environment managers
type PipelineExecutor struct {
	tracker   interfaces.DeploymentTracker
	artifacts interfaces.ArtifactRepository
	registry  *environment.Registry
	managers  map[interfaces.PoolKind]interfaces.EnvironmentManager
	retrier   *retry.Controller
	instr     *instrumentation.Manager
	events    *events.EventBus
	metrics   *metrics.Collector
	logger    *logging.Logger

	stageTimeout time.Duration
}

// Options configures a PipelineExecutor
type Options struct {
	Tracker      interfaces.DeploymentTracker
	Artifacts    interfaces.ArtifactRepository
	Registry     *environment.Registry
	Managers     map[interfaces.PoolKind]interfaces.EnvironmentManager
	Retrier      *retry.Controller
	EventBus     *events.EventBus
	Metrics      *metrics.Collector
	StageTimeout time.Duration
}

// NewPipelineExecutor creates a pipeline executor
func NewPipelineExecutor(opts Options) (*PipelineExecutor, error) {
	if opts.Tracker == nil {
		return nil, fmt.Errorf("tracker is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("environment registry is required")
	}
	if len(opts.Managers) == 0 {
		return nil, fmt.Errorf("at least one environment manager is required")
	}
	if opts.Retrier == nil {
		opts.Retrier = retry.NewController(retry.Policy{})
	}
	if opts.EventBus == nil {
		opts.EventBus = events.NewEventBus()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewCollector()
	}
	if opts.StageTimeout == 0 {
		opts.StageTimeout = defaultStageTimeout
	}

	return &PipelineExecutor{
		tracker:      opts.Tracker,
		artifacts:    opts.Artifacts,
		registry:     opts.Registry,
		managers:     opts.Managers,
		retrier:      opts.Retrier,
		instr:        instrumentation.NewManager(),
		events:       opts.EventBus,
		metrics:      opts.Metrics,
		logger:       logging.Pipeline,
		stageTimeout: opts.StageTimeout,
	}, nil
}

// run carries the mutable state of one pipeline execution
type run struct {
	deployment *interfaces.QueuedDeployment
	envCfg     *interfaces.EnvironmentConfig
	manager    interfaces.EnvironmentManager
	ordered    []*interfaces.TestArtifact
	handle     interfaces.EnvironmentHandle
	timings    []interfaces.StageTiming
	validation *interfaces.ValidationResult
}

// Execute drives one deployment to a terminal state. It returns ErrReschedule
// (wrapped) when the environment dropped offline and the scheduler should
// requeue; any other return means the deployment reached a terminal state and
// its result is recorded.
func (e *PipelineExecutor) Execute(ctx context.Context, deployment *interfaces.QueuedDeployment) error {
	r := &run{deployment: deployment}
	e.metrics.RecordDeploymentStarted(deployment.ID)

	// The handle must be torn down on every exit path, including panics in
	// stage code
	defer func() {
		if r.handle != nil {
			if err := r.handle.Close(); err != nil {
				e.logger.Warnf("failed to close session for %s: %v", deployment.ID, err)
			}
		}
	}()

	stages := []struct {
		stage interfaces.Stage
		fn    func(ctx context.Context, r *run) error
	}{
		{interfaces.StagePrepare, e.prepare},
		{interfaces.StageConnect, e.connect},
		{interfaces.StageInstallDeps, e.installDependencies},
		{interfaces.StageDeployScripts, e.deployArtifacts},
		{interfaces.StageConfigureInstr, e.configureInstrumentation},
		{interfaces.StageValidate, e.validate},
	}

	for _, s := range stages {
		// Cancellation is honored at stage boundaries; a running stage finishes
		// before the check
		if canceled, err := e.checkCanceled(ctx, r); canceled {
			return err
		}

		if err := e.runStage(ctx, r, s.stage, s.fn); err != nil {
			return e.finishFailure(r, s.stage, err)
		}
	}

	return e.finishSuccess(r)
}

// runStage executes one stage under its timeout and records its timing
func (e *PipelineExecutor) runStage(ctx context.Context, r *run, stage interfaces.Stage, fn func(context.Context, *run) error) error {
	d := r.deployment
	if err := e.transition(d, interfaces.StageStatus(stage)); err != nil {
		return err
	}

	timeout := e.stageTimeoutFor(d, stage)
	stageCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	attempts := 1
	e.logger.Slog().StageStart(d.ID, string(stage), attempts)
	e.appendLog(d.ID, fmt.Sprintf("stage %s started", stage))

	var err error
	if stageRetryable(stage) {
		attempts, err = e.retrier.DoWithMaxAttempts(stageCtx, d.ID, stage, d.Plan.Config.MaxAttempts,
			func(ctx context.Context) error { return fn(ctx, r) })
	} else {
		err = fn(stageCtx, r)
	}

	duration := time.Since(started)
	r.timings = append(r.timings, interfaces.StageTiming{
		Stage:     stage,
		StartedAt: started,
		Duration:  duration,
		Attempts:  attempts,
	})
	d.RetryCount += attempts - 1

	if err != nil {
		// A stage that ran out of time reads as a connection-class timeout
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = &interfaces.ConnectionError{
				Endpoint: d.Plan.EnvironmentID,
				Err:      fmt.Errorf("stage %s timed out after %s", stage, timeout),
			}
		}
		e.logger.Slog().StageFailure(d.ID, string(stage), err)
		e.appendLog(d.ID, fmt.Sprintf("stage %s failed after %s: %s", stage, duration, logging.Sanitize(err.Error())))
		return err
	}

	e.logger.Slog().StageSuccess(d.ID, string(stage))
	e.appendLog(d.ID, fmt.Sprintf("stage %s completed in %s", stage, duration))
	return nil
}

// stageRetryable reports whether a stage participates in attempt-level retry.
// Prepare is pure local validation and validate is deliberately never retried.
func stageRetryable(stage interfaces.Stage) bool {
	switch stage {
	case interfaces.StagePrepare, interfaces.StageValidate:
		return false
	default:
		return true
	}
}

func (e *PipelineExecutor) stageTimeoutFor(d *interfaces.QueuedDeployment, stage interfaces.Stage) time.Duration {
	if stage == interfaces.StageConnect && d.Plan.Config.ConnectTimeout > 0 {
		return d.Plan.Config.ConnectTimeout
	}
	if d.Plan.Config.StageTimeout > 0 {
		return d.Plan.Config.StageTimeout
	}
	return e.stageTimeout
}

// prepare resolves the environment, validates the instrumentation config
// against the target and orders artifacts by dependency
func (e *PipelineExecutor) prepare(ctx context.Context, r *run) error {
	d := r.deployment

	cfg, ok := e.registry.Get(d.Plan.EnvironmentID)
	if !ok {
		return &interfaces.InvalidPlanError{
			Reason: fmt.Sprintf("unknown environment %q", d.Plan.EnvironmentID),
		}
	}
	manager, ok := e.managers[cfg.Pool]
	if !ok {
		return &interfaces.InvalidPlanError{
			Reason: fmt.Sprintf("no manager for pool %q", cfg.Pool),
		}
	}
	r.envCfg = cfg
	r.manager = manager

	// Unsupported flag combinations must fail before the environment is touched
	if err := e.instr.ValidateConfig(&d.Plan.Instrumentation, cfg.Arch); err != nil {
		return err
	}

	ids := make([]string, 0, len(d.Plan.Artifacts))
	for i := range d.Plan.Artifacts {
		ids = append(ids, d.Plan.Artifacts[i].ID)
	}
	ordered, err := e.artifacts.Resolve(ctx, ids)
	if err != nil {
		return err
	}
	r.ordered = ordered
	return nil
}

// connect opens the environment session
func (e *PipelineExecutor) connect(ctx context.Context, r *run) error {
	handle, err := r.manager.Connect(ctx, r.envCfg)
	if err != nil {
		return err
	}
	r.handle = handle
	return nil
}

func (e *PipelineExecutor) installDependencies(ctx context.Context, r *run) error {
	return r.manager.InstallDependencies(ctx, r.handle, r.deployment.Plan.Dependencies)
}

func (e *PipelineExecutor) deployArtifacts(ctx context.Context, r *run) error {
	return r.manager.DeployArtifacts(ctx, r.handle, r.ordered)
}

func (e *PipelineExecutor) configureInstrumentation(ctx context.Context, r *run) error {
	return r.manager.ConfigureInstrumentation(ctx, r.handle, &r.deployment.Plan.Instrumentation)
}

func (e *PipelineExecutor) validate(ctx context.Context, r *run) error {
	result, err := r.manager.ValidateReadiness(ctx, r.handle, &r.deployment.Plan.Instrumentation)
	if err != nil {
		return err
	}
	r.validation = result
	if !result.Passed {
		return &interfaces.ValidationFailure{Result: result}
	}
	return nil
}

// checkCanceled honors cooperative cancellation between stages
func (e *PipelineExecutor) checkCanceled(ctx context.Context, r *run) (bool, error) {
	d := r.deployment

	status, err := e.tracker.GetStatus(d.ID)
	canceledByAPI := err == nil && *status == interfaces.DeploymentStatusCanceled
	if !canceledByAPI && ctx.Err() == nil {
		return false, nil
	}

	e.appendLog(d.ID, "deployment canceled")
	_ = e.tracker.SetStatus(d.ID, interfaces.DeploymentStatusCanceled)
	e.metrics.RecordDeploymentCanceled(d.ID)

	now := time.Now()
	d.CompletedAt = &now
	result := &interfaces.DeploymentResult{
		DeploymentID: d.ID,
		Status:       interfaces.DeploymentStatusCanceled,
		StageTimings: r.timings,
		CompletedAt:  now,
	}
	_ = e.tracker.SetResult(d.ID, result)
	e.events.PublishResult(d.ID, result)
	return true, nil
}

// finishSuccess finalizes a completed deployment
func (e *PipelineExecutor) finishSuccess(r *run) error {
	d := r.deployment
	if err := e.transition(d, interfaces.DeploymentStatusCompleted); err != nil {
		return err
	}

	now := time.Now()
	d.CompletedAt = &now
	result := &interfaces.DeploymentResult{
		DeploymentID: d.ID,
		Status:       interfaces.DeploymentStatusCompleted,
		StageTimings: r.timings,
		Validation:   r.validation,
		CompletedAt:  now,
	}
	if err := e.tracker.SetResult(d.ID, result); err != nil {
		return err
	}

	e.metrics.RecordDeploymentCompleted(d.ID)
	e.events.PublishResult(d.ID, result)
	return nil
}

// finishFailure finalizes a failed deployment, or signals a reschedule when
// the environment dropped offline
func (e *PipelineExecutor) finishFailure(r *run, stage interfaces.Stage, err error) error {
	d := r.deployment

	var envErr *interfaces.EnvironmentUnavailableError
	if errors.As(err, &envErr) {
		// Not a deployment defect: hand back to the scheduler
		e.metrics.RecordReschedule(d.ID)
		e.appendLog(d.ID, fmt.Sprintf("environment %s unavailable, rescheduling", envErr.EnvironmentID))
		return fmt.Errorf("%w: %w", ErrReschedule, err)
	}

	class := interfaces.ClassifyError(err)
	attempts := 1
	if len(r.timings) > 0 {
		attempts = r.timings[len(r.timings)-1].Attempts
	}

	_ = e.tracker.SetStatus(d.ID, interfaces.DeploymentStatusFailed)
	_ = e.tracker.SetError(d.ID, err)
	e.events.PublishStateChange(d.ID, interfaces.StageStatus(stage), interfaces.DeploymentStatusFailed, err)

	now := time.Now()
	d.CompletedAt = &now
	result := &interfaces.DeploymentResult{
		DeploymentID: d.ID,
		Status:       interfaces.DeploymentStatusFailed,
		StageTimings: r.timings,
		Validation:   r.validation,
		Error: &interfaces.FailureDetail{
			Stage:      stage,
			ErrorClass: class,
			Message:    logging.Sanitize(err.Error()),
			Attempts:   attempts,
		},
		CompletedAt: now,
	}
	_ = e.tracker.SetResult(d.ID, result)

	e.metrics.RecordDeploymentFailed(d.ID, class)
	e.events.PublishError(d.ID, err)
	e.events.PublishResult(d.ID, result)
	return err
}

// transition moves the deployment to a new status, rejecting transitions out
// of terminal states
func (e *PipelineExecutor) transition(d *interfaces.QueuedDeployment, to interfaces.DeploymentStatus) error {
	from := d.Status
	if from.Terminal() {
		return fmt.Errorf("deployment %s is already %s", d.ID, from)
	}

	if err := e.tracker.SetStatus(d.ID, to); err != nil {
		return err
	}
	d.Status = to
	e.logger.Slog().StateTransition(d.ID, string(from), string(to))
	e.events.PublishStateChange(d.ID, from, to, nil)
	return nil
}

func (e *PipelineExecutor) appendLog(deploymentID, line string) {
	if err := e.tracker.AppendLog(deploymentID, line); err != nil {
		e.logger.Debug("failed to append log for %s: %v", deploymentID, err)
	}
}

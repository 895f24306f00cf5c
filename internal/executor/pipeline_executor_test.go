package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/testrig/testrig/internal/environment"
	"github.com/testrig/testrig/internal/infra/embedded"
	"github.com/testrig/testrig/internal/interfaces"
	"github.com/testrig/testrig/internal/retry"
)

type fakeHandle struct {
	closed int
}

func (h *fakeHandle) ID() string            { return "session-1" }
func (h *fakeHandle) EnvironmentID() string { return "vm-1" }
func (h *fakeHandle) Exec(context.Context, string) (string, error) {
	return "", nil
}
func (h *fakeHandle) Upload(context.Context, []byte, string, os.FileMode) error { return nil }
func (h *fakeHandle) Remove(context.Context, string) error                      { return nil }
func (h *fakeHandle) Close() error {
	h.closed++
	return nil
}

// fakeManager scripts per-stage outcomes. connectErrs is consumed one error
// per Connect call; a nil entry (or exhaustion) means success.
type fakeManager struct {
	pool   interfaces.PoolKind
	handle *fakeHandle

	connectErrs  []error
	connectCalls int

	installErr   error
	installHook  func()
	installCalls int
	deployErr    error
	deployCalls  int
	configureErr error

	validateResult *interfaces.ValidationResult
	validateErr    error
	validateCalls  int
}

func newFakeManager() *fakeManager {
	return &fakeManager{
		pool:           interfaces.PoolVirtual,
		handle:         &fakeHandle{},
		validateResult: &interfaces.ValidationResult{Passed: true},
	}
}

func (m *fakeManager) Pool() interfaces.PoolKind { return m.pool }

func (m *fakeManager) Connect(ctx context.Context, _ *interfaces.EnvironmentConfig) (interfaces.EnvironmentHandle, error) {
	call := m.connectCalls
	m.connectCalls++
	if call < len(m.connectErrs) && m.connectErrs[call] != nil {
		return nil, m.connectErrs[call]
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.handle, nil
}

func (m *fakeManager) DeployArtifacts(context.Context, interfaces.EnvironmentHandle, []*interfaces.TestArtifact) error {
	m.deployCalls++
	return m.deployErr
}

func (m *fakeManager) InstallDependencies(context.Context, interfaces.EnvironmentHandle, []interfaces.Dependency) error {
	m.installCalls++
	if m.installHook != nil {
		m.installHook()
	}
	return m.installErr
}

func (m *fakeManager) ConfigureInstrumentation(context.Context, interfaces.EnvironmentHandle, *interfaces.InstrumentationConfig) error {
	return m.configureErr
}

func (m *fakeManager) ValidateReadiness(context.Context, interfaces.EnvironmentHandle, *interfaces.InstrumentationConfig) (*interfaces.ValidationResult, error) {
	m.validateCalls++
	if m.validateErr != nil {
		return nil, m.validateErr
	}
	return m.validateResult, nil
}

// fakeRepo serves artifacts straight from the requested IDs
type fakeRepo struct {
	resolveErr error
}

func (r *fakeRepo) Store(_ context.Context, a *interfaces.TestArtifact) (string, error) {
	return a.ID, nil
}

func (r *fakeRepo) Fetch(_ context.Context, id string) (*interfaces.TestArtifact, error) {
	return nil, fmt.Errorf("artifact %s not found", id)
}

func (r *fakeRepo) Resolve(_ context.Context, ids []string) ([]*interfaces.TestArtifact, error) {
	if r.resolveErr != nil {
		return nil, r.resolveErr
	}
	out := make([]*interfaces.TestArtifact, 0, len(ids))
	for _, id := range ids {
		content := []byte("content-" + id)
		out = append(out, &interfaces.TestArtifact{
			ID:       id,
			Content:  content,
			Checksum: interfaces.ComputeChecksum(content),
		})
	}
	return out, nil
}

func (r *fakeRepo) Distribute(context.Context, *interfaces.TestArtifact, interfaces.ArtifactDestination) error {
	return nil
}
func (r *fakeRepo) SetLatest(string, string) error { return nil }
func (r *fakeRepo) Latest(string) (string, error)  { return "", errors.New("no latest") }

type executorFixture struct {
	executor *PipelineExecutor
	tracker  *embedded.Tracker
	manager  *fakeManager
}

func newFixture(t *testing.T) *executorFixture {
	t.Helper()

	registry := environment.NewRegistry()
	require.NoError(t, registry.Register(&interfaces.EnvironmentConfig{
		ID:   "vm-1",
		Pool: interfaces.PoolVirtual,
		Host: "10.0.0.5",
		Arch: "amd64",
	}))

	tracker := embedded.NewTracker()
	manager := newFakeManager()

	exec, err := NewPipelineExecutor(Options{
		Tracker:   tracker,
		Artifacts: &fakeRepo{},
		Registry:  registry,
		Managers: map[interfaces.PoolKind]interfaces.EnvironmentManager{
			interfaces.PoolVirtual: manager,
		},
		Retrier: retry.NewController(retry.Policy{
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
			MaxAttempts: 3,
		}),
	})
	require.NoError(t, err)

	return &executorFixture{executor: exec, tracker: tracker, manager: manager}
}

func newDeployment(id, envID string) *interfaces.QueuedDeployment {
	return &interfaces.QueuedDeployment{
		ID: id,
		Plan: &interfaces.DeploymentPlan{
			PlanID:        "plan-" + id,
			EnvironmentID: envID,
			Artifacts: []interfaces.TestArtifact{
				{ID: "a1"},
			},
			Dependencies: []interfaces.Dependency{{Name: "gdb"}},
		},
		Status:    interfaces.DeploymentStatusPending,
		Pool:      interfaces.PoolVirtual,
		CreatedAt: time.Now(),
	}
}

func TestPipelineExecutor_Execute(t *testing.T) {
	t.Parallel()

	t.Run("Success", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		d := newDeployment("dep-1", "vm-1")
		require.NoError(t, f.tracker.Register(d))

		require.NoError(t, f.executor.Execute(context.Background(), d))

		status, err := f.tracker.GetStatus("dep-1")
		require.NoError(t, err)
		assert.Equal(t, interfaces.DeploymentStatusCompleted, *status)

		result, err := f.tracker.GetResult("dep-1")
		require.NoError(t, err)
		assert.Equal(t, interfaces.DeploymentStatusCompleted, result.Status)
		assert.Len(t, result.StageTimings, 6)
		require.NotNil(t, result.Validation)
		assert.True(t, result.Validation.Passed)

		assert.Equal(t, 1, f.manager.handle.closed)
		assert.Equal(t, 1, f.manager.deployCalls)
		assert.Equal(t, 1, f.manager.installCalls)
	})

	t.Run("UnknownEnvironmentFailsInPrepare", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		d := newDeployment("dep-1", "no-such-env")
		require.NoError(t, f.tracker.Register(d))

		err := f.executor.Execute(context.Background(), d)
		require.Error(t, err)

		var planErr *interfaces.InvalidPlanError
		require.ErrorAs(t, err, &planErr)

		result, rerr := f.tracker.GetResult("dep-1")
		require.NoError(t, rerr)
		assert.Equal(t, interfaces.DeploymentStatusFailed, result.Status)
		require.NotNil(t, result.Error)
		assert.Equal(t, interfaces.StagePrepare, result.Error.Stage)
		assert.Equal(t, interfaces.ErrorClassInvalidPlan, result.Error.ErrorClass)
		assert.Equal(t, 0, f.manager.connectCalls)
	})

	t.Run("RetryableConnectFailureRecovers", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.manager.connectErrs = []error{
			&interfaces.ConnectionError{Endpoint: "10.0.0.5:22", Err: errors.New("refused")},
			&interfaces.ConnectionError{Endpoint: "10.0.0.5:22", Err: errors.New("refused")},
		}
		d := newDeployment("dep-1", "vm-1")
		require.NoError(t, f.tracker.Register(d))

		require.NoError(t, f.executor.Execute(context.Background(), d))
		assert.Equal(t, 3, f.manager.connectCalls)
		assert.Equal(t, 2, d.RetryCount)

		status, err := f.tracker.GetStatus("dep-1")
		require.NoError(t, err)
		assert.Equal(t, interfaces.DeploymentStatusCompleted, *status)
	})

	t.Run("FatalAuthFailureDoesNotRetry", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.manager.connectErrs = []error{
			&interfaces.AuthenticationError{Endpoint: "10.0.0.5:22", Err: errors.New("denied")},
		}
		d := newDeployment("dep-1", "vm-1")
		require.NoError(t, f.tracker.Register(d))

		err := f.executor.Execute(context.Background(), d)
		require.Error(t, err)
		assert.Equal(t, 1, f.manager.connectCalls)

		result, rerr := f.tracker.GetResult("dep-1")
		require.NoError(t, rerr)
		require.NotNil(t, result.Error)
		assert.Equal(t, interfaces.StageConnect, result.Error.Stage)
		assert.Equal(t, interfaces.ErrorClassAuth, result.Error.ErrorClass)
	})

	t.Run("RetriesExhaustedFailsDeployment", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.manager.installErr = &interfaces.DependencyInstallError{Name: "gdb", Err: errors.New("mirror down")}
		d := newDeployment("dep-1", "vm-1")
		require.NoError(t, f.tracker.Register(d))

		err := f.executor.Execute(context.Background(), d)
		require.Error(t, err)
		assert.Equal(t, 3, f.manager.installCalls)

		result, rerr := f.tracker.GetResult("dep-1")
		require.NoError(t, rerr)
		require.NotNil(t, result.Error)
		assert.Equal(t, interfaces.StageInstallDeps, result.Error.Stage)
		assert.Equal(t, interfaces.ErrorClassDependency, result.Error.ErrorClass)
		assert.Equal(t, 3, result.Error.Attempts)
	})

	t.Run("PlanMaxAttemptsOverridesPolicy", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.manager.installErr = &interfaces.DependencyInstallError{Name: "gdb", Err: errors.New("mirror down")}
		d := newDeployment("dep-1", "vm-1")
		d.Plan.Config.MaxAttempts = 5
		require.NoError(t, f.tracker.Register(d))

		err := f.executor.Execute(context.Background(), d)
		require.Error(t, err)
		assert.Equal(t, 5, f.manager.installCalls)
	})

	t.Run("EnvironmentUnavailableSignalsReschedule", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.manager.connectErrs = []error{
			&interfaces.EnvironmentUnavailableError{EnvironmentID: "vm-1", Err: errors.New("instance stopped")},
		}
		d := newDeployment("dep-1", "vm-1")
		require.NoError(t, f.tracker.Register(d))

		err := f.executor.Execute(context.Background(), d)
		require.Error(t, err)
		require.ErrorIs(t, err, ErrReschedule)

		// No terminal result: the scheduler owns the requeue decision
		_, rerr := f.tracker.GetResult("dep-1")
		require.Error(t, rerr)
	})

	t.Run("ValidationFailureIsFatal", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		failing := &interfaces.ValidationResult{Passed: true}
		failing.Add("network", true, "")
		failing.Add("memory", false, "only 64 MiB memory available")
		f.manager.validateResult = failing

		d := newDeployment("dep-1", "vm-1")
		require.NoError(t, f.tracker.Register(d))

		err := f.executor.Execute(context.Background(), d)
		require.Error(t, err)

		var vf *interfaces.ValidationFailure
		require.ErrorAs(t, err, &vf)
		assert.Equal(t, 1, f.manager.validateCalls)

		result, rerr := f.tracker.GetResult("dep-1")
		require.NoError(t, rerr)
		assert.Equal(t, interfaces.ErrorClassValidation, result.Error.ErrorClass)
		require.NotNil(t, result.Validation)
		assert.Equal(t, []string{"memory"}, result.Validation.FailedChecks())
	})

	t.Run("UnsupportedInstrumentationFailsInPrepare", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		d := newDeployment("dep-1", "vm-1")
		d.Plan.Instrumentation = interfaces.InstrumentationConfig{KASAN: true, KTSAN: true}
		require.NoError(t, f.tracker.Register(d))

		err := f.executor.Execute(context.Background(), d)
		require.Error(t, err)

		var cfgErr *interfaces.UnsupportedConfigurationError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, 0, f.manager.connectCalls)
	})

	t.Run("CanceledBeforeStart", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		d := newDeployment("dep-1", "vm-1")
		require.NoError(t, f.tracker.Register(d))
		require.NoError(t, f.tracker.SetStatus("dep-1", interfaces.DeploymentStatusCanceled))

		require.NoError(t, f.executor.Execute(context.Background(), d))
		assert.Equal(t, 0, f.manager.connectCalls)

		result, err := f.tracker.GetResult("dep-1")
		require.NoError(t, err)
		assert.Equal(t, interfaces.DeploymentStatusCanceled, result.Status)
	})

	t.Run("CanceledDuringInstallReleasesHandle", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		d := newDeployment("dep-1", "vm-1")
		require.NoError(t, f.tracker.Register(d))

		// Cancellation lands while the install stage is running; the pipeline
		// honors it at the next stage boundary
		f.manager.installHook = func() {
			require.NoError(t, f.tracker.SetStatus("dep-1", interfaces.DeploymentStatusCanceled))
		}

		require.NoError(t, f.executor.Execute(context.Background(), d))

		assert.Equal(t, 1, f.manager.installCalls)
		assert.Equal(t, 0, f.manager.deployCalls)
		assert.Equal(t, 1, f.manager.handle.closed)

		status, err := f.tracker.GetStatus("dep-1")
		require.NoError(t, err)
		assert.Equal(t, interfaces.DeploymentStatusCanceled, *status)

		result, rerr := f.tracker.GetResult("dep-1")
		require.NoError(t, rerr)
		assert.Equal(t, interfaces.DeploymentStatusCanceled, result.Status)
	})

	t.Run("ContextCancellationStopsPipeline", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		d := newDeployment("dep-1", "vm-1")
		require.NoError(t, f.tracker.Register(d))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		require.NoError(t, f.executor.Execute(ctx, d))
		assert.Equal(t, 0, f.manager.connectCalls)

		status, err := f.tracker.GetStatus("dep-1")
		require.NoError(t, err)
		assert.Equal(t, interfaces.DeploymentStatusCanceled, *status)
	})

	t.Run("HandleClosedOnFailure", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.manager.deployErr = &interfaces.IntegrityError{ArtifactID: "a1", Expected: "aa", Actual: "bb"}
		d := newDeployment("dep-1", "vm-1")
		require.NoError(t, f.tracker.Register(d))

		err := f.executor.Execute(context.Background(), d)
		require.Error(t, err)
		assert.Equal(t, 1, f.manager.handle.closed)
	})
}

func TestNewPipelineExecutor_Validation(t *testing.T) {
	t.Parallel()

	registry := environment.NewRegistry()
	managers := map[interfaces.PoolKind]interfaces.EnvironmentManager{
		interfaces.PoolVirtual: newFakeManager(),
	}

	_, err := NewPipelineExecutor(Options{Registry: registry, Managers: managers})
	require.Error(t, err)

	_, err = NewPipelineExecutor(Options{Tracker: embedded.NewTracker(), Managers: managers})
	require.Error(t, err)

	_, err = NewPipelineExecutor(Options{Tracker: embedded.NewTracker(), Registry: registry})
	require.Error(t, err)
}

package environment

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/testrig/testrig/internal/instrumentation"
	"github.com/testrig/testrig/internal/interfaces"
	"github.com/testrig/testrig/pkg/logging"
)

// operations implements the deployment steps shared by both environment
// managers. A manager embeds it; only session establishment differs per pool.
type operations struct {
	instr  *instrumentation.Manager
	logger *logging.Logger
}

func newOperations(logger *logging.Logger) operations {
	return operations{
		instr:  instrumentation.NewManager(),
		logger: logger,
	}
}

// DeployArtifacts transfers artifacts in the given order, applying target path
// and permission bits, and re-verifies each checksum on the environment after
// transfer. The caller supplies artifacts already in dependency order.
func (o operations) DeployArtifacts(ctx context.Context, handle interfaces.EnvironmentHandle, artifacts []*interfaces.TestArtifact) error {
	for _, a := range artifacts {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.VerifyChecksum(); err != nil {
			return err
		}
		mode, err := a.FileMode()
		if err != nil {
			return err
		}

		if err := handle.Upload(ctx, a.Content, a.TargetPath, mode); err != nil {
			return fmt.Errorf("failed to transfer artifact %s: %w", a.ID, err)
		}

		if err := o.verifyRemoteChecksum(ctx, handle, a); err != nil {
			// A corrupt transfer must not leave a partial file behind
			_ = handle.Remove(ctx, a.TargetPath)
			return err
		}

		o.logger.Debug("deployed artifact id=%s path=%s environment=%s",
			a.ID, a.TargetPath, handle.EnvironmentID())
	}
	return nil
}

// verifyRemoteChecksum recomputes the artifact digest on the environment and
// compares it against the declared checksum
func (o operations) verifyRemoteChecksum(ctx context.Context, handle interfaces.EnvironmentHandle, a *interfaces.TestArtifact) error {
	out, err := handle.Exec(ctx, fmt.Sprintf("sha256sum %q", a.TargetPath))
	if err != nil {
		return fmt.Errorf("failed to verify artifact %s after transfer: %w", a.ID, err)
	}
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return fmt.Errorf("failed to verify artifact %s: empty digest output", a.ID)
	}
	if fields[0] != a.Checksum {
		return &interfaces.IntegrityError{ArtifactID: a.ID, Expected: a.Checksum, Actual: fields[0]}
	}
	return nil
}

// InstallDependencies installs the requested packages and tools. Already
// present dependencies are skipped, so re-running after a partial failure
// converges instead of erroring.
func (o operations) InstallDependencies(ctx context.Context, handle interfaces.EnvironmentHandle, deps []interfaces.Dependency) error {
	for _, dep := range deps {
		if err := ctx.Err(); err != nil {
			return err
		}

		present, err := o.dependencyPresent(ctx, handle, dep)
		if err == nil && present {
			o.logger.Debug("dependency %s already present, skipping", dep.Name)
			continue
		}

		if err := o.installOne(ctx, handle, dep); err != nil {
			if dep.Optional {
				o.logger.Warnf("optional dependency %s failed to install: %v", dep.Name, err)
				continue
			}
			return err
		}
	}
	return nil
}

func (o operations) dependencyPresent(ctx context.Context, handle interfaces.EnvironmentHandle, dep interfaces.Dependency) (bool, error) {
	var check string
	switch dep.Manager {
	case "pip":
		check = fmt.Sprintf("pip3 show %q >/dev/null 2>&1 && echo present", dep.Name)
	case "apt", "":
		check = fmt.Sprintf("dpkg -s %q >/dev/null 2>&1 && echo present", dep.Name)
	default:
		// Unknown manager: fall back to a binary lookup
		check = fmt.Sprintf("command -v %q >/dev/null 2>&1 && echo present", dep.Name)
	}
	out, err := handle.Exec(ctx, check)
	if err != nil {
		return false, err
	}
	return strings.Contains(out, "present"), nil
}

func (o operations) installOne(ctx context.Context, handle interfaces.EnvironmentHandle, dep interfaces.Dependency) error {
	spec := dep.Name
	var cmd string
	switch dep.Manager {
	case "pip":
		if dep.Version != "" {
			spec = dep.Name + "==" + dep.Version
		}
		cmd = fmt.Sprintf("pip3 install %q", spec)
	case "apt", "":
		if dep.Version != "" {
			spec = dep.Name + "=" + dep.Version
		}
		cmd = fmt.Sprintf("DEBIAN_FRONTEND=noninteractive apt-get install -y %q", spec)
	default:
		return &interfaces.DependencyInstallError{
			Name: dep.Name,
			Err:  fmt.Errorf("unknown package manager %q", dep.Manager),
		}
	}

	if out, err := handle.Exec(ctx, cmd); err != nil {
		// A broken session should surface as retryable connection loss, not as
		// an install failure
		var connErr *interfaces.ConnectionError
		if errors.As(err, &connErr) {
			return err
		}
		return &interfaces.DependencyInstallError{
			Name: dep.Name,
			Err:  fmt.Errorf("%v: %s", err, lastLine(out)),
		}
	}
	return nil
}

// ConfigureInstrumentation applies the instrumentation configuration
func (o operations) ConfigureInstrumentation(ctx context.Context, handle interfaces.EnvironmentHandle, cfg *interfaces.InstrumentationConfig) error {
	return o.instr.Apply(ctx, handle, cfg)
}

// ValidateReadiness runs the ordered readiness checks: network reachability,
// resource capacity, kernel state, then instrumentation probes. All checks run
// even after an earlier failure so the diagnostic is complete.
func (o operations) ValidateReadiness(ctx context.Context, handle interfaces.EnvironmentHandle, cfg *interfaces.InstrumentationConfig) (*interfaces.ValidationResult, error) {
	result := &interfaces.ValidationResult{Passed: true}

	o.checkNetwork(ctx, handle, result)
	o.checkResources(ctx, handle, result)
	o.checkKernel(ctx, handle, result)

	instrResult := o.instr.Verify(ctx, handle, cfg)
	for _, c := range instrResult.Checks {
		if !c.Passed && !instrumentation.Mandatory(cfg, c.Name) {
			// Optional tooling failures are reported but do not fail readiness
			result.Checks = append(result.Checks, c)
			continue
		}
		result.Add(c.Name, c.Passed, c.Detail)
	}

	return result, nil
}

func (o operations) checkNetwork(ctx context.Context, handle interfaces.EnvironmentHandle, result *interfaces.ValidationResult) {
	out, err := handle.Exec(ctx, "echo session-alive")
	if err != nil || !strings.Contains(out, "session-alive") {
		result.Add("network", false, fmt.Sprintf("session echo failed: %v", err))
		return
	}
	result.Add("network", true, "")
}

func (o operations) checkResources(ctx context.Context, handle interfaces.EnvironmentHandle, result *interfaces.ValidationResult) {
	// Free disk on the root filesystem, in MiB
	out, err := handle.Exec(ctx, "df -m / | awk 'NR==2 {print $4}'")
	if err != nil {
		result.Add("disk_space", false, fmt.Sprintf("df failed: %v", err))
	} else if free, perr := strconv.Atoi(strings.TrimSpace(out)); perr != nil {
		result.Add("disk_space", false, "unparseable df output: "+strings.TrimSpace(out))
	} else if free < 256 {
		result.Add("disk_space", false, fmt.Sprintf("only %d MiB free on /", free))
	} else {
		result.Add("disk_space", true, "")
	}

	out, err = handle.Exec(ctx, "awk '/MemAvailable/ {print int($2/1024)}' /proc/meminfo")
	if err != nil {
		result.Add("memory", false, fmt.Sprintf("meminfo read failed: %v", err))
	} else if avail, perr := strconv.Atoi(strings.TrimSpace(out)); perr != nil {
		result.Add("memory", false, "unparseable meminfo output: "+strings.TrimSpace(out))
	} else if avail < 128 {
		result.Add("memory", false, fmt.Sprintf("only %d MiB memory available", avail))
	} else {
		result.Add("memory", true, "")
	}
}

func (o operations) checkKernel(ctx context.Context, handle interfaces.EnvironmentHandle, result *interfaces.ValidationResult) {
	out, err := handle.Exec(ctx, "uname -r")
	if err != nil || strings.TrimSpace(out) == "" {
		result.Add("kernel", false, fmt.Sprintf("uname failed: %v", err))
		return
	}
	result.Add("kernel", true, strings.TrimSpace(out))
}

func lastLine(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}

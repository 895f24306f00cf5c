// Package instrumentation translates declarative instrumentation configs into
// primitive actions on an environment and probes that the tooling works.
package instrumentation

import (
	"context"
	"fmt"
	"strings"

	"github.com/testrig/testrig/internal/interfaces"
	"github.com/testrig/testrig/pkg/logging"
)

// action is one primitive step derived from an enabled flag
type action struct {
	Name    string
	Command string
}

// probe is a lightweight functional check for one enabled tool
type probe struct {
	Tool    string
	Command string
	// Expect is a substring required in the command output for a pass
	Expect string
}

// Manager applies and verifies instrumentation configuration
type Manager struct {
	logger *logging.Logger
}

// NewManager creates a new instrumentation manager
func NewManager() *Manager {
	return &Manager{logger: logging.NewLogger("instrumentation")}
}

// ValidateConfig rejects mutually-exclusive or architecture-incompatible flag
// combinations before the environment is touched. Fatal, never retried.
func (m *Manager) ValidateConfig(cfg *interfaces.InstrumentationConfig, arch string) error {
	if cfg == nil {
		return nil
	}
	if cfg.KASAN && cfg.KTSAN {
		return &interfaces.UnsupportedConfigurationError{
			Reason: "kasan and ktsan cannot be enabled together",
		}
	}
	if cfg.KTSAN && arch != "" && arch != "amd64" {
		return &interfaces.UnsupportedConfigurationError{
			Reason: fmt.Sprintf("ktsan is not supported on %s", arch),
		}
	}
	if cfg.KASAN && arch == "riscv64" {
		return &interfaces.UnsupportedConfigurationError{
			Reason: "kasan is not supported on riscv64",
		}
	}
	for _, param := range cfg.KernelParams {
		if strings.ContainsAny(param, ";&|$`") {
			return &interfaces.UnsupportedConfigurationError{
				Reason: fmt.Sprintf("kernel parameter %q contains shell metacharacters", param),
			}
		}
	}
	return nil
}

// Apply translates each enabled flag into its ordered primitive actions and
// executes them over the handle. The config must already have passed
// ValidateConfig.
func (m *Manager) Apply(ctx context.Context, handle interfaces.EnvironmentHandle, cfg *interfaces.InstrumentationConfig) error {
	if cfg == nil {
		return nil
	}

	for _, act := range m.actions(cfg) {
		m.logger.Debug("applying instrumentation action=%s environment=%s", act.Name, handle.EnvironmentID())
		if _, err := handle.Exec(ctx, act.Command); err != nil {
			return fmt.Errorf("instrumentation action %s failed: %w", act.Name, err)
		}
	}
	return nil
}

// Verify runs a functional probe for every enabled flag and monitoring tool
// and reports per-tool pass/fail. A failing probe does not by itself fail the
// pipeline; the caller applies the mandatory-tool policy.
func (m *Manager) Verify(ctx context.Context, handle interfaces.EnvironmentHandle, cfg *interfaces.InstrumentationConfig) *interfaces.ValidationResult {
	result := &interfaces.ValidationResult{Passed: true}
	if cfg == nil {
		return result
	}

	for _, p := range m.probes(cfg) {
		out, err := handle.Exec(ctx, p.Command)
		switch {
		case err != nil:
			result.Add(p.Tool, false, fmt.Sprintf("probe failed: %v", err))
		case p.Expect != "" && !strings.Contains(out, p.Expect):
			result.Add(p.Tool, false, fmt.Sprintf("probe output missing %q", p.Expect))
		default:
			result.Add(p.Tool, true, "")
		}
	}
	return result
}

// actions returns the ordered primitive actions for the enabled flags
func (m *Manager) actions(cfg *interfaces.InstrumentationConfig) []action {
	var actions []action

	if cfg.KASAN {
		actions = append(actions,
			action{"kasan-boot-param", "grubby --update-kernel=ALL --args=kasan=on 2>/dev/null || true"},
			action{"kasan-panic-mode", "sysctl -w kernel.panic_on_oops=0"},
		)
	}
	if cfg.KTSAN {
		actions = append(actions,
			action{"ktsan-boot-param", "grubby --update-kernel=ALL --args=ktsan=on 2>/dev/null || true"},
		)
	}
	if cfg.Lockdep {
		actions = append(actions,
			action{"lockdep-enable", "sysctl -w kernel.lock_stat=1 2>/dev/null || true"},
		)
	}
	if cfg.Coverage {
		actions = append(actions,
			action{"kcov-mount", "test -d /sys/kernel/debug || mount -t debugfs none /sys/kernel/debug"},
		)
	}
	if cfg.Profiling {
		actions = append(actions,
			action{"perf-paranoid", "sysctl -w kernel.perf_event_paranoid=-1"},
		)
	}
	if cfg.Fuzzing {
		actions = append(actions,
			action{"fuzzer-debugfs", "test -d /sys/kernel/debug || mount -t debugfs none /sys/kernel/debug"},
			action{"fuzzer-core-pattern", "sysctl -w kernel.core_pattern=core"},
		)
	}
	for _, param := range cfg.KernelParams {
		actions = append(actions, action{
			Name:    "kernel-param " + param,
			Command: fmt.Sprintf("grubby --update-kernel=ALL --args=%q 2>/dev/null || true", param),
		})
	}
	return actions
}

// probes returns the functional checks for the enabled flags and tools
func (m *Manager) probes(cfg *interfaces.InstrumentationConfig) []probe {
	var probes []probe

	if cfg.KASAN {
		probes = append(probes, probe{"kasan", "grep -c kasan /proc/kallsyms || true", ""})
	}
	if cfg.KTSAN {
		probes = append(probes, probe{"ktsan", "grep -c ktsan /proc/kallsyms || true", ""})
	}
	if cfg.Lockdep {
		probes = append(probes, probe{"lockdep", "cat /proc/lockdep_stats 2>/dev/null | head -1", ""})
	}
	if cfg.Coverage {
		probes = append(probes, probe{"coverage", "test -e /sys/kernel/debug/kcov && echo kcov-present", "kcov-present"})
	}
	if cfg.Profiling {
		probes = append(probes, probe{"profiling", "perf --version", "perf version"})
	}
	if cfg.Fuzzing {
		probes = append(probes, probe{"fuzzing", "test -d /sys/kernel/debug && echo debugfs-present", "debugfs-present"})
	}
	for _, tool := range cfg.MonitoringTools {
		probes = append(probes, probe{
			Tool:    tool,
			Command: fmt.Sprintf("command -v %s >/dev/null && echo tool-present", tool),
			Expect:  "tool-present",
		})
	}
	return probes
}

// Mandatory reports whether a tool is marked mandatory by the config
func Mandatory(cfg *interfaces.InstrumentationConfig, tool string) bool {
	if cfg == nil {
		return false
	}
	for _, t := range cfg.MandatoryTools {
		if t == tool {
			return true
		}
	}
	return false
}

package interfaces

import (
	"context"
	"os"
	"strconv"
	"time"
)

// PoolKind selects which environment pool a target belongs to
type PoolKind string

// PoolKind constants name the two environment pools
const (
	PoolVirtual  PoolKind = "virtual"
	PoolPhysical PoolKind = "physical"
)

// AuthConfig carries session credentials. Never logged; the logging layer
// additionally scrubs anything resembling these values.
type AuthConfig struct {
	User          string `json:"user"`
	Password      string `json:"password,omitempty"`
	PrivateKeyPEM string `json:"private_key_pem,omitempty"`
}

// EnvironmentConfig describes one allocated test environment
type EnvironmentConfig struct {
	ID   string   `json:"id"`
	Pool PoolKind `json:"pool"`

	// Session endpoint
	Host string     `json:"host"`
	Port int        `json:"port,omitempty"`
	Auth AuthConfig `json:"auth"`

	// Virtual pool: backing VM instance to boot or resume
	InstanceID string `json:"instance_id,omitempty"`

	// Physical pool: board identity and console fallback
	BoardID      string `json:"board_id,omitempty"`
	SerialDevice string `json:"serial_device,omitempty"`
	PowerCycle   bool   `json:"power_cycle,omitempty"`

	Arch           string        `json:"arch,omitempty"` // e.g. "amd64", "arm64", "riscv64"
	ConnectTimeout time.Duration `json:"connect_timeout,omitempty"`
}

// Endpoint returns the host:port session address
func (c *EnvironmentConfig) Endpoint() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return c.Host + ":" + strconv.Itoa(port)
}

// EnvironmentHandle is an exclusive, live session to one environment. Its
// lifetime is bounded to a single pipeline run and it must be closed on every
// exit path.
type EnvironmentHandle interface {
	// ID uniquely identifies this session
	ID() string
	// EnvironmentID identifies the environment the session is bound to
	EnvironmentID() string
	// Exec runs a command on the environment and returns combined output
	Exec(ctx context.Context, command string) (string, error)
	// Upload writes content to path on the environment with the given mode
	Upload(ctx context.Context, content []byte, path string, mode os.FileMode) error
	// Remove deletes a path on the environment (best-effort cleanup)
	Remove(ctx context.Context, path string) error
	// Close releases the session and any reservation backing it
	Close() error
}

// EnvironmentManager is the capability interface over a pool of environments.
// Two variants exist: virtual (VM-backed) and physical (board-backed).
type EnvironmentManager interface {
	// Pool reports which pool this manager serves
	Pool() PoolKind
	// Connect establishes a secure session to the environment
	Connect(ctx context.Context, cfg *EnvironmentConfig) (EnvironmentHandle, error)
	// DeployArtifacts transfers artifacts in dependency order, applying target
	// path and permission bits and re-verifying checksums post-transfer
	DeployArtifacts(ctx context.Context, handle EnvironmentHandle, artifacts []*TestArtifact) error
	// InstallDependencies installs packages/tools; idempotent on re-run
	InstallDependencies(ctx context.Context, handle EnvironmentHandle, deps []Dependency) error
	// ConfigureInstrumentation applies the instrumentation config to the session
	ConfigureInstrumentation(ctx context.Context, handle EnvironmentHandle, cfg *InstrumentationConfig) error
	// ValidateReadiness runs the ordered readiness checks
	ValidateReadiness(ctx context.Context, handle EnvironmentHandle, cfg *InstrumentationConfig) (*ValidationResult, error)
}

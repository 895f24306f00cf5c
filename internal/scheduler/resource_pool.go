// Package scheduler places queued deployments onto environment pools. Each
// pool has bounded concurrency and at most one active deployment per
// environment; contended or offline environments cause a bounded number of
// reschedules instead of immediate failure.
package scheduler

import (
	"fmt"
	"sync"

	"github.com/testrig/testrig/internal/interfaces"
)

// ErrEnvironmentBusy reports an environment with a deployment already active
type ErrEnvironmentBusy struct {
	EnvironmentID string
}

func (e *ErrEnvironmentBusy) Error() string {
	return fmt.Sprintf("environment %s already has an active deployment", e.EnvironmentID)
}

// ResourcePool enforces single-flight execution per environment within one
// pool. Pool-level concurrency is bounded by the worker count; this guards
// the finer-grained invariant that two deployments never share an environment.
type ResourcePool struct {
	pool interfaces.PoolKind

	mu     sync.Mutex
	active map[string]string // environment ID -> deployment ID
}

// NewResourcePool creates a resource pool for one environment pool
func NewResourcePool(pool interfaces.PoolKind) *ResourcePool {
	return &ResourcePool{
		pool:   pool,
		active: make(map[string]string),
	}
}

// Pool reports which environment pool this resource pool guards
func (p *ResourcePool) Pool() interfaces.PoolKind { return p.pool }

// Acquire claims the environment for a deployment. The returned release must
// be called exactly once; it is safe against double calls.
func (p *ResourcePool) Acquire(environmentID, deploymentID string) (func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, busy := p.active[environmentID]; busy {
		return nil, &ErrEnvironmentBusy{EnvironmentID: environmentID}
	}
	p.active[environmentID] = deploymentID

	var once sync.Once
	release := func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.active, environmentID)
			p.mu.Unlock()
		})
	}
	return release, nil
}

// ActiveCount returns the number of environments with active deployments
func (p *ResourcePool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// ActiveDeployment returns the deployment currently holding an environment
func (p *ResourcePool) ActiveDeployment(environmentID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.active[environmentID]
	return id, ok
}

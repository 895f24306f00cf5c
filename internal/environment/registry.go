package environment

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/testrig/testrig/internal/interfaces"
)

// Registry maps environment IDs to their configurations. The scheduler
// consults it to place a deployment on the right pool.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]*interfaces.EnvironmentConfig
}

// NewRegistry creates an empty environment registry
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*interfaces.EnvironmentConfig)}
}

// LoadRegistry reads environment configurations from a JSON file
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("failed to read environment registry: %w", err)
	}

	var configs []*interfaces.EnvironmentConfig
	if err := json.Unmarshal(data, &configs); err != nil {
		return nil, fmt.Errorf("failed to parse environment registry: %w", err)
	}

	r := NewRegistry()
	for _, cfg := range configs {
		if err := r.Register(cfg); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds an environment configuration
func (r *Registry) Register(cfg *interfaces.EnvironmentConfig) error {
	if cfg == nil || cfg.ID == "" {
		return fmt.Errorf("environment config requires an ID")
	}
	if cfg.Pool != interfaces.PoolVirtual && cfg.Pool != interfaces.PoolPhysical {
		return fmt.Errorf("environment %s has unknown pool %q", cfg.ID, cfg.Pool)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[cfg.ID]; exists {
		return fmt.Errorf("environment %s already registered", cfg.ID)
	}
	r.byID[cfg.ID] = cfg
	return nil
}

// Get returns the configuration for an environment ID
func (r *Registry) Get(environmentID string) (*interfaces.EnvironmentConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.byID[environmentID]
	return cfg, ok
}

// Pool returns the pool an environment belongs to
func (r *Registry) Pool(environmentID string) (interfaces.PoolKind, bool) {
	cfg, ok := r.Get(environmentID)
	if !ok {
		return "", false
	}
	return cfg.Pool, true
}

// List returns all registered environment IDs for a pool
func (r *Registry) List(pool interfaces.PoolKind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, cfg := range r.byID {
		if cfg.Pool == pool {
			ids = append(ids, id)
		}
	}
	return ids
}

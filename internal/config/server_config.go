package config

import (
	"fmt"
	"time"
)

// ServerConfig holds API server configuration
type ServerConfig struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// LoadServerConfig loads API server configuration from environment variables
func LoadServerConfig() *ServerConfig {
	cfg := &ServerConfig{
		Port:            8084,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}

	cfg.Port = envInt("TESTRIG_PORT", cfg.Port)
	cfg.ReadTimeout = envDuration("TESTRIG_READ_TIMEOUT", cfg.ReadTimeout)
	cfg.WriteTimeout = envDuration("TESTRIG_WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.ShutdownTimeout = envDuration("TESTRIG_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)

	return cfg
}

// Validate checks the server configuration for obvious mistakes
func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	return nil
}

// ListenAddr returns the address the server binds to
func (c *ServerConfig) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}

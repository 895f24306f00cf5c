// Package config loads engine configuration from environment variables.
package config

import (
	"os"
	"strconv"
	"time"
)

// RetryConfig holds the backoff parameters consulted by the retry controller.
// Delay for attempt n is min(Base*2^n + jitter, MaxDelay) with full jitter.
type RetryConfig struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// SchedulerConfig bounds admission and rescheduling per environment pool
type SchedulerConfig struct {
	VirtualPoolCapacity  int
	PhysicalPoolCapacity int
	QueueCapacity        int
	MaxReschedules       int
	RescheduleDelay      time.Duration
}

// Config holds configuration for the engine
type Config struct {
	Retry     RetryConfig
	Scheduler SchedulerConfig

	// Per-stage timeouts; a slow stage is individually bounded
	StageTimeout    time.Duration
	ConnectTimeout  time.Duration
	ValidateTimeout time.Duration

	// Queue backend: "embedded" (in-memory) or "distributed" (asynq/redis)
	QueueBackend string
	RedisAddr    string

	// Artifact store backend: "memory" or "s3"
	ArtifactStore      string
	ArtifactBucket     string
	ArtifactRegion     string
	ArtifactEndpoint   string // LocalStack or custom endpoint
	ArtifactStagingDir string

	// Physical board reservation lease: "memory" or "dynamodb"
	LeaseBackend  string
	LeaseTable    string
	LeaseRegion   string
	LeaseEndpoint string

	// Environment inventory file (JSON array of environment configs)
	EnvironmentsFile string

	// EC2 region/endpoint for the virtual pool
	VirtualRegion   string
	VirtualEndpoint string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	cfg := &Config{
		Retry: RetryConfig{
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    30 * time.Second,
			MaxAttempts: 3,
		},
		Scheduler: SchedulerConfig{
			VirtualPoolCapacity:  8,
			PhysicalPoolCapacity: 4,
			QueueCapacity:        100,
			MaxReschedules:       3,
			RescheduleDelay:      5 * time.Second,
		},
		StageTimeout:       2 * time.Minute,
		ConnectTimeout:     2 * time.Minute,
		ValidateTimeout:    30 * time.Second,
		QueueBackend:       "embedded",
		RedisAddr:          "localhost:6379",
		ArtifactStore:      "memory",
		ArtifactRegion:     "us-east-1",
		ArtifactStagingDir: os.TempDir(),
		LeaseBackend:       "memory",
		LeaseRegion:        "us-east-1",
		EnvironmentsFile:   "environments.json",
		VirtualRegion:      "us-east-1",
	}

	cfg.Retry.BaseDelay = envDuration("TESTRIG_RETRY_BASE_DELAY", cfg.Retry.BaseDelay)
	cfg.Retry.MaxDelay = envDuration("TESTRIG_RETRY_MAX_DELAY", cfg.Retry.MaxDelay)
	cfg.Retry.MaxAttempts = envInt("TESTRIG_RETRY_MAX_ATTEMPTS", cfg.Retry.MaxAttempts)

	cfg.Scheduler.VirtualPoolCapacity = envInt("TESTRIG_VIRTUAL_POOL_CAPACITY", cfg.Scheduler.VirtualPoolCapacity)
	cfg.Scheduler.PhysicalPoolCapacity = envInt("TESTRIG_PHYSICAL_POOL_CAPACITY", cfg.Scheduler.PhysicalPoolCapacity)
	cfg.Scheduler.QueueCapacity = envInt("TESTRIG_QUEUE_CAPACITY", cfg.Scheduler.QueueCapacity)
	cfg.Scheduler.MaxReschedules = envInt("TESTRIG_MAX_RESCHEDULES", cfg.Scheduler.MaxReschedules)
	cfg.Scheduler.RescheduleDelay = envDuration("TESTRIG_RESCHEDULE_DELAY", cfg.Scheduler.RescheduleDelay)

	cfg.StageTimeout = envDuration("TESTRIG_STAGE_TIMEOUT", cfg.StageTimeout)
	cfg.ConnectTimeout = envDuration("TESTRIG_CONNECT_TIMEOUT", cfg.ConnectTimeout)
	cfg.ValidateTimeout = envDuration("TESTRIG_VALIDATE_TIMEOUT", cfg.ValidateTimeout)

	cfg.QueueBackend = envString("TESTRIG_QUEUE_BACKEND", cfg.QueueBackend)
	cfg.RedisAddr = envString("TESTRIG_REDIS_ADDR", cfg.RedisAddr)

	cfg.ArtifactStore = envString("TESTRIG_ARTIFACT_STORE", cfg.ArtifactStore)
	cfg.ArtifactBucket = envString("TESTRIG_ARTIFACT_BUCKET", cfg.ArtifactBucket)
	cfg.ArtifactRegion = envString("TESTRIG_ARTIFACT_REGION", cfg.ArtifactRegion)
	cfg.ArtifactEndpoint = envString("TESTRIG_ARTIFACT_ENDPOINT", cfg.ArtifactEndpoint)
	cfg.ArtifactStagingDir = envString("TESTRIG_ARTIFACT_STAGING_DIR", cfg.ArtifactStagingDir)

	cfg.LeaseBackend = envString("TESTRIG_LEASE_BACKEND", cfg.LeaseBackend)
	cfg.LeaseTable = envString("TESTRIG_LEASE_TABLE", cfg.LeaseTable)
	cfg.LeaseRegion = envString("TESTRIG_LEASE_REGION", cfg.LeaseRegion)
	cfg.LeaseEndpoint = envString("TESTRIG_LEASE_ENDPOINT", cfg.LeaseEndpoint)

	cfg.EnvironmentsFile = envString("TESTRIG_ENVIRONMENTS_FILE", cfg.EnvironmentsFile)
	cfg.VirtualRegion = envString("TESTRIG_VIRTUAL_REGION", cfg.VirtualRegion)
	cfg.VirtualEndpoint = envString("TESTRIG_VIRTUAL_ENDPOINT", cfg.VirtualEndpoint)

	return cfg
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return def
}

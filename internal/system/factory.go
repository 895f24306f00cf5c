// Package system assembles the engine from configuration: tracker, artifact
// store, environment managers, executor and queue backend.
package system

import (
	"context"
	"fmt"
	"strings"

	"github.com/hibiken/asynq"

	"github.com/testrig/testrig/internal/artifact"
	"github.com/testrig/testrig/internal/config"
	"github.com/testrig/testrig/internal/deployment"
	"github.com/testrig/testrig/internal/environment"
	"github.com/testrig/testrig/internal/events"
	"github.com/testrig/testrig/internal/executor"
	"github.com/testrig/testrig/internal/infra/distributed"
	"github.com/testrig/testrig/internal/infra/embedded"
	"github.com/testrig/testrig/internal/interfaces"
	"github.com/testrig/testrig/internal/metrics"
	"github.com/testrig/testrig/internal/retry"
	"github.com/testrig/testrig/internal/scheduler"
	"github.com/testrig/testrig/pkg/logging"
)

var logger = logging.NewLogger("system")

// Components holds everything the API server and CLI need to run deployments
type Components struct {
	Service      *deployment.Service
	Tracker      interfaces.DeploymentTracker
	Registry     *environment.Registry
	Metrics      *metrics.Collector
	EventBus     *events.EventBus
	Reservations environment.ReservationService
}

// Build wires the full engine from configuration. The returned components are
// not started; call Service.Start after construction.
func Build(ctx context.Context, cfg *config.Config) (*Components, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}

	registry, err := environment.LoadRegistry(cfg.EnvironmentsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load environment inventory: %w", err)
	}

	collector := metrics.NewCollector()
	eventBus := events.NewEventBus()

	artifacts, err := createArtifactStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	reservations, err := createReservationService(cfg)
	if err != nil {
		return nil, err
	}

	managers, err := createManagers(cfg, reservations)
	if err != nil {
		return nil, err
	}

	tracker, err := createTracker(cfg)
	if err != nil {
		return nil, err
	}

	pipeline, err := executor.NewPipelineExecutor(executor.Options{
		Tracker:   tracker,
		Artifacts: artifacts,
		Registry:  registry,
		Managers:  managers,
		Retrier: retry.NewController(retry.Policy{
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
			MaxAttempts: cfg.Retry.MaxAttempts,
		}),
		EventBus:     eventBus,
		Metrics:      collector,
		StageTimeout: cfg.StageTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline executor: %w", err)
	}

	backend, err := createBackend(cfg, tracker, collector, pipeline.Execute)
	if err != nil {
		return nil, err
	}

	service, err := deployment.NewService(deployment.ServiceConfig{
		Backend:   backend,
		Tracker:   tracker,
		Artifacts: artifacts,
		Registry:  registry,
		Metrics:   collector,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create deployment service: %w", err)
	}

	return &Components{
		Service:      service,
		Tracker:      tracker,
		Registry:     registry,
		Metrics:      collector,
		EventBus:     eventBus,
		Reservations: reservations,
	}, nil
}

// Close releases backend resources not owned by the service
func (c *Components) Close() {
	if c.Reservations != nil {
		c.Reservations.Shutdown()
	}
}

func createArtifactStore(ctx context.Context, cfg *config.Config) (interfaces.ArtifactRepository, error) {
	switch cfg.ArtifactStore {
	case "", "memory":
		return artifact.NewRepository()
	case "s3":
		store, err := artifact.NewS3Store(ctx, artifact.S3StoreConfig{
			Bucket:   cfg.ArtifactBucket,
			Region:   cfg.ArtifactRegion,
			Endpoint: cfg.ArtifactEndpoint,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 artifact store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown artifact store type: %s", cfg.ArtifactStore)
	}
}

func createReservationService(cfg *config.Config) (environment.ReservationService, error) {
	switch cfg.LeaseBackend {
	case "", "memory":
		return environment.NewMemoryReservationService(), nil
	case "dynamodb":
		svc, err := environment.NewDynamoReservationService(environment.DynamoReservationConfig{
			TableName: cfg.LeaseTable,
			Region:    cfg.LeaseRegion,
			Endpoint:  cfg.LeaseEndpoint,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create DynamoDB lease service: %w", err)
		}
		return svc, nil
	default:
		return nil, fmt.Errorf("unknown lease backend type: %s", cfg.LeaseBackend)
	}
}

func createManagers(cfg *config.Config, reservations environment.ReservationService) (map[interfaces.PoolKind]interfaces.EnvironmentManager, error) {
	virtual, err := environment.NewVirtualManager(environment.VirtualManagerConfig{
		Region:   cfg.VirtualRegion,
		Endpoint: cfg.VirtualEndpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create virtual environment manager: %w", err)
	}

	physical := environment.NewPhysicalManager(reservations, environment.NoopPowerController{})

	return map[interfaces.PoolKind]interfaces.EnvironmentManager{
		interfaces.PoolVirtual:  virtual,
		interfaces.PoolPhysical: physical,
	}, nil
}

func createTracker(cfg *config.Config) (interfaces.DeploymentTracker, error) {
	switch cfg.QueueBackend {
	case "", "embedded":
		return embedded.NewTracker(), nil
	case "distributed":
		redisOpt, err := asynq.ParseRedisURI(redisURL(cfg.RedisAddr))
		if err != nil {
			return nil, fmt.Errorf("invalid redis address: %w", err)
		}
		return distributed.NewTracker(redisOpt)
	default:
		return nil, fmt.Errorf("unknown queue backend type: %s", cfg.QueueBackend)
	}
}

func createBackend(cfg *config.Config, tracker interfaces.DeploymentTracker, collector *metrics.Collector, execute func(context.Context, *interfaces.QueuedDeployment) error) (deployment.Backend, error) {
	switch cfg.QueueBackend {
	case "", "embedded":
		logger.Info("Using embedded queue backend")
		sched, err := scheduler.New(scheduler.Options{
			Tracker:              tracker,
			Execute:              execute,
			Metrics:              collector,
			QueueCapacity:        cfg.Scheduler.QueueCapacity,
			VirtualPoolCapacity:  cfg.Scheduler.VirtualPoolCapacity,
			PhysicalPoolCapacity: cfg.Scheduler.PhysicalPoolCapacity,
			MaxReschedules:       cfg.Scheduler.MaxReschedules,
			RescheduleDelay:      cfg.Scheduler.RescheduleDelay,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create scheduler: %w", err)
		}
		return sched, nil
	case "distributed":
		logger.Info("Using distributed queue backend at %s", cfg.RedisAddr)
		backend, err := distributed.NewBackend(distributed.BackendConfig{
			RedisURL:        redisURL(cfg.RedisAddr),
			Tracker:         tracker,
			Execute:         execute,
			Metrics:         collector,
			MaxReschedules:  cfg.Scheduler.MaxReschedules,
			RescheduleDelay: cfg.Scheduler.RescheduleDelay,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create distributed backend: %w", err)
		}
		return backend, nil
	default:
		return nil, fmt.Errorf("unknown queue backend type: %s", cfg.QueueBackend)
	}
}

func redisURL(addr string) string {
	if strings.Contains(addr, "://") {
		return addr
	}
	return "redis://" + addr
}

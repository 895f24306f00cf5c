package environment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/cenkalti/backoff/v4"

	"github.com/testrig/testrig/internal/interfaces"
	"github.com/testrig/testrig/pkg/logging"
)

// VirtualManagerConfig holds configuration for the virtual environment manager
type VirtualManagerConfig struct {
	Region   string `json:"region"`
	Endpoint string `json:"endpoint,omitempty"` // For LocalStack or custom endpoints
}

// VirtualManager serves the virtual pool. Environments are backed by EC2
// instances that may be stopped between batches; Connect boots or resumes the
// instance, waits for it to become reachable, then opens the session.
type VirtualManager struct {
	operations
	client *ec2.Client
	logger *logging.Logger
}

// NewVirtualManager creates a manager for VM-backed environments
func NewVirtualManager(cfg VirtualManagerConfig) (*VirtualManager, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("region is required")
	}
	awsCfg, err := loadAWSConfigForEndpoint(cfg.Region, cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	logger := logging.NewLogger("environment-virtual")
	return &VirtualManager{
		operations: newOperations(logger),
		client:     createEC2Client(awsCfg, cfg.Endpoint),
		logger:     logger,
	}, nil
}

// Pool reports the pool this manager serves
func (m *VirtualManager) Pool() interfaces.PoolKind { return interfaces.PoolVirtual }

// Connect boots or resumes the backing instance and opens an SSH session.
// Boot and reachability failures surface as EnvironmentUnavailableError so the
// scheduler reschedules instead of failing the deployment.
func (m *VirtualManager) Connect(ctx context.Context, cfg *interfaces.EnvironmentConfig) (interfaces.EnvironmentHandle, error) {
	if cfg.Pool != interfaces.PoolVirtual {
		return nil, fmt.Errorf("environment %s is not in the virtual pool", cfg.ID)
	}

	if cfg.InstanceID != "" {
		if err := m.ensureRunning(ctx, cfg); err != nil {
			return nil, &interfaces.EnvironmentUnavailableError{EnvironmentID: cfg.ID, Err: err}
		}
	}

	t, err := m.dialWithWait(ctx, cfg)
	if err != nil {
		return nil, err
	}

	handle, err := newSessionHandle(cfg.ID, t, nil, m.logger)
	if err != nil {
		_ = t.close()
		return nil, err
	}
	logging.SessionOpened(cfg.ID, cfg.Endpoint(), string(interfaces.PoolVirtual))
	return handle, nil
}

// ensureRunning starts a stopped instance and waits for it to reach running
func (m *VirtualManager) ensureRunning(ctx context.Context, cfg *interfaces.EnvironmentConfig) error {
	out, err := m.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{cfg.InstanceID},
	})
	if err != nil {
		return fmt.Errorf("failed to describe instance %s: %w", cfg.InstanceID, err)
	}
	if len(out.Reservations) == 0 || len(out.Reservations[0].Instances) == 0 {
		return fmt.Errorf("instance %s not found", cfg.InstanceID)
	}

	state := out.Reservations[0].Instances[0].State
	if state != nil && state.Name == types.InstanceStateNameRunning {
		return nil
	}

	m.logger.Info("starting instance %s for environment %s", cfg.InstanceID, cfg.ID)
	_, err = m.client.StartInstances(ctx, &ec2.StartInstancesInput{
		InstanceIds: []string{cfg.InstanceID},
	})
	if err != nil {
		return fmt.Errorf("failed to start instance %s: %w", cfg.InstanceID, err)
	}

	waiter := ec2.NewInstanceRunningWaiter(m.client)
	if err := waiter.Wait(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{cfg.InstanceID},
	}, 5*time.Minute); err != nil {
		return fmt.Errorf("instance %s did not reach running: %w", cfg.InstanceID, err)
	}
	return nil
}

// dialWithWait retries the SSH dial with exponential backoff until the
// environment answers or the connect timeout elapses. A freshly booted VM
// takes a while before sshd listens.
func (m *VirtualManager) dialWithWait(ctx context.Context, cfg *interfaces.EnvironmentConfig) (*transport, error) {
	timeout := cfg.ConnectTimeout
	if timeout == 0 {
		timeout = defaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.MaxInterval = 15 * time.Second
	bo.MaxElapsedTime = timeout

	var t *transport
	operation := func() error {
		var err error
		t, err = dialTransport(ctx, cfg, m.logger)
		if err != nil {
			var authErr *interfaces.AuthenticationError
			if errors.As(err, &authErr) {
				// Bad credentials never fix themselves
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return t, nil
}

// DescribeInstanceAddress resolves the public address of a backing instance,
// for registries that record instance IDs without fixed hostnames
func (m *VirtualManager) DescribeInstanceAddress(ctx context.Context, instanceID string) (string, error) {
	out, err := m.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return "", fmt.Errorf("failed to describe instance %s: %w", instanceID, err)
	}
	if len(out.Reservations) == 0 || len(out.Reservations[0].Instances) == 0 {
		return "", fmt.Errorf("instance %s not found", instanceID)
	}
	inst := out.Reservations[0].Instances[0]
	if inst.PublicIpAddress != nil {
		return aws.ToString(inst.PublicIpAddress), nil
	}
	if inst.PrivateIpAddress != nil {
		return aws.ToString(inst.PrivateIpAddress), nil
	}
	return "", fmt.Errorf("instance %s has no address", instanceID)
}

var _ interfaces.EnvironmentManager = (*VirtualManager)(nil)

package environment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/testrig/testrig/internal/interfaces"
	"github.com/testrig/testrig/pkg/logging"
)

// PowerController power-cycles a physical board before a session is opened.
// Lab setups differ (PDU, relay box, BMC), so the controller is pluggable; the
// default does nothing.
type PowerController interface {
	PowerCycle(ctx context.Context, boardID string) error
}

// NoopPowerController is the default for boards without remote power control
type NoopPowerController struct{}

// PowerCycle does nothing
func (NoopPowerController) PowerCycle(context.Context, string) error { return nil }

// PhysicalManager serves the physical pool. Boards are a shared, contended
// resource: Connect first takes an exclusive reservation lease, optionally
// power-cycles the board, then opens the session. The lease is released when
// the handle closes.
type PhysicalManager struct {
	operations
	reservations ReservationService
	power        PowerController
	logger       *logging.Logger
}

// NewPhysicalManager creates a manager for board-backed environments
func NewPhysicalManager(reservations ReservationService, power PowerController) *PhysicalManager {
	if power == nil {
		power = NoopPowerController{}
	}
	logger := logging.NewLogger("environment-physical")
	return &PhysicalManager{
		operations:   newOperations(logger),
		reservations: reservations,
		power:        power,
		logger:       logger,
	}
}

// Pool reports the pool this manager serves
func (m *PhysicalManager) Pool() interfaces.PoolKind { return interfaces.PoolPhysical }

// Connect reserves the board and opens an SSH session. A board that is
// reserved elsewhere or unreachable surfaces as EnvironmentUnavailableError so
// the scheduler reschedules rather than failing the deployment.
func (m *PhysicalManager) Connect(ctx context.Context, cfg *interfaces.EnvironmentConfig) (interfaces.EnvironmentHandle, error) {
	if cfg.Pool != interfaces.PoolPhysical {
		return nil, fmt.Errorf("environment %s is not in the physical pool", cfg.ID)
	}

	res, err := m.reservations.Acquire(ctx, cfg.ID, "deployment")
	if err != nil {
		var reserved *ErrAlreadyReserved
		if errors.As(err, &reserved) {
			return nil, &interfaces.EnvironmentUnavailableError{EnvironmentID: cfg.ID, Err: err}
		}
		return nil, fmt.Errorf("failed to reserve environment %s: %w", cfg.ID, err)
	}

	handle, err := m.openSession(ctx, cfg, res)
	if err != nil {
		_ = res.Release()
		return nil, err
	}
	return handle, nil
}

func (m *PhysicalManager) openSession(ctx context.Context, cfg *interfaces.EnvironmentConfig, res Reservation) (interfaces.EnvironmentHandle, error) {
	if cfg.PowerCycle {
		boardID := cfg.BoardID
		if boardID == "" {
			boardID = cfg.ID
		}
		m.logger.Info("power cycling board %s", boardID)
		if err := m.power.PowerCycle(ctx, boardID); err != nil {
			return nil, &interfaces.EnvironmentUnavailableError{
				EnvironmentID: cfg.ID,
				Err:           fmt.Errorf("power cycle failed: %w", err),
			}
		}
	}

	t, err := m.dialWithWait(ctx, cfg)
	if err != nil {
		// A board that never answers is unavailable, not broken; the serial
		// console is the lab operator's recovery path
		var connErr *interfaces.ConnectionError
		if errors.As(err, &connErr) && cfg.SerialDevice != "" {
			m.logger.Warnf("board %s unreachable over ssh, serial console at %s",
				cfg.ID, cfg.SerialDevice)
		}
		return nil, err
	}

	handle, err := newSessionHandle(cfg.ID, t, res.Release, m.logger)
	if err != nil {
		_ = t.close()
		return nil, err
	}
	logging.SessionOpened(cfg.ID, cfg.Endpoint(), string(interfaces.PoolPhysical))
	return handle, nil
}

// dialWithWait retries the SSH dial until the board answers or the connect
// timeout elapses. A freshly power-cycled board needs time to boot.
func (m *PhysicalManager) dialWithWait(ctx context.Context, cfg *interfaces.EnvironmentConfig) (*transport, error) {
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

var _ interfaces.EnvironmentManager = (*PhysicalManager)(nil)

package environment

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-uuid"

	"github.com/testrig/testrig/internal/interfaces"
	"github.com/testrig/testrig/pkg/logging"
)

// sessionHandle is the exclusive live session returned by Connect. Close tears
// down the transport and releases the backing reservation, and is safe to call
// on every exit path.
type sessionHandle struct {
	id        string
	envID     string
	transport *transport
	release   func() error
	logger    *logging.Logger

	closeOnce sync.Once
	closeErr  error
	openedAt  time.Time
}

func newSessionHandle(envID string, t *transport, release func() error, logger *logging.Logger) (*sessionHandle, error) {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}
	return &sessionHandle{
		id:        id,
		envID:     envID,
		transport: t,
		release:   release,
		logger:    logger,
		openedAt:  time.Now(),
	}, nil
}

func (h *sessionHandle) ID() string            { return h.id }
func (h *sessionHandle) EnvironmentID() string { return h.envID }

func (h *sessionHandle) Exec(ctx context.Context, command string) (string, error) {
	return h.transport.exec(ctx, command)
}

func (h *sessionHandle) Upload(ctx context.Context, content []byte, path string, mode os.FileMode) error {
	return h.transport.upload(ctx, content, path, mode)
}

func (h *sessionHandle) Remove(ctx context.Context, path string) error {
	return h.transport.remove(ctx, path)
}

func (h *sessionHandle) Close() error {
	h.closeOnce.Do(func() {
		err := h.transport.close()
		if h.release != nil {
			if rerr := h.release(); rerr != nil && err == nil {
				err = rerr
			}
		}
		h.closeErr = err
		logging.SessionClosed(h.envID)
		h.logger.Debug("session %s lived %s", h.id, time.Since(h.openedAt))
	})
	return h.closeErr
}

var _ interfaces.EnvironmentHandle = (*sessionHandle)(nil)

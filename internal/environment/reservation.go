package environment

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Reservation is an exclusive lease on one environment. Release is idempotent.
type Reservation interface {
	// EnvironmentID identifies the reserved environment
	EnvironmentID() string
	// Release gives the environment back to the pool
	Release() error
}

// ErrAlreadyReserved reports a lease held by another deployment
type ErrAlreadyReserved struct {
	EnvironmentID string
	Holder        string
}

func (e *ErrAlreadyReserved) Error() string {
	return fmt.Sprintf("environment %s is reserved by %s", e.EnvironmentID, e.Holder)
}

// ReservationService hands out exclusive environment leases. The embedded
// backend keeps leases in memory; the distributed backend records them in
// DynamoDB so independent orchestrator processes cannot double-book a board.
type ReservationService interface {
	// Acquire takes the lease for an environment, or fails with
	// ErrAlreadyReserved when another holder has it
	Acquire(ctx context.Context, environmentID, holder string) (Reservation, error)
	// Shutdown releases backend resources
	Shutdown()
}

// MemoryReservationService is the in-process lease table
type MemoryReservationService struct {
	mu     sync.Mutex
	leases map[string]string // environment ID -> holder
}

// NewMemoryReservationService creates an in-memory reservation service
func NewMemoryReservationService() *MemoryReservationService {
	return &MemoryReservationService{leases: make(map[string]string)}
}

// Acquire takes the lease for an environment
func (s *MemoryReservationService) Acquire(_ context.Context, environmentID, holder string) (Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, held := s.leases[environmentID]; held {
		return nil, &ErrAlreadyReserved{EnvironmentID: environmentID, Holder: existing}
	}
	s.leases[environmentID] = holder

	return &memoryReservation{service: s, environmentID: environmentID, acquiredAt: time.Now()}, nil
}

// Shutdown drops all leases
func (s *MemoryReservationService) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leases = make(map[string]string)
}

type memoryReservation struct {
	service       *MemoryReservationService
	environmentID string
	acquiredAt    time.Time
	releaseOnce   sync.Once
}

func (r *memoryReservation) EnvironmentID() string { return r.environmentID }

func (r *memoryReservation) Release() error {
	r.releaseOnce.Do(func() {
		r.service.mu.Lock()
		delete(r.service.leases, r.environmentID)
		r.service.mu.Unlock()
	})
	return nil
}

// Package events provides event handling for deployment lifecycle events.
// Publishing never blocks the core; delivery is fire-and-forget.
package events

import (
	"sync"
	"time"

	"github.com/testrig/testrig/internal/interfaces"
)

// EventType represents the type of deployment event
type EventType string

const (
	// EventStateChanged is emitted on every state machine transition
	EventStateChanged EventType = "state_changed"
	// EventResultReady is emitted when a terminal result is finalized
	EventResultReady EventType = "result_ready"
	// EventError is emitted when a classified error occurs
	EventError EventType = "error"
)

// DeploymentEvent represents an event in the deployment lifecycle
type DeploymentEvent struct {
	Type         EventType
	DeploymentID string
	Timestamp    time.Time

	// State transition data
	FromState interfaces.DeploymentStatus
	ToState   interfaces.DeploymentStatus

	// Event-specific data
	Result     *interfaces.DeploymentResult
	Error      error
	ErrorClass string
}

// EventHandler is a function that handles deployment events
type EventHandler func(event DeploymentEvent)

// EventBus manages deployment event subscriptions and dispatching
type EventBus struct {
	mu          sync.RWMutex
	handlers    map[EventType][]EventHandler
	synchronous bool // When true, handlers are called synchronously (for testing)
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]EventHandler),
	}
}

// NewSynchronousEventBus creates a bus that calls handlers synchronously (for testing)
func NewSynchronousEventBus() *EventBus {
	return &EventBus{
		handlers:    make(map[EventType][]EventHandler),
		synchronous: true,
	}
}

// Subscribe registers a handler for specific event types
func (eb *EventBus) Subscribe(eventType EventType, handler EventHandler) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.handlers[eventType] = append(eb.handlers[eventType], handler)
}

// Publish sends an event to all registered handlers
func (eb *EventBus) Publish(event DeploymentEvent) {
	eb.mu.RLock()
	handlers := eb.handlers[event.Type]
	synchronous := eb.synchronous
	eb.mu.RUnlock()

	if synchronous {
		for _, handler := range handlers {
			handler(event)
		}
	} else {
		for _, handler := range handlers {
			go handler(event)
		}
	}
}

// PublishStateChange is a convenience method for state transition events
func (eb *EventBus) PublishStateChange(deploymentID string, from, to interfaces.DeploymentStatus, err error) {
	event := DeploymentEvent{
		Type:         EventStateChanged,
		DeploymentID: deploymentID,
		Timestamp:    time.Now(),
		FromState:    from,
		ToState:      to,
		Error:        err,
	}
	if err != nil {
		event.ErrorClass = interfaces.ClassifyError(err)
	}
	eb.Publish(event)
}

// PublishResult is a convenience method for result events
func (eb *EventBus) PublishResult(deploymentID string, result *interfaces.DeploymentResult) {
	eb.Publish(DeploymentEvent{
		Type:         EventResultReady,
		DeploymentID: deploymentID,
		Timestamp:    time.Now(),
		Result:       result,
	})
}

// PublishError is a convenience method for error events
func (eb *EventBus) PublishError(deploymentID string, err error) {
	eb.Publish(DeploymentEvent{
		Type:         EventError,
		DeploymentID: deploymentID,
		Timestamp:    time.Now(),
		Error:        err,
		ErrorClass:   interfaces.ClassifyError(err),
	})
}

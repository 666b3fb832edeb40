package xrelay

import (
	"time"
)

// EventType enumerates lifecycle events for the Observer pattern.
type EventType string

const (
	MessageSent         EventType = "sent"
	MessagePublished    EventType = "published"
	MessageReceived     EventType = "received"
	MessageEnqueued     EventType = "enqueued"
	MessageAcknowledged EventType = "ack"
	MessageRetried      EventType = "nack"
	MessageDeadLettered EventType = "dead_letter"
	MessageExpired      EventType = "expired"
	ReplyReceived       EventType = "reply"
	SubscriptionRenewed EventType = "subscription_renewed"
	SubscriptionFailed  EventType = "subscription_failed"
	Error               EventType = "error"
)

// Event carries telemetry for observers.
type Event struct {
	Type        EventType
	Queue       string
	Topic       string
	Endpoint    string
	MessageID   string
	MessageName string
	Attempt     int
	Duration    time.Duration
	Err         error

	// Internal: attached for async dispatch
	observers []Observer
}

// PoolStats returns telemetry about the observer pool.
type PoolStats struct {
	Dropped      uint64 // Events dropped due to full buffer
	Processed    uint64 // Events successfully processed
	ActiveEvents int    // Current queue depth
	Workers      int    // Number of dispatch goroutines
	BufferSize   int    // Channel capacity
}

// Metrics defines observable telemetry for the bus.
type Metrics struct {
	Sent                uint64
	Published           uint64
	Received            uint64
	Replies             uint64
	Errors              uint64
	EventsDropped       uint64
	PendingReplies      int
	AvgProcessingTimeMs float64
}

// HealthStatus indicates bus health for Kubernetes liveness and readiness checks.
type HealthStatus struct {
	Status    string // "healthy", "degraded", "unhealthy"
	State     State
	Metrics   Metrics
	Timestamp time.Time
	Message   string
}

// State is the bus lifecycle state.
type State int32

const (
	StateCreated State = iota
	StateInitializing
	StateRunning
	StateDisposing
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateDisposing:
		return "disposing"
	case StateDisposed:
		return "disposed"
	}
	return "unknown"
}

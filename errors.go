package xrelay

import (
	"errors"
	"fmt"
)

type ErrUnknownTransport struct{ name string }

func (e ErrUnknownTransport) Error() string { return fmt.Sprintf("unknown transport: %s", e.name) }

// ErrEndpointNotFound is returned when a named endpoint is not configured.
type ErrEndpointNotFound struct{ Name string }

func (e ErrEndpointNotFound) Error() string { return fmt.Sprintf("endpoint not found: %s", e.Name) }

// ErrTopicNotFound is returned when publishing to, or subscribing to, an undeclared topic.
type ErrTopicNotFound struct{ Topic string }

func (e ErrTopicNotFound) Error() string { return fmt.Sprintf("topic not found: %s", e.Topic) }

var (
	ErrBusClosed             = errors.New("xrelay: bus is closed")
	ErrBusNotReady           = errors.New("xrelay: bus is not initialized")
	ErrNoTransportConfigured = errors.New("xrelay: no transport configured")
	ErrNoQueueingService     = errors.New("xrelay: no queueing service configured")
	ErrNoSubscriptionTracker = errors.New("xrelay: no subscription tracking service configured")
	ErrNoMatchingSendRule    = errors.New("xrelay: no send rule matches message")
	ErrInvalidTopic          = errors.New("xrelay: topic must not be empty")
	ErrInvalidHandlingRule   = errors.New("xrelay: handling rule requires a handler")
	ErrReplyTimeout          = errors.New("xrelay: timed out waiting for reply")
	ErrHandlerPanic          = errors.New("xrelay: handler panic")

	ErrObserverPoolShutdownTimeout = errors.New("xrelay: observer pool shutdown timeout")

	// ErrMalformedMessage marks a record that cannot be parsed. It is never retried.
	ErrMalformedMessage = errors.New("xrelay: malformed message record")

	ErrQueueClosed         = errors.New("xrelay: queue is closed")
	ErrQueueNotInitialized = errors.New("xrelay: queue is not initialized")
	ErrQueueNotFound       = errors.New("xrelay: queue not found")
	ErrQueueExists         = errors.New("xrelay: queue already exists")

	ErrInvalidPosition = errors.New("xrelay: invalid journal position")
)

// Transport error kinds.
var (
	ErrConnectionRefused    = errors.New("connection refused")
	ErrNameResolutionFailed = errors.New("name resolution failed")
	ErrInvalidRequest       = errors.New("invalid request")
	ErrTransport            = errors.New("transport error")
)

// TransportError classifies a transport failure. errors.Is matches both
// the Kind sentinel and the wrapped cause.
type TransportError struct {
	Kind     error
	Endpoint string
	Err      error
}

// NewTransportError wraps cause with the given kind; nil kind means ErrTransport.
func NewTransportError(kind error, endpoint string, cause error) *TransportError {
	if kind == nil {
		kind = ErrTransport
	}
	return &TransportError{Kind: kind, Endpoint: endpoint, Err: cause}
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v: %s", e.Kind, e.Endpoint)
	}
	return fmt.Sprintf("%v: %s: %v", e.Kind, e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// IsRecoverable reports whether a transport failure is worth retrying.
// Invalid requests and configuration errors are terminal.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var (
		endpointErr ErrEndpointNotFound
		topicErr    ErrTopicNotFound
	)
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.As(err, &endpointErr),
		errors.As(err, &topicErr):
		return false
	case errors.Is(err, ErrConnectionRefused),
		errors.Is(err, ErrNameResolutionFailed),
		errors.Is(err, ErrTransport):
		return true
	}
	return false
}

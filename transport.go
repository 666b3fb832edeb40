package xrelay

import (
	"context"
	"errors"
	"sync"
	"time"
)

// SubscriptionRequestType distinguishes subscribe and unsubscribe requests.
type SubscriptionRequestType string

const (
	SubscriptionAdd    SubscriptionRequestType = "add"
	SubscriptionRemove SubscriptionRequestType = "remove"
)

// SubscriptionRequest asks a publisher to add or remove a subscriber.
type SubscriptionRequest struct {
	Type        SubscriptionRequestType
	Publisher   string
	Topic       string
	Subscriber  string
	TTL         time.Duration
	Credentials Credentials
}

// InboundHandler receives traffic from a TransportService.
type InboundHandler interface {
	MessageReceived(ctx context.Context, msg *Message, principal string) error
	SubscriptionRequestReceived(ctx context.Context, req SubscriptionRequest, principal string) error
}

// TransportService is the Strategy interface for moving messages between buses.
// Implementations classify failures with TransportError.
type TransportService interface {
	// SendMessage delivers msg to its Destination header.
	SendMessage(ctx context.Context, msg *Message, creds Credentials) error
	// SendSubscriptionRequest delivers req to req.Publisher.
	SendSubscriptionRequest(ctx context.Context, req SubscriptionRequest) error
	// Attach starts delivering traffic addressed to baseURI to h.
	Attach(ctx context.Context, baseURI string, h InboundHandler) error
	Close(ctx context.Context) error
}

// TransportFactory constructs transports from a config blob.
type TransportFactory func(cfg map[string]any) (TransportService, error)

var (
	transportRegistryMu sync.RWMutex
	transportRegistry   = map[string]TransportFactory{}
)

// RegisterTransport registers a backend adapter.
func RegisterTransport(name string, factory TransportFactory) error {
	if name == "" {
		return errors.New("transport name must not be empty")
	}
	if factory == nil {
		return errors.New("transport factory must not be nil")
	}
	transportRegistryMu.Lock()
	transportRegistry[name] = factory
	transportRegistryMu.Unlock()
	return nil
}

// NewTransport constructs a transport by name with config.
func NewTransport(name string, cfg map[string]any) (TransportService, error) {
	transportRegistryMu.RLock()
	f, ok := transportRegistry[name]
	transportRegistryMu.RUnlock()
	if !ok {
		return nil, ErrUnknownTransport{name: name}
	}
	return f(cfg)
}

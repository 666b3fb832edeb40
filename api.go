package xrelay

import (
	"context"
	"time"
)

// Handler processes a single inbound message. Return an error to have the
// queue retry it. Handlers on queues without auto-acknowledge must call
// Acknowledge(ctx).
type Handler func(ctx context.Context, msg *Message) error

// Middleware composes processing concerns around a Handler.
type Middleware func(next Handler) Handler

// SendOptions tunes a single Send or reply.
type SendOptions struct {
	// ContentType selects the codec (default: the bus codec, application/json).
	ContentType string
	// TTL sets the Expires header; zero means the message never expires.
	TTL time.Duration
	// UseDurableTransport routes the message through the local Outbound queue.
	UseDurableTransport bool
	// Credentials override the endpoint credentials.
	Credentials *Credentials
}

// HealthChecker provides health status for production monitoring.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// API represents the complete xrelay bus surface.
type API interface {
	Init(ctx context.Context) error
	Send(ctx context.Context, content any, opts SendOptions) (*SentMessage, error)
	SendTo(ctx context.Context, content any, endpoint string, opts SendOptions) (*SentMessage, error)
	SendToURI(ctx context.Context, content any, uri string, opts SendOptions) (*SentMessage, error)
	Publish(ctx context.Context, content any, topic string) error
	Close(ctx context.Context) error
	GetMetrics() Metrics
	Health(ctx context.Context) HealthStatus
	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
}

var _ API = (*Bus)(nil)
var _ HealthChecker = (*Bus)(nil)

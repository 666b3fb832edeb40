package xrelay

import (
	"context"
	"time"
)

// QueueOptions configures retry and concurrency for one durable queue.
type QueueOptions struct {
	// MaxAttempts is the total number of deliveries before dead-lettering (default 10).
	MaxAttempts int
	// RetryDelay is the wait between attempts (default 1s).
	RetryDelay time.Duration
	// ConcurrencyLimit is the number of workers (default 4).
	ConcurrencyLimit int
	// AutoAcknowledge treats a nil return from the listener as an acknowledgement.
	AutoAcknowledge bool
	// BufferSize bounds the in-memory admission buffer (default 1024).
	BufferSize int
}

// DefaultQueueOptions returns the production defaults.
func DefaultQueueOptions() QueueOptions {
	return QueueOptions{
		MaxAttempts:      10,
		RetryDelay:       time.Second,
		ConcurrencyLimit: 4,
		BufferSize:       1024,
	}
}

// WithDefaults fills zero fields from DefaultQueueOptions.
func (o QueueOptions) WithDefaults() QueueOptions {
	d := DefaultQueueOptions()
	if o.MaxAttempts < 1 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.RetryDelay < 0 {
		o.RetryDelay = 0
	} else if o.RetryDelay == 0 {
		o.RetryDelay = d.RetryDelay
	}
	if o.ConcurrencyLimit < 1 {
		o.ConcurrencyLimit = d.ConcurrencyLimit
	}
	if o.BufferSize < 1 {
		o.BufferSize = d.BufferSize
	}
	return o
}

// QueuedMessageContext is handed to a QueueListener for each delivery attempt.
type QueuedMessageContext interface {
	// Principal is the identity of the original sender.
	Principal() string
	// Attempt is the 1-based delivery attempt.
	Attempt() int
	// Acknowledge marks the message as handled; the record is deleted after the listener returns.
	Acknowledge()
	Acknowledged() bool
}

// QueueListener consumes messages from a durable queue. A returned error is
// treated as a failed attempt.
type QueueListener interface {
	MessageReceived(ctx context.Context, msg *Message, qctx QueuedMessageContext) error
}

// QueueListenerFunc adapts a function to QueueListener.
type QueueListenerFunc func(ctx context.Context, msg *Message, qctx QueuedMessageContext) error

func (f QueueListenerFunc) MessageReceived(ctx context.Context, msg *Message, qctx QueuedMessageContext) error {
	return f(ctx, msg, qctx)
}

// MessageQueueingService owns a set of named durable queues.
type MessageQueueingService interface {
	CreateQueue(ctx context.Context, name string, listener QueueListener, opts QueueOptions) error
	EnqueueMessage(ctx context.Context, name string, msg *Message, principal string) error
	Close(ctx context.Context) error
}

// SubscriptionTrackingService stores which subscribers receive each topic.
type SubscriptionTrackingService interface {
	// AddSubscription upserts subscriber for topic, expiring after ttl (ttl <= 0 never expires).
	AddSubscription(ctx context.Context, topic, subscriber string, ttl time.Duration) error
	RemoveSubscription(ctx context.Context, topic, subscriber string) error
	// GetSubscribers returns the subscribers whose expiration is after now.
	GetSubscribers(ctx context.Context, topic string) ([]string, error)
}

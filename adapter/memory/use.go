package memory

import (
	"fmt"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xrelay"
)

// Use builds a Bus on the in-memory transport.
// Mirrors the xlog "Use" pattern: explicit construction from a Config plus options.
//
// Example:
//
//	bus, err := memory.Use(memory.Config{Hub: "test"},
//	    memory.WithBaseURI("mem://orders/"),
//	    memory.WithQueueingService(queues),
//	    memory.WithLogger(logger),
//	)
//
// The caller owns the bus and must Init and Close it.
func Use(cfg Config, opts ...Option) (*xrelay.Bus, error) {
	bb := xrelay.NewBusBuilder().
		WithTransport(TransportName, cfg.toMap())

	for _, o := range opts {
		if o != nil {
			o(bb)
		}
	}

	bus, err := bb.Build()
	if err != nil {
		return nil, fmt.Errorf("memory.Use: %w", err)
	}
	return bus, nil
}

// Option configures the xrelay.Bus when calling Use.
type Option func(*xrelay.BusBuilder)

// WithBaseURI sets the address this bus is reachable at on the hub.
func WithBaseURI(uri string) Option {
	return func(b *xrelay.BusBuilder) { b.WithBaseURI(uri) }
}

// WithQueueingService sets the durable queueing service.
func WithQueueingService(q xrelay.MessageQueueingService) Option {
	return func(b *xrelay.BusBuilder) { b.WithQueueingService(q) }
}

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *xrelay.BusBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *xrelay.BusBuilder) { b.WithClock(c) }
}

// WithCodec selects a codec by content type (default: "application/json").
func WithCodec(contentType string) Option {
	return func(b *xrelay.BusBuilder) { b.WithCodec(contentType) }
}

// WithMiddleware adds processing middlewares (timeout, logging, etc).
func WithMiddleware(mw ...xrelay.Middleware) Option {
	return func(b *xrelay.BusBuilder) { b.WithMiddleware(mw...) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xrelay.Observer) Option {
	return func(b *xrelay.BusBuilder) { b.WithObserver(obs...) }
}

// WithObserverPool configures async observer pool for non-blocking notifications.
func WithObserverPool(workers, bufferSize int) Option {
	return func(b *xrelay.BusBuilder) { b.WithObserverPool(workers, bufferSize) }
}

// Configure exposes the full builder for routing rules, topics and subscriptions.
func Configure(fn func(*xrelay.BusBuilder)) Option {
	return Option(fn)
}

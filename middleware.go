package xrelay

import (
	"context"
	"fmt"
	"time"
)

// TimeoutMiddleware enforces a maximum processing time for a handler.
// When exceeded the attempt fails with context.DeadlineExceeded and the
// queue retries it.
func TimeoutMiddleware(d time.Duration) Middleware {
	if d <= 0 {
		return func(next Handler) Handler { return next }
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) error {
			tctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()

			errCh := make(chan error, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						errCh <- fmt.Errorf("%w: %v", ErrHandlerPanic, r)
					}
				}()
				errCh <- next(tctx, msg)
			}()

			select {
			case <-tctx.Done():
				return tctx.Err()
			case err := <-errCh:
				return err
			}
		}
	}
}

// RecoveryMiddleware converts handler panics into errors so the queue can retry.
func RecoveryMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
					if lg, ok := LoggerFromContext(ctx); ok {
						lg.Error().Err(err).Str("message_id", msg.ID()).Msg("xrelay: handler panic (recovered)")
					}
				}
			}()
			return next(ctx, msg)
		}
	}
}

// LoggingMiddleware logs each handler invocation at debug level and failures at warn.
func LoggingMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) error {
			lg, ok := LoggerFromContext(ctx)
			if !ok {
				return next(ctx, msg)
			}
			start := time.Now()
			err := next(ctx, msg)
			if err != nil {
				lg.Warn().
					Str("message_id", msg.ID()).
					Str("message_name", msg.Name()).
					Dur("dur", time.Since(start)).
					Err(err).
					Msg("xrelay: handler failed")
				return err
			}
			lg.Debug().
				Str("message_id", msg.ID()).
				Str("message_name", msg.Name()).
				Dur("dur", time.Since(start)).
				Msg("xrelay: handler done")
			return nil
		}
	}
}

// Chain composes middlewares around a handler in order.
func Chain(h Handler, mws ...Middleware) Handler {
	if len(mws) == 0 {
		return h
	}
	wrapped := h
	// Apply in reverse so that first middleware wraps last.
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		wrapped = mws[i](wrapped)
	}
	return wrapped
}

// Package filesystem implements the durable xrelay services on a local
// directory tree: message queues with dead-lettering, per-topic subscription
// files and an append-only message journal.
package filesystem

import (
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xrelay"
)

type settings struct {
	logger    *xlog.Logger
	clock     xclock.Clock
	observers []xrelay.Observer
}

func newSettings(opts []Option) settings {
	s := settings{}
	for _, o := range opts {
		if o != nil {
			o(&s)
		}
	}
	if s.logger == nil {
		s.logger = xlog.Default()
	}
	if s.clock == nil {
		s.clock = xclock.Default()
	}
	return s
}

// Option configures the filesystem services.
type Option func(*settings)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(s *settings) { s.clock = c }
}

// WithObserver attaches observers for queue outcome events.
func WithObserver(obs ...xrelay.Observer) Option {
	return func(s *settings) {
		for _, o := range obs {
			if o != nil {
				s.observers = append(s.observers, o)
			}
		}
	}
}

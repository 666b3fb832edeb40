// Package redisstore keeps the message journal in a Redis stream and topic
// subscriptions in Redis sorted sets, so several bus instances can share them.
//
// Keys (prefix defaults to "xrelay"):
//   - <prefix>:journal         stream, one entry per journaled message
//   - <prefix>:subs:<topic>    sorted set, member = subscriber, score = expiry (ms)
//   - <prefix>:topics          set of topics with subscriptions
package redisstore

import (
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

type settings struct {
	logger *xlog.Logger
	clock  xclock.Clock
}

// Option configures a journal or tracker.
type Option func(*settings)

func WithLogger(l *xlog.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithClock(c xclock.Clock) Option {
	return func(s *settings) {
		if c != nil {
			s.clock = c
		}
	}
}

func newSettings(opts []Option) settings {
	s := settings{logger: xlog.Default(), clock: xclock.Default()}
	for _, o := range opts {
		if o != nil {
			o(&s)
		}
	}
	return s
}

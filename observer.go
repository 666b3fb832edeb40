package xrelay

import (
	"strconv"

	"github.com/trickstertwo/xlog"
)

// Observer receives lifecycle events. Implementations should be non-blocking.
type Observer interface {
	OnEvent(e Event)
}

// ObserverFunc is an Adapter that lets a plain function satisfy Observer.
type ObserverFunc func(e Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// LoggingObserver is an Adapter that emits Events via xlog.
type LoggingObserver struct {
	Logger *xlog.Logger
}

func (o LoggingObserver) OnEvent(e Event) {
	if o.Logger == nil {
		return
	}
	ev := o.Logger.With(
		xlog.Str("type", string(e.Type)),
		xlog.Str("queue", e.Queue),
		xlog.Str("topic", e.Topic),
		xlog.Str("endpoint", e.Endpoint),
		xlog.Str("message_id", e.MessageID),
		xlog.Str("message_name", e.MessageName),
	)
	if e.Attempt > 0 {
		ev = ev.With(xlog.Str("attempt", strconv.Itoa(e.Attempt)))
	}
	switch e.Type {
	case Error, MessageDeadLettered, SubscriptionFailed:
		ev.Warn().Err(e.Err).Msg("xrelay event")
	case MessageRetried:
		ev.Info().Err(e.Err).Msg("xrelay event")
	default:
		if e.Duration > 0 {
			ev = ev.With(xlog.Dur("duration", e.Duration))
		}
		ev.Debug().Msg("xrelay event")
	}
}

// MultiObserver fans an event out to several observers synchronously.
type MultiObserver []Observer

func (m MultiObserver) OnEvent(e Event) {
	for _, o := range m {
		if o != nil {
			o.OnEvent(e)
		}
	}
}

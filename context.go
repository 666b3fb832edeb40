package xrelay

import (
	"context"
	"errors"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// ctxKey is the base for all context keys in xrelay (prevents collisions).
type ctxKey string

const (
	codecCtxKey   ctxKey = "xrelay:codec"
	loggerCtxKey  ctxKey = "xrelay:logger"
	clockCtxKey   ctxKey = "xrelay:clock"
	messageCtxKey ctxKey = "xrelay:message"
)

// MessageContext is available to handlers through the handler context.
type MessageContext interface {
	Message() *Message
	// Principal is the sender identity asserted by the transport.
	Principal() string
	Attempt() int
	// Acknowledge marks the message handled so it is not redelivered.
	Acknowledge()
	// SendReply addresses content back to the sender, related to the current message.
	SendReply(ctx context.Context, content any, opts SendOptions) error
}

var errNoMessageContext = errors.New("xrelay: no message context")

func injectCodec(ctx context.Context, c Codec) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, codecCtxKey, c)
}

// CodecFromContext retrieves the bus default Codec injected into a handler context.
func CodecFromContext(ctx context.Context) (Codec, bool) {
	if v := ctx.Value(codecCtxKey); v != nil {
		if c, ok := v.(Codec); ok && c != nil {
			return c, true
		}
	}
	return nil, false
}

func injectLogger(ctx context.Context, l *xlog.Logger) context.Context {
	if l == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerCtxKey, l)
}

func LoggerFromContext(ctx context.Context) (*xlog.Logger, bool) {
	if v := ctx.Value(loggerCtxKey); v != nil {
		if l, ok := v.(*xlog.Logger); ok && l != nil {
			return l, true
		}
	}
	return nil, false
}

func injectClock(ctx context.Context, c xclock.Clock) context.Context {
	if c == nil {
		return ctx
	}
	return context.WithValue(ctx, clockCtxKey, c)
}

func ClockFromContext(ctx context.Context) (xclock.Clock, bool) {
	if v := ctx.Value(clockCtxKey); v != nil {
		if c, ok := v.(xclock.Clock); ok && c != nil {
			return c, true
		}
	}
	return nil, false
}

// WithMessageContext attaches mc to ctx.
func WithMessageContext(ctx context.Context, mc MessageContext) context.Context {
	if mc == nil {
		return ctx
	}
	return context.WithValue(ctx, messageCtxKey, mc)
}

// MessageContextFromContext returns the MessageContext of the delivery being handled.
func MessageContextFromContext(ctx context.Context) (MessageContext, bool) {
	if v := ctx.Value(messageCtxKey); v != nil {
		if mc, ok := v.(MessageContext); ok && mc != nil {
			return mc, true
		}
	}
	return nil, false
}

// Acknowledge acknowledges the message being handled in ctx.
func Acknowledge(ctx context.Context) error {
	mc, ok := MessageContextFromContext(ctx)
	if !ok {
		return errNoMessageContext
	}
	mc.Acknowledge()
	return nil
}

// Reply sends content back to the sender of the message being handled in ctx.
func Reply(ctx context.Context, content any, opts SendOptions) error {
	mc, ok := MessageContextFromContext(ctx)
	if !ok {
		return errNoMessageContext
	}
	return mc.SendReply(ctx, content, opts)
}

// InjectAll is a convenience helper to inject all standard dependencies.
func InjectAll(ctx context.Context, codec Codec, logger *xlog.Logger, clock xclock.Clock) context.Context {
	ctx = injectCodec(ctx, codec)
	ctx = injectLogger(ctx, logger)
	ctx = injectClock(ctx, clock)
	return ctx
}

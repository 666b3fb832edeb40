package xrelay

import (
	"context"
)

// inbound adapts the Bus to the transport's InboundHandler callbacks.
type inbound struct {
	bus *Bus
}

func (in inbound) MessageReceived(ctx context.Context, msg *Message, principal string) error {
	return in.bus.handleInbound(ctx, msg, principal)
}

func (in inbound) SubscriptionRequestReceived(ctx context.Context, req SubscriptionRequest, principal string) error {
	return in.bus.handleSubscriptionRequest(ctx, req, principal)
}

// handlingListener delivers messages from one handling queue to every rule
// bound to that queue, stopping at the first handler error.
type handlingListener struct {
	bus      *Bus
	name     string
	opts     QueueOptions
	rules    []HandlingRule
	handlers []Handler
}

// handlingQueues groups the handling rules by queue name, preserving rule order.
func (b *Bus) handlingQueues() []*handlingListener {
	var out []*handlingListener
	byName := make(map[string]*handlingListener)
	for _, r := range b.handlingRules {
		l, ok := byName[r.QueueName]
		if !ok {
			opts := DefaultQueueOptions()
			if r.QueueOptions != nil {
				opts = r.QueueOptions.WithDefaults()
			}
			l = &handlingListener{bus: b, name: r.QueueName, opts: opts}
			byName[r.QueueName] = l
			out = append(out, l)
		}
		// Always enable panic recovery first for dependability.
		base := RecoveryMiddleware()(r.Handler)
		l.rules = append(l.rules, r)
		l.handlers = append(l.handlers, Chain(base, b.middlewares...))
	}
	return out
}

func (l *handlingListener) MessageReceived(ctx context.Context, msg *Message, qctx QueuedMessageContext) error {
	b := l.bus
	if msg.Expired(b.clock.Now()) {
		qctx.Acknowledge()
		b.notifyAsync(Event{Type: MessageExpired, Queue: l.name, MessageID: msg.ID(), MessageName: msg.Name()})
		return nil
	}

	mc := &messageContext{bus: b, msg: msg, qctx: qctx}
	hctx := InjectAll(ctx, b.codec, b.logger, b.clock)
	hctx = WithMessageContext(hctx, mc)

	start := b.clock.Now()
	for i, r := range l.rules {
		if !r.Spec.Matches(msg) {
			continue
		}
		if err := l.handlers[i](hctx, msg); err != nil {
			return err
		}
	}
	b.recordProcessingTime(b.clock.Since(start).Nanoseconds())
	return nil
}

// outboundListener drains the Outbound queue into the transport.
type outboundListener struct {
	bus *Bus
}

func (l *outboundListener) MessageReceived(ctx context.Context, msg *Message, qctx QueuedMessageContext) error {
	b := l.bus
	if msg.Expired(b.clock.Now()) {
		qctx.Acknowledge()
		b.notifyAsync(Event{Type: MessageExpired, Queue: OutboundQueueName, MessageID: msg.ID(), MessageName: msg.Name()})
		return nil
	}

	start := b.clock.Now()
	m := msg.WithHeaders(func(h *Headers) { h.SetTime(HeaderSent, start) })
	if err := b.transport.SendMessage(ctx, m, b.credentialsFor(m.Destination())); err != nil {
		b.metrics.errorCount.Add(1)
		return err
	}
	duration := b.clock.Since(start)
	b.recordProcessingTime(duration.Nanoseconds())
	b.metrics.sentCount.Add(1)
	b.appendJournal(ctx, m, JournalSent)
	b.notifyAsync(Event{Type: MessageSent, Endpoint: m.Destination(), MessageID: m.ID(), MessageName: m.Name(), Duration: duration, Attempt: qctx.Attempt()})
	qctx.Acknowledge()
	return nil
}

// messageContext is the MessageContext handed to handlers.
type messageContext struct {
	bus  *Bus
	msg  *Message
	qctx QueuedMessageContext
}

func (c *messageContext) Message() *Message { return c.msg }
func (c *messageContext) Principal() string { return c.qctx.Principal() }
func (c *messageContext) Attempt() int      { return c.qctx.Attempt() }
func (c *messageContext) Acknowledge()      { c.qctx.Acknowledge() }

func (c *messageContext) SendReply(ctx context.Context, content any, opts SendOptions) error {
	return c.bus.sendReply(ctx, c.msg, content, opts)
}

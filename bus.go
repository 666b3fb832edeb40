package xrelay

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// OutboundQueueName is the durable queue backing durable sends and publishes.
const OutboundQueueName = "Outbound"

// DefaultSubscriptionRetryDelay is the wait after a recoverable subscription failure.
const DefaultSubscriptionRetryDelay = 30 * time.Second

// Bus routes messages between the local handlers, durable queues and the transport.
//
// Lifecycle: Build → Init → (Send/Publish/handle) → Close. Send and Publish
// fail with ErrBusNotReady before Init completes and ErrBusClosed after Close.
// Close must be called to stop queue workers and renewal loops.
type Bus struct {
	baseURI     string
	transport   TransportService
	queueing    MessageQueueingService
	tracker     SubscriptionTrackingService
	journal     MessageJournal
	codec       Codec
	naming      NamingService
	clock       xclock.Clock
	logger      *xlog.Logger
	middlewares []Middleware

	endpoints         map[string]Endpoint
	endpointsByURI    map[string]Endpoint
	topics            map[string]struct{}
	sendRules         []SendRule
	handlingRules     []HandlingRule
	subscriptions     []SubscriptionConfig
	outboundOptions   QueueOptions
	subscriptionRetry time.Duration
	replies           *ReplyCorrelator

	state      atomic.Int32
	closeOnce  sync.Once
	loopMu     sync.Mutex
	loopCancel context.CancelFunc
	loopWG     sync.WaitGroup

	observerPool *ObserverPool
	observersMu  sync.RWMutex
	observers    []Observer
	metrics      *busMetrics
}

// busMetrics uses lock-free atomics for production-grade telemetry.
type busMetrics struct {
	sentCount     atomic.Uint64
	publishCount  atomic.Uint64
	receivedCount atomic.Uint64
	replyCount    atomic.Uint64
	errorCount    atomic.Uint64
	processingNs  atomic.Int64
}

// BaseURI is the normalized address this bus receives on.
func (b *Bus) BaseURI() string { return b.baseURI }

// Codec returns the default codec.
func (b *Bus) Codec() Codec { return b.codec }

// State returns the current lifecycle state.
func (b *Bus) State() State { return State(b.state.Load()) }

// Init creates the handling-rule queues and the Outbound queue, attaches to
// the transport and starts the subscription renewal loops. A failed Init
// releases what it created and leaves the bus closed.
func (b *Bus) Init(ctx context.Context) error {
	if !b.state.CompareAndSwap(int32(StateCreated), int32(StateInitializing)) {
		if b.State() >= StateDisposing {
			return ErrBusClosed
		}
		return errors.New("xrelay: bus already initialized")
	}
	if err := b.init(ctx); err != nil {
		if cerr := b.Close(context.Background()); cerr != nil {
			err = errors.Join(err, cerr)
		}
		return err
	}
	b.logger.Info().Str("base_uri", b.baseURI).Msg("xrelay: bus running")
	return nil
}

func (b *Bus) init(ctx context.Context) error {
	for _, q := range b.handlingQueues() {
		if err := b.queueing.CreateQueue(ctx, q.name, q, q.opts); err != nil {
			return fmt.Errorf("xrelay: create queue %q: %w", q.name, err)
		}
	}
	if err := b.queueing.CreateQueue(ctx, OutboundQueueName, &outboundListener{bus: b}, b.outboundOptions); err != nil {
		return fmt.Errorf("xrelay: create outbound queue: %w", err)
	}
	if err := b.transport.Attach(ctx, b.baseURI, inbound{bus: b}); err != nil {
		return fmt.Errorf("xrelay: attach transport: %w", err)
	}

	b.loopMu.Lock()
	defer b.loopMu.Unlock()
	// Close may have started while queues were being created.
	if b.State() != StateInitializing {
		return ErrBusClosed
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	b.loopCancel = cancel
	for _, sub := range b.subscriptions {
		b.loopWG.Add(1)
		go b.subscribe(loopCtx, sub)
	}
	if !b.state.CompareAndSwap(int32(StateInitializing), int32(StateRunning)) {
		return ErrBusClosed
	}
	return nil
}

func (b *Bus) ready() error {
	switch b.State() {
	case StateRunning:
		return nil
	case StateDisposing, StateDisposed:
		return ErrBusClosed
	default:
		return ErrBusNotReady
	}
}

// Send routes content to the endpoints selected by the send rules.
func (b *Bus) Send(ctx context.Context, content any, opts SendOptions) (*SentMessage, error) {
	if err := b.ready(); err != nil {
		return nil, err
	}
	msg, err := b.buildMessage(content, opts)
	if err != nil {
		return nil, err
	}

	var targets []Endpoint
	seen := make(map[string]struct{})
	for _, r := range b.sendRules {
		if !r.Spec.Matches(msg) {
			continue
		}
		for _, name := range r.Endpoints {
			ep, ok := b.endpoints[name]
			if !ok {
				return nil, ErrEndpointNotFound{Name: name}
			}
			if _, dup := seen[ep.URI]; dup {
				continue
			}
			seen[ep.URI] = struct{}{}
			targets = append(targets, ep)
		}
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoMatchingSendRule, msg.Name())
	}
	return b.send(ctx, msg, targets, opts)
}

// SendTo sends content to a named endpoint.
func (b *Bus) SendTo(ctx context.Context, content any, endpoint string, opts SendOptions) (*SentMessage, error) {
	if err := b.ready(); err != nil {
		return nil, err
	}
	ep, ok := b.endpoints[endpoint]
	if !ok {
		return nil, ErrEndpointNotFound{Name: endpoint}
	}
	msg, err := b.buildMessage(content, opts)
	if err != nil {
		return nil, err
	}
	return b.send(ctx, msg, []Endpoint{ep}, opts)
}

// SendToURI sends content to an explicit address, using configured
// credentials when the address belongs to a known endpoint.
func (b *Bus) SendToURI(ctx context.Context, content any, uri string, opts SendOptions) (*SentMessage, error) {
	if err := b.ready(); err != nil {
		return nil, err
	}
	norm, err := NormalizeURI(uri)
	if err != nil {
		return nil, err
	}
	ep, ok := b.endpointsByURI[norm]
	if !ok {
		ep = Endpoint{URI: norm}
	}
	msg, err := b.buildMessage(content, opts)
	if err != nil {
		return nil, err
	}
	return b.send(ctx, msg, []Endpoint{ep}, opts)
}

func (b *Bus) send(ctx context.Context, msg *Message, targets []Endpoint, opts SendOptions) (*SentMessage, error) {
	// Register before transport so an immediate reply is not missed.
	sent := b.replies.CreateSentMessage(msg)
	for _, ep := range targets {
		m := msg.WithHeaders(func(h *Headers) { h.Set(HeaderDestination, ep.URI) })
		creds := ep.Credentials
		if opts.Credentials != nil {
			creds = *opts.Credentials
		}
		if err := b.transportMessage(ctx, m, creds, opts.UseDurableTransport); err != nil {
			// The caller never sees sent, so nothing can observe its replies.
			b.replies.Forget(sent)
			return nil, err
		}
	}
	return sent, nil
}

// Publish sends content to every current subscriber of topic through the
// Outbound queue.
func (b *Bus) Publish(ctx context.Context, content any, topic string) error {
	if err := b.ready(); err != nil {
		return err
	}
	if topic == "" {
		return ErrInvalidTopic
	}
	if _, ok := b.topics[topic]; !ok {
		return ErrTopicNotFound{Topic: topic}
	}

	msg, err := b.buildMessage(content, SendOptions{})
	if err != nil {
		return err
	}
	msg = msg.WithHeaders(func(h *Headers) {
		h.Set(HeaderTopic, topic)
		h.SetTime(HeaderPublished, b.clock.Now())
	})
	b.metrics.publishCount.Add(1)
	b.appendJournal(ctx, msg, JournalPublished)

	subscribers, err := b.tracker.GetSubscribers(ctx, topic)
	if err != nil {
		b.metrics.errorCount.Add(1)
		return fmt.Errorf("xrelay: subscribers for %q: %w", topic, err)
	}
	for _, s := range subscribers {
		m := msg.WithHeaders(func(h *Headers) { h.Set(HeaderDestination, s) })
		if err := b.queueing.EnqueueMessage(ctx, OutboundQueueName, m, ""); err != nil {
			b.metrics.errorCount.Add(1)
			return fmt.Errorf("xrelay: publish to %s: %w", s, err)
		}
	}
	b.notifyAsync(Event{Type: MessagePublished, Topic: topic, MessageID: msg.ID(), MessageName: msg.Name()})
	return nil
}

// transportMessage either enqueues msg on the Outbound queue or sends it
// now, surfacing transport failures to the caller.
func (b *Bus) transportMessage(ctx context.Context, msg *Message, creds Credentials, durable bool) error {
	if durable {
		if err := b.queueing.EnqueueMessage(ctx, OutboundQueueName, msg, ""); err != nil {
			b.metrics.errorCount.Add(1)
			return fmt.Errorf("xrelay: enqueue outbound: %w", err)
		}
		return nil
	}

	start := b.clock.Now()
	m := msg.WithHeaders(func(h *Headers) { h.SetTime(HeaderSent, start) })
	if err := b.transport.SendMessage(ctx, m, creds); err != nil {
		b.metrics.errorCount.Add(1)
		b.notifyAsync(Event{Type: Error, Endpoint: m.Destination(), MessageID: m.ID(), MessageName: m.Name(), Err: err})
		return err
	}
	duration := b.clock.Since(start)
	b.recordProcessingTime(duration.Nanoseconds())
	b.metrics.sentCount.Add(1)
	b.appendJournal(ctx, m, JournalSent)
	b.notifyAsync(Event{Type: MessageSent, Endpoint: m.Destination(), MessageID: m.ID(), MessageName: m.Name(), Duration: duration})
	return nil
}

func (b *Bus) buildMessage(content any, opts SendOptions) (*Message, error) {
	codec := b.codec
	if opts.ContentType != "" {
		c, err := NewCodec(opts.ContentType)
		if err != nil {
			return nil, err
		}
		codec = c
	}
	data, err := codec.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("xrelay: marshal %T: %w", content, err)
	}

	var h Headers
	h.Set(HeaderMessageID, uuid.NewString())
	h.Set(HeaderMessageName, b.naming.NameFor(content))
	h.Set(HeaderContentType, codec.ContentType())
	h.Set(HeaderOrigination, b.baseURI)
	if opts.TTL > 0 {
		h.SetTime(HeaderExpires, b.clock.Now().Add(opts.TTL))
	}
	return &Message{headers: h, content: data}, nil
}

func (b *Bus) sendReply(ctx context.Context, original *Message, content any, opts SendOptions) error {
	if err := b.ready(); err != nil {
		return err
	}
	dest := original.ReplyTo()
	if dest == "" {
		return fmt.Errorf("xrelay: message %s has no reply address", original.ID())
	}
	reply, err := b.buildMessage(content, opts)
	if err != nil {
		return err
	}
	reply = reply.WithHeaders(func(h *Headers) {
		h.Set(HeaderRelatedTo, original.ID())
		h.Set(HeaderDestination, dest)
	})
	creds := b.credentialsFor(dest)
	if opts.Credentials != nil {
		creds = *opts.Credentials
	}
	return b.transportMessage(ctx, reply, creds, opts.UseDurableTransport)
}

func (b *Bus) credentialsFor(uri string) Credentials {
	if ep, ok := b.endpointsByURI[mustNormalize(uri)]; ok {
		return ep.Credentials
	}
	return Credentials{}
}

// appendJournal records msg; journal failures are logged, never propagated.
func (b *Bus) appendJournal(ctx context.Context, msg *Message, category JournalCategory) {
	if b.journal == nil {
		return
	}
	if err := b.journal.Append(ctx, msg, category); err != nil {
		b.metrics.errorCount.Add(1)
		b.logger.Warn().Err(err).
			Str("message_id", msg.ID()).
			Str("category", string(category)).
			Msg("xrelay: journal append failed")
	}
}

// handleInbound journals msg, correlates replies and enqueues it on every
// matching handling queue. Messages nobody handles are accepted and dropped.
func (b *Bus) handleInbound(ctx context.Context, msg *Message, principal string) error {
	switch b.State() {
	case StateInitializing, StateRunning:
	case StateDisposing, StateDisposed:
		return ErrBusClosed
	default:
		return ErrBusNotReady
	}

	now := b.clock.Now()
	msg = msg.WithHeaders(func(h *Headers) { h.SetTime(HeaderReceived, now) })
	b.metrics.receivedCount.Add(1)
	b.appendJournal(ctx, msg, JournalReceived)
	b.notifyAsync(Event{Type: MessageReceived, MessageID: msg.ID(), MessageName: msg.Name(), Endpoint: msg.Origination()})

	if msg.Expired(now) {
		b.notifyAsync(Event{Type: MessageExpired, MessageID: msg.ID(), MessageName: msg.Name()})
		return nil
	}

	if msg.RelatedTo() != "" && b.replies.ReplyReceived(msg) {
		b.metrics.replyCount.Add(1)
		b.notifyAsync(Event{Type: ReplyReceived, MessageID: msg.ID(), MessageName: msg.Name()})
	}

	seen := make(map[string]struct{})
	for _, r := range b.handlingRules {
		if !r.Spec.Matches(msg) {
			continue
		}
		if _, dup := seen[r.QueueName]; dup {
			continue
		}
		seen[r.QueueName] = struct{}{}
		if err := b.queueing.EnqueueMessage(ctx, r.QueueName, msg, principal); err != nil {
			b.metrics.errorCount.Add(1)
			return fmt.Errorf("xrelay: enqueue %q: %w", r.QueueName, err)
		}
		b.notifyAsync(Event{Type: MessageEnqueued, Queue: r.QueueName, MessageID: msg.ID(), MessageName: msg.Name()})
	}
	return nil
}

func (b *Bus) handleSubscriptionRequest(ctx context.Context, req SubscriptionRequest, principal string) error {
	switch b.State() {
	case StateInitializing, StateRunning:
	case StateDisposing, StateDisposed:
		return ErrBusClosed
	default:
		return ErrBusNotReady
	}
	if _, ok := b.topics[req.Topic]; !ok {
		return ErrTopicNotFound{Topic: req.Topic}
	}
	subscriber, err := NormalizeURI(req.Subscriber)
	if err != nil {
		return NewTransportError(ErrInvalidRequest, req.Subscriber, err)
	}

	switch req.Type {
	case SubscriptionAdd:
		err = b.tracker.AddSubscription(ctx, req.Topic, subscriber, req.TTL)
	case SubscriptionRemove:
		err = b.tracker.RemoveSubscription(ctx, req.Topic, subscriber)
	default:
		return NewTransportError(ErrInvalidRequest, req.Subscriber, fmt.Errorf("unknown request type %q", req.Type))
	}
	if err != nil {
		return err
	}
	b.logger.Debug().
		Str("topic", req.Topic).
		Str("subscriber", subscriber).
		Str("type", string(req.Type)).
		Str("principal", principal).
		Msg("xrelay: subscription request handled")
	return nil
}

// subscribe keeps one configured subscription alive until ctx ends or an
// unrecoverable error occurs. Renewals happen at TTL/2.
func (b *Bus) subscribe(ctx context.Context, sub SubscriptionConfig) {
	defer b.loopWG.Done()

	lg := b.logger.With(xlog.Str("endpoint", sub.Endpoint), xlog.Str("topic", sub.Topic))
	ep, ok := b.endpoints[sub.Endpoint]
	if !ok {
		err := ErrEndpointNotFound{Name: sub.Endpoint}
		lg.Error().Err(err).Msg("xrelay: subscription abandoned")
		b.notifyAsync(Event{Type: SubscriptionFailed, Endpoint: sub.Endpoint, Topic: sub.Topic, Err: err})
		return
	}
	req := SubscriptionRequest{
		Type:        SubscriptionAdd,
		Publisher:   ep.URI,
		Topic:       sub.Topic,
		Subscriber:  b.baseURI,
		TTL:         sub.TTL,
		Credentials: ep.Credentials,
	}

	for {
		var wait time.Duration
		err := b.transport.SendSubscriptionRequest(ctx, req)
		switch {
		case err == nil:
			b.notifyAsync(Event{Type: SubscriptionRenewed, Endpoint: sub.Endpoint, Topic: sub.Topic})
			if sub.TTL <= 0 {
				return
			}
			wait = sub.TTL / 2
		case ctx.Err() != nil:
			return
		case IsRecoverable(err):
			b.notifyAsync(Event{Type: SubscriptionFailed, Endpoint: sub.Endpoint, Topic: sub.Topic, Err: err})
			lg.Warn().Err(err).Dur("retry_in", b.subscriptionRetry).Msg("xrelay: subscription request failed")
			wait = b.subscriptionRetry
		default:
			b.notifyAsync(Event{Type: SubscriptionFailed, Endpoint: sub.Endpoint, Topic: sub.Topic, Err: err})
			lg.Error().Err(err).Msg("xrelay: subscription abandoned")
			return
		}

		if xclock.SleepContext(ctx, wait, b.clock) != nil {
			return
		}
	}
}

// GetMetrics returns current bus metrics.
func (b *Bus) GetMetrics() Metrics {
	m := Metrics{
		Sent:                b.metrics.sentCount.Load(),
		Published:           b.metrics.publishCount.Load(),
		Received:            b.metrics.receivedCount.Load(),
		Replies:             b.metrics.replyCount.Load(),
		Errors:              b.metrics.errorCount.Load(),
		PendingReplies:      b.replies.Len(),
		AvgProcessingTimeMs: float64(b.metrics.processingNs.Load()) / 1e6,
	}
	if b.observerPool != nil {
		m.EventsDropped = b.observerPool.Stats().Dropped
	}
	return m
}

// Health reports bus health for Kubernetes liveness and readiness checks.
func (b *Bus) Health(ctx context.Context) HealthStatus {
	state := b.State()
	if state != StateRunning {
		return HealthStatus{
			Status:    "unhealthy",
			State:     state,
			Timestamp: b.clock.Now(),
			Message:   "bus is " + state.String(),
		}
	}

	metrics := b.GetMetrics()
	status := "healthy"

	// Degraded if error rate > 5%
	total := metrics.Sent + metrics.Published + metrics.Received
	if metrics.Errors > 0 && total > 0 {
		if float64(metrics.Errors)/float64(total) > 0.05 {
			status = "degraded"
		}
	}
	return HealthStatus{
		Status:    status,
		State:     state,
		Metrics:   metrics,
		Timestamp: b.clock.Now(),
	}
}

// Close stops the renewal loops, then closes the queueing service, the
// transport and the reply correlator. It is idempotent.
func (b *Bus) Close(ctx context.Context) error {
	var closeErr error

	b.closeOnce.Do(func() {
		b.state.Store(int32(StateDisposing))

		b.loopMu.Lock()
		cancel := b.loopCancel
		b.loopMu.Unlock()
		if cancel != nil {
			cancel()
		}
		b.loopWG.Wait()

		if err := b.queueing.Close(ctx); err != nil {
			b.logger.Error().Err(err).Msg("xrelay: queueing service close failed")
			closeErr = errors.Join(closeErr, err)
		}
		if err := b.transport.Close(ctx); err != nil {
			b.logger.Error().Err(err).Msg("xrelay: transport close failed")
			closeErr = errors.Join(closeErr, err)
		}
		b.replies.Close()

		if b.observerPool != nil {
			if err := b.observerPool.Close(5 * time.Second); err != nil {
				b.logger.Warn().Err(err).Msg("xrelay: observer pool shutdown timeout")
				closeErr = errors.Join(closeErr, err)
			}
		}
		b.state.Store(int32(StateDisposed))
	})

	return closeErr
}

// AddObserver registers an observer (thread-safe).
func (b *Bus) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	b.observers = append(b.observers, obs)
	b.observersMu.Unlock()
}

// RemoveObserver removes an observer.
func (b *Bus) RemoveObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	defer b.observersMu.Unlock()

	// Func observers are not comparable and cannot be removed.
	if !reflect.TypeOf(obs).Comparable() {
		return
	}
	for i, o := range b.observers {
		if reflect.TypeOf(o).Comparable() && o == obs {
			b.observers = append(b.observers[:i:i], b.observers[i+1:]...)
			break
		}
	}
}

// notifyAsync dispatches events through the observer pool, or inline when
// the bus was built without one.
func (b *Bus) notifyAsync(e Event) {
	b.observersMu.RLock()
	if len(b.observers) == 0 {
		b.observersMu.RUnlock()
		return
	}
	observers := make([]Observer, len(b.observers))
	copy(observers, b.observers)
	b.observersMu.RUnlock()

	if b.observerPool == nil {
		MultiObserver(observers).OnEvent(e)
		return
	}
	b.observerPool.Notify(e, observers)
}

// recordProcessingTime records processing time using exponential moving average.
func (b *Bus) recordProcessingTime(ns int64) {
	const alpha = 0.2 // 20% weight to new sample
	current := b.metrics.processingNs.Load()
	if current == 0 {
		b.metrics.processingNs.Store(ns)
		return
	}
	newAvg := int64(float64(ns)*alpha + float64(current)*(1-alpha))
	b.metrics.processingNs.Store(newAvg)
}

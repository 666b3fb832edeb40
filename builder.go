package xrelay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// BusBuilder constructs Bus instances (Builder pattern).
type BusBuilder struct {
	baseURI string

	transportName string
	transportCfg  map[string]any
	transportInst TransportService

	queueing MessageQueueingService
	tracker  SubscriptionTrackingService
	journal  MessageJournal

	contentType string
	codecInst   Codec
	naming      NamingService

	middlewares []Middleware
	observers   []Observer
	logger      *xlog.Logger
	clock       xclock.Clock

	endpoints     []Endpoint
	topics        []string
	sendRules     []SendRule
	handlingRules []HandlingRule
	subscriptions []SubscriptionConfig

	outboundOptions   QueueOptions
	replyTTL          time.Duration
	subscriptionRetry time.Duration

	observerWorkers int
	observerBuffer  int
	asyncObservers  bool
}

// NewBusBuilder returns a new builder with sensible defaults.
func NewBusBuilder() *BusBuilder {
	return &BusBuilder{
		contentType:       ContentTypeJSON,
		outboundOptions:   DefaultQueueOptions(),
		replyTTL:          DefaultReplyTTL,
		subscriptionRetry: DefaultSubscriptionRetryDelay,
		asyncObservers:    true,
	}
}

// WithBaseURI sets the address remote buses use to reach this one.
func (bb *BusBuilder) WithBaseURI(uri string) *BusBuilder {
	bb.baseURI = uri
	return bb
}

// WithTransport selects a registered transport by name.
func (bb *BusBuilder) WithTransport(name string, cfg map[string]any) *BusBuilder {
	bb.transportName = name
	bb.transportCfg = cfg
	return bb
}

// WithTransportInstance accepts a ready TransportService instance.
func (bb *BusBuilder) WithTransportInstance(t TransportService) *BusBuilder {
	bb.transportInst = t
	return bb
}

func (bb *BusBuilder) WithQueueingService(q MessageQueueingService) *BusBuilder {
	bb.queueing = q
	return bb
}

func (bb *BusBuilder) WithSubscriptionTracker(t SubscriptionTrackingService) *BusBuilder {
	bb.tracker = t
	return bb
}

// WithJournal enables journaling of sent, received and published messages.
func (bb *BusBuilder) WithJournal(j MessageJournal) *BusBuilder {
	bb.journal = j
	return bb
}

// WithCodec selects the default codec by content type.
func (bb *BusBuilder) WithCodec(contentType string) *BusBuilder {
	bb.contentType = contentType
	return bb
}

// WithCodecInstance accepts a ready Codec instance.
func (bb *BusBuilder) WithCodecInstance(c Codec) *BusBuilder {
	bb.codecInst = c
	return bb
}

func (bb *BusBuilder) WithNaming(n NamingService) *BusBuilder {
	bb.naming = n
	return bb
}

// WithEndpoint declares a named remote bus.
func (bb *BusBuilder) WithEndpoint(name, uri string, creds Credentials) *BusBuilder {
	bb.endpoints = append(bb.endpoints, Endpoint{Name: name, URI: uri, Credentials: creds})
	return bb
}

// WithTopic declares topics this bus publishes.
func (bb *BusBuilder) WithTopic(topics ...string) *BusBuilder {
	bb.topics = append(bb.topics, topics...)
	return bb
}

// WithSendRule routes messages matching spec to the named endpoints.
func (bb *BusBuilder) WithSendRule(spec MessageSpec, endpoints ...string) *BusBuilder {
	bb.sendRules = append(bb.sendRules, SendRule{Spec: spec, Endpoints: endpoints})
	return bb
}

// WithHandlingRule adds a handling rule. An empty QueueName is derived from the spec.
func (bb *BusBuilder) WithHandlingRule(r HandlingRule) *BusBuilder {
	bb.handlingRules = append(bb.handlingRules, r)
	return bb
}

// WithHandler is shorthand for WithHandlingRule on a named queue.
func (bb *BusBuilder) WithHandler(spec MessageSpec, queue string, h Handler, opts *QueueOptions) *BusBuilder {
	return bb.WithHandlingRule(HandlingRule{Spec: spec, Handler: h, QueueName: queue, QueueOptions: opts})
}

// WithSubscription keeps a subscription to topic on the named endpoint alive.
// ttl <= 0 subscribes once without expiry.
func (bb *BusBuilder) WithSubscription(endpoint, topic string, ttl time.Duration) *BusBuilder {
	bb.subscriptions = append(bb.subscriptions, SubscriptionConfig{Endpoint: endpoint, Topic: topic, TTL: ttl})
	return bb
}

func (bb *BusBuilder) WithOutboundQueueOptions(opts QueueOptions) *BusBuilder {
	bb.outboundOptions = opts
	return bb
}

func (bb *BusBuilder) WithReplyTTL(d time.Duration) *BusBuilder {
	if d > 0 {
		bb.replyTTL = d
	}
	return bb
}

func (bb *BusBuilder) WithSubscriptionRetryDelay(d time.Duration) *BusBuilder {
	if d > 0 {
		bb.subscriptionRetry = d
	}
	return bb
}

func (bb *BusBuilder) WithMiddleware(mw ...Middleware) *BusBuilder {
	if len(mw) == 0 {
		return bb
	}
	bb.middlewares = append(bb.middlewares, mw...)
	return bb
}

func (bb *BusBuilder) WithObserver(obs ...Observer) *BusBuilder {
	for _, o := range obs {
		if o != nil {
			bb.observers = append(bb.observers, o)
		}
	}
	return bb
}

// WithObserverPool sizes the async observer pool.
func (bb *BusBuilder) WithObserverPool(workers, buffer int) *BusBuilder {
	bb.observerWorkers = workers
	bb.observerBuffer = buffer
	bb.asyncObservers = true
	return bb
}

// WithSyncObservers dispatches events inline on the emitting goroutine.
func (bb *BusBuilder) WithSyncObservers() *BusBuilder {
	bb.asyncObservers = false
	return bb
}

func (bb *BusBuilder) WithLogger(l *xlog.Logger) *BusBuilder {
	bb.logger = l
	return bb
}

func (bb *BusBuilder) WithClock(c xclock.Clock) *BusBuilder {
	bb.clock = c
	return bb
}

// observable is implemented by components that emit their own events
// (queues) so the bus can relay them to its observers.
type observable interface {
	AddObserver(obs Observer)
}

func (bb *BusBuilder) Build() (*Bus, error) {
	var errs []error

	baseURI, err := NormalizeURI(bb.baseURI)
	if err != nil {
		errs = append(errs, fmt.Errorf("base uri: %w", err))
	}

	var tr TransportService
	switch {
	case bb.transportInst != nil:
		tr = bb.transportInst
	case bb.transportName != "":
		tr, err = NewTransport(bb.transportName, bb.transportCfg)
		if err != nil {
			errs = append(errs, err)
		}
	default:
		errs = append(errs, ErrNoTransportConfigured)
	}
	if bb.queueing == nil {
		errs = append(errs, ErrNoQueueingService)
	}
	if bb.tracker == nil && len(bb.topics) > 0 {
		errs = append(errs, ErrNoSubscriptionTracker)
	}

	var cd Codec
	if bb.codecInst != nil {
		cd = bb.codecInst
	} else if cd, err = NewCodec(bb.contentType); err != nil {
		errs = append(errs, err)
	}

	endpoints := make(map[string]Endpoint, len(bb.endpoints))
	byURI := make(map[string]Endpoint, len(bb.endpoints))
	for _, ep := range bb.endpoints {
		if ep.Name == "" {
			errs = append(errs, errors.New("xrelay: endpoint name is required"))
			continue
		}
		uri, err := NormalizeURI(ep.URI)
		if err != nil {
			errs = append(errs, fmt.Errorf("endpoint %q: %w", ep.Name, err))
			continue
		}
		ep.URI = uri
		endpoints[ep.Name] = ep
		byURI[uri] = ep
	}

	topics := make(map[string]struct{}, len(bb.topics))
	for _, t := range bb.topics {
		if t == "" {
			errs = append(errs, ErrInvalidTopic)
			continue
		}
		topics[t] = struct{}{}
	}

	for _, r := range bb.sendRules {
		for _, name := range r.Endpoints {
			if _, ok := endpoints[name]; !ok {
				errs = append(errs, fmt.Errorf("send rule %s: %w", r.Spec, ErrEndpointNotFound{Name: name}))
			}
		}
	}

	rules := make([]HandlingRule, 0, len(bb.handlingRules))
	for _, r := range bb.handlingRules {
		if r.Handler == nil {
			errs = append(errs, fmt.Errorf("%w: %s has no handler", ErrInvalidHandlingRule, r.Spec))
			continue
		}
		if r.QueueName == "" {
			r.QueueName = queueNameFor(r.Spec)
		}
		if r.QueueName == OutboundQueueName {
			errs = append(errs, fmt.Errorf("%w: queue name %q is reserved", ErrInvalidHandlingRule, OutboundQueueName))
			continue
		}
		rules = append(rules, r)
	}

	if len(errs) > 0 {
		// Only transports built here by name are owned by the builder.
		if tr != nil && bb.transportInst == nil {
			_ = tr.Close(context.Background())
		}
		return nil, errors.Join(errs...)
	}

	clk := bb.clock
	if clk == nil {
		clk = xclock.Default()
	}
	lg := bb.logger
	if lg == nil {
		// Default to xlog new logger; Adapter pattern to platform logging.
		lg = xlog.Default()
	}
	naming := bb.naming
	if naming == nil {
		naming = TypeNaming{}
	}

	b := &Bus{
		baseURI:           baseURI,
		transport:         tr,
		queueing:          bb.queueing,
		tracker:           bb.tracker,
		journal:           bb.journal,
		codec:             cd,
		naming:            naming,
		clock:             clk,
		logger:            lg,
		middlewares:       bb.middlewares,
		endpoints:         endpoints,
		endpointsByURI:    byURI,
		topics:            topics,
		sendRules:         bb.sendRules,
		handlingRules:     rules,
		subscriptions:     bb.subscriptions,
		outboundOptions:   bb.outboundOptions.WithDefaults(),
		subscriptionRetry: bb.subscriptionRetry,
		replies:           NewReplyCorrelator(bb.replyTTL, clk),
		metrics:           &busMetrics{},
	}
	if bb.asyncObservers {
		b.observerPool = NewObserverPool(context.Background(), bb.observerWorkers, bb.observerBuffer)
	}

	// Attach logging observer first for dependable telemetry unless already supplied externally.
	hasLoggingObserver := false
	for _, o := range bb.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLoggingObserver = true
			break
		}
	}
	if !hasLoggingObserver {
		b.AddObserver(LoggingObserver{Logger: lg})
	}
	for _, o := range bb.observers {
		b.AddObserver(o)
	}

	// Relay queue outcome events through the bus observers.
	if q, ok := bb.queueing.(observable); ok {
		q.AddObserver(ObserverFunc(b.notifyAsync))
	}
	return b, nil
}

// New constructs a Bus via Builder and returns a close func for convenience.
func New(init func(b *BusBuilder)) (*Bus, func() error, error) {
	b := NewBusBuilder()
	if init != nil {
		init(b)
	}
	bus, err := b.Build()
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() error { return bus.Close(context.Background()) }
	return bus, closeFn, nil
}

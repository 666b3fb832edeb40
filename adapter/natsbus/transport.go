package natsbus

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xrelay"
)

const TransportName = "nats"

func init() {
	if err := xrelay.RegisterTransport(TransportName, func(cfg map[string]any) (xrelay.TransportService, error) {
		return NewTransport(ConfigFromMap(cfg))
	}); err != nil {
		panic(fmt.Errorf("xrelay/natsbus: failed to register transport: %w", err))
	}
}

// NATS header names.
const (
	headerPrincipal  = "X-Relay-Principal"
	headerStatus     = "X-Relay-Status"
	headerError      = "X-Relay-Error"
	headerSubType    = "X-Relay-Sub-Type"
	headerSubTopic   = "X-Relay-Sub-Topic"
	headerSubscriber = "X-Relay-Subscriber"
	headerPublisher  = "X-Relay-Publisher"
	headerSubTTL     = "X-Relay-Sub-TTL"
)

// Reply statuses.
const (
	statusOK      = "ok"
	statusInvalid = "invalid-request"
	statusError   = "error"
)

// Transport sends records with NATS request/reply.
type Transport struct {
	cfg    Config
	conn   *nats.Conn
	logger *xlog.Logger

	mu     sync.Mutex
	subs   []*nats.Subscription
	closed atomic.Bool

	metrics *transportMetrics
}

type transportMetrics struct {
	sent     atomic.Uint64
	received atomic.Uint64
	refused  atomic.Uint64
	failed   atomic.Uint64
}

// Option configures a Transport.
type Option func(*Transport)

func WithLogger(l *xlog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.logger = l
		}
	}
}

// NewTransport connects to cfg.URL.
func NewTransport(cfg Config, opts ...Option) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &Transport{cfg: cfg, logger: xlog.Default(), metrics: &transportMetrics{}}
	for _, o := range opts {
		if o != nil {
			o(t)
		}
	}
	t.logger = t.logger.With(xlog.Str("transport", TransportName))

	natsOpts := []nats.Option{
		nats.Name(cfg.Name),
		nats.Timeout(10 * time.Second),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				t.logger.Warn().Err(err).Msg("xrelay: nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			t.logger.Info().Str("url", nc.ConnectedUrl()).Msg("xrelay: nats reconnected")
		}),
	}
	if cfg.Token != "" {
		natsOpts = append(natsOpts, nats.Token(cfg.Token))
	}
	if cfg.Creds != "" {
		natsOpts = append(natsOpts, nats.UserCredentials(cfg.Creds))
	}

	nc, err := nats.Connect(cfg.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	t.conn = nc
	return t, nil
}

func (t *Transport) subject(kind, uri string) string {
	return t.cfg.Prefix + "." + kind + "." + base64.RawURLEncoding.EncodeToString([]byte(uri))
}

// Attach subscribes to the subjects of baseURI.
func (t *Transport) Attach(_ context.Context, baseURI string, h xrelay.InboundHandler) error {
	if t.closed.Load() {
		return xrelay.NewTransportError(xrelay.ErrTransport, baseURI, errors.New("nats transport is closed"))
	}
	uri, err := xrelay.NormalizeURI(baseURI)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for kind, cb := range map[string]nats.MsgHandler{
		"msg": t.onMessage(h),
		"sub": t.onSubscription(h),
	} {
		var sub *nats.Subscription
		if t.cfg.QueueGroup != "" {
			sub, err = t.conn.QueueSubscribe(t.subject(kind, uri), t.cfg.QueueGroup, cb)
		} else {
			sub, err = t.conn.Subscribe(t.subject(kind, uri), cb)
		}
		if err != nil {
			return fmt.Errorf("xrelay/natsbus: subscribe %s: %w", kind, err)
		}
		t.subs = append(t.subs, sub)
	}
	return t.conn.Flush()
}

func (t *Transport) onMessage(h xrelay.InboundHandler) nats.MsgHandler {
	return func(m *nats.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), t.cfg.RequestTimeout)
		defer cancel()

		msg, err := xrelay.DecodeMessage(m.Data)
		if err == nil {
			t.metrics.received.Add(1)
			err = h.MessageReceived(ctx, msg, m.Header.Get(headerPrincipal))
		}
		t.respond(m, err)
	}
}

func (t *Transport) onSubscription(h xrelay.InboundHandler) nats.MsgHandler {
	return func(m *nats.Msg) {
		ctx, cancel := context.WithTimeout(context.Background(), t.cfg.RequestTimeout)
		defer cancel()

		req := xrelay.SubscriptionRequest{
			Type:       xrelay.SubscriptionRequestType(m.Header.Get(headerSubType)),
			Publisher:  m.Header.Get(headerPublisher),
			Topic:      m.Header.Get(headerSubTopic),
			Subscriber: m.Header.Get(headerSubscriber),
		}
		var err error
		if v := m.Header.Get(headerSubTTL); v != "" {
			req.TTL, err = time.ParseDuration(v)
		}
		if err == nil {
			err = h.SubscriptionRequestReceived(ctx, req, m.Header.Get(headerPrincipal))
		}
		t.respond(m, err)
	}
}

func (t *Transport) respond(m *nats.Msg, err error) {
	if m.Reply == "" {
		return
	}
	reply := nats.NewMsg(m.Reply)
	switch {
	case err == nil:
		reply.Header.Set(headerStatus, statusOK)
	case invalidRequest(err):
		reply.Header.Set(headerStatus, statusInvalid)
		reply.Header.Set(headerError, err.Error())
	default:
		reply.Header.Set(headerStatus, statusError)
		reply.Header.Set(headerError, err.Error())
	}
	if rerr := m.RespondMsg(reply); rerr != nil {
		t.logger.Warn().Err(rerr).Str("subject", m.Subject).Msg("xrelay: nats respond failed")
	}
}

func invalidRequest(err error) bool {
	var topicErr xrelay.ErrTopicNotFound
	return errors.Is(err, xrelay.ErrInvalidRequest) ||
		errors.Is(err, xrelay.ErrMalformedMessage) ||
		errors.Is(err, xrelay.ErrInvalidTopic) ||
		errors.As(err, &topicErr)
}

// SendMessage requests delivery of msg to its Destination.
func (t *Transport) SendMessage(ctx context.Context, msg *xrelay.Message, creds xrelay.Credentials) error {
	dest, err := xrelay.NormalizeURI(msg.Destination())
	if err != nil {
		return xrelay.NewTransportError(xrelay.ErrInvalidRequest, msg.Destination(), err)
	}
	data, err := xrelay.EncodeMessage(msg)
	if err != nil {
		return xrelay.NewTransportError(xrelay.ErrInvalidRequest, dest, err)
	}
	m := nats.NewMsg(t.subject("msg", dest))
	m.Data = data
	if p := creds.Principal(); p != "" {
		m.Header.Set(headerPrincipal, p)
	}
	if err := t.request(ctx, dest, m); err != nil {
		return err
	}
	t.metrics.sent.Add(1)
	return nil
}

// SendSubscriptionRequest requests req at req.Publisher.
func (t *Transport) SendSubscriptionRequest(ctx context.Context, req xrelay.SubscriptionRequest) error {
	pub, err := xrelay.NormalizeURI(req.Publisher)
	if err != nil {
		return xrelay.NewTransportError(xrelay.ErrInvalidRequest, req.Publisher, err)
	}
	m := nats.NewMsg(t.subject("sub", pub))
	m.Header.Set(headerSubType, string(req.Type))
	m.Header.Set(headerPublisher, pub)
	m.Header.Set(headerSubTopic, req.Topic)
	m.Header.Set(headerSubscriber, req.Subscriber)
	if req.TTL > 0 {
		m.Header.Set(headerSubTTL, req.TTL.String())
	}
	if p := req.Credentials.Principal(); p != "" {
		m.Header.Set(headerPrincipal, p)
	}
	return t.request(ctx, pub, m)
}

func (t *Transport) request(ctx context.Context, endpoint string, m *nats.Msg) error {
	if t.closed.Load() {
		return xrelay.NewTransportError(xrelay.ErrTransport, endpoint, errors.New("nats transport is closed"))
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.cfg.RequestTimeout)
		defer cancel()
	}

	resp, err := t.conn.RequestMsgWithContext(ctx, m)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			t.metrics.refused.Add(1)
			return xrelay.NewTransportError(xrelay.ErrConnectionRefused, endpoint, err)
		}
		t.metrics.failed.Add(1)
		return xrelay.NewTransportError(xrelay.ErrTransport, endpoint, err)
	}

	switch resp.Header.Get(headerStatus) {
	case statusOK:
		return nil
	case statusInvalid:
		t.metrics.failed.Add(1)
		return xrelay.NewTransportError(xrelay.ErrInvalidRequest, endpoint, errors.New(resp.Header.Get(headerError)))
	default:
		t.metrics.failed.Add(1)
		return xrelay.NewTransportError(xrelay.ErrTransport, endpoint, errors.New(resp.Header.Get(headerError)))
	}
}

// Close drains the subscriptions and closes the connection.
func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil // Already closed
	}
	t.mu.Lock()
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()

	var errs []error
	for _, s := range subs {
		if err := s.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, err)
		}
	}
	t.conn.Close()
	return errors.Join(errs...)
}

// Stats returns transport telemetry.
type Stats struct {
	Sent     uint64
	Received uint64
	Refused  uint64
	Failed   uint64
}

// Stats returns current transport metrics.
func (t *Transport) Stats() Stats {
	return Stats{
		Sent:     t.metrics.sent.Load(),
		Received: t.metrics.received.Load(),
		Refused:  t.metrics.refused.Load(),
		Failed:   t.metrics.failed.Load(),
	}
}

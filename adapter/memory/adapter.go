package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xrelay"
)

const TransportName = "memory"

func init() {
	if err := xrelay.RegisterTransport(TransportName, func(cfg map[string]any) (xrelay.TransportService, error) {
		return NewTransport(ConfigFromMap(cfg)), nil
	}); err != nil {
		panic(fmt.Errorf("xrelay/memory: failed to register transport: %w", err))
	}
}

// Config controls memory transport behavior.
type Config struct {
	// Hub names the in-process network the transport joins (default: "default").
	// Transports on the same hub can reach each other's base URIs.
	Hub string
	// Latency is added before every delivery (default: 0).
	Latency time.Duration
	// Wire round-trips every message through the record format (default: true),
	// so receivers never share header slices with senders.
	Wire bool
	// Clock paces Latency (default: xclock.Default()).
	Clock xclock.Clock
}

func ConfigFromMap(cfg map[string]any) Config {
	getStr := func(k, d string) string {
		if v, ok := cfg[k].(string); ok && v != "" {
			return v
		}
		return d
	}

	getBool := func(k string, d bool) bool {
		if v, ok := cfg[k].(bool); ok {
			return v
		}
		return d
	}

	getDur := func(k string, d time.Duration) time.Duration {
		switch v := cfg[k].(type) {
		case time.Duration:
			return v
		case string:
			if p, err := time.ParseDuration(v); err == nil {
				return p
			}
		case float64:
			return time.Duration(v)
		case int:
			return time.Duration(v)
		}
		return d
	}

	return Config{
		Hub:     getStr("hub", "default"),
		Latency: getDur("latency", 0),
		Wire:    getBool("wire", true),
	}
}

func (c Config) toMap() map[string]any {
	return map[string]any{
		"hub":     c.Hub,
		"latency": c.Latency,
		"wire":    c.Wire,
	}
}

// Hub is an in-process network of attached buses keyed by base URI.
type Hub struct {
	mu    sync.RWMutex
	nodes map[string]xrelay.InboundHandler
}

// NewHub returns an empty, private network.
func NewHub() *Hub {
	return &Hub{nodes: make(map[string]xrelay.InboundHandler)}
}

var (
	hubsMu sync.Mutex
	hubs   = map[string]*Hub{}
)

// SharedHub returns the process-wide hub with the given name.
func SharedHub(name string) *Hub {
	hubsMu.Lock()
	defer hubsMu.Unlock()
	h, ok := hubs[name]
	if !ok {
		h = NewHub()
		hubs[name] = h
	}
	return h
}

func (h *Hub) attach(uri string, in xrelay.InboundHandler) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.nodes[uri]; ok {
		return fmt.Errorf("xrelay/memory: %s already attached", uri)
	}
	h.nodes[uri] = in
	return nil
}

func (h *Hub) detach(uri string, in xrelay.InboundHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.nodes[uri]; ok && cur == in {
		delete(h.nodes, uri)
	}
}

func (h *Hub) lookup(uri string) (xrelay.InboundHandler, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	in, ok := h.nodes[uri]
	return in, ok
}

// Transport implements xrelay.TransportService over a Hub (dev/testing).
// Delivery is synchronous: SendMessage returns once the receiving bus has
// queued the message, or with its error.
type Transport struct {
	cfg Config
	hub *Hub

	mu       sync.Mutex
	attached string
	handler  xrelay.InboundHandler

	closed atomic.Bool

	// Metrics for observability
	metrics *transportMetrics
}

type transportMetrics struct {
	sent          atomic.Uint64
	refused       atomic.Uint64
	rejected      atomic.Uint64
	subscriptions atomic.Uint64
}

var _ xrelay.TransportService = (*Transport)(nil)

// NewTransport creates a transport on the shared hub named by cfg.Hub.
func NewTransport(cfg Config) *Transport {
	if cfg.Hub == "" {
		cfg.Hub = "default"
	}
	return NewTransportOnHub(SharedHub(cfg.Hub), cfg)
}

// NewTransportOnHub creates a transport on a private hub.
func NewTransportOnHub(hub *Hub, cfg Config) *Transport {
	if cfg.Clock == nil {
		cfg.Clock = xclock.Default()
	}
	return &Transport{
		cfg:     cfg,
		hub:     hub,
		metrics: &transportMetrics{},
	}
}

// Attach registers h as the receiver for baseURI on the hub.
func (t *Transport) Attach(_ context.Context, baseURI string, h xrelay.InboundHandler) error {
	if t.closed.Load() {
		return errors.New("memory transport is closed")
	}
	uri, err := xrelay.NormalizeURI(baseURI)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handler != nil {
		return errors.New("memory transport already attached")
	}
	if err := t.hub.attach(uri, h); err != nil {
		return err
	}
	t.attached = uri
	t.handler = h
	return nil
}

// SendMessage delivers msg to the bus attached at its Destination.
func (t *Transport) SendMessage(ctx context.Context, msg *xrelay.Message, creds xrelay.Credentials) error {
	if t.closed.Load() {
		return xrelay.NewTransportError(xrelay.ErrTransport, msg.Destination(), errors.New("memory transport is closed"))
	}
	dest, err := xrelay.NormalizeURI(msg.Destination())
	if err != nil {
		return xrelay.NewTransportError(xrelay.ErrInvalidRequest, msg.Destination(), err)
	}
	in, ok := t.hub.lookup(dest)
	if !ok {
		t.metrics.refused.Add(1)
		return xrelay.NewTransportError(xrelay.ErrConnectionRefused, dest, nil)
	}
	if err := t.delay(ctx); err != nil {
		return err
	}

	wire := msg
	if t.cfg.Wire {
		if wire, err = roundTrip(msg); err != nil {
			return xrelay.NewTransportError(xrelay.ErrInvalidRequest, dest, err)
		}
	}
	if err := in.MessageReceived(ctx, wire, creds.Principal()); err != nil {
		t.metrics.rejected.Add(1)
		return classify(dest, err)
	}
	t.metrics.sent.Add(1)
	return nil
}

// SendSubscriptionRequest delivers req to the bus attached at req.Publisher.
func (t *Transport) SendSubscriptionRequest(ctx context.Context, req xrelay.SubscriptionRequest) error {
	if t.closed.Load() {
		return xrelay.NewTransportError(xrelay.ErrTransport, req.Publisher, errors.New("memory transport is closed"))
	}
	pub, err := xrelay.NormalizeURI(req.Publisher)
	if err != nil {
		return xrelay.NewTransportError(xrelay.ErrInvalidRequest, req.Publisher, err)
	}
	in, ok := t.hub.lookup(pub)
	if !ok {
		t.metrics.refused.Add(1)
		return xrelay.NewTransportError(xrelay.ErrConnectionRefused, pub, nil)
	}
	if err := t.delay(ctx); err != nil {
		return err
	}
	if err := in.SubscriptionRequestReceived(ctx, req, req.Credentials.Principal()); err != nil {
		t.metrics.rejected.Add(1)
		return classify(pub, err)
	}
	t.metrics.subscriptions.Add(1)
	return nil
}

func (t *Transport) delay(ctx context.Context) error {
	if t.cfg.Latency <= 0 {
		return nil
	}
	return xclock.SleepContext(ctx, t.cfg.Latency, t.cfg.Clock)
}

// classify maps a receiver-side failure onto the transport error kinds a
// remote caller would see.
func classify(endpoint string, err error) error {
	var te *xrelay.TransportError
	if errors.As(err, &te) {
		return err
	}
	var topicErr xrelay.ErrTopicNotFound
	if errors.As(err, &topicErr) || errors.Is(err, xrelay.ErrInvalidTopic) {
		return xrelay.NewTransportError(xrelay.ErrInvalidRequest, endpoint, err)
	}
	return xrelay.NewTransportError(xrelay.ErrTransport, endpoint, err)
}

func roundTrip(msg *xrelay.Message) (*xrelay.Message, error) {
	b, err := xrelay.EncodeMessage(msg)
	if err != nil {
		return nil, err
	}
	return xrelay.DecodeMessage(b)
}

// Close detaches from the hub.
func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil // Already closed
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.handler != nil {
		t.hub.detach(t.attached, t.handler)
		t.handler = nil
	}
	return nil
}

// Stats returns transport telemetry.
type Stats struct {
	Sent          uint64
	Refused       uint64
	Rejected      uint64
	Subscriptions uint64
}

// Stats returns current transport metrics.
func (t *Transport) Stats() Stats {
	return Stats{
		Sent:          t.metrics.sent.Load(),
		Refused:       t.metrics.refused.Load(),
		Rejected:      t.metrics.rejected.Load(),
		Subscriptions: t.metrics.subscriptions.Load(),
	}
}

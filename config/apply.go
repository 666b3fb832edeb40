package config

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xrelay"
	"github.com/trickstertwo/xrelay/adapter/filesystem"
	_ "github.com/trickstertwo/xrelay/adapter/memory"
	_ "github.com/trickstertwo/xrelay/adapter/natsbus"
	"github.com/trickstertwo/xrelay/adapter/redisstore"
)

// Providers are the services Apply constructed. The bus closes the queueing
// service and transport; Close releases the rest.
type Providers struct {
	Queueing *filesystem.QueueingService
	Journal  xrelay.MessageJournal
	Tracker  xrelay.SubscriptionTrackingService

	closers []func() error
}

// Close releases the journal file and Redis connections.
func (p *Providers) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}

// Apply builds the configured providers and registers them, together with
// endpoints, topics, send rules and subscriptions, on bb. The logger and
// clock are passed to every provider.
func (c *Config) Apply(ctx context.Context, bb *xrelay.BusBuilder, logger *xlog.Logger, clock xclock.Clock) (*Providers, error) {
	if logger == nil {
		logger = xlog.Default()
	}
	if clock == nil {
		clock = xclock.Default()
	}
	fsOpts := []filesystem.Option{filesystem.WithLogger(logger), filesystem.WithClock(clock)}
	rsOpts := []redisstore.Option{redisstore.WithLogger(logger), redisstore.WithClock(clock)}

	p := &Providers{Queueing: filesystem.NewQueueingService(c.Queueing.BaseDir, fsOpts...)}
	fail := func(err error) (*Providers, error) {
		_ = p.Close()
		return nil, err
	}

	clients := map[string]*redis.Client{}
	redisClient := func(m map[string]any) (*redis.Client, redisstore.Config, error) {
		rc := redisstore.ConfigFromMap(m)
		key := fmt.Sprintf("%s/%d/%s", rc.Addr, rc.DB, rc.Username)
		if cl, ok := clients[key]; ok {
			return cl, rc, nil
		}
		cl, err := redisstore.Connect(rc)
		if err != nil {
			return nil, rc, err
		}
		clients[key] = cl
		p.closers = append(p.closers, cl.Close)
		return cl, rc, nil
	}

	switch c.Journal.Provider {
	case ProviderFilesystem:
		j, err := filesystem.OpenJournal(c.Journal.Path, fsOpts...)
		if err != nil {
			return fail(fmt.Errorf("journal: %w", err))
		}
		p.Journal = j
		p.closers = append(p.closers, j.Close)
	case ProviderRedis:
		cl, rc, err := redisClient(c.Journal.Redis)
		if err != nil {
			return fail(fmt.Errorf("journal: %w", err))
		}
		p.Journal = redisstore.NewJournal(cl, rc, rsOpts...)
	}

	switch c.Subscriptions.Provider {
	case ProviderFilesystem:
		t := filesystem.NewSubscriptionTracker(c.Subscriptions.Dir, fsOpts...)
		if err := t.Init(ctx); err != nil {
			return fail(fmt.Errorf("subscription tracking: %w", err))
		}
		p.Tracker = t
	case ProviderRedis:
		cl, rc, err := redisClient(c.Subscriptions.Redis)
		if err != nil {
			return fail(fmt.Errorf("subscription tracking: %w", err))
		}
		p.Tracker = redisstore.NewSubscriptionTracker(cl, rc, rsOpts...)
	}

	bb.WithBaseURI(c.BaseURI).
		WithTransport(c.Transport.Name, c.Transport.Options).
		WithQueueingService(p.Queueing).
		WithLogger(logger).
		WithClock(clock)
	if c.ContentType != "" {
		bb.WithCodec(c.ContentType)
	}
	if p.Journal != nil {
		bb.WithJournal(p.Journal)
	}
	if p.Tracker != nil {
		bb.WithSubscriptionTracker(p.Tracker)
	}
	if c.Queueing.Outbound != nil {
		bb.WithOutboundQueueOptions(c.Queueing.Outbound.Options())
	}
	if c.ReplyTTL > 0 {
		bb.WithReplyTTL(c.ReplyTTL)
	}
	if c.SubscriptionRetryDelay > 0 {
		bb.WithSubscriptionRetryDelay(c.SubscriptionRetryDelay)
	}
	for _, ep := range c.Endpoints {
		bb.WithEndpoint(ep.Name, ep.URI, xrelay.Credentials{
			Username: ep.Username,
			Password: ep.Password,
			Token:    ep.Token,
		})
	}
	if len(c.Topics) > 0 {
		bb.WithTopic(c.Topics...)
	}
	for _, r := range c.SendRules {
		spec, err := r.Spec()
		if err != nil {
			return fail(err)
		}
		bb.WithSendRule(spec, r.Endpoints...)
	}
	for _, s := range c.Subscribe {
		bb.WithSubscription(s.Endpoint, s.Topic, s.TTL)
	}
	return p, nil
}

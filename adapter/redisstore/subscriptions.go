package redisstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xrelay"
)

// SubscriptionTracker stores subscribers per topic in sorted sets scored by
// expiration time in milliseconds. Permanent subscriptions score +inf.
type SubscriptionTracker struct {
	client *redis.Client
	cfg    Config
	logger *xlog.Logger
	clock  xclock.Clock
}

var _ xrelay.SubscriptionTrackingService = (*SubscriptionTracker)(nil)

// NewSubscriptionTracker returns a tracker using client.
func NewSubscriptionTracker(client *redis.Client, cfg Config, opts ...Option) *SubscriptionTracker {
	s := newSettings(opts)
	return &SubscriptionTracker{client: client, cfg: cfg, logger: s.logger, clock: s.clock}
}

func (t *SubscriptionTracker) topicKey(topic string) string { return t.cfg.key("subs", topic) }
func (t *SubscriptionTracker) indexKey() string             { return t.cfg.key("topics") }

// AddSubscription upserts subscriber and purges expired members of topic.
func (t *SubscriptionTracker) AddSubscription(ctx context.Context, topic, subscriber string, ttl time.Duration) error {
	if topic == "" {
		return xrelay.ErrInvalidTopic
	}
	now := t.clock.Now()
	score := math.Inf(1)
	if ttl > 0 {
		score = float64(now.Add(ttl).UnixMilli())
	}
	key := t.topicKey(topic)
	_, err := t.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(now.UnixMilli(), 10))
		p.ZAdd(ctx, key, redis.Z{Score: score, Member: subscriber})
		p.SAdd(ctx, t.indexKey(), topic)
		return nil
	})
	if err != nil {
		return fmt.Errorf("xrelay/redisstore: add subscription %q: %w", topic, err)
	}
	return nil
}

// RemoveSubscription removes subscriber and drops the topic from the index
// once it has no members left.
func (t *SubscriptionTracker) RemoveSubscription(ctx context.Context, topic, subscriber string) error {
	if topic == "" {
		return xrelay.ErrInvalidTopic
	}
	key := t.topicKey(topic)
	var card *redis.IntCmd
	_, err := t.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, key, subscriber)
		card = p.ZCard(ctx, key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("xrelay/redisstore: remove subscription %q: %w", topic, err)
	}
	if card.Val() == 0 {
		if err := t.client.SRem(ctx, t.indexKey(), topic).Err(); err != nil {
			t.logger.Warn().Err(err).Str("topic", topic).Msg("xrelay: failed to update topic index")
		}
	}
	return nil
}

// GetSubscribers returns members whose expiration is after now.
func (t *SubscriptionTracker) GetSubscribers(ctx context.Context, topic string) ([]string, error) {
	from := "(" + strconv.FormatInt(t.clock.Now().UnixMilli(), 10)
	subs, err := t.client.ZRangeByScore(ctx, t.topicKey(topic), &redis.ZRangeBy{Min: from, Max: "+inf"}).Result()
	if err != nil {
		return nil, fmt.Errorf("xrelay/redisstore: get subscribers %q: %w", topic, err)
	}
	return subs, nil
}

// Topics returns the indexed topics, sorted.
func (t *SubscriptionTracker) Topics(ctx context.Context) ([]string, error) {
	topics, err := t.client.SMembers(ctx, t.indexKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(topics)
	return topics, nil
}

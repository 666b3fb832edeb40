package filesystem

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xrelay"
)

// SubscriptionExt is the extension of per-topic subscription files.
const SubscriptionExt = ".psub"

// neverExpires is the persisted expiration of subscriptions without a TTL.
var neverExpires = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)

// Subscription is one tracked subscriber of a topic.
type Subscription struct {
	Topic      string
	Subscriber string
	Expires    time.Time
}

// Permanent reports whether the subscription never expires.
func (s Subscription) Permanent() bool { return !s.Expires.Before(neverExpires) }

// SubscriptionTracker persists subscriptions as one <topic>.psub file per
// topic, rewritten in full on every change.
type SubscriptionTracker struct {
	dir    string
	logger *xlog.Logger
	clock  xclock.Clock

	mu     sync.Mutex
	topics map[string]*topicSubscriptions
}

// topicSubscriptions serializes writes for one topic.
type topicSubscriptions struct {
	mu   sync.Mutex
	subs map[string]time.Time
}

var _ xrelay.SubscriptionTrackingService = (*SubscriptionTracker)(nil)

// NewSubscriptionTracker returns a tracker storing files in dir. Call Init to
// load existing subscriptions.
func NewSubscriptionTracker(dir string, opts ...Option) *SubscriptionTracker {
	s := newSettings(opts)
	return &SubscriptionTracker{
		dir:    dir,
		logger: s.logger,
		clock:  s.clock,
		topics: make(map[string]*topicSubscriptions),
	}
}

// Init creates the directory and loads every subscription file in it.
func (t *SubscriptionTracker) Init(ctx context.Context) error {
	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return err
	}
	paths, err := filepath.Glob(filepath.Join(t.dir, "*"+SubscriptionExt))
	if err != nil {
		return err
	}
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		topic, err := url.PathUnescape(strings.TrimSuffix(filepath.Base(p), SubscriptionExt))
		if err != nil {
			t.logger.Warn().Err(err).Str("path", p).Msg("xrelay: skipping subscription file")
			continue
		}
		subs, err := t.readFile(p)
		if err != nil {
			return fmt.Errorf("xrelay/filesystem: load %s: %w", p, err)
		}
		ts := t.topic(topic)
		ts.mu.Lock()
		for k, v := range subs {
			ts.subs[k] = v
		}
		ts.mu.Unlock()
	}
	return nil
}

func (t *SubscriptionTracker) readFile(path string) (map[string]time.Time, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	subs := make(map[string]time.Time)
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		uri, ts, ok := strings.Cut(line, " ")
		if !ok {
			t.logger.Warn().Str("path", path).Str("line", line).Msg("xrelay: malformed subscription line")
			continue
		}
		exp, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(ts))
		if err != nil {
			t.logger.Warn().Err(err).Str("path", path).Msg("xrelay: malformed subscription expiration")
			continue
		}
		subs[uri] = exp
	}
	return subs, sc.Err()
}

func (t *SubscriptionTracker) topic(name string) *topicSubscriptions {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.topics[name]
	if !ok {
		ts = &topicSubscriptions{subs: make(map[string]time.Time)}
		t.topics[name] = ts
	}
	return ts
}

// AddSubscription adds or renews subscriber. ttl <= 0 never expires.
func (t *SubscriptionTracker) AddSubscription(ctx context.Context, topic, subscriber string, ttl time.Duration) error {
	if topic == "" {
		return xrelay.ErrInvalidTopic
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	now := t.clock.Now()
	exp := neverExpires
	if ttl > 0 {
		exp = now.Add(ttl).UTC()
	}

	ts := t.topic(topic)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.subs[subscriber] = exp
	return t.flush(topic, ts, now)
}

// RemoveSubscription removes subscriber from topic. Removing an unknown
// subscriber is not an error.
func (t *SubscriptionTracker) RemoveSubscription(ctx context.Context, topic, subscriber string) error {
	if topic == "" {
		return xrelay.ErrInvalidTopic
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	ts := t.topic(topic)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if _, ok := ts.subs[subscriber]; !ok {
		return nil
	}
	delete(ts.subs, subscriber)
	return t.flush(topic, ts, t.clock.Now())
}

// GetSubscribers returns the subscribers of topic whose expiration is after now.
func (t *SubscriptionTracker) GetSubscribers(_ context.Context, topic string) ([]string, error) {
	now := t.clock.Now()
	var out []string
	for _, s := range t.Subscriptions(topic) {
		if s.Expires.After(now) {
			out = append(out, s.Subscriber)
		}
	}
	return out, nil
}

// Subscriptions returns every tracked subscription of topic, including expired
// ones not yet purged, sorted by subscriber.
func (t *SubscriptionTracker) Subscriptions(topic string) []Subscription {
	t.mu.Lock()
	ts, ok := t.topics[topic]
	t.mu.Unlock()
	if !ok {
		return nil
	}
	ts.mu.Lock()
	out := make([]Subscription, 0, len(ts.subs))
	for uri, exp := range ts.subs {
		out = append(out, Subscription{Topic: topic, Subscriber: uri, Expires: exp})
	}
	ts.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Subscriber < out[j].Subscriber })
	return out
}

// Topics returns every topic with tracked subscriptions, sorted.
func (t *SubscriptionTracker) Topics() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.topics))
	for name, ts := range t.topics {
		ts.mu.Lock()
		n := len(ts.subs)
		ts.mu.Unlock()
		if n > 0 {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// flush purges expired entries and rewrites the topic file. Caller holds ts.mu.
func (t *SubscriptionTracker) flush(topic string, ts *topicSubscriptions, now time.Time) error {
	for uri, exp := range ts.subs {
		if !exp.After(now) {
			delete(ts.subs, uri)
		}
	}
	path := filepath.Join(t.dir, url.PathEscape(topic)+SubscriptionExt)
	if len(ts.subs) == 0 {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	}

	uris := make([]string, 0, len(ts.subs))
	for uri := range ts.subs {
		uris = append(uris, uri)
	}
	sort.Strings(uris)
	var buf bytes.Buffer
	for _, uri := range uris {
		fmt.Fprintf(&buf, "%s %s\n", uri, ts.subs[uri].UTC().Format(time.RFC3339Nano))
	}
	if err := os.MkdirAll(t.dir, 0o755); err != nil {
		return err
	}
	if err := writeAtomic(t.dir, path, buf.Bytes()); err != nil {
		return fmt.Errorf("xrelay/filesystem: write subscriptions for %q: %w", topic, err)
	}
	return nil
}

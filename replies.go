package xrelay

import (
	"context"
	"sync"
	"time"

	"github.com/trickstertwo/xclock"
)

// DefaultReplyTTL bounds how long replies to a sent message are tracked.
const DefaultReplyTTL = 5 * time.Minute

// SentMessage correlates an outbound message with its replies.
// Replies arriving within the correlation window are replayed to every
// observer; the stream completes when the window ends.
type SentMessage struct {
	msg   *Message
	clock xclock.Clock

	mu        sync.Mutex
	replies   []*Message
	observers map[uint64]func(*Message)
	nextID    uint64
	completed bool
	done      chan struct{}
}

func newSentMessage(msg *Message, clock xclock.Clock) *SentMessage {
	return &SentMessage{
		msg:       msg,
		clock:     clock,
		observers: make(map[uint64]func(*Message)),
		done:      make(chan struct{}),
	}
}

// Message returns the sent message.
func (s *SentMessage) Message() *Message { return s.msg }

// Done is closed when the correlation window has ended.
func (s *SentMessage) Done() <-chan struct{} { return s.done }

// ObserveReplies calls fn for each reply already received and for every
// later one until the window ends or the returned cancel func is called.
// fn runs while the stream is locked and must not block or call back into s.
func (s *SentMessage) ObserveReplies(fn func(reply *Message)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completed || fn == nil {
		return func() {}
	}
	for _, r := range s.replies {
		fn(r)
	}
	id := s.nextID
	s.nextID++
	s.observers[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

// Replies returns the replies received so far.
func (s *SentMessage) Replies() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Message, len(s.replies))
	copy(out, s.replies)
	return out
}

// GetReply waits for the first reply. A timeout <= 0 waits until ctx or the window ends.
func (s *SentMessage) GetReply(ctx context.Context, timeout time.Duration) (*Message, error) {
	ch := make(chan *Message, 1)
	cancel := s.ObserveReplies(func(r *Message) {
		select {
		case ch <- r:
		default:
		}
	})
	defer cancel()

	var timer <-chan time.Time
	if timeout > 0 {
		t := s.clock.NewTimer(timeout)
		defer t.Stop()
		timer = t.C()
	}
	select {
	case r := <-ch:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer:
		return nil, ErrReplyTimeout
	case <-s.done:
		// A reply may have raced with completion.
		select {
		case r := <-ch:
			return r, nil
		default:
			return nil, ErrReplyTimeout
		}
	}
}

func (s *SentMessage) deliver(reply *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completed {
		return
	}
	s.replies = append(s.replies, reply)
	for _, fn := range s.observers {
		fn(reply)
	}
}

func (s *SentMessage) complete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completed {
		return
	}
	s.completed = true
	s.replies = nil
	s.observers = nil
	close(s.done)
}

// ReplyCorrelator tracks sent messages for a bounded window so replies can
// be routed back to their SentMessage.
type ReplyCorrelator struct {
	ttl   time.Duration
	clock xclock.Clock

	mu      sync.Mutex
	entries map[string]*correlation
	closed  bool
}

type correlation struct {
	sent   *SentMessage
	cancel xclock.CancelFunc
}

// NewReplyCorrelator returns a correlator evicting entries after ttl
// (DefaultReplyTTL if <= 0) as measured by clock (xclock.Default() if nil).
func NewReplyCorrelator(ttl time.Duration, clock xclock.Clock) *ReplyCorrelator {
	if ttl <= 0 {
		ttl = DefaultReplyTTL
	}
	if clock == nil {
		clock = xclock.Default()
	}
	return &ReplyCorrelator{ttl: ttl, clock: clock, entries: make(map[string]*correlation)}
}

// CreateSentMessage registers msg for correlation.
func (c *ReplyCorrelator) CreateSentMessage(msg *Message) *SentMessage {
	sent := newSentMessage(msg, c.clock)
	id := msg.ID()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || id == "" {
		sent.complete()
		return sent
	}
	if prev, ok := c.entries[id]; ok {
		prev.cancel()
		prev.sent.complete()
	}
	c.entries[id] = &correlation{
		sent:   sent,
		cancel: c.clock.AfterFunc(c.ttl, func() { c.evict(id, sent) }),
	}
	return sent
}

// ReplyReceived routes reply to the SentMessage named by its RelatedTo header.
// It reports whether a live correlation existed.
func (c *ReplyCorrelator) ReplyReceived(reply *Message) bool {
	related := reply.RelatedTo()
	if related == "" {
		return false
	}
	c.mu.Lock()
	e, ok := c.entries[related]
	c.mu.Unlock()
	if !ok {
		return false
	}
	e.sent.deliver(reply)
	return true
}

// Len returns the number of live correlations.
func (c *ReplyCorrelator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Forget ends the correlation window of sent early, e.g. when the message
// never left this bus.
func (c *ReplyCorrelator) Forget(sent *SentMessage) {
	if sent == nil {
		return
	}
	id := sent.msg.ID()
	c.mu.Lock()
	if e, ok := c.entries[id]; ok && e.sent == sent {
		delete(c.entries, id)
		e.cancel()
	}
	c.mu.Unlock()
	sent.complete()
}

func (c *ReplyCorrelator) evict(id string, sent *SentMessage) {
	c.mu.Lock()
	if e, ok := c.entries[id]; ok && e.sent == sent {
		delete(c.entries, id)
	}
	c.mu.Unlock()
	sent.complete()
}

// Close completes every outstanding SentMessage. It is idempotent.
func (c *ReplyCorrelator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	entries := c.entries
	c.entries = make(map[string]*correlation)
	c.mu.Unlock()

	for _, e := range entries {
		e.cancel()
		e.sent.complete()
	}
}

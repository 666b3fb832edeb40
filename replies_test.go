package xrelay

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xclock"
)

// countingClock is a real clock that records which waits were scheduled on it.
type countingClock struct {
	xclock.Clock
	after     atomic.Int32
	afterFunc atomic.Int32
	timers    atomic.Int32
}

func newCountingClock() *countingClock { return &countingClock{Clock: xclock.Default()} }

func (c *countingClock) After(d time.Duration) <-chan time.Time {
	c.after.Add(1)
	return c.Clock.After(d)
}

func (c *countingClock) AfterFunc(d time.Duration, f func()) xclock.CancelFunc {
	c.afterFunc.Add(1)
	return c.Clock.AfterFunc(d, f)
}

func (c *countingClock) NewTimer(d time.Duration) xclock.Timer {
	c.timers.Add(1)
	return c.Clock.NewTimer(d)
}

func withID(id string) *Message {
	var h Headers
	h.Set(HeaderMessageID, id)
	return NewMessage(h, nil)
}

func replyTo(id, relatedTo string) *Message {
	var h Headers
	h.Set(HeaderMessageID, id)
	h.Set(HeaderRelatedTo, relatedTo)
	return NewMessage(h, nil)
}

func TestReplyCorrelator_RoutesReplies(t *testing.T) {
	c := NewReplyCorrelator(time.Minute, nil)
	defer c.Close()

	sent := c.CreateSentMessage(withID("req-1"))
	assert.Equal(t, 1, c.Len())

	assert.False(t, c.ReplyReceived(replyTo("r-0", "")))
	assert.False(t, c.ReplyReceived(replyTo("r-0", "unknown")))
	assert.True(t, c.ReplyReceived(replyTo("r-1", "req-1")))

	got, err := sent.GetReply(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "r-1", got.ID())

	// Late observers see replies received so far, then live ones.
	var seen []string
	cancel := sent.ObserveReplies(func(r *Message) { seen = append(seen, r.ID()) })
	assert.True(t, c.ReplyReceived(replyTo("r-2", "req-1")))
	cancel()
	assert.True(t, c.ReplyReceived(replyTo("r-3", "req-1")))
	assert.Equal(t, []string{"r-1", "r-2"}, seen)
	assert.Len(t, sent.Replies(), 3)
}

func TestReplyCorrelator_GetReplyTimeout(t *testing.T) {
	c := NewReplyCorrelator(time.Minute, nil)
	defer c.Close()
	sent := c.CreateSentMessage(withID("req-1"))

	_, err := sent.GetReply(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrReplyTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = sent.GetReply(ctx, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReplyCorrelator_WindowEvicts(t *testing.T) {
	c := NewReplyCorrelator(30*time.Millisecond, nil)
	defer c.Close()
	sent := c.CreateSentMessage(withID("req-1"))

	select {
	case <-sent.Done():
	case <-time.After(time.Second):
		t.Fatal("correlation window did not end")
	}
	assert.Equal(t, 0, c.Len())
	assert.False(t, c.ReplyReceived(replyTo("r-1", "req-1")))

	_, err := sent.GetReply(context.Background(), 0)
	assert.ErrorIs(t, err, ErrReplyTimeout)
}

func TestReplyCorrelator_Close(t *testing.T) {
	c := NewReplyCorrelator(time.Minute, nil)
	first := c.CreateSentMessage(withID("req-1"))
	second := c.CreateSentMessage(withID("req-1"))

	// Re-registering an id completes the previous stream.
	<-first.Done()
	assert.Equal(t, 1, c.Len())

	c.Close()
	c.Close()
	<-second.Done()
	assert.Equal(t, 0, c.Len())

	after := c.CreateSentMessage(withID("req-2"))
	<-after.Done()
	assert.Equal(t, 0, c.Len())
}

func TestReplyCorrelator_ForgetEndsWindow(t *testing.T) {
	c := NewReplyCorrelator(time.Minute, nil)
	defer c.Close()
	sent := c.CreateSentMessage(withID("req-1"))
	other := c.CreateSentMessage(withID("req-2"))
	require.Equal(t, 2, c.Len())

	c.Forget(sent)
	c.Forget(sent)
	c.Forget(nil)
	<-sent.Done()
	assert.Equal(t, 1, c.Len())
	assert.False(t, c.ReplyReceived(replyTo("r-1", "req-1")))
	assert.True(t, c.ReplyReceived(replyTo("r-2", "req-2")))

	// A stale handle must not drop a newer registration of the same id.
	newer := c.CreateSentMessage(withID("req-2"))
	c.Forget(other)
	assert.Equal(t, 1, c.Len())
	select {
	case <-newer.Done():
		t.Fatal("newer correlation was completed by a stale handle")
	default:
	}
}

func TestReplyCorrelator_WaitsUseInjectedClock(t *testing.T) {
	clk := newCountingClock()
	c := NewReplyCorrelator(time.Minute, clk)
	defer c.Close()

	sent := c.CreateSentMessage(withID("req-1"))
	assert.Equal(t, int32(1), clk.afterFunc.Load())

	_, err := sent.GetReply(context.Background(), 5*time.Millisecond)
	assert.ErrorIs(t, err, ErrReplyTimeout)
	assert.Equal(t, int32(1), clk.timers.Load())
}

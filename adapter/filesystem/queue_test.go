package filesystem

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xrelay"
)

func records(t *testing.T, dir string) []string {
	t.Helper()
	paths, err := filepath.Glob(filepath.Join(dir, "*"+RecordExt))
	require.NoError(t, err)
	return paths
}

func newTestQueue(t *testing.T, dir string, opts xrelay.QueueOptions, fn xrelay.QueueListenerFunc, options ...Option) *Queue {
	t.Helper()
	q := NewQueue("test", dir, fn, opts, options...)
	t.Cleanup(func() { _ = q.Close(context.Background()) })
	return q
}

func TestQueue_AutoAcknowledgeDeletesRecord(t *testing.T) {
	dir := t.TempDir()
	got := make(chan string, 1)
	q := newTestQueue(t, dir, xrelay.QueueOptions{AutoAcknowledge: true},
		func(_ context.Context, msg *xrelay.Message, qctx xrelay.QueuedMessageContext) error {
			got <- msg.ID() + "/" + qctx.Principal()
			return nil
		})
	require.NoError(t, q.Init(context.Background()))

	require.NoError(t, q.Enqueue(context.Background(), testMessage("auto", "x"), "carol"))

	select {
	case v := <-got:
		assert.Equal(t, "auto/carol", v)
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
	require.Eventually(t, func() bool { return len(records(t, dir)) == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(1), q.Stats().Acknowledged)
}

func TestQueue_ExplicitAcknowledgeRequired(t *testing.T) {
	dir := t.TempDir()
	var attempts atomic.Int32
	q := newTestQueue(t, dir, xrelay.QueueOptions{MaxAttempts: 5, RetryDelay: 10 * time.Millisecond},
		func(_ context.Context, _ *xrelay.Message, qctx xrelay.QueuedMessageContext) error {
			// Only the second attempt acknowledges.
			if attempts.Add(1) == 2 {
				qctx.Acknowledge()
			}
			return nil
		})
	require.NoError(t, q.Init(context.Background()))
	require.NoError(t, q.Enqueue(context.Background(), testMessage("explicit", ""), ""))

	require.Eventually(t, func() bool { return len(records(t, dir)) == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), attempts.Load())
	assert.Empty(t, records(t, q.DeadLetterDir()))
}

func TestQueue_ErrorOverridesAcknowledge(t *testing.T) {
	dir := t.TempDir()
	var attempts atomic.Int32
	q := newTestQueue(t, dir, xrelay.QueueOptions{MaxAttempts: 2, RetryDelay: 10 * time.Millisecond, AutoAcknowledge: true},
		func(_ context.Context, _ *xrelay.Message, qctx xrelay.QueuedMessageContext) error {
			attempts.Add(1)
			qctx.Acknowledge()
			return errors.New("boom")
		})
	require.NoError(t, q.Init(context.Background()))
	require.NoError(t, q.Enqueue(context.Background(), testMessage("override", ""), ""))

	require.Eventually(t, func() bool { return len(records(t, q.DeadLetterDir())) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), attempts.Load())
	assert.Empty(t, records(t, dir))
}

func TestQueue_DeadLetterAfterMaxAttempts(t *testing.T) {
	dir := t.TempDir()
	var attempts []int
	var mu sync.Mutex
	var events []xrelay.EventType
	obs := xrelay.ObserverFunc(func(e xrelay.Event) {
		mu.Lock()
		events = append(events, e.Type)
		mu.Unlock()
	})

	q := newTestQueue(t, dir, xrelay.QueueOptions{MaxAttempts: 3, RetryDelay: 5 * time.Millisecond},
		func(_ context.Context, _ *xrelay.Message, qctx xrelay.QueuedMessageContext) error {
			mu.Lock()
			attempts = append(attempts, qctx.Attempt())
			mu.Unlock()
			return errors.New("always fails")
		}, WithObserver(obs))
	require.NoError(t, q.Init(context.Background()))
	require.NoError(t, q.Enqueue(context.Background(), testMessage("doomed", "body"), "dave"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 3
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []int{1, 2, 3}, attempts)
	assert.Equal(t, []xrelay.EventType{xrelay.MessageRetried, xrelay.MessageRetried, xrelay.MessageDeadLettered}, events)
	mu.Unlock()
	assert.Empty(t, records(t, dir))

	dls, err := DeadLetters(dir)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	require.NoError(t, dls[0].Err)
	assert.Equal(t, "doomed", dls[0].Message.ID())
	assert.Equal(t, "dave", dls[0].Principal)
	assert.Equal(t, uint64(1), q.Stats().DeadLettered)
}

func TestQueue_PanicCountsAsFailedAttempt(t *testing.T) {
	dir := t.TempDir()
	var attempts atomic.Int32
	q := newTestQueue(t, dir, xrelay.QueueOptions{MaxAttempts: 3, RetryDelay: 5 * time.Millisecond, AutoAcknowledge: true},
		func(context.Context, *xrelay.Message, xrelay.QueuedMessageContext) error {
			if attempts.Add(1) == 1 {
				panic("first attempt explodes")
			}
			return nil
		})
	require.NoError(t, q.Init(context.Background()))
	require.NoError(t, q.Enqueue(context.Background(), testMessage("panicky", ""), ""))

	require.Eventually(t, func() bool { return len(records(t, dir)) == 0 && attempts.Load() == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, records(t, q.DeadLetterDir()))
}

func TestQueue_MalformedRecordIsDeadLetteredOnInit(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "junk"+RecordExt), []byte(" orphan continuation\n"), 0o644))

	var called atomic.Bool
	q := newTestQueue(t, dir, xrelay.QueueOptions{AutoAcknowledge: true},
		func(context.Context, *xrelay.Message, xrelay.QueuedMessageContext) error {
			called.Store(true)
			return nil
		})
	require.NoError(t, q.Init(context.Background()))

	require.Eventually(t, func() bool { return len(records(t, q.DeadLetterDir())) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.False(t, called.Load())

	dls, err := DeadLetters(dir)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	assert.ErrorIs(t, dls[0].Err, xrelay.ErrMalformedMessage)
}

func TestQueue_UnreadableRecordIsRetried(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken"+RecordExt)
	// A directory with a record name fails to read without being malformed.
	require.NoError(t, os.Mkdir(path, 0o755))

	var readErrors atomic.Int32
	var heal sync.Once
	obs := xrelay.ObserverFunc(func(e xrelay.Event) {
		if e.Type != xrelay.Error {
			return
		}
		readErrors.Add(1)
		heal.Do(func() {
			raw, err := xrelay.EncodeMessage(testMessage("healed", "x"))
			if err == nil {
				_ = os.Remove(path)
				_ = os.WriteFile(path, raw, 0o644)
			}
		})
	})

	got := make(chan string, 1)
	q := newTestQueue(t, dir, xrelay.QueueOptions{AutoAcknowledge: true, MaxAttempts: 5, RetryDelay: 50 * time.Millisecond},
		func(_ context.Context, msg *xrelay.Message, _ xrelay.QueuedMessageContext) error {
			got <- msg.ID()
			return nil
		}, WithObserver(obs))
	require.NoError(t, q.Init(context.Background()))

	select {
	case id := <-got:
		assert.Equal(t, "healed", id)
	case <-time.After(5 * time.Second):
		t.Fatal("record was not redelivered after the read error cleared")
	}
	assert.GreaterOrEqual(t, readErrors.Load(), int32(1))
	assert.Empty(t, records(t, q.DeadLetterDir()))
}

func TestQueue_PersistentlyUnreadableRecordIsDeadLettered(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "stuck"+RecordExt), 0o755))

	var mu sync.Mutex
	var events []xrelay.EventType
	obs := xrelay.ObserverFunc(func(e xrelay.Event) {
		mu.Lock()
		events = append(events, e.Type)
		mu.Unlock()
	})
	clk := &timerClock{Clock: xclock.Default()}
	q := newTestQueue(t, dir, xrelay.QueueOptions{MaxAttempts: 2, RetryDelay: 5 * time.Millisecond},
		func(context.Context, *xrelay.Message, xrelay.QueuedMessageContext) error {
			t.Error("unreadable record reached the listener")
			return nil
		}, WithObserver(obs), WithClock(clk))
	require.NoError(t, q.Init(context.Background()))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 3
	}, 5*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []xrelay.EventType{xrelay.Error, xrelay.Error, xrelay.MessageDeadLettered}, events)
	mu.Unlock()
	assert.Equal(t, uint64(1), q.Stats().DeadLettered)
	// One retry wait between the two attempts, scheduled on the queue clock.
	assert.Equal(t, int32(1), clk.timers.Load())
}

func TestQueue_RestartRedeliversUnacknowledged(t *testing.T) {
	dir := t.TempDir()
	firstAttempt := make(chan struct{}, 1)

	q1 := NewQueue("restart", dir, xrelay.QueueListenerFunc(
		func(context.Context, *xrelay.Message, xrelay.QueuedMessageContext) error {
			select {
			case firstAttempt <- struct{}{}:
			default:
			}
			return errors.New("not yet")
		}), xrelay.QueueOptions{MaxAttempts: 10, RetryDelay: time.Hour})
	require.NoError(t, q1.Init(context.Background()))
	require.NoError(t, q1.Enqueue(context.Background(), testMessage("survivor", "state"), "erin"))

	select {
	case <-firstAttempt:
	case <-time.After(5 * time.Second):
		t.Fatal("first attempt never happened")
	}
	require.NoError(t, q1.Close(context.Background()))
	require.Len(t, records(t, dir), 1)

	got := make(chan string, 1)
	q2 := newTestQueue(t, dir, xrelay.QueueOptions{AutoAcknowledge: true},
		func(_ context.Context, msg *xrelay.Message, qctx xrelay.QueuedMessageContext) error {
			got <- fmt.Sprintf("%s/%s/%s", msg.ID(), qctx.Principal(), msg.Content())
			return nil
		})
	require.NoError(t, q2.Init(context.Background()))

	select {
	case v := <-got:
		assert.Equal(t, "survivor/erin/state", v)
	case <-time.After(5 * time.Second):
		t.Fatal("recovered message not delivered")
	}
	require.Eventually(t, func() bool { return len(records(t, dir)) == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestQueue_WirePrincipalHeaderIsNotTrusted(t *testing.T) {
	dir := t.TempDir()
	forged := testMessage("forged", "x").WithHeaders(func(h *xrelay.Headers) { h.Set(PrincipalHeader, "admin") })
	type seen struct{ principal, header string }

	first := make(chan seen, 1)
	q1 := NewQueue("forged", dir, xrelay.QueueListenerFunc(
		func(_ context.Context, msg *xrelay.Message, qctx xrelay.QueuedMessageContext) error {
			select {
			case first <- seen{qctx.Principal(), msg.Header(PrincipalHeader)}:
			default:
			}
			return errors.New("not yet")
		}), xrelay.QueueOptions{MaxAttempts: 10, RetryDelay: time.Hour})
	require.NoError(t, q1.Init(context.Background()))
	require.NoError(t, q1.Enqueue(context.Background(), forged, ""))

	select {
	case v := <-first:
		assert.Equal(t, seen{}, v)
	case <-time.After(5 * time.Second):
		t.Fatal("first attempt never happened")
	}
	require.NoError(t, q1.Close(context.Background()))

	recovered := make(chan seen, 1)
	q2 := newTestQueue(t, dir, xrelay.QueueOptions{AutoAcknowledge: true},
		func(_ context.Context, msg *xrelay.Message, qctx xrelay.QueuedMessageContext) error {
			recovered <- seen{qctx.Principal(), msg.Header(PrincipalHeader)}
			return nil
		})
	require.NoError(t, q2.Init(context.Background()))

	select {
	case v := <-recovered:
		assert.Equal(t, seen{}, v)
	case <-time.After(5 * time.Second):
		t.Fatal("recovered message not delivered")
	}
}

func TestQueue_RequeuedDeadLetterIsRedeliveredAfterRestart(t *testing.T) {
	dir := t.TempDir()
	q1 := NewQueue("requeue", dir, xrelay.QueueListenerFunc(
		func(context.Context, *xrelay.Message, xrelay.QueuedMessageContext) error {
			return errors.New("fails")
		}), xrelay.QueueOptions{MaxAttempts: 1})
	require.NoError(t, q1.Init(context.Background()))
	require.NoError(t, q1.Enqueue(context.Background(), testMessage("again", ""), ""))
	require.Eventually(t, func() bool { return len(records(t, q1.DeadLetterDir())) == 1 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, q1.Close(context.Background()))

	dls, err := DeadLetters(dir)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	_, err = Requeue(dls[0].File, dir)
	require.NoError(t, err)

	got := make(chan string, 1)
	q2 := newTestQueue(t, dir, xrelay.QueueOptions{AutoAcknowledge: true},
		func(_ context.Context, msg *xrelay.Message, _ xrelay.QueuedMessageContext) error {
			got <- msg.ID()
			return nil
		})
	require.NoError(t, q2.Init(context.Background()))

	select {
	case id := <-got:
		assert.Equal(t, "again", id)
	case <-time.After(5 * time.Second):
		t.Fatal("requeued message not delivered")
	}
}

func TestQueue_EnqueueLifecycleErrors(t *testing.T) {
	q := NewQueue("states", t.TempDir(), xrelay.QueueListenerFunc(
		func(context.Context, *xrelay.Message, xrelay.QueuedMessageContext) error { return nil }),
		xrelay.QueueOptions{})

	err := q.Enqueue(context.Background(), testMessage("early", ""), "")
	assert.ErrorIs(t, err, xrelay.ErrQueueNotInitialized)

	require.NoError(t, q.Init(context.Background()))
	require.NoError(t, q.Close(context.Background()))
	require.NoError(t, q.Close(context.Background()))

	err = q.Enqueue(context.Background(), testMessage("late", ""), "")
	assert.ErrorIs(t, err, xrelay.ErrQueueClosed)
}

func TestQueue_CancelledAdmissionRemovesRecord(t *testing.T) {
	dir := t.TempDir()
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	q := newTestQueue(t, dir, xrelay.QueueOptions{ConcurrencyLimit: 1, BufferSize: 1, AutoAcknowledge: true},
		func(ctx context.Context, _ *xrelay.Message, _ xrelay.QueuedMessageContext) error {
			select {
			case started <- struct{}{}:
			default:
			}
			select {
			case <-release:
			case <-ctx.Done():
			}
			return nil
		})
	require.NoError(t, q.Init(context.Background()))
	defer close(release)

	require.NoError(t, q.Enqueue(context.Background(), testMessage("busy", ""), ""))
	<-started
	require.NoError(t, q.Enqueue(context.Background(), testMessage("buffered", ""), ""))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := q.Enqueue(ctx, testMessage("rejected", ""), "")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NoFileExists(t, filepath.Join(dir, "rejected"+RecordExt))
	assert.FileExists(t, filepath.Join(dir, "buffered"+RecordExt))
}

func TestQueue_RespectsConcurrencyLimit(t *testing.T) {
	dir := t.TempDir()
	var inFlight, peak, done atomic.Int32
	q := newTestQueue(t, dir, xrelay.QueueOptions{ConcurrencyLimit: 2, AutoAcknowledge: true},
		func(context.Context, *xrelay.Message, xrelay.QueuedMessageContext) error {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			inFlight.Add(-1)
			done.Add(1)
			return nil
		})
	require.NoError(t, q.Init(context.Background()))

	for i := 0; i < 10; i++ {
		require.NoError(t, q.Enqueue(context.Background(), testMessage(fmt.Sprintf("c-%d", i), ""), ""))
	}
	require.Eventually(t, func() bool { return done.Load() == 10 }, 5*time.Second, 10*time.Millisecond)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestQueueingService_NamedQueues(t *testing.T) {
	base := t.TempDir()
	svc := NewQueueingService(base)
	defer svc.Close(context.Background())

	listener := xrelay.QueueListenerFunc(func(context.Context, *xrelay.Message, xrelay.QueuedMessageContext) error { return nil })
	opts := xrelay.QueueOptions{AutoAcknowledge: true}

	require.NoError(t, svc.CreateQueue(context.Background(), "orders", listener, opts))
	assert.DirExists(t, filepath.Join(base, "orders", DeadLetterDir))

	err := svc.CreateQueue(context.Background(), "orders", listener, opts)
	assert.ErrorIs(t, err, xrelay.ErrQueueExists)

	err = svc.CreateQueue(context.Background(), "../escape", listener, opts)
	assert.Error(t, err)

	err = svc.EnqueueMessage(context.Background(), "missing", testMessage("x", ""), "")
	assert.ErrorIs(t, err, xrelay.ErrQueueNotFound)

	require.NoError(t, svc.EnqueueMessage(context.Background(), "orders", testMessage("y", ""), ""))
}

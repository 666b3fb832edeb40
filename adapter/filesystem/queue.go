package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xrelay"
)

const (
	queueCreated int32 = iota
	queueInitializing
	queueRunning
	queueClosed
)

// Queue is a durable, directory-backed message queue. Every enqueued message
// is persisted before it is admitted, delivered to the listener by a bounded
// set of workers, deleted on acknowledgement and moved to the .dl directory
// once MaxAttempts deliveries have failed.
type Queue struct {
	name     string
	dir      string
	listener xrelay.QueueListener
	opts     xrelay.QueueOptions
	logger   *xlog.Logger
	clock    xclock.Clock

	work   chan *MessageFile
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	state     atomic.Int32
	closeOnce sync.Once

	observersMu sync.RWMutex
	observers   []xrelay.Observer

	metrics *queueMetrics
}

type queueMetrics struct {
	enqueued     atomic.Uint64
	acknowledged atomic.Uint64
	retried      atomic.Uint64
	deadLettered atomic.Uint64
}

// QueueStats is queue telemetry.
type QueueStats struct {
	Enqueued     uint64
	Acknowledged uint64
	Retried      uint64
	DeadLettered uint64
	Pending      int
}

// NewQueue returns a queue rooted at dir. Call Init before Enqueue.
func NewQueue(name, dir string, listener xrelay.QueueListener, opts xrelay.QueueOptions, options ...Option) *Queue {
	s := newSettings(options)
	opts = opts.WithDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		name:      name,
		dir:       dir,
		listener:  listener,
		opts:      opts,
		logger:    s.logger.With(xlog.Str("queue", name)),
		clock:     s.clock,
		work:      make(chan *MessageFile, opts.BufferSize),
		ctx:       ctx,
		cancel:    cancel,
		observers: s.observers,
		metrics:   &queueMetrics{},
	}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Dir returns the queue directory.
func (q *Queue) Dir() string { return q.dir }

// DeadLetterDir returns the directory holding dead-lettered records.
func (q *Queue) DeadLetterDir() string { return filepath.Join(q.dir, DeadLetterDir) }

// Init creates the queue directories, starts the workers and re-admits
// records left over from a previous run before accepting new work.
func (q *Queue) Init(ctx context.Context) error {
	if !q.state.CompareAndSwap(queueCreated, queueInitializing) {
		if q.state.Load() == queueClosed {
			return xrelay.ErrQueueClosed
		}
		return fmt.Errorf("xrelay/filesystem: queue %q already initialized", q.name)
	}
	if err := os.MkdirAll(q.DeadLetterDir(), 0o755); err != nil {
		return fmt.Errorf("xrelay/filesystem: create queue %q: %w", q.name, err)
	}

	for i := 0; i < q.opts.ConcurrencyLimit; i++ {
		q.wg.Add(1)
		go q.worker()
	}

	pending, err := q.pending()
	if err != nil {
		return err
	}
	for _, f := range pending {
		select {
		case q.work <- f:
		case <-ctx.Done():
			return ctx.Err()
		case <-q.ctx.Done():
			return xrelay.ErrQueueClosed
		}
	}
	if len(pending) > 0 {
		q.logger.Info().Str("recovered", fmt.Sprint(len(pending))).Msg("xrelay: queue recovered pending records")
	}

	if !q.state.CompareAndSwap(queueInitializing, queueRunning) {
		return xrelay.ErrQueueClosed
	}
	return nil
}

// pending lists existing records, oldest first.
func (q *Queue) pending() ([]*MessageFile, error) {
	paths, err := filepath.Glob(filepath.Join(q.dir, "*"+RecordExt))
	if err != nil {
		return nil, err
	}
	type rec struct {
		path string
		mod  time.Time
	}
	recs := make([]rec, 0, len(paths))
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		recs = append(recs, rec{path: p, mod: info.ModTime()})
	}
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].mod.Equal(recs[j].mod) {
			return recs[i].path < recs[j].path
		}
		return recs[i].mod.Before(recs[j].mod)
	})
	out := make([]*MessageFile, len(recs))
	for i, r := range recs {
		out[i] = OpenMessageFile(r.path)
	}
	return out, nil
}

// Enqueue persists msg and admits it for delivery, blocking while the
// admission buffer is full. If ctx ends first the record is removed and the
// message is not queued.
func (q *Queue) Enqueue(ctx context.Context, msg *xrelay.Message, principal string) error {
	switch q.state.Load() {
	case queueRunning:
	case queueClosed:
		return xrelay.ErrQueueClosed
	default:
		return xrelay.ErrQueueNotInitialized
	}

	f, err := CreateMessageFile(q.dir, msg, principal)
	if err != nil {
		return fmt.Errorf("xrelay/filesystem: persist message %s: %w", msg.ID(), err)
	}

	select {
	case q.work <- f:
		q.metrics.enqueued.Add(1)
		return nil
	case <-ctx.Done():
		if err := f.Delete(); err != nil {
			q.logger.Warn().Err(err).Str("path", f.Path()).Msg("xrelay: failed to remove unqueued record")
		}
		return ctx.Err()
	case <-q.ctx.Done():
		// The record stays on disk and is recovered by the next Init.
		return xrelay.ErrQueueClosed
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case f := <-q.work:
			if f == nil {
				continue // Shouldn't happen; we never close the channel
			}
			q.process(f)
		}
	}
}

func (q *Queue) process(f *MessageFile) {
	msg, principal, ok := q.read(f)
	if !ok {
		return
	}

	for attempt := 1; ; attempt++ {
		qctx := &queuedContext{principal: principal, attempt: attempt}
		start := q.clock.Now()
		err := q.deliver(msg, qctx)

		if err == nil && (q.opts.AutoAcknowledge || qctx.Acknowledged()) {
			q.metrics.acknowledged.Add(1)
			if derr := f.Delete(); derr != nil {
				q.logger.Error().Err(derr).Str("path", f.Path()).Msg("xrelay: delete acknowledged record failed")
			}
			q.notify(xrelay.Event{
				Type:        xrelay.MessageAcknowledged,
				Queue:       q.name,
				MessageID:   msg.ID(),
				MessageName: msg.Name(),
				Attempt:     attempt,
				Duration:    q.clock.Since(start),
			})
			return
		}
		if err == nil {
			err = errNotAcknowledged
		}

		// Shutdown during delivery: keep the record for recovery.
		if q.ctx.Err() != nil {
			return
		}
		if attempt >= q.opts.MaxAttempts {
			q.deadLetter(f, msg.ID(), msg.Name(), attempt, err)
			return
		}

		q.metrics.retried.Add(1)
		q.notify(xrelay.Event{
			Type:        xrelay.MessageRetried,
			Queue:       q.name,
			MessageID:   msg.ID(),
			MessageName: msg.Name(),
			Attempt:     attempt,
			Duration:    q.clock.Since(start),
			Err:         err,
		})

		if xclock.SleepContext(q.ctx, q.opts.RetryDelay, q.clock) != nil {
			return
		}
	}
}

// read loads the record. Read failures other than a missing or malformed
// record are retried every RetryDelay and count as attempts.
func (q *Queue) read(f *MessageFile) (*xrelay.Message, string, bool) {
	for attempt := 1; ; attempt++ {
		msg, principal, err := f.ReadMessage()
		switch {
		case err == nil:
			return msg, principal, true
		case errors.Is(err, fs.ErrNotExist):
			q.logger.Warn().Str("path", f.Path()).Msg("xrelay: queued record disappeared")
			return nil, "", false
		case errors.Is(err, xrelay.ErrMalformedMessage):
			q.deadLetter(f, "", "", 0, err)
			return nil, "", false
		}

		q.logger.Error().Err(err).Str("path", f.Path()).Msg("xrelay: cannot read queued record")
		q.notify(xrelay.Event{Type: xrelay.Error, Queue: q.name, Attempt: attempt, Err: err})
		if q.ctx.Err() != nil {
			return nil, "", false
		}
		if attempt >= q.opts.MaxAttempts {
			q.deadLetter(f, "", "", attempt, err)
			return nil, "", false
		}
		if xclock.SleepContext(q.ctx, q.opts.RetryDelay, q.clock) != nil {
			return nil, "", false
		}
	}
}

var errNotAcknowledged = errors.New("xrelay: message not acknowledged")

// deliver calls the listener, converting panics into errors.
func (q *Queue) deliver(msg *xrelay.Message, qctx *queuedContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", xrelay.ErrHandlerPanic, r)
		}
	}()
	return q.listener.MessageReceived(q.ctx, msg, qctx)
}

func (q *Queue) deadLetter(f *MessageFile, id, name string, attempt int, cause error) {
	q.metrics.deadLettered.Add(1)
	moved, err := f.MoveTo(q.DeadLetterDir())
	if err != nil {
		q.logger.Error().Err(err).Str("path", f.Path()).Msg("xrelay: dead-letter move failed")
		return
	}
	q.logger.Warn().
		Err(cause).
		Str("message_id", id).
		Str("path", moved.Path()).
		Msg("xrelay: message dead-lettered")
	q.notify(xrelay.Event{
		Type:        xrelay.MessageDeadLettered,
		Queue:       q.name,
		MessageID:   id,
		MessageName: name,
		Attempt:     attempt,
		Err:         cause,
	})
}

// AddObserver registers an observer (thread-safe).
func (q *Queue) AddObserver(obs xrelay.Observer) {
	if obs == nil {
		return
	}
	q.observersMu.Lock()
	q.observers = append(q.observers, obs)
	q.observersMu.Unlock()
}

func (q *Queue) notify(e xrelay.Event) {
	q.observersMu.RLock()
	obs := make([]xrelay.Observer, len(q.observers))
	copy(obs, q.observers)
	q.observersMu.RUnlock()
	for _, o := range obs {
		o.OnEvent(e)
	}
}

// Stats returns current queue metrics.
func (q *Queue) Stats() QueueStats {
	return QueueStats{
		Enqueued:     q.metrics.enqueued.Load(),
		Acknowledged: q.metrics.acknowledged.Load(),
		Retried:      q.metrics.retried.Load(),
		DeadLettered: q.metrics.deadLettered.Load(),
		Pending:      len(q.work),
	}
}

// Close stops the workers. In-flight attempts finish; records not yet
// acknowledged stay on disk. It waits for workers until ctx ends.
func (q *Queue) Close(ctx context.Context) error {
	var err error
	q.closeOnce.Do(func() {
		q.state.Store(queueClosed)
		q.cancel()

		done := make(chan struct{})
		go func() {
			q.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	return err
}

// queuedContext is the per-attempt QueuedMessageContext.
type queuedContext struct {
	principal string
	attempt   int
	acked     atomic.Bool
}

func (c *queuedContext) Principal() string  { return c.principal }
func (c *queuedContext) Attempt() int       { return c.attempt }
func (c *queuedContext) Acknowledge()       { c.acked.Store(true) }
func (c *queuedContext) Acknowledged() bool { return c.acked.Load() }

package filesystem

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/trickstertwo/xrelay"
)

// QueueingService keeps named durable queues under one base directory.
type QueueingService struct {
	baseDir string
	options []Option

	mu        sync.Mutex
	queues    map[string]*Queue
	observers []xrelay.Observer
	closed    bool
}

var _ xrelay.MessageQueueingService = (*QueueingService)(nil)

// NewQueueingService returns a service storing queues under baseDir/<name>.
func NewQueueingService(baseDir string, opts ...Option) *QueueingService {
	return &QueueingService{
		baseDir: baseDir,
		options: opts,
		queues:  make(map[string]*Queue),
	}
}

// BaseDir returns the root directory of all queues.
func (s *QueueingService) BaseDir() string { return s.baseDir }

// CreateQueue creates and initializes a queue, recovering records left by a
// previous process.
func (s *QueueingService) CreateQueue(ctx context.Context, name string, listener xrelay.QueueListener, opts xrelay.QueueOptions) error {
	if err := validQueueName(name); err != nil {
		return err
	}
	if listener == nil {
		return fmt.Errorf("xrelay/filesystem: queue %q has no listener", name)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return xrelay.ErrQueueClosed
	}
	if _, ok := s.queues[name]; ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", xrelay.ErrQueueExists, name)
	}
	options := append(append([]Option(nil), s.options...), WithObserver(s.observers...))
	q := NewQueue(name, filepath.Join(s.baseDir, name), listener, opts, options...)
	s.queues[name] = q
	s.mu.Unlock()

	if err := q.Init(ctx); err != nil {
		_ = q.Close(context.Background())
		s.mu.Lock()
		delete(s.queues, name)
		s.mu.Unlock()
		return err
	}
	return nil
}

// EnqueueMessage persists msg on the named queue.
func (s *QueueingService) EnqueueMessage(ctx context.Context, name string, msg *xrelay.Message, principal string) error {
	q, ok := s.Queue(name)
	if !ok {
		return fmt.Errorf("%w: %s", xrelay.ErrQueueNotFound, name)
	}
	return q.Enqueue(ctx, msg, principal)
}

// Queue returns the named queue.
func (s *QueueingService) Queue(name string) (*Queue, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[name]
	return q, ok
}

// AddObserver attaches obs to existing and future queues.
func (s *QueueingService) AddObserver(obs xrelay.Observer) {
	if obs == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, obs)
	for _, q := range s.queues {
		q.AddObserver(obs)
	}
}

// Close closes every queue.
func (s *QueueingService) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	queues := make([]*Queue, 0, len(s.queues))
	for _, q := range s.queues {
		queues = append(queues, q)
	}
	s.mu.Unlock()

	var errs []error
	for _, q := range queues {
		if err := q.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("queue %q: %w", q.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func validQueueName(name string) error {
	if name == "" || strings.HasPrefix(name, ".") || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("xrelay/filesystem: invalid queue name %q", name)
	}
	return nil
}

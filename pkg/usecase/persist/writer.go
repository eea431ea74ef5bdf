// Package persist writes transcript messages to the repository in the background so that the
// real-time path never waits on storage.
package persist

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/hearken/pkg/interfaces"
	"github.com/m-mizutani/hearken/pkg/model"
	"github.com/m-mizutani/hearken/pkg/utils/logging"
)

const (
	DefaultQueueSize = 10000
	writeTimeout     = 10 * time.Second
)

// Writer implements interfaces.MessagePersistence with one worker goroutine and a bounded
// queue. Messages are dropped with a warning when the queue is full.
type Writer struct {
	repo  interfaces.Repository
	queue chan *model.Message
	done  chan struct{}

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

var _ interfaces.MessagePersistence = (*Writer)(nil)

type Option func(*config)

type config struct {
	queueSize int
}

func WithQueueSize(n int) Option {
	return func(c *config) {
		c.queueSize = max(n, 1)
	}
}

func New(repo interfaces.Repository, opts ...Option) *Writer {
	cfg := config{queueSize: DefaultQueueSize}
	for _, opt := range opts {
		opt(&cfg)
	}

	w := &Writer{
		repo:  repo,
		queue: make(chan *model.Message, cfg.queueSize),
		done:  make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *Writer) PersistUser(sessionID model.SessionID, text string) {
	w.enqueue(model.NewMessage(sessionID, model.RoleUser, text))
}

func (w *Writer) PersistAssistant(sessionID model.SessionID, text string) {
	w.enqueue(model.NewMessage(sessionID, model.RoleAssistant, text))
}

// Dropped returns the number of messages discarded because the queue was full or closed.
func (w *Writer) Dropped() int64 {
	return w.dropped.Load()
}

func (w *Writer) enqueue(msg *model.Message) {
	if strings.TrimSpace(msg.Content) == "" {
		return
	}

	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		w.dropped.Add(1)
		logging.Default().Warn("message dropped, writer is closed", "session_id", msg.SessionID, "role", msg.Role)
		return
	}

	select {
	case w.queue <- msg:
	default:
		w.dropped.Add(1)
		logging.Default().Warn("message dropped, persistence queue is full",
			"session_id", msg.SessionID,
			"role", msg.Role,
			"queue_size", cap(w.queue),
		)
	}
}

func (w *Writer) run() {
	defer close(w.done)

	for msg := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := w.repo.PutMessage(ctx, msg); err != nil {
			logging.Default().Error("failed to persist message", "error", err, "session_id", msg.SessionID)
		}
		cancel()
	}
}

// Close stops accepting messages and waits until the queued ones are written or ctx is done.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return goerr.Wrap(ctx.Err(), "persistence queue was not drained", goerr.V("remaining", len(w.queue)))
	}
}

package router

import (
	"fmt"
	"log/slog"
	"sync"
)

// Dispatcher runs listener callbacks.
type Dispatcher interface {
	Dispatch(fn func())
	Close()
}

type inline struct{}

// Inline returns a Dispatcher that runs callbacks on the calling goroutine,
// which for inbound messages is the connection's read goroutine.
func Inline() Dispatcher { return inline{} }

func (inline) Dispatch(fn func()) { fn() }
func (inline) Close()             {}

// Queue runs callbacks on one goroutine in enqueue order. Enqueueing never
// blocks the caller.
type Queue struct {
	buf    *GrowableBuffer[func()]
	logger *slog.Logger
	done   chan struct{}
	once   sync.Once
}

// NewQueue starts a queue dispatcher with the given initial capacity.
func NewQueue(size int, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		buf:    NewGrowableBuffer[func()](size),
		logger: logger,
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

// Dispatch enqueues fn. Callbacks dispatched after Close are dropped.
func (q *Queue) Dispatch(fn func()) {
	if !q.buf.Push(fn) {
		q.logger.Debug("event queue closed, dropping callback")
	}
}

// Close stops accepting callbacks and waits for queued ones to finish.
func (q *Queue) Close() {
	q.once.Do(q.buf.Close)
	<-q.done
}

// Stats returns the queue's buffer statistics.
func (q *Queue) Stats() BufferStats {
	return q.buf.Stats()
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		fn, ok := q.buf.Pop()
		if !ok {
			return
		}
		q.call(fn)
	}
}

func (q *Queue) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("listener panicked", "error", fmt.Sprint(r))
		}
	}()
	fn()
}

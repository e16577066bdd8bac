package diag

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// Queue funnels items through a single worker goroutine (fan-in). Enqueue
// never blocks: when the buffer is full it invokes OnDrop and returns its
// error. Close stops accepting items, lets the worker drain what is already
// queued and waits for it to exit.
//
//	q := NewQueue(ctx, buf, handle, hooks)
//	q.Enqueue(item)
//	q.Close()
type Queue[T any] struct {
	mu     sync.Mutex
	ch     chan T
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	handle func(T) error
	hooks  Hooks
	closed atomic.Bool
}

// Hooks customize Queue behavior.
type Hooks struct {
	// OnError is called when the handler returns a non-nil error.
	OnError func(error)
	// OnAfter is called only after the handler succeeded.
	OnAfter func()
	// OnDrop is called when the buffer is full; its returned error is returned
	// from Enqueue. If nil, the overflow is silent.
	OnDrop func() error
}

var ErrQueueClosed = errors.New("diag queue closed")

// NewQueue constructs a Queue with a buffered channel of size buf.
func NewQueue[T any](parent context.Context, buf int, handle func(T) error, hooks Hooks) *Queue[T] {
	ctx, cancel := context.WithCancel(parent)
	q := &Queue[T]{
		ch:     make(chan T, buf),
		ctx:    ctx,
		cancel: cancel,
		handle: handle,
		hooks:  hooks,
	}
	q.wg.Add(1)
	go q.loop()
	return q
}

func (q *Queue[T]) loop() {
	defer q.wg.Done()
	for {
		select {
		case it, ok := <-q.ch:
			if !ok { // closed and drained
				return
			}
			q.run(it)
		case <-q.ctx.Done():
			return
		}
	}
}

func (q *Queue[T]) run(it T) {
	if err := q.handle(it); err != nil {
		if q.hooks.OnError != nil {
			q.hooks.OnError(err)
		}
		return
	}
	if q.hooks.OnAfter != nil {
		q.hooks.OnAfter()
	}
}

// Enqueue queues it for the worker or returns the drop error if the buffer is full.
func (q *Queue[T]) Enqueue(it T) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed.Load() {
		return ErrQueueClosed
	}
	select {
	case q.ch <- it:
		return nil
	default:
		if q.hooks.OnDrop != nil {
			return q.hooks.OnDrop()
		}
		return nil
	}
}

// Close drains queued items and waits for the worker. Safe to call twice.
// If the parent context is already done, pending items are discarded.
func (q *Queue[T]) Close() {
	if q.closed.Swap(true) {
		return
	}
	q.mu.Lock()
	close(q.ch)
	q.mu.Unlock()
	q.wg.Wait()
	q.cancel()
}

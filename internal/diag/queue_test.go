package diag

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

var (
	errOverflow   = errors.New("overflow")
	errHandleFail = errors.New("handle fail")
)

// TestQueueSuccess verifies items are handled and hooks fire.
func TestQueueSuccess(t *testing.T) {
	var handled atomic.Int64
	var after atomic.Int64
	q := NewQueue(context.Background(), 4, func(s string) error {
		handled.Add(1)
		return nil
	}, Hooks{OnAfter: func() { after.Add(1) }})
	for i := 0; i < 3; i++ {
		if err := q.Enqueue("line"); err != nil {
			t.Fatalf("unexpected enqueue error: %v", err)
		}
	}
	q.Close()
	if handled.Load() != 3 || after.Load() != 3 {
		t.Fatalf("expected 3 handled & after, got handled=%d after=%d", handled.Load(), after.Load())
	}
}

// TestQueueOverflow ensures OnDrop is invoked when the buffer is full.
func TestQueueOverflow(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	var drops atomic.Int64
	q := NewQueue(context.Background(), 1, func(int) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}, Hooks{OnDrop: func() error { drops.Add(1); return errOverflow }})
	defer q.Close()
	defer close(release)

	if err := q.Enqueue(1); err != nil {
		t.Fatalf("enqueue first: %v", err)
	}
	<-started // worker holds item 1
	if err := q.Enqueue(2); err != nil {
		t.Fatalf("enqueue second (buffered): %v", err)
	}
	if err := q.Enqueue(3); !errors.Is(err, errOverflow) {
		t.Fatalf("expected overflow error, got %v", err)
	}
	if drops.Load() != 1 {
		t.Fatalf("expected 1 drop, got %d", drops.Load())
	}
}

// TestQueueHandleError triggers the OnError hook.
func TestQueueHandleError(t *testing.T) {
	var errs atomic.Int64
	q := NewQueue(context.Background(), 2, func(int) error { return errHandleFail }, Hooks{OnError: func(error) { errs.Add(1) }})
	_ = q.Enqueue(1)
	q.Close()
	if errs.Load() != 1 {
		t.Fatalf("expected 1 error hook invocation, got %d", errs.Load())
	}
}

func TestQueueEnqueueAfterClose(t *testing.T) {
	q := NewQueue(context.Background(), 2, func(int) error { return nil }, Hooks{})
	q.Close()
	q.Close() // idempotent
	if err := q.Enqueue(1); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
}

// TestQueueParentCancelled stops the worker without a Close.
func TestQueueParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var handled atomic.Int64
	q := NewQueue(ctx, 2, func(int) error { handled.Add(1); return nil }, Hooks{})
	cancel()
	done := make(chan struct{})
	go func() { q.Close(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not return after parent cancel")
	}
}

func TestQueueCloseConcurrentEnqueue(t *testing.T) {
	for i := 0; i < 100; i++ {
		q := NewQueue(context.Background(), 1, func(int) error { return nil }, Hooks{})
		done := make(chan error, 1)
		go func() { done <- q.Enqueue(i) }()
		time.Sleep(time.Millisecond)
		q.Close()
		if err := <-done; err != nil && !errors.Is(err, ErrQueueClosed) {
			t.Fatalf("iteration %d: unexpected enqueue error %v", i, err)
		}
	}
}

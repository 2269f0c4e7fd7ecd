package sys

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Mailbox is a bounded FIFO channel of messages shared by any number of
// producers and a single consumer. It carries its own synchronization.
type Mailbox[T any] struct {
	queue     chan T
	done      chan struct{}
	closeOnce sync.Once

	// puts is held shared by every producer so Delete can wait for the
	// ones already inside.
	puts sync.RWMutex
}

// NewMailbox creates a mailbox holding at most size messages.
func NewMailbox[T any](size int) (*Mailbox[T], error) {
	if size <= 0 {
		return nil, fmt.Errorf("mailbox size %d: %w", size, ErrInvalid)
	}
	return &Mailbox[T]{
		queue: make(chan T, size),
		done:  make(chan struct{}),
	}, nil
}

// Put blocks until there is room for msg or t elapses. It returns the time
// spent blocked.
func (m *Mailbox[T]) Put(msg T, t Timeout) (time.Duration, error) {
	return m.PutContext(context.Background(), msg, t)
}

// PutContext is Put that also stops when ctx is done.
func (m *Mailbox[T]) PutContext(ctx context.Context, msg T, t Timeout) (time.Duration, error) {
	if m == nil || m.queue == nil {
		return 0, ErrClosed
	}
	m.puts.RLock()
	defer m.puts.RUnlock()
	if !m.Valid() {
		return 0, ErrClosed
	}
	start := time.Now()

	select {
	case m.queue <- msg:
		return time.Since(start), nil
	default:
	}

	wctx, cancel := waitCtx(ctx, t)
	defer cancel()

	select {
	case m.queue <- msg:
		return time.Since(start), nil
	case <-m.done:
		return time.Since(start), ErrClosed
	case <-wctx.Done():
		return time.Since(start), waitErr(ctx, wctx)
	}
}

// PutNow enqueues msg only if there is room. It never blocks.
func (m *Mailbox[T]) PutNow(msg T) bool {
	if m == nil || m.queue == nil {
		return false
	}
	m.puts.RLock()
	defer m.puts.RUnlock()
	if !m.Valid() {
		return false
	}
	select {
	case m.queue <- msg:
		return true
	default:
		return false
	}
}

// Get blocks until a message is available or t elapses.
func (m *Mailbox[T]) Get(t Timeout) (T, time.Duration, error) {
	return m.GetContext(context.Background(), t)
}

// GetContext is Get that also stops when ctx is done.
func (m *Mailbox[T]) GetContext(ctx context.Context, t Timeout) (T, time.Duration, error) {
	var zero T
	if !m.Valid() {
		return zero, 0, ErrClosed
	}
	start := time.Now()

	select {
	case msg := <-m.queue:
		return msg, time.Since(start), nil
	default:
	}

	wctx, cancel := waitCtx(ctx, t)
	defer cancel()

	select {
	case msg := <-m.queue:
		return msg, time.Since(start), nil
	case <-m.done:
		return zero, time.Since(start), ErrClosed
	case <-wctx.Done():
		return zero, time.Since(start), waitErr(ctx, wctx)
	}
}

// GetNow dequeues a message if one is waiting. It never blocks.
func (m *Mailbox[T]) GetNow() (T, bool) {
	var zero T
	if m == nil || m.queue == nil {
		return zero, false
	}
	select {
	case msg := <-m.queue:
		return msg, true
	default:
		return zero, false
	}
}

// Len returns the number of queued messages.
func (m *Mailbox[T]) Len() int {
	if m == nil || m.queue == nil {
		return 0
	}
	return len(m.queue)
}

// Cap returns the capacity bound.
func (m *Mailbox[T]) Cap() int {
	if m == nil || m.queue == nil {
		return 0
	}
	return cap(m.queue)
}

// Delete closes the mailbox. Blocked producers and consumers return
// ErrClosed. Messages still queued can be drained with GetNow; once Delete
// returns no producer can add to them.
func (m *Mailbox[T]) Delete() bool {
	if m == nil || m.done == nil {
		return false
	}
	deleted := false
	m.closeOnce.Do(func() {
		close(m.done)
		deleted = true
	})
	// Producers that passed the validity check before done was closed
	// finish here; later ones see done closed.
	m.puts.Lock()
	m.puts.Unlock()
	return deleted
}

// Valid reports whether the mailbox accepts operations.
func (m *Mailbox[T]) Valid() bool {
	if m == nil || m.queue == nil {
		return false
	}
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}

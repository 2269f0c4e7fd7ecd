package sys

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// Semaphore is a counting semaphore with a ceiling.
//
// Units are held as tokens in a buffered channel sized to the ceiling, so a
// release never blocks and a release on a full semaphore is dropped.
type Semaphore struct {
	tokens  chan struct{}
	max     int
	deleted atomic.Bool
}

// NewSemaphore creates a semaphore with initial available units.
//
// An initial count of zero creates an empty semaphore whose first Wait blocks
// until a Release; max defaults to 1 in that case. A positive initial count
// with max 0 sets the ceiling to the initial count.
func NewSemaphore(initial, max int) (*Semaphore, error) {
	if initial < 0 || max < 0 {
		return nil, fmt.Errorf("semaphore initial=%d max=%d: %w", initial, max, ErrInvalid)
	}
	if max == 0 {
		max = initial
		if max == 0 {
			max = 1
		}
	}
	if initial > max {
		return nil, fmt.Errorf("semaphore initial=%d exceeds max=%d: %w", initial, max, ErrInvalid)
	}

	s := &Semaphore{
		tokens: make(chan struct{}, max),
		max:    max,
	}
	for i := 0; i < initial; i++ {
		s.tokens <- struct{}{}
	}
	return s, nil
}

// Wait blocks until a unit is available or t elapses. It returns the time
// spent waiting, or ErrTimeout.
func (s *Semaphore) Wait(t Timeout) (time.Duration, error) {
	return s.WaitContext(context.Background(), t)
}

// WaitContext is Wait that also stops when ctx is done.
func (s *Semaphore) WaitContext(ctx context.Context, t Timeout) (time.Duration, error) {
	if !s.Valid() {
		return 0, ErrInvalid
	}
	start := time.Now()

	// Fast path avoids allocating a timer context.
	select {
	case <-s.tokens:
		return time.Since(start), nil
	default:
	}

	wctx, cancel := waitCtx(ctx, t)
	defer cancel()

	select {
	case <-s.tokens:
		return time.Since(start), nil
	case <-wctx.Done():
		return time.Since(start), waitErr(ctx, wctx)
	}
}

// TryWait takes a unit without blocking.
func (s *Semaphore) TryWait() bool {
	if !s.Valid() {
		return false
	}
	select {
	case <-s.tokens:
		return true
	default:
		return false
	}
}

// Release returns one unit and wakes at most one waiter. It never blocks.
func (s *Semaphore) Release() bool {
	if !s.Valid() {
		return false
	}
	select {
	case s.tokens <- struct{}{}:
	default:
		// Already at the ceiling.
	}
	return true
}

// Count returns the units currently available.
func (s *Semaphore) Count() int {
	if s == nil || s.tokens == nil {
		return 0
	}
	return len(s.tokens)
}

// Max returns the ceiling.
func (s *Semaphore) Max() int {
	if s == nil {
		return 0
	}
	return s.max
}

// Delete invalidates the semaphore and drops its units.
func (s *Semaphore) Delete() bool {
	if s == nil || s.tokens == nil {
		return false
	}
	if !s.deleted.CompareAndSwap(false, true) {
		return false
	}
	for {
		select {
		case <-s.tokens:
		default:
			return true
		}
	}
}

// Valid reports whether the semaphore can be used.
func (s *Semaphore) Valid() bool {
	return s != nil && s.tokens != nil && !s.deleted.Load()
}

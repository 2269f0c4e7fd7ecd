package sys

import (
	"context"
	"sync/atomic"
)

// Mutex is a binary exclusion primitive.
//
// Lock blocks until ownership is acquired. Locking a Mutex twice from the same
// goroutine deadlocks; callers must not do that.
type Mutex struct {
	token   chan struct{}
	deleted atomic.Bool
}

// NewMutex creates an unlocked mutex.
func NewMutex() (*Mutex, error) {
	return &Mutex{token: make(chan struct{}, 1)}, nil
}

// Lock blocks until the mutex is acquired. It returns false when the mutex is
// invalid.
func (m *Mutex) Lock() bool {
	if !m.Valid() {
		return false
	}
	m.token <- struct{}{}
	return true
}

// LockContext acquires the mutex or gives up when ctx is done.
func (m *Mutex) LockContext(ctx context.Context) error {
	if !m.Valid() {
		return ErrInvalid
	}
	select {
	case m.token <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryLock acquires the mutex without blocking.
func (m *Mutex) TryLock() bool {
	if !m.Valid() {
		return false
	}
	select {
	case m.token <- struct{}{}:
		return true
	default:
		return false
	}
}

// Unlock releases the mutex. It returns false when the mutex was not held.
func (m *Mutex) Unlock() bool {
	if m == nil || m.token == nil {
		return false
	}
	select {
	case <-m.token:
		return true
	default:
		return false
	}
}

// Delete invalidates the mutex. The first call returns true, later calls
// return false. Backing storage is reclaimed by the garbage collector.
func (m *Mutex) Delete() bool {
	if m == nil || m.token == nil {
		return false
	}
	return m.deleted.CompareAndSwap(false, true)
}

// Valid reports whether the mutex can be used.
func (m *Mutex) Valid() bool {
	return m != nil && m.token != nil && !m.deleted.Load()
}

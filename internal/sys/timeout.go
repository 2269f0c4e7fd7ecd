package sys

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors reported by the primitives.
var (
	// ErrTimeout is returned when a bounded wait expires.
	ErrTimeout = errors.New("sys: timeout")
	// ErrInvalid is returned for operations on a deleted or malformed primitive.
	ErrInvalid = errors.New("sys: invalid primitive")
	// ErrClosed is returned to callers blocked on a mailbox that was deleted.
	ErrClosed = errors.New("sys: mailbox closed")
)

// Timeout is a wait budget for blocking primitives.
//
// Forever waits without bound. A zero Timeout also waits forever; it does not
// mean "do not wait". Use the ...Now variants for non-blocking calls.
type Timeout time.Duration

// Forever is the explicit unbounded wait.
const Forever Timeout = -1

// Within returns a bounded timeout of d. Non-positive durations are clamped to
// one millisecond so that a computed budget never silently becomes Forever.
func Within(d time.Duration) Timeout {
	if d <= 0 {
		return Timeout(time.Millisecond)
	}
	return Timeout(d)
}

// FromMillis converts a legacy millisecond timeout where 0 means forever.
func FromMillis(ms uint32) Timeout {
	if ms == 0 {
		return Forever
	}
	return Timeout(time.Duration(ms) * time.Millisecond)
}

// IsForever reports whether t waits without bound.
func (t Timeout) IsForever() bool {
	return t <= 0
}

// Duration returns the bound, or 0 for Forever.
func (t Timeout) Duration() time.Duration {
	if t.IsForever() {
		return 0
	}
	return time.Duration(t)
}

// Deadline returns the absolute deadline for t measured from now. ok is false
// for Forever.
func (t Timeout) Deadline(now time.Time) (deadline time.Time, ok bool) {
	if t.IsForever() {
		return time.Time{}, false
	}
	return now.Add(time.Duration(t)), true
}

// Remaining returns the budget left until deadline as a Timeout. When no
// deadline is set the result is Forever.
func Remaining(deadline time.Time, ok bool) Timeout {
	if !ok {
		return Forever
	}
	return Within(time.Until(deadline))
}

func (t Timeout) String() string {
	if t.IsForever() {
		return "forever"
	}
	return fmt.Sprint(time.Duration(t))
}

// waitCtx derives the context used by a blocking call. The returned cancel
// must always be called.
func waitCtx(ctx context.Context, t Timeout) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if t.IsForever() {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(t))
}

// waitErr maps a finished wait context to the primitive error taxonomy.
// Parent cancellation is reported as the parent's error, expiry of the
// primitive's own budget as ErrTimeout.
func waitErr(parent, ctx context.Context) error {
	if parent != nil && parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ctx.Err()
}

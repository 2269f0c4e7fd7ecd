package sys

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
)

// Built-in thread names. Each name owns one pre-declared slot.
const (
	// ProducerThreadName drains the request mailbox and drives the device.
	ProducerThreadName = "lwgsm_produce"
	// ProcessThreadName runs completion work handed off by the producer.
	ProcessThreadName = "lwgsm_process"
)

var (
	// ErrUnknownThread is returned when a name matches no pre-declared slot.
	ErrUnknownThread = errors.New("sys: unknown thread name")
	// ErrThreadBusy is returned when the slot for a name is already running.
	ErrThreadBusy = errors.New("sys: thread slot in use")
)

// Priority is advisory scheduling priority, recorded for diagnostics.
type Priority int

// Default priorities for the built-in threads.
const (
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 1
)

// ThreadFunc is a thread entry point. It must return when ctx is done.
type ThreadFunc func(ctx context.Context, arg any)

// Thread is a running unit bound to a slot.
type Thread struct {
	name      string
	stackSize int
	prio      Priority
	cancel    context.CancelFunc
	done      chan struct{}
}

// Name returns the slot name.
func (t *Thread) Name() string { return t.name }

// StackSize returns the stack size requested at creation.
func (t *Thread) StackSize() int { return t.stackSize }

// Priority returns the priority requested at creation.
func (t *Thread) Priority() Priority { return t.prio }

// Done is closed when the entry function has returned.
func (t *Thread) Done() <-chan struct{} { return t.done }

// Terminate cancels the thread context and waits for the entry function to
// return. The slot becomes free again.
func (t *Thread) Terminate() bool {
	if t == nil {
		return false
	}
	t.cancel()
	<-t.done
	return true
}

// ThreadTable is a fixed set of thread slots selected by name.
type ThreadTable struct {
	mu    sync.Mutex
	slots map[string]*Thread
}

// NewThreadTable declares the slots. With no names it declares the built-in
// producer and process slots.
func NewThreadTable(names ...string) *ThreadTable {
	if len(names) == 0 {
		names = []string{ProducerThreadName, ProcessThreadName}
	}
	slots := make(map[string]*Thread, len(names))
	for _, n := range names {
		slots[n] = nil
	}
	return &ThreadTable{slots: slots}
}

// defaultThreads backs the package-level CreateThread.
var defaultThreads = NewThreadTable()

// CreateThread starts fn on the built-in slot matching name.
func CreateThread(name string, fn ThreadFunc, arg any, stackSize int, prio Priority) (*Thread, error) {
	return defaultThreads.Create(context.Background(), name, fn, arg, stackSize, prio)
}

// Create starts fn on the slot matching name. It fails when the name is not
// declared or when the slot is already running. The thread context derives
// from parent.
func (tt *ThreadTable) Create(parent context.Context, name string, fn ThreadFunc, arg any, stackSize int, prio Priority) (*Thread, error) {
	if fn == nil {
		return nil, fmt.Errorf("thread %q: nil entry: %w", name, ErrInvalid)
	}
	if parent == nil {
		parent = context.Background()
	}

	tt.mu.Lock()
	running, declared := tt.slots[name]
	if !declared {
		tt.mu.Unlock()
		return nil, fmt.Errorf("thread %q: %w", name, ErrUnknownThread)
	}
	if running != nil {
		tt.mu.Unlock()
		return nil, fmt.Errorf("thread %q: %w", name, ErrThreadBusy)
	}

	ctx, cancel := context.WithCancel(parent)
	t := &Thread{
		name:      name,
		stackSize: stackSize,
		prio:      prio,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	tt.slots[name] = t
	tt.mu.Unlock()

	go func() {
		defer tt.release(t)
		fn(ctx, arg)
	}()

	return t, nil
}

// Running reports whether the named slot currently hosts a thread.
func (tt *ThreadTable) Running(name string) bool {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return tt.slots[name] != nil
}

func (tt *ThreadTable) release(t *Thread) {
	tt.mu.Lock()
	if tt.slots[t.name] == t {
		tt.slots[t.name] = nil
	}
	tt.mu.Unlock()
	t.cancel()
	close(t.done)
}

// Yield lets other goroutines run.
func Yield() bool {
	runtime.Gosched()
	return true
}

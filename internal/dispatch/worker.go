package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/sirupsen/logrus"

	"github.com/Robor-Electronics/lwgsm/internal/audit"
	"github.com/Robor-Electronics/lwgsm/internal/command"
	"github.com/Robor-Electronics/lwgsm/internal/metrics"
	"github.com/Robor-Electronics/lwgsm/internal/sys"
	"github.com/Robor-Electronics/lwgsm/internal/telemetry"
)

// ErrRunning is returned by Start on a worker that is already started.
var ErrRunning = errors.New("dispatch: worker already running")

// Options configures a Worker. Every field is optional.
type Options struct {
	// Timeouts bounds one device execution per command. Zero means no bound.
	Timeouts func(command.Tag) time.Duration

	Audit     *audit.Logger
	Telemetry *telemetry.Hub
	Metrics   *metrics.Metrics

	// Threads hosts the producer and process threads. Defaults to a fresh
	// table with the built-in slots.
	Threads *sys.ThreadTable

	ProducerStackSize int
	ProcessStackSize  int
	ProducerPriority  sys.Priority
	ProcessPriority   sys.Priority
}

// Worker executes submitted envelopes against their initiator.
type Worker struct {
	sub  *command.Submitter
	opts Options

	mu       sync.Mutex
	producer *sys.Thread
	process  *sys.Thread

	// completions holds finished non-blocking envelopes for the process
	// thread. It is unbounded so the producer never waits on callbacks.
	cmu         sync.Mutex
	completions deque.Deque[*command.Envelope]
	signal      chan struct{}
}

// New creates a worker draining the mailbox of sub.
func New(sub *command.Submitter, opts Options) *Worker {
	if opts.Threads == nil {
		opts.Threads = sys.NewThreadTable()
	}
	return &Worker{
		sub:    sub,
		opts:   opts,
		signal: make(chan struct{}, 1),
	}
}

// Start launches the producer and process threads. They stop when ctx is
// done or Stop is called.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.producer != nil {
		return ErrRunning
	}

	process, err := w.opts.Threads.Create(ctx, sys.ProcessThreadName, w.processLoop, nil,
		w.opts.ProcessStackSize, w.opts.ProcessPriority)
	if err != nil {
		return fmt.Errorf("start process thread: %w", err)
	}
	producer, err := w.opts.Threads.Create(ctx, sys.ProducerThreadName, w.produceLoop, nil,
		w.opts.ProducerStackSize, w.opts.ProducerPriority)
	if err != nil {
		process.Terminate()
		return fmt.Errorf("start producer thread: %w", err)
	}
	w.producer, w.process = producer, process

	log.WithFields(logrus.Fields{
		"mailbox": w.sub.Mailbox().Cap(),
		"pool":    w.sub.Pool().Size(),
	}).Info("dispatch worker started")
	return nil
}

// Stop rejects new submissions, stops the producer and fails every envelope
// still queued with command.ErrClosed. Callbacks of non-blocking envelopes
// still run before the process thread exits.
func (w *Worker) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.producer == nil {
		return nil
	}

	w.sub.Close()
	w.producer.Terminate()
	// Submitters that passed the closed check before Close are either in the
	// mailbox once Delete returns or get sys.ErrClosed.
	w.sub.Mailbox().Delete()

	drained := 0
	for {
		env, ok := w.sub.Mailbox().GetNow()
		if !ok {
			break
		}
		drained++
		w.complete(env, command.ErrClosed, 0)
	}
	w.opts.Metrics.QueueDepth(0)

	w.process.Terminate()
	w.producer, w.process = nil, nil

	log.WithField("drained", drained).Info("dispatch worker stopped")
	return nil
}

// Running reports whether the worker threads are up.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.producer != nil
}

func (w *Worker) produceLoop(ctx context.Context, _ any) {
	mbox := w.sub.Mailbox()
	for {
		env, _, err := mbox.GetContext(ctx, sys.Forever)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, sys.ErrClosed) {
				log.WithError(err).Error("mailbox receive failed")
			}
			return
		}
		w.opts.Metrics.QueueDepth(mbox.Len())
		w.execute(ctx, env)
	}
}

func (w *Worker) execute(ctx context.Context, env *command.Envelope) {
	if env.Abandoned() {
		// The waiter gave up while the envelope sat in the mailbox.
		w.complete(env, command.ErrTimeout, 0)
		return
	}

	execCtx := ctx
	if w.opts.Timeouts != nil {
		if d := w.opts.Timeouts(env.Tag); d > 0 {
			var cancel context.CancelFunc
			execCtx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
	}

	start := time.Now()
	err := w.initiate(execCtx, env)
	w.complete(env, err, time.Since(start))
}

func (w *Worker) initiate(ctx context.Context, env *command.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logrus.Fields{
				"id":      env.ID,
				"command": env.Tag.String(),
				"panic":   r,
			}).Error("initiator panicked")
			err = fmt.Errorf("%s: initiator panic: %w", env.Tag, command.ErrOperationFailed)
		}
	}()
	if env.Initiator == nil {
		return fmt.Errorf("%s: no initiator: %w", env.Tag, command.ErrParameter)
	}
	return env.Initiator.Initiate(ctx, env)
}

// complete hands the result back to the submitter side. The envelope may be
// reused by its waiter as soon as command.Complete returns, so everything
// reported afterwards is captured first.
func (w *Worker) complete(env *command.Envelope, result error, took time.Duration) {
	id, tag, blocking := env.ID, env.Tag, env.Blocking

	delivered := command.Complete(env, result)

	code := command.Code(result)
	w.opts.Metrics.Completed(tag.String(), code, took)
	w.opts.Audit.LogCommand(id, tag, result, took, !delivered)

	fields := logrus.Fields{
		"id":      id,
		"command": tag.String(),
		"code":    code,
		"took":    took,
	}
	eventType := telemetry.EventCommandCompleted
	if !delivered {
		eventType = telemetry.EventCommandAbandoned
		log.WithFields(fields).Warn("result dropped, waiter abandoned the request")
	} else if result != nil {
		log.WithFields(fields).WithError(result).Debug("command failed")
	} else {
		log.WithFields(fields).Debug("command done")
	}
	w.opts.Telemetry.Publish(telemetry.Event{
		Type: eventType,
		Data: map[string]any{
			"id":        id,
			"command":   tag.String(),
			"code":      code,
			"latencyMs": took.Milliseconds(),
		},
	})

	if delivered && !blocking {
		w.enqueueCompletion(env)
	}
}

func (w *Worker) enqueueCompletion(env *command.Envelope) {
	w.cmu.Lock()
	w.completions.PushBack(env)
	w.cmu.Unlock()
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *Worker) nextCompletion() (*command.Envelope, bool) {
	w.cmu.Lock()
	defer w.cmu.Unlock()
	if w.completions.Len() == 0 {
		return nil, false
	}
	return w.completions.PopFront(), true
}

// Pending returns the number of completions waiting for the process thread.
func (w *Worker) Pending() int {
	w.cmu.Lock()
	defer w.cmu.Unlock()
	return w.completions.Len()
}

func (w *Worker) processLoop(ctx context.Context, _ any) {
	for {
		w.runCompletions()
		select {
		case <-w.signal:
		case <-ctx.Done():
			w.runCompletions()
			return
		}
	}
}

func (w *Worker) runCompletions() {
	for {
		env, ok := w.nextCompletion()
		if !ok {
			return
		}
		w.finish(env)
	}
}

// finish runs the callback. env is back in its pool once Finish unwinds, so
// the panic report uses values captured before.
func (w *Worker) finish(env *command.Envelope) {
	id, tag := env.ID, env.Tag
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logrus.Fields{
				"id":      id,
				"command": tag.String(),
				"panic":   r,
			}).Error("completion callback panicked")
		}
	}()
	command.Finish(env)
}

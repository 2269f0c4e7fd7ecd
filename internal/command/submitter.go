package command

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Robor-Electronics/lwgsm/internal/metrics"
	"github.com/Robor-Electronics/lwgsm/internal/sys"
)

// Initiator executes an envelope against the device. It runs on the worker
// thread, one envelope at a time.
type Initiator interface {
	Initiate(ctx context.Context, env *Envelope) error
}

// InitiatorFunc adapts a function to Initiator.
type InitiatorFunc func(ctx context.Context, env *Envelope) error

func (f InitiatorFunc) Initiate(ctx context.Context, env *Envelope) error {
	return f(ctx, env)
}

// Submitter delivers envelopes to the dispatch worker through the request
// mailbox.
type Submitter struct {
	mbox      *sys.Mailbox[*Envelope]
	pool      *Pool
	initiator Initiator
	metrics   *metrics.Metrics
	closed    atomic.Bool
}

// NewSubmitter creates a submitter. initiator is used for envelopes that do
// not name their own. m may be nil.
func NewSubmitter(mbox *sys.Mailbox[*Envelope], pool *Pool, initiator Initiator, m *metrics.Metrics) *Submitter {
	return &Submitter{
		mbox:      mbox,
		pool:      pool,
		initiator: initiator,
		metrics:   m,
	}
}

// Mailbox returns the request mailbox drained by the worker.
func (s *Submitter) Mailbox() *sys.Mailbox[*Envelope] { return s.mbox }

// Pool returns the envelope pool for non-blocking submissions.
func (s *Submitter) Pool() *Pool { return s.pool }

// Close rejects all further submissions with ErrClosed.
func (s *Submitter) Close() {
	s.closed.Store(true)
}

// Submit hands env to the worker using the default initiator unless env
// names its own.
//
// A blocking envelope waits up to timeout for completion; sys.Forever and a
// zero timeout wait without bound. The mailbox push and the completion wait
// share one deadline. On expiry the envelope is abandoned and ErrTimeout is
// returned; the worker may still execute it and its result is discarded.
//
// A non-blocking envelope is pushed without waiting and reports through its
// Callback. If the push fails the envelope goes back to its pool.
func (s *Submitter) Submit(ctx context.Context, env *Envelope, timeout sys.Timeout) error {
	return s.SubmitWith(ctx, env, nil, timeout)
}

// SubmitWith is Submit with an explicit initiator.
func (s *Submitter) SubmitWith(ctx context.Context, env *Envelope, init Initiator, timeout sys.Timeout) error {
	if env == nil {
		return fmt.Errorf("submit: nil envelope: %w", ErrParameter)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if init != nil {
		env.Initiator = init
	}
	if env.Initiator == nil {
		env.Initiator = s.initiator
	}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}

	if err := s.precheck(env); err != nil {
		s.metrics.Rejected(env.Tag.String(), Code(err))
		if !env.Blocking {
			env.pool.Put(env)
		}
		return err
	}

	if env.Blocking {
		return s.submitBlocking(ctx, env, timeout)
	}
	return s.submitAsync(env)
}

func (s *Submitter) precheck(env *Envelope) error {
	if s.closed.Load() {
		return fmt.Errorf("submit %s: %w", env.Tag, ErrClosed)
	}
	if env.Initiator == nil {
		return fmt.Errorf("submit %s: no initiator: %w", env.Tag, ErrParameter)
	}
	return env.validate()
}

func (s *Submitter) submitBlocking(ctx context.Context, env *Envelope, timeout sys.Timeout) error {
	sem, err := sys.NewSemaphore(0, 1)
	if err != nil {
		return fmt.Errorf("submit %s: completion semaphore: %w: %w", env.Tag, ErrSubmissionFailed, err)
	}
	defer sem.Delete()

	env.sem = sem
	env.result = nil
	env.reply = nil
	env.submitted = time.Now()
	env.state.Store(statePending)
	deadline, bounded := timeout.Deadline(env.submitted)

	if _, err := s.mbox.PutContext(ctx, env, timeout); err != nil {
		env.state.Store(stateIdle)
		s.metrics.Rejected(env.Tag.String(), "mailbox")
		return fmt.Errorf("submit %s: %w: %w", env.Tag, ErrSubmissionFailed, err)
	}
	s.metrics.Submitted(env.Tag.String(), true)
	s.metrics.QueueDepth(s.mbox.Len())

	if _, err := sem.WaitContext(ctx, sys.Remaining(deadline, bounded)); err != nil {
		if env.abandon() {
			s.metrics.Abandoned(env.Tag.String())
			log.WithFields(logrus.Fields{
				"id":      env.ID,
				"command": env.Tag.String(),
				"timeout": timeout.String(),
			}).Warn("waiter gave up before completion")
			switch {
			case errors.Is(err, sys.ErrTimeout):
				return fmt.Errorf("%s after %v: %w", env.Tag, timeout, ErrTimeout)
			case errors.Is(err, context.DeadlineExceeded):
				return fmt.Errorf("%s: caller deadline: %w: %w", env.Tag, ErrTimeout, err)
			}
			return err
		}
		// The worker claimed the envelope before the waiter could abandon
		// it; its release follows immediately.
		if _, err := sem.Wait(sys.Forever); err != nil {
			return fmt.Errorf("submit %s: %w", env.Tag, err)
		}
	}
	return env.result
}

func (s *Submitter) submitAsync(env *Envelope) error {
	env.submitted = time.Now()
	env.state.Store(statePending)
	if !s.mbox.PutNow(env) {
		s.metrics.Rejected(env.Tag.String(), "mailbox_full")
		env.pool.Put(env)
		return fmt.Errorf("submit %s: mailbox full: %w", env.Tag, ErrSubmissionFailed)
	}
	s.metrics.Submitted(env.Tag.String(), false)
	s.metrics.QueueDepth(s.mbox.Len())
	return nil
}

// SubmitAsync draws an envelope from the pool and submits it without
// blocking. cb runs on the process thread once the worker is done.
func (s *Submitter) SubmitAsync(tag Tag, payload Payload, cb Callback) error {
	if s.pool == nil {
		return fmt.Errorf("submit %s: no envelope pool: %w", tag, ErrSubmissionFailed)
	}
	env, ok := s.pool.Get(tag, payload, cb)
	if !ok {
		s.metrics.Rejected(tag.String(), "pool_exhausted")
		return fmt.Errorf("submit %s: envelope pool exhausted: %w", tag, ErrSubmissionFailed)
	}
	return s.Submit(context.Background(), env, sys.Forever)
}

// Complete records the worker's result for env.
//
// For a blocking envelope it releases the waiter's semaphore exactly once and
// reports true. If the waiter already abandoned the envelope the result is
// dropped and Complete reports false without touching the semaphore. For a
// non-blocking envelope it stores the result and reports true; the caller
// then hands env to Finish on the process thread.
func Complete(env *Envelope, result error) bool {
	if !env.state.CompareAndSwap(statePending, stateDone) {
		log.WithFields(logrus.Fields{
			"id":      env.ID,
			"command": env.Tag.String(),
			"result":  Code(result),
		}).Debug("discarding result of abandoned envelope")
		return false
	}
	env.result = result
	env.elapsed = time.Since(env.submitted)
	if env.Blocking {
		env.sem.Release()
	}
	return true
}

// Finish runs the completion callback of a non-blocking envelope and returns
// it to its pool, also when the callback panics. The envelope must not be
// used afterwards.
func Finish(env *Envelope) {
	if env.Blocking {
		return
	}
	defer env.pool.Put(env)
	if env.Callback != nil {
		env.Callback(env)
	}
}

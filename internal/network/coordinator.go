package network

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Robor-Electronics/lwgsm/internal/audit"
	"github.com/Robor-Electronics/lwgsm/internal/command"
	"github.com/Robor-Electronics/lwgsm/internal/metrics"
	"github.com/Robor-Electronics/lwgsm/internal/sys"
	"github.com/Robor-Electronics/lwgsm/internal/telemetry"
)

// State is the attach state of the coordinator.
type State int

const (
	Detached State = iota
	Attaching
	Attached
	Detaching
)

func (s State) String() string {
	switch s {
	case Detached:
		return "detached"
	case Attaching:
		return "attaching"
	case Attached:
		return "attached"
	case Detaching:
		return "detaching"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Credentials select the access point used by attach.
type Credentials struct {
	APN  string `json:"apn"`
	User string `json:"user,omitempty"`
	Pass string `json:"pass,omitempty"`
}

// Status is a snapshot of the coordinator.
type Status struct {
	State            State  `json:"state"`
	Count            int    `json:"count"`
	APN              string `json:"apn"`
	PhysicalAttaches int    `json:"physicalAttaches"`
	PhysicalDetaches int    `json:"physicalDetaches"`
}

// Submitter delivers envelopes to the dispatch worker.
type Submitter interface {
	Submit(ctx context.Context, env *command.Envelope, timeout sys.Timeout) error
}

// Options configures a Coordinator. Every field is optional.
type Options struct {
	// Timeouts bounds each submission per command. Zero waits forever.
	Timeouts func(command.Tag) time.Duration

	// DisableAutoAttach turns off the modem's own attach before an
	// untracked attach.
	DisableAutoAttach bool

	Audit     *audit.Logger
	Telemetry *telemetry.Hub
	Metrics   *metrics.Metrics
}

// transition is one physical attach or detach in flight. done is closed
// once err is set.
type transition struct {
	kind State
	done chan struct{}
	err  error
}

// Coordinator owns the attach reference count and the credentials. One
// Coordinator exists per modem stack.
type Coordinator struct {
	sub  Submitter
	opts Options

	mu        *sys.Mutex
	creds     Credentials
	state     State
	count     int
	untracked bool
	pending   *transition
	attaches  int
	detaches  int
}

// NewCoordinator creates a detached coordinator submitting through sub.
func NewCoordinator(sub Submitter, opts Options) (*Coordinator, error) {
	if sub == nil {
		return nil, fmt.Errorf("coordinator: nil submitter: %w", command.ErrParameter)
	}
	mu, err := sys.NewMutex()
	if err != nil {
		return nil, fmt.Errorf("coordinator lock: %w", err)
	}
	return &Coordinator{sub: sub, opts: opts, mu: mu}, nil
}

// SetCredentials stores a copy of creds for the following attaches.
func (c *Coordinator) SetCredentials(creds Credentials) {
	c.mu.Lock()
	c.creds = creds
	c.mu.Unlock()
	log.WithFields(logrus.Fields{"apn": creds.APN, "user": creds.User}).Info("network credentials set")
}

// Credentials returns the stored credentials.
func (c *Coordinator) Credentials() Credentials {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creds
}

// Status returns the current state and counters.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:            c.state,
		Count:            c.count,
		APN:              c.creds.APN,
		PhysicalAttaches: c.attaches,
		PhysicalDetaches: c.detaches,
	}
}

// RequestAttach takes one logical hold on the attach. Only the first holder
// attaches the device; later holders are counted. Callers arriving during a
// physical attach wait for it and share its failure.
func (c *Coordinator) RequestAttach(ctx context.Context) error {
	for {
		if err := c.mu.LockContext(ctx); err != nil {
			return err
		}
		switch c.state {
		case Attached:
			c.count++
			n := c.count
			c.mu.Unlock()
			c.opts.Metrics.AttachHolders(n)
			log.WithField("count", n).Debug("attach hold added")
			return nil

		case Detached:
			if c.untracked {
				c.untracked = false
				c.state, c.count = Attached, 1
				c.mu.Unlock()
				c.opts.Metrics.AttachHolders(1)
				log.Info("adopted untracked attach")
				return nil
			}
			tr := c.begin(Attaching)
			creds := c.creds
			c.mu.Unlock()
			return c.attach(ctx, tr, creds)

		default:
			tr := c.pending
			c.mu.Unlock()
			if err := c.wait(ctx, tr); err != nil {
				return err
			}
			if tr.kind == Attaching && tr.err != nil {
				return tr.err
			}
		}
	}
}

// RequestDetach releases one logical hold. The device is detached only when
// the last holder releases. Without holders it is a no-op.
func (c *Coordinator) RequestDetach(ctx context.Context) error {
	for {
		if err := c.mu.LockContext(ctx); err != nil {
			return err
		}
		switch c.state {
		case Detached:
			c.mu.Unlock()
			return nil

		case Attached:
			if c.count > 1 {
				c.count--
				n := c.count
				c.mu.Unlock()
				c.opts.Metrics.AttachHolders(n)
				log.WithField("count", n).Debug("attach hold released")
				return nil
			}
			tr := c.begin(Detaching)
			c.mu.Unlock()
			return c.detach(ctx, tr)

		default:
			tr := c.pending
			c.mu.Unlock()
			if err := c.wait(ctx, tr); err != nil {
				return err
			}
		}
	}
}

// begin records a transition. Called with the lock held.
func (c *Coordinator) begin(kind State) *transition {
	tr := &transition{kind: kind, done: make(chan struct{})}
	c.state = kind
	c.pending = tr
	return tr
}

func (c *Coordinator) wait(ctx context.Context, tr *transition) error {
	select {
	case <-tr.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// attach runs the physical attach for the first holder, unless the device
// already has the bearer up, in which case the hold is taken on it. The
// caller's cancellation does not abort it since other callers may be waiting
// on the same transition.
func (c *Coordinator) attach(ctx context.Context, tr *transition, creds Credentials) error {
	start := time.Now()
	physCtx := context.WithoutCancel(ctx)

	adopted := c.bearerUp(physCtx)
	var err error
	if !adopted {
		err = c.submit(physCtx, command.TagAttach, command.AttachPayload{
			APN:  creds.APN,
			User: creds.User,
			Pass: creds.Pass,
		})
	}

	c.mu.Lock()
	if err == nil {
		c.state, c.count = Attached, 1
		if !adopted {
			c.attaches++
		}
	} else {
		c.state, c.count = Detached, 0
	}
	c.pending = nil
	tr.err = err
	close(tr.done)
	n := c.count
	c.mu.Unlock()

	if adopted {
		c.opts.Metrics.AttachHolders(n)
		log.WithField("apn", creds.APN).Info("bearer already up, hold taken without attaching")
		c.opts.Telemetry.Publish(telemetry.Event{
			Type: telemetry.EventAttached,
			Data: map[string]any{"apn": creds.APN, "count": n, "adopted": true},
		})
		return nil
	}
	c.report(ctx, "attach", err, time.Since(start), n, creds.APN)
	return err
}

// bearerUp asks the device whether the bearer is up. A failed query counts
// as down so the physical attach still runs.
func (c *Coordinator) bearerUp(ctx context.Context) bool {
	env, err := c.submitEnv(ctx, command.TagNetworkAttached, command.EmptyPayload{})
	if err != nil {
		log.WithError(err).Debug("attach state query failed")
		return false
	}
	up, _ := env.Reply().(bool)
	return up
}

// detach runs the physical detach for the last holder. On failure the hold
// is kept so the state still matches the device.
func (c *Coordinator) detach(ctx context.Context, tr *transition) error {
	start := time.Now()
	err := c.submit(context.WithoutCancel(ctx), command.TagDetach, command.EmptyPayload{})

	c.mu.Lock()
	if err == nil {
		c.state, c.count = Detached, 0
		c.untracked = false
		c.detaches++
	} else {
		c.state, c.count = Attached, 1
	}
	c.pending = nil
	tr.err = err
	close(tr.done)
	n := c.count
	apn := c.creds.APN
	c.mu.Unlock()

	c.report(ctx, "detach", err, time.Since(start), n, apn)
	return err
}

func (c *Coordinator) report(ctx context.Context, op string, err error, took time.Duration, count int, apn string) {
	c.opts.Metrics.Physical(op, err)
	c.opts.Metrics.AttachHolders(count)
	c.opts.Audit.LogAction(ctx, "network."+op, err, took)

	fields := logrus.Fields{"apn": apn, "count": count, "took": took}
	event := telemetry.EventAttached
	switch {
	case op == "attach" && err != nil:
		event = telemetry.EventAttachFailed
	case op == "detach" && err == nil:
		event = telemetry.EventDetached
	case op == "detach":
		event = telemetry.EventDetachFailed
	}
	data := map[string]any{"apn": apn, "count": count, "latencyMs": took.Milliseconds()}
	if err != nil {
		data["code"] = command.Code(err)
		log.WithFields(fields).WithError(err).Warnf("physical %s failed", op)
	} else {
		log.WithFields(fields).Infof("physical %s done", op)
	}
	c.opts.Telemetry.Publish(telemetry.Event{Type: event, Data: data})
}

// UntrackedAttach attaches the device without taking a hold. A later
// RequestAttach adopts it instead of attaching again.
func (c *Coordinator) UntrackedAttach(ctx context.Context) error {
	creds := c.Credentials()
	if c.opts.DisableAutoAttach {
		if err := c.submit(ctx, command.TagDisableAutoAttach, command.EmptyPayload{}); err != nil {
			return err
		}
	}
	start := time.Now()
	err := c.submit(ctx, command.TagAttach, command.AttachPayload{
		APN:  creds.APN,
		User: creds.User,
		Pass: creds.Pass,
	})
	c.opts.Metrics.Physical("attach", err)
	c.opts.Audit.LogAction(ctx, "network.untrackedAttach", err, time.Since(start))
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.state == Detached {
		c.untracked = true
	}
	c.mu.Unlock()
	return nil
}

// ResetOperator deregisters from the network, reapplies the APN context and
// returns to automatic operator selection. It does not touch the hold
// count and must not run concurrently with attach or detach.
func (c *Coordinator) ResetOperator(ctx context.Context) error {
	start := time.Now()
	err := c.resetOperator(ctx)
	c.opts.Audit.LogAction(ctx, "network.resetOperator", err, time.Since(start))
	if err != nil {
		log.WithError(err).Warn("operator reset failed")
		c.opts.Telemetry.Publish(telemetry.Event{
			Type: telemetry.EventFault,
			Data: map[string]any{"operation": "resetOperator", "code": command.Code(err)},
		})
		return err
	}
	log.Info("operator reset done")
	return nil
}

func (c *Coordinator) resetOperator(ctx context.Context) error {
	apn := c.Credentials().APN
	steps := []struct {
		tag     command.Tag
		payload command.Payload
	}{
		{command.TagOperatorSet, command.OperatorPayload{Mode: command.OperatorDeregister}},
		{command.TagSetContext, command.ContextPayload{APN: apn}},
		{command.TagOperatorSet, command.OperatorPayload{Mode: command.OperatorAuto}},
	}
	for _, step := range steps {
		if err := c.submit(ctx, step.tag, step.payload); err != nil {
			return fmt.Errorf("reset operator: %w", err)
		}
	}
	return nil
}

func (c *Coordinator) submit(ctx context.Context, tag command.Tag, payload command.Payload) error {
	_, err := c.submitEnv(ctx, tag, payload)
	return err
}

// submitEnv submits a blocking envelope and returns it for its reply.
func (c *Coordinator) submitEnv(ctx context.Context, tag command.Tag, payload command.Payload) (*command.Envelope, error) {
	timeout := sys.Forever
	if c.opts.Timeouts != nil {
		if d := c.opts.Timeouts(tag); d > 0 {
			timeout = sys.Within(d)
		}
	}
	env := command.NewEnvelope(tag, payload)
	return env, c.sub.Submit(ctx, env, timeout)
}

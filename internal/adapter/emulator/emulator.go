// Package emulator provides a host-side emulated modem.
//
// Commands are processed in FIFO order by a single worker goroutine, the way
// a real module serializes its AT channel. The emulator keeps registration
// and bearer state, honours configured latencies, fails according to its
// mode (normal, degraded, offline) and executes service calls for real: MQTT
// publishes go to the named broker through paho, HTTP posts through an HTTP
// client.
package emulator

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Robor-Electronics/lwgsm/internal/adapter"
	"github.com/Robor-Electronics/lwgsm/internal/command"
	"github.com/Robor-Electronics/lwgsm/internal/config"
)

var (
	debug = strings.Contains(os.Getenv("DEBUG_LWGSM"), "emulator")

	log logrus.FieldLogger
)

// SetLogger sets the package logger.
func SetLogger(logger logrus.FieldLogger) {
	log = logger
}

func init() {
	logger := logrus.New()
	if debug {
		logger.Level = logrus.DebugLevel
		logger.Debug("lwgsm: debug level enabled for emulator")
	}
	log = logger.WithField("logger", "lwgsm/emulator")
}

// Modes accepted by SetMode.
const (
	ModeNormal   = "normal"
	ModeDegraded = "degraded"
	ModeOffline  = "offline"
)

// Emulator is a thread-safe emulated modem.
type Emulator struct {
	mu           sync.RWMutex
	mode         string
	attached     bool
	autoAttach   bool
	apn          string
	operator     command.OperatorMode
	imsi         string
	poweredOff   bool
	executed     int
	failEvery    int
	attachDelay  time.Duration
	detachDelay  time.Duration
	commandDelay time.Duration

	services *services

	commandQueue chan request
	stopChan     chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
}

var (
	_ adapter.Modem          = (*Emulator)(nil)
	_ adapter.StatusReporter = (*Emulator)(nil)
)

// request is one command queued for the worker.
type request struct {
	ctx      context.Context
	tag      command.Tag
	handle   func() (any, error)
	response chan response
}

type response struct {
	value any
	err   error
}

// New creates an emulator and starts its command worker.
func New(cfg config.EmulatorConfig) *Emulator {
	queue := cfg.QueueSize
	if queue <= 0 {
		queue = 16
	}
	e := &Emulator{
		mode:         cfg.Mode,
		attached:     cfg.StartAttached,
		autoAttach:   true,
		imsi:         cfg.IMSI,
		failEvery:    cfg.DegradedFailEvery,
		attachDelay:  cfg.AttachLatency(),
		detachDelay:  cfg.DetachLatency(),
		commandDelay: cfg.CommandLatency(),
		services:     newServices(cfg.MQTTConnectTimeoutDuration()),
		commandQueue: make(chan request, queue),
		stopChan:     make(chan struct{}),
	}
	if e.mode == "" {
		e.mode = ModeNormal
	}

	e.wg.Add(1)
	go e.commandWorker()

	return e
}

// commandWorker processes commands in FIFO order.
func (e *Emulator) commandWorker() {
	defer e.wg.Done()

	for {
		select {
		case req := <-e.commandQueue:
			e.processRequest(req)
		case <-e.stopChan:
			return
		}
	}
}

func (e *Emulator) processRequest(req request) {
	if err := e.wait(req.ctx, e.latencyFor(req.tag)); err != nil {
		req.response <- response{err: err}
		return
	}

	if err := e.checkMode(req.tag); err != nil {
		log.WithFields(logrus.Fields{"command": req.tag.String(), "error": err}).Debug("emulated failure")
		req.response <- response{err: err}
		return
	}

	v, err := req.handle()
	req.response <- response{value: v, err: err}
}

func (e *Emulator) latencyFor(tag command.Tag) time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	switch tag {
	case command.TagAttach:
		return e.attachDelay
	case command.TagDetach:
		return e.detachDelay
	default:
		return e.commandDelay
	}
}

func (e *Emulator) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopChan:
		return fmt.Errorf("OFFLINE: emulator stopped")
	}
}

// checkMode applies the failure policy of the current mode.
func (e *Emulator) checkMode(tag command.Tag) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.executed++
	if e.poweredOff && tag != command.TagShutdown {
		return fmt.Errorf("OFFLINE: module powered down")
	}
	switch e.mode {
	case ModeOffline:
		return fmt.Errorf("+CME ERROR: no network service")
	case ModeDegraded:
		if e.failEvery > 0 && e.executed%e.failEvery == 0 {
			return fmt.Errorf("+CME ERROR: SIM busy")
		}
	}
	return nil
}

// execute queues a command and waits for its response.
func (e *Emulator) execute(ctx context.Context, tag command.Tag, handle func() (any, error)) (any, error) {
	req := request{
		ctx:      ctx,
		tag:      tag,
		handle:   handle,
		response: make(chan response, 1),
	}

	select {
	case e.commandQueue <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.stopChan:
		return nil, fmt.Errorf("OFFLINE: emulator stopped")
	}

	select {
	case resp := <-req.response:
		return resp.value, resp.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.stopChan:
		return nil, fmt.Errorf("OFFLINE: emulator stopped")
	}
}

func (e *Emulator) exec(ctx context.Context, tag command.Tag, handle func() error) error {
	_, err := e.execute(ctx, tag, func() (any, error) { return nil, handle() })
	return err
}

func (e *Emulator) Attach(ctx context.Context, apn, user, pass string) error {
	return e.exec(ctx, command.TagAttach, func() error {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.operator == command.OperatorDeregister {
			return fmt.Errorf("+CME ERROR: no network service (deregistered)")
		}
		if apn != "" {
			e.apn = apn
		}
		e.attached = true
		log.WithFields(logrus.Fields{"apn": e.apn, "user": user}).Info("bearer attached")
		return nil
	})
}

func (e *Emulator) Detach(ctx context.Context) error {
	return e.exec(ctx, command.TagDetach, func() error {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.attached = false
		log.Info("bearer detached")
		return nil
	})
}

func (e *Emulator) DisableAutoAttach(ctx context.Context) error {
	return e.exec(ctx, command.TagDisableAutoAttach, func() error {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.autoAttach = false
		return nil
	})
}

func (e *Emulator) SetPDPContext(ctx context.Context, apn string) error {
	return e.exec(ctx, command.TagSetContext, func() error {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.apn = apn
		return nil
	})
}

func (e *Emulator) SetOperator(ctx context.Context, op command.OperatorPayload) error {
	return e.exec(ctx, command.TagOperatorSet, func() error {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.operator = op.Mode
		if op.Mode == command.OperatorDeregister {
			e.attached = false
		}
		return nil
	})
}

func (e *Emulator) PublishMQTT(ctx context.Context, call command.ServiceCall) error {
	return e.exec(ctx, command.TagMQTTPublish, func() error {
		if !e.isAttached() {
			return fmt.Errorf("NOT ATTACHED: publish to %s", call.Address)
		}
		return e.services.publish(ctx, call)
	})
}

func (e *Emulator) PostHTTP(ctx context.Context, call command.ServiceCall) error {
	return e.exec(ctx, command.TagHTTPPost, func() error {
		if !e.isAttached() {
			return fmt.Errorf("NOT ATTACHED: post to %s", call.Address)
		}
		return e.services.post(ctx, call)
	})
}

func (e *Emulator) SubscriberID(ctx context.Context) (string, error) {
	v, err := e.execute(ctx, command.TagSubscriberID, func() (any, error) {
		e.mu.RLock()
		defer e.mu.RUnlock()
		if e.imsi == "" {
			return nil, fmt.Errorf("+CME ERROR: SIM not inserted")
		}
		return e.imsi, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (e *Emulator) CloseCall(ctx context.Context) error {
	return e.exec(ctx, command.TagCallClose, func() error { return nil })
}

func (e *Emulator) Shutdown(ctx context.Context) error {
	return e.exec(ctx, command.TagShutdown, func() error {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.poweredOff = true
		e.attached = false
		log.Warn("module powered down")
		return nil
	})
}

// NetworkAttached reads the bearer state without queuing a command.
func (e *Emulator) NetworkAttached(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return e.isAttached(), nil
}

func (e *Emulator) isAttached() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.attached
}

// Status describes the emulator.
func (e *Emulator) Status(ctx context.Context) (*adapter.Status, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	mode := e.mode
	if e.poweredOff {
		mode = ModeOffline
	}
	return &adapter.Status{
		Attached: e.attached,
		APN:      e.apn,
		Operator: e.operator.String(),
		Mode:     mode,
	}, nil
}

// SetMode switches the failure policy.
func (e *Emulator) SetMode(mode string) error {
	switch mode {
	case ModeNormal, ModeDegraded, ModeOffline:
	default:
		return fmt.Errorf("invalid mode %q", mode)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mode = mode
	return nil
}

// ForceAttached changes the bearer state as if the module had attached on
// its own.
func (e *Emulator) ForceAttached(attached bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.attached = attached
}

// Close stops the worker. Commands still queued fail with OFFLINE.
func (e *Emulator) Close() error {
	e.stopOnce.Do(func() { close(e.stopChan) })

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.services.close()
		return nil
	case <-time.After(10 * time.Second):
		return fmt.Errorf("shutdown timeout")
	}
}

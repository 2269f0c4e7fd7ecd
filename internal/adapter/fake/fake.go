// Package fake provides a deterministic in-memory modem for tests.
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Robor-Electronics/lwgsm/internal/adapter"
	"github.com/Robor-Electronics/lwgsm/internal/command"
)

// DefaultIMSI is the subscriber identity reported by a new fake.
const DefaultIMSI = "001010123456789"

// Modem implements adapter.Modem in memory with latency and failure
// injection per command.
type Modem struct {
	mu sync.Mutex

	// Current state
	attached     bool
	autoAttach   bool
	apn          string
	operatorMode command.OperatorMode
	imsi         string
	poweredOff   bool

	// Recorded traffic
	calls     map[command.Tag]int
	published []command.ServiceCall
	posted    []command.ServiceCall

	// Injection
	latency  map[command.Tag]time.Duration
	failures map[command.Tag][]error
}

var (
	_ adapter.Modem          = (*Modem)(nil)
	_ adapter.StatusReporter = (*Modem)(nil)
)

// New creates a detached fake modem.
func New() *Modem {
	return &Modem{
		autoAttach: true,
		imsi:       DefaultIMSI,
		calls:      make(map[command.Tag]int),
		latency:    make(map[command.Tag]time.Duration),
		failures:   make(map[command.Tag][]error),
	}
}

// SetLatency makes every call of tag take d.
func (m *Modem) SetLatency(tag command.Tag, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency[tag] = d
}

// FailNext queues errs; each following call of tag consumes one.
func (m *Modem) FailNext(tag command.Tag, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[tag] = append(m.failures[tag], errs...)
}

// SetAttached changes the bearer state behind the coordinator's back.
func (m *Modem) SetAttached(attached bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attached = attached
}

// SetIMSI changes the reported subscriber identity.
func (m *Modem) SetIMSI(imsi string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.imsi = imsi
}

// Calls returns how many times tag was executed, failures included.
func (m *Modem) Calls(tag command.Tag) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[tag]
}

// APN returns the last configured access point name.
func (m *Modem) APN() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.apn
}

// OperatorMode returns the last operator selection mode.
func (m *Modem) OperatorMode() command.OperatorMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.operatorMode
}

// AutoAttach reports whether automatic attach is enabled.
func (m *Modem) AutoAttach() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.autoAttach
}

// Published returns a copy of the MQTT publishes.
func (m *Modem) Published() []command.ServiceCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]command.ServiceCall(nil), m.published...)
}

// Posted returns a copy of the HTTP posts.
func (m *Modem) Posted() []command.ServiceCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]command.ServiceCall(nil), m.posted...)
}

// begin records the call, waits the injected latency and returns the next
// injected failure for tag.
func (m *Modem) begin(ctx context.Context, tag command.Tag) error {
	m.mu.Lock()
	m.calls[tag]++
	d := m.latency[tag]
	var err error
	if q := m.failures[tag]; len(q) > 0 {
		err, m.failures[tag] = q[0], q[1:]
	}
	off := m.poweredOff
	m.mu.Unlock()

	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	} else if err := ctx.Err(); err != nil {
		return err
	}

	if off && tag != command.TagShutdown {
		return fmt.Errorf("OFFLINE: device powered down")
	}
	return err
}

func (m *Modem) Attach(ctx context.Context, apn, user, pass string) error {
	if err := m.begin(ctx, command.TagAttach); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attached = true
	if apn != "" {
		m.apn = apn
	}
	return nil
}

func (m *Modem) Detach(ctx context.Context) error {
	if err := m.begin(ctx, command.TagDetach); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attached = false
	return nil
}

func (m *Modem) DisableAutoAttach(ctx context.Context) error {
	if err := m.begin(ctx, command.TagDisableAutoAttach); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoAttach = false
	return nil
}

func (m *Modem) SetPDPContext(ctx context.Context, apn string) error {
	if err := m.begin(ctx, command.TagSetContext); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apn = apn
	return nil
}

func (m *Modem) SetOperator(ctx context.Context, op command.OperatorPayload) error {
	if err := m.begin(ctx, command.TagOperatorSet); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.operatorMode = op.Mode
	if op.Mode == command.OperatorDeregister {
		m.attached = false
	}
	return nil
}

func (m *Modem) PublishMQTT(ctx context.Context, call command.ServiceCall) error {
	if err := m.begin(ctx, command.TagMQTTPublish); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.attached {
		return fmt.Errorf("NOT ATTACHED: cannot publish to %s", call.Address)
	}
	m.published = append(m.published, call)
	return nil
}

func (m *Modem) PostHTTP(ctx context.Context, call command.ServiceCall) error {
	if err := m.begin(ctx, command.TagHTTPPost); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.attached {
		return fmt.Errorf("NOT ATTACHED: cannot post to %s", call.Address)
	}
	m.posted = append(m.posted, call)
	return nil
}

func (m *Modem) SubscriberID(ctx context.Context) (string, error) {
	if err := m.begin(ctx, command.TagSubscriberID); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.imsi, nil
}

func (m *Modem) CloseCall(ctx context.Context) error {
	return m.begin(ctx, command.TagCallClose)
}

func (m *Modem) Shutdown(ctx context.Context) error {
	if err := m.begin(ctx, command.TagShutdown); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.poweredOff = true
	m.attached = false
	return nil
}

func (m *Modem) NetworkAttached(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[command.TagNetworkAttached]++
	if q := m.failures[command.TagNetworkAttached]; len(q) > 0 {
		var err error
		err, m.failures[command.TagNetworkAttached] = q[0], q[1:]
		return false, err
	}
	return m.attached, nil
}

// Status describes the fake for diagnostics.
func (m *Modem) Status(ctx context.Context) (*adapter.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mode := "normal"
	if m.poweredOff {
		mode = "offline"
	}
	return &adapter.Status{
		Attached: m.attached,
		APN:      m.apn,
		Operator: m.operatorMode.String(),
		Mode:     mode,
	}, nil
}

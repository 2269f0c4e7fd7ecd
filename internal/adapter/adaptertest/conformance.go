// Package adaptertest provides a driver-agnostic conformance suite for
// adapter.Modem implementations.
//
// Every driver must report device failures in a form NormalizeDeviceError
// classifies, keep the bearer state consistent with the commands it accepted
// and stop a command whose context is cancelled.
package adaptertest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Robor-Electronics/lwgsm/internal/adapter"
	"github.com/Robor-Electronics/lwgsm/internal/command"
)

// Expectations describes driver specific values the suite checks against.
type Expectations struct {
	// IMSI is the subscriber identity the new modem reports. Empty means any
	// non-empty digit string.
	IMSI string

	// MaxCommandLatency bounds a single command on an idle modem.
	MaxCommandLatency time.Duration
}

// RunConformance runs the suite. newModem must return a fresh, detached
// modem in normal mode; cleanup is the caller's business (t.Cleanup).
func RunConformance(t *testing.T, newModem func(t *testing.T) adapter.Modem, exp Expectations) {
	t.Helper()
	if exp.MaxCommandLatency <= 0 {
		exp.MaxCommandLatency = time.Second
	}

	start := time.Now()
	tests := []struct {
		name string
		run  func(t *testing.T, m adapter.Modem, exp Expectations)
	}{
		{"AttachDetach", testAttachDetach},
		{"DetachIsIdempotent", testDetachIdempotent},
		{"DeregisterDropsBearer", testDeregister},
		{"ServiceCallsRequireBearer", testServiceCallsRequireBearer},
		{"SubscriberID", testSubscriberID},
		{"CancelledContext", testCancelledContext},
		{"ShutdownGoesOffline", testShutdown},
		{"CommandLatency", testCommandLatency},
	}

	passed := 0
	for _, tc := range tests {
		if t.Run(tc.name, func(t *testing.T) { tc.run(t, newModem(t), exp) }) {
			passed++
		}
	}
	t.Logf("conformance: %d/%d passed in %v", passed, len(tests), time.Since(start))
}

func ctxFor(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func mustAttached(t *testing.T, m adapter.Modem, want bool) {
	t.Helper()
	got, err := m.NetworkAttached(ctxFor(t))
	if err != nil {
		t.Fatalf("NetworkAttached: %v", err)
	}
	if got != want {
		t.Fatalf("NetworkAttached = %v, want %v", got, want)
	}
}

// classify runs err through the generic tables and checks the class.
func classify(t *testing.T, err error, want error) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected a %v failure, got nil", want)
	}
	if got := adapter.NormalizeDeviceError(err, nil); !errors.Is(got, want) {
		t.Fatalf("device error %q normalized to %v, want %v", err, got, want)
	}
}

func testAttachDetach(t *testing.T, m adapter.Modem, _ Expectations) {
	ctx := ctxFor(t)
	mustAttached(t, m, false)
	if err := m.Attach(ctx, "internet", "", ""); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	mustAttached(t, m, true)
	if err := m.Detach(ctx); err != nil {
		t.Fatalf("Detach: %v", err)
	}
	mustAttached(t, m, false)
}

func testDetachIdempotent(t *testing.T, m adapter.Modem, _ Expectations) {
	ctx := ctxFor(t)
	for i := 0; i < 2; i++ {
		if err := m.Detach(ctx); err != nil {
			t.Fatalf("Detach #%d: %v", i+1, err)
		}
	}
	mustAttached(t, m, false)
}

func testDeregister(t *testing.T, m adapter.Modem, _ Expectations) {
	ctx := ctxFor(t)
	if err := m.Attach(ctx, "internet", "", ""); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := m.SetOperator(ctx, command.OperatorPayload{Mode: command.OperatorDeregister}); err != nil {
		t.Fatalf("SetOperator(deregister): %v", err)
	}
	mustAttached(t, m, false)
	if err := m.SetPDPContext(ctx, "iot.example"); err != nil {
		t.Fatalf("SetPDPContext: %v", err)
	}
	if err := m.SetOperator(ctx, command.OperatorPayload{Mode: command.OperatorAuto}); err != nil {
		t.Fatalf("SetOperator(auto): %v", err)
	}
	if err := m.Attach(ctx, "", "", ""); err != nil {
		t.Fatalf("Attach after auto: %v", err)
	}
	mustAttached(t, m, true)
}

func testServiceCallsRequireBearer(t *testing.T, m adapter.Modem, _ Expectations) {
	ctx := ctxFor(t)
	call := command.ServiceCall{
		Address: "127.0.0.1:1",
		Data:    []byte("x"),
		MQTT:    &command.MQTTParams{Topic: "t", ClientID: "c"},
	}
	classify(t, m.PublishMQTT(ctx, call), command.ErrOperationFailed)

	call.MQTT = nil
	call.Address = "http://127.0.0.1:1/"
	call.HTTP = &command.HTTPParams{ContentType: "application/json"}
	classify(t, m.PostHTTP(ctx, call), command.ErrOperationFailed)
}

func testSubscriberID(t *testing.T, m adapter.Modem, exp Expectations) {
	id, err := m.SubscriberID(ctxFor(t))
	if err != nil {
		t.Fatalf("SubscriberID: %v", err)
	}
	if exp.IMSI != "" && id != exp.IMSI {
		t.Fatalf("SubscriberID = %q, want %q", id, exp.IMSI)
	}
	if id == "" {
		t.Fatal("empty subscriber id")
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			t.Fatalf("subscriber id %q has non-digit %q", id, r)
		}
	}
}

func testCancelledContext(t *testing.T, m adapter.Modem, _ Expectations) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Attach(ctx, "internet", "", ""); !errors.Is(err, context.Canceled) {
		t.Fatalf("Attach with cancelled ctx = %v, want context.Canceled", err)
	}
	if got := adapter.NormalizeDeviceError(context.DeadlineExceeded, nil); !errors.Is(got, command.ErrTimeout) {
		t.Fatalf("deadline normalized to %v", got)
	}
}

func testShutdown(t *testing.T, m adapter.Modem, _ Expectations) {
	ctx := ctxFor(t)
	if err := m.Attach(ctx, "internet", "", ""); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	mustAttached(t, m, false)
	classify(t, m.Attach(ctx, "internet", "", ""), command.ErrOperationFailed)
	if _, err := m.SubscriberID(ctx); err == nil {
		t.Fatal("SubscriberID succeeded on a powered down modem")
	}
}

func testCommandLatency(t *testing.T, m adapter.Modem, exp Expectations) {
	ctx := ctxFor(t)
	for _, step := range []struct {
		name string
		fn   func() error
	}{
		{"disable auto attach", func() error { return m.DisableAutoAttach(ctx) }},
		{"close call", func() error { return m.CloseCall(ctx) }},
		{"set context", func() error { return m.SetPDPContext(ctx, "internet") }},
	} {
		start := time.Now()
		if err := step.fn(); err != nil {
			t.Fatalf("%s: %v", step.name, err)
		}
		if d := time.Since(start); d > exp.MaxCommandLatency {
			t.Errorf("%s took %v, limit %v", step.name, d, exp.MaxCommandLatency)
		}
	}
}

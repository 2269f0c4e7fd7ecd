package adapter_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Robor-Electronics/lwgsm/internal/adapter"
	"github.com/Robor-Electronics/lwgsm/internal/adapter/fake"
	"github.com/Robor-Electronics/lwgsm/internal/command"
)

func TestExecutorDispatchesByTag(t *testing.T) {
	modem := fake.New()
	exec := adapter.NewExecutor(modem, "")
	ctx := context.Background()

	steps := []struct {
		tag     command.Tag
		payload command.Payload
	}{
		{command.TagDisableAutoAttach, command.EmptyPayload{}},
		{command.TagAttach, command.AttachPayload{APN: "internet"}},
		{command.TagSetContext, command.ContextPayload{APN: "iot.example"}},
		{command.TagMQTTPublish, command.ServiceCall{Address: "broker:1883", Data: []byte("{}"), MQTT: &command.MQTTParams{Topic: "t"}}},
		{command.TagHTTPPost, command.ServiceCall{Address: "http://collector", Data: []byte("{}"), HTTP: &command.HTTPParams{ContentType: command.ContentTypeJSON}}},
		{command.TagOperatorSet, command.OperatorPayload{Mode: command.OperatorDeregister}},
		{command.TagCallClose, command.EmptyPayload{}},
		{command.TagDetach, command.EmptyPayload{}},
		{command.TagShutdown, command.EmptyPayload{}},
	}

	for _, step := range steps {
		env := command.NewEnvelope(step.tag, step.payload)
		if err := exec.Initiate(ctx, env); err != nil {
			t.Fatalf("%s: %v", step.tag, err)
		}
		if modem.Calls(step.tag) != 1 {
			t.Errorf("%s: calls = %d, want 1", step.tag, modem.Calls(step.tag))
		}
	}

	if modem.AutoAttach() {
		t.Error("auto attach should be disabled")
	}
	if modem.APN() != "iot.example" {
		t.Errorf("apn = %q", modem.APN())
	}
	if len(modem.Published()) != 1 || len(modem.Posted()) != 1 {
		t.Error("service calls not recorded")
	}
}

func TestExecutorReportsBearerState(t *testing.T) {
	modem := fake.New()
	exec := adapter.NewExecutor(modem, "generic")

	for _, up := range []bool{false, true} {
		modem.SetAttached(up)
		env := command.NewEnvelope(command.TagNetworkAttached, command.EmptyPayload{})
		if err := exec.Initiate(context.Background(), env); err != nil {
			t.Fatalf("Initiate: %v", err)
		}
		if env.Reply() != up {
			t.Errorf("reply = %v, want %v", env.Reply(), up)
		}
	}
}

func TestExecutorSubscriberIDTruncates(t *testing.T) {
	modem := fake.New()
	exec := adapter.NewExecutor(modem, "generic")

	env := command.NewEnvelope(command.TagSubscriberID, command.DeviceInfoPayload{MaxLen: 5})
	if err := exec.Initiate(context.Background(), env); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if env.Reply() != fake.DefaultIMSI[:5] {
		t.Errorf("reply = %v", env.Reply())
	}
}

func TestExecutorNormalizesFailures(t *testing.T) {
	modem := fake.New()
	modem.FailNext(command.TagAttach, errors.New("+CME ERROR: PDP authentication failure"))
	exec := adapter.NewExecutor(modem, "")

	err := exec.Initiate(context.Background(), command.NewEnvelope(command.TagAttach, command.AttachPayload{}))
	if !errors.Is(err, command.ErrOperationFailed) {
		t.Fatalf("expected ErrOperationFailed, got %v", err)
	}
	var devErr *adapter.DeviceError
	if !errors.As(err, &devErr) || devErr.Details != "attach" {
		t.Errorf("expected device error with command details, got %#v", err)
	}
}

func TestExecutorHonoursContext(t *testing.T) {
	modem := fake.New()
	modem.SetLatency(command.TagAttach, time.Second)
	exec := adapter.NewExecutor(modem, "")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := exec.Initiate(ctx, command.NewEnvelope(command.TagAttach, command.AttachPayload{}))
	if !errors.Is(err, command.ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

func TestExecutorRejectsWrongPayload(t *testing.T) {
	exec := adapter.NewExecutor(fake.New(), "")

	tests := []*command.Envelope{
		command.NewEnvelope(command.TagAttach, command.EmptyPayload{}),
		command.NewEnvelope(command.TagHTTPPost, command.ServiceCall{Address: "x", Data: []byte("y"), MQTT: &command.MQTTParams{Topic: "t"}}),
		command.NewEnvelope(command.Tag(99), command.EmptyPayload{}),
	}
	for _, env := range tests {
		if err := exec.Initiate(context.Background(), env); !errors.Is(err, command.ErrParameter) {
			t.Errorf("%s: expected ErrParameter, got %v", env.Tag, err)
		}
	}
}

func TestExecutorWithoutModem(t *testing.T) {
	exec := adapter.NewExecutor(nil, "")
	err := exec.Initiate(context.Background(), command.NewEnvelope(command.TagDetach, command.EmptyPayload{}))
	if !errors.Is(err, command.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

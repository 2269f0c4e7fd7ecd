package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Robor-Electronics/lwgsm/internal/adapter"
	"github.com/Robor-Electronics/lwgsm/internal/adapter/fake"
	"github.com/Robor-Electronics/lwgsm/internal/command"
	"github.com/Robor-Electronics/lwgsm/internal/config"
	"github.com/Robor-Electronics/lwgsm/internal/dispatch"
	"github.com/Robor-Electronics/lwgsm/internal/sys"
)

func newTestServices(t *testing.T) (*Services, *fake.Modem) {
	t.Helper()
	mbox, err := sys.NewMailbox[*command.Envelope](8)
	if err != nil {
		t.Fatalf("mailbox: %v", err)
	}
	pool, err := command.NewPool(2)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	modem := fake.New()
	sub := command.NewSubmitter(mbox, pool, adapter.NewExecutor(modem, "generic"), nil)
	w := dispatch.New(sub, dispatch.Options{})
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { w.Stop() })

	timing := config.DefaultTiming()
	return New(sub, timing.For), modem
}

func TestPublishMQTT(t *testing.T) {
	s, modem := newTestServices(t)
	modem.SetAttached(true)

	msg := MQTTMessage{
		Address:  "broker.example:1883",
		User:     "device",
		Topic:    "telemetry/1",
		ClientID: "lwgsm-1",
		Data:     []byte(`{"t":21.5}`),
	}
	if err := s.PublishMQTT(context.Background(), msg); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got := modem.Published()
	if len(got) != 1 {
		t.Fatalf("published %d messages", len(got))
	}
	if got[0].MQTT.Topic != "telemetry/1" || got[0].MQTT.ClientID != "lwgsm-1" || string(got[0].Data) != `{"t":21.5}` {
		t.Errorf("published %+v", got[0])
	}
}

func TestPublishRequiresAttach(t *testing.T) {
	s, _ := newTestServices(t)

	err := s.PublishMQTT(context.Background(), MQTTMessage{Address: "b:1883", Topic: "t", Data: []byte("x")})
	if !errors.Is(err, command.ErrOperationFailed) {
		t.Fatalf("err = %v, want ErrOperationFailed", err)
	}
}

func TestPostHTTP(t *testing.T) {
	s, modem := newTestServices(t)
	modem.SetAttached(true)

	if err := s.PostHTTP(context.Background(), "http://collector.example/ingest", []byte(`{}`)); err != nil {
		t.Fatalf("post: %v", err)
	}
	got := modem.Posted()
	if len(got) != 1 || got[0].HTTP.ContentType != command.ContentTypeJSON {
		t.Fatalf("posted %+v", got)
	}
}

func TestServiceParameterErrors(t *testing.T) {
	s, modem := newTestServices(t)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
	}{
		{"mqtt empty address", func() error {
			return s.PublishMQTT(ctx, MQTTMessage{Topic: "t", Data: []byte("x")})
		}},
		{"mqtt empty topic", func() error {
			return s.PublishMQTT(ctx, MQTTMessage{Address: "b", Data: []byte("x")})
		}},
		{"mqtt empty data", func() error {
			return s.PublishMQTT(ctx, MQTTMessage{Address: "b", Topic: "t"})
		}},
		{"http empty address", func() error { return s.PostHTTP(ctx, "", []byte("{}")) }},
		{"http empty data", func() error { return s.PostHTTP(ctx, "http://x", nil) }},
		{"imsi zero buffer", func() error {
			_, err := s.RequestSubscriberID(ctx, 0)
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, command.ErrParameter) {
				t.Errorf("err = %v, want ErrParameter", err)
			}
		})
	}
	if modem.Calls(command.TagMQTTPublish)+modem.Calls(command.TagHTTPPost)+modem.Calls(command.TagSubscriberID) != 0 {
		t.Error("invalid request reached the device")
	}
}

func TestRequestSubscriberID(t *testing.T) {
	s, _ := newTestServices(t)

	id, err := s.RequestSubscriberID(context.Background(), 64)
	if err != nil {
		t.Fatalf("imsi: %v", err)
	}
	if id != fake.DefaultIMSI {
		t.Errorf("id = %q", id)
	}

	short, err := s.RequestSubscriberID(context.Background(), 5)
	if err != nil || short != fake.DefaultIMSI[:5] {
		t.Errorf("short id = %q, %v", short, err)
	}
}

func TestRequestSubscriberIDAsync(t *testing.T) {
	s, modem := newTestServices(t)
	modem.SetIMSI("262011234567890")

	type result struct {
		id  string
		err error
	}
	got := make(chan result, 1)
	if err := s.RequestSubscriberIDAsync(15, func(id string, err error) { got <- result{id, err} }); err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case r := <-got:
		if r.err != nil || r.id != "262011234567890" {
			t.Errorf("got %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback did not run")
	}

	if err := s.RequestSubscriberIDAsync(15, nil); !errors.Is(err, command.ErrParameter) {
		t.Errorf("nil callback err = %v", err)
	}
}

func TestRequestSubscriberIDAsyncReportsFailure(t *testing.T) {
	s, modem := newTestServices(t)
	modem.FailNext(command.TagSubscriberID, errors.New("+CME ERROR: SIM not inserted"))

	got := make(chan error, 1)
	if err := s.RequestSubscriberIDAsync(15, func(id string, err error) { got <- err }); err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case err := <-got:
		if !errors.Is(err, command.ErrOperationFailed) {
			t.Errorf("err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback did not run")
	}
}

func TestCancelCallAndShutdown(t *testing.T) {
	s, modem := newTestServices(t)
	ctx := context.Background()

	if err := s.CancelCall(ctx); err != nil {
		t.Fatalf("cancel call: %v", err)
	}
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if modem.Calls(command.TagCallClose) != 1 || modem.Calls(command.TagShutdown) != 1 {
		t.Error("commands not executed")
	}
	if _, err := s.RequestSubscriberID(ctx, 15); err == nil {
		t.Error("powered down modem still answers")
	}
}

func TestServiceTimeout(t *testing.T) {
	s, modem := newTestServices(t)
	s.timeouts = func(command.Tag) time.Duration { return 20 * time.Millisecond }
	modem.SetLatency(command.TagCallClose, 200*time.Millisecond)

	if err := s.CancelCall(context.Background()); !errors.Is(err, command.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

package dispatch

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Robor-Electronics/lwgsm/internal/adapter"
	"github.com/Robor-Electronics/lwgsm/internal/adapter/fake"
	"github.com/Robor-Electronics/lwgsm/internal/audit"
	"github.com/Robor-Electronics/lwgsm/internal/command"
	"github.com/Robor-Electronics/lwgsm/internal/config"
	"github.com/Robor-Electronics/lwgsm/internal/sys"
)

type testStack struct {
	modem  *fake.Modem
	sub    *command.Submitter
	worker *Worker
}

func newTestStack(t *testing.T, mailboxSize int, opts Options) *testStack {
	t.Helper()
	mbox, err := sys.NewMailbox[*command.Envelope](mailboxSize)
	if err != nil {
		t.Fatalf("mailbox: %v", err)
	}
	pool, err := command.NewPool(4)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	modem := fake.New()
	sub := command.NewSubmitter(mbox, pool, adapter.NewExecutor(modem, "generic"), nil)
	w := New(sub, opts)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { w.Stop() })
	return &testStack{modem: modem, sub: sub, worker: w}
}

func TestWorkerExecutesBlockingCommands(t *testing.T) {
	s := newTestStack(t, 4, Options{})

	env := command.NewEnvelope(command.TagAttach, command.AttachPayload{APN: "internet"})
	if err := s.sub.Submit(context.Background(), env, sys.Within(time.Second)); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if s.modem.Calls(command.TagAttach) != 1 {
		t.Errorf("attach calls = %d", s.modem.Calls(command.TagAttach))
	}

	imsi := command.NewEnvelope(command.TagSubscriberID, command.DeviceInfoPayload{MaxLen: 32})
	if err := s.sub.Submit(context.Background(), imsi, sys.Forever); err != nil {
		t.Fatalf("imsi: %v", err)
	}
	if got, _ := imsi.Reply().(string); got != fake.DefaultIMSI {
		t.Errorf("imsi = %q", got)
	}
}

func TestWorkerPreservesSubmissionOrder(t *testing.T) {
	var (
		mu    sync.Mutex
		order []int
	)
	s := newTestStack(t, 16, Options{})

	block := make(chan struct{})
	var started atomic.Bool
	first := command.NewEnvelope(command.TagCallClose, command.EmptyPayload{})
	first.Initiator = command.InitiatorFunc(func(ctx context.Context, env *command.Envelope) error {
		started.Store(true)
		<-block
		return nil
	})

	done := make(chan struct{})
	go func() {
		s.sub.Submit(context.Background(), first, sys.Forever)
		close(done)
	}()
	waitFor(t, started.Load)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		// Each push lands before the next submitter starts.
		n := i
		env := command.NewEnvelope(command.TagCallClose, command.EmptyPayload{})
		env.Initiator = command.InitiatorFunc(func(ctx context.Context, env *command.Envelope) error {
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			return nil
		})
		before := s.sub.Mailbox().Len()
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.sub.Submit(context.Background(), env, sys.Forever)
		}()
		waitFor(t, func() bool { return s.sub.Mailbox().Len() > before })
	}

	close(block)
	<-done
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for i, n := range order {
		if i != n {
			t.Fatalf("order = %v", order)
		}
	}
	if len(order) != 5 {
		t.Fatalf("executed %d of 5", len(order))
	}
}

func TestWorkerRunsCallbacksOnProcessThread(t *testing.T) {
	s := newTestStack(t, 4, Options{})

	got := make(chan string, 1)
	err := s.sub.SubmitAsync(command.TagSubscriberID, command.DeviceInfoPayload{MaxLen: 6}, func(env *command.Envelope) {
		if env.Result() != nil {
			got <- "error: " + env.Result().Error()
			return
		}
		reply, _ := env.Reply().(string)
		got <- reply
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	select {
	case reply := <-got:
		if reply != fake.DefaultIMSI[:6] {
			t.Errorf("reply = %q", reply)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback did not run")
	}
	waitFor(t, func() bool { return s.sub.Pool().Available() == s.sub.Pool().Size() })
}

func TestPanickingCallbackReturnsEnvelope(t *testing.T) {
	s := newTestStack(t, 8, Options{})
	size := s.sub.Pool().Size()

	var ran atomic.Int32
	for i := 0; i < size; i++ {
		err := s.sub.SubmitAsync(command.TagCallClose, command.EmptyPayload{}, func(env *command.Envelope) {
			ran.Add(1)
			panic("callback failed")
		})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	waitFor(t, func() bool { return int(ran.Load()) == size })
	waitFor(t, func() bool { return s.sub.Pool().Available() == size })

	done := make(chan error, 1)
	if err := s.sub.SubmitAsync(command.TagCallClose, command.EmptyPayload{}, func(env *command.Envelope) {
		done <- env.Result()
	}); err != nil {
		t.Fatalf("submit after panics: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("result = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback did not run")
	}
}

func TestCallbackMaySubmitAgain(t *testing.T) {
	s := newTestStack(t, 1, Options{})

	done := make(chan error, 1)
	err := s.sub.SubmitAsync(command.TagCallClose, command.EmptyPayload{}, func(env *command.Envelope) {
		next := command.NewEnvelope(command.TagShutdown, command.EmptyPayload{})
		done <- s.sub.Submit(context.Background(), next, sys.Within(time.Second))
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("nested submit: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("nested submit deadlocked")
	}
}

func TestWorkerAppliesCommandTimeout(t *testing.T) {
	s := newTestStack(t, 4, Options{
		Timeouts: func(tag command.Tag) time.Duration { return 30 * time.Millisecond },
	})
	s.modem.SetLatency(command.TagAttach, time.Second)

	env := command.NewEnvelope(command.TagAttach, command.AttachPayload{APN: "internet"})
	err := s.sub.Submit(context.Background(), env, sys.Within(2*time.Second))
	if !errors.Is(err, command.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestWorkerDropsResultOfAbandonedRequest(t *testing.T) {
	s := newTestStack(t, 4, Options{})
	s.modem.SetLatency(command.TagAttach, 150*time.Millisecond)

	slow := command.NewEnvelope(command.TagAttach, command.AttachPayload{APN: "internet"})
	if err := s.sub.Submit(context.Background(), slow, sys.Within(20*time.Millisecond)); !errors.Is(err, command.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}

	next := command.NewEnvelope(command.TagSubscriberID, command.DeviceInfoPayload{MaxLen: 32})
	if err := s.sub.Submit(context.Background(), next, sys.Within(time.Second)); err != nil {
		t.Fatalf("next: %v", err)
	}
	if got, _ := next.Reply().(string); got != fake.DefaultIMSI {
		t.Errorf("reply = %q", got)
	}
}

func TestWorkerRecoversInitiatorPanic(t *testing.T) {
	s := newTestStack(t, 4, Options{})

	env := command.NewEnvelope(command.TagCallClose, command.EmptyPayload{})
	env.Initiator = command.InitiatorFunc(func(ctx context.Context, env *command.Envelope) error {
		panic("boom")
	})
	if err := s.sub.Submit(context.Background(), env, sys.Within(time.Second)); !errors.Is(err, command.ErrOperationFailed) {
		t.Fatalf("err = %v", err)
	}

	after := command.NewEnvelope(command.TagCallClose, command.EmptyPayload{})
	if err := s.sub.Submit(context.Background(), after, sys.Within(time.Second)); err != nil {
		t.Fatalf("worker did not survive: %v", err)
	}
}

func TestStopFailsQueuedRequests(t *testing.T) {
	s := newTestStack(t, 8, Options{})

	release := make(chan struct{})
	var started atomic.Bool
	blocker := command.NewEnvelope(command.TagCallClose, command.EmptyPayload{})
	blocker.Initiator = command.InitiatorFunc(func(ctx context.Context, env *command.Envelope) error {
		started.Store(true)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return ctx.Err()
	})
	go s.sub.Submit(context.Background(), blocker, sys.Forever)
	waitFor(t, started.Load)

	results := make(chan error, 1)
	if err := s.sub.SubmitAsync(command.TagShutdown, command.EmptyPayload{}, func(env *command.Envelope) {
		results <- env.Result()
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := s.worker.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	close(release)

	select {
	case err := <-results:
		if !errors.Is(err, command.ErrClosed) {
			t.Errorf("queued result = %v, want ErrClosed", err)
		}
	default:
		t.Fatal("callback of drained request did not run before Stop returned")
	}
	if s.worker.Running() {
		t.Error("worker still running")
	}

	late := command.NewEnvelope(command.TagCallClose, command.EmptyPayload{})
	if err := s.sub.Submit(context.Background(), late, sys.Within(50*time.Millisecond)); !errors.Is(err, command.ErrClosed) {
		t.Errorf("late submit = %v, want ErrClosed", err)
	}

	// A producer that slipped past the closed check cannot strand an
	// envelope in the mailbox.
	stray := command.NewEnvelope(command.TagCallClose, command.EmptyPayload{})
	if _, err := s.sub.Mailbox().PutContext(context.Background(), stray, sys.Forever); !errors.Is(err, sys.ErrClosed) {
		t.Errorf("put after stop = %v, want sys.ErrClosed", err)
	}
	if n := s.sub.Mailbox().Len(); n != 0 {
		t.Errorf("mailbox holds %d envelopes after stop", n)
	}
}

func TestStartTwice(t *testing.T) {
	s := newTestStack(t, 4, Options{})
	if err := s.worker.Start(context.Background()); !errors.Is(err, ErrRunning) {
		t.Fatalf("err = %v, want ErrRunning", err)
	}
}

func TestWorkerWritesAuditEntries(t *testing.T) {
	cfg := config.Default().Audit
	cfg.Dir = t.TempDir()
	logger, err := audit.NewLogger(cfg)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	t.Cleanup(func() { logger.Close() })

	s := newTestStack(t, 4, Options{Audit: logger})
	s.modem.FailNext(command.TagDetach, errors.New("+CME ERROR: 148"))

	env := command.NewEnvelope(command.TagDetach, command.EmptyPayload{})
	if err := s.sub.Submit(context.Background(), env, sys.Within(time.Second)); !errors.Is(err, command.ErrOperationFailed) {
		t.Fatalf("err = %v", err)
	}
	waitFor(t, func() bool {
		data, err := os.ReadFile(logger.FilePath())
		return err == nil && strings.Contains(string(data), `"action":"detach"`) &&
			strings.Contains(string(data), `"code":"OPERATION_FAILED"`)
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(time.Millisecond)
	}
}

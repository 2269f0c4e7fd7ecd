package network

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Robor-Electronics/lwgsm/internal/adapter"
	"github.com/Robor-Electronics/lwgsm/internal/adapter/fake"
	"github.com/Robor-Electronics/lwgsm/internal/command"
	"github.com/Robor-Electronics/lwgsm/internal/dispatch"
	"github.com/Robor-Electronics/lwgsm/internal/sys"
)

func newTestCoordinator(t *testing.T, opts Options) (*Coordinator, *fake.Modem) {
	t.Helper()
	mbox, err := sys.NewMailbox[*command.Envelope](16)
	if err != nil {
		t.Fatalf("mailbox: %v", err)
	}
	pool, err := command.NewPool(4)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	modem := fake.New()
	sub := command.NewSubmitter(mbox, pool, adapter.NewExecutor(modem, "generic"), nil)
	w := dispatch.New(sub, dispatch.Options{})
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start worker: %v", err)
	}
	t.Cleanup(func() { w.Stop() })

	c, err := NewCoordinator(sub, opts)
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	c.SetCredentials(Credentials{APN: "internet"})
	return c, modem
}

func runConcurrently(n int, fn func() error) []error {
	errs := make([]error, n)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			errs[i] = fn()
		}(i)
	}
	close(start)
	wg.Wait()
	return errs
}

func TestConcurrentAttachesShareOnePhysicalAttach(t *testing.T) {
	c, modem := newTestCoordinator(t, Options{})
	modem.SetLatency(command.TagAttach, 50*time.Millisecond)

	const n = 10
	for i, err := range runConcurrently(n, func() error { return c.RequestAttach(context.Background()) }) {
		if err != nil {
			t.Fatalf("attach %d: %v", i, err)
		}
	}

	if got := modem.Calls(command.TagAttach); got != 1 {
		t.Errorf("physical attaches = %d, want 1", got)
	}
	st := c.Status()
	if st.State != Attached || st.Count != n {
		t.Errorf("status = %+v, want attached with count %d", st, n)
	}
}

func TestLastDetachTearsDown(t *testing.T) {
	c, modem := newTestCoordinator(t, Options{})
	ctx := context.Background()

	const n = 5
	for i := 0; i < n; i++ {
		if err := c.RequestAttach(ctx); err != nil {
			t.Fatalf("attach: %v", err)
		}
	}
	for i := n; i > 1; i-- {
		if err := c.RequestDetach(ctx); err != nil {
			t.Fatalf("detach: %v", err)
		}
		if modem.Calls(command.TagDetach) != 0 {
			t.Fatalf("physical detach with %d holders left", i-1)
		}
	}
	if err := c.RequestDetach(ctx); err != nil {
		t.Fatalf("last detach: %v", err)
	}
	if got := modem.Calls(command.TagDetach); got != 1 {
		t.Errorf("physical detaches = %d, want 1", got)
	}
	if st := c.Status(); st.State != Detached || st.Count != 0 {
		t.Errorf("status = %+v", st)
	}
}

func TestInterleavedAttachDetach(t *testing.T) {
	c, modem := newTestCoordinator(t, Options{})
	modem.SetLatency(command.TagAttach, 5*time.Millisecond)
	modem.SetLatency(command.TagDetach, 5*time.Millisecond)
	ctx := context.Background()

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, 2*n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.RequestAttach(ctx); err != nil {
				errs <- err
				return
			}
			time.Sleep(time.Millisecond)
			errs <- c.RequestDetach(ctx)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	st := c.Status()
	if st.State != Detached || st.Count != 0 {
		t.Fatalf("status = %+v", st)
	}
	if st.PhysicalAttaches != st.PhysicalDetaches {
		t.Errorf("attaches %d != detaches %d", st.PhysicalAttaches, st.PhysicalDetaches)
	}
	if modem.Calls(command.TagAttach) != st.PhysicalAttaches {
		t.Errorf("device attaches %d, coordinator counted %d", modem.Calls(command.TagAttach), st.PhysicalAttaches)
	}
}

func TestDetachWithoutHoldersIsNoop(t *testing.T) {
	c, modem := newTestCoordinator(t, Options{})

	if err := c.RequestDetach(context.Background()); err != nil {
		t.Fatalf("detach: %v", err)
	}
	if modem.Calls(command.TagDetach) != 0 {
		t.Error("detach at zero reached the device")
	}
}

func TestTwoCallersAttachOnce(t *testing.T) {
	c, modem := newTestCoordinator(t, Options{})
	c.SetCredentials(Credentials{APN: "internet", User: "", Pass: ""})
	modem.SetLatency(command.TagAttach, 500*time.Millisecond)

	for i, err := range runConcurrently(2, func() error { return c.RequestAttach(context.Background()) }) {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if st := c.Status(); st.Count != 2 {
		t.Errorf("count = %d, want 2", st.Count)
	}
	if got := modem.Calls(command.TagAttach); got != 1 {
		t.Errorf("physical attaches = %d, want 1", got)
	}
	if modem.APN() != "internet" {
		t.Errorf("apn = %q", modem.APN())
	}
}

func TestFailedAttachReachesEveryWaiter(t *testing.T) {
	c, modem := newTestCoordinator(t, Options{})
	modem.SetLatency(command.TagAttach, 50*time.Millisecond)
	modem.FailNext(command.TagAttach, errors.New("+CME ERROR: no network service"))

	errs := runConcurrently(4, func() error { return c.RequestAttach(context.Background()) })
	for i, err := range errs {
		if !errors.Is(err, command.ErrOperationFailed) {
			t.Errorf("caller %d: err = %v, want ErrOperationFailed", i, err)
		}
	}
	if st := c.Status(); st.State != Detached || st.Count != 0 {
		t.Fatalf("status = %+v", st)
	}

	if err := c.RequestAttach(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got := modem.Calls(command.TagAttach); got != 2 {
		t.Errorf("physical attaches = %d, want 2", got)
	}
}

func TestFailedLastDetachKeepsHold(t *testing.T) {
	c, modem := newTestCoordinator(t, Options{})
	ctx := context.Background()

	if err := c.RequestAttach(ctx); err != nil {
		t.Fatalf("attach: %v", err)
	}
	modem.FailNext(command.TagDetach, errors.New("ERROR"))
	if err := c.RequestDetach(ctx); err == nil {
		t.Fatal("detach should fail")
	}
	if st := c.Status(); st.State != Attached || st.Count != 1 {
		t.Fatalf("status = %+v, want attached with one holder", st)
	}

	if err := c.RequestDetach(ctx); err != nil {
		t.Fatalf("second detach: %v", err)
	}
	if st := c.Status(); st.State != Detached || st.PhysicalDetaches != 1 {
		t.Errorf("status = %+v", st)
	}
}

func TestDetachDuringAttachWaits(t *testing.T) {
	c, modem := newTestCoordinator(t, Options{})
	modem.SetLatency(command.TagAttach, 100*time.Millisecond)
	ctx := context.Background()

	attached := make(chan error, 1)
	go func() { attached <- c.RequestAttach(ctx) }()
	waitForState(t, c, Attaching)

	if err := c.RequestDetach(ctx); err != nil {
		t.Fatalf("detach: %v", err)
	}
	if err := <-attached; err != nil {
		t.Fatalf("attach: %v", err)
	}
	st := c.Status()
	if st.State != Detached || st.Count != 0 {
		t.Errorf("status = %+v", st)
	}
	if modem.Calls(command.TagDetach) != 1 {
		t.Errorf("physical detaches = %d, want 1", modem.Calls(command.TagDetach))
	}
}

func TestWaiterHonoursContext(t *testing.T) {
	c, modem := newTestCoordinator(t, Options{})
	modem.SetLatency(command.TagAttach, 300*time.Millisecond)

	first := make(chan error, 1)
	go func() { first <- c.RequestAttach(context.Background()) }()
	waitForState(t, c, Attaching)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.RequestAttach(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if err := <-first; err != nil {
		t.Fatalf("first attach: %v", err)
	}
	if st := c.Status(); st.Count != 1 {
		t.Errorf("count = %d, want 1", st.Count)
	}
}

func TestUntrackedAttachIsAdopted(t *testing.T) {
	c, modem := newTestCoordinator(t, Options{DisableAutoAttach: true})
	ctx := context.Background()

	if err := c.UntrackedAttach(ctx); err != nil {
		t.Fatalf("untracked attach: %v", err)
	}
	if modem.AutoAttach() {
		t.Error("auto attach still enabled")
	}
	if st := c.Status(); st.Count != 0 || st.State != Detached {
		t.Fatalf("untracked attach changed the count: %+v", st)
	}

	if err := c.RequestAttach(ctx); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if got := modem.Calls(command.TagAttach); got != 1 {
		t.Errorf("physical attaches = %d, want 1", got)
	}
	if st := c.Status(); st.State != Attached || st.Count != 1 {
		t.Errorf("status = %+v", st)
	}
}

func TestAttachAdoptsBearerAlreadyUp(t *testing.T) {
	c, modem := newTestCoordinator(t, Options{})
	ctx := context.Background()
	modem.SetAttached(true)

	errs := runConcurrently(3, func() error { return c.RequestAttach(ctx) })
	for i, err := range errs {
		if err != nil {
			t.Fatalf("attach %d: %v", i, err)
		}
	}
	if got := modem.Calls(command.TagAttach); got != 0 {
		t.Errorf("physical attaches with bearer already up = %d, want 0", got)
	}
	if got := modem.Calls(command.TagNetworkAttached); got != 1 {
		t.Errorf("attach state queries = %d, want 1", got)
	}
	st := c.Status()
	if st.State != Attached || st.Count != 3 || st.PhysicalAttaches != 0 {
		t.Fatalf("status = %+v", st)
	}

	for i := 0; i < 3; i++ {
		if err := c.RequestDetach(ctx); err != nil {
			t.Fatalf("detach %d: %v", i, err)
		}
	}
	if got := modem.Calls(command.TagDetach); got != 1 {
		t.Errorf("physical detaches = %d, want 1", got)
	}
	if up, _ := modem.NetworkAttached(ctx); up {
		t.Error("bearer still up after the last detach")
	}
}

func TestAttachStillRunsWhenStateQueryFails(t *testing.T) {
	c, modem := newTestCoordinator(t, Options{})
	modem.FailNext(command.TagNetworkAttached, errors.New("+CME ERROR: SIM busy"))
	if err := c.RequestAttach(context.Background()); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if got := modem.Calls(command.TagAttach); got != 1 {
		t.Errorf("physical attaches = %d, want 1", got)
	}
}

func TestResetOperator(t *testing.T) {
	c, modem := newTestCoordinator(t, Options{})
	c.SetCredentials(Credentials{APN: "iot.example"})

	if err := c.ResetOperator(context.Background()); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if got := modem.Calls(command.TagOperatorSet); got != 2 {
		t.Errorf("operator sets = %d, want 2", got)
	}
	if modem.APN() != "iot.example" {
		t.Errorf("apn = %q", modem.APN())
	}
	if modem.OperatorMode() != command.OperatorAuto {
		t.Errorf("mode = %v, want auto", modem.OperatorMode())
	}
}

func TestResetOperatorStopsAtFirstFailure(t *testing.T) {
	c, modem := newTestCoordinator(t, Options{})
	modem.FailNext(command.TagOperatorSet, errors.New("+CME ERROR: operation not allowed"))

	if err := c.ResetOperator(context.Background()); err == nil {
		t.Fatal("reset should fail")
	}
	if modem.Calls(command.TagSetContext) != 0 {
		t.Error("reset continued after a failed deregister")
	}
}

func TestResetOperatorNeedsAPN(t *testing.T) {
	c, modem := newTestCoordinator(t, Options{})
	c.SetCredentials(Credentials{})

	if err := c.ResetOperator(context.Background()); !errors.Is(err, command.ErrParameter) {
		t.Fatalf("err = %v, want ErrParameter", err)
	}
	if modem.Calls(command.TagSetContext) != 0 {
		t.Error("empty APN reached the device")
	}
}

func TestStateText(t *testing.T) {
	for state, want := range map[State]string{
		Detached:  "detached",
		Attaching: "attaching",
		Attached:  "attached",
		Detaching: "detaching",
		State(9):  "State(9)",
	} {
		if got := state.String(); got != want {
			t.Errorf("%d: %q, want %q", int(state), got, want)
		}
	}
}

func waitForState(t *testing.T, c *Coordinator, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.Status().State != want {
		if time.Now().After(deadline) {
			t.Fatalf("state never became %s", want)
		}
		time.Sleep(time.Millisecond)
	}
}

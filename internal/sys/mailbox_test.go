package sys

import (
	"errors"
	"testing"
	"time"
)

func TestMailboxFIFO(t *testing.T) {
	mb, err := NewMailbox[int](4)
	if err != nil {
		t.Fatalf("NewMailbox: %v", err)
	}

	for i := 1; i <= 4; i++ {
		if !mb.PutNow(i) {
			t.Fatalf("PutNow(%d) failed", i)
		}
	}
	for want := 1; want <= 4; want++ {
		got, _, err := mb.Get(Within(10 * time.Millisecond))
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got != want {
			t.Errorf("got %d, want %d", got, want)
		}
	}
}

func TestMailboxPutNowOnFullFailsImmediately(t *testing.T) {
	mb, _ := NewMailbox[string](1)
	mb.PutNow("first")

	start := time.Now()
	if mb.PutNow("second") {
		t.Fatal("PutNow on a full mailbox must fail")
	}
	if time.Since(start) > 10*time.Millisecond {
		t.Errorf("PutNow blocked for %v", time.Since(start))
	}
}

func TestMailboxPutBlocksUntilSpace(t *testing.T) {
	mb, _ := NewMailbox[string](1)
	mb.PutNow("first")

	go func() {
		time.Sleep(60 * time.Millisecond)
		mb.GetNow()
	}()

	elapsed, err := mb.Put("second", Forever)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if elapsed < 50*time.Millisecond {
		t.Errorf("Put returned after %v, expected to block until space freed", elapsed)
	}
	if got, ok := mb.GetNow(); !ok || got != "second" {
		t.Errorf("GetNow = %q, %v", got, ok)
	}
}

func TestMailboxPutTimesOut(t *testing.T) {
	mb, _ := NewMailbox[int](1)
	mb.PutNow(1)

	_, err := mb.Put(2, Within(30*time.Millisecond))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if mb.Len() != 1 {
		t.Errorf("len = %d, want 1", mb.Len())
	}
}

func TestMailboxGetTimesOut(t *testing.T) {
	mb, _ := NewMailbox[int](2)

	_, _, err := mb.Get(Within(20 * time.Millisecond))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if _, ok := mb.GetNow(); ok {
		t.Error("GetNow on an empty mailbox must fail")
	}
}

func TestMailboxDeleteWakesConsumer(t *testing.T) {
	mb, _ := NewMailbox[int](1)

	errCh := make(chan error, 1)
	go func() {
		_, _, err := mb.Get(Forever)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	if !mb.Delete() {
		t.Fatal("Delete should succeed once")
	}
	if mb.Delete() {
		t.Error("second Delete should report false")
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("consumer was not woken by Delete")
	}
	if mb.PutNow(1) {
		t.Error("PutNow after Delete must fail")
	}
}

func TestMailboxDeleteWaitsForBlockedProducers(t *testing.T) {
	mb, _ := NewMailbox[int](1)
	if !mb.PutNow(1) {
		t.Fatal("first PutNow failed")
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := mb.Put(2, Forever)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	deleted := make(chan struct{})
	go func() {
		mb.Delete()
		close(deleted)
	}()
	select {
	case <-deleted:
	case <-time.After(time.Second):
		t.Fatal("Delete did not return with a blocked producer")
	}

	// Delete returns only after the blocked producer has given up.
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("blocked Put = %v, want ErrClosed", err)
		}
	default:
		t.Fatal("producer still inside Put after Delete returned")
	}
	if _, err := mb.Put(3, Forever); !errors.Is(err, ErrClosed) {
		t.Errorf("Put after Delete = %v, want ErrClosed", err)
	}
	if v, ok := mb.GetNow(); !ok || v != 1 {
		t.Errorf("GetNow = %d, %v; want the queued 1", v, ok)
	}
	if mb.Len() != 0 {
		t.Errorf("Len = %d after drain", mb.Len())
	}
}

func TestNewMailboxRejectsZeroSize(t *testing.T) {
	if _, err := NewMailbox[int](0); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid, got %v", err)
	}
}

package signaling

import (
	"testing"
	"time"
)

func TestOutbox_FIFOAndByteBound(t *testing.T) {
	o := NewOutbox(10)

	if !o.Send([]byte("aaaa")) || !o.Send([]byte("bbbb")) {
		t.Fatalf("expected first two frames to fit")
	}
	if o.Send([]byte("ccc")) {
		t.Fatalf("expected frame exceeding the byte budget to be dropped")
	}
	if got := o.DropCount(); got != 1 {
		t.Fatalf("DropCount=%d, want 1", got)
	}

	for _, want := range []string{"aaaa", "bbbb"} {
		frame, ok := o.Next()
		if !ok || string(frame) != want {
			t.Fatalf("Next=%q,%v want %q,true", frame, ok, want)
		}
	}

	// Draining frees budget again.
	if !o.Send([]byte("cccccccccc")) {
		t.Fatalf("expected frame to fit after drain")
	}
	if got := o.Len(); got != 1 {
		t.Fatalf("Len=%d, want 1", got)
	}
}

func TestOutbox_NextBlocksUntilSend(t *testing.T) {
	o := NewOutbox(0)

	got := make(chan string, 1)
	go func() {
		frame, _ := o.Next()
		got <- string(frame)
	}()

	select {
	case f := <-got:
		t.Fatalf("Next returned %q before any Send", f)
	case <-time.After(50 * time.Millisecond):
	}

	o.Send([]byte("hello"))
	select {
	case f := <-got:
		if f != "hello" {
			t.Fatalf("frame=%q, want %q", f, "hello")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for Next")
	}
}

func TestOutbox_CloseUnblocksAndRejects(t *testing.T) {
	o := NewOutbox(0)
	o.Send([]byte("queued"))

	done := make(chan bool, 1)
	go func() {
		// The first Next may or may not observe the queued frame depending on
		// scheduling; only the terminal result matters.
		for {
			if _, ok := o.Next(); !ok {
				done <- true
				return
			}
		}
	}()

	o.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Close did not unblock Next")
	}

	if o.Send([]byte("late")) {
		t.Fatalf("Send after Close must fail")
	}
	if o.Len() != 0 {
		t.Fatalf("Len=%d after Close, want 0", o.Len())
	}
}

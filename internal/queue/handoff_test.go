package queue

import (
	"testing"
	"time"

	"tradefeed/internal/model"
)

func TestPushPopFIFO(t *testing.T) {
	h := New()
	h.Push(model.Trade{Symbol: "a"})
	h.Push(model.Trade{Symbol: "b"})

	tr, ok := h.Pop()
	if !ok || tr.Symbol != "a" {
		t.Fatalf("expected a, got %+v ok=%v", tr, ok)
	}
	tr, ok = h.Pop()
	if !ok || tr.Symbol != "b" {
		t.Fatalf("expected b, got %+v ok=%v", tr, ok)
	}
}

func TestStopDrainsThenReturnsFalse(t *testing.T) {
	h := New()
	h.Push(model.Trade{Symbol: "a"})
	h.Stop()

	tr, ok := h.Pop()
	if !ok || tr.Symbol != "a" {
		t.Fatalf("expected remaining item to drain, got %+v ok=%v", tr, ok)
	}
	if _, ok := h.Pop(); ok {
		t.Fatal("expected ok=false after drain")
	}
	if _, ok := h.Pop(); ok {
		t.Fatal("expected ok=false to stick")
	}
}

func TestPushAfterStopIsNoop(t *testing.T) {
	h := New()
	h.Stop()
	h.Push(model.Trade{Symbol: "a"})
	if _, ok := h.Pop(); ok {
		t.Fatal("expected push after stop to be dropped")
	}
}

func TestBlockedPopObservesStop(t *testing.T) {
	h := New()
	done := make(chan bool, 1)
	go func() {
		_, ok := h.Pop()
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	h.Stop()

	select {
	case ok := <-done:
		if ok {
			t.Fatal("expected ok=false")
		}
	case <-time.After(time.Second):
		t.Fatal("blocked Pop did not observe Stop")
	}
}

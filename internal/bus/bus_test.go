package bus

import (
	"sync"
	"testing"

	"github.com/vovakirdan/propchat/internal/proto"
)

func TestEmitCallsHandlersInRegistrationOrder(t *testing.T) {
	b := New(nil)

	var order []int
	for i := 1; i <= 3; i++ {
		i := i
		b.On(proto.EventError, func(proto.Event) { order = append(order, i) })
	}

	b.Emit(proto.Error{Message: "boom"})

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("unexpected call order: %v", order)
	}
}

func TestPanickingHandlerDoesNotStopFanOut(t *testing.T) {
	b := New(nil)

	called := 0
	b.On(proto.EventError, func(proto.Event) { called++ })
	b.On(proto.EventError, func(proto.Event) { panic("listener exploded") })
	b.On(proto.EventError, func(proto.Event) { called++ })

	b.Emit(proto.Error{Message: "x"})

	if called != 2 {
		t.Fatalf("expected 2 surviving handlers to run, got %d", called)
	}
}

func TestOffDuringEmitDoesNotSkipOrDoubleInvoke(t *testing.T) {
	b := New(nil)

	var calls []string
	var second *Subscription
	b.On(proto.EventError, func(proto.Event) {
		calls = append(calls, "first")
		// Removing the handler that is running must not shift the others.
		b.Off(second)
	})
	second = b.On(proto.EventError, func(proto.Event) { calls = append(calls, "second") })
	b.On(proto.EventError, func(proto.Event) { calls = append(calls, "third") })

	b.Emit(proto.Error{})

	if len(calls) != 2 || calls[0] != "first" || calls[1] != "third" {
		t.Fatalf("unexpected calls after off during emit: %v", calls)
	}

	calls = nil
	b.Emit(proto.Error{})
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls on second emit, got %v", calls)
	}
}

func TestOffSelfDuringEmitKeepsNeighbours(t *testing.T) {
	b := New(nil)

	var calls []string
	var self *Subscription
	self = b.On(proto.EventError, func(proto.Event) {
		calls = append(calls, "self")
		b.Off(self)
	})
	b.On(proto.EventError, func(proto.Event) { calls = append(calls, "next") })

	b.Emit(proto.Error{})
	b.Emit(proto.Error{})

	want := []string{"self", "next", "next"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", calls, want)
		}
	}
}

func TestOffIsIdempotent(t *testing.T) {
	b := New(nil)
	sub := b.On(proto.EventError, func(proto.Event) {})

	b.Off(sub)
	b.Off(sub)
	b.Off(nil)

	if n := b.Count(proto.EventError); n != 0 {
		t.Fatalf("expected no handlers, got %d", n)
	}
}

func TestTypedOnFiltersByPayload(t *testing.T) {
	b := New(nil)

	var got proto.UserTyping
	On(b, func(ev proto.UserTyping) { got = ev })

	b.Emit(proto.UserTyping{UserID: "u1", ThreadID: "T1", IsTyping: true})

	if got.UserID != "u1" || got.ThreadID != "T1" || !got.IsTyping {
		t.Fatalf("unexpected typed payload: %+v", got)
	}
}

func TestConcurrentOnOffEmit(t *testing.T) {
	b := New(nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			sub := b.On(proto.EventError, func(proto.Event) {})
			b.Off(sub)
		}()
		go func() {
			defer wg.Done()
			b.Emit(proto.Error{})
		}()
	}
	wg.Wait()

	if n := b.Count(proto.EventError); n != 0 {
		t.Fatalf("expected all handlers removed, got %d", n)
	}
}

func TestGroupCloseReleasesSubscriptions(t *testing.T) {
	b := New(nil)
	g := NewGroup(b)
	g.Add(
		b.On(proto.EventError, func(proto.Event) {}),
		b.On(proto.EventUserTyping, func(proto.Event) {}),
	)

	g.Close()

	if b.Count(proto.EventError) != 0 || b.Count(proto.EventUserTyping) != 0 {
		t.Fatalf("group close left subscriptions behind")
	}
}

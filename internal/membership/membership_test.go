package membership

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/vovakirdan/propchat/internal/conn"
	"github.com/vovakirdan/propchat/internal/proto"
)

type stubConn struct {
	mu      sync.Mutex
	state   conn.State
	sent    []proto.Event
	sendErr error
}

func (s *stubConn) State() conn.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *stubConn) Send(_ context.Context, ev proto.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, ev)
	return nil
}

func (s *stubConn) count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.sent {
		if ev.EventName() == name {
			n++
		}
	}
	return n
}

func TestJoinIsIdempotent(t *testing.T) {
	c := &stubConn{state: conn.StateConnected}
	r := New(c, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := r.Join(ctx, "T1"); err != nil {
			t.Fatalf("join %d: %v", i, err)
		}
	}

	if n := c.count(proto.EventJoinThread); n != 1 {
		t.Fatalf("expected one join frame, got %d", n)
	}
	if !r.IsJoined("T1") {
		t.Fatalf("T1 should be joined")
	}
}

func TestJoinRequiresConnection(t *testing.T) {
	c := &stubConn{state: conn.StateReconnecting}
	r := New(c, nil)

	if err := r.Join(context.Background(), "T1"); !errors.Is(err, conn.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if r.IsJoined("T1") {
		t.Fatalf("failed join must not be recorded")
	}
}

func TestJoinLeaveLeave(t *testing.T) {
	c := &stubConn{state: conn.StateConnected}
	r := New(c, nil)
	ctx := context.Background()

	if err := r.Join(ctx, "T1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	r.Leave(ctx, "T1")
	r.Leave(ctx, "T1")

	if r.IsJoined("T1") {
		t.Fatalf("T1 should not be joined")
	}
	if n := c.count(proto.EventLeaveThread); n != 1 {
		t.Fatalf("expected one leave frame, got %d", n)
	}
}

func TestLeaveWhileDisconnectedIsSafe(t *testing.T) {
	c := &stubConn{state: conn.StateConnected}
	r := New(c, nil)
	ctx := context.Background()

	if err := r.Join(ctx, "T1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	c.mu.Lock()
	c.state = conn.StateDisconnected
	c.mu.Unlock()

	r.Leave(ctx, "T1")
	r.Leave(ctx, "never-joined")

	if len(r.Joined()) != 0 {
		t.Fatalf("expected empty membership, got %v", r.Joined())
	}
	if n := c.count(proto.EventLeaveThread); n != 0 {
		t.Fatalf("leave must not hit the wire while disconnected")
	}
}

func TestConcurrentJoinAndLeave(t *testing.T) {
	c := &stubConn{state: conn.StateConnected}
	r := New(c, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = r.Join(ctx, "T1")
		}()
		go func() {
			defer wg.Done()
			r.Leave(ctx, "T1")
		}()
	}
	wg.Wait()
	r.Leave(ctx, "T1")

	if r.IsJoined("T1") {
		t.Fatalf("final leave must win")
	}
	joins, leaves := c.count(proto.EventJoinThread), c.count(proto.EventLeaveThread)
	if joins != leaves {
		t.Fatalf("wire joins (%d) and leaves (%d) out of balance", joins, leaves)
	}
}

func TestClearAndExplicitRejoin(t *testing.T) {
	c := &stubConn{state: conn.StateConnected}
	r := New(c, nil)
	ctx := context.Background()

	_ = r.Join(ctx, "T2")
	_ = r.Join(ctx, "T1")
	r.Clear()

	if len(r.Joined()) != 0 {
		t.Fatalf("clear left threads joined: %v", r.Joined())
	}
	prev := r.Previous()
	if len(prev) != 2 || prev[0] != "T1" || prev[1] != "T2" {
		t.Fatalf("unexpected previous set: %v", prev)
	}

	if err := r.Rejoin(ctx); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if !r.IsJoined("T1") || !r.IsJoined("T2") {
		t.Fatalf("rejoin did not restore membership")
	}
	if n := c.count(proto.EventJoinThread); n != 4 {
		t.Fatalf("expected 4 join frames, got %d", n)
	}
}

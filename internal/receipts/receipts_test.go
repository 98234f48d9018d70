package receipts

import (
	"testing"
	"time"

	"github.com/vovakirdan/propchat/internal/bus"
	"github.com/vovakirdan/propchat/internal/proto"
)

func TestLastWriteWins(t *testing.T) {
	b := bus.New(nil)
	c := New(b)
	defer c.Close()

	b.Emit(proto.MessageRead{ReadBy: proto.User{ID: "u1", Name: "Ann"}, ReadAt: time.Unix(100, 0), ThreadID: "T1", ThreadMessageID: "m1"})
	b.Emit(proto.MessageRead{ReadBy: proto.User{ID: "u2", Name: "Bob"}, ReadAt: time.Unix(200, 0), ThreadMessageID: "m1"})

	r, ok := c.Lookup("m1")
	if !ok {
		t.Fatalf("receipt missing")
	}
	if r.ReadByID != "u2" || !r.ReadAt.Equal(time.Unix(200, 0)) {
		t.Fatalf("expected latest receipt, got %+v", r)
	}
	if r.ThreadID != "T1" {
		t.Fatalf("thread id should be kept when the update omits it, got %q", r.ThreadID)
	}
}

func TestMessageIDFallback(t *testing.T) {
	b := bus.New(nil)
	c := New(b)

	b.Emit(proto.MessageRead{ReadBy: proto.User{ID: "u1"}, ReadAt: time.Unix(1, 0), MessageID: "srv-9"})
	b.Emit(proto.MessageRead{ReadBy: proto.User{ID: "u1"}, ReadAt: time.Unix(1, 0)})

	if !c.IsRead("srv-9") {
		t.Fatalf("receipt keyed by messageId not recorded")
	}
	if c.IsRead("") {
		t.Fatalf("receipt without a key must be ignored")
	}
}

func TestForThreadOrdering(t *testing.T) {
	c := New(bus.New(nil))

	c.Record("m2", "T1", proto.User{ID: "u1"}, time.Unix(300, 0))
	c.Record("m1", "T1", proto.User{ID: "u1"}, time.Unix(100, 0))
	c.Record("x1", "T2", proto.User{ID: "u1"}, time.Unix(50, 0))

	got := c.ForThread("T1")
	if len(got) != 2 || got[0].Key != "m1" || got[1].Key != "m2" {
		t.Fatalf("unexpected receipts: %+v", got)
	}
}

package sqlite

import (
	"context"
	"errors"
	"testing"

	"github.com/vovakirdan/propchat/internal/store"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	s, err := NewWithSetup(":memory:", Migrate)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOutboxFIFO(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	bodies := []string{"first", "second", "third"}
	for i, b := range bodies {
		msg := &store.OutboxMessage{ClientID: "c" + b, ThreadID: "T1", Body: b, MessageType: "text"}
		if err := s.Enqueue(ctx, msg); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		if msg.ID == 0 {
			t.Fatalf("enqueue %d did not assign an id", i)
		}
	}

	got, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != len(bodies) {
		t.Fatalf("expected %d messages, got %d", len(bodies), len(got))
	}
	for i, m := range got {
		if m.Body != bodies[i] {
			t.Fatalf("position %d: got %q, want %q", i, m.Body, bodies[i])
		}
		if m.CreatedAt.IsZero() {
			t.Fatalf("position %d: created_at not stored", i)
		}
	}

	if err := s.Delete(ctx, got[0].ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n, _ := s.Len(ctx); n != 2 {
		t.Fatalf("expected 2 queued, got %d", n)
	}
	if err := s.Delete(ctx, got[0].ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestDuplicateClientIDRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Enqueue(ctx, &store.OutboxMessage{ClientID: "c1", ThreadID: "T1", Body: "a", MessageType: "text"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := s.Enqueue(ctx, &store.OutboxMessage{ClientID: "c1", ThreadID: "T1", Body: "b", MessageType: "text"}); err == nil {
		t.Fatalf("expected unique constraint error")
	}
}

package relay

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/propchat/internal/proto"
)

func nopLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

func startHub(t *testing.T, dir Directory) *Hub {
	t.Helper()

	hub := NewHub(dir, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)
	return hub
}

func connect(t *testing.T, hub *Hub, userID, name string) *Client {
	t.Helper()

	c := NewClient(userID, name)
	if err := hub.Register(context.Background(), c); err != nil {
		t.Fatalf("register %s: %v", userID, err)
	}
	return c
}

func submit(t *testing.T, hub *Hub, c *Client, ev proto.Event) {
	t.Helper()

	if err := hub.Submit(context.Background(), c, ev); err != nil {
		t.Fatalf("submit %s: %v", ev.EventName(), err)
	}
}

// mustEvent waits for the first event of type T, skipping others.
func mustEvent[T proto.Event](t *testing.T, ch <-chan proto.Event) T {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case ev := <-ch:
			if typed, ok := ev.(T); ok {
				return typed
			}
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	var zero T
	t.Fatalf("expected %s not received", zero.EventName())
	return zero
}

// noEvent fails if an event of type T shows up within a short window.
func noEvent[T proto.Event](t *testing.T, ch <-chan proto.Event) {
	t.Helper()

	deadline := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(deadline) {
		select {
		case ev := <-ch:
			if _, ok := ev.(T); ok {
				t.Fatalf("unexpected %s: %+v", ev.EventName(), ev)
			}
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

package persistence_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vovakirdan/propchat/internal/persistence"
	"github.com/vovakirdan/propchat/internal/persistence/memserver"
)

var users = map[string]memserver.Identity{
	"tok-ann": {ID: "u1", Name: "Ann"},
	"tok-bob": {ID: "u2", Name: "Bob"},
}

func testAuth(token string) (memserver.Identity, error) {
	id, ok := users[token]
	if !ok {
		return memserver.Identity{}, errors.New("unknown token")
	}
	return id, nil
}

func staticToken(tok string) persistence.TokenFunc {
	return func(context.Context) (string, error) { return tok, nil }
}

func newTestService(t *testing.T) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(memserver.NewEngine(memserver.NewStore(), testAuth, nil))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(srv *httptest.Server, tok string) *persistence.Client {
	return persistence.New(srv.URL, staticToken(tok), persistence.Options{Delay: time.Millisecond})
}

func TestThreadLifecycle(t *testing.T) {
	srv := newTestService(t)
	ann := newTestClient(srv, "tok-ann")
	bob := newTestClient(srv, "tok-bob")
	ctx := context.Background()

	th, err := ann.CreateThread(ctx, persistence.NewThread{RecipientID: "u2", PropertyID: "p-7", Body: "Is the flat still available?"})
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}

	n, err := bob.UnreadCount(ctx)
	if err != nil || n != 1 {
		t.Fatalf("bob unread = %d, %v; want 1", n, err)
	}

	reply, err := bob.ReplyToThread(ctx, th.ID, persistence.Reply{Body: "Yes", ClientID: "c-1"})
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if reply.ThreadID != th.ID || reply.SenderID != "u2" || reply.ClientID != "c-1" {
		t.Fatalf("unexpected reply: %+v", reply)
	}

	unread, err := ann.ListMessages(ctx, persistence.ListOptions{ThreadID: th.ID, Unread: true})
	if err != nil || len(unread) != 1 || unread[0].ID != reply.ID {
		t.Fatalf("ann unread = %+v, %v", unread, err)
	}
	if err := ann.MarkRead(ctx, reply.ID); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if n, _ := ann.UnreadCount(ctx); n != 0 {
		t.Fatalf("ann unread after mark = %d", n)
	}

	full, err := ann.GetThread(ctx, th.ID)
	if err != nil || len(full.Messages) != 2 {
		t.Fatalf("get thread = %+v, %v", full, err)
	}

	if err := ann.CloseThread(ctx, th.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	var se *persistence.StatusError
	if _, err := bob.ReplyToThread(ctx, th.ID, persistence.Reply{Body: "late"}); !errors.As(err, &se) || se.Code != http.StatusConflict {
		t.Fatalf("expected 409 on closed thread, got %v", err)
	}
}

func TestSentinelErrors(t *testing.T) {
	srv := newTestService(t)
	ctx := context.Background()

	_, err := newTestClient(srv, "nope").UnreadCount(ctx)
	if !errors.Is(err, persistence.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	_, err = newTestClient(srv, "tok-ann").GetThread(ctx, "missing")
	if !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRetriesServerErrorsOnly(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"count":4}`))
	}))
	defer srv.Close()

	n, err := newTestClient(srv, "tok").UnreadCount(context.Background())
	if err != nil || n != 4 {
		t.Fatalf("unread = %d, %v", n, err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 calls, got %d", got)
	}

	calls.Store(0)
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer bad.Close()

	if _, err := newTestClient(bad, "tok").UnreadCount(context.Background()); err == nil {
		t.Fatalf("expected error on 400")
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("4xx must not be retried, saw %d calls", got)
	}
}

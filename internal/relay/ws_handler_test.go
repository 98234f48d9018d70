package relay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/vovakirdan/propchat/internal/auth"
	"github.com/vovakirdan/propchat/internal/config"
	"github.com/vovakirdan/propchat/internal/persistence/memserver"
	"github.com/vovakirdan/propchat/internal/proto"
)

var testJWT = &auth.JWTConfig{
	Secret:   []byte("relay-test-secret"),
	Issuer:   "test",
	Audience: "test",
	TTL:      time.Hour,
}

func startTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	st := memserver.NewStore()
	hub := startHub(t, st)
	api := memserver.NewHandlers(st, Authenticator(testJWT), nil)
	router := NewRouter(hub, api, testJWT, config.Default().Relay, nopLogger())

	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)
	return ts
}

func token(t *testing.T, userID, name string) string {
	t.Helper()

	tok, err := auth.GenerateToken(testJWT, userID, name)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return tok
}

func dial(t *testing.T, ctx context.Context, ts *httptest.Server, userID, name string) *websocket.Conn {
	t.Helper()

	wsURL := strings.Replace(ts.URL, "http", "ws", 1) + "/ws"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token(t, userID, name))
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		t.Fatalf("dial %s: %v", userID, err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "done") })
	return conn
}

func writeEvent(t *testing.T, ctx context.Context, conn *websocket.Conn, ev proto.Event) {
	t.Helper()

	frame, err := proto.Encode(ev)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := wsjson.Write(ctx, conn, frame); err != nil {
		t.Fatalf("write %s: %v", ev.EventName(), err)
	}
}

// barrier returns once the hub has processed everything conn sent before it.
func barrier(t *testing.T, ctx context.Context, conn *websocket.Conn) {
	t.Helper()

	writeEvent(t, ctx, conn, proto.SendMessage{ThreadID: "barrier", Message: "-"})
	readUntil(t, ctx, conn, proto.EventError)
}

// readUntil reads frames until one named event arrives.
func readUntil(t *testing.T, ctx context.Context, conn *websocket.Conn, event string) proto.Event {
	t.Helper()

	for {
		var frame proto.Frame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			t.Fatalf("read waiting for %s: %v", event, err)
		}
		if frame.Event != event {
			continue
		}
		ev, err := proto.Decode(frame)
		if err != nil {
			t.Fatalf("decode %s: %v", event, err)
		}
		return ev
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts := startTestServer(t)

	resp, err := ts.Client().Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
}

func TestWebSocketRejectsMissingToken(t *testing.T) {
	ts := startTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := strings.Replace(ts.URL, "http", "ws", 1) + "/ws"
	_, resp, err := websocket.Dial(ctx, wsURL, nil)
	if err == nil {
		t.Fatalf("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}

	_, resp, err = websocket.Dial(ctx, wsURL+"?token=garbage", nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %v %+v", err, resp)
	}
}

func TestWebSocketMessageExchange(t *testing.T) {
	ts := startTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alice := dial(t, ctx, ts, "u-alice", "Alice")
	bob := dial(t, ctx, ts, "u-bob", "Bob")

	writeEvent(t, ctx, bob, proto.JoinThread{ThreadID: "t1"})
	barrier(t, ctx, bob)
	writeEvent(t, ctx, alice, proto.JoinThread{ThreadID: "t1"})
	writeEvent(t, ctx, alice, proto.SendMessage{ThreadID: "t1", Message: "hi there", MessageType: "text", ClientID: "c-1"})

	ack := readUntil(t, ctx, alice, proto.EventMessageSent).(proto.MessageSent)
	if ack.ClientID != "c-1" || ack.MessageID == "" {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	msg := readUntil(t, ctx, bob, proto.EventNewMessage).(proto.NewMessage)
	if msg.Sender.ID != "u-alice" || msg.Sender.Name != "Alice" || msg.Message != "hi there" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestWebSocketBadFrames(t *testing.T) {
	ts := startTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, ts, "u-alice", "Alice")

	if err := conn.Write(ctx, websocket.MessageText, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	ev := readUntil(t, ctx, conn, proto.EventError).(proto.Error)
	if ev.Code != ErrCodeBadRequest {
		t.Fatalf("unexpected error: %+v", ev)
	}

	if err := wsjson.Write(ctx, conn, proto.Frame{Event: "launch_rockets"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	ev = readUntil(t, ctx, conn, proto.EventError).(proto.Error)
	if !strings.Contains(ev.Message, "launch_rockets") {
		t.Fatalf("error should name the event: %+v", ev)
	}

	// The connection survives bad frames.
	writeEvent(t, ctx, conn, proto.SendMessage{ThreadID: "nowhere", Message: "x"})
	if ev := readUntil(t, ctx, conn, proto.EventError).(proto.Error); ev.Code != ErrCodeNotInRoom {
		t.Fatalf("unexpected error: %+v", ev)
	}
}

func TestAPIRequiresToken(t *testing.T) {
	ts := startTestServer(t)

	resp, err := ts.Client().Get(ts.URL + "/api/messages/unread-count")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/messages/unread-count", nil)
	req.Header.Set("Authorization", "Bearer "+token(t, "u-alice", "Alice"))
	resp, err = ts.Client().Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

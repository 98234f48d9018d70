package proto

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestEncodeUsesWireNames(t *testing.T) {
	f, err := Encode(UserTyping{UserID: "u1", UserName: "Ann", ThreadID: "t1", IsTyping: true})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if f.Event != EventUserTyping {
		t.Fatalf("unexpected event name %q", f.Event)
	}
	// The thread id travels as messageId on this event.
	if !strings.Contains(string(f.Data), `"messageId":"t1"`) {
		t.Fatalf("thread id not under messageId: %s", f.Data)
	}

	raw, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	if !strings.HasPrefix(string(raw), `{"event":"user_typing","data":{`) {
		t.Fatalf("unexpected frame layout: %s", raw)
	}
}

func TestDecodeTypedEvent(t *testing.T) {
	var f Frame
	input := `{"event":"message_read","data":{"readBy":{"id":"u2","name":"Bo"},"readAt":"2024-05-01T10:00:00Z","threadId":"t1","messageId":"m9"}}`
	if err := json.Unmarshal([]byte(input), &f); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}

	ev, err := Decode(f)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	read, ok := ev.(MessageRead)
	if !ok {
		t.Fatalf("decoded %T, want MessageRead", ev)
	}
	if read.Key() != "m9" || read.ReadBy.Name != "Bo" || read.ReadAt.IsZero() {
		t.Fatalf("unexpected receipt: %+v", read)
	}

	read.ThreadMessageID = "tm1"
	if read.Key() != "tm1" {
		t.Fatalf("threadMessageId should take precedence, got %q", read.Key())
	}
}

func TestDecodeErrors(t *testing.T) {
	if _, err := Decode(Frame{Event: "nope"}); !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
	if _, err := Decode(Frame{Event: EventNewMessage, Data: json.RawMessage(`{"message":5}`)}); err == nil {
		t.Fatalf("expected type mismatch error")
	}
	ev, err := Decode(Frame{Event: EventJoinThread})
	if err != nil {
		t.Fatalf("empty payload should decode: %v", err)
	}
	if _, ok := ev.(JoinThread); !ok {
		t.Fatalf("decoded %T, want JoinThread", ev)
	}
}

func TestEncodeNil(t *testing.T) {
	if _, err := Encode(nil); err == nil {
		t.Fatalf("expected error for nil event")
	}
}

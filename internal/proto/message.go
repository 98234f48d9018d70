package proto

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownEvent is returned by Decode for event names outside the vocabulary.
var ErrUnknownEvent = errors.New("unknown event")

// Frame is the envelope carried over the websocket in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Event is implemented by every payload type. The returned name is the
// wire (or local bus) name of the event and must not depend on field values.
type Event interface {
	EventName() string
}

// Encode wraps an event into a frame.
func Encode(ev Event) (Frame, error) {
	if ev == nil {
		return Frame{}, errors.New("encode: nil event")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s: %w", ev.EventName(), err)
	}
	return Frame{Event: ev.EventName(), Data: data}, nil
}

// Decode turns a frame into its typed event.
func Decode(f Frame) (Event, error) {
	factory, ok := registry[f.Event]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, f.Event)
	}
	ev, err := factory(f.Data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.Event, err)
	}
	return ev, nil
}

func decodeAs[T Event](data json.RawMessage) (Event, error) {
	var v T
	if len(data) == 0 || string(data) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

var registry = map[string]func(json.RawMessage) (Event, error){
	// client -> server
	EventJoinThread:   decodeAs[JoinThread],
	EventLeaveThread:  decodeAs[LeaveThread],
	EventSendMessage:  decodeAs[SendMessage],
	EventTypingStart:  decodeAs[TypingStart],
	EventTypingStop:   decodeAs[TypingStop],
	EventMarkRead:     decodeAs[MarkMessageRead],
	EventUpdateStatus: decodeAs[UpdateStatus],
	// server -> client
	EventNewMessage:       decodeAs[NewMessage],
	EventNotification:     decodeAs[NewMessageNotification],
	EventMessageSent:      decodeAs[MessageSent],
	EventMessageRead:      decodeAs[MessageRead],
	EventUserTyping:       decodeAs[UserTyping],
	EventUserStatusChange: decodeAs[UserStatusChange],
	EventUserStatusUpdate: decodeAs[UserStatusUpdate],
	EventError:            decodeAs[Error],
	EventConnectionStatus: decodeAs[ConnectionStatus],
}

package proto

import "time"

// Outbound vocabulary (client -> server).
const (
	EventJoinThread   = "join_message_thread"
	EventLeaveThread  = "leave_message_thread"
	EventSendMessage  = "send_message"
	EventTypingStart  = "typing_start"
	EventTypingStop   = "typing_stop"
	EventMarkRead     = "mark_message_read"
	EventUpdateStatus = "update_status"
)

// Inbound vocabulary (server -> client).
const (
	EventNewMessage       = "new_message"
	EventNotification     = "new_message_notification"
	EventMessageSent      = "message_sent"
	EventMessageRead      = "message_read"
	EventUserTyping       = "user_typing"
	EventUserStatusChange = "user_status_change"
	EventUserStatusUpdate = "user_status_update"
	EventError            = "error"
	EventConnectionStatus = "connection_status"
)

// Local events, published on the bus only.
const (
	EventReconnectFailed    = "reconnect_failed"
	EventReconnectScheduled = "reconnect_scheduled"
	EventDeliveryUpdate     = "delivery_update"
)

const (
	// MessageTypeText is the default message type.
	MessageTypeText = "text"

	// CloseAuthFailed is the websocket close code the relay uses when a
	// live session's credential is no longer accepted.
	CloseAuthFailed = 4001
)

// JoinThread subscribes the connection to a thread room.
type JoinThread struct {
	ThreadID string `json:"threadId"`
}

func (JoinThread) EventName() string { return EventJoinThread }

// LeaveThread unsubscribes the connection from a thread room.
type LeaveThread struct {
	ThreadID string `json:"threadId"`
}

func (LeaveThread) EventName() string { return EventLeaveThread }

// SendMessage is the transient broadcast of a chat message.
type SendMessage struct {
	ThreadID    string `json:"threadId"`
	Message     string `json:"message"`
	MessageType string `json:"messageType"`
	ClientID    string `json:"clientId,omitempty"`
}

func (SendMessage) EventName() string { return EventSendMessage }

type TypingStart struct {
	ThreadID string `json:"threadId"`
}

func (TypingStart) EventName() string { return EventTypingStart }

type TypingStop struct {
	ThreadID string `json:"threadId"`
}

func (TypingStop) EventName() string { return EventTypingStop }

// MarkMessageRead acknowledges a thread, or one message of it when
// ThreadMessageID is set.
type MarkMessageRead struct {
	ThreadID        string `json:"threadId"`
	ThreadMessageID string `json:"threadMessageId,omitempty"`
}

func (MarkMessageRead) EventName() string { return EventMarkRead }

// UpdateStatus announces the local user's presence status.
type UpdateStatus struct {
	Status string `json:"status"`
}

func (UpdateStatus) EventName() string { return EventUpdateStatus }

// User identifies a participant on the wire.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// NewMessage is a message broadcast to a thread room.
type NewMessage struct {
	Sender      User      `json:"sender"`
	Message     string    `json:"message"`
	MessageType string    `json:"messageType,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	ThreadID    string    `json:"threadId"`
	MessageID   string    `json:"messageId,omitempty"`
	ClientID    string    `json:"clientId,omitempty"`
}

func (NewMessage) EventName() string { return EventNewMessage }

// NewMessageNotification tells a user about a message in a thread they are
// not currently viewing.
type NewMessageNotification struct {
	Sender    User      `json:"sender"`
	ThreadID  string    `json:"threadId"`
	Message   string    `json:"message"`
	Property  string    `json:"property,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (NewMessageNotification) EventName() string { return EventNotification }

// MessageSent acknowledges a send_message to its sender.
type MessageSent struct {
	ThreadID  string    `json:"threadId"`
	MessageID string    `json:"messageId,omitempty"`
	ClientID  string    `json:"clientId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (MessageSent) EventName() string { return EventMessageSent }

// MessageRead is a read receipt. Either ThreadMessageID or MessageID is set.
type MessageRead struct {
	ReadBy          User      `json:"readBy"`
	ReadAt          time.Time `json:"readAt"`
	ThreadID        string    `json:"threadId,omitempty"`
	ThreadMessageID string    `json:"threadMessageId,omitempty"`
	MessageID       string    `json:"messageId,omitempty"`
}

func (MessageRead) EventName() string { return EventMessageRead }

// Key returns the identity the receipt refers to.
func (m MessageRead) Key() string {
	if m.ThreadMessageID != "" {
		return m.ThreadMessageID
	}
	return m.MessageID
}

// UserTyping reports a remote typing transition. The wire names the thread
// "messageId".
type UserTyping struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	ThreadID string `json:"messageId"`
	IsTyping bool   `json:"isTyping"`
}

func (UserTyping) EventName() string { return EventUserTyping }

// UserStatusChange is the binary online/offline signal.
type UserStatusChange struct {
	UserID    string    `json:"userId"`
	IsOnline  bool      `json:"isOnline"`
	Timestamp time.Time `json:"timestamp"`
}

func (UserStatusChange) EventName() string { return EventUserStatusChange }

// UserStatusUpdate carries the richer status (online, away, busy).
type UserStatusUpdate struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

func (UserStatusUpdate) EventName() string { return EventUserStatusUpdate }

// Error is a server-reported protocol error.
type Error struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (Error) EventName() string { return EventError }

// ConnectionStatus is published on every connection state transition.
type ConnectionStatus struct {
	Connected bool   `json:"connected"`
	Reason    string `json:"reason"`
	State     string `json:"state,omitempty"`
}

func (ConnectionStatus) EventName() string { return EventConnectionStatus }

// ReconnectFailed is terminal: a manual Connect is required afterwards.
type ReconnectFailed struct {
	Attempts  int    `json:"attempts"`
	LastError string `json:"lastError,omitempty"`
}

func (ReconnectFailed) EventName() string { return EventReconnectFailed }

// ReconnectScheduled is published whenever a retry timer is armed.
type ReconnectScheduled struct {
	Attempt int           `json:"attempt"`
	Delay   time.Duration `json:"delay"`
}

func (ReconnectScheduled) EventName() string { return EventReconnectScheduled }

// DeliveryUpdate reports a path transition of an outbound message.
type DeliveryUpdate struct {
	CorrelationID string `json:"correlationId"`
	ThreadID      string `json:"threadId"`
	Transport     string `json:"transport"`
	Persistence   string `json:"persistence"`
	State         string `json:"state"`
}

func (DeliveryUpdate) EventName() string { return EventDeliveryUpdate }

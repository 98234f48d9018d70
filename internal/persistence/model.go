package persistence

import "time"

// Message is a durable thread message.
type Message struct {
	ID          string    `json:"id"`
	ThreadID    string    `json:"threadId"`
	SenderID    string    `json:"senderId"`
	SenderName  string    `json:"senderName,omitempty"`
	Body        string    `json:"body"`
	MessageType string    `json:"messageType,omitempty"`
	ClientID    string    `json:"clientId,omitempty"`
	Read        bool      `json:"read"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Thread is a conversation about one listing.
type Thread struct {
	ID           string    `json:"id"`
	PropertyID   string    `json:"propertyId,omitempty"`
	Subject      string    `json:"subject,omitempty"`
	Participants []string  `json:"participants"`
	Closed       bool      `json:"closed"`
	Messages     []Message `json:"messages,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// NewThread starts a thread with a first message.
type NewThread struct {
	RecipientID string `json:"recipientId" binding:"required"`
	PropertyID  string `json:"propertyId,omitempty"`
	Subject     string `json:"subject,omitempty"`
	Body        string `json:"body" binding:"required"`
}

// Reply appends a message to an existing thread.
type Reply struct {
	Body        string `json:"body" binding:"required"`
	MessageType string `json:"messageType,omitempty"`
	ClientID    string `json:"clientId,omitempty"`
}

// ListOptions filters ListMessages.
type ListOptions struct {
	ThreadID string
	Unread   bool
	Limit    int
}

// UnreadCount is the body of GET /api/messages/unread-count.
type UnreadCount struct {
	Count int `json:"count"`
}

// ErrorResponse is the error body returned by the service.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Package relay is a development server speaking the realtime wire
// vocabulary. It is enough to run the client stack end to end.
package relay

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/propchat/internal/persistence"
	"github.com/vovakirdan/propchat/internal/presence"
	"github.com/vovakirdan/propchat/internal/proto"
)

// Error codes sent in error frames.
const (
	ErrCodeNotInRoom   = "not_in_room"
	ErrCodeBadRequest  = "bad_request"
	ErrCodeRateLimited = "rate_limited"
)

// ErrHubStopped is returned once Run has exited.
var ErrHubStopped = errors.New("relay: hub stopped")

// Directory answers thread questions the hub cannot answer from live
// connections. The in-memory persistence store implements it.
type Directory interface {
	Participants(threadID string) []string
	MarkRead(callerID, messageID string) (persistence.Message, error)
	MarkThreadRead(callerID, threadID string) []string
}

// Client is one websocket connection as seen by the hub.
type Client struct {
	ID     string
	UserID string
	Name   string
	Events chan proto.Event

	rooms map[string]struct{}
}

// NewClient constructs a client with an initialized event channel.
func NewClient(userID, name string) *Client {
	if name == "" {
		name = userID
	}
	return &Client{
		ID:     uuid.NewString(),
		UserID: userID,
		Name:   name,
		Events: make(chan proto.Event, 64),
		rooms:  make(map[string]struct{}),
	}
}

type command struct {
	client *Client
	event  proto.Event
}

// Hub owns rooms and connections. All state is touched only by Run.
type Hub struct {
	dir Directory
	now func() time.Time
	log *zerolog.Logger

	register   chan *Client
	unregister chan *Client
	commands   chan command
	done       chan struct{}

	users map[string]map[*Client]struct{}
	rooms map[string]*Room
}

// NewHub creates a hub. dir may be nil.
func NewHub(dir Directory, logger *zerolog.Logger) *Hub {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Hub{
		dir:        dir,
		now:        time.Now,
		log:        logger,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		commands:   make(chan command, 64),
		done:       make(chan struct{}),
		users:      make(map[string]map[*Client]struct{}),
		rooms:      make(map[string]*Room),
	}
}

// Register adds a connection. It blocks until the hub accepts it.
func (h *Hub) Register(ctx context.Context, c *Client) error {
	select {
	case h.register <- c:
		return nil
	case <-h.done:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unregister removes a connection and its room memberships. It is a no-op
// once the hub has stopped.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Submit queues an inbound event from c.
func (h *Hub) Submit(ctx context.Context, c *Client, ev proto.Event) error {
	select {
	case h.commands <- command{client: c, event: ev}:
		return nil
	case <-h.done:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes hub traffic until ctx is cancelled. It must be called once.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.handleRegister(c)
		case c := <-h.unregister:
			h.handleUnregister(c)
		case cmd := <-h.commands:
			h.handle(cmd.client, cmd.event)
		}
	}
}

func (h *Hub) handleRegister(c *Client) {
	conns, ok := h.users[c.UserID]
	if !ok {
		conns = make(map[*Client]struct{})
		h.users[c.UserID] = conns
	}
	conns[c] = struct{}{}
	h.log.Info().Str("user_id", c.UserID).Str("client_id", c.ID).Msg("client registered")

	if len(conns) == 1 {
		h.broadcastExceptUser(c.UserID, proto.UserStatusChange{UserID: c.UserID, IsOnline: true, Timestamp: h.now().UTC()})
	}
}

func (h *Hub) handleUnregister(c *Client) {
	conns, ok := h.users[c.UserID]
	if !ok {
		return
	}
	if _, ok := conns[c]; !ok {
		return
	}
	delete(conns, c)
	for threadID := range c.rooms {
		h.leave(c, threadID)
	}
	h.log.Info().Str("user_id", c.UserID).Str("client_id", c.ID).Msg("client unregistered")

	if len(conns) == 0 {
		delete(h.users, c.UserID)
		h.broadcastExceptUser(c.UserID, proto.UserStatusChange{UserID: c.UserID, IsOnline: false, Timestamp: h.now().UTC()})
	}
}

func (h *Hub) handle(c *Client, ev proto.Event) {
	switch ev := ev.(type) {
	case proto.JoinThread:
		h.join(c, ev.ThreadID)
	case proto.LeaveThread:
		h.leave(c, ev.ThreadID)
	case proto.SendMessage:
		h.sendMessage(c, ev)
	case proto.TypingStart:
		h.typing(c, ev.ThreadID, true)
	case proto.TypingStop:
		h.typing(c, ev.ThreadID, false)
	case proto.MarkMessageRead:
		h.markRead(c, ev)
	case proto.UpdateStatus:
		h.updateStatus(c, ev)
	default:
		deliver(c, proto.Error{Code: ErrCodeBadRequest, Message: "unsupported event " + ev.EventName()})
	}
}

func (h *Hub) join(c *Client, threadID string) {
	if threadID == "" {
		deliver(c, proto.Error{Code: ErrCodeBadRequest, Message: "threadId is required"})
		return
	}
	room, ok := h.rooms[threadID]
	if !ok {
		room = NewRoom(threadID)
		h.rooms[threadID] = room
	}
	if room.AddClient(c) {
		c.rooms[threadID] = struct{}{}
		h.log.Debug().Str("thread_id", threadID).Str("user_id", c.UserID).Msg("joined thread")
	}
}

func (h *Hub) leave(c *Client, threadID string) {
	room, ok := h.rooms[threadID]
	if !ok {
		return
	}
	if room.RemoveClient(c) {
		delete(c.rooms, threadID)
		if room.Empty() {
			delete(h.rooms, threadID)
		}
	}
}

func (h *Hub) sendMessage(c *Client, ev proto.SendMessage) {
	room, ok := h.rooms[ev.ThreadID]
	if !ok || !room.Has(c) {
		deliver(c, proto.Error{Code: ErrCodeNotInRoom, Message: "join the thread before sending"})
		return
	}

	msgType := ev.MessageType
	if msgType == "" {
		msgType = proto.MessageTypeText
	}
	now := h.now().UTC()
	msg := proto.NewMessage{
		Sender:      proto.User{ID: c.UserID, Name: c.Name},
		Message:     ev.Message,
		MessageType: msgType,
		Timestamp:   now,
		ThreadID:    ev.ThreadID,
		MessageID:   uuid.NewString(),
		ClientID:    ev.ClientID,
	}
	room.Broadcast(msg, nil)
	deliver(c, proto.MessageSent{ThreadID: ev.ThreadID, MessageID: msg.MessageID, ClientID: ev.ClientID, Timestamp: now})

	h.notifyAbsent(c, room, proto.NewMessageNotification{
		Sender:    msg.Sender,
		ThreadID:  ev.ThreadID,
		Message:   ev.Message,
		Timestamp: now,
	})
}

// notifyAbsent tells thread participants who are connected but not in the
// room about a new message.
func (h *Hub) notifyAbsent(sender *Client, room *Room, n proto.NewMessageNotification) {
	if h.dir == nil {
		return
	}
	for _, userID := range h.dir.Participants(room.Name) {
		if userID == sender.UserID {
			continue
		}
		for conn := range h.users[userID] {
			if !room.Has(conn) {
				deliver(conn, n)
			}
		}
	}
}

func (h *Hub) typing(c *Client, threadID string, isTyping bool) {
	room, ok := h.rooms[threadID]
	if !ok || !room.Has(c) {
		return
	}
	room.Broadcast(proto.UserTyping{
		UserID:   c.UserID,
		UserName: c.Name,
		ThreadID: threadID,
		IsTyping: isTyping,
	}, func(other *Client) bool { return other.UserID != c.UserID })
}

func (h *Hub) markRead(c *Client, ev proto.MarkMessageRead) {
	room, ok := h.rooms[ev.ThreadID]
	if !ok {
		return
	}
	others := func(other *Client) bool { return other.UserID != c.UserID }
	reader := proto.User{ID: c.UserID, Name: c.Name}
	now := h.now().UTC()

	if ev.ThreadMessageID != "" {
		if h.dir != nil {
			if _, err := h.dir.MarkRead(c.UserID, ev.ThreadMessageID); err != nil {
				h.log.Debug().Err(err).Str("message_id", ev.ThreadMessageID).Msg("mark read not stored")
			}
		}
		room.Broadcast(proto.MessageRead{ReadBy: reader, ReadAt: now, ThreadID: ev.ThreadID, ThreadMessageID: ev.ThreadMessageID}, others)
		return
	}

	if h.dir == nil {
		return
	}
	for _, id := range h.dir.MarkThreadRead(c.UserID, ev.ThreadID) {
		room.Broadcast(proto.MessageRead{ReadBy: reader, ReadAt: now, ThreadID: ev.ThreadID, MessageID: id}, others)
	}
}

func (h *Hub) updateStatus(c *Client, ev proto.UpdateStatus) {
	status, err := presence.ParseStatus(ev.Status)
	if err != nil {
		deliver(c, proto.Error{Code: ErrCodeBadRequest, Message: err.Error()})
		return
	}
	h.broadcastExceptUser(c.UserID, proto.UserStatusUpdate{UserID: c.UserID, Status: string(status)})
}

func (h *Hub) broadcastExceptUser(userID string, ev proto.Event) {
	for id, conns := range h.users {
		if id == userID {
			continue
		}
		for conn := range conns {
			deliver(conn, ev)
		}
	}
}

// deliver drops the event if the client is not keeping up.
func deliver(c *Client, ev proto.Event) {
	select {
	case c.Events <- ev:
	default:
	}
}

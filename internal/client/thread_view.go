package client

import (
	"context"

	"github.com/vovakirdan/propchat/internal/delivery"
	"github.com/vovakirdan/propchat/internal/receipts"
	"github.com/vovakirdan/propchat/internal/typing"
)

// ThreadView scopes room membership to a screen showing one thread. Enter
// joins the room, Exit stops typing and leaves it.
type ThreadView struct {
	s        *Session
	threadID string
}

// EnterThreadView joins threadID. It requires a live connection.
func (s *Session) EnterThreadView(ctx context.Context, threadID string) (*ThreadView, error) {
	if err := s.rooms.Join(ctx, threadID); err != nil {
		return nil, err
	}
	s.log.Debug().Str("thread_id", threadID).Msg("entered thread view")
	return &ThreadView{s: s, threadID: threadID}, nil
}

// ThreadID returns the viewed thread.
func (v *ThreadView) ThreadID() string { return v.threadID }

// Send sends a text message to the thread.
func (v *ThreadView) Send(ctx context.Context, body string) (*delivery.Delivery, bool, error) {
	return v.s.SendMessage(ctx, v.threadID, body)
}

// Type reports a keystroke.
func (v *ThreadView) Type(ctx context.Context) error {
	return v.s.Type(ctx, v.threadID)
}

// MarkRead acknowledges every message of the thread.
func (v *ThreadView) MarkRead(ctx context.Context) error {
	return v.s.MarkRead(ctx, v.threadID, "")
}

// Typists lists remote users currently typing in the thread.
func (v *ThreadView) Typists() []typing.Typist {
	return v.s.typing.Typing(v.threadID)
}

// Receipts lists read receipts seen for the thread.
func (v *ThreadView) Receipts() []receipts.Receipt {
	return v.s.receipts.ForThread(v.threadID)
}

// Exit ends the view. It is safe on a dropped connection.
func (v *ThreadView) Exit(ctx context.Context) {
	v.s.typing.Stop(ctx, v.threadID)
	v.s.rooms.Leave(ctx, v.threadID)
	v.s.log.Debug().Str("thread_id", v.threadID).Msg("left thread view")
}

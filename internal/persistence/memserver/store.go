// Package memserver is an in-memory stand-in for the persistence service,
// used by the development relay and by tests.
package memserver

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vovakirdan/propchat/internal/persistence"
)

var (
	ErrThreadNotFound  = errors.New("thread not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrNotParticipant  = errors.New("not a thread participant")
	ErrThreadClosed    = errors.New("thread is closed")
)

// Identity is the authenticated caller.
type Identity struct {
	ID   string
	Name string
}

// Store keeps threads and messages in memory.
type Store struct {
	now func() time.Time

	mu       sync.RWMutex
	threads  map[string]*persistence.Thread
	messages map[string]*persistence.Message
	order    []string
	reads    map[string]map[string]struct{}
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		now:      time.Now,
		threads:  make(map[string]*persistence.Thread),
		messages: make(map[string]*persistence.Message),
		reads:    make(map[string]map[string]struct{}),
	}
}

// CreateThread opens a thread between caller and in.RecipientID.
func (s *Store) CreateThread(caller Identity, in persistence.NewThread) persistence.Thread {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	th := &persistence.Thread{
		ID:           uuid.NewString(),
		PropertyID:   in.PropertyID,
		Subject:      in.Subject,
		Participants: []string{caller.ID, in.RecipientID},
		UpdatedAt:    now,
	}
	s.threads[th.ID] = th
	s.appendLocked(th, caller, persistence.Reply{Body: in.Body}, now)
	return s.threadViewLocked(caller.ID, th)
}

// Reply appends a message to threadID.
func (s *Store) Reply(caller Identity, threadID string, in persistence.Reply) (persistence.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	th, ok := s.threads[threadID]
	if !ok {
		return persistence.Message{}, ErrThreadNotFound
	}
	if !isParticipant(th, caller.ID) {
		return persistence.Message{}, ErrNotParticipant
	}
	if th.Closed {
		return persistence.Message{}, ErrThreadClosed
	}
	m := s.appendLocked(th, caller, in, s.now().UTC())
	return *m, nil
}

// Thread returns threadID with its messages as seen by callerID.
func (s *Store) Thread(callerID, threadID string) (persistence.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	th, ok := s.threads[threadID]
	if !ok {
		return persistence.Thread{}, ErrThreadNotFound
	}
	if !isParticipant(th, callerID) {
		return persistence.Thread{}, ErrNotParticipant
	}
	return s.threadViewLocked(callerID, th), nil
}

// Participants returns the user ids of threadID.
func (s *Store) Participants(threadID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	th, ok := s.threads[threadID]
	if !ok {
		return nil
	}
	return append([]string(nil), th.Participants...)
}

// Messages lists messages visible to callerID, oldest first. A positive
// limit keeps the most recent ones.
func (s *Store) Messages(callerID string, opts persistence.ListOptions) []persistence.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []persistence.Message
	for _, id := range s.order {
		m := s.messages[id]
		th := s.threads[m.ThreadID]
		if !isParticipant(th, callerID) {
			continue
		}
		if opts.ThreadID != "" && m.ThreadID != opts.ThreadID {
			continue
		}
		view := s.messageViewLocked(callerID, m)
		if opts.Unread && (view.Read || m.SenderID == callerID) {
			continue
		}
		out = append(out, view)
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[len(out)-opts.Limit:]
	}
	return out
}

// MarkRead marks messageID as read by callerID.
func (s *Store) MarkRead(callerID, messageID string) (persistence.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[messageID]
	if !ok {
		return persistence.Message{}, ErrMessageNotFound
	}
	if !isParticipant(s.threads[m.ThreadID], callerID) {
		return persistence.Message{}, ErrNotParticipant
	}
	readers, ok := s.reads[messageID]
	if !ok {
		readers = make(map[string]struct{})
		s.reads[messageID] = readers
	}
	readers[callerID] = struct{}{}
	return s.messageViewLocked(callerID, m), nil
}

// MarkThreadRead marks every message of threadID as read by callerID and
// returns the ids that changed.
func (s *Store) MarkThreadRead(callerID, threadID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	th, ok := s.threads[threadID]
	if !ok || !isParticipant(th, callerID) {
		return nil
	}
	var changed []string
	for _, m := range th.Messages {
		if m.SenderID == callerID {
			continue
		}
		readers, ok := s.reads[m.ID]
		if !ok {
			readers = make(map[string]struct{})
			s.reads[m.ID] = readers
		}
		if _, seen := readers[callerID]; !seen {
			readers[callerID] = struct{}{}
			changed = append(changed, m.ID)
		}
	}
	return changed
}

// UnreadCount counts messages callerID has not read.
func (s *Store) UnreadCount(callerID string) int {
	return len(s.Messages(callerID, persistence.ListOptions{Unread: true}))
}

// Close closes threadID for further replies.
func (s *Store) Close(callerID, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	th, ok := s.threads[threadID]
	if !ok {
		return ErrThreadNotFound
	}
	if !isParticipant(th, callerID) {
		return ErrNotParticipant
	}
	th.Closed = true
	th.UpdatedAt = s.now().UTC()
	return nil
}

func (s *Store) appendLocked(th *persistence.Thread, sender Identity, in persistence.Reply, at time.Time) *persistence.Message {
	m := &persistence.Message{
		ID:          uuid.NewString(),
		ThreadID:    th.ID,
		SenderID:    sender.ID,
		SenderName:  sender.Name,
		Body:        in.Body,
		MessageType: in.MessageType,
		ClientID:    in.ClientID,
		CreatedAt:   at,
	}
	s.messages[m.ID] = m
	s.order = append(s.order, m.ID)
	th.Messages = append(th.Messages, *m)
	th.UpdatedAt = at
	return m
}

func (s *Store) threadViewLocked(callerID string, th *persistence.Thread) persistence.Thread {
	out := *th
	out.Participants = append([]string(nil), th.Participants...)
	out.Messages = make([]persistence.Message, 0, len(th.Messages))
	for _, m := range th.Messages {
		out.Messages = append(out.Messages, s.messageViewLocked(callerID, &m))
	}
	sort.SliceStable(out.Messages, func(i, j int) bool {
		return out.Messages[i].CreatedAt.Before(out.Messages[j].CreatedAt)
	})
	return out
}

func (s *Store) messageViewLocked(callerID string, m *persistence.Message) persistence.Message {
	out := *m
	_, out.Read = s.reads[m.ID][callerID]
	return out
}

func isParticipant(th *persistence.Thread, userID string) bool {
	if th == nil {
		return false
	}
	for _, p := range th.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

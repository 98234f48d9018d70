package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

// OutboxMessage is a message composed while the connection was down.
type OutboxMessage struct {
	ID          int64
	ClientID    string
	ThreadID    string
	Body        string
	MessageType string
	CreatedAt   time.Time
}

// OutboxStore holds queued messages until they can be sent.
type OutboxStore interface {
	// Enqueue appends a message and fills in its ID.
	Enqueue(ctx context.Context, msg *OutboxMessage) error

	// List returns queued messages in FIFO order.
	List(ctx context.Context) ([]*OutboxMessage, error)

	// Delete removes a message once it has been handed to the pipeline.
	Delete(ctx context.Context, id int64) error

	// Len returns the number of queued messages.
	Len(ctx context.Context) (int, error)

	// Close releases the underlying resources.
	Close() error
}

// MemoryOutbox is an OutboxStore that does not survive the process.
type MemoryOutbox struct {
	mu     sync.Mutex
	nextID int64
	items  map[int64]*OutboxMessage
}

// NewMemoryOutbox creates an empty in-memory outbox.
func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{items: make(map[int64]*OutboxMessage)}
}

func (m *MemoryOutbox) Enqueue(_ context.Context, msg *OutboxMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	msg.ID = m.nextID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	cp := *msg
	m.items[cp.ID] = &cp
	return nil
}

func (m *MemoryOutbox) List(_ context.Context) ([]*OutboxMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*OutboxMessage, 0, len(m.items))
	for _, msg := range m.items {
		cp := *msg
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryOutbox) Delete(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.items[id]; !ok {
		return ErrNotFound
	}
	delete(m.items, id)
	return nil
}

func (m *MemoryOutbox) Len(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items), nil
}

func (m *MemoryOutbox) Close() error { return nil }

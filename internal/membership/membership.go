// Package membership keeps the set of thread rooms joined on the current
// connection.
package membership

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/propchat/internal/conn"
	"github.com/vovakirdan/propchat/internal/proto"
)

// ErrEmptyThread is returned for a blank thread id.
var ErrEmptyThread = errors.New("thread id is required")

// Conn is the part of the connection manager membership needs.
type Conn interface {
	State() conn.State
	Send(ctx context.Context, ev proto.Event) error
}

// Rooms tracks joined threads. Join and Leave are serialized, so a Leave
// racing an in-flight Join for the same thread always wins if it is issued
// second.
type Rooms struct {
	conn Conn
	log  *zerolog.Logger

	mu       sync.Mutex
	joined   map[string]struct{}
	previous []string
}

// New creates an empty membership set bound to c.
func New(c Conn, logger *zerolog.Logger) *Rooms {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Rooms{
		conn:   c,
		log:    logger,
		joined: make(map[string]struct{}),
	}
}

// Join subscribes to a thread room. A repeated join is a no-op.
func (r *Rooms) Join(ctx context.Context, threadID string) error {
	if threadID == "" {
		return ErrEmptyThread
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.joined[threadID]; ok {
		return nil
	}
	if r.conn.State() != conn.StateConnected {
		return conn.ErrNotConnected
	}
	if err := r.conn.Send(ctx, proto.JoinThread{ThreadID: threadID}); err != nil {
		return err
	}
	r.joined[threadID] = struct{}{}
	r.log.Debug().Str("thread_id", threadID).Msg("joined thread")
	return nil
}

// Leave unsubscribes from a thread room. It is safe in any state.
func (r *Rooms) Leave(ctx context.Context, threadID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.joined[threadID]; !ok {
		return
	}
	delete(r.joined, threadID)

	if r.conn.State() != conn.StateConnected {
		return
	}
	if err := r.conn.Send(ctx, proto.LeaveThread{ThreadID: threadID}); err != nil {
		r.log.Debug().Err(err).Str("thread_id", threadID).Msg("leave thread not delivered")
		return
	}
	r.log.Debug().Str("thread_id", threadID).Msg("left thread")
}

// IsJoined reports whether threadID is joined on the current connection.
func (r *Rooms) IsJoined(threadID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.joined[threadID]
	return ok
}

// Joined returns the joined thread ids, sorted.
func (r *Rooms) Joined() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedKeys(r.joined)
}

// Clear forgets every joined thread, remembering them for Rejoin. It is
// registered as a connection teardown hook.
func (r *Rooms) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.joined) == 0 {
		return
	}
	r.previous = sortedKeys(r.joined)
	r.joined = make(map[string]struct{})
}

// Previous returns the threads that were joined before the last Clear.
func (r *Rooms) Previous() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.previous...)
}

// Rejoin joins every thread remembered by the last Clear. Membership is
// never restored automatically after a reconnect; callers opt in here.
func (r *Rooms) Rejoin(ctx context.Context) error {
	var errs []error
	for _, id := range r.Previous() {
		if err := r.Join(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

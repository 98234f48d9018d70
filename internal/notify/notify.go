// Package notify turns realtime events into user-facing notification
// records and keeps the unread counter.
package notify

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/propchat/internal/bus"
	"github.com/vovakirdan/propchat/internal/conn"
	"github.com/vovakirdan/propchat/internal/proto"
)

// Kind classifies a notification.
type Kind string

const (
	KindMessage Kind = "message"
	KindStatus  Kind = "status"
	KindSystem  Kind = "system"
)

// Counted reports whether records of this kind add to the unread counter.
func (k Kind) Counted() bool { return k == KindMessage || k == KindSystem }

// Record is one notification.
type Record struct {
	ID        string
	Kind      Kind
	Title     string
	Body      string
	Payload   map[string]string
	DedupeKey string
	CreatedAt time.Time
	Read      bool
}

// Options tunes the center.
type Options struct {
	// SelfID suppresses status notifications about the local user.
	SelfID     string
	MaxRecords int
	Alerter    Alerter
	Clock      clock.Clock
	Logger     *zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxRecords <= 0 {
		o.MaxRecords = 100
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		nop := zerolog.Nop()
		o.Logger = &nop
	}
	return o
}

// Center stores notifications newest first.
type Center struct {
	opts Options
	log  *zerolog.Logger
	subs *bus.Group

	mu      sync.Mutex
	records []*Record
	unread  int
	seen    map[string]struct{}
	seenLog []string
}

// New creates a center fed by events on b.
func New(b *bus.Bus, opts Options) *Center {
	opts = opts.withDefaults()
	c := &Center{
		opts: opts,
		log:  opts.Logger,
		subs: bus.NewGroup(b),
		seen: make(map[string]struct{}),
	}
	c.subs.Add(
		bus.On(b, c.onMessageNotification),
		bus.On(b, c.onStatusChange),
		bus.On(b, c.onConnectionStatus),
		bus.On(b, c.onReconnectFailed),
		bus.On(b, c.onError),
	)
	return c
}

// Close detaches the center from the bus.
func (c *Center) Close() { c.subs.Close() }

// Add stores r, assigning its id and timestamp. It reports false when a
// record with the same dedupe key was already seen.
func (c *Center) Add(r Record) (Record, bool) {
	c.mu.Lock()
	if r.DedupeKey != "" {
		if _, dup := c.seen[r.DedupeKey]; dup {
			c.mu.Unlock()
			return Record{}, false
		}
		c.rememberLocked(r.DedupeKey)
	}

	r.ID = uuid.NewString()
	r.Read = false
	if r.CreatedAt.IsZero() {
		r.CreatedAt = c.opts.Clock.Now()
	}
	stored := r
	c.records = append([]*Record{&stored}, c.records...)
	if r.Kind.Counted() {
		c.unread++
	}
	for len(c.records) > c.opts.MaxRecords {
		c.dropLocked(len(c.records) - 1)
	}
	c.mu.Unlock()

	c.log.Debug().Str("kind", string(r.Kind)).Str("id", r.ID).Msg("notification added")
	c.alert(r)
	return r, true
}

// MarkAsRead marks one record read.
func (c *Center) MarkAsRead(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, r := range c.records {
		if r.ID != id {
			continue
		}
		if !r.Read {
			r.Read = true
			if r.Kind.Counted() {
				c.decrementLocked()
			}
		}
		return true
	}
	return false
}

// MarkAllAsRead marks every record read and resets the counter.
func (c *Center) MarkAllAsRead() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, r := range c.records {
		r.Read = true
	}
	c.unread = 0
}

// Clear removes one record.
func (c *Center) Clear(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, r := range c.records {
		if r.ID == id {
			c.dropLocked(i)
			return true
		}
	}
	return false
}

// ClearAll removes every record. Dedupe keys are kept.
func (c *Center) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.records = nil
	c.unread = 0
}

// List returns copies of the records, newest first.
func (c *Center) List() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Record, len(c.records))
	for i, r := range c.records {
		out[i] = *r
	}
	return out
}

// Unread returns the unread counter.
func (c *Center) Unread() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unread
}

func (c *Center) dropLocked(i int) {
	r := c.records[i]
	if !r.Read && r.Kind.Counted() {
		c.decrementLocked()
	}
	c.records = append(c.records[:i], c.records[i+1:]...)
}

func (c *Center) decrementLocked() {
	if c.unread > 0 {
		c.unread--
	}
}

// rememberLocked records a dedupe key, forgetting the oldest keys beyond
// four times the record cap.
func (c *Center) rememberLocked(key string) {
	c.seen[key] = struct{}{}
	c.seenLog = append(c.seenLog, key)
	if limit := 4 * c.opts.MaxRecords; len(c.seenLog) > limit {
		for _, old := range c.seenLog[:len(c.seenLog)-limit] {
			delete(c.seen, old)
		}
		c.seenLog = append([]string(nil), c.seenLog[len(c.seenLog)-limit:]...)
	}
}

func (c *Center) onMessageNotification(ev proto.NewMessageNotification) {
	sender := ev.Sender.Name
	if sender == "" {
		sender = ev.Sender.ID
	}
	c.Add(Record{
		Kind:  KindMessage,
		Title: "New message from " + sender,
		Body:  ev.Message,
		Payload: map[string]string{
			"threadId": ev.ThreadID,
			"senderId": ev.Sender.ID,
			"property": ev.Property,
		},
		DedupeKey: redeliveryKey(ev.Timestamp, "message", ev.ThreadID, ev.Sender.ID, ev.Message),
		CreatedAt: ev.Timestamp,
	})
}

// redeliveryKey identifies a redelivered copy of a server event. Events
// without a server timestamp get no key: distinct messages with equal
// content would otherwise collapse into one.
func redeliveryKey(at time.Time, parts ...string) string {
	if at.IsZero() {
		return ""
	}
	return strings.Join(parts, "\x00") + "\x00" + strconv.FormatInt(at.UnixNano(), 10)
}

func (c *Center) onStatusChange(ev proto.UserStatusChange) {
	if ev.UserID == "" || ev.UserID == c.opts.SelfID {
		return
	}
	state := "offline"
	if ev.IsOnline {
		state = "online"
	}
	c.Add(Record{
		Kind:      KindStatus,
		Title:     ev.UserID + " is " + state,
		Payload:   map[string]string{"userId": ev.UserID, "status": state},
		DedupeKey: redeliveryKey(ev.Timestamp, "status", ev.UserID, state),
		CreatedAt: ev.Timestamp,
	})
}

func (c *Center) onConnectionStatus(ev proto.ConnectionStatus) {
	if ev.Connected || ev.Reason != conn.ReasonTransportError {
		return
	}
	c.Add(Record{
		Kind:  KindSystem,
		Title: "Connection lost",
		Body:  "Trying to reconnect.",
	})
}

func (c *Center) onReconnectFailed(ev proto.ReconnectFailed) {
	c.Add(Record{
		Kind:    KindSystem,
		Title:   "Unable to reconnect",
		Body:    fmt.Sprintf("Gave up after %d attempts.", ev.Attempts),
		Payload: map[string]string{"lastError": ev.LastError},
	})
}

func (c *Center) onError(ev proto.Error) {
	c.Add(Record{
		Kind:    KindSystem,
		Title:   "Server error",
		Body:    ev.Message,
		Payload: map[string]string{"code": ev.Code},
	})
}

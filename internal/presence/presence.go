// Package presence merges online/offline transitions and richer status
// updates into one record per user.
package presence

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/vovakirdan/propchat/internal/bus"
	"github.com/vovakirdan/propchat/internal/proto"
)

// Status is the richer presence status.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// ParseStatus validates a wire status value.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		return st, nil
	default:
		return "", fmt.Errorf("unknown presence status %q", s)
	}
}

// Label is the display form of the status.
func (s Status) Label() string {
	switch s {
	case StatusOnline:
		return "Online"
	case StatusAway:
		return "Away"
	case StatusBusy:
		return "Busy"
	default:
		return "Offline"
	}
}

// Record is the merged presence of one user.
type Record struct {
	UserID   string
	IsOnline bool
	Status   Status
	LastSeen time.Time
}

// Display returns the status shown to users: offline always wins.
func (r Record) Display() string {
	if !r.IsOnline {
		return StatusOffline.Label()
	}
	if r.Status == "" {
		return StatusOnline.Label()
	}
	return r.Status.Label()
}

// Tracker keeps presence records for the lifetime of a session. Records
// are only ever updated, never removed.
type Tracker struct {
	clock clock.Clock
	subs  *bus.Group

	mu      sync.RWMutex
	records map[string]*Record
}

// NewTracker subscribes a tracker to presence events on b.
func NewTracker(b *bus.Bus, clk clock.Clock) *Tracker {
	if clk == nil {
		clk = clock.New()
	}
	t := &Tracker{
		clock:   clk,
		subs:    bus.NewGroup(b),
		records: make(map[string]*Record),
	}
	t.subs.Add(
		bus.On(b, func(ev proto.UserStatusChange) { t.ApplyOnline(ev.UserID, ev.IsOnline, ev.Timestamp) }),
		bus.On(b, func(ev proto.UserStatusUpdate) {
			if st, err := ParseStatus(ev.Status); err == nil {
				t.ApplyStatus(ev.UserID, st)
			}
		}),
	)
	return t
}

// Close detaches the tracker from the bus.
func (t *Tracker) Close() { t.subs.Close() }

// ApplyOnline records a binary transition. lastSeen never moves backwards;
// a zero timestamp means "now".
func (t *Tracker) ApplyOnline(userID string, online bool, at time.Time) {
	if userID == "" {
		return
	}
	if at.IsZero() {
		at = t.clock.Now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	r := t.recordLocked(userID)
	r.IsOnline = online
	if at.After(r.LastSeen) {
		r.LastSeen = at
	}
}

// ApplyStatus records a richer status without touching the online flag.
func (t *Tracker) ApplyStatus(userID string, status Status) {
	if userID == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.recordLocked(userID).Status = status
}

// Get returns a copy of the record for userID.
func (t *Tracker) Get(userID string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	r, ok := t.records[userID]
	if !ok {
		return Record{UserID: userID}, false
	}
	return *r, true
}

// Display returns the display status of userID; unknown users are offline.
func (t *Tracker) Display(userID string) string {
	r, _ := t.Get(userID)
	return r.Display()
}

// LastSeen formats the last-seen time of userID relative to now.
func (t *Tracker) LastSeen(userID string) string {
	r, _ := t.Get(userID)
	return FormatLastSeen(t.clock.Now(), r.LastSeen)
}

// Online returns the ids of users currently online, sorted.
func (t *Tracker) Online() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []string
	for id, r := range t.records {
		if r.IsOnline {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (t *Tracker) recordLocked(userID string) *Record {
	r, ok := t.records[userID]
	if !ok {
		r = &Record{UserID: userID}
		t.records[userID] = r
	}
	return r
}

// FormatLastSeen renders lastSeen relative to now.
func FormatLastSeen(now, lastSeen time.Time) string {
	if lastSeen.IsZero() {
		return "Never"
	}

	elapsed := now.Sub(lastSeen)
	switch {
	case elapsed < time.Minute:
		return "Just now"
	case elapsed < time.Hour:
		return fmt.Sprintf("%dm ago", int(elapsed/time.Minute))
	case elapsed < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(elapsed/time.Hour))
	case elapsed < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(elapsed/(24*time.Hour)))
	default:
		return lastSeen.Format("Jan 2, 2006")
	}
}

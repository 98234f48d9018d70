// Package typing debounces the local user's typing signals and tracks who
// else is typing in each thread.
package typing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/propchat/internal/bus"
	"github.com/vovakirdan/propchat/internal/proto"
	"github.com/vovakirdan/propchat/internal/sched"
)

const sweepKey = "sweep"

// Sender writes typing frames on the live connection.
type Sender interface {
	Send(ctx context.Context, ev proto.Event) error
}

// Options tunes the engine. Zero values fall back to defaults.
type Options struct {
	// SelfID is the local user; their own echoes are ignored.
	SelfID string
	// StopAfter is the idle time after the last keystroke before typing_stop.
	StopAfter time.Duration
	// TTL evicts remote typists that never sent a stop.
	TTL        time.Duration
	SweepEvery time.Duration
	Clock      clock.Clock
	Logger     *zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.StopAfter <= 0 {
		o.StopAfter = time.Second
	}
	if o.TTL <= 0 {
		o.TTL = 10 * time.Second
	}
	if o.SweepEvery <= 0 {
		o.SweepEvery = time.Second
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

// Typist is a remote user currently typing in a thread.
type Typist struct {
	UserID     string
	UserName   string
	LastSignal time.Time
}

// Engine is both halves of the typing feature.
type Engine struct {
	conn   Sender
	opts   Options
	log    *zerolog.Logger
	timers *sched.Group
	subs   *bus.Group

	sendMu    sync.Mutex
	signaling map[string]struct{}

	seenMu  sync.RWMutex
	typists map[string]map[string]Typist
}

// New creates an engine sending through c and observing user_typing on b.
func New(c Sender, b *bus.Bus, opts Options) *Engine {
	opts = opts.withDefaults()
	e := &Engine{
		conn:      c,
		opts:      opts,
		log:       opts.Logger,
		timers:    sched.New(opts.Clock),
		subs:      bus.NewGroup(b),
		signaling: make(map[string]struct{}),
		typists:   make(map[string]map[string]Typist),
	}
	e.subs.Add(bus.On(b, e.observe))
	e.timers.Every(sweepKey, opts.SweepEvery, e.sweep)
	return e
}

// Input records a keystroke in threadID. The first keystroke sends
// typing_start; every keystroke pushes the typing_stop deadline back.
func (e *Engine) Input(ctx context.Context, threadID string) error {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	if _, ok := e.signaling[threadID]; !ok {
		if err := e.conn.Send(ctx, proto.TypingStart{ThreadID: threadID}); err != nil {
			return err
		}
		e.signaling[threadID] = struct{}{}
	}
	e.timers.After(stopKey(threadID), e.opts.StopAfter, func() {
		e.Stop(context.Background(), threadID)
	})
	return nil
}

// Stop ends signaling in threadID right away. It is a no-op when the local
// user is not typing there.
func (e *Engine) Stop(ctx context.Context, threadID string) {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	e.timers.Cancel(stopKey(threadID))
	if _, ok := e.signaling[threadID]; !ok {
		return
	}
	delete(e.signaling, threadID)
	if err := e.conn.Send(ctx, proto.TypingStop{ThreadID: threadID}); err != nil {
		e.log.Debug().Err(err).Str("thread_id", threadID).Msg("typing_stop not delivered")
	}
}

// Signaling reports whether the local user is marked as typing in threadID.
func (e *Engine) Signaling(threadID string) bool {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	_, ok := e.signaling[threadID]
	return ok
}

// Reset drops local signaling state without touching the wire. It runs when
// the connection goes away.
func (e *Engine) Reset() {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	for threadID := range e.signaling {
		e.timers.Cancel(stopKey(threadID))
		delete(e.signaling, threadID)
	}
}

// Typing returns the remote users typing in threadID, ordered by user id.
func (e *Engine) Typing(threadID string) []Typist {
	e.seenMu.RLock()
	defer e.seenMu.RUnlock()

	users := e.typists[threadID]
	out := make([]Typist, 0, len(users))
	for _, t := range users {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Close stops the timers and detaches from the bus.
func (e *Engine) Close() {
	e.subs.Close()
	e.timers.Stop()
}

func (e *Engine) observe(ev proto.UserTyping) {
	if ev.UserID == "" || ev.ThreadID == "" || ev.UserID == e.opts.SelfID {
		return
	}

	e.seenMu.Lock()
	defer e.seenMu.Unlock()

	if !ev.IsTyping {
		users := e.typists[ev.ThreadID]
		delete(users, ev.UserID)
		if len(users) == 0 {
			delete(e.typists, ev.ThreadID)
		}
		return
	}

	users, ok := e.typists[ev.ThreadID]
	if !ok {
		users = make(map[string]Typist)
		e.typists[ev.ThreadID] = users
	}
	users[ev.UserID] = Typist{
		UserID:     ev.UserID,
		UserName:   ev.UserName,
		LastSignal: e.opts.Clock.Now(),
	}
}

func (e *Engine) sweep() {
	now := e.opts.Clock.Now()

	e.seenMu.Lock()
	defer e.seenMu.Unlock()

	for threadID, users := range e.typists {
		for userID, t := range users {
			if now.Sub(t.LastSignal) > e.opts.TTL {
				delete(users, userID)
				e.log.Debug().Str("thread_id", threadID).Str("user_id", userID).Msg("typing entry expired")
			}
		}
		if len(users) == 0 {
			delete(e.typists, threadID)
		}
	}
}

func stopKey(threadID string) string { return "stop:" + threadID }

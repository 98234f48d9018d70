// Package sched keeps the cancellable timers of one component together so
// they can be released with a single Stop.
package sched

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Group owns named one-shot timers and periodic tasks.
type Group struct {
	clock clock.Clock

	mu      sync.Mutex
	gen     uint64
	timers  map[string]*entry
	tickers map[string]*ticker
}

type entry struct {
	gen   uint64
	timer *clock.Timer
}

type ticker struct {
	t    *clock.Ticker
	done chan struct{}
}

// New returns a Group driven by clk. A nil clk uses the wall clock.
func New(clk clock.Clock) *Group {
	if clk == nil {
		clk = clock.New()
	}
	return &Group{
		clock:   clk,
		timers:  make(map[string]*entry),
		tickers: make(map[string]*ticker),
	}
}

// Clock returns the clock driving the group.
func (g *Group) Clock() clock.Clock { return g.clock }

// After arms fn to run once after d under key, replacing any pending timer
// with the same key. fn never runs if the key is cancelled or replaced first.
func (g *Group) After(key string, d time.Duration, fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if prev, ok := g.timers[key]; ok {
		prev.timer.Stop()
	}
	g.gen++
	e := &entry{gen: g.gen}
	e.timer = g.clock.AfterFunc(d, func() {
		g.mu.Lock()
		cur, ok := g.timers[key]
		if !ok || cur.gen != e.gen {
			g.mu.Unlock()
			return
		}
		delete(g.timers, key)
		g.mu.Unlock()
		fn()
	})
	g.timers[key] = e
}

// Pending reports whether a one-shot timer is armed under key.
func (g *Group) Pending(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.timers[key]
	return ok
}

// Cancel stops the timer under key. It reports whether one was pending.
func (g *Group) Cancel(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.timers[key]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(g.timers, key)
	return true
}

// Every runs fn every interval until the key is cancelled or the group stopped.
// Registering an existing key restarts it.
func (g *Group) Every(key string, interval time.Duration, fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if prev, ok := g.tickers[key]; ok {
		prev.stop()
	}
	tk := &ticker{t: g.clock.Ticker(interval), done: make(chan struct{})}
	g.tickers[key] = tk

	go func() {
		for {
			select {
			case <-tk.done:
				return
			case <-tk.t.C:
				select {
				case <-tk.done:
					return
				default:
				}
				fn()
			}
		}
	}()
}

// StopEvery stops the periodic task under key.
func (g *Group) StopEvery(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if tk, ok := g.tickers[key]; ok {
		tk.stop()
		delete(g.tickers, key)
	}
}

// Stop cancels every timer and periodic task. The group stays usable.
func (g *Group) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for key, e := range g.timers {
		e.timer.Stop()
		delete(g.timers, key)
	}
	for key, tk := range g.tickers {
		tk.stop()
		delete(g.tickers, key)
	}
}

func (t *ticker) stop() {
	t.t.Stop()
	close(t.done)
}

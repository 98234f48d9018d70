// Package receipts correlates message_read events with the messages they
// acknowledge.
package receipts

import (
	"sort"
	"sync"
	"time"

	"github.com/vovakirdan/propchat/internal/bus"
	"github.com/vovakirdan/propchat/internal/proto"
)

// Receipt records who last read a message and when.
type Receipt struct {
	Key        string
	ThreadID   string
	ReadByID   string
	ReadByName string
	ReadAt     time.Time
}

// Correlator is a last-write-wins map of receipts keyed by threadMessageId
// or messageId.
type Correlator struct {
	subs *bus.Group

	mu       sync.RWMutex
	receipts map[string]Receipt
}

// New subscribes a correlator to message_read on b.
func New(b *bus.Bus) *Correlator {
	c := &Correlator{
		subs:     bus.NewGroup(b),
		receipts: make(map[string]Receipt),
	}
	c.subs.Add(bus.On(b, func(ev proto.MessageRead) {
		c.Record(ev.Key(), ev.ThreadID, ev.ReadBy, ev.ReadAt)
	}))
	return c
}

// Close detaches the correlator from the bus.
func (c *Correlator) Close() { c.subs.Close() }

// Record stores a receipt for key, replacing any previous one.
func (c *Correlator) Record(key, threadID string, reader proto.User, readAt time.Time) {
	if key == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if threadID == "" {
		threadID = c.receipts[key].ThreadID
	}
	c.receipts[key] = Receipt{
		Key:        key,
		ThreadID:   threadID,
		ReadByID:   reader.ID,
		ReadByName: reader.Name,
		ReadAt:     readAt,
	}
}

// Lookup returns the receipt for key.
func (c *Correlator) Lookup(key string) (Receipt, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.receipts[key]
	return r, ok
}

// IsRead reports whether any receipt exists for key.
func (c *Correlator) IsRead(key string) bool {
	_, ok := c.Lookup(key)
	return ok
}

// ForThread returns the receipts of threadID, oldest first.
func (c *Correlator) ForThread(threadID string) []Receipt {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []Receipt
	for _, r := range c.receipts {
		if r.ThreadID == threadID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ReadAt.Equal(out[j].ReadAt) {
			return out[i].Key < out[j].Key
		}
		return out[i].ReadAt.Before(out[j].ReadAt)
	})
	return out
}

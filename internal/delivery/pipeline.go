// Package delivery sends chat messages over two independent paths: the
// transient websocket broadcast and the durable persistence service.
package delivery

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/vovakirdan/propchat/internal/bus"
	"github.com/vovakirdan/propchat/internal/conn"
	"github.com/vovakirdan/propchat/internal/persistence"
	"github.com/vovakirdan/propchat/internal/proto"
	"github.com/vovakirdan/propchat/internal/store"
)

// Path states.
const (
	PathPending     = "pending"
	PathTransmitted = "transmitted"
	PathPersisted   = "persisted"
	PathFailed      = "failed"
)

// Overall states reported in delivery_update.
const (
	StateQueued    = "queued"
	StateSending   = "sending"
	StateDelivered = "delivered"
	StatePartial   = "partial"
	StateFailed    = "failed"
)

// Conn is the part of the connection manager the pipeline needs.
type Conn interface {
	State() conn.State
	Send(ctx context.Context, ev proto.Event) error
}

// Persister stores a message durably.
type Persister interface {
	ReplyToThread(ctx context.Context, threadID string, in persistence.Reply) (*persistence.Message, error)
}

// Message is the client-side record of one outbound message.
type Message struct {
	CorrelationID   string
	ThreadID        string
	Body            string
	Type            string
	ClientTimestamp time.Time
	Transport       string
	Persistence     string
	ServerMessageID string
	PersistedID     string
	TransportErr    error
	PersistErr      error
}

// State folds both paths into one overall state.
func (m Message) State() string {
	switch {
	case m.Transport == PathPending || m.Persistence == PathPending:
		return StateSending
	case m.Transport == PathFailed && m.Persistence == PathFailed:
		return StateFailed
	case m.Transport == PathFailed || m.Persistence == PathFailed:
		return StatePartial
	default:
		return StateDelivered
	}
}

func (m *Message) settleTransport(err error) {
	if err != nil {
		m.Transport = PathFailed
		m.TransportErr = err
		return
	}
	m.Transport = PathTransmitted
}

func (m *Message) settlePersistence(persistedID string, err error) {
	if err != nil {
		m.Persistence = PathFailed
		m.PersistErr = err
		return
	}
	m.Persistence = PathPersisted
	m.PersistedID = persistedID
}

// Options tunes the pipeline.
type Options struct {
	// Outbox receives messages composed while disconnected. Nil disables
	// SendOrQueue.
	Outbox      store.OutboxStore
	PathTimeout time.Duration
	// MaxTracked bounds the finished messages kept for correlation.
	MaxTracked int
	Clock      clock.Clock
	Logger     *zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.PathTimeout <= 0 {
		o.PathTimeout = 15 * time.Second
	}
	if o.MaxTracked <= 0 {
		o.MaxTracked = 500
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

// Delivery is the handle returned by Send.
type Delivery struct {
	p    *Pipeline
	id   string
	done chan struct{}
	// final is written once before done is closed.
	final Message
}

// CorrelationID returns the client id carried by the message.
func (d *Delivery) CorrelationID() string { return d.id }

// Done is closed once both paths have settled.
func (d *Delivery) Done() <-chan struct{} { return d.done }

// Wait blocks until both paths have settled. The error is a
// *PersistenceError when the durable path failed; a failed broadcast is
// only visible on the returned message.
func (d *Delivery) Wait(ctx context.Context) (Message, error) {
	select {
	case <-d.done:
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
	m, ok := d.p.Lookup(d.id)
	if !ok || m.State() == StateSending {
		// Evicted, or restarted by an outbox retry.
		m = d.final
	}
	if m.Persistence == PathFailed {
		return m, &PersistenceError{CorrelationID: m.CorrelationID, ThreadID: m.ThreadID, Err: m.PersistErr}
	}
	return m, nil
}

type txJob struct {
	msg  Message
	err  error
	done chan struct{}
}

// Pipeline tracks outbound messages and correlates server acks and echoes
// back to them.
type Pipeline struct {
	conn    Conn
	persist Persister
	bus     *bus.Bus
	opts    Options
	log     *zerolog.Logger
	subs    *bus.Group

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup
	txq    chan *txJob

	mu       sync.Mutex
	messages map[string]*Message
	order    []string
	// flushing holds outbox client ids started by Flush and not yet settled.
	flushing map[string]struct{}

	flushMu sync.Mutex
}

// New creates a pipeline and subscribes it to message_sent, new_message and
// connection_status on b.
func New(c Conn, persist Persister, b *bus.Bus, opts Options) *Pipeline {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		conn:     c,
		persist:  persist,
		bus:      b,
		opts:     opts,
		log:      opts.Logger,
		subs:     bus.NewGroup(b),
		ctx:      ctx,
		cancel:   cancel,
		txq:      make(chan *txJob, 256),
		messages: make(map[string]*Message),
		flushing: make(map[string]struct{}),
	}
	p.wg.Go(p.transmitLoop)
	p.subs.Add(
		bus.On(b, p.onMessageSent),
		bus.On(b, p.onNewMessage),
		bus.On(b, p.onConnectionStatus),
	)
	return p
}

// Close detaches the pipeline, cancels in-flight paths and waits for them.
func (p *Pipeline) Close() {
	p.subs.Close()
	p.cancel()
	p.wg.Wait()
}

// Send starts delivering body to threadID. It requires a live connection
// and returns as soon as the message is recorded.
func (p *Pipeline) Send(ctx context.Context, threadID, body, msgType string) (*Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validate(threadID, body); err != nil {
		return nil, err
	}
	if p.conn.State() != conn.StateConnected {
		return nil, conn.ErrNotConnected
	}
	return p.start(threadID, body, msgType, uuid.NewString(), p.opts.Clock.Now()), nil
}

// SendOrQueue sends body when connected and queues it in the outbox
// otherwise. queued reports which happened.
func (p *Pipeline) SendOrQueue(ctx context.Context, threadID, body, msgType string) (d *Delivery, queued bool, err error) {
	d, err = p.Send(ctx, threadID, body, msgType)
	if !errors.Is(err, conn.ErrNotConnected) {
		return d, false, err
	}
	if p.opts.Outbox == nil {
		return nil, false, ErrNoOutbox
	}

	msg := &store.OutboxMessage{
		ClientID:    uuid.NewString(),
		ThreadID:    threadID,
		Body:        body,
		MessageType: messageType(msgType),
		CreatedAt:   p.opts.Clock.Now().UTC(),
	}
	if err := p.opts.Outbox.Enqueue(ctx, msg); err != nil {
		return nil, false, err
	}
	p.log.Info().Str("thread_id", threadID).Str("client_id", msg.ClientID).Msg("message queued while offline")
	p.bus.Emit(proto.DeliveryUpdate{
		CorrelationID: msg.ClientID,
		ThreadID:      threadID,
		Transport:     PathPending,
		Persistence:   PathPending,
		State:         StateQueued,
	})
	return nil, true, nil
}

// Flush hands queued messages to the pipeline in FIFO order. It stops at
// the first message that cannot be sent. A row leaves the outbox once at
// least one path delivered it; a message that fails on both paths stays
// queued for the next flush.
func (p *Pipeline) Flush(ctx context.Context) (int, error) {
	if p.opts.Outbox == nil {
		return 0, nil
	}
	p.flushMu.Lock()
	defer p.flushMu.Unlock()

	queued, err := p.opts.Outbox.List(ctx)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, msg := range queued {
		if p.conn.State() != conn.StateConnected {
			return sent, conn.ErrNotConnected
		}
		if !p.claim(msg.ClientID) {
			continue
		}
		d := p.start(msg.ThreadID, msg.Body, msg.MessageType, msg.ClientID, msg.CreatedAt)
		p.wg.Go(func() { p.settleQueued(d, msg) })
		sent++
	}
	if sent > 0 {
		p.log.Info().Int("count", sent).Msg("outbox flushed")
	}
	return sent, nil
}

// Lookup returns the record for correlationID.
func (p *Pipeline) Lookup(correlationID string) (Message, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, ok := p.messages[correlationID]
	if !ok {
		return Message{}, false
	}
	return *m, true
}

// IsOwnEcho reports whether ev is the room broadcast of a message sent by
// this session.
func (p *Pipeline) IsOwnEcho(ev proto.NewMessage) bool {
	if ev.ClientID == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.messages[ev.ClientID]
	return ok
}

func (p *Pipeline) start(threadID, body, msgType, id string, createdAt time.Time) *Delivery {
	msg := &Message{
		CorrelationID:   id,
		ThreadID:        threadID,
		Body:            body,
		Type:            messageType(msgType),
		ClientTimestamp: createdAt,
		Transport:       PathPending,
		Persistence:     PathPending,
	}
	p.track(msg)
	p.publish(id)

	// Broadcasts go through a single worker so the wire order matches the
	// order of Send calls.
	job := &txJob{msg: *msg, done: make(chan struct{})}
	select {
	case p.txq <- job:
	case <-p.ctx.Done():
		job.err = p.ctx.Err()
		close(job.done)
	}

	d := &Delivery{p: p, id: id, done: make(chan struct{})}
	p.wg.Go(func() {
		defer close(d.done)

		final := job.msg
		var (
			persistedID string
			persistErr  error
		)
		var paths conc.WaitGroup
		paths.Go(func() { persistedID, persistErr = p.save(job.msg) })
		select {
		case <-job.done:
			final.settleTransport(job.err)
		case <-p.ctx.Done():
			final.settleTransport(p.ctx.Err())
		}
		paths.Wait()
		final.settlePersistence(persistedID, persistErr)
		if m, ok := p.Lookup(id); ok {
			final.ServerMessageID = m.ServerMessageID
		}
		d.final = final

		p.log.Debug().
			Str("client_id", id).
			Str("thread_id", threadID).
			Str("state", final.State()).
			Msg("delivery settled")
	})
	return d
}

func (p *Pipeline) transmitLoop() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case job := <-p.txq:
			job.err = p.transmit(job.msg)
			close(job.done)
		}
	}
}

func (p *Pipeline) transmit(msg Message) error {
	ctx, cancel := context.WithTimeout(p.ctx, p.opts.PathTimeout)
	defer cancel()

	err := p.conn.Send(ctx, proto.SendMessage{
		ThreadID:    msg.ThreadID,
		Message:     msg.Body,
		MessageType: msg.Type,
		ClientID:    msg.CorrelationID,
	})
	p.update(msg.CorrelationID, func(m *Message) { m.settleTransport(err) })
	if err != nil {
		p.log.Warn().Err(err).Str("client_id", msg.CorrelationID).Msg("broadcast failed")
	}
	return err
}

func (p *Pipeline) save(msg Message) (string, error) {
	var persistedID string
	err := ErrNoPersister
	if p.persist != nil {
		ctx, cancel := context.WithTimeout(p.ctx, p.opts.PathTimeout)
		var saved *persistence.Message
		saved, err = p.persist.ReplyToThread(ctx, msg.ThreadID, persistence.Reply{
			Body:        msg.Body,
			MessageType: msg.Type,
			ClientID:    msg.CorrelationID,
		})
		cancel()
		if err == nil {
			persistedID = saved.ID
		}
	}

	p.update(msg.CorrelationID, func(m *Message) { m.settlePersistence(persistedID, err) })
	if err != nil {
		p.log.Warn().Err(err).Str("client_id", msg.CorrelationID).Msg("persist failed")
	}
	return persistedID, err
}

// claim marks an outbox row as in flight. It fails when the row is already
// being delivered by an earlier flush.
func (p *Pipeline) claim(clientID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.flushing[clientID]; busy {
		return false
	}
	p.flushing[clientID] = struct{}{}
	return true
}

// settleQueued removes a flushed row from the outbox once d has settled on
// at least one path.
func (p *Pipeline) settleQueued(d *Delivery, row *store.OutboxMessage) {
	defer func() {
		p.mu.Lock()
		delete(p.flushing, row.ClientID)
		p.mu.Unlock()
	}()

	<-d.Done()
	if d.final.State() == StateFailed {
		p.log.Warn().Str("client_id", row.ClientID).Msg("queued message failed on both paths, kept in outbox")
		return
	}
	if err := p.opts.Outbox.Delete(context.Background(), row.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		p.log.Warn().Err(err).Str("client_id", row.ClientID).Msg("remove flushed message from outbox")
	}
}

func (p *Pipeline) onMessageSent(ev proto.MessageSent) {
	if ev.ClientID == "" || ev.MessageID == "" {
		return
	}
	p.update(ev.ClientID, func(m *Message) { m.ServerMessageID = ev.MessageID })
}

func (p *Pipeline) onNewMessage(ev proto.NewMessage) {
	if ev.ClientID == "" || ev.MessageID == "" {
		return
	}
	p.update(ev.ClientID, func(m *Message) {
		if m.ServerMessageID == "" {
			m.ServerMessageID = ev.MessageID
		}
	})
}

func (p *Pipeline) onConnectionStatus(ev proto.ConnectionStatus) {
	if !ev.Connected || p.opts.Outbox == nil {
		return
	}
	p.wg.Go(func() {
		if _, err := p.Flush(p.ctx); err != nil {
			p.log.Warn().Err(err).Msg("outbox flush stopped")
		}
	})
}

func (p *Pipeline) track(msg *Message) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, retried := p.messages[msg.CorrelationID]; !retried {
		p.order = append(p.order, msg.CorrelationID)
	}
	p.messages[msg.CorrelationID] = msg
	for len(p.order) > p.opts.MaxTracked {
		oldest := p.order[0]
		if m, ok := p.messages[oldest]; ok && m.State() == StateSending {
			break
		}
		delete(p.messages, oldest)
		p.order = p.order[1:]
	}
}

// update applies fn to the record and publishes a delivery_update when
// the record exists.
func (p *Pipeline) update(id string, fn func(*Message)) {
	p.mu.Lock()
	m, ok := p.messages[id]
	if ok {
		fn(m)
	}
	p.mu.Unlock()

	if ok {
		p.publish(id)
	}
}

func (p *Pipeline) publish(id string) {
	m, ok := p.Lookup(id)
	if !ok {
		return
	}
	p.bus.Emit(proto.DeliveryUpdate{
		CorrelationID: m.CorrelationID,
		ThreadID:      m.ThreadID,
		Transport:     m.Transport,
		Persistence:   m.Persistence,
		State:         m.State(),
	})
}

func validate(threadID, body string) error {
	if strings.TrimSpace(threadID) == "" {
		return ErrEmptyThread
	}
	if strings.TrimSpace(body) == "" {
		return ErrEmptyMessage
	}
	return nil
}

func messageType(t string) string {
	if t == "" {
		return proto.MessageTypeText
	}
	return t
}

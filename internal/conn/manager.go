// Package conn owns the single websocket connection of a session: the
// handshake, the reconnection policy and the state broadcast.
package conn

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/propchat/internal/bus"
	"github.com/vovakirdan/propchat/internal/proto"
	"github.com/vovakirdan/propchat/internal/sched"
)

// State is the lifecycle state of the connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// active reports whether a connection is live or on its way up.
func (s State) active() bool {
	return s == StateConnecting || s == StateConnected || s == StateReconnecting
}

// Reasons attached to connection_status events.
const (
	ReasonConnecting       = "connecting"
	ReasonConnected        = "connected"
	ReasonReconnected      = "reconnected"
	ReasonTransportError   = "transport_error"
	ReasonAuthError        = "auth_error"
	ReasonReconnectFailed  = "reconnect_failed"
	ReasonClientDisconnect = "client_disconnect"
)

const reconnectTimerKey = "reconnect"

// Options tunes the manager. Zero values fall back to defaults.
type Options struct {
	BaseDelay        time.Duration
	MaxAttempts      int
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Clock            clock.Clock
	Logger           *zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
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

// Backoff returns the delay before reconnect attempt n (1-based).
func Backoff(base time.Duration, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	return base << (n - 1)
}

// Manager drives one connection through its state machine. Connect and
// Disconnect never block on the network; outcomes are published on the bus.
type Manager struct {
	dialer Dialer
	bus    *bus.Bus
	opts   Options
	log    *zerolog.Logger
	timers *sched.Group

	mu         sync.Mutex
	state      State
	credential string
	attempt    int
	lastErr    error
	epoch      uint64
	transport  Transport
	cancel     context.CancelFunc
	hooks      []func()
}

// NewManager creates a disconnected manager.
func NewManager(d Dialer, b *bus.Bus, opts Options) *Manager {
	opts = opts.withDefaults()
	return &Manager{
		dialer: d,
		bus:    b,
		opts:   opts,
		log:    opts.Logger,
		timers: sched.New(opts.Clock),
	}
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempt returns the current reconnect attempt (0 when not reconnecting).
func (m *Manager) Attempt() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempt
}

// LastError returns the error behind the most recent failure.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Credential returns the credential of the current connection.
func (m *Manager) Credential() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.credential
}

// OnTeardown registers fn to run whenever the live connection ends, whether
// by Disconnect or by transport loss.
func (m *Manager) OnTeardown(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, fn)
}

// Connect starts the handshake. It is a no-op while connecting, connected or
// reconnecting.
func (m *Manager) Connect(credential string) {
	m.mu.Lock()
	if m.state.active() {
		state := m.state
		m.mu.Unlock()
		m.log.Debug().Str("state", state.String()).Msg("connect ignored")
		return
	}

	m.credential = credential
	m.attempt = 0
	m.lastErr = nil
	m.epoch++
	epoch := m.epoch
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.state = StateConnecting
	m.mu.Unlock()

	m.publish(false, ReasonConnecting, StateConnecting)
	go m.dial(ctx, epoch, credential, 0)
}

// Reconnect tears the connection down and connects again with credential.
func (m *Manager) Reconnect(credential string) {
	m.Disconnect()
	m.Connect(credential)
}

// RefreshCredential swaps in a refreshed credential. A connecting, connected
// or reconnecting manager is reconnected with it. A disconnected or failed
// one only stores it for the next explicit Connect. It reports whether a
// reconnect was started.
func (m *Manager) RefreshCredential(credential string) bool {
	m.mu.Lock()
	if !m.state.active() {
		m.credential = credential
		state := m.state
		m.mu.Unlock()
		m.log.Debug().Str("state", state.String()).Msg("credential stored, connection idle")
		return false
	}
	prev, t, hooks := m.teardownLocked()
	m.mu.Unlock()

	m.finishTeardown(prev, t, hooks)
	m.Connect(credential)
	return true
}

// Disconnect closes the transport, cancels pending retries and runs the
// teardown hooks.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	prev, t, hooks := m.teardownLocked()
	m.mu.Unlock()

	m.finishTeardown(prev, t, hooks)
}

func (m *Manager) teardownLocked() (State, Transport, []func()) {
	prev := m.state
	m.epoch++
	m.timers.Stop()
	m.cancelLocked()
	t := m.transport
	m.transport = nil
	m.state = StateDisconnected
	m.attempt = 0
	return prev, t, append([]func(){}, m.hooks...)
}

func (m *Manager) finishTeardown(prev State, t Transport, hooks []func()) {
	if t != nil {
		if err := t.Close(ReasonClientDisconnect); err != nil {
			m.log.Debug().Err(err).Msg("close transport")
		}
	}
	runHooks(hooks)

	if prev != StateDisconnected {
		m.log.Info().Str("from", prev.String()).Msg("disconnected")
		m.publish(false, ReasonClientDisconnect, StateDisconnected)
	}
}

// Send writes ev on the live connection.
func (m *Manager) Send(ctx context.Context, ev proto.Event) error {
	m.mu.Lock()
	t := m.transport
	state := m.state
	m.mu.Unlock()

	if state != StateConnected || t == nil {
		return ErrNotConnected
	}

	frame, err := proto.Encode(ev)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, m.opts.WriteTimeout)
	defer cancel()
	if err := t.WriteFrame(ctx, frame); err != nil {
		m.log.Warn().Err(err).Str("event", frame.Event).Msg("write frame")
		return err
	}
	return nil
}

func (m *Manager) dial(ctx context.Context, epoch uint64, credential string, attempt int) {
	dialCtx, cancel := context.WithTimeout(ctx, m.opts.HandshakeTimeout)
	t, err := m.dialer.Dial(dialCtx, credential)
	cancel()

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		if t != nil {
			_ = t.Close("superseded")
		}
		return
	}

	if err == nil {
		m.transport = t
		m.state = StateConnected
		m.attempt = 0
		m.lastErr = nil
		m.mu.Unlock()

		reason := ReasonConnected
		if attempt > 0 {
			reason = ReasonReconnected
		}
		m.log.Info().Int("attempt", attempt).Msg(reason)
		m.publish(true, reason, StateConnected)
		go m.readLoop(ctx, epoch, t)
		return
	}

	m.lastErr = err
	var events []proto.Event
	if errors.Is(err, ErrAuth) {
		m.state = StateFailed
		m.cancelLocked()
		events = []proto.Event{status(false, ReasonAuthError, StateFailed)}
		m.log.Warn().Err(err).Msg("handshake rejected")
	} else {
		m.log.Warn().Err(err).Int("attempt", attempt).Msg("dial failed")
		events = m.afterFailureLocked(ctx, epoch, err)
	}
	m.mu.Unlock()

	m.emit(events)
}

func (m *Manager) readLoop(ctx context.Context, epoch uint64, t Transport) {
	for {
		frame, err := t.ReadFrame(ctx)
		if err != nil {
			m.handleDrop(ctx, epoch, t, err)
			return
		}
		ev, err := proto.Decode(frame)
		if err != nil {
			m.log.Warn().Err(err).Str("event", frame.Event).Msg("dropping inbound frame")
			continue
		}
		m.bus.Emit(ev)
	}
}

func (m *Manager) handleDrop(ctx context.Context, epoch uint64, t Transport, err error) {
	m.mu.Lock()
	if m.epoch != epoch || m.transport != t {
		m.mu.Unlock()
		return
	}
	m.transport = nil
	m.lastErr = err
	hooks := append([]func(){}, m.hooks...)

	var events []proto.Event
	if errors.Is(err, ErrAuth) {
		m.state = StateFailed
		m.cancelLocked()
		events = []proto.Event{status(false, ReasonAuthError, StateFailed)}
	} else {
		events = m.afterFailureLocked(ctx, epoch, err)
	}
	m.mu.Unlock()

	m.log.Warn().Err(err).Msg("connection lost")
	_ = t.Close("connection lost")
	runHooks(hooks)
	m.emit(events)
}

// afterFailureLocked moves the manager into reconnecting and arms the next
// attempt, or gives up once MaxAttempts attempts have failed. It returns the
// events to publish after the lock is released.
func (m *Manager) afterFailureLocked(ctx context.Context, epoch uint64, err error) []proto.Event {
	var events []proto.Event
	if m.state != StateReconnecting {
		m.state = StateReconnecting
		m.attempt = 0
		events = append(events, status(false, ReasonTransportError, StateReconnecting))
	}

	if m.attempt >= m.opts.MaxAttempts {
		attempts := m.attempt
		m.state = StateFailed
		m.attempt = 0
		m.cancelLocked()
		m.log.Error().Int("attempts", attempts).Msg("giving up reconnecting")
		return append(events,
			status(false, ReasonReconnectFailed, StateFailed),
			proto.ReconnectFailed{Attempts: attempts, LastError: err.Error()},
		)
	}

	next := m.attempt + 1
	delay := Backoff(m.opts.BaseDelay, next)
	credential := m.credential
	m.timers.After(reconnectTimerKey, delay, func() {
		m.retry(ctx, epoch, credential, next)
	})
	return append(events, proto.ReconnectScheduled{Attempt: next, Delay: delay})
}

func (m *Manager) retry(ctx context.Context, epoch uint64, credential string, attempt int) {
	m.mu.Lock()
	if m.epoch != epoch || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	m.attempt = attempt
	m.mu.Unlock()

	m.log.Info().Int("attempt", attempt).Msg("reconnecting")
	m.dial(ctx, epoch, credential, attempt)
}

func (m *Manager) cancelLocked() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

func (m *Manager) publish(connected bool, reason string, s State) {
	m.bus.Emit(status(connected, reason, s))
}

func (m *Manager) emit(events []proto.Event) {
	for _, ev := range events {
		m.bus.Emit(ev)
	}
}

func status(connected bool, reason string, s State) proto.ConnectionStatus {
	return proto.ConnectionStatus{Connected: connected, Reason: reason, State: s.String()}
}

func runHooks(hooks []func()) {
	for _, fn := range hooks {
		fn()
	}
}

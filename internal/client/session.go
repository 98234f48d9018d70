// Package client assembles the realtime components into a Session: one
// owned connection with membership, presence, typing, receipts, delivery
// and notifications layered on top of it.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/propchat/internal/auth"
	"github.com/vovakirdan/propchat/internal/bus"
	"github.com/vovakirdan/propchat/internal/config"
	"github.com/vovakirdan/propchat/internal/conn"
	"github.com/vovakirdan/propchat/internal/delivery"
	"github.com/vovakirdan/propchat/internal/membership"
	"github.com/vovakirdan/propchat/internal/notify"
	"github.com/vovakirdan/propchat/internal/persistence"
	"github.com/vovakirdan/propchat/internal/presence"
	"github.com/vovakirdan/propchat/internal/proto"
	"github.com/vovakirdan/propchat/internal/receipts"
	"github.com/vovakirdan/propchat/internal/store"
	"github.com/vovakirdan/propchat/internal/store/sqlite"
	"github.com/vovakirdan/propchat/internal/typing"
)

// Options configures a Session. Only Config and Credentials are required.
type Options struct {
	Config      config.Config
	Credentials auth.CredentialSource

	// Dialer overrides the websocket dialer built from Config.Realtime.
	Dialer conn.Dialer
	// Persister overrides the REST client built from Config.Persistence.
	Persister delivery.Persister
	// Outbox overrides the store selected by Config.Outbox. The session
	// does not close an outbox it was given.
	Outbox  store.OutboxStore
	Alerter notify.Alerter
	Clock   clock.Clock
	Logger  *zerolog.Logger
}

// Session is one authenticated realtime session.
type Session struct {
	self proto.User
	log  *zerolog.Logger

	bus       *bus.Bus
	conn      *conn.Manager
	watcher   *auth.Watcher
	rooms     *membership.Rooms
	presence  *presence.Tracker
	typing    *typing.Engine
	receipts  *receipts.Correlator
	delivery  *delivery.Pipeline
	notify    *notify.Center
	rest      *persistence.Client
	outbox    store.OutboxStore
	ownOutbox bool
	closeOnce sync.Once
	closeErr  error
}

// Open fetches the first credential, builds every component and starts
// connecting. It does not wait for the connection to come up; watch
// connection_status on Bus() for that.
func Open(ctx context.Context, opts Options) (*Session, error) {
	if opts.Credentials == nil {
		return nil, errors.New("client: credentials are required")
	}
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	s := &Session{log: logger, outbox: opts.Outbox}
	s.bus = bus.New(logger)

	dialer := opts.Dialer
	if dialer == nil {
		dialer = &conn.WSDialer{
			URL:       cfg.Realtime.URL,
			ReadLimit: cfg.Relay.ReadLimit,
		}
	}
	s.conn = conn.NewManager(dialer, s.bus, conn.Options{
		BaseDelay:        cfg.Realtime.ReconnectBase,
		MaxAttempts:      cfg.Realtime.ReconnectAttempts,
		HandshakeTimeout: cfg.Realtime.HandshakeTimeout,
		WriteTimeout:     cfg.Realtime.WriteTimeout,
		Clock:            clk,
		Logger:           logger,
	})

	s.watcher = auth.NewWatcher(opts.Credentials, s.conn, auth.WatcherOptions{
		Lead:   cfg.Auth.RefreshLead,
		Clock:  clk,
		Logger: logger,
	})
	token, err := s.watcher.Start(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch credential: %w", err)
	}
	claims, err := auth.ParseUnverified(token)
	if err != nil {
		s.watcher.Stop()
		return nil, fmt.Errorf("parse credential: %w", err)
	}
	s.self = proto.User{ID: claims.UserID(), Name: claims.Name}

	if s.outbox == nil {
		if cfg.Outbox.Path != "" {
			st, err := sqlite.New(cfg.Outbox.Path)
			if err != nil {
				s.watcher.Stop()
				return nil, fmt.Errorf("open outbox: %w", err)
			}
			s.outbox = st
		} else {
			s.outbox = store.NewMemoryOutbox()
		}
		s.ownOutbox = true
	}

	persister := opts.Persister
	if persister == nil {
		s.rest = persistence.New(cfg.Persistence.URL, s.watcher.Token, persistence.Options{
			HTTPClient: &http.Client{Timeout: cfg.Persistence.Timeout},
			Attempts:   cfg.Persistence.Attempts,
			Delay:      cfg.Persistence.RetryDelay,
			Logger:     logger,
		})
		persister = s.rest
	}

	s.rooms = membership.New(s.conn, logger)
	s.presence = presence.NewTracker(s.bus, clk)
	s.typing = typing.New(s.conn, s.bus, typing.Options{
		SelfID:     s.self.ID,
		StopAfter:  cfg.Typing.StopAfter,
		TTL:        cfg.Typing.TTL,
		SweepEvery: cfg.Typing.SweepEvery,
		Clock:      clk,
		Logger:     logger,
	})
	s.receipts = receipts.New(s.bus)
	s.delivery = delivery.New(s.conn, persister, s.bus, delivery.Options{
		Outbox: s.outbox,
		Clock:  clk,
		Logger: logger,
	})

	alerter := opts.Alerter
	if alerter == nil && cfg.Notifications.Alerts {
		alerter = notify.LogAlerter{Logger: logger}
	}
	s.notify = notify.New(s.bus, notify.Options{
		SelfID:     s.self.ID,
		MaxRecords: cfg.Notifications.MaxRecords,
		Alerter:    alerter,
		Clock:      clk,
		Logger:     logger,
	})

	s.conn.OnTeardown(func() {
		s.rooms.Clear()
		s.typing.Reset()
	})

	logger.Info().Str("user_id", s.self.ID).Str("url", cfg.Realtime.URL).Msg("session opened")
	s.conn.Connect(token)
	return s, nil
}

// Self returns the authenticated user.
func (s *Session) Self() proto.User { return s.self }

// Component accessors.

func (s *Session) Bus() *bus.Bus { return s.bus }
func (s *Session) Conn() *conn.Manager { return s.conn }
func (s *Session) Rooms() *membership.Rooms { return s.rooms }
func (s *Session) Presence() *presence.Tracker { return s.presence }
func (s *Session) Typing() *typing.Engine { return s.typing }
func (s *Session) Receipts() *receipts.Correlator { return s.receipts }
func (s *Session) Delivery() *delivery.Pipeline { return s.delivery }
func (s *Session) Notifications() *notify.Center { return s.notify }
func (s *Session) Credential() string { return s.watcher.Current() }
func (s *Session) State() conn.State { return s.conn.State() }

// Persistence returns the REST client, or nil when Options.Persister
// replaced it.
func (s *Session) Persistence() *persistence.Client { return s.rest }

// Connect starts connecting again with the latest credential. It is the
// manual path after Disconnect or reconnect_failed; refreshes never restart
// an idle connection on their own.
func (s *Session) Connect() { s.conn.Connect(s.watcher.Current()) }

// SendMessage stops the typing signal for the thread and sends body on both
// paths. While disconnected the message goes to the outbox and queued is
// true.
func (s *Session) SendMessage(ctx context.Context, threadID, body string) (d *delivery.Delivery, queued bool, err error) {
	s.typing.Stop(ctx, threadID)
	return s.delivery.SendOrQueue(ctx, threadID, body, proto.MessageTypeText)
}

// Type reports a keystroke in threadID.
func (s *Session) Type(ctx context.Context, threadID string) error {
	return s.typing.Input(ctx, threadID)
}

// MarkRead acknowledges a whole thread, or one message when messageID is set.
func (s *Session) MarkRead(ctx context.Context, threadID, messageID string) error {
	return s.conn.Send(ctx, proto.MarkMessageRead{ThreadID: threadID, ThreadMessageID: messageID})
}

// UpdateStatus announces the local status and mirrors it locally.
func (s *Session) UpdateStatus(ctx context.Context, status presence.Status) error {
	if err := s.conn.Send(ctx, proto.UpdateStatus{Status: string(status)}); err != nil {
		return err
	}
	s.presence.ApplyStatus(s.self.ID, status)
	return nil
}

// Close tears the session down. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.watcher.Stop()
		s.conn.Disconnect()
		s.typing.Close()
		s.delivery.Close()
		s.notify.Close()
		s.receipts.Close()
		s.presence.Close()
		if s.ownOutbox {
			s.closeErr = s.outbox.Close()
		}
		s.log.Info().Str("user_id", s.self.ID).Msg("session closed")
	})
	return s.closeErr
}

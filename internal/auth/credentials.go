package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/propchat/internal/sched"
)

const refreshKey = "refresh"

// CredentialSource supplies bearer tokens. Acquiring them (login, refresh
// endpoints) is the caller's concern.
type CredentialSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a CredentialSource that always returns the same token.
type StaticToken string

func (s StaticToken) Token(context.Context) (string, error) {
	if s == "" {
		return "", errors.New("empty token")
	}
	return string(s), nil
}

// Minter issues fresh tokens signed with a shared secret. It backs the
// development CLI, where client and relay share a config file.
type Minter struct {
	Config *JWTConfig
	UserID string
	Name   string
}

func (m Minter) Token(context.Context) (string, error) {
	return GenerateToken(m.Config, m.UserID, m.Name)
}

// Reconnector is implemented by the connection manager. RefreshCredential
// reconnects only a connection that is up or coming up, and reports whether
// it did.
type Reconnector interface {
	RefreshCredential(credential string) bool
}

// WatcherOptions tunes a Watcher.
type WatcherOptions struct {
	// Lead is how long before expiry the credential is refreshed.
	Lead time.Duration
	// RetryDelay spaces attempts after the source fails.
	RetryDelay time.Duration
	Clock      clock.Clock
	Logger     *zerolog.Logger
}

// Watcher refreshes the session credential shortly before it expires and
// hands the new one to the connection. An idle or failed connection is not
// restarted.
type Watcher struct {
	src    CredentialSource
	target Reconnector
	opts   WatcherOptions
	log    *zerolog.Logger
	timers *sched.Group

	mu      sync.RWMutex
	current string
}

// NewWatcher creates a stopped watcher.
func NewWatcher(src CredentialSource, target Reconnector, opts WatcherOptions) *Watcher {
	if opts.Lead <= 0 {
		opts.Lead = 30 * time.Second
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		nop := zerolog.Nop()
		opts.Logger = &nop
	}
	return &Watcher{
		src:    src,
		target: target,
		opts:   opts,
		log:    opts.Logger,
		timers: sched.New(opts.Clock),
	}
}

// Start fetches the first token and arms the refresh timer. The token is
// returned for the initial Connect.
func (w *Watcher) Start(ctx context.Context) (string, error) {
	token, err := w.src.Token(ctx)
	if err != nil {
		return "", err
	}
	w.set(token)
	w.arm(token, 0)
	return token, nil
}

// Current returns the latest token.
func (w *Watcher) Current() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Token implements CredentialSource with the latest token.
func (w *Watcher) Token(context.Context) (string, error) {
	if t := w.Current(); t != "" {
		return t, nil
	}
	return "", errors.New("no credential yet")
}

// Stop cancels the pending refresh.
func (w *Watcher) Stop() { w.timers.Stop() }

// arm schedules the next refresh, never sooner than floor.
func (w *Watcher) arm(token string, floor time.Duration) {
	exp, err := ExpiresAt(token)
	if err != nil {
		if !errors.Is(err, ErrNoExpiry) {
			w.log.Warn().Err(err).Msg("cannot read credential expiry")
		}
		return
	}
	d := exp.Sub(w.opts.Clock.Now()) - w.opts.Lead
	if d < floor {
		d = floor
	}
	w.log.Debug().Dur("in", d).Msg("credential refresh scheduled")
	w.timers.After(refreshKey, d, w.refresh)
}

func (w *Watcher) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	token, err := w.src.Token(ctx)
	if err != nil {
		w.log.Warn().Err(err).Dur("retry_in", w.opts.RetryDelay).Msg("credential refresh failed")
		w.timers.After(refreshKey, w.opts.RetryDelay, w.refresh)
		return
	}
	w.set(token)
	if w.target.RefreshCredential(token) {
		w.log.Info().Msg("credential refreshed, reconnecting")
	} else {
		w.log.Info().Msg("credential refreshed, connection idle")
	}
	w.arm(token, w.opts.RetryDelay)
}

func (w *Watcher) set(token string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.current = token
}

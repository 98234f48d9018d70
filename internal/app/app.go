package app

import (
	"context"
	"errors"
	stdhttp "net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vovakirdan/propchat/internal/auth"
	"github.com/vovakirdan/propchat/internal/config"
	"github.com/vovakirdan/propchat/internal/persistence/memserver"
	"github.com/vovakirdan/propchat/internal/relay"
)

// App wires the development relay: hub, persistence stand-in and HTTP server.
type App struct {
	server          *stdhttp.Server
	shutdownTimeout time.Duration
	hub             *relay.Hub
	log             *zerolog.Logger
}

// JWTConfig converts the auth section into the form the auth package uses.
func JWTConfig(cfg config.AuthConfig) *auth.JWTConfig {
	return &auth.JWTConfig{
		Secret:   []byte(cfg.Secret),
		Issuer:   cfg.Issuer,
		Audience: cfg.Audience,
		TTL:      cfg.TTL,
	}
}

// New constructs the relay application with provided configuration.
func New(cfg *config.Config, logger *zerolog.Logger) *App {
	jwtCfg := JWTConfig(cfg.Auth)

	st := memserver.NewStore()
	hub := relay.NewHub(st, logger)
	api := memserver.NewHandlers(st, relay.Authenticator(jwtCfg), logger)
	server := relay.NewServer(hub, api, jwtCfg, cfg.Relay, logger)

	return &App{
		server:          server,
		shutdownTimeout: cfg.Relay.ShutdownTimeout,
		hub:             hub,
		log:             logger,
	}
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() stdhttp.Handler { return a.server.Handler }

// Run starts the hub and the HTTP server and blocks until context
// cancellation or a fatal server error.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.hub.Run(gctx)
		return nil
	})

	g.Go(func() error {
		a.log.Info().Str("addr", a.server.Addr).Msg("relay listening")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, stdhttp.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		return a.server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

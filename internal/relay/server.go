package relay

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/propchat/internal/auth"
	"github.com/vovakirdan/propchat/internal/config"
	"github.com/vovakirdan/propchat/internal/persistence/memserver"
)

// NewServer builds the relay HTTP server: /health, the authenticated /ws
// upgrade and, when api is non-nil, the persistence API under /api.
func NewServer(hub *Hub, api *memserver.Handlers, jwtCfg *auth.JWTConfig, cfg config.RelayConfig, logger *zerolog.Logger) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           NewRouter(hub, api, jwtCfg, cfg, logger),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

// NewRouter returns the gin engine behind NewServer.
func NewRouter(hub *Hub, api *memserver.Handlers, jwtCfg *auth.JWTConfig, cfg config.RelayConfig, logger *zerolog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), LoggerMiddleware(logger))

	r.GET("/health", healthHandler)
	ws := NewWSHandler(hub, cfg.ReadLimit, cfg.RateLimit, logger)
	r.GET("/ws", AuthMiddleware(jwtCfg, logger), ws.Handle)
	if api != nil {
		api.Register(r.Group("/api"))
	}
	return r
}

func healthHandler(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

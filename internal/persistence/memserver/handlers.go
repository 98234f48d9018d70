package memserver

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/propchat/internal/persistence"
)

const contextKeyIdentity = "identity"

// Authenticator resolves a bearer token to the calling user.
type Authenticator func(token string) (Identity, error)

// Handlers serves the persistence REST API from a Store.
type Handlers struct {
	store *Store
	auth  Authenticator
	log   *zerolog.Logger
}

// NewHandlers creates handlers over st.
func NewHandlers(st *Store, auth Authenticator, logger *zerolog.Logger) *Handlers {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Handlers{store: st, auth: auth, log: logger}
}

// Register mounts the API on r (normally the /api group).
func (h *Handlers) Register(r gin.IRouter) {
	r.Use(h.authMiddleware())
	r.POST("/messages", h.CreateThread)
	r.GET("/messages", h.ListMessages)
	r.GET("/messages/unread-count", h.UnreadCount)
	r.POST("/messages/:id/read", h.MarkRead)
	r.GET("/threads/:id", h.GetThread)
	r.POST("/threads/:id/reply", h.Reply)
	r.POST("/threads/:id/close", h.CloseThread)
}

// NewEngine returns a standalone gin engine serving the API under /api.
func NewEngine(st *Store, auth Authenticator, logger *zerolog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	NewHandlers(st, auth, logger).Register(r.Group("/api"))
	return r
}

func (h *Handlers) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			h.log.Debug().Msg("missing or malformed authorization header")
			c.AbortWithStatusJSON(http.StatusUnauthorized, persistence.ErrorResponse{Error: "missing authorization header"})
			return
		}

		id, err := h.auth(parts[1])
		if err != nil {
			h.log.Debug().Err(err).Msg("invalid token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, persistence.ErrorResponse{Error: "invalid token"})
			return
		}
		c.Set(contextKeyIdentity, id)
		c.Next()
	}
}

func identity(c *gin.Context) Identity {
	v, _ := c.Get(contextKeyIdentity)
	id, _ := v.(Identity)
	return id
}

// CreateThread handles POST /api/messages.
func (h *Handlers) CreateThread(c *gin.Context) {
	var req persistence.NewThread
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, persistence.ErrorResponse{Error: "invalid request body"})
		return
	}
	th := h.store.CreateThread(identity(c), req)
	h.log.Debug().Str("thread_id", th.ID).Msg("thread created")
	c.JSON(http.StatusCreated, th)
}

// ListMessages handles GET /api/messages.
func (h *Handlers) ListMessages(c *gin.Context) {
	opts := persistence.ListOptions{
		ThreadID: c.Query("threadId"),
		Unread:   c.Query("unread") == "true",
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, persistence.ErrorResponse{Error: "invalid limit"})
			return
		}
		opts.Limit = n
	}
	c.JSON(http.StatusOK, h.store.Messages(identity(c).ID, opts))
}

// UnreadCount handles GET /api/messages/unread-count.
func (h *Handlers) UnreadCount(c *gin.Context) {
	c.JSON(http.StatusOK, persistence.UnreadCount{Count: h.store.UnreadCount(identity(c).ID)})
}

// MarkRead handles POST /api/messages/:id/read.
func (h *Handlers) MarkRead(c *gin.Context) {
	m, err := h.store.MarkRead(identity(c).ID, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// GetThread handles GET /api/threads/:id.
func (h *Handlers) GetThread(c *gin.Context) {
	th, err := h.store.Thread(identity(c).ID, c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, th)
}

// Reply handles POST /api/threads/:id/reply.
func (h *Handlers) Reply(c *gin.Context) {
	var req persistence.Reply
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, persistence.ErrorResponse{Error: "invalid request body"})
		return
	}
	m, err := h.store.Reply(identity(c), c.Param("id"), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

// CloseThread handles POST /api/threads/:id/close.
func (h *Handlers) CloseThread(c *gin.Context) {
	if err := h.store.Close(identity(c).ID, c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrThreadNotFound), errors.Is(err, ErrMessageNotFound):
		c.JSON(http.StatusNotFound, persistence.ErrorResponse{Error: err.Error()})
	case errors.Is(err, ErrNotParticipant):
		c.JSON(http.StatusForbidden, persistence.ErrorResponse{Error: err.Error()})
	case errors.Is(err, ErrThreadClosed):
		c.JSON(http.StatusConflict, persistence.ErrorResponse{Error: err.Error()})
	default:
		h.log.Error().Err(err).Msg("persistence request failed")
		c.JSON(http.StatusInternalServerError, persistence.ErrorResponse{Error: "internal server error"})
	}
}

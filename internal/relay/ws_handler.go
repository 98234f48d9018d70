package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vovakirdan/propchat/internal/auth"
	"github.com/vovakirdan/propchat/internal/proto"
)

var errCredentialExpired = errors.New("credential expired")

// WSHandler upgrades authenticated requests and bridges them to the hub.
type WSHandler struct {
	hub       *Hub
	readLimit int64
	rateLimit int
	log       *zerolog.Logger
}

// NewWSHandler builds a websocket handler. It expects AuthMiddleware to
// have stored the caller's claims.
func NewWSHandler(hub *Hub, readLimit int64, rateLimit int, logger *zerolog.Logger) *WSHandler {
	return &WSHandler{hub: hub, readLimit: readLimit, rateLimit: rateLimit, log: logger}
}

// Handle serves one websocket session.
func (h *WSHandler) Handle(c *gin.Context) {
	claims, ok := c.MustGet(ContextKeyClaims).(*auth.Claims)
	if !ok {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	ctx := c.Request.Context()

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.CloseNow()
	if h.readLimit > 0 {
		conn.SetReadLimit(h.readLimit)
	}

	client := NewClient(claims.UserID(), claims.Name)
	if err := h.hub.Register(ctx, client); err != nil {
		conn.Close(websocket.StatusTryAgainLater, "relay unavailable")
		return
	}
	defer h.hub.Unregister(client)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.readLoop(gctx, conn, client) })
	g.Go(func() error { return h.writeLoop(gctx, conn, client) })
	if claims.ExpiresAt != nil {
		expiry := claims.ExpiresAt.Time
		g.Go(func() error { return h.expire(gctx, conn, expiry) })
	}
	err = g.Wait()

	status := websocket.StatusNormalClosure
	reason := "closing"
	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.Is(err, io.EOF):
	case errors.Is(err, errCredentialExpired):
		h.log.Info().Str("user_id", client.UserID).Msg("ws credential expired")
		return
	default:
		if s := websocket.CloseStatus(err); s == websocket.StatusNormalClosure || s == websocket.StatusGoingAway {
			break
		}
		status = websocket.StatusInternalError
		reason = "internal error"
		h.log.Warn().Err(err).Str("client_id", client.ID).Msg("ws connection closed with error")
	}

	conn.Close(status, reason)
}

// expire closes the session with the auth close code once the credential
// it was opened with runs out.
func (h *WSHandler) expire(ctx context.Context, conn *websocket.Conn, at time.Time) error {
	t := time.NewTimer(time.Until(at))
	defer t.Stop()
	select {
	case <-t.C:
		conn.Close(websocket.StatusCode(proto.CloseAuthFailed), errCredentialExpired.Error())
		return errCredentialExpired
	case <-ctx.Done():
		return nil
	}
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, client *Client) error {
	limiter := newRateLimiter(h.rateLimit, nil)
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		var frame proto.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			deliver(client, proto.Error{Code: ErrCodeBadRequest, Message: "malformed frame"})
			continue
		}
		ev, err := proto.Decode(frame)
		if err != nil {
			h.log.Debug().Err(err).Str("client_id", client.ID).Msg("rejected inbound frame")
			deliver(client, proto.Error{Code: ErrCodeBadRequest, Message: err.Error()})
			continue
		}
		if _, isSend := ev.(proto.SendMessage); isSend && !limiter.allow() {
			deliver(client, proto.Error{Code: ErrCodeRateLimited, Message: "too many messages"})
			continue
		}
		if err := h.hub.Submit(ctx, client, ev); err != nil {
			return err
		}
	}
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, client *Client) error {
	for {
		select {
		case ev := <-client.Events:
			frame, err := proto.Encode(ev)
			if err != nil {
				h.log.Error().Err(err).Str("client_id", client.ID).Msg("encode ws event")
				continue
			}
			if err := wsjson.Write(ctx, conn, frame); err != nil {
				h.log.Debug().Err(err).Str("client_id", client.ID).Msg("write ws event")
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

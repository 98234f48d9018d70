package conn

import (
	"context"
	"errors"
	"fmt"
	stdhttp "net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/vovakirdan/propchat/internal/proto"
)

// Transport is one established duplex connection.
type Transport interface {
	ReadFrame(ctx context.Context) (proto.Frame, error)
	WriteFrame(ctx context.Context, f proto.Frame) error
	Close(reason string) error
}

// Dialer performs the authenticated handshake.
type Dialer interface {
	Dial(ctx context.Context, credential string) (Transport, error)
}

// WSDialer dials the relay over websocket, presenting the credential as a
// bearer token.
type WSDialer struct {
	URL        string
	HTTPClient *stdhttp.Client
	ReadLimit  int64
}

// Dial implements Dialer.
func (d *WSDialer) Dial(ctx context.Context, credential string) (Transport, error) {
	header := stdhttp.Header{}
	if credential != "" {
		header.Set("Authorization", "Bearer "+credential)
	}

	c, resp, err := websocket.Dial(ctx, d.URL, &websocket.DialOptions{
		HTTPHeader: header,
		HTTPClient: d.HTTPClient,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == stdhttp.StatusUnauthorized || resp.StatusCode == stdhttp.StatusForbidden) {
			return nil, &AuthError{Reason: fmt.Sprintf("handshake status %d", resp.StatusCode), Err: err}
		}
		return nil, &TransportError{Op: "dial", Err: err}
	}
	if d.ReadLimit > 0 {
		c.SetReadLimit(d.ReadLimit)
	}
	return &wsTransport{conn: c}, nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) ReadFrame(ctx context.Context) (proto.Frame, error) {
	var f proto.Frame
	if err := wsjson.Read(ctx, t.conn, &f); err != nil {
		switch websocket.CloseStatus(err) {
		case websocket.StatusCode(proto.CloseAuthFailed), websocket.StatusPolicyViolation:
			return proto.Frame{}, &AuthError{Reason: "closed by server", Err: err}
		}
		if errors.Is(err, context.Canceled) {
			return proto.Frame{}, err
		}
		return proto.Frame{}, &TransportError{Op: "read", Err: err}
	}
	return f, nil
}

func (t *wsTransport) WriteFrame(ctx context.Context, f proto.Frame) error {
	if err := wsjson.Write(ctx, t.conn, f); err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

func (t *wsTransport) Close(reason string) error {
	return t.conn.Close(websocket.StatusNormalClosure, reason)
}

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/vovakirdan/propchat/internal/auth"
	"github.com/vovakirdan/propchat/internal/config"
	"github.com/vovakirdan/propchat/internal/proto"
)

func main() {
	if err := run(); err != nil {
		log.Printf("ws_smoke: %v", err)
		os.Exit(1)
	}
}

func run() error {
	defaults := config.Default()
	addr := flag.String("addr", defaults.Realtime.URL, "WebSocket address")
	secret := flag.String("secret", defaults.Auth.Secret, "JWT secret shared with the relay")
	user := flag.String("user", "smoke-tester", "user id to mint a token for")
	thread := flag.String("thread", "smoke", "thread id")
	text := flag.String("text", "hello from smoke test", "message text to send")
	timeout := flag.Duration("timeout", 5*time.Second, "total timeout for the run")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	token, err := auth.GenerateToken(&auth.JWTConfig{
		Secret:   []byte(*secret),
		Issuer:   defaults.Auth.Issuer,
		Audience: defaults.Auth.Audience,
		TTL:      time.Minute,
	}, *user, *user)
	if err != nil {
		return fmt.Errorf("mint token: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.Dial(ctx, *addr, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	clientID := uuid.NewString()
	for _, ev := range []proto.Event{
		proto.JoinThread{ThreadID: *thread},
		proto.SendMessage{ThreadID: *thread, Message: *text, MessageType: proto.MessageTypeText, ClientID: clientID},
	} {
		frame, err := proto.Encode(ev)
		if err != nil {
			return err
		}
		if err := wsjson.Write(ctx, conn, frame); err != nil {
			return fmt.Errorf("send %s: %w", ev.EventName(), err)
		}
	}

	var echoed, acked bool
	for !echoed || !acked {
		var frame proto.Frame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		fmt.Printf("Received event=%s data=%s\n", frame.Event, frame.Data)

		ev, err := proto.Decode(frame)
		if err != nil {
			continue
		}
		switch ev := ev.(type) {
		case proto.NewMessage:
			echoed = ev.ClientID == clientID
		case proto.MessageSent:
			acked = ev.ClientID == clientID
		case proto.Error:
			return fmt.Errorf("relay error %s: %s", ev.Code, ev.Message)
		}
	}
	fmt.Println("smoke ok: echo and ack received")
	return nil
}

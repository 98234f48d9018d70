package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/propchat/internal/app"
	"github.com/vovakirdan/propchat/internal/auth"
	"github.com/vovakirdan/propchat/internal/bus"
	"github.com/vovakirdan/propchat/internal/client"
	"github.com/vovakirdan/propchat/internal/conn"
	"github.com/vovakirdan/propchat/internal/presence"
	"github.com/vovakirdan/propchat/internal/proto"
)

const chatHelp = `Type a message and press Enter to send. Commands:
  /read              mark the thread as read
  /status <status>   online, away or busy
  /who               list online users
  /rejoin            rejoin threads after a reconnect
  /connect           connect again after the relay gave up
  /notifications     list notifications
  /quit              leave`

func newChatCmd(c *cli) *cobra.Command {
	var (
		userID, name, threadID, token string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive client for one thread",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if threadID == "" {
				return errors.New("--thread is required")
			}
			var src auth.CredentialSource = auth.StaticToken(token)
			if token == "" {
				if userID == "" {
					return errors.New("--user or --token is required")
				}
				src = auth.Minter{Config: app.JWTConfig(c.cfg.Auth), UserID: userID, Name: name}
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runChat(ctx, c, src, threadID, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&userID, "user", "", "user id; a token is minted with the configured secret")
	flags.StringVar(&name, "name", "", "display name")
	flags.StringVar(&token, "token", "", "use this bearer token instead of minting one")
	flags.StringVar(&threadID, "thread", "", "thread to open")
	flags.StringVar(&c.overrides.Realtime.URL, "url", "", "relay websocket URL")
	flags.StringVar(&c.overrides.Persistence.URL, "api", "", "persistence service base URL")
	flags.StringVar(&c.overrides.Outbox.Path, "outbox", "", "sqlite file for messages composed offline")
	return cmd
}

// lockedWriter serializes output from bus handlers and the input loop.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, format+"\n", args...)
}

func runChat(ctx context.Context, c *cli, src auth.CredentialSource, threadID string, in io.Reader, w io.Writer) error {
	out := &lockedWriter{w: w}

	sess, err := client.Open(ctx, client.Options{Config: c.cfg, Credentials: src, Logger: c.logger})
	if err != nil {
		return err
	}
	defer sess.Close()
	subscribe(sess, out)

	if err := waitConnected(ctx, sess); err != nil {
		return err
	}
	view, err := sess.EnterThreadView(ctx, threadID)
	if err != nil {
		return fmt.Errorf("join thread: %w", err)
	}
	defer view.Exit(context.Background())

	out.printf("Connected to %s as %s in thread %s", c.cfg.Realtime.URL, sess.Self().Name, threadID)
	out.printf("%s", chatHelp)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if done := handleLine(ctx, sess, view, out, strings.TrimSpace(line)); done {
				return nil
			}
		}
	}
}

func handleLine(ctx context.Context, sess *client.Session, view *client.ThreadView, out *lockedWriter, line string) bool {
	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case "":
		return false
	case "/quit":
		return true
	case "/read":
		if err := view.MarkRead(ctx); err != nil {
			out.printf("!! mark read: %v", err)
		}
	case "/status":
		status, err := presence.ParseStatus(arg)
		if err != nil {
			out.printf("!! %v", err)
			return false
		}
		if err := sess.UpdateStatus(ctx, status); err != nil {
			out.printf("!! update status: %v", err)
		}
	case "/who":
		out.printf("online: %s", strings.Join(sess.Presence().Online(), ", "))
	case "/connect":
		sess.Connect()
	case "/rejoin":
		if err := sess.Rooms().Rejoin(ctx); err != nil {
			out.printf("!! rejoin: %v", err)
		}
	case "/notifications":
		for _, r := range sess.Notifications().List() {
			mark := " "
			if !r.Read {
				mark = "*"
			}
			out.printf("%s %s  %s: %s", mark, r.CreatedAt.Format(time.Kitchen), r.Title, r.Body)
		}
		sess.Notifications().MarkAllAsRead()
	default:
		send(ctx, view, out, line)
	}
	return false
}

func send(ctx context.Context, view *client.ThreadView, out *lockedWriter, body string) {
	d, queued, err := view.Send(ctx, body)
	switch {
	case err != nil:
		out.printf("!! send: %v", err)
	case queued:
		out.printf("-- offline, message queued")
	default:
		go func() {
			if _, err := d.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
				out.printf("!! not saved: %v", err)
			}
		}()
	}
}

func waitConnected(ctx context.Context, sess *client.Session) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		switch sess.State() {
		case conn.StateConnected:
			return nil
		case conn.StateFailed:
			if err := sess.Conn().LastError(); err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			return errors.New("connect failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func subscribe(sess *client.Session, out *lockedWriter) {
	b := sess.Bus()
	self := sess.Self().ID

	bus.On(b, func(ev proto.NewMessage) {
		if sess.Delivery().IsOwnEcho(ev) {
			return
		}
		out.printf("[%s] %s: %s", ev.Timestamp.Local().Format(time.Kitchen), ev.Sender.Name, ev.Message)
	})
	bus.On(b, func(ev proto.UserTyping) {
		if ev.IsTyping && ev.UserID != self {
			out.printf("* %s is typing...", ev.UserName)
		}
	})
	bus.On(b, func(ev proto.MessageRead) {
		out.printf("-- read by %s", ev.ReadBy.Name)
	})
	bus.On(b, func(ev proto.NewMessageNotification) {
		out.printf("! %s in thread %s: %s", ev.Sender.Name, ev.ThreadID, ev.Message)
	})
	bus.On(b, func(ev proto.UserStatusChange) {
		if ev.UserID != self {
			out.printf("-- %s is %s", ev.UserID, strings.ToLower(sess.Presence().Display(ev.UserID)))
		}
	})
	bus.On(b, func(ev proto.ConnectionStatus) {
		out.printf("-- connection %s (%s)", ev.State, ev.Reason)
		if ev.Connected && ev.Reason == conn.ReasonReconnected {
			out.printf("-- type /rejoin to resume the thread")
		}
	})
	bus.On(b, func(ev proto.ReconnectScheduled) {
		out.printf("-- reconnecting in %s (attempt %d)", ev.Delay, ev.Attempt)
	})
	bus.On(b, func(ev proto.ReconnectFailed) {
		out.printf("!! gave up after %d attempts: %s (type /connect to retry)", ev.Attempts, ev.LastError)
	})
	bus.On(b, func(ev proto.Error) {
		out.printf("!! %s", ev.Message)
	})
}

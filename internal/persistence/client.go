// Package persistence is the client of the durable message service.
package persistence

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/rs/zerolog"
)

var (
	// ErrUnauthorized is returned for 401 and 403 responses.
	ErrUnauthorized = errors.New("persistence: unauthorized")
	// ErrNotFound is returned for 404 responses.
	ErrNotFound = errors.New("persistence: not found")
)

// StatusError is a non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Msg    string
}

func (e *StatusError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Msg)
	}
	return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Code)
}

// Is maps status codes onto the package sentinels.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden
	case ErrNotFound:
		return e.Code == http.StatusNotFound
	}
	return false
}

// Temporary reports whether retrying the request may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// TokenFunc returns the bearer credential for a request.
type TokenFunc func(ctx context.Context) (string, error)

// Options configures a Client.
type Options struct {
	HTTPClient *http.Client
	Attempts   uint
	Delay      time.Duration
	MaxDelay   time.Duration
	Logger     *zerolog.Logger
}

// Client talks to the persistence REST API.
type Client struct {
	base  string
	token TokenFunc
	http  *http.Client
	opts  Options
	log   *zerolog.Logger
}

// New creates a client for the service rooted at baseURL (for example
// "http://localhost:8080"; the /api prefix is added per request).
func New(baseURL string, token TokenFunc, opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.Attempts == 0 {
		opts.Attempts = 3
	}
	if opts.Delay <= 0 {
		opts.Delay = 200 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 5 * time.Second
	}
	if opts.Logger == nil {
		nop := zerolog.Nop()
		opts.Logger = &nop
	}
	return &Client{
		base:  strings.TrimRight(baseURL, "/"),
		token: token,
		http:  opts.HTTPClient,
		opts:  opts,
		log:   opts.Logger,
	}
}

// CreateThread starts a new thread.
// POST /api/messages
func (c *Client) CreateThread(ctx context.Context, in NewThread) (*Thread, error) {
	var out Thread
	if err := c.do(ctx, http.MethodPost, "/api/messages", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListMessages lists the caller's messages.
// GET /api/messages?threadId=&unread=&limit=
func (c *Client) ListMessages(ctx context.Context, opts ListOptions) ([]Message, error) {
	q := url.Values{}
	if opts.ThreadID != "" {
		q.Set("threadId", opts.ThreadID)
	}
	if opts.Unread {
		q.Set("unread", "true")
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	path := "/api/messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out []Message
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetThread returns a thread with its messages.
// GET /api/threads/{id}
func (c *Client) GetThread(ctx context.Context, threadID string) (*Thread, error) {
	var out Thread
	if err := c.do(ctx, http.MethodGet, "/api/threads/"+url.PathEscape(threadID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReplyToThread appends a message to a thread.
// POST /api/threads/{id}/reply
func (c *Client) ReplyToThread(ctx context.Context, threadID string, in Reply) (*Message, error) {
	var out Message
	if err := c.do(ctx, http.MethodPost, "/api/threads/"+url.PathEscape(threadID)+"/reply", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MarkRead marks a single message as read.
// POST /api/messages/{id}/read
func (c *Client) MarkRead(ctx context.Context, messageID string) error {
	return c.do(ctx, http.MethodPost, "/api/messages/"+url.PathEscape(messageID)+"/read", nil, nil)
}

// UnreadCount returns the caller's unread message count.
// GET /api/messages/unread-count
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	var out UnreadCount
	if err := c.do(ctx, http.MethodGet, "/api/messages/unread-count", nil, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// CloseThread closes a thread for further replies.
// POST /api/threads/{id}/close
func (c *Client) CloseThread(ctx context.Context, threadID string) error {
	return c.do(ctx, http.MethodPost, "/api/threads/"+url.PathEscape(threadID)+"/close", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	var last error
	err := retry.Do(
		func() error {
			last = c.once(ctx, method, path, body, out)
			var se *StatusError
			if errors.As(last, &se) && !se.Temporary() {
				return retry.Unrecoverable(last)
			}
			return last
		},
		retry.Attempts(c.opts.Attempts),
		retry.Delay(c.opts.Delay),
		retry.MaxDelay(c.opts.MaxDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.log.Debug().Err(err).Uint("attempt", n).Str("method", method).Str("path", path).Msg("retrying persistence request")
		}),
	)
	if err == nil {
		return nil
	}
	if last != nil {
		return last
	}
	return err
}

func (c *Client) once(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	if c.token != nil {
		token, err := c.token(ctx)
		if err != nil {
			return fmt.Errorf("credential: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			c.log.Debug().Err(cerr).Msg("close response body")
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{Method: method, Path: path, Code: resp.StatusCode}
		var er ErrorResponse
		if json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&er) == nil {
			se.Msg = er.Error
		}
		return se
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

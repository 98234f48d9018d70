package conn

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/vovakirdan/propchat/internal/bus"
	"github.com/vovakirdan/propchat/internal/proto"
)

type fakeTransport struct {
	in        chan proto.Frame
	drop      chan error
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written []proto.Frame
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan proto.Frame, 16),
		drop:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (t *fakeTransport) ReadFrame(ctx context.Context) (proto.Frame, error) {
	select {
	case f := <-t.in:
		return f, nil
	case err := <-t.drop:
		return proto.Frame{}, err
	case <-t.closed:
		return proto.Frame{}, &TransportError{Op: "read", Err: io.EOF}
	case <-ctx.Done():
		return proto.Frame{}, ctx.Err()
	}
}

func (t *fakeTransport) WriteFrame(_ context.Context, f proto.Frame) error {
	select {
	case <-t.closed:
		return &TransportError{Op: "write", Err: io.ErrClosedPipe}
	default:
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.written = append(t.written, f)
	return nil
}

func (t *fakeTransport) Close(string) error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) frames() []proto.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]proto.Frame(nil), t.written...)
}

// fakeDialer answers each Dial with the next scripted error; a nil error
// yields a fresh fakeTransport. Once the script runs out every dial succeeds.
type fakeDialer struct {
	clock clock.Clock

	mu         sync.Mutex
	script     []error
	dialTimes  []time.Time
	creds      []string
	transports []*fakeTransport
	block      chan struct{}
}

func (d *fakeDialer) Dial(ctx context.Context, credential string) (Transport, error) {
	d.mu.Lock()
	block := d.block
	d.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, &TransportError{Op: "dial", Err: ctx.Err()}
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.dialTimes = append(d.dialTimes, d.clock.Now())
	d.creds = append(d.creds, credential)
	var err error
	if len(d.script) > 0 {
		err = d.script[0]
		d.script = d.script[1:]
	}
	if err != nil {
		return nil, err
	}
	t := newFakeTransport()
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dialTimes)
}

func (d *fakeDialer) credentials() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.creds...)
}

func (d *fakeDialer) times() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Time(nil), d.dialTimes...)
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

var errNetDown = &TransportError{Op: "dial", Err: errors.New("connection refused")}

type recorder struct {
	mu     sync.Mutex
	events []proto.Event
}

func record(b *bus.Bus, names ...string) *recorder {
	r := &recorder{}
	for _, name := range names {
		b.On(name, func(ev proto.Event) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, ev)
		})
	}
	return r
}

func (r *recorder) snapshot() []proto.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]proto.Event(nil), r.events...)
}

func (r *recorder) statuses() []proto.ConnectionStatus {
	var out []proto.ConnectionStatus
	for _, ev := range r.snapshot() {
		if s, ok := ev.(proto.ConnectionStatus); ok {
			out = append(out, s)
		}
	}
	return out
}

func (r *recorder) scheduled() []proto.ReconnectScheduled {
	var out []proto.ReconnectScheduled
	for _, ev := range r.snapshot() {
		if s, ok := ev.(proto.ReconnectScheduled); ok {
			out = append(out, s)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

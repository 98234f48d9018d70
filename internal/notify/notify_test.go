package notify

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/vovakirdan/propchat/internal/bus"
	"github.com/vovakirdan/propchat/internal/conn"
	"github.com/vovakirdan/propchat/internal/proto"
)

func newTestCenter(t *testing.T, opts Options) (*Center, *bus.Bus) {
	t.Helper()

	if opts.Clock == nil {
		opts.Clock = clock.NewMock()
	}
	b := bus.New(nil)
	c := New(b, opts)
	t.Cleanup(c.Close)
	return c, b
}

func TestEventsBecomeRecords(t *testing.T) {
	c, b := newTestCenter(t, Options{SelfID: "me"})
	ts := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	b.Emit(proto.NewMessageNotification{Sender: proto.User{ID: "u2", Name: "Bob"}, ThreadID: "T1", Message: "hello", Timestamp: ts})
	b.Emit(proto.UserStatusChange{UserID: "u2", IsOnline: true, Timestamp: ts})
	b.Emit(proto.UserStatusChange{UserID: "me", IsOnline: true, Timestamp: ts})
	b.Emit(proto.ConnectionStatus{Connected: false, Reason: conn.ReasonTransportError})
	b.Emit(proto.ConnectionStatus{Connected: false, Reason: conn.ReasonClientDisconnect})
	b.Emit(proto.ReconnectFailed{Attempts: 5})

	got := c.List()
	if len(got) != 4 {
		t.Fatalf("expected 4 records, got %+v", got)
	}
	if got[3].Kind != KindMessage || got[3].Title != "New message from Bob" || got[3].Payload["threadId"] != "T1" {
		t.Fatalf("unexpected message record: %+v", got[3])
	}
	if got[0].Kind != KindSystem || got[0].Title != "Unable to reconnect" {
		t.Fatalf("newest record should be the reconnect failure: %+v", got[0])
	}

	// message + two system records; status records are not counted
	if n := c.Unread(); n != 3 {
		t.Fatalf("expected 3 unread, got %d", n)
	}
}

func TestDuplicateDedupeKeyDropped(t *testing.T) {
	c, b := newTestCenter(t, Options{})
	ev := proto.NewMessageNotification{Sender: proto.User{ID: "u2"}, ThreadID: "T1", Message: "hello", Timestamp: time.Unix(50, 0)}

	b.Emit(ev)
	b.Emit(ev)

	if len(c.List()) != 1 || c.Unread() != 1 {
		t.Fatalf("duplicate notification stored: %+v", c.List())
	}

	c.ClearAll()
	b.Emit(ev)
	if len(c.List()) != 0 {
		t.Fatalf("dedupe key forgotten after ClearAll")
	}
}

func TestEventsWithoutTimestampAreNotDeduped(t *testing.T) {
	c, b := newTestCenter(t, Options{})

	b.Emit(proto.NewMessageNotification{Sender: proto.User{ID: "u2"}, ThreadID: "T1", Message: "is the flat still available?"})
	b.Emit(proto.NewMessageNotification{Sender: proto.User{ID: "u2"}, ThreadID: "T1", Message: "can I view it on Friday?"})
	b.Emit(proto.UserStatusChange{UserID: "u2", IsOnline: true})
	b.Emit(proto.UserStatusChange{UserID: "u2", IsOnline: false})
	b.Emit(proto.UserStatusChange{UserID: "u2", IsOnline: true})

	got := c.List()
	if len(got) != 5 {
		t.Fatalf("expected 5 records, got %d: %+v", len(got), got)
	}
	if n := c.Unread(); n != 2 {
		t.Fatalf("expected both messages unread, got %d", n)
	}
	if got[4].Body != "is the flat still available?" || got[3].Body != "can I view it on Friday?" {
		t.Fatalf("unexpected message bodies: %q, %q", got[4].Body, got[3].Body)
	}
}

func TestSameTimestampDifferentBodyKept(t *testing.T) {
	c, b := newTestCenter(t, Options{})
	ts := time.Unix(50, 0)

	b.Emit(proto.NewMessageNotification{Sender: proto.User{ID: "u2"}, ThreadID: "T1", Message: "first", Timestamp: ts})
	b.Emit(proto.NewMessageNotification{Sender: proto.User{ID: "u2"}, ThreadID: "T1", Message: "second", Timestamp: ts})

	if n := len(c.List()); n != 2 {
		t.Fatalf("expected 2 records, got %d", n)
	}
}

func TestUnreadNeverNegative(t *testing.T) {
	c, _ := newTestCenter(t, Options{})

	a, _ := c.Add(Record{Kind: KindMessage, Title: "a"})
	s, _ := c.Add(Record{Kind: KindStatus, Title: "s"})

	c.MarkAsRead(a.ID)
	c.MarkAsRead(a.ID)
	c.MarkAsRead(s.ID)
	c.MarkAsRead("missing")
	if n := c.Unread(); n != 0 {
		t.Fatalf("expected 0, got %d", n)
	}

	c.MarkAllAsRead()
	c.Clear(a.ID)
	c.ClearAll()
	if n := c.Unread(); n != 0 {
		t.Fatalf("expected 0 after clears, got %d", n)
	}

	b, _ := c.Add(Record{Kind: KindSystem, Title: "b"})
	c.Clear(b.ID)
	c.Clear(b.ID)
	if n := c.Unread(); n != 0 {
		t.Fatalf("clearing an unread record must decrement once, got %d", n)
	}
}

func TestRecordCap(t *testing.T) {
	c, _ := newTestCenter(t, Options{MaxRecords: 3})

	for i := 0; i < 5; i++ {
		c.Add(Record{Kind: KindMessage, Title: string(rune('a' + i))})
	}

	got := c.List()
	if len(got) != 3 || got[0].Title != "e" || got[2].Title != "c" {
		t.Fatalf("unexpected records after cap: %+v", got)
	}
	if n := c.Unread(); n != 3 {
		t.Fatalf("evicted records must leave the counter, got %d", n)
	}
}

func TestUniqueIDs(t *testing.T) {
	c, _ := newTestCenter(t, Options{MaxRecords: 1000})

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Add(Record{Kind: KindMessage})
		}()
	}
	wg.Wait()

	ids := make(map[string]struct{})
	for _, r := range c.List() {
		ids[r.ID] = struct{}{}
	}
	if len(ids) != 200 || c.Unread() != 200 {
		t.Fatalf("expected 200 unique records, got %d ids and %d unread", len(ids), c.Unread())
	}
}

type fakeAlerter struct {
	mu         sync.Mutex
	permission Permission
	grant      Permission
	requests   int
	alerts     []Record
}

func (f *fakeAlerter) Permission() Permission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.permission
}

func (f *fakeAlerter) RequestPermission() Permission {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
	f.permission = f.grant
	return f.permission
}

func (f *fakeAlerter) Alert(r Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, r)
	return nil
}

func TestAlertPermissionRequestedOnce(t *testing.T) {
	permissionRequest = sync.Once{}
	t.Cleanup(func() { permissionRequest = sync.Once{} })

	denied := &fakeAlerter{grant: PermissionDenied}
	c, _ := newTestCenter(t, Options{Alerter: denied})
	c.Add(Record{Kind: KindMessage})
	c.Add(Record{Kind: KindMessage})
	if denied.requests != 1 || len(denied.alerts) != 0 {
		t.Fatalf("expected one request and no alerts, got %d requests %d alerts", denied.requests, len(denied.alerts))
	}

	// a second center in the same process never prompts again
	other := &fakeAlerter{grant: PermissionGranted}
	c2, _ := newTestCenter(t, Options{Alerter: other})
	c2.Add(Record{Kind: KindMessage})
	if other.requests != 0 {
		t.Fatalf("permission requested twice in one process")
	}

	granted := &fakeAlerter{permission: PermissionGranted}
	c3, _ := newTestCenter(t, Options{Alerter: granted})
	c3.Add(Record{Kind: KindStatus})
	c3.Add(Record{Kind: KindMessage, Title: "ping"})
	if len(granted.alerts) != 1 || granted.alerts[0].Title != "ping" {
		t.Fatalf("expected one alert for the message record, got %+v", granted.alerts)
	}
}

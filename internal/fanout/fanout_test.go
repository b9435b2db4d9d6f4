package fanout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/callmedenchick/adminrelay/internal/models"
	"github.com/callmedenchick/adminrelay/internal/registry"
)

type sent struct {
	conn    string
	event   string
	payload models.Notification
}

type fakeSender struct {
	mux    sync.Mutex
	sent   []sent
	failOn map[string]bool
}

func (f *fakeSender) Send(conn string, event string, payload any) error {
	f.mux.Lock()
	defer f.mux.Unlock()
	if f.failOn[conn] {
		return errors.New("connection gone")
	}
	f.sent = append(f.sent, sent{conn: conn, event: event, payload: payload.(models.Notification)})
	return nil
}

func (f *fakeSender) byConn() map[string]sent {
	f.mux.Lock()
	defer f.mux.Unlock()
	res := make(map[string]sent, len(f.sent))
	for _, s := range f.sent {
		res[s.conn] = s
	}
	return res
}

type fakeJournal struct {
	mux   sync.Mutex
	added []models.Notification
}

func (j *fakeJournal) Add(_ context.Context, n models.Notification) error {
	j.mux.Lock()
	defer j.mux.Unlock()
	j.added = append(j.added, n)
	return nil
}

var fixedNow = time.Date(2026, 10, 18, 12, 30, 45, 123_000_000, time.UTC)

func newTestBroadcaster(reg *registry.Registry, s Sender, opts ...Option) *Broadcaster {
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewBroadcaster(reg, s, opts...)
}

func TestBroadcast_RecipientCounts(t *testing.T) {
	for _, n := range []int{0, 1, 7} {
		t.Run(fmt.Sprintf("%d observers", n), func(t *testing.T) {
			reg := registry.New()
			for i := 0; i < n; i++ {
				reg.UpsertObserver(fmt.Sprintf("o%d", i), models.RoleAdmin)
			}
			reg.UpsertSession("s1", "s1", "Alice")

			sender := &fakeSender{}
			b := newTestBroadcaster(reg, sender)
			got := b.Broadcast(context.Background(), models.Notification{Action: "flagged", Subject: "Bob"})
			if got != n {
				t.Errorf("Broadcast returned %d, want %d", got, n)
			}
			delivered := sender.byConn()
			if len(delivered) != n {
				t.Fatalf("delivered to %d connections, want %d", len(delivered), n)
			}
			if _, ok := delivered["s1"]; ok {
				t.Error("session connection received an admin notification")
			}
		})
	}
}

func TestBroadcast_PayloadShape(t *testing.T) {
	reg := registry.New()
	reg.UpsertObserver("admin", models.RoleAdmin)
	reg.UpsertObserver("gm", models.RoleGeneralManager)

	sender := &fakeSender{}
	b := newTestBroadcaster(reg, sender)
	b.Broadcast(context.Background(), models.Notification{
		Title:     models.DefaultTitle,
		Message:   "Bob has flagged",
		Action:    "flagged",
		Subject:   "Bob",
		Timestamp: "2000-01-01T00:00:00.000Z",
		Role:      models.RoleAdmin,
	})

	delivered := sender.byConn()
	for conn, wantRole := range map[string]models.Role{"admin": models.RoleAdmin, "gm": models.RoleGeneralManager} {
		s, ok := delivered[conn]
		if !ok {
			t.Fatalf("%s got nothing", conn)
		}
		if s.event != models.EventAdminNotification {
			t.Errorf("%s event = %q", conn, s.event)
		}
		if s.payload.Role != wantRole {
			t.Errorf("%s role = %q, want %q", conn, s.payload.Role, wantRole)
		}
		if s.payload.Timestamp != "2026-10-18T12:30:45.123Z" {
			t.Errorf("%s timestamp = %q, want server stamp", conn, s.payload.Timestamp)
		}
		if s.payload.Message != "Bob has flagged" || s.payload.Action != "flagged" || s.payload.Subject != "Bob" {
			t.Errorf("%s payload = %+v", conn, s.payload)
		}
	}
	if delivered["admin"].payload.ID != delivered["gm"].payload.ID || delivered["admin"].payload.ID == 0 {
		t.Errorf("recipients should share one non-zero notification id: %d vs %d",
			delivered["admin"].payload.ID, delivered["gm"].payload.ID)
	}
}

func TestBroadcast_IDsIncrease(t *testing.T) {
	reg := registry.New()
	reg.UpsertObserver("o", models.RoleAdmin)
	sender := &fakeSender{}
	b := newTestBroadcaster(reg, sender)

	b.Broadcast(context.Background(), models.Notification{Action: models.ActionLogin})
	b.Broadcast(context.Background(), models.Notification{Action: models.ActionLogout})

	if len(sender.sent) != 2 {
		t.Fatalf("sent %d, want 2", len(sender.sent))
	}
	if sender.sent[1].payload.ID <= sender.sent[0].payload.ID {
		t.Errorf("ids not increasing: %d then %d", sender.sent[0].payload.ID, sender.sent[1].payload.ID)
	}
}

func TestBroadcast_StaleSendDropped(t *testing.T) {
	reg := registry.New()
	reg.UpsertObserver("alive", models.RoleAdmin)
	reg.UpsertObserver("gone", models.RoleAdmin)

	sender := &fakeSender{failOn: map[string]bool{"gone": true}}
	b := newTestBroadcaster(reg, sender)
	if got := b.Broadcast(context.Background(), models.Notification{Action: "x"}); got != 2 {
		t.Errorf("attempted = %d, want 2", got)
	}
	delivered := sender.byConn()
	if _, ok := delivered["alive"]; !ok || len(delivered) != 1 {
		t.Errorf("delivered = %v, want only alive", delivered)
	}
}

func TestBroadcast_JournalReceivesNotification(t *testing.T) {
	reg := registry.New()
	reg.UpsertObserver("o", models.RoleAdmin)
	journal := &fakeJournal{}
	b := newTestBroadcaster(reg, &fakeSender{}, WithJournal(journal))

	b.Broadcast(context.Background(), models.Notification{Action: models.ActionLogin, Subject: "Alice"})
	b.Wait()

	if len(journal.added) != 1 {
		t.Fatalf("journal got %d notifications, want 1", len(journal.added))
	}
	n := journal.added[0]
	if n.Subject != "Alice" || n.Role != "" || n.Timestamp == "" {
		t.Errorf("journaled %+v", n)
	}
}

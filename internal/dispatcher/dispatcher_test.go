package dispatcher

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/callmedenchick/adminrelay/internal/fanout"
	"github.com/callmedenchick/adminrelay/internal/models"
	"github.com/callmedenchick/adminrelay/internal/registry"
)

// recordingNotifier remembers every broadcast together with the observers
// registered at that instant.
type recordingNotifier struct {
	reg   *registry.Registry
	mux   sync.Mutex
	calls []broadcastCall
}

type broadcastCall struct {
	n         models.Notification
	observers []string
}

func (r *recordingNotifier) Broadcast(_ context.Context, n models.Notification) int {
	var obs []string
	r.reg.ForEachObserver(func(conn string, _ models.Role) { obs = append(obs, conn) })
	r.mux.Lock()
	defer r.mux.Unlock()
	r.calls = append(r.calls, broadcastCall{n: n, observers: obs})
	return len(obs)
}

func (r *recordingNotifier) Calls() []broadcastCall {
	r.mux.Lock()
	defer r.mux.Unlock()
	return append([]broadcastCall(nil), r.calls...)
}

func newTestDispatcher() (*Dispatcher, *recordingNotifier) {
	reg := registry.New()
	n := &recordingNotifier{reg: reg}
	return New(reg, n), n
}

func TestRegisterObserver(t *testing.T) {
	d, n := newTestDispatcher()
	ctx := context.Background()

	l := d.Attach("a")
	if l.State() != StateUnregistered {
		t.Fatalf("initial state = %v", l.State())
	}
	l.RegisterObserver(ctx, "Admin")
	if l.State() != StateObserver {
		t.Fatalf("state = %v, want observer", l.State())
	}
	if e := d.Registry().Lookup("a"); e.Kind != registry.KindObserver || e.Role != models.RoleAdmin {
		t.Errorf("Lookup = %+v", e)
	}

	// re-registration updates the role in place
	l.RegisterObserver(ctx, "General Manager")
	if e := d.Registry().Lookup("a"); e.Role != models.RoleGeneralManager {
		t.Errorf("role after update = %q", e.Role)
	}
	if d.Registry().ObserverCount() != 1 {
		t.Errorf("ObserverCount = %d, want 1", d.Registry().ObserverCount())
	}
	if len(n.Calls()) != 0 {
		t.Errorf("observer registration broadcast %d notifications", len(n.Calls()))
	}
}

func TestRegisterObserver_UnknownRoleStaysUnregistered(t *testing.T) {
	d, n := newTestDispatcher()
	ctx := context.Background()

	for _, role := range []string{"", "admin", "Superuser", "Observer-Primary"} {
		l := d.Attach("a")
		l.RegisterObserver(ctx, role)
		if l.State() != StateUnregistered {
			t.Errorf("role %q: state = %v, want unregistered", role, l.State())
		}
	}
	if e := d.Registry().Lookup("a"); e.Kind != registry.KindNone {
		t.Errorf("registry entry = %+v, want none", e)
	}
	if len(n.Calls()) != 0 {
		t.Error("unexpected broadcast")
	}

	// an ignored role does not prevent a later valid registration
	l := d.Attach("b")
	l.RegisterObserver(ctx, "Root")
	l.RegisterObserver(ctx, "Admin")
	if l.State() != StateObserver {
		t.Errorf("state = %v, want observer", l.State())
	}
}

func TestRegisterSession_LoginBroadcastToCurrentObservers(t *testing.T) {
	for _, observers := range []int{0, 1, 5} {
		t.Run(fmt.Sprintf("%d observers", observers), func(t *testing.T) {
			d, n := newTestDispatcher()
			ctx := context.Background()
			for i := 0; i < observers; i++ {
				d.Attach(fmt.Sprintf("o%d", i)).RegisterObserver(ctx, "Admin")
			}

			l := d.Attach("user")
			l.RegisterSession(ctx, "s1", "Alice")

			if l.State() != StateSession {
				t.Fatalf("state = %v, want session", l.State())
			}
			calls := n.Calls()
			if len(calls) != 1 {
				t.Fatalf("broadcasts = %d, want 1", len(calls))
			}
			c := calls[0]
			if c.n.Action != models.ActionLogin || !strings.Contains(c.n.Message, "Alice") || c.n.Subject != "Alice" {
				t.Errorf("login notification = %+v", c.n)
			}
			if len(c.observers) != observers {
				t.Errorf("delivered to %d observers, want %d", len(c.observers), observers)
			}
		})
	}
}

func TestRegisterSession_ReRegistrationDoesNotRelogin(t *testing.T) {
	d, n := newTestDispatcher()
	ctx := context.Background()

	l := d.Attach("user")
	l.RegisterSession(ctx, "s1", "Alice")
	l.RegisterSession(ctx, "s2", "Alice Cooper")

	if got := len(n.Calls()); got != 1 {
		t.Errorf("broadcasts = %d, want 1", got)
	}
	e := d.Registry().Lookup("user")
	if e.Session.SessionID != "s2" || e.Session.Name != "Alice Cooper" {
		t.Errorf("session = %+v", e.Session)
	}

	l.Close(ctx)
	calls := n.Calls()
	if len(calls) != 2 || !strings.Contains(calls[1].n.Message, "Alice Cooper") {
		t.Errorf("logout should use the updated name, got %+v", calls)
	}
}

func TestRegisterSession_MalformedIgnored(t *testing.T) {
	d, n := newTestDispatcher()
	ctx := context.Background()

	l := d.Attach("user")
	l.RegisterSession(ctx, "s1", "")
	l.RegisterSession(ctx, "", "Alice")

	if l.State() != StateUnregistered {
		t.Errorf("state = %v, want unregistered", l.State())
	}
	if d.Registry().SessionCount() != 0 || len(n.Calls()) != 0 {
		t.Error("malformed registration had side effects")
	}
}

func TestMutuallyExclusiveRegistration(t *testing.T) {
	d, n := newTestDispatcher()
	ctx := context.Background()

	obs := d.Attach("o")
	obs.RegisterObserver(ctx, "Admin")
	obs.RegisterSession(ctx, "s1", "Mallory")
	if obs.State() != StateObserver || d.Registry().SessionCount() != 0 {
		t.Error("observer became a session holder")
	}

	user := d.Attach("u")
	user.RegisterSession(ctx, "s2", "Alice")
	user.RegisterObserver(ctx, "Admin")
	if user.State() != StateSession || d.Registry().ObserverCount() != 1 {
		t.Error("session holder became an observer")
	}
	if got := len(n.Calls()); got != 1 {
		t.Errorf("broadcasts = %d, want 1 (Alice's login)", got)
	}
}

func TestClose(t *testing.T) {
	ctx := context.Background()

	t.Run("session announces logout once", func(t *testing.T) {
		d, n := newTestDispatcher()
		d.Attach("o").RegisterObserver(ctx, "Admin")
		l := d.Attach("u")
		l.RegisterSession(ctx, "s1", "Alice")
		l.Close(ctx)
		l.Close(ctx)
		l.Handle(ctx, Event{Kind: EventClosed})

		calls := n.Calls()
		if len(calls) != 2 {
			t.Fatalf("broadcasts = %d, want login+logout", len(calls))
		}
		if calls[1].n.Action != models.ActionLogout || !strings.Contains(calls[1].n.Message, "Alice") {
			t.Errorf("logout = %+v", calls[1].n)
		}
		if l.State() != StateClosed || d.Registry().SessionCount() != 0 {
			t.Error("session not removed")
		}
	})

	t.Run("observer leaves silently", func(t *testing.T) {
		d, n := newTestDispatcher()
		l := d.Attach("o")
		l.RegisterObserver(ctx, "General Manager")
		l.Close(ctx)
		if len(n.Calls()) != 0 || d.Registry().ObserverCount() != 0 {
			t.Error("observer close had a broadcast or left an entry")
		}
	})

	t.Run("unregistered closes without side effects", func(t *testing.T) {
		d, n := newTestDispatcher()
		l := d.Attach("x")
		l.Close(ctx)
		if l.State() != StateClosed || len(n.Calls()) != 0 {
			t.Error("unexpected side effects")
		}
	})

	t.Run("closed link ignores registrations", func(t *testing.T) {
		d, n := newTestDispatcher()
		l := d.Attach("x")
		l.Close(ctx)
		l.RegisterObserver(ctx, "Admin")
		l.RegisterSession(ctx, "s", "Zed")
		if l.State() != StateClosed || d.Registry().ObserverCount()+d.Registry().SessionCount() != 0 || len(n.Calls()) != 0 {
			t.Error("closed link was revived")
		}
	})
}

func TestServe_ScenarioObserverSeesLoginAndLogout(t *testing.T) {
	reg := registry.New()
	sender := &chanSender{ch: make(chan models.Notification, 8)}
	d := New(reg, fanout.NewBroadcaster(reg, sender))
	ctx := context.Background()

	aEvents := make(chan Event)
	aDone := make(chan struct{})
	acked := make(chan registry.Entry, 1)
	go func() {
		d.Serve(ctx, "A", aEvents, func(_ string, e registry.Entry) { acked <- e })
		close(aDone)
	}()
	aEvents <- Event{Kind: EventRegisterObserver, Role: "Admin"}
	if e := <-acked; e.Kind != registry.KindObserver {
		t.Fatalf("ack = %+v", e)
	}

	bEvents := make(chan Event)
	bDone := make(chan struct{})
	go func() {
		d.Serve(ctx, "B", bEvents, nil)
		close(bDone)
	}()
	bEvents <- Event{Kind: EventRegisterSession, SessionID: "s1", Name: "Alice"}

	login := sender.next(t)
	if login.Action != models.ActionLogin || !strings.Contains(login.Message, "Alice") || login.Role != models.RoleAdmin {
		t.Errorf("login = %+v", login)
	}

	close(bEvents)
	<-bDone
	logout := sender.next(t)
	if logout.Action != models.ActionLogout || !strings.Contains(logout.Message, "Alice") {
		t.Errorf("logout = %+v", logout)
	}

	if reg.ObserverCount() != 1 || reg.SessionCount() != 0 {
		t.Errorf("counts = %d/%d, want 1/0", reg.ObserverCount(), reg.SessionCount())
	}

	close(aEvents)
	<-aDone
	if reg.ObserverCount() != 0 {
		t.Error("observer still registered after its channel closed")
	}
	select {
	case n := <-sender.ch:
		t.Errorf("unexpected notification %+v", n)
	default:
	}
}

func TestServe_ContextCancelClosesOnce(t *testing.T) {
	d, n := newTestDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan Event)
	done := make(chan struct{})
	go func() {
		d.Serve(ctx, "u", events, nil)
		close(done)
	}()
	events <- Event{Kind: EventRegisterSession, SessionID: "s1", Name: "Alice"}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	calls := n.Calls()
	if len(calls) != 2 || calls[1].n.Action != models.ActionLogout {
		t.Errorf("calls = %+v, want login then logout", calls)
	}
}

func TestCountsNeverExceedOpenConnections(t *testing.T) {
	d, _ := newTestDispatcher()
	ctx := context.Background()
	var wg sync.WaitGroup
	const conns = 40
	for i := 0; i < conns; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l := d.Attach(fmt.Sprintf("c%d", i))
			switch i % 4 {
			case 0:
				l.RegisterObserver(ctx, "Admin")
			case 1:
				l.RegisterSession(ctx, fmt.Sprint(i), "user")
			case 2:
				l.RegisterObserver(ctx, "Admin")
				l.RegisterSession(ctx, fmt.Sprint(i), "user")
			case 3:
				l.RegisterObserver(ctx, "nobody")
			}
			if total := d.Registry().ObserverCount() + d.Registry().SessionCount(); total > conns {
				t.Errorf("registry holds %d entries for %d connections", total, conns)
			}
			l.Close(ctx)
		}(i)
	}
	wg.Wait()
	if total := d.Registry().ObserverCount() + d.Registry().SessionCount(); total != 0 {
		t.Errorf("registry holds %d entries after all connections closed", total)
	}
}

type chanSender struct {
	ch chan models.Notification
}

func (c *chanSender) Send(_ string, _ string, payload any) error {
	c.ch <- payload.(models.Notification)
	return nil
}

func (c *chanSender) next(t *testing.T) models.Notification {
	t.Helper()
	select {
	case n := <-c.ch:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
		return models.Notification{}
	}
}

// Package dispatcher turns transport events into registry mutations and
// login/logout notifications.
//
// Every connection is driven by a Link, a small state machine:
//
//	Unregistered --register-observer--> Observer --close--> Closed
//	Unregistered --register-session---> Session  --close--> Closed (logout)
//	Unregistered --close--------------> Closed
//
// Invalid input never fails the connection; it is logged and ignored.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/callmedenchick/adminrelay/internal/models"
	"github.com/callmedenchick/adminrelay/internal/registry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
)

var (
	onlineObserversMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "number_of_online_observers",
		Help: "The number of connections registered as observers",
	})
	onlineSessionsMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "number_of_online_sessions",
		Help: "The number of connections registered as user sessions",
	})
	ignoredEventsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "number_of_ignored_events",
		Help: "The total number of inbound events ignored by the dispatcher",
	}, []string{"reason"})
)

type State int

const (
	StateUnregistered State = iota
	StateObserver
	StateSession
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateObserver:
		return "observer"
	case StateSession:
		return "session"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type EventKind string

const (
	EventRegisterObserver EventKind = "register-observer"
	EventRegisterSession  EventKind = "register-session"
	EventClosed           EventKind = "connection-closed"
)

// Event is one inbound protocol event for a single connection.
type Event struct {
	Kind      EventKind
	Role      string
	SessionID string
	Name      string
}

// Notifier fans a notification out to observers.
type Notifier interface {
	Broadcast(ctx context.Context, n models.Notification) int
}

// Acker is told about successful registrations so the transport can confirm
// them to the client. It may be nil.
type Acker func(conn string, entry registry.Entry)

type Dispatcher struct {
	registry *registry.Registry
	notifier Notifier
}

func New(reg *registry.Registry, notifier Notifier) *Dispatcher {
	return &Dispatcher{
		registry: reg,
		notifier: notifier,
	}
}

func (d *Dispatcher) Registry() *registry.Registry {
	return d.registry
}

// Attach starts tracking a freshly opened connection in the Unregistered state.
func (d *Dispatcher) Attach(conn string) *Link {
	log.WithField("prefix", "Dispatcher.Attach").Debugf("connection %v attached", conn)
	return &Link{d: d, conn: conn}
}

// Serve drives a new Link for conn from events in arrival order. When events
// is closed or ctx is done the connection is closed exactly once and Serve
// returns.
func (d *Dispatcher) Serve(ctx context.Context, conn string, events <-chan Event, ack Acker) {
	l := d.Attach(conn)
	l.ack = ack
	defer l.Close(context.WithoutCancel(ctx))
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			l.Handle(ctx, ev)
		}
	}
}

// Link is the per-connection state machine.
type Link struct {
	d     *Dispatcher
	conn  string
	ack   Acker
	mux   sync.Mutex
	state State
}

func (l *Link) Conn() string {
	return l.conn
}

func (l *Link) State() State {
	l.mux.Lock()
	defer l.mux.Unlock()
	return l.state
}

func (l *Link) Handle(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventRegisterObserver:
		l.RegisterObserver(ctx, ev.Role)
	case EventRegisterSession:
		l.RegisterSession(ctx, ev.SessionID, ev.Name)
	case EventClosed:
		l.Close(ctx)
	default:
		ignoredEventsMetric.WithLabelValues("unknown_event").Inc()
		log.WithField("prefix", "Link.Handle").Debugf("connection %v: unknown event %q ignored", l.conn, ev.Kind)
	}
}

func (l *Link) RegisterObserver(ctx context.Context, role string) {
	log := log.WithContext(ctx).WithField("prefix", "Link.RegisterObserver")
	l.mux.Lock()
	defer l.mux.Unlock()

	switch l.state {
	case StateSession, StateClosed:
		ignoredEventsMetric.WithLabelValues("wrong_state").Inc()
		log.Infof("connection %v is %v, register-observer ignored", l.conn, l.state)
		return
	}
	if role == "" {
		ignoredEventsMetric.WithLabelValues("validation").Inc()
		log.Info(fmt.Errorf("connection %v: %w", l.conn, &models.ValidationError{Field: "role"}))
		return
	}
	r := models.Role(role)
	if !r.Valid() {
		ignoredEventsMetric.WithLabelValues("unknown_role").Inc()
		log.Debugf("connection %v: unknown role %q ignored", l.conn, role)
		return
	}
	if !l.d.registry.UpsertObserver(l.conn, r) {
		ignoredEventsMetric.WithLabelValues("conflict").Inc()
		log.Infof("connection %v: registry refused observer role %q", l.conn, role)
		return
	}
	if l.state == StateUnregistered {
		onlineObserversMetric.Inc()
		log.Infof("%v joined as observer: %v", role, l.conn)
	} else {
		log.Infof("observer %v role updated to %v", l.conn, role)
	}
	l.state = StateObserver
	if l.ack != nil {
		l.ack(l.conn, registry.Entry{Kind: registry.KindObserver, Role: r})
	}
}

func (l *Link) RegisterSession(ctx context.Context, sessionID, name string) {
	log := log.WithContext(ctx).WithField("prefix", "Link.RegisterSession")
	l.mux.Lock()
	defer l.mux.Unlock()

	switch l.state {
	case StateObserver, StateClosed:
		ignoredEventsMetric.WithLabelValues("wrong_state").Inc()
		log.Infof("connection %v is %v, register-session ignored", l.conn, l.state)
		return
	}
	var err error
	switch {
	case sessionID == "":
		err = &models.ValidationError{Field: "sessionId"}
	case name == "":
		err = &models.ValidationError{Field: "name"}
	}
	if err != nil {
		ignoredEventsMetric.WithLabelValues("validation").Inc()
		log.Info(fmt.Errorf("connection %v: %w", l.conn, err))
		return
	}
	if !l.d.registry.UpsertSession(l.conn, sessionID, name) {
		ignoredEventsMetric.WithLabelValues("conflict").Inc()
		log.Infof("connection %v: registry refused session %v", l.conn, sessionID)
		return
	}
	entry := registry.Entry{Kind: registry.KindSession, Session: registry.Session{SessionID: sessionID, Name: name}}
	if l.state == StateSession {
		log.Infof("session %v on %v updated", sessionID, l.conn)
		if l.ack != nil {
			l.ack(l.conn, entry)
		}
		return
	}
	l.state = StateSession
	onlineSessionsMetric.Inc()
	log.Infof("%v logged in with session %v on %v", name, sessionID, l.conn)
	if l.ack != nil {
		l.ack(l.conn, entry)
	}
	l.d.notifier.Broadcast(ctx, activity(name, models.ActionLogin))
}

// Close performs the close transition. Calling it again is a no-op.
func (l *Link) Close(ctx context.Context) {
	log := log.WithContext(ctx).WithField("prefix", "Link.Close")
	l.mux.Lock()
	defer l.mux.Unlock()

	prev := l.state
	if prev == StateClosed {
		return
	}
	l.state = StateClosed
	if prev == StateUnregistered {
		log.Debugf("unregistered connection %v closed", l.conn)
		return
	}

	removed := l.d.registry.Remove(l.conn)
	switch removed.Kind {
	case registry.KindObserver:
		onlineObserversMetric.Dec()
		log.Infof("observer %v (%v) left", l.conn, removed.Role)
	case registry.KindSession:
		onlineSessionsMetric.Dec()
		log.Infof("%v logged out from %v", removed.Session.Name, l.conn)
		l.d.notifier.Broadcast(ctx, activity(removed.Session.Name, models.ActionLogout))
	default:
		log.Warnf("connection %v was %v but had no registry entry", l.conn, prev)
	}
}

func activity(name, action string) models.Notification {
	verb := "logged in"
	if action == models.ActionLogout {
		verb = "logged out"
	}
	return models.Notification{
		Title:   models.DefaultTitle,
		Message: fmt.Sprintf("%v has %v", name, verb),
		Action:  action,
		Subject: name,
	}
}

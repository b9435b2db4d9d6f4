// Package registry tracks which live connections are observers and which hold
// user sessions. It performs no I/O; a single mutex guards both partitions.
package registry

import (
	"sync"

	"github.com/callmedenchick/adminrelay/internal/models"
)

type Kind int

const (
	KindNone Kind = iota
	KindObserver
	KindSession
)

func (k Kind) String() string {
	switch k {
	case KindObserver:
		return "observer"
	case KindSession:
		return "session"
	default:
		return "none"
	}
}

type Session struct {
	SessionID string
	Name      string
}

// Entry describes how a connection is classified.
type Entry struct {
	Kind    Kind
	Role    models.Role
	Session Session
}

type Observer struct {
	Conn string
	Role models.Role
}

type Registry struct {
	mux       sync.Mutex
	observers map[string]models.Role
	sessions  map[string]Session
}

func New() *Registry {
	return &Registry{
		observers: make(map[string]models.Role),
		sessions:  make(map[string]Session),
	}
}

// UpsertObserver classifies conn as an observer with role. It returns false
// without touching the registry when role is not recognized or conn already
// holds a session.
func (r *Registry) UpsertObserver(conn string, role models.Role) bool {
	if !role.Valid() {
		return false
	}
	r.mux.Lock()
	defer r.mux.Unlock()
	if _, ok := r.sessions[conn]; ok {
		return false
	}
	r.observers[conn] = role
	return true
}

// UpsertSession classifies conn as a session holder. It returns false when
// conn is already an observer.
func (r *Registry) UpsertSession(conn, sessionID, name string) bool {
	r.mux.Lock()
	defer r.mux.Unlock()
	if _, ok := r.observers[conn]; ok {
		return false
	}
	r.sessions[conn] = Session{SessionID: sessionID, Name: name}
	return true
}

// Remove drops conn from whichever partition holds it and returns what was
// removed. Removing an unknown connection returns an Entry of KindNone.
func (r *Registry) Remove(conn string) Entry {
	r.mux.Lock()
	defer r.mux.Unlock()
	if role, ok := r.observers[conn]; ok {
		delete(r.observers, conn)
		return Entry{Kind: KindObserver, Role: role}
	}
	if s, ok := r.sessions[conn]; ok {
		delete(r.sessions, conn)
		return Entry{Kind: KindSession, Session: s}
	}
	return Entry{}
}

func (r *Registry) Lookup(conn string) Entry {
	r.mux.Lock()
	defer r.mux.Unlock()
	if role, ok := r.observers[conn]; ok {
		return Entry{Kind: KindObserver, Role: role}
	}
	if s, ok := r.sessions[conn]; ok {
		return Entry{Kind: KindSession, Session: s}
	}
	return Entry{}
}

func (r *Registry) ObserverCount() int {
	r.mux.Lock()
	defer r.mux.Unlock()
	return len(r.observers)
}

func (r *Registry) SessionCount() int {
	r.mux.Lock()
	defer r.mux.Unlock()
	return len(r.sessions)
}

// Observers returns a copy of the observer partition.
func (r *Registry) Observers() []Observer {
	r.mux.Lock()
	defer r.mux.Unlock()
	res := make([]Observer, 0, len(r.observers))
	for conn, role := range r.observers {
		res = append(res, Observer{Conn: conn, Role: role})
	}
	return res
}

// ForEachObserver calls fn for every observer in a snapshot taken under the
// lock. fn runs with the lock released, so it may call back into the registry
// and mutations it causes are not seen by the running iteration.
func (r *Registry) ForEachObserver(fn func(conn string, role models.Role)) {
	for _, o := range r.Observers() {
		fn(o.Conn, o.Role)
	}
}

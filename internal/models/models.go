package models

import "time"

// TimestampLayout is the ISO-8601 layout stamped on every outbound notification.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Outbound event names.
const (
	EventAdminNotification = "admin-notification"
	EventConnected         = "connected"
	EventRegistered        = "registered"
)

// Notification actions synthesized by the relay itself.
const (
	ActionLogin  = "login"
	ActionLogout = "logout"
)

const DefaultTitle = "User Activity"

type Role string

const (
	RoleAdmin          Role = "Admin"
	RoleGeneralManager Role = "General Manager"
)

// Valid reports whether r is one of the observer roles.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleGeneralManager
}

type Notification struct {
	ID        int64  `json:"id"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	Action    string `json:"action"`
	Subject   string `json:"subject"`
	Timestamp string `json:"timestamp"`
	Role      Role   `json:"role,omitempty"`
}

// Stamp sets the notification timestamp from t, discarding anything the caller supplied.
func (n *Notification) Stamp(t time.Time) {
	n.Timestamp = t.UTC().Format(TimestampLayout)
}

// OutboundMessage is one frame queued for a single connection.
type OutboundMessage struct {
	EventId int64
	Event   string
	Data    []byte
}

type ConnectedPayload struct {
	Ok           bool   `json:"ok"`
	ConnectionID string `json:"connectionId"`
}

type RegisteredPayload struct {
	Ok           bool   `json:"ok"`
	ConnectionID string `json:"connectionId"`
	Kind         string `json:"kind"`
	Role         Role   `json:"role,omitempty"`
}

package adapter

import "time"

// EventKind enumerates the lifecycle events an adapter may emit.
type EventKind string

const (
	EventQR            EventKind = "qr"
	EventAuthenticated EventKind = "authenticated"
	EventAuthFailed    EventKind = "auth_failure"
	EventReady         EventKind = "ready"
	EventDisconnected  EventKind = "disconnected"
	EventMessage       EventKind = "message"
	EventError         EventKind = "error"
)

// Disconnect reasons reported by adapters.
const (
	ReasonNetwork     = "NETWORK"
	ReasonConflict    = "CONFLICT"
	ReasonTimeout     = "TIMEOUT"
	ReasonStreamError = "STREAM_ERROR"
	ReasonInitFailed  = "INIT_FAILED"
	ReasonLogout      = "LOGOUT"
	ReasonClosed      = "CLOSED"
)

// Event is one lifecycle notification from an adapter. Only the fields
// relevant to Kind are populated.
type Event struct {
	Kind EventKind
	At   time.Time

	// QR carries the scannable payload for EventQR.
	QR string

	// Identity is set on EventReady.
	Identity *Identity

	// Reason is set on EventDisconnected and EventAuthFailed.
	Reason string

	// Message is set on EventMessage.
	Message *Message

	// Err is set on EventError. Fatal errors end the connection.
	Err   error
	Fatal bool
}

// QRIssued builds an EventQR.
func QRIssued(code string) Event {
	return Event{Kind: EventQR, QR: code, At: time.Now()}
}

// Authenticated builds an EventAuthenticated.
func Authenticated() Event {
	return Event{Kind: EventAuthenticated, At: time.Now()}
}

// AuthFailed builds an EventAuthFailed.
func AuthFailed(reason string) Event {
	return Event{Kind: EventAuthFailed, Reason: reason, At: time.Now()}
}

// Ready builds an EventReady.
func Ready(id Identity) Event {
	return Event{Kind: EventReady, Identity: &id, At: time.Now()}
}

// Disconnected builds an EventDisconnected.
func Disconnected(reason string) Event {
	return Event{Kind: EventDisconnected, Reason: reason, At: time.Now()}
}

// MessageReceived builds an EventMessage.
func MessageReceived(m Message) Event {
	return Event{Kind: EventMessage, Message: &m, At: time.Now()}
}

// Failure builds an EventError.
func Failure(err error, fatal bool) Event {
	return Event{Kind: EventError, Err: err, Fatal: fatal, At: time.Now()}
}

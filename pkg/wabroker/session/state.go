package session

import (
	"fmt"
	"time"

	"github.com/jholhewres/wabroker/pkg/wabroker/adapter"
)

// State is the lifecycle state of the single brokered session.
type State string

const (
	StateIdle           State = "Idle"
	StateInitializing   State = "Initializing"
	StateAwaitingScan   State = "AwaitingScan"
	StateAuthenticating State = "Authenticating"
	StateProbing        State = "Probing"
	StateReady          State = "Ready"
	StateDegraded       State = "Degraded"
	StateDisconnected   State = "Disconnected"
	StateShuttingDown   State = "ShuttingDown"
)

// Active reports whether a connection cycle is under way or established.
func (s State) Active() bool {
	switch s {
	case StateInitializing, StateAwaitingScan, StateAuthenticating,
		StateProbing, StateReady, StateDegraded:
		return true
	}
	return false
}

// Operational reports whether chat, message and send operations may run.
func (s State) Operational() bool {
	return s == StateReady || s == StateDegraded
}

// Session errors.
var (
	// ErrAlreadyActive is returned by Connect while a cycle is running.
	ErrAlreadyActive = fmt.Errorf("session already connecting or connected")

	// ErrSessionUnavailable is returned for operations outside Ready and
	// Degraded, and resolves queued sends when the session drops.
	ErrSessionUnavailable = fmt.Errorf("session unavailable")

	// ErrSessionEnding resolves queued sends on shutdown.
	ErrSessionEnding = fmt.Errorf("session ending")

	// ErrClosed is returned once the manager has shut down.
	ErrClosed = fmt.Errorf("session manager closed")

	// ErrInvalidRequest wraps caller input errors.
	ErrInvalidRequest = fmt.Errorf("invalid request")

	// ErrClientNotReleased fails a connection cycle when the previous
	// adapter is still being destroyed past its deadline.
	ErrClientNotReleased = fmt.Errorf("previous client not released")
)

// QRChallenge is the pairing payload shown while awaiting a scan.
type QRChallenge struct {
	Code     string    `json:"code"`
	Image    string    `json:"image,omitempty"`
	IssuedAt time.Time `json:"issuedAt"`
}

// Status is an immutable snapshot of the session.
type Status struct {
	State                State             `json:"state"`
	Connected            bool              `json:"connected"`
	QRCode               *string           `json:"qrCode"`
	QRImage              *string           `json:"qrImage,omitempty"`
	QRIssuedAt           *time.Time        `json:"qrIssuedAt,omitempty"`
	ClientIdentity       *adapter.Identity `json:"clientIdentity"`
	ReconnectAttempts    int               `json:"reconnectAttempts"`
	MaxReconnectAttempts int               `json:"maxReconnectAttempts"`
	ReconnectPending     bool              `json:"reconnectPending"`
	LastDisconnect       string            `json:"lastDisconnectReason,omitempty"`
	QueueDepth           int               `json:"queueDepth"`
	UpdatedAt            time.Time         `json:"updatedAt"`
}

// Status record values written to the persistence collaborator.
const (
	RecordConnected    = "connected"
	RecordDisconnected = "disconnected"
	RecordAuthFailure  = "auth_failure"
)

// StatusRecord is the key-value status entry updated on major transitions.
type StatusRecord struct {
	Status   string            `json:"status"`
	Identity *adapter.Identity `json:"identity,omitempty"`
	Reason   string            `json:"reason,omitempty"`
	At       time.Time         `json:"at"`
}

// StatusSink receives status records. Implementations must not block.
type StatusSink interface {
	RecordStatus(rec StatusRecord)
}

// ChatList is the result of ListChats.
type ChatList struct {
	Chats []adapter.ChatSummary `json:"chats"`
	Total int                   `json:"total"`
}

// SendResult is the outcome of a dispatched send.
type SendResult struct {
	RequestID string `json:"requestId"`
	MessageID string `json:"messageId"`
}

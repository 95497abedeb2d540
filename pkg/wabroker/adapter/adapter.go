// Package adapter defines the boundary between the session broker and the
// messaging automation client. The broker never talks to the platform
// directly: it drives a ClientAdapter through a small command set and
// consumes the lifecycle events the adapter emits.
package adapter

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Common adapter errors.
var (
	// ErrNotReady is returned while the adapter's internal store cannot
	// answer queries yet, even though the connection reported ready.
	ErrNotReady = fmt.Errorf("adapter store not ready")

	// ErrUnsupported is returned for optional capabilities the adapter lacks.
	ErrUnsupported = fmt.Errorf("operation not supported by adapter")

	// ErrNotConnected is returned when a command needs a live connection.
	ErrNotConnected = fmt.Errorf("adapter not connected")

	// ErrInvalidTarget is returned when a chat or recipient id cannot be parsed.
	ErrInvalidTarget = fmt.Errorf("invalid target")
)

// ClientAdapter wraps one instance of the automation client.
// An adapter is single use: once Destroy returns it must not be reused.
type ClientAdapter interface {
	// Initialize starts the connection attempt and returns once it is under
	// way. Progress is reported through Events.
	Initialize(ctx context.Context) error

	// Events returns the lifecycle event stream. It is closed after Destroy.
	Events() <-chan Event

	// Send dispatches a payload to a chat and returns the platform message id.
	Send(ctx context.Context, target string, p Payload) (string, error)

	// FetchChats lists the chats known to the adapter.
	FetchChats(ctx context.Context) ([]ChatSummary, error)

	// FetchMessages returns up to limit recent messages of a chat, oldest first.
	FetchMessages(ctx context.Context, chatID string, limit int) ([]Message, error)

	// Destroy releases the client and every resource it holds.
	Destroy(ctx context.Context) error
}

// Factory builds a fresh adapter instance.
type Factory func() (ClientAdapter, error)

// Prober is implemented by adapters with a dedicated cheap readiness query.
// Adapters without it are probed through FetchChats.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProfilePictureFetcher resolves a chat's profile picture URL.
type ProfilePictureFetcher interface {
	ProfilePictureURL(ctx context.Context, chatID string) (string, error)
}

// MediaDownloader downloads the media attached to a received message.
type MediaDownloader interface {
	DownloadMedia(ctx context.Context, messageID string) (data []byte, mimeType string, err error)
}

// LoggerOuter unlinks the device so the next Initialize requires a new scan.
type LoggerOuter interface {
	Logout(ctx context.Context) error
}

// SerialReader is implemented by adapters whose transport cannot serve
// concurrent read commands. When SerialReads reports true the caller must
// serialize FetchChats, FetchMessages and profile lookups.
type SerialReader interface {
	SerialReads() bool
}

// Probe runs the adapter's readiness query.
func Probe(ctx context.Context, c ClientAdapter) error {
	if p, ok := c.(Prober); ok {
		return p.Probe(ctx)
	}
	_, err := c.FetchChats(ctx)
	return err
}

// SerialReads reports whether read commands must be serialized for c.
func SerialReads(c ClientAdapter) bool {
	s, ok := c.(SerialReader)
	return ok && s.SerialReads()
}

// ---------- Data ----------

// Identity describes the authenticated account.
type Identity struct {
	DisplayName string `json:"displayName"`
	PlatformID  string `json:"platformId"`
	DeviceKind  string `json:"deviceKind"`
}

// ChatSummary is a derived view of one chat.
type ChatSummary struct {
	ChatID               string    `json:"chatId"`
	DisplayName          string    `json:"displayName"`
	IsGroup              bool      `json:"isGroup"`
	UnreadCount          int       `json:"unreadCount"`
	LastMessagePreview   string    `json:"lastMessagePreview"`
	LastMessageTimestamp time.Time `json:"lastMessageTimestamp"`
	ProfilePictureURL    *string   `json:"profilePictureUrl"`
}

// MessageType classifies message content.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageAudio    MessageType = "audio"
	MessageVideo    MessageType = "video"
	MessageDocument MessageType = "document"
	MessageSticker  MessageType = "sticker"
	MessageLocation MessageType = "location"
	MessageContact  MessageType = "contact"
	MessageReaction MessageType = "reaction"
	MessageUnknown  MessageType = "unknown"
)

// Message is one chat message as exposed to observers.
type Message struct {
	ID        string      `json:"id"`
	ChatID    string      `json:"chatId"`
	From      string      `json:"from"`
	FromName  string      `json:"fromName,omitempty"`
	Body      string      `json:"body"`
	FromMe    bool        `json:"fromMe"`
	Timestamp time.Time   `json:"timestamp"`
	Type      MessageType `json:"type"`
	HasMedia  bool        `json:"hasMedia"`
	IsGroup   bool        `json:"isGroup"`
}

// Payload is the content of an outbound message. Exactly one of Text or
// Media is expected; Media takes precedence when both are set.
type Payload struct {
	Text  string `json:"text,omitempty"`
	Media *Media `json:"media,omitempty"`
}

// Media is an outbound attachment.
type Media struct {
	MimeType string `json:"mimetype"`
	Filename string `json:"filename,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Data     []byte `json:"-"`
}

// Validate reports whether the payload carries anything to send.
func (p Payload) Validate() error {
	if p.Media != nil {
		if len(p.Media.Data) == 0 {
			return fmt.Errorf("media payload is empty")
		}
		if p.Media.MimeType == "" {
			return fmt.Errorf("media mimetype is required")
		}
		return nil
	}
	if p.Text == "" {
		return fmt.Errorf("message text is required")
	}
	return nil
}

// Preview returns a short human readable rendering of the payload.
func (p Payload) Preview() string {
	if p.Media != nil {
		if p.Media.Caption != "" {
			return p.Media.Caption
		}
		return "[" + MediaKind(p.Media.MimeType).String() + "]"
	}
	return p.Text
}

// MediaKind maps a MIME type to the message type used to deliver it.
func MediaKind(mimeType string) MessageType {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return MessageImage
	case strings.HasPrefix(mimeType, "audio/"):
		return MessageAudio
	case strings.HasPrefix(mimeType, "video/"):
		return MessageVideo
	default:
		return MessageDocument
	}
}

func (t MessageType) String() string { return string(t) }

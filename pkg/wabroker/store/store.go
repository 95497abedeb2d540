// Package store is the broker's persistence collaborator: the session status
// record, the message activity log and the quick reply catalogue. SQLite is
// the default backend and needs no setup; PostgreSQL is available for shared
// deployments. The session core never calls a Store directly; writes go
// through the asynchronous Recorder.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jholhewres/wabroker/pkg/wabroker/session"
)

// Driver names accepted in Config.Driver.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverNone     = "none"
)

// Store errors.
var (
	// ErrUnknownDriver is returned by Open for an unsupported driver name.
	ErrUnknownDriver = fmt.Errorf("unknown store driver")

	// ErrDisabled is returned by read operations of the no-op store.
	ErrDisabled = fmt.Errorf("store disabled")
)

// Direction of a logged message.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

// LogEntry is one row of the message activity log.
type LogEntry struct {
	ID        int64     `json:"id"`
	ChatID    string    `json:"chatId"`
	MessageID string    `json:"messageId,omitempty"`
	RequestID string    `json:"requestId,omitempty"`
	Direction string    `json:"direction"`
	Sender    string    `json:"sender,omitempty"`
	Body      string    `json:"body"`
	Type      string    `json:"type"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// QuickReply is a canned response offered to operators.
type QuickReply struct {
	ID        int64     `json:"id"`
	Shortcut  string    `json:"shortcut"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists broker activity.
type Store interface {
	// SaveStatus upserts the single session status record.
	SaveStatus(ctx context.Context, rec session.StatusRecord) error

	// LoadStatus returns the last saved status record, if any.
	LoadStatus(ctx context.Context) (session.StatusRecord, bool, error)

	// AppendMessage adds an entry to the activity log.
	AppendMessage(ctx context.Context, e LogEntry) error

	// ListMessages returns up to limit of the newest entries for a chat,
	// newest first.
	ListMessages(ctx context.Context, chatID string, limit int) ([]LogEntry, error)

	// ListQuickReplies returns every quick reply ordered by shortcut.
	ListQuickReplies(ctx context.Context) ([]QuickReply, error)

	// PruneMessages deletes log entries created before cutoff.
	PruneMessages(ctx context.Context, cutoff time.Time) (int64, error)

	// Ping checks connectivity.
	Ping(ctx context.Context) error

	// Close releases the underlying connection.
	Close() error
}

// Config selects and configures the backend.
type Config struct {
	// Driver is "sqlite", "postgres" or "none". Default: sqlite
	Driver string `yaml:"driver"`

	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`

	// Retention is how long log entries are kept. Zero keeps them forever.
	Retention time.Duration `yaml:"retention"`

	// Buffer is the Recorder's pending write queue length. Default: 256
	Buffer int `yaml:"buffer"`
}

// DefaultConfig returns a SQLite configuration under ./data.
func DefaultConfig() Config {
	return Config{
		Driver:    DriverSQLite,
		SQLite:    SQLiteConfig{Path: "./data/wabroker.db"},
		Postgres:  defaultPostgresConfig(),
		Retention: 30 * 24 * time.Hour,
		Buffer:    256,
	}
}

// Open connects to the configured backend and applies the schema.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store")

	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverSQLite, "sqlite3":
		return openSQLite(ctx, cfg.SQLite, logger)
	case DriverPostgres, "postgresql", "pg":
		return openPostgres(ctx, cfg.Postgres, logger)
	case DriverNone, "off", "disabled":
		logger.Info("store: persistence disabled")
		return Nop{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
}

// Nop is a Store that discards writes.
type Nop struct{}

func (Nop) SaveStatus(context.Context, session.StatusRecord) error { return nil }

func (Nop) LoadStatus(context.Context) (session.StatusRecord, bool, error) {
	return session.StatusRecord{}, false, nil
}

func (Nop) AppendMessage(context.Context, LogEntry) error { return nil }

func (Nop) ListMessages(context.Context, string, int) ([]LogEntry, error) { return nil, ErrDisabled }

func (Nop) ListQuickReplies(context.Context) ([]QuickReply, error) { return nil, ErrDisabled }

func (Nop) PruneMessages(context.Context, time.Time) (int64, error) { return 0, nil }

func (Nop) Ping(context.Context) error { return nil }

func (Nop) Close() error { return nil }

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jholhewres/wabroker/pkg/wabroker/session"
)

// schemaVersion is the latest schema. Bump it and append to the dialect's
// migrations when the tables change.
const schemaVersion = 1

const statusKey = "session"

// dialect captures what differs between backends.
type dialect struct {
	name       string
	numbered   bool // $1 placeholders instead of ?
	migrations []string
}

// sqlStore implements Store over database/sql.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	logger  *slog.Logger
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect, logger *slog.Logger) (*sqlStore, error) {
	s := &sqlStore{db: db, dialect: d, logger: logger}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// rebind rewrites ? placeholders for dialects using numbered parameters.
func (s *sqlStore) rebind(query string) string {
	if !s.dialect.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// migrate applies pending migrations, each in its own transaction.
func (s *sqlStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL
		)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := s.currentVersion(ctx)
	if err != nil {
		return err
	}
	for v := current + 1; v <= len(s.dialect.migrations); v++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", v, err)
		}
		if _, err := tx.ExecContext(ctx, s.dialect.migrations[v-1]); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", v, err)
		}
		if _, err := tx.ExecContext(ctx, s.rebind("INSERT INTO schema_version (version, applied_at) VALUES (?, ?)"),
			v, time.Now().UTC()); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", v, err)
		}
		s.logger.Info("store: migration applied", "dialect", s.dialect.name, "version", v)
	}
	return nil
}

func (s *sqlStore) currentVersion(ctx context.Context) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

func (s *sqlStore) SaveStatus(ctx context.Context, rec session.StatusRecord) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO status (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`),
		statusKey, string(value), rec.At.UTC())
	if err != nil {
		return fmt.Errorf("save status: %w", err)
	}
	return nil
}

func (s *sqlStore) LoadStatus(ctx context.Context) (session.StatusRecord, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, s.rebind("SELECT value FROM status WHERE key = ?"), statusKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return session.StatusRecord{}, false, nil
	}
	if err != nil {
		return session.StatusRecord{}, false, fmt.Errorf("load status: %w", err)
	}
	var rec session.StatusRecord
	if err := json.Unmarshal([]byte(value), &rec); err != nil {
		return session.StatusRecord{}, false, fmt.Errorf("decode status: %w", err)
	}
	return rec, true, nil
}

func (s *sqlStore) AppendMessage(ctx context.Context, e LogEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO message_log
			(chat_id, message_id, request_id, direction, sender, body, type, success, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ChatID, e.MessageID, e.RequestID, e.Direction, e.Sender, e.Body, e.Type, e.Success, e.Error,
		e.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("append message log: %w", err)
	}
	return nil
}

func (s *sqlStore) ListMessages(ctx context.Context, chatID string, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, chat_id, message_id, request_id, direction, sender, body, type, success, error, created_at
		FROM message_log WHERE chat_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`), chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("list message log: %w", err)
	}
	defer rows.Close()

	out := []LogEntry{}
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.ID, &e.ChatID, &e.MessageID, &e.RequestID, &e.Direction, &e.Sender,
			&e.Body, &e.Type, &e.Success, &e.Error, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message log: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqlStore) ListQuickReplies(ctx context.Context) ([]QuickReply, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, shortcut, message, created_at FROM quick_replies ORDER BY shortcut")
	if err != nil {
		return nil, fmt.Errorf("list quick replies: %w", err)
	}
	defer rows.Close()

	out := []QuickReply{}
	for rows.Next() {
		var q QuickReply
		if err := rows.Scan(&q.ID, &q.Shortcut, &q.Message, &q.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan quick reply: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (s *sqlStore) PruneMessages(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind("DELETE FROM message_log WHERE created_at < ?"), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune message log: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

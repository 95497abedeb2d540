package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteConfig holds SQLite-specific configuration.
type SQLiteConfig struct {
	Path string `yaml:"path"`

	// JournalMode defaults to WAL.
	JournalMode string `yaml:"journal_mode"`

	// BusyTimeout in milliseconds. Default: 5000
	BusyTimeout int `yaml:"busy_timeout"`
}

var sqliteDialect = dialect{
	name: "sqlite",
	migrations: []string{`
		CREATE TABLE IF NOT EXISTS status (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);

		CREATE TABLE IF NOT EXISTS message_log (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id    TEXT NOT NULL,
			message_id TEXT NOT NULL DEFAULT '',
			request_id TEXT NOT NULL DEFAULT '',
			direction  TEXT NOT NULL,
			sender     TEXT NOT NULL DEFAULT '',
			body       TEXT NOT NULL DEFAULT '',
			type       TEXT NOT NULL DEFAULT 'text',
			success    BOOLEAN NOT NULL DEFAULT 1,
			error      TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_message_log_chat ON message_log(chat_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_message_log_created ON message_log(created_at);

		CREATE TABLE IF NOT EXISTS quick_replies (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			shortcut   TEXT NOT NULL UNIQUE,
			message    TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		);`,
	},
}

// openSQLite opens or creates the database file and applies the schema.
func openSQLite(ctx context.Context, cfg SQLiteConfig, logger *slog.Logger) (*sqlStore, error) {
	if cfg.Path == "" {
		cfg.Path = DefaultConfig().SQLite.Path
	}
	if cfg.JournalMode == "" {
		cfg.JournalMode = "WAL"
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5000
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory %q: %w", dir, err)
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=%s&_busy_timeout=%d&_foreign_keys=on",
		cfg.Path, cfg.JournalMode, cfg.BusyTimeout)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", cfg.Path, err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s, err := newSQLStore(ctx, db, sqliteDialect, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("store: sqlite opened", "path", cfg.Path)
	return s, nil
}

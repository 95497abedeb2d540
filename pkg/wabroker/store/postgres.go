package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
)

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

func defaultPostgresConfig() PostgresConfig {
	return PostgresConfig{
		Host:            "localhost",
		Port:            5432,
		Database:        "wabroker",
		User:            "wabroker",
		SSLMode:         "disable",
		MaxOpenConns:    10,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

func (c PostgresConfig) withDefaults() PostgresConfig {
	d := defaultPostgresConfig()
	if c.Host == "" {
		c.Host = d.Host
	}
	if c.Port == 0 {
		c.Port = d.Port
	}
	if c.Database == "" {
		c.Database = d.Database
	}
	if c.User == "" {
		c.User = d.User
	}
	if c.SSLMode == "" {
		c.SSLMode = d.SSLMode
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = d.MaxOpenConns
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = d.ConnMaxLifetime
	}
	return c
}

// DSN returns the connection URL. The password is escaped.
func (c PostgresConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + c.Database,
	}
	q := url.Values{}
	q.Set("sslmode", c.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

var postgresDialect = dialect{
	name:     "postgres",
	numbered: true,
	migrations: []string{`
		CREATE TABLE IF NOT EXISTS status (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS message_log (
			id         BIGSERIAL PRIMARY KEY,
			chat_id    TEXT NOT NULL,
			message_id TEXT NOT NULL DEFAULT '',
			request_id TEXT NOT NULL DEFAULT '',
			direction  TEXT NOT NULL,
			sender     TEXT NOT NULL DEFAULT '',
			body       TEXT NOT NULL DEFAULT '',
			type       TEXT NOT NULL DEFAULT 'text',
			success    BOOLEAN NOT NULL DEFAULT TRUE,
			error      TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_message_log_chat ON message_log(chat_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_message_log_created ON message_log(created_at);

		CREATE TABLE IF NOT EXISTS quick_replies (
			id         BIGSERIAL PRIMARY KEY,
			shortcut   TEXT NOT NULL UNIQUE,
			message    TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`,
	},
}

// openPostgres connects through the pgx stdlib driver and applies the schema.
func openPostgres(ctx context.Context, cfg PostgresConfig, logger *slog.Logger) (*sqlStore, error) {
	cfg = cfg.withDefaults()

	db, err := sql.Open("pgx", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns / 2)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s, err := newSQLStore(ctx, db, postgresDialect, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("store: postgres connected", "host", cfg.Host, "database", cfg.Database)
	return s, nil
}

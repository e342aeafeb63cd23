package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"           // postgres
	_ "github.com/mattn/go-sqlite3" // sqlite3
	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite" // sqlite (cgo-free)
)

// ErrNotFound is returned when a row does not exist
var ErrNotFound = errors.New("not found")

// Config selects the driver and data source
type Config struct {
	Driver string // sqlite3, sqlite or postgres
	DSN    string
}

// DB wraps the database connection
type DB struct {
	conn   *sql.DB
	driver string
}

// New opens the database and applies migrations
func New(cfg Config) (*DB, error) {
	dsn := cfg.DSN
	inMemory := strings.Contains(dsn, ":memory:")

	switch cfg.Driver {
	case "sqlite3", "sqlite":
		if !inMemory {
			dir := filepath.Dir(dsn)
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create db directory: %w", err)
			}
		}
		if cfg.Driver == "sqlite3" {
			dsn = appendParam(dsn, "_foreign_keys=on")
		} else {
			dsn = appendParam(dsn, "_pragma=foreign_keys(1)&_time_format=sqlite")
		}
	case "postgres":
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	conn, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// every connection to :memory: is a separate database
	if inMemory {
		conn.SetMaxOpenConns(1)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{conn: conn, driver: cfg.Driver}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks connectivity
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func appendParam(dsn, param string) string {
	if strings.Contains(dsn, "?") {
		return dsn + "&" + param
	}
	return dsn + "?" + param
}

func (db *DB) migrate() error {
	schema := sqliteSchema
	if db.driver == "postgres" {
		schema = postgresSchema
	}
	_, err := db.conn.Exec(schema)
	return err
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL DEFAULT '',
	plan TEXT NOT NULL DEFAULT 'FREE',
	email_notifications INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	name TEXT NOT NULL,
	description TEXT NOT NULL,
	start_url TEXT NOT NULL DEFAULT '',
	cron_schedule TEXT NOT NULL DEFAULT '',
	is_active INTEGER NOT NULL DEFAULT 1,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	last_run_at DATETIME,
	next_run_at DATETIME,
	FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_tasks_user_id ON tasks(user_id);
CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(is_active, next_run_at);

CREATE TABLE IF NOT EXISTS task_runs (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'running',
	triggered_by TEXT NOT NULL DEFAULT 'manual',
	started_at DATETIME NOT NULL,
	finished_at DATETIME,
	output TEXT,
	error_msg TEXT NOT NULL DEFAULT '',
	logs TEXT NOT NULL DEFAULT '',
	should_notify INTEGER,
	notification_reason TEXT NOT NULL DEFAULT '',
	FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_task_runs_task_id ON task_runs(task_id);
CREATE INDEX IF NOT EXISTS idx_task_runs_started_at ON task_runs(started_at);

CREATE TABLE IF NOT EXISTS notification_settings (
	task_id TEXT PRIMARY KEY,
	notify_on_success INTEGER NOT NULL DEFAULT 0,
	notify_on_failure INTEGER NOT NULL DEFAULT 1,
	email TEXT NOT NULL DEFAULT '',
	frequency TEXT NOT NULL DEFAULT 'immediate',
	criteria TEXT NOT NULL DEFAULT '',
	custom_rules TEXT NOT NULL DEFAULT '[]',
	slack_webhook TEXT NOT NULL DEFAULT '',
	discord_webhook TEXT NOT NULL DEFAULT '',
	updated_at DATETIME NOT NULL,
	FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL DEFAULT '',
	plan TEXT NOT NULL DEFAULT 'FREE',
	email_notifications BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	description TEXT NOT NULL,
	start_url TEXT NOT NULL DEFAULT '',
	cron_schedule TEXT NOT NULL DEFAULT '',
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	last_run_at TIMESTAMPTZ,
	next_run_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_tasks_user_id ON tasks(user_id);
CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(is_active, next_run_at);

CREATE TABLE IF NOT EXISTS task_runs (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	status TEXT NOT NULL DEFAULT 'running',
	triggered_by TEXT NOT NULL DEFAULT 'manual',
	started_at TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	output TEXT,
	error_msg TEXT NOT NULL DEFAULT '',
	logs TEXT NOT NULL DEFAULT '',
	should_notify BOOLEAN,
	notification_reason TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_task_runs_task_id ON task_runs(task_id);
CREATE INDEX IF NOT EXISTS idx_task_runs_started_at ON task_runs(started_at);

CREATE TABLE IF NOT EXISTS notification_settings (
	task_id TEXT PRIMARY KEY REFERENCES tasks(id) ON DELETE CASCADE,
	notify_on_success BOOLEAN NOT NULL DEFAULT FALSE,
	notify_on_failure BOOLEAN NOT NULL DEFAULT TRUE,
	email TEXT NOT NULL DEFAULT '',
	frequency TEXT NOT NULL DEFAULT 'immediate',
	criteria TEXT NOT NULL DEFAULT '',
	custom_rules TEXT NOT NULL DEFAULT '[]',
	slack_webhook TEXT NOT NULL DEFAULT '',
	discord_webhook TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL
);
`

// rebind converts ? placeholders to $1, $2, ... for postgres
func (db *DB) rebind(query string) string {
	if db.driver != "postgres" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 1
	for _, ch := range query {
		if ch == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

func (db *DB) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return db.conn.ExecContext(ctx, db.rebind(query), args...)
}

func (db *DB) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return db.conn.QueryContext(ctx, db.rebind(query), args...)
}

func (db *DB) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return db.conn.QueryRowContext(ctx, db.rebind(query), args...)
}

// NewID returns a new sortable identifier
func NewID() string {
	return ulid.Make().String()
}

// utc normalizes timestamps so SQLite text comparisons order correctly
func utc(t time.Time) time.Time {
	return t.UTC()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

// Package sqlite provides the persisted store behind the worker
// registry, the credential table, and the task machine. It implements
// core.WorkerStore, core.CredentialStore, and core.TaskStore over a
// single SQLite database, so one file on disk carries the whole
// console state.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/boxfleet/boxfleet-console/internal/core"
)

const (
	defaultBusyTimeout   = 5 * time.Second
	defaultTaskRetention = 10 * time.Minute
)

// schema is applied on every open. All statements are idempotent so
// reopening an existing database is a no-op.
const schema = `
CREATE TABLE IF NOT EXISTS worker_nodes (
	node_id           TEXT PRIMARY KEY,
	session_id        TEXT NOT NULL DEFAULT '',
	node_name         TEXT NOT NULL DEFAULT '',
	executor_kind     TEXT NOT NULL DEFAULT '',
	version           TEXT NOT NULL DEFAULT '',
	worker_type       TEXT NOT NULL DEFAULT 'normal',
	owner_id          TEXT NOT NULL DEFAULT '',
	labels_json       TEXT NOT NULL DEFAULT '{}',
	provisioned       INTEGER NOT NULL DEFAULT 0,
	last_seen_unix_ms INTEGER NOT NULL DEFAULT 0,
	created_unix_ms   INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_worker_nodes_last_seen
	ON worker_nodes (last_seen_unix_ms);

CREATE INDEX IF NOT EXISTS idx_worker_nodes_owner_type
	ON worker_nodes (owner_id, worker_type);

CREATE TABLE IF NOT EXISTS worker_capabilities (
	node_id         TEXT NOT NULL,
	capability_name TEXT NOT NULL,
	max_inflight    INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (node_id, capability_name)
);

CREATE INDEX IF NOT EXISTS idx_worker_capabilities_name
	ON worker_capabilities (capability_name);

CREATE TABLE IF NOT EXISTS worker_credentials (
	node_id         TEXT PRIMARY KEY,
	credential      TEXT NOT NULL,
	algorithm       TEXT NOT NULL DEFAULT '',
	created_unix_ms INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS worker_sys_owner_claims (
	owner_id        TEXT PRIMARY KEY,
	node_id         TEXT NOT NULL,
	created_unix_ms INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS tasks (
	task_id           TEXT PRIMARY KEY,
	owner_id          TEXT NOT NULL DEFAULT '',
	request_id        TEXT NOT NULL DEFAULT '',
	command_id        TEXT NOT NULL DEFAULT '',
	capability        TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL DEFAULT 'queued',
	input_json        TEXT NOT NULL DEFAULT '',
	result_json       TEXT NOT NULL DEFAULT '',
	error_code        TEXT NOT NULL DEFAULT '',
	error_message     TEXT NOT NULL DEFAULT '',
	created_unix_ms   INTEGER NOT NULL DEFAULT 0,
	updated_unix_ms   INTEGER NOT NULL DEFAULT 0,
	deadline_unix_ms  INTEGER NOT NULL DEFAULT 0,
	completed_unix_ms INTEGER NOT NULL DEFAULT 0,
	expires_unix_ms   INTEGER NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_owner_request
	ON tasks (owner_id, request_id) WHERE request_id != '';

CREATE INDEX IF NOT EXISTS idx_tasks_status_expires
	ON tasks (status, expires_unix_ms);
`

// Options configures Open.
type Options struct {
	// Path is the database file path.
	Path string
	// BusyTimeout bounds how long a connection waits on a locked
	// database before failing. Zero means 5s.
	BusyTimeout time.Duration
	// TaskRetention stamps the expiry on tasks failed by startup
	// recovery. Zero means 10m.
	TaskRetention time.Duration
	// Logger receives recovery stats. Nil means slog.Default().
	Logger *slog.Logger
}

// Store is the SQLite-backed persistence layer.
type Store struct {
	db *sql.DB
}

// Verify at compile time that Store satisfies the core store ports.
var (
	_ core.WorkerStore     = (*Store)(nil)
	_ core.CredentialStore = (*Store)(nil)
	_ core.TaskStore       = (*Store)(nil)
)

// Open opens or creates the database, applies the schema, and runs
// startup recovery: every persisted session id is cleared and every
// non-terminal task is failed with console_restarted, so a console
// restart never resumes phantom sessions or tasks.
func Open(ctx context.Context, opts Options) (*Store, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	busyTimeout := opts.BusyTimeout
	if busyTimeout <= 0 {
		busyTimeout = defaultBusyTimeout
	}
	retention := opts.TaskRetention
	if retention <= 0 {
		retention = defaultTaskRetention
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dsn := fmt.Sprintf(
		"file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_txlock=immediate",
		path, busyTimeout.Milliseconds(),
	)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database %q: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	store := &Store{db: db}
	clearedSessions, failedTasks, err := store.recover(ctx, time.Now(), retention)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("startup recovery: %w", err)
	}
	if clearedSessions > 0 || failedTasks > 0 {
		logger.Info("store recovered after restart",
			"path", path,
			"cleared_sessions", clearedSessions,
			"failed_tasks", failedTasks,
		)
	}
	return store, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// recover clears stale session ids and fails non-terminal tasks. Both
// conditions only arise when the previous process died with work in
// flight.
func (s *Store) recover(ctx context.Context, now time.Time, retention time.Duration) (int64, int64, error) {
	sessions, err := s.db.ExecContext(ctx,
		`UPDATE worker_nodes SET session_id = '' WHERE session_id != ''`)
	if err != nil {
		return 0, 0, fmt.Errorf("clear sessions: %w", err)
	}
	clearedSessions, _ := sessions.RowsAffected()

	nowMS := now.UnixMilli()
	tasks, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			status = ?,
			error_code = ?,
			error_message = 'console restarted before the task finished',
			updated_unix_ms = ?,
			completed_unix_ms = ?,
			expires_unix_ms = ?
		WHERE status IN ('queued', 'dispatched', 'running')`,
		string(core.TaskStatusFailed),
		core.TaskErrorConsoleRestarted,
		nowMS, nowMS, now.Add(retention).UnixMilli(),
	)
	if err != nil {
		return clearedSessions, 0, fmt.Errorf("fail interrupted tasks: %w", err)
	}
	failedTasks, _ := tasks.RowsAffected()
	return clearedSessions, failedTasks, nil
}

// unixMS converts a time to epoch milliseconds, keeping the zero time
// at zero so it round-trips.
func unixMS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMS(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func encodeLabels(labels map[string]string) (string, error) {
	if len(labels) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(labels)
	if err != nil {
		return "", fmt.Errorf("encode labels: %w", err)
	}
	return string(raw), nil
}

func decodeLabels(doc string) (map[string]string, error) {
	doc = strings.TrimSpace(doc)
	if doc == "" || doc == "{}" {
		return nil, nil
	}
	var labels map[string]string
	if err := json.Unmarshal([]byte(doc), &labels); err != nil {
		return nil, fmt.Errorf("decode labels: %w", err)
	}
	return labels, nil
}

func normalizeToken(raw string) string {
	return strings.TrimSpace(strings.ToLower(raw))
}

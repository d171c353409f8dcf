// Package store persists tasks and their event history in SQLite. All
// statements run on pooled connections; writes that can race use guarded
// UPDATE ... WHERE status = ? so a lost transition never overwrites a newer
// state.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"time"

	"github.com/ferrolith/taskmux/internal/bus"
	"github.com/ferrolith/taskmux/internal/pool"
	"github.com/ferrolith/taskmux/internal/shared"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "tm-v1-2026-08-task-schema"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

// ErrNotFound is returned when a task id does not exist.
var ErrNotFound = errors.New("store: task not found")

type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusExpired   TaskStatus = "expired"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired:
		return true
	}
	return false
}

var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	StatusPending: {
		StatusRunning: {},
		StatusFailed:  {},
		StatusExpired: {},
	},
	StatusRunning: {
		StatusCompleted: {},
		StatusFailed:    {},
		StatusExpired:   {},
		StatusPending:   {}, // Crash recovery requeue.
	},
}

func canTransition(from, to TaskStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// TaskError is the persisted failure detail for a task.
type TaskError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Metrics holds execution measurements recorded at completion.
type Metrics struct {
	DurationMs       int64 `json:"duration_ms"`
	PromptTokens     int   `json:"prompt_tokens"`
	CompletionTokens int   `json:"completion_tokens"`
}

type Task struct {
	ID         string         `json:"id"`
	Client     string         `json:"client"`
	Type       string         `json:"type"`
	Payload    map[string]any `json:"payload"`
	Status     TaskStatus     `json:"status"`
	Engine     string         `json:"engine,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
	Error      *TaskError     `json:"error,omitempty"`
	Metrics    Metrics        `json:"metrics"`
	RetryCount int            `json:"retry_count"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	ExpiresAt  *time.Time     `json:"expires_at,omitempty"`
}

// Expired reports whether the task's deadline has passed as of now.
func (t *Task) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !t.ExpiresAt.After(now)
}

// TaskEvent is one row of the append-only per-task history.
type TaskEvent struct {
	EventID   int64      `json:"event_id"`
	TaskID    string     `json:"task_id"`
	TraceID   string     `json:"trace_id,omitempty"`
	EventType string     `json:"event_type"`
	StateFrom TaskStatus `json:"state_from,omitempty"`
	StateTo   TaskStatus `json:"state_to"`
	Payload   string     `json:"payload"`
	CreatedAt time.Time  `json:"created_at"`
}

// Filter narrows ListTasks.
type Filter struct {
	Status TaskStatus
	Client string
	Type   string
	Limit  int
	Offset int
}

// Stats is a per-status census of the tasks table.
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Expired   int `json:"expired"`
}

// Store wraps the connection pool with the task schema and its invariants.
type Store struct {
	pool *pool.Pool
	bus  *bus.Bus // may be nil in tests
}

// Open runs migrations and returns a ready store. The store takes ownership
// of the pool; Close shuts it down.
func Open(p *pool.Pool, eventBus *bus.Bus) (*Store, error) {
	s := &Store{pool: p, bus: eventBus}
	if err := s.initSchema(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.pool.Shutdown()
}

// Pool exposes the underlying pool for health and stats endpoints.
func (s *Store) Pool() *pool.Pool {
	return s.pool
}

// retryOnBusy retries f when SQLite reports BUSY or LOCKED, with jittered
// exponential backoff on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) initSchema(ctx context.Context) error {
	return s.pool.ExecuteTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS schema_migrations (
				version INTEGER PRIMARY KEY,
				checksum TEXT NOT NULL,
				applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);
		`); err != nil {
			return fmt.Errorf("create schema_migrations: %w", err)
		}

		var maxVersion int
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
			return fmt.Errorf("read migration max version: %w", err)
		}
		if maxVersion > schemaVersionLatest {
			return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
		}
		if maxVersion == schemaVersionLatest {
			var existingChecksum string
			if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
				return fmt.Errorf("read schema migration checksum: %w", err)
			}
			if existingChecksum != schemaChecksumLatest {
				return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
			}
			return nil
		}

		statements := []string{
			`CREATE TABLE IF NOT EXISTS tasks (
				id TEXT PRIMARY KEY,
				client TEXT NOT NULL,
				type TEXT NOT NULL,
				status TEXT NOT NULL CHECK(status IN ('pending', 'running', 'completed', 'failed', 'expired')),
				engine TEXT NOT NULL DEFAULT '',
				payload JSON NOT NULL,
				result JSON,
				error_code TEXT,
				error_message TEXT,
				duration_ms INTEGER NOT NULL DEFAULT 0,
				prompt_tokens INTEGER NOT NULL DEFAULT 0,
				completion_tokens INTEGER NOT NULL DEFAULT 0,
				retry_count INTEGER NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				expires_at DATETIME
			);`,
			`CREATE TABLE IF NOT EXISTS task_events (
				event_id INTEGER PRIMARY KEY AUTOINCREMENT,
				task_id TEXT NOT NULL REFERENCES tasks(id),
				trace_id TEXT,
				event_type TEXT NOT NULL,
				state_from TEXT,
				state_to TEXT NOT NULL,
				payload_json TEXT NOT NULL DEFAULT '{}',
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
			`CREATE TABLE IF NOT EXISTS audit_log (
				audit_id INTEGER PRIMARY KEY AUTOINCREMENT,
				trace_id TEXT,
				subject TEXT,
				action TEXT NOT NULL,
				decision TEXT NOT NULL,
				reason TEXT,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_client ON tasks(client, created_at);`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_expires ON tasks(status, expires_at);`,
			`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, event_id);`,
		}
		for _, stmt := range statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("exec migration: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO schema_migrations (version, checksum)
			VALUES (?, ?);
		`, schemaVersionLatest, schemaChecksumLatest); err != nil {
			return fmt.Errorf("insert schema migration ledger: %w", err)
		}
		return nil
	})
}

func (s *Store) appendTaskEventTx(ctx context.Context, tx *sql.Tx, taskID string, from, to TaskStatus, eventType, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	traceID := shared.TraceID(ctx)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, trace_id, event_type, state_from, state_to, payload_json, created_at)
		VALUES (?, NULLIF(?, '-'), ?, NULLIF(?, ''), ?, ?, CURRENT_TIMESTAMP);
	`, taskID, traceID, eventType, string(from), string(to), payload)
	if err != nil {
		return fmt.Errorf("insert task_event: %w", err)
	}
	return nil
}

// transitionTaskTx moves a task to a new status iff its current status is in
// allowedFrom. The guarded UPDATE makes the transition a no-op (false, nil)
// when another writer got there first.
func (s *Store) transitionTaskTx(
	ctx context.Context,
	tx *sql.Tx,
	taskID string,
	allowedFrom []TaskStatus,
	to TaskStatus,
	eventType string,
	payload string,
	extraSet string,
	extraArgs []any,
) (bool, error) {
	var current TaskStatus
	if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?;`, taskID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("select task for transition: %w", err)
	}
	if !slices.Contains(allowedFrom, current) {
		return false, nil
	}
	if !canTransition(current, to) {
		return false, fmt.Errorf("illegal transition %s -> %s", current, to)
	}

	set := "status = ?, updated_at = CURRENT_TIMESTAMP"
	args := []any{to}
	if extraSet != "" {
		set += ", " + extraSet
		args = append(args, extraArgs...)
	}
	args = append(args, taskID, current)

	res, err := tx.ExecContext(ctx, `UPDATE tasks SET `+set+` WHERE id = ? AND status = ?;`, args...)
	if err != nil {
		return false, fmt.Errorf("update task transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return false, nil
	}
	if err := s.appendTaskEventTx(ctx, tx, taskID, current, to, eventType, payload); err != nil {
		return false, err
	}
	return true, nil
}

// InsertAuditRow satisfies audit.TableSink: audit entries land in the same
// database as the tasks they concern.
func (s *Store) InsertAuditRow(ctx context.Context, traceID, subject, action, decision, reason string) error {
	return s.pool.Execute(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO audit_log (trace_id, subject, action, decision, reason, created_at)
			VALUES (NULLIF(?, '-'), ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, traceID, subject, action, decision, reason)
		if err != nil {
			return fmt.Errorf("insert audit row: %w", err)
		}
		return nil
	})
}

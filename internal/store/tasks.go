package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ferrolith/taskmux/internal/bus"
)

// taskColumns is the canonical SELECT list consumed by scanTask.
const taskColumns = `
	id, client, type, status, engine, payload,
	COALESCE(result, ''), COALESCE(error_code, ''), COALESCE(error_message, ''),
	duration_ms, prompt_tokens, completion_tokens, retry_count,
	created_at, updated_at, expires_at`

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var (
		payloadJSON string
		resultJSON  string
		errCode     string
		errMessage  string
		expiresAt   sql.NullTime
	)
	if err := scanFn(
		&task.ID,
		&task.Client,
		&task.Type,
		&task.Status,
		&task.Engine,
		&payloadJSON,
		&resultJSON,
		&errCode,
		&errMessage,
		&task.Metrics.DurationMs,
		&task.Metrics.PromptTokens,
		&task.Metrics.CompletionTokens,
		&task.RetryCount,
		&task.CreatedAt,
		&task.UpdatedAt,
		&expiresAt,
	); err != nil {
		return err
	}
	if payloadJSON != "" {
		if err := json.Unmarshal([]byte(payloadJSON), &task.Payload); err != nil {
			return fmt.Errorf("decode task payload: %w", err)
		}
	}
	if resultJSON != "" {
		if err := json.Unmarshal([]byte(resultJSON), &task.Result); err != nil {
			return fmt.Errorf("decode task result: %w", err)
		}
	}
	if errCode != "" {
		task.Error = &TaskError{Code: errCode, Message: errMessage}
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		task.ExpiresAt = &t
	}
	return nil
}

// CreateTask inserts a pending task. A missing ID is generated; CreatedAt is
// set by the database. The inserted task is reflected back into t.
func (s *Store) CreateTask(ctx context.Context, t *Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Client == "" {
		return fmt.Errorf("store: task client required")
	}
	if t.Type == "" {
		return fmt.Errorf("store: task type required")
	}
	payloadJSON, err := json.Marshal(t.Payload)
	if err != nil {
		return fmt.Errorf("encode task payload: %w", err)
	}
	var expiresAt any
	if t.ExpiresAt != nil {
		expiresAt = t.ExpiresAt.UTC()
	}

	err = retryOnBusy(ctx, 5, func() error {
		return s.pool.ExecuteTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO tasks (id, client, type, status, engine, payload, expires_at, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
			`, t.ID, t.Client, t.Type, StatusPending, t.Engine, string(payloadJSON), expiresAt); err != nil {
				return fmt.Errorf("insert task: %w", err)
			}
			return s.appendTaskEventTx(ctx, tx, t.ID, "", StatusPending, "task.created", "")
		})
	})
	if err != nil {
		return err
	}
	t.Status = StatusPending

	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskCreated, bus.TaskEvent{
			TaskID:   t.ID,
			ClientID: t.Client,
			Type:     t.Type,
			Engine:   t.Engine,
			Status:   string(StatusPending),
		})
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	err := s.pool.Execute(ctx, func(db *sql.DB) error {
		return scanTask(db.QueryRowContext(ctx,
			`SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID).Scan, &task)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// ListTasks returns matching tasks newest first plus the unpaginated total.
func (s *Store) ListTasks(ctx context.Context, f Filter) ([]Task, int, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	where := "1=1"
	var args []any
	if f.Status != "" {
		where += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.Client != "" {
		where += " AND client = ?"
		args = append(args, f.Client)
	}
	if f.Type != "" {
		where += " AND type = ?"
		args = append(args, f.Type)
	}

	var out []Task
	var total int
	err := s.pool.Execute(ctx, func(db *sql.DB) error {
		if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE `+where+`;`, args...).Scan(&total); err != nil {
			return fmt.Errorf("count tasks: %w", err)
		}
		rows, err := db.QueryContext(ctx,
			`SELECT `+taskColumns+` FROM tasks WHERE `+where+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?;`,
			append(args, f.Limit, f.Offset)...)
		if err != nil {
			return fmt.Errorf("list tasks: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var t Task
			if err := scanTask(rows.Scan, &t); err != nil {
				return fmt.Errorf("scan task: %w", err)
			}
			out = append(out, t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// MarkRunning transitions pending -> running and records the resolved engine.
// Returns false when the task is no longer pending.
func (s *Store) MarkRunning(ctx context.Context, taskID, engine string) (bool, error) {
	var ok bool
	err := retryOnBusy(ctx, 5, func() error {
		return s.pool.ExecuteTx(ctx, func(tx *sql.Tx) error {
			var err error
			ok, err = s.transitionTaskTx(ctx, tx, taskID,
				[]TaskStatus{StatusPending}, StatusRunning,
				"task.started", fmt.Sprintf(`{"engine":%q}`, engine),
				"engine = ?", []any{engine})
			return err
		})
	})
	return ok, err
}

// CompleteTask transitions running -> completed and stores the result and
// metrics. Returns false when the task is not running (e.g. it was expired
// or aborted concurrently); the result is discarded in that case.
func (s *Store) CompleteTask(ctx context.Context, taskID string, result map[string]any, m Metrics) (bool, error) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return false, fmt.Errorf("encode task result: %w", err)
	}
	var ok bool
	err = retryOnBusy(ctx, 5, func() error {
		return s.pool.ExecuteTx(ctx, func(tx *sql.Tx) error {
			var err error
			ok, err = s.transitionTaskTx(ctx, tx, taskID,
				[]TaskStatus{StatusRunning}, StatusCompleted,
				"task.completed", fmt.Sprintf(`{"duration_ms":%d}`, m.DurationMs),
				"result = ?, error_code = NULL, error_message = NULL, duration_ms = ?, prompt_tokens = ?, completion_tokens = ?",
				[]any{string(resultJSON), m.DurationMs, m.PromptTokens, m.CompletionTokens})
			return err
		})
	})
	return ok, err
}

// FailTask transitions pending/running -> failed with the given error.
func (s *Store) FailTask(ctx context.Context, taskID string, taskErr TaskError, m Metrics) (bool, error) {
	var ok bool
	err := retryOnBusy(ctx, 5, func() error {
		return s.pool.ExecuteTx(ctx, func(tx *sql.Tx) error {
			var err error
			ok, err = s.transitionTaskTx(ctx, tx, taskID,
				[]TaskStatus{StatusPending, StatusRunning}, StatusFailed,
				"task.failed", fmt.Sprintf(`{"code":%q}`, taskErr.Code),
				"error_code = ?, error_message = ?, duration_ms = ?",
				[]any{taskErr.Code, taskErr.Message, m.DurationMs})
			return err
		})
	})
	return ok, err
}

// MarkExpired transitions pending/running -> expired.
func (s *Store) MarkExpired(ctx context.Context, taskID string) (bool, error) {
	var ok bool
	err := retryOnBusy(ctx, 5, func() error {
		return s.pool.ExecuteTx(ctx, func(tx *sql.Tx) error {
			var err error
			ok, err = s.transitionTaskTx(ctx, tx, taskID,
				[]TaskStatus{StatusPending, StatusRunning}, StatusExpired,
				"task.expired", "",
				"error_code = 'TASK_EXPIRED', error_message = 'task expired before completion'", nil)
			return err
		})
	})
	if err == nil && ok && s.bus != nil {
		s.bus.Publish(bus.TopicTaskExpired, bus.TaskEvent{TaskID: taskID, Status: string(StatusExpired)})
	}
	return ok, err
}

// IncrementRetry bumps retry_count and returns the new value.
func (s *Store) IncrementRetry(ctx context.Context, taskID string) (int, error) {
	var count int
	err := s.pool.ExecuteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET retry_count = retry_count + 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, taskID)
		if err != nil {
			return fmt.Errorf("increment retry: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return tx.QueryRowContext(ctx, `SELECT retry_count FROM tasks WHERE id = ?;`, taskID).Scan(&count)
	})
	return count, err
}

// DeleteTask removes a task and its event history. Returns false when the
// id does not exist.
func (s *Store) DeleteTask(ctx context.Context, taskID string) (bool, error) {
	var deleted bool
	err := retryOnBusy(ctx, 5, func() error {
		return s.pool.ExecuteTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, `DELETE FROM task_events WHERE task_id = ?;`, taskID); err != nil {
				return fmt.Errorf("delete task events: %w", err)
			}
			res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?;`, taskID)
			if err != nil {
				return fmt.Errorf("delete task: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			deleted = n == 1
			return nil
		})
	})
	if err == nil && deleted && s.bus != nil {
		s.bus.Publish(bus.TopicTaskDeleted, bus.TaskEvent{TaskID: taskID})
	}
	return deleted, err
}

// CleanupExpired marks every overdue non-terminal task expired and returns
// how many were transitioned.
func (s *Store) CleanupExpired(ctx context.Context) (int64, error) {
	var ids []string
	err := s.pool.Execute(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `
			SELECT id FROM tasks
			WHERE status IN (?, ?) AND expires_at IS NOT NULL AND expires_at <= ?;
		`, StatusPending, StatusRunning, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("query overdue tasks: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return fmt.Errorf("scan overdue task: %w", err)
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err != nil {
		return 0, err
	}

	var expired int64
	for _, id := range ids {
		ok, err := s.MarkExpired(ctx, id)
		if err != nil {
			return expired, err
		}
		if ok {
			expired++
		}
	}
	return expired, nil
}

// RequeueRunning moves every running task back to pending and returns how
// many were requeued. Meant for daemon startup, before any executor exists:
// a row still marked running at that point is a leftover from a crashed
// process and would otherwise refuse every future run.
func (s *Store) RequeueRunning(ctx context.Context) (int64, error) {
	var ids []string
	err := s.pool.Execute(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `SELECT id FROM tasks WHERE status = ?;`, StatusRunning)
		if err != nil {
			return fmt.Errorf("query stranded tasks: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return fmt.Errorf("scan stranded task: %w", err)
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err != nil {
		return 0, err
	}

	var requeued int64
	for _, id := range ids {
		var ok bool
		err := retryOnBusy(ctx, 5, func() error {
			return s.pool.ExecuteTx(ctx, func(tx *sql.Tx) error {
				var err error
				ok, err = s.transitionTaskTx(ctx, tx, id,
					[]TaskStatus{StatusRunning}, StatusPending,
					"task.requeued", "", "", nil)
				return err
			})
		})
		if err != nil {
			return requeued, err
		}
		if ok {
			requeued++
		}
	}
	return requeued, nil
}

// ListTaskEvents returns the event history for one task, oldest first.
func (s *Store) ListTaskEvents(ctx context.Context, taskID string, limit int) ([]TaskEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	var out []TaskEvent
	err := s.pool.Execute(ctx, func(db *sql.DB) error {
		rows, err := db.QueryContext(ctx, `
			SELECT event_id, task_id, COALESCE(trace_id, ''), event_type, COALESCE(state_from, ''), state_to, payload_json, created_at
			FROM task_events
			WHERE task_id = ?
			ORDER BY event_id ASC
			LIMIT ?;
		`, taskID, limit)
		if err != nil {
			return fmt.Errorf("list task events: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				ev        TaskEvent
				stateFrom string
			)
			if err := rows.Scan(&ev.EventID, &ev.TaskID, &ev.TraceID, &ev.EventType, &stateFrom, &ev.StateTo, &ev.Payload, &ev.CreatedAt); err != nil {
				return fmt.Errorf("scan task event: %w", err)
			}
			ev.StateFrom = TaskStatus(stateFrom)
			out = append(out, ev)
		}
		return rows.Err()
	})
	return out, err
}

// Stats returns per-status task counts.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.pool.Execute(ctx, func(db *sql.DB) error {
		row := db.QueryRowContext(ctx, `
			SELECT
				COUNT(*),
				COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0),
				COALESCE(SUM(CASE WHEN status = 'running' THEN 1 ELSE 0 END), 0),
				COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
				COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
				COALESCE(SUM(CASE WHEN status = 'expired' THEN 1 ELSE 0 END), 0)
			FROM tasks;
		`)
		if err := row.Scan(&st.Total, &st.Pending, &st.Running, &st.Completed, &st.Failed, &st.Expired); err != nil {
			return fmt.Errorf("task stats: %w", err)
		}
		return nil
	})
	return st, err
}

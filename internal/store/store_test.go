package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ferrolith/taskmux/internal/pool"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	p, err := pool.Open(pool.Config{
		Path: filepath.Join(t.TempDir(), "store_test.db"),
		Size: 2,
	})
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	s, err := Open(p, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newPendingTask(t *testing.T, s *Store) *Task {
	t.Helper()
	task := &Task{
		Client:  "cli",
		Type:    "search",
		Payload: map[string]any{"query": "weather"},
	}
	if err := s.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return task
}

func TestCreateAndGetTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := newPendingTask(t, s)

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != StatusPending {
		t.Fatalf("status = %s, want %s", got.Status, StatusPending)
	}
	if got.Client != "cli" || got.Type != "search" {
		t.Fatalf("identity fields lost: %+v", got)
	}
	if got.Payload["query"] != "weather" {
		t.Fatalf("payload = %v", got.Payload)
	}

	events, err := s.ListTaskEvents(ctx, task.ID, 0)
	if err != nil {
		t.Fatalf("ListTaskEvents: %v", err)
	}
	if len(events) != 1 || events[0].EventType != "task.created" {
		t.Fatalf("events = %+v", events)
	}
}

func TestGetTask_NotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetTask(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestMarkRunning_GuardedTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := newPendingTask(t, s)

	ok, err := s.MarkRunning(ctx, task.ID, "engine-a")
	if err != nil || !ok {
		t.Fatalf("MarkRunning = %v, %v", ok, err)
	}
	// Second attempt is a no-op, not an error.
	ok, err = s.MarkRunning(ctx, task.ID, "engine-b")
	if err != nil {
		t.Fatalf("second MarkRunning: %v", err)
	}
	if ok {
		t.Fatal("second MarkRunning reported a transition")
	}

	got, _ := s.GetTask(ctx, task.ID)
	if got.Engine != "engine-a" {
		t.Fatalf("engine = %s, want engine-a", got.Engine)
	}
}

func TestCompleteTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := newPendingTask(t, s)
	s.MarkRunning(ctx, task.ID, "engine-a")

	ok, err := s.CompleteTask(ctx, task.ID, map[string]any{"answer": "42"}, Metrics{DurationMs: 120, PromptTokens: 10, CompletionTokens: 5})
	if err != nil || !ok {
		t.Fatalf("CompleteTask = %v, %v", ok, err)
	}

	got, _ := s.GetTask(ctx, task.ID)
	if got.Status != StatusCompleted {
		t.Fatalf("status = %s, want %s", got.Status, StatusCompleted)
	}
	if got.Result["answer"] != "42" {
		t.Fatalf("result = %v", got.Result)
	}
	if got.Metrics.DurationMs != 120 || got.Metrics.PromptTokens != 10 {
		t.Fatalf("metrics = %+v", got.Metrics)
	}
}

func TestCompleteTask_AfterExpireIsDiscarded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := newPendingTask(t, s)
	s.MarkRunning(ctx, task.ID, "engine-a")

	if ok, err := s.MarkExpired(ctx, task.ID); err != nil || !ok {
		t.Fatalf("MarkExpired = %v, %v", ok, err)
	}

	ok, err := s.CompleteTask(ctx, task.ID, map[string]any{"late": true}, Metrics{})
	if err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if ok {
		t.Fatal("completion applied after expiry")
	}

	got, _ := s.GetTask(ctx, task.ID)
	if got.Status != StatusExpired {
		t.Fatalf("status = %s, want %s", got.Status, StatusExpired)
	}
	if got.Result != nil {
		t.Fatalf("late result persisted: %v", got.Result)
	}
}

func TestFailTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := newPendingTask(t, s)
	s.MarkRunning(ctx, task.ID, "engine-a")

	ok, err := s.FailTask(ctx, task.ID, TaskError{Code: "EXECUTION_FAILED", Message: "engine unreachable"}, Metrics{DurationMs: 40})
	if err != nil || !ok {
		t.Fatalf("FailTask = %v, %v", ok, err)
	}

	got, _ := s.GetTask(ctx, task.ID)
	if got.Status != StatusFailed {
		t.Fatalf("status = %s", got.Status)
	}
	if got.Error == nil || got.Error.Code != "EXECUTION_FAILED" {
		t.Fatalf("error = %+v", got.Error)
	}
}

func TestIncrementRetry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := newPendingTask(t, s)

	for want := 1; want <= 3; want++ {
		got, err := s.IncrementRetry(ctx, task.ID)
		if err != nil {
			t.Fatalf("IncrementRetry: %v", err)
		}
		if got != want {
			t.Fatalf("retry count = %d, want %d", got, want)
		}
	}
	if _, err := s.IncrementRetry(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := newPendingTask(t, s)

	ok, err := s.DeleteTask(ctx, task.ID)
	if err != nil || !ok {
		t.Fatalf("DeleteTask = %v, %v", ok, err)
	}
	if _, err := s.GetTask(ctx, task.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("task survived delete: %v", err)
	}
	if ok, _ := s.DeleteTask(ctx, task.ID); ok {
		t.Fatal("second delete reported a removal")
	}
}

func TestCleanupExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	overdue := &Task{Client: "cli", Type: "search", Payload: map[string]any{}, ExpiresAt: &past}
	if err := s.CreateTask(ctx, overdue); err != nil {
		t.Fatalf("create overdue: %v", err)
	}
	fresh := newPendingTask(t, s)

	n, err := s.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("CleanupExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("expired = %d, want 1", n)
	}

	got, _ := s.GetTask(ctx, overdue.ID)
	if got.Status != StatusExpired {
		t.Fatalf("overdue status = %s", got.Status)
	}
	got, _ = s.GetTask(ctx, fresh.ID)
	if got.Status != StatusPending {
		t.Fatalf("fresh status = %s", got.Status)
	}
}

func TestRequeueRunning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stranded := newPendingTask(t, s)
	if ok, err := s.MarkRunning(ctx, stranded.ID, "engine-a"); err != nil || !ok {
		t.Fatalf("MarkRunning = %v, %v", ok, err)
	}
	pending := newPendingTask(t, s)
	done := newPendingTask(t, s)
	s.MarkRunning(ctx, done.ID, "engine-a")
	s.CompleteTask(ctx, done.ID, map[string]any{"ok": true}, Metrics{})

	n, err := s.RequeueRunning(ctx)
	if err != nil {
		t.Fatalf("RequeueRunning: %v", err)
	}
	if n != 1 {
		t.Fatalf("requeued = %d, want 1", n)
	}

	got, _ := s.GetTask(ctx, stranded.ID)
	if got.Status != StatusPending {
		t.Fatalf("stranded status = %s, want %s", got.Status, StatusPending)
	}
	got, _ = s.GetTask(ctx, pending.ID)
	if got.Status != StatusPending {
		t.Fatalf("pending status = %s", got.Status)
	}
	got, _ = s.GetTask(ctx, done.ID)
	if got.Status != StatusCompleted {
		t.Fatalf("completed status = %s", got.Status)
	}

	// A requeued task is runnable again.
	if ok, err := s.MarkRunning(ctx, stranded.ID, "engine-b"); err != nil || !ok {
		t.Fatalf("MarkRunning after requeue = %v, %v", ok, err)
	}

	events, err := s.ListTaskEvents(ctx, stranded.ID, 0)
	if err != nil {
		t.Fatalf("ListTaskEvents: %v", err)
	}
	var sawRequeue bool
	for _, ev := range events {
		if ev.EventType == "task.requeued" {
			sawRequeue = true
		}
	}
	if !sawRequeue {
		t.Fatalf("no task.requeued event in %+v", events)
	}
}

func TestListTasks_Filter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newPendingTask(t, s)
	b := &Task{Client: "other", Type: "review", Payload: map[string]any{}}
	if err := s.CreateTask(ctx, b); err != nil {
		t.Fatalf("create b: %v", err)
	}
	s.MarkRunning(ctx, a.ID, "engine-a")

	tasks, total, err := s.ListTasks(ctx, Filter{Status: StatusRunning})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if total != 1 || len(tasks) != 1 || tasks[0].ID != a.ID {
		t.Fatalf("running filter: total=%d tasks=%+v", total, tasks)
	}

	tasks, total, err = s.ListTasks(ctx, Filter{Client: "other"})
	if err != nil {
		t.Fatalf("ListTasks by client: %v", err)
	}
	if total != 1 || tasks[0].Type != "review" {
		t.Fatalf("client filter: total=%d tasks=%+v", total, tasks)
	}
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newPendingTask(t, s)
	newPendingTask(t, s)
	s.MarkRunning(ctx, a.ID, "engine-a")
	s.CompleteTask(ctx, a.ID, nil, Metrics{})

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Total != 2 || st.Pending != 1 || st.Completed != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestInsertAuditRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.InsertAuditRow(ctx, "trace-1", "task:t-1", "task.run", "deny", "loop detected"); err != nil {
		t.Fatalf("InsertAuditRow: %v", err)
	}

	var decision string
	err := s.pool.Execute(ctx, func(db *sql.DB) error {
		return db.QueryRow(`SELECT decision FROM audit_log WHERE action = 'task.run';`).Scan(&decision)
	})
	if err != nil {
		t.Fatalf("read audit row: %v", err)
	}
	if decision != "deny" {
		t.Fatalf("decision = %s, want deny", decision)
	}
}

func TestOpen_Reopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reopen.db")

	p, err := pool.Open(pool.Config{Path: path, Size: 1})
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	s, err := Open(p, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	task := newPendingTask(t, s)
	s.Close()

	p2, err := pool.Open(pool.Config{Path: path, Size: 1})
	if err != nil {
		t.Fatalf("reopen pool: %v", err)
	}
	s2, err := Open(p2, nil)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer s2.Close()

	got, err := s2.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("GetTask after reopen: %v", err)
	}
	if got.Status != StatusPending {
		t.Fatalf("status = %s", got.Status)
	}
}

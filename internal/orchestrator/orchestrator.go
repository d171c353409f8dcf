// Package orchestrator owns the task lifecycle: admission against a global
// concurrency ceiling, per-client rate limiting, loop-guard validation,
// timed execution with bounded retry, persistence, and lifecycle events.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ferrolith/taskmux/internal/audit"
	"github.com/ferrolith/taskmux/internal/bus"
	"github.com/ferrolith/taskmux/internal/engine"
	"github.com/ferrolith/taskmux/internal/limiter"
	"github.com/ferrolith/taskmux/internal/loopguard"
	"github.com/ferrolith/taskmux/internal/otel"
	"github.com/ferrolith/taskmux/internal/shared"
	"github.com/ferrolith/taskmux/internal/store"
)

const (
	defaultMaxConcurrent   = 50
	defaultTimeout         = 120 * time.Second
	defaultMaxRetries      = 3
	defaultRetryDelay      = time.Second
	defaultMaxPayloadBytes = 256 * 1024
)

// Cancellation causes distinguished via context.Cause.
var (
	errDeadline  = errors.New("task deadline elapsed")
	errShutdown  = errors.New("orchestrator shutting down")
	errAbortedBy = errors.New("task aborted")
)

// Config holds the orchestrator's knobs. Zero values get defaults.
type Config struct {
	// MaxConcurrent is the global running-task ceiling across all clients.
	MaxConcurrent int
	// DefaultTimeout bounds one RunTask call unless overridden per call.
	DefaultTimeout time.Duration
	// MaxRetries bounds retry attempts after the first try.
	MaxRetries int
	// RetryDelay is the backoff base: delay * 2^attempt.
	RetryDelay time.Duration
	// MaxPayloadBytes rejects oversized payloads at submission.
	MaxPayloadBytes int

	Logger  *slog.Logger
	Bus     *bus.Bus
	Audit   *audit.Log
	Metrics *otel.Metrics
}

// Options tunes one RunTask call.
type Options struct {
	// Timeout overrides Config.DefaultTimeout when positive.
	Timeout time.Duration
	// MaxRetries overrides Config.MaxRetries when non-nil.
	MaxRetries *int
	// Engine overrides engine resolution.
	Engine string
	// Context carries delegation metadata for nested calls. Nil means a
	// top-level call and a fresh context is seeded.
	Context *loopguard.Context
}

// SubmitOptions tunes task creation.
type SubmitOptions struct {
	Engine    string
	ExpiresAt *time.Time
}

// TaskResult is the outcome of one RunTask call.
type TaskResult struct {
	TaskID   string           `json:"task_id"`
	Status   store.TaskStatus `json:"status"`
	Result   map[string]any   `json:"result,omitempty"`
	Err      *store.TaskError `json:"error,omitempty"`
	Metrics  store.Metrics    `json:"metrics"`
	CacheHit bool             `json:"cache_hit"`
	Attempts int              `json:"attempts"`
}

// Stats is an observability snapshot of the orchestrator.
type Stats struct {
	Running       int     `json:"running"`
	Completed     int64   `json:"completed"`
	Failed        int64   `json:"failed"`
	Retried       int64   `json:"retried"`
	LoopPrevented int64   `json:"loop_prevented"`
	CacheHits     int64   `json:"cache_hits"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

// Orchestrator drives task execution. The running map is the single source
// of truth for in-flight work: the concurrency ceiling, DeleteTask's force
// path, and Shutdown all operate on it.
type Orchestrator struct {
	cfg      Config
	store    *store.Store
	limiter  *limiter.Limiter
	guard    *loopguard.Guard
	registry *engine.Registry

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
	closed  bool
	wg      sync.WaitGroup

	completed     int64
	failed        int64
	retried       int64
	loopPrevented int64
	cacheHits     int64
	totalDuration time.Duration
}

// New wires the orchestrator. Store, limiter, guard, and registry are
// required; bus, audit, and metrics may be nil.
func New(cfg Config, st *store.Store, lim *limiter.Limiter, guard *loopguard.Guard, reg *engine.Registry) *Orchestrator {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = defaultMaxPayloadBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orchestrator{
		cfg:      cfg,
		store:    st,
		limiter:  lim,
		guard:    guard,
		registry: reg,
		running:  make(map[string]context.CancelCauseFunc),
	}
}

// SubmitTask validates and persists a new pending task.
func (o *Orchestrator) SubmitTask(ctx context.Context, client, taskType string, payload map[string]any, opts SubmitOptions) (*store.Task, error) {
	if o.isClosed() {
		return nil, newError(CodeExecutionFailed, "orchestrator is shut down")
	}
	if client == "" {
		client = shared.ClientID(ctx)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, newError(CodePayloadTooLarge, "payload is not encodable: %v", err)
	}
	if len(raw) > o.cfg.MaxPayloadBytes {
		return nil, newError(CodePayloadTooLarge, "payload is %d bytes, limit %d", len(raw), o.cfg.MaxPayloadBytes)
	}

	task := &store.Task{
		Client:    client,
		Type:      taskType,
		Payload:   payload,
		Engine:    opts.Engine,
		ExpiresAt: opts.ExpiresAt,
	}
	if err := o.store.CreateTask(ctx, task); err != nil {
		return nil, storeError(err)
	}
	o.cfg.Logger.Info("task submitted",
		"task_id", task.ID, "client", client, "type", taskType)
	return task, nil
}

// RunTask executes a task to a terminal state. Precondition failures
// (unknown id, already running, expired, loop prevention, admission) return
// an *Error without executing; anything that reaches running comes back as
// a TaskResult, failed or completed, never an error.
func (o *Orchestrator) RunTask(ctx context.Context, taskID string, opts Options) (*TaskResult, error) {
	if o.isClosed() {
		return nil, newError(CodeExecutionFailed, "orchestrator is shut down")
	}

	task, err := o.store.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newError(CodeTaskNotFound, "task %s does not exist", taskID)
	}
	if err != nil {
		return nil, storeError(err)
	}

	switch task.Status {
	case store.StatusRunning:
		return nil, newError(CodeTaskAlreadyRunning, "task %s is already running", taskID)
	case store.StatusCompleted:
		// Idempotent replay.
		o.mu.Lock()
		o.cacheHits++
		o.mu.Unlock()
		return &TaskResult{
			TaskID:   task.ID,
			Status:   store.StatusCompleted,
			Result:   task.Result,
			Metrics:  task.Metrics,
			CacheHit: true,
		}, nil
	case store.StatusFailed, store.StatusExpired:
		return &TaskResult{
			TaskID:   task.ID,
			Status:   task.Status,
			Err:      task.Error,
			Metrics:  task.Metrics,
			CacheHit: true,
		}, nil
	}

	if task.Expired(time.Now()) {
		// The one precondition failure with a side effect: the overdue task
		// is marked so later reads agree with this rejection.
		if _, err := o.store.MarkExpired(ctx, taskID); err != nil {
			return nil, storeError(err)
		}
		return nil, newError(CodeTaskExpired, "task %s expired before execution", taskID)
	}

	eng, err := o.registry.Resolve(task.Type, firstNonEmpty(opts.Engine, task.Engine))
	if err != nil {
		return nil, newError(CodeExecutionFailed, "%v", err)
	}

	tc := o.resolveContext(task, opts.Context)
	if err := o.guard.Validate(tc, eng.ID()); err != nil {
		return nil, o.rejectLoop(ctx, task, eng.ID(), err, tc)
	}

	// Claim the slot before charging the limiter: a ceiling or duplicate-id
	// rejection must not burn one of the client's tokens.
	release, err := o.tryRegister(taskID)
	if err != nil {
		return nil, err
	}
	defer release()

	if o.limiter != nil {
		decision := o.limiter.AcquireSlot(task.Client)
		if !decision.Allowed {
			o.cfg.Metrics.RecordLimiterReject(ctx)
			o.cfg.Audit.Record(ctx, audit.DecisionDeny, "task.run",
				fmt.Sprintf("rate limit: %s", decision.Reason), "task:"+taskID)
			return nil, newError(CodeExecutionFailed,
				"client %s rejected by rate limiter: %s", task.Client, decision.Reason)
		}
		defer o.limiter.TrackComplete(task.Client)
	}

	return o.execute(ctx, task, eng, tc, opts)
}

// resolveContext seeds a fresh context for top-level calls or adopts the
// delegated one as-is; the delegating side is responsible for merging.
func (o *Orchestrator) resolveContext(task *store.Task, in *loopguard.Context) loopguard.Context {
	if in == nil {
		return o.guard.NewContext(task.ID, task.Client)
	}
	tc := *in
	if tc.TaskID == "" {
		tc.TaskID = task.ID
	}
	return tc
}

func (o *Orchestrator) rejectLoop(ctx context.Context, task *store.Task, target string, err error, tc loopguard.Context) error {
	var pe *loopguard.PreventionError
	if !errors.As(err, &pe) {
		return newError(CodeExecutionFailed, "loop guard: %v", err)
	}
	o.mu.Lock()
	o.loopPrevented++
	o.mu.Unlock()
	o.cfg.Metrics.RecordLoopPrevented(ctx)

	if o.cfg.Bus != nil {
		o.cfg.Bus.Publish(bus.TopicLoopPrevented, bus.LoopPreventedEvent{
			TaskID:       task.ID,
			Code:         pe.Code,
			TargetEngine: target,
			CallChain:    pe.Chain,
		})
	}
	o.cfg.Audit.Record(ctx, audit.DecisionDeny, "task.run",
		fmt.Sprintf("%s: dispatch to %s", pe.Code, target), "task:"+task.ID)
	o.cfg.Logger.Warn("loop prevented",
		"task_id", task.ID, "code", pe.Code, "target", target, "depth", tc.Depth)
	return fromPrevention(pe)
}

// tryRegister atomically checks the global ceiling and the per-id
// uniqueness, and claims a slot. The returned release must be called once.
func (o *Orchestrator) tryRegister(taskID string) (func(), error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, newError(CodeExecutionFailed, "orchestrator is shut down")
	}
	if _, ok := o.running[taskID]; ok {
		return nil, newError(CodeTaskAlreadyRunning, "task %s is already running", taskID)
	}
	if len(o.running) >= o.cfg.MaxConcurrent {
		return nil, newError(CodeExecutionFailed,
			"maximum concurrent tasks reached (%d)", o.cfg.MaxConcurrent)
	}
	// The cancel handle is installed by execute; reserve the slot now so
	// the check and the claim are one critical section.
	o.running[taskID] = nil
	o.wg.Add(1)

	released := false
	return func() {
		o.mu.Lock()
		if !released {
			released = true
			delete(o.running, taskID)
			o.wg.Done()
		}
		o.mu.Unlock()
	}, nil
}

func (o *Orchestrator) installCancel(taskID string, cancel context.CancelCauseFunc) {
	o.mu.Lock()
	if _, ok := o.running[taskID]; ok {
		o.running[taskID] = cancel
	}
	o.mu.Unlock()
}

// execute owns the task from the running transition to a terminal state.
func (o *Orchestrator) execute(ctx context.Context, task *store.Task, eng engine.Engine, tc loopguard.Context, opts Options) (*TaskResult, error) {
	timeout := o.cfg.DefaultTimeout
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	maxRetries := o.cfg.MaxRetries
	if opts.MaxRetries != nil {
		maxRetries = *opts.MaxRetries
	}

	// One cancellation primitive serves both the deadline and external
	// aborts; context.Cause tells them apart afterwards.
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	o.installCancel(task.ID, cancel)
	deadline := time.AfterFunc(timeout, func() { cancel(errDeadline) })
	defer deadline.Stop()

	// Terminal-state writes must land even when the caller's context is the
	// thing that aborted the run, or the row is stranded in running.
	persistCtx := context.WithoutCancel(ctx)

	ok, err := o.store.MarkRunning(ctx, task.ID, eng.ID())
	if err != nil {
		return nil, storeError(err)
	}
	if !ok {
		return nil, newError(CodeTaskAlreadyRunning, "task %s left pending state concurrently", task.ID)
	}
	o.cfg.Metrics.RecordStart(ctx)
	o.publishTask(bus.TopicTaskStarted, task, eng.ID(), store.StatusRunning, "", 0, 0)
	o.cfg.Logger.Info("task started",
		"task_id", task.ID, "client", task.Client, "engine", eng.ID(), "depth", tc.Depth)

	next := o.guard.MergeContext(tc, eng.ID())
	req := engine.Request{
		TaskID:    task.ID,
		Type:      task.Type,
		Payload:   task.Payload,
		CallChain: next.CallChain,
	}

	start := time.Now()
	attempts := 0
	var lastErr error

	for attempt := 0; ; attempt++ {
		if runCtx.Err() != nil {
			return o.finishAborted(persistCtx, task, runCtx, start, attempts)
		}
		attempts++
		resp, err := eng.Invoke(runCtx, req)
		if err == nil {
			// A late success after cancellation must not become completed.
			if runCtx.Err() != nil {
				return o.finishAborted(persistCtx, task, runCtx, start, attempts)
			}
			return o.finishCompleted(persistCtx, task, resp, start, attempts)
		}
		lastErr = err
		if runCtx.Err() != nil {
			return o.finishAborted(persistCtx, task, runCtx, start, attempts)
		}
		if !o.retryable(err) || attempt >= maxRetries {
			break
		}

		if _, rerr := o.store.IncrementRetry(persistCtx, task.ID); rerr != nil {
			o.cfg.Logger.Warn("retry count update failed", "task_id", task.ID, "error", rerr)
		}
		o.mu.Lock()
		o.retried++
		o.mu.Unlock()
		o.cfg.Metrics.RecordRetry(ctx)
		o.publishTask(bus.TopicTaskRetry, task, eng.ID(), store.StatusRunning, "", attempt+1, 0)
		o.cfg.Logger.Warn("task attempt failed, retrying",
			"task_id", task.ID, "attempt", attempt+1, "error", err)

		select {
		case <-runCtx.Done():
			return o.finishAborted(persistCtx, task, runCtx, start, attempts)
		case <-time.After(retryBackoff(o.cfg.RetryDelay, attempt)):
		}
	}

	return o.finishFailed(persistCtx, task, store.TaskError{
		Code:    CodeExecutionFailed,
		Message: lastErr.Error(),
	}, start, attempts)
}

// maxRetryBackoff caps the exponential delay so a generous retry budget
// cannot stretch one wait into minutes.
const maxRetryBackoff = 30 * time.Second

// retryBackoff doubles the base delay per attempt, clamped to
// maxRetryBackoff. A non-positive result means the shift overflowed.
func retryBackoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base << uint(attempt)
	if d <= 0 || d > maxRetryBackoff {
		return maxRetryBackoff
	}
	return d
}

// retryable folds the orchestrator's code taxonomy and the engine error
// classifier into one decision.
func (o *Orchestrator) retryable(err error) bool {
	if code := CodeOf(err); code != "" {
		return !IsNonRetryable(code)
	}
	return engine.IsRetryable(err)
}

func (o *Orchestrator) finishCompleted(ctx context.Context, task *store.Task, resp engine.Response, start time.Time, attempts int) (*TaskResult, error) {
	m := store.Metrics{
		DurationMs:       time.Since(start).Milliseconds(),
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
	}
	ok, err := o.store.CompleteTask(ctx, task.ID, resp.Result, m)
	if err != nil {
		return nil, storeError(err)
	}
	if !ok {
		// The task left running concurrently (expired or aborted); report
		// what the store now says rather than inventing a completion.
		return o.reportStored(ctx, task.ID, attempts)
	}

	o.mu.Lock()
	o.completed++
	o.totalDuration += time.Since(start)
	o.mu.Unlock()
	o.cfg.Metrics.RecordDone(ctx, time.Since(start).Seconds(), true)
	o.cfg.Metrics.RecordTokens(ctx, int64(resp.PromptTokens+resp.CompletionTokens))
	o.publishTask(bus.TopicTaskCompleted, task, task.Engine, store.StatusCompleted, "", 0, m.DurationMs)
	o.cfg.Logger.Info("task completed",
		"task_id", task.ID, "duration_ms", m.DurationMs, "attempts", attempts)

	return &TaskResult{
		TaskID:   task.ID,
		Status:   store.StatusCompleted,
		Result:   resp.Result,
		Metrics:  m,
		Attempts: attempts,
	}, nil
}

func (o *Orchestrator) finishAborted(ctx context.Context, task *store.Task, runCtx context.Context, start time.Time, attempts int) (*TaskResult, error) {
	code := CodeCancelled
	msg := "task cancelled"
	if errors.Is(context.Cause(runCtx), errDeadline) {
		code = CodeTimeout
		msg = "task timed out"
	}
	return o.finishFailed(ctx, task, store.TaskError{Code: code, Message: msg}, start, attempts)
}

func (o *Orchestrator) finishFailed(ctx context.Context, task *store.Task, taskErr store.TaskError, start time.Time, attempts int) (*TaskResult, error) {
	m := store.Metrics{DurationMs: time.Since(start).Milliseconds()}
	ok, err := o.store.FailTask(ctx, task.ID, taskErr, m)
	if err != nil {
		return nil, storeError(err)
	}
	if !ok {
		return o.reportStored(ctx, task.ID, attempts)
	}

	o.mu.Lock()
	o.failed++
	o.totalDuration += time.Since(start)
	o.mu.Unlock()
	o.cfg.Metrics.RecordDone(ctx, time.Since(start).Seconds(), false)
	o.publishTask(bus.TopicTaskFailed, task, task.Engine, store.StatusFailed, taskErr.Code, 0, m.DurationMs)
	o.cfg.Logger.Warn("task failed",
		"task_id", task.ID, "code", taskErr.Code, "attempts", attempts, "duration_ms", m.DurationMs)

	return &TaskResult{
		TaskID:   task.ID,
		Status:   store.StatusFailed,
		Err:      &taskErr,
		Metrics:  m,
		Attempts: attempts,
	}, nil
}

// reportStored re-reads a task whose terminal write lost a transition race
// and reflects the authoritative state back to the caller.
func (o *Orchestrator) reportStored(ctx context.Context, taskID string, attempts int) (*TaskResult, error) {
	stored, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, storeError(err)
	}
	return &TaskResult{
		TaskID:   stored.ID,
		Status:   stored.Status,
		Result:   stored.Result,
		Err:      stored.Error,
		Metrics:  stored.Metrics,
		Attempts: attempts,
	}, nil
}

func (o *Orchestrator) publishTask(topic string, task *store.Task, engineID string, status store.TaskStatus, errCode string, attempt int, durationMs int64) {
	if o.cfg.Bus == nil {
		return
	}
	o.cfg.Bus.Publish(topic, bus.TaskEvent{
		TaskID:     task.ID,
		ClientID:   task.Client,
		Type:       task.Type,
		Engine:     engineID,
		Status:     string(status),
		ErrorCode:  errCode,
		Attempt:    attempt,
		DurationMs: durationMs,
	})
}

// GetTask returns the stored task.
func (o *Orchestrator) GetTask(ctx context.Context, taskID string) (*store.Task, error) {
	task, err := o.store.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newError(CodeTaskNotFound, "task %s does not exist", taskID)
	}
	if err != nil {
		return nil, storeError(err)
	}
	return task, nil
}

// GetTaskResult projects the stored task into a TaskResult without running it.
func (o *Orchestrator) GetTaskResult(ctx context.Context, taskID string) (*TaskResult, error) {
	task, err := o.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return &TaskResult{
		TaskID:   task.ID,
		Status:   task.Status,
		Result:   task.Result,
		Err:      task.Error,
		Metrics:  task.Metrics,
		Attempts: task.RetryCount + 1,
	}, nil
}

// ListTasks proxies to the store.
func (o *Orchestrator) ListTasks(ctx context.Context, f store.Filter) ([]store.Task, int, error) {
	tasks, total, err := o.store.ListTasks(ctx, f)
	if err != nil {
		return nil, 0, storeError(err)
	}
	return tasks, total, nil
}

// DeleteTask removes a task. A running task is refused unless force, in
// which case it is aborted first.
func (o *Orchestrator) DeleteTask(ctx context.Context, taskID string, force bool) error {
	o.mu.Lock()
	cancel, isRunning := o.running[taskID]
	o.mu.Unlock()

	if isRunning {
		if !force {
			return newError(CodeTaskAlreadyRunning, "task %s is running; use force to abort and delete", taskID)
		}
		if cancel != nil {
			cancel(errAbortedBy)
		}
		o.cfg.Audit.Record(ctx, audit.DecisionRecord, "task.delete", "forced abort of running task", "task:"+taskID)
	}

	deleted, err := o.store.DeleteTask(ctx, taskID)
	if err != nil {
		return storeError(err)
	}
	if !deleted {
		return newError(CodeTaskNotFound, "task %s does not exist", taskID)
	}
	return nil
}

// CleanupExpired marks overdue tasks expired and returns how many.
func (o *Orchestrator) CleanupExpired(ctx context.Context) (int64, error) {
	n, err := o.store.CleanupExpired(ctx)
	if err != nil {
		return n, storeError(err)
	}
	if n > 0 {
		o.cfg.Logger.Info("expired tasks cleaned up", "count", n)
	}
	return n, nil
}

// TaskStats returns per-status task counts from the store.
func (o *Orchestrator) TaskStats(ctx context.Context) (store.Stats, error) {
	s, err := o.store.Stats(ctx)
	if err != nil {
		return s, storeError(err)
	}
	return s, nil
}

// Stats returns a snapshot of execution counters.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := Stats{
		Running:       len(o.running),
		Completed:     o.completed,
		Failed:        o.failed,
		Retried:       o.retried,
		LoopPrevented: o.loopPrevented,
		CacheHits:     o.cacheHits,
	}
	if done := o.completed + o.failed; done > 0 {
		s.AvgDurationMs = float64(o.totalDuration.Milliseconds()) / float64(done)
	}
	return s
}

// IsHealthy reports whether the orchestrator can accept work.
func (o *Orchestrator) IsHealthy(ctx context.Context) bool {
	if o.isClosed() {
		return false
	}
	_, err := o.store.Stats(ctx)
	return err == nil
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// Shutdown aborts every in-flight task, waits for them to unwind, and
// closes the store. Further calls are refused. Idempotent.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	cancels := make([]context.CancelCauseFunc, 0, len(o.running))
	for _, cancel := range o.running {
		if cancel != nil {
			cancels = append(cancels, cancel)
		}
	}
	o.mu.Unlock()

	for _, cancel := range cancels {
		cancel(errShutdown)
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		o.cfg.Logger.Warn("shutdown deadline reached with tasks still unwinding")
	}

	if o.limiter != nil {
		o.limiter.Stop()
	}
	if err := o.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	o.cfg.Logger.Info("orchestrator shut down")
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

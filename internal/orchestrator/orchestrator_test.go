package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ferrolith/taskmux/internal/bus"
	"github.com/ferrolith/taskmux/internal/engine"
	"github.com/ferrolith/taskmux/internal/limiter"
	"github.com/ferrolith/taskmux/internal/loopguard"
	"github.com/ferrolith/taskmux/internal/pool"
	"github.com/ferrolith/taskmux/internal/store"
)

// stubEngine is a programmable engine for orchestrator tests.
type stubEngine struct {
	id     string
	mu     sync.Mutex
	calls  int
	invoke func(ctx context.Context, req engine.Request, call int) (engine.Response, error)
}

func (e *stubEngine) ID() string { return e.id }

func (e *stubEngine) Invoke(ctx context.Context, req engine.Request) (engine.Response, error) {
	e.mu.Lock()
	e.calls++
	call := e.calls
	e.mu.Unlock()
	if e.invoke == nil {
		return engine.Response{Result: map[string]any{"ok": true}}, nil
	}
	return e.invoke(ctx, req, call)
}

func (e *stubEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type testHarness struct {
	orch  *Orchestrator
	store *store.Store
	eng   *stubEngine
	bus   *bus.Bus
}

func newHarness(t *testing.T, cfg Config) *testHarness {
	t.Helper()
	p, err := pool.Open(pool.Config{
		Path: filepath.Join(t.TempDir(), "orch.db"),
		Size: 2,
	})
	if err != nil {
		t.Fatalf("pool.Open: %v", err)
	}
	st, err := store.Open(p, nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}

	eng := &stubEngine{id: "engine-a"}
	reg := engine.NewRegistry()
	if err := reg.Register(eng); err != nil {
		t.Fatalf("Register: %v", err)
	}
	guard := loopguard.New(loopguard.Config{MaxDepth: 3})

	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 5 * time.Millisecond
	}
	b := bus.New()
	if cfg.Bus == nil {
		cfg.Bus = b
	} else {
		b = cfg.Bus
	}

	orch := New(cfg, st, nil, guard, reg)
	t.Cleanup(func() { orch.Shutdown(context.Background()) })
	return &testHarness{orch: orch, store: st, eng: eng, bus: b}
}

func (h *testHarness) submit(t *testing.T, taskType string) *store.Task {
	t.Helper()
	task, err := h.orch.SubmitTask(context.Background(), "cli", taskType,
		map[string]any{"query": "weather"}, SubmitOptions{})
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}
	return task
}

func TestRunTask_CompletesAndPersists(t *testing.T) {
	h := newHarness(t, Config{})
	h.eng.invoke = func(context.Context, engine.Request, int) (engine.Response, error) {
		return engine.Response{
			Result:           map[string]any{"answer": "sunny"},
			PromptTokens:     10,
			CompletionTokens: 4,
		}, nil
	}
	task := h.submit(t, "search")

	res, err := h.orch.RunTask(context.Background(), task.ID, Options{})
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	if res.Status != store.StatusCompleted {
		t.Fatalf("status = %v, want %v", res.Status, store.StatusCompleted)
	}
	if res.Result["answer"] != "sunny" {
		t.Fatalf("result = %v, want answer=sunny", res.Result)
	}
	if res.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", res.Attempts)
	}

	stored, err := h.store.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if stored.Status != store.StatusCompleted {
		t.Fatalf("stored status = %v, want completed", stored.Status)
	}
	if stored.Metrics.PromptTokens != 10 || stored.Metrics.CompletionTokens != 4 {
		t.Fatalf("stored metrics = %+v", stored.Metrics)
	}
}

func TestRunTask_NotFound(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.orch.RunTask(context.Background(), "no-such-task", Options{})
	if CodeOf(err) != CodeTaskNotFound {
		t.Fatalf("code = %q, want %q", CodeOf(err), CodeTaskNotFound)
	}
}

func TestRunTask_CacheHitReplay(t *testing.T) {
	h := newHarness(t, Config{})
	task := h.submit(t, "search")

	if _, err := h.orch.RunTask(context.Background(), task.ID, Options{}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	res, err := h.orch.RunTask(context.Background(), task.ID, Options{})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if !res.CacheHit {
		t.Fatal("second run should be a cache hit")
	}
	if got := h.eng.callCount(); got != 1 {
		t.Fatalf("engine calls = %d, want 1", got)
	}
	if s := h.orch.Stats(); s.CacheHits != 1 {
		t.Fatalf("stats.CacheHits = %d, want 1", s.CacheHits)
	}
}

func TestRunTask_ExpiredBeforeExecution(t *testing.T) {
	h := newHarness(t, Config{})
	past := time.Now().Add(-time.Minute)
	task, err := h.orch.SubmitTask(context.Background(), "cli", "search",
		map[string]any{"q": "x"}, SubmitOptions{ExpiresAt: &past})
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}

	_, err = h.orch.RunTask(context.Background(), task.ID, Options{})
	if CodeOf(err) != CodeTaskExpired {
		t.Fatalf("code = %q, want %q", CodeOf(err), CodeTaskExpired)
	}
	stored, _ := h.store.GetTask(context.Background(), task.ID)
	if stored.Status != store.StatusExpired {
		t.Fatalf("stored status = %v, want expired (rejection must persist)", stored.Status)
	}
	if h.eng.callCount() != 0 {
		t.Fatal("expired task must not reach the engine")
	}
}

func TestRunTask_RetriesThenSucceeds(t *testing.T) {
	h := newHarness(t, Config{MaxRetries: 3})
	h.eng.invoke = func(_ context.Context, _ engine.Request, call int) (engine.Response, error) {
		if call < 3 {
			return engine.Response{}, errors.New("connection refused")
		}
		return engine.Response{Result: map[string]any{"ok": true}}, nil
	}
	task := h.submit(t, "search")

	res, err := h.orch.RunTask(context.Background(), task.ID, Options{})
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	if res.Status != store.StatusCompleted {
		t.Fatalf("status = %v, want completed", res.Status)
	}
	if res.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", res.Attempts)
	}
	stored, _ := h.store.GetTask(context.Background(), task.ID)
	if stored.RetryCount != 2 {
		t.Fatalf("retry count = %d, want 2", stored.RetryCount)
	}
	if s := h.orch.Stats(); s.Retried != 2 {
		t.Fatalf("stats.Retried = %d, want 2", s.Retried)
	}
}

func TestRunTask_ExhaustsRetriesAndFails(t *testing.T) {
	h := newHarness(t, Config{MaxRetries: 2})
	h.eng.invoke = func(context.Context, engine.Request, int) (engine.Response, error) {
		return engine.Response{}, errors.New("server error 500")
	}
	task := h.submit(t, "search")

	res, err := h.orch.RunTask(context.Background(), task.ID, Options{})
	if err != nil {
		t.Fatalf("RunTask returned error, want failed result: %v", err)
	}
	if res.Status != store.StatusFailed {
		t.Fatalf("status = %v, want failed", res.Status)
	}
	if res.Err == nil || res.Err.Code != CodeExecutionFailed {
		t.Fatalf("result error = %+v, want %s", res.Err, CodeExecutionFailed)
	}
	if res.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3 (1 + 2 retries)", res.Attempts)
	}
}

func TestRunTask_NonRetryableFailsImmediately(t *testing.T) {
	h := newHarness(t, Config{MaxRetries: 3})
	h.eng.invoke = func(context.Context, engine.Request, int) (engine.Response, error) {
		return engine.Response{}, errors.New("invalid payload: missing query")
	}
	task := h.submit(t, "search")

	res, err := h.orch.RunTask(context.Background(), task.ID, Options{})
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	if res.Status != store.StatusFailed {
		t.Fatalf("status = %v, want failed", res.Status)
	}
	if got := h.eng.callCount(); got != 1 {
		t.Fatalf("engine calls = %d, want 1 (validation errors never retry)", got)
	}
}

func TestRunTask_PerCallRetryBudget(t *testing.T) {
	h := newHarness(t, Config{MaxRetries: 3})
	failFirst := func(e *stubEngine) {
		e.invoke = func(_ context.Context, _ engine.Request, call int) (engine.Response, error) {
			if call == 1 {
				return engine.Response{}, errors.New("connection refused")
			}
			return engine.Response{Result: map[string]any{"ok": true}}, nil
		}
	}
	failFirst(h.eng)

	// Zero retries: the one transient failure is terminal.
	zero := 0
	task, err := h.orch.SubmitTask(context.Background(), "cli", "custom",
		map[string]any{"foo": 1}, SubmitOptions{})
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}
	res, err := h.orch.RunTask(context.Background(), task.ID, Options{MaxRetries: &zero})
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	if res.Status != store.StatusFailed || res.Attempts != 1 {
		t.Fatalf("status = %v attempts = %d, want failed after 1 attempt", res.Status, res.Attempts)
	}

	// Fresh task, one retry allowed: the same stub succeeds on attempt two.
	h.eng.calls = 0
	failFirst(h.eng)
	one := 1
	task2, err := h.orch.SubmitTask(context.Background(), "cli", "custom",
		map[string]any{"foo": 1}, SubmitOptions{})
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}
	res, err = h.orch.RunTask(context.Background(), task2.ID, Options{MaxRetries: &one})
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	if res.Status != store.StatusCompleted || res.Attempts != 2 {
		t.Fatalf("status = %v attempts = %d, want completed after 2 attempts", res.Status, res.Attempts)
	}
}

func TestRunTask_TimeoutMapsToTimeoutCode(t *testing.T) {
	h := newHarness(t, Config{})
	h.eng.invoke = func(ctx context.Context, _ engine.Request, _ int) (engine.Response, error) {
		<-ctx.Done()
		return engine.Response{}, ctx.Err()
	}
	task := h.submit(t, "search")

	res, err := h.orch.RunTask(context.Background(), task.ID, Options{Timeout: 60 * time.Millisecond})
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	if res.Status != store.StatusFailed {
		t.Fatalf("status = %v, want failed", res.Status)
	}
	if res.Err == nil || res.Err.Code != CodeTimeout {
		t.Fatalf("error code = %+v, want %s", res.Err, CodeTimeout)
	}
}

func TestRunTask_ExternalCancelMapsToCancelled(t *testing.T) {
	h := newHarness(t, Config{})
	h.eng.invoke = func(ctx context.Context, _ engine.Request, _ int) (engine.Response, error) {
		<-ctx.Done()
		return engine.Response{}, ctx.Err()
	}
	task := h.submit(t, "search")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	res, err := h.orch.RunTask(ctx, task.ID, Options{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	if res.Status != store.StatusFailed {
		t.Fatalf("status = %v, want failed", res.Status)
	}
	if res.Err == nil || res.Err.Code != CodeCancelled {
		t.Fatalf("error code = %+v, want %s", res.Err, CodeCancelled)
	}

	// The terminal write must survive the caller's cancellation; a row left
	// in running would make every later run report TASK_ALREADY_RUNNING.
	stored, err := h.store.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if stored.Status != store.StatusFailed {
		t.Fatalf("stored status = %v, want failed", stored.Status)
	}
	replay, err := h.orch.RunTask(context.Background(), task.ID, Options{})
	if err != nil {
		t.Fatalf("RunTask replay: %v", err)
	}
	if !replay.CacheHit || replay.Err == nil || replay.Err.Code != CodeCancelled {
		t.Fatalf("replay = %+v, want cached failed result with %s", replay, CodeCancelled)
	}
}

func TestRunTask_NeverCompletesAfterCancel(t *testing.T) {
	h := newHarness(t, Config{})
	started := make(chan struct{})
	h.eng.invoke = func(ctx context.Context, _ engine.Request, _ int) (engine.Response, error) {
		close(started)
		<-ctx.Done()
		// Engine ignores cancellation and returns a success anyway.
		return engine.Response{Result: map[string]any{"late": true}}, nil
	}
	task := h.submit(t, "search")

	res, err := h.orch.RunTask(context.Background(), task.ID, Options{Timeout: 40 * time.Millisecond})
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	if res.Status != store.StatusFailed {
		t.Fatalf("status = %v, want failed (late success must be discarded)", res.Status)
	}
	<-started
	stored, _ := h.store.GetTask(context.Background(), task.ID)
	if stored.Status != store.StatusFailed {
		t.Fatalf("stored status = %v, want failed", stored.Status)
	}
}

func TestRunTask_ConcurrencyCeilingIsAtomic(t *testing.T) {
	const ceiling = 3
	h := newHarness(t, Config{MaxConcurrent: ceiling})
	release := make(chan struct{})
	h.eng.invoke = func(ctx context.Context, _ engine.Request, _ int) (engine.Response, error) {
		select {
		case <-release:
			return engine.Response{Result: map[string]any{"ok": true}}, nil
		case <-ctx.Done():
			return engine.Response{}, ctx.Err()
		}
	}

	const n = 10
	ids := make([]string, n)
	for i := range ids {
		ids[i] = h.submit(t, "search").ID
	}

	var completed, rejected atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			res, err := h.orch.RunTask(context.Background(), id, Options{Timeout: 5 * time.Second})
			if err != nil {
				if CodeOf(err) != CodeExecutionFailed {
					t.Errorf("unexpected rejection code %q", CodeOf(err))
				}
				rejected.Add(1)
				return
			}
			if res.Status == store.StatusCompleted {
				completed.Add(1)
			}
		}(ids[i])
	}

	// Wait until the ceiling is saturated and every loser has been turned
	// away, then let the runners finish.
	deadline := time.Now().Add(5 * time.Second)
	for h.orch.Stats().Running < ceiling || rejected.Load() < n-ceiling {
		if time.Now().After(deadline) {
			t.Fatalf("saturation never reached: running=%d rejected=%d",
				h.orch.Stats().Running, rejected.Load())
		}
		time.Sleep(time.Millisecond)
	}
	close(release)
	wg.Wait()

	if completed.Load() != ceiling {
		t.Fatalf("completed = %d, want %d", completed.Load(), ceiling)
	}
	if rejected.Load() != n-ceiling {
		t.Fatalf("rejected = %d, want %d", rejected.Load(), n-ceiling)
	}
}

func TestRunTask_SameTaskTwiceConcurrently(t *testing.T) {
	h := newHarness(t, Config{})
	started := make(chan struct{})
	release := make(chan struct{})
	h.eng.invoke = func(ctx context.Context, _ engine.Request, _ int) (engine.Response, error) {
		close(started)
		<-release
		return engine.Response{Result: map[string]any{"ok": true}}, nil
	}
	task := h.submit(t, "search")

	errCh := make(chan error, 1)
	go func() {
		_, err := h.orch.RunTask(context.Background(), task.ID, Options{Timeout: 5 * time.Second})
		errCh <- err
	}()
	<-started

	_, err := h.orch.RunTask(context.Background(), task.ID, Options{})
	if CodeOf(err) != CodeTaskAlreadyRunning {
		t.Fatalf("code = %q, want %q", CodeOf(err), CodeTaskAlreadyRunning)
	}
	close(release)
	if err := <-errCh; err != nil {
		t.Fatalf("first run: %v", err)
	}
}

func TestRunTask_LoopPrevention(t *testing.T) {
	b := bus.New()
	h := newHarness(t, Config{Bus: b})
	sub := b.Subscribe(bus.TopicLoopPrevented)
	defer b.Unsubscribe(sub)

	task := h.submit(t, "search")
	tc := loopguard.Context{
		TaskID:    task.ID,
		CallChain: []string{"cli", "engine-a"},
		Depth:     1,
		MaxDepth:  3,
	}
	_, err := h.orch.RunTask(context.Background(), task.ID, Options{Context: &tc})
	if CodeOf(err) != loopguard.CodeLoopDetected {
		t.Fatalf("code = %q, want %q", CodeOf(err), loopguard.CodeLoopDetected)
	}
	var oe *Error
	if !errors.As(err, &oe) || len(oe.Chain) == 0 {
		t.Fatalf("loop error must carry the call chain, got %v", err)
	}
	if h.eng.callCount() != 0 {
		t.Fatal("prevented dispatch must not reach the engine")
	}

	select {
	case ev := <-sub.Ch():
		p, ok := ev.Payload.(bus.LoopPreventedEvent)
		if !ok {
			t.Fatalf("payload type %T", ev.Payload)
		}
		if p.TargetEngine != "engine-a" || p.Code != loopguard.CodeLoopDetected {
			t.Fatalf("event = %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("no loop.prevented event published")
	}

	if s := h.orch.Stats(); s.LoopPrevented != 1 {
		t.Fatalf("stats.LoopPrevented = %d, want 1", s.LoopPrevented)
	}
}

func TestRunTask_DepthExceeded(t *testing.T) {
	h := newHarness(t, Config{})
	task := h.submit(t, "search")
	tc := loopguard.Context{
		TaskID:    task.ID,
		CallChain: []string{"cli", "e1", "e2"},
		Depth:     3,
		MaxDepth:  3,
	}
	_, err := h.orch.RunTask(context.Background(), task.ID, Options{Context: &tc})
	if CodeOf(err) != loopguard.CodeDepthExceeded {
		t.Fatalf("code = %q, want %q", CodeOf(err), loopguard.CodeDepthExceeded)
	}
}

func TestRunTask_LimiterRejectionIsExecutionFailed(t *testing.T) {
	lim := limiter.New(limiter.Config{TokensPerMinute: 100, MaxConcurrentPerClient: 10})
	defer lim.Stop()
	lim.BlockClient("cli", time.Minute)

	p, err := pool.Open(pool.Config{Path: filepath.Join(t.TempDir(), "lim.db"), Size: 1})
	if err != nil {
		t.Fatalf("pool.Open: %v", err)
	}
	st, err := store.Open(p, nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	eng := &stubEngine{id: "engine-a"}
	reg := engine.NewRegistry()
	reg.Register(eng)
	orch := New(Config{Logger: slog.New(slog.DiscardHandler)}, st, lim,
		loopguard.New(loopguard.Config{}), reg)
	t.Cleanup(func() { orch.Shutdown(context.Background()) })

	task, err := orch.SubmitTask(context.Background(), "cli", "search", map[string]any{"q": "x"}, SubmitOptions{})
	if err != nil {
		t.Fatalf("SubmitTask: %v", err)
	}
	_, err = orch.RunTask(context.Background(), task.ID, Options{})
	if CodeOf(err) != CodeExecutionFailed {
		t.Fatalf("code = %q, want %q", CodeOf(err), CodeExecutionFailed)
	}
	if eng.callCount() != 0 {
		t.Fatal("blocked client must not reach the engine")
	}
}

func TestRunTask_CeilingRejectionDoesNotBurnToken(t *testing.T) {
	// Two tokens for the whole test: one for the long-running task, one for
	// the task that is first bounced off the concurrency ceiling.
	lim := limiter.New(limiter.Config{TokensPerMinute: 2, MaxConcurrentPerClient: 10})
	defer lim.Stop()

	p, err := pool.Open(pool.Config{Path: filepath.Join(t.TempDir(), "ceil.db"), Size: 2})
	if err != nil {
		t.Fatalf("pool.Open: %v", err)
	}
	st, err := store.Open(p, nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	started := make(chan struct{})
	hold := make(chan struct{})
	eng := &stubEngine{id: "engine-a"}
	eng.invoke = func(ctx context.Context, _ engine.Request, call int) (engine.Response, error) {
		if call == 1 {
			close(started)
			<-hold
		}
		return engine.Response{Result: map[string]any{"ok": true}}, nil
	}
	reg := engine.NewRegistry()
	reg.Register(eng)
	orch := New(Config{MaxConcurrent: 1, Logger: slog.New(slog.DiscardHandler)}, st, lim,
		loopguard.New(loopguard.Config{}), reg)
	t.Cleanup(func() { orch.Shutdown(context.Background()) })

	submit := func() *store.Task {
		task, err := orch.SubmitTask(context.Background(), "cli", "search", map[string]any{"q": "x"}, SubmitOptions{})
		if err != nil {
			t.Fatalf("SubmitTask: %v", err)
		}
		return task
	}
	taskA, taskB := submit(), submit()

	doneA := make(chan struct{})
	go func() {
		defer close(doneA)
		if _, err := orch.RunTask(context.Background(), taskA.ID, Options{Timeout: 5 * time.Second}); err != nil {
			t.Errorf("RunTask A: %v", err)
		}
	}()
	<-started

	if _, err := orch.RunTask(context.Background(), taskB.ID, Options{}); CodeOf(err) != CodeExecutionFailed {
		t.Fatalf("code = %q, want %q (ceiling rejection)", CodeOf(err), CodeExecutionFailed)
	}

	close(hold)
	<-doneA

	// The bounced attempt must not have consumed the second token.
	res, err := orch.RunTask(context.Background(), taskB.ID, Options{})
	if err != nil {
		t.Fatalf("RunTask B after release: %v", err)
	}
	if res.Status != store.StatusCompleted {
		t.Fatalf("status = %v, want completed", res.Status)
	}
}

func TestRetryBackoff_DoublesAndClamps(t *testing.T) {
	if got := retryBackoff(time.Second, 0); got != time.Second {
		t.Fatalf("attempt 0 = %v, want %v", got, time.Second)
	}
	if got := retryBackoff(time.Second, 2); got != 4*time.Second {
		t.Fatalf("attempt 2 = %v, want %v", got, 4*time.Second)
	}
	if got := retryBackoff(time.Second, 10); got != maxRetryBackoff {
		t.Fatalf("attempt 10 = %v, want cap %v", got, maxRetryBackoff)
	}
	// A shift this large wraps negative; the clamp must still hold.
	if got := retryBackoff(time.Second, 62); got != maxRetryBackoff {
		t.Fatalf("attempt 62 = %v, want cap %v", got, maxRetryBackoff)
	}
	if got := retryBackoff(0, 5); got != 0 {
		t.Fatalf("zero base = %v, want 0", got)
	}
}

func TestSubmitTask_PayloadTooLarge(t *testing.T) {
	h := newHarness(t, Config{MaxPayloadBytes: 64})
	_, err := h.orch.SubmitTask(context.Background(), "cli", "search",
		map[string]any{"blob": fmt.Sprintf("%0128d", 0)}, SubmitOptions{})
	if CodeOf(err) != CodePayloadTooLarge {
		t.Fatalf("code = %q, want %q", CodeOf(err), CodePayloadTooLarge)
	}
}

func TestDeleteTask_RunningRequiresForce(t *testing.T) {
	h := newHarness(t, Config{})
	started := make(chan struct{})
	h.eng.invoke = func(ctx context.Context, _ engine.Request, _ int) (engine.Response, error) {
		close(started)
		<-ctx.Done()
		return engine.Response{}, ctx.Err()
	}
	task := h.submit(t, "search")

	resCh := make(chan *TaskResult, 1)
	go func() {
		res, _ := h.orch.RunTask(context.Background(), task.ID, Options{Timeout: 5 * time.Second})
		resCh <- res
	}()
	<-started

	err := h.orch.DeleteTask(context.Background(), task.ID, false)
	if CodeOf(err) != CodeTaskAlreadyRunning {
		t.Fatalf("code = %q, want %q", CodeOf(err), CodeTaskAlreadyRunning)
	}

	if err := h.orch.DeleteTask(context.Background(), task.ID, true); err != nil {
		t.Fatalf("forced delete: %v", err)
	}
	res := <-resCh
	if res != nil && res.Status == store.StatusCompleted {
		t.Fatal("aborted task must not complete")
	}
	if _, err := h.store.GetTask(context.Background(), task.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("task still present after delete: %v", err)
	}
}

func TestShutdown_AbortsInFlightAndRefusesNewWork(t *testing.T) {
	h := newHarness(t, Config{})
	started := make(chan struct{})
	h.eng.invoke = func(ctx context.Context, _ engine.Request, _ int) (engine.Response, error) {
		close(started)
		<-ctx.Done()
		return engine.Response{}, ctx.Err()
	}
	task := h.submit(t, "search")

	resCh := make(chan *TaskResult, 1)
	go func() {
		res, _ := h.orch.RunTask(context.Background(), task.ID, Options{Timeout: 10 * time.Second})
		resCh <- res
	}()
	<-started

	if err := h.orch.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	res := <-resCh
	if res == nil || res.Status != store.StatusFailed {
		t.Fatalf("in-flight task result = %+v, want failed", res)
	}
	if res.Err == nil || res.Err.Code != CodeCancelled {
		t.Fatalf("error = %+v, want %s", res.Err, CodeCancelled)
	}

	if _, err := h.orch.RunTask(context.Background(), task.ID, Options{}); CodeOf(err) != CodeExecutionFailed {
		t.Fatalf("post-shutdown run code = %q, want %q", CodeOf(err), CodeExecutionFailed)
	}
	if _, err := h.orch.SubmitTask(context.Background(), "cli", "x", nil, SubmitOptions{}); CodeOf(err) != CodeExecutionFailed {
		t.Fatalf("post-shutdown submit code = %q, want %q", CodeOf(err), CodeExecutionFailed)
	}
	// Second shutdown is a no-op.
	if err := h.orch.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

func TestStats_CountsOutcomes(t *testing.T) {
	h := newHarness(t, Config{MaxRetries: 1})
	okTask := h.submit(t, "search")
	if _, err := h.orch.RunTask(context.Background(), okTask.ID, Options{}); err != nil {
		t.Fatalf("RunTask ok: %v", err)
	}

	h.eng.invoke = func(context.Context, engine.Request, int) (engine.Response, error) {
		return engine.Response{}, errors.New("invalid request")
	}
	badTask := h.submit(t, "search")
	if _, err := h.orch.RunTask(context.Background(), badTask.ID, Options{}); err != nil {
		t.Fatalf("RunTask bad: %v", err)
	}

	s := h.orch.Stats()
	if s.Completed != 1 || s.Failed != 1 {
		t.Fatalf("stats = %+v, want 1 completed / 1 failed", s)
	}
	if s.Running != 0 {
		t.Fatalf("running = %d, want 0", s.Running)
	}
}

func TestGetTaskResult_ProjectsStoredState(t *testing.T) {
	h := newHarness(t, Config{})
	task := h.submit(t, "search")
	if _, err := h.orch.RunTask(context.Background(), task.ID, Options{}); err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	res, err := h.orch.GetTaskResult(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("GetTaskResult: %v", err)
	}
	if res.Status != store.StatusCompleted || res.Result["ok"] != true {
		t.Fatalf("result = %+v", res)
	}
}

func TestIsHealthy(t *testing.T) {
	h := newHarness(t, Config{})
	if !h.orch.IsHealthy(context.Background()) {
		t.Fatal("fresh orchestrator should be healthy")
	}
	h.orch.Shutdown(context.Background())
	if h.orch.IsHealthy(context.Background()) {
		t.Fatal("shut-down orchestrator should be unhealthy")
	}
}

package otel

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all taskmux metric instruments. A nil *Metrics is valid and
// records nothing, so callers never need an enabled-check.
type Metrics struct {
	TaskDuration   metric.Float64Histogram
	TasksStarted   metric.Int64Counter
	TasksCompleted metric.Int64Counter
	TasksFailed    metric.Int64Counter
	TasksRetried   metric.Int64Counter
	LoopsPrevented metric.Int64Counter
	LimiterRejects metric.Int64Counter
	PoolAcquires   metric.Int64Counter
	PoolTimeouts   metric.Int64Counter
	TokensUsed     metric.Int64Counter
	RunningTasks   metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskDuration, err = meter.Float64Histogram("taskmux.task.duration",
		metric.WithDescription("Task execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksStarted, err = meter.Int64Counter("taskmux.task.started",
		metric.WithDescription("Tasks transitioned to running"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("taskmux.task.completed",
		metric.WithDescription("Tasks completed successfully"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("taskmux.task.failed",
		metric.WithDescription("Tasks that ended failed, timed out, or were cancelled"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksRetried, err = meter.Int64Counter("taskmux.task.retried",
		metric.WithDescription("Retry attempts scheduled"),
	)
	if err != nil {
		return nil, err
	}

	m.LoopsPrevented, err = meter.Int64Counter("taskmux.loop.prevented",
		metric.WithDescription("Dispatches rejected by the loop guard"),
	)
	if err != nil {
		return nil, err
	}

	m.LimiterRejects, err = meter.Int64Counter("taskmux.limiter.rejects",
		metric.WithDescription("Requests rejected by the per-client limiter"),
	)
	if err != nil {
		return nil, err
	}

	m.PoolAcquires, err = meter.Int64Counter("taskmux.pool.acquires",
		metric.WithDescription("Connection pool acquisitions"),
	)
	if err != nil {
		return nil, err
	}

	m.PoolTimeouts, err = meter.Int64Counter("taskmux.pool.timeouts",
		metric.WithDescription("Connection pool acquire timeouts"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("taskmux.engine.tokens",
		metric.WithDescription("Total tokens consumed by engine invocations"),
	)
	if err != nil {
		return nil, err
	}

	m.RunningTasks, err = meter.Int64UpDownCounter("taskmux.task.running",
		metric.WithDescription("Tasks currently executing"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Nil-safe recording helpers used on the orchestrator's hot path.

func (m *Metrics) RecordStart(ctx context.Context) {
	if m == nil {
		return
	}
	m.TasksStarted.Add(ctx, 1)
	m.RunningTasks.Add(ctx, 1)
}

func (m *Metrics) RecordDone(ctx context.Context, seconds float64, succeeded bool) {
	if m == nil {
		return
	}
	m.RunningTasks.Add(ctx, -1)
	m.TaskDuration.Record(ctx, seconds)
	if succeeded {
		m.TasksCompleted.Add(ctx, 1)
	} else {
		m.TasksFailed.Add(ctx, 1)
	}
}

func (m *Metrics) RecordRetry(ctx context.Context) {
	if m == nil {
		return
	}
	m.TasksRetried.Add(ctx, 1)
}

func (m *Metrics) RecordLoopPrevented(ctx context.Context) {
	if m == nil {
		return
	}
	m.LoopsPrevented.Add(ctx, 1)
}

func (m *Metrics) RecordLimiterReject(ctx context.Context) {
	if m == nil {
		return
	}
	m.LimiterRejects.Add(ctx, 1)
}

func (m *Metrics) RecordTokens(ctx context.Context, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.TokensUsed.Add(ctx, n)
}

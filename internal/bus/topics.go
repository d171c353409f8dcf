package bus

// Task lifecycle topics.
const (
	TopicTaskCreated   = "task.created"
	TopicTaskStarted   = "task.started"
	TopicTaskCompleted = "task.completed"
	TopicTaskFailed    = "task.failed"
	TopicTaskRetry     = "task.retry"
	TopicTaskExpired   = "task.expired"
	TopicTaskDeleted   = "task.deleted"
)

// Admission and resource topics.
const (
	TopicLoopPrevented   = "loop.prevented"
	TopicLimiterRejected = "limiter.rejected"
	TopicPoolSaturated   = "pool.saturated"
	TopicConfigReloaded  = "config.reloaded"
)

// TaskEvent is the payload for the task.* topics.
type TaskEvent struct {
	TaskID     string `json:"task_id"`
	ClientID   string `json:"client_id"`
	Type       string `json:"type"`
	Engine     string `json:"engine,omitempty"`
	Status     string `json:"status"`
	ErrorCode  string `json:"error_code,omitempty"`
	Attempt    int    `json:"attempt,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// LoopPreventedEvent is the payload for loop.prevented.
type LoopPreventedEvent struct {
	TaskID       string   `json:"task_id"`
	Code         string   `json:"code"`
	TargetEngine string   `json:"target_engine"`
	CallChain    []string `json:"call_chain"`
}

// LimiterRejectedEvent is the payload for limiter.rejected.
type LimiterRejectedEvent struct {
	ClientID string `json:"client_id"`
	Reason   string `json:"reason"`
}

// PoolSaturatedEvent is the payload for pool.saturated.
type PoolSaturatedEvent struct {
	QueueDepth int `json:"queue_depth"`
	PoolSize   int `json:"pool_size"`
}

// Package pool maintains a fixed set of SQLite connections and hands them
// out one at a time. Each pooled connection is its own *sql.DB handle capped
// at a single underlying connection, so a task transaction never interleaves
// with another's statements.
package pool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ferrolith/taskmux/internal/bus"
)

var (
	// ErrPoolClosed is returned for any acquire after Shutdown.
	ErrPoolClosed = errors.New("pool: closed")
	// ErrQueueFull is returned immediately when the wait queue is at
	// capacity. Callers should back off rather than retry in a tight loop.
	ErrQueueFull = errors.New("pool: wait queue full")
	// ErrAcquireTimeout is returned when no connection frees up within the
	// acquire timeout.
	ErrAcquireTimeout = errors.New("pool: acquire timed out")
)

// Config holds the pool's knobs.
type Config struct {
	// Path is the SQLite database file.
	Path string
	// Size is the number of pooled connections.
	Size int
	// BusyTimeout is passed to SQLite as _busy_timeout.
	BusyTimeout time.Duration
	// AcquireTimeout bounds how long an acquire waits in the queue.
	AcquireTimeout time.Duration
	// MaxQueueSize bounds the wait queue; acquires beyond it fail fast.
	MaxQueueSize int

	Logger *slog.Logger
	Bus    *bus.Bus
}

const (
	defaultSize           = 4
	defaultBusyTimeout    = 10 * time.Second
	defaultAcquireTimeout = 30 * time.Second
	defaultMaxQueueSize   = 1000
)

// Stats is an observability snapshot of the pool.
type Stats struct {
	Size            int   `json:"size"`
	Busy            int   `json:"busy"`
	Available       int   `json:"available"`
	QueueDepth      int   `json:"queue_depth"`
	TotalAcquires   int64 `json:"total_acquires"`
	AcquireTimeouts int64 `json:"acquire_timeouts"`
	QueueRejects    int64 `json:"queue_rejects"`
	Replacements    int64 `json:"replacements"`
}

// HealthStatus reports the outcome of a full-pool probe.
type HealthStatus struct {
	Healthy   int `json:"healthy"`
	Unhealthy int `json:"unhealthy"`
}

// conn wraps one pooled handle.
type conn struct {
	db *sql.DB
	id int
}

// waiter is one queued acquire. delivered guards against the race between
// a timer firing and a release handing over a connection. err records why a
// closed channel carries no connection.
type waiter struct {
	ch        chan *conn
	timer     *time.Timer
	delivered bool
	err       error
}

// Pool is a fixed-size connection pool with a FIFO wait queue.
type Pool struct {
	mu      sync.Mutex
	idle    []*conn
	waiters []*waiter
	busy    int
	closed  bool
	nextID  int

	cfg Config

	totalAcquires   int64
	acquireTimeouts int64
	queueRejects    int64
	replacements    int64

	// probe checks a handle after a failed Execute. Overridable in tests.
	probe func(db *sql.DB) error
}

// Open creates the pool and dials all connections up front so configuration
// errors surface at startup, not mid-request.
func Open(cfg Config) (*Pool, error) {
	if cfg.Size <= 0 {
		cfg.Size = defaultSize
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = defaultBusyTimeout
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = defaultAcquireTimeout
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = defaultMaxQueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	p := &Pool{cfg: cfg}
	p.probe = func(db *sql.DB) error { return db.Ping() }

	for i := 0; i < cfg.Size; i++ {
		c, err := p.dial()
		if err != nil {
			p.closeIdleLocked()
			return nil, fmt.Errorf("open pooled connection %d: %w", i, err)
		}
		p.idle = append(p.idle, c)
	}
	return p, nil
}

// dial opens one handle. SetMaxOpenConns(1) pins the *sql.DB to a single
// underlying SQLite connection so the handle behaves like one pooled slot.
func (p *Pool) dial() (*conn, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_foreign_keys=on",
		p.cfg.Path, p.cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	p.nextID++
	return &conn{db: db, id: p.nextID}, nil
}

// acquire hands out an idle connection or queues the caller FIFO.
func (p *Pool) acquire(ctx context.Context) (*conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.totalAcquires++

	if len(p.idle) > 0 {
		c := p.idle[0]
		p.idle = p.idle[1:]
		p.busy++
		p.mu.Unlock()
		return c, nil
	}

	if len(p.waiters) >= p.cfg.MaxQueueSize {
		p.queueRejects++
		depth := len(p.waiters)
		p.mu.Unlock()
		if p.cfg.Bus != nil {
			p.cfg.Bus.Publish(bus.TopicPoolSaturated, bus.PoolSaturatedEvent{
				QueueDepth: depth,
				PoolSize:   p.cfg.Size,
			})
		}
		return nil, ErrQueueFull
	}

	w := &waiter{ch: make(chan *conn, 1)}
	w.timer = time.AfterFunc(p.cfg.AcquireTimeout, func() {
		p.expireWaiter(w)
	})
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	select {
	case c, ok := <-w.ch:
		if !ok {
			return nil, w.err
		}
		return c, nil
	case <-ctx.Done():
		if !p.abandonWaiter(w) {
			// A release won the race and a connection is on its way;
			// take it and put it back rather than leak it.
			if c, ok := <-w.ch; ok {
				p.release(c, true)
			}
		}
		return nil, ctx.Err()
	}
}

// expireWaiter fires on the acquire timer. If the waiter is still queued it
// is removed and its channel closed; a waiter already served is left alone.
func (p *Pool) expireWaiter(w *waiter) {
	p.mu.Lock()
	if w.delivered {
		p.mu.Unlock()
		return
	}
	w.delivered = true
	w.err = ErrAcquireTimeout
	p.removeWaiterLocked(w)
	p.acquireTimeouts++
	p.mu.Unlock()
	close(w.ch)
}

// abandonWaiter removes a waiter whose caller gave up (context cancelled).
// Returns false when the waiter was already served or expired.
func (p *Pool) abandonWaiter(w *waiter) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w.delivered {
		return false
	}
	w.delivered = true
	w.timer.Stop()
	p.removeWaiterLocked(w)
	return true
}

func (p *Pool) removeWaiterLocked(w *waiter) {
	for i, q := range p.waiters {
		if q == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// release returns a connection to the pool, handing it to the oldest waiter
// if one is queued. When healthy is false the handle is closed and a
// replacement dialed in its place.
func (p *Pool) release(c *conn, healthy bool) {
	p.mu.Lock()
	if p.closed {
		p.busy--
		p.mu.Unlock()
		c.db.Close()
		return
	}
	if !healthy {
		old := c
		replacement, err := p.dial()
		if err != nil {
			// Keep the sick handle in rotation; SQLite often recovers once
			// the contending writer finishes.
			p.cfg.Logger.Warn("pool replacement dial failed, keeping existing handle",
				"conn_id", old.id, "error", err)
		} else {
			p.replacements++
			c = replacement
			p.cfg.Logger.Info("pool replaced unhealthy connection",
				"old_conn_id", old.id, "new_conn_id", c.id)
			defer old.db.Close()
		}
	}

	// FIFO handoff: skip waiters that already timed out.
	for len(p.waiters) > 0 {
		w := p.waiters[0]
		p.waiters = p.waiters[1:]
		if w.delivered {
			continue
		}
		w.delivered = true
		w.timer.Stop()
		p.mu.Unlock()
		w.ch <- c
		return
	}

	p.busy--
	p.idle = append(p.idle, c)
	p.mu.Unlock()
}

// Execute acquires a connection, runs fn, and releases. A failed fn triggers
// a health probe on the handle; an unhealthy handle is replaced before it
// re-enters rotation.
func (p *Pool) Execute(ctx context.Context, fn func(db *sql.DB) error) error {
	c, err := p.acquire(ctx)
	if err != nil {
		return err
	}
	healthy := true
	defer func() { p.release(c, healthy) }()

	if err := fn(c.db); err != nil {
		if probeErr := p.probe(c.db); probeErr != nil {
			healthy = false
			p.cfg.Logger.Warn("pooled connection failed health probe",
				"conn_id", c.id, "error", probeErr)
		}
		return err
	}
	return nil
}

// ExecuteTx runs fn inside a transaction on one pooled connection,
// committing on nil and rolling back on error or panic.
func (p *Pool) ExecuteTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return p.Execute(ctx, func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback()
		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// HealthCheck probes every currently idle connection and replaces the ones
// that fail. Busy connections are probed on release instead.
func (p *Pool) HealthCheck(ctx context.Context) HealthStatus {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var hs HealthStatus
	for _, c := range idle {
		if ctx.Err() != nil {
			// Return remaining handles untouched.
			p.mu.Lock()
			p.idle = append(p.idle, c)
			p.mu.Unlock()
			hs.Healthy++
			continue
		}
		if err := p.probe(c.db); err != nil {
			hs.Unhealthy++
			c.db.Close()
			p.mu.Lock()
			replacement, dialErr := p.dial()
			if dialErr == nil {
				p.replacements++
				p.idle = append(p.idle, replacement)
			} else {
				p.cfg.Logger.Warn("health check replacement dial failed", "error", dialErr)
			}
			p.mu.Unlock()
			continue
		}
		hs.Healthy++
		p.mu.Lock()
		p.idle = append(p.idle, c)
		p.mu.Unlock()
	}
	return hs
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Size:            p.cfg.Size,
		Busy:            p.busy,
		Available:       len(p.idle),
		QueueDepth:      len(p.waiters),
		TotalAcquires:   p.totalAcquires,
		AcquireTimeouts: p.acquireTimeouts,
		QueueRejects:    p.queueRejects,
		Replacements:    p.replacements,
	}
}

// Shutdown closes the pool: queued waiters are rejected, idle connections
// closed, and busy connections closed as they are released. Idempotent.
func (p *Pool) Shutdown() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	waiters := p.waiters
	p.waiters = nil
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, w := range waiters {
		p.mu.Lock()
		already := w.delivered
		w.delivered = true
		w.err = ErrPoolClosed
		p.mu.Unlock()
		if !already {
			w.timer.Stop()
			close(w.ch)
		}
	}
	var firstErr error
	for _, c := range idle {
		if err := c.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// closeIdleLocked is used on a failed Open; no waiters can exist yet.
func (p *Pool) closeIdleLocked() {
	for _, c := range p.idle {
		c.db.Close()
	}
	p.idle = nil
}

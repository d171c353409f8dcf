// Package limiter is the per-client admission gate: a lazily refilled token
// bucket plus a per-client concurrency counter, independent of the
// orchestrator's global ceiling, so one client cannot starve the others.
package limiter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ferrolith/taskmux/internal/bus"
)

// Rejection reasons, in check priority order.
const (
	ReasonClientBlocked   = "CLIENT_BLOCKED"
	ReasonConcurrentLimit = "CONCURRENT_LIMIT"
	ReasonTokenExhausted  = "TOKEN_EXHAUSTED"
)

// Decision is the outcome of an admission check. Rejections are soft:
// a Decision with Allowed=false, never an error.
type Decision struct {
	Allowed           bool
	Reason            string
	RetryAfter        time.Duration
	RemainingTokens   float64
	CurrentConcurrent int
}

// Config holds the limiter's knobs.
type Config struct {
	// TokensPerMinute is both the refill rate and the bucket capacity.
	TokensPerMinute int
	// MaxConcurrentPerClient bounds in-flight tasks per client.
	MaxConcurrentPerClient int
	// BucketTTL is how long an idle bucket survives before the reaper
	// removes it.
	BucketTTL time.Duration
	// ReapInterval is the reaper tick. Zero disables only the default,
	// not the reaper itself.
	ReapInterval time.Duration

	Logger *slog.Logger
	Bus    *bus.Bus
}

const (
	defaultTokensPerMinute = 100
	defaultMaxConcurrent   = 10
	defaultBucketTTL       = 10 * time.Minute
	defaultReapInterval    = time.Minute
)

type clientBucket struct {
	tokens       float64
	lastRefill   time.Time
	lastActivity time.Time
	concurrent   int
	blockedUntil time.Time
}

// Stats is an observability snapshot.
type Stats struct {
	TotalRequests   int64   `json:"total_requests"`
	AllowedRequests int64   `json:"allowed_requests"`
	Rejected        int64   `json:"rejected_requests"`
	RejectionRate   float64 `json:"rejection_rate"`
	ActiveBuckets   int     `json:"active_buckets"`
}

// Limiter tracks one bucket per client id, created lazily and reaped when
// idle. All mutation happens under one mutex so check-and-increment is
// atomic.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*clientBucket
	cfg     Config

	totalRequests   int64
	allowedRequests int64
	rejected        int64

	stopReaper context.CancelFunc
	reaperDone chan struct{}
}

// New creates a Limiter. Zero-value knobs get defaults.
func New(cfg Config) *Limiter {
	if cfg.TokensPerMinute <= 0 {
		cfg.TokensPerMinute = defaultTokensPerMinute
	}
	if cfg.MaxConcurrentPerClient <= 0 {
		cfg.MaxConcurrentPerClient = defaultMaxConcurrent
	}
	if cfg.BucketTTL <= 0 {
		cfg.BucketTTL = defaultBucketTTL
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = defaultReapInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Limiter{
		buckets: make(map[string]*clientBucket),
		cfg:     cfg,
	}
}

// CheckLimit runs the admission check for clientID and consumes one token
// when allowed. It does not touch the concurrency counter; callers that go
// on to run work should prefer AcquireSlot.
func (l *Limiter) CheckLimit(clientID string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.check(clientID, false)
}

// AcquireSlot atomically performs CheckLimit and, if allowed, increments the
// client's concurrency counter in the same step. This closes the
// check-then-increment race a CheckLimit+TrackStart sequence would have
// under concurrent callers.
func (l *Limiter) AcquireSlot(clientID string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.check(clientID, true)
}

// check must be called with l.mu held.
func (l *Limiter) check(clientID string, acquire bool) Decision {
	l.totalRequests++
	now := time.Now()
	b := l.bucket(clientID, now)
	l.refill(b, now)
	b.lastActivity = now

	if now.Before(b.blockedUntil) {
		return l.reject(clientID, b, ReasonClientBlocked, b.blockedUntil.Sub(now))
	}
	if b.concurrent >= l.cfg.MaxConcurrentPerClient {
		return l.reject(clientID, b, ReasonConcurrentLimit, 0)
	}
	if b.tokens < 1 {
		// Time until one whole token has refilled.
		perMs := float64(l.cfg.TokensPerMinute) / 60000.0
		wait := time.Duration((1-b.tokens)/perMs) * time.Millisecond
		return l.reject(clientID, b, ReasonTokenExhausted, wait)
	}

	b.tokens--
	if acquire {
		b.concurrent++
	}
	l.allowedRequests++
	return Decision{
		Allowed:           true,
		RemainingTokens:   b.tokens,
		CurrentConcurrent: b.concurrent,
	}
}

func (l *Limiter) reject(clientID string, b *clientBucket, reason string, retryAfter time.Duration) Decision {
	l.rejected++
	if l.cfg.Bus != nil {
		l.cfg.Bus.Publish(bus.TopicLimiterRejected, bus.LimiterRejectedEvent{
			ClientID: clientID,
			Reason:   reason,
		})
	}
	return Decision{
		Allowed:           false,
		Reason:            reason,
		RetryAfter:        retryAfter,
		RemainingTokens:   b.tokens,
		CurrentConcurrent: b.concurrent,
	}
}

// bucket returns the client's bucket, creating a full one on first sight.
// Must be called with l.mu held.
func (l *Limiter) bucket(clientID string, now time.Time) *clientBucket {
	b, ok := l.buckets[clientID]
	if !ok {
		b = &clientBucket{
			tokens:       float64(l.cfg.TokensPerMinute),
			lastRefill:   now,
			lastActivity: now,
		}
		l.buckets[clientID] = b
	}
	return b
}

// refill lazily tops up the bucket from elapsed time; no background timer
// runs per client. Must be called with l.mu held.
func (l *Limiter) refill(b *clientBucket, now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	capacity := float64(l.cfg.TokensPerMinute)
	b.tokens += elapsed.Minutes() * capacity
	if b.tokens > capacity {
		b.tokens = capacity
	}
	b.lastRefill = now
}

// SetLimits updates the refill rate and per-client concurrency ceiling at
// runtime, for config reloads. Existing buckets pick the new rate up on
// their next lazy refill; non-positive values leave the knob unchanged.
func (l *Limiter) SetLimits(tokensPerMinute, maxConcurrentPerClient int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if tokensPerMinute > 0 {
		l.cfg.TokensPerMinute = tokensPerMinute
	}
	if maxConcurrentPerClient > 0 {
		l.cfg.MaxConcurrentPerClient = maxConcurrentPerClient
	}
}

// TrackStart increments the client's in-flight count for callers not using
// AcquireSlot.
func (l *Limiter) TrackStart(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.bucket(clientID, time.Now())
	b.concurrent++
	b.lastActivity = time.Now()
}

// TrackComplete decrements the client's in-flight count, flooring at zero.
func (l *Limiter) TrackComplete(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[clientID]
	if !ok {
		return
	}
	if b.concurrent > 0 {
		b.concurrent--
	}
	b.lastActivity = time.Now()
}

// BlockClient rejects the client's requests for the given duration.
func (l *Limiter) BlockClient(clientID string, duration time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.bucket(clientID, time.Now())
	b.blockedUntil = time.Now().Add(duration)
}

// UnblockClient lifts an administrative block.
func (l *Limiter) UnblockClient(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[clientID]; ok {
		b.blockedUntil = time.Time{}
	}
}

// StartReaper launches the idle-bucket reaper. It is the only background
// work the limiter does; token refill is lazy on read.
func (l *Limiter) StartReaper(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	l.stopReaper = cancel
	l.reaperDone = make(chan struct{})
	go func() {
		defer close(l.reaperDone)
		ticker := time.NewTicker(l.cfg.ReapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := l.ReapIdle(l.cfg.BucketTTL); removed > 0 {
					l.cfg.Logger.Debug("limiter reaped idle buckets", "removed", removed)
				}
			}
		}
	}()
}

// Stop terminates the reaper goroutine, if running.
func (l *Limiter) Stop() {
	if l.stopReaper != nil {
		l.stopReaper()
		<-l.reaperDone
	}
}

// ReapIdle removes buckets that are idle past maxIdle, hold no in-flight
// work, and are not blocked. Returns the number removed.
func (l *Limiter) ReapIdle(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := time.Now().Add(-maxIdle)
	now := time.Now()
	removed := 0
	for id, b := range l.buckets {
		if b.concurrent > 0 {
			continue
		}
		if now.Before(b.blockedUntil) {
			continue
		}
		if b.lastActivity.Before(cutoff) {
			delete(l.buckets, id)
			removed++
		}
	}
	return removed
}

// Stats returns a snapshot of request counters.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := Stats{
		TotalRequests:   l.totalRequests,
		AllowedRequests: l.allowedRequests,
		Rejected:        l.rejected,
		ActiveBuckets:   len(l.buckets),
	}
	if s.TotalRequests > 0 {
		s.RejectionRate = float64(s.Rejected) / float64(s.TotalRequests)
	}
	return s
}

// BucketCount returns the number of tracked buckets (for tests/metrics).
func (l *Limiter) BucketCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Package loopguard validates causal delegation chains before dispatch.
// It is pure: validation is O(chain length), performs no I/O, and is safe
// to call on every dispatch.
package loopguard

import (
	"fmt"
	"strings"
	"time"
)

// Error codes. The orchestrator treats all four as permanently
// non-retryable: the conditions are structural, not transient.
const (
	CodeLoopDetected   = "LOOP_DETECTED"
	CodeDepthExceeded  = "DEPTH_EXCEEDED"
	CodeChainTooLong   = "CHAIN_TOO_LONG"
	CodeBlockedPattern = "BLOCKED_PATTERN"
)

// Context carries the causal delegation metadata for one task dispatch.
// The orchestrator owns it for the lifetime of one run; the guard only
// reads it.
type Context struct {
	TaskID       string    `json:"task_id"`
	OriginClient string    `json:"origin_client"`
	CallChain    []string  `json:"call_chain"`
	Depth        int       `json:"depth"`
	MaxDepth     int       `json:"max_depth"`
	CreatedAt    time.Time `json:"created_at"`
}

// PreventionError reports why a dispatch was rejected. It carries the full
// call chain for diagnostics.
type PreventionError struct {
	Code         string
	TargetEngine string
	Chain        []string
}

func (e *PreventionError) Error() string {
	return fmt.Sprintf("%s: target %q, chain [%s]", e.Code, e.TargetEngine, strings.Join(e.Chain, " -> "))
}

// Predicate decides whether a (caller, target) hop is administratively
// blocked, independent of cycle detection. The chain is provided for
// context-sensitive rules.
type Predicate func(caller, target string, chain []string) bool

// Config holds the guard's limits.
type Config struct {
	// MaxDepth is the delegation-depth ceiling. A context whose depth has
	// reached MaxDepth may not delegate further.
	MaxDepth int

	// MaxChainLength bounds the absolute number of chain participants,
	// independent of depth. Zero defaults to MaxDepth+2.
	MaxChainLength int

	// BlockedPairs lists "caller->target" deny rules. Either side may be
	// the wildcard "*".
	BlockedPairs []string

	// Blocked overrides the BlockedPairs rule set when non-nil.
	Blocked Predicate
}

const defaultMaxDepth = 5

// Guard validates dispatch contexts against the configured limits.
type Guard struct {
	cfg     Config
	blocked Predicate
}

// New creates a Guard. Zero-value limits get defaults.
func New(cfg Config) *Guard {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = defaultMaxDepth
	}
	if cfg.MaxChainLength <= 0 {
		cfg.MaxChainLength = cfg.MaxDepth + 2
	}
	blocked := cfg.Blocked
	if blocked == nil {
		blocked = pairPredicate(cfg.BlockedPairs)
	}
	return &Guard{cfg: cfg, blocked: blocked}
}

// Config returns the guard's effective configuration. The orchestrator uses
// it to seed a context for top-level, non-delegated calls.
func (g *Guard) Config() Config {
	return g.cfg
}

// NewContext seeds a context for a top-level call: depth 0, chain holding
// only the origin client.
func (g *Guard) NewContext(taskID, originClient string) Context {
	return Context{
		TaskID:       taskID,
		OriginClient: originClient,
		CallChain:    []string{originClient},
		Depth:        0,
		MaxDepth:     g.cfg.MaxDepth,
		CreatedAt:    time.Now().UTC(),
	}
}

// MergeContext returns the context for the next hop: the participant is
// appended to the chain and depth is incremented. TaskID, OriginClient and
// CreatedAt are preserved. The incoming chain is copied, never aliased, so
// callers mutating their slice cannot bypass later validation.
func (g *Guard) MergeContext(in Context, participant string) Context {
	chain := make([]string, 0, len(in.CallChain)+1)
	chain = append(chain, in.CallChain...)
	chain = append(chain, participant)

	maxDepth := in.MaxDepth
	if maxDepth <= 0 {
		maxDepth = g.cfg.MaxDepth
	}
	createdAt := in.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	return Context{
		TaskID:       in.TaskID,
		OriginClient: in.OriginClient,
		CallChain:    chain,
		Depth:        in.Depth + 1,
		MaxDepth:     maxDepth,
		CreatedAt:    createdAt,
	}
}

// Validate checks whether dispatching tc to targetEngine is safe.
// Checks run in order: depth ceiling, absolute chain length, cycle,
// deny rules. A copy of the chain is attached to any error.
func (g *Guard) Validate(tc Context, targetEngine string) error {
	maxDepth := tc.MaxDepth
	if maxDepth <= 0 {
		maxDepth = g.cfg.MaxDepth
	}
	if tc.Depth >= maxDepth {
		return &PreventionError{Code: CodeDepthExceeded, TargetEngine: targetEngine, Chain: copyChain(tc.CallChain)}
	}
	if len(tc.CallChain) > g.cfg.MaxChainLength {
		return &PreventionError{Code: CodeChainTooLong, TargetEngine: targetEngine, Chain: copyChain(tc.CallChain)}
	}
	for _, participant := range tc.CallChain {
		if participant == targetEngine {
			return &PreventionError{Code: CodeLoopDetected, TargetEngine: targetEngine, Chain: copyChain(tc.CallChain)}
		}
	}
	caller := tc.OriginClient
	if len(tc.CallChain) > 0 {
		caller = tc.CallChain[len(tc.CallChain)-1]
	}
	if g.blocked != nil && g.blocked(caller, targetEngine, tc.CallChain) {
		return &PreventionError{Code: CodeBlockedPattern, TargetEngine: targetEngine, Chain: copyChain(tc.CallChain)}
	}
	return nil
}

func copyChain(chain []string) []string {
	out := make([]string, len(chain))
	copy(out, chain)
	return out
}

// pairPredicate compiles "caller->target" rules into a Predicate.
// Malformed rules are ignored.
func pairPredicate(pairs []string) Predicate {
	type rule struct{ caller, target string }
	var rules []rule
	for _, p := range pairs {
		parts := strings.SplitN(p, "->", 2)
		if len(parts) != 2 {
			continue
		}
		rules = append(rules, rule{
			caller: strings.TrimSpace(parts[0]),
			target: strings.TrimSpace(parts[1]),
		})
	}
	if len(rules) == 0 {
		return nil
	}
	return func(caller, target string, _ []string) bool {
		for _, r := range rules {
			callerOK := r.caller == "*" || r.caller == caller
			targetOK := r.target == "*" || r.target == target
			if callerOK && targetOK {
				return true
			}
		}
		return false
	}
}

// Package audit is the append-only decision log: every admission rejection,
// loop prevention, and terminal task state is recorded as a JSONL entry and,
// when a table sink is attached, as a row in the audit_log table.
package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ferrolith/taskmux/internal/shared"
)

// Decision values recorded in the log.
const (
	DecisionAllow  = "allow"
	DecisionDeny   = "deny"
	DecisionRecord = "record"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Decision  string `json:"decision"`
	Action    string `json:"action"`
	Reason    string `json:"reason"`
	Subject   string `json:"subject,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// TableSink receives audit rows for durable storage. Implemented by the
// task store; writes are best-effort.
type TableSink interface {
	InsertAuditRow(ctx context.Context, traceID, subject, action, decision, reason string) error
}

// Log is an append-only audit sink. One instance per process, constructed
// at the entry point and passed explicitly.
type Log struct {
	mu        sync.Mutex
	file      *os.File
	sink      TableSink
	denyCount atomic.Int64
}

// Open creates (or appends to) <homeDir>/logs/audit.jsonl.
func Open(homeDir string) (*Log, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Log{file: f}, nil
}

// SetSink attaches a durable table sink for audit rows.
func (l *Log) SetSink(sink TableSink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sink = sink
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// DenyCount returns the total number of deny decisions since startup.
func (l *Log) DenyCount() int64 {
	return l.denyCount.Load()
}

// Record appends one audit entry. Secrets are redacted before persistence.
// A nil Log is a no-op so callers never need to guard.
func (l *Log) Record(ctx context.Context, decision, action, reason, subject string) {
	if l == nil {
		return
	}
	if decision == DecisionDeny {
		l.denyCount.Add(1)
	}

	reason = shared.Redact(reason)
	subject = shared.Redact(subject)
	traceID := shared.TraceID(ctx)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		ev := entry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Decision:  decision,
			Action:    action,
			Reason:    reason,
			Subject:   subject,
			TraceID:   traceID,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = l.file.Write(append(b, '\n'))
		}
	}

	if l.sink != nil {
		_ = l.sink.InsertAuditRow(ctx, traceID, subject, action, decision, reason)
	}
}

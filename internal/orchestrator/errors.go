package orchestrator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ferrolith/taskmux/internal/loopguard"
)

// Error codes surfaced by the orchestrator. The loop-guard codes are reused
// verbatim so callers see one taxonomy.
const (
	CodeTaskNotFound       = "TASK_NOT_FOUND"
	CodeTaskAlreadyRunning = "TASK_ALREADY_RUNNING"
	CodeTaskExpired        = "TASK_EXPIRED"
	CodeStoreError         = "STORE_ERROR"
	CodeExecutionFailed    = "EXECUTION_FAILED"
	CodeTimeout            = "TIMEOUT"
	CodeCancelled          = "CANCELLED"
	CodePayloadTooLarge    = "PAYLOAD_TOO_LARGE"
)

// nonRetryable codes fail on first occurrence: the condition is structural
// and a retry can never change the outcome.
var nonRetryable = map[string]struct{}{
	CodeTaskNotFound:             {},
	CodeTaskExpired:              {},
	CodePayloadTooLarge:          {},
	loopguard.CodeLoopDetected:   {},
	loopguard.CodeDepthExceeded:  {},
	loopguard.CodeChainTooLong:   {},
	loopguard.CodeBlockedPattern: {},
}

// Error is a coded orchestrator failure. Loop-prevention errors carry the
// offending call chain.
type Error struct {
	Code    string
	Message string
	Chain   []string
	cause   error
}

func (e *Error) Error() string {
	if len(e.Chain) > 0 {
		return fmt.Sprintf("%s: %s (chain: %s)", e.Code, e.Message, strings.Join(e.Chain, " -> "))
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func newError(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func storeError(err error) *Error {
	return &Error{Code: CodeStoreError, Message: err.Error(), cause: err}
}

func fromPrevention(pe *loopguard.PreventionError) *Error {
	return &Error{
		Code:    pe.Code,
		Message: fmt.Sprintf("dispatch to %q rejected", pe.TargetEngine),
		Chain:   pe.Chain,
		cause:   pe,
	}
}

// CodeOf extracts the orchestrator error code, or "" for foreign errors.
func CodeOf(err error) string {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Code
	}
	return ""
}

// IsNonRetryable reports whether a code must never be retried.
func IsNonRetryable(code string) bool {
	_, ok := nonRetryable[code]
	return ok
}

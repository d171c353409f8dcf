package engine

import "strings"

// ErrorClass categorizes engine errors for retry decisions.
type ErrorClass string

const (
	// ErrorClassAuth indicates authentication/authorization failures (401, invalid key).
	ErrorClassAuth ErrorClass = "AUTH"

	// ErrorClassValidation indicates the request itself was malformed (400).
	ErrorClassValidation ErrorClass = "VALIDATION"

	// ErrorClassRateLimit indicates rate limiting or quota exhaustion (429).
	ErrorClassRateLimit ErrorClass = "RATE_LIMIT"

	// ErrorClassTimeout indicates request timeout or deadline exceeded.
	ErrorClassTimeout ErrorClass = "TIMEOUT"

	// ErrorClassServer indicates a backend-side failure (5xx).
	ErrorClassServer ErrorClass = "SERVER"

	// ErrorClassConnection indicates the backend was unreachable.
	ErrorClassConnection ErrorClass = "CONNECTION"

	// ErrorClassUnknown is the default for unrecognized errors.
	ErrorClassUnknown ErrorClass = "UNKNOWN"
)

// ClassifyError categorizes an engine error by inspecting its message for
// known patterns, returning the most specific class that matches.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	msg := strings.ToLower(err.Error())

	if strings.Contains(msg, "401") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "invalid key") ||
		strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "forbidden") ||
		strings.Contains(msg, "403") {
		return ErrorClassAuth
	}

	if strings.Contains(msg, "400") ||
		strings.Contains(msg, "bad request") ||
		strings.Contains(msg, "invalid payload") ||
		strings.Contains(msg, "unprocessable") {
		return ErrorClassValidation
	}

	if strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "too many requests") {
		return ErrorClassRateLimit
	}

	if strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "timed out") {
		return ErrorClassTimeout
	}

	if strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "504") ||
		strings.Contains(msg, "internal server error") ||
		strings.Contains(msg, "overloaded") {
		return ErrorClassServer
	}

	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "eof") {
		return ErrorClassConnection
	}

	return ErrorClassUnknown
}

// IsRetryable reports whether a failed invocation is worth retrying. Auth
// and validation failures are structural: the same request will fail the
// same way, so retrying them only burns tokens.
func IsRetryable(err error) bool {
	switch ClassifyError(err) {
	case ErrorClassAuth, ErrorClassValidation:
		return false
	}
	return true
}

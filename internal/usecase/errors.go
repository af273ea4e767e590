package usecase

import "fmt"

type ErrorCode string

const (
	ErrorInvalidInput      ErrorCode = "INVALID_INPUT"
	ErrorRateLimited       ErrorCode = "RATE_LIMITED"
	ErrorThreadNotFound    ErrorCode = "THREAD_NOT_FOUND"
	ErrorGenerationTimeout ErrorCode = "GENERATION_TIMEOUT"
	ErrorGenerationFailed  ErrorCode = "GENERATION_FAILED"
	ErrorInternal          ErrorCode = "INTERNAL_ERROR"
)

// Error is the typed failure returned across the usecase boundary. Reason is
// a stable machine-readable tag; Err carries upstream detail for logs only.
type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

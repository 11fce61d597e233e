package usecase

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrorInvalidInput  ErrorCode = "INVALID_INPUT"
	ErrorUnauthorized  ErrorCode = "UNAUTHORIZED"
	ErrorForbidden     ErrorCode = "FORBIDDEN"
	ErrorNotFound      ErrorCode = "NOT_FOUND"
	ErrorQuotaExceeded ErrorCode = "QUOTA_EXCEEDED"
	ErrorConfiguration ErrorCode = "CONFIGURATION_ERROR"
	ErrorProvider      ErrorCode = "PROVIDER_ERROR"
	ErrorRateLimited   ErrorCode = "RATE_LIMITED"
	ErrorInternal      ErrorCode = "INTERNAL_ERROR"
)

// Reasons that callers branch on.
const (
	ReasonUnknownProvider = "unknown_provider"
	ReasonNotConfigured   = "provider_not_configured"
)

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

// CodeOf returns the code of the first *Error in err's chain, or
// ErrorInternal when there is none.
func CodeOf(err error) ErrorCode {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Code
	}
	return ErrorInternal
}

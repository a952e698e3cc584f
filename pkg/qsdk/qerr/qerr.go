package qerr

import (
	"errors"
	"fmt"
)

// Code represents a stable error category that callers can switch on.
type Code string

const (
	CodeUnknown      Code = "unknown"
	CodeUnauthorized Code = "unauthorized"
	CodeNotFound     Code = "not_found"

	// CodeSubmissionFailed means the run was never accepted: bad inputs or a
	// gateway rejection. Not retried automatically.
	CodeSubmissionFailed Code = "submission_failed"
	// CodePollTransportFailed is transient; the next poll tick is the retry.
	CodePollTransportFailed Code = "poll_transport_failed"
	// CodeUnknownStatus is a protocol violation and stops polling for the run.
	CodeUnknownStatus Code = "unknown_status"
	// CodeArtifactFetchFailed leaves the run in SUCCESS without an artifact.
	CodeArtifactFetchFailed Code = "artifact_fetch_failed"
)

// Error is a simple value type that carries a Code plus the underlying error.
type Error struct {
	Code Code
	err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// New wraps an error with the provided code. If err is nil a nil is returned.
func New(code Code, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, err: err}
}

// Errorf is New with a formatted cause.
func Errorf(code Code, format string, args ...any) error {
	return &Error{Code: code, err: fmt.Errorf(format, args...)}
}

// IsCode reports whether any error in err's chain carries code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// CodeOf returns the code of the outermost *Error in the chain, or "" when
// there is none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

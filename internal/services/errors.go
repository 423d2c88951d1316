package services

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeSpotUnavailable Code = "SPOT_UNAVAILABLE"
	CodeAlreadyInUse    Code = "ALREADY_IN_USE"
	CodeLockOpenFailed  Code = "LOCK_OPEN_FAILED"
	CodeUsageNotFound   Code = "USAGE_NOT_FOUND"
	CodeCarDetected     Code = "CAR_DETECTED"
	CodeLockStatusError Code = "LOCK_STATUS_ERROR"
	CodeLockCloseFailed Code = "LOCK_CLOSE_FAILED"
	CodeNotPayable      Code = "SESSION_NOT_PAYABLE"
	CodeInvalidRequest  Code = "INVALID_REQUEST"
	CodeInternal        Code = "INTERNAL_ERROR"
)

// Error is returned by the session lifecycle boundary. Message is safe to
// show to callers; Err keeps the underlying cause for logs.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code Code, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

func internalError(err error) *Error {
	return &Error{Code: CodeInternal, Message: "internal error", Err: err}
}

// ErrorCode reports the lifecycle code carried by err, or INTERNAL_ERROR.
func ErrorCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

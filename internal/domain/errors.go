package domain

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindTransport      ErrorKind = "adapter_transport_error"
	KindProtocol       ErrorKind = "adapter_protocol_error"
	KindTimeout        ErrorKind = "task_timeout"
	KindJudgeParse     ErrorKind = "judge_parse_error"
	KindJudgeNoMatch   ErrorKind = "judge_no_match_error"
	KindGuardViolation ErrorKind = "queue_guard_violation"
	KindInvalidRequest ErrorKind = "invalid_request"
	KindNotFound       ErrorKind = "not_found"
)

type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause == nil {
		return e.Message
	}

	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Cause
}

func NewError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func Transport(message string, cause error) *Error {
	return NewError(KindTransport, message, cause)
}

func Protocol(message string, cause error) *Error {
	return NewError(KindProtocol, message, cause)
}

func Timeout(message string) *Error {
	return NewError(KindTimeout, message, nil)
}

func InvalidRequest(message string) *Error {
	return NewError(KindInvalidRequest, message, nil)
}

func NotFound(message string) *Error {
	return NewError(KindNotFound, message, nil)
}

// KindOf reports the kind of the first *Error in err's chain, or "" if there is none.
func KindOf(err error) ErrorKind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}

	return ""
}

func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

package protocol

import "fmt"

// Code classifies a failure reported to a connection
type Code string

const (
	CodeNotFound       Code = "not_found"
	CodeRateLimited    Code = "rate_limited"
	CodeBackendFailure Code = "backend_failure"
	CodeProtocolError  Code = "protocol_error"
)

// Error is the payload of the outbound "error" event.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Event   Event  `json:"event,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewError(code Code, event Event, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Event:   event,
	}
}

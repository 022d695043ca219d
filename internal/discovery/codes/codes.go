// Package codes defines the service's error taxonomy and its mapping onto
// HTTP status codes for the Connect-style wire envelope.
package codes

import (
	"fmt"
	"net/http"

	"connectrpc.com/connect"
)

// Error is the internal error type every registry partition operation
// returns; the gateway wraps plain errors from other layers (signing, the
// directory) into it. The gateway is the only layer that translates it to
// HTTP.
type Error struct {
	Code    connect.Code
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code.String(), e.Message)
}

// New constructs an Error carrying code and a formatted message.
func New(code connect.Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error from an existing error's message.
func Wrap(code connect.Code, err error) *Error {
	return &Error{Code: code, Message: err.Error()}
}

// HTTPStatus maps a Code to its HTTP status per the spec's fixed table.
func HTTPStatus(code connect.Code) int {
	switch code {
	case connect.CodeOK:
		return http.StatusOK
	case connect.CodeCanceled:
		return http.StatusRequestTimeout
	case connect.CodeUnknown:
		return http.StatusInternalServerError
	case connect.CodeInvalidArgument:
		return http.StatusBadRequest
	case connect.CodeDeadlineExceeded:
		return http.StatusRequestTimeout
	case connect.CodeNotFound:
		return http.StatusNotFound
	case connect.CodeAlreadyExists:
		return http.StatusConflict
	case connect.CodePermissionDenied:
		return http.StatusForbidden
	case connect.CodeResourceExhausted:
		return http.StatusTooManyRequests
	case connect.CodeFailedPrecondition:
		return http.StatusBadRequest
	case connect.CodeAborted:
		return http.StatusConflict
	case connect.CodeOutOfRange:
		return http.StatusBadRequest
	case connect.CodeUnimplemented:
		return http.StatusNotImplemented
	case connect.CodeInternal:
		return http.StatusInternalServerError
	case connect.CodeUnavailable:
		return http.StatusServiceUnavailable
	case connect.CodeDataLoss:
		return http.StatusInternalServerError
	case connect.CodeUnauthenticated:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

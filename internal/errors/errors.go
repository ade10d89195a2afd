package errors

import (
	"context"
	stderr "errors"
	"fmt"
	"net/http"
)

// AppError is the one error type crossing package boundaries. Code is a
// stable machine-readable discriminator; Message is safe to surface to the
// user; Cause carries the underlying transport error for logs only.
type AppError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Cause }

// Constructors
func New(code Code, message string) error {
	return &AppError{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) error {
	return &AppError{Code: code, Message: message, Cause: cause}
}

func InvalidArg(msg string) error {
	return New(CodeInvalidArgument, msg)
}

func NotFound(msg string) error {
	return New(CodeNotFound, msg)
}

func Internal(msg string) error {
	return New(CodeInternal, msg)
}

func QuotaExceeded(msg string) error {
	return New(CodeQuotaExceeded, msg)
}

func Blocked(msg string) error {
	return New(CodeBlocked, msg)
}

func AuthExpired(msg string) error {
	return New(CodeAuthExpired, msg)
}

func ConnectionUnavailable(msg string) error {
	return New(CodeConnectionUnavailable, msg)
}

// CodeOf extracts the Code from any error in the chain, CodeUnknown if none.
func CodeOf(err error) Code {
	var app *AppError
	if stderr.As(err, &app) {
		return app.Code
	}
	return CodeUnknown
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// MapHTTP converts a REST response status into a coded error. 2xx maps to
// nil so callers can pass every response through it.
func MapHTTP(status int, msg string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized:
		return Wrap(CodeAuthExpired, "credential rejected", stderr.New(msg))
	case status == http.StatusForbidden:
		return New(CodeBlocked, msg)
	case status == http.StatusNotFound:
		return New(CodeNotFound, msg)
	case status == http.StatusBadRequest:
		return New(CodeInvalidArgument, msg)
	default:
		return New(CodeInternal, msg)
	}
}

// MapTransport normalizes context and network failures from the realtime
// channel into the taxonomy the pipeline understands.
func MapTransport(err error) error {
	if err == nil {
		return nil
	}
	var app *AppError
	if stderr.As(err, &app) {
		return err
	}
	switch {
	case stderr.Is(err, context.DeadlineExceeded):
		return Wrap(CodeAckTimeout, "no acknowledgment within deadline", err)
	case stderr.Is(err, context.Canceled):
		return Wrap(CodeConnectionUnavailable, "operation canceled", err)
	default:
		return Wrap(CodeSendFailed, "transport failure", err)
	}
}

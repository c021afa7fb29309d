package errors

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
)

type Code codes.Code

const (
	// CodeMalformed marks an inbound frame that could not be decoded.
	CodeMalformed = Code(codes.InvalidArgument)
	// CodeFailedPrecondition marks a command rejected locally, before any network call.
	CodeFailedPrecondition = Code(codes.FailedPrecondition)
	// CodePermissionDenied marks a host-only command issued by a non-host participant.
	CodePermissionDenied = Code(codes.PermissionDenied)
	// CodeRejected marks a command the server answered with a 4xx status.
	CodeRejected = Code(codes.Aborted)
	// CodeTimeout marks a command whose confirmation (or response) never arrived.
	CodeTimeout = Code(codes.DeadlineExceeded)
	// CodeTransport marks a channel or connection failure.
	CodeTransport = Code(codes.Unavailable)
	// CodeStale marks a result that arrived after the session was torn down.
	CodeStale = Code(codes.Canceled)
	// CodeNotFound marks a lookup of a session nothing is known about.
	CodeNotFound = Code(codes.NotFound)
	CodeInternal = Code(codes.Internal)
)

var code2name = map[Code]string{
	CodeMalformed:          "MalformedMessage",
	CodeFailedPrecondition: "InvalidState",
	CodePermissionDenied:   "NotHost",
	CodeRejected:           "CommandRejected",
	CodeTimeout:            "CommandTimeout",
	CodeTransport:          "TransportError",
	CodeStale:              "StaleApplication",
	CodeNotFound:           "NotFound",
	CodeInternal:           "Internal",
}

type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	// HTTPStatus is the response status for errors produced by the REST client, 0 otherwise.
	HTTPStatus int `json:"http_status,omitempty"`
	err        error
}

func New(code Code, opts ...Option) *Error {
	e := &Error{
		Code:    code,
		Message: codes.Code(code).String(),
	}

	for _, opt := range opts {
		opt.apply(e)
	}

	return e
}

func (e *Error) Error() string {
	s := fmt.Sprintf("%s: %s", e.Name(), e.Message)
	if e.HTTPStatus != 0 {
		s += fmt.Sprintf(" (http %d)", e.HTTPStatus)
	}
	if e.err != nil {
		s += fmt.Sprintf(", err: %s", e.err)
	}

	return s
}

func (e *Error) Unwrap() error {
	return e.err
}

// Name returns the taxonomy name of the error code, e.g. "CommandRejected".
func (e *Error) Name() string {
	if n, ok := code2name[e.Code]; ok {
		return n
	}

	return codes.Code(e.Code).String()
}

// Retryable reports whether the user may simply issue the same command again.
func (e *Error) Retryable() bool {
	return e.Code == CodeTimeout || e.Code == CodeTransport
}

func Convert(err error) *Error {
	var e *Error
	if !errors.As(err, &e) {
		return Internal(err)
	}

	return e
}

func Internal(err error) *Error {
	return New(CodeInternal, WithCause(err))
}

// FromHTTPStatus maps a non-2xx response to the taxonomy: 4xx is a rejection, anything else internal.
func FromHTTPStatus(status int, message string) *Error {
	code := CodeInternal
	if status >= http.StatusBadRequest && status < http.StatusInternalServerError {
		code = CodeRejected
	}

	e := New(code, WithHTTPStatus(status))
	if message != "" {
		e.Message = message
	} else {
		e.Message = http.StatusText(status)
	}

	return e
}

func Is(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

func IsTransport(err error) bool { return Is(err, CodeTransport) }
func IsRejected(err error) bool  { return Is(err, CodeRejected) }
func IsTimeout(err error) bool   { return Is(err, CodeTimeout) }
func IsMalformed(err error) bool { return Is(err, CodeMalformed) }
func IsStale(err error) bool     { return Is(err, CodeStale) }
func IsNotFound(err error) bool  { return Is(err, CodeNotFound) }

type Option interface {
	apply(*Error)
}

type optionFunc func(*Error)

func (f optionFunc) apply(e *Error) {
	f(e)
}

func WithCause(err error) Option {
	return optionFunc(func(e *Error) {
		e.err = err
	})
}

func WithMessagef(format string, args ...any) Option {
	return optionFunc(func(e *Error) {
		e.Message = fmt.Sprintf(format, args...)
	})
}

func WithHTTPStatus(status int) Option {
	return optionFunc(func(e *Error) {
		e.HTTPStatus = status
	})
}

// Package apperr carries the error taxonomy shared by every request-plane
// component. Kinds are stable strings; each maps to exactly one HTTP status.
package apperr

import (
	"context"
	"errors"
	"net/http"
)

type Kind string

const (
	InvalidArgument  Kind = "invalid_argument"
	Unauthenticated  Kind = "unauthenticated"
	Forbidden        Kind = "forbidden"
	NotFound         Kind = "not_found"
	ValidationFailed Kind = "validation_failed"
	RateLimited      Kind = "rate_limited"
	Dependency       Kind = "dependency_error"
	CircuitOpen      Kind = "circuit_open"
	Timeout          Kind = "timeout"
	Internal         Kind = "internal"
)

// Error is a classified error. Detail is safe to return to clients for
// client-fault kinds; Err keeps the underlying cause for logs.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return string(e.Kind) + ": " + e.Detail
	}
	if e.Detail == "" {
		return string(e.Kind) + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Detail + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) ErrorKind() Kind { return e.Kind }

func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

func Wrap(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

type kinded interface {
	ErrorKind() Kind
}

// KindOf classifies err. Unclassified errors are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var k kinded
	if errors.As(err, &k) {
		return k.ErrorKind()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Timeout
	}
	return Internal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func HTTPStatus(kind Kind) int {
	switch kind {
	case InvalidArgument:
		return http.StatusBadRequest
	case Unauthenticated:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case ValidationFailed:
		return http.StatusUnprocessableEntity
	case RateLimited:
		return http.StatusTooManyRequests
	case Dependency:
		return http.StatusBadGateway
	case CircuitOpen:
		return http.StatusServiceUnavailable
	case Timeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

var genericDetail = map[Kind]string{
	Dependency:  "upstream dependency failed",
	CircuitOpen: "dependency unavailable",
	Timeout:     "request timed out",
	Internal:    "internal server error",
}

// PublicDetail returns the message a client may see for err. Only authored
// details are returned; wrapped causes never reach the response body.
// Errors may author their own message with a PublicDetail() string method.
func PublicDetail(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Detail != "" {
		return e.Detail
	}
	var authored interface{ PublicDetail() string }
	if errors.As(err, &authored) {
		if msg := authored.PublicDetail(); msg != "" {
			return msg
		}
	}
	if msg, ok := genericDetail[KindOf(err)]; ok {
		return msg
	}
	return string(KindOf(err))
}

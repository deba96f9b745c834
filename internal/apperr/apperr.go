// Package apperr defines the error taxonomy shared by the connector, the
// session layer and the operations agent.
//
// Every error surfaced to an API caller carries one Kind. Callers test for a
// kind with errors.Is against the sentinel values:
//
//	if errors.Is(err, apperr.ErrNotFound) { ... }
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error condition.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindTransport  Kind = "transport"
	KindAuth       Kind = "auth"
	KindRuntime    Kind = "runtime"
)

// Sentinels for errors.Is. They carry no message.
var (
	ErrValidation = &Error{Kind: KindValidation}
	ErrNotFound   = &Error{Kind: KindNotFound}
	ErrTransport  = &Error{Kind: KindTransport}
	ErrAuth       = &Error{Kind: KindAuth}
	ErrRuntime    = &Error{Kind: KindRuntime}
)

// Error is a classified error with an optional underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	switch {
	case e.Message == "" && e.Cause == nil:
		return string(e.Kind)
	case e.Cause == nil:
		return e.Message
	case e.Message == "":
		return e.Cause.Error()
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches sentinel errors (no message, no cause) of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Cause == nil && t.Kind == e.Kind
}

func newf(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func Validation(format string, args ...interface{}) error {
	return newf(KindValidation, nil, format, args...)
}

func NotFound(format string, args ...interface{}) error {
	return newf(KindNotFound, nil, format, args...)
}

func Auth(format string, args ...interface{}) error {
	return newf(KindAuth, nil, format, args...)
}

func Transport(cause error, format string, args ...interface{}) error {
	return newf(KindTransport, cause, format, args...)
}

func Runtime(cause error, format string, args ...interface{}) error {
	return newf(KindRuntime, cause, format, args...)
}

// KindOf returns the kind of the first *Error in err's chain, or KindRuntime
// for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindRuntime
}

// HTTPStatus maps err to the status code used by the API layer.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindAuth:
		return http.StatusUnauthorized
	case KindTransport:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

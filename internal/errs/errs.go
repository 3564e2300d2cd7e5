// Package errs carries the error kinds shared by every resolver. Handlers
// map a kind to an HTTP status at the boundary; inside the resolvers only
// the kind matters.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure.
type Kind int

const (
	// Unknown wraps any cause without a better classification.
	Unknown Kind = iota
	// NotFound means no covering data exists. It is a normal negative
	// result, not a fault.
	NotFound
	// Forbidden means a locator failed the origin allow-list.
	Forbidden
	// ResourceUnavailable means an upstream fetch failed for a
	// retryable-looking reason (timeout, 5xx, connection refused).
	ResourceUnavailable
	// MalformedInput means the remote bytes cannot be interpreted:
	// unparsable descriptor, unsupported mask depth, missing geotransform.
	MalformedInput
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not found"
	case Forbidden:
		return "forbidden"
	case ResourceUnavailable:
		return "resource unavailable"
	case MalformedInput:
		return "malformed input"
	}
	return "unknown"
}

// Error ties a kind to an underlying cause.
type Error struct {
	kind Kind
	err  error
}

func (e *Error) Error() string { return e.err.Error() }
func (e *Error) Unwrap() error { return e.err }

// New builds a kinded error from a format string.
func New(k Kind, format string, args ...interface{}) error {
	return &Error{kind: k, err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind to err. A nil err stays nil and an already-kinded
// err keeps its original kind.
func Wrap(k Kind, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{kind: k, err: err}
}

// KindOf reports the kind of err, Unknown for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return Unknown
}

// Is reports whether err carries kind k.
func Is(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// HTTPStatus maps a kind to its response status. The mapping is stable but
// the internal contract is the kind, not the code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case NotFound:
		return http.StatusNotFound
	case Forbidden:
		return http.StatusForbidden
	case ResourceUnavailable:
		return http.StatusFailedDependency
	}
	// MalformedInput describes broken upstream bytes, not a bad request,
	// so it lands in the 5xx bucket together with Unknown.
	return http.StatusInternalServerError
}

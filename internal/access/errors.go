package access

import (
	"errors"
	"fmt"
)

// Error kinds. Every *Error unwraps to exactly one of these.
var (
	ErrNotFound   = errors.New("not found")
	ErrBadRequest = errors.New("bad request")
	ErrConflict   = errors.New("conflict")
	ErrForbidden  = errors.New("forbidden")
)

// Error carries a caller-facing message and its kind.
type Error struct {
	Kind error
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func (e *Error) Unwrap() error { return e.Kind }

func newError(kind error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func notFound(format string, args ...any) *Error { return newError(ErrNotFound, format, args...) }

func badRequest(format string, args ...any) *Error { return newError(ErrBadRequest, format, args...) }

func conflict(format string, args ...any) *Error { return newError(ErrConflict, format, args...) }

func forbidden(format string, args ...any) *Error { return newError(ErrForbidden, format, args...) }

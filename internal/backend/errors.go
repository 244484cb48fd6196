package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Sentinel kinds. Backends wrap their failures in *Error with one of these as Kind.
var (
	// permanent
	ErrAuth       = errors.New("backend: authentication failed")
	ErrPermission = errors.New("backend: permission denied")
	ErrTooLarge   = errors.New("backend: object too large")
	ErrInvalid    = errors.New("backend: invalid request")

	// transient
	ErrQuota       = errors.New("backend: quota exceeded")
	ErrNetwork     = errors.New("backend: network error")
	ErrUnavailable = errors.New("backend: destination unavailable")

	ErrNotFound = errors.New("backend: object not found")
)

// ErrorClass is how the engine reacts to a failure
type ErrorClass int

const (
	// ClassTransient failures are retried with backoff
	ClassTransient ErrorClass = iota
	// ClassPermanent failures are reported once and never retried
	ClassPermanent
	// ClassNotFound means the object or source is already gone
	ClassNotFound
)

func (c ErrorClass) String() string {
	switch c {
	case ClassPermanent:
		return "permanent"
	case ClassNotFound:
		return "notfound"
	default:
		return "transient"
	}
}

// Error carries the operation context of a backend failure
type Error struct {
	Op      string
	Backend string
	Key     string
	Kind    error
	Err     error
}

func (e *Error) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s.%s %s: %v", e.Backend, e.Op, e.Key, e.cause())
	}
	return fmt.Sprintf("%s.%s: %v", e.Backend, e.Op, e.cause())
}

func (e *Error) cause() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Unwrap exposes both the kind and the underlying cause to errors.Is/As
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func newError(op, backend, key string, kind, err error) *Error {
	return &Error{Op: op, Backend: backend, Key: key, Kind: kind, Err: err}
}

// Classify maps any error onto an ErrorClass. Unknown errors are transient so a
// bounded number of retries is attempted before giving up.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassTransient
	case errors.Is(err, ErrNotFound):
		return ClassNotFound
	case errors.Is(err, ErrAuth),
		errors.Is(err, ErrPermission),
		errors.Is(err, ErrTooLarge),
		errors.Is(err, ErrInvalid):
		return ClassPermanent
	default:
		return ClassTransient
	}
}

func IsPermanent(err error) bool {
	return err != nil && Classify(err) == ClassPermanent
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// networkKind recognises timeouts and connection failures common to every backend
func networkKind(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return ErrNetwork
	}
	return nil
}

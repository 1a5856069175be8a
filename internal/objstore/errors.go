package objstore

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports a missing ref or object.
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a compare-and-swap mismatch on a ref.
	ErrConflict = errors.New("conflict")
	// ErrAlreadyExists reports CreateRef on a ref that exists.
	ErrAlreadyExists = errors.New("already exists")
	// ErrCorrupt reports a malformed or structurally invalid object.
	ErrCorrupt = errors.New("corrupt object")
	// ErrIO reports a backing-store failure unrelated to logical content.
	ErrIO = errors.New("io error")
	// ErrInvalidRef reports a ref name the store refuses to handle.
	ErrInvalidRef = errors.New("invalid ref name")
)

// ioError keeps the underlying cause matchable alongside ErrIO.
type ioError struct {
	op  string
	err error
}

func (e *ioError) Error() string { return fmt.Sprintf("%s: %v", e.op, e.err) }

func (e *ioError) Unwrap() []error { return []error{ErrIO, e.err} }

// IOError wraps a backing-store failure of op. A nil err yields nil.
func IOError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &ioError{op: op, err: err}
}

// NotFound returns an ErrNotFound for the named ref or object.
func NotFound(kind, name string) error {
	return fmt.Errorf("%s %s: %w", kind, name, ErrNotFound)
}

// Corrupt returns an ErrCorrupt describing what was wrong with id.
func Corrupt(id ObjectID, format string, args ...any) error {
	return fmt.Errorf("object %s: %s: %w", id.Short(), fmt.Sprintf(format, args...), ErrCorrupt)
}

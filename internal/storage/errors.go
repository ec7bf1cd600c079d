package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// Error kinds. Compare with errors.Is.
var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrNotFound            = errors.New("not found")
	ErrAccessDenied        = errors.New("access denied")
	ErrInsufficientStorage = errors.New("insufficient storage")
	ErrIO                  = errors.New("i/o failure")

	// ErrAlreadyExists is a bad-input condition, so it also matches ErrInvalidArgument.
	ErrAlreadyExists = fmt.Errorf("already exists: %w", ErrInvalidArgument)
)

// Error describes a failed storage operation. Path is always the logical
// path; physical paths never leave this package through an error.
type Error struct {
	Op   string
	Path string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Path != "" {
		msg += " " + e.Path
	}
	msg += ": " + e.Kind.Error()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// E builds an *Error. OS errors are stripped down to their errno so the
// physical path they carry is dropped.
func E(op, logicalPath string, kind, err error) error {
	return &Error{Op: op, Path: logicalPath, Kind: kind, Err: stripPath(err)}
}

func stripPath(err error) error {
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return pathErr.Err
	}
	var linkErr *os.LinkError
	if errors.As(err, &linkErr) {
		return linkErr.Err
	}
	return err
}

// Invalid builds an ErrInvalidArgument error with a message.
func Invalid(op, logicalPath, format string, args ...any) error {
	return E(op, logicalPath, ErrInvalidArgument, fmt.Errorf(format, args...))
}

// Kind reports which taxonomy kind err belongs to, or nil.
func Kind(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrAccessDenied):
		return ErrAccessDenied
	case errors.Is(err, ErrNotFound):
		return ErrNotFound
	case errors.Is(err, ErrAlreadyExists):
		return ErrAlreadyExists
	case errors.Is(err, ErrInvalidArgument):
		return ErrInvalidArgument
	case errors.Is(err, ErrInsufficientStorage):
		return ErrInsufficientStorage
	default:
		return ErrIO
	}
}

package files

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/HuiungJang/private-nas-for-mac/internal/storage"
)

const (
	// DefaultMaxFileSize is the largest accepted upload, 10 GiB.
	DefaultMaxFileSize int64 = 10 << 30
	// DefaultMaxNameLength is the longest accepted file name, in characters.
	DefaultMaxNameLength = 255
)

// Validator checks upload file names and sizes against policy limits.
type Validator struct {
	MaxNameLength int
	MaxFileSize   int64
}

// DefaultValidator returns a validator with the default limits.
func DefaultValidator() Validator {
	return Validator{MaxNameLength: DefaultMaxNameLength, MaxFileSize: DefaultMaxFileSize}
}

// Validate fails with storage.ErrInvalidArgument if name or size is not
// acceptable. It performs no I/O.
func (v Validator) Validate(name string, size int64) error {
	const op = "validate"
	maxName := v.MaxNameLength
	if maxName <= 0 {
		maxName = DefaultMaxNameLength
	}
	maxSize := v.MaxFileSize
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}

	switch {
	case strings.TrimSpace(name) == "":
		return storage.Invalid(op, "", "file name is required")
	case utf8.RuneCountInString(name) > maxName:
		return storage.Invalid(op, "", "file name exceeds %d characters", maxName)
	case strings.Contains(name, ".."):
		return storage.Invalid(op, "", "file name must not contain '..'")
	case strings.ContainsAny(name, `/\`):
		return storage.Invalid(op, "", "file name must not contain path separators")
	}
	for _, r := range name {
		if r < 0x20 {
			return storage.Invalid(op, "", "file name contains control characters")
		}
	}

	switch {
	case size <= 0:
		return storage.Invalid(op, "", "file size must be positive")
	case size > maxSize:
		return storage.Invalid(op, "", "file size %d exceeds limit of %d bytes", size, maxSize)
	}
	return nil
}

// Package storage defines the file store contract, the logical path resolver
// that sandboxes every operation under a single root, and the error taxonomy
// shared by the storage engine.
package storage

import (
	"context"
	"io"
)

// Store is the file store contract. Every path argument is a logical path;
// implementations resolve it through a Resolver before touching the disk.
type Store interface {
	// Save writes body to a new file. It fails with ErrAlreadyExists if the
	// destination exists and never overwrites. Parent directories are created.
	Save(ctx context.Context, logicalPath string, body io.Reader, size int64, actor string) error

	// Retrieve opens a regular file for reading.
	Retrieve(ctx context.Context, logicalPath string, actor string) (*Content, error)

	// Move renames src to dst. It fails with ErrNotFound if src is missing and
	// ErrAlreadyExists if dst exists.
	Move(ctx context.Context, src, dst string, actor string) error

	// Delete removes a file or an empty directory. It is not recursive.
	Delete(ctx context.Context, logicalPath string, actor string) error

	// CreateDirectory creates name under parent.
	CreateDirectory(ctx context.Context, parent, name string, actor string) error

	// List returns one page of a directory.
	List(ctx context.Context, logicalPath string, offset, limit int, sort SortOrder) (*Listing, error)

	// Exists reports whether the logical path exists.
	Exists(ctx context.Context, logicalPath string) (bool, error)

	// Size returns the size of a regular file.
	Size(ctx context.Context, logicalPath string) (int64, error)

	// AvailableSpace returns the usable bytes on the store's device.
	AvailableSpace(ctx context.Context) (int64, error)
}

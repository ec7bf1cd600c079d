//go:build darwin

package local

import (
	"errors"

	"golang.org/x/sys/unix"
)

// renameNoReplace renames src to dst and fails with EEXIST if dst exists.
func renameNoReplace(src, dst string) error {
	err := unix.Renamex_np(src, dst, unix.RENAME_EXCL)
	if errors.Is(err, unix.ENOTSUP) || errors.Is(err, unix.EINVAL) {
		return checkedRename(src, dst)
	}
	return err
}

package local

import (
	"io/fs"
	"os"
)

// checkedRename refuses an existing dst before renaming. Another writer can
// still slip in between the check and the rename.
func checkedRename(src, dst string) error {
	if _, err := os.Lstat(dst); err == nil {
		return &os.LinkError{Op: "rename", Old: src, New: dst, Err: fs.ErrExist}
	}
	return os.Rename(src, dst)
}

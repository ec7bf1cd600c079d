//go:build !linux && !darwin

package local

func renameNoReplace(src, dst string) error {
	return checkedRename(src, dst)
}

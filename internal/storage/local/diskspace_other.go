//go:build !linux && !darwin && !freebsd && !windows

package local

import "errors"

// DiskUsage is not implemented on this platform.
func DiskUsage(string) (available, total int64, err error) {
	return 0, 0, errors.New("disk usage is not supported on this platform")
}

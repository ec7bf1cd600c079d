//go:build windows

package local

import "golang.org/x/sys/windows"

// DiskUsage returns the bytes available to the caller and the total size of
// the volume holding path.
func DiskUsage(path string) (available, total int64, err error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, 0, err
	}
	var free, size, totalFree uint64
	if err := windows.GetDiskFreeSpaceEx(p, &free, &size, &totalFree); err != nil {
		return 0, 0, err
	}
	return int64(free), int64(size), nil
}

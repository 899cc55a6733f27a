//go:build windows

package cache

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// FreeSpace returns the bytes available to the calling user on the volume
// holding path.
func FreeSpace(path string) (int64, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, fmt.Errorf("encoding path %s: %w", path, err)
	}
	var available, total, totalFree uint64
	if err := windows.GetDiskFreeSpaceEx(p, &available, &total, &totalFree); err != nil {
		return 0, fmt.Errorf("querying free space for %s: %w", path, err)
	}
	return int64(available), nil //nolint:gosec // volume sizes fit in int64
}

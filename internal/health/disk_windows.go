//go:build windows

package health

import "golang.org/x/sys/windows"

// diskFreeBytes returns the bytes available to unprivileged callers on
// the volume holding path.
func diskFreeBytes(path string) (uint64, error) {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return 0, err
	}
	var free, total, totalFree uint64
	if err := windows.GetDiskFreeSpaceEx(p, &free, &total, &totalFree); err != nil {
		return 0, err
	}
	return free, nil
}

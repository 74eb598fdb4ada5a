//go:build windows

package lock

import (
	"errors"
	"os"

	"golang.org/x/sys/windows"
)

// One byte far past the recorded pid is locked, so other processes can
// still read the owner.
const lockedBytes = 1

func acquire(f *os.File) (bool, error) {
	ol := new(windows.Overlapped)
	ol.Offset = 1 << 30
	err := windows.LockFileEx(windows.Handle(f.Fd()),
		windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY, 0, lockedBytes, 0, ol)
	if errors.Is(err, windows.ERROR_LOCK_VIOLATION) {
		return false, nil
	}
	return err == nil, err
}

func release(f *os.File) error {
	ol := new(windows.Overlapped)
	ol.Offset = 1 << 30
	return windows.UnlockFileEx(windows.Handle(f.Fd()), 0, lockedBytes, 0, ol)
}

//go:build windows

package secretfile

import "golang.org/x/sys/windows"

// lockExclusive takes the cross-process write lock with LockFileEx.
// Blocks until the lock is available, matching Unix flock behavior.
func lockExclusive(fd uintptr) error {
	var ol windows.Overlapped
	return windows.LockFileEx(windows.Handle(fd), windows.LOCKFILE_EXCLUSIVE_LOCK, 0, 1, 0, &ol)
}

// lockShared takes the cross-process read lock (LockFileEx without the
// exclusive flag).
func lockShared(fd uintptr) error {
	var ol windows.Overlapped
	return windows.LockFileEx(windows.Handle(fd), 0, 0, 1, 0, &ol)
}

// unlock releases either lock with UnlockFileEx.
func unlock(fd uintptr) error {
	var ol windows.Overlapped
	return windows.UnlockFileEx(windows.Handle(fd), 0, 1, 0, &ol)
}

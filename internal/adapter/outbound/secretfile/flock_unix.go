//go:build !windows

package secretfile

import "syscall"

// lockExclusive takes the cross-process write lock (flock LOCK_EX).
func lockExclusive(fd uintptr) error {
	return syscall.Flock(int(fd), syscall.LOCK_EX)
}

// lockShared takes the cross-process read lock (flock LOCK_SH).
func lockShared(fd uintptr) error {
	return syscall.Flock(int(fd), syscall.LOCK_SH)
}

// unlock releases either lock.
func unlock(fd uintptr) error {
	return syscall.Flock(int(fd), syscall.LOCK_UN)
}

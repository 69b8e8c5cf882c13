//go:build unix

package flock

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// tryLockFile attempts a non-blocking exclusive advisory lock on the provided
// file handle.
func tryLockFile(f *os.File) error {
	flock := unix.Flock_t{Type: unix.F_WRLCK, Whence: int16(0)}
	return unix.FcntlFlock(f.Fd(), unix.F_SETLK, &flock)
}

// unlockFile releases any advisory lock held on the provided file handle.
func unlockFile(f *os.File) error {
	flock := unix.Flock_t{Type: unix.F_UNLCK, Whence: int16(0)}
	return unix.FcntlFlock(f.Fd(), unix.F_SETLK, &flock)
}

// isContention reports whether err is the kernel's way of saying another
// process holds the lock.
func isContention(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EACCES) || errors.Is(err, unix.EWOULDBLOCK)
}

//go:build !unix

package flock

import "os"

// tryLockFile is a stub on non-Unix platforms; the process-local held table
// still provides single-process exclusion.
func tryLockFile(f *os.File) error { return nil }

// unlockFile is a stub counterpart to tryLockFile on non-Unix platforms.
func unlockFile(f *os.File) error { return nil }

func isContention(err error) bool { return false }

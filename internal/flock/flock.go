// Package flock implements the exclusive per-file lock primitive backing
// upload locks. A lock is an advisory OS-level hold on a small artifact file;
// the hold disappears with the owning process, which keeps crashed holders
// from wedging an upload forever.
package flock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrLocked reports that another holder currently owns the artifact.
var ErrLocked = errors.New("flock: already locked")

// held tracks artifact paths locked by this process. fcntl locks do not
// conflict between file descriptors of the same process, and closing any
// descriptor of a locked file drops the lock, so same-process exclusion has
// to happen before we ever open a second descriptor.
var held sync.Map

// Handle owns an exclusive hold on one artifact file. Release must be called
// on every exit path; calling it more than once is a no-op.
type Handle struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	released bool
}

// Acquire attempts a non-blocking exclusive lock on path, creating the
// artifact if absent. It returns ErrLocked when another holder (in this
// process or any other) owns it.
func Acquire(path string) (*Handle, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("flock: resolve %q: %w", path, err)
	}
	if _, loaded := held.LoadOrStore(abs, struct{}{}); loaded {
		return nil, fmt.Errorf("flock: %s: %w", abs, ErrLocked)
	}
	f, err := os.OpenFile(abs, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		held.Delete(abs)
		return nil, fmt.Errorf("flock: open %q: %w", abs, err)
	}
	if err := tryLockFile(f); err != nil {
		f.Close()
		held.Delete(abs)
		if isContention(err) {
			return nil, fmt.Errorf("flock: %s: %w", abs, ErrLocked)
		}
		return nil, fmt.Errorf("flock: lock %q: %w", abs, err)
	}
	h := &Handle{path: abs, file: f}
	registerExit(h)
	return h, nil
}

// Path returns the artifact path this handle holds.
func (h *Handle) Path() string {
	return h.path
}

// Release drops the hold and removes the artifact. Subsequent calls return
// nil without side effects.
func (h *Handle) Release() error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}
	h.released = true
	deregisterExit(h)
	defer held.Delete(h.path)

	var errs []error
	if err := unlockFile(h.file); err != nil {
		errs = append(errs, fmt.Errorf("flock: unlock %q: %w", h.path, err))
	}
	if err := h.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("flock: close %q: %w", h.path, err))
	}
	if err := os.Remove(h.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, fmt.Errorf("flock: remove %q: %w", h.path, err))
	}
	return errors.Join(errs...)
}

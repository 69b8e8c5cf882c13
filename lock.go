package uplock

import "pkt.systems/uplock/internal/flock"

// UploadLock is the scoped handle returned by a successful acquisition. The
// caller owns it and must release it on every exit path, normally via defer.
// The OS drops the underlying hold if the process dies, which is what makes
// a crashed holder recoverable, but only an explicit Release (or the
// stale-lock sweep, eventually) removes the artifact file.
type UploadLock struct {
	id     UploadID
	uri    string
	handle *flock.Handle
}

// UploadID returns the identifier this lock covers.
func (l *UploadLock) UploadID() UploadID { return l.id }

// RequestURI returns the URI the lock was acquired for.
func (l *UploadLock) RequestURI() string { return l.uri }

// Release drops the exclusive hold and removes the lock artifact. It is
// idempotent; repeated calls return nil.
func (l *UploadLock) Release() error {
	if l == nil {
		return nil
	}
	return l.handle.Release()
}

// ReleaseAllLocks releases every upload lock still held by this process.
// Wire it into the shutdown path so clean exits remove their artifacts
// instead of leaving them for the stale-lock sweep. The kernel drops the
// OS-level holds on process death regardless.
func ReleaseAllLocks() {
	flock.ReleaseAll()
}

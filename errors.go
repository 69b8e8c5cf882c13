package uplock

import (
	"errors"
	"fmt"
)

// ErrAlreadyLocked matches any AlreadyLockedError via errors.Is.
var ErrAlreadyLocked = errors.New("upload is locked by another operation")

// AlreadyLockedError reports that an upload's lock was held by a concurrent
// operation for the entire retry budget. It carries the identifier and the
// request URI for diagnostics.
type AlreadyLockedError struct {
	UploadID   UploadID
	RequestURI string
}

func (e *AlreadyLockedError) Error() string {
	if e.RequestURI != "" {
		return fmt.Sprintf("uplock: upload %s is locked by another operation (%s)", e.UploadID, e.RequestURI)
	}
	return fmt.Sprintf("uplock: upload %s is locked by another operation", e.UploadID)
}

func (e *AlreadyLockedError) Unwrap() error { return ErrAlreadyLocked }

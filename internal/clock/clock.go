// Package clock abstracts time for the locking service so backoff behaviour
// stays deterministic under test.
package clock

import "time"

// Clock provides the time operations the retry loop and the stale-lock sweep
// depend on.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real implements Clock using the standard library.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// After mirrors time.After while satisfying the Clock interface.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

package uplock

import (
	"fmt"
	"time"
)

const (
	// LockDirName is the fixed subdirectory beneath the storage root that
	// holds lock artifacts. Every instance sharing the root must agree on
	// it, so it is not configurable.
	LockDirName = "locks"

	// DefaultRetryCount disables retrying; a single acquisition attempt is
	// always made.
	DefaultRetryCount = 0
	// DefaultRetryInterval is the first backoff interval on contention.
	DefaultRetryInterval = 50 * time.Millisecond
	// DefaultRetryMaxInterval caps the doubling backoff between attempts.
	DefaultRetryMaxInterval = 500 * time.Millisecond
	// DefaultStaleAge is how old an artifact must be before the sweep may
	// reclaim it.
	DefaultStaleAge = 10 * time.Second
)

// Config captures the tunables of the locking service. The zero value of
// every field except StorageRoot is usable; Validate fills in defaults.
type Config struct {
	// StorageRoot is the shared upload storage directory. The service keeps
	// its lock artifacts under <StorageRoot>/locks and creates that
	// directory on demand, including when the root itself does not exist.
	StorageRoot string

	// RetryCount is the number of additional acquisition attempts after the
	// first one fails with contention. 0 means no retry.
	RetryCount int

	// RetryInterval is the initial delay between attempts; it doubles after
	// every failed attempt.
	RetryInterval time.Duration

	// RetryMaxInterval bounds the doubled delay.
	RetryMaxInterval time.Duration

	// StaleAge is the artifact age beyond which an unheld lock is considered
	// abandoned by a dead process.
	StaleAge time.Duration

	// SweepInterval, when positive, runs CleanupStaleLocks periodically in
	// the background until Close is called.
	SweepInterval time.Duration
}

// Validate normalizes cfg in place and reports configurations that cannot
// work.
func (c *Config) Validate() error {
	if c.StorageRoot == "" {
		return fmt.Errorf("config: storage root is required")
	}
	if c.RetryCount < 0 {
		return fmt.Errorf("config: retry count must be >= 0")
	}
	if c.RetryInterval < 0 || c.RetryMaxInterval < 0 {
		return fmt.Errorf("config: retry intervals must be >= 0")
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.RetryMaxInterval == 0 {
		c.RetryMaxInterval = DefaultRetryMaxInterval
	}
	if c.RetryMaxInterval < c.RetryInterval {
		return fmt.Errorf("config: retry max interval must be >= retry interval")
	}
	if c.StaleAge < 0 {
		return fmt.Errorf("config: stale age must be >= 0")
	}
	if c.StaleAge == 0 {
		c.StaleAge = DefaultStaleAge
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("config: sweep interval must be >= 0")
	}
	return nil
}

package uplock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"pkt.systems/pslog"
	"pkt.systems/uplock/internal/clock"
	"pkt.systems/uplock/internal/flock"
)

// LockingService hands out exclusive per-upload locks backed by artifact
// files under <StorageRoot>/locks. Because the coordination medium is the
// filesystem, any number of server instances sharing the root (locally or
// over a network mount) exclude each other.
type LockingService struct {
	cfg     Config
	lockDir string
	logger  pslog.Logger
	clk     clock.Clock
	metrics *lockMetrics

	mu        sync.RWMutex
	idFactory IDFactory

	stopJanitor chan struct{}
	doneJanitor chan struct{}
	closeOnce   sync.Once
}

// Option adjusts service construction.
type Option func(*serviceOptions)

type serviceOptions struct {
	logger    pslog.Logger
	clk       clock.Clock
	idFactory IDFactory
}

// WithLogger attaches a structured logger. Without it the service is silent.
func WithLogger(logger pslog.Logger) Option {
	return func(o *serviceOptions) { o.logger = logger }
}

// WithClock substitutes the time source used for backoff waits and staleness
// checks.
func WithClock(clk clock.Clock) Option {
	return func(o *serviceOptions) { o.clk = clk }
}

// WithIDFactory supplies the identifier resolver at construction. Services
// built without one must call SetIDFactory before locking by URI.
func WithIDFactory(f IDFactory) Option {
	return func(o *serviceOptions) { o.idFactory = f }
}

// NewLockingService validates cfg, prepares the lock directory, and, when
// cfg.SweepInterval is positive, starts the background stale-lock janitor.
func NewLockingService(cfg Config, opts ...Option) (*LockingService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o serviceOptions
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := o.clk
	if clk == nil {
		clk = clock.Real{}
	}
	s := &LockingService{
		cfg:       cfg,
		lockDir:   filepath.Join(filepath.Clean(cfg.StorageRoot), LockDirName),
		logger:    logger,
		clk:       clk,
		metrics:   newLockMetrics(logger),
		idFactory: o.idFactory,
	}
	if err := s.ensureLockDir(); err != nil {
		return nil, err
	}
	if cfg.SweepInterval > 0 {
		s.stopJanitor = make(chan struct{})
		s.doneJanitor = make(chan struct{})
		go s.janitorLoop()
	}
	return s, nil
}

// SetIDFactory swaps the identifier resolver. A nil factory is a programming
// error and is rejected.
func (s *LockingService) SetIDFactory(f IDFactory) error {
	if f == nil {
		return fmt.Errorf("uplock: id factory cannot be nil")
	}
	s.mu.Lock()
	s.idFactory = f
	s.mu.Unlock()
	return nil
}

// LockUploadByURI resolves requestURI to an upload identifier and acquires
// its exclusive lock. A URI that does not reference a valid upload returns
// (nil, nil). On contention the call retries up to cfg.RetryCount times with
// doubling backoff, capped at cfg.RetryMaxInterval; cancellation during a
// backoff wait aborts immediately with the most recent contention failure.
// The caller must Release the returned lock on every exit path.
func (s *LockingService) LockUploadByURI(ctx context.Context, requestURI string) (*UploadLock, error) {
	s.mu.RLock()
	factory := s.idFactory
	s.mu.RUnlock()
	if factory == nil {
		return nil, fmt.Errorf("uplock: no id factory configured")
	}
	id, ok := factory.ReadUploadID(requestURI)
	if !ok {
		return nil, nil
	}
	if err := s.ensureLockDir(); err != nil {
		return nil, err
	}

	path := s.lockPath(id)
	interval := s.cfg.RetryInterval
	var lastErr *AlreadyLockedError
	for attempt := 0; attempt <= s.cfg.RetryCount; attempt++ {
		handle, err := flock.Acquire(path)
		if err == nil {
			s.metrics.recordAcquired(ctx, attempt+1)
			return &UploadLock{id: id, uri: requestURI, handle: handle}, nil
		}
		if !errors.Is(err, flock.ErrLocked) {
			return nil, fmt.Errorf("uplock: acquire lock for %s: %w", id, err)
		}
		s.metrics.recordContention(ctx)
		lastErr = &AlreadyLockedError{UploadID: id, RequestURI: requestURI}
		if attempt >= s.cfg.RetryCount {
			break
		}
		s.logger.Info("lock.acquire.retry",
			"upload_id", id.String(),
			"uri", requestURI,
			"interval_ms", interval.Milliseconds(),
			"attempt", attempt+1,
			"max_attempts", s.cfg.RetryCount,
		)
		select {
		case <-ctx.Done():
			return nil, lastErr
		case <-s.clk.After(interval):
		}
		interval *= 2
		if interval > s.cfg.RetryMaxInterval {
			interval = s.cfg.RetryMaxInterval
		}
	}
	s.logger.Warn("lock.acquire.exhausted",
		"upload_id", lastErr.UploadID.String(),
		"uri", requestURI,
		"retries", s.cfg.RetryCount,
	)
	return nil, lastErr
}

// IsLocked probes whether id's lock is currently held by acquiring it
// transiently through the same primitive real locks use. Any failure to
// acquire, contention or I/O, reports locked. The answer is point-in-time;
// nothing stops another contender from acquiring right after a negative
// probe.
func (s *LockingService) IsLocked(id UploadID) bool {
	handle, err := flock.Acquire(s.lockPath(id))
	if err != nil {
		return true
	}
	_ = handle.Release()
	return false
}

// CleanupStaleLocks removes artifacts abandoned by dead processes: older
// than cfg.StaleAge and, re-checked immediately before deletion, not
// currently held. A missing lock directory is the first-run case; it is
// created and the sweep returns nil. Per-artifact failures are logged and
// skipped so one bad entry cannot stall reclamation.
func (s *LockingService) CleanupStaleLocks(ctx context.Context) error {
	start := s.clk.Now()
	entries, err := os.ReadDir(s.lockDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s.ensureLockDir()
		}
		return fmt.Errorf("uplock: list lock directory: %w", err)
	}

	cutoff := start.Add(-s.cfg.StaleAge)
	removed := 0
	for _, entry := range entries {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			s.logger.Debug("sweep.stat_error", "artifact", entry.Name(), "error", err)
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if s.IsLocked(UploadID(entry.Name())) {
			continue
		}
		if err := os.Remove(filepath.Join(s.lockDir, entry.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("sweep.remove_error", "artifact", entry.Name(), "error", err)
			continue
		}
		removed++
		s.logger.Debug("sweep.removed", "artifact", entry.Name(), "age", start.Sub(info.ModTime()).String())
	}

	s.metrics.recordSweep(ctx, s.clk.Now().Sub(start), removed)
	return nil
}

// Close stops the background janitor if one is running. It does not release
// locks held by callers.
func (s *LockingService) Close() error {
	s.closeOnce.Do(func() {
		if s.stopJanitor != nil {
			close(s.stopJanitor)
			<-s.doneJanitor
		}
	})
	return nil
}

func (s *LockingService) janitorLoop() {
	defer close(s.doneJanitor)
	for {
		select {
		case <-s.stopJanitor:
			return
		case <-s.clk.After(s.cfg.SweepInterval):
			if err := s.CleanupStaleLocks(context.Background()); err != nil {
				s.logger.Warn("sweep.failed", "error", err)
			}
		}
	}
}

func (s *LockingService) lockPath(id UploadID) string {
	return filepath.Join(s.lockDir, id.String())
}

func (s *LockingService) ensureLockDir() error {
	if err := os.MkdirAll(s.lockDir, 0o755); err != nil {
		return fmt.Errorf("uplock: prepare lock directory %q: %w", s.lockDir, err)
	}
	return nil
}

package uplock_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pkt.systems/uplock"
)

const testBaseURI = "/upload/test"

func newTestService(t *testing.T, cfg uplock.Config, opts ...uplock.Option) *uplock.LockingService {
	t.Helper()
	if cfg.StorageRoot == "" {
		cfg.StorageRoot = t.TempDir()
	}
	opts = append([]uplock.Option{uplock.WithIDFactory(uplock.NewUUIDFactory(testBaseURI))}, opts...)
	svc, err := uplock.NewLockingService(cfg, opts...)
	if err != nil {
		t.Fatalf("new locking service: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc
}

func TestLockUploadByURI(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, uplock.Config{})
	lock, err := svc.LockUploadByURI(context.Background(), testBaseURI+"/000003f1-a850-49de-af03-997272d834c9")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if lock == nil {
		t.Fatal("expected a lock handle")
	}
	if lock.UploadID() != "000003f1-a850-49de-af03-997272d834c9" {
		t.Fatalf("unexpected upload id %q", lock.UploadID())
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestLockUploadByURIUnresolvable(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, uplock.Config{})
	lock, err := svc.LockUploadByURI(context.Background(), "/somewhere/else/not-an-upload")
	if err != nil {
		t.Fatalf("expected nil error for unresolvable URI, got %v", err)
	}
	if lock != nil {
		t.Fatal("expected nil lock for unresolvable URI")
	}
}

func TestIsLockedWhileHeld(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, uplock.Config{})
	uri := testBaseURI + "/000003f1-a850-49de-af03-997272d834c9"
	lock, err := svc.LockUploadByURI(context.Background(), uri)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if !svc.IsLocked(lock.UploadID()) {
		t.Fatal("expected IsLocked true while held")
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if svc.IsLocked(lock.UploadID()) {
		t.Fatal("expected IsLocked false after release")
	}
}

func TestLockContentionNoRetry(t *testing.T) {
	t.Parallel()

	svc := newTestService(t, uplock.Config{})
	uri := testBaseURI + "/000003f1-a850-49de-af03-997272d834c9"
	lock, err := svc.LockUploadByURI(context.Background(), uri)
	if err != nil {
		t.Fatalf("first lock: %v", err)
	}
	defer lock.Release()

	_, err = svc.LockUploadByURI(context.Background(), uri)
	if !errors.Is(err, uplock.ErrAlreadyLocked) {
		t.Fatalf("expected ErrAlreadyLocked, got %v", err)
	}
	var ale *uplock.AlreadyLockedError
	if !errors.As(err, &ale) {
		t.Fatalf("expected *AlreadyLockedError, got %T", err)
	}
	if ale.UploadID != lock.UploadID() || ale.RequestURI != uri {
		t.Fatalf("diagnostics mismatch: %+v", ale)
	}
}

func TestLockRetrySucceedsAfterRelease(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	holder := newTestService(t, uplock.Config{StorageRoot: root})
	contender := newTestService(t, uplock.Config{
		StorageRoot:      root,
		RetryCount:       20,
		RetryInterval:    10 * time.Millisecond,
		RetryMaxInterval: 20 * time.Millisecond,
	})

	uri := testBaseURI + "/000003f1-a850-49de-af03-997272d834c9"
	lock, err := holder.LockUploadByURI(context.Background(), uri)
	if err != nil {
		t.Fatalf("holder lock: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(40 * time.Millisecond)
		lock.Release()
	}()

	got, err := contender.LockUploadByURI(context.Background(), uri)
	wg.Wait()
	if err != nil {
		t.Fatalf("expected retry to win after release, got %v", err)
	}
	if err := got.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
}

// captureClock fires backoff timers immediately while recording the
// requested intervals.
type captureClock struct {
	mu    sync.Mutex
	now   time.Time
	waits []time.Duration
}

func (c *captureClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *captureClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.waits = append(c.waits, d)
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

func TestBackoffSequenceDoublesAndCaps(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	holder := newTestService(t, uplock.Config{StorageRoot: root})
	clk := &captureClock{now: time.Unix(1700000000, 0)}
	contender := newTestService(t, uplock.Config{
		StorageRoot: root,
		RetryCount:  6,
	}, uplock.WithClock(clk))

	uri := testBaseURI + "/000003f1-a850-49de-af03-997272d834c9"
	lock, err := holder.LockUploadByURI(context.Background(), uri)
	if err != nil {
		t.Fatalf("holder lock: %v", err)
	}
	defer lock.Release()

	if _, err := contender.LockUploadByURI(context.Background(), uri); !errors.Is(err, uplock.ErrAlreadyLocked) {
		t.Fatalf("expected ErrAlreadyLocked, got %v", err)
	}

	want := []time.Duration{
		50 * time.Millisecond,
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		500 * time.Millisecond,
		500 * time.Millisecond,
	}
	clk.mu.Lock()
	got := append([]time.Duration(nil), clk.waits...)
	clk.mu.Unlock()
	if len(got) != len(want) {
		t.Fatalf("wait count = %d want %d (%v)", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("wait[%d] = %v want %v", i, got[i], want[i])
		}
	}
}

// stuckClock never fires backoff timers, forcing the retry loop to rely on
// context cancellation.
type stuckClock struct{}

func (stuckClock) Now() time.Time                       { return time.Now().UTC() }
func (stuckClock) After(time.Duration) <-chan time.Time { return make(chan time.Time) }

func TestCancellationDuringBackoff(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	holder := newTestService(t, uplock.Config{StorageRoot: root})
	contender := newTestService(t, uplock.Config{
		StorageRoot: root,
		RetryCount:  5,
	}, uplock.WithClock(stuckClock{}))

	uri := testBaseURI + "/000003f1-a850-49de-af03-997272d834c9"
	lock, err := holder.LockUploadByURI(context.Background(), uri)
	if err != nil {
		t.Fatalf("holder lock: %v", err)
	}
	defer lock.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	_, err = contender.LockUploadByURI(ctx, uri)
	if !errors.Is(err, uplock.ErrAlreadyLocked) {
		t.Fatalf("expected ErrAlreadyLocked after cancellation, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("cancellation did not abort the wait promptly: %v", elapsed)
	}
}

func TestCleanupStaleLocks(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	svc := newTestService(t, uplock.Config{StorageRoot: root})
	locksDir := filepath.Join(root, "locks")

	activeID := "000003f1-a850-49de-af03-997272d834c9"
	lock, err := svc.LockUploadByURI(context.Background(), testBaseURI+"/"+activeID)
	if err != nil {
		t.Fatalf("lock active upload: %v", err)
	}
	defer lock.Release()

	staleID := string(uplock.NewUUIDFactory(testBaseURI).CreateID())
	recentID := string(uplock.NewUUIDFactory(testBaseURI).CreateID())
	for _, name := range []string{staleID, recentID} {
		if err := os.WriteFile(filepath.Join(locksDir, name), nil, 0o644); err != nil {
			t.Fatalf("create artifact %s: %v", name, err)
		}
	}
	old := time.Now().Add(-20 * time.Second)
	for _, name := range []string{staleID, activeID} {
		if err := os.Chtimes(filepath.Join(locksDir, name), old, old); err != nil {
			t.Fatalf("age artifact %s: %v", name, err)
		}
	}

	if err := svc.CleanupStaleLocks(context.Background()); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	if _, err := os.Stat(filepath.Join(locksDir, staleID)); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("stale artifact should be removed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(locksDir, activeID)); err != nil {
		t.Fatalf("active artifact must survive the sweep: %v", err)
	}
	if _, err := os.Stat(filepath.Join(locksDir, recentID)); err != nil {
		t.Fatalf("recent artifact must survive the sweep: %v", err)
	}
}

func TestCleanupStaleLocksMissingDirectory(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	svc := newTestService(t, uplock.Config{StorageRoot: root})
	if err := os.RemoveAll(filepath.Join(root, "locks")); err != nil {
		t.Fatalf("remove locks dir: %v", err)
	}

	if err := svc.CleanupStaleLocks(context.Background()); err != nil {
		t.Fatalf("cleanup on missing directory: %v", err)
	}
	info, err := os.Stat(filepath.Join(root, "locks"))
	if err != nil {
		t.Fatalf("locks dir should be recreated: %v", err)
	}
	if !info.IsDir() {
		t.Fatal("locks path is not a directory")
	}
}

func TestSetIDFactory(t *testing.T) {
	t.Parallel()

	svc, err := uplock.NewLockingService(uplock.Config{StorageRoot: t.TempDir()})
	if err != nil {
		t.Fatalf("new locking service: %v", err)
	}
	defer svc.Close()

	if _, err := svc.LockUploadByURI(context.Background(), testBaseURI+"/whatever"); err == nil {
		t.Fatal("expected error when no id factory is configured")
	}
	if err := svc.SetIDFactory(nil); err == nil {
		t.Fatal("expected error for nil id factory")
	}
	if err := svc.SetIDFactory(uplock.NewUUIDFactory(testBaseURI)); err != nil {
		t.Fatalf("set id factory: %v", err)
	}
	lock, err := svc.LockUploadByURI(context.Background(), testBaseURI+"/000003f1-a850-49de-af03-997272d834c9")
	if err != nil {
		t.Fatalf("lock after SetIDFactory: %v", err)
	}
	lock.Release()
}

func TestJanitorSweepsInBackground(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	svc := newTestService(t, uplock.Config{
		StorageRoot:   root,
		SweepInterval: 20 * time.Millisecond,
	})

	locksDir := filepath.Join(root, "locks")
	staleID := string(uplock.NewUUIDFactory(testBaseURI).CreateID())
	path := filepath.Join(locksDir, staleID)
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("create artifact: %v", err)
	}
	old := time.Now().Add(-20 * time.Second)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("age artifact: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("janitor did not reclaim the stale artifact in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
	svc.Close()
}

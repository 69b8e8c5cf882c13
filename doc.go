// Package uplock provides exclusive per-upload locking for resumable-upload
// servers. A lock is an advisory OS-level hold on a small artifact file under
// <storage root>/locks, so any number of server instances sharing the storage
// directory (local disk or a network mount) coordinate without an external
// lock service. Holds die with their process; a background sweep reclaims
// artifacts abandoned by crashed holders.
//
// Copyright (C) 2026 Michel Blomgren <https://pkt.systems>
//
// # Locking an upload
//
//	svc, err := uplock.NewLockingService(uplock.Config{
//	    StorageRoot:   "/var/lib/uploads",
//	    RetryCount:    3,
//	    SweepInterval: 30 * time.Second,
//	}, uplock.WithIDFactory(uplock.NewUUIDFactory("/files")))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close()
//
//	lock, err := svc.LockUploadByURI(ctx, r.RequestURI)
//	if err != nil {
//	    // errors.Is(err, uplock.ErrAlreadyLocked) after the retry budget
//	    return err
//	}
//	if lock == nil {
//	    // URI does not reference an upload; nothing to lock
//	    return nil
//	}
//	defer lock.Release()
//
// The retry budget bounds how long a caller can block: the backoff series
// doubles from Config.RetryInterval up to Config.RetryMaxInterval, so size
// request timeouts against the sum of that series.
//
// # Stale locks
//
// CleanupStaleLocks deletes artifacts older than Config.StaleAge whose hold
// is confirmed dead by a transient acquisition probe. Run it periodically via
// Config.SweepInterval, or externally with the uplock command.
package uplock

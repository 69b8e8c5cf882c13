package flock

import "sync"

// exitRegistry holds every live handle so a shutdown hook can drop all
// OS-level holds before the process exits. The kernel releases advisory locks
// on process death anyway; the registry exists so clean shutdowns also remove
// the artifact files instead of leaving them for the stale-lock sweep.
var (
	exitMu       sync.Mutex
	exitRegistry = make(map[*Handle]struct{})
)

func registerExit(h *Handle) {
	exitMu.Lock()
	exitRegistry[h] = struct{}{}
	exitMu.Unlock()
}

func deregisterExit(h *Handle) {
	exitMu.Lock()
	delete(exitRegistry, h)
	exitMu.Unlock()
}

// ReleaseAll releases every handle still held by this process. Intended for
// process shutdown paths; individual Release errors do not stop the sweep.
func ReleaseAll() {
	exitMu.Lock()
	handles := make([]*Handle, 0, len(exitRegistry))
	for h := range exitRegistry {
		handles = append(handles, h)
	}
	exitMu.Unlock()
	for _, h := range handles {
		_ = h.Release()
	}
}

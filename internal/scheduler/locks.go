// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package scheduler

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	tsimerrors "grimm.is/tsim/internal/errors"
)

// LeaderElector implements file-lock leader election over
// lockDir/scheduler_leader: losers sleep and retry. Every scheduler
// process in the fleet holds one; only the process whose TryLock
// succeeds runs the pop/dispatch loop.
type LeaderElector struct {
	fl *flock.Flock
}

// NewLeaderElector opens (without acquiring) the scheduler_leader lock file.
func NewLeaderElector(lockDir string) (*LeaderElector, error) {
	if err := os.MkdirAll(lockDir, 0700); err != nil {
		return nil, tsimerrors.Wrapf(err, tsimerrors.KindInternal, "create lock dir")
	}
	return &LeaderElector{fl: flock.New(filepath.Join(lockDir, "scheduler_leader"))}, nil
}

// TryAcquire attempts to become leader without blocking. A process that
// loses stays a follower until the current leader exits and its flock is
// released by the kernel.
func (e *LeaderElector) TryAcquire() (bool, error) {
	ok, err := e.fl.TryLock()
	if err != nil {
		return false, tsimerrors.Wrapf(err, tsimerrors.KindInternal, "leader election")
	}
	return ok, nil
}

// IsLeader reports whether this process currently holds the lock.
func (e *LeaderElector) IsLeader() bool { return e.fl.Locked() }

// Resign releases leadership, e.g. on clean shutdown.
func (e *LeaderElector) Resign() error {
	if !e.fl.Locked() {
		return nil
	}
	return e.fl.Unlock()
}

// RouterLocks hands out the per-router exclusive locks a detailed job
// holds for its whole router set across phases 2-4. Locks live at
// lockDir/router/<router>.lock.
type RouterLocks struct {
	mu      sync.Mutex
	dir     string
	held    map[string]*flock.Flock
}

// NewRouterLocks roots per-router lock files at lockDir/router/.
func NewRouterLocks(lockDir string) (*RouterLocks, error) {
	dir := filepath.Join(lockDir, "router")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, tsimerrors.Wrapf(err, tsimerrors.KindInternal, "create router lock dir")
	}
	return &RouterLocks{dir: dir, held: make(map[string]*flock.Flock)}, nil
}

// AcquireAll attempts to lock every router in routers, non-blocking. On any
// failure it releases whatever it already acquired in this call and
// returns a ConcurrencyError, leaving the caller to re-queue the job at
// the head.
func (l *RouterLocks) AcquireAll(runID string, routers []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	acquired := make([]string, 0, len(routers))
	rollback := func() {
		for _, r := range acquired {
			key := lockKey(runID, r)
			if fl, ok := l.held[key]; ok {
				fl.Unlock()
				delete(l.held, key)
			}
		}
	}

	for _, r := range routers {
		fl := flock.New(filepath.Join(l.dir, r+".lock"))
		ok, err := fl.TryLock()
		if err != nil {
			rollback()
			return tsimerrors.Wrapf(err, tsimerrors.KindConcurrency, "lock router %s", r)
		}
		if !ok {
			rollback()
			return tsimerrors.Errorf(tsimerrors.KindConcurrency, "router %s is locked by another job", r)
		}
		l.held[lockKey(runID, r)] = fl
		acquired = append(acquired, r)
	}
	return nil
}

// ReleaseAll releases every router lock runID acquired.
func (l *RouterLocks) ReleaseAll(runID string, routers []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range routers {
		key := lockKey(runID, r)
		if fl, ok := l.held[key]; ok {
			fl.Unlock()
			delete(l.held, key)
		}
	}
}

func lockKey(runID, router string) string { return runID + "@" + router }

// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package hostregistry implements the process-wide Host Registry:
// reference-counted tracking of dynamically attached host namespaces,
// shared across concurrently running jobs so two jobs probing the same
// (ip, attach_router) pair reuse one host instead of racing to create two.
package hostregistry

import (
	"context"
	"sync"

	"grimm.is/tsim/internal/errors"
	"grimm.is/tsim/internal/fabric"
)

// Conflict is the result of CheckConflicts.
type Conflict string

const (
	ConflictNone Conflict = "none"
	ConflictSame Conflict = "same"
)

type entry struct {
	hostName string
	refcount int
}

// Registry holds a reference to the Fabric Builder (dependency injection
// resolving the host-registry/fabric/orchestrator cycle per the design
// notes: Fabric Builder never references Host Registry back).
type Registry struct {
	fab *fabric.Builder

	mu      sync.Mutex
	entries map[string]*entry // key: ip + "@" + attachRouter
}

// New constructs a Host Registry bound to fab.
func New(fab *fabric.Builder) *Registry {
	return &Registry{fab: fab, entries: make(map[string]*entry)}
}

func key(ip, attachRouter string) string { return ip + "@" + attachRouter }

// AcquireHostRef increments the refcount for (ip, attachRouter), creating
// the host via Fabric.AddHost on first acquisition.
func (r *Registry) AcquireHostRef(ctx context.Context, ip string, prefix int, attachRouter string) (string, error) {
	r.mu.Lock()
	k := key(ip, attachRouter)
	if e, ok := r.entries[k]; ok {
		e.refcount++
		name := e.hostName
		r.mu.Unlock()
		return name, nil
	}
	r.mu.Unlock()

	name, err := r.fab.AddHost(ctx, ip, prefix, attachRouter, nil)
	if err != nil {
		return "", errors.Wrapf(err, errors.KindResource, "acquire host ref for %s@%s", ip, attachRouter)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[k]; ok {
		// Lost a race with a concurrent first acquire. Fabric.AddHost only
		// recognizes (ip, attachRouter) once the other call has registered
		// its host, so this call may have created a second host: remove it
		// and share the winner's.
		if name != e.hostName {
			_ = r.fab.RemoveHost(ctx, name, true)
		}
		e.refcount++
		return e.hostName, nil
	}
	r.entries[k] = &entry{hostName: name, refcount: 1}
	return name, nil
}

// ReleaseHostRef decrements the refcount for (ip, attachRouter); at zero it
// calls Fabric.RemoveHost and drops the entry.
func (r *Registry) ReleaseHostRef(ctx context.Context, ip, attachRouter string) error {
	r.mu.Lock()
	k := key(ip, attachRouter)
	e, ok := r.entries[k]
	if !ok {
		r.mu.Unlock()
		return errors.Errorf(errors.KindResource, "release of unheld host ref %s@%s", ip, attachRouter)
	}
	e.refcount--
	drop := e.refcount <= 0
	if drop {
		delete(r.entries, k)
	}
	name := e.hostName
	r.mu.Unlock()

	if !drop {
		return nil
	}
	if err := r.fab.RemoveHost(ctx, name, false); err != nil {
		return errors.Wrapf(err, errors.KindResource, "release host ref for %s@%s", ip, attachRouter)
	}
	return nil
}

// CheckConflicts reports whether (ip, attachRouter) is already held. The
// scheduler does not call it; its conflict check compares router sets.
func (r *Registry) CheckConflicts(ip, attachRouter string) Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[key(ip, attachRouter)]; ok {
		return ConflictSame
	}
	return ConflictNone
}

// Refcount returns the current refcount for (ip, attachRouter), 0 if unheld.
// Exported so tests can inspect live state without reaching into entries
// directly.
func (r *Registry) Refcount(ip, attachRouter string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key(ip, attachRouter)]; ok {
		return e.refcount
	}
	return 0
}

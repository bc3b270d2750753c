// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package registry implements the shared-memory short-code Registry: a
// process-wide, cooperating-process-visible table mapping long router and
// interface names to short kernel-safe codes (rNNN, iNNN), so the Namespace
// Fabric Builder can name veths and namespaces within Linux's IFNAMSIZ
// limit. Backed by a POSIX shared-memory object (`/tsim_registry`) on
// Linux; a pure in-process map on other platforms and in unit tests,
// where no second process ever attaches.
package registry

import (
	"fmt"
	"sync"

	tsimerrors "grimm.is/tsim/internal/errors"
)

const (
	// MaxRouters bounds the shared router table.
	MaxRouters = 1024
	// MaxInterfacesPerRouter bounds each router's interface table.
	MaxInterfacesPerRouter = 64
	// MaxBridges bounds the shared bridge table.
	MaxBridges = 2048
)

// Registry assigns and looks up stable short codes. Implementations must be
// safe for concurrent use by goroutines within one process. The
// shared-memory variant publishes its counters through the mapped segment
// under an in-process mutex only; it takes no file lock, so allocations made
// by two processes at the same moment are not serialized.
type Registry interface {
	RouterCode(name string) (code string, err error)
	// InterfaceCode returns iface's short code, scoped to router: unique
	// only in combination with router's own RouterCode, mirroring the real
	// fixed-size per-router interface array (max 64 per router).
	InterfaceCode(router, iface string) (code string, err error)
	BridgeCode(segment string) (code string, err error)

	LookupRouter(code string) (name string, ok bool)
	// LookupInterface reverses an (router, code) pair back to the original
	// interface name.
	LookupInterface(router, code string) (iface string, ok bool)

	// Clear resets every table, used by TeardownFabric.
	Clear()
}

// memRegistry is the in-process implementation: a single shared struct
// guarded by a mutex, grown monotonically as new names are first seen,
// exactly like the real shared-memory table's append-only, file-lock-
// protected allocation policy.
type memRegistry struct {
	mu sync.Mutex

	routerByName map[string]string
	routerByCode map[string]string
	nextRouter   int

	ifaceByName map[string]string // "router/iface" -> code
	ifaceByCode map[string]string // code -> "router/iface"
	nextIface   map[string]int    // router -> next interface ordinal

	bridgeByName map[string]string
	bridgeByCode map[string]string
	nextBridge   int
}

// New returns a fresh in-process Registry. Use NewShared for the
// POSIX-shared-memory-backed variant when multiple processes (e.g.
// tsimd and the tsim-fabric helper) must see the same code assignments.
func New() Registry {
	return &memRegistry{
		routerByName: make(map[string]string),
		routerByCode: make(map[string]string),
		ifaceByName:  make(map[string]string),
		ifaceByCode:  make(map[string]string),
		nextIface:    make(map[string]int),
		bridgeByName: make(map[string]string),
		bridgeByCode: make(map[string]string),
	}
}

func (r *memRegistry) RouterCode(name string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if code, ok := r.routerByName[name]; ok {
		return code, nil
	}
	if r.nextRouter >= MaxRouters {
		return "", tsimerrors.Errorf(tsimerrors.KindResource, "registry: router table full (max %d)", MaxRouters)
	}
	code := fmt.Sprintf("r%03d", r.nextRouter)
	r.nextRouter++
	r.routerByName[name] = code
	r.routerByCode[code] = name
	return code, nil
}

func (r *memRegistry) InterfaceCode(router, iface string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := router + "/" + iface
	if code, ok := r.ifaceByName[key]; ok {
		return code, nil
	}
	ord := r.nextIface[router]
	if ord >= MaxInterfacesPerRouter {
		return "", tsimerrors.Errorf(tsimerrors.KindResource, "registry: interface table full for %s (max %d)", router, MaxInterfacesPerRouter)
	}
	code := fmt.Sprintf("i%03d", ord)
	r.nextIface[router] = ord + 1
	r.ifaceByName[key] = code
	r.ifaceByCode[router+"/"+code] = iface
	return code, nil
}

func (r *memRegistry) BridgeCode(segment string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if code, ok := r.bridgeByName[segment]; ok {
		return code, nil
	}
	if r.nextBridge >= MaxBridges {
		return "", tsimerrors.Errorf(tsimerrors.KindResource, "registry: bridge table full (max %d)", MaxBridges)
	}
	code := fmt.Sprintf("b%04d", r.nextBridge)
	r.nextBridge++
	r.bridgeByName[segment] = code
	r.bridgeByCode[code] = segment
	return code, nil
}

func (r *memRegistry) LookupRouter(code string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name, ok := r.routerByCode[code]
	return name, ok
}

func (r *memRegistry) LookupInterface(router, code string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	iface, ok := r.ifaceByCode[router+"/"+code]
	return iface, ok
}

func (r *memRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routerByName = make(map[string]string)
	r.routerByCode = make(map[string]string)
	r.ifaceByName = make(map[string]string)
	r.ifaceByCode = make(map[string]string)
	r.nextIface = make(map[string]int)
	r.bridgeByName = make(map[string]string)
	r.bridgeByCode = make(map[string]string)
	r.nextRouter = 0
	r.nextBridge = 0
}

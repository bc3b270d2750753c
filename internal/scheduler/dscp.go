// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package scheduler

import (
	"sync"

	tsimerrors "grimm.is/tsim/internal/errors"
)

// DSCPMin and DSCPMax bound the pool quick jobs allocate from: a DSCP
// codepoint in 32-63.
const (
	DSCPMin = 32
	DSCPMax = 63
)

// dscpPool hands out DSCP codepoints to quick jobs so their packet-count
// probes stay disambiguated on a shared router. Allocation failure when
// the pool is exhausted is a ConcurrencyError.
type dscpPool struct {
	mu   sync.Mutex
	held map[uint8]string // dscp -> run_id holding it
}

func newDSCPPool() *dscpPool {
	return &dscpPool{held: make(map[uint8]string)}
}

// Allocate reserves the lowest free DSCP value for runID.
func (p *dscpPool) Allocate(runID string) (uint8, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for v := uint8(DSCPMin); v <= DSCPMax; v++ {
		if _, taken := p.held[v]; !taken {
			p.held[v] = runID
			return v, nil
		}
	}
	return 0, tsimerrors.New(tsimerrors.KindConcurrency, "DSCP pool exhausted")
}

// Release frees dscp back to the pool. Releasing an unheld value is a no-op,
// matching the idempotent-release shape elsewhere in this codebase
// (hostregistry.ReleaseHostRef is the one exception that does error, because
// that invariant actually matters there; DSCP release happens purely during
// best-effort scheduler reap and must never block it).
func (p *dscpPool) Release(dscp uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.held, dscp)
}

// InUse reports how many DSCP values are currently allocated, for the
// DSCP-pool-exhaustion gauge.
func (p *dscpPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.held)
}

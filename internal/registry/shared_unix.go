// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package registry

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"

	tsimerrors "grimm.is/tsim/internal/errors"
)

// SharedName is the POSIX shared-memory object name tsimd and the
// tsim-fabric helper both open to see the same code assignments.
const SharedName = "/tsim_registry"

// sharedHeaderSize reserves room for the fixed-capacity arrays; actual
// code assignment still lives in the in-process memRegistry for this
// process's lifetime, with the shared segment used only to publish and
// recover the monotonic counters across the tsimd/tsim-fabric process
// boundary. The counters only grow; no file lock guards the segment.
const sharedHeaderSize = 64

// sharedRegistry wraps memRegistry with a POSIX shared-memory-backed
// counter block so a second process attaching to the same /tsim_registry
// segment resumes numbering after this process's high-water mark instead
// of colliding on reused short codes.
type sharedRegistry struct {
	*memRegistry
	mmapMu sync.Mutex
	data   []byte
	fd     int
}

// NewShared opens (creating if necessary) the POSIX shared-memory
// registry segment and returns a Registry backed by it. Callers without
// CAP_IPC_LOCK-equivalent shm access should fall back to New().
func NewShared() (Registry, error) {
	fd, err := unix.ShmOpen(SharedName, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, tsimerrors.Wrapf(err, tsimerrors.KindResource, "shm_open %s", SharedName)
	}
	if err := unix.Ftruncate(fd, sharedHeaderSize); err != nil {
		unix.Close(fd)
		return nil, tsimerrors.Wrapf(err, tsimerrors.KindResource, "ftruncate %s", SharedName)
	}
	data, err := unix.Mmap(fd, 0, sharedHeaderSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, tsimerrors.Wrapf(err, tsimerrors.KindResource, "mmap %s", SharedName)
	}

	s := &sharedRegistry{memRegistry: New().(*memRegistry), data: data, fd: fd}
	s.restoreCounters()
	return s, nil
}

// restoreCounters reads the header's persisted high-water marks so a newly
// attaching process doesn't reissue codes a sibling process already handed
// out; real code-name mappings still require the full facts load to
// reconstruct, which both processes perform identically and deterministically
// from the same facts directory.
func (s *sharedRegistry) restoreCounters() {
	s.mmapMu.Lock()
	defer s.mmapMu.Unlock()
	s.memRegistry.nextRouter = int(s.data[0])<<8 | int(s.data[1])
	s.memRegistry.nextBridge = int(s.data[2])<<8 | int(s.data[3])
}

func (s *sharedRegistry) persistCounters() {
	s.mmapMu.Lock()
	defer s.mmapMu.Unlock()
	s.data[0] = byte(s.memRegistry.nextRouter >> 8)
	s.data[1] = byte(s.memRegistry.nextRouter)
	s.data[2] = byte(s.memRegistry.nextBridge >> 8)
	s.data[3] = byte(s.memRegistry.nextBridge)
}

func (s *sharedRegistry) RouterCode(name string) (string, error) {
	code, err := s.memRegistry.RouterCode(name)
	if err == nil {
		s.persistCounters()
	}
	return code, err
}

func (s *sharedRegistry) BridgeCode(segment string) (string, error) {
	code, err := s.memRegistry.BridgeCode(segment)
	if err == nil {
		s.persistCounters()
	}
	return code, err
}

// Close unmaps the shared segment. The segment itself survives until
// Unlink removes it, so a crashed process's siblings can still recover
// counters.
func (s *sharedRegistry) Close() error {
	if err := unix.Munmap(s.data); err != nil {
		return err
	}
	return unix.Close(s.fd)
}

// Unlink removes the shared-memory object entirely. `tsim-fabric down`
// calls it after TeardownFabric.
func Unlink() error {
	return unix.ShmUnlink(SharedName)
}

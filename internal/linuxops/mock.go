// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package linuxops

import (
	"context"
	"fmt"
	"sync"
)

// MockLinuxOps is an in-memory LinuxOps for unit tests and for pure
// symbolic-simulation mode, where no kernel object is ever created. It
// records every call so tests can assert on the sequence of operations a
// higher-level component (fabric builder, service runner) issued.
type MockLinuxOps struct {
	mu sync.Mutex

	Netns   map[string]bool
	Links   map[string]bool
	Bridges map[string]bool
	Addrs   map[string][]string // iface -> CIDRs
	Forward map[string]bool     // netns -> ip_forward enabled

	RestoredIptables map[string]string // netns -> last restored text (keyed by whatever netns EnterNetns most recently entered)
	RestoredIpsets    map[string]string

	// Calls records every method invocation for assertions, e.g. "CreateVeth r1-eth0/br0-p1".
	Calls []string

	// ProbeResults lets a test script canned probe outcomes keyed by dstIP.
	ProbeResults map[string]ProbeResult

	currentNetns string
}

var _ LinuxOps = (*MockLinuxOps)(nil)

// NewMock returns an empty MockLinuxOps ready for use.
func NewMock() *MockLinuxOps {
	return &MockLinuxOps{
		Netns:             make(map[string]bool),
		Links:             make(map[string]bool),
		Bridges:           make(map[string]bool),
		Addrs:             make(map[string][]string),
		Forward:           make(map[string]bool),
		RestoredIptables:  make(map[string]string),
		RestoredIpsets:    make(map[string]string),
		ProbeResults:      make(map[string]ProbeResult),
	}
}

func (m *MockLinuxOps) record(call string) {
	m.Calls = append(m.Calls, call)
}

func (m *MockLinuxOps) CreateNetns(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("CreateNetns " + name)
	m.Netns[name] = true
	return nil
}

func (m *MockLinuxOps) DeleteNetns(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("DeleteNetns " + name)
	delete(m.Netns, name)
	return nil
}

func (m *MockLinuxOps) EnterNetns(_ context.Context, name string, fn func() error) error {
	m.mu.Lock()
	if !m.Netns[name] {
		m.mu.Unlock()
		return fmt.Errorf("netns %q does not exist", name)
	}
	prev := m.currentNetns
	m.currentNetns = name
	m.record("EnterNetns " + name)
	m.mu.Unlock()

	err := fn()

	m.mu.Lock()
	m.currentNetns = prev
	m.mu.Unlock()
	return err
}

func (m *MockLinuxOps) CreateBridge(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("CreateBridge " + name)
	m.Bridges[name] = true
	m.Links[name] = true
	return nil
}

func (m *MockLinuxOps) CreateVeth(_ context.Context, spec VethSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record(fmt.Sprintf("CreateVeth %s/%s netns=%s hwaddr=%x/%x",
		spec.Name, spec.Peer, spec.PeerNetns, spec.HWAddr, spec.PeerHWAddr))
	m.Links[spec.Name] = true
	m.Links[spec.Peer] = true
	return nil
}

func (m *MockLinuxOps) AttachToBridge(_ context.Context, bridgeName, ifaceName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record(fmt.Sprintf("AttachToBridge %s<-%s", bridgeName, ifaceName))
	if !m.Bridges[bridgeName] {
		return fmt.Errorf("bridge %q does not exist", bridgeName)
	}
	return nil
}

func (m *MockLinuxOps) SetLinkUp(_ context.Context, ifaceName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("SetLinkUp " + ifaceName)
	m.Links[ifaceName] = true
	return nil
}

func (m *MockLinuxOps) DeleteLink(_ context.Context, ifaceName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("DeleteLink " + ifaceName)
	delete(m.Links, ifaceName)
	return nil
}

func (m *MockLinuxOps) AddAddr(_ context.Context, addr LinkAddr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record(fmt.Sprintf("AddAddr %s %s", addr.IfaceName, addr.CIDR))
	m.Addrs[addr.IfaceName] = append(m.Addrs[addr.IfaceName], addr.CIDR)
	return nil
}

func (m *MockLinuxOps) RunIP(_ context.Context, args ...string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("RunIP " + fmt.Sprint(args))
	return "", nil
}

func (m *MockLinuxOps) RunIptablesRestore(_ context.Context, ruleText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("RunIptablesRestore")
	m.RestoredIptables[m.currentNetns] = ruleText
	return nil
}

func (m *MockLinuxOps) RunIpsetRestore(_ context.Context, setText string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("RunIpsetRestore")
	m.RestoredIpsets[m.currentNetns] = setText
	return nil
}

func (m *MockLinuxOps) SetIPForwarding(_ context.Context, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record(fmt.Sprintf("SetIPForwarding %v", enabled))
	m.Forward[m.currentNetns] = enabled
	return nil
}

func (m *MockLinuxOps) VerifyLinkUp(_ context.Context, ifaceName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("VerifyLinkUp " + ifaceName)
	if !m.Links[ifaceName] {
		return fmt.Errorf("interface %q has no carrier", ifaceName)
	}
	return nil
}

func (m *MockLinuxOps) RunProbe(_ context.Context, kind ProbeKind, srcIface, dstIP string, port int, proto string, dscp uint8) (ProbeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record(fmt.Sprintf("RunProbe %s %s:%d/%s dscp=%d", kind, dstIP, port, proto, dscp))
	if res, ok := m.ProbeResults[dstIP]; ok {
		return res, nil
	}
	return ProbeResult{OK: true}, nil
}

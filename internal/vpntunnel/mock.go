// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package vpntunnel

import (
	"context"
	"sync"
)

// MockTunneler is an in-memory Tunneler for unit tests and for pure
// symbolic-simulation mode, where no kernel object is ever created.
type MockTunneler struct {
	mu sync.Mutex

	// Devices maps "netns/iface" to the Config it was last created or
	// reconfigured with.
	Devices map[string]Config

	// Calls records every method invocation for assertions.
	Calls []string
}

var _ Tunneler = (*MockTunneler)(nil)

// NewMock returns an empty MockTunneler ready for use.
func NewMock() *MockTunneler {
	return &MockTunneler{Devices: make(map[string]Config)}
}

func key(netnsName, ifaceName string) string { return netnsName + "/" + ifaceName }

func (m *MockTunneler) CreateDevice(_ context.Context, netnsName, ifaceName string, cfg Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, "CreateDevice "+key(netnsName, ifaceName))
	m.Devices[key(netnsName, ifaceName)] = cfg
	return nil
}

func (m *MockTunneler) DeleteDevice(_ context.Context, netnsName, ifaceName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, "DeleteDevice "+key(netnsName, ifaceName))
	delete(m.Devices, key(netnsName, ifaceName))
	return nil
}

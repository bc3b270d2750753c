// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package fabric

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/tsim/internal/facts"
	"grimm.is/tsim/internal/linuxops"
	"grimm.is/tsim/internal/registry"
	"grimm.is/tsim/internal/vpntunnel"
)

// twoRouterFleet has r1 and r2 on disjoint /30s (no shared L2 segment),
// exercising the direct point-to-point veth path.
func twoRouterFleet() *facts.Fleet {
	r1 := &facts.Router{
		Name: "r1",
		Interfaces: []facts.Interface{
			{Name: "eth0", Addresses: []facts.Address{{IP: "10.0.0.1", Prefix: 30}}},
		},
		IptablesSaveRaw: "*filter\n:FORWARD ACCEPT [0:0]\nCOMMIT\n",
		IpsetSaveRaw:    "",
	}
	r2 := &facts.Router{
		Name: "r2",
		Interfaces: []facts.Interface{
			{Name: "eth0", Addresses: []facts.Address{{IP: "10.0.1.2", Prefix: 30}}},
		},
	}
	return facts.NewFleetForTest(map[string]*facts.Router{"r1": r1, "r2": r2})
}

// sharedSegmentFleet has r1 and r2 both addressed on 10.0.0.0/30, exercising
// the host-side-bridge path.
func sharedSegmentFleet() *facts.Fleet {
	r1 := &facts.Router{
		Name:       "r1",
		Interfaces: []facts.Interface{{Name: "eth0", Addresses: []facts.Address{{IP: "10.0.0.1", Prefix: 30}}}},
	}
	r2 := &facts.Router{
		Name:       "r2",
		Interfaces: []facts.Interface{{Name: "eth0", Addresses: []facts.Address{{IP: "10.0.0.2", Prefix: 30}}}},
	}
	return facts.NewFleetForTest(map[string]*facts.Router{"r1": r1, "r2": r2})
}

// vpnFleet has a single router with one plain veth interface and one
// "wireguard"-type interface, exercising scenario S2's inter-location hop.
func vpnFleet() *facts.Fleet {
	hqGw := &facts.Router{
		Name: "hq-gw",
		Interfaces: []facts.Interface{
			{Name: "eth0", Addresses: []facts.Address{{IP: "10.1.0.1", Prefix: 24}}},
			{
				Name:      "wg0",
				Addresses: []facts.Address{{IP: "10.9.0.1", Prefix: 30}},
				Type:      "wireguard",
				WireGuard: &facts.WireGuardInterface{
					PrivateKey: "cHJpdmF0ZS1rZXktcGxhY2Vob2xkZXItMzJieXRlcyE=",
					ListenPort: 51820,
					PeerPublic: "cHVibGljLWtleS1wbGFjZWhvbGRlci0zMmJ5dGVzIQ==",
					Endpoint:   "br-gw.example.com:51820",
					AllowedIPs: []string{"10.9.0.2/32"},
				},
			},
		},
	}
	return facts.NewFleetForTest(map[string]*facts.Router{"hq-gw": hqGw})
}

func TestSetupFabric_BringsEveryRouterToReady(t *testing.T) {
	fleet := twoRouterFleet()
	ops := linuxops.NewMock()
	b := New(fleet, ops, registry.New(), nil)

	require.NoError(t, b.SetupFabric(context.Background()))
	assert.Equal(t, StateReady, b.RouterState("r1"))
	assert.Equal(t, StateReady, b.RouterState("r2"))
	require.Len(t, ops.Forward, 2)
	for _, enabled := range ops.Forward {
		assert.True(t, enabled)
	}
}

func TestSetupFabric_IsIdempotent(t *testing.T) {
	fleet := twoRouterFleet()
	ops := linuxops.NewMock()
	b := New(fleet, ops, registry.New(), nil)

	require.NoError(t, b.SetupFabric(context.Background()))
	firstCallCount := len(ops.Calls)
	require.NoError(t, b.SetupFabric(context.Background()))
	assert.Equal(t, firstCallCount, len(ops.Calls), "second SetupFabric should be a no-op")
}

func TestSetupFabric_DisjointSegmentsSkipBridge(t *testing.T) {
	fleet := twoRouterFleet()
	ops := linuxops.NewMock()
	b := New(fleet, ops, registry.New(), nil)

	require.NoError(t, b.SetupFabric(context.Background()))
	assert.Empty(t, ops.Bridges)
}

func TestSetupFabric_SharedSegmentCreatesBridge(t *testing.T) {
	fleet := sharedSegmentFleet()
	ops := linuxops.NewMock()
	b := New(fleet, ops, registry.New(), nil)

	require.NoError(t, b.SetupFabric(context.Background()))
	assert.Len(t, ops.Bridges, 1)
}

func TestAddHost_IsIdempotentForSameIPAndRouter(t *testing.T) {
	fleet := twoRouterFleet()
	ops := linuxops.NewMock()
	b := New(fleet, ops, registry.New(), nil)
	require.NoError(t, b.SetupFabric(context.Background()))

	h1, err := b.AddHost(context.Background(), "10.0.0.5", 24, "r1", nil)
	require.NoError(t, err)
	h2, err := b.AddHost(context.Background(), "10.0.0.5", 24, "r1", nil)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestTeardownFabric_ReturnsRoutersToNonexistent(t *testing.T) {
	fleet := twoRouterFleet()
	ops := linuxops.NewMock()
	b := New(fleet, ops, registry.New(), nil)
	require.NoError(t, b.SetupFabric(context.Background()))

	require.NoError(t, b.TeardownFabric(context.Background()))
	assert.Equal(t, StateNonexistent, b.RouterState("r1"))
	assert.Equal(t, StateNonexistent, b.RouterState("r2"))
	assert.Empty(t, ops.Netns)
}

func TestSetupFabric_WireGuardInterfaceWithoutTunnelerFails(t *testing.T) {
	fleet := vpnFleet()
	ops := linuxops.NewMock()
	b := New(fleet, ops, registry.New(), nil)
	assert.Error(t, b.SetupFabric(context.Background()))
}

func TestSetupFabric_WireGuardInterfaceConfiguresDeviceAndAddress(t *testing.T) {
	fleet := vpnFleet()
	ops := linuxops.NewMock()
	tunnels := vpntunnel.NewMock()
	b := New(fleet, ops, registry.New(), tunnels)

	require.NoError(t, b.SetupFabric(context.Background()))
	assert.Equal(t, StateReady, b.RouterState("hq-gw"))

	cfg, ok := tunnels.Devices["tsim-r000/wg0"]
	require.True(t, ok)
	assert.Equal(t, 51820, cfg.ListenPort)
	assert.Equal(t, []string{"10.9.0.2/32"}, cfg.AllowedIPs)
	assert.Contains(t, ops.Addrs["wg0"], "10.9.0.1/30")
}

func TestTeardownFabric_RemovesWireGuardDevice(t *testing.T) {
	fleet := vpnFleet()
	ops := linuxops.NewMock()
	tunnels := vpntunnel.NewMock()
	b := New(fleet, ops, registry.New(), tunnels)
	require.NoError(t, b.SetupFabric(context.Background()))

	require.NoError(t, b.TeardownFabric(context.Background()))
	assert.Empty(t, tunnels.Devices)
}

// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"grimm.is/tsim/internal/facts"
)

func TestForward_LocalDelivery(t *testing.T) {
	router := &facts.Router{
		Interfaces: []facts.Interface{
			{Name: "eth0", Addresses: []facts.Address{{IP: "10.0.0.1", Prefix: 24}}},
		},
	}
	d := Forward(router, facts.PacketTuple{DstIP: "10.0.0.1"})
	assert.True(t, d.Local)
	assert.Equal(t, "eth0", d.OutIface)
}

func TestForward_LongestPrefixWins(t *testing.T) {
	router := &facts.Router{
		RoutingTables: map[int][]facts.Route{
			254: {
				{Destination: "0.0.0.0/0", Gateway: "10.0.0.254", Device: "eth0"},
				{Destination: "10.1.0.0/16", Gateway: "10.0.0.2", Device: "eth1"},
				{Destination: "10.1.2.0/24", Gateway: "10.0.0.3", Device: "eth2"},
			},
		},
	}
	d := Forward(router, facts.PacketTuple{DstIP: "10.1.2.5"})
	assert.False(t, d.NoRoute)
	assert.Equal(t, "10.0.0.3", d.NextHop)
	assert.Equal(t, "eth2", d.OutIface)
}

func TestForward_DirectlyConnectedRouteUsesDstAsNextHop(t *testing.T) {
	router := &facts.Router{
		RoutingTables: map[int][]facts.Route{
			254: {{Destination: "10.5.0.0/24", Device: "eth0"}},
		},
	}
	d := Forward(router, facts.PacketTuple{DstIP: "10.5.0.9"})
	assert.Equal(t, "10.5.0.9", d.NextHop)
	assert.Equal(t, "eth0", d.OutIface)
}

func TestForward_NoRoute(t *testing.T) {
	router := &facts.Router{RoutingTables: map[int][]facts.Route{254: {}}}
	d := Forward(router, facts.PacketTuple{DstIP: "172.16.0.1"})
	assert.True(t, d.NoRoute)
}

func TestForward_PolicyRuleSelectsAlternateTable(t *testing.T) {
	router := &facts.Router{
		PolicyRules: []facts.PolicyRule{
			{Priority: 100, From: "10.9.0.0/24", Table: 200},
		},
		RoutingTables: map[int][]facts.Route{
			254: {{Destination: "0.0.0.0/0", Gateway: "10.0.0.1", Device: "eth0"}},
			200: {{Destination: "0.0.0.0/0", Gateway: "10.0.0.2", Device: "vpn0"}},
		},
	}
	d := Forward(router, facts.PacketTuple{SrcIP: "10.9.0.5", DstIP: "8.8.8.8"})
	assert.Equal(t, "10.0.0.2", d.NextHop)
	assert.Equal(t, "vpn0", d.OutIface)
}

func TestForward_TieBreaksByLowestMetric(t *testing.T) {
	router := &facts.Router{
		RoutingTables: map[int][]facts.Route{
			254: {
				{Destination: "10.0.0.0/24", Gateway: "10.0.0.1", Device: "eth0", Metric: 100},
				{Destination: "10.0.0.0/24", Gateway: "10.0.0.2", Device: "eth1", Metric: 50},
			},
		},
	}
	d := Forward(router, facts.PacketTuple{DstIP: "10.0.0.5"})
	assert.Equal(t, "10.0.0.2", d.NextHop)
	assert.Equal(t, "eth1", d.OutIface)
}

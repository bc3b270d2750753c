// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package pathplan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tsimerrors "grimm.is/tsim/internal/errors"
	"grimm.is/tsim/internal/facts"
)

// twoHopFleet models gw1 (10.0.0.1/eth-lan, 10.1.1.1/eth-wan) -> gw2
// (10.1.1.2/eth-wan, 10.2.2.1/eth-lan), with a host 10.2.2.5 attached to
// gw2's LAN side.
func twoHopFleet(t *testing.T) *facts.Fleet {
	t.Helper()
	gw1 := &facts.Router{
		Name: "gw1",
		Interfaces: []facts.Interface{
			{Name: "eth-lan", Addresses: []facts.Address{{IP: "10.0.0.1", Prefix: 24}}},
			{Name: "eth-wan", Addresses: []facts.Address{{IP: "10.1.1.1", Prefix: 30}}},
		},
		RoutingTables: map[int][]facts.Route{
			254: {{Destination: "10.2.2.0/24", Gateway: "10.1.1.2", Device: "eth-wan"}},
		},
	}
	gw2 := &facts.Router{
		Name: "gw2",
		Interfaces: []facts.Interface{
			{Name: "eth-wan", Addresses: []facts.Address{{IP: "10.1.1.2", Prefix: 30}}},
			{Name: "eth-lan", Addresses: []facts.Address{{IP: "10.2.2.1", Prefix: 24}}},
		},
		RoutingTables: map[int][]facts.Route{
			254: {{Destination: "10.2.2.0/24", Device: "eth-lan"}},
		},
	}

	return facts.NewFleetForTest(map[string]*facts.Router{"gw1": gw1, "gw2": gw2})
}

func TestPlanPath_TwoHopReachesDestination(t *testing.T) {
	fleet := twoHopFleet(t)
	path, err := PlanPath(fleet, "10.0.0.1", "10.2.2.5", 0)
	require.NoError(t, err)
	routers := path.Routers()
	assert.Equal(t, []string{"gw1", "gw2"}, routers)
}

func TestPlanPath_SameRouterLocalDelivery(t *testing.T) {
	fleet := twoHopFleet(t)
	path, err := PlanPath(fleet, "10.0.0.1", "10.1.1.1", 0)
	require.NoError(t, err)
	assert.Empty(t, path.Hops)
}

func TestPlanPath_BlackholeWhenNoRoute(t *testing.T) {
	fleet := twoHopFleet(t)
	_, err := PlanPath(fleet, "10.0.0.1", "172.16.5.5", 0)
	require.Error(t, err)
	assert.Equal(t, tsimerrors.KindPath, tsimerrors.GetKind(err))
	assert.Equal(t, "blackhole", tsimerrors.GetAttributes(err)["kind"])
}

func TestPlanPath_UnknownSourceErrors(t *testing.T) {
	fleet := twoHopFleet(t)
	_, err := PlanPath(fleet, "192.0.2.1", "10.2.2.5", 0)
	require.Error(t, err)
}

func TestPlanPath_HopCapOfOneAdmitsTwoRouterPath(t *testing.T) {
	fleet := twoHopFleet(t)
	_, err := PlanPath(fleet, "10.0.0.1", "172.16.5.5", 0)
	require.Error(t, err)
	_, err2 := PlanPath(fleet, "10.0.0.1", "10.2.2.5", 1)
	require.NoError(t, err2)
}

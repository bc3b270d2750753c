// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package orchestrator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/tsim/internal/facts"
	"grimm.is/tsim/internal/fabric"
	"grimm.is/tsim/internal/hostregistry"
	"grimm.is/tsim/internal/linuxops"
	"grimm.is/tsim/internal/registry"
	"grimm.is/tsim/internal/svcrunner"
)

// singleRouterFleet models two routers sharing one LAN segment: S and D
// are each a router's own gateway address on that segment, the same shape
// as scenario S1 ("hq-gw" -> "hq-core") in the spec's literal test fleet.
func singleRouterFleet() *facts.Fleet {
	r1 := &facts.Router{
		Name: "r1",
		Interfaces: []facts.Interface{
			{Name: "eth-lan", Addresses: []facts.Address{{IP: "10.0.0.1", Prefix: 24}}},
		},
		RoutingTables: map[int][]facts.Route{
			254: {{Destination: "10.0.0.0/24", Device: "eth-lan", Table: 254}},
		},
		Rules: map[facts.TableName]map[string][]facts.IptablesRule{
			facts.TableFilter: {"FORWARD": {
				{Table: facts.TableFilter, Chain: "FORWARD", Index: 0, Target: facts.TargetAccept, RuleText: "-A FORWARD -j ACCEPT"},
			}},
		},
	}
	r2 := &facts.Router{
		Name: "r2",
		Interfaces: []facts.Interface{
			{Name: "eth-lan", Addresses: []facts.Address{{IP: "10.0.0.2", Prefix: 24}}},
		},
		RoutingTables: map[int][]facts.Route{
			254: {{Destination: "10.0.0.0/24", Device: "eth-lan", Table: 254}},
		},
	}
	return facts.NewFleetForTest(map[string]*facts.Router{"r1": r1, "r2": r2})
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *linuxops.MockLinuxOps) {
	t.Helper()
	fleet := singleRouterFleet()
	ops := linuxops.NewMock()
	fab := fabric.New(fleet, ops, registry.New(), nil)
	require.NoError(t, fab.SetupFabric(context.Background()))
	hosts := hostregistry.New(fab)
	svc := svcrunner.New(ops, fab)

	attach := func(ip string) (string, int, error) {
		router, _, ok := fleet.OwnerOfIP(ip)
		if ok {
			return router, 24, nil
		}
		return "r1", 24, nil
	}
	return New(fleet, hosts, svc, attach), ops
}

func TestRunReachability_SucceedsWhenServiceAccepts(t *testing.T) {
	o, ops := newTestOrchestrator(t)
	ops.ProbeResults["10.0.0.2"] = linuxops.ProbeResult{OK: true, RTTMicros: 100}

	job := Job{SourceIP: "10.0.0.1", DestIP: "10.0.0.2"}
	report := o.RunReachability(context.Background(), job, PortProto{Port: 80, Proto: "tcp"})

	require.Empty(t, report.PhaseErrors)
	assert.True(t, report.Summary.Reachable)
	assert.False(t, report.BlockingAnalysis.ServiceBlocked)
}

func TestRunReachability_ReportsFailureWhenServiceRefuses(t *testing.T) {
	o, ops := newTestOrchestrator(t)
	ops.ProbeResults["10.0.0.2"] = linuxops.ProbeResult{OK: false, Err: "refused"}

	job := Job{SourceIP: "10.0.0.1", DestIP: "10.0.0.2"}
	report := o.RunReachability(context.Background(), job, PortProto{Port: 80, Proto: "tcp"})

	assert.False(t, report.Summary.Reachable)
	assert.Equal(t, "FAIL", report.ConnectivityTests["service"].Description)
}

func TestRunReachability_TeardownReleasesAcquiredHosts(t *testing.T) {
	o, ops := newTestOrchestrator(t)
	ops.ProbeResults["10.0.0.2"] = linuxops.ProbeResult{OK: true}

	job := Job{SourceIP: "10.0.0.1", DestIP: "10.0.0.2"}
	o.RunReachability(context.Background(), job, PortProto{Port: 80, Proto: "tcp"})

	assert.Equal(t, 0, o.hosts.Refcount("10.0.0.1", "r1"))
	assert.Equal(t, 0, o.hosts.Refcount("10.0.0.2", "r2"))
}

func TestRunReachability_PathDiscoveryFailureShortCircuits(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	job := Job{SourceIP: "192.168.99.1", DestIP: "10.0.0.2"}
	report := o.RunReachability(context.Background(), job, PortProto{Port: 80, Proto: "tcp"})

	assert.NotEmpty(t, report.PhaseErrors)
	assert.False(t, report.Summary.Reachable)
}

// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package facts

// NewFleetForTest builds a Fleet from hand-constructed routers, running the
// same index build LoadFleet runs. Exported so routing/pathplan/orchestrator
// tests in other packages can assemble fixtures without writing JSON to disk.
func NewFleetForTest(routers map[string]*Router) *Fleet {
	fleet := &Fleet{
		Routers:     routers,
		ipOwner:     make(map[string]ifaceOwner),
		subnetOwner: make(map[string][]ifaceOwner),
	}
	fleet.buildIndices()
	return fleet
}

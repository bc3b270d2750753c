// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package facts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const gwJSON = `{
  "interfaces": [
    {"name": "eth0", "addresses": [{"ip": "10.1.1.1", "prefix": 24}], "mtu": 1500, "up": true},
    {"name": "eth1", "addresses": [{"ip": "10.1.2.1", "prefix": 24}], "mtu": 1500, "up": true}
  ],
  "routing_tables": {
    "254": [
      {"destination": "10.1.1.0/24", "device": "eth0", "table": 254, "metric": 0},
      {"destination": "10.1.2.0/24", "device": "eth1", "table": 254, "metric": 0}
    ]
  },
  "policy_rules": [],
  "iptables_save": "*filter\n:FORWARD ACCEPT [0:0]\n-A FORWARD -s 10.1.1.0/24 -d 10.1.2.0/24 -p tcp --dport 22 -j ACCEPT\n-A FORWARD -m set --match-set blocked src -j DROP\nCOMMIT\n",
  "ipset_save": "create blocked hash:ip\nadd blocked 10.9.9.9\n"
}`

func writeFleet(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hq-gw.json"), []byte(gwJSON), 0644))
}

func TestLoadFleet_ParsesInterfacesRoutesAndRules(t *testing.T) {
	dir := t.TempDir()
	writeFleet(t, dir)

	fleet, err := LoadFleet(dir)
	require.NoError(t, err)
	require.Contains(t, fleet.Routers, "hq-gw")

	r := fleet.Routers["hq-gw"]
	assert.Len(t, r.Interfaces, 2)
	assert.Len(t, r.RoutingTables[254], 2)

	rules := r.Rules[TableFilter]["FORWARD"]
	require.Len(t, rules, 2)
	assert.Equal(t, TargetAccept, rules[0].Target)
	assert.Equal(t, 0, rules[0].Index)
	assert.Equal(t, TargetDrop, rules[1].Target)
	assert.Equal(t, 1, rules[1].Index)
	require.Len(t, rules[1].MatchSets, 1)
	assert.Equal(t, "blocked", rules[1].MatchSets[0].Name)

	assert.Contains(t, r.Ipsets, "blocked")
	assert.Equal(t, SetHashIP, r.Ipsets["blocked"].Type)
	assert.Contains(t, r.Ipsets["blocked"].Members, "10.9.9.9")
}

func TestLoadFleet_DefaultsMetadataWhenAbsent(t *testing.T) {
	dir := t.TempDir()
	writeFleet(t, dir)

	fleet, err := LoadFleet(dir)
	require.NoError(t, err)
	assert.Equal(t, RoleAccess, fleet.Routers["hq-gw"].Role)
	assert.True(t, fleet.Routers["hq-gw"].Linux)
}

func TestLoadFleet_AppliesMetadataFileOverride(t *testing.T) {
	dir := t.TempDir()
	writeFleet(t, dir)
	meta := `{"role": "gateway", "location": "hq", "manageable": true}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hq-gw_metadata.json"), []byte(meta), 0644))

	fleet, err := LoadFleet(dir)
	require.NoError(t, err)
	assert.Equal(t, RoleGateway, fleet.Routers["hq-gw"].Role)
	assert.Equal(t, "hq", fleet.Routers["hq-gw"].Location)
}

func TestLoadFleet_YAMLMetadataLayersOverJSON(t *testing.T) {
	dir := t.TempDir()
	writeFleet(t, dir)
	jsonMeta := `{"role": "gateway", "location": "hq"}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hq-gw_metadata.json"), []byte(jsonMeta), 0644))
	yamlMeta := "location: branch-office\nvendor: cisco\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hq-gw_metadata.yaml"), []byte(yamlMeta), 0644))

	fleet, err := LoadFleet(dir)
	require.NoError(t, err)
	r := fleet.Routers["hq-gw"]
	assert.Equal(t, RoleGateway, r.Role)          // from JSON, untouched by YAML
	assert.Equal(t, "branch-office", r.Location)  // YAML overrides JSON's "hq"
	assert.Equal(t, "cisco", r.Vendor)            // YAML-only field
}

func TestLoadFleet_RejectsUnknownStanza(t *testing.T) {
	dir := t.TempDir()
	bad := `{"interfaces": [], "bogus_field": true}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "r1.json"), []byte(bad), 0644))

	_, err := LoadFleet(dir)
	assert.Error(t, err)
}

func TestLoadFleet_RejectsUnknownMatchSetRef(t *testing.T) {
	dir := t.TempDir()
	bad := `{
		"interfaces": [],
		"routing_tables": {},
		"policy_rules": [],
		"iptables_save": "*filter\n:FORWARD ACCEPT [0:0]\n-A FORWARD -m set --match-set nope src -j DROP\nCOMMIT\n",
		"ipset_save": ""
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "r1.json"), []byte(bad), 0644))

	_, err := LoadFleet(dir)
	assert.Error(t, err)
}

func TestLoadFleet_AssignsUniqueRuleIndicesPerChain(t *testing.T) {
	// Indices are assigned densely by parse order per (table,chain); this test
	// documents that invariant rather than trying to force a collision via
	// iptables-save text (which cannot express duplicate indices directly).
	dir := t.TempDir()
	writeFleet(t, dir)
	fleet, err := LoadFleet(dir)
	require.NoError(t, err)
	rules := fleet.Routers["hq-gw"].Rules[TableFilter]["FORWARD"]
	seen := map[int]bool{}
	for _, r := range rules {
		assert.False(t, seen[r.Index], "duplicate index %d", r.Index)
		seen[r.Index] = true
	}
}

func TestFleet_OwnerOfIPAndSubnet(t *testing.T) {
	dir := t.TempDir()
	writeFleet(t, dir)
	fleet, err := LoadFleet(dir)
	require.NoError(t, err)

	router, iface, ok := fleet.OwnerOfIP("10.1.1.1")
	require.True(t, ok)
	assert.Equal(t, "hq-gw", router)
	assert.Equal(t, "eth0", iface)

	owners := fleet.RoutersOnSubnet("10.1.2.50")
	require.Len(t, owners, 1)
	assert.Equal(t, "hq-gw", owners[0].Router)
}

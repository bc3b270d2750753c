// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package facts

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"grimm.is/tsim/internal/errors"
)

// router.json on-disk shape.
type routerFile struct {
	Interfaces    []Interface     `json:"interfaces"`
	RoutingTables map[int][]Route `json:"routing_tables"`
	PolicyRules   []PolicyRule    `json:"policy_rules"`
	IptablesSave  string          `json:"iptables_save"`
	IpsetSave     string          `json:"ipset_save"`
}

type metadataFile struct {
	Linux             *bool  `json:"linux" yaml:"linux"`
	Type              string `json:"type" yaml:"type"`
	Location          string `json:"location" yaml:"location"`
	Role              string `json:"role" yaml:"role"`
	Vendor            string `json:"vendor" yaml:"vendor"`
	Manageable        *bool  `json:"manageable" yaml:"manageable"`
	AnsibleController *bool  `json:"ansible_controller" yaml:"ansible_controller"`
}

// LoadFleet loads every <router>.json (and optional <router>_metadata.json)
// file under factsDir, validates it, and returns the indexed Fleet.
//
// Parsing is strict: an unknown top-level stanza in router.json is an error,
// a malformed CIDR is an error, duplicate iptables rule indices within one
// (table, chain) are an error, and a match-set reference to an undeclared
// ipset is an error.
func LoadFleet(factsDir string) (*Fleet, error) {
	entries, err := os.ReadDir(factsDir)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindFacts, "read facts dir %s", factsDir)
	}

	fleet := &Fleet{
		Routers:     make(map[string]*Router),
		ipOwner:     make(map[string]ifaceOwner),
		subnetOwner: make(map[string][]ifaceOwner),
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") || strings.HasSuffix(e.Name(), "_metadata.json") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".json")
		r, err := loadRouter(factsDir, name)
		if err != nil {
			return nil, errors.Wrapf(err, errors.KindFacts, "load router %s", name)
		}
		fleet.Routers[name] = r
	}

	if len(fleet.Routers) == 0 {
		return nil, errors.Errorf(errors.KindFacts, "no router facts found under %s", factsDir)
	}

	fleet.buildIndices()
	return fleet, nil
}

func loadRouter(factsDir, name string) (*Router, error) {
	raw, err := os.ReadFile(filepath.Join(factsDir, name+".json"))
	if err != nil {
		return nil, err
	}

	var unknownCheck map[string]json.RawMessage
	if err := json.Unmarshal(raw, &unknownCheck); err != nil {
		return nil, fmt.Errorf("malformed json: %w", err)
	}
	for k := range unknownCheck {
		switch k {
		case "interfaces", "routing_tables", "policy_rules", "iptables_save", "ipset_save":
		default:
			return nil, fmt.Errorf("unknown stanza %q", k)
		}
	}

	var rf routerFile
	if err := json.Unmarshal(raw, &rf); err != nil {
		return nil, fmt.Errorf("malformed router facts: %w", err)
	}

	for _, iface := range rf.Interfaces {
		for _, a := range iface.Addresses {
			if net.ParseIP(a.IP) == nil {
				return nil, fmt.Errorf("interface %s: malformed address %q", iface.Name, a.IP)
			}
		}
	}
	for table, routes := range rf.RoutingTables {
		for _, rt := range routes {
			if rt.Destination == "" {
				rt.Destination = "0.0.0.0/0"
			}
			if _, _, err := net.ParseCIDR(rt.Destination); err != nil {
				return nil, fmt.Errorf("table %d: malformed destination %q", table, rt.Destination)
			}
		}
	}

	r := &Router{
		Name:          name,
		Metadata:      DefaultMetadata(),
		Interfaces:    rf.Interfaces,
		RoutingTables: rf.RoutingTables,
		PolicyRules:   rf.PolicyRules,
		Ipsets:        make(map[string]Set),
		Rules:         make(map[TableName]map[string][]IptablesRule),
		ChainPolicy:   make(map[TableName]map[string]Target),
		IptablesSaveRaw: rf.IptablesSave,
		IpsetSaveRaw:    rf.IpsetSave,
	}
	if r.RoutingTables == nil {
		r.RoutingTables = make(map[int][]Route)
	}

	sort.Slice(r.PolicyRules, func(i, j int) bool { return r.PolicyRules[i].Priority < r.PolicyRules[j].Priority })

	if err := parseIpsetSave(r, rf.IpsetSave); err != nil {
		return nil, err
	}
	if err := parseIptablesSave(r, rf.IptablesSave); err != nil {
		return nil, err
	}
	if err := validateMatchSetRefs(r); err != nil {
		return nil, err
	}

	if err := applyMetadataFile(factsDir, name, r, ".json", json.Unmarshal); err != nil {
		return nil, err
	}
	// A <router>_metadata.yaml layers on top of the JSON form when present,
	// the same "secondary accepted form" precedence the teacher gives YAML
	// alongside HCL in its own config loading.
	if err := applyMetadataFile(factsDir, name, r, ".yaml", yaml.Unmarshal); err != nil {
		return nil, err
	}

	return r, nil
}

func applyMetadataFile(factsDir, name string, r *Router, ext string, unmarshal func([]byte, any) error) error {
	path := filepath.Join(factsDir, name+"_metadata"+ext)
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var mf metadataFile
	if err := unmarshal(raw, &mf); err != nil {
		return fmt.Errorf("malformed metadata %s: %w", path, err)
	}
	if mf.Linux != nil {
		r.Linux = *mf.Linux
	}
	if mf.Type != "" {
		r.Type = mf.Type
	}
	if mf.Location != "" {
		r.Location = mf.Location
	}
	if mf.Role != "" {
		r.Role = Role(mf.Role)
	}
	if mf.Vendor != "" {
		r.Vendor = mf.Vendor
	}
	if mf.Manageable != nil {
		r.Manageable = *mf.Manageable
	}
	if mf.AnsibleController != nil {
		r.AnsibleController = *mf.AnsibleController
	}
	return nil
}

func validateMatchSetRefs(r *Router) error {
	for _, chains := range r.Rules {
		for _, rules := range chains {
			for _, rule := range rules {
				for _, ms := range rule.MatchSets {
					if _, ok := r.Ipsets[ms.Name]; !ok {
						return fmt.Errorf("rule references unknown ipset %q", ms.Name)
					}
				}
			}
		}
	}
	return nil
}

// buildIndices computes ip -> owner and subnet -> owners maps across the
// whole fleet, used by the Path Planner and Routing Engine's "local
// delivery" / "directly connected" checks.
func (f *Fleet) buildIndices() {
	for rname, r := range f.Routers {
		for _, iface := range r.Interfaces {
			for _, a := range iface.Addresses {
				owner := ifaceOwner{Router: rname, Interface: iface.Name}
				f.ipOwner[a.IP] = owner

				if ipnet := cidrOf(a); ipnet != "" {
					owner.CIDR = ipnet
					f.subnetOwner[ipnet] = append(f.subnetOwner[ipnet], owner)
				}
			}
		}
	}
}

func cidrOf(a Address) string {
	ip := net.ParseIP(a.IP)
	if ip == nil || a.Prefix == 0 {
		return ""
	}
	_, ipnet, err := net.ParseCIDR(fmt.Sprintf("%s/%d", a.IP, a.Prefix))
	if err != nil {
		return ""
	}
	return ipnet.String()
}

// OwnerOfIP returns the router and interface that has ip configured, if any.
func (f *Fleet) OwnerOfIP(ip string) (router, iface string, ok bool) {
	o, ok := f.ipOwner[ip]
	return o.Router, o.Interface, ok
}

// RoutersOnSubnet returns every (router, interface) with an address on the
// same subnet as ip, used to find the next hop after a route lookup returns
// a directly-connected gateway/dest.
func (f *Fleet) RoutersOnSubnet(ip string) []struct{ Router, Interface string } {
	var out []struct{ Router, Interface string }
	target := net.ParseIP(ip)
	if target == nil {
		return out
	}
	for cidr, owners := range f.subnetOwner {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil || !ipnet.Contains(target) {
			continue
		}
		for _, o := range owners {
			out = append(out, struct{ Router, Interface string }{o.Router, o.Interface})
		}
	}
	return out
}

func atoiDefault(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

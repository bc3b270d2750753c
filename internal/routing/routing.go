// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package routing implements per-router policy-based longest-prefix-match
// forwarding decisions.
package routing

import (
	"net"

	"grimm.is/tsim/internal/facts"
)

// Decision is the outcome of Forward: either a next hop plus egress
// interface, local delivery, or NoRoute.
type Decision struct {
	NoRoute  bool
	Local    bool // dst matches a configured interface address
	NextHop  string
	OutIface string
}

// Forward selects a routing table via policy rules (first match wins, in
// Priority order), then performs longest-prefix match within that table.
// Ties are broken by lowest metric, then by route insertion order.
func Forward(router *facts.Router, tuple facts.PacketTuple) Decision {
	if local := localDeliveryIface(router, tuple.DstIP); local != "" {
		return Decision{Local: true, OutIface: local}
	}

	table := selectTable(router, tuple)
	routes := router.RoutingTables[table]
	route, ok := longestPrefixMatch(routes, tuple.DstIP)
	if !ok {
		return Decision{NoRoute: true}
	}

	if route.Gateway != "" {
		return Decision{NextHop: route.Gateway, OutIface: route.Device}
	}
	// Directly connected: the destination IP itself is the next hop.
	return Decision{NextHop: tuple.DstIP, OutIface: route.Device}
}

func localDeliveryIface(router *facts.Router, dst string) string {
	for _, iface := range router.Interfaces {
		for _, a := range iface.Addresses {
			if a.IP == dst {
				return iface.Name
			}
		}
	}
	return ""
}

// selectTable walks PolicyRules in priority order (callers load them
// pre-sorted by facts.LoadFleet) and returns the first match's table, or
// the main table (254) if no policy rule matches.
func selectTable(router *facts.Router, tuple facts.PacketTuple) int {
	for _, pr := range router.PolicyRules {
		if pr.From != "" && !cidrContains(pr.From, tuple.SrcIP) {
			continue
		}
		if pr.To != "" && !cidrContains(pr.To, tuple.DstIP) {
			continue
		}
		if pr.FWMark != 0 && pr.FWMark != tuple.FWMark {
			continue
		}
		if pr.TOS != 0 && pr.TOS != tuple.DSCP {
			continue
		}
		if pr.IIF != "" && pr.IIF != tuple.InIface {
			continue
		}
		if pr.OIF != "" && pr.OIF != tuple.OutIface {
			continue
		}
		return pr.Table
	}
	return 254
}

func cidrContains(cidr, ip string) bool {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return false
	}
	parsed := net.ParseIP(ip)
	return parsed != nil && ipnet.Contains(parsed)
}

// longestPrefixMatch returns the route with the longest matching prefix,
// breaking ties by lowest metric then by original list order.
func longestPrefixMatch(routes []facts.Route, dst string) (facts.Route, bool) {
	target := net.ParseIP(dst)
	if target == nil {
		return facts.Route{}, false
	}

	bestIdx := -1
	bestOnes := -1
	bestMetric := 0
	for i, r := range routes {
		dest := r.Destination
		if dest == "" {
			dest = "0.0.0.0/0"
		}
		_, ipnet, err := net.ParseCIDR(dest)
		if err != nil || !ipnet.Contains(target) {
			continue
		}
		ones, _ := ipnet.Mask.Size()
		switch {
		case ones > bestOnes:
			bestIdx, bestOnes, bestMetric = i, ones, r.Metric
		case ones == bestOnes && r.Metric < bestMetric:
			bestIdx, bestMetric = i, r.Metric
		}
	}
	if bestIdx == -1 {
		return facts.Route{}, false
	}
	return routes[bestIdx], true
}

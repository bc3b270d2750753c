// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package engine

import (
	"net"
	"sort"
	"strconv"
	"strings"

	"grimm.is/tsim/internal/facts"
)

// dimensionMembers returns, for every member of set, just the dimIndex'th
// comma-separated component. A single-dimension set's members pass through
// unsplit.
func dimensionMembers(set facts.Set, dimIndex, dimCount int) []string {
	if dimCount <= 1 {
		return set.Members
	}
	out := make([]string, 0, len(set.Members))
	for _, m := range set.Members {
		parts := strings.Split(m, ",")
		if dimIndex < len(parts) {
			out = append(out, strings.TrimSpace(parts[dimIndex]))
		}
	}
	return out
}

func memberExact(members []string, elem string) bool {
	for _, m := range members {
		if m == elem {
			return true
		}
	}
	return false
}

// memberLongestPrefix tests elem (a bare IP) for containment in any member
// CIDR of members, trying the most specific (longest) prefix first so the
// caller's short-circuit semantics match a real ipset hash:net lookup.
func memberLongestPrefix(members []string, elem string) bool {
	ip := net.ParseIP(elem)
	if ip == nil {
		return false
	}

	type candidate struct {
		ones int
		net  *net.IPNet
	}
	var candidates []candidate
	for _, m := range members {
		cidr := m
		if !strings.Contains(cidr, "/") {
			cidr += "/32"
		}
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		ones, _ := ipnet.Mask.Size()
		candidates = append(candidates, candidate{ones: ones, net: ipnet})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ones > candidates[j].ones })
	for _, c := range candidates {
		if c.net.Contains(ip) {
			return true
		}
	}
	return false
}

func memberPortRange(members []string, elem string) bool {
	port, err := strconv.Atoi(elem)
	if err != nil {
		return false
	}
	for _, m := range members {
		if strings.Contains(m, "-") {
			parts := strings.SplitN(m, "-", 2)
			lo, err1 := strconv.Atoi(parts[0])
			hi, err2 := strconv.Atoi(parts[1])
			if err1 == nil && err2 == nil && port >= lo && port <= hi {
				return true
			}
			continue
		}
		if p, err := strconv.Atoi(m); err == nil && p == port {
			return true
		}
	}
	return false
}

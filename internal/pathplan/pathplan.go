// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package pathplan computes the forward path a packet would take across a
// fleet of routers without evaluating any iptables chain.
package pathplan

import (
	"fmt"

	tsimerrors "grimm.is/tsim/internal/errors"
	"grimm.is/tsim/internal/facts"
	"grimm.is/tsim/internal/routing"
)

// DefaultHopCap bounds path length so a misconfigured fleet can't spin the
// planner forever.
const DefaultHopCap = 30

// Hop is one router traversal of the computed path.
type Hop struct {
	Router   string
	InIface  string
	OutIface string
	NextHop  string
}

// Path is the ordered list of hops from S's attach router to D's.
type Path struct {
	Hops []Hop
}

// Routers returns the distinct router names the path crosses, in order.
func (p Path) Routers() []string {
	out := make([]string, 0, len(p.Hops))
	seen := make(map[string]bool, len(p.Hops))
	for _, h := range p.Hops {
		if !seen[h.Router] {
			seen[h.Router] = true
			out = append(out, h.Router)
		}
	}
	return out
}

// PlanPath locates the router owning S, then repeatedly
// apply the Routing Engine and follow next-hop IPs across the shared-subnet
// index until a router owning D is reached, the fleet edge is hit, a loop
// is detected, or Forward reports no route.
func PlanPath(fleet *facts.Fleet, src, dst string, hopCap int) (Path, error) {
	if hopCap <= 0 {
		hopCap = DefaultHopCap
	}

	startRouter, attachIface, ok := fleet.OwnerOfIP(src)
	if !ok {
		return Path{}, tsimerrors.New(tsimerrors.KindPath, fmt.Sprintf("no router owns source %s", src))
	}

	var hops []Hop
	visited := make(map[string]bool)
	currentRouter := startRouter
	currentIn := attachIface
	tuple := facts.PacketTuple{SrcIP: src, DstIP: dst, Proto: "icmp", InIface: attachIface}

	// transitions counts router-to-router crossings (hopCap's actual unit);
	// the loop itself may run one extra pass beyond that to discover that
	// the last router delivers directly to an unowned leaf host, which
	// costs no further hop budget.
	transitions := 0
	for {
		if transitions > hopCap {
			return Path{}, tsimerrors.New(tsimerrors.KindPath, fmt.Sprintf("hop cap %d exceeded planning %s -> %s", hopCap, src, dst))
		}
		router, ok := fleet.Routers[currentRouter]
		if !ok {
			return Path{}, tsimerrors.New(tsimerrors.KindPath, fmt.Sprintf("router %q vanished mid-plan", currentRouter))
		}

		if ownsAddress(router, dst) {
			return Path{Hops: hops}, nil
		}

		decision := routing.Forward(router, tuple)
		if decision.NoRoute {
			err := tsimerrors.New(tsimerrors.KindPath, fmt.Sprintf("blackhole at %s: no route to %s", currentRouter, dst))
			err = tsimerrors.Attr(err, "kind", "blackhole")
			return Path{}, tsimerrors.Attr(err, "router", currentRouter)
		}
		if decision.Local {
			return Path{Hops: hops}, nil
		}

		key := currentRouter + "|" + decision.OutIface
		if visited[key] {
			err := tsimerrors.New(tsimerrors.KindPath, fmt.Sprintf("loop detected at %s via %s", currentRouter, decision.OutIface))
			err = tsimerrors.Attr(err, "kind", "loop")
			return Path{}, tsimerrors.Attr(err, "router", currentRouter)
		}
		visited[key] = true

		hops = append(hops, Hop{Router: currentRouter, InIface: currentIn, OutIface: decision.OutIface, NextHop: decision.NextHop})

		nextRouter, nextIface, ok := fleet.OwnerOfIP(decision.NextHop)
		if !ok {
			// A directly-connected route with no gateway sets NextHop to dst
			// itself — a directly-connected route has no real gateway — when that
			// IP isn't any router's own address, dst is an end host sitting
			// on this router's attached LAN, not another fleet member — the
			// path terminates here, delivered out decision.OutIface.
			if decision.NextHop == dst {
				return Path{Hops: hops}, nil
			}
			err := tsimerrors.New(tsimerrors.KindPath, fmt.Sprintf("path reaches the fleet edge beyond %s", currentRouter))
			return Path{}, tsimerrors.Attr(err, "kind", "edge")
		}

		transitions++
		currentRouter = nextRouter
		currentIn = nextIface
		tuple.InIface = nextIface
	}
}

func ownsAddress(router *facts.Router, ip string) bool {
	for _, iface := range router.Interfaces {
		for _, a := range iface.Addresses {
			if a.IP == ip {
				return true
			}
		}
	}
	return false
}

// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package engine

import "grimm.is/tsim/internal/facts"

// assumedPacketBytes is used for counter increments when a probe's exact
// wire length is not known (symbolic simulation mode); live-fabric mode
// updates counters from the real kernel instead of via this chain walk.
const assumedPacketBytes = 64

// Chain walks chain's rules in index order against tuple, incrementing the
// packet/byte counters of every rule whose predicates fully match, and
// returns the first terminal verdict reached (or the chain's default
// policy if every rule falls through).
func Chain(router *facts.Router, table facts.TableName, chain string, tuple facts.PacketTuple, resolve SetResolver) Verdict {
	rules := router.Rules[table][chain]
	for i := range rules {
		rule := &rules[i]
		if !Match(*rule, tuple, resolve) {
			continue
		}
		rule.Counters.Packets++
		rule.Counters.Bytes += assumedPacketBytes

		res := resultFor(*rule)
		switch res.Verdict {
		case VerdictNext:
			continue
		case VerdictJump:
			sub := Chain(router, table, res.Chain, tuple, resolve)
			if sub == VerdictAccept || sub == VerdictDrop || sub == VerdictReject {
				return sub
			}
			continue
		default:
			return res.Verdict
		}
	}
	if policy, ok := router.ChainPolicy[table][chain]; ok {
		return Verdict(policy)
	}
	return VerdictAccept
}

// ipsetResolver answers match-set queries against one router's
// verbatim-loaded ipsets: exact membership for an ip/mac/iface dimension,
// longest-prefix-first containment for a net dimension, inclusion-in-range
// for a port dimension. A multi-dimensional set's members are stored
// ipset-save-verbatim, comma-joined per declared dimension (e.g.
// "10.1.0.0/16,wg0" for a hash:net,iface member), so each dimension's
// check only ever looks at its own slice of every member.
type ipsetResolver struct {
	router *facts.Router
}

// NewIpsetResolver returns a SetResolver backed by router's loaded ipsets.
func NewIpsetResolver(router *facts.Router) SetResolver {
	return ipsetResolver{router: router}
}

func (r ipsetResolver) Dims(setName string) []string {
	set, ok := r.router.Ipsets[setName]
	if !ok {
		return nil
	}
	return set.Type.Dimensions()
}

func (r ipsetResolver) Member(setName string, dimIndex int, elem string) bool {
	set, ok := r.router.Ipsets[setName]
	if !ok {
		return false
	}
	dims := set.Type.Dimensions()
	kind := "ip"
	if dimIndex < len(dims) {
		kind = dims[dimIndex]
	}
	members := dimensionMembers(set, dimIndex, len(dims))
	switch kind {
	case "net":
		return memberLongestPrefix(members, elem)
	case "port":
		return memberPortRange(members, elem)
	default: // ip, iface, mac
		return memberExact(members, elem)
	}
}

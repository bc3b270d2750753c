// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package engine evaluates a single FORWARD/INPUT/OUTPUT rule, or a whole
// chain, against a packet tuple.
package engine

import (
	"net"
	"strconv"
	"strings"

	"grimm.is/tsim/internal/facts"
)

// Verdict is the terminal or continuation result of evaluating one rule.
type Verdict string

const (
	VerdictAccept   Verdict = "ACCEPT"
	VerdictDrop     Verdict = "DROP"
	VerdictReject   Verdict = "REJECT"
	VerdictNext     Verdict = "NEXT" // continue to the next rule
	VerdictJump     Verdict = "JUMP"
)

// Result is the outcome of matching one rule.
type Result struct {
	Verdict Verdict
	Chain   string // populated when Verdict == VerdictJump
}

// SetResolver answers ipset match-set membership queries against one
// router's loaded ipsets. Dims returns a set's per-dimension field kinds
// (see facts.SetType.Dimensions) so matchSet can decide which tuple field
// each dimension of a multi-dimensional set actually compares against.
// Member tests a single dimension's already-extracted element (an IP,
// port, or interface name) against dimIndex of setName.
type SetResolver interface {
	Dims(setName string) []string
	Member(setName string, dimIndex int, elem string) bool
}

// Match evaluates a single rule's predicates against tuple, short-circuiting
// on the first mismatch. Predicates are a tagged union in spirit — each
// field on facts.IptablesRule is one Predicate variant — but are stored as
// plain struct fields since Go rules are parsed directly off iptables-save
// text rather than constructed as an AST.
func Match(rule facts.IptablesRule, tuple facts.PacketTuple, resolve SetResolver) bool {
	if !matchProto(rule.Proto, tuple.Proto) {
		return false
	}
	if rule.SrcCIDR != "" && !matchCIDR(rule.SrcCIDR, tuple.SrcIP) {
		return false
	}
	if rule.DstCIDR != "" && !matchCIDR(rule.DstCIDR, tuple.DstIP) {
		return false
	}
	if !matchPortRange(rule.SrcPort, tuple.SrcPort) {
		return false
	}
	if !matchPortRange(rule.DstPort, tuple.DstPort) {
		return false
	}
	if rule.InIface != "" && rule.InIface != tuple.InIface {
		return false
	}
	if rule.OutIface != "" && rule.OutIface != tuple.OutIface {
		return false
	}
	if rule.DSCP != nil && *rule.DSCP != tuple.DSCP {
		return false
	}
	if rule.Mark != nil && *rule.Mark != tuple.FWMark {
		return false
	}
	for _, ms := range rule.MatchSets {
		if !matchSet(ms, tuple, resolve) {
			return false
		}
	}
	return true
}

func matchProto(ruleProto, pktProto string) bool {
	if ruleProto == "" {
		return true
	}
	return strings.EqualFold(ruleProto, pktProto)
}

func matchCIDR(cidr, ip string) bool {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return false
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	return ipnet.Contains(parsed)
}

func matchPortRange(pr *facts.PortRange, port int) bool {
	if pr == nil {
		return true
	}
	return port >= pr.Low && port <= pr.High
}

// matchSet dispatches to the resolver once per declared direction. A
// multi-dimensional set type (hash:ip,port, hash:net,iface, ...) is a
// conjunction of its per-dimension checks; each dimension's kind (from
// Dims) decides which tuple field that dimension's check runs against, so
// the iface dimension of hash:net,iface is compared against InIface/
// OutIface instead of being treated as another IP-containment check.
func matchSet(ms facts.MatchSetRef, tuple facts.PacketTuple, resolve SetResolver) bool {
	dims := resolve.Dims(ms.Name)
	for i, dir := range ms.Dirs {
		kind := "ip"
		if i < len(dims) {
			kind = dims[i]
		}
		if !resolve.Member(ms.Name, i, dimensionElem(kind, dir, tuple)) {
			return false
		}
	}
	return true
}

// dimensionElem extracts the tuple field one match-set dimension compares
// against. "src"/"dst" mean source/destination address for an ip, net or
// mac dimension, source/destination port for a port dimension, and the
// packet's in/out interface for an iface dimension.
func dimensionElem(kind, dir string, tuple facts.PacketTuple) string {
	switch kind {
	case "iface":
		if dir == "dst" {
			return tuple.OutIface
		}
		return tuple.InIface
	case "port":
		if dir == "dst" {
			return strconv.Itoa(tuple.DstPort)
		}
		return strconv.Itoa(tuple.SrcPort)
	case "mac":
		// PacketTuple carries no MAC address; a mac dimension never
		// matches rather than silently comparing an IP against it.
		return ""
	default: // ip, net
		if dir == "dst" {
			return tuple.DstIP
		}
		return tuple.SrcIP
	}
}

// resultFor maps a rule's Target to a Result, independent of any set lookup.
func resultFor(rule facts.IptablesRule) Result {
	switch rule.Target {
	case facts.TargetAccept:
		return Result{Verdict: VerdictAccept}
	case facts.TargetDrop:
		return Result{Verdict: VerdictDrop}
	case facts.TargetReject:
		return Result{Verdict: VerdictReject}
	case facts.TargetJump:
		return Result{Verdict: VerdictJump, Chain: rule.JumpChain}
	default:
		// LOG, MARK, DSCP-set, MASQUERADE/SNAT/DNAT all continue evaluation;
		// NAT rewriting in the symbolic path is out of scope.
		return Result{Verdict: VerdictNext}
	}
}

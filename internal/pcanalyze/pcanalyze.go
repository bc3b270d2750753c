// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package pcanalyze implements the Packet-Count Analyzer: given two
// iptables counter snapshots of the same router taken around a probe, it
// attributes the observed Δpackets to the single rule that actually fired.
package pcanalyze

import (
	"sort"

	"grimm.is/tsim/internal/engine"
	"grimm.is/tsim/internal/facts"
)

// Mode selects which terminal verdict AnalyzeDelta looks for.
type Mode string

const (
	ModeBlocking Mode = "blocking" // DROP/REJECT with the largest Δpackets>0
	ModeAllowing Mode = "allowing" // ACCEPT with the largest Δpackets>0
)

// Match is the attributed rule, or the zero value with Matched=false when
// every candidate had Δpackets == 0.
type Match struct {
	Matched  bool
	Table    facts.TableName
	Chain    string
	Index    int
	Delta    uint64
	RuleText string
}

// Snapshot is router.Rules at one point in time, keyed exactly like
// facts.Router.Rules (table -> chain -> ordered rules with Counters set).
type Snapshot map[facts.TableName]map[string][]facts.IptablesRule

// SnapshotOf copies the counter-bearing rule set out of router so the
// caller can take a "before" and "after" pair around a probe.
func SnapshotOf(router *facts.Router) Snapshot {
	snap := make(Snapshot, len(router.Rules))
	for table, chains := range router.Rules {
		snap[table] = make(map[string][]facts.IptablesRule, len(chains))
		for chain, rules := range chains {
			cp := make([]facts.IptablesRule, len(rules))
			copy(cp, rules)
			snap[table][chain] = cp
		}
	}
	return snap
}

// AnalyzeDelta computes Δpackets = after - before for every rule, filters
// to rules whose predicates match tuple (DSCP included, so concurrent jobs
// using distinct DSCP allocations never attribute to each other's rule),
// and returns the rule satisfying mode ranked by Δpackets desc then by
// chain traversal order (table/chain/index).
func AnalyzeDelta(router *facts.Router, before, after Snapshot, tuple facts.PacketTuple, mode Mode) Match {
	resolve := engine.NewIpsetResolver(router)

	var wantVerdicts map[facts.Target]bool
	switch mode {
	case ModeBlocking:
		wantVerdicts = map[facts.Target]bool{facts.TargetDrop: true, facts.TargetReject: true}
	case ModeAllowing:
		wantVerdicts = map[facts.Target]bool{facts.TargetAccept: true}
	}

	type candidate struct {
		table facts.TableName
		chain string
		index int
		delta uint64
		text  string
	}
	var candidates []candidate

	for table, chains := range after {
		beforeChains := before[table]
		for chain, rules := range chains {
			beforeRules := beforeChains[chain]
			for i, rule := range rules {
				if !wantVerdicts[rule.Target] {
					continue
				}
				if !engine.Match(rule, tuple, resolve) {
					continue
				}
				var beforePkts uint64
				if i < len(beforeRules) {
					beforePkts = beforeRules[i].Counters.Packets
				}
				if rule.Counters.Packets <= beforePkts {
					continue
				}
				candidates = append(candidates, candidate{
					table: table,
					chain: chain,
					index: i,
					delta: rule.Counters.Packets - beforePkts,
					text:  rule.RuleText,
				})
			}
		}
	}

	if len(candidates) == 0 {
		return Match{}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].delta != candidates[j].delta {
			return candidates[i].delta > candidates[j].delta
		}
		if candidates[i].table != candidates[j].table {
			return candidates[i].table < candidates[j].table
		}
		if candidates[i].chain != candidates[j].chain {
			return candidates[i].chain < candidates[j].chain
		}
		return candidates[i].index < candidates[j].index
	})

	top := candidates[0]
	return Match{
		Matched:  true,
		Table:    top.table,
		Chain:    top.chain,
		Index:    top.index,
		Delta:    top.delta,
		RuleText: top.text,
	}
}

// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package pcanalyze

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"grimm.is/tsim/internal/facts"
)

func ruleRouter(packetsBefore, packetsAfter []uint64, targets []facts.Target) *facts.Router {
	rules := make([]facts.IptablesRule, len(targets))
	for i, tgt := range targets {
		rules[i] = facts.IptablesRule{
			Table:    facts.TableFilter,
			Chain:    "FORWARD",
			Index:    i,
			Proto:    "tcp",
			DstPort:  &facts.PortRange{Low: 80, High: 80},
			Target:   tgt,
			RuleText: "-A FORWARD -p tcp --dport 80",
			Counters: facts.Counter{Packets: packetsAfter[i]},
		}
	}
	r := &facts.Router{
		Name: "r1",
		Rules: map[facts.TableName]map[string][]facts.IptablesRule{
			facts.TableFilter: {"FORWARD": rules},
		},
	}
	return r
}

func snapshotWithCounts(router *facts.Router, packets []uint64) Snapshot {
	snap := SnapshotOf(router)
	for i := range snap[facts.TableFilter]["FORWARD"] {
		snap[facts.TableFilter]["FORWARD"][i].Counters.Packets = packets[i]
	}
	return snap
}

func probeTuple() facts.PacketTuple {
	return facts.PacketTuple{SrcIP: "10.0.0.1", DstIP: "10.0.0.2", Proto: "tcp", DstPort: 80}
}

func TestAnalyzeDelta_BlockingPicksFirstDropWithPositiveDelta(t *testing.T) {
	router := ruleRouter(nil, []uint64{10, 25}, []facts.Target{facts.TargetAccept, facts.TargetDrop})
	before := snapshotWithCounts(router, []uint64{10, 20})
	after := SnapshotOf(router)

	m := AnalyzeDelta(router, before, after, probeTuple(), ModeBlocking)
	assert.True(t, m.Matched)
	assert.Equal(t, 1, m.Index)
	assert.Equal(t, uint64(5), m.Delta)
}

func TestAnalyzeDelta_AllowingPicksAcceptRule(t *testing.T) {
	router := ruleRouter(nil, []uint64{15, 20}, []facts.Target{facts.TargetAccept, facts.TargetDrop})
	before := snapshotWithCounts(router, []uint64{10, 20})
	after := SnapshotOf(router)

	m := AnalyzeDelta(router, before, after, probeTuple(), ModeAllowing)
	assert.True(t, m.Matched)
	assert.Equal(t, 0, m.Index)
	assert.Equal(t, uint64(5), m.Delta)
}

func TestAnalyzeDelta_NoneWhenNoCounterMoved(t *testing.T) {
	router := ruleRouter(nil, []uint64{10, 20}, []facts.Target{facts.TargetAccept, facts.TargetDrop})
	before := snapshotWithCounts(router, []uint64{10, 20})
	after := SnapshotOf(router)

	m := AnalyzeDelta(router, before, after, probeTuple(), ModeBlocking)
	assert.False(t, m.Matched)
}

func TestAnalyzeDelta_RanksHighestDeltaFirstAmongMultipleCandidates(t *testing.T) {
	router := ruleRouter(nil, []uint64{30, 50}, []facts.Target{facts.TargetDrop, facts.TargetDrop})
	before := snapshotWithCounts(router, []uint64{10, 10})
	after := SnapshotOf(router)

	m := AnalyzeDelta(router, before, after, probeTuple(), ModeBlocking)
	assert.True(t, m.Matched)
	assert.Equal(t, 1, m.Index)
	assert.Equal(t, uint64(40), m.Delta)
}

func TestAnalyzeDelta_DSCPDisambiguatesConcurrentJobs(t *testing.T) {
	dscpA := uint8(10)
	dscpB := uint8(20)
	router := &facts.Router{
		Name: "r1",
		Rules: map[facts.TableName]map[string][]facts.IptablesRule{
			facts.TableFilter: {"FORWARD": {
				{Table: facts.TableFilter, Chain: "FORWARD", Index: 0, Proto: "tcp", DSCP: &dscpA, Target: facts.TargetDrop, Counters: facts.Counter{Packets: 15}},
				{Table: facts.TableFilter, Chain: "FORWARD", Index: 1, Proto: "tcp", DSCP: &dscpB, Target: facts.TargetDrop, Counters: facts.Counter{Packets: 15}},
			}},
		},
	}
	before := snapshotWithCounts(router, []uint64{10, 10})
	after := SnapshotOf(router)

	tuple := probeTuple()
	tuple.DSCP = dscpB
	m := AnalyzeDelta(router, before, after, tuple, ModeBlocking)
	assert.True(t, m.Matched)
	assert.Equal(t, 1, m.Index)
}

// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package orchestrator implements the Reachability Orchestrator: the
// fixed five-phase pipeline that turns one job into a Report.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"grimm.is/tsim/internal/errors"
	"grimm.is/tsim/internal/facts"
	"grimm.is/tsim/internal/hostregistry"
	"grimm.is/tsim/internal/logging"
	"grimm.is/tsim/internal/pathplan"
	"grimm.is/tsim/internal/pcanalyze"
	"grimm.is/tsim/internal/svcrunner"
)

var log = logging.WithComponent("orchestrator")

// PortProto is one (port, proto) pair a job wants tested.
type PortProto struct {
	Port  int    `json:"port"`
	Proto string `json:"proto"`
}

// Job is one reachability request, the unit the scheduler queues and the
// orchestrator executes.
type Job struct {
	RunID         string      `json:"run_id"`
	SourceIP      string      `json:"source_ip"`
	SourcePort    int         `json:"source_port,omitempty"`
	DestIP        string      `json:"dest_ip"`
	Ports         []PortProto `json:"port_protocol_list"`
	Mode          string      `json:"analysis_mode"` // "quick"|"detailed"
	TraceJSON     *pathplan.Path `json:"trace,omitempty"`
	DSCP          uint8       `json:"dscp,omitempty"`
	ProbeTimeout  time.Duration
	OverallDeadline time.Duration
}

// ConnectivityTest is one leg of connectivity_tests in the Report.
type ConnectivityTest struct {
	Success     bool   `json:"success"`
	Description string `json:"description"`
	ReturnCode  int    `json:"return_code"`
}

// NetworkHop is one entry in network_path.
type NetworkHop struct {
	Router  string `json:"router"`
	InIface string `json:"incoming_iface"`
	InIP    string `json:"incoming_ip"`
	OutIface string `json:"outgoing_iface"`
	OutIP   string `json:"outgoing_ip"`
}

// BlockingRouter is one entry in blocking_analysis.blocking_routers.
type BlockingRouter struct {
	Router        string `json:"router"`
	RuleText      string `json:"rule_text"`
	Chain         string `json:"chain"`
	RuleNumber    int    `json:"rule_number"`
	Action        string `json:"action"`
	PacketsBlocked uint64 `json:"packets_blocked"`
}

// BlockingAnalysis is the blocking_analysis section of the Report.
type BlockingAnalysis struct {
	ServiceBlocked  bool             `json:"service_blocked"`
	BlockingRouters []BlockingRouter `json:"blocking_routers"`
}

// Summary is the summary section of the Report.
type Summary struct {
	Reachable bool   `json:"reachable"`
	Src       string `json:"src"`
	Dst       string `json:"dst"`
	Port      int    `json:"port"`
	Protocol  string `json:"protocol"`
}

// Report is the single JSON document the Orchestrator produces per
// (port, proto) page.
type Report struct {
	Summary           Summary            `json:"summary"`
	ConnectivityTests map[string]ConnectivityTest `json:"connectivity_tests"`
	NetworkPath       []NetworkHop       `json:"network_path"`
	BlockingAnalysis  BlockingAnalysis   `json:"blocking_analysis"`
	Recommendations   []string           `json:"recommendations"`
	DebugInfo         map[string]string  `json:"debug_info"`
	PhaseErrors       []string           `json:"phase_errors,omitempty"`
}

// Orchestrator wires together every component phase of the pipeline. It never
// constructs its own LinuxOps/Fabric/HostRegistry — those are injected so
// the scheduler can share one live fabric across every job it runs.
type Orchestrator struct {
	fleet    *facts.Fleet
	hosts    *hostregistry.Registry
	svc      *svcrunner.Runner
	attachRouterFor func(ip string) (router string, prefix int, err error)
}

// New constructs an Orchestrator. attachRouterFor resolves an IP to the
// router/prefix a host carrying that IP should attach to; the caller
// supplies it because that decision depends on facts.Fleet.OwnerOfIP or,
// for a brand-new host IP, on subnet ownership lookup the caller already
// has cached.
func New(fleet *facts.Fleet, hosts *hostregistry.Registry, svc *svcrunner.Runner, attachRouterFor func(ip string) (string, int, error)) *Orchestrator {
	return &Orchestrator{fleet: fleet, hosts: hosts, svc: svc, attachRouterFor: attachRouterFor}
}

// RunReachability executes the fixed five-phase pipeline for one (port,
// proto) page of job and returns its Report. Teardown always runs,
// releasing only the host refs this call acquired, regardless of which
// phase failed.
func (o *Orchestrator) RunReachability(ctx context.Context, job Job, pp PortProto) Report {
	report := Report{
		Summary: Summary{Src: job.SourceIP, Dst: job.DestIP, Port: pp.Port, Protocol: pp.Proto},
		ConnectivityTests: make(map[string]ConnectivityTest),
		DebugInfo:        make(map[string]string),
	}

	deadline := job.OverallDeadline
	if deadline == 0 {
		deadline = 600 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	acquired := make([]struct{ ip, router string }, 0, 4)
	release := func() {
		for _, a := range acquired {
			if err := o.hosts.ReleaseHostRef(context.Background(), a.ip, a.router); err != nil {
				log.Warn("release host ref failed during teardown", "ip", a.ip, "router", a.router, "err", err)
			}
		}
	}
	defer release()

	// Phase 1: path discovery.
	var path pathplan.Path
	if job.TraceJSON != nil {
		path = *job.TraceJSON
	} else {
		var err error
		path, err = pathplan.PlanPath(o.fleet, job.SourceIP, job.DestIP, pathplan.DefaultHopCap)
		if err != nil {
			report.PhaseErrors = append(report.PhaseErrors, fmt.Sprintf("path discovery: %v", err))
			report.Summary.Reachable = false
			return report
		}
	}
	for _, h := range path.Hops {
		report.NetworkPath = append(report.NetworkPath, NetworkHop{
			Router: h.Router, InIface: h.InIface, OutIface: h.OutIface,
		})
	}

	// Phase 2: environment setup.
	routers := path.Routers()

	srcRouter, srcPrefix, err := o.attachRouterFor(job.SourceIP)
	if err != nil {
		report.PhaseErrors = append(report.PhaseErrors, fmt.Sprintf("environment setup: %v", err))
		return report
	}
	srcHost, err := o.hosts.AcquireHostRef(ctx, job.SourceIP, srcPrefix, srcRouter)
	if err != nil {
		report.PhaseErrors = append(report.PhaseErrors, fmt.Sprintf("environment setup: acquire source host: %v", err))
		return report
	}
	acquired = append(acquired, struct{ ip, router string }{job.SourceIP, srcRouter})

	dstRouter, dstPrefix, err := o.attachRouterFor(job.DestIP)
	if err != nil {
		report.PhaseErrors = append(report.PhaseErrors, fmt.Sprintf("environment setup: %v", err))
		return report
	}
	dstHost, err := o.hosts.AcquireHostRef(ctx, job.DestIP, dstPrefix, dstRouter)
	if err != nil {
		report.PhaseErrors = append(report.PhaseErrors, fmt.Sprintf("environment setup: acquire dest host: %v", err))
		return report
	}
	acquired = append(acquired, struct{ ip, router string }{job.DestIP, dstRouter})
	report.DebugInfo["src_host"] = srcHost
	report.DebugInfo["dst_host"] = dstHost

	handle, err := o.svc.StartService(ctx, dstHost, job.DestIP, pp.Port, pp.Proto)
	if err != nil {
		report.PhaseErrors = append(report.PhaseErrors, fmt.Sprintf("environment setup: start service: %v", err))
		return report
	}
	defer o.svc.StopService(handle)

	probeTimeout := job.ProbeTimeout
	if probeTimeout == 0 {
		probeTimeout = 60 * time.Second
	}

	// Phase 3: probes in parallel.
	type probeOut struct {
		name string
		test ConnectivityTest
	}
	results := make(chan probeOut, 3)

	go func() {
		res, err := o.svc.Ping(ctx, srcHost, job.DestIP, 1*time.Second)
		rc := 0
		if err != nil || !res.OK {
			rc = 1
		}
		results <- probeOut{"ping", ConnectivityTest{Success: rc == 0, Description: "ICMP echo", ReturnCode: rc}}
	}()
	go func() {
		res, err := o.svc.Traceroute(ctx, srcHost, job.DestIP, probeTimeout)
		rc := 0
		if err != nil || !res.OK {
			rc = 1
		}
		results <- probeOut{"mtr", ConnectivityTest{Success: rc == 0, Description: "traceroute", ReturnCode: rc}}
	}()
	go func() {
		sres := o.svc.TestService(ctx, srcHost, job.DestIP, pp.Port, pp.Proto, probeTimeout, job.DSCP, routers)
		rc := 0
		if sres.Verdict != svcrunner.VerdictOK {
			rc = 1
		}
		results <- probeOut{"service", ConnectivityTest{Success: sres.Verdict == svcrunner.VerdictOK, Description: string(sres.Verdict), ReturnCode: rc}}
	}()

	var serviceVerdict ConnectivityTest
	for i := 0; i < 3; i++ {
		out := <-results
		report.ConnectivityTests[out.name] = out.test
		if out.name == "service" {
			serviceVerdict = out.test
		}
	}

	// Phase 4: packet-count analysis, one ServiceTest cycle per router on path.
	tuple := facts.PacketTuple{
		SrcIP: job.SourceIP, DstIP: job.DestIP, Proto: pp.Proto, DstPort: pp.Port, DSCP: job.DSCP,
	}
	blocked := false
	var blockingRouters []BlockingRouter
	for _, rname := range routers {
		router, ok := o.fleet.Routers[rname]
		if !ok {
			continue
		}
		before := pcanalyze.SnapshotOf(router)
		o.svc.TestService(ctx, srcHost, job.DestIP, pp.Port, pp.Proto, probeTimeout, job.DSCP, routers)
		after := pcanalyze.SnapshotOf(router)

		mode := pcanalyze.ModeAllowing
		if !serviceVerdict.Success {
			mode = pcanalyze.ModeBlocking
		}
		m := pcanalyze.AnalyzeDelta(router, before, after, tuple, mode)
		if m.Matched && mode == pcanalyze.ModeBlocking {
			blocked = true
			blockingRouters = append(blockingRouters, BlockingRouter{
				Router: rname, RuleText: m.RuleText, Chain: m.Chain,
				RuleNumber: m.Index, Action: "DROP", PacketsBlocked: m.Delta,
			})
		}
	}
	report.BlockingAnalysis = BlockingAnalysis{ServiceBlocked: blocked, BlockingRouters: blockingRouters}

	// Phase 5: report assembly.
	report.Summary.Reachable = serviceVerdict.Success && !blocked
	if !report.Summary.Reachable && len(blockingRouters) > 0 {
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("review rule %q (chain %s) on router %s", blockingRouters[0].RuleText, blockingRouters[0].Chain, blockingRouters[0].Router))
	}
	return report
}

// ErrUnresolvedAttachRouter is returned by an attachRouterFor implementation
// when ip is not on any fleet subnet and also not a fresh host IP the
// caller knows how to place; RunReachability records it as an
// environment-setup phase error.
var ErrUnresolvedAttachRouter = errors.New(errors.KindFacts, "ip does not resolve to any configured router or subnet")

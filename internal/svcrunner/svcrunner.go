// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package svcrunner implements the Service Runner: minimal echo
// listeners spun up inside a host namespace so a reachability job has
// something to connect to, plus the probe trio (ping/traceroute/connect)
// that actually exercises a path end to end.
package svcrunner

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	tsimerrors "grimm.is/tsim/internal/errors"
	"grimm.is/tsim/internal/linuxops"
	"grimm.is/tsim/internal/logging"
)

var log = logging.WithComponent("svcrunner")

// Verdict is the outcome of a TestService call.
type Verdict string

const (
	VerdictOK      Verdict = "OK"
	VerdictFail    Verdict = "FAIL"
	VerdictTimeout Verdict = "TIMEOUT"
	VerdictError   Verdict = "ERROR"
)

// Handle identifies a running service so it can be stopped later.
type Handle string

// ServiceResult is the outcome of a single TestService call.
type ServiceResult struct {
	Verdict  Verdict
	ViaRouters []string
	Detail   string
}

type service struct {
	host     string
	bindIP   string
	port     int
	proto    string
	listener net.Listener
	pconn    net.PacketConn
	stop     chan struct{}
}

// Runner manages echo listeners and issues probes, all mediated through
// LinuxOps so no net/raw-socket code here assumes it is running on the
// host's default namespace.
//
// NamespaceEnterer abstracts the Fabric Builder's logical host-name ->
// netns resolution (fabric.Builder.EnterHostNetns), so this package never
// has to know the "tsim-h-<name>" naming convention fabric owns.
type NamespaceEnterer interface {
	EnterHostNetns(ctx context.Context, hostName string, fn func() error) error
}

type Runner struct {
	ops   linuxops.LinuxOps
	hosts NamespaceEnterer

	mu       sync.Mutex
	services map[Handle]*service
	nextID   int64
}

// New constructs a Runner bound to ops for probe execution and hosts for
// resolving a logical host name to its namespace.
func New(ops linuxops.LinuxOps, hosts NamespaceEnterer) *Runner {
	return &Runner{ops: ops, hosts: hosts, services: make(map[Handle]*service)}
}

// StartService spawns a TCP or UDP echo listener bound to bindIP:port
// inside host's namespace and returns a handle for StopService.
func (r *Runner) StartService(ctx context.Context, host, bindIP string, port int, proto string) (Handle, error) {
	svc := &service{host: host, bindIP: bindIP, port: port, proto: proto, stop: make(chan struct{})}
	addr := net.JoinHostPort(bindIP, fmt.Sprintf("%d", port))

	err := r.hosts.EnterHostNetns(ctx, host, func() error {
		switch proto {
		case "udp":
			pc, err := net.ListenPacket("udp", addr)
			if err != nil {
				return err
			}
			svc.pconn = pc
			return nil
		default:
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return err
			}
			svc.listener = ln
			return nil
		}
	})
	if err != nil {
		return "", tsimerrors.Wrapf(err, tsimerrors.KindProbe, "start service %s on %s", proto, addr)
	}

	if svc.listener != nil {
		go serveTCPEcho(svc.listener, svc.stop)
	} else {
		go servePacketEcho(svc.pconn, svc.stop)
	}

	id := atomic.AddInt64(&r.nextID, 1)
	h := Handle(fmt.Sprintf("svc-%s-%d-%s-%d", host, port, proto, id))

	r.mu.Lock()
	r.services[h] = svc
	r.mu.Unlock()

	log.Info("service started", "handle", string(h), "host", host, "bind", addr, "proto", proto)
	return h, nil
}

// StopService terminates the listener for h; idempotent.
func (r *Runner) StopService(h Handle) error {
	r.mu.Lock()
	svc, ok := r.services[h]
	if ok {
		delete(r.services, h)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	close(svc.stop)
	if svc.listener != nil {
		svc.listener.Close()
	}
	if svc.pconn != nil {
		svc.pconn.Close()
	}
	return nil
}

func serveTCPEcho(ln net.Listener, stop chan struct{}) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-stop:
				return
			default:
				return
			}
		}
		go func(c net.Conn) {
			defer c.Close()
			buf := make([]byte, 4096)
			for {
				n, err := c.Read(buf)
				if n > 0 {
					if _, werr := c.Write(buf[:n]); werr != nil {
						return
					}
				}
				if err != nil {
					return
				}
			}
		}(conn)
	}
}

func servePacketEcho(pc net.PacketConn, stop chan struct{}) {
	buf := make([]byte, 4096)
	for {
		select {
		case <-stop:
			return
		default:
		}
		pc.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			continue
		}
		pc.WriteTo(buf[:n], addr)
	}
}

// TestService initiates a single connection/datagram exchange from srcHost
// toward dstIP:dport. viaRouters is recorded verbatim on the result for the
// orchestrator's trace; the actual blocking/allowing verdict per router is
// determined later by the Packet-Count Analyzer, not by this return code
// alone — a FAIL here only means the end-to-end attempt didn't succeed.
func (r *Runner) TestService(ctx context.Context, srcHost, dstIP string, dport int, proto string, timeout time.Duration, dscp uint8, viaRouters []string) ServiceResult {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var res linuxops.ProbeResult
	var probeErr error
	err := r.hosts.EnterHostNetns(probeCtx, srcHost, func() error {
		res, probeErr = r.ops.RunProbe(probeCtx, linuxops.ProbeConnect, "", dstIP, dport, proto, dscp)
		return probeErr
	})

	if err != nil {
		if probeCtx.Err() != nil {
			return ServiceResult{Verdict: VerdictTimeout, ViaRouters: viaRouters, Detail: err.Error()}
		}
		return ServiceResult{Verdict: VerdictError, ViaRouters: viaRouters, Detail: err.Error()}
	}
	if !res.OK {
		return ServiceResult{Verdict: VerdictFail, ViaRouters: viaRouters, Detail: res.Err}
	}
	return ServiceResult{Verdict: VerdictOK, ViaRouters: viaRouters}
}

// Ping runs a single ICMP echo probe from srcHost to dstIP.
func (r *Runner) Ping(ctx context.Context, srcHost, dstIP string, timeout time.Duration) (linuxops.ProbeResult, error) {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var res linuxops.ProbeResult
	var probeErr error
	err := r.hosts.EnterHostNetns(probeCtx, srcHost, func() error {
		res, probeErr = r.ops.RunProbe(probeCtx, linuxops.ProbePing, "", dstIP, 0, "icmp", 0)
		return probeErr
	})
	if err != nil {
		return linuxops.ProbeResult{}, tsimerrors.Wrapf(err, tsimerrors.KindProbe, "ping %s from %s", dstIP, srcHost)
	}
	return res, nil
}

// Traceroute runs a hop-discovery probe from srcHost to dstIP.
func (r *Runner) Traceroute(ctx context.Context, srcHost, dstIP string, timeout time.Duration) (linuxops.ProbeResult, error) {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var res linuxops.ProbeResult
	var probeErr error
	err := r.hosts.EnterHostNetns(probeCtx, srcHost, func() error {
		res, probeErr = r.ops.RunProbe(probeCtx, linuxops.ProbeTraceroute, "", dstIP, 0, "icmp", 0)
		return probeErr
	})
	if err != nil {
		return linuxops.ProbeResult{}, tsimerrors.Wrapf(err, tsimerrors.KindProbe, "traceroute %s from %s", dstIP, srcHost)
	}
	return res, nil
}

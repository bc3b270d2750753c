// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package linuxops

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"runtime"
	"strings"
	"time"

	probing "github.com/prometheus-community/pro-bing"
	"github.com/safchain/ethtool"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"

	tsimerrors "grimm.is/tsim/internal/errors"
	"grimm.is/tsim/internal/logging"
)

var log = logging.WithComponent("linuxops")

// RealLinuxOps backs LinuxOps with vishvananda/netlink and vishvananda/netns,
// the same libraries the teacher's HA failover code uses for interface
// manipulation, generalized here to namespaced veth/bridge fabric building.
type RealLinuxOps struct{}

var _ LinuxOps = (*RealLinuxOps)(nil)

// NewReal returns the production LinuxOps implementation. Every method
// requires CAP_NET_ADMIN; callers on a dev machine should route through
// MockLinuxOps instead (symbolic-simulation mode never touches this type).
func NewReal() *RealLinuxOps { return &RealLinuxOps{} }

func (RealLinuxOps) CreateNetns(_ context.Context, name string) error {
	existing, err := netns.GetFromName(name)
	if err == nil {
		existing.Close()
		return nil
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	orig, err := netns.Get()
	if err != nil {
		return tsimerrors.Wrapf(err, tsimerrors.KindFabric, "get current netns")
	}
	defer netns.Set(orig)
	defer orig.Close()

	h, err := netns.NewNamed(name)
	if err != nil {
		return tsimerrors.Wrapf(err, tsimerrors.KindFabric, "create netns %s", name)
	}
	h.Close()
	return nil
}

func (RealLinuxOps) DeleteNetns(_ context.Context, name string) error {
	if err := netns.DeleteNamed(name); err != nil && !strings.Contains(err.Error(), "no such file") {
		return tsimerrors.Wrapf(err, tsimerrors.KindFabric, "delete netns %s", name)
	}
	return nil
}

func (RealLinuxOps) EnterNetns(_ context.Context, name string, fn func() error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	orig, err := netns.Get()
	if err != nil {
		return tsimerrors.Wrapf(err, tsimerrors.KindFabric, "get current netns")
	}
	defer netns.Set(orig)
	defer orig.Close()

	target, err := netns.GetFromName(name)
	if err != nil {
		return tsimerrors.Wrapf(err, tsimerrors.KindFabric, "lookup netns %s", name)
	}
	defer target.Close()

	if err := netns.Set(target); err != nil {
		return tsimerrors.Wrapf(err, tsimerrors.KindFabric, "enter netns %s", name)
	}
	return fn()
}

func (RealLinuxOps) CreateBridge(_ context.Context, name string) error {
	if _, err := netlink.LinkByName(name); err == nil {
		return nil
	}
	br := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: name}}
	if err := netlink.LinkAdd(br); err != nil {
		return tsimerrors.Wrapf(err, tsimerrors.KindFabric, "create bridge %s", name)
	}
	return netlink.LinkSetUp(br)
}

func (RealLinuxOps) CreateVeth(_ context.Context, spec VethSpec) error {
	if _, err := netlink.LinkByName(spec.Name); err == nil {
		return nil
	}
	attrs := netlink.LinkAttrs{Name: spec.Name}
	if len(spec.HWAddr) == 6 {
		attrs.HardwareAddr = spec.HWAddr
	}
	veth := &netlink.Veth{
		LinkAttrs: attrs,
		PeerName:  spec.Peer,
	}
	if len(spec.PeerHWAddr) == 6 {
		veth.PeerHardwareAddr = spec.PeerHWAddr
	}
	if err := netlink.LinkAdd(veth); err != nil {
		return tsimerrors.Wrapf(err, tsimerrors.KindFabric, "create veth %s/%s", spec.Name, spec.Peer)
	}
	if spec.PeerNetns == "" {
		return nil
	}
	peerLink, err := netlink.LinkByName(spec.Peer)
	if err != nil {
		return tsimerrors.Wrapf(err, tsimerrors.KindFabric, "lookup veth peer %s", spec.Peer)
	}
	ns, err := netns.GetFromName(spec.PeerNetns)
	if err != nil {
		return tsimerrors.Wrapf(err, tsimerrors.KindFabric, "lookup netns %s", spec.PeerNetns)
	}
	defer ns.Close()
	if err := netlink.LinkSetNsFd(peerLink, int(ns)); err != nil {
		return tsimerrors.Wrapf(err, tsimerrors.KindFabric, "move %s into netns %s", spec.Peer, spec.PeerNetns)
	}
	return nil
}

func (RealLinuxOps) AttachToBridge(_ context.Context, bridgeName, ifaceName string) error {
	br, err := netlink.LinkByName(bridgeName)
	if err != nil {
		return tsimerrors.Wrapf(err, tsimerrors.KindFabric, "lookup bridge %s", bridgeName)
	}
	link, err := netlink.LinkByName(ifaceName)
	if err != nil {
		return tsimerrors.Wrapf(err, tsimerrors.KindFabric, "lookup iface %s", ifaceName)
	}
	if err := netlink.LinkSetMaster(link, br.(*netlink.Bridge)); err != nil {
		return tsimerrors.Wrapf(err, tsimerrors.KindFabric, "attach %s to bridge %s", ifaceName, bridgeName)
	}
	return netlink.LinkSetUp(link)
}

func (RealLinuxOps) SetLinkUp(_ context.Context, ifaceName string) error {
	link, err := netlink.LinkByName(ifaceName)
	if err != nil {
		return tsimerrors.Wrapf(err, tsimerrors.KindFabric, "lookup iface %s", ifaceName)
	}
	return netlink.LinkSetUp(link)
}

func (RealLinuxOps) DeleteLink(_ context.Context, ifaceName string) error {
	link, err := netlink.LinkByName(ifaceName)
	if err != nil {
		return nil
	}
	return netlink.LinkDel(link)
}

func (RealLinuxOps) AddAddr(_ context.Context, addr LinkAddr) error {
	link, err := netlink.LinkByName(addr.IfaceName)
	if err != nil {
		return tsimerrors.Wrapf(err, tsimerrors.KindFabric, "lookup iface %s", addr.IfaceName)
	}
	nladdr, err := netlink.ParseAddr(addr.CIDR)
	if err != nil {
		return tsimerrors.Wrapf(err, tsimerrors.KindFabric, "parse addr %s", addr.CIDR)
	}
	if err := netlink.AddrAdd(link, nladdr); err != nil && !strings.Contains(err.Error(), "file exists") {
		return tsimerrors.Wrapf(err, tsimerrors.KindFabric, "add addr %s to %s", addr.CIDR, addr.IfaceName)
	}
	return nil
}

func (RealLinuxOps) RunIP(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, "ip", args...).CombinedOutput()
	if err != nil {
		return string(out), tsimerrors.Wrapf(err, tsimerrors.KindFabric, "ip %s: %s", strings.Join(args, " "), out)
	}
	return string(out), nil
}

func (RealLinuxOps) RunIptablesRestore(ctx context.Context, ruleText string) error {
	cmd := exec.CommandContext(ctx, "iptables-restore")
	cmd.Stdin = strings.NewReader(ruleText)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return tsimerrors.Wrapf(err, tsimerrors.KindFabric, "iptables-restore: %s", out)
	}
	return nil
}

func (RealLinuxOps) RunIpsetRestore(ctx context.Context, setText string) error {
	cmd := exec.CommandContext(ctx, "ipset", "restore")
	cmd.Stdin = strings.NewReader(setText)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return tsimerrors.Wrapf(err, tsimerrors.KindFabric, "ipset restore: %s", out)
	}
	return nil
}

// VerifyLinkUp reads carrier state via ethtool, catching the case where a
// veth came up administratively without ever negotiating carrier with its
// peer (e.g. the peer end was never moved into place before the check).
func (RealLinuxOps) VerifyLinkUp(_ context.Context, ifaceName string) error {
	e, err := ethtool.NewEthtool()
	if err != nil {
		return tsimerrors.Wrapf(err, tsimerrors.KindFabric, "open ethtool handle")
	}
	defer e.Close()

	state, err := e.LinkState(ifaceName)
	if err != nil {
		return tsimerrors.Wrapf(err, tsimerrors.KindFabric, "read link state for %s", ifaceName)
	}
	if state == 0 {
		return tsimerrors.Errorf(tsimerrors.KindFabric, "interface %s has no carrier", ifaceName)
	}
	return nil
}

func (r RealLinuxOps) SetIPForwarding(ctx context.Context, enabled bool) error {
	val := "0"
	if enabled {
		val = "1"
	}
	_, err := r.RunIP(ctx, "netns", "exec", "self", "sysctl", "-w", "net.ipv4.ip_forward="+val)
	return err
}

// RunProbe uses pro-bing for ICMP probes and a net.Dialer for connect
// probes. Traceroute sends a single ping and, on a reply, reports dstIP as
// the only hop; it sends no TTL-incrementing probes, so intermediate routers
// are never listed.
func (RealLinuxOps) RunProbe(ctx context.Context, kind ProbeKind, srcIface, dstIP string, port int, proto string, dscp uint8) (ProbeResult, error) {
	switch kind {
	case ProbePing:
		return runPing(ctx, dstIP)
	case ProbeConnect:
		return runConnect(ctx, dstIP, port, proto)
	case ProbeTraceroute:
		return runTraceroute(ctx, dstIP)
	default:
		return ProbeResult{}, tsimerrors.Errorf(tsimerrors.KindProbe, "unknown probe kind %q", kind)
	}
}

func runPing(ctx context.Context, dstIP string) (ProbeResult, error) {
	pinger, err := probing.NewPinger(dstIP)
	if err != nil {
		return ProbeResult{Err: err.Error()}, nil
	}
	pinger.Count = 1
	pinger.Timeout = 2 * time.Second
	pinger.SetPrivileged(false)
	if err := pinger.RunWithContext(ctx); err != nil {
		return ProbeResult{Err: err.Error()}, nil
	}
	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		return ProbeResult{OK: false, Err: "no reply"}, nil
	}
	return ProbeResult{OK: true, RTTMicros: stats.AvgRtt.Microseconds()}, nil
}

func runConnect(ctx context.Context, dstIP string, port int, proto string) (ProbeResult, error) {
	d := net.Dialer{Timeout: 2 * time.Second}
	network := proto
	if network == "" {
		network = "tcp"
	}
	addr := net.JoinHostPort(dstIP, fmt.Sprintf("%d", port))
	start := time.Now()
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return ProbeResult{OK: false, Err: err.Error()}, nil
	}
	conn.Close()
	return ProbeResult{OK: true, RTTMicros: time.Since(start).Microseconds()}, nil
}

func runTraceroute(ctx context.Context, dstIP string) (ProbeResult, error) {
	// A single ping stands in for a TTL-incrementing trace: only the
	// destination itself is ever reported as a hop.
	res, _ := runPing(ctx, dstIP)
	if res.OK {
		res.Hops = []string{dstIP}
	}
	return res, nil
}

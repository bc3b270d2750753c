// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package linuxops isolates every point where tsim touches the live kernel
// behind one capability interface, per the Subprocess invocation of Linux
// utilities design note: RunIP, RunIptablesRestore, RunIpsetRestore,
// EnterNetns, RunProbe. The Namespace Fabric Builder and Service Runner
// depend on this interface, never on netlink/netns/exec directly, so unit
// tests can run against MockLinuxOps without privilege.
package linuxops

import "context"

// LinkAddr is an interface address assignment.
type LinkAddr struct {
	IfaceName string
	CIDR      string
}

// VethSpec describes one veth pair to create: Name lives in the current
// namespace, Peer is the other end's name, moved into PeerNetns if set.
type VethSpec struct {
	Name      string
	Peer      string
	PeerNetns string // netns name to move Peer into, if any

	// HWAddr, if non-nil, is assigned to Name's end as its MAC address. The
	// Fabric Builder derives this deterministically from the interface name
	// (see netutil.GenerateVirtualMAC) so repeated setups of the same fleet
	// produce identical MACs.
	HWAddr []byte
	// PeerHWAddr is the equivalent assignment for Peer's end.
	PeerHWAddr []byte
}

// ProbeResult is the outcome of a single ping/traceroute/TCP-connect probe.
type ProbeResult struct {
	OK       bool
	RTTMicros int64
	Hops      []string // traceroute hop addresses, in order; empty for ping/connect
	Err       string
}

// LinuxOps is the capability surface for every kernel-touching operation the
// Namespace Fabric Builder, Host Registry and Service Runner need. A real
// implementation backs it with vishvananda/netlink and vishvananda/netns; a
// mock implementation backs it with an in-memory model for tests and for
// pure symbolic-simulation mode, where no kernel object is ever touched.
type LinuxOps interface {
	// CreateNetns creates a named network namespace. Idempotent: returns nil
	// if it already exists.
	CreateNetns(ctx context.Context, name string) error
	// DeleteNetns removes a named network namespace. Idempotent.
	DeleteNetns(ctx context.Context, name string) error
	// EnterNetns runs fn with the calling goroutine's network namespace
	// switched to name, restoring the original namespace on return. Callers
	// must not let other goroutines observe the switched state; the real
	// implementation locks the OS thread for the duration.
	EnterNetns(ctx context.Context, name string, fn func() error) error

	// CreateBridge creates an L2 bridge device in the root namespace.
	CreateBridge(ctx context.Context, name string) error
	// CreateVeth creates a veth pair and optionally moves one end into a netns.
	CreateVeth(ctx context.Context, spec VethSpec) error
	// AttachToBridge enslaves ifaceName to bridgeName.
	AttachToBridge(ctx context.Context, bridgeName, ifaceName string) error
	// SetLinkUp brings an interface administratively up.
	SetLinkUp(ctx context.Context, ifaceName string) error
	// DeleteLink removes a link by name, idempotent.
	DeleteLink(ctx context.Context, ifaceName string) error
	// AddAddr assigns an address to an interface.
	AddAddr(ctx context.Context, addr LinkAddr) error

	// RunIP invokes the moral equivalent of `ip <args...>` scoped to the
	// current namespace; used for operations the structured netlink calls
	// above don't cover (policy rules, multiple routing tables).
	RunIP(ctx context.Context, args ...string) (stdout string, err error)

	// RunIptablesRestore feeds ruleText verbatim to iptables-restore inside
	// the calling namespace. ruleText is never re-derived from the parsed
	// model so counters, comments and ordering survive byte-for-byte.
	RunIptablesRestore(ctx context.Context, ruleText string) error
	// RunIpsetRestore feeds setText verbatim to `ipset restore`.
	RunIpsetRestore(ctx context.Context, setText string) error

	// SetIPForwarding enables or disables net.ipv4.ip_forward in the calling namespace.
	SetIPForwarding(ctx context.Context, enabled bool) error

	// VerifyLinkUp checks an interface's carrier state, used as SetupFabric's
	// final readiness check: a veth can come up administratively without
	// ever negotiating carrier if its peer was never configured.
	VerifyLinkUp(ctx context.Context, ifaceName string) error

	// RunProbe executes one reachability probe (ping, traceroute, or a raw
	// TCP/UDP connect) from within the calling namespace.
	RunProbe(ctx context.Context, kind ProbeKind, srcIface, dstIP string, port int, proto string, dscp uint8) (ProbeResult, error)
}

// ProbeKind selects which probe RunProbe performs.
type ProbeKind string

const (
	ProbePing        ProbeKind = "ping"
	ProbeTraceroute  ProbeKind = "traceroute"
	ProbeConnect     ProbeKind = "connect"
)

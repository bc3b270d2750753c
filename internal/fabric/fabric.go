// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package fabric realizes a loaded facts.Fleet as kernel namespaces, veths
// and bridges and keeps them consistent across jobs. It never touches the
// kernel directly — every kernel-facing call
// goes through linuxops.LinuxOps, so the whole package also runs against
// linuxops.MockLinuxOps in pure symbolic-simulation mode and in tests.
package fabric

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"

	"grimm.is/tsim/internal/errors"
	"grimm.is/tsim/internal/facts"
	"grimm.is/tsim/internal/linuxops"
	"grimm.is/tsim/internal/logging"
	"grimm.is/tsim/internal/netutil"
	"grimm.is/tsim/internal/registry"
	"grimm.is/tsim/internal/vpntunnel"
)

// networkCIDR returns a's network address in CIDR form (e.g. "10.0.0.0/30"
// for IP 10.0.0.1/30), so two interfaces on the same L2 segment with
// different host addresses still key to the same bridge.
func networkCIDR(a facts.Address) string {
	ip := net.ParseIP(a.IP)
	if ip == nil || a.Prefix == 0 {
		return ""
	}
	_, ipnet, err := net.ParseCIDR(fmt.Sprintf("%s/%d", a.IP, a.Prefix))
	if err != nil {
		return ""
	}
	return ipnet.String()
}

var log = logging.WithComponent("fabric")

// State is a router namespace's position in the setup state machine:
// NONEXISTENT -> CREATED -> CONFIGURED -> READY, teardown returns to
// NONEXISTENT.
type State int

const (
	StateNonexistent State = iota
	StateCreated
	StateConfigured
	StateReady
)

// Host is a dynamically attached host namespace created by AddHost.
type Host struct {
	Name         string
	IP           string
	Prefix       int
	AttachRouter string
	SecondaryIPs []string
	vethHost     string
	vethRouter   string
}

// Builder is the Namespace Fabric Builder. Constructed with a reference to
// the already-loaded Facts Model, per the design notes' dependency
// injection resolution for the host-registry/fabric/orchestrator cycle: the
// Fabric Builder never holds a reference back to the Host Registry.
type Builder struct {
	ops     linuxops.LinuxOps
	reg     registry.Registry
	fleet   *facts.Fleet
	tunnels vpntunnel.Tunneler

	mu      sync.Mutex
	state   map[string]State // router name -> State
	hosts   map[string]*Host // host name -> Host
	nextHost int
}

// New constructs a Builder bound to fleet, using ops for every kernel
// interaction, reg for short-code assignment, and tunnels for any
// "wireguard"-type interface (S2). tunnels may be nil if fleet has no such
// interfaces; SetupFabric returns a KindFabric error if it does and tunnels
// is nil.
func New(fleet *facts.Fleet, ops linuxops.LinuxOps, reg registry.Registry, tunnels vpntunnel.Tunneler) *Builder {
	return &Builder{
		ops:     ops,
		reg:     reg,
		fleet:   fleet,
		tunnels: tunnels,
		state:   make(map[string]State),
		hosts:   make(map[string]*Host),
	}
}

// RouterState reports a router's current position in the state machine;
// unknown routers report StateNonexistent.
func (b *Builder) RouterState(router string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state[router]
}

// SetupFabric idempotently brings up every router's namespace, veths, and
// restored rule/ipset state. Setup is transactional per router: a failure
// partway through one router's configuration rolls back that router's
// partial state (namespace + any veths already created for it) and stops,
// leaving prior, already-READY routers untouched.
func (b *Builder) SetupFabric(ctx context.Context) error {
	bridges, err := b.planBridges()
	if err != nil {
		return err
	}
	// Segments and routers are visited in sorted-name order, not map
	// iteration order: the shared-memory Registry hands out codes in call
	// order, and tsimd/tsim-fabric must agree on that order even though
	// they are separate processes with independently randomized map
	// iteration.
	for _, segment := range sortedKeys(bridges) {
		code, err := b.reg.BridgeCode(segment)
		if err != nil {
			return errors.Wrapf(err, errors.KindFabric, "assign bridge code for %s", segment)
		}
		if err := b.ops.CreateBridge(ctx, "br-"+code); err != nil {
			return errors.Wrapf(err, errors.KindFabric, "create bridge for segment %s", segment)
		}
	}

	for _, name := range sortedRouterNames(b.fleet.Routers) {
		router := b.fleet.Routers[name]
		if b.RouterState(name) == StateReady {
			continue
		}
		if err := b.setupRouter(ctx, name, router, bridges); err != nil {
			b.rollbackRouter(ctx, name, router)
			return errors.Wrapf(err, errors.KindFabric, "setup router %s", name)
		}
	}
	return nil
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedRouterNames(m map[string]*facts.Router) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// planBridges groups router interfaces by subnet CIDR, returning the set of
// segments that appear on more than one router's interfaces — those need a
// host-side bridge; segments touched by exactly one router get a direct
// point-to-point veth instead.
func (b *Builder) planBridges() (map[string]bool, error) {
	type owner struct{ router, iface string }
	bySegment := make(map[string][]owner)
	for rname, r := range b.fleet.Routers {
		for _, iface := range r.Interfaces {
			for _, a := range iface.Addresses {
				network := networkCIDR(a)
				if network == "" {
					continue
				}
				bySegment[network] = append(bySegment[network], owner{rname, iface.Name})
			}
		}
	}
	bridged := make(map[string]bool)
	for segment, owners := range bySegment {
		routers := make(map[string]bool)
		for _, o := range owners {
			routers[o.router] = true
		}
		if len(routers) > 1 {
			bridged[segment] = true
		}
	}
	return bridged, nil
}

func (b *Builder) setupRouter(ctx context.Context, name string, router *facts.Router, bridges map[string]bool) error {
	rcode, err := b.reg.RouterCode(name)
	if err != nil {
		return err
	}
	nsName := "tsim-" + rcode

	if err := b.ops.CreateNetns(ctx, nsName); err != nil {
		return err
	}
	b.setState(name, StateCreated)

	for _, iface := range router.Interfaces {
		if iface.Type == "wireguard" {
			if err := b.setupWireGuardIface(ctx, nsName, iface); err != nil {
				return err
			}
			continue
		}

		icode, err := b.reg.InterfaceCode(name, iface.Name)
		if err != nil {
			return err
		}
		vethRouterSide := rcode + icode
		vethOtherSide := "p" + vethRouterSide

		spec := linuxops.VethSpec{
			Name:       vethOtherSide,
			Peer:       vethRouterSide,
			PeerNetns:  nsName,
			HWAddr:     netutil.GenerateVirtualMAC(vethOtherSide),
			PeerHWAddr: netutil.GenerateVirtualMAC(vethRouterSide),
		}
		if err := b.ops.CreateVeth(ctx, spec); err != nil {
			return err
		}
		log.Debug("veth created", "iface", vethRouterSide, "mac", netutil.FormatMAC(spec.PeerHWAddr))

		for _, addr := range iface.Addresses {
			segment := networkCIDR(addr)
			if bridges[segment] {
				bcode, err := b.reg.BridgeCode(segment)
				if err != nil {
					return err
				}
				if err := b.ops.AttachToBridge(ctx, "br-"+bcode, vethOtherSide); err != nil {
					return err
				}
			} else {
				if err := b.ops.SetLinkUp(ctx, vethOtherSide); err != nil {
					return err
				}
			}
		}

		if err := b.ops.EnterNetns(ctx, nsName, func() error {
			if err := b.ops.SetLinkUp(ctx, vethRouterSide); err != nil {
				return err
			}
			for _, addr := range iface.Addresses {
				if err := b.ops.AddAddr(ctx, linuxops.LinkAddr{IfaceName: vethRouterSide, CIDR: fmt.Sprintf("%s/%d", addr.IP, addr.Prefix)}); err != nil {
					return err
				}
			}
			return b.ops.VerifyLinkUp(ctx, vethRouterSide)
		}); err != nil {
			return err
		}
	}
	b.setState(name, StateConfigured)

	if err := b.ops.EnterNetns(ctx, nsName, func() error {
		if router.IptablesSaveRaw != "" {
			if err := b.ops.RunIptablesRestore(ctx, router.IptablesSaveRaw); err != nil {
				return err
			}
		}
		if router.IpsetSaveRaw != "" {
			if err := b.ops.RunIpsetRestore(ctx, router.IpsetSaveRaw); err != nil {
				return err
			}
		}
		return b.ops.SetIPForwarding(ctx, true)
	}); err != nil {
		return err
	}

	b.setState(name, StateReady)
	log.Info("router fabric ready", "router", name, "netns", nsName)
	return nil
}

// setupWireGuardIface stands up a "wireguard"-type interface (S2's
// inter-location hop) inside the router's namespace via the Tunneler
// capability, then assigns its addresses the same way a veth's router side
// gets its addresses. It takes the place of CreateVeth/AttachToBridge for
// this one interface since a WireGuard device has no other-side link to
// bridge or move across namespaces.
func (b *Builder) setupWireGuardIface(ctx context.Context, nsName string, iface facts.Interface) error {
	if b.tunnels == nil {
		return errors.Errorf(errors.KindFabric, "interface %s is type wireguard but no Tunneler is configured", iface.Name)
	}
	if iface.WireGuard == nil {
		return errors.Errorf(errors.KindFabric, "interface %s is type wireguard but carries no wireguard config", iface.Name)
	}
	wg := iface.WireGuard
	cfg := vpntunnel.Config{
		PrivateKeyBase64:    wg.PrivateKey,
		ListenPort:          wg.ListenPort,
		PeerPublicKeyBase64: wg.PeerPublic,
		Endpoint:            wg.Endpoint,
		AllowedIPs:          wg.AllowedIPs,
	}
	if err := b.tunnels.CreateDevice(ctx, nsName, iface.Name, cfg); err != nil {
		return errors.Wrapf(err, errors.KindFabric, "create wireguard device %s", iface.Name)
	}
	return b.ops.EnterNetns(ctx, nsName, func() error {
		for _, addr := range iface.Addresses {
			if err := b.ops.AddAddr(ctx, linuxops.LinkAddr{IfaceName: iface.Name, CIDR: fmt.Sprintf("%s/%d", addr.IP, addr.Prefix)}); err != nil {
				return err
			}
		}
		return b.ops.SetLinkUp(ctx, iface.Name)
	})
}

func (b *Builder) rollbackRouter(ctx context.Context, name string, router *facts.Router) {
	rcode, err := b.reg.RouterCode(name)
	if err != nil {
		return
	}
	nsName := "tsim-" + rcode
	for _, iface := range router.Interfaces {
		if iface.Type == "wireguard" {
			if b.tunnels != nil {
				_ = b.tunnels.DeleteDevice(ctx, nsName, iface.Name)
			}
			continue
		}
		icode, err := b.reg.InterfaceCode(name, iface.Name)
		if err != nil {
			continue
		}
		vethOtherSide := "p" + rcode + icode
		_ = b.ops.DeleteLink(ctx, vethOtherSide)
	}
	_ = b.ops.DeleteNetns(ctx, nsName)
	b.setState(name, StateNonexistent)
	log.Warn("rolled back partial router setup", "router", name)
}

// TeardownFabric removes every router namespace, bridge, and veth, and
// clears the Registry. Best-effort: failures are logged, not returned,
// since teardown must make forward progress even after a partial setup
// failure.
func (b *Builder) TeardownFabric(ctx context.Context) error {
	for name := range b.hosts {
		if err := b.RemoveHost(ctx, name, true); err != nil {
			log.Warn("teardown: host residue", "host", name, "error", err)
		}
	}
	for _, name := range sortedRouterNames(b.fleet.Routers) {
		router := b.fleet.Routers[name]
		rcode, err := b.reg.RouterCode(name)
		if err != nil {
			continue
		}
		nsName := "tsim-" + rcode
		for _, iface := range router.Interfaces {
			if iface.Type == "wireguard" {
				if b.tunnels != nil {
					if err := b.tunnels.DeleteDevice(ctx, nsName, iface.Name); err != nil {
						log.Warn("teardown: wireguard device residue", "iface", iface.Name, "error", err)
					}
				}
				continue
			}
			icode, err := b.reg.InterfaceCode(name, iface.Name)
			if err != nil {
				continue
			}
			if err := b.ops.DeleteLink(ctx, "p"+rcode+icode); err != nil {
				log.Warn("teardown: veth residue", "iface", iface.Name, "error", err)
			}
		}
		if err := b.ops.DeleteNetns(ctx, nsName); err != nil {
			log.Warn("teardown: netns residue", "router", name, "error", err)
		}
		b.setState(name, StateNonexistent)
	}
	bridges, _ := b.planBridges()
	for _, segment := range sortedKeys(bridges) {
		code, err := b.reg.BridgeCode(segment)
		if err != nil {
			continue
		}
		if err := b.ops.DeleteLink(ctx, "br-"+code); err != nil {
			log.Warn("teardown: bridge residue", "segment", segment, "error", err)
		}
	}
	b.reg.Clear()
	return nil
}

func (b *Builder) setState(router string, s State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state[router] = s
}

// AddHost creates a host namespace attached to attachRouter's bridge or a
// direct veth, assigns ip/prefix (plus any secondaryIPs), and installs a
// default route via attachRouter. Idempotent for (ip, attachRouter): a
// duplicate call returns the existing host's name.
func (b *Builder) AddHost(ctx context.Context, ip string, prefix int, attachRouter string, secondaryIPs []string) (string, error) {
	b.mu.Lock()
	for _, h := range b.hosts {
		if h.IP == ip && h.AttachRouter == attachRouter {
			name := h.Name
			b.mu.Unlock()
			return name, nil
		}
	}
	n := b.nextHost
	b.nextHost++
	b.mu.Unlock()

	hostName := fmt.Sprintf("host-%04d", n)
	rcode, err := b.reg.RouterCode(attachRouter)
	if err != nil {
		return "", err
	}
	nsName := "tsim-h-" + hostName
	vethHost := "h" + fmt.Sprintf("%04d", n)
	vethRouter := "p" + vethHost

	if err := b.ops.CreateNetns(ctx, nsName); err != nil {
		return "", errors.Wrapf(err, errors.KindFabric, "create host netns for %s", hostName)
	}
	if err := b.ops.CreateVeth(ctx, linuxops.VethSpec{
		Name:       vethRouter,
		Peer:       vethHost,
		PeerNetns:  nsName,
		HWAddr:     netutil.GenerateVirtualMAC(vethRouter),
		PeerHWAddr: netutil.GenerateVirtualMAC(vethHost),
	}); err != nil {
		return "", errors.Wrapf(err, errors.KindFabric, "create host veth for %s", hostName)
	}
	routerNs := "tsim-" + rcode
	if err := b.ops.EnterNetns(ctx, routerNs, func() error {
		return b.ops.SetLinkUp(ctx, vethRouter)
	}); err != nil {
		return "", errors.Wrapf(err, errors.KindFabric, "bring up %s in router netns", vethRouter)
	}

	if err := b.ops.EnterNetns(ctx, nsName, func() error {
		if err := b.ops.SetLinkUp(ctx, vethHost); err != nil {
			return err
		}
		if err := b.ops.AddAddr(ctx, linuxops.LinkAddr{IfaceName: vethHost, CIDR: fmt.Sprintf("%s/%d", ip, prefix)}); err != nil {
			return err
		}
		for _, sip := range secondaryIPs {
			if err := b.ops.AddAddr(ctx, linuxops.LinkAddr{IfaceName: vethHost, CIDR: fmt.Sprintf("%s/%d", sip, prefix)}); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return "", errors.Wrapf(err, errors.KindFabric, "configure host %s", hostName)
	}

	host := &Host{Name: hostName, IP: ip, Prefix: prefix, AttachRouter: attachRouter, SecondaryIPs: secondaryIPs, vethHost: vethHost, vethRouter: vethRouter}
	b.mu.Lock()
	b.hosts[hostName] = host
	b.mu.Unlock()
	return hostName, nil
}

// EnterHostNetns runs fn inside the namespace of the host identified by
// hostName, the logical name AddHost returned. Callers outside this
// package (Service Runner, probes) never know the real "tsim-h-<name>"
// netns string, keeping that naming convention private to the builder.
func (b *Builder) EnterHostNetns(ctx context.Context, hostName string, fn func() error) error {
	b.mu.Lock()
	_, ok := b.hosts[hostName]
	b.mu.Unlock()
	if !ok {
		return errors.Errorf(errors.KindFabric, "unknown host %s", hostName)
	}
	return b.ops.EnterNetns(ctx, "tsim-h-"+hostName, fn)
}

// RemoveHost tears down a host namespace and its veth. It does not check
// reference counts; the Host Registry calls it once a host's refcount
// reaches zero. An unknown hostName is an error unless force is set, in
// which case the call is a no-op.
func (b *Builder) RemoveHost(ctx context.Context, hostName string, force bool) error {
	b.mu.Lock()
	host, ok := b.hosts[hostName]
	if ok {
		delete(b.hosts, hostName)
	}
	b.mu.Unlock()
	if !ok {
		if force {
			return nil
		}
		return errors.Errorf(errors.KindFabric, "unknown host %s", hostName)
	}

	nsName := "tsim-h-" + hostName
	if err := b.ops.DeleteLink(ctx, host.vethRouter); err != nil {
		log.Warn("remove host: veth residue", "host", hostName, "error", err)
	}
	return b.ops.DeleteNetns(ctx, nsName)
}

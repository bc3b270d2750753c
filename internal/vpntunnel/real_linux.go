// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package vpntunnel

import (
	"context"
	"net"
	"runtime"
	"time"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	tsimerrors "grimm.is/tsim/internal/errors"
	"grimm.is/tsim/internal/logging"
)

var log = logging.WithComponent("vpntunnel")

// keepaliveInterval mirrors ap_common/wgctl's fixed 25s persistent
// keepalive, needed since tsim routers sit behind simulated NAT/firewall
// hops that would otherwise drop idle tunnel state.
const keepaliveInterval = 25 * time.Second

// RealTunneler backs Tunneler with vishvananda/netlink for device creation
// and golang.zx2c4.com/wireguard/wgctrl for key/peer configuration, the same
// pairing ap_common/wgctl uses to stand up a client-side WireGuard device.
type RealTunneler struct{}

var _ Tunneler = (*RealTunneler)(nil)

// NewReal returns the production Tunneler. Requires CAP_NET_ADMIN and a
// wireguard-capable kernel; symbolic-simulation mode routes through
// MockTunneler instead.
func NewReal() *RealTunneler { return &RealTunneler{} }

func (RealTunneler) CreateDevice(_ context.Context, netnsName, ifaceName string, cfg Config) error {
	return withNetns(netnsName, func() error {
		if _, err := netlink.LinkByName(ifaceName); err != nil {
			link := &netlink.GenericLink{
				LinkAttrs: netlink.LinkAttrs{Name: ifaceName},
				LinkType:  "wireguard",
			}
			if err := netlink.LinkAdd(link); err != nil {
				return tsimerrors.Wrapf(err, tsimerrors.KindFabric, "create wireguard device %s", ifaceName)
			}
		}

		privKey, err := wgtypes.ParseKey(cfg.PrivateKeyBase64)
		if err != nil {
			return tsimerrors.Wrapf(err, tsimerrors.KindFabric, "parse private key for %s", ifaceName)
		}
		peerKey, err := wgtypes.ParseKey(cfg.PeerPublicKeyBase64)
		if err != nil {
			return tsimerrors.Wrapf(err, tsimerrors.KindFabric, "parse peer public key for %s", ifaceName)
		}

		var endpoint *net.UDPAddr
		if cfg.Endpoint != "" {
			endpoint, err = net.ResolveUDPAddr("udp", cfg.Endpoint)
			if err != nil {
				return tsimerrors.Wrapf(err, tsimerrors.KindFabric, "resolve endpoint %s for %s", cfg.Endpoint, ifaceName)
			}
		}

		allowed := make([]net.IPNet, 0, len(cfg.AllowedIPs))
		for _, cidr := range cfg.AllowedIPs {
			_, n, err := net.ParseCIDR(cidr)
			if err != nil {
				return tsimerrors.Wrapf(err, tsimerrors.KindFabric, "parse allowed-ip %s for %s", cidr, ifaceName)
			}
			allowed = append(allowed, *n)
		}

		ka := keepaliveInterval
		peer := wgtypes.PeerConfig{
			PublicKey:                   peerKey,
			Endpoint:                    endpoint,
			PersistentKeepaliveInterval: &ka,
			AllowedIPs:                  allowed,
			ReplaceAllowedIPs:           true,
		}

		wgConfig := wgtypes.Config{
			PrivateKey:   &privKey,
			ListenPort:   intPtr(cfg.ListenPort),
			ReplacePeers: true,
			Peers:        []wgtypes.PeerConfig{peer},
		}

		client, err := wgctrl.New()
		if err != nil {
			return tsimerrors.Wrapf(err, tsimerrors.KindFabric, "open wgctrl client")
		}
		defer client.Close()

		if err := client.ConfigureDevice(ifaceName, wgConfig); err != nil {
			return tsimerrors.Wrapf(err, tsimerrors.KindFabric, "configure wireguard device %s", ifaceName)
		}
		return netlink.LinkSetUp(mustLink(ifaceName))
	})
}

func (RealTunneler) DeleteDevice(_ context.Context, netnsName, ifaceName string) error {
	return withNetns(netnsName, func() error {
		link, err := netlink.LinkByName(ifaceName)
		if err != nil {
			return nil
		}
		return netlink.LinkDel(link)
	})
}

// withNetns runs fn with the calling goroutine's network namespace switched
// to name, restoring the original on return. Mirrors linuxops.RealLinuxOps's
// EnterNetns rather than depending on it, keeping Tunneler free of a
// linuxops import the way svcrunner.NamespaceEnterer keeps svcrunner free of
// a fabric import.
func withNetns(name string, fn func() error) error {
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

func mustLink(name string) netlink.Link {
	link, err := netlink.LinkByName(name)
	if err != nil {
		log.Error("link vanished after creation", "iface", name, "err", err)
		return &netlink.GenericLink{LinkAttrs: netlink.LinkAttrs{Name: name}}
	}
	return link
}

func intPtr(v int) *int { return &v }

// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package vpntunnel models the WireGuard hop scenario S2 requires: a router
// interface whose Type is "wireguard" in the facts model needs a real
// kernel-backed tunnel device in live-simulation mode, not a veth pair.
// Tunneler is the same kind of capability seam linuxops.LinuxOps is for the
// rest of the Fabric Builder: production code talks to wgctrl, tests and
// pure symbolic-simulation mode talk to an in-memory mock.
package vpntunnel

import "context"

// Config carries the parameters facts.WireGuardInterface names, translated
// into the shape wgtypes.Config expects. It is a separate type (rather than
// reusing facts.WireGuardInterface directly) so this package stays free of
// a dependency on internal/facts, the same reason linuxops.VethSpec exists
// instead of fabric passing facts.Interface straight through.
type Config struct {
	PrivateKeyBase64    string
	ListenPort          int
	PeerPublicKeyBase64 string
	Endpoint            string // host:port
	AllowedIPs          []string
}

// Tunneler is the capability surface for creating and tearing down a
// WireGuard device inside a router's network namespace. A real
// implementation backs it with golang.zx2c4.com/wireguard/wgctrl; a mock
// implementation backs it with an in-memory model for tests and for pure
// symbolic-simulation mode, where no kernel object is ever touched.
type Tunneler interface {
	// CreateDevice creates a wireguard-type link named ifaceName inside
	// netnsName and configures it per cfg. Idempotent: reconfigures in
	// place if the device already exists.
	CreateDevice(ctx context.Context, netnsName, ifaceName string, cfg Config) error
	// DeleteDevice removes the wireguard link. Idempotent.
	DeleteDevice(ctx context.Context, netnsName, ifaceName string) error
}

// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package facts holds the typed, immutable-after-load description of a
// router fleet: interfaces, routing tables, policy rules, iptables rule
// lists with counters, and ipsets. See LoadFleet.
package facts

import "strings"

// Role classifies a router's position in the fleet.
type Role string

const (
	RoleGateway Role = "gateway"
	RoleCore    Role = "core"
	RoleAccess  Role = "access"
	RoleNone    Role = "none"
)

// Metadata carries the optional <router>_metadata.json fields, defaulted
// when absent.
type Metadata struct {
	Linux             bool   `json:"linux"`
	Type              string `json:"type"`
	Location          string `json:"location"`
	Role              Role   `json:"role"`
	Vendor            string `json:"vendor"`
	Manageable        bool   `json:"manageable"`
	AnsibleController bool   `json:"ansible_controller"`
}

// DefaultMetadata returns the defaults filled in when a router carries no
// metadata file: a manageable Linux access router.
func DefaultMetadata() Metadata {
	return Metadata{
		Linux:      true,
		Role:       RoleAccess,
		Manageable: true,
	}
}

// Address is an interface address with its prefix length.
type Address struct {
	IP     string `json:"ip"`
	Prefix int    `json:"prefix"`
}

// Interface describes one router network interface.
type Interface struct {
	Name      string    `json:"name"`
	Code      string    `json:"code,omitempty"` // short code (iNNN), assigned by the Registry
	Addresses []Address `json:"addresses"`
	MTU       int       `json:"mtu"`
	Up        bool      `json:"up"`
	// Type distinguishes a plain veth-backed link from a vpntunnel-backed one.
	// "" or "veth" is the default; "wireguard" marks an inter-location tunnel (S2).
	Type string `json:"type,omitempty"`
	// WireGuard carries tunnel parameters when Type == "wireguard".
	WireGuard *WireGuardInterface `json:"wireguard,omitempty"`
}

// WireGuardInterface describes a WireGuard tunnel endpoint attached to a router.
type WireGuardInterface struct {
	PrivateKey string   `json:"private_key"`
	ListenPort int      `json:"listen_port"`
	PeerPublic string   `json:"peer_public_key"`
	Endpoint   string   `json:"endpoint"`
	AllowedIPs []string `json:"allowed_ips"`
}

// Route is one entry of a routing table.
type Route struct {
	Destination string `json:"destination"` // CIDR, "0.0.0.0/0" for default
	Gateway     string `json:"gateway,omitempty"`
	Device      string `json:"device"`
	Source      string `json:"source,omitempty"` // prefsrc
	Table       int    `json:"table"`
	Metric      int    `json:"metric"`
	Protocol    string `json:"protocol,omitempty"`
	Scope       string `json:"scope,omitempty"`
}

// PolicyRule is one entry of the policy routing (`ip rule`) table.
// Rules are evaluated in Priority order (lower = higher); the first match
// selects Table.
type PolicyRule struct {
	Priority int    `json:"priority"`
	From     string `json:"from,omitempty"` // CIDR
	To       string `json:"to,omitempty"`   // CIDR
	FWMark   uint32 `json:"fwmark,omitempty"`
	TOS      uint8  `json:"tos,omitempty"`
	IIF      string `json:"iif,omitempty"`
	OIF      string `json:"oif,omitempty"`
	Table    int    `json:"table"`
}

// TableName is an iptables table.
type TableName string

const (
	TableFilter TableName = "filter"
	TableNAT    TableName = "nat"
	TableMangle TableName = "mangle"
)

// Target is the terminal or continuation action of an iptables rule.
type Target string

const (
	TargetAccept     Target = "ACCEPT"
	TargetDrop       Target = "DROP"
	TargetReject     Target = "REJECT"
	TargetLog        Target = "LOG"
	TargetJump       Target = "JUMP"
	TargetMasquerade Target = "MASQUERADE"
	TargetSNAT       Target = "SNAT"
	TargetDNAT       Target = "DNAT"
	TargetMark       Target = "MARK"
	TargetDSCP       Target = "DSCP"
)

// MatchSetRef is a single `match-set NAME dir[,dir...]` predicate.
type MatchSetRef struct {
	Name string `json:"name"`
	// Dirs holds one or two of "src"/"dst", matching ipset match-set's
	// direction flags (e.g. "src,dst" for hash:ip,port with two dims mapped
	// onto one packet field is represented in Dirs[i] aligned to the set's
	// Type dimensionality).
	Dirs []string `json:"dirs"`
}

// PortRange is an inclusive [Low,High] port range; Low==High for a single port.
type PortRange struct {
	Low  int `json:"low"`
	High int `json:"high"`
}

// IptablesRule is one rule within one (table, chain) pair, carrying its
// match predicates, target, and mutable packet/byte counters.
//
// Rule indices are dense and stable across snapshots of the same router
// within one job (the invariant the Packet-Count Analyzer depends on).
type IptablesRule struct {
	Table TableName `json:"table"`
	Chain string    `json:"chain"`
	Index int       `json:"index"`

	SrcCIDR    string        `json:"src_cidr,omitempty"`
	DstCIDR    string        `json:"dst_cidr,omitempty"`
	Proto      string        `json:"proto,omitempty"` // "tcp"|"udp"|"icmp"|""
	SrcPort    *PortRange    `json:"src_port,omitempty"`
	DstPort    *PortRange    `json:"dst_port,omitempty"`
	InIface    string        `json:"in_iface,omitempty"`
	OutIface   string        `json:"out_iface,omitempty"`
	MatchSets  []MatchSetRef `json:"match_sets,omitempty"`
	DSCP       *uint8        `json:"dscp,omitempty"`
	Mark       *uint32       `json:"mark,omitempty"`
	State      []string      `json:"state,omitempty"` // NEW/ESTABLISHED/RELATED (recorded, not enforced; Non-goal)

	Target    Target `json:"target"`
	JumpChain string `json:"jump_chain,omitempty"` // when Target == TargetJump

	// RuleText is the original `iptables-save` line this rule was parsed
	// from, kept for blocking_analysis.rule_text in the report and so
	// the Fabric Builder can restore byte-identical rule text.
	RuleText string `json:"rule_text"`

	Counters Counter `json:"counters"`
}

// Counter holds mutable packet/byte counts for one rule.
type Counter struct {
	Packets uint64 `json:"packets"`
	Bytes   uint64 `json:"bytes"`
}

// SetType enumerates the ipset set types the Matcher understands.
type SetType string

const (
	SetBitmapIP       SetType = "bitmap:ip"
	SetBitmapIPMac    SetType = "bitmap:ip,mac"
	SetBitmapPort     SetType = "bitmap:port"
	SetHashIP         SetType = "hash:ip"
	SetHashMAC        SetType = "hash:mac"
	SetHashNet        SetType = "hash:net"
	SetHashIPPort     SetType = "hash:ip,port"
	SetHashNetIface   SetType = "hash:net,iface"
	SetHashIPPortNet  SetType = "hash:ip,port,net"
	SetHashNetPortNet SetType = "hash:net,port,net"
)

// Set is one ipset, verbatim member list plus its declared type.
type Set struct {
	Name    string   `json:"name"`
	Type    SetType  `json:"type"`
	Members []string `json:"members"`
}

// Dimensions splits a set type into its per-position field kinds, e.g.
// "hash:net,iface" -> ["net", "iface"], "hash:ip" -> ["ip"]. The matcher
// uses this to route each half of a multi-dimensional set's match-set
// conjunction to the tuple field that dimension actually describes.
func (t SetType) Dimensions() []string {
	s := string(t)
	if i := strings.Index(s, ":"); i >= 0 {
		s = s[i+1:]
	}
	return strings.Split(s, ",")
}

// Router is the immutable-after-load description of one fleet member.
type Router struct {
	Name string `json:"name"`
	Code string `json:"code,omitempty"` // short code (rNNN), assigned by the Registry
	Metadata

	Interfaces []Interface `json:"interfaces"`

	// RoutingTables maps table id -> ordered routes.
	RoutingTables map[int][]Route `json:"routing_tables"`
	PolicyRules   []PolicyRule    `json:"policy_rules"`

	// Rules maps (table, chain) -> ordered rule list.
	Rules map[TableName]map[string][]IptablesRule `json:"-"`
	// ChainPolicy maps (table, chain) -> default policy when no rule matches.
	ChainPolicy map[TableName]map[string]Target `json:"-"`

	Ipsets map[string]Set `json:"ipsets"`

	// IptablesSaveRaw and IpsetSaveRaw hold the verbatim on-disk text so the
	// Fabric Builder can feed them to iptables-restore/ipset-restore without
	// re-emitting a re-derived rendition.
	IptablesSaveRaw string `json:"-"`
	IpsetSaveRaw    string `json:"-"`
}

// PacketTuple is the 5-tuple-plus-marking used throughout matching, routing
// and analysis.
type PacketTuple struct {
	SrcIP    string
	DstIP    string
	Proto    string // "tcp"|"udp"|"icmp"
	SrcPort  int
	DstPort  int
	InIface  string
	OutIface string
	FWMark   uint32
	DSCP     uint8
}

// Fleet is the loaded set of routers plus the precomputed indices LoadFleet
// builds: ip -> owning router/interface, and subnet -> routers attached to it.
type Fleet struct {
	Routers map[string]*Router

	ipOwner     map[string]ifaceOwner   // exact interface IP -> (router, iface)
	subnetOwner map[string][]ifaceOwner // CIDR string -> routers with an interface on it
}

type ifaceOwner struct {
	Router    string
	Interface string
	CIDR      string
}

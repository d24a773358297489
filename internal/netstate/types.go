// Package netstate holds the network state model shared by the engine and
// the backends: interfaces, routes, route rules, DNS, hostname and global
// OVSDB configuration.
//
// Every optional field is a pointer (or a nil slice/map) and an unset field
// means "leave unchanged". Field names follow the kebab-case document keys.
package netstate

// InterfaceType identifies the interface variant.
type InterfaceType string

const (
	TypeEthernet     InterfaceType = "ethernet"
	TypeVeth         InterfaceType = "veth"
	TypeLinuxBridge  InterfaceType = "linux-bridge"
	TypeBond         InterfaceType = "bond"
	TypeVlan         InterfaceType = "vlan"
	TypeVxlan        InterfaceType = "vxlan"
	TypeMacVlan      InterfaceType = "mac-vlan"
	TypeMacVtap      InterfaceType = "mac-vtap"
	TypeVrf          InterfaceType = "vrf"
	TypeInfiniBand   InterfaceType = "infiniband"
	TypeDummy        InterfaceType = "dummy"
	TypeLoopback     InterfaceType = "loopback"
	TypeOvsBridge    InterfaceType = "ovs-bridge"
	TypeOvsInterface InterfaceType = "ovs-interface"
	TypeUnknown      InterfaceType = "unknown"
)

// InterfaceState is the administrative state.
type InterfaceState string

const (
	StateUp      InterfaceState = "up"
	StateDown    InterfaceState = "down"
	StateAbsent  InterfaceState = "absent"
	StateIgnore  InterfaceState = "ignore"
	StateUnknown InterfaceState = "unknown"
)

// NetworkState is a full snapshot of desired or current state.
type NetworkState struct {
	Interfaces []*Interface       `json:"interfaces,omitempty"`
	Routes     *Routes            `json:"routes,omitempty"`
	RouteRules *RouteRules        `json:"route-rules,omitempty"`
	DNS        *DNSState          `json:"dns-resolver,omitempty"`
	HostName   *HostNameState     `json:"hostname,omitempty"`
	OvsDB      *OvsDBGlobalConfig `json:"ovs-db,omitempty"`
}

// BaseInterface carries the fields shared by every variant.
type BaseInterface struct {
	Name           string            `json:"name" validate:"required,max=255"`
	Type           InterfaceType     `json:"type,omitempty"`
	State          InterfaceState    `json:"state,omitempty" validate:"omitempty,oneof=up down absent ignore unknown"`
	MacAddress     string            `json:"mac-address,omitempty" validate:"omitempty,mac"`
	MTU            *uint32           `json:"mtu,omitempty" validate:"omitempty,min=68,max=65535"`
	IPv4           *InterfaceIP      `json:"ipv4,omitempty"`
	IPv6           *InterfaceIP      `json:"ipv6,omitempty"`
	Controller     *string           `json:"controller,omitempty"`
	ControllerType InterfaceType     `json:"-"`
	Ethtool        *EthtoolConfig    `json:"ethtool,omitempty"`
	Ieee8021X      *Ieee8021XConfig  `json:"802.1x,omitempty"`
	OvsDB          *OvsDBIfaceConfig `json:"ovs-db,omitempty"`
}

// InterfaceIP is the per-family IP configuration.
type InterfaceIP struct {
	Enabled  *bool             `json:"enabled,omitempty"`
	DHCP     *bool             `json:"dhcp,omitempty"`
	Autoconf *bool             `json:"autoconf,omitempty"`
	Address  []InterfaceIPAddr `json:"address,omitempty" validate:"dive"`
}

// InterfaceIPAddr is a static address.
type InterfaceIPAddr struct {
	IP           string `json:"ip" validate:"required,ip"`
	PrefixLength uint8  `json:"prefix-length" validate:"max=128"`

	// Lifetimes are reported for dynamic addresses only.
	ValidLifeTime     string `json:"valid-life-time,omitempty"`
	PreferredLifeTime string `json:"preferred-life-time,omitempty"`
}

// EthtoolConfig holds offload feature switches.
type EthtoolConfig struct {
	Feature map[string]bool `json:"feature,omitempty"`
}

// SecretKeys name the fields backends never report in clear.
var SecretKeys = []string{"private-key-password", "password", "psk"}

// Ieee8021XConfig is the 802.1X supplicant configuration.
type Ieee8021XConfig struct {
	Identity           *string  `json:"identity,omitempty"`
	EapMethods         []string `json:"eap-methods,omitempty"`
	PrivateKey         *string  `json:"private-key,omitempty"`
	ClientCert         *string  `json:"client-cert,omitempty"`
	CaCert             *string  `json:"ca-cert,omitempty"`
	PrivateKeyPassword *string  `json:"private-key-password,omitempty"`
}

// OvsDBIfaceConfig holds per-interface OVSDB columns.
type OvsDBIfaceConfig struct {
	ExternalIDs map[string]string `json:"external_ids,omitempty"`
	OtherConfig map[string]string `json:"other_config,omitempty"`
}

// OvsDBGlobalConfig holds the Open_vSwitch table columns.
type OvsDBGlobalConfig struct {
	ExternalIDs map[string]string `json:"external_ids,omitempty"`
	OtherConfig map[string]string `json:"other_config,omitempty"`
}

// EthernetConfig is the ethernet payload.
type EthernetConfig struct {
	AutoNegotiation *bool   `json:"auto-negotiation,omitempty"`
	Speed           *uint32 `json:"speed,omitempty"`
	Duplex          string  `json:"duplex,omitempty" validate:"omitempty,oneof=full half"`
}

// VethConfig names the other end of a veth pair.
type VethConfig struct {
	Peer string `json:"peer" validate:"required"`
}

// BridgeConfig is shared by linux-bridge and ovs-bridge.
type BridgeConfig struct {
	Options *BridgeOptions      `json:"options,omitempty"`
	Ports   *[]BridgePortConfig `json:"port,omitempty" validate:"omitempty,dive"`
}

// BridgeOptions combines linux-bridge and ovs-bridge options; each backend
// reads the fields relevant to its variant.
type BridgeOptions struct {
	STP                 *STPOptions `json:"stp,omitempty"`
	MacAgeingTime       *uint32     `json:"mac-ageing-time,omitempty"`
	MulticastSnooping   *bool       `json:"multicast-snooping,omitempty"`
	VlanFiltering       *bool       `json:"vlan-filtering,omitempty"`
	McastSnoopingEnable *bool       `json:"mcast-snooping-enable,omitempty"`
	RSTP                *bool       `json:"rstp,omitempty"`

	// Runtime timers reported by the kernel, never applied.
	HelloTimer *uint64 `json:"hello-timer,omitempty"`
	GcTimer    *uint64 `json:"gc-timer,omitempty"`
}

// STPOptions are spanning tree settings; the timers are in seconds and get
// rounded by the kernel's centisecond clock.
type STPOptions struct {
	Enabled      *bool   `json:"enabled,omitempty"`
	ForwardDelay *uint8  `json:"forward-delay,omitempty"`
	HelloTime    *uint8  `json:"hello-time,omitempty"`
	MaxAge       *uint8  `json:"max-age,omitempty"`
	Priority     *uint16 `json:"priority,omitempty"`
}

// BridgePortConfig describes one bridge port.
type BridgePortConfig struct {
	Name        string  `json:"name" validate:"required"`
	STPPriority *uint16 `json:"stp-priority,omitempty"`
	STPPathCost *uint32 `json:"stp-path-cost,omitempty"`
}

// BondConfig is the link-aggregation payload.
type BondConfig struct {
	Mode    string            `json:"mode,omitempty" validate:"omitempty,oneof=balance-rr active-backup balance-xor broadcast 802.3ad balance-tlb balance-alb"`
	Options map[string]string `json:"options,omitempty"`
	Ports   *[]string         `json:"port,omitempty"`
}

// VlanConfig is the 802.1Q payload.
type VlanConfig struct {
	BaseIface string `json:"base-iface" validate:"required"`
	ID        uint16 `json:"id" validate:"max=4094"`
	Protocol  string `json:"protocol,omitempty" validate:"omitempty,oneof=802.1q 802.1ad"`
}

// VxlanConfig is the VXLAN payload.
type VxlanConfig struct {
	BaseIface string  `json:"base-iface,omitempty"`
	ID        uint32  `json:"id" validate:"min=1,max=16777215"`
	Remote    string  `json:"remote,omitempty" validate:"omitempty,ip"`
	Local     string  `json:"local,omitempty" validate:"omitempty,ip"`
	DstPort   *uint16 `json:"destination-port,omitempty"`
}

// MacVlanConfig is shared by mac-vlan and mac-vtap.
type MacVlanConfig struct {
	BaseIface   string `json:"base-iface" validate:"required"`
	Mode        string `json:"mode" validate:"required,oneof=vepa bridge private passthru source"`
	Promiscuous *bool  `json:"promiscuous,omitempty"`
}

// VrfConfig is the VRF payload.
type VrfConfig struct {
	Ports      *[]string `json:"port,omitempty"`
	RouteTable uint32    `json:"route-table-id" validate:"required,min=1"`
}

// InfiniBandConfig is the IPoIB payload.
type InfiniBandConfig struct {
	BaseIface string `json:"base-iface,omitempty"`
	Pkey      string `json:"pkey,omitempty"`
	Mode      string `json:"mode,omitempty" validate:"omitempty,oneof=datagram connected"`
}

// DNSState is the resolver configuration.
type DNSState struct {
	Running *DNSClientState `json:"running,omitempty"`
	Config  *DNSClientState `json:"config,omitempty"`
}

// DNSClientState lists servers, search domains and options.
type DNSClientState struct {
	Server  *[]string `json:"server,omitempty"`
	Search  *[]string `json:"search,omitempty"`
	Options *[]string `json:"options,omitempty"`
}

// HostNameState is the hostname configuration.
type HostNameState struct {
	Running *string `json:"running,omitempty"`
	Config  *string `json:"config,omitempty" validate:"omitempty,hostname_rfc1123"`
}

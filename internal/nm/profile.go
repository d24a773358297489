package nm

import (
	"sort"
	"strconv"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"grimm.is/netconverge/internal/neterr"
	"grimm.is/netconverge/internal/netstate"
	"grimm.is/netconverge/internal/value"
)

// Settings is a NetworkManager connection as sent over D-Bus.
type Settings map[string]map[string]dbus.Variant

// profile is one connection profile. An interface usually maps to one;
// an OVS port gets a second profile for its ovs-port.
type profile struct {
	ID       string
	UUID     string
	Settings Settings
}

// profileNamespace seeds profile UUIDs so the same interface always maps
// to the same connection.
var profileNamespace = uuid.MustParse("5b2c8a8e-1f0e-4c39-9b6e-0d5c0a3f7e11")

func profileUUID(kind, name string) string {
	return uuid.NewSHA1(profileNamespace, []byte(kind+"/"+name)).String()
}

var connectionTypes = map[netstate.InterfaceType]string{
	netstate.TypeEthernet:     "802-3-ethernet",
	netstate.TypeVeth:         "veth",
	netstate.TypeLinuxBridge:  "bridge",
	netstate.TypeBond:         "bond",
	netstate.TypeVlan:         "vlan",
	netstate.TypeVxlan:        "vxlan",
	netstate.TypeMacVlan:      "macvlan",
	netstate.TypeMacVtap:      "macvlan",
	netstate.TypeVrf:          "vrf",
	netstate.TypeInfiniBand:   "infiniband",
	netstate.TypeDummy:        "dummy",
	netstate.TypeOvsBridge:    "ovs-bridge",
	netstate.TypeOvsInterface: "ovs-interface",
}

var portTypes = map[netstate.InterfaceType]string{
	netstate.TypeLinuxBridge: "bridge",
	netstate.TypeBond:        "bond",
	netstate.TypeVrf:         "vrf",
}

var macvlanModes = map[string]uint32{
	"vepa":     1,
	"bridge":   2,
	"private":  3,
	"passthru": 4,
	"source":   5,
}

func ovsPortName(iface string) string {
	return "ovs-port-" + iface
}

// profilesFor renders the profiles for iface, controllers first.
func profilesFor(iface *netstate.Interface) ([]profile, error) {
	ctype, ok := connectionTypes[iface.Type]
	if !ok {
		return nil, neterr.NotSupported("interface %s: type %s has no NetworkManager profile", iface.Name, iface.Type)
	}

	s := Settings{}
	conn := map[string]dbus.Variant{
		"id":             dbus.MakeVariant(iface.Name),
		"uuid":           dbus.MakeVariant(profileUUID(string(iface.Type), iface.Name)),
		"type":           dbus.MakeVariant(ctype),
		"interface-name": dbus.MakeVariant(iface.Name),
		"autoconnect":    dbus.MakeVariant(true),
	}
	s["connection"] = conn

	var out []profile
	controller := iface.ControllerName()
	switch {
	case controller == "":
	case iface.ControllerType == netstate.TypeOvsBridge:
		port := ovsPortName(iface.Name)
		out = append(out, profile{
			ID:   port,
			UUID: profileUUID("ovs-port", iface.Name),
			Settings: Settings{
				"connection": {
					"id":             dbus.MakeVariant(port),
					"uuid":           dbus.MakeVariant(profileUUID("ovs-port", iface.Name)),
					"type":           dbus.MakeVariant("ovs-port"),
					"interface-name": dbus.MakeVariant(port),
					"master":         dbus.MakeVariant(controller),
					"slave-type":     dbus.MakeVariant("ovs-bridge"),
					"autoconnect":    dbus.MakeVariant(true),
				},
				"ovs-port": {},
			},
		})
		conn["master"] = dbus.MakeVariant(port)
		conn["slave-type"] = dbus.MakeVariant("ovs-port")
	default:
		pt, ok := portTypes[iface.ControllerType]
		if !ok {
			return nil, neterr.NotSupported("interface %s: controller type %s", iface.Name, iface.ControllerType)
		}
		conn["master"] = dbus.MakeVariant(controller)
		conn["slave-type"] = dbus.MakeVariant(pt)
	}

	if err := typeSettings(s, iface); err != nil {
		return nil, err
	}
	if controller == "" && iface.Type != netstate.TypeOvsBridge {
		s["ipv4"] = ipSettings(iface.IPv4, false)
		s["ipv6"] = ipSettings(iface.IPv6, true)
	}
	if iface.Ieee8021X != nil {
		s["802-1x"] = dot1xSettings(iface.Ieee8021X)
	}

	out = append(out, profile{ID: iface.Name, UUID: profileUUID(string(iface.Type), iface.Name), Settings: s})
	return out, nil
}

func typeSettings(s Settings, iface *netstate.Interface) error {
	sec := map[string]dbus.Variant{}
	switch iface.Type {
	case netstate.TypeEthernet:
		if e := iface.Ethernet; e != nil {
			if e.AutoNegotiation != nil {
				sec["auto-negotiate"] = dbus.MakeVariant(*e.AutoNegotiation)
			}
			if e.Speed != nil {
				sec["speed"] = dbus.MakeVariant(*e.Speed)
			}
			if e.Duplex != "" {
				sec["duplex"] = dbus.MakeVariant(e.Duplex)
			}
		}
		if iface.MTU != nil {
			sec["mtu"] = dbus.MakeVariant(*iface.MTU)
		}
		s["802-3-ethernet"] = sec

	case netstate.TypeVeth:
		if peer := iface.VethPeer(); peer != "" {
			sec["peer"] = dbus.MakeVariant(peer)
		}
		s["veth"] = sec

	case netstate.TypeOvsBridge:
		if b := iface.Bridge; b != nil && b.Options != nil {
			o := b.Options
			if o.STP != nil && o.STP.Enabled != nil {
				sec["stp-enable"] = dbus.MakeVariant(*o.STP.Enabled)
			}
			if o.RSTP != nil {
				sec["rstp-enable"] = dbus.MakeVariant(*o.RSTP)
			}
			if o.McastSnoopingEnable != nil {
				sec["mcast-snooping-enable"] = dbus.MakeVariant(*o.McastSnoopingEnable)
			}
		}
		s["ovs-bridge"] = sec

	case netstate.TypeOvsInterface:
		sec["type"] = dbus.MakeVariant("internal")
		s["ovs-interface"] = sec

	case netstate.TypeLinuxBridge:
		if b := iface.Bridge; b != nil && b.Options != nil {
			o := b.Options
			if stp := o.STP; stp != nil {
				if stp.Enabled != nil {
					sec["stp"] = dbus.MakeVariant(*stp.Enabled)
				}
				if stp.ForwardDelay != nil {
					sec["forward-delay"] = dbus.MakeVariant(uint32(*stp.ForwardDelay))
				}
				if stp.HelloTime != nil {
					sec["hello-time"] = dbus.MakeVariant(uint32(*stp.HelloTime))
				}
				if stp.MaxAge != nil {
					sec["max-age"] = dbus.MakeVariant(uint32(*stp.MaxAge))
				}
				if stp.Priority != nil {
					sec["priority"] = dbus.MakeVariant(uint32(*stp.Priority))
				}
			}
			if o.MacAgeingTime != nil {
				sec["ageing-time"] = dbus.MakeVariant(*o.MacAgeingTime)
			}
			if o.MulticastSnooping != nil {
				sec["multicast-snooping"] = dbus.MakeVariant(*o.MulticastSnooping)
			}
			if o.VlanFiltering != nil {
				sec["vlan-filtering"] = dbus.MakeVariant(*o.VlanFiltering)
			}
		}
		s["bridge"] = sec

	case netstate.TypeBond:
		opts := map[string]string{}
		if b := iface.Bond; b != nil {
			for k, v := range b.Options {
				opts[k] = v
			}
			if b.Mode != "" {
				opts["mode"] = b.Mode
			}
		}
		sec["options"] = dbus.MakeVariant(opts)
		s["bond"] = sec

	case netstate.TypeVlan:
		if v := iface.Vlan; v != nil {
			sec["parent"] = dbus.MakeVariant(v.BaseIface)
			sec["id"] = dbus.MakeVariant(uint32(v.ID))
		}
		s["vlan"] = sec

	case netstate.TypeVxlan:
		if v := iface.Vxlan; v != nil {
			sec["id"] = dbus.MakeVariant(v.ID)
			if v.BaseIface != "" {
				sec["parent"] = dbus.MakeVariant(v.BaseIface)
			}
			if v.Remote != "" {
				sec["remote"] = dbus.MakeVariant(v.Remote)
			}
			if v.Local != "" {
				sec["local"] = dbus.MakeVariant(v.Local)
			}
			if v.DstPort != nil {
				sec["destination-port"] = dbus.MakeVariant(uint32(*v.DstPort))
			}
		}
		s["vxlan"] = sec

	case netstate.TypeMacVlan, netstate.TypeMacVtap:
		cfg := iface.MacVlan
		if iface.Type == netstate.TypeMacVtap {
			cfg = iface.MacVtap
		}
		if cfg != nil {
			sec["parent"] = dbus.MakeVariant(cfg.BaseIface)
			sec["mode"] = dbus.MakeVariant(macvlanModes[cfg.Mode])
			if cfg.Promiscuous != nil {
				sec["promiscuous"] = dbus.MakeVariant(*cfg.Promiscuous)
			}
		}
		sec["tap"] = dbus.MakeVariant(iface.Type == netstate.TypeMacVtap)
		s["macvlan"] = sec

	case netstate.TypeVrf:
		if v := iface.Vrf; v != nil {
			sec["table"] = dbus.MakeVariant(v.RouteTable)
		}
		s["vrf"] = sec

	case netstate.TypeInfiniBand:
		if ib := iface.InfiniBand; ib != nil {
			if ib.Mode != "" {
				sec["transport-mode"] = dbus.MakeVariant(ib.Mode)
			}
			if ib.BaseIface != "" {
				sec["parent"] = dbus.MakeVariant(ib.BaseIface)
			}
			if ib.Pkey != "" {
				pkey, err := strconv.ParseInt(ib.Pkey, 0, 32)
				if err != nil {
					return neterr.InvalidArgument("interface %s: invalid pkey %q", iface.Name, ib.Pkey)
				}
				sec["p-key"] = dbus.MakeVariant(int32(pkey))
			}
		}
		s["infiniband"] = sec

	case netstate.TypeDummy:
		s["dummy"] = sec
	}
	return nil
}

// ipSettings renders one address family. An interface without addresses
// or a dynamic method has IPv4 disabled and IPv6 link-local only.
func ipSettings(ip *netstate.InterfaceIP, v6 bool) map[string]dbus.Variant {
	sec := map[string]dbus.Variant{}
	method := "disabled"
	if v6 {
		method = "link-local"
	}
	if ip != nil && ip.Enabled != nil && !*ip.Enabled {
		if v6 {
			method = "disabled"
		}
		sec["method"] = dbus.MakeVariant(method)
		return sec
	}
	if ip != nil {
		switch {
		case v6 && ip.DHCP != nil && *ip.DHCP && (ip.Autoconf == nil || !*ip.Autoconf):
			method = "dhcp"
		case v6 && ip.Autoconf != nil && *ip.Autoconf:
			method = "auto"
		case !v6 && ip.DHCP != nil && *ip.DHCP:
			method = "auto"
		}

		var addrs []map[string]dbus.Variant
		for _, a := range ip.Address {
			if a.ValidLifeTime != "" {
				continue
			}
			if v6 && strings.HasPrefix(strings.ToLower(a.IP), "fe80:") {
				continue
			}
			addrs = append(addrs, map[string]dbus.Variant{
				"address": dbus.MakeVariant(a.IP),
				"prefix":  dbus.MakeVariant(uint32(a.PrefixLength)),
			})
		}
		if len(addrs) > 0 {
			sort.Slice(addrs, func(i, j int) bool {
				return addrs[i]["address"].Value().(string) < addrs[j]["address"].Value().(string)
			})
			sec["address-data"] = dbus.MakeVariant(addrs)
			if method == "disabled" || method == "link-local" {
				method = "manual"
			}
		}
	}
	sec["method"] = dbus.MakeVariant(method)
	return sec
}

func dot1xSettings(c *netstate.Ieee8021XConfig) map[string]dbus.Variant {
	sec := map[string]dbus.Variant{}
	if c.Identity != nil {
		sec["identity"] = dbus.MakeVariant(*c.Identity)
	}
	if len(c.EapMethods) > 0 {
		sec["eap"] = dbus.MakeVariant(c.EapMethods)
	}
	for key, path := range map[string]*string{
		"ca-cert":     c.CaCert,
		"client-cert": c.ClientCert,
		"private-key": c.PrivateKey,
	} {
		if path != nil {
			sec[key] = dbus.MakeVariant(certPath(*path))
		}
	}
	if c.PrivateKeyPassword != nil {
		sec["private-key-password"] = dbus.MakeVariant(*c.PrivateKeyPassword)
	}
	return sec
}

// profileState reads back the settings ipSettings and dot1xSettings
// write. Secrets are never returned by GetSettings; a configured private
// key password is reported as the redaction sentinel.
func profileState(name string, s map[string]map[string]dbus.Variant) *netstate.Interface {
	iface := &netstate.Interface{}
	iface.Name = name
	iface.Type = netstate.TypeUnknown
	if sec, ok := s["ipv4"]; ok {
		iface.IPv4 = ipState(sec, false)
	}
	if sec, ok := s["ipv6"]; ok {
		iface.IPv6 = ipState(sec, true)
	}
	if sec, ok := s["802-1x"]; ok {
		iface.Ieee8021X = dot1xState(sec)
	}
	return iface
}

// ipState maps a profile method to the dynamic addressing switches. IPv6
// "auto" runs both DHCPv6 and autoconf.
func ipState(sec map[string]dbus.Variant, v6 bool) *netstate.InterfaceIP {
	method, _ := sec["method"].Value().(string)
	ip := &netstate.InterfaceIP{}
	dhcp, autoconf := false, false
	switch method {
	case "ignore", "":
		return nil
	case "auto":
		dhcp, autoconf = true, v6
	case "dhcp":
		dhcp = true
	}
	ip.DHCP = netstate.Ptr(dhcp)
	if v6 {
		ip.Autoconf = netstate.Ptr(autoconf)
	}
	return ip
}

func dot1xState(sec map[string]dbus.Variant) *netstate.Ieee8021XConfig {
	c := &netstate.Ieee8021XConfig{}
	if v, ok := sec["identity"].Value().(string); ok {
		c.Identity = &v
	}
	if v, ok := sec["eap"].Value().([]string); ok {
		c.EapMethods = v
	}
	for key, dst := range map[string]**string{
		"ca-cert":     &c.CaCert,
		"client-cert": &c.ClientCert,
		"private-key": &c.PrivateKey,
	} {
		if blob, ok := sec[key].Value().([]byte); ok {
			path := pathFromCert(blob)
			*dst = &path
		}
	}
	if c.PrivateKey != nil {
		c.PrivateKeyPassword = netstate.Ptr(value.RedactionSentinel)
	}
	return c
}

// pathFromCert undoes certPath.
func pathFromCert(blob []byte) string {
	return strings.TrimPrefix(strings.TrimRight(string(blob), "\x00"), "file://")
}

// certPath encodes a certificate path the way NetworkManager expects a
// path-scheme blob.
func certPath(path string) []byte {
	return append([]byte("file://"+path), 0)
}

package network

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"grimm.is/netconverge/internal/neterr"
	"grimm.is/netconverge/internal/netstate"
)

var macvlanModeNames = map[netlink.MacvlanMode]string{
	netlink.MACVLAN_MODE_PRIVATE:  "private",
	netlink.MACVLAN_MODE_VEPA:     "vepa",
	netlink.MACVLAN_MODE_BRIDGE:   "bridge",
	netlink.MACVLAN_MODE_PASSTHRU: "passthru",
	netlink.MACVLAN_MODE_SOURCE:   "source",
}

var ruleActionNames = map[uint8]string{
	rtnBlackhole:   "blackhole",
	rtnUnreachable: "unreachable",
	rtnProhibit:    "prohibit",
}

// Retrieve reads interfaces, addresses, routes and policy rules.
func (p *Provider) Retrieve(ctx context.Context) (*netstate.NetworkState, error) {
	links, err := p.nl.LinkList()
	if err != nil {
		return nil, neterr.FromErrno(err, "failed to list links")
	}
	names := make(map[int]string, len(links))
	for _, link := range links {
		names[link.Attrs().Index] = link.Attrs().Name
	}

	state := &netstate.NetworkState{}
	for _, link := range links {
		if err := interrupted(ctx, "retrieve"); err != nil {
			return nil, err
		}
		iface, err := p.interfaceFromLink(link, names)
		if err != nil {
			return nil, err
		}
		state.Interfaces = append(state.Interfaces, iface)
	}
	p.derivePorts(state.Interfaces)

	if state.Routes, err = p.retrieveRoutes(names); err != nil {
		return nil, err
	}
	if state.RouteRules, err = p.retrieveRules(); err != nil {
		return nil, err
	}
	p.log.Debug("retrieved kernel state", "interfaces", len(state.Interfaces),
		"routes", len(state.Routes.Running), "rules", len(state.RouteRules.Config))
	return state, nil
}

func linkType(link netlink.Link) netstate.InterfaceType {
	switch link.Type() {
	case "veth":
		return netstate.TypeVeth
	case "bridge":
		return netstate.TypeLinuxBridge
	case "bond":
		return netstate.TypeBond
	case "vlan":
		return netstate.TypeVlan
	case "vxlan":
		return netstate.TypeVxlan
	case "macvlan":
		return netstate.TypeMacVlan
	case "macvtap":
		return netstate.TypeMacVtap
	case "vrf":
		return netstate.TypeVrf
	case "dummy":
		return netstate.TypeDummy
	case "ipoib":
		return netstate.TypeInfiniBand
	case "openvswitch":
		return netstate.TypeOvsInterface
	case "device":
		attrs := link.Attrs()
		switch {
		case attrs.Flags&net.FlagLoopback != 0 || attrs.EncapType == "loopback":
			return netstate.TypeLoopback
		case attrs.EncapType == "infiniband":
			return netstate.TypeInfiniBand
		case attrs.EncapType == "ether" || attrs.EncapType == "":
			return netstate.TypeEthernet
		}
	}
	return netstate.TypeUnknown
}

func (p *Provider) interfaceFromLink(link netlink.Link, names map[int]string) (*netstate.Interface, error) {
	attrs := link.Attrs()
	iface := &netstate.Interface{}
	iface.Name = attrs.Name
	iface.Type = linkType(link)
	iface.State = netstate.StateDown
	if attrs.Flags&net.FlagUp != 0 {
		iface.State = netstate.StateUp
	}
	if len(attrs.HardwareAddr) > 0 {
		iface.MacAddress = strings.ToUpper(attrs.HardwareAddr.String())
	}
	if attrs.MTU > 0 {
		iface.MTU = netstate.Ptr(uint32(attrs.MTU))
	}
	if name, ok := names[attrs.MasterIndex]; ok && attrs.MasterIndex > 0 {
		iface.Controller = netstate.Ptr(name)
	}

	switch l := link.(type) {
	case *netlink.Veth:
		// A peer moved to another namespace has an index from that namespace.
		if peer, ok := names[attrs.ParentIndex]; ok && attrs.ParentIndex > 0 && attrs.NetNsID < 0 {
			iface.Veth = &netstate.VethConfig{Peer: peer}
		}
	case *netlink.Bridge:
		iface.Bridge = &netstate.BridgeConfig{Options: p.bridgeOptions(l)}
	case *netlink.Bond:
		iface.Bond = &netstate.BondConfig{Mode: l.Mode.String(), Options: bondOptions(l)}
	case *netlink.Vlan:
		iface.Vlan = &netstate.VlanConfig{
			BaseIface: names[attrs.ParentIndex],
			ID:        uint16(l.VlanId),
			Protocol:  vlanProtocolName(l.VlanProtocol),
		}
	case *netlink.Vxlan:
		cfg := &netstate.VxlanConfig{
			BaseIface: names[l.VtepDevIndex],
			ID:        uint32(l.VxlanId),
			Remote:    ipString(l.Group),
			Local:     ipString(l.SrcAddr),
		}
		if l.Port > 0 {
			cfg.DstPort = netstate.Ptr(uint16(l.Port))
		}
		iface.Vxlan = cfg
	case *netlink.Macvlan:
		iface.MacVlan = &netstate.MacVlanConfig{BaseIface: names[attrs.ParentIndex], Mode: macvlanModeNames[l.Mode]}
	case *netlink.Macvtap:
		iface.MacVtap = &netstate.MacVlanConfig{BaseIface: names[attrs.ParentIndex], Mode: macvlanModeNames[l.Mode]}
	case *netlink.Vrf:
		iface.Vrf = &netstate.VrfConfig{RouteTable: l.Table}
	case *netlink.IPoIB:
		cfg := &netstate.InfiniBandConfig{Pkey: fmt.Sprintf("0x%04x", l.Pkey), Mode: "datagram"}
		if l.Mode == netlink.IPOIB_MODE_CONNECTED {
			cfg.Mode = "connected"
		}
		if attrs.ParentIndex > 0 {
			cfg.BaseIface = names[attrs.ParentIndex]
		}
		iface.InfiniBand = cfg
	}

	var err error
	if iface.IPv4, err = p.retrieveIP(link, unix.AF_INET); err != nil {
		return nil, err
	}
	if iface.IPv6, err = p.retrieveIP(link, unix.AF_INET6); err != nil {
		return nil, err
	}

	if p.eth != nil && iface.Type != netstate.TypeLoopback {
		features, err := p.eth.Features(attrs.Name)
		if err != nil {
			p.log.Debug("ethtool features unavailable", "interface", attrs.Name, "error", err)
		} else if len(features) > 0 {
			iface.Ethtool = &netstate.EthtoolConfig{Feature: features}
		}
	}
	return iface, nil
}

// derivePorts fills controller port lists from the members' controller.
func (p *Provider) derivePorts(ifaces []*netstate.Interface) {
	ports := map[string][]string{}
	for _, iface := range ifaces {
		if c := iface.ControllerName(); c != "" {
			ports[c] = append(ports[c], iface.Name)
		}
	}
	for _, iface := range ifaces {
		if !iface.IsController() {
			continue
		}
		names := ports[iface.Name]
		sort.Strings(names)
		iface.SetPorts(names)
		if iface.Type != netstate.TypeLinuxBridge {
			continue
		}
		for i := range *iface.Bridge.Ports {
			port := &(*iface.Bridge.Ports)[i]
			if v, ok := p.readUint(bridgePortAttr(port.Name, "priority")); ok {
				port.STPPriority = netstate.Ptr(uint16(v))
			}
			if v, ok := p.readUint(bridgePortAttr(port.Name, "path_cost")); ok {
				port.STPPathCost = netstate.Ptr(uint32(v))
			}
		}
	}
}

// bridgeOptions combines the netlink attributes with the sysfs STP
// settings. Timers are reported by the kernel in centiseconds.
func (p *Provider) bridgeOptions(br *netlink.Bridge) *netstate.BridgeOptions {
	name := br.Attrs().Name
	opts := &netstate.BridgeOptions{
		MulticastSnooping: br.MulticastSnooping,
		VlanFiltering:     br.VlanFiltering,
	}
	if br.AgeingTime != nil {
		opts.MacAgeingTime = netstate.Ptr(*br.AgeingTime / 100)
	} else if v, ok := p.readUint(bridgeAttr(name, "ageing_time")); ok {
		opts.MacAgeingTime = netstate.Ptr(uint32(v / 100))
	}

	stp := &netstate.STPOptions{}
	if v, ok := p.readUint(bridgeAttr(name, "stp_state")); ok {
		stp.Enabled = netstate.Ptr(v != 0)
	}
	if v, ok := p.readUint(bridgeAttr(name, "forward_delay")); ok {
		stp.ForwardDelay = netstate.Ptr(uint8(v / 100))
	}
	if br.HelloTime != nil {
		stp.HelloTime = netstate.Ptr(uint8(*br.HelloTime / 100))
	} else if v, ok := p.readUint(bridgeAttr(name, "hello_time")); ok {
		stp.HelloTime = netstate.Ptr(uint8(v / 100))
	}
	if v, ok := p.readUint(bridgeAttr(name, "max_age")); ok {
		stp.MaxAge = netstate.Ptr(uint8(v / 100))
	}
	if v, ok := p.readUint(bridgeAttr(name, "priority")); ok {
		stp.Priority = netstate.Ptr(uint16(v))
	}
	if stp.Enabled != nil || stp.ForwardDelay != nil || stp.HelloTime != nil ||
		stp.MaxAge != nil || stp.Priority != nil {
		opts.STP = stp
	}
	return opts
}

func bondOptions(b *netlink.Bond) map[string]string {
	opts := map[string]string{}
	if b.Miimon >= 0 {
		opts["miimon"] = strconv.Itoa(b.Miimon)
	}
	if b.UpDelay >= 0 {
		opts["updelay"] = strconv.Itoa(b.UpDelay)
	}
	if b.DownDelay >= 0 {
		opts["downdelay"] = strconv.Itoa(b.DownDelay)
	}
	switch b.Mode {
	case netlink.BOND_MODE_802_3AD:
		if b.LacpRate >= 0 {
			opts["lacp_rate"] = b.LacpRate.String()
		}
		fallthrough
	case netlink.BOND_MODE_BALANCE_XOR:
		if b.XmitHashPolicy >= 0 {
			opts["xmit_hash_policy"] = b.XmitHashPolicy.String()
		}
	}
	if len(opts) == 0 {
		return nil
	}
	return opts
}

func vlanProtocolName(p netlink.VlanProtocol) string {
	switch p {
	case netlink.VLAN_PROTOCOL_8021Q:
		return "802.1q"
	case netlink.VLAN_PROTOCOL_8021AD:
		return "802.1ad"
	}
	return ""
}

func ipString(ip net.IP) string {
	if ip == nil || ip.IsUnspecified() {
		return ""
	}
	return ip.String()
}

func (p *Provider) readUint(path string) (uint64, bool) {
	s, err := p.sys.ReadSysctl(path)
	if err != nil {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (p *Provider) retrieveIP(link netlink.Link, family int) (*netstate.InterfaceIP, error) {
	addrs, err := p.nl.AddrList(link, family)
	if err != nil {
		return nil, neterr.FromErrno(err, fmt.Sprintf("failed to list addresses of %s", link.Attrs().Name))
	}
	ip := &netstate.InterfaceIP{Enabled: netstate.Ptr(len(addrs) > 0)}
	if family == unix.AF_INET6 {
		if v, err := p.sys.ReadSysctl(disableIPv6Path(link.Attrs().Name)); err == nil {
			ip.Enabled = netstate.Ptr(v == "0")
		}
	}
	for _, a := range addrs {
		if a.IPNet == nil {
			continue
		}
		ones, _ := a.Mask.Size()
		entry := netstate.InterfaceIPAddr{IP: a.IP.String(), PrefixLength: uint8(ones)}
		if a.ValidLft != 0 && uint32(a.ValidLft) != infiniteLifetime {
			entry.ValidLifeTime = fmt.Sprintf("%dsec", a.ValidLft)
			entry.PreferredLifeTime = fmt.Sprintf("%dsec", a.PreferedLft)
		}
		ip.Address = append(ip.Address, entry)
	}
	return ip, nil
}

// retrieveRoutes reports every unicast route outside the local table as
// running, and the routes not installed by the kernel, DHCP or router
// advertisements as config.
func (p *Provider) retrieveRoutes(names map[int]string) (*netstate.Routes, error) {
	out := &netstate.Routes{}
	for _, family := range []int{unix.AF_INET, unix.AF_INET6} {
		routes, err := p.nl.RouteListAll(family)
		if err != nil {
			return nil, neterr.FromErrno(err, "failed to list routes")
		}
		for _, r := range routes {
			if r.Table == rtTableLocal || (r.Type != 0 && r.Type != rtnUnicast) {
				continue
			}
			if r.Dst != nil && (r.Dst.IP.IsMulticast() || (r.Protocol == rtprotKernel && r.Dst.IP.IsLinkLocalUnicast())) {
				continue
			}
			entry := routeEntry(r, family, names)
			out.Running = append(out.Running, entry)
			switch r.Protocol {
			case rtprotKernel, rtprotRA, rtprotDHCP:
			default:
				out.Config = append(out.Config, entry)
			}
		}
	}
	return out, nil
}

func routeEntry(r netlink.Route, family int, names map[int]string) netstate.RouteEntry {
	dst := "0.0.0.0/0"
	if family == unix.AF_INET6 {
		dst = "::/0"
	}
	if r.Dst != nil {
		dst = r.Dst.String()
	}
	entry := netstate.RouteEntry{
		Destination: netstate.Ptr(dst),
		Metric:      netstate.Ptr(int64(r.Priority)),
		TableID:     netstate.Ptr(uint32(r.Table)),
	}
	if name, ok := names[r.LinkIndex]; ok {
		entry.NextHopInterface = netstate.Ptr(name)
	}
	if r.Gw != nil {
		entry.NextHopAddress = netstate.Ptr(r.Gw.String())
	}
	return entry
}

func (p *Provider) retrieveRules() (*netstate.RouteRules, error) {
	out := &netstate.RouteRules{}
	for _, family := range []int{unix.AF_INET, unix.AF_INET6} {
		rules, err := p.nl.RuleList(family)
		if err != nil {
			return nil, neterr.FromErrno(err, "failed to list rules")
		}
		for _, r := range rules {
			if isDefaultRule(r) {
				continue
			}
			out.Config = append(out.Config, ruleEntry(r, family))
		}
	}
	return out, nil
}

// isDefaultRule matches the lookup rules every namespace starts with.
func isDefaultRule(r netlink.Rule) bool {
	if r.Src != nil || r.Dst != nil || r.Mark != 0 || r.IifName != "" || r.OifName != "" {
		return false
	}
	switch r.Table {
	case rtTableLocal, rtTableMain, rtTableDefault:
		return true
	}
	return false
}

func ruleEntry(r netlink.Rule, family int) netstate.RouteRuleEntry {
	entry := netstate.RouteRuleEntry{Family: "ipv4"}
	if family == unix.AF_INET6 {
		entry.Family = "ipv6"
	}
	if r.Priority >= 0 {
		entry.Priority = netstate.Ptr(int64(r.Priority))
	}
	if r.Src != nil {
		entry.IPFrom = netstate.Ptr(r.Src.String())
	}
	if r.Dst != nil {
		entry.IPTo = netstate.Ptr(r.Dst.String())
	}
	if r.Table > 0 {
		entry.RouteTable = netstate.Ptr(uint32(r.Table))
	}
	if r.Mark != 0 {
		entry.Fwmark = netstate.Ptr(r.Mark)
	}
	if r.IifName != "" {
		entry.Iif = netstate.Ptr(r.IifName)
	}
	entry.Action = ruleActionNames[r.Type]
	return entry
}

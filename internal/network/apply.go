package network

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"grimm.is/netconverge/internal/neterr"
	"grimm.is/netconverge/internal/netstate"
)

// Apply realises conf: rules and routes are removed first, then links are
// deleted, created and changed in the given order, and finally routes and
// rules are installed. The first failure aborts the apply.
func (p *Provider) Apply(ctx context.Context, conf *NetConf) error {
	if conf == nil || conf.Empty() {
		return nil
	}

	for _, r := range conf.Rules.Remove {
		if err := p.delRule(r); err != nil {
			return err
		}
	}
	for _, r := range conf.Routes.Remove {
		if err := p.delRoute(r); err != nil {
			return err
		}
	}

	links, err := p.nl.LinkList()
	if err != nil {
		return neterr.FromErrno(err, "failed to list links")
	}
	present := make(map[string]bool, len(links))
	for _, l := range links {
		present[l.Attrs().Name] = true
	}

	for _, iface := range conf.Delete {
		if err := interrupted(ctx, "kernel apply"); err != nil {
			return err
		}
		if !present[iface.Name] {
			// The peer of a deleted veth goes with it.
			p.log.Debug("interface already gone", "interface", iface.Name)
			continue
		}
		if err := p.deleteLink(iface); err != nil {
			return err
		}
	}
	for _, iface := range conf.Add {
		if err := interrupted(ctx, "kernel apply"); err != nil {
			return err
		}
		if err := p.addLink(iface); err != nil {
			return err
		}
		if err := p.configure(iface); err != nil {
			return err
		}
	}
	for _, iface := range conf.Change {
		if err := interrupted(ctx, "kernel apply"); err != nil {
			return err
		}
		if err := p.configure(iface); err != nil {
			return err
		}
	}
	// Port settings need the ports attached, which happens after their
	// bridge is configured.
	for _, group := range [][]*netstate.Interface{conf.Add, conf.Change} {
		for _, iface := range group {
			if err := p.applyBridgePorts(iface); err != nil {
				return err
			}
		}
	}

	for _, r := range conf.Routes.Add {
		if err := p.addRoute(r); err != nil {
			return err
		}
	}
	for _, r := range conf.Rules.Add {
		if err := p.addRule(r); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) link(name string) (netlink.Link, error) {
	link, err := p.nl.LinkByName(name)
	if err != nil {
		return nil, neterr.FromErrno(err, fmt.Sprintf("failed to find interface %s", name))
	}
	return link, nil
}

func (p *Provider) deleteLink(iface *netstate.Interface) error {
	link, err := p.link(iface.Name)
	if err != nil {
		return err
	}
	if err := p.nl.LinkDel(link); err != nil {
		return neterr.FromErrno(err, fmt.Sprintf("failed to delete %s", iface))
	}
	p.log.Info("deleted interface", "interface", iface.Name, "type", string(iface.Type))
	return nil
}

func (p *Provider) addLink(iface *netstate.Interface) error {
	link, err := p.newLink(iface)
	if err != nil {
		return err
	}
	if err := p.nl.LinkAdd(link); err != nil {
		return neterr.FromErrno(err, fmt.Sprintf("failed to create %s", iface))
	}
	p.log.Info("created interface", "interface", iface.Name, "type", string(iface.Type))
	return nil
}

// newLink builds the netlink object for a virtual interface. Settings
// shared with changes (addresses, controller, bridge and bond options) are
// left to configure.
func (p *Provider) newLink(iface *netstate.Interface) (netlink.Link, error) {
	attrs := netlink.NewLinkAttrs()
	attrs.Name = iface.Name
	if iface.MTU != nil {
		attrs.MTU = int(*iface.MTU)
	}
	if iface.MacAddress != "" {
		hw, err := net.ParseMAC(iface.MacAddress)
		if err != nil {
			return nil, neterr.InvalidArgument("invalid mac-address of %s: %v", iface.Name, err)
		}
		attrs.HardwareAddr = hw
	}
	withParent := func(name string) (netlink.LinkAttrs, error) {
		parent, err := p.link(name)
		if err != nil {
			return attrs, err
		}
		a := attrs
		a.ParentIndex = parent.Attrs().Index
		return a, nil
	}

	switch iface.Type {
	case netstate.TypeDummy:
		return &netlink.Dummy{LinkAttrs: attrs}, nil
	case netstate.TypeVeth:
		peer := iface.VethPeer()
		if peer == "" {
			return nil, neterr.InvalidArgument("veth %s has no peer", iface.Name)
		}
		return &netlink.Veth{LinkAttrs: attrs, PeerName: peer}, nil
	case netstate.TypeLinuxBridge:
		return &netlink.Bridge{LinkAttrs: attrs}, nil
	case netstate.TypeBond:
		bond := netlink.NewLinkBond(attrs)
		if iface.Bond != nil && iface.Bond.Mode != "" {
			bond.Mode = netlink.StringToBondMode(iface.Bond.Mode)
		}
		return bond, nil
	case netstate.TypeVlan:
		if iface.Vlan == nil {
			break
		}
		a, err := withParent(iface.Vlan.BaseIface)
		if err != nil {
			return nil, err
		}
		proto := netlink.VLAN_PROTOCOL_8021Q
		if iface.Vlan.Protocol == "802.1ad" {
			proto = netlink.VLAN_PROTOCOL_8021AD
		}
		return &netlink.Vlan{LinkAttrs: a, VlanId: int(iface.Vlan.ID), VlanProtocol: proto}, nil
	case netstate.TypeVxlan:
		if iface.Vxlan == nil {
			break
		}
		vx := &netlink.Vxlan{
			LinkAttrs: attrs,
			VxlanId:   int(iface.Vxlan.ID),
			Group:     net.ParseIP(iface.Vxlan.Remote),
			SrcAddr:   net.ParseIP(iface.Vxlan.Local),
			Learning:  true,
		}
		if iface.Vxlan.DstPort != nil {
			vx.Port = int(*iface.Vxlan.DstPort)
		}
		if iface.Vxlan.BaseIface != "" {
			base, err := p.link(iface.Vxlan.BaseIface)
			if err != nil {
				return nil, err
			}
			vx.VtepDevIndex = base.Attrs().Index
		}
		return vx, nil
	case netstate.TypeMacVlan, netstate.TypeMacVtap:
		cfg := iface.MacVlan
		if iface.Type == netstate.TypeMacVtap {
			cfg = iface.MacVtap
		}
		if cfg == nil {
			break
		}
		a, err := withParent(cfg.BaseIface)
		if err != nil {
			return nil, err
		}
		mv := netlink.Macvlan{LinkAttrs: a, Mode: netlink.MACVLAN_MODE_BRIDGE}
		for mode, name := range macvlanModeNames {
			if name == cfg.Mode {
				mv.Mode = mode
			}
		}
		if iface.Type == netstate.TypeMacVtap {
			return &netlink.Macvtap{Macvlan: mv}, nil
		}
		return &mv, nil
	case netstate.TypeVrf:
		if iface.Vrf == nil {
			break
		}
		return &netlink.Vrf{LinkAttrs: attrs, Table: iface.Vrf.RouteTable}, nil
	case netstate.TypeInfiniBand:
		if iface.InfiniBand == nil || iface.InfiniBand.BaseIface == "" {
			break
		}
		a, err := withParent(iface.InfiniBand.BaseIface)
		if err != nil {
			return nil, err
		}
		pkey, err := strconv.ParseUint(iface.InfiniBand.Pkey, 0, 16)
		if err != nil {
			return nil, neterr.InvalidArgument("invalid pkey %q of %s", iface.InfiniBand.Pkey, iface.Name)
		}
		ib := &netlink.IPoIB{LinkAttrs: a, Pkey: uint16(pkey), Mode: netlink.IPOIB_MODE_DATAGRAM}
		if iface.InfiniBand.Mode == "connected" {
			ib.Mode = netlink.IPOIB_MODE_CONNECTED
		}
		return ib, nil
	}
	return nil, neterr.NotSupported("cannot create %s through netlink", iface)
}

// configure brings an existing link to the interface's settings. Unset
// fields are left untouched.
func (p *Provider) configure(iface *netstate.Interface) error {
	link, err := p.link(iface.Name)
	if err != nil {
		return err
	}
	attrs := link.Attrs()

	if iface.Controller != nil {
		if err := p.setController(link, *iface.Controller); err != nil {
			return err
		}
	}
	if iface.MTU != nil && int(*iface.MTU) != attrs.MTU {
		if err := p.nl.LinkSetMTU(link, int(*iface.MTU)); err != nil {
			return neterr.FromErrno(err, fmt.Sprintf("failed to set mtu of %s", iface.Name))
		}
	}
	if iface.MacAddress != "" {
		hw, err := net.ParseMAC(iface.MacAddress)
		if err != nil {
			return neterr.InvalidArgument("invalid mac-address of %s: %v", iface.Name, err)
		}
		if !bytes.Equal(hw, attrs.HardwareAddr) {
			if err := p.nl.LinkSetHardwareAddr(link, hw); err != nil {
				return neterr.FromErrno(err, fmt.Sprintf("failed to set mac-address of %s", iface.Name))
			}
		}
	}
	if err := p.applyIP(link, unix.AF_INET, iface.IPv4); err != nil {
		return err
	}
	if err := p.applyIP(link, unix.AF_INET6, iface.IPv6); err != nil {
		return err
	}
	if iface.Type == netstate.TypeLinuxBridge && iface.Bridge != nil {
		if err := p.applyBridgeOptions(iface.Name, iface.Bridge.Options); err != nil {
			return err
		}
	}
	if iface.Type == netstate.TypeBond && iface.Bond != nil {
		if err := p.applyBondOptions(iface.Name, iface.Bond.Options); err != nil {
			return err
		}
	}
	if iface.Ethtool != nil && len(iface.Ethtool.Feature) > 0 {
		if p.eth == nil {
			return neterr.NotSupported("ethtool features of %s: no ethtool handle", iface.Name)
		}
		if err := p.eth.Change(iface.Name, iface.Ethtool.Feature); err != nil {
			return neterr.FromErrno(err, fmt.Sprintf("failed to change ethtool features of %s", iface.Name))
		}
	}

	switch iface.State {
	case netstate.StateUp:
		if err := p.nl.LinkSetUp(link); err != nil {
			return neterr.FromErrno(err, fmt.Sprintf("failed to bring up %s", iface.Name))
		}
	case netstate.StateDown:
		if err := p.nl.LinkSetDown(link); err != nil {
			return neterr.FromErrno(err, fmt.Sprintf("failed to bring down %s", iface.Name))
		}
	}
	p.log.Debug("configured interface", "interface", iface.Name)
	return nil
}

func (p *Provider) setController(link netlink.Link, controller string) error {
	name := link.Attrs().Name
	if controller == "" {
		if link.Attrs().MasterIndex == 0 {
			return nil
		}
		if err := p.nl.LinkSetNoMaster(link); err != nil {
			return neterr.FromErrno(err, fmt.Sprintf("failed to detach %s", name))
		}
		p.log.Info("detached port", "interface", name)
		return nil
	}

	master, err := p.link(controller)
	if err != nil {
		return err
	}
	if link.Attrs().MasterIndex == master.Attrs().Index {
		return nil
	}
	// Bond ports must be down when enslaved.
	if master.Type() == "bond" {
		if err := p.nl.LinkSetDown(link); err != nil {
			return neterr.FromErrno(err, fmt.Sprintf("failed to bring down %s", name))
		}
	}
	if err := p.nl.LinkSetMaster(link, master); err != nil {
		return neterr.FromErrno(err, fmt.Sprintf("failed to attach %s to %s", name, controller))
	}
	p.log.Info("attached port", "interface", name, "controller", controller)
	return nil
}

func addrKey(ip net.IP, prefix int) string {
	return fmt.Sprintf("%s/%d", ip, prefix)
}

// applyIP converges the static addresses of one family. Leased and
// autoconfigured addresses are owned by the configuration service.
func (p *Provider) applyIP(link netlink.Link, family int, cfg *netstate.InterfaceIP) error {
	if cfg == nil || isTrue(cfg.DHCP) || isTrue(cfg.Autoconf) {
		return nil
	}
	name := link.Attrs().Name
	disabled := cfg.Enabled != nil && !*cfg.Enabled

	if family == unix.AF_INET6 && cfg.Enabled != nil {
		v := "0"
		if disabled {
			v = "1"
		}
		if err := p.sys.WriteSysctl(disableIPv6Path(name), v); err != nil && !p.sys.IsNotExist(err) {
			return neterr.FromErrno(err, fmt.Sprintf("failed to set ipv6 state of %s", name))
		}
	}
	if cfg.Address == nil && !disabled {
		return nil
	}

	bits := 32
	if family == unix.AF_INET6 {
		bits = 128
	}
	want := map[string]*net.IPNet{}
	var order []string
	if !disabled {
		for _, a := range cfg.Address {
			ip := net.ParseIP(a.IP)
			if ip == nil {
				return neterr.InvalidArgument("invalid address %q on %s", a.IP, name)
			}
			key := addrKey(ip, int(a.PrefixLength))
			if _, dup := want[key]; !dup {
				order = append(order, key)
			}
			want[key] = &net.IPNet{IP: ip, Mask: net.CIDRMask(int(a.PrefixLength), bits)}
		}
	}

	current, err := p.nl.AddrList(link, family)
	if err != nil {
		return neterr.FromErrno(err, fmt.Sprintf("failed to list addresses of %s", name))
	}
	have := map[string]bool{}
	for _, a := range current {
		if a.IPNet == nil {
			continue
		}
		ones, _ := a.Mask.Size()
		key := addrKey(a.IP, ones)
		have[key] = true
		if _, ok := want[key]; ok || (family == unix.AF_INET6 && a.IP.IsLinkLocalUnicast()) {
			continue
		}
		addr := a
		if err := p.nl.AddrDel(link, &addr); err != nil {
			return neterr.FromErrno(err, fmt.Sprintf("failed to remove %s from %s", key, name))
		}
		p.log.Info("removed address", "interface", name, "address", key)
	}
	sort.Strings(order)
	for _, key := range order {
		if have[key] {
			continue
		}
		if err := p.nl.AddrAdd(link, &netlink.Addr{IPNet: want[key]}); err != nil {
			return neterr.FromErrno(err, fmt.Sprintf("failed to add %s to %s", key, name))
		}
		p.log.Info("added address", "interface", name, "address", key)
	}
	return nil
}

func boolAttr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func (p *Provider) writeAttr(path, value string) error {
	if err := p.sys.WriteSysctl(path, value); err != nil {
		return neterr.FromErrno(err, fmt.Sprintf("failed to write %s", path))
	}
	return nil
}

// applyBridgeOptions writes linux-bridge options through sysfs. Timers are
// given in seconds and stored by the kernel in centiseconds.
func (p *Provider) applyBridgeOptions(name string, opts *netstate.BridgeOptions) error {
	if opts == nil {
		return nil
	}
	var attrs [][2]string
	if stp := opts.STP; stp != nil {
		if stp.Enabled != nil {
			attrs = append(attrs, [2]string{"stp_state", boolAttr(*stp.Enabled)})
		}
		if stp.ForwardDelay != nil {
			attrs = append(attrs, [2]string{"forward_delay", strconv.Itoa(int(*stp.ForwardDelay) * 100)})
		}
		if stp.HelloTime != nil {
			attrs = append(attrs, [2]string{"hello_time", strconv.Itoa(int(*stp.HelloTime) * 100)})
		}
		if stp.MaxAge != nil {
			attrs = append(attrs, [2]string{"max_age", strconv.Itoa(int(*stp.MaxAge) * 100)})
		}
		if stp.Priority != nil {
			attrs = append(attrs, [2]string{"priority", strconv.Itoa(int(*stp.Priority))})
		}
	}
	if opts.MacAgeingTime != nil {
		attrs = append(attrs, [2]string{"ageing_time", strconv.FormatUint(uint64(*opts.MacAgeingTime)*100, 10)})
	}
	if opts.MulticastSnooping != nil {
		attrs = append(attrs, [2]string{"multicast_snooping", boolAttr(*opts.MulticastSnooping)})
	}
	if opts.VlanFiltering != nil {
		attrs = append(attrs, [2]string{"vlan_filtering", boolAttr(*opts.VlanFiltering)})
	}
	for _, a := range attrs {
		if err := p.writeAttr(bridgeAttr(name, a[0]), a[1]); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) applyBridgePorts(iface *netstate.Interface) error {
	if iface.Type != netstate.TypeLinuxBridge || iface.Bridge == nil || iface.Bridge.Ports == nil {
		return nil
	}
	for _, port := range *iface.Bridge.Ports {
		if port.STPPriority != nil {
			if err := p.writeAttr(bridgePortAttr(port.Name, "priority"), strconv.Itoa(int(*port.STPPriority))); err != nil {
				return err
			}
		}
		if port.STPPathCost != nil {
			if err := p.writeAttr(bridgePortAttr(port.Name, "path_cost"), strconv.FormatUint(uint64(*port.STPPathCost), 10)); err != nil {
				return err
			}
		}
	}
	return nil
}

// applyBondOptions writes bonding options through sysfs in sorted order.
func (p *Provider) applyBondOptions(name string, opts map[string]string) error {
	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := p.writeAttr(bondingAttr(name, k), opts[k]); err != nil {
			return err
		}
	}
	return nil
}

func parsePrefix(s string) (*net.IPNet, error) {
	_, ipNet, err := net.ParseCIDR(netstate.NormalizePrefix(s))
	if err != nil {
		return nil, neterr.InvalidArgument("invalid prefix %q", s)
	}
	return ipNet, nil
}

func (p *Provider) netlinkRoute(e netstate.RouteEntry) (*netlink.Route, error) {
	r := &netlink.Route{Table: rtTableMain, Protocol: rtprotStatic, Family: unix.AF_INET}
	if e.IsIPv6() {
		r.Family = unix.AF_INET6
	}
	if e.Destination != nil {
		dst, err := parsePrefix(*e.Destination)
		if err != nil {
			return nil, err
		}
		r.Dst = dst
	}
	if e.NextHopInterface != nil {
		link, err := p.link(*e.NextHopInterface)
		if err != nil {
			return nil, err
		}
		r.LinkIndex = link.Attrs().Index
	}
	if e.NextHopAddress != nil {
		r.Gw = net.ParseIP(*e.NextHopAddress)
	} else {
		r.Scope = scopeLink
	}
	if e.Metric != nil {
		r.Priority = int(*e.Metric)
	}
	if e.TableID != nil {
		r.Table = int(*e.TableID)
	}
	return r, nil
}

func (p *Provider) addRoute(e netstate.RouteEntry) error {
	r, err := p.netlinkRoute(e)
	if err != nil {
		return err
	}
	if err := p.nl.RouteAdd(r); err != nil {
		return neterr.FromErrno(err, fmt.Sprintf("failed to add route %s", e))
	}
	p.log.Info("added route", "route", e.String())
	return nil
}

func (p *Provider) delRoute(e netstate.RouteEntry) error {
	r, err := p.netlinkRoute(e)
	if err != nil {
		return err
	}
	// Removal matches whatever protocol installed the route.
	r.Protocol = 0
	if err := p.nl.RouteDel(r); err != nil {
		return neterr.FromErrno(err, fmt.Sprintf("failed to remove route %s", e))
	}
	p.log.Info("removed route", "route", e.String())
	return nil
}

func netlinkRule(e netstate.RouteRuleEntry) (*netlink.Rule, error) {
	rule := netlink.NewRule()
	rule.Family = unix.AF_INET
	if e.IsIPv6() {
		rule.Family = unix.AF_INET6
	}
	if e.IPFrom != nil {
		src, err := parsePrefix(*e.IPFrom)
		if err != nil {
			return nil, err
		}
		rule.Src = src
	}
	if e.IPTo != nil {
		dst, err := parsePrefix(*e.IPTo)
		if err != nil {
			return nil, err
		}
		rule.Dst = dst
	}
	if e.Priority != nil {
		rule.Priority = int(*e.Priority)
	}
	if e.RouteTable != nil {
		rule.Table = int(*e.RouteTable)
	}
	if e.Fwmark != nil {
		rule.Mark = *e.Fwmark
	}
	if e.Iif != nil {
		rule.IifName = *e.Iif
	}
	for t, name := range ruleActionNames {
		if name == e.Action {
			rule.Type = t
		}
	}
	return rule, nil
}

func (p *Provider) addRule(e netstate.RouteRuleEntry) error {
	rule, err := netlinkRule(e)
	if err != nil {
		return err
	}
	if err := p.nl.RuleAdd(rule); err != nil {
		return neterr.FromErrno(err, fmt.Sprintf("failed to add rule %s", e))
	}
	p.log.Info("added rule", "rule", e.String())
	return nil
}

func (p *Provider) delRule(e netstate.RouteRuleEntry) error {
	rule, err := netlinkRule(e)
	if err != nil {
		return err
	}
	if err := p.nl.RuleDel(rule); err != nil {
		return neterr.FromErrno(err, fmt.Sprintf("failed to remove rule %s", e))
	}
	p.log.Info("removed rule", "rule", e.String())
	return nil
}

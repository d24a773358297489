package network

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"

	"github.com/vishvananda/netlink"
)

// DryRunNetlinker logs netlink operations instead of performing them.
// Reads go to Base when set, so the logged commands reflect the live
// system; links created during the run are remembered.
type DryRunNetlinker struct {
	Base Netlinker

	mu      sync.Mutex
	Ops     []string
	created map[string]netlink.Link
	nextIdx int
}

func (n *DryRunNetlinker) log(op string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Ops = append(n.Ops, fmt.Sprintf("ip %s", op))
}

// Commands returns the logged operations.
func (n *DryRunNetlinker) Commands() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.Ops...)
}

func (n *DryRunNetlinker) LinkByName(name string) (netlink.Link, error) {
	n.mu.Lock()
	link, ok := n.created[name]
	n.mu.Unlock()
	if ok {
		return link, nil
	}
	if n.Base != nil {
		return n.Base.LinkByName(name)
	}
	return &netlink.Device{LinkAttrs: netlink.LinkAttrs{Name: name}}, nil
}
func (n *DryRunNetlinker) LinkByIndex(index int) (netlink.Link, error) {
	if n.Base != nil {
		return n.Base.LinkByIndex(index)
	}
	return nil, fmt.Errorf("link %d not found", index)
}
func (n *DryRunNetlinker) LinkList() ([]netlink.Link, error) {
	if n.Base != nil {
		return n.Base.LinkList()
	}
	return nil, nil
}
func (n *DryRunNetlinker) LinkSetUp(link netlink.Link) error {
	n.log(fmt.Sprintf("link set %s up", link.Attrs().Name))
	return nil
}
func (n *DryRunNetlinker) LinkSetDown(link netlink.Link) error {
	n.log(fmt.Sprintf("link set %s down", link.Attrs().Name))
	return nil
}
func (n *DryRunNetlinker) LinkSetMTU(link netlink.Link, mtu int) error {
	n.log(fmt.Sprintf("link set %s mtu %d", link.Attrs().Name, mtu))
	return nil
}
func (n *DryRunNetlinker) LinkSetMaster(link, master netlink.Link) error {
	n.log(fmt.Sprintf("link set %s master %s", link.Attrs().Name, master.Attrs().Name))
	return nil
}
func (n *DryRunNetlinker) LinkSetNoMaster(link netlink.Link) error {
	n.log(fmt.Sprintf("link set %s nomaster", link.Attrs().Name))
	return nil
}
func (n *DryRunNetlinker) LinkSetHardwareAddr(link netlink.Link, hwaddr net.HardwareAddr) error {
	n.log(fmt.Sprintf("link set %s address %s", link.Attrs().Name, hwaddr))
	return nil
}
func (n *DryRunNetlinker) LinkAdd(link netlink.Link) error {
	attrs := link.Attrs()
	op := fmt.Sprintf("link add %s type %s", attrs.Name, link.Type())
	if veth, ok := link.(*netlink.Veth); ok {
		op += " peer name " + veth.PeerName
	}
	n.log(op)

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.created == nil {
		n.created = make(map[string]netlink.Link)
	}
	// Dry-run links get indexes no kernel hands out.
	n.nextIdx++
	created := *attrs
	created.Index = 1<<30 + n.nextIdx
	n.created[attrs.Name] = &netlink.Device{LinkAttrs: created}
	if veth, ok := link.(*netlink.Veth); ok {
		n.nextIdx++
		peer := netlink.NewLinkAttrs()
		peer.Name = veth.PeerName
		peer.Index = 1<<30 + n.nextIdx
		n.created[veth.PeerName] = &netlink.Device{LinkAttrs: peer}
	}
	return nil
}
func (n *DryRunNetlinker) LinkDel(link netlink.Link) error {
	n.log(fmt.Sprintf("link del %s", link.Attrs().Name))
	return nil
}
func (n *DryRunNetlinker) AddrList(link netlink.Link, family int) ([]netlink.Addr, error) {
	n.mu.Lock()
	_, created := n.created[link.Attrs().Name]
	n.mu.Unlock()
	if n.Base != nil && !created {
		return n.Base.AddrList(link, family)
	}
	return nil, nil
}
func (n *DryRunNetlinker) AddrAdd(link netlink.Link, addr *netlink.Addr) error {
	n.log(fmt.Sprintf("addr add %s dev %s", addr.IPNet, link.Attrs().Name))
	return nil
}
func (n *DryRunNetlinker) AddrDel(link netlink.Link, addr *netlink.Addr) error {
	n.log(fmt.Sprintf("addr del %s dev %s", addr.IPNet, link.Attrs().Name))
	return nil
}
func (n *DryRunNetlinker) RouteListAll(family int) ([]netlink.Route, error) {
	if n.Base != nil {
		return n.Base.RouteListAll(family)
	}
	return nil, nil
}
func (n *DryRunNetlinker) RouteAdd(route *netlink.Route) error {
	n.log(fmt.Sprintf("route add %s", route.String()))
	return nil
}
func (n *DryRunNetlinker) RouteDel(route *netlink.Route) error {
	n.log(fmt.Sprintf("route del %s", route.String()))
	return nil
}
func (n *DryRunNetlinker) RuleList(family int) ([]netlink.Rule, error) {
	if n.Base != nil {
		return n.Base.RuleList(family)
	}
	return nil, nil
}
func (n *DryRunNetlinker) RuleAdd(rule *netlink.Rule) error {
	n.log(fmt.Sprintf("rule add %s", rule.String()))
	return nil
}
func (n *DryRunNetlinker) RuleDel(rule *netlink.Rule) error {
	n.log(fmt.Sprintf("rule del %s", rule.String()))
	return nil
}
func (n *DryRunNetlinker) Close() {
	if n.Base != nil {
		n.Base.Close()
	}
}

// DryRunSystemController logs attribute writes and reads from Base.
type DryRunSystemController struct {
	Base SystemController

	mu     sync.Mutex
	Writes []string
}

func (s *DryRunSystemController) ReadSysctl(path string) (string, error) {
	if s.Base != nil {
		return s.Base.ReadSysctl(path)
	}
	return "0", nil
}

func (s *DryRunSystemController) WriteSysctl(path, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Writes = append(s.Writes, fmt.Sprintf("echo %s > %s", value, path))
	return nil
}

func (s *DryRunSystemController) IsNotExist(err error) bool {
	return false
}

// DryRunEthtool logs feature changes.
type DryRunEthtool struct {
	mu      sync.Mutex
	Changes []string
}

func (e *DryRunEthtool) Features(name string) (map[string]bool, error) {
	return nil, nil
}

func (e *DryRunEthtool) Change(name string, features map[string]bool) error {
	keys := make([]string, 0, len(features))
	for k := range features {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var args []string
	for _, k := range keys {
		state := "off"
		if features[k] {
			state = "on"
		}
		args = append(args, k, state)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Changes = append(e.Changes, fmt.Sprintf("ethtool -K %s %s", name, strings.Join(args, " ")))
	return nil
}

func (e *DryRunEthtool) Close() {}

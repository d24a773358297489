//go:build linux
// +build linux

package network

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"
)

// RealNetlinker is a concrete implementation of Netlinker bound to one
// network namespace through a netlink handle.
type RealNetlinker struct {
	h *netlink.Handle
}

// NewNetlinker opens a netlink handle in the named network namespace, or
// in the current one when nsName is empty.
func NewNetlinker(nsName string) (*RealNetlinker, error) {
	if nsName == "" {
		h, err := netlink.NewHandle()
		if err != nil {
			return nil, fmt.Errorf("failed to open netlink handle: %w", err)
		}
		return &RealNetlinker{h: h}, nil
	}

	ns, err := netns.GetFromName(nsName)
	if err != nil {
		return nil, fmt.Errorf("failed to get netns %s: %w", nsName, err)
	}
	defer ns.Close()

	h, err := netlink.NewHandleAt(ns)
	if err != nil {
		return nil, fmt.Errorf("failed to open netlink handle in netns %s: %w", nsName, err)
	}
	return &RealNetlinker{h: h}, nil
}

// Close releases the netlink sockets.
func (r *RealNetlinker) Close() {
	r.h.Close()
}

// LinkByName retrieves a link by name.
func (r *RealNetlinker) LinkByName(name string) (netlink.Link, error) {
	return r.h.LinkByName(name)
}

// LinkByIndex retrieves a link by ifindex.
func (r *RealNetlinker) LinkByIndex(index int) (netlink.Link, error) {
	return r.h.LinkByIndex(index)
}

// LinkList retrieves all links.
func (r *RealNetlinker) LinkList() ([]netlink.Link, error) {
	return r.h.LinkList()
}

// LinkSetUp sets the link up.
func (r *RealNetlinker) LinkSetUp(link netlink.Link) error {
	return r.h.LinkSetUp(link)
}

// LinkSetDown sets the link down.
func (r *RealNetlinker) LinkSetDown(link netlink.Link) error {
	return r.h.LinkSetDown(link)
}

// LinkSetMTU sets the MTU of the link.
func (r *RealNetlinker) LinkSetMTU(link netlink.Link, mtu int) error {
	return r.h.LinkSetMTU(link, mtu)
}

// LinkSetMaster attaches link to a controller.
func (r *RealNetlinker) LinkSetMaster(link, master netlink.Link) error {
	return r.h.LinkSetMaster(link, master)
}

// LinkSetNoMaster detaches link from its controller.
func (r *RealNetlinker) LinkSetNoMaster(link netlink.Link) error {
	return r.h.LinkSetNoMaster(link)
}

// LinkSetHardwareAddr sets the MAC address.
func (r *RealNetlinker) LinkSetHardwareAddr(link netlink.Link, hwaddr net.HardwareAddr) error {
	return r.h.LinkSetHardwareAddr(link, hwaddr)
}

// LinkAdd adds a link.
func (r *RealNetlinker) LinkAdd(link netlink.Link) error {
	return r.h.LinkAdd(link)
}

// LinkDel deletes a link.
func (r *RealNetlinker) LinkDel(link netlink.Link) error {
	return r.h.LinkDel(link)
}

// AddrList retrieves a list of addresses for a link.
func (r *RealNetlinker) AddrList(link netlink.Link, family int) ([]netlink.Addr, error) {
	return r.h.AddrList(link, family)
}

// AddrAdd adds an address to a link.
func (r *RealNetlinker) AddrAdd(link netlink.Link, addr *netlink.Addr) error {
	return r.h.AddrAdd(link, addr)
}

// AddrDel deletes an address from a link.
func (r *RealNetlinker) AddrDel(link netlink.Link, addr *netlink.Addr) error {
	return r.h.AddrDel(link, addr)
}

// RouteListAll lists the routes of every table, not only main.
func (r *RealNetlinker) RouteListAll(family int) ([]netlink.Route, error) {
	return r.h.RouteListFiltered(family, &netlink.Route{Table: unix.RT_TABLE_UNSPEC}, netlink.RT_FILTER_TABLE)
}

// RouteAdd adds a route.
func (r *RealNetlinker) RouteAdd(route *netlink.Route) error {
	return r.h.RouteAdd(route)
}

// RouteDel deletes a route.
func (r *RealNetlinker) RouteDel(route *netlink.Route) error {
	return r.h.RouteDel(route)
}

// RuleAdd adds a rule.
func (r *RealNetlinker) RuleAdd(rule *netlink.Rule) error {
	return r.h.RuleAdd(rule)
}

// RuleDel deletes a rule.
func (r *RealNetlinker) RuleDel(rule *netlink.Rule) error {
	return r.h.RuleDel(rule)
}

// RuleList lists rules.
func (r *RealNetlinker) RuleList(family int) ([]netlink.Rule, error) {
	return r.h.RuleList(family)
}

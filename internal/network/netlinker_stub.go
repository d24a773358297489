//go:build !linux
// +build !linux

package network

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

var errUnsupported = fmt.Errorf("netlink not supported on this platform")

// RealNetlinker is a stub implementation of Netlinker.
type RealNetlinker struct{}

// NewNetlinker always fails outside Linux.
func NewNetlinker(nsName string) (*RealNetlinker, error) {
	return nil, errUnsupported
}

func (r *RealNetlinker) Close() {}

func (r *RealNetlinker) LinkByName(name string) (netlink.Link, error) {
	return nil, errUnsupported
}

func (r *RealNetlinker) LinkByIndex(index int) (netlink.Link, error) {
	return nil, errUnsupported
}

func (r *RealNetlinker) LinkList() ([]netlink.Link, error) {
	return nil, errUnsupported
}

func (r *RealNetlinker) LinkSetUp(link netlink.Link) error {
	return errUnsupported
}

func (r *RealNetlinker) LinkSetDown(link netlink.Link) error {
	return errUnsupported
}

func (r *RealNetlinker) LinkSetMTU(link netlink.Link, mtu int) error {
	return errUnsupported
}

func (r *RealNetlinker) LinkSetMaster(link, master netlink.Link) error {
	return errUnsupported
}

func (r *RealNetlinker) LinkSetNoMaster(link netlink.Link) error {
	return errUnsupported
}

func (r *RealNetlinker) LinkSetHardwareAddr(link netlink.Link, hwaddr net.HardwareAddr) error {
	return errUnsupported
}

func (r *RealNetlinker) LinkAdd(link netlink.Link) error {
	return errUnsupported
}

func (r *RealNetlinker) LinkDel(link netlink.Link) error {
	return errUnsupported
}

func (r *RealNetlinker) AddrList(link netlink.Link, family int) ([]netlink.Addr, error) {
	return nil, errUnsupported
}

func (r *RealNetlinker) AddrAdd(link netlink.Link, addr *netlink.Addr) error {
	return errUnsupported
}

func (r *RealNetlinker) AddrDel(link netlink.Link, addr *netlink.Addr) error {
	return errUnsupported
}

func (r *RealNetlinker) RouteListAll(family int) ([]netlink.Route, error) {
	return nil, errUnsupported
}

func (r *RealNetlinker) RouteAdd(route *netlink.Route) error {
	return errUnsupported
}

func (r *RealNetlinker) RouteDel(route *netlink.Route) error {
	return errUnsupported
}

func (r *RealNetlinker) RuleList(family int) ([]netlink.Rule, error) {
	return nil, errUnsupported
}

func (r *RealNetlinker) RuleAdd(rule *netlink.Rule) error {
	return errUnsupported
}

func (r *RealNetlinker) RuleDel(rule *netlink.Rule) error {
	return errUnsupported
}

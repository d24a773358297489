// Package graph indexes a set of interfaces by name and namespace and
// answers the relationship queries plan building needs: controller, ports,
// veth peer and nesting depth.
package graph

import (
	"sort"
	"strings"

	"grimm.is/netconverge/internal/neterr"
	"grimm.is/netconverge/internal/netstate"
)

type key struct {
	name string
	ns   netstate.Namespace
}

// Graph is an arena of interfaces with a name index. It is built once per
// pass and not modified afterwards.
type Graph struct {
	nodes []*netstate.Interface
	index map[key]int
	ports map[int][]int
}

// New loads the interfaces in order and derives each controller's port
// list from the members' declared controller.
func New(ifaces []*netstate.Interface) (*Graph, error) {
	g := &Graph{
		nodes: make([]*netstate.Interface, 0, len(ifaces)),
		index: make(map[key]int, len(ifaces)),
		ports: make(map[int][]int),
	}
	for _, iface := range ifaces {
		if iface == nil {
			continue
		}
		k := key{iface.Name, iface.Namespace()}
		if _, dup := g.index[k]; dup {
			return nil, neterr.InvalidArgument("duplicate %s interface name %q", k.ns, iface.Name)
		}
		g.index[k] = len(g.nodes)
		g.nodes = append(g.nodes, iface)
	}

	for idx, iface := range g.nodes {
		ctrl := iface.ControllerName()
		if ctrl == "" {
			continue
		}
		if c, ok := g.lookupIndex(ctrl, iface); ok {
			g.ports[c] = append(g.ports[c], idx)
			iface.ControllerType = g.nodes[c].Type
		}
	}
	return g, nil
}

// lookupIndex resolves a controller reference. An ovs-interface port is
// attached to the user-space bridge of the same name space, every other
// reference prefers the kernel namespace.
func (g *Graph) lookupIndex(name string, from *netstate.Interface) (int, bool) {
	if from != nil && from.Type == netstate.TypeOvsInterface {
		if idx, ok := g.index[key{name, netstate.NamespaceUserSpace}]; ok {
			return idx, true
		}
	}
	if idx, ok := g.index[key{name, netstate.NamespaceKernel}]; ok {
		if from == nil || g.nodes[idx] != from {
			return idx, true
		}
	}
	idx, ok := g.index[key{name, netstate.NamespaceUserSpace}]
	return idx, ok
}

// Len returns the number of interfaces.
func (g *Graph) Len() int { return len(g.nodes) }

// Interfaces returns the interfaces in load order.
func (g *Graph) Interfaces() []*netstate.Interface {
	return append([]*netstate.Interface(nil), g.nodes...)
}

// Get returns the interface with the exact name and namespace.
func (g *Graph) Get(name string, ns netstate.Namespace) *netstate.Interface {
	if idx, ok := g.index[key{name, ns}]; ok {
		return g.nodes[idx]
	}
	return nil
}

// Lookup returns the interface with the given name, kernel namespace first.
func (g *Graph) Lookup(name string) *netstate.Interface {
	if iface := g.Get(name, netstate.NamespaceKernel); iface != nil {
		return iface
	}
	return g.Get(name, netstate.NamespaceUserSpace)
}

// Order returns the load position of the interface, or -1.
func (g *Graph) Order(iface *netstate.Interface) int {
	if idx, ok := g.index[key{iface.Name, iface.Namespace()}]; ok {
		return idx
	}
	return -1
}

// ControllerOf returns the resolved controller of iface, or nil.
func (g *Graph) ControllerOf(iface *netstate.Interface) *netstate.Interface {
	ctrl := iface.ControllerName()
	if ctrl == "" {
		return nil
	}
	if idx, ok := g.lookupIndex(ctrl, iface); ok {
		return g.nodes[idx]
	}
	return nil
}

// PortsOf returns the members that name ctrl as their controller, in load
// order.
func (g *Graph) PortsOf(ctrl *netstate.Interface) []*netstate.Interface {
	idx := g.Order(ctrl)
	if idx < 0 {
		return nil
	}
	out := make([]*netstate.Interface, 0, len(g.ports[idx]))
	for _, p := range g.ports[idx] {
		out = append(out, g.nodes[p])
	}
	return out
}

// PortNames returns the sorted names of the members of ctrl.
func (g *Graph) PortNames(ctrl *netstate.Interface) []string {
	ports := g.PortsOf(ctrl)
	names := make([]string, 0, len(ports))
	for _, p := range ports {
		names = append(names, p.Name)
	}
	sort.Strings(names)
	return names
}

// VethPeerOf returns the interface named as the peer of iface, or nil.
func (g *Graph) VethPeerOf(iface *netstate.Interface) *netstate.Interface {
	peer := iface.VethPeer()
	if peer == "" {
		return nil
	}
	return g.Get(peer, netstate.NamespaceKernel)
}

// SymmetricPeer reports whether both ends of a veth pair name each other.
func (g *Graph) SymmetricPeer(iface *netstate.Interface) bool {
	peer := g.VethPeerOf(iface)
	return peer != nil && peer.VethPeer() == iface.Name
}

// parents returns the interfaces that must exist before iface: its
// controller and its lower device.
func (g *Graph) parents(idx int) []int {
	iface := g.nodes[idx]
	var out []int
	if ctrl := iface.ControllerName(); ctrl != "" {
		if c, ok := g.lookupIndex(ctrl, iface); ok {
			out = append(out, c)
		}
	}
	if base := iface.BaseIface(); base != "" {
		if b, ok := g.index[key{base, netstate.NamespaceKernel}]; ok && b != idx {
			out = append(out, b)
		}
	}
	return out
}

// CheckCycles fails with Bug when following controller or lower-device
// references from any interface leads back to it.
func (g *Graph) CheckCycles() error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make([]int, len(g.nodes))
	var stack []string

	var visit func(int) error
	visit = func(idx int) error {
		switch state[idx] {
		case done:
			return nil
		case visiting:
			cycle := append(stack, g.nodes[idx].Name)
			return neterr.Bug("interface dependency cycle: %s", strings.Join(cycle, " -> "))
		}
		state[idx] = visiting
		stack = append(stack, g.nodes[idx].Name)
		for _, p := range g.parents(idx) {
			if err := visit(p); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		state[idx] = done
		return nil
	}

	for idx := range g.nodes {
		if ctrl := g.nodes[idx].ControllerName(); ctrl == g.nodes[idx].Name && g.nodes[idx].Type != netstate.TypeOvsInterface {
			return neterr.Bug("interface %s is its own controller", ctrl)
		}
		if err := visit(idx); err != nil {
			return err
		}
	}
	return nil
}

// Depth returns the nesting depth of iface: 0 for interfaces without a
// controller or lower device, otherwise one more than the deepest parent.
// CheckCycles must have succeeded.
func (g *Graph) Depth(iface *netstate.Interface) int {
	idx := g.Order(iface)
	if idx < 0 {
		return 0
	}
	memo := make(map[int]int)
	var depth func(int) int
	depth = func(i int) int {
		if d, ok := memo[i]; ok {
			return d
		}
		memo[i] = 0
		d := 0
		for _, p := range g.parents(i) {
			if pd := depth(p) + 1; pd > d {
				d = pd
			}
		}
		memo[i] = d
		return d
	}
	return depth(idx)
}

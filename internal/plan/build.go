package plan

import (
	"sort"

	"grimm.is/netconverge/internal/graph"
	"grimm.is/netconverge/internal/logging"
	"grimm.is/netconverge/internal/neterr"
	"grimm.is/netconverge/internal/netstate"
	"grimm.is/netconverge/internal/value"
)

type builder struct {
	desired *netstate.NetworkState
	current *netstate.NetworkState
	cur     *graph.Graph
	post    *graph.Graph
	plan    *Plan
	log     *logging.Logger

	// position of every plan entry in the desired document
	order map[*netstate.Interface]int
	// interfaces whose controller was set by the document rather than
	// derived from a port list
	explicit map[*netstate.Interface]bool
}

// Build validates desired and computes the ordered plan that moves current
// to it. Structural problems fail with InvalidArgument, controller cycles
// with Bug, and hardware-only interfaces missing from current with
// NotSupported. No backend is touched.
func Build(desired, current *netstate.NetworkState) (*Plan, error) {
	if desired == nil {
		desired = &netstate.NetworkState{}
	}
	if current == nil {
		current = &netstate.NetworkState{}
	}
	if err := desired.Validate(); err != nil {
		return nil, err
	}

	b := &builder{
		desired:  desired.Clone(),
		current:  current.Clone(),
		log:      logging.WithComponent("plan"),
		order:    make(map[*netstate.Interface]int),
		explicit: make(map[*netstate.Interface]bool),
	}
	b.plan = &Plan{Desired: b.desired, Current: b.current}

	cur, err := graph.New(b.current.Interfaces)
	if err != nil {
		return nil, err
	}
	b.cur = cur

	steps := []func() error{
		b.resolveTypes,
		b.propagatePorts,
		b.partition,
		b.buildPostGraph,
		b.orderInterfaces,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, err
		}
	}
	b.planRoutes()
	b.planRules()
	if err := b.planGlobals(); err != nil {
		return nil, err
	}

	b.log.Debug("plan built", "summary", b.plan.Summary())
	return b.plan, nil
}

// resolveTypes fills in the type of desired entries that omit it, from the
// current interface of the same name or from the payload.
func (b *builder) resolveTypes() error {
	for _, iface := range b.desired.Interfaces {
		if iface.Type != "" {
			continue
		}
		if cur := b.cur.Lookup(iface.Name); cur != nil {
			iface.Type = cur.Type
			continue
		}
		if pt := iface.PayloadType(); pt != "" {
			iface.Type = pt
			continue
		}
		if iface.IsAbsent() || iface.IsIgnored() {
			continue
		}
		return neterr.InvalidArgument("interface %s: type is required for a new interface", iface.Name)
	}
	return nil
}

// find returns the desired entry with the given name, kernel namespace
// first.
func (b *builder) find(name string) *netstate.Interface {
	if iface := b.desired.Interface(name, netstate.NamespaceKernel); iface != nil {
		return iface
	}
	return b.desired.Interface(name, netstate.NamespaceUserSpace)
}

// ensure returns the desired entry for name, adding a bare entry when only
// the current state knows the interface. It returns nil when neither does.
func (b *builder) ensure(name string) *netstate.Interface {
	if iface := b.find(name); iface != nil {
		return iface
	}
	cur := b.cur.Get(name, netstate.NamespaceKernel)
	if cur == nil {
		return nil
	}
	iface := &netstate.Interface{BaseInterface: netstate.BaseInterface{Name: name, Type: cur.Type}}
	b.desired.Interfaces = append(b.desired.Interfaces, iface)
	return iface
}

// propagatePorts pushes each declared port list down into the members'
// controller field, and detaches current members that are no longer listed.
func (b *builder) propagatePorts() error {
	for _, iface := range b.desired.Interfaces {
		if iface.Controller != nil {
			b.explicit[iface] = true
		}
	}

	assigned := make(map[*netstate.Interface]bool)
	controllers := append([]*netstate.Interface(nil), b.desired.Interfaces...)
	for _, ctrl := range controllers {
		if ctrl.IsAbsent() || ctrl.IsIgnored() {
			continue
		}
		ports, declared := ctrl.Ports()
		if !declared {
			continue
		}

		listed := make(map[string]bool, len(ports))
		for _, name := range ports {
			listed[name] = true
			port := b.ensure(name)
			if port == nil {
				return neterr.InvalidArgument("interface %s: port %s does not exist", ctrl.Name, name)
			}
			if port.IsAbsent() {
				return neterr.InvalidArgument("interface %s: port %s is marked absent", ctrl.Name, name)
			}
			if b.explicit[port] && port.ControllerName() != ctrl.Name {
				return neterr.InvalidArgument("interface %s: listed as a port of %s but declares controller %q",
					name, ctrl.Name, port.ControllerName())
			}
			port.Controller = netstate.Ptr(ctrl.Name)
			port.ControllerType = ctrl.Type
			assigned[port] = true
		}

		curCtrl := b.cur.Get(ctrl.Name, ctrl.Namespace())
		if curCtrl == nil {
			continue
		}
		for _, old := range b.cur.PortsOf(curCtrl) {
			if listed[old.Name] {
				continue
			}
			port := b.ensure(old.Name)
			if port == nil || port.IsAbsent() || port.IsIgnored() || b.explicit[port] || assigned[port] {
				continue
			}
			port.Controller = netstate.Ptr("")
		}
	}

	// A member naming a controller whose declared port list omits it is a
	// contradiction in the document.
	for iface := range b.explicit {
		name := iface.ControllerName()
		if name == "" || iface.IsAbsent() {
			continue
		}
		ctrl := b.find(name)
		if ctrl == nil {
			continue
		}
		if ports, declared := ctrl.Ports(); declared && !contains(ports, iface.Name) {
			return neterr.InvalidArgument("interface %s: declares controller %s which does not list it as a port",
				iface.Name, name)
		}
	}
	return nil
}

// partition splits the desired interfaces into delete, add and change.
func (b *builder) partition() error {
	for idx, d := range b.desired.Interfaces {
		b.order[d] = idx
		if d.IsIgnored() {
			continue
		}
		cur := b.cur.Get(d.Name, d.Namespace())

		if d.IsAbsent() {
			if cur != nil {
				b.addDelete(cur, idx)
			}
			continue
		}

		if cur != nil && cur.Type != d.Type && cur.Type != netstate.TypeUnknown {
			if !d.IsVirtual() || !cur.IsVirtual() {
				return neterr.InvalidArgument("interface %s: cannot change type from %s to %s", d.Name, cur.Type, d.Type)
			}
			b.addDelete(cur, idx)
			cur = nil
		}

		if cur == nil {
			if !d.IsVirtual() {
				return neterr.NotSupported("interface %s: %s interfaces cannot be created", d.Name, d.Type)
			}
			add := d.Clone()
			if add.State == "" {
				add.State = netstate.StateUp
			}
			b.order[add] = idx
			b.plan.Add = append(b.plan.Add, add)
			continue
		}

		merged, changed, err := mergeInterface(d, cur)
		if err != nil {
			return neterr.Bug("interface %s: merge failed: %v", d.Name, err)
		}
		if changed {
			b.order[merged] = idx
			b.plan.Change = append(b.plan.Change, merged)
		}
	}
	return nil
}

func (b *builder) addDelete(cur *netstate.Interface, idx int) {
	del := cur.Clone()
	del.State = netstate.StateAbsent
	b.order[del] = idx
	b.plan.Delete = append(b.plan.Delete, del)
}

// mergeInterface overlays desired onto current and reports whether the
// result differs from current.
func mergeInterface(desired, current *netstate.Interface) (*netstate.Interface, bool, error) {
	d, c := desired.Clone(), current.Clone()
	sortPorts(d)
	sortPorts(c)
	// Unattached is reported as no controller and requested as "".
	if c.Controller == nil && d.Controller != nil && *d.Controller == "" {
		c.Controller = netstate.Ptr("")
	}

	dv, err := d.ToValue()
	if err != nil {
		return nil, false, err
	}
	cv, err := c.ToValue()
	if err != nil {
		return nil, false, err
	}
	mv := value.Merge(dv, cv)
	merged, err := netstate.InterfaceFromValue(mv)
	if err != nil {
		return nil, false, err
	}
	merged.ControllerType = desired.ControllerType
	if merged.ControllerType == "" {
		merged.ControllerType = current.ControllerType
	}
	// Secrets come back redacted, so they are compared redacted.
	masked := value.Merge(value.Mask(dv, netstate.SecretKeys...), cv)
	return merged, !value.Equal(masked, cv), nil
}

// buildPostGraph assembles the state expected after the apply and checks
// it for cycles and dangling references.
func (b *builder) buildPostGraph() error {
	type key struct {
		name string
		ns   netstate.Namespace
	}
	gone := make(map[key]bool, len(b.plan.Delete))
	for _, d := range b.plan.Delete {
		gone[key{d.Name, d.Namespace()}] = true
	}
	replaced := make(map[key]*netstate.Interface)
	for _, group := range [][]*netstate.Interface{b.plan.Change, b.plan.Add} {
		for _, iface := range group {
			replaced[key{iface.Name, iface.Namespace()}] = iface
		}
	}

	post := make([]*netstate.Interface, 0, len(b.current.Interfaces)+len(b.plan.Add))
	for _, cur := range b.current.Interfaces {
		k := key{cur.Name, cur.Namespace()}
		if r, ok := replaced[k]; ok {
			post = append(post, r)
			delete(replaced, k)
			continue
		}
		if gone[k] {
			continue
		}
		post = append(post, cur)
	}
	for _, add := range b.plan.Add {
		if _, ok := replaced[key{add.Name, add.Namespace()}]; ok {
			post = append(post, add)
		}
	}

	g, err := graph.New(post)
	if err != nil {
		return err
	}
	if err := g.CheckCycles(); err != nil {
		return err
	}

	for _, group := range [][]*netstate.Interface{b.plan.Add, b.plan.Change} {
		for _, iface := range group {
			if name := iface.ControllerName(); name != "" {
				ctrl := g.ControllerOf(iface)
				if ctrl == nil {
					return neterr.InvalidArgument("interface %s: controller %s does not exist", iface.Name, name)
				}
				if !ctrl.IsController() {
					return neterr.InvalidArgument("interface %s: %s cannot be a controller", iface.Name, ctrl)
				}
			}
			if base := iface.BaseIface(); base != "" && g.Get(base, netstate.NamespaceKernel) == nil {
				return neterr.InvalidArgument("interface %s: base interface %s does not exist", iface.Name, base)
			}
		}
	}
	b.post = g
	return nil
}

// orderInterfaces sorts each group by nesting depth and folds veth pairs.
func (b *builder) orderInterfaces() error {
	b.foldVethAdds()
	b.detachPortsOfChangedControllers()

	b.sortByDepth(b.plan.Add, b.post, false)
	b.sortByDepth(b.plan.Change, b.post, false)
	b.sortByDepth(b.plan.Delete, b.cur, true)
	b.plan.Delete = b.dedupVethDeletes(b.plan.Delete)
	return nil
}

func (b *builder) sortByDepth(ifaces []*netstate.Interface, g *graph.Graph, descending bool) {
	depth := make(map[*netstate.Interface]int, len(ifaces))
	for _, iface := range ifaces {
		depth[iface] = g.Depth(iface)
	}
	sort.SliceStable(ifaces, func(i, j int) bool {
		di, dj := depth[ifaces[i]], depth[ifaces[j]]
		if di != dj {
			if descending {
				return di > dj
			}
			return di < dj
		}
		return b.order[ifaces[i]] < b.order[ifaces[j]]
	})
}

// dedupVethDeletes keeps one end of a symmetric veth pair when both ends
// are deleted; removing either end removes the pair. Asymmetric pairs keep
// both deletes.
func (b *builder) dedupVethDeletes(dels []*netstate.Interface) []*netstate.Interface {
	deleting := make(map[string]bool, len(dels))
	for _, d := range dels {
		deleting[d.Name] = true
	}
	out := dels[:0]
	for _, d := range dels {
		if d.Type == netstate.TypeVeth {
			cur := b.cur.Get(d.Name, netstate.NamespaceKernel)
			peer := d.VethPeer()
			if cur != nil && b.cur.SymmetricPeer(cur) && deleting[peer] && peer < d.Name {
				b.log.Debug("peer removal covers veth", "iface", d.Name, "peer", peer)
				continue
			}
		}
		out = append(out, d)
	}
	return out
}

// foldVethAdds creates a new symmetric veth pair once: the end with the
// smaller name stays in add and the other end moves to change so its own
// settings are applied after the pair exists.
func (b *builder) foldVethAdds() {
	adding := make(map[string]*netstate.Interface)
	for _, a := range b.plan.Add {
		if a.Type == netstate.TypeVeth {
			adding[a.Name] = a
		}
	}
	kept := b.plan.Add[:0]
	for _, a := range b.plan.Add {
		if a.Type == netstate.TypeVeth {
			peer := a.VethPeer()
			if p, ok := adding[peer]; ok && p.VethPeer() == a.Name && peer < a.Name {
				b.plan.Change = append(b.plan.Change, a)
				continue
			}
		}
		kept = append(kept, a)
	}
	b.plan.Add = kept
}

// detachPortsOfChangedControllers creates new ports of a changing
// controller without a controller and attaches them in the change phase,
// after the controller itself has been updated.
func (b *builder) detachPortsOfChangedControllers() {
	changing := make(map[*netstate.Interface]bool, len(b.plan.Change))
	for _, c := range b.plan.Change {
		changing[c] = true
	}
	for i, a := range b.plan.Add {
		ctrl := b.post.ControllerOf(a)
		if ctrl == nil || !changing[ctrl] {
			continue
		}
		detached := a.Clone()
		detached.Controller = nil
		b.order[detached] = b.order[a]
		b.plan.Add[i] = detached

		attach := &netstate.Interface{BaseInterface: netstate.BaseInterface{
			Name:           a.Name,
			Type:           a.Type,
			Controller:     netstate.Ptr(ctrl.Name),
			ControllerType: ctrl.Type,
		}}
		b.order[attach] = b.order[a]
		b.plan.Change = append(b.plan.Change, attach)
	}
}

// deletedNames returns the kernel names removed by the plan.
func (b *builder) deletedNames() map[string]bool {
	out := make(map[string]bool, len(b.plan.Delete))
	for _, d := range b.plan.Delete {
		out[d.Name] = true
		// Removing one end of a veth pair removes the other.
		if peer := d.VethPeer(); peer != "" {
			out[peer] = true
		}
	}
	return out
}

func (b *builder) planRoutes() {
	if b.desired.Routes == nil {
		return
	}
	existing := currentRoutes(b.current)
	deleted := b.deletedNames()
	removed := make(map[string]bool)

	for _, r := range b.desired.Routes.Config {
		if !r.IsAbsent() {
			continue
		}
		for _, c := range existing {
			if !r.Matches(c) || removed[c.String()] {
				continue
			}
			removed[c.String()] = true
			if c.NextHopInterface != nil && deleted[*c.NextHopInterface] {
				continue
			}
			b.plan.Routes.Remove = append(b.plan.Routes.Remove, c)
		}
	}

	for _, r := range b.desired.Routes.Config {
		if r.IsAbsent() {
			continue
		}
		if r.NextHopInterface != nil && deleted[*r.NextHopInterface] {
			b.log.Warn("dropping route via deleted interface", "route", r.String())
			continue
		}
		found := false
		for _, c := range existing {
			if r.Matches(c) && !removed[c.String()] {
				found = true
				break
			}
		}
		if !found {
			b.plan.Routes.Add = append(b.plan.Routes.Add, r)
		}
	}
}

func currentRoutes(s *netstate.NetworkState) []netstate.RouteEntry {
	if s.Routes == nil {
		return nil
	}
	seen := make(map[string]bool)
	var out []netstate.RouteEntry
	for _, group := range [][]netstate.RouteEntry{s.Routes.Config, s.Routes.Running} {
		for _, r := range group {
			if seen[r.String()] {
				continue
			}
			seen[r.String()] = true
			out = append(out, r)
		}
	}
	return out
}

func (b *builder) planRules() {
	if b.desired.RouteRules == nil {
		return
	}
	var existing []netstate.RouteRuleEntry
	if b.current.RouteRules != nil {
		existing = b.current.RouteRules.Config
	}
	deleted := b.deletedNames()
	removed := make(map[string]bool)

	for _, r := range b.desired.RouteRules.Config {
		if !r.IsAbsent() {
			continue
		}
		for _, c := range existing {
			if r.Matches(c) && !removed[c.String()] {
				removed[c.String()] = true
				b.plan.Rules.Remove = append(b.plan.Rules.Remove, c)
			}
		}
	}
	for _, r := range b.desired.RouteRules.Config {
		if r.IsAbsent() {
			continue
		}
		if r.Iif != nil && deleted[*r.Iif] {
			b.log.Warn("dropping rule on deleted interface", "rule", r.String())
			continue
		}
		found := false
		for _, c := range existing {
			if r.Matches(c) && !removed[c.String()] {
				found = true
				break
			}
		}
		if !found {
			b.plan.Rules.Add = append(b.plan.Rules.Add, r)
		}
	}
}

// planGlobals includes DNS, hostname and OVSDB global configuration when
// the desired value differs from current.
func (b *builder) planGlobals() error {
	if d := b.desired.DNS; d != nil && d.Config != nil {
		var cur *netstate.DNSClientState
		if b.current.DNS != nil {
			cur = b.current.DNS.Config
		}
		changed, err := differs(d.Config, cur)
		if err != nil {
			return err
		}
		if changed {
			b.plan.DNS = d.Config
		}
	}

	if d := b.desired.HostName; d != nil && d.Config != nil {
		var cur *string
		if b.current.HostName != nil {
			cur = b.current.HostName.Config
		}
		if cur == nil || *cur != *d.Config {
			b.plan.HostName = d.Config
		}
	}

	if d := b.desired.OvsDB; d != nil {
		changed, err := differs(d, b.current.OvsDB)
		if err != nil {
			return err
		}
		if changed {
			b.plan.OvsDB = d
		}
	}
	return nil
}

func differs(desired, current any) (bool, error) {
	dv, err := value.FromStruct(desired)
	if err != nil {
		return false, neterr.Bug("encode desired: %v", err)
	}
	cv, err := value.FromStruct(current)
	if err != nil {
		return false, neterr.Bug("encode current: %v", err)
	}
	if cv.IsNull() && dv.Kind() == value.KindMap {
		cv = value.Map(nil)
	}
	return value.Diff(nil, dv, cv) != nil, nil
}

func sortPorts(iface *netstate.Interface) {
	if iface.Bridge != nil && iface.Bridge.Ports != nil {
		ports := *iface.Bridge.Ports
		sort.SliceStable(ports, func(i, j int) bool { return ports[i].Name < ports[j].Name })
	}
	if iface.Bond != nil && iface.Bond.Ports != nil {
		sort.Strings(*iface.Bond.Ports)
	}
	if iface.Vrf != nil && iface.Vrf.Ports != nil {
		sort.Strings(*iface.Vrf.Ports)
	}
}

func contains(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}

package reconcile

import (
	"context"
	"strings"

	"golang.org/x/sync/errgroup"

	"grimm.is/netconverge/internal/neterr"
	"grimm.is/netconverge/internal/network"
	"grimm.is/netconverge/internal/netstate"
	"grimm.is/netconverge/internal/ovsdb"
	"grimm.is/netconverge/internal/plan"
	"grimm.is/netconverge/internal/txn"
)

// step is a share of a phase that runs as one concurrent batch.
type step struct {
	kernel *network.NetConf
	config []*netstate.Interface
}

func (s *step) empty() bool {
	return s.kernel.Empty() && len(s.config) == 0
}

// phaseWork is one phase's share for each backend. Interfaces are split
// into steps that run one after another; DNS, hostname and OVSDB columns
// go with the last step.
type phaseWork struct {
	name      string
	steps     []*step
	dns       *netstate.DNSClientState
	hostname  *string
	ovsIfaces []*netstate.Interface
	ovsGlobal *netstate.OvsDBGlobalConfig
}

func (w *phaseWork) empty() bool {
	for _, s := range w.steps {
		if !s.empty() {
			return false
		}
	}
	return w.dns == nil && w.hostname == nil && len(w.ovsIfaces) == 0 && w.ovsGlobal == nil
}

func (w *phaseWork) last() *step {
	return w.steps[len(w.steps)-1]
}

// work is a plan split by phase and backend.
type work struct {
	delete, add, change phaseWork
}

// related reports whether a and b depend on each other: one is the
// controller, the lower device or the veth peer of the other.
func related(a, b *netstate.Interface) bool {
	refs := func(x, y *netstate.Interface) bool {
		return x.ControllerName() == y.Name || x.BaseIface() == y.Name || x.VethPeer() == y.Name
	}
	return refs(a, b) || refs(b, a)
}

// split assigns ifaces, in plan order, to the kernel or the configuration
// service. An interface related to one the other backend handles in the
// current step opens a new step, so the plan's ordering holds across
// backends. It returns the names that need the configuration service.
func split(ifaces []*netstate.Interface, pick func(*network.NetConf) *[]*netstate.Interface) ([]*step, []string) {
	steps := []*step{{kernel: &network.NetConf{}}}
	var needConfig []string
	for _, iface := range ifaces {
		kernel := network.Handles(iface)
		cur := steps[len(steps)-1]
		other := cur.config
		if !kernel {
			other = *pick(cur.kernel)
		}
		for _, o := range other {
			if related(iface, o) {
				cur = &step{kernel: &network.NetConf{}}
				steps = append(steps, cur)
				break
			}
		}
		if kernel {
			list := pick(cur.kernel)
			*list = append(*list, iface)
			continue
		}
		cur.config = append(cur.config, iface)
		needConfig = append(needConfig, iface.Name)
	}
	return steps, needConfig
}

// dispatch assigns every change of p to a backend. Interfaces netlink can
// realise go to the kernel; OVS objects, OVS ports, 802.1X and dynamic
// addressing go to the configuration service along with DNS and the
// hostname; OVSDB columns go to the OVS database. Work for a backend that
// is not configured fails before anything is touched.
func (r *Reconciler) dispatch(p *plan.Plan) (*work, error) {
	w := &work{
		delete: phaseWork{name: "delete"},
		add:    phaseWork{name: "add"},
		change: phaseWork{name: "change"},
	}

	var needConfig, names []string
	w.delete.steps, names = split(p.Delete, func(c *network.NetConf) *[]*netstate.Interface { return &c.Delete })
	needConfig = append(needConfig, names...)
	w.add.steps, names = split(p.Add, func(c *network.NetConf) *[]*netstate.Interface { return &c.Add })
	needConfig = append(needConfig, names...)
	w.change.steps, names = split(p.Change, func(c *network.NetConf) *[]*netstate.Interface { return &c.Change })
	needConfig = append(needConfig, names...)

	// Routes and rules leave before their interfaces and arrive after.
	w.delete.steps[0].kernel.Routes.Remove = p.Routes.Remove
	w.delete.steps[0].kernel.Rules.Remove = p.Rules.Remove
	w.change.last().kernel.Routes.Add = p.Routes.Add
	w.change.last().kernel.Rules.Add = p.Rules.Add

	w.change.dns = p.DNS
	w.change.hostname = p.HostName
	if p.DNS != nil {
		needConfig = append(needConfig, "dns-resolver")
	}
	if p.HostName != nil {
		needConfig = append(needConfig, "hostname")
	}
	if len(needConfig) > 0 && r.deps.Config == nil {
		return nil, neterr.NotSupported("kernel-only mode cannot apply %s: NetworkManager is required", strings.Join(needConfig, ", "))
	}

	// Columns are written once the rows exist, so new interfaces get
	// theirs in the change phase too.
	for _, group := range [][]*netstate.Interface{p.Add, p.Change} {
		for _, iface := range group {
			if !iface.IsAbsent() && iface.HasOvsDB() {
				w.change.ovsIfaces = append(w.change.ovsIfaces, iface)
			}
		}
	}
	w.change.ovsGlobal = p.OvsDB
	if (len(w.change.ovsIfaces) > 0 || p.OvsDB != nil) && r.deps.OvsDB == nil {
		return nil, neterr.Dependency("desired state has OVSDB columns but no OVSDB socket is configured")
	}
	return w, nil
}

func (r *Reconciler) phases(w *work) []txn.Phase {
	var out []txn.Phase
	for _, pw := range []*phaseWork{&w.delete, &w.add, &w.change} {
		if pw.empty() {
			continue
		}
		out = append(out, txn.Phase{
			Name:     pw.name,
			Estimate: r.opts.PhaseEstimate,
			Run:      func(ctx context.Context) error { return r.runPhase(ctx, pw) },
		})
	}
	return out
}

// runPhase runs the steps of w in order. Within a step each backend gets
// its share concurrently and the step waits for all of them, failed or
// not. The first error wins and later steps are not started.
func (r *Reconciler) runPhase(ctx context.Context, w *phaseWork) error {
	for i, st := range w.steps {
		var g errgroup.Group

		if !st.kernel.Empty() {
			g.Go(func() error {
				return r.deps.Kernel.Apply(ctx, st.kernel)
			})
		}
		if len(st.config) > 0 {
			g.Go(func() error {
				return r.deps.Config.ApplyInterfaces(ctx, st.config)
			})
		}
		if i == len(w.steps)-1 {
			r.runGlobals(ctx, &g, w)
		}

		r.log.Debug("phase step dispatched", "phase", w.name, "step", i+1, "of", len(w.steps),
			"kernel", !st.kernel.Empty(), "config", len(st.config))
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) runGlobals(ctx context.Context, g *errgroup.Group, w *phaseWork) {
	if w.dns != nil {
		g.Go(func() error {
			return r.deps.Config.SetDNS(ctx, w.dns)
		})
	}
	if w.hostname != nil {
		g.Go(func() error {
			return r.deps.Config.SetHostName(ctx, *w.hostname)
		})
	}
	if len(w.ovsIfaces) > 0 || w.ovsGlobal != nil {
		g.Go(func() error {
			if err := r.deps.OvsDB.ApplyGlobal(ctx, w.ovsGlobal); err != nil {
				return err
			}
			return r.deps.OvsDB.ApplyInterfaces(ctx, w.ovsIfaces)
		})
	}
}

// query reads every configured backend concurrently and merges the
// results: the kernel view, plus OVS bridges, profile settings, DNS and
// hostname from the configuration service, plus OVSDB columns.
func (r *Reconciler) query(ctx context.Context) (*netstate.NetworkState, error) {
	var (
		g      errgroup.Group
		kernel *netstate.NetworkState
		config *netstate.NetworkState
		ovs    *ovsdb.State
	)
	g.Go(func() error {
		var err error
		kernel, err = r.deps.Kernel.Retrieve(ctx)
		return err
	})
	if r.deps.Config != nil {
		g.Go(func() error {
			var err error
			config, err = r.deps.Config.Retrieve(ctx)
			return err
		})
	}
	if r.deps.OvsDB != nil {
		g.Go(func() error {
			var err error
			ovs, err = r.deps.OvsDB.Retrieve(ctx)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return merge(kernel, config, ovs), nil
}

func merge(kernel, config *netstate.NetworkState, ovs *ovsdb.State) *netstate.NetworkState {
	state := kernel
	if state == nil {
		state = &netstate.NetworkState{}
	}
	if config != nil {
		for _, iface := range config.Interfaces {
			cur := state.Interface(iface.Name, iface.Namespace())
			switch {
			case cur != nil:
				overlayProfile(cur, iface)
			case iface.Type != netstate.TypeUnknown:
				state.Interfaces = append(state.Interfaces, iface)
			}
		}
		state.DNS = config.DNS
		state.HostName = config.HostName
	}
	if ovs != nil {
		state.OvsDB = ovs.Global
		for _, iface := range state.Interfaces {
			if cols := ovs.Columns(iface); cols != nil {
				iface.OvsDB = cols
			}
		}
	}
	return state
}

// overlayProfile copies what only the configuration service knows onto
// the kernel's view of the same interface.
func overlayProfile(dst, src *netstate.Interface) {
	dst.IPv4 = overlayIP(dst.IPv4, src.IPv4)
	dst.IPv6 = overlayIP(dst.IPv6, src.IPv6)
	if src.Ieee8021X != nil {
		dst.Ieee8021X = src.Ieee8021X
	}
}

func overlayIP(dst, src *netstate.InterfaceIP) *netstate.InterfaceIP {
	if src == nil {
		return dst
	}
	if dst == nil {
		dst = &netstate.InterfaceIP{}
	}
	if src.DHCP != nil {
		dst.DHCP = src.DHCP
	}
	if src.Autoconf != nil {
		dst.Autoconf = src.Autoconf
	}
	return dst
}

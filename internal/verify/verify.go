// Package verify checks that the state retrieved after an apply satisfies
// the desired state.
package verify

import (
	"net"
	"sort"
	"strings"

	"grimm.is/netconverge/internal/logging"
	"grimm.is/netconverge/internal/metrics"
	"grimm.is/netconverge/internal/neterr"
	"grimm.is/netconverge/internal/netstate"
	"grimm.is/netconverge/internal/value"
)

// DefaultSecretKeys are masked on the desired side before comparison.
var DefaultSecretKeys = netstate.SecretKeys

// Options tune a Verifier.
type Options struct {
	// AllowKernelRounding downgrades bridge timer differences of one
	// second, caused by the kernel's centisecond timers, to a warning.
	AllowKernelRounding bool
	SecretKeys          []string
	Logger              *logging.Logger
}

// Verifier compares desired and current state collection by collection.
type Verifier struct {
	opts Options
	log  *logging.Logger
}

// New creates a Verifier.
func New(opts Options) *Verifier {
	if opts.SecretKeys == nil {
		opts.SecretKeys = DefaultSecretKeys
	}
	if opts.Logger == nil {
		opts.Logger = logging.WithComponent("verify")
	}
	return &Verifier{opts: opts, log: opts.Logger}
}

// Verify returns nil when current satisfies desired, a VerificationError
// naming the first differing path otherwise, or KernelIntegerRoundedError
// for rounded bridge timers when rounding is not allowed.
func (v *Verifier) Verify(desired, current *netstate.NetworkState) error {
	if desired == nil {
		return nil
	}
	if current == nil {
		current = &netstate.NetworkState{}
	}
	checks := []struct {
		collection string
		check      func(desired, current *netstate.NetworkState) error
	}{
		{"interfaces", v.interfaces},
		{"routes", v.routes},
		{"route-rules", v.rules},
		{"dns-resolver", v.dns},
		{"hostname", v.hostname},
		{"ovs-db", v.ovsdb},
	}
	for _, c := range checks {
		if err := c.check(desired, current); err != nil {
			metrics.Get().VerificationMismatches.WithLabelValues(c.collection).Inc()
			return err
		}
	}
	return nil
}

func mismatch(m *value.Mismatch) error {
	return neterr.New(neterr.KindVerificationError, "%s", m.String())
}

func missing(path, format string, args ...any) error {
	return neterr.New(neterr.KindVerificationError, path+": "+format, args...)
}

func (v *Verifier) interfaces(desired, current *netstate.NetworkState) error {
	absent := make(map[string]bool)
	for _, d := range desired.Interfaces {
		if d.IsAbsent() {
			absent[d.Name] = true
		}
	}

	for _, d := range desired.Interfaces {
		if d.IsIgnored() {
			continue
		}
		path := value.Path{"interfaces", d.Name}
		cur := current.Interface(d.Name, d.Namespace())

		if d.IsAbsent() {
			if cur == nil {
				continue
			}
			// The kernel tears down the second end of a veth pair
			// asynchronously.
			if cur.Type == netstate.TypeVeth && absent[cur.VethPeer()] && current.Interface(cur.VethPeer(), netstate.NamespaceKernel) == nil {
				v.log.Debug("veth peer removal pending", "iface", d.Name)
				continue
			}
			return missing(path.String(), "desired absent, current %s", cur.State)
		}
		if cur == nil {
			return missing(path.String(), "desired %s, current missing", d)
		}

		dv, cv, err := v.prepare(d, cur)
		if err != nil {
			return neterr.Bug("%s: %v", path, err)
		}
		if err := v.checkRounding(path, dv, &cv); err != nil {
			return err
		}
		if m := value.Diff(path, dv, cv); m != nil {
			return mismatch(m)
		}
	}
	return nil
}

// prepare converts both sides to comparable trees: secrets masked,
// port lists sorted, and current-only details the desired side cannot
// express dropped.
func (v *Verifier) prepare(d, cur *netstate.Interface) (value.Value, value.Value, error) {
	d, cur = d.Clone(), cur.Clone()
	sortPorts(d)
	sortPorts(cur)

	if d.Controller != nil && *d.Controller == "" && cur.Controller == nil {
		cur.Controller = netstate.Ptr("")
	}
	// A peer moved to another namespace is not visible.
	if d.Veth != nil && (cur.Veth == nil || cur.Veth.Peer == "") {
		d.Veth = nil
	}
	for _, pair := range []struct{ d, c *netstate.InterfaceIP }{{d.IPv4, cur.IPv4}, {d.IPv6, cur.IPv6}} {
		prepareIP(pair.d, pair.c)
	}

	dv, err := d.ToValue()
	if err != nil {
		return value.Value{}, value.Value{}, err
	}
	cv, err := cur.ToValue()
	if err != nil {
		return value.Value{}, value.Value{}, err
	}
	return value.Mask(dv, v.opts.SecretKeys...), cv, nil
}

func prepareIP(d, c *netstate.InterfaceIP) {
	if d == nil {
		return
	}
	// Leased and autoconfigured addresses are not desired state.
	if (d.DHCP != nil && *d.DHCP) || (d.Autoconf != nil && *d.Autoconf) {
		d.Address = nil
		return
	}
	if d.Address == nil || c == nil {
		return
	}
	wantLinkLocal := false
	for _, a := range d.Address {
		if ip := net.ParseIP(a.IP); ip != nil && ip.IsLinkLocalUnicast() {
			wantLinkLocal = true
		}
	}
	kept := c.Address[:0:0]
	for _, a := range c.Address {
		if ip := net.ParseIP(a.IP); ip != nil && ip.IsLinkLocalUnicast() && !wantLinkLocal {
			continue
		}
		kept = append(kept, a)
	}
	c.Address = kept
	sortAddrs(d.Address)
	sortAddrs(c.Address)
}

func sortAddrs(addrs []netstate.InterfaceIPAddr) {
	sort.SliceStable(addrs, func(i, j int) bool {
		return netstate.NormalizeAddr(addrs[i].IP) < netstate.NormalizeAddr(addrs[j].IP)
	})
	for i := range addrs {
		addrs[i].IP = netstate.NormalizeAddr(addrs[i].IP)
	}
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

// roundedFields are the bridge options the kernel stores in centiseconds
// and reports back in whole seconds.
var roundedFields = []value.Path{
	{"bridge", "options", "stp", "forward-delay"},
	{"bridge", "options", "stp", "hello-time"},
	{"bridge", "options", "stp", "max-age"},
	{"bridge", "options", "mac-ageing-time"},
}

// checkRounding handles bridge timers that differ by exactly one second.
// When rounding is allowed the current value is replaced by the desired
// one so the main comparison passes.
func (v *Verifier) checkRounding(path value.Path, dv value.Value, cv *value.Value) error {
	if t, _ := dv.Get("type"); !isBridgeType(t) {
		if t2, _ := cv.Get("type"); !isBridgeType(t2) {
			return nil
		}
	}
	for _, field := range roundedFields {
		want, ok := lookup(dv, field)
		if !ok {
			continue
		}
		got, ok := lookup(*cv, field)
		if !ok {
			continue
		}
		wn, ok1 := want.AsNumber()
		gn, ok2 := got.AsNumber()
		if !ok1 || !ok2 || wn == gn || wn-gn > 1 || gn-wn > 1 {
			continue
		}
		full := append(append(value.Path(nil), path...), field...)
		if !v.opts.AllowKernelRounding {
			return neterr.New(neterr.KindKernelIntegerRounded,
				"%s: desired %s, current %s (kernel timer rounding)", full, want, got)
		}
		v.log.Warn("kernel rounded bridge timer", "path", full.String(), "desired", want.String(), "current", got.String())
		*cv = replace(*cv, field, want)
	}
	return nil
}

func isBridgeType(t value.Value) bool {
	s, _ := t.AsString()
	return s == string(netstate.TypeLinuxBridge)
}

func lookup(v value.Value, p value.Path) (value.Value, bool) {
	for _, seg := range p {
		next, ok := v.Get(seg)
		if !ok {
			return value.Value{}, false
		}
		v = next
	}
	return v, true
}

func replace(v value.Value, p value.Path, leaf value.Value) value.Value {
	if len(p) == 0 {
		return leaf
	}
	child, _ := v.Get(p[0])
	return v.With(p[0], replace(child, p[1:], leaf))
}

func (v *Verifier) routes(desired, current *netstate.NetworkState) error {
	if desired.Routes == nil {
		return nil
	}
	var existing []netstate.RouteEntry
	if current.Routes != nil {
		existing = append(append(existing, current.Routes.Config...), current.Routes.Running...)
	}
	gone := absentNames(desired)
	for idx, r := range desired.Routes.Config {
		path := value.Path{"routes", "config"}.Index(idx).String()
		if !r.IsAbsent() && r.NextHopInterface != nil && gone[*r.NextHopInterface] {
			continue
		}
		found := false
		for _, c := range existing {
			if r.Matches(c) {
				found = true
				break
			}
		}
		switch {
		case r.IsAbsent() && found:
			return missing(path, "route %s still present", r.String())
		case !r.IsAbsent() && !found:
			return missing(path, "route %s not found", r.String())
		}
	}
	return nil
}

func (v *Verifier) rules(desired, current *netstate.NetworkState) error {
	if desired.RouteRules == nil {
		return nil
	}
	var existing []netstate.RouteRuleEntry
	if current.RouteRules != nil {
		existing = current.RouteRules.Config
	}
	gone := absentNames(desired)
	for idx, r := range desired.RouteRules.Config {
		path := value.Path{"route-rules", "config"}.Index(idx).String()
		if !r.IsAbsent() && r.Iif != nil && gone[*r.Iif] {
			continue
		}
		found := false
		for _, c := range existing {
			if r.Matches(c) {
				found = true
				break
			}
		}
		switch {
		case r.IsAbsent() && found:
			return missing(path, "rule %s still present", r.String())
		case !r.IsAbsent() && !found:
			return missing(path, "rule %s not found", r.String())
		}
	}
	return nil
}

func absentNames(s *netstate.NetworkState) map[string]bool {
	out := make(map[string]bool)
	for _, iface := range s.Interfaces {
		if iface.IsAbsent() {
			out[iface.Name] = true
		}
	}
	return out
}

func (v *Verifier) dns(desired, current *netstate.NetworkState) error {
	if desired.DNS == nil || desired.DNS.Config == nil {
		return nil
	}
	var cur *netstate.DNSClientState
	if current.DNS != nil {
		cur = current.DNS.Config
	}
	return compare(value.Path{"dns-resolver", "config"}, desired.DNS.Config, cur, dnsNormalize)
}

// dnsNormalize compares servers by address and search domains without the
// trailing dot.
func dnsNormalize(c *netstate.DNSClientState) *netstate.DNSClientState {
	if c == nil {
		return nil
	}
	out := &netstate.DNSClientState{Options: c.Options}
	if c.Server != nil {
		servers := make([]string, len(*c.Server))
		for i, s := range *c.Server {
			servers[i] = netstate.NormalizeAddr(s)
		}
		out.Server = &servers
	}
	if c.Search != nil {
		search := make([]string, len(*c.Search))
		for i, s := range *c.Search {
			search[i] = strings.TrimSuffix(strings.ToLower(s), ".")
		}
		out.Search = &search
	}
	return out
}

func (v *Verifier) hostname(desired, current *netstate.NetworkState) error {
	if desired.HostName == nil || desired.HostName.Config == nil {
		return nil
	}
	var cur *string
	if current.HostName != nil {
		cur = current.HostName.Config
	}
	want := *desired.HostName.Config
	if cur == nil || *cur != want {
		got := "missing"
		if cur != nil {
			got = *cur
		}
		return missing("hostname.config", "desired %s, current %s", want, got)
	}
	return nil
}

func (v *Verifier) ovsdb(desired, current *netstate.NetworkState) error {
	if desired.OvsDB == nil {
		return nil
	}
	return compare(value.Path{"ovs-db"}, desired.OvsDB, current.OvsDB, nil)
}

func compare[T any](path value.Path, desired, current *T, normalize func(*T) *T) error {
	if normalize != nil {
		desired, current = normalize(desired), normalize(current)
	}
	dv, err := value.FromStruct(desired)
	if err != nil {
		return neterr.Bug("%s: %v", path, err)
	}
	cv, err := value.FromStruct(current)
	if err != nil {
		return neterr.Bug("%s: %v", path, err)
	}
	if cv.IsNull() {
		cv = value.Map(nil)
	}
	if m := value.Diff(path, dv, cv); m != nil {
		return mismatch(m)
	}
	return nil
}

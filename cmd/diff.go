package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/pmezard/go-difflib/difflib"

	"grimm.is/netconverge/internal/netstate"
	"grimm.is/netconverge/internal/plan"
)

// RunDiff prints a unified diff between the current state and the state
// apply would produce. It returns ErrDiffers when they differ.
func RunDiff(ctx context.Context, o Options, file string) error {
	desired, err := netstate.Load(file)
	if err != nil {
		return err
	}

	cfg, cleanup, err := setup(o)
	if err != nil {
		return err
	}
	defer cleanup()

	rt, err := wire(ctx, cfg, o, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	current, err := rt.rec.Show(ctx)
	if err != nil {
		return err
	}
	p, err := rt.rec.Plan(ctx, desired)
	if err != nil {
		return err
	}
	if p.Empty() {
		Printer.Println("No changes detected.")
		return nil
	}

	text, err := unifiedDiff(current, predict(current, p))
	if err != nil {
		return err
	}
	fmt.Fprint(os.Stdout, text)
	return ErrDiffers
}

func unifiedDiff(current, predicted *netstate.NetworkState) (string, error) {
	a, err := current.Encode()
	if err != nil {
		return "", err
	}
	b, err := predicted.Encode()
	if err != nil {
		return "", err
	}
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(a)),
		B:        difflib.SplitLines(string(b)),
		FromFile: "current",
		ToFile:   "desired",
		Context:  3,
	})
}

// predict returns current with p applied: deleted interfaces removed,
// added and changed ones in their planned form, and the route, rule and
// global changes folded in.
func predict(current *netstate.NetworkState, p *plan.Plan) *netstate.NetworkState {
	out := current.Clone()

	type key struct {
		name string
		ns   netstate.Namespace
	}
	replaced := make(map[key]*netstate.Interface)
	for _, group := range [][]*netstate.Interface{p.Add, p.Change} {
		for _, iface := range group {
			replaced[key{iface.Name, iface.Namespace()}] = iface
		}
	}
	for _, iface := range p.Delete {
		replaced[key{iface.Name, iface.Namespace()}] = nil
	}

	var ifaces []*netstate.Interface
	for _, iface := range out.Interfaces {
		k := key{iface.Name, iface.Namespace()}
		planned, ok := replaced[k]
		if !ok {
			ifaces = append(ifaces, iface)
			continue
		}
		delete(replaced, k)
		if planned != nil && !planned.IsAbsent() {
			ifaces = append(ifaces, planned)
		}
	}
	for _, iface := range p.Add {
		if planned, ok := replaced[key{iface.Name, iface.Namespace()}]; ok && planned != nil {
			ifaces = append(ifaces, planned)
		}
	}
	out.Interfaces = ifaces

	if len(p.Routes.Add)+len(p.Routes.Remove) > 0 {
		if out.Routes == nil {
			out.Routes = &netstate.Routes{}
		}
		out.Routes.Running = applyRoutes(out.Routes.Running, p.Routes)
		out.Routes.Config = applyRoutes(out.Routes.Config, p.Routes)
	}
	if len(p.Rules.Add)+len(p.Rules.Remove) > 0 {
		if out.RouteRules == nil {
			out.RouteRules = &netstate.RouteRules{}
		}
		var rules []netstate.RouteRuleEntry
		for _, r := range out.RouteRules.Config {
			if !matchesAnyRule(p.Rules.Remove, r) {
				rules = append(rules, r)
			}
		}
		out.RouteRules.Config = append(rules, p.Rules.Add...)
	}

	if p.DNS != nil {
		if out.DNS == nil {
			out.DNS = &netstate.DNSState{}
		}
		out.DNS.Config = p.DNS
	}
	if p.HostName != nil {
		if out.HostName == nil {
			out.HostName = &netstate.HostNameState{}
		}
		out.HostName.Config = p.HostName
	}
	if p.OvsDB != nil {
		out.OvsDB = p.OvsDB
	}
	return out
}

func applyRoutes(routes []netstate.RouteEntry, c plan.RouteChanges) []netstate.RouteEntry {
	var out []netstate.RouteEntry
	for _, r := range routes {
		removed := false
		for _, rm := range c.Remove {
			if rm.Matches(r) {
				removed = true
				break
			}
		}
		if !removed {
			out = append(out, r)
		}
	}
	return append(out, c.Add...)
}

func matchesAnyRule(rules []netstate.RouteRuleEntry, r netstate.RouteRuleEntry) bool {
	for _, rm := range rules {
		if rm.Matches(r) {
			return true
		}
	}
	return false
}

package cmd

import (
	"context"
	"strings"
	"time"

	"grimm.is/netconverge/internal/netstate"
	"grimm.is/netconverge/internal/plan"
	"grimm.is/netconverge/internal/txn"
)

// RunApply converges the host to the desired state in file.
func RunApply(ctx context.Context, o Options, file string) error {
	desired, err := netstate.Load(file)
	if err != nil {
		return err
	}

	cfg, cleanup, err := setup(o)
	if err != nil {
		return err
	}
	defer cleanup()
	defer flushMetrics(cfg)

	rt, err := wire(ctx, cfg, o, true)
	if err != nil {
		return err
	}
	defer rt.Close()

	actx, cancel := applyContext(ctx, cfg, o)
	defer cancel()
	res, err := rt.rec.Apply(actx, desired)
	if err != nil {
		if res != nil && res.State == txn.RolledBack {
			Printer.Printf("Apply %s failed and was rolled back.\n", res.ID)
		}
		return err
	}

	if o.DryRun {
		printPlan(res.Plan)
		Printer.Println("\n[DRY RUN] Operations:")
		for _, c := range dryRunCommands(rt) {
			Printer.Printf("  %s\n", c)
		}
		return nil
	}

	switch {
	case res.Plan == nil || res.Plan.Empty():
		Printer.Println("Nothing to do.")
	case res.State == txn.CheckpointOpen:
		Printer.Printf("Applied %s. Checkpoint %s left open; it rolls back at %s unless committed.\n",
			res.Plan.Summary(), res.Checkpoint.ID, res.Checkpoint.Created.Add(res.Checkpoint.Timeout).Format(time.RFC3339))
	default:
		Printer.Printf("Applied %s in %v.\n", res.Plan.Summary(), res.Duration.Round(time.Millisecond))
	}
	return nil
}

func dryRunCommands(rt *backends) []string {
	var out []string
	if rt.dryRun != nil {
		out = append(out, rt.dryRun.Commands()...)
	}
	if rt.drySys != nil {
		out = append(out, rt.drySys.Writes...)
	}
	if rt.dryEth != nil {
		out = append(out, rt.dryEth.Changes...)
	}
	return out
}

// RunPlan prints what apply would change without touching the system.
func RunPlan(ctx context.Context, o Options, file string) error {
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

	p, err := rt.rec.Plan(ctx, desired)
	if err != nil {
		return err
	}
	printPlan(p)
	return nil
}

func printPlan(p *plan.Plan) {
	if p == nil || p.Empty() {
		Printer.Println("No changes.")
		return
	}
	for _, group := range []struct {
		verb   string
		ifaces []*netstate.Interface
	}{
		{"delete", p.Delete},
		{"add", p.Add},
		{"change", p.Change},
	} {
		for _, iface := range group.ifaces {
			Printer.Printf("  %-7s %s (%s)\n", group.verb, iface.Name, iface.Type)
		}
	}
	for _, r := range p.Routes.Remove {
		Printer.Printf("  %-7s route %s\n", "remove", r.String())
	}
	for _, r := range p.Routes.Add {
		Printer.Printf("  %-7s route %s\n", "add", r.String())
	}
	for _, r := range p.Rules.Remove {
		Printer.Printf("  %-7s rule %s\n", "remove", r.String())
	}
	for _, r := range p.Rules.Add {
		Printer.Printf("  %-7s rule %s\n", "add", r.String())
	}
	if p.DNS != nil {
		Printer.Printf("  %-7s dns-resolver %s\n", "set", dnsSummary(p.DNS))
	}
	if p.HostName != nil {
		Printer.Printf("  %-7s hostname %s\n", "set", *p.HostName)
	}
	if p.OvsDB != nil {
		Printer.Printf("  %-7s ovs-db global columns\n", "set")
	}
	Printer.Printf("\nPlan: %s\n", p.Summary())
}

func dnsSummary(c *netstate.DNSClientState) string {
	var parts []string
	if c.Server != nil {
		parts = append(parts, "server=["+strings.Join(*c.Server, ", ")+"]")
	}
	if c.Search != nil {
		parts = append(parts, "search=["+strings.Join(*c.Search, ", ")+"]")
	}
	if c.Options != nil {
		parts = append(parts, "options=["+strings.Join(*c.Options, ", ")+"]")
	}
	return strings.Join(parts, " ")
}

// Package plan computes the ordered change set that moves the current
// network state to the desired one.
package plan

import (
	"fmt"
	"strings"

	"grimm.is/netconverge/internal/netstate"
)

// RouteChanges lists routes to install and routes to remove.
type RouteChanges struct {
	Add    []netstate.RouteEntry
	Remove []netstate.RouteEntry
}

// RuleChanges lists policy rules to install and rules to remove.
type RuleChanges struct {
	Add    []netstate.RouteRuleEntry
	Remove []netstate.RouteRuleEntry
}

// Plan is the output of Build. Interfaces in Delete, Add and Change are
// already ordered for application: Delete first (ports before their
// controllers), then Add and Change (controllers before their ports).
type Plan struct {
	Delete []*netstate.Interface
	Add    []*netstate.Interface
	Change []*netstate.Interface

	Routes RouteChanges
	Rules  RuleChanges

	// Nil when unchanged.
	DNS      *netstate.DNSClientState
	HostName *string
	OvsDB    *netstate.OvsDBGlobalConfig

	// Desired is the validated desired state after port-list propagation;
	// it is what the result is verified against.
	Desired *netstate.NetworkState
	Current *netstate.NetworkState
}

// Empty reports whether applying the plan would change nothing.
func (p *Plan) Empty() bool {
	return len(p.Delete) == 0 && len(p.Add) == 0 && len(p.Change) == 0 &&
		len(p.Routes.Add) == 0 && len(p.Routes.Remove) == 0 &&
		len(p.Rules.Add) == 0 && len(p.Rules.Remove) == 0 &&
		p.DNS == nil && p.HostName == nil && p.OvsDB == nil
}

// Summary renders a one-line description of the plan.
func (p *Plan) Summary() string {
	if p.Empty() {
		return "no changes"
	}
	var parts []string
	for _, group := range []struct {
		verb   string
		ifaces []*netstate.Interface
	}{
		{"delete", p.Delete},
		{"add", p.Add},
		{"change", p.Change},
	} {
		if len(group.ifaces) > 0 {
			parts = append(parts, fmt.Sprintf("%s [%s]", group.verb, strings.Join(Names(group.ifaces), ", ")))
		}
	}
	if n, m := len(p.Routes.Add), len(p.Routes.Remove); n+m > 0 {
		parts = append(parts, fmt.Sprintf("routes +%d -%d", n, m))
	}
	if n, m := len(p.Rules.Add), len(p.Rules.Remove); n+m > 0 {
		parts = append(parts, fmt.Sprintf("rules +%d -%d", n, m))
	}
	if p.DNS != nil {
		parts = append(parts, "dns")
	}
	if p.HostName != nil {
		parts = append(parts, "hostname")
	}
	if p.OvsDB != nil {
		parts = append(parts, "ovs-db")
	}
	return strings.Join(parts, "; ")
}

// Names returns the interface names in order.
func Names(ifaces []*netstate.Interface) []string {
	out := make([]string, len(ifaces))
	for i, iface := range ifaces {
		out[i] = iface.Name
	}
	return out
}

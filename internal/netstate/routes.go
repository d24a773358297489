package netstate

import (
	"fmt"
	"net"
	"strings"
)

// EntryState marks route and rule entries for removal.
type EntryState string

const EntryAbsent EntryState = "absent"

// Routes holds the running table (reported) and the configured routes.
type Routes struct {
	Running []RouteEntry `json:"running,omitempty"`
	Config  []RouteEntry `json:"config,omitempty" validate:"dive"`
}

// RouteEntry is a route compared by value. Unset fields act as wildcards
// when matching.
type RouteEntry struct {
	State            EntryState `json:"state,omitempty" validate:"omitempty,oneof=absent"`
	Destination      *string    `json:"destination,omitempty" validate:"omitempty,cidr"`
	NextHopInterface *string    `json:"next-hop-interface,omitempty"`
	NextHopAddress   *string    `json:"next-hop-address,omitempty" validate:"omitempty,ip"`
	Metric           *int64     `json:"metric,omitempty" validate:"omitempty,min=0"`
	TableID          *uint32    `json:"table-id,omitempty"`
}

// IsAbsent reports whether the entry requests removal.
func (r RouteEntry) IsAbsent() bool { return r.State == EntryAbsent }

// Matches reports whether every field set on r equals the same field of
// other.
func (r RouteEntry) Matches(other RouteEntry) bool {
	return matchPrefix(r.Destination, other.Destination) &&
		matchString(r.NextHopInterface, other.NextHopInterface) &&
		matchAddr(r.NextHopAddress, other.NextHopAddress) &&
		matchPtr(r.Metric, other.Metric) &&
		matchPtr(r.TableID, other.TableID)
}

// IsIPv6 reports the address family of the entry.
func (r RouteEntry) IsIPv6() bool {
	if r.Destination != nil {
		return strings.Contains(*r.Destination, ":")
	}
	return r.NextHopAddress != nil && strings.Contains(*r.NextHopAddress, ":")
}

func (r RouteEntry) String() string {
	var b strings.Builder
	b.WriteString(deref(r.Destination, "*"))
	if r.NextHopAddress != nil {
		fmt.Fprintf(&b, " via %s", *r.NextHopAddress)
	}
	if r.NextHopInterface != nil {
		fmt.Fprintf(&b, " dev %s", *r.NextHopInterface)
	}
	if r.TableID != nil {
		fmt.Fprintf(&b, " table %d", *r.TableID)
	}
	if r.Metric != nil {
		fmt.Fprintf(&b, " metric %d", *r.Metric)
	}
	if r.IsAbsent() {
		b.WriteString(" absent")
	}
	return b.String()
}

// RouteRules holds the configured policy routing rules.
type RouteRules struct {
	Config []RouteRuleEntry `json:"config,omitempty" validate:"dive"`
}

// RouteRuleEntry is a policy routing rule compared by value.
type RouteRuleEntry struct {
	State      EntryState `json:"state,omitempty" validate:"omitempty,oneof=absent"`
	Family     string     `json:"family,omitempty" validate:"omitempty,oneof=ipv4 ipv6"`
	IPFrom     *string    `json:"ip-from,omitempty" validate:"omitempty,cidr|ip"`
	IPTo       *string    `json:"ip-to,omitempty" validate:"omitempty,cidr|ip"`
	Priority   *int64     `json:"priority,omitempty" validate:"omitempty,min=0,max=4294967295"`
	RouteTable *uint32    `json:"route-table,omitempty"`
	Fwmark     *uint32    `json:"fwmark,omitempty"`
	Iif        *string    `json:"iif,omitempty"`
	Action     string     `json:"action,omitempty" validate:"omitempty,oneof=blackhole unreachable prohibit"`
}

// IsAbsent reports whether the entry requests removal.
func (r RouteRuleEntry) IsAbsent() bool { return r.State == EntryAbsent }

// IsIPv6 reports the address family of the rule.
func (r RouteRuleEntry) IsIPv6() bool {
	if r.Family != "" {
		return r.Family == "ipv6"
	}
	for _, p := range []*string{r.IPFrom, r.IPTo} {
		if p != nil && strings.Contains(*p, ":") {
			return true
		}
	}
	return false
}

// Matches reports whether every field set on r equals the same field of
// other.
func (r RouteRuleEntry) Matches(other RouteRuleEntry) bool {
	return (r.Family == "" || r.IsIPv6() == other.IsIPv6()) &&
		matchPrefix(r.IPFrom, other.IPFrom) &&
		matchPrefix(r.IPTo, other.IPTo) &&
		matchPtr(r.Priority, other.Priority) &&
		matchPtr(r.RouteTable, other.RouteTable) &&
		matchPtr(r.Fwmark, other.Fwmark) &&
		matchString(r.Iif, other.Iif) &&
		(r.Action == "" || r.Action == other.Action)
}

func (r RouteRuleEntry) String() string {
	var b strings.Builder
	if r.Priority != nil {
		fmt.Fprintf(&b, "%d: ", *r.Priority)
	}
	fmt.Fprintf(&b, "from %s", deref(r.IPFrom, "all"))
	if r.IPTo != nil {
		fmt.Fprintf(&b, " to %s", *r.IPTo)
	}
	if r.Iif != nil {
		fmt.Fprintf(&b, " iif %s", *r.Iif)
	}
	if r.Fwmark != nil {
		fmt.Fprintf(&b, " fwmark %#x", *r.Fwmark)
	}
	if r.RouteTable != nil {
		fmt.Fprintf(&b, " lookup %d", *r.RouteTable)
	}
	if r.Action != "" {
		fmt.Fprintf(&b, " %s", r.Action)
	}
	if r.IsAbsent() {
		b.WriteString(" absent")
	}
	return b.String()
}

func matchString(want, got *string) bool {
	return want == nil || (got != nil && *want == *got)
}

func matchPtr[T comparable](want, got *T) bool {
	return want == nil || (got != nil && *want == *got)
}

func matchAddr(want, got *string) bool {
	if want == nil {
		return true
	}
	if got == nil {
		return false
	}
	return NormalizeAddr(*want) == NormalizeAddr(*got)
}

func matchPrefix(want, got *string) bool {
	if want == nil {
		return true
	}
	if got == nil {
		return false
	}
	return NormalizePrefix(*want) == NormalizePrefix(*got)
}

// NormalizeAddr returns the canonical text form of an IP address, or s
// unchanged when it does not parse.
func NormalizeAddr(s string) string {
	if ip := net.ParseIP(s); ip != nil {
		return ip.String()
	}
	return s
}

// NormalizePrefix returns the canonical network form of a CIDR prefix. A
// bare address is treated as a host prefix.
func NormalizePrefix(s string) string {
	if _, n, err := net.ParseCIDR(s); err == nil {
		return n.String()
	}
	if ip := net.ParseIP(s); ip != nil {
		if ip.To4() != nil {
			return ip.String() + "/32"
		}
		return ip.String() + "/128"
	}
	return s
}

func deref(p *string, def string) string {
	if p == nil {
		return def
	}
	return *p
}

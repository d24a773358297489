package netstate

import (
	"errors"
	"fmt"
	"net"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/miekg/dns"

	"grimm.is/netconverge/internal/neterr"
)

// MaxKernelNameLen is IFNAMSIZ minus the terminating NUL.
const MaxKernelNameLen = 15

var validate *validator.Validate

func init() {
	validate = validator.New()

	// Report fields by their document key.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

func validationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "field is required"
	case "min":
		return fmt.Sprintf("must be >= %s", e.Param())
	case "max":
		return fmt.Sprintf("must be <= %s", e.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", e.Param())
	case "ip":
		return "must be a valid IP address"
	case "cidr", "cidr|ip":
		return "must be a valid prefix"
	case "mac":
		return "must be a valid MAC address"
	case "hostname_rfc1123":
		return "must be a valid hostname"
	default:
		return fmt.Sprintf("validation failed: %s", e.Tag())
	}
}

func structProblems(prefix string, s any) []string {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return []string{fmt.Sprintf("%s: %v", prefix, err)}
	}
	out := make([]string, 0, len(fieldErrs))
	for _, e := range fieldErrs {
		out = append(out, fmt.Sprintf("%s: %s %s", prefix, e.Field(), validationMessage(e)))
	}
	return out
}

// PayloadType returns the type implied by the payload that is set, or "".
func (i *Interface) PayloadType() InterfaceType {
	switch {
	case i.Veth != nil:
		return TypeVeth
	case i.Bond != nil:
		return TypeBond
	case i.Vlan != nil:
		return TypeVlan
	case i.Vxlan != nil:
		return TypeVxlan
	case i.MacVlan != nil:
		return TypeMacVlan
	case i.MacVtap != nil:
		return TypeMacVtap
	case i.Vrf != nil:
		return TypeVrf
	case i.InfiniBand != nil:
		return TypeInfiniBand
	}
	return ""
}

// Validate checks one interface record.
func (i *Interface) Validate() error {
	if problems := i.problems(); len(problems) > 0 {
		return neterr.InvalidArgument("%s", strings.Join(problems, "; "))
	}
	return nil
}

func (i *Interface) problems() []string {
	prefix := "interface " + i.Name
	if i.Name == "" {
		prefix = "interface <unnamed>"
	}
	problems := structProblems(prefix, i)

	if i.Namespace() == NamespaceKernel && len(i.Name) > MaxKernelNameLen {
		problems = append(problems, fmt.Sprintf("%s: name exceeds %d characters", prefix, MaxKernelNameLen))
	}
	if pt := i.PayloadType(); pt != "" && i.Type != "" && pt != i.Type {
		problems = append(problems, fmt.Sprintf("%s: %s settings on a %s interface", prefix, pt, i.Type))
	}
	if i.Bridge != nil && i.Type != "" && i.Type != TypeLinuxBridge && i.Type != TypeOvsBridge {
		problems = append(problems, fmt.Sprintf("%s: bridge settings on a %s interface", prefix, i.Type))
	}
	if i.Controller != nil && *i.Controller == i.Name && i.Name != "" {
		problems = append(problems, fmt.Sprintf("%s: interface cannot be its own controller", prefix))
	}
	if ports, ok := i.Ports(); ok {
		seen := map[string]bool{}
		for _, p := range ports {
			switch {
			case p == "":
				problems = append(problems, fmt.Sprintf("%s: port name is required", prefix))
			case seen[p]:
				problems = append(problems, fmt.Sprintf("%s: port %s listed twice", prefix, p))
			}
			seen[p] = true
		}
	}
	for _, fam := range []struct {
		family string
		ip     *InterfaceIP
	}{{"ipv4", i.IPv4}, {"ipv6", i.IPv6}} {
		family, ip := fam.family, fam.ip
		if ip == nil {
			continue
		}
		for _, addr := range ip.Address {
			parsed := net.ParseIP(addr.IP)
			if parsed == nil {
				continue // reported by the struct tags
			}
			isV4 := parsed.To4() != nil
			switch {
			case family == "ipv4" && !isV4, family == "ipv6" && isV4:
				problems = append(problems, fmt.Sprintf("%s: %s address %s has the wrong family", prefix, family, addr.IP))
			case isV4 && addr.PrefixLength > 32:
				problems = append(problems, fmt.Sprintf("%s: prefix length %d out of range for %s", prefix, addr.PrefixLength, addr.IP))
			}
		}
	}
	return problems
}

// Validate checks the document for structural errors: field constraints,
// unique kernel names, and DNS syntax. All problems are reported together
// as one InvalidArgument error.
func (s *NetworkState) Validate() error {
	var problems []string

	type key struct {
		name string
		ns   Namespace
	}
	seen := make(map[key]bool, len(s.Interfaces))
	for idx, iface := range s.Interfaces {
		if iface == nil {
			problems = append(problems, fmt.Sprintf("interfaces[%d]: empty entry", idx))
			continue
		}
		problems = append(problems, iface.problems()...)
		k := key{iface.Name, iface.Namespace()}
		if seen[k] {
			problems = append(problems, fmt.Sprintf("interface %s: duplicate %s name", iface.Name, k.ns))
		}
		seen[k] = true
	}

	if s.Routes != nil {
		for idx := range s.Routes.Config {
			problems = append(problems, structProblems(fmt.Sprintf("route[%d]", idx), &s.Routes.Config[idx])...)
		}
	}
	if s.RouteRules != nil {
		for idx := range s.RouteRules.Config {
			problems = append(problems, structProblems(fmt.Sprintf("route-rule[%d]", idx), &s.RouteRules.Config[idx])...)
		}
	}
	if s.DNS != nil && s.DNS.Config != nil {
		problems = append(problems, dnsProblems(s.DNS.Config)...)
	}
	if s.HostName != nil {
		problems = append(problems, structProblems("hostname", s.HostName)...)
	}

	if len(problems) > 0 {
		return neterr.InvalidArgument("invalid network state: %s", strings.Join(problems, "; "))
	}
	return nil
}

func dnsProblems(c *DNSClientState) []string {
	var problems []string
	if c.Server != nil {
		for _, srv := range *c.Server {
			// Link-local IPv6 servers carry a zone.
			host, _, _ := strings.Cut(srv, "%")
			if net.ParseIP(host) == nil {
				problems = append(problems, fmt.Sprintf("dns: server %q is not an IP address", srv))
			}
		}
	}
	if c.Search != nil {
		for _, domain := range *c.Search {
			if _, ok := dns.IsDomainName(domain); !ok || domain == "" {
				problems = append(problems, fmt.Sprintf("dns: invalid search domain %q", domain))
			}
		}
	}
	return problems
}

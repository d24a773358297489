package network

import (
	"context"

	"grimm.is/netconverge/internal/logging"
	"grimm.is/netconverge/internal/neterr"
	"grimm.is/netconverge/internal/netstate"
	"grimm.is/netconverge/internal/plan"
)

// Kernel constants that x/sys/unix only defines on Linux.
const (
	rtprotKernel = 2
	rtprotStatic = 4
	rtprotRA     = 9
	rtprotDHCP   = 16

	rtTableDefault = 253
	rtTableMain    = 254
	rtTableLocal   = 255

	rtnUnicast     = 1
	rtnBlackhole   = 6
	rtnUnreachable = 7
	rtnProhibit    = 8

	scopeLink = 253

	// Lifetime the kernel reports for static addresses.
	infiniteLifetime = 0xffffffff
)

// NetConf is the kernel share of one apply phase.
type NetConf struct {
	Delete []*netstate.Interface
	Add    []*netstate.Interface
	Change []*netstate.Interface
	Routes plan.RouteChanges
	Rules  plan.RuleChanges
}

// Empty reports whether the configuration carries no work.
func (c *NetConf) Empty() bool {
	return len(c.Delete) == 0 && len(c.Add) == 0 && len(c.Change) == 0 &&
		len(c.Routes.Add) == 0 && len(c.Routes.Remove) == 0 &&
		len(c.Rules.Add) == 0 && len(c.Rules.Remove) == 0
}

// Handles reports whether iface can be realised through netlink alone.
// OVS objects, OVS ports, 802.1X supplicants and dynamic addressing need
// the configuration service.
func Handles(iface *netstate.Interface) bool {
	switch iface.Type {
	case netstate.TypeOvsBridge, netstate.TypeOvsInterface:
		return false
	}
	if iface.ControllerType == netstate.TypeOvsBridge || iface.Ieee8021X != nil {
		return false
	}
	for _, ip := range []*netstate.InterfaceIP{iface.IPv4, iface.IPv6} {
		if ip != nil && (isTrue(ip.DHCP) || isTrue(ip.Autoconf)) {
			return false
		}
	}
	return true
}

// ConfFromPlan returns every kernel-expressible change of p.
func ConfFromPlan(p *plan.Plan) *NetConf {
	conf := &NetConf{Routes: p.Routes, Rules: p.Rules}
	for _, group := range []struct {
		src []*netstate.Interface
		dst *[]*netstate.Interface
	}{
		{p.Delete, &conf.Delete},
		{p.Add, &conf.Add},
		{p.Change, &conf.Change},
	} {
		for _, iface := range group.src {
			if Handles(iface) {
				*group.dst = append(*group.dst, iface)
			}
		}
	}
	return conf
}

// Provider reads and writes kernel network state.
type Provider struct {
	nl  Netlinker
	eth Ethtooler
	sys SystemController
	log *logging.Logger
}

// NewProvider creates a provider with injected dependencies. eth may be
// nil, in which case ethtool features are neither reported nor applied.
func NewProvider(nl Netlinker, eth Ethtooler, sys SystemController) *Provider {
	if sys == nil {
		sys = &RealSystemController{}
	}
	return &Provider{
		nl:  nl,
		eth: eth,
		sys: sys,
		log: logging.WithComponent("network"),
	}
}

// Close releases the netlink and ethtool handles.
func (p *Provider) Close() {
	p.nl.Close()
	if p.eth != nil {
		p.eth.Close()
	}
}

func interrupted(ctx context.Context, what string) error {
	if err := ctx.Err(); err != nil {
		return neterr.Wrap(neterr.KindTimeout, err, "%s interrupted", what)
	}
	return nil
}

func isTrue(b *bool) bool {
	return b != nil && *b
}

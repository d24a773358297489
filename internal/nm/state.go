package nm

import (
	"context"
	"os"
	"sort"

	"github.com/godbus/dbus/v5"

	"grimm.is/netconverge/internal/netstate"
)

// deviceTypeOvsBridge is NM_DEVICE_TYPE_OVS_BRIDGE.
const deviceTypeOvsBridge uint32 = 26

// Retrieve reports what only NetworkManager knows: OVS bridges, the
// addressing method and 802.1X settings of active profiles, DNS and the
// hostname. Profile settings come back as interfaces of type unknown
// carrying only those fields; they describe a device the kernel reports.
func (c *Client) Retrieve(ctx context.Context) (*netstate.NetworkState, error) {
	var devices []dbus.ObjectPath
	if err := c.call(ctx, nmPath, nmIface+".GetDevices", nil, &devices); err != nil {
		return nil, err
	}
	var ifaces []*netstate.Interface
	for _, dev := range devices {
		iface, err := c.device(ctx, dev)
		if err != nil {
			return nil, err
		}
		if iface != nil {
			ifaces = append(ifaces, iface)
		}
	}
	dns, err := c.dns(ctx)
	if err != nil {
		return nil, err
	}
	host, err := c.hostname(ctx)
	if err != nil {
		return nil, err
	}
	return &netstate.NetworkState{Interfaces: ifaces, DNS: dns, HostName: host}, nil
}

// device reports one device. Devices without an active profile are
// skipped unless they are OVS bridges.
func (c *Client) device(ctx context.Context, dev dbus.ObjectPath) (*netstate.Interface, error) {
	var kind uint32
	if err := c.property(ctx, dev, deviceIface+".DeviceType", &kind); err != nil {
		return nil, err
	}
	var name string
	if err := c.property(ctx, dev, deviceIface+".Interface", &name); err != nil {
		return nil, err
	}
	if kind == deviceTypeOvsBridge {
		ports, err := c.bridgePorts(ctx, dev)
		if err != nil {
			return nil, err
		}
		br := &netstate.Interface{}
		br.Name = name
		br.Type = netstate.TypeOvsBridge
		br.State = netstate.StateUp
		br.SetPorts(ports)
		return br, nil
	}

	var active dbus.ObjectPath
	if err := c.property(ctx, dev, deviceIface+".ActiveConnection", &active); err != nil {
		return nil, err
	}
	if active == "" || active == "/" {
		return nil, nil
	}
	var conn dbus.ObjectPath
	if err := c.property(ctx, active, activeIface+".Connection", &conn); err != nil {
		return nil, err
	}
	var settings map[string]map[string]dbus.Variant
	if err := c.call(ctx, conn, connectionIface+".GetSettings", nil, &settings); err != nil {
		return nil, err
	}
	return profileState(name, settings), nil
}

// bridgePorts follows bridge -> ovs-port -> interface and returns the
// interface names, sorted.
func (c *Client) bridgePorts(ctx context.Context, bridge dbus.ObjectPath) ([]string, error) {
	var ports []dbus.ObjectPath
	if err := c.property(ctx, bridge, deviceIface+".Ports", &ports); err != nil {
		return nil, err
	}
	names := []string{}
	for _, port := range ports {
		var ifaces []dbus.ObjectPath
		if err := c.property(ctx, port, deviceIface+".Ports", &ifaces); err != nil {
			return nil, err
		}
		for _, dev := range ifaces {
			var name string
			if err := c.property(ctx, dev, deviceIface+".Interface", &name); err != nil {
				return nil, err
			}
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (c *Client) dns(ctx context.Context) (*netstate.DNSState, error) {
	var running []map[string]dbus.Variant
	if err := c.property(ctx, dnsPath, dnsIface+".Configuration", &running); err != nil {
		return nil, err
	}
	run := &netstate.DNSClientState{Server: &[]string{}, Search: &[]string{}}
	servers, domains := map[string]bool{}, map[string]bool{}
	for _, entry := range running {
		*run.Server = appendUnique(*run.Server, stringsOf(entry["nameservers"]), servers)
		*run.Search = appendUnique(*run.Search, stringsOf(entry["domains"]), domains)
	}

	var global map[string]dbus.Variant
	if err := c.property(ctx, nmPath, nmIface+".GlobalDnsConfiguration", &global); err != nil {
		return nil, err
	}
	return &netstate.DNSState{Running: run, Config: dnsFromGlobal(global)}, nil
}

// dnsFromGlobal decodes a GlobalDnsConfiguration value. Servers come from
// the "*" domain.
func dnsFromGlobal(global map[string]dbus.Variant) *netstate.DNSClientState {
	cfg := &netstate.DNSClientState{Server: &[]string{}, Search: &[]string{}}
	if search := stringsOf(global["searches"]); len(search) > 0 {
		*cfg.Search = search
	}
	if opts := stringsOf(global["options"]); len(opts) > 0 {
		cfg.Options = &opts
	}
	if v, ok := global["domains"]; ok {
		if domains, ok := v.Value().(map[string]dbus.Variant); ok {
			if star, ok := domains["*"]; ok {
				if d, ok := star.Value().(map[string]dbus.Variant); ok {
					if servers := stringsOf(d["servers"]); len(servers) > 0 {
						*cfg.Server = servers
					}
				}
			}
		}
	}
	return cfg
}

// SetDNS replaces the global DNS configuration. Empty server and search
// lists clear it.
func (c *Client) SetDNS(ctx context.Context, cfg *netstate.DNSClientState) error {
	global := map[string]dbus.Variant{}
	if cfg != nil {
		if cfg.Search != nil && len(*cfg.Search) > 0 {
			global["searches"] = dbus.MakeVariant(*cfg.Search)
		}
		if cfg.Options != nil && len(*cfg.Options) > 0 {
			global["options"] = dbus.MakeVariant(*cfg.Options)
		}
		if cfg.Server != nil && len(*cfg.Server) > 0 {
			global["domains"] = dbus.MakeVariant(map[string]dbus.Variant{
				"*": dbus.MakeVariant(map[string]dbus.Variant{
					"servers": dbus.MakeVariant(*cfg.Server),
				}),
			})
		}
	}
	if err := c.setProperty(ctx, nmPath, nmIface+".GlobalDnsConfiguration", dbus.MakeVariant(global)); err != nil {
		return err
	}
	c.log.Info("dns configuration saved", "entries", len(global))
	return nil
}

func (c *Client) hostname(ctx context.Context) (*netstate.HostNameState, error) {
	var saved string
	if err := c.property(ctx, settingsPath, settingsIface+".Hostname", &saved); err != nil {
		return nil, err
	}
	running, err := os.Hostname()
	if err != nil {
		running = saved
	}
	return &netstate.HostNameState{Running: &running, Config: &saved}, nil
}

// SetHostName saves the static hostname.
func (c *Client) SetHostName(ctx context.Context, name string) error {
	if err := c.call(ctx, settingsPath, settingsIface+".SaveHostname", []any{name}); err != nil {
		return err
	}
	c.log.Info("hostname saved", "hostname", name)
	return nil
}

func stringsOf(v dbus.Variant) []string {
	s, _ := v.Value().([]string)
	return s
}

func appendUnique(dst, src []string, seen map[string]bool) []string {
	for _, s := range src {
		if !seen[s] {
			seen[s] = true
			dst = append(dst, s)
		}
	}
	return dst
}

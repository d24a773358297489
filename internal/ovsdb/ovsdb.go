// Package ovsdb reads and writes the OVS database columns that no other
// backend can express: external_ids and other_config of the root
// Open_vSwitch row, and of individual bridges and interfaces.
package ovsdb

import (
	"context"
	"time"

	"grimm.is/netconverge/internal/logging"
	"grimm.is/netconverge/internal/metrics"
	"grimm.is/netconverge/internal/neterr"
	"grimm.is/netconverge/internal/netstate"
)

const DefaultCallTimeout = 10 * time.Second

// Client applies OVSDB columns through a Conn.
type Client struct {
	conn    Conn
	timeout time.Duration
	log     *logging.Logger
}

// New creates a client over conn. Each database call is bounded by timeout.
func New(conn Conn, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Client{conn: conn, timeout: timeout, log: logging.WithComponent("ovsdb")}
}

// Close releases the connection.
func (c *Client) Close() {
	c.conn.Close()
}

func (c *Client) wrap(err error, format string, args ...any) error {
	metrics.Get().RecordBackendCall("ovsdb", err)
	if err == nil {
		return nil
	}
	return neterr.Wrap(neterr.KindPluginFailure, err, format, args...)
}

// Retrieve reads the global configuration and the columns of every bridge
// and interface row.
func (c *Client) Retrieve(ctx context.Context) (*State, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	global, err := c.conn.Global(ctx)
	if err := c.wrap(err, "failed to read %s", OpenvSwitchTable); err != nil {
		return nil, err
	}
	bridges, err := c.conn.Bridges(ctx)
	if err := c.wrap(err, "failed to read %s table", BridgeTable); err != nil {
		return nil, err
	}
	ifaces, err := c.conn.Interfaces(ctx)
	if err := c.wrap(err, "failed to read %s table", InterfaceTable); err != nil {
		return nil, err
	}

	st := &State{
		Global: &netstate.OvsDBGlobalConfig{
			ExternalIDs: nonNil(global.ExternalIDs),
			OtherConfig: nonNil(global.OtherConfig),
		},
		Bridges:    make(map[string]*netstate.OvsDBIfaceConfig, len(bridges)),
		Interfaces: make(map[string]*netstate.OvsDBIfaceConfig, len(ifaces)),
	}
	for _, b := range bridges {
		st.Bridges[b.Name] = &netstate.OvsDBIfaceConfig{ExternalIDs: nonNil(b.ExternalIDs), OtherConfig: nonNil(b.OtherConfig)}
	}
	for _, i := range ifaces {
		st.Interfaces[i.Name] = &netstate.OvsDBIfaceConfig{ExternalIDs: nonNil(i.ExternalIDs), OtherConfig: nonNil(i.OtherConfig)}
	}
	return st, nil
}

// State is what Retrieve reads. Bridges and interfaces are keyed by name
// separately, since an OVS bridge shares its name with its internal
// interface.
type State struct {
	Global     *netstate.OvsDBGlobalConfig
	Bridges    map[string]*netstate.OvsDBIfaceConfig
	Interfaces map[string]*netstate.OvsDBIfaceConfig
}

// Columns returns the columns recorded for iface, or nil.
func (s *State) Columns(iface *netstate.Interface) *netstate.OvsDBIfaceConfig {
	if iface.Type == netstate.TypeOvsBridge {
		return s.Bridges[iface.Name]
	}
	return s.Interfaces[iface.Name]
}

// ApplyGlobal writes the root row columns. A nil map leaves its column
// unchanged; a present map replaces the column.
func (c *Client) ApplyGlobal(ctx context.Context, cfg *netstate.OvsDBGlobalConfig) error {
	if cfg == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	row, err := c.conn.Global(ctx)
	if err := c.wrap(err, "failed to read %s", OpenvSwitchTable); err != nil {
		return err
	}
	if cfg.ExternalIDs != nil {
		row.ExternalIDs = cfg.ExternalIDs
	}
	if cfg.OtherConfig != nil {
		row.OtherConfig = cfg.OtherConfig
	}
	err = c.conn.UpdateGlobal(ctx, row)
	if err := c.wrap(err, "failed to update %s", OpenvSwitchTable); err != nil {
		return err
	}
	c.log.Info("global ovsdb configuration updated",
		"external_ids", len(row.ExternalIDs), "other_config", len(row.OtherConfig))
	return nil
}

// ApplyInterfaces writes the columns of every interface carrying them.
// Absent interfaces are skipped; their rows go away with the interface.
func (c *Client) ApplyInterfaces(ctx context.Context, ifaces []*netstate.Interface) error {
	for _, iface := range ifaces {
		if iface.IsAbsent() || !iface.HasOvsDB() {
			continue
		}
		if err := c.applyInterface(ctx, iface); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) applyInterface(ctx context.Context, iface *netstate.Interface) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cfg := iface.OvsDB
	if iface.Type == netstate.TypeOvsBridge {
		rows, err := c.conn.Bridges(ctx)
		if err := c.wrap(err, "failed to read %s table", BridgeTable); err != nil {
			return err
		}
		for i := range rows {
			if rows[i].Name != iface.Name {
				continue
			}
			row := &rows[i]
			replaceColumns(&row.ExternalIDs, &row.OtherConfig, cfg)
			err := c.conn.UpdateBridge(ctx, row)
			if err := c.wrap(err, "failed to update bridge %s", iface.Name); err != nil {
				return err
			}
			c.log.Debug("bridge columns updated", "bridge", iface.Name)
			return nil
		}
		return neterr.PluginFailure("bridge %s not found in OVSDB", iface.Name)
	}

	rows, err := c.conn.Interfaces(ctx)
	if err := c.wrap(err, "failed to read %s table", InterfaceTable); err != nil {
		return err
	}
	for i := range rows {
		if rows[i].Name != iface.Name {
			continue
		}
		row := &rows[i]
		replaceColumns(&row.ExternalIDs, &row.OtherConfig, cfg)
		err := c.conn.UpdateInterface(ctx, row)
		if err := c.wrap(err, "failed to update interface %s", iface.Name); err != nil {
			return err
		}
		c.log.Debug("interface columns updated", "interface", iface.Name)
		return nil
	}
	return neterr.PluginFailure("interface %s not found in OVSDB", iface.Name)
}

func replaceColumns(ext, other *map[string]string, cfg *netstate.OvsDBIfaceConfig) {
	if cfg.ExternalIDs != nil {
		*ext = cfg.ExternalIDs
	}
	if cfg.OtherConfig != nil {
		*other = cfg.OtherConfig
	}
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

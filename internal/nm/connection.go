package nm

import (
	"context"

	"github.com/godbus/dbus/v5"

	"grimm.is/netconverge/internal/netstate"
)

// ApplyInterfaces creates, updates, activates or removes the profiles of
// ifaces in order. Absent interfaces lose their profiles; interfaces in
// state down keep them but get disconnected.
func (c *Client) ApplyInterfaces(ctx context.Context, ifaces []*netstate.Interface) error {
	for _, iface := range ifaces {
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		if iface.IsAbsent() {
			err = c.removeProfiles(ctx, iface)
		} else {
			err = c.applyProfiles(ctx, iface)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) applyProfiles(ctx context.Context, iface *netstate.Interface) error {
	profiles, err := profilesFor(iface)
	if err != nil {
		return err
	}
	var main dbus.ObjectPath
	for _, p := range profiles {
		path, err := c.saveProfile(ctx, p)
		if err != nil {
			return err
		}
		main = path
	}

	if iface.State == netstate.StateDown {
		return c.disconnect(ctx, iface.Name)
	}
	var active dbus.ObjectPath
	if err := c.call(ctx, nmPath, nmIface+".ActivateConnection",
		[]any{main, dbus.ObjectPath("/"), dbus.ObjectPath("/")}, &active); err != nil {
		return err
	}
	c.log.Info("profile activated", "interface", iface.Name, "type", iface.Type, "active", active)
	return nil
}

// saveProfile updates the connection with p's UUID or adds it.
func (c *Client) saveProfile(ctx context.Context, p profile) (dbus.ObjectPath, error) {
	path, found, err := c.findConnection(ctx, p.UUID)
	if err != nil {
		return "", err
	}
	if found {
		if err := c.call(ctx, path, connectionIface+".Update", []any{map[string]map[string]dbus.Variant(p.Settings)}); err != nil {
			return "", err
		}
		c.log.Debug("profile updated", "id", p.ID, "path", path)
		return path, nil
	}
	if err := c.call(ctx, settingsPath, settingsIface+".AddConnection",
		[]any{map[string]map[string]dbus.Variant(p.Settings)}, &path); err != nil {
		return "", err
	}
	c.log.Debug("profile added", "id", p.ID, "path", path)
	return path, nil
}

func (c *Client) removeProfiles(ctx context.Context, iface *netstate.Interface) error {
	uuids := []string{profileUUID(string(iface.Type), iface.Name)}
	if iface.ControllerType == netstate.TypeOvsBridge {
		uuids = append(uuids, profileUUID("ovs-port", iface.Name))
	}
	for _, id := range uuids {
		path, found, err := c.findConnection(ctx, id)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		if err := c.call(ctx, path, connectionIface+".Delete", nil); err != nil {
			return err
		}
		c.log.Info("profile deleted", "interface", iface.Name, "path", path)
	}
	return nil
}

func (c *Client) findConnection(ctx context.Context, id string) (dbus.ObjectPath, bool, error) {
	var path dbus.ObjectPath
	err := c.call(ctx, settingsPath, settingsIface+".GetConnectionByUuid", []any{id}, &path)
	if isDBusError(err, errInvalidConnection) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return path, true, nil
}

func (c *Client) disconnect(ctx context.Context, name string) error {
	var dev dbus.ObjectPath
	err := c.call(ctx, nmPath, nmIface+".GetDeviceByIpIface", []any{name}, &dev)
	if isDBusError(err, errUnknownDevice) {
		return nil
	}
	if err != nil {
		return err
	}
	return c.call(ctx, dev, deviceIface+".Disconnect", nil)
}

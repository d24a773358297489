// Package nm talks to NetworkManager over the D-Bus system bus. It opens
// and resolves checkpoints for the transaction manager and applies the
// work the kernel backend cannot express: OVS bridges and their ports,
// 802.1X, DHCP and autoconf interfaces, DNS and the hostname.
package nm

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"

	"grimm.is/netconverge/internal/logging"
	"grimm.is/netconverge/internal/metrics"
	"grimm.is/netconverge/internal/neterr"
)

const (
	service = "org.freedesktop.NetworkManager"

	nmPath       dbus.ObjectPath = "/org/freedesktop/NetworkManager"
	settingsPath dbus.ObjectPath = "/org/freedesktop/NetworkManager/Settings"
	dnsPath      dbus.ObjectPath = "/org/freedesktop/NetworkManager/DnsManager"

	nmIface         = "org.freedesktop.NetworkManager"
	settingsIface   = "org.freedesktop.NetworkManager.Settings"
	connectionIface = "org.freedesktop.NetworkManager.Settings.Connection"
	deviceIface     = "org.freedesktop.NetworkManager.Device"
	activeIface     = "org.freedesktop.NetworkManager.Connection.Active"
	dnsIface        = "org.freedesktop.NetworkManager.DnsManager"

	errInvalidConnection = "org.freedesktop.NetworkManager.Settings.InvalidConnection"
	errUnknownDevice     = "org.freedesktop.NetworkManager.UnknownDevice"

	DefaultCallTimeout = 10 * time.Second
)

// Bus is the subset of a D-Bus connection the client needs. Property
// names are fully qualified ("<interface>.<property>").
type Bus interface {
	Call(ctx context.Context, path dbus.ObjectPath, method string, args ...any) ([]any, error)
	GetProperty(ctx context.Context, path dbus.ObjectPath, property string) (dbus.Variant, error)
	SetProperty(ctx context.Context, path dbus.ObjectPath, property string, v dbus.Variant) error
	Close() error
}

// NewSystemBus connects to the system bus.
func NewSystemBus() (Bus, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, neterr.Wrap(neterr.KindPluginFailure, err, "failed to connect to the system bus")
	}
	return &systemBus{conn: conn}, nil
}

type systemBus struct {
	conn *dbus.Conn
}

func (b *systemBus) Call(ctx context.Context, path dbus.ObjectPath, method string, args ...any) ([]any, error) {
	call := b.conn.Object(service, path).CallWithContext(ctx, method, 0, args...)
	return call.Body, call.Err
}

func (b *systemBus) GetProperty(ctx context.Context, path dbus.ObjectPath, property string) (dbus.Variant, error) {
	iface, name := splitProperty(property)
	var v dbus.Variant
	err := b.conn.Object(service, path).
		CallWithContext(ctx, "org.freedesktop.DBus.Properties.Get", 0, iface, name).
		Store(&v)
	return v, err
}

func (b *systemBus) SetProperty(ctx context.Context, path dbus.ObjectPath, property string, v dbus.Variant) error {
	iface, name := splitProperty(property)
	return b.conn.Object(service, path).
		CallWithContext(ctx, "org.freedesktop.DBus.Properties.Set", 0, iface, name, v).Err
}

func (b *systemBus) Close() error {
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	return err
}

func splitProperty(property string) (string, string) {
	i := strings.LastIndex(property, ".")
	if i < 0 {
		return "", property
	}
	return property[:i], property[i+1:]
}

// Client is a NetworkManager client. It implements txn.Checkpointer.
type Client struct {
	bus     Bus
	timeout time.Duration
	log     *logging.Logger
}

// New creates a client over bus. Every call is bounded by timeout.
func New(bus Bus, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Client{bus: bus, timeout: timeout, log: logging.WithComponent("nm")}
}

// Close releases the bus connection.
func (c *Client) Close() error {
	return c.bus.Close()
}

// call invokes method and stores the reply into ret. Failures are
// reported as PluginFailure.
func (c *Client) call(ctx context.Context, path dbus.ObjectPath, method string, args []any, ret ...any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := c.bus.Call(ctx, path, method, args...)
	metrics.Get().RecordBackendCall("nm", err)
	if err != nil {
		return neterr.Wrap(neterr.KindPluginFailure, err, "NetworkManager %s failed", shortMethod(method))
	}
	if len(ret) == 0 {
		return nil
	}
	if err := dbus.Store(body, ret...); err != nil {
		return neterr.Wrap(neterr.KindPluginFailure, err, "unexpected reply to %s", shortMethod(method))
	}
	return nil
}

func (c *Client) property(ctx context.Context, path dbus.ObjectPath, property string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	v, err := c.bus.GetProperty(ctx, path, property)
	metrics.Get().RecordBackendCall("nm", err)
	if err != nil {
		return neterr.Wrap(neterr.KindPluginFailure, err, "failed to read NetworkManager property %s", property)
	}
	if err := v.Store(out); err != nil {
		return neterr.Wrap(neterr.KindPluginFailure, err, "unexpected value for %s", property)
	}
	return nil
}

func (c *Client) setProperty(ctx context.Context, path dbus.ObjectPath, property string, v dbus.Variant) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.bus.SetProperty(ctx, path, property, v)
	metrics.Get().RecordBackendCall("nm", err)
	if err != nil {
		return neterr.Wrap(neterr.KindPluginFailure, err, "failed to set NetworkManager property %s", property)
	}
	return nil
}

func shortMethod(method string) string {
	_, name := splitProperty(method)
	return name
}

// isDBusError reports whether err carries the named D-Bus error.
func isDBusError(err error, name string) bool {
	var v dbus.Error
	if errors.As(err, &v) {
		return v.Name == name
	}
	var p *dbus.Error
	if errors.As(err, &p) {
		return p.Name == name
	}
	return false
}

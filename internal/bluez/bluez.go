// Package bluez implements session.Platform on Linux using BlueZ over the
// system D-Bus and kernel RFCOMM sockets.
package bluez

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"github.com/mil-ad/armctl/internal/logging"
	"github.com/mil-ad/armctl/internal/session"
)

const (
	busName        = "org.bluez"
	adapterIface   = "org.bluez.Adapter1"
	deviceIface    = "org.bluez.Device1"
	propsIface     = "org.freedesktop.DBus.Properties"
	objMgrIface    = "org.freedesktop.DBus.ObjectManager"
	propsChanged   = "PropertiesChanged"
	ifacesAdded    = "InterfacesAdded"
	defaultScan    = 8 * time.Second
	defaultAdapter = "hci0"
)

// Options configure a Bluez platform.
type Options struct {
	Adapter string // hci0 when empty
	// ScanDuration bounds active discovery in Scan. Zero uses 8s; a
	// negative value only lists devices BlueZ already knows.
	ScanDuration time.Duration
	// SerialOnly hides devices that advertise services but not SPP.
	SerialOnly bool
	Logger     *logging.Logger
}

// Bluez wraps a system D-Bus connection for BlueZ operations.
type Bluez struct {
	conn        *dbus.Conn
	adapterPath dbus.ObjectPath
	scanFor     time.Duration
	serialOnly  bool
	log         *logging.Logger
}

var _ session.Platform = (*Bluez)(nil)

// New connects to the system bus and checks that BlueZ is running.
func New(opts Options) (*Bluez, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}
	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		conn.Close()
		return nil, fmt.Errorf("list bus names: %w", err)
	}
	if !slices.Contains(names, busName) {
		conn.Close()
		return nil, fmt.Errorf("org.bluez not found on system bus, is bluetooth.service running?")
	}

	adapter := opts.Adapter
	if adapter == "" {
		adapter = defaultAdapter
	}
	scanFor := opts.ScanDuration
	if scanFor == 0 {
		scanFor = defaultScan
	}
	log := opts.Logger
	if log == nil {
		log = logging.NopLogger()
	}
	return &Bluez{
		conn:        conn,
		adapterPath: dbus.ObjectPath("/org/bluez/" + adapter),
		scanFor:     scanFor,
		serialOnly:  opts.SerialOnly,
		log:         log,
	}, nil
}

// Close releases the bus connection.
func (b *Bluez) Close() error {
	return b.conn.Close()
}

// deviceObjectPath converts "AA:BB:CC:DD:EE:FF" to
// "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF".
func (b *Bluez) deviceObjectPath(addr string) dbus.ObjectPath {
	return dbus.ObjectPath(string(b.adapterPath) + "/dev_" + strings.ReplaceAll(strings.ToUpper(addr), ":", "_"))
}

// macFromPath extracts the address from a device object path, or "" if the
// path is not a device of this adapter.
func (b *Bluez) macFromPath(path dbus.ObjectPath) string {
	prefix := string(b.adapterPath) + "/dev_"
	s := string(path)
	if !strings.HasPrefix(s, prefix) {
		return ""
	}
	rest := s[len(prefix):]
	if strings.Contains(rest, "/") {
		return ""
	}
	return strings.ReplaceAll(rest, "_", ":")
}

// --- property helpers ---

func (b *Bluez) getProp(ctx context.Context, path dbus.ObjectPath, iface, prop string) (dbus.Variant, error) {
	var v dbus.Variant
	err := b.conn.Object(busName, path).CallWithContext(ctx, propsIface+".Get", 0, iface, prop).Store(&v)
	return v, err
}

func (b *Bluez) setProp(ctx context.Context, path dbus.ObjectPath, iface, prop string, val any) error {
	return b.conn.Object(busName, path).CallWithContext(ctx, propsIface+".Set", 0, iface, prop, dbus.MakeVariant(val)).Err
}

func (b *Bluez) getBool(ctx context.Context, path dbus.ObjectPath, iface, prop string) (bool, error) {
	v, err := b.getProp(ctx, path, iface, prop)
	if err != nil {
		return false, err
	}
	val, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("property %s is not bool", prop)
	}
	return val, nil
}

// --- adapter ---

// RequestPermissions always grants: access is enforced by the D-Bus policy
// of org.bluez, which shows up as call errors instead.
func (b *Bluez) RequestPermissions(context.Context) (bool, error) {
	return true, nil
}

// Enabled reports the adapter's Powered property.
func (b *Bluez) Enabled(ctx context.Context) (bool, error) {
	return b.getBool(ctx, b.adapterPath, adapterIface, "Powered")
}

// RequestEnable powers the adapter on.
func (b *Bluez) RequestEnable(ctx context.Context) (bool, error) {
	if err := b.setProp(ctx, b.adapterPath, adapterIface, "Powered", true); err != nil {
		return false, fmt.Errorf("power on: %w", err)
	}
	return b.Enabled(ctx)
}

// --- device ---

func (b *Bluez) deviceConnected(ctx context.Context, addr string) (bool, error) {
	return b.getBool(ctx, b.deviceObjectPath(addr), deviceIface, "Connected")
}

// deviceFromProps builds a session.Device from Device1 properties. ok is
// false when the device should be hidden.
func (b *Bluez) deviceFromProps(props map[string]dbus.Variant) (session.Device, bool) {
	addr, _ := props["Address"].Value().(string)
	if addr == "" {
		return session.Device{}, false
	}
	name, _ := props["Alias"].Value().(string)
	if name == "" {
		name, _ = props["Name"].Value().(string)
	}
	if b.serialOnly {
		uuids, _ := props["UUIDs"].Value().([]string)
		if len(uuids) > 0 && !advertisesSerial(uuids) {
			return session.Device{}, false
		}
	}
	return session.Device{ID: addr, Name: name, Address: addr}, true
}

func advertisesSerial(uuids []string) bool {
	for _, s := range uuids {
		u, err := uuid.Parse(s)
		if err == nil && u == session.SerialPortProfile {
			return true
		}
	}
	return false
}

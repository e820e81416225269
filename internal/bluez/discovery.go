package bluez

import (
	"context"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/mil-ad/armctl/internal/session"
)

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// Scan reports the devices BlueZ already knows (paired ones included), then
// runs active discovery for the configured duration and reports devices as
// they appear.
func (b *Bluez) Scan(ctx context.Context, found func(session.Device)) error {
	var objects managedObjects
	if err := b.conn.Object(busName, "/").CallWithContext(ctx, objMgrIface+".GetManagedObjects", 0).Store(&objects); err != nil {
		return fmt.Errorf("list managed objects: %w", err)
	}
	for path, ifaces := range objects {
		if b.macFromPath(path) == "" {
			continue
		}
		if props, ok := ifaces[deviceIface]; ok {
			if d, ok := b.deviceFromProps(props); ok {
				found(d)
			}
		}
	}

	if b.scanFor < 0 {
		return nil
	}
	return b.discover(ctx, found)
}

func (b *Bluez) discover(ctx context.Context, found func(session.Device)) error {
	match := []dbus.MatchOption{
		dbus.WithMatchInterface(objMgrIface),
		dbus.WithMatchMember(ifacesAdded),
	}
	if err := b.conn.AddMatchSignalContext(ctx, match...); err != nil {
		return fmt.Errorf("watch new devices: %w", err)
	}
	defer b.conn.RemoveMatchSignal(match...)

	sigs := make(chan *dbus.Signal, 16)
	b.conn.Signal(sigs)
	defer b.conn.RemoveSignal(sigs)

	adapter := b.conn.Object(busName, b.adapterPath)
	if err := adapter.CallWithContext(ctx, adapterIface+".StartDiscovery", 0).Err; err != nil {
		return fmt.Errorf("start discovery: %w", err)
	}
	defer func() {
		// The scan context may already be done; stopping must still happen.
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := adapter.CallWithContext(stopCtx, adapterIface+".StopDiscovery", 0).Err; err != nil {
			b.log.Warn("stop discovery failed", "error", err)
		}
	}()

	timer := time.NewTimer(b.scanFor)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case sig := <-sigs:
			if sig.Name != objMgrIface+"."+ifacesAdded || len(sig.Body) < 2 {
				continue
			}
			// Body: [object_path, map[interface]map[property]Variant]
			path, ok := sig.Body[0].(dbus.ObjectPath)
			if !ok || b.macFromPath(path) == "" {
				continue
			}
			ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
			if !ok {
				continue
			}
			if props, ok := ifaces[deviceIface]; ok {
				if d, ok := b.deviceFromProps(props); ok {
					found(d)
				}
			}
		}
	}
}

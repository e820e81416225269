package bluez

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"

	"github.com/mil-ad/armctl/internal/session"
)

// Subscribe watches PropertiesChanged under /org/bluez and translates
// adapter Powered and device Connected changes into session events.
func (b *Bluez) Subscribe(ctx context.Context) (<-chan session.Event, func(), error) {
	match := []dbus.MatchOption{
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember(propsChanged),
		dbus.WithMatchPathNamespace("/org/bluez"),
	}
	if err := b.conn.AddMatchSignalContext(ctx, match...); err != nil {
		return nil, nil, fmt.Errorf("subscribe to property changes: %w", err)
	}

	raw := make(chan *dbus.Signal, 16)
	b.conn.Signal(raw)

	out := make(chan session.Event, 16)
	stop := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case <-stop:
				return
			case sig, ok := <-raw:
				if !ok {
					return
				}
				ev, ok := b.translate(sig)
				if !ok {
					continue
				}
				select {
				case out <- ev:
				case <-stop:
					return
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.conn.RemoveSignal(raw)
			if err := b.conn.RemoveMatchSignal(match...); err != nil {
				b.log.Debug("remove signal match failed", "error", err)
			}
			close(stop)
		})
	}
	return out, cancel, nil
}

// translate maps a PropertiesChanged signal to an event.
func (b *Bluez) translate(sig *dbus.Signal) (session.Event, bool) {
	if sig.Name != propsIface+"."+propsChanged {
		return nil, false
	}
	// Body: [interface_name string, changed_props map[string]Variant, invalidated []string]
	if len(sig.Body) < 2 {
		return nil, false
	}
	iface, ok := sig.Body[0].(string)
	if !ok {
		return nil, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return nil, false
	}

	switch iface {
	case adapterIface:
		if sig.Path != b.adapterPath {
			return nil, false
		}
		powered, ok := changed["Powered"].Value().(bool)
		if !ok {
			return nil, false
		}
		return session.RadioStateChanged{Enabled: powered}, true

	case deviceIface:
		connected, ok := changed["Connected"].Value().(bool)
		if !ok {
			return nil, false
		}
		mac := b.macFromPath(sig.Path)
		if mac == "" {
			return nil, false
		}
		d := session.Device{ID: mac, Address: mac}
		if connected {
			return session.DeviceConnected{Device: d}, true
		}
		return session.DeviceDisconnected{Device: d}, true
	}
	return nil, false
}

// Package session owns the single connection to the arm: discovery,
// connect and disconnect, writes with retry, and the state record that
// callers render.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mil-ad/armctl/internal/logging"
	"github.com/mil-ad/armctl/internal/retry"
)

// Options tune a Manager. The zero value is valid.
type Options struct {
	Logger *logging.Logger
	// Retry governs Send. Zero means retry.DefaultPolicy().
	Retry retry.Policy
}

// attempt is an in-flight Connect.
type attempt struct {
	device Device
	cancel context.CancelFunc
}

// Manager holds at most one active device connection. All methods are safe
// for concurrent use; operations that touch the transport run one at a time.
type Manager struct {
	platform Platform
	log      *logging.Logger
	policy   retry.Policy
	linkCfg  LinkConfig

	// opMu serializes Discover, Connect, Disconnect and Send.
	opMu sync.Mutex

	mu      sync.Mutex
	state   State
	link    Link
	pending *attempt
	closed  bool

	unsubscribe func()
	done        chan struct{}
	wg          sync.WaitGroup
}

// Open subscribes to platform events, reads the initial radio state and
// starts the event dispatcher. Close releases everything Open acquired.
func Open(ctx context.Context, p Platform, opts Options) (*Manager, error) {
	m := &Manager{
		platform: p,
		log:      opts.Logger,
		policy:   opts.Retry,
		linkCfg:  DefaultLinkConfig(),
		done:     make(chan struct{}),
	}
	if m.log == nil {
		m.log = logging.NopLogger()
	}
	if m.policy.MaxAttempts == 0 {
		m.policy = retry.DefaultPolicy()
	}

	events, unsubscribe, err := p.Subscribe(ctx)
	if err != nil {
		return nil, fmt.Errorf("subscribe to platform events: %w", err)
	}
	m.unsubscribe = unsubscribe

	if enabled, err := p.Enabled(ctx); err != nil {
		m.fail(ErrRadioDisabled, "radio state", "", err)
	} else {
		m.state.Enabled = enabled
	}

	m.wg.Add(1)
	go m.dispatch(events)
	return m, nil
}

// Close stops event intake and tears down the active link.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	if m.pending != nil {
		m.pending.cancel()
	}
	m.mu.Unlock()

	m.unsubscribe()
	close(m.done)
	m.wg.Wait()

	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.disconnectLocked()
}

// Snapshot returns a copy of the current state.
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.clone()
}

// ClearError forgets the last recorded failure.
func (m *Manager) ClearError() {
	m.mu.Lock()
	m.state.LastError = nil
	m.mu.Unlock()
}

// EnableRadio asks the platform to power the adapter on.
func (m *Manager) EnableRadio(ctx context.Context) error {
	if m.isClosed() {
		return ErrClosed
	}
	enabled, err := m.platform.RequestEnable(ctx)
	if err == nil && !enabled {
		err = errors.New("request refused")
	}
	if err != nil {
		return m.fail(ErrRadioDisabled, "enable", "", err)
	}
	m.mu.Lock()
	m.state.Enabled = true
	m.mu.Unlock()
	return nil
}

// Discover runs one scan cycle, merging devices into the candidate list as
// they are reported. A device whose ID is already listed is ignored. The
// existing candidates are kept, so calling Discover again resumes the merge.
func (m *Manager) Discover(ctx context.Context) error {
	if m.isClosed() {
		return ErrClosed
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()

	granted, err := m.platform.RequestPermissions(ctx)
	if err != nil || !granted {
		return m.fail(ErrPermissionDenied, "discover", "", err)
	}
	enabled, err := m.platform.Enabled(ctx)
	if err != nil || !enabled {
		return m.fail(ErrRadioDisabled, "discover", "", err)
	}

	m.mu.Lock()
	m.state.Enabled = true
	m.state.Scanning = true
	m.state.LastError = nil
	m.mu.Unlock()

	m.log.Debug("scan started")
	err = m.platform.Scan(ctx, m.merge)

	m.mu.Lock()
	m.state.Scanning = false
	found := len(m.state.Candidates)
	m.mu.Unlock()

	if err != nil {
		return m.fail(ErrDiscoveryFailed, "discover", "", err)
	}
	m.log.Info("scan finished", "candidates", found)
	return nil
}

func (m *Manager) merge(d Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.state.Candidates {
		if c.ID == d.ID {
			return
		}
	}
	m.state.Candidates = append(m.state.Candidates, d)
}

// Connect makes d the active device. A different active device is
// disconnected first. Connecting to the device that is already active and
// live is a no-op.
//
// A second Connect for the device already being connected returns
// ErrConnectInProgress. A Connect for another device cancels the in-flight
// attempt and waits for it to unwind before dialing.
func (m *Manager) Connect(ctx context.Context, d Device) error {
	actx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if prev := m.pending; prev != nil {
		if prev.device.ID == d.ID {
			m.mu.Unlock()
			return ErrConnectInProgress
		}
		m.log.Info("superseding connect attempt", "previous", prev.device.Address, "next", d.Address)
		prev.cancel()
	}
	a := &attempt{device: d, cancel: cancel}
	m.pending = a
	m.state.Connecting = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if m.pending == a {
			m.pending = nil
			m.state.Connecting = false
		}
		m.mu.Unlock()
	}()

	m.opMu.Lock()
	defer m.opMu.Unlock()

	if actx.Err() != nil {
		return m.fail(ErrConnectFailed, "connect", d.Address, supersededOr(ctx))
	}

	m.mu.Lock()
	active, link := m.state.Active, m.link
	m.state.LastError = nil
	m.mu.Unlock()

	if active != nil {
		if active.ID == d.ID && link != nil {
			if ok, err := link.IsConnected(actx); err == nil && ok {
				return nil
			}
		}
		if active.ID != d.ID {
			m.log.Info("switching device", "from", active.Address, "to", d.Address)
		}
		// Close errors are already recorded; the new connect proceeds.
		_ = m.disconnectLocked()
	}

	log := m.log.WithDevice(d.Address)
	log.Info("connecting", "name", d.Name, "channel", m.linkCfg.Channel)

	dctx, dcancel := context.WithTimeout(actx, m.linkCfg.ConnectTimeout)
	link, err := m.platform.Dial(dctx, d, m.linkCfg)
	dcancel()
	if err == nil && link == nil {
		err = errors.New("transport reported not connected")
	}
	if err != nil {
		if actx.Err() != nil {
			err = errors.Join(supersededOr(ctx), err)
		}
		return m.fail(ErrConnectFailed, "connect", d.Address, err)
	}
	if actx.Err() != nil {
		_ = link.Close()
		return m.fail(ErrConnectFailed, "connect", d.Address, supersededOr(ctx))
	}

	m.mu.Lock()
	dev := d
	m.state.Active = &dev
	m.link = link
	m.mu.Unlock()
	log.Info("connected")

	if err := m.write(actx, link, ProbeCommand); err != nil {
		log.Warn("liveness probe failed, keeping connection", "error", err)
	}
	return nil
}

// supersededOr reports why an attempt's context ended: the caller's own
// context, or a newer Connect.
func supersededOr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return ErrSuperseded
}

// Disconnect closes the active link. The device is forgotten even when the
// transport fails to close; that failure is recorded and returned.
func (m *Manager) Disconnect(ctx context.Context) error {
	if m.isClosed() {
		return ErrClosed
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.disconnectLocked()
}

// disconnectLocked requires opMu.
func (m *Manager) disconnectLocked() error {
	m.mu.Lock()
	active, link := m.state.Active, m.link
	m.mu.Unlock()
	if active == nil && link == nil {
		return nil
	}

	var err error
	if link != nil {
		err = link.Close()
	}

	m.mu.Lock()
	m.state.Active = nil
	m.link = nil
	m.mu.Unlock()

	addr := ""
	if active != nil {
		addr = active.Address
	}
	if err != nil {
		return m.fail(ErrDisconnectFailed, "disconnect", addr, err)
	}
	m.log.Info("disconnected", "device", addr)
	return nil
}

// Send writes payload to the active device, appending the line delimiter if
// missing. If the link is no longer live the device is dropped and Send
// fails without retrying; otherwise the write is retried per the policy.
func (m *Manager) Send(ctx context.Context, payload string) error {
	if m.isClosed() {
		return ErrClosed
	}
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.mu.Lock()
	active, link := m.state.Active, m.link
	m.mu.Unlock()

	if active == nil {
		return m.fail(ErrNotConnected, "send", "", errors.New("no device connected"))
	}
	if link == nil {
		return m.fail(ErrNotConnected, "send", active.Address, errors.New("no open channel, connect first"))
	}
	if ok, err := link.IsConnected(ctx); err != nil || !ok {
		_ = link.Close()
		m.mu.Lock()
		if m.link == link {
			m.state.Active = nil
			m.link = nil
		}
		m.mu.Unlock()
		if err == nil {
			err = errors.New("device is not connected")
		}
		return m.fail(ErrNotConnected, "send", active.Address, err)
	}

	if !strings.HasSuffix(payload, Delimiter) {
		payload += Delimiter
	}

	log := m.log.WithDevice(active.Address)
	log.Debug("sending", "payload", payload, "bytes", len(payload))
	err := retry.Do(ctx, m.policy, func(n int) error {
		err := m.write(ctx, link, payload)
		if err != nil {
			log.Warn("write attempt failed", "attempt", n, "error", err)
		}
		return err
	})
	if err != nil {
		return m.fail(ErrWriteFailed, "send", active.Address, err)
	}
	log.Info("sent", "bytes", len(payload))
	return nil
}

func (m *Manager) write(ctx context.Context, link Link, data string) error {
	wctx, cancel := context.WithTimeout(ctx, m.linkCfg.WriteTimeout)
	defer cancel()
	return link.Write(wctx, data)
}

// dispatch applies platform events until Close.
func (m *Manager) dispatch(events <-chan Event) {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.handle(ev)
		}
	}
}

func (m *Manager) handle(ev Event) {
	var stale Link

	m.mu.Lock()
	switch e := ev.(type) {
	case RadioStateChanged:
		m.state.Enabled = e.Enabled
		if !e.Enabled {
			stale = m.link
			m.state.Active = nil
			m.link = nil
			m.state.Candidates = nil
		}
	case DeviceConnected:
		// Adopt only when nothing is tracked and no Connect is in flight.
		if m.state.Active == nil && m.pending == nil {
			d := e.Device
			m.state.Active = &d
		}
	case DeviceDisconnected:
		if m.state.Active != nil && strings.EqualFold(m.state.Active.Address, e.Device.Address) {
			stale = m.link
			m.state.Active = nil
			m.link = nil
		}
	}
	m.mu.Unlock()

	m.log.Debug("platform event", "event", fmt.Sprintf("%T", ev))
	if stale != nil {
		if err := stale.Close(); err != nil {
			m.log.Debug("closing dropped link", "error", err)
		}
	}
}

// fail records err as the last error and returns it as an *Error.
func (m *Manager) fail(kind Kind, op, address string, cause error) error {
	e := &Error{Kind: kind, Op: op, Address: address, Err: cause}
	m.mu.Lock()
	m.state.LastError = &ErrorInfo{Kind: kind, Message: e.Error(), At: time.Now()}
	m.mu.Unlock()
	m.log.Error("session operation failed", "op", op, "kind", kind.String(), "device", address, "error", cause)
	return e
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

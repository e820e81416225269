package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mil-ad/armctl/internal/retry"
)

var (
	arm1 = Device{ID: "arm-1", Name: "HC-05", Address: "98:D3:31:F5:00:01"}
	arm2 = Device{ID: "arm-2", Name: "HC-06", Address: "98:D3:31:F5:00:02"}
)

// fastRetry keeps tests quick where spacing is not under test.
var fastRetry = retry.Policy{MaxAttempts: 3, Delay: time.Millisecond}

func openManager(t *testing.T, p *fakePlatform, policy retry.Policy) *Manager {
	t.Helper()
	m, err := Open(context.Background(), p, Options{Retry: policy})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// push delivers events and returns once the dispatcher has applied them.
func push(p *fakePlatform, evs ...Event) {
	for _, ev := range evs {
		p.events <- ev
	}
	// The dispatcher only receives the next event after handling the
	// previous one.
	p.events <- DeviceDisconnected{Device: Device{Address: "flush"}}
}

func TestOpenClose(t *testing.T) {
	p := newFakePlatform()
	m, err := Open(context.Background(), p, Options{})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if !m.Snapshot().Enabled {
		t.Error("expected radio enabled after Open")
	}
	if err := m.Connect(context.Background(), arm1); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !p.unsubscribed {
		t.Error("Close() did not release the event subscription")
	}
	if !p.link(arm1.Address).isClosed() {
		t.Error("Close() did not close the active link")
	}
	if err := m.Send(context.Background(), "T500J125"); !errors.Is(err, ErrClosed) {
		t.Errorf("Send() after Close = %v, want ErrClosed", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
}

func TestDiscoverDeduplicates(t *testing.T) {
	p := newFakePlatform()
	renamed := arm1
	renamed.Name = "renamed"
	p.scanBatches = [][]Device{
		{arm1, arm2, arm1},
		{renamed, arm2},
	}
	m := openManager(t, p, fastRetry)

	for round := 0; round < 3; round++ {
		if err := m.Discover(context.Background()); err != nil {
			t.Fatalf("Discover() round %d error = %v", round, err)
		}
	}

	st := m.Snapshot()
	if len(st.Candidates) != 2 {
		t.Fatalf("candidates = %v, want 2 entries", st.Candidates)
	}
	seen := map[string]bool{}
	for _, c := range st.Candidates {
		if seen[c.ID] {
			t.Errorf("duplicate candidate %s", c.ID)
		}
		seen[c.ID] = true
	}
	if st.Candidates[0].Name != arm1.Name {
		t.Errorf("first-seen device replaced: name = %q", st.Candidates[0].Name)
	}
	if st.Scanning {
		t.Error("Scanning still set after Discover returned")
	}
}

func TestDiscoverFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(p *fakePlatform)
		want  Kind
	}{
		{"permission denied", func(p *fakePlatform) { p.denyPermissions = true }, ErrPermissionDenied},
		{"radio off", func(p *fakePlatform) { p.radioOff = true }, ErrRadioDisabled},
		{"scan error", func(p *fakePlatform) { p.scanErr = errors.New("adapter busy") }, ErrDiscoveryFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newFakePlatform()
			m := openManager(t, p, fastRetry)
			tt.setup(p)

			err := m.Discover(context.Background())
			if !errors.Is(err, tt.want) {
				t.Fatalf("Discover() = %v, want %v", err, tt.want)
			}
			st := m.Snapshot()
			if st.LastError == nil || st.LastError.Kind != tt.want {
				t.Errorf("LastError = %+v, want kind %v", st.LastError, tt.want)
			}

			m.ClearError()
			if m.Snapshot().LastError != nil {
				t.Error("ClearError() left LastError set")
			}
		})
	}
}

func TestConnect(t *testing.T) {
	t.Run("success sets active and probes", func(t *testing.T) {
		p := newFakePlatform()
		m := openManager(t, p, fastRetry)

		if err := m.Connect(context.Background(), arm1); err != nil {
			t.Fatalf("Connect() error = %v", err)
		}
		st := m.Snapshot()
		if st.Active == nil || *st.Active != arm1 {
			t.Fatalf("Active = %v, want %v", st.Active, arm1)
		}
		if st.Connecting {
			t.Error("Connecting still set")
		}
		if st.Phase() != PhaseConnected {
			t.Errorf("Phase() = %s", st.Phase())
		}
		writes, _ := p.link(arm1.Address).recorded()
		if len(writes) != 1 || writes[0] != ProbeCommand {
			t.Errorf("writes = %q, want probe only", writes)
		}
	})

	t.Run("failure leaves state untouched", func(t *testing.T) {
		p := newFakePlatform()
		p.dialErr[arm1.Address] = errors.New("host is down")
		m := openManager(t, p, fastRetry)

		err := m.Connect(context.Background(), arm1)
		if !errors.Is(err, ErrConnectFailed) {
			t.Fatalf("Connect() = %v, want ErrConnectFailed", err)
		}
		st := m.Snapshot()
		if st.Active != nil || st.Connecting {
			t.Errorf("state = %+v, want idle", st)
		}
		if st.LastError == nil || st.LastError.Kind != ErrConnectFailed {
			t.Errorf("LastError = %+v", st.LastError)
		}
	})

	t.Run("probe failure keeps connection", func(t *testing.T) {
		p := newFakePlatform()
		p.link(arm1.Address).failWrites(1, errNak)
		m := openManager(t, p, fastRetry)

		if err := m.Connect(context.Background(), arm1); err != nil {
			t.Fatalf("Connect() error = %v", err)
		}
		if st := m.Snapshot(); st.Active == nil || st.LastError != nil {
			t.Errorf("state = %+v, want connected without error", st)
		}
	})

	t.Run("same live device is a no-op", func(t *testing.T) {
		p := newFakePlatform()
		m := openManager(t, p, fastRetry)

		for i := 0; i < 2; i++ {
			if err := m.Connect(context.Background(), arm1); err != nil {
				t.Fatalf("Connect() #%d error = %v", i, err)
			}
		}
		if n := p.dialCount(); n != 1 {
			t.Errorf("dials = %d, want 1", n)
		}
	})
}

func TestConnectSwitchesDevice(t *testing.T) {
	p := newFakePlatform()
	m := openManager(t, p, fastRetry)

	if err := m.Connect(context.Background(), arm1); err != nil {
		t.Fatalf("Connect(arm1) error = %v", err)
	}
	if err := m.Connect(context.Background(), arm2); err != nil {
		t.Fatalf("Connect(arm2) error = %v", err)
	}

	if !p.link(arm1.Address).isClosed() {
		t.Error("old link not closed before switching")
	}
	if st := m.Snapshot(); st.Active == nil || *st.Active != arm2 {
		t.Errorf("Active = %v, want %v", st.Active, arm2)
	}
	if got := p.dials; len(got) != 2 || got[0] != arm1.Address || got[1] != arm2.Address {
		t.Errorf("dials = %v", got)
	}
}

func TestConnectSameDeviceInFlightIsRejected(t *testing.T) {
	p := newFakePlatform()
	release := make(chan struct{})
	p.dialBlock[arm1.Address] = release
	m := openManager(t, p, fastRetry)

	first := make(chan error, 1)
	go func() { first <- m.Connect(context.Background(), arm1) }()
	waitFor(t, "first dial", func() bool { return p.dialCount() == 1 })

	if !m.Snapshot().Connecting {
		t.Error("Connecting not set while dial is in flight")
	}
	if err := m.Connect(context.Background(), arm1); !errors.Is(err, ErrConnectInProgress) {
		t.Errorf("second Connect() = %v, want ErrConnectInProgress", err)
	}

	close(release)
	if err := <-first; err != nil {
		t.Fatalf("first Connect() error = %v", err)
	}
	if n := p.dialCount(); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}
	if st := m.Snapshot(); st.Connecting || st.Active == nil {
		t.Errorf("state = %+v, want connected", st)
	}
}

func TestConnectSupersedesOtherDevice(t *testing.T) {
	p := newFakePlatform()
	p.dialBlock[arm1.Address] = make(chan struct{}) // never released
	m := openManager(t, p, fastRetry)

	first := make(chan error, 1)
	go func() { first <- m.Connect(context.Background(), arm1) }()
	waitFor(t, "first dial", func() bool { return p.dialCount() == 1 })

	if err := m.Connect(context.Background(), arm2); err != nil {
		t.Fatalf("Connect(arm2) error = %v", err)
	}
	err := <-first
	if !errors.Is(err, ErrConnectFailed) || !errors.Is(err, ErrSuperseded) {
		t.Errorf("superseded Connect() = %v, want ErrConnectFailed wrapping ErrSuperseded", err)
	}

	st := m.Snapshot()
	if st.Active == nil || *st.Active != arm2 {
		t.Errorf("Active = %v, want %v", st.Active, arm2)
	}
	if st.Connecting {
		t.Error("Connecting still set")
	}
	if st.LastError != nil {
		t.Errorf("LastError = %+v, want cleared by the newer connect", st.LastError)
	}
}

func TestDisconnect(t *testing.T) {
	t.Run("no-op without active device", func(t *testing.T) {
		m := openManager(t, newFakePlatform(), fastRetry)
		if err := m.Disconnect(context.Background()); err != nil {
			t.Errorf("Disconnect() = %v", err)
		}
		if m.Snapshot().LastError != nil {
			t.Error("no-op Disconnect recorded an error")
		}
	})

	t.Run("clears active even when close fails", func(t *testing.T) {
		p := newFakePlatform()
		m := openManager(t, p, fastRetry)
		if err := m.Connect(context.Background(), arm1); err != nil {
			t.Fatalf("Connect() error = %v", err)
		}
		p.link(arm1.Address).closeErr = errors.New("socket stuck")

		err := m.Disconnect(context.Background())
		if !errors.Is(err, ErrDisconnectFailed) {
			t.Errorf("Disconnect() = %v, want ErrDisconnectFailed", err)
		}
		st := m.Snapshot()
		if st.Active != nil {
			t.Errorf("Active = %v, want nil", st.Active)
		}
		if st.LastError == nil || st.LastError.Kind != ErrDisconnectFailed {
			t.Errorf("LastError = %+v", st.LastError)
		}
	})
}

func TestSendRetries(t *testing.T) {
	tests := []struct {
		name     string
		failures int
		wantErr  bool
	}{
		{"three failures", 3, true},
		{"two failures then success", 2, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newFakePlatform()
			m := openManager(t, p, retry.DefaultPolicy())
			if err := m.Connect(context.Background(), arm1); err != nil {
				t.Fatalf("Connect() error = %v", err)
			}
			l := p.link(arm1.Address)
			l.failWrites(tt.failures, errNak)

			err := m.Send(context.Background(), "T500J125-J290")
			if (err != nil) != tt.wantErr {
				t.Fatalf("Send() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && (!errors.Is(err, ErrWriteFailed) || !errors.Is(err, errNak)) {
				t.Errorf("Send() error = %v, want ErrWriteFailed wrapping the last write error", err)
			}

			writes, stamps := l.recorded()
			writes, stamps = writes[1:], stamps[1:] // drop the probe
			if len(writes) != 3 {
				t.Fatalf("write attempts = %d, want 3", len(writes))
			}
			for i := range writes {
				if writes[i] != "T500J125-J290\n" {
					t.Errorf("write %d = %q", i, writes[i])
				}
				if i > 0 {
					if gap := stamps[i].Sub(stamps[i-1]); gap < 500*time.Millisecond {
						t.Errorf("gap before attempt %d = %v, want >= 500ms", i+1, gap)
					}
				}
			}
		})
	}
}

func TestSendFraming(t *testing.T) {
	p := newFakePlatform()
	m := openManager(t, p, fastRetry)
	if err := m.Connect(context.Background(), arm1); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := m.Send(context.Background(), "T500J30\n"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	writes, _ := p.link(arm1.Address).recorded()
	if got := writes[len(writes)-1]; got != "T500J30\n" {
		t.Errorf("framed payload = %q", got)
	}
}

func TestSendNotConnected(t *testing.T) {
	t.Run("no active device", func(t *testing.T) {
		m := openManager(t, newFakePlatform(), fastRetry)
		if err := m.Send(context.Background(), "T500J125"); !errors.Is(err, ErrNotConnected) {
			t.Errorf("Send() = %v, want ErrNotConnected", err)
		}
	})

	t.Run("dead link drops device without retry", func(t *testing.T) {
		p := newFakePlatform()
		m := openManager(t, p, fastRetry)
		if err := m.Connect(context.Background(), arm1); err != nil {
			t.Fatalf("Connect() error = %v", err)
		}
		l := p.link(arm1.Address)
		l.mu.Lock()
		l.connected = false
		l.mu.Unlock()

		if err := m.Send(context.Background(), "T500J125"); !errors.Is(err, ErrNotConnected) {
			t.Errorf("Send() = %v, want ErrNotConnected", err)
		}
		if writes, _ := l.recorded(); len(writes) != 1 {
			t.Errorf("writes = %q, want only the probe", writes)
		}
		if st := m.Snapshot(); st.Active != nil {
			t.Errorf("Active = %v, want nil", st.Active)
		}
	})
}

func TestEvents(t *testing.T) {
	t.Run("radio disabled clears active and candidates", func(t *testing.T) {
		p := newFakePlatform()
		p.scanBatches = [][]Device{{arm1, arm2}}
		m := openManager(t, p, fastRetry)
		if err := m.Discover(context.Background()); err != nil {
			t.Fatalf("Discover() error = %v", err)
		}
		if err := m.Connect(context.Background(), arm1); err != nil {
			t.Fatalf("Connect() error = %v", err)
		}

		push(p, RadioStateChanged{Enabled: false})

		st := m.Snapshot()
		if st.Enabled || st.Active != nil || len(st.Candidates) != 0 {
			t.Errorf("state = %+v, want disabled and empty", st)
		}
		if !p.link(arm1.Address).isClosed() {
			t.Error("link not closed after radio went off")
		}

		push(p, RadioStateChanged{Enabled: true})
		if !m.Snapshot().Enabled {
			t.Error("Enabled not restored")
		}
	})

	t.Run("device connected is adopted only when idle", func(t *testing.T) {
		p := newFakePlatform()
		m := openManager(t, p, fastRetry)

		push(p, DeviceConnected{Device: arm1}, DeviceConnected{Device: arm2})

		st := m.Snapshot()
		if st.Active == nil || *st.Active != arm1 {
			t.Errorf("Active = %v, want %v", st.Active, arm1)
		}
		if err := m.Send(context.Background(), "T500J125"); !errors.Is(err, ErrNotConnected) {
			t.Errorf("Send() on adopted device without channel = %v, want ErrNotConnected", err)
		}
	})

	t.Run("device disconnected matches by address", func(t *testing.T) {
		p := newFakePlatform()
		m := openManager(t, p, fastRetry)
		if err := m.Connect(context.Background(), arm1); err != nil {
			t.Fatalf("Connect() error = %v", err)
		}

		push(p, DeviceDisconnected{Device: arm2})
		if m.Snapshot().Active == nil {
			t.Fatal("unrelated disconnect cleared the active device")
		}

		push(p, DeviceDisconnected{Device: Device{Address: arm1.Address}})
		if st := m.Snapshot(); st.Active != nil {
			t.Errorf("Active = %v, want nil", st.Active)
		}
	})

	t.Run("device disconnected ignores address case", func(t *testing.T) {
		p := newFakePlatform()
		m := openManager(t, p, fastRetry)
		lower := Device{ID: "98:d3:31:f5:00:01", Address: "98:d3:31:f5:00:01"}
		if err := m.Connect(context.Background(), lower); err != nil {
			t.Fatalf("Connect() error = %v", err)
		}

		push(p, DeviceDisconnected{Device: Device{Address: "98:D3:31:F5:00:01"}})
		if st := m.Snapshot(); st.Active != nil || st.Phase() != PhaseIdle {
			t.Errorf("state = %+v, want idle", st)
		}
		if !p.link(lower.Address).isClosed() {
			t.Error("link not closed after disconnect")
		}
	})
}

func TestEnableRadio(t *testing.T) {
	p := newFakePlatform()
	p.radioOff = true
	m := openManager(t, p, fastRetry)

	if m.Snapshot().Enabled {
		t.Fatal("expected radio off after Open")
	}
	if err := m.EnableRadio(context.Background()); err != nil {
		t.Fatalf("EnableRadio() error = %v", err)
	}
	if !m.Snapshot().Enabled {
		t.Error("Enabled not set")
	}
}

func TestKindRoundTrip(t *testing.T) {
	for k := ErrPermissionDenied; k <= ErrDisconnectFailed; k++ {
		if got := ParseKind(k.String()); got != k {
			t.Errorf("ParseKind(%q) = %v, want %v", k.String(), got, k)
		}
	}
	if ParseKind("bogus") != 0 {
		t.Error("ParseKind(bogus) should be 0")
	}
}

func TestErrorInfoJSON(t *testing.T) {
	in := ErrorInfo{Kind: ErrNotConnected, Message: "send: not connected", At: time.Unix(1700000000, 0).UTC()}
	raw, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if !strings.Contains(string(raw), `"kind":"not connected"`) {
		t.Errorf("Marshal() = %s, want kind by name", raw)
	}

	var out ErrorInfo
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if out.Kind != ErrNotConnected || !out.At.Equal(in.At) {
		t.Errorf("Unmarshal() = %+v, want %+v", out, in)
	}

	if err := json.Unmarshal([]byte(`{"kind":"bogus"}`), &out); err == nil {
		t.Error("Unmarshal() of unknown kind should fail")
	}
}

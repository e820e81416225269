package session

import "slices"

// Device is a snapshot of a remote endpoint as reported by the platform.
type Device struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

// Label returns the name, or the address for unnamed devices.
func (d Device) Label() string {
	if d.Name != "" {
		return d.Name
	}
	return d.Address
}

// Phase is the coarse connection state.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseConnecting Phase = "connecting"
	PhaseConnected  Phase = "connected"
)

// State is a copy of the manager's session record.
type State struct {
	Enabled    bool       `json:"enabled"`
	Candidates []Device   `json:"candidates"`
	Active     *Device    `json:"active,omitempty"`
	Connecting bool       `json:"connecting"`
	Scanning   bool       `json:"scanning"`
	LastError  *ErrorInfo `json:"last_error,omitempty"`
}

// Phase derives the state machine position from the record.
func (s State) Phase() Phase {
	switch {
	case s.Connecting:
		return PhaseConnecting
	case s.Active != nil:
		return PhaseConnected
	default:
		return PhaseIdle
	}
}

func (s State) clone() State {
	c := s
	c.Candidates = slices.Clone(s.Candidates)
	if s.Active != nil {
		d := *s.Active
		c.Active = &d
	}
	if s.LastError != nil {
		e := *s.LastError
		c.LastError = &e
	}
	return c
}

// Event is one of RadioStateChanged, DeviceConnected or DeviceDisconnected.
type Event interface {
	event()
}

// RadioStateChanged reports the adapter being powered on or off.
type RadioStateChanged struct {
	Enabled bool
}

// DeviceConnected reports a device connected outside the manager's control.
type DeviceConnected struct {
	Device Device
}

// DeviceDisconnected reports a device dropping its connection.
type DeviceDisconnected struct {
	Device Device
}

func (RadioStateChanged) event()  {}
func (DeviceConnected) event()    {}
func (DeviceDisconnected) event() {}

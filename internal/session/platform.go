package session

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SerialPortProfile is the SPP service class used by HC-05/HC-06 modules.
var SerialPortProfile = uuid.MustParse("00001101-0000-1000-8000-00805F9B34FB")

// Link parameters. They are fixed; the arm modules do not negotiate.
const (
	DefaultChannel        = 1
	Delimiter             = "\n"
	DefaultConnectTimeout = 15 * time.Second
	DefaultReadTimeout    = 2 * time.Second
	DefaultWriteTimeout   = 2 * time.Second

	// ProbeCommand is written once after connecting to check the link.
	ProbeCommand = "AT" + Delimiter
)

// LinkConfig is handed to the Dialer on every connect.
type LinkConfig struct {
	Channel        uint8
	Delimiter      string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	Secure         bool
	Service        uuid.UUID
}

// DefaultLinkConfig returns the configuration used for every connection.
func DefaultLinkConfig() LinkConfig {
	return LinkConfig{
		Channel:        DefaultChannel,
		Delimiter:      Delimiter,
		ConnectTimeout: DefaultConnectTimeout,
		ReadTimeout:    DefaultReadTimeout,
		WriteTimeout:   DefaultWriteTimeout,
		Secure:         false,
		Service:        SerialPortProfile,
	}
}

// Permissions gates discovery. Platforms without a permission model return
// true.
type Permissions interface {
	RequestPermissions(ctx context.Context) (bool, error)
}

// Radio reports and changes the local adapter's power state.
type Radio interface {
	Enabled(ctx context.Context) (bool, error)
	RequestEnable(ctx context.Context) (bool, error)
}

// Scanner runs one discovery cycle, calling found for every device as it
// is seen. Scan returns when the cycle ends or ctx is done.
type Scanner interface {
	Scan(ctx context.Context, found func(Device)) error
}

// Dialer opens a link to a device. A nil error means the transport reports
// the link as connected.
type Dialer interface {
	Dial(ctx context.Context, d Device, cfg LinkConfig) (Link, error)
}

// Link is an open connection to one device.
type Link interface {
	Write(ctx context.Context, data string) error
	IsConnected(ctx context.Context) (bool, error)
	Close() error
}

// EventSource pushes radio and connection events. The returned cancel
// function releases the subscription; the channel may then be closed.
type EventSource interface {
	Subscribe(ctx context.Context) (<-chan Event, func(), error)
}

// Platform is everything the Manager consumes from the Bluetooth layer.
type Platform interface {
	Permissions
	Radio
	Scanner
	Dialer
	EventSource
}

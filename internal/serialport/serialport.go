// Package serialport implements session.Platform for arms reached through a
// tty: an RFCOMM binding (/dev/rfcomm0) or a USB-serial bridge.
package serialport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/mil-ad/armctl/internal/logging"
	"github.com/mil-ad/armctl/internal/session"
)

const defaultPollInterval = 2 * time.Second

// Options configure a Serial platform.
type Options struct {
	Baud int
	// Prefix limits discovery to ports whose path starts with it.
	Prefix string
	// PollInterval is how often the port list is checked for removed
	// devices. Zero uses 2s.
	PollInterval time.Duration
	Logger       *logging.Logger
}

type port interface {
	io.Writer
	Close() error
}

// Serial discovers and opens tty devices.
type Serial struct {
	baud     int
	prefix   string
	interval time.Duration
	log      *logging.Logger

	list func() ([]string, error)
	open func(name string, mode *serial.Mode, readTimeout time.Duration) (port, error)
}

var _ session.Platform = (*Serial)(nil)

// New returns a platform using the system's serial ports.
func New(opts Options) *Serial {
	s := &Serial{
		baud:     opts.Baud,
		prefix:   opts.Prefix,
		interval: opts.PollInterval,
		log:      opts.Logger,
		list:     serial.GetPortsList,
		open:     openPort,
	}
	if s.baud <= 0 {
		s.baud = 9600
	}
	if s.interval <= 0 {
		s.interval = defaultPollInterval
	}
	if s.log == nil {
		s.log = logging.NopLogger()
	}
	return s
}

func openPort(name string, mode *serial.Mode, readTimeout time.Duration) (port, error) {
	p, err := serial.Open(name, mode)
	if err != nil {
		return nil, err
	}
	if readTimeout > 0 {
		if err := p.SetReadTimeout(readTimeout); err != nil {
			p.Close()
			return nil, fmt.Errorf("set read timeout: %w", err)
		}
	}
	if err := p.ResetInputBuffer(); err != nil {
		p.Close()
		return nil, fmt.Errorf("reset input buffer: %w", err)
	}
	return p, nil
}

// RequestPermissions always grants; tty access errors surface from Dial.
func (s *Serial) RequestPermissions(context.Context) (bool, error) { return true, nil }

// Enabled is always true: there is no radio to power.
func (s *Serial) Enabled(context.Context) (bool, error) { return true, nil }

// RequestEnable is a no-op.
func (s *Serial) RequestEnable(context.Context) (bool, error) { return true, nil }

func (s *Serial) ports() ([]string, error) {
	all, err := s.list()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	var out []string
	for _, p := range all {
		if s.prefix == "" || strings.HasPrefix(p, s.prefix) {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return out, nil
}

// Scan reports every matching port. The port path is both ID and address.
func (s *Serial) Scan(ctx context.Context, found func(session.Device)) error {
	ports, err := s.ports()
	if err != nil {
		return err
	}
	for _, p := range ports {
		if err := ctx.Err(); err != nil {
			return err
		}
		found(session.Device{ID: p, Name: filepath.Base(p), Address: p})
	}
	return nil
}

// Dial opens the port at the configured baud rate. The port opens
// immediately, so the connect timeout does not apply.
func (s *Serial) Dial(ctx context.Context, d session.Device, cfg session.LinkConfig) (session.Link, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.open(d.Address, &serial.Mode{BaudRate: s.baud}, cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.Address, err)
	}
	s.log.Debug("serial port opened", "port", d.Address, "baud", s.baud)
	return &link{port: p, name: d.Address, s: s}, nil
}

// Subscribe polls the port list and reports a DeviceDisconnected event for
// every port that disappears.
func (s *Serial) Subscribe(ctx context.Context) (<-chan session.Event, func(), error) {
	known, err := s.ports()
	if err != nil {
		return nil, nil, err
	}

	out := make(chan session.Event, 16)
	stop := make(chan struct{})
	go func() {
		defer close(out)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
			now, err := s.ports()
			if err != nil {
				s.log.Debug("port poll failed", "error", err)
				continue
			}
			for _, p := range known {
				if slices.Contains(now, p) {
					continue
				}
				select {
				case out <- session.DeviceDisconnected{Device: session.Device{ID: p, Address: p}}:
				case <-stop:
					return
				}
			}
			known = now
		}
	}()

	var once sync.Once
	return out, func() { once.Do(func() { close(stop) }) }, nil
}

// link is an open serial port.
type link struct {
	mu     sync.Mutex
	port   port
	name   string
	s      *Serial
	closed bool
}

func (l *link) Write(ctx context.Context, data string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return net.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	n, err := l.port.Write([]byte(data))
	if err != nil {
		return fmt.Errorf("write to %s: %w", l.name, err)
	}
	if n != len(data) {
		return fmt.Errorf("write to %s: %w", l.name, io.ErrShortWrite)
	}
	return nil
}

// IsConnected reports whether the port is open and still listed.
func (l *link) IsConnected(context.Context) (bool, error) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return false, nil
	}
	ports, err := l.s.list()
	if err != nil {
		return false, fmt.Errorf("list serial ports: %w", err)
	}
	return slices.Contains(ports, l.name), nil
}

func (l *link) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if err := l.port.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close %s: %w", l.name, err)
	}
	return nil
}

//go:build linux

package bluez

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mil-ad/armctl/internal/session"
)

// Not exported by x/sys/unix.
const (
	btSecurity       = 4
	btSecurityLow    = 1
	btSecurityMedium = 2
)

// Dial opens an RFCOMM stream socket to the device on cfg.Channel. The
// connect honours ctx; the socket's send and receive timeouts are set from
// cfg.
func (b *Bluez) Dial(ctx context.Context, d session.Device, cfg session.LinkConfig) (session.Link, error) {
	bdaddr, err := parseBdaddr(d.Address)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, fmt.Errorf("rfcomm socket: %w", err)
	}
	ok := false
	defer func() {
		if !ok {
			unix.Close(fd)
		}
	}()

	level := byte(btSecurityMedium)
	if !cfg.Secure {
		level = btSecurityLow
	}
	// struct bt_security { uint8_t level; uint8_t key_size; }
	if err := unix.SetsockoptString(fd, unix.SOL_BLUETOOTH, btSecurity, string([]byte{level, 0})); err != nil {
		return nil, fmt.Errorf("set security level: %w", err)
	}
	if err := setTimeout(fd, unix.SO_SNDTIMEO, cfg.WriteTimeout); err != nil {
		return nil, err
	}
	if err := setTimeout(fd, unix.SO_RCVTIMEO, cfg.ReadTimeout); err != nil {
		return nil, err
	}

	if err := connectContext(ctx, fd, &unix.SockaddrRFCOMM{Addr: bdaddr, Channel: cfg.Channel}); err != nil {
		return nil, fmt.Errorf("rfcomm connect %s channel %d: %w", d.Address, cfg.Channel, err)
	}

	ok = true
	b.log.Debug("rfcomm connected", "device", d.Address, "channel", cfg.Channel)
	return &rfcommLink{fd: fd, addr: d.Address, bz: b}, nil
}

// parseBdaddr converts "AA:BB:CC:DD:EE:FF" to the little-endian bdaddr_t
// layout the kernel expects.
func parseBdaddr(s string) ([6]uint8, error) {
	var out [6]uint8
	hw, err := net.ParseMAC(s)
	if err != nil || len(hw) != 6 {
		return out, fmt.Errorf("invalid bluetooth address %q", s)
	}
	for i := range out {
		out[i] = hw[5-i]
	}
	return out, nil
}

func setTimeout(fd, opt int, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	tv := unix.NsecToTimeval(d.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, opt, &tv); err != nil {
		return fmt.Errorf("set socket timeout: %w", err)
	}
	return nil
}

// connectContext performs a non-blocking connect and polls for completion
// so that ctx can abandon it.
func connectContext(ctx context.Context, fd int, sa unix.Sockaddr) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return err
	}
	err := unix.Connect(fd, sa)
	if err != nil && !errors.Is(err, unix.EINPROGRESS) {
		return err
	}
	if err != nil {
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			n, err := unix.Poll(fds, 100)
			if errors.Is(err, unix.EINTR) {
				continue
			}
			if err != nil {
				return err
			}
			if n > 0 {
				break
			}
		}
		soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			return err
		}
		if soErr != 0 {
			return unix.Errno(soErr)
		}
	}
	return unix.SetNonblock(fd, false)
}

// rfcommLink is a connected RFCOMM socket.
type rfcommLink struct {
	mu     sync.Mutex
	fd     int
	addr   string
	bz     *Bluez
	closed bool
}

func (l *rfcommLink) Write(ctx context.Context, data string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return net.ErrClosed
	}

	buf := []byte(data)
	for len(buf) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := unix.Write(l.fd, buf)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if errors.Is(err, unix.EAGAIN) {
			return fmt.Errorf("write to %s: timed out", l.addr)
		}
		if err != nil {
			return fmt.Errorf("write to %s: %w", l.addr, err)
		}
		buf = buf[n:]
	}
	return nil
}

// IsConnected asks BlueZ whether the baseband link is still up.
func (l *rfcommLink) IsConnected(ctx context.Context) (bool, error) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return false, nil
	}
	return l.bz.deviceConnected(ctx, l.addr)
}

func (l *rfcommLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	_ = unix.Shutdown(l.fd, unix.SHUT_RDWR)
	if err := unix.Close(l.fd); err != nil {
		return fmt.Errorf("close rfcomm socket: %w", err)
	}
	return nil
}

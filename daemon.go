package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"os/user"
	"strings"
	"syscall"

	"github.com/mil-ad/armctl/internal/bluez"
	"github.com/mil-ad/armctl/internal/config"
	"github.com/mil-ad/armctl/internal/logging"
	"github.com/mil-ad/armctl/internal/serialport"
	"github.com/mil-ad/armctl/internal/session"
	"github.com/mil-ad/armctl/internal/store"
)

type daemon struct {
	mgr   *session.Manager
	store store.Store
	cfg   *config.Config
	log   *logging.Logger
}

func (d *daemon) handleRequest(ctx context.Context, req IPCRequest) IPCResponse {
	var err error
	switch req.Command {
	case cmdStatus:
	case cmdScan:
		err = d.mgr.Discover(ctx)
	case cmdEnable:
		err = d.mgr.EnableRadio(ctx)
	case cmdConnect:
		var dev session.Device
		dev, err = d.resolve(req.Device)
		if err != nil {
			return IPCResponse{Error: err.Error()}
		}
		if err = d.mgr.Connect(ctx, dev); err == nil {
			d.log.Info("connected", "device", dev.Label(), "address", dev.Address)
			if serr := d.store.Set(store.KeyLastDevice, dev.Address); serr != nil {
				d.log.Warn("remember last device failed", "error", serr)
			}
		}
	case cmdDisconnect:
		err = d.mgr.Disconnect(ctx)
	case cmdSend:
		if strings.TrimSpace(req.Payload) == "" {
			return IPCResponse{Error: "payload is required"}
		}
		err = d.mgr.Send(ctx, req.Payload)
	case cmdClearError:
		d.mgr.ClearError()
	default:
		return IPCResponse{Error: fmt.Sprintf("unknown command: %q", req.Command)}
	}
	return d.response(err)
}

func (d *daemon) response(err error) IPCResponse {
	st := d.mgr.Snapshot()
	resp := IPCResponse{State: st.Phase(), Session: &st}
	if st.Active != nil {
		resp.Device = st.Active.Address
	}
	if err != nil {
		resp.Error = err.Error()
		var serr *session.Error
		if errors.As(err, &serr) {
			resp.Kind = serr.Kind.String()
		}
	}
	return resp
}

// resolve picks the device to connect: an explicit name or address, else
// the last connected device, else the first configured one. Discovered
// candidates are preferred so the device keeps its name.
func (d *daemon) resolve(arg string) (session.Device, error) {
	if arg == "" {
		if last, ok, err := d.store.Get(store.KeyLastDevice); err == nil && ok {
			arg = last
		}
	}
	addr, err := d.cfg.ResolveDevice(arg)
	if err != nil {
		return session.Device{}, err
	}
	addr = canonicalAddress(addr)
	for _, c := range d.mgr.Snapshot().Candidates {
		if strings.EqualFold(c.Address, addr) || c.ID == addr {
			return c, nil
		}
	}
	name := ""
	for _, dc := range d.cfg.Devices {
		if strings.EqualFold(dc.Address, addr) {
			name = dc.Name
		}
	}
	return session.Device{ID: addr, Name: name, Address: addr}, nil
}

// canonicalAddress upper-cases Bluetooth addresses to the form BlueZ
// reports. Anything else, such as a tty path, is returned unchanged.
func canonicalAddress(addr string) string {
	if hw, err := net.ParseMAC(addr); err == nil && len(hw) == 6 {
		return strings.ToUpper(hw.String())
	}
	return addr
}

func (d *daemon) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	var req IPCRequest
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		resp := IPCResponse{Error: "invalid request: " + err.Error()}
		json.NewEncoder(conn).Encode(resp)
		return
	}

	d.log.Debug("ipc request", "command", req.Command, "device", req.Device)
	resp := d.handleRequest(ctx, req)
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		d.log.Warn("write ipc response failed", "error", err)
	}
}

func newPlatform(cfg *config.Config, log *logging.Logger) (session.Platform, func(), error) {
	switch cfg.Transport {
	case config.TransportSerial:
		return serialport.New(serialport.Options{
			Baud:   cfg.Serial.Baud,
			Prefix: cfg.Serial.Prefix,
			Logger: log,
		}), func() {}, nil
	default:
		bz, err := bluez.New(bluez.Options{
			Adapter:    cfg.Bluez.Adapter,
			SerialOnly: cfg.Bluez.SerialOnly,
			Logger:     log,
		})
		if err != nil {
			return nil, nil, err
		}
		return bz, func() { bz.Close() }, nil
	}
}

func runDaemon(cfg *config.Config) error {
	log, err := logging.NewLogger(cfg.Log.Dir, cfg.Log.Level)
	if err != nil {
		return err
	}
	defer log.Close()

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	if u, err := user.Current(); err == nil {
		if err := st.Set(store.KeyCurrentUser, u.Username); err != nil {
			log.Warn("record current user failed", "error", err)
		}
	}

	platform, closePlatform, err := newPlatform(cfg, log)
	if err != nil {
		return err
	}
	defer closePlatform()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mgr, err := session.Open(ctx, platform, session.Options{Logger: log})
	if err != nil {
		return err
	}
	defer func() {
		if err := mgr.Close(); err != nil {
			log.Warn("close session", "error", err)
		}
	}()

	sock := cfg.Daemon.Socket
	os.Remove(sock) // remove stale socket
	ln, err := net.Listen("unix", sock)
	if err != nil {
		return fmt.Errorf("listen %s: %w", sock, err)
	}
	os.Chmod(sock, 0700)
	defer os.Remove(sock)
	defer ln.Close()

	d := &daemon{mgr: mgr, store: st, cfg: cfg, log: log}

	// Graceful shutdown.
	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		ln.Close()
	}()

	log.Info("listening", "socket", sock, "transport", cfg.Transport)
	for {
		conn, err := ln.Accept()
		if err != nil {
			// Listener closed by shutdown goroutine.
			return nil
		}
		go d.handleConn(ctx, conn)
	}
}

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/mil-ad/armctl/internal/sequence"
	"github.com/spf13/cobra"
)

func ipcCall(socket string, req IPCRequest) (IPCResponse, error) {
	conn, err := net.Dial("unix", socket)
	if err != nil {
		return IPCResponse{}, fmt.Errorf("connect to daemon: %w (is `armctl daemon` running?)", err)
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return IPCResponse{}, fmt.Errorf("send request: %w", err)
	}

	var resp IPCResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return IPCResponse{}, fmt.Errorf("read response: %w", err)
	}
	return resp, nil
}

// call sends req and prints the response as JSON. A daemon-side error is
// printed too, then returned.
func call(w io.Writer, req IPCRequest) error {
	resp, err := ipcCall(cfg.Daemon.Socket, req)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("%s", resp.Error)
	}
	return nil
}

func ipcCommand(use, short, command string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(cmd.OutOrStdout(), IPCRequest{Command: command})
		},
	}
}

var connectCmd = &cobra.Command{
	Use:   "connect [name|address]",
	Short: "Connect to an arm (default: last connected, then first configured)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := IPCRequest{Command: cmdConnect}
		if len(args) == 1 {
			req.Device = args[0]
		}
		return call(cmd.OutOrStdout(), req)
	},
}

type programFlags struct {
	file string
	seqs []string
}

func (f *programFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.file, "file", "f", "", "YAML program file")
	cmd.Flags().StringArrayVarP(&f.seqs, "seq", "s", nil, `inline sequence "delay:J1=25,J2=90" (repeatable)`)
	cmd.MarkFlagsMutuallyExclusive("file", "seq")
	cmd.MarkFlagsOneRequired("file", "seq")
}

// program builds a transmittable program from the flags.
func (f *programFlags) program() (*sequence.Program, error) {
	if f.file != "" {
		r, err := os.Open(f.file)
		if err != nil {
			return nil, err
		}
		defer r.Close()
		p, err := sequence.Load(r)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.file, err)
		}
		return p, nil
	}

	var p sequence.Program
	for _, s := range f.seqs {
		seq, err := sequence.ParseInline(s)
		if err != nil {
			return nil, fmt.Errorf("--seq %q: %w", s, err)
		}
		id, err := p.Add(seq.DelayMs)
		if err != nil {
			return nil, err
		}
		for _, st := range seq.Steps {
			if err := p.AddStep(id, st); err != nil {
				return nil, err
			}
		}
	}
	if err := p.Ready(); err != nil {
		return nil, err
	}
	return &p, nil
}

func newSendCmd() *cobra.Command {
	var f programFlags
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Encode a program and send it to the connected arm",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := f.program()
			if err != nil {
				return err
			}
			return call(cmd.OutOrStdout(), IPCRequest{Command: cmdSend, Payload: p.Encode()})
		},
	}
	f.register(cmd)
	return cmd
}

func newEncodeCmd() *cobra.Command {
	var f programFlags
	cmd := &cobra.Command{
		Use:   "encode",
		Short: "Print the wire encoding of a program without sending it",
		Args:  cobra.NoArgs,
		// Works without a daemon or config.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := f.program()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), p.Encode())
			return err
		},
	}
	f.register(cmd)
	return cmd
}

func init() {
	rootCmd.AddCommand(
		ipcCommand("status", "Show the session state", cmdStatus),
		ipcCommand("devices", "Scan for arms and list candidates", cmdScan),
		ipcCommand("enable", "Power on the Bluetooth adapter", cmdEnable),
		connectCmd,
		ipcCommand("disconnect", "Close the active connection", cmdDisconnect),
		newSendCmd(),
		newEncodeCmd(),
		ipcCommand("clear-error", "Clear the last recorded error", cmdClearError),
	)
}

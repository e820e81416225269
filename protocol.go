package main

import "github.com/mil-ad/armctl/internal/session"

// IPC commands understood by the daemon.
const (
	cmdStatus     = "status"
	cmdScan       = "scan"
	cmdEnable     = "enable"
	cmdConnect    = "connect"
	cmdDisconnect = "disconnect"
	cmdSend       = "send"
	cmdClearError = "clear-error"
)

// IPCRequest is sent from the CLI client to the daemon.
type IPCRequest struct {
	Command string `json:"command"`
	Device  string `json:"device,omitempty"`  // name or address, optional for connect
	Payload string `json:"payload,omitempty"` // encoded program for send
}

// IPCResponse is sent from the daemon back to the CLI client.
type IPCResponse struct {
	State   session.Phase  `json:"state,omitempty"` // "idle", "connecting", "connected"
	Device  string         `json:"device,omitempty"`
	Session *session.State `json:"session,omitempty"`
	Error   string         `json:"error,omitempty"`
	Kind    string         `json:"kind,omitempty"` // session error kind, if any
}

/*
Package transport defines the SSHTransport interface and an implementation
backed by golang.org/x/crypto/ssh, distinguishing success, disconnect, and
user-interrupt exit codes.
*/
package transport

import "context"

// Exit codes an SSHTransport implementation must distinguish.
const (
	ExitSuccess    = 0
	ExitUserExit   = 130
	ExitDisconnect = 255
)

// Endpoint identifies the remote side of one SSH call.
type Endpoint struct {
	Host                   string
	Port                   int
	User                   string
	KeyPath                string
	StrictHostKeyChecking  bool
	ConnectTimeoutSeconds  int
}

// SSHTransport runs a single command or interactive shell against an
// Endpoint. Implementations must be cancellable via ctx and must return one
// of ExitSuccess, ExitUserExit, ExitDisconnect, or another positive exit
// code reported by the remote command.
type SSHTransport interface {
	// Connect runs remoteCommand (or an interactive shell if empty) against
	// endpoint, optionally attaching to a terminal-multiplexer session.
	Connect(ctx context.Context, endpoint Endpoint, remoteCommand string, multiplexSession string) (exitCode int, output string, err error)
}

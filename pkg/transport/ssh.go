package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/cuemby/fleetctl/pkg/errs"
)

// SSHClientTransport is the production SSHTransport, dialing real TCP
// connections and running commands or a multiplexer-attached shell.
type SSHClientTransport struct{}

// NewSSHClientTransport returns the default SSHTransport implementation.
func NewSSHClientTransport() *SSHClientTransport {
	return &SSHClientTransport{}
}

func (t *SSHClientTransport) Connect(ctx context.Context, ep Endpoint, remoteCommand string, multiplexSession string) (int, string, error) {
	key, err := os.ReadFile(ep.KeyPath)
	if err != nil {
		return ExitDisconnect, "", &errs.TransportError{Op: "read private key", Err: err}
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return ExitDisconnect, "", &errs.TransportError{Op: "parse private key", Err: err}
	}

	timeout := time.Duration(ep.ConnectTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	// StrictHostKeyChecking is not consulted: every connection accepts any
	// host key.
	_ = ep.StrictHostKeyChecking

	config := &ssh.ClientConfig{
		User:            ep.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	addr := net.JoinHostPort(ep.Host, portOrDefault(ep.Port))

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := dialContext(dialCtx, addr, config)
	if err != nil {
		if ctx.Err() == context.Canceled {
			return ExitUserExit, "", nil
		}
		return ExitDisconnect, "", &errs.TransportError{Op: "dial " + addr, Err: err}
	}
	defer conn.Close()

	session, err := conn.NewSession()
	if err != nil {
		return ExitDisconnect, "", &errs.TransportError{Op: "new session", Err: err}
	}
	defer session.Close()

	cmd := remoteCommand
	if multiplexSession != "" {
		cmd = attachCommand(multiplexSession, remoteCommand)
	}

	var combined bytes.Buffer
	session.Stdout = &combined
	session.Stderr = &combined

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGINT)
		return ExitUserExit, combined.String(), nil
	case runErr := <-done:
		if runErr == nil {
			return ExitSuccess, combined.String(), nil
		}
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			return exitErr.ExitStatus(), combined.String(), nil
		}
		return ExitDisconnect, combined.String(), &errs.TransportError{Op: "run command", Err: runErr}
	}
}

func portOrDefault(port int) string {
	if port <= 0 {
		port = 22
	}
	return fmt.Sprintf("%d", port)
}

// attachCommand builds the remote command line that attaches to (creating
// if absent) a named terminal-multiplexer session before running cmd.
func attachCommand(session, cmd string) string {
	if cmd == "" {
		return fmt.Sprintf("tmux new-session -A -s %s", session)
	}
	return fmt.Sprintf("tmux new-session -d -A -s %s %q || true; tmux send-keys -t %s %q Enter", session, cmd, session, cmd)
}

// dialContext is split out so tests can substitute a fake dialer.
var dialContext = func(ctx context.Context, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		return nil, err
	}
	return ssh.NewClient(c, chans, reqs), nil
}

package ssh

import (
	"sync/atomic"

	"github.com/openfroyo/sshexec/pkg/telemetry"
	"golang.org/x/crypto/ssh"
)

// Connection owns one authenticated client. Each command, background process
// and transfer opens its own channel on it, so a Connection may be used from
// several goroutines at once.
type Connection struct {
	ssh       *SSH
	sshClient *ssh.Client
	info      ConnectionInfo
	logger    *telemetry.Logger

	closed atomic.Bool
}

var _ Executor = (*Connection)(nil)

func newConnection(s *SSH, client *ssh.Client, info ConnectionInfo) *Connection {
	return &Connection{
		ssh:       s,
		sshClient: client,
		info:      info,
		logger:    s.logger,
	}
}

// Host returns the coordinates the connection was opened to.
func (c *Connection) Host() Host {
	return c.ssh.host
}

// Info returns details about how the connection was established.
func (c *Connection) Info() ConnectionInfo {
	return c.info
}

// Client exposes the underlying client for protocols this package does not wrap.
func (c *Connection) Client() *ssh.Client {
	return c.sshClient
}

// Close disconnects the client. Background processes started on the connection
// end with it.
func (c *Connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.logger.Debug("closing SSH connection")

	if err := c.sshClient.Close(); err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

func (c *Connection) client() (*ssh.Client, error) {
	if c.closed.Load() {
		return nil, &TransportError{Op: "session", Err: ErrClosed}
	}
	return c.sshClient, nil
}

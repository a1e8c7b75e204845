// Package ssh provides timeout-bounded remote execution over SSH: connections with
// connectivity retry, synchronous commands with a grace-period timeout protocol,
// background processes stopped by interrupt, port tunnels and SFTP file transfer.
package ssh

import (
	"context"
	"time"
)

// Executor defines the operations available on an established connection.
// It is implemented by *Connection.
type Executor interface {
	// Execute runs a command and fails with *CommandFailedError on a non-zero exit status.
	Execute(ctx context.Context, cmd string, opts ...ExecOption) (*ExecResult, error)

	// SafeExecute runs a command and returns its result regardless of exit status.
	SafeExecute(ctx context.Context, cmd string, opts ...ExecOption) (*ExecResult, error)

	// StartBackground starts a command on a pseudo-terminal without waiting for it.
	StartBackground(ctx context.Context, cmd string) (*BackgroundProcess, error)

	// Upload copies a local file to the remote host via SFTP.
	Upload(ctx context.Context, localPath string, remotePath string) error

	// Download copies a remote file to the local host via SFTP.
	Download(ctx context.Context, remotePath string, localPath string) error

	// Host returns the coordinates the connection was opened to.
	Host() Host

	// Close disconnects the underlying transport.
	Close() error
}

// ExecResult represents the result of a command execution.
type ExecResult struct {
	// ExitStatus is the command's exit code, or -1 when the server reported none
	ExitStatus int

	// Stdout is the standard output from the command
	Stdout string

	// Stderr is the standard error output from the command
	Stderr string

	// StartedAt is when the command started executing
	StartedAt time.Time

	// FinishedAt is when the command finished
	FinishedAt time.Time

	// Duration is the total execution time
	Duration time.Duration
}

// IsSuccessful reports whether the command exited with status 0.
func (r *ExecResult) IsSuccessful() bool {
	return r.ExitStatus == 0
}

// ConnectionInfo contains details about an established SSH connection.
type ConnectionInfo struct {
	// Host is the remote hostname or IP address
	Host string

	// Port is the SSH port number
	Port int

	// User is the SSH username
	User string

	// ConnectedAt is when the connection was established
	ConnectedAt time.Time

	// Attempts is how many TCP connects it took to reach the host
	Attempts int
}

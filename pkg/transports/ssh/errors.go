package ssh

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotPublicKey is returned when a key path is requested from a host
	// that authenticates with a password.
	ErrNotPublicKey = errors.New("host does not use public key authentication")

	// ErrClosed is returned when an operation is attempted on a closed handle.
	ErrClosed = errors.New("handle already closed")
)

// Error classes used for metrics and logging.
const (
	ErrorClassConnectivity   = "connectivity"
	ErrorClassAuthentication = "authentication"
	ErrorClassCommandFailed  = "command_failed"
	ErrorClassTimedOut       = "timed_out"
	ErrorClassTransport      = "transport"
	ErrorClassUnknown        = "unknown"
)

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "session", "pty", "upload")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// ConnectivityError is returned when the TCP connect step failed on every attempt.
type ConnectivityError struct {
	Address  string
	Attempts int
	Err      error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("failed to connect to %s after %d attempts: %v", e.Address, e.Attempts, e.Err)
}

func (e *ConnectivityError) Unwrap() error {
	return e.Err
}

// AuthenticationError is returned when the SSH handshake was rejected.
// It is never retried.
type AuthenticationError struct {
	Address string
	User    string
	Err     error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("ssh handshake with %s@%s failed: %v", e.User, e.Address, e.Err)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// CommandFailedError is returned by Execute when the command exits with a non-zero status.
// The captured output is kept in Result.
type CommandFailedError struct {
	Command string
	Result  *ExecResult
}

func (e *CommandFailedError) Error() string {
	return fmt.Sprintf("error while executing %q: exit status %d, stdout: %q, stderr: %q",
		e.Command, e.Result.ExitStatus, e.Result.Stdout, e.Result.Stderr)
}

// TimedOutError is returned when a command, or the stop of a background process,
// did not finish within its timeout.
type TimedOutError struct {
	Command string

	// Timeout is the caller's timeout.
	Timeout time.Duration

	// Extended is the timeout plus the grace window.
	Extended time.Duration

	// Overtime is how far past Timeout the command ran. For a hung command it is
	// the lower bound Extended - Timeout.
	Overtime time.Duration

	// Hung is true when the command had not finished by the extended deadline.
	Hung bool

	// Stdout and Stderr hold whatever output was captured.
	Stdout string
	Stderr string
}

func (e *TimedOutError) Error() string {
	if e.Hung {
		return fmt.Sprintf("ssh command %q failed to finish in extended time %s (timeout %s exceeded by more than %s), stdout: %q, stderr: %q",
			e.Command, e.Extended, e.Timeout, e.Overtime, e.Stdout, e.Stderr)
	}
	return fmt.Sprintf("ssh command %q exceeded timeout %s by %s", e.Command, e.Timeout, e.Overtime)
}

// StreamCaptureError describes a failure to salvage output from a timed out channel.
// It is logged and replaced by placeholder output, never returned.
type StreamCaptureError struct {
	Command string
	Err     error
}

func (e *StreamCaptureError) Error() string {
	return fmt.Sprintf("failed to close ssh channel of %q, can't get command output: %v", e.Command, e.Err)
}

func (e *StreamCaptureError) Unwrap() error {
	return e.Err
}

// UnknownAuthenticationTypeError is returned when an authentication record
// carries a type tag that has no matching variant.
type UnknownAuthenticationTypeError struct {
	Type string
}

func (e *UnknownAuthenticationTypeError) Error() string {
	return fmt.Sprintf("unknown authentication type %q", e.Type)
}

// ErrorClass classifies err for metrics labels.
func ErrorClass(err error) string {
	var (
		connErr    *ConnectivityError
		authErr    *AuthenticationError
		failedErr  *CommandFailedError
		timeoutErr *TimedOutError
		transErr   *TransportError
	)
	switch {
	case errors.As(err, &connErr):
		return ErrorClassConnectivity
	case errors.As(err, &authErr):
		return ErrorClassAuthentication
	case errors.As(err, &failedErr):
		return ErrorClassCommandFailed
	case errors.As(err, &timeoutErr):
		return ErrorClassTimedOut
	case errors.As(err, &transErr):
		return ErrorClassTransport
	default:
		return ErrorClassUnknown
	}
}

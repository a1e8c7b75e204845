package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/openfroyo/sshexec/pkg/telemetry"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

const (
	stdoutPlaceholder = "<couldn't get command stdout>"
	stderrPlaceholder = "<couldn't get command stderr>"

	// drainTimeout bounds how long a closed channel may take to flush what the
	// server already sent.
	drainTimeout = 2 * time.Second
)

// extendedTimeout adds a quarter of timeout as grace for slow commands.
func extendedTimeout(timeout time.Duration) time.Duration {
	return timeout * 5 / 4
}

// lockedBuffer is a bytes.Buffer that can be read while the session copies into it.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// outputLevels are the levels command output is logged at.
type outputLevels struct {
	stdout zerolog.Level
	stderr zerolog.Level
}

// command is a remote command started on its own session.
type command struct {
	cmd     string
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  *lockedBuffer
	stderr  *lockedBuffer
	started time.Time

	// done receives the result of session.Wait exactly once
	done chan error
}

// startCommand opens a session on client and starts cmd verbatim. With pty the
// command runs on an xterm pseudo-terminal and keeps a stdin pipe.
func startCommand(client *ssh.Client, cmd string, pty bool) (*command, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, &TransportError{
			Op:          "session",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
	}

	c := &command{
		cmd:     cmd,
		session: session,
		stdout:  &lockedBuffer{},
		stderr:  &lockedBuffer{},
		done:    make(chan error, 1),
	}
	session.Stdout = c.stdout
	session.Stderr = c.stderr

	if pty {
		c.stdin, err = session.StdinPipe()
		if err != nil {
			_ = session.Close()
			return nil, &TransportError{Op: "stdin", Err: fmt.Errorf("failed to create stdin pipe: %w", err)}
		}

		if err := session.RequestPty("xterm", 80, 40, ssh.TerminalModes{
			ssh.ECHO:          1,
			ssh.TTY_OP_ISPEED: 14400,
			ssh.TTY_OP_OSPEED: 14400,
		}); err != nil {
			_ = session.Close()
			return nil, &TransportError{Op: "pty", Err: fmt.Errorf("failed to request pseudo-terminal: %w", err)}
		}
	}

	c.started = time.Now()
	if err := session.Start(cmd); err != nil {
		_ = session.Close()
		return nil, &TransportError{Op: "start", Err: fmt.Errorf("failed to start %q: %w", cmd, err)}
	}

	go func() {
		c.done <- session.Wait()
	}()

	return c, nil
}

// waitForResult waits for c up to the extended deadline, counted from since,
// and reads its streams. A command that finishes after timeout but inside the
// grace window fails with an overtime TimedOutError; one that is still running
// at the extended deadline is closed and fails with a hung TimedOutError
// carrying the salvaged output.
func waitForResult(ctx context.Context, c *command, since time.Time, timeout time.Duration, levels outputLevels, logger *telemetry.Logger) (*ExecResult, error) {
	extended := extendedTimeout(timeout)

	timer := time.NewTimer(extended - time.Since(since))
	defer timer.Stop()

	var waitErr error
	select {
	case waitErr = <-c.done:
	case <-timer.C:
		return nil, c.hung(timeout, extended, logger)
	case <-ctx.Done():
		_ = c.session.Close()
		return nil, ctx.Err()
	}

	finished := time.Now()

	exitStatus, err := exitStatusOf(waitErr)
	if err != nil {
		return nil, &TransportError{Op: "wait", Err: err, IsTemporary: true}
	}

	if waited := finished.Sub(since); waited > timeout {
		return nil, &TimedOutError{
			Command:  c.cmd,
			Timeout:  timeout,
			Extended: extended,
			Overtime: waited - timeout,
			Stdout:   c.stdout.String(),
			Stderr:   c.stderr.String(),
		}
	}

	result := &ExecResult{
		ExitStatus: exitStatus,
		Stdout:     c.stdout.String(),
		Stderr:     c.stderr.String(),
		StartedAt:  c.started,
		FinishedAt: finished,
		Duration:   finished.Sub(c.started),
	}

	logger = logger.WithCommand(c.cmd)
	if logger.Enabled(levels.stdout) && strings.TrimSpace(result.Stdout) != "" {
		logger.Log(levels.stdout, "stdout:\n"+result.Stdout)
	}
	if logger.Enabled(levels.stderr) && strings.TrimSpace(result.Stderr) != "" {
		logger.Log(levels.stderr, "stderr:\n"+result.Stderr)
	}

	return result, nil
}

// hung closes the channel of a command that outlived its extended deadline and
// salvages whatever output arrived.
func (c *command) hung(timeout, extended time.Duration, logger *telemetry.Logger) *TimedOutError {
	stdout, stderr := stdoutPlaceholder, stderrPlaceholder

	if err := c.session.Close(); err != nil && !errors.Is(err, io.EOF) {
		logger.WithError(&StreamCaptureError{Command: c.cmd, Err: err}).Error("failed to capture output of timed out command")
	} else {
		select {
		case <-c.done:
		case <-time.After(drainTimeout):
		}
		stdout, stderr = c.stdout.String(), c.stderr.String()
	}

	return &TimedOutError{
		Command:  c.cmd,
		Timeout:  timeout,
		Extended: extended,
		Overtime: extended - timeout,
		Hung:     true,
		Stdout:   stdout,
		Stderr:   stderr,
	}
}

// exitStatusOf maps the result of session.Wait to an exit status. A session that
// ended without exit-status or exit-signal reports -1.
func exitStatusOf(err error) (int, error) {
	if err == nil {
		return 0, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}

	var missingErr *ssh.ExitMissingError
	if errors.As(err, &missingErr) {
		return -1, nil
	}

	return 0, err
}

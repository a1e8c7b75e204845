package ssh

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// detachedProcessDir holds one PID file per detached process on the remote host.
	detachedProcessDir = "~/.jpt-processes"

	detachedTimeout = 15 * time.Second
)

// DetachedProcess is a command started inside a detached screen session whose
// shell PID is recorded on the remote host. Unlike BackgroundProcess it needs no
// pseudo-terminal and survives the connection that started it.
//
// Deprecated: use BackgroundProcess. Output of a detached process cannot be
// recovered and its PID files are never cleaned up.
type DetachedProcess struct {
	ID      uuid.UUID
	Command string
}

// RestoreDetachedProcess rebuilds a handle from persisted fields, typically to
// stop a process started by another connection.
//
// Deprecated: see DetachedProcess.
func RestoreDetachedProcess(id uuid.UUID, cmd string) *DetachedProcess {
	return &DetachedProcess{ID: id, Command: cmd}
}

// PIDFile returns the remote path holding the process's shell PID.
func (p *DetachedProcess) PIDFile() string {
	return detachedProcessDir + "/" + p.ID.String()
}

func (p *DetachedProcess) startCommand() string {
	return fmt.Sprintf("screen -dm bash -c 'mkdir -p %s && echo $$ > %s && %s'",
		detachedProcessDir, p.PIDFile(), p.Command)
}

func (p *DetachedProcess) stopCommand() string {
	return fmt.Sprintf("kill -3 `cat %s`", p.PIDFile())
}

// StartProcess launches cmd detached from the connection. It waits only for the
// launch, not for cmd.
//
// Deprecated: use StartBackground.
func (c *Connection) StartProcess(ctx context.Context, cmd string) (*DetachedProcess, error) {
	p := &DetachedProcess{ID: uuid.New(), Command: cmd}

	if _, err := c.SafeExecute(ctx, p.startCommand(), WithTimeout(detachedTimeout)); err != nil {
		return nil, fmt.Errorf("failed to launch detached process: %w", err)
	}

	c.logger.WithProcessID(p.ID.String()).WithCommand(cmd).Debug("started detached process")
	_ = c.ssh.tel.Events.PublishProcessStarted(c.ssh.host.String(), p.ID.String(), cmd)
	return p, nil
}

// StopProcess sends SIGQUIT to the recorded PID. It waits only for kill itself;
// a non-zero exit status (for example a stale PID) is logged and returned in
// the result.
//
// Deprecated: use BackgroundProcess.Stop.
func (c *Connection) StopProcess(ctx context.Context, p *DetachedProcess) (*ExecResult, error) {
	result, err := c.SafeExecute(ctx, p.stopCommand(), WithTimeout(detachedTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to stop detached process %s: %w", p.ID, err)
	}

	logger := c.logger.WithProcessID(p.ID.String())
	if !result.IsSuccessful() {
		logger.Warnf("kill of detached process exited with status %d: %s", result.ExitStatus, result.Stderr)
	} else {
		logger.Debug("stopped detached process")
	}
	_ = c.ssh.tel.Events.PublishProcessStopped(c.ssh.host.String(), p.ID.String(), result.ExitStatus)
	return result, nil
}

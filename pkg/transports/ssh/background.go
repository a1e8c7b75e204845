package ssh

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/openfroyo/sshexec/pkg/telemetry"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// interrupt is the byte a terminal turns into SIGINT.
const interrupt = 0x03

// BackgroundProcess is a command running on a pseudo-terminal. It is stopped by
// writing an interrupt to the terminal and waiting for the command to exit.
type BackgroundProcess struct {
	id      string
	host    string
	command *command

	// owned is closed together with the process when it was opened on a
	// dedicated client.
	owned *ssh.Client

	tel    *telemetry.Telemetry
	logger *telemetry.Logger

	stopOnce sync.Once
	result   *ExecResult
	stopErr  error

	closed atomic.Bool
}

// StartBackground starts cmd on a pseudo-terminal of the connection's client and
// returns without waiting for it.
func (c *Connection) StartBackground(ctx context.Context, cmd string) (*BackgroundProcess, error) {
	client, err := c.client()
	if err != nil {
		return nil, err
	}
	return startBackground(c.ssh, client, nil, cmd)
}

// RunInBackground prepares a dedicated client and starts cmd on it. The client
// is disconnected when the process is closed.
func (s *SSH) RunInBackground(ctx context.Context, cmd string) (*BackgroundProcess, error) {
	client, _, err := s.prepareClient(ctx)
	if err != nil {
		return nil, err
	}

	p, err := startBackground(s, client, client, cmd)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return p, nil
}

func startBackground(s *SSH, client *ssh.Client, owned *ssh.Client, cmd string) (*BackgroundProcess, error) {
	started, err := startCommand(client, cmd, true)
	if err != nil {
		s.tel.Metrics.RecordError(ErrorClass(err))
		return nil, err
	}

	id := uuid.New().String()
	p := &BackgroundProcess{
		id:      id,
		host:    s.host.String(),
		command: started,
		owned:   owned,
		tel:     s.tel,
		logger:  s.logger.WithField("background_id", id).WithCommand(cmd),
	}

	s.tel.Metrics.BackgroundStarted()
	_ = s.tel.Events.PublishProcessStarted(p.host, id, cmd)
	p.logger.Debug("started background process")

	return p, nil
}

// ID identifies the process in logs and events.
func (p *BackgroundProcess) ID() string {
	return p.id
}

// Command returns the command line the process was started with.
func (p *BackgroundProcess) Command() string {
	return p.command.cmd
}

// Stop interrupts the process, waits for it with the same timeout protocol as
// Execute, and closes it. A failed interrupt write (the process already exited)
// is only logged. Only the first call does any work; later calls return the
// first call's result and no error.
func (p *BackgroundProcess) Stop(ctx context.Context, timeout time.Duration) (*ExecResult, error) {
	first := false
	p.stopOnce.Do(func() {
		first = true
		p.result, p.stopErr = p.stop(ctx, timeout)
	})
	if !first {
		return p.result, nil
	}
	return p.result, p.stopErr
}

func (p *BackgroundProcess) stop(ctx context.Context, timeout time.Duration) (result *ExecResult, err error) {
	ctx, span := p.tel.Tracer.StartCommandSpan(ctx, "ssh.background.stop", p.host, p.command.cmd)
	timer := telemetry.NewTimer()
	defer func() {
		recordCommand(p.tel, p.host, modeBackgroundStop, p.command.cmd, result, err, timer.Duration())
		if result != nil {
			span.SetAttributes(telemetry.AttrExitStatus.Int(result.ExitStatus))
			_ = p.tel.Events.PublishProcessStopped(p.host, p.id, result.ExitStatus)
		}
		telemetry.EndSpan(span, err)
	}()
	defer p.Close()

	// The stop timeout runs from the interrupt, not from the process start
	interrupted := time.Now()
	if _, err := p.command.stdin.Write([]byte{interrupt}); err != nil {
		p.logger.WithError(err).Debug("failed to write interrupt, the process has probably exited already")
	}

	levels := outputLevels{stdout: zerolog.DebugLevel, stderr: zerolog.DebugLevel}
	return waitForResult(ctx, p.command, interrupted, timeout, levels, p.logger)
}

// Close releases the session, and the dedicated client if there is one, without
// interrupting the process first. It is safe to call more than once.
func (p *BackgroundProcess) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.tel.Metrics.BackgroundClosed()

	_ = p.command.session.Close()
	if p.owned != nil {
		return p.owned.Close()
	}
	return nil
}

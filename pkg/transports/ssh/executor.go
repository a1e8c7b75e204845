package ssh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openfroyo/sshexec/pkg/telemetry"
	"github.com/rs/zerolog"
)

// Command modes used as metric labels and span names.
const (
	modeExecute        = "execute"
	modeSafeExecute    = "safe_execute"
	modeBackgroundStop = "background_stop"
)

// ExecOption customizes a single command execution.
type ExecOption func(*execOptions)

type execOptions struct {
	timeout time.Duration
	levels  outputLevels
}

// WithTimeout sets how long the command may run. The command is given a further
// quarter of the timeout as grace before its channel is closed.
func WithTimeout(timeout time.Duration) ExecOption {
	return func(o *execOptions) {
		o.timeout = timeout
	}
}

// WithStdoutLevel sets the level the command's stdout is logged at.
func WithStdoutLevel(level zerolog.Level) ExecOption {
	return func(o *execOptions) {
		o.levels.stdout = level
	}
}

// WithStderrLevel sets the level the command's stderr is logged at.
func WithStderrLevel(level zerolog.Level) ExecOption {
	return func(o *execOptions) {
		o.levels.stderr = level
	}
}

func (c *Connection) execOptions(stdout, stderr zerolog.Level, opts []ExecOption) execOptions {
	o := execOptions{
		timeout: c.ssh.config.CommandTimeout,
		levels:  outputLevels{stdout: stdout, stderr: stderr},
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Execute runs cmd and waits for it. A non-zero exit status fails with
// *CommandFailedError. stdout is logged at debug and stderr at warn unless
// overridden.
func (c *Connection) Execute(ctx context.Context, cmd string, opts ...ExecOption) (*ExecResult, error) {
	o := c.execOptions(zerolog.DebugLevel, zerolog.WarnLevel, opts)

	result, err := c.run(ctx, modeExecute, cmd, o)
	if err != nil {
		return nil, err
	}
	if !result.IsSuccessful() {
		return nil, &CommandFailedError{Command: cmd, Result: result}
	}
	return result, nil
}

// SafeExecute runs cmd and returns its result whatever the exit status.
// stdout is logged at trace and stderr at debug unless overridden.
func (c *Connection) SafeExecute(ctx context.Context, cmd string, opts ...ExecOption) (*ExecResult, error) {
	o := c.execOptions(zerolog.TraceLevel, zerolog.DebugLevel, opts)
	return c.run(ctx, modeSafeExecute, cmd, o)
}

// ExecuteBatch runs commands in sequence with Execute. With stopOnError the batch
// ends at the first failure; otherwise failures are joined into the returned error.
// Results of failed commands carry whatever the command produced.
func (c *Connection) ExecuteBatch(ctx context.Context, commands []string, stopOnError bool, opts ...ExecOption) ([]*ExecResult, error) {
	results := make([]*ExecResult, 0, len(commands))
	var errs []error

	for i, cmd := range commands {
		c.logger.WithField("index", i).WithCommand(cmd).Debug("executing batch command")

		result, err := c.Execute(ctx, cmd, opts...)
		if err != nil {
			var failed *CommandFailedError
			if errors.As(err, &failed) {
				result = failed.Result
			}
			results = append(results, result)

			err = fmt.Errorf("command %d failed: %w", i, err)
			if stopOnError {
				return results, err
			}
			errs = append(errs, err)
			continue
		}
		results = append(results, result)
	}

	return results, errors.Join(errs...)
}

// run executes cmd on a new session and records its span and metrics.
func (c *Connection) run(ctx context.Context, mode, cmd string, o execOptions) (result *ExecResult, err error) {
	tel := c.ssh.tel
	ctx, span := tel.Tracer.StartCommandSpan(ctx, "ssh."+mode, c.ssh.host.String(), cmd)
	timer := telemetry.NewTimer()
	defer func() {
		recordCommand(tel, c.ssh.host.String(), mode, cmd, result, err, timer.Duration())
		if result != nil {
			span.SetAttributes(telemetry.AttrExitStatus.Int(result.ExitStatus))
		}
		telemetry.EndSpan(span, err)
	}()

	client, err := c.client()
	if err != nil {
		return nil, err
	}

	started, err := startCommand(client, cmd, false)
	if err != nil {
		return nil, err
	}
	defer started.session.Close()

	return waitForResult(ctx, started, started.started, o.timeout, o.levels, c.logger)
}

// recordCommand feeds the outcome of a command into metrics and events.
func recordCommand(tel *telemetry.Telemetry, host, mode, cmd string, result *ExecResult, err error, duration time.Duration) {
	outcome := "success"
	switch {
	case err != nil:
		outcome = "error"
		var timedOut *TimedOutError
		if errors.As(err, &timedOut) {
			outcome = "timeout"
			kind := "overtime"
			if timedOut.Hung {
				kind = "hung"
			}
			tel.Metrics.RecordTimeout(kind)
			_ = tel.Events.PublishCommandTimedOut(host, cmd, timedOut.Overtime, timedOut.Hung)
		}
		tel.Metrics.RecordError(ErrorClass(err))
	case result != nil && !result.IsSuccessful():
		outcome = "failure"
	}
	tel.Metrics.RecordCommand(mode, outcome, duration)
}

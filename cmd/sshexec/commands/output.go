package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/openfroyo/sshexec/pkg/transports/ssh"
)

// ExitError carries the exit status of a remote command out of the CLI so
// that sshexec exits with the same status.
type ExitError struct {
	Status int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("remote command exited with status %d", e.Status)
}

// resultOutput is the JSON form of a command result.
type resultOutput struct {
	Host       string    `json:"host"`
	Command    string    `json:"command"`
	ExitStatus int       `json:"exit_status"`
	Stdout     string    `json:"stdout"`
	Stderr     string    `json:"stderr"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

func newResultOutput(host ssh.Host, command string, result *ssh.ExecResult, err error) resultOutput {
	out := resultOutput{
		Host:       host.String(),
		Command:    command,
		ExitStatus: -1,
	}
	if result != nil {
		out.ExitStatus = result.ExitStatus
		out.Stdout = result.Stdout
		out.Stderr = result.Stderr
		out.StartedAt = result.StartedAt
		out.DurationMs = result.Duration.Milliseconds()
	}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}

// printResult writes the command output: verbatim stdout and stderr, or one
// JSON document.
func printResult(stdout, stderr io.Writer, out resultOutput) error {
	if jsonOutput {
		return printJSON(stdout, out)
	}
	if _, err := io.WriteString(stdout, out.Stdout); err != nil {
		return err
	}
	_, err := io.WriteString(stderr, out.Stderr)
	return err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// resultOf recovers the partial result carried by a command error, if any.
func resultOf(err error) *ssh.ExecResult {
	var failed *ssh.CommandFailedError
	if errors.As(err, &failed) {
		return failed.Result
	}

	var timedOut *ssh.TimedOutError
	if errors.As(err, &timedOut) {
		return &ssh.ExecResult{
			ExitStatus: -1,
			Stdout:     timedOut.Stdout,
			Stderr:     timedOut.Stderr,
		}
	}
	return nil
}

// exitErrorOf turns a finished command into the CLI's exit status.
func exitErrorOf(result *ssh.ExecResult) error {
	if result == nil || result.IsSuccessful() {
		return nil
	}
	if result.ExitStatus < 0 {
		return &ExitError{Status: 255}
	}
	return &ExitError{Status: result.ExitStatus}
}

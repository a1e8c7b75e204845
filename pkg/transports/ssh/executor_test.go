package ssh

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/sshexec/pkg/telemetry"
	"github.com/rs/zerolog"
)

func TestExecute(t *testing.T) {
	server := newTestSSHServer(t)
	conn := newTestConnection(t, server.host(), testConfig())
	ctx := context.Background()

	t.Run("success", func(t *testing.T) {
		result, err := conn.Execute(ctx, "echo hello")
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		if result.ExitStatus != 0 || !result.IsSuccessful() {
			t.Errorf("ExitStatus = %d, want 0", result.ExitStatus)
		}
		if result.Stdout != "hello\n" {
			t.Errorf("Stdout = %q, want %q", result.Stdout, "hello\n")
		}
		if result.Stderr != "" {
			t.Errorf("Stderr = %q, want empty", result.Stderr)
		}
		if result.FinishedAt.Before(result.StartedAt) || result.Duration <= 0 {
			t.Errorf("bad timing: started %v finished %v duration %v", result.StartedAt, result.FinishedAt, result.Duration)
		}
	})

	t.Run("non-zero exit fails", func(t *testing.T) {
		result, err := conn.Execute(ctx, "echo out; echo err >&2; exit 3")
		if result != nil {
			t.Errorf("Execute() result = %+v, want nil", result)
		}

		var failed *CommandFailedError
		if !errors.As(err, &failed) {
			t.Fatalf("error = %v, want *CommandFailedError", err)
		}
		if failed.Command != "echo out; echo err >&2; exit 3" {
			t.Errorf("Command = %q", failed.Command)
		}
		if failed.Result.ExitStatus != 3 || failed.Result.Stdout != "out\n" || failed.Result.Stderr != "err\n" {
			t.Errorf("Result = %+v, want exit 3 with captured output", failed.Result)
		}
		if !strings.Contains(err.Error(), "exit status 3") {
			t.Errorf("Error() = %q, want exit status in message", err.Error())
		}
		if ErrorClass(err) != ErrorClassCommandFailed {
			t.Errorf("ErrorClass() = %q, want %q", ErrorClass(err), ErrorClassCommandFailed)
		}
	})
}

func TestSafeExecute(t *testing.T) {
	server := newTestSSHServer(t)
	conn := newTestConnection(t, server.host(), testConfig())
	ctx := context.Background()

	tests := []struct {
		name       string
		cmd        string
		wantStatus int
		wantStdout string
		wantStderr string
	}{
		{name: "success", cmd: "echo ok", wantStatus: 0, wantStdout: "ok\n"},
		{name: "exit status", cmd: "echo out; echo err >&2; exit 3", wantStatus: 3, wantStdout: "out\n", wantStderr: "err\n"},
		{name: "command not found", cmd: "nonexistent-binary --flag", wantStatus: 127, wantStderr: "bash: nonexistent-binary: command not found\n"},
		{name: "killed by signal", cmd: "kill -TERM $$", wantStatus: 143},
		{name: "no exit status", cmd: "no-exit-status", wantStatus: -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := conn.SafeExecute(ctx, tt.cmd)
			if err != nil {
				t.Fatalf("SafeExecute() error = %v", err)
			}
			if result.ExitStatus != tt.wantStatus {
				t.Errorf("ExitStatus = %d, want %d", result.ExitStatus, tt.wantStatus)
			}
			if result.Stdout != tt.wantStdout {
				t.Errorf("Stdout = %q, want %q", result.Stdout, tt.wantStdout)
			}
			if result.Stderr != tt.wantStderr {
				t.Errorf("Stderr = %q, want %q", result.Stderr, tt.wantStderr)
			}
		})
	}
}

func TestExecuteOvertime(t *testing.T) {
	server := newTestSSHServer(t)
	conn := newTestConnection(t, server.host(), testConfig())

	// Finishes after the timeout but inside the 200ms grace window
	_, err := conn.Execute(context.Background(), "echo late; sleep 0.9", WithTimeout(800*time.Millisecond))

	var timedOut *TimedOutError
	if !errors.As(err, &timedOut) {
		t.Fatalf("error = %v, want *TimedOutError", err)
	}
	if timedOut.Hung {
		t.Error("Hung = true, want false")
	}
	if timedOut.Timeout != 800*time.Millisecond || timedOut.Extended != time.Second {
		t.Errorf("Timeout = %s, Extended = %s, want 800ms and 1s", timedOut.Timeout, timedOut.Extended)
	}
	if timedOut.Overtime <= 0 || timedOut.Overtime > 200*time.Millisecond {
		t.Errorf("Overtime = %s, want within (0, 200ms]", timedOut.Overtime)
	}
	if !strings.Contains(err.Error(), "exceeded timeout 800ms by") {
		t.Errorf("Error() = %q", err.Error())
	}
	if ErrorClass(err) != ErrorClassTimedOut {
		t.Errorf("ErrorClass() = %q, want %q", ErrorClass(err), ErrorClassTimedOut)
	}
}

func TestExecuteHung(t *testing.T) {
	server := newTestSSHServer(t)

	events, err := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}
	var (
		mu       sync.Mutex
		timeouts []telemetry.Event
	)
	events.Subscribe(func(e telemetry.Event) {
		mu.Lock()
		defer mu.Unlock()
		timeouts = append(timeouts, e)
	}, telemetry.FilterByType(telemetry.EventTypeCommandTimedOut))

	tel := telemetry.Nop()
	tel.Events = events
	cfg := testConfig()
	cfg.Telemetry = tel

	conn := newTestConnection(t, server.host(), cfg)

	start := time.Now()
	_, err = conn.SafeExecute(context.Background(), "echo partial; echo oops >&2; sleep 10", WithTimeout(200*time.Millisecond))
	elapsed := time.Since(start)

	var timedOut *TimedOutError
	if !errors.As(err, &timedOut) {
		t.Fatalf("error = %v, want *TimedOutError", err)
	}
	if !timedOut.Hung {
		t.Error("Hung = false, want true")
	}
	if timedOut.Extended != 250*time.Millisecond || timedOut.Overtime != 50*time.Millisecond {
		t.Errorf("Extended = %s, Overtime = %s, want 250ms and 50ms", timedOut.Extended, timedOut.Overtime)
	}
	if timedOut.Stdout != "partial\n" || timedOut.Stderr != "oops\n" {
		t.Errorf("salvaged output = %q / %q, want %q / %q", timedOut.Stdout, timedOut.Stderr, "partial\n", "oops\n")
	}
	if !strings.Contains(err.Error(), "failed to finish in extended time 250ms") {
		t.Errorf("Error() = %q", err.Error())
	}
	if elapsed > 5*time.Second {
		t.Errorf("SafeExecute() returned after %s, want well before the command ends", elapsed)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(timeouts) != 1 {
		t.Fatalf("got %d timeout events, want 1", len(timeouts))
	}
	if timeouts[0].Level != telemetry.EventLevelError {
		t.Errorf("event level = %q, want %q", timeouts[0].Level, telemetry.EventLevelError)
	}
}

func TestExecuteContextCancel(t *testing.T) {
	server := newTestSSHServer(t)
	conn := newTestConnection(t, server.host(), testConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := conn.Execute(ctx, "sleep 5")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want context.DeadlineExceeded", err)
	}

	// The connection stays usable
	if _, err := conn.Execute(context.Background(), "true"); err != nil {
		t.Errorf("Execute() after cancel error = %v", err)
	}
}

func TestExecuteConcurrent(t *testing.T) {
	server := newTestSSHServer(t)
	conn := newTestConnection(t, server.host(), testConfig())

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			want := fmt.Sprintf("worker-%d\n", i)
			result, err := conn.Execute(context.Background(), "echo worker-"+fmt.Sprint(i))
			if err != nil {
				errs <- err
				return
			}
			if result.Stdout != want {
				errs <- fmt.Errorf("Stdout = %q, want %q", result.Stdout, want)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

func TestExecuteBatch(t *testing.T) {
	server := newTestSSHServer(t)
	conn := newTestConnection(t, server.host(), testConfig())
	ctx := context.Background()

	commands := []string{"echo a", "exit 2", "echo c"}

	t.Run("continue on error", func(t *testing.T) {
		results, err := conn.ExecuteBatch(ctx, commands, false)
		if err == nil {
			t.Fatal("ExecuteBatch() expected error")
		}
		if len(results) != 3 {
			t.Fatalf("got %d results, want 3", len(results))
		}
		if results[1].ExitStatus != 2 {
			t.Errorf("results[1].ExitStatus = %d, want 2", results[1].ExitStatus)
		}
		if results[2].Stdout != "c\n" {
			t.Errorf("results[2].Stdout = %q, want %q", results[2].Stdout, "c\n")
		}
		var failed *CommandFailedError
		if !errors.As(err, &failed) {
			t.Errorf("error = %v, want to wrap *CommandFailedError", err)
		}
	})

	t.Run("stop on error", func(t *testing.T) {
		results, err := conn.ExecuteBatch(ctx, commands, true)
		if err == nil {
			t.Fatal("ExecuteBatch() expected error")
		}
		if len(results) != 2 {
			t.Fatalf("got %d results, want 2", len(results))
		}
		if !strings.Contains(err.Error(), "command 1 failed") {
			t.Errorf("Error() = %q", err.Error())
		}
	})

	t.Run("all succeed", func(t *testing.T) {
		results, err := conn.ExecuteBatch(ctx, []string{"echo a", "true"}, true)
		if err != nil {
			t.Fatalf("ExecuteBatch() error = %v", err)
		}
		if len(results) != 2 {
			t.Errorf("got %d results, want 2", len(results))
		}
	})
}

// logEntry is one JSON line written by the logger.
type logEntry struct {
	Level   string `json:"level"`
	Message string `json:"message"`
	Command string `json:"command"`
}

func captureLogs(t *testing.T) (*Config, func() []logEntry) {
	t.Helper()

	buf := &lockedBuffer{}
	cfg := testConfig()
	cfg.Telemetry = telemetry.WithLogger(telemetry.NewWriterLogger(buf, zerolog.TraceLevel))

	return cfg, func() []logEntry {
		var entries []logEntry
		scanner := bufio.NewScanner(strings.NewReader(buf.String()))
		for scanner.Scan() {
			var entry logEntry
			if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
				t.Fatalf("invalid log line %q: %v", scanner.Text(), err)
			}
			entries = append(entries, entry)
		}
		return entries
	}
}

func findLog(entries []logEntry, message string) (logEntry, bool) {
	for _, e := range entries {
		if e.Message == message {
			return e, true
		}
	}
	return logEntry{}, false
}

func TestOutputLogLevels(t *testing.T) {
	server := newTestSSHServer(t)

	tests := []struct {
		name       string
		cmd        string
		run        func(*Connection, string) error
		wantStdout string
		wantStderr string
	}{
		{
			name: "execute",
			cmd:  "echo out-1; echo err-1 >&2",
			run: func(c *Connection, cmd string) error {
				_, err := c.Execute(context.Background(), cmd)
				return err
			},
			wantStdout: "debug",
			wantStderr: "warn",
		},
		{
			name: "safe execute",
			cmd:  "echo out-2; echo err-2 >&2",
			run: func(c *Connection, cmd string) error {
				_, err := c.SafeExecute(context.Background(), cmd)
				return err
			},
			wantStdout: "trace",
			wantStderr: "debug",
		},
		{
			name: "overridden",
			cmd:  "echo out-3; echo err-3 >&2",
			run: func(c *Connection, cmd string) error {
				_, err := c.Execute(context.Background(), cmd,
					WithStdoutLevel(zerolog.InfoLevel), WithStderrLevel(zerolog.ErrorLevel))
				return err
			},
			wantStdout: "info",
			wantStderr: "error",
		},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, logs := captureLogs(t)
			conn := newTestConnection(t, server.host(), cfg)

			if err := tt.run(conn, tt.cmd); err != nil {
				t.Fatalf("run error = %v", err)
			}

			entries := logs()
			stdout, ok := findLog(entries, fmt.Sprintf("stdout:\nout-%d\n", i+1))
			if !ok {
				t.Fatalf("no stdout log entry in %+v", entries)
			}
			if stdout.Level != tt.wantStdout {
				t.Errorf("stdout logged at %q, want %q", stdout.Level, tt.wantStdout)
			}
			if stdout.Command != tt.cmd {
				t.Errorf("stdout entry command = %q, want %q", stdout.Command, tt.cmd)
			}

			stderr, ok := findLog(entries, fmt.Sprintf("stderr:\nerr-%d\n", i+1))
			if !ok {
				t.Fatalf("no stderr log entry in %+v", entries)
			}
			if stderr.Level != tt.wantStderr {
				t.Errorf("stderr logged at %q, want %q", stderr.Level, tt.wantStderr)
			}
		})
	}
}

func TestBlankOutputNotLogged(t *testing.T) {
	server := newTestSSHServer(t)
	cfg, logs := captureLogs(t)
	conn := newTestConnection(t, server.host(), cfg)

	if _, err := conn.Execute(context.Background(), "true"); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	for _, e := range logs() {
		if strings.HasPrefix(e.Message, "stdout:") || strings.HasPrefix(e.Message, "stderr:") {
			t.Errorf("unexpected output log entry %+v", e)
		}
	}
}

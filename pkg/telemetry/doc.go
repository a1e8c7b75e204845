// Package telemetry provides logging, tracing, metrics and lifecycle events
// for remote execution over SSH.
//
// # Logging
//
// Logger wraps zerolog with component loggers and remote-execution fields:
//
//	logger := tel.Logger.NewComponentLogger("ssh").WithHost("deploy@10.0.0.5:22")
//	logger.Info("connected")
//	logger.Log(zerolog.WarnLevel, stderr)
//
// Log writes at a level chosen at runtime, which is how command output is
// reported at the caller's stdout and stderr levels.
//
// # Tracing
//
// Tracer wraps an OpenTelemetry provider exporting to stdout or to an OTLP/gRPC
// collector. Span names follow the operation: ssh.connect, ssh.execute,
// ssh.safe_execute, ssh.background.stop, ssh.forward.local, ssh.forward.remote,
// ssh.upload and ssh.download.
//
// StartOperation opens a span for a whole unit of work and returns a context
// carrying it and a logger tagged with the operation, so nested spans and
// FromContext pick both up.
//
// # Metrics
//
// Metrics registers its collectors on a private Prometheus registry:
//
//   - sshexec_connect_attempts_total{result}
//   - sshexec_connections_total{result}
//   - sshexec_commands_executed_total{mode,result}
//   - sshexec_command_duration_seconds{mode}
//   - sshexec_command_timeouts_total{kind}
//   - sshexec_background_processes_active
//   - sshexec_tunnels_active{direction}
//   - sshexec_bytes_transferred_total{direction}
//   - sshexec_errors_by_class_total{class}
//
// A Metrics built from a disabled config is a no-op.
//
// # Events
//
// EventPublisher delivers connection, process, tunnel and timeout events to
// subscribers, asynchronously when EnableAsync is set.
//
// # Nop
//
// Nop returns a Telemetry that discards everything. Libraries fall back to it
// when the caller configures nothing.
package telemetry

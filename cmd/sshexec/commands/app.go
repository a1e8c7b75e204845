package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/openfroyo/sshexec/pkg/config"
	"github.com/openfroyo/sshexec/pkg/stores"
	"github.com/openfroyo/sshexec/pkg/telemetry"
	"github.com/openfroyo/sshexec/pkg/transports/ssh"
	"github.com/spf13/cobra"
)

const (
	defaultConfigPath = config.DefaultPath
	shutdownTimeout   = 5 * time.Second
)

// app holds what a single command invocation needs: the loaded configuration,
// telemetry and, once asked for, the store.
type app struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	logger *telemetry.Logger
	store  stores.Store
}

// newApp loads the configuration named by the global flags and starts telemetry.
// A missing default config file is not an error; a missing --config file is.
func newApp() (*app, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg, err = config.LoadOrDefault(defaultConfigPath)
	}
	if err != nil {
		return nil, err
	}

	tcfg := cfg.TelemetryConfig(buildVersion)
	if verbose {
		tcfg.Logging.Level = "debug"
	}
	if metricsAddr != "" {
		tcfg.Metrics.Enabled = true
		tcfg.Metrics.ListenAddress = metricsAddr
	}

	tel, err := telemetry.NewTelemetry(tcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	if err := tel.StartMetricsServer(); err != nil {
		return nil, fmt.Errorf("failed to start metrics server: %w", err)
	}

	logger := tel.Logger.NewComponentLogger("cli")

	// Timeouts are reported as command errors already
	tel.Events.Subscribe(func(e telemetry.Event) {
		logger.WithFields(map[string]interface{}{
			"event": e.Type,
			"host":  e.Host,
		}).Debug(e.Message)
	}, telemetry.FilterByType(
		telemetry.EventTypeConnectionEstablished,
		telemetry.EventTypeProcessStarted,
		telemetry.EventTypeProcessStopped,
		telemetry.EventTypeTunnelOpened,
		telemetry.EventTypeTunnelClosed,
	))

	return &app{
		cfg:    cfg,
		tel:    tel,
		logger: logger,
	}, nil
}

// run wraps a command body with app setup and teardown. The body runs inside an
// operation span named after the command path, and its context carries the
// telemetry and the operation's logger.
func run(fn func(cmd *cobra.Command, a *app, args []string) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		op := telemetry.StartOperation(a.tel.WithContext(cmd.Context()),
			strings.ReplaceAll(cmd.CommandPath(), " ", "."))
		defer func() { op.End(err) }()

		cmd.SetContext(op.Ctx)
		return fn(cmd, a, args)
	}
}

func (a *app) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.WithError(err).Warn("failed to close store")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.tel.Shutdown(ctx); err != nil {
		a.logger.WithError(err).Warn("failed to shut down telemetry")
	}
}

// host resolves the target: --host-file wins over --host, which wins over the
// configured default host. The second value is the inventory name, if any.
func (a *app) host() (ssh.Host, string, error) {
	if hostFile != "" {
		host, err := ssh.LoadHostFile(hostFile)
		if err != nil {
			return ssh.Host{}, "", err
		}
		return host, a.cfg.HostName(host), nil
	}

	host, err := a.cfg.Host(hostName)
	if err != nil {
		return ssh.Host{}, "", err
	}
	return host, a.cfg.HostName(host), nil
}

// factory builds the connection factory for host with the configured policy.
func (a *app) factory(host ssh.Host) (*ssh.SSH, error) {
	sshCfg, err := a.cfg.SSHConfig(a.tel)
	if err != nil {
		return nil, err
	}
	return ssh.New(host, sshCfg)
}

// connect opens a connection to the resolved target host.
func (a *app) connect(ctx context.Context) (*ssh.Connection, error) {
	host, _, err := a.host()
	if err != nil {
		return nil, err
	}
	factory, err := a.factory(host)
	if err != nil {
		return nil, err
	}
	return factory.NewConnection(ctx)
}

// openStore opens and migrates the configured store on first use.
func (a *app) openStore(ctx context.Context) (stores.Store, error) {
	if a.store != nil {
		return a.store, nil
	}

	if err := os.MkdirAll(filepath.Dir(a.cfg.Store.Path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	store, err := stores.NewSQLiteStore(stores.Config{Path: a.cfg.Store.Path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	a.store = store
	return store, nil
}

// journalEntry describes one finished operation for the execution journal.
type journalEntry struct {
	host      ssh.Host
	mode      stores.ExecutionMode
	command   string
	result    *ssh.ExecResult
	err       error
	processID string
	startedAt time.Time
}

// journal records an execution when journaling is enabled. Failures are logged,
// never returned: the remote side effect already happened.
func (a *app) journal(ctx context.Context, e journalEntry) {
	if !a.cfg.Store.Journal {
		return
	}

	// Interrupted commands are journaled too
	ctx = context.WithoutCancel(ctx)
	logger := telemetry.FromContext(ctx)

	store, err := a.openStore(ctx)
	if err != nil {
		logger.WithError(err).Warn("execution journal unavailable")
		return
	}

	execution := &stores.Execution{
		ID:        uuid.New().String(),
		Host:      e.host.String(),
		Mode:      e.mode,
		Command:   e.command,
		StartedAt: e.startedAt,
	}

	finished := time.Now()
	if e.result != nil {
		status := e.result.ExitStatus
		execution.ExitStatus = &status
		execution.Stdout = e.result.Stdout
		execution.Stderr = e.result.Stderr
		if !e.result.StartedAt.IsZero() {
			execution.StartedAt = e.result.StartedAt
			finished = e.result.FinishedAt
		}
	}
	execution.FinishedAt = &finished
	execution.Duration = finished.Sub(execution.StartedAt)

	if e.err != nil {
		msg := e.err.Error()
		execution.Error = &msg
	}
	if e.processID != "" {
		execution.ProcessID = &e.processID
	}

	if err := store.RecordExecution(ctx, execution); err != nil {
		logger.WithError(err).Warn("failed to record execution")
	}
}

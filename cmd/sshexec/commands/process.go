package commands

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/openfroyo/sshexec/pkg/stores"
	"github.com/openfroyo/sshexec/pkg/transports/ssh"
	"github.com/spf13/cobra"
)

func newProcessCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Manage detached processes",
		Long: `Detached processes run under screen on the remote host and survive the
connection that started them. Their ids are kept in the local store so that a
later invocation can stop them.

Detached processes are the legacy way of running long commands: their output
cannot be recovered. Prefer "sshexec background".`,
	}

	cmd.AddCommand(newProcessStartCommand())
	cmd.AddCommand(newProcessStopCommand())
	cmd.AddCommand(newProcessListCommand())

	return cmd
}

func newProcessStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "start <command>...",
		Short:   "Start a detached process",
		Example: `  sshexec process start --host web-1 -- 'python3 -m http.server 8080'`,
		Args:    cobra.MinimumNArgs(1),
		RunE: run(func(cmd *cobra.Command, a *app, args []string) error {
			ctx := cmd.Context()
			command := strings.Join(args, " ")

			host, name, err := a.host()
			if err != nil {
				return err
			}
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}

			conn, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()

			started := time.Now()
			// nolint:staticcheck // detached processes are what this command manages
			process, err := conn.StartProcess(ctx, command)
			if err != nil {
				return err
			}

			record := &stores.Process{
				ID:        process.ID.String(),
				HostName:  name,
				Address:   host.Address,
				Port:      host.Port,
				User:      host.User,
				Command:   command,
				StartedAt: started,
			}
			if err := store.CreateProcess(ctx, record); err != nil {
				return fmt.Errorf("process %s started but not recorded: %w", record.ID, err)
			}

			a.journal(ctx, journalEntry{
				host:      host,
				mode:      stores.ExecutionModeDetachedStart,
				command:   command,
				processID: record.ID,
				startedAt: started,
			})

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), record)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), record.ID)
			return err
		}),
	}
}

func newProcessStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <id>",
		Short: "Stop a detached process",
		Long: `Send SIGQUIT to a detached process started by "sshexec process start".

The process is stopped on the host it was started on: its inventory name when
it had one, otherwise the host given with --host or --host-file.`,
		Args: cobra.ExactArgs(1),
		RunE: run(func(cmd *cobra.Command, a *app, args []string) error {
			ctx := cmd.Context()

			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid process id %q: %w", args[0], err)
			}

			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			record, err := store.GetProcess(ctx, id.String())
			if errors.Is(err, stores.ErrNotFound) {
				return fmt.Errorf("no detached process %s", id)
			}
			if err != nil {
				return err
			}
			if record.Status == stores.ProcessStatusStopped {
				return fmt.Errorf("detached process %s is already stopped", id)
			}

			host, err := a.processHost(record)
			if err != nil {
				return err
			}
			factory, err := a.factory(host)
			if err != nil {
				return err
			}
			conn, err := factory.NewConnection(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()

			started := time.Now()
			// nolint:staticcheck // see process start
			result, err := conn.StopProcess(ctx, ssh.RestoreDetachedProcess(id, record.Command))

			a.journal(ctx, journalEntry{
				host:      host,
				mode:      stores.ExecutionModeDetachedStop,
				command:   record.Command,
				result:    result,
				err:       err,
				processID: record.ID,
				startedAt: started,
			})
			if err != nil {
				return err
			}

			// A stale pid still means the process is gone
			status := result.ExitStatus
			if err := store.MarkProcessStopped(ctx, record.ID, &status); err != nil {
				return err
			}

			if perr := printResult(cmd.OutOrStdout(), cmd.ErrOrStderr(), newResultOutput(host, record.Command, result, nil)); perr != nil {
				return perr
			}
			return exitErrorOf(result)
		}),
	}
}

func newProcessListCommand() *cobra.Command {
	var (
		all    bool
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List detached processes",
		Args:  cobra.NoArgs,
		RunE: run(func(cmd *cobra.Command, a *app, _ []string) error {
			ctx := cmd.Context()

			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}

			var status *stores.ProcessStatus
			if !all {
				running := stores.ProcessStatusRunning
				status = &running
			}
			processes, err := store.ListProcesses(ctx, status, limit, offset)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), processes)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tHOST\tSTATUS\tSTARTED\tCOMMAND")
			for _, p := range processes {
				target := p.HostName
				if target == "" {
					target = fmt.Sprintf("%s@%s:%d", p.User, p.Address, p.Port)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					p.ID, target, p.Status, p.StartedAt.Local().Format(time.DateTime), p.Command)
			}
			return w.Flush()
		}),
	}

	cmd.Flags().BoolVarP(&all, "all", "a", false, "include stopped processes")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of processes to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of processes to skip")

	return cmd
}

// processHost finds the host a detached process runs on.
func (a *app) processHost(p *stores.Process) (ssh.Host, error) {
	if p.HostName != "" && hostName == "" && hostFile == "" {
		return a.cfg.Host(p.HostName)
	}

	host, _, err := a.host()
	if err != nil {
		return ssh.Host{}, err
	}
	if host.Address != p.Address || host.Port != p.Port || host.User != p.User {
		return ssh.Host{}, fmt.Errorf("process %s runs on %s@%s:%d, not on %s",
			p.ID, p.User, p.Address, p.Port, host)
	}
	return host, nil
}

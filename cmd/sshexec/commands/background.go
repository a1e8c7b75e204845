package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/sshexec/pkg/stores"
	"github.com/openfroyo/sshexec/pkg/transports/ssh"
	"github.com/spf13/cobra"
)

func newBackgroundCommand() *cobra.Command {
	var (
		duration    time.Duration
		stopTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "background <command>...",
		Short: "Run a command in the background until interrupted",
		Long: `Start a command on its own connection with a pseudo-terminal and keep it
running until sshexec is interrupted or --duration elapses. The command is then
stopped with an interrupt (^C) and its output is printed.

Commands that ignore the interrupt have their channel closed after
--stop-timeout plus the grace window.`,
		Example: `  # Capture traffic for a minute
  sshexec background --duration 1m -- 'tcpdump -i eth0 -c 1000'

  # Tail a log until Ctrl-C
  sshexec background -- 'tail -f /var/log/syslog'`,
		Args: cobra.MinimumNArgs(1),
		RunE: run(func(cmd *cobra.Command, a *app, args []string) error {
			ctx := cmd.Context()
			command := strings.Join(args, " ")

			host, _, err := a.host()
			if err != nil {
				return err
			}
			factory, err := a.factory(host)
			if err != nil {
				return err
			}

			started := time.Now()
			process, err := factory.RunInBackground(ctx, command)
			if err != nil {
				return err
			}
			defer process.Close()

			a.logger.WithHost(host.String()).WithProcessID(process.ID()).
				Infof("started %q, interrupt to stop", command)

			var deadline <-chan time.Time
			if duration > 0 {
				timer := time.NewTimer(duration)
				defer timer.Stop()
				deadline = timer.C
			}
			select {
			case <-ctx.Done():
			case <-deadline:
			}

			// The invocation may already be cancelled; the stop has its own timeout
			result, err := process.Stop(context.WithoutCancel(ctx), stopTimeout)
			if err != nil {
				result = resultOf(err)
			}

			a.journal(ctx, journalEntry{
				host:      host,
				mode:      stores.ExecutionModeBackground,
				command:   command,
				result:    result,
				err:       err,
				startedAt: started,
			})

			if perr := printResult(cmd.OutOrStdout(), cmd.ErrOrStderr(), newResultOutput(host, command, result, err)); perr != nil {
				return perr
			}
			if err != nil {
				return fmt.Errorf("failed to stop background process: %w", err)
			}
			return nil
		}),
	}

	cmd.Flags().DurationVarP(&duration, "duration", "d", 0, "stop after this long (default: wait for interrupt)")
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", ssh.DefaultCommandTimeout, "how long the command may take to exit after the interrupt")

	return cmd
}

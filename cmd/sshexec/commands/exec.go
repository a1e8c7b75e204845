package commands

import (
	"strings"
	"time"

	"github.com/openfroyo/sshexec/pkg/stores"
	"github.com/openfroyo/sshexec/pkg/transports/ssh"
	"github.com/spf13/cobra"
)

func newExecCommand() *cobra.Command {
	var (
		timeout time.Duration
		safe    bool
		batch   bool
		keepOn  bool
	)

	cmd := &cobra.Command{
		Use:   "exec <command>...",
		Short: "Run a command on the remote host",
		Long: `Run a command on the remote host and wait for it.

The command gets a grace window of a quarter of its timeout. A command that
finishes inside the window fails as overtime with its full output; one that
is still running afterwards has its channel closed and fails with whatever
output it produced so far.

sshexec exits with the remote command's exit status.`,
		Example: `  # Run on the default host
  sshexec exec -- uptime

  # Run on an inventory host with a timeout
  sshexec exec --host web-1 --timeout 2m -- 'journalctl -u nginx -n 50'

  # Keep going on a non-zero exit status and print JSON
  sshexec exec --safe --json -- 'test -f /etc/motd'

  # Run each argument as its own command
  sshexec exec --batch -- 'apt-get update' 'apt-get -y upgrade'`,
		Args: cobra.MinimumNArgs(1),
		RunE: run(func(cmd *cobra.Command, a *app, args []string) error {
			ctx := cmd.Context()

			host, _, err := a.host()
			if err != nil {
				return err
			}

			conn, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()

			var opts []ssh.ExecOption
			if timeout > 0 {
				opts = append(opts, ssh.WithTimeout(timeout))
			}

			cmds := []string{strings.Join(args, " ")}
			if batch {
				cmds = args
			}

			var failed *ssh.ExecResult
			for _, command := range cmds {
				started := time.Now()

				var (
					result *ssh.ExecResult
					mode   = stores.ExecutionModeExecute
				)
				if safe {
					mode = stores.ExecutionModeSafeExecute
					result, err = conn.SafeExecute(ctx, command, opts...)
				} else {
					result, err = conn.Execute(ctx, command, opts...)
				}
				if err != nil {
					result = resultOf(err)
				}

				a.journal(ctx, journalEntry{
					host:      host,
					mode:      mode,
					command:   command,
					result:    result,
					err:       err,
					startedAt: started,
				})

				if perr := printResult(cmd.OutOrStdout(), cmd.ErrOrStderr(), newResultOutput(host, command, result, err)); perr != nil {
					return perr
				}

				// No exit status: the transport failed or the command timed out
				if err != nil && (result == nil || result.ExitStatus < 0) {
					return err
				}

				if !result.IsSuccessful() {
					if failed == nil {
						failed = result
					}
					if !keepOn {
						break
					}
				}
			}

			return exitErrorOf(failed)
		}),
	}

	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "command timeout (default from config)")
	cmd.Flags().BoolVar(&safe, "safe", false, "do not treat a non-zero exit status as an error in logs")
	cmd.Flags().BoolVar(&batch, "batch", false, "run each argument as a separate command")
	cmd.Flags().BoolVar(&keepOn, "keep-going", false, "with --batch, continue after a failing command")

	return cmd
}

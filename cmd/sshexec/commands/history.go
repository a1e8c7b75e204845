package commands

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newHistoryCommand() *cobra.Command {
	var (
		limit  int
		offset int
		prune  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show the execution journal",
		Long: `Show commands, background processes and transfers recorded in the local
store, newest first. With --host or --host-file only that host's entries are
shown.`,
		Example: `  sshexec history --limit 10
  sshexec history --host web-1 --json

  # Drop entries older than 30 days
  sshexec history --prune 720h`,
		Args: cobra.NoArgs,
		RunE: run(func(cmd *cobra.Command, a *app, _ []string) error {
			ctx := cmd.Context()

			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}

			if prune > 0 {
				n, err := store.PruneExecutions(ctx, time.Now().Add(-prune))
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "pruned %d executions\n", n)
				return err
			}

			var filter *string
			if hostName != "" || hostFile != "" {
				host, _, err := a.host()
				if err != nil {
					return err
				}
				target := host.String()
				filter = &target
			}

			executions, err := store.ListExecutions(ctx, filter, limit, offset)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), executions)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "STARTED\tHOST\tMODE\tSTATUS\tDURATION\tCOMMAND")
			for _, e := range executions {
				status := "-"
				if e.ExitStatus != nil {
					status = fmt.Sprint(*e.ExitStatus)
				}
				if e.Error != nil {
					status += " (error)"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					e.StartedAt.Local().Format(time.DateTime), e.Host, e.Mode, status,
					e.Duration.Round(time.Millisecond), firstLine(e.Command))
			}
			return w.Flush()
		}),
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of entries")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of entries to skip")
	cmd.Flags().DurationVar(&prune, "prune", 0, "delete entries older than this instead of listing")

	return cmd
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}

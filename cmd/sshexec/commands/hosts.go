package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// hostOutput lists an inventory host without its credentials.
type hostOutput struct {
	Name           string `json:"name"`
	Address        string `json:"address"`
	Port           int    `json:"port"`
	User           string `json:"user"`
	Authentication string `json:"authentication"`
	Default        bool   `json:"default"`
}

func newHostsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hosts",
		Short: "List the host inventory",
		Args:  cobra.NoArgs,
		RunE: run(func(cmd *cobra.Command, a *app, _ []string) error {
			names := a.cfg.HostNames()
			hosts := make([]hostOutput, 0, len(names))
			for _, name := range names {
				h := a.cfg.Hosts[name]
				out := hostOutput{
					Name:    name,
					Address: h.Address,
					Port:    h.Port,
					User:    h.User,
					Default: name == a.cfg.DefaultHost,
				}
				if h.Authentication != nil {
					out.Authentication = string(h.Authentication.Type())
				}
				hosts = append(hosts, out)
			}

			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), hosts)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tTARGET\tAUTH")
			for _, h := range hosts {
				name := h.Name
				if h.Default {
					name += " (default)"
				}
				fmt.Fprintf(w, "%s\t%s@%s:%d\t%s\n", name, h.User, h.Address, h.Port, h.Authentication)
			}
			return w.Flush()
		}),
	}
}

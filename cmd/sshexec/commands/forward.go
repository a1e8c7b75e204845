package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func newForwardCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "forward",
		Short: "Forward ports through the SSH connection",
		Long: `Open a port tunnel on its own connection and keep it open until sshexec is
interrupted. Port 0 lets the listening side pick a free port, which is printed.`,
	}

	cmd.AddCommand(newForwardLocalCommand())
	cmd.AddCommand(newForwardRemoteCommand())

	return cmd
}

func newForwardLocalCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "local <local-port> <remote-port>",
		Short: "Forward a local port to a port on the remote host",
		Example: `  # Reach the remote PostgreSQL on localhost:15432
  sshexec forward local 15432 5432`,
		Args: cobra.ExactArgs(2),
		RunE: run(func(cmd *cobra.Command, a *app, args []string) error {
			ctx := cmd.Context()

			localPort, remotePort, err := parsePorts(args)
			if err != nil {
				return err
			}
			host, _, err := a.host()
			if err != nil {
				return err
			}
			factory, err := a.factory(host)
			if err != nil {
				return err
			}

			tunnel, err := factory.ForwardLocalPort(ctx, localPort, remotePort)
			if err != nil {
				return err
			}
			defer tunnel.Close()

			if err := printTunnel(cmd, tunnel.ID(), "local", tunnel.LocalPort(), remotePort); err != nil {
				return err
			}

			<-ctx.Done()
			return nil
		}),
	}
}

func newForwardRemoteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remote <local-port> <remote-port>",
		Short: "Forward a port on the remote host to a local port",
		Example: `  # Let the remote host reach the local web server on its port 8080
  sshexec forward remote 3000 8080`,
		Args: cobra.ExactArgs(2),
		RunE: run(func(cmd *cobra.Command, a *app, args []string) error {
			ctx := cmd.Context()

			localPort, remotePort, err := parsePorts(args)
			if err != nil {
				return err
			}
			host, _, err := a.host()
			if err != nil {
				return err
			}
			factory, err := a.factory(host)
			if err != nil {
				return err
			}

			tunnel, err := factory.ForwardRemotePort(ctx, localPort, remotePort)
			if err != nil {
				return err
			}
			defer tunnel.Close()

			if err := printTunnel(cmd, tunnel.ID(), "remote", localPort, tunnel.RemotePort()); err != nil {
				return err
			}

			<-ctx.Done()
			return nil
		}),
	}
}

// tunnelOutput is the JSON form of an open tunnel.
type tunnelOutput struct {
	ID         string `json:"id"`
	Direction  string `json:"direction"`
	LocalPort  int    `json:"local_port"`
	RemotePort int    `json:"remote_port"`
}

func printTunnel(cmd *cobra.Command, id, direction string, localPort, remotePort int) error {
	out := tunnelOutput{ID: id, Direction: direction, LocalPort: localPort, RemotePort: remotePort}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), out)
	}

	arrow := "->"
	if direction == "remote" {
		arrow = "<-"
	}
	_, err := fmt.Fprintf(cmd.OutOrStdout(), "localhost:%d %s remote:%d (interrupt to close)\n",
		localPort, arrow, remotePort)
	return err
}

func parsePorts(args []string) (int, int, error) {
	ports := make([]int, len(args))
	for i, arg := range args {
		port, err := strconv.Atoi(arg)
		if err != nil || port < 0 || port > 65535 {
			return 0, 0, fmt.Errorf("invalid port %q", arg)
		}
		ports[i] = port
	}
	return ports[0], ports[1], nil
}

package commands

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/openfroyo/sshexec/pkg/stores"
	"github.com/openfroyo/sshexec/pkg/telemetry"
	"github.com/openfroyo/sshexec/pkg/transports/ssh"
	"github.com/spf13/cobra"
)

// transferOptions are shared by upload and download.
type transferOptions struct {
	recursive bool
	verify    bool
	mode      string
}

func (o *transferOptions) bind(cmd *cobra.Command) {
	cmd.Flags().BoolVarP(&o.recursive, "recursive", "r", false, "transfer a directory tree")
	cmd.Flags().BoolVar(&o.verify, "verify", false, "compare SHA-256 checksums after a file transfer")
}

func newUploadCommand() *cobra.Command {
	var opts transferOptions

	cmd := &cobra.Command{
		Use:   "upload <local-path> <remote-path>",
		Short: "Copy a local file or directory to the remote host over SFTP",
		Example: `  sshexec upload ./nginx.conf /etc/nginx/nginx.conf --mode 0644 --verify
  sshexec upload -r ./site /var/www/site`,
		Args: cobra.ExactArgs(2),
		RunE: run(func(cmd *cobra.Command, a *app, args []string) error {
			localPath, remotePath := args[0], args[1]

			var mode os.FileMode
			if opts.mode != "" {
				parsed, err := strconv.ParseUint(opts.mode, 8, 32)
				if err != nil {
					return fmt.Errorf("invalid mode %q: %w", opts.mode, err)
				}
				mode = os.FileMode(parsed)
			}

			return transfer(cmd, a, stores.ExecutionModeUpload, localPath+" -> "+remotePath,
				func(ctx context.Context, conn *ssh.Connection) error {
					var err error
					if opts.recursive {
						err = conn.UploadDirectory(ctx, localPath, remotePath)
					} else {
						err = conn.Upload(ctx, localPath, remotePath)
					}
					if err != nil {
						return err
					}

					if mode != 0 {
						if err := conn.Chmod(ctx, remotePath, mode); err != nil {
							return err
						}
					}
					if opts.verify && !opts.recursive {
						return verifyChecksum(ctx, conn, localPath, remotePath)
					}
					return nil
				})
		}),
	}

	opts.bind(cmd)
	cmd.Flags().StringVar(&opts.mode, "mode", "", "octal permissions to set on the remote path")

	return cmd
}

func newDownloadCommand() *cobra.Command {
	var opts transferOptions

	cmd := &cobra.Command{
		Use:   "download <remote-path> <local-path>",
		Short: "Copy a remote file or directory to the local host over SFTP",
		Example: `  sshexec download /var/log/nginx/error.log ./error.log
  sshexec download -r /etc/nginx ./nginx-backup`,
		Args: cobra.ExactArgs(2),
		RunE: run(func(cmd *cobra.Command, a *app, args []string) error {
			remotePath, localPath := args[0], args[1]

			return transfer(cmd, a, stores.ExecutionModeDownload, remotePath+" -> "+localPath,
				func(ctx context.Context, conn *ssh.Connection) error {
					var err error
					if opts.recursive {
						err = conn.DownloadDirectory(ctx, remotePath, localPath)
					} else {
						err = conn.Download(ctx, remotePath, localPath)
					}
					if err != nil {
						return err
					}

					if opts.verify && !opts.recursive {
						return verifyChecksum(ctx, conn, localPath, remotePath)
					}
					return nil
				})
		}),
	}

	opts.bind(cmd)

	return cmd
}

// transfer connects, runs fn and journals it under description.
func transfer(cmd *cobra.Command, a *app, mode stores.ExecutionMode, description string,
	fn func(ctx context.Context, conn *ssh.Connection) error) error {
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

	started := time.Now()
	err = fn(ctx, conn)

	a.journal(ctx, journalEntry{
		host:      host,
		mode:      mode,
		command:   description,
		err:       err,
		startedAt: started,
	})
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"host":        host.String(),
			"transfer":    description,
			"duration_ms": time.Since(started).Milliseconds(),
		})
	}
	telemetry.FromContext(ctx).WithHost(host.String()).Infof("transferred %s in %s", description, time.Since(started).Round(time.Millisecond))
	return nil
}

func verifyChecksum(ctx context.Context, conn *ssh.Connection, localPath, remotePath string) error {
	local, err := ssh.LocalChecksum(localPath)
	if err != nil {
		return fmt.Errorf("failed to checksum %s: %w", localPath, err)
	}
	remote, err := conn.Checksum(ctx, remotePath)
	if err != nil {
		return fmt.Errorf("failed to checksum remote %s: %w", remotePath, err)
	}
	if local != remote {
		return fmt.Errorf("checksum mismatch: local %s, remote %s", local, remote)
	}
	return nil
}

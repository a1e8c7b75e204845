package ssh

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/openfroyo/sshexec/pkg/telemetry"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
)

// Transfer directions used as metric labels and span names.
const (
	directionUpload   = "upload"
	directionDownload = "download"
)

// newSFTP opens an SFTP subsystem channel on the connection's client.
func (c *Connection) newSFTP() (*sftp.Client, error) {
	client, err := c.client()
	if err != nil {
		return nil, err
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return nil, &TransportError{
			Op:          "sftp-init",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}
	return sftpClient, nil
}

// transfer wraps one SFTP operation in a span and records transferred bytes.
func (c *Connection) transfer(ctx context.Context, direction, remotePath string, fn func(context.Context, *sftp.Client) (int64, error)) (err error) {
	tel := c.ssh.tel
	ctx, span := tel.Tracer.StartTransferSpan(ctx, direction, c.ssh.host.String(), remotePath)
	var n int64
	defer func() {
		tel.Metrics.RecordBytes(direction, n)
		span.SetAttributes(telemetry.AttrBytes.Int64(n))
		if err != nil {
			tel.Metrics.RecordError(ErrorClass(err))
		}
		telemetry.EndSpan(span, err)
	}()

	sftpClient, err := c.newSFTP()
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	n, err = fn(ctx, sftpClient)
	return err
}

// Upload copies a local file to remotePath, creating the remote directory.
func (c *Connection) Upload(ctx context.Context, localPath string, remotePath string) error {
	return c.transfer(ctx, directionUpload, remotePath, func(ctx context.Context, client *sftp.Client) (int64, error) {
		return c.uploadFile(ctx, client, localPath, remotePath)
	})
}

// Download copies remotePath to a local file, creating the local directory.
func (c *Connection) Download(ctx context.Context, remotePath string, localPath string) error {
	return c.transfer(ctx, directionDownload, remotePath, func(ctx context.Context, client *sftp.Client) (int64, error) {
		return c.downloadFile(ctx, client, remotePath, localPath)
	})
}

// UploadDirectory recursively uploads localPath to remotePath.
func (c *Connection) UploadDirectory(ctx context.Context, localPath string, remotePath string) error {
	return c.transfer(ctx, directionUpload, remotePath, func(ctx context.Context, client *sftp.Client) (int64, error) {
		var total int64
		err := filepath.Walk(localPath, func(p string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}

			relPath, err := filepath.Rel(localPath, p)
			if err != nil {
				return err
			}
			target := path.Join(remotePath, filepath.ToSlash(relPath))

			if info.IsDir() {
				if err := client.MkdirAll(target); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", target, err)
				}
				return nil
			}

			n, err := c.uploadFile(ctx, client, p, target)
			total += n
			if err != nil {
				return fmt.Errorf("failed to upload file %s: %w", p, err)
			}
			return client.Chmod(target, info.Mode().Perm())
		})
		return total, err
	})
}

// DownloadDirectory recursively downloads remotePath to localPath.
func (c *Connection) DownloadDirectory(ctx context.Context, remotePath string, localPath string) error {
	return c.transfer(ctx, directionDownload, remotePath, func(ctx context.Context, client *sftp.Client) (int64, error) {
		var total int64
		walker := client.Walk(remotePath)
		for walker.Step() {
			if err := walker.Err(); err != nil {
				return total, &TransportError{
					Op:          "download-dir",
					Err:         fmt.Errorf("failed to walk remote directory: %w", err),
					IsTemporary: true,
				}
			}
			if err := ctx.Err(); err != nil {
				return total, err
			}

			relPath := strings.TrimPrefix(strings.TrimPrefix(walker.Path(), remotePath), "/")
			target := filepath.Join(localPath, filepath.FromSlash(relPath))

			if walker.Stat().IsDir() {
				if err := os.MkdirAll(target, 0755); err != nil {
					return total, fmt.Errorf("failed to create directory %s: %w", target, err)
				}
				continue
			}

			n, err := c.downloadFile(ctx, client, walker.Path(), target)
			total += n
			if err != nil {
				return total, fmt.Errorf("failed to download file %s: %w", walker.Path(), err)
			}
		}
		return total, nil
	})
}

// Chmod sets permissions of a remote file.
func (c *Connection) Chmod(ctx context.Context, remotePath string, mode os.FileMode) error {
	client, err := c.newSFTP()
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Chmod(remotePath, mode); err != nil {
		return &TransportError{Op: "chmod", Err: fmt.Errorf("failed to set permissions: %w", err)}
	}
	return nil
}

// Checksum returns the SHA-256 of a remote file as computed by sha256sum.
func (c *Connection) Checksum(ctx context.Context, remotePath string) (string, error) {
	result, err := c.Execute(ctx, "sha256sum "+remotePath, WithStdoutLevel(zerolog.TraceLevel))
	if err != nil {
		return "", err
	}

	fields := strings.Fields(result.Stdout)
	if len(fields) == 0 {
		return "", &TransportError{Op: "checksum", Err: fmt.Errorf("invalid checksum output: %q", result.Stdout)}
	}
	return fields[0], nil
}

// LocalChecksum returns the SHA-256 of a local file in the format of Checksum.
func LocalChecksum(localPath string) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", hash.Sum(nil)), nil
}

func (c *Connection) uploadFile(ctx context.Context, client *sftp.Client, localPath, remotePath string) (int64, error) {
	c.logger.WithFields(map[string]interface{}{
		"local":  localPath,
		"remote": remotePath,
	}).Debug("uploading file")

	localFile, err := os.Open(localPath)
	if err != nil {
		return 0, &TransportError{Op: "upload", Err: fmt.Errorf("failed to open local file: %w", err)}
	}
	defer localFile.Close()

	if err := client.MkdirAll(path.Dir(remotePath)); err != nil {
		return 0, &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote directory: %w", err)}
	}

	remoteFile, err := client.Create(remotePath)
	if err != nil {
		return 0, &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to create remote file: %w", err),
			IsTemporary: true,
		}
	}
	defer remoteFile.Close()

	n, err := copyWithContext(ctx, remoteFile, localFile)
	if err != nil {
		return n, &TransportError{
			Op:          "upload",
			Err:         fmt.Errorf("failed to copy file: %w", err),
			IsTemporary: true,
		}
	}
	return n, nil
}

func (c *Connection) downloadFile(ctx context.Context, client *sftp.Client, remotePath, localPath string) (int64, error) {
	c.logger.WithFields(map[string]interface{}{
		"remote": remotePath,
		"local":  localPath,
	}).Debug("downloading file")

	remoteFile, err := client.Open(remotePath)
	if err != nil {
		return 0, &TransportError{
			Op:          "download",
			Err:         fmt.Errorf("failed to open remote file: %w", err),
			IsTemporary: true,
		}
	}
	defer remoteFile.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return 0, &TransportError{Op: "download", Err: fmt.Errorf("failed to create local directory: %w", err)}
	}

	localFile, err := os.Create(localPath)
	if err != nil {
		return 0, &TransportError{Op: "download", Err: fmt.Errorf("failed to create local file: %w", err)}
	}
	defer localFile.Close()

	n, err := copyWithContext(ctx, localFile, remoteFile)
	if err != nil {
		return n, &TransportError{
			Op:          "download",
			Err:         fmt.Errorf("failed to copy file: %w", err),
			IsTemporary: true,
		}
	}
	return n, nil
}

// copyWithContext copies src to dst in 32KB chunks, checking ctx between chunks.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}

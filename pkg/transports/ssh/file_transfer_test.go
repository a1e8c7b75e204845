package ssh

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, path string, data string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read %s: %v", path, err)
	}
	return string(data)
}

func TestUploadDownload(t *testing.T) {
	server := newTestSSHServer(t)
	conn := newTestConnection(t, server.host(), testConfig())
	ctx := context.Background()

	dir := t.TempDir()
	local := filepath.Join(dir, "local.txt")
	content := strings.Repeat("0123456789abcdef", 5000)
	writeFile(t, local, content)

	remote := filepath.Join(dir, "remote", "nested", "file.txt")
	if err := conn.Upload(ctx, local, remote); err != nil {
		t.Fatalf("Upload() error = %v", err)
	}
	if got := readFile(t, remote); got != content {
		t.Errorf("uploaded %d bytes, want %d", len(got), len(content))
	}

	back := filepath.Join(dir, "back", "file.txt")
	if err := conn.Download(ctx, remote, back); err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if got := readFile(t, back); got != content {
		t.Errorf("downloaded %d bytes, want %d", len(got), len(content))
	}

	remoteSum, err := conn.Checksum(ctx, remote)
	if err != nil {
		t.Fatalf("Checksum() error = %v", err)
	}
	localSum, err := LocalChecksum(local)
	if err != nil {
		t.Fatalf("LocalChecksum() error = %v", err)
	}
	if remoteSum != localSum {
		t.Errorf("Checksum() = %s, want %s", remoteSum, localSum)
	}
}

func TestUploadDownloadErrors(t *testing.T) {
	server := newTestSSHServer(t)
	conn := newTestConnection(t, server.host(), testConfig())
	ctx := context.Background()
	dir := t.TempDir()

	var transErr *TransportError

	err := conn.Upload(ctx, filepath.Join(dir, "missing"), filepath.Join(dir, "out"))
	if !errors.As(err, &transErr) || transErr.Op != "upload" {
		t.Errorf("Upload() of missing file error = %v, want upload TransportError", err)
	}

	err = conn.Download(ctx, filepath.Join(dir, "missing"), filepath.Join(dir, "out"))
	if !errors.As(err, &transErr) || transErr.Op != "download" {
		t.Errorf("Download() of missing file error = %v, want download TransportError", err)
	}

	var failed *CommandFailedError
	if _, err := conn.Checksum(ctx, filepath.Join(dir, "missing")); !errors.As(err, &failed) {
		t.Errorf("Checksum() of missing file error = %v, want *CommandFailedError", err)
	}
}

func TestDirectoryTransfer(t *testing.T) {
	server := newTestSSHServer(t)
	conn := newTestConnection(t, server.host(), testConfig())
	ctx := context.Background()
	dir := t.TempDir()

	files := map[string]string{
		"a.txt":         "alpha",
		"sub/b.txt":     "bravo",
		"sub/deep/c.sh": "#!/bin/sh\necho charlie\n",
	}
	src := filepath.Join(dir, "src")
	for name, data := range files {
		writeFile(t, filepath.Join(src, filepath.FromSlash(name)), data)
	}

	remote := filepath.Join(dir, "remote")
	if err := conn.UploadDirectory(ctx, src, remote); err != nil {
		t.Fatalf("UploadDirectory() error = %v", err)
	}

	dst := filepath.Join(dir, "dst")
	if err := conn.DownloadDirectory(ctx, remote, dst); err != nil {
		t.Fatalf("DownloadDirectory() error = %v", err)
	}

	for name, want := range files {
		if got := readFile(t, filepath.Join(remote, filepath.FromSlash(name))); got != want {
			t.Errorf("remote %s = %q, want %q", name, got, want)
		}
		if got := readFile(t, filepath.Join(dst, filepath.FromSlash(name))); got != want {
			t.Errorf("downloaded %s = %q, want %q", name, got, want)
		}
	}
}

func TestChmod(t *testing.T) {
	server := newTestSSHServer(t)
	conn := newTestConnection(t, server.host(), testConfig())

	path := filepath.Join(t.TempDir(), "script.sh")
	writeFile(t, path, "#!/bin/sh\n")

	if err := conn.Chmod(context.Background(), path, 0700); err != nil {
		t.Fatalf("Chmod() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Mode().Perm() != 0700 {
		t.Errorf("mode = %o, want 700", info.Mode().Perm())
	}
}

func TestCopyWithContext(t *testing.T) {
	src := bytes.Repeat([]byte("x"), 100*1024)

	var dst bytes.Buffer
	n, err := copyWithContext(context.Background(), &dst, bytes.NewReader(src))
	if err != nil {
		t.Fatalf("copyWithContext() error = %v", err)
	}
	if n != int64(len(src)) || dst.Len() != len(src) {
		t.Errorf("copied %d bytes, want %d", n, len(src))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := copyWithContext(ctx, &dst, bytes.NewReader(src)); !errors.Is(err, context.Canceled) {
		t.Errorf("copyWithContext() with cancelled context error = %v, want context.Canceled", err)
	}
}

package ssh

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

// Upload implements Transport. The file is written to a temporary name
// and renamed into place so a partial transfer never replaces the target.
func (c *Client) Upload(ctx context.Context, content io.Reader, remotePath string, mode uint32) error {
	c.mu.Lock()
	connected := c.connected
	sshClient := c.sshClient
	c.mu.Unlock()

	if !connected {
		return &TransportError{Op: "upload", Err: fmt.Errorf("not connected")}
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("open sftp session: %w", err), IsTemporary: true}
	}
	defer sftpClient.Close()

	dir := path.Dir(remotePath)
	if err := sftpClient.MkdirAll(dir); err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("create directory %s: %w", dir, err)}
	}

	tmpPath := remotePath + ".tmp"
	remote, err := sftpClient.Create(tmpPath)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("create %s: %w", tmpPath, err)}
	}

	written, err := copyWithContext(ctx, remote, content)
	closeErr := remote.Close()
	if err != nil {
		sftpClient.Remove(tmpPath)
		return &TransportError{Op: "upload", Err: fmt.Errorf("write %s: %w", tmpPath, err), IsTemporary: true}
	}
	if closeErr != nil {
		sftpClient.Remove(tmpPath)
		return &TransportError{Op: "upload", Err: fmt.Errorf("close %s: %w", tmpPath, closeErr), IsTemporary: true}
	}

	if err := sftpClient.Chmod(tmpPath, fs.FileMode(mode)); err != nil {
		sftpClient.Remove(tmpPath)
		return &TransportError{Op: "upload", Err: fmt.Errorf("chmod %s: %w", tmpPath, err)}
	}

	if err := sftpClient.PosixRename(tmpPath, remotePath); err != nil {
		// Older servers lack posix-rename; fall back to remove+rename.
		sftpClient.Remove(remotePath)
		if err := sftpClient.Rename(tmpPath, remotePath); err != nil {
			sftpClient.Remove(tmpPath)
			return &TransportError{Op: "upload", Err: fmt.Errorf("rename to %s: %w", remotePath, err)}
		}
	}

	log.Debug().
		Str("addr", c.config.Address()).
		Str("path", remotePath).
		Int64("bytes", written).
		Msg("file uploaded")

	return nil
}

// Chmod implements Transport.
func (c *Client) Chmod(ctx context.Context, remotePath string, mode uint32) error {
	_, _, err := c.Run(ctx, fmt.Sprintf("chmod %o %s", mode, shellQuote(remotePath)))
	if err != nil {
		return &TransportError{Op: "chmod", Err: err}
	}
	return nil
}

// Chown implements Transport.
func (c *Client) Chown(ctx context.Context, remotePath string, owner string) error {
	_, _, err := c.RunSudo(ctx, fmt.Sprintf("chown %s %s", shellQuote(owner), shellQuote(remotePath)))
	if err != nil {
		return &TransportError{Op: "chown", Err: err}
	}
	return nil
}

// Checksum implements Transport. Uses sha256sum on the remote side so the
// file content never crosses the wire for comparison.
func (c *Client) Checksum(ctx context.Context, remotePath string) (string, error) {
	quoted := shellQuote(remotePath)
	stdout, _, err := c.Run(ctx, fmt.Sprintf("test -f %s && sha256sum %s || true", quoted, quoted))
	if err != nil {
		return "", &TransportError{Op: "checksum", Err: err}
	}

	fields := strings.Fields(stdout)
	if len(fields) == 0 {
		return "", nil
	}
	if len(fields[0]) != 64 {
		return "", &TransportError{Op: "checksum", Err: fmt.Errorf("unexpected sha256sum output: %q", stdout)}
	}
	return fields[0], nil
}

// copyWithContext copies data while checking for context cancellation
// between chunks.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64
	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		n, err := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			written += int64(w)
			if werr != nil {
				return written, werr
			}
			if w != n {
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

// shellQuote single-quotes an argument for remote shell commands.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Package ssh provides the SSH transport used to apply configuration to
// resolved hosts.
package ssh

import (
	"context"
	"io"
	"time"
)

// Transport is the remote-operations interface the task appliers use.
type Transport interface {
	// Connect establishes the SSH connection.
	// Returns an error if the connection fails or authentication is rejected.
	Connect(ctx context.Context) error

	// Close tears down the connection and releases all resources.
	Close() error

	// IsConnected returns true if the transport has an active connection.
	IsConnected() bool

	// Run executes a command on the remote host.
	// Returns stdout, stderr, and any error that occurred.
	Run(ctx context.Context, cmd string) (stdout string, stderr string, err error)

	// RunSudo executes a command with sudo. The configured sudo password
	// is used when set; otherwise NOPASSWD sudo is assumed.
	RunSudo(ctx context.Context, cmd string) (stdout string, stderr string, err error)

	// Upload writes content to a remote path via SFTP, creating parent
	// directories as needed, and sets the file mode.
	Upload(ctx context.Context, content io.Reader, remotePath string, mode uint32) error

	// Chmod sets permissions on a remote path.
	Chmod(ctx context.Context, remotePath string, mode uint32) error

	// Chown sets ownership on a remote path ("user", "user:group", or
	// ":group"). Runs under sudo.
	Chown(ctx context.Context, remotePath string, owner string) error

	// Checksum returns the SHA-256 hex digest of a remote file, or empty
	// string if the file does not exist.
	Checksum(ctx context.Context, remotePath string) (string, error)

	// Address returns the host:port this transport connects to.
	Address() string
}

// ExecResult captures one remote command execution.
type ExecResult struct {
	// Stdout is the standard output from the command.
	Stdout string

	// Stderr is the standard error output from the command.
	Stderr string

	// ExitCode is the command's exit code.
	ExitCode int

	// Duration is the total execution time.
	Duration time.Duration
}

// TransportError is an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "upload").
	Op string

	// Err is the underlying error.
	Err error

	// IsTemporary indicates the error may succeed on retry.
	IsTemporary bool

	// IsAuthError indicates the error is related to authentication.
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// Run implements Transport.
func (c *Client) Run(ctx context.Context, cmd string) (string, string, error) {
	result, err := c.exec(ctx, cmd, "")
	if err != nil {
		return "", "", err
	}
	if result.ExitCode != 0 {
		return result.Stdout, result.Stderr, &TransportError{
			Op:  "exec",
			Err: fmt.Errorf("command exited with code %d: %s", result.ExitCode, strings.TrimSpace(result.Stderr)),
		}
	}
	return result.Stdout, result.Stderr, nil
}

// RunSudo implements Transport.
func (c *Client) RunSudo(ctx context.Context, cmd string) (string, string, error) {
	sudoCmd := "sudo -n " + cmd
	stdin := ""
	if c.config.SudoPassword != "" {
		// -S reads the password from stdin; -p '' suppresses the prompt
		// so it does not pollute stderr.
		sudoCmd = "sudo -S -p '' " + cmd
		stdin = c.config.SudoPassword + "\n"
	}

	result, err := c.exec(ctx, sudoCmd, stdin)
	if err != nil {
		return "", "", err
	}
	if result.ExitCode != 0 {
		return result.Stdout, result.Stderr, &TransportError{
			Op:  "exec",
			Err: fmt.Errorf("sudo command exited with code %d: %s", result.ExitCode, strings.TrimSpace(result.Stderr)),
		}
	}
	return result.Stdout, result.Stderr, nil
}

// exec runs a command in a fresh session and waits for it, honoring ctx
// cancellation. A cancelled command gets SIGTERM before the session is
// torn down.
func (c *Client) exec(ctx context.Context, cmd string, stdin string) (*ExecResult, error) {
	timeout := c.config.CommandTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sess, err := c.session()
	if err != nil {
		return nil, err
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	if stdin != "" {
		sess.Stdin = strings.NewReader(stdin)
	}

	start := time.Now()
	if err := sess.Start(cmd); err != nil {
		return nil, &TransportError{Op: "exec", Err: fmt.Errorf("start command: %w", err), IsTemporary: true}
	}

	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	select {
	case <-execCtx.Done():
		// Best effort: most servers do not honor Signal, so the session
		// close is what actually kills the command.
		_ = sess.Signal(ssh.SIGTERM)
		sess.Close()
		<-done
		return nil, &TransportError{Op: "exec", Err: execCtx.Err(), IsTemporary: true}
	case err = <-done:
	}

	result := &ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
		} else {
			return nil, &TransportError{Op: "exec", Err: err, IsTemporary: true}
		}
	}

	log.Trace().
		Str("addr", c.config.Address()).
		Int("exit_code", result.ExitCode).
		Dur("duration", result.Duration).
		Msg("command executed")

	return result, nil
}

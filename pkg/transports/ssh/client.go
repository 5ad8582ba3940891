package ssh

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// Client implements Transport over a single SSH connection.
type Client struct {
	config *Config

	mu        sync.Mutex
	sshClient *ssh.Client
	connected bool
}

// NewClient creates an SSH client for the given config. The connection is
// not established until Connect is called.
func NewClient(config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, &TransportError{Op: "validate", Err: err}
	}
	return &Client{config: config}, nil
}

// Connect implements Transport.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	clientConfig, err := c.config.BuildClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	addr := c.config.Address()
	log.Debug().Str("addr", addr).Str("user", c.config.User).Msg("establishing SSH connection")

	dialer := net.Dialer{Timeout: c.config.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return &TransportError{
			Op:          "connect",
			Err:         fmt.Errorf("dial %s: %w", addr, err),
			IsTemporary: true,
		}
	}

	type handshakeResult struct {
		client *ssh.Client
		err    error
	}
	done := make(chan handshakeResult, 1)
	go func() {
		sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, clientConfig)
		if err != nil {
			done <- handshakeResult{err: err}
			return
		}
		done <- handshakeResult{client: ssh.NewClient(sshConn, chans, reqs)}
	}()

	select {
	case <-ctx.Done():
		conn.Close()
		return &TransportError{Op: "connect", Err: ctx.Err(), IsTemporary: true}
	case res := <-done:
		if res.err != nil {
			conn.Close()
			return &TransportError{
				Op:          "connect",
				Err:         fmt.Errorf("handshake with %s: %w", addr, res.err),
				IsAuthError: isAuthFailure(res.err),
			}
		}
		c.sshClient = res.client
		c.connected = true
	}

	log.Debug().Str("addr", addr).Msg("SSH connection established")
	return nil
}

// Close implements Transport.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil
	}

	err := c.sshClient.Close()
	c.sshClient = nil
	c.connected = false

	if err != nil {
		return &TransportError{Op: "close", Err: err}
	}
	return nil
}

// IsConnected implements Transport.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Address implements Transport.
func (c *Client) Address() string {
	return c.config.Address()
}

// session opens a new SSH session on the active connection.
func (c *Client) session() (*ssh.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil, &TransportError{Op: "session", Err: fmt.Errorf("not connected")}
	}
	sess, err := c.sshClient.NewSession()
	if err != nil {
		return nil, &TransportError{Op: "session", Err: err, IsTemporary: true}
	}
	return sess, nil
}

// isAuthFailure detects authentication errors from the handshake.
func isAuthFailure(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"unable to authenticate",
		"no supported methods remain",
		"permission denied",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

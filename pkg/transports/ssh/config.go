package ssh

import (
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod represents the type of SSH authentication.
type AuthMethod string

const (
	// AuthMethodKey uses private key authentication. The key material is
	// held in memory; it is injected from the run's secret bundle and
	// never written to disk.
	AuthMethodKey AuthMethod = "key"

	// AuthMethodPassword uses password authentication.
	AuthMethodPassword AuthMethod = "password"
)

// Config holds SSH connection configuration for one host.
type Config struct {
	// Host is the remote hostname or IP address.
	Host string

	// Port is the SSH port (default: 22).
	Port int

	// User is the SSH username.
	User string

	// AuthMethod specifies which authentication method to use.
	AuthMethod AuthMethod

	// PrivateKey is the PEM-encoded private key material.
	PrivateKey []byte

	// PrivateKeyPassphrase is the passphrase for encrypted keys.
	PrivateKeyPassphrase string

	// Password for password-based authentication.
	Password string

	// SudoPassword is used by RunSudo; empty assumes NOPASSWD.
	SudoPassword string

	// StrictHostKeyChecking enables host key verification against
	// KnownHostsPath. Dynamic inventories produce hosts that have never
	// been seen before, so pipelines commonly disable this.
	StrictHostKeyChecking bool

	// KnownHostsPath is the known_hosts file used when strict checking
	// is enabled.
	KnownHostsPath string

	// ConnectTimeout is the timeout for establishing a connection.
	ConnectTimeout time.Duration

	// CommandTimeout is the default timeout for command execution.
	CommandTimeout time.Duration
}

// DefaultConfig returns a Config with the defaults the pipeline uses.
func DefaultConfig(host, user string, privateKey []byte) *Config {
	return &Config{
		Host:                  host,
		Port:                  22,
		User:                  user,
		AuthMethod:            AuthMethodKey,
		PrivateKey:            privateKey,
		StrictHostKeyChecking: false,
		ConnectTimeout:        30 * time.Second,
		CommandTimeout:        5 * time.Minute,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}

	if c.User == "" {
		return fmt.Errorf("user is required")
	}

	switch c.AuthMethod {
	case AuthMethodKey:
		if len(c.PrivateKey) == 0 {
			return fmt.Errorf("private key material is required for key authentication")
		}
	case AuthMethodPassword:
		if c.Password == "" {
			return fmt.Errorf("password is required for password authentication")
		}
	default:
		return fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}

	if c.StrictHostKeyChecking && c.KnownHostsPath == "" {
		return fmt.Errorf("known_hosts path is required when strict host key checking is enabled")
	}

	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout must be positive")
	}

	if c.CommandTimeout <= 0 {
		return fmt.Errorf("command timeout must be positive")
	}

	return nil
}

// BuildClientConfig creates an ssh.ClientConfig from the Config.
func (c *Config) BuildClientConfig() (*ssh.ClientConfig, error) {
	var authMethods []ssh.AuthMethod

	switch c.AuthMethod {
	case AuthMethodKey:
		var signer ssh.Signer
		var err error
		if c.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(c.PrivateKey, []byte(c.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(c.PrivateKey)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))

	case AuthMethodPassword:
		authMethods = append(authMethods, ssh.Password(c.Password))
		// Many sshd configurations present keyboard-interactive instead
		// of plain password auth.
		authMethods = append(authMethods, ssh.KeyboardInteractive(
			func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = c.Password
				}
				return answers, nil
			},
		))
	}

	var hostKeyCallback ssh.HostKeyCallback
	if c.StrictHostKeyChecking {
		var err error
		hostKeyCallback, err = knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	} else {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectTimeout,
	}, nil
}

// Address returns the formatted SSH address (host:port).
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
